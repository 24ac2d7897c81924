package peer

import "github.com/sot-tech/swarmd/wire"

// DetachTransport drops the peer's transport and wire references and
// moves it to StateAwaitingReconnect, without marking it destroyed: used
// on the backoff path (spec.md §4.1), where the peer's _peers entry
// survives so it can be re-queued once its delay elapses. Returns the
// detached wire, if any, so the caller can tear it down; a no-op once
// Destroy has already run.
func (p *Peer) DetachTransport() wire.Wire {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return nil
	}
	c, w := p.conn, p.w
	p.conn, p.w = nil, nil
	p.disarmLocked()
	p.state = StateAwaitingReconnect
	if c != nil {
		c.Destroy()
	}
	return w
}
