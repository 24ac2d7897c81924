package swarm

import (
	"github.com/sot-tech/swarmd/peer"
	"github.com/sot-tech/swarmd/wire"
)

// BindPool records p as the Pool this swarm joined, so Destroy can detach
// cleanly later. Called by package pool once AddSwarm succeeds.
func (s *Swarm) BindPool(p PoolHandle) {
	s.bindPool(p)
}

// NotifyListening is the exported form of notifyListening, called by
// package pool once its listener is bound (or already was, for a swarm
// joining an existing Pool).
func (s *Swarm) NotifyListening(port int) {
	s.notifyListening(port)
}

// NotifyError is the exported form of notifyError, called by package pool
// to surface bind failures and demux rejections (e.g. a duplicate
// info-hash registration) on the affected swarm.
func (s *Swarm) NotifyError(err error) {
	s.notifyError(err)
}

// OnIncoming is called by package pool once it has demultiplexed an
// accepted connection's handshake to this swarm's info-hash.
func (s *Swarm) OnIncoming(p *peer.Peer, w wire.Wire) {
	s.onIncoming(p, w)
}
