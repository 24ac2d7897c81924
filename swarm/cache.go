package swarm

import (
	"context"

	"github.com/sot-tech/swarmd/storage"
)

// SetPeerCache attaches the persistent peer-address cache this swarm
// reports recently-active addresses to and can seed its queue from. Not
// required: a Swarm with no cache behaves exactly as spec.md describes.
func (s *Swarm) SetPeerCache(c storage.PeerCache) {
	s.mu.Lock()
	s.cache = c
	s.mu.Unlock()
}

// SeedFromCache adds up to limit addresses the attached cache last saw
// active for this swarm's info-hash to the outbound queue, so a
// restarted process doesn't start from zero (spec.md's distillation has
// no equivalent; this is restart resilience, grounded in the DOMAIN
// STACK's persistent peer cache).
func (s *Swarm) SeedFromCache(ctx context.Context, limit int) error {
	s.mu.Lock()
	cache := s.cache
	s.mu.Unlock()
	if cache == nil {
		return nil
	}

	addrs, err := cache.Recent(ctx, s.infoHash.HexString(), limit)
	if err != nil {
		return err
	}
	for _, a := range addrs {
		s.Add(a)
	}
	return nil
}

// rememberActive best-effort records addr as active in the attached
// cache; failures are logged, not surfaced, since the cache is an
// optimization and never the source of truth for swarm membership.
func (s *Swarm) rememberActive(addr string) {
	s.mu.Lock()
	cache := s.cache
	s.mu.Unlock()
	if cache == nil || addr == "" {
		return
	}
	if err := cache.Remember(context.Background(), s.infoHash.HexString(), addr); err != nil {
		s.logger.Debug().Err(err).Str("addr", addr).Msg("peer cache remember failed")
	}
}
