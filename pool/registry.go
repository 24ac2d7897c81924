package pool

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/sot-tech/swarmd/swarm"
)

// swarmShards bounds the lock striping below; a handful of shards is
// plenty for the number of info-hashes any one pool realistically hosts,
// while keeping demux lookups off a single pool-wide mutex as that count
// grows (spec.md §5/§9: O(1) lookup and unlinking per peer/swarm).
const swarmShards = 16

type swarmShard struct {
	mu sync.Mutex
	m  map[string]*swarm.Swarm
}

// swarmRegistry is a Pool's hex-info-hash -> *swarm.Swarm map, striped by
// xxhash.Sum64String the same way the teacher stripes its redis key
// space across shards (storage/redis/storage.go).
type swarmRegistry struct {
	shards [swarmShards]*swarmShard
}

func newSwarmRegistry() *swarmRegistry {
	r := &swarmRegistry{}
	for i := range r.shards {
		r.shards[i] = &swarmShard{m: make(map[string]*swarm.Swarm)}
	}
	return r
}

func (r *swarmRegistry) shardFor(key string) *swarmShard {
	return r.shards[xxhash.Sum64String(key)%swarmShards]
}

// Get returns the swarm registered under key, if any.
func (r *swarmRegistry) Get(key string) (*swarm.Swarm, bool) {
	sh := r.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.m[key]
	return s, ok
}

// SetIfAbsent registers s under key, returning false without modifying
// the registry if key is already taken.
func (r *swarmRegistry) SetIfAbsent(key string, s *swarm.Swarm) bool {
	sh := r.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.m[key]; exists {
		return false
	}
	sh.m[key] = s
	return true
}

// Delete removes key, a no-op if absent.
func (r *swarmRegistry) Delete(key string) {
	sh := r.shardFor(key)
	sh.mu.Lock()
	delete(sh.m, key)
	sh.mu.Unlock()
}

// All returns every registered swarm, in no particular order; used only
// for introspection snapshots (package adminhttp), never on a hot path.
func (r *swarmRegistry) All() []*swarm.Swarm {
	var out []*swarm.Swarm
	for _, sh := range r.shards {
		sh.mu.Lock()
		for _, s := range sh.m {
			out = append(out, s)
		}
		sh.mu.Unlock()
	}
	return out
}

// Len is the total number of registered swarms across every shard.
func (r *swarmRegistry) Len() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.Lock()
		n += len(sh.m)
		sh.mu.Unlock()
	}
	return n
}
