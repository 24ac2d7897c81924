package swarm

import "time"

// MaxConns is the hard cap on simultaneous live transports per swarm
// (spec.md §6).
const MaxConns = 100

// HandshakeTimeoutOut is the outbound handshake deadline: 25s from dial
// completion (spec.md §5). Incoming connections get the shorter
// HandshakeTimeoutIn defined in package pool, since they already spoke
// TCP first and must show intent quickly.
const HandshakeTimeoutOut = 25 * time.Second

// Backoff is the fixed, bounded reconnect-delay schedule (spec.md §4.1,
// §6). Exhausting it is terminal: a peer that fails this many times in a
// row is destroyed, not re-queued.
var Backoff = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	15 * time.Second,
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	300 * time.Second,
	600 * time.Second,
}

// backoffDelay returns the delay for the given zero-based retry count, and
// whether the schedule is exhausted (retries >= len(Backoff)).
func backoffDelay(retries int) (time.Duration, bool) {
	if retries >= len(Backoff) {
		return 0, true
	}
	return Backoff[retries], false
}
