// Package speedometer implements the sliding-window exponentially-weighted
// byte-rate estimator spec.md §4.5 calls for: "on each sample s, updates an
// exponentially-weighted moving value; reading returns bytes-per-second."
package speedometer

import (
	"math"
	"sync"
	"time"

	"github.com/sot-tech/swarmd/pkg/timecache"
)

// DefaultWindow is the sliding window used when none is given to New,
// matching spec.md's "5-second window is acceptable".
const DefaultWindow = 5 * time.Second

// Speedometer is a thread-safe EWMA byte-rate estimator. The zero value is
// not usable; construct with New.
type Speedometer struct {
	mu       sync.Mutex
	window   time.Duration
	rate     float64 // bytes/sec, exponentially smoothed
	lastTick time.Time
	primed   bool
}

// New returns a Speedometer smoothing over the given window. A zero window
// selects DefaultWindow.
func New(window time.Duration) *Speedometer {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Speedometer{window: window, lastTick: timecache.Now()}
}

// Update records n additional bytes observed just now.
func (s *Speedometer) Update(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := timecache.Now()
	elapsed := now.Sub(s.lastTick)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	instant := float64(n) / elapsed.Seconds()

	if !s.primed {
		s.rate = instant
		s.primed = true
	} else {
		// alpha closer to 1 for a shorter window: more weight on the
		// instantaneous sample, less smoothing.
		alpha := 1 - expDecay(elapsed, s.window)
		s.rate = alpha*instant + (1-alpha)*s.rate
	}
	s.lastTick = now
}

// Rate returns the current estimate in bytes per second. If nothing has
// been observed within one window, the estimate decays toward zero so an
// idle peer doesn't report a stale speed forever.
func (s *Speedometer) Rate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.primed {
		return 0
	}
	idle := timecache.Now().Sub(s.lastTick)
	if idle <= 0 {
		return s.rate
	}
	decay := expDecay(idle, s.window)
	return s.rate * decay
}

// expDecay returns e^(-elapsed/window), clamped to [0,1], used both to
// weight a new sample and to decay the rate during idle periods.
func expDecay(elapsed, window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	x := elapsed.Seconds() / window.Seconds()
	if x > 40 {
		return 0
	}
	return math.Exp(-x)
}
