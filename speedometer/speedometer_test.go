package speedometer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewDefaultsWindow(t *testing.T) {
	s := New(0)
	assert.Equal(t, DefaultWindow, s.window)
}

func TestRateZeroBeforeAnyUpdate(t *testing.T) {
	s := New(50 * time.Millisecond)
	assert.Zero(t, s.Rate())
}

func TestRatePositiveAfterUpdate(t *testing.T) {
	s := New(time.Second)
	s.Update(1024)
	assert.Greater(t, s.Rate(), 0.0)
}

func TestRateDecaysWhenIdle(t *testing.T) {
	s := New(20 * time.Millisecond)
	s.Update(4096)
	first := s.Rate()
	// Longer than timecache's 100ms refresh, so the idle time is visible.
	time.Sleep(250 * time.Millisecond)
	second := s.Rate()
	assert.Less(t, second, first)
}

func TestExpDecayBounds(t *testing.T) {
	assert.Equal(t, 1.0, expDecay(0, time.Second))
	assert.Equal(t, 0.0, expDecay(time.Hour, time.Second))
	assert.Equal(t, 0.0, expDecay(time.Second, 0))
}
