// Package timecache keeps a background-refreshed clock so hot paths (the
// speedometer sample loop, peer-cache timestamps) avoid a time.Now()
// syscall per event.
package timecache

import (
	"sync/atomic"
	"time"
)

var current atomic.Int64

func init() {
	current.Store(time.Now().UnixNano())
	go func() {
		t := time.NewTicker(100 * time.Millisecond)
		defer t.Stop()
		for range t.C {
			current.Store(time.Now().UnixNano())
		}
	}()
}

// Now returns the cached time, refreshed roughly every 100ms.
func Now() time.Time {
	return time.Unix(0, current.Load())
}

// NowUnixNano returns the cached time as Unix nanoseconds.
func NowUnixNano() int64 {
	return current.Load()
}
