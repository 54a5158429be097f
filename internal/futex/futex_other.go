//go:build !linux

package futex

import (
	"sync/atomic"
	"time"
)

const pollInterval = time.Millisecond

// Wait polls *addr until it differs from val or d elapses.
func Wait(addr *uint32, val uint32, d time.Duration) error {
	deadline := time.Now().Add(clamp(d))
	for atomic.LoadUint32(addr) == val {
		if time.Now().After(deadline) {
			return nil
		}
		time.Sleep(pollInterval)
	}
	return nil
}

// Wake is a no-op; waiters poll.
func Wake(addr *uint32, n int) error { return nil }

// WakeAll is a no-op; waiters poll.
func WakeAll(addr *uint32) error { return nil }
