// Package futex provides wait/wake on 32-bit words that live in memory shared
// between processes.
//
// Callers must treat every return from Wait as a possible spurious wakeup and
// re-check their condition.
package futex

import (
	"errors"
	"time"
)

// ErrUnsupported is returned when the platform has no usable wait primitive.
var ErrUnsupported = errors.New("futex: unsupported platform")

// maxSlice bounds a single wait so that callers re-evaluate deadlines and
// peer liveness even when no wake is delivered.
const maxSlice = 50 * time.Millisecond

func clamp(d time.Duration) time.Duration {
	if d <= 0 || d > maxSlice {
		return maxSlice
	}
	return d
}
