package futex

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitReturnsOnMismatch(t *testing.T) {
	var word uint32 = 7
	start := time.Now()
	require.NoError(t, Wait(&word, 3, time.Second))
	assert.Less(t, time.Since(start), 20*time.Millisecond)
}

func TestWaitHonoursSlice(t *testing.T) {
	var word uint32
	start := time.Now()
	require.NoError(t, Wait(&word, 0, 5*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 4*time.Millisecond)
}

func TestWakeReleasesWaiter(t *testing.T) {
	var word uint32
	done := make(chan struct{})
	go func() {
		defer close(done)
		for atomic.LoadUint32(&word) == 0 {
			_ = Wait(&word, 0, time.Second)
		}
	}()

	time.Sleep(5 * time.Millisecond)
	atomic.StoreUint32(&word, 1)
	require.NoError(t, WakeAll(&word))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}
}
