package mpmc_test

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"gosuda.org/datablock/internal/mpmc"
)

func newRing[T any](t *testing.T, n uint64) *mpmc.Ring[T] {
	t.Helper()
	buf := make([]uint64, mpmc.Size[T](n)/8+1)
	base := uintptr(unsafe.Pointer(&buf[0]))
	require.True(t, mpmc.Init[T](base, n))
	require.False(t, mpmc.Init[T](base, n), "second init must be refused")
	r := mpmc.Attach[T](base, 0)
	require.NotNil(t, r)
	t.Cleanup(func() { _ = buf })
	return r
}

func TestOrder(t *testing.T) {
	r := newRing[uintptr](t, 128)
	assert.Equal(t, uint64(128), r.Cap())
	for i := uintptr(0); i < 128; i++ {
		require.True(t, r.TryEnqueue(i))
	}
	assert.Equal(t, uint64(128), r.Len())
	for i := uintptr(0); i < 128; i++ {
		v, ok := r.TryDequeue()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
}

func TestTryFullEmpty(t *testing.T) {
	r := newRing[uint8](t, 3)
	assert.Equal(t, uint64(4), r.Cap())

	_, ok := r.TryDequeue()
	assert.False(t, ok)

	for i := uint8(0); i < 4; i++ {
		require.True(t, r.TryEnqueue(i))
	}
	assert.False(t, r.TryEnqueue(9))

	v, ok := r.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, uint8(0), v)
	assert.True(t, r.TryEnqueue(9))
}

type record struct {
	op   uint32
	pid  uint32
	slot uint64
	at   int64
}

func TestStructWrap(t *testing.T) {
	r := newRing[record](t, 16)
	for lap := 0; lap < 10; lap++ {
		for i := 0; i < 16; i++ {
			require.True(t, r.TryEnqueue(record{op: uint32(lap), slot: uint64(i)}))
		}
		for i := 0; i < 16; i++ {
			v, ok := r.TryDequeue()
			require.True(t, ok)
			assert.Equal(t, record{op: uint32(lap), slot: uint64(i)}, v)
		}
	}
}

func TestAttachTimeout(t *testing.T) {
	buf := make([]uint64, 64)
	assert.Nil(t, mpmc.Attach[uint64](uintptr(unsafe.Pointer(&buf[0])), 1))
	runtime.KeepAlive(buf)
}

func TestConcurrent(t *testing.T) {
	const producers, per = 4, 1000
	r := newRing[uint64](t, 64)

	var eg errgroup.Group
	for p := 0; p < producers; p++ {
		eg.Go(func() error {
			for i := 0; i < per; i++ {
				for !r.TryEnqueue(uint64(i)) {
					runtime.Gosched()
				}
			}
			return nil
		})
	}

	var sum uint64
	for n := 0; n < producers*per; {
		v, ok := r.TryDequeue()
		if !ok {
			runtime.Gosched()
			continue
		}
		sum += v
		n++
	}
	require.NoError(t, eg.Wait())
	assert.Equal(t, uint64(producers*per*(per-1)/2), sum)
}
