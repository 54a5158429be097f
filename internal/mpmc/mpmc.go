// Package mpmc implements a bounded multi-producer multi-consumer queue that
// lives in caller-provided memory, typically a shared-memory mapping, so that
// several processes can append to and drain the same queue.
//
// Elements must not contain Go pointers.
package mpmc

import (
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"
)

// Ring is a process-local handle onto a queue in shared memory.
type Ring[T any] struct {
	mask uint64
	head *ringHeader
	data uintptr
}

const ringMagic uint64 = 0xc9d8c1d43f096701

const flagInit uint64 = 1 << 1

// headerBytes is the space reserved in front of the cells.
const headerBytes = 256

// ringHeader keeps the read and write cursors on separate cache lines.
type ringHeader struct {
	magic uint64
	size  uint64
	flag  uint64
	r     uint64
	_     [12]uint64
	w     uint64
	_     [15]uint64
}

// cell pairs an element with the sequence number that tells producers and
// consumers whose turn it is.
type cell[T any] struct {
	data T
	seq  uint64
}

func roundUpPowerOf2(v uint64) uint64 {
	if v == 0 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	return v + 1
}

// Capacity returns the element count a ring created for n elements holds.
func Capacity(n uint64) uint64 {
	return roundUpPowerOf2(n)
}

// Size returns the bytes needed for a ring holding n elements.
func Size[T any](n uint64) uintptr {
	return headerBytes + unsafe.Sizeof(cell[T]{})*uintptr(roundUpPowerOf2(n))
}

// Init prepares a ring for n elements (rounded up to a power of two) at
// base. It returns false if the memory already holds an initialized ring.
func Init[T any](base uintptr, n uint64) bool {
	n = roundUpPowerOf2(n)
	h := (*ringHeader)(unsafe.Pointer(base))

	old := atomic.LoadUint64(&h.magic)
	if old == ringMagic || !atomic.CompareAndSwapUint64(&h.magic, old, ringMagic) {
		return false
	}

	atomic.StoreUint64(&h.size, n)
	data := base + headerBytes
	for i := uint64(0); i < n; i++ {
		c := (*cell[T])(unsafe.Pointer(data + unsafe.Sizeof(cell[T]{})*uintptr(i)))
		c.data = *new(T)
		atomic.StoreUint64(&c.seq, i)
	}
	atomic.StoreUint64(&h.r, 0)
	atomic.StoreUint64(&h.w, 0)
	atomic.StoreUint64(&h.flag, flagInit)
	return true
}

// Attach waits up to timeout (0 waits forever) for the ring at base to be
// initialized and returns a handle, or nil on timeout.
func Attach[T any](base uintptr, timeout time.Duration) *Ring[T] {
	start := time.Now()
	h := (*ringHeader)(unsafe.Pointer(base))
	for {
		if atomic.LoadUint64(&h.magic) == ringMagic && atomic.LoadUint64(&h.flag)&flagInit != 0 {
			size := atomic.LoadUint64(&h.size)
			return &Ring[T]{mask: size - 1, head: h, data: base + headerBytes}
		}
		if timeout > 0 && time.Since(start) >= timeout {
			return nil
		}
		runtime.Gosched()
	}
}

func (m *Ring[T]) at(pos uint64) *cell[T] {
	return (*cell[T])(unsafe.Pointer(m.data + unsafe.Sizeof(cell[T]{})*uintptr(pos&m.mask)))
}

// Cap returns the number of elements the ring holds.
func (m *Ring[T]) Cap() uint64 { return m.mask + 1 }

// Len returns an approximate element count.
func (m *Ring[T]) Len() uint64 {
	w := atomic.LoadUint64(&m.head.w)
	r := atomic.LoadUint64(&m.head.r)
	if w < r {
		return 0
	}
	return w - r
}

// TryEnqueue appends elem, returning false if the ring is full.
func (m *Ring[T]) TryEnqueue(elem T) bool {
	pos := atomic.LoadUint64(&m.head.w)
	for {
		c := m.at(pos)
		diff := int64(atomic.LoadUint64(&c.seq)) - int64(pos)
		switch {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&m.head.w, pos, pos+1) {
				c.data = elem
				atomic.StoreUint64(&c.seq, pos+1)
				return true
			}
		case diff < 0:
			return false
		default:
			pos = atomic.LoadUint64(&m.head.w)
		}
	}
}

// TryDequeue removes the oldest element, returning false if the ring is empty.
func (m *Ring[T]) TryDequeue() (elem T, ok bool) {
	pos := atomic.LoadUint64(&m.head.r)
	for {
		c := m.at(pos)
		diff := int64(atomic.LoadUint64(&c.seq)) - int64(pos+1)
		switch {
		case diff == 0:
			if atomic.CompareAndSwapUint64(&m.head.r, pos, pos+1) {
				elem = c.data
				atomic.StoreUint64(&c.seq, pos+m.mask+1)
				return elem, true
			}
		case diff < 0:
			return elem, false
		default:
			pos = atomic.LoadUint64(&m.head.r)
		}
	}
}
