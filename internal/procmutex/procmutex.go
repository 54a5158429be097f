// Package procmutex implements a mutex shared between processes. The lock
// word holds the pid of the current holder, so a holder that dies without
// unlocking can be identified and, after a liveness check, forcibly released.
package procmutex

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"gosuda.org/datablock/internal/futex"
	"gosuda.org/datablock/internal/proc"
	"gosuda.org/datablock/internal/shm"
)

// Size is the number of bytes a mutex occupies at its placement.
const Size = 32

var (
	ErrTimeout    = errors.New("procmutex: lock acquisition timed out")
	ErrPlacement  = errors.New("procmutex: placement must be at least 32 bytes and 8-byte aligned")
	ErrNotHeld    = errors.New("procmutex: guard does not hold the lock")
	ErrWouldBlock = errors.New("procmutex: lock is held")
)

type word struct {
	owner      uint32 // futex word; pid of holder, 0 when unlocked
	waiters    uint32
	acquiredAt int64 // UnixNano of the last acquisition
	count      uint64
	_          uint64
}

// Mutex is a process-shared, non-reentrant lock.
type Mutex struct {
	name string
	w    *word
	seg  *shm.SharedMemory // set when the mutex owns its own segment
}

// New constructs a mutex named name. With a non-nil placement the lock word
// lives in that region of an existing mapping; otherwise the mutex maps its
// own segment under the default shared-memory directory. create resets the
// word (placement) or creates the segment (standalone).
func New(name string, placement []byte, create bool) (*Mutex, error) {
	return NewInDir("", name, placement, create)
}

// NewInDir is New with an explicit directory for standalone segments.
func NewInDir(dir, name string, placement []byte, create bool) (*Mutex, error) {
	m := &Mutex{name: name}
	if placement == nil {
		var err error
		if create {
			m.seg, err = shm.Create(dir, name, 4096)
			if err == nil {
				err = m.seg.Unlock()
			}
		} else {
			m.seg, err = shm.Open(dir, name, time.Second)
		}
		if err != nil {
			return nil, fmt.Errorf("procmutex: %s: %w", name, err)
		}
		placement = m.seg.Bytes()
	}

	if len(placement) < Size || uintptr(unsafe.Pointer(&placement[0]))%8 != 0 {
		if m.seg != nil {
			m.seg.Close()
		}
		return nil, ErrPlacement
	}
	m.w = (*word)(unsafe.Pointer(&placement[0]))
	if create && m.seg == nil {
		atomic.StoreUint32(&m.w.waiters, 0)
		atomic.StoreInt64(&m.w.acquiredAt, 0)
		atomic.StoreUint64(&m.w.count, 0)
		atomic.StoreUint32(&m.w.owner, 0)
	}
	return m, nil
}

// Name returns the mutex name.
func (m *Mutex) Name() string { return m.name }

// Owner returns the pid recorded by the current holder, 0 if unlocked.
func (m *Mutex) Owner() uint32 { return atomic.LoadUint32(&m.w.owner) }

// AcquiredAt returns when the current or last holder acquired the lock.
func (m *Mutex) AcquiredAt() time.Time {
	return time.Unix(0, atomic.LoadInt64(&m.w.acquiredAt))
}

// Waiters returns the number of blocked acquirers across all processes.
func (m *Mutex) Waiters() uint32 { return atomic.LoadUint32(&m.w.waiters) }

// Acquisitions returns the number of successful acquisitions so far.
func (m *Mutex) Acquisitions() uint64 { return atomic.LoadUint64(&m.w.count) }

func (m *Mutex) tryAcquire() bool {
	if !atomic.CompareAndSwapUint32(&m.w.owner, 0, proc.Self()) {
		return false
	}
	atomic.StoreInt64(&m.w.acquiredAt, time.Now().UnixNano())
	atomic.AddUint64(&m.w.count, 1)
	return true
}

// TryLock acquires the lock without blocking.
func (m *Mutex) TryLock() (*Guard, error) {
	if !m.tryAcquire() {
		return nil, ErrWouldBlock
	}
	return &Guard{m: m}, nil
}

// Lock blocks until the lock is acquired or timeout elapses. A zero timeout
// waits forever.
func (m *Mutex) Lock(timeout time.Duration) (*Guard, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if m.tryAcquire() {
			return &Guard{m: m}, nil
		}

		owner := atomic.LoadUint32(&m.w.owner)
		var wait time.Duration
		if timeout > 0 {
			wait = time.Until(deadline)
			if wait <= 0 {
				return nil, fmt.Errorf("%w: %s held by pid %d", ErrTimeout, m.name, owner)
			}
		}
		if owner == 0 {
			continue
		}

		atomic.AddUint32(&m.w.waiters, 1)
		err := futex.Wait(&m.w.owner, owner, wait)
		atomic.AddUint32(&m.w.waiters, ^uint32(0))
		if err != nil {
			return nil, err
		}
	}
}

func (m *Mutex) release(pid uint32) bool {
	if !atomic.CompareAndSwapUint32(&m.w.owner, pid, 0) {
		return false
	}
	if atomic.LoadUint32(&m.w.waiters) > 0 {
		futex.Wake(&m.w.owner, 1)
	}
	return true
}

// ForceUnlock releases a lock held by expectedOwner. It is meant for
// recovery after the caller has established that the owner is dead, and
// fails if the lock changed hands in the meantime.
func (m *Mutex) ForceUnlock(expectedOwner uint32) bool {
	if expectedOwner == 0 {
		return false
	}
	return m.release(expectedOwner)
}

// Close releases resources held by a standalone mutex. It does not unlock.
func (m *Mutex) Close() error {
	if m.seg == nil {
		return nil
	}
	err := m.seg.Close()
	m.seg = nil
	return err
}

// Guard represents a held lock. Unlock is idempotent.
type Guard struct {
	m *Mutex
}

// Held reports whether the guard still owns the lock.
func (g *Guard) Held() bool {
	return g != nil && g.m != nil
}

// Unlock releases the lock. Calling it again, or on a moved-from guard,
// has no effect.
func (g *Guard) Unlock() error {
	if !g.Held() {
		return nil
	}
	m := g.m
	g.m = nil
	if !m.release(proc.Self()) {
		return ErrNotHeld
	}
	return nil
}

// Move transfers the lock to a new guard, leaving g inert.
func (g *Guard) Move() *Guard {
	if !g.Held() {
		return &Guard{}
	}
	ng := &Guard{m: g.m}
	g.m = nil
	return ng
}
