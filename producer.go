package datablock

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"gosuda.org/datablock/internal/header"
	"gosuda.org/datablock/internal/proc"
	"gosuda.org/datablock/internal/protocol"
)

// Producer is the write side of a channel. Any number of producers, in any
// processes, may attach to one channel; at most one of them holds a write
// slot at a time.
type Producer struct {
	ch *Channel

	mu      sync.Mutex
	handles map[*WriteSlotHandle]struct{}
	closed  bool
}

// CreateDataBlockProducer creates the named channel, or attaches to it if it
// already exists with the same policy, configuration and schema.
func CreateDataBlockProducer(hub *Hub, name string, policy DataBlockPolicy, cfg DataBlockConfig, schema *Schema) (*Producer, error) {
	hub = orDefault(hub)
	ch, err := createChannel(hub, name, policy, cfg, schema)
	if err != nil {
		return nil, err
	}
	p := &Producer{ch: ch, handles: make(map[*WriteSlotHandle]struct{})}
	if err := hub.track(p, name); err != nil {
		ch.Close()
		return nil, err
	}
	return p, nil
}

// Channel returns the producer's mapping of the channel.
func (p *Producer) Channel() *Channel { return p.ch }

// AcquireWriteSlot binds the next slot to a new handle. It blocks while
// another writer is active or, under the ring buffer policy, while the next
// slot still holds data a registered consumer has not read. A zero timeout
// waits forever; a negative one tries once.
func (p *Producer) AcquireWriteSlot(timeout time.Duration) (*WriteSlotHandle, error) {
	return p.acquire(timeout, false)
}

func (p *Producer) acquire(timeout time.Duration, deferred bool) (*WriteSlotHandle, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	dl := deadline(timeout)
	for {
		seen := p.ch.h.ReleaseSeqLoad()
		h, err := p.tryAcquire(dl)
		if err != nil {
			return nil, err
		}
		if h != nil {
			h.deferred = deferred
			p.mu.Lock()
			p.handles[h] = struct{}{}
			p.mu.Unlock()
			return h, nil
		}
		if !p.ch.wait(p.ch.h.ReleaseSeq(), seen, dl) {
			p.ch.logger.Debug("datablock write slot acquisition timed out",
				"timeout", timeout, "next_slot_id", p.ch.h.NextSlotID(), "writer_pid", p.ch.h.WriterPID())
			return nil, fmt.Errorf("%w: write slot on %s", ErrTimeout, p.ch.name)
		}
	}
}

// tryAcquire makes one attempt under the channel lock, waiting for the lock
// no later than dl. It returns a nil handle and nil error when the caller
// should wait.
func (p *Producer) tryAcquire(dl time.Time) (*WriteSlotHandle, error) {
	g, err := p.ch.lockUntil(dl)
	if err != nil {
		return nil, err
	}
	defer g.Unlock()

	h := p.ch.h
	if h.WriterToken() != 0 {
		return nil, nil
	}

	id := h.NextSlotID()
	idx := id % h.Capacity()
	s := p.ch.view.Slot(idx)
	switch s.State() {
	case header.SlotFree:
	case header.SlotCommitted:
		if s.Readers() != 0 {
			return nil, nil
		}
		if p.ch.Policy() == PolicyRingBuffer && !p.ch.cursorsPast(s.SlotID()) {
			return nil, nil
		}
	default:
		return nil, nil
	}

	token := rand.Uint64() | 1
	pid := proc.Self()
	s.SetWriterPID(pid)
	s.SetSlotID(id)
	s.SetLength(0)
	s.SetState(header.SlotWriting)
	h.SetWriter(token, pid, id)
	h.SetNextSlotID(id + 1)
	p.ch.record(protocol.OpAcquire, id, idx)

	return &WriteSlotHandle{
		p:      p,
		slotID: id,
		index:  idx,
		token:  token,
		buf:    p.ch.view.Block(idx),
		flex:   p.ch.view.Flex(idx),
	}, nil
}

func (p *Producer) forget(h *WriteSlotHandle) {
	p.mu.Lock()
	delete(p.handles, h)
	p.mu.Unlock()
}

// Close aborts any write slot still held and unmaps the channel.
func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.closed = true
	handles := make([]*WriteSlotHandle, 0, len(p.handles))
	for h := range p.handles {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	for _, h := range handles {
		h.Release()
	}
	p.ch.hub.untrack(p)
	return p.ch.Close()
}

// WriteSlotHandle is exclusive write access to one slot.
type WriteSlotHandle struct {
	p      *Producer
	slotID uint64
	index  uint64
	token  uint64
	buf    []byte
	flex   []byte

	mu       sync.Mutex
	off      int
	deferred bool // commit only stages; the owning guard publishes
	staged   bool
	length   uint64
	done     bool
}

func (w *WriteSlotHandle) SlotID() uint64    { return w.slotID }
func (w *WriteSlotHandle) SlotIndex() uint64 { return w.index }

// Buffer returns the writable structured region of the slot.
func (w *WriteSlotHandle) Buffer() []byte { return w.buf }

// FlexibleZone returns the slot's flexible zone.
func (w *WriteSlotHandle) FlexibleZone() []byte { return w.flex }

// Write copies b into the buffer after any previous writes. It writes as
// much as fits and reports ErrBufferOverflow if b did not fit entirely.
func (w *WriteSlotHandle) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return 0, ErrHandleReleased
	}
	n := copy(w.buf[w.off:], b)
	w.off += n
	if n < len(b) {
		return n, ErrBufferOverflow
	}
	return n, nil
}

// Written returns the number of bytes appended through Write.
func (w *WriteSlotHandle) Written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.off
}

// Commit publishes the first n bytes of the buffer. When the handle belongs
// to a transaction guard the commit is only staged until the guard commits.
func (w *WriteSlotHandle) Commit(n uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return ErrHandleReleased
	}
	if n > uint64(len(w.buf)) {
		return fmt.Errorf("%w: commit of %d bytes, buffer is %d", ErrBufferOverflow, n, len(w.buf))
	}
	w.length = n
	w.staged = true
	if w.deferred {
		return nil
	}
	return w.publishLocked()
}

// Committed reports whether Commit has been called on the handle.
func (w *WriteSlotHandle) Committed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.staged
}

// Release gives the slot back. An unpublished slot reverts to FREE and its
// slot id stays unused. Release is idempotent.
func (w *WriteSlotHandle) Release() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return nil
	}
	return w.abortLocked()
}

func (w *WriteSlotHandle) publish() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return ErrHandleReleased
	}
	if !w.staged {
		return ErrNotCommitted
	}
	return w.publishLocked()
}

func (w *WriteSlotHandle) publishLocked() error {
	ch := w.p.ch
	g, err := ch.lock()
	if err != nil {
		return err
	}
	defer g.Unlock()

	w.done = true
	w.p.forget(w)
	h := ch.h
	if h.WriterToken() != w.token {
		return fmt.Errorf("%w: slot %d was reset by recovery", ErrHandleReleased, w.slotID)
	}

	s := ch.view.Slot(w.index)
	s.SetLength(w.length)
	s.SetCommittedAt(time.Now().UnixNano())
	s.SetReaders(0)
	s.SetState(header.SlotCommitted)
	s.SetWriterPID(0)
	h.SetCommitIndex(w.slotID)
	h.ClearWriter()
	h.IncTotalCommits()
	ch.record(protocol.OpCommit, w.slotID, w.index)

	ch.wakeReaders()
	ch.wakeWriters()
	return nil
}

func (w *WriteSlotHandle) abortLocked() error {
	ch := w.p.ch
	g, err := ch.lock()
	if err != nil {
		return err
	}
	defer g.Unlock()

	w.done = true
	w.p.forget(w)

	h := ch.h
	if h.WriterToken() != w.token {
		return nil
	}
	ch.view.Slot(w.index).Reset()
	if h.NextSlotID() == w.slotID+1 {
		h.SetNextSlotID(w.slotID)
	}
	h.ClearWriter()
	h.IncTotalAborts()
	ch.record(protocol.OpAbort, w.slotID, w.index)

	ch.wakeWriters()
	return nil
}
