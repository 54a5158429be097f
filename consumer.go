package datablock

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"gosuda.org/datablock/internal/header"
	"gosuda.org/datablock/internal/protocol"
)

// Consumer is an independent broadcast reader of a channel. Each consumer
// keeps its own cursor; consumers never compete for records.
type Consumer struct {
	ch     *Channel
	schema *Schema

	mu      sync.Mutex
	next    uint64 // next slot id AcquireConsumeSlot may return
	cursor  uint64 // next slot id this consumer has not yet read
	hb      *HeartbeatManager
	handles map[*ConsumeSlotHandle]struct{}
	closed  bool
}

type consumerOptions struct {
	config      *DataBlockConfig
	schema      *Schema
	noHeartbeat bool
}

// ConsumerOption configures FindDataBlockConsumer.
type ConsumerOption func(*consumerOptions)

// WithExpectedConfig makes the attach fail with ErrConfigMismatch unless the
// channel was created with cfg. The secret is checked separately.
func WithExpectedConfig(cfg DataBlockConfig) ConsumerOption {
	return func(o *consumerOptions) { o.config = &cfg }
}

// WithSchema makes the attach fail with ErrSchemaMismatch unless the
// producer registered an identical schema.
func WithSchema(s *Schema) ConsumerOption {
	return func(o *consumerOptions) { o.schema = s }
}

// WithoutHeartbeat skips heartbeat registration. Such a consumer exerts no
// backpressure and its read handles are not reclaimed if it crashes.
func WithoutHeartbeat() ConsumerOption {
	return func(o *consumerOptions) { o.noHeartbeat = true }
}

// FindDataBlockConsumer attaches a consumer to an existing channel. Unless
// WithoutHeartbeat is given the consumer registers a heartbeat entry.
func FindDataBlockConsumer(hub *Hub, name string, secret uint64, opts ...ConsumerOption) (*Consumer, error) {
	hub = orDefault(hub)
	var o consumerOptions
	for _, opt := range opts {
		opt(&o)
	}

	ch, err := attachChannel(hub, name, secret, true)
	if err != nil {
		return nil, err
	}
	if o.config != nil {
		policy, got := configFromHeader(ch.h)
		want, err := o.config.normalize(policy)
		if err != nil || want != got {
			ch.Close()
			return nil, fmt.Errorf("%w: %s has %+v", ErrConfigMismatch, name, got)
		}
	}
	if err := ch.checkSchema(o.schema, false); err != nil {
		ch.Close()
		return nil, err
	}

	c := &Consumer{
		ch:      ch,
		schema:  o.schema,
		handles: make(map[*ConsumeSlotHandle]struct{}),
	}
	if ci := ch.h.CommitIndex(); ci != header.NoCommit {
		c.next = ci
	}
	c.cursor = ch.oldestRetained()

	if !o.noHeartbeat {
		if hb := NewHeartbeatManager(c); !hb.IsRegistered() {
			ch.logger.Warn("datablock consumer heartbeat not registered; continuing without backpressure")
		}
	}
	if err := hub.track(c, name); err != nil {
		c.close()
		return nil, err
	}
	return c, nil
}

// Channel returns the consumer's mapping of the channel.
func (c *Consumer) Channel() *Channel { return c.ch }

// Heartbeat returns the consumer's heartbeat manager, nil if it has none.
func (c *Consumer) Heartbeat() *HeartbeatManager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hb
}

// Cursor returns the next slot id the consumer has not read.
func (c *Consumer) Cursor() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// AcquireConsumeSlot returns the newest committed slot not yet returned by
// an earlier call. Slots committed in between are skipped; use SlotIterator
// to see every slot.
func (c *Consumer) AcquireConsumeSlot(timeout time.Duration) (*ConsumeSlotHandle, error) {
	dl := deadline(timeout)
	for {
		if err := c.ch.checkOpen(); err != nil {
			return nil, err
		}
		c.mu.Lock()
		next := c.next
		c.mu.Unlock()

		seen := c.ch.h.CommitSeqLoad()
		ci := c.ch.h.CommitIndex()
		if ci != header.NoCommit && ci >= next {
			h, err := c.acquire(ci, dl)
			if errors.Is(err, ErrSlotOverwritten) {
				continue
			}
			if err != nil {
				return nil, err
			}
			c.mu.Lock()
			if ci+1 > c.next {
				c.next = ci + 1
			}
			c.mu.Unlock()
			return h, nil
		}
		if !c.ch.wait(c.ch.h.CommitSeq(), seen, dl) {
			c.ch.logger.Debug("datablock consume slot acquisition timed out", "timeout", timeout, "next", next)
			return nil, fmt.Errorf("%w: no commit after slot %d on %s", ErrTimeout, next, c.ch.name)
		}
	}
}

// AcquireConsumeSlotID returns a read handle on slotID once it is
// committed. It fails with ErrSlotOverwritten if the slot has already been
// reclaimed for a newer write.
func (c *Consumer) AcquireConsumeSlotID(slotID uint64, timeout time.Duration) (*ConsumeSlotHandle, error) {
	dl := deadline(timeout)
	for {
		if err := c.ch.checkOpen(); err != nil {
			return nil, err
		}
		seen := c.ch.h.CommitSeqLoad()
		if c.ch.h.Committed(slotID) {
			return c.acquire(slotID, dl)
		}
		if !c.ch.wait(c.ch.h.CommitSeq(), seen, dl) {
			c.ch.logger.Debug("datablock consume slot acquisition timed out", "timeout", timeout, "slot_id", slotID)
			return nil, fmt.Errorf("%w: slot %d not committed on %s", ErrTimeout, slotID, c.ch.name)
		}
	}
}

// acquire takes a read handle on a committed slot id. The channel lock is
// waited for no later than dl.
func (c *Consumer) acquire(slotID uint64, dl time.Time) (*ConsumeSlotHandle, error) {
	g, err := c.ch.lockUntil(dl)
	if err != nil {
		return nil, err
	}
	defer g.Unlock()

	idx := slotID % c.ch.h.Capacity()
	s := c.ch.view.Slot(idx)
	st := s.State()
	if s.SlotID() != slotID || (st != header.SlotCommitted && st != header.SlotReading) {
		return nil, ErrSlotOverwritten
	}

	length := s.Length()
	block := c.ch.view.Block(idx)
	if length > uint64(len(block)) {
		c.ch.logger.Warn("datablock slot length exceeds block", "slot_id", slotID, "length", length, "block", len(block))
		return nil, fmt.Errorf("%w: slot %d length %d exceeds block size %d", ErrCorrupt, slotID, length, len(block))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.hb != nil && c.hb.registered() {
		if !c.hb.entry().Hold(idx) {
			return nil, ErrTooManyReads
		}
	}
	s.SetReaders(s.Readers() + 1)
	s.SetState(header.SlotReading)
	if slotID+1 > c.cursor {
		c.cursor = slotID + 1
		if c.hb != nil {
			c.hb.setCursor(c.cursor)
		}
	}
	c.ch.record(protocol.OpReadAcquire, slotID, idx)

	h := &ConsumeSlotHandle{
		c:      c,
		slotID: slotID,
		index:  idx,
		data:   block[:length:length],
		flex:   c.ch.view.Flex(idx),
	}
	c.handles[h] = struct{}{}
	return h, nil
}

func (c *Consumer) release(h *ConsumeSlotHandle) error {
	g, err := c.ch.lock()
	if err != nil {
		return err
	}
	defer g.Unlock()

	c.mu.Lock()
	delete(c.handles, h)
	if c.hb != nil && c.hb.registered() {
		c.hb.entry().Unhold(h.index)
	}
	c.mu.Unlock()

	s := c.ch.view.Slot(h.index)
	if s.SlotID() == h.slotID && s.Readers() > 0 {
		n := s.Readers() - 1
		s.SetReaders(n)
		if n == 0 && s.State() == header.SlotReading {
			s.SetState(header.SlotCommitted)
		}
	}
	c.ch.record(protocol.OpRelease, h.slotID, h.index)
	c.ch.wakeWriters()
	return nil
}

// Close releases every held read handle, deregisters the heartbeat and
// unmaps the channel.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()
	c.ch.hub.untrack(c)
	return c.close()
}

func (c *Consumer) close() error {
	c.mu.Lock()
	handles := make([]*ConsumeSlotHandle, 0, len(c.handles))
	for h := range c.handles {
		handles = append(handles, h)
	}
	hb := c.hb
	c.mu.Unlock()

	for _, h := range handles {
		h.Release()
	}
	if hb != nil {
		hb.Close()
	}

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.ch.Close()
}

// ConsumeSlotHandle is shared read access to one committed slot. The slot
// cannot be reclaimed until the handle is released.
type ConsumeSlotHandle struct {
	c      *Consumer
	slotID uint64
	index  uint64
	data   []byte
	flex   []byte

	mu   sync.Mutex
	off  int
	done bool
}

func (r *ConsumeSlotHandle) SlotID() uint64    { return r.slotID }
func (r *ConsumeSlotHandle) SlotIndex() uint64 { return r.index }

// Len returns the committed payload length.
func (r *ConsumeSlotHandle) Len() int { return len(r.data) }

// Bytes returns the committed payload. It aliases shared memory and is only
// valid until Release.
func (r *ConsumeSlotHandle) Bytes() []byte { return r.data }

// FlexibleZone returns the slot's flexible zone.
func (r *ConsumeSlotHandle) FlexibleZone() []byte { return r.flex }

// Read copies payload bytes following any previous reads. It never reads
// past the committed length and returns io.EOF once the payload is consumed.
func (r *ConsumeSlotHandle) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return 0, ErrHandleReleased
	}
	n := copy(p, r.data[r.off:])
	r.off += n
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Release drops the read handle. It is idempotent.
func (r *ConsumeSlotHandle) Release() error {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return nil
	}
	r.done = true
	r.mu.Unlock()
	if err := r.c.release(r); err != nil {
		r.mu.Lock()
		r.done = false
		r.mu.Unlock()
		return err
	}
	return nil
}
