package datablock

import (
	"errors"
	"time"
)

// SlotIterator walks committed slots in slot id order.
type SlotIterator struct {
	c       *Consumer
	next    uint64
	skipped uint64
}

// SlotIterator returns an iterator positioned at the oldest slot the
// channel still retains.
func (c *Consumer) SlotIterator() *SlotIterator {
	return &SlotIterator{c: c, next: c.ch.oldestRetained()}
}

// Next returns the slot id the iterator expects next.
func (it *SlotIterator) Next() uint64 { return it.next }

// Skipped returns how many slot ids were reclaimed before the iterator
// could read them.
func (it *SlotIterator) Skipped() uint64 { return it.skipped }

// Seek repositions the iterator.
func (it *SlotIterator) Seek(slotID uint64) { it.next = slotID }

// TryNext returns the next committed slot. On timeout it returns ok=false
// and a nil error.
func (it *SlotIterator) TryNext(timeout time.Duration) (*ConsumeSlotHandle, bool, error) {
	for {
		h, err := it.c.AcquireConsumeSlotID(it.next, timeout)
		switch {
		case err == nil:
			it.next = h.SlotID() + 1
			return h, true, nil
		case errors.Is(err, ErrTimeout):
			return nil, false, nil
		case errors.Is(err, ErrSlotOverwritten):
			oldest := it.c.ch.oldestRetained()
			if oldest <= it.next {
				oldest = it.next + 1
			}
			it.skipped += oldest - it.next
			it.c.ch.logger.Debug("datablock iterator lapped", "from", it.next, "to", oldest)
			it.next = oldest
		default:
			return nil, false, err
		}
	}
}

// WithNextSlot runs fn on the iterator's next slot and releases it
// afterwards, even if fn panics. ok is false when no slot arrived in time.
func WithNextSlot[T any](it *SlotIterator, timeout time.Duration, fn func(*ConsumeSlotHandle) (T, error)) (result T, ok bool, err error) {
	h, ok, err := it.TryNext(timeout)
	if err != nil || !ok {
		return result, ok, err
	}
	defer func() {
		if rerr := h.Release(); err == nil {
			err = rerr
		}
	}()
	result, err = fn(h)
	return result, true, err
}
