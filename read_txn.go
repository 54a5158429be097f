package datablock

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// ReadTransactionGuard holds a read handle for the duration of a scope.
type ReadTransactionGuard struct {
	h *ConsumeSlotHandle
}

// NewReadTransactionGuard acquires slotID from c.
func NewReadTransactionGuard(c *Consumer, slotID uint64, timeout time.Duration) (*ReadTransactionGuard, error) {
	h, err := c.AcquireConsumeSlotID(slotID, timeout)
	if err != nil {
		return nil, err
	}
	return &ReadTransactionGuard{h: h}, nil
}

// Valid reports whether the guard holds a slot.
func (g *ReadTransactionGuard) Valid() bool { return g != nil && g.h != nil }

// Slot returns the guarded handle, nil for an empty guard.
func (g *ReadTransactionGuard) Slot() *ConsumeSlotHandle {
	if !g.Valid() {
		return nil
	}
	return g.h
}

// Close releases the slot. It is safe on an empty or moved-from guard.
func (g *ReadTransactionGuard) Close() error {
	if !g.Valid() {
		return nil
	}
	h := g.h
	g.h = nil
	return h.Release()
}

// Move transfers the slot to a new guard and empties g.
func (g *ReadTransactionGuard) Move() *ReadTransactionGuard {
	ng := &ReadTransactionGuard{}
	if g != nil {
		ng.h, g.h = g.h, nil
	}
	return ng
}

// WithReadTransaction runs fn on slotID and always releases the slot, then
// returns fn's result and error or continues fn's panic.
func WithReadTransaction[T any](c *Consumer, slotID uint64, timeout time.Duration, fn func(*ConsumeSlotHandle) (T, error)) (result T, err error) {
	span := startSpan(c.ch, "datablock.WithReadTransaction")
	defer endSpan(span, &err)
	span.SetAttributes(attribute.Int64("datablock.slot_id", int64(slotID)))

	g, err := NewReadTransactionGuard(c, slotID, timeout)
	if err != nil {
		return result, err
	}
	defer func() {
		if cerr := g.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(g.Slot())
}
