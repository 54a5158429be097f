package datablock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// WriteTransactionGuard owns a write slot for the duration of a scope.
// Committing the slot through Slot().Commit only stages the payload; nothing
// is visible to consumers until the guard's own Commit. Close, usually
// deferred, aborts an unpublished slot.
type WriteTransactionGuard struct {
	h         *WriteSlotHandle
	published bool
}

// NewWriteTransactionGuard acquires a write slot from p.
func NewWriteTransactionGuard(p *Producer, timeout time.Duration) (*WriteTransactionGuard, error) {
	h, err := p.acquire(timeout, true)
	if err != nil {
		return nil, err
	}
	return &WriteTransactionGuard{h: h}, nil
}

// Valid reports whether the guard still owns an unfinished slot.
func (g *WriteTransactionGuard) Valid() bool {
	return g != nil && g.h != nil && !g.published
}

// Slot returns the guarded handle, nil for an empty guard.
func (g *WriteTransactionGuard) Slot() *WriteSlotHandle {
	if !g.Valid() {
		return nil
	}
	return g.h
}

// Commit publishes the staged slot. It fails with ErrNotCommitted if the
// slot was never committed, leaving the guard to abort on Close.
func (g *WriteTransactionGuard) Commit() error {
	if !g.Valid() {
		return ErrGuardInvalid
	}
	if err := g.h.publish(); err != nil {
		return err
	}
	g.published = true
	return nil
}

// Abort releases the slot without publishing.
func (g *WriteTransactionGuard) Abort() error {
	if !g.Valid() {
		return ErrGuardInvalid
	}
	h := g.h
	g.h = nil
	return h.Release()
}

// Close aborts the slot unless it was published. It is safe to call on an
// empty or moved-from guard.
func (g *WriteTransactionGuard) Close() error {
	if !g.Valid() {
		return nil
	}
	return g.Abort()
}

// Move transfers the slot to a new guard and empties g.
func (g *WriteTransactionGuard) Move() *WriteTransactionGuard {
	ng := &WriteTransactionGuard{}
	if g == nil {
		return ng
	}
	ng.h, ng.published = g.h, g.published
	g.h, g.published = nil, false
	return ng
}

// WithWriteTransaction acquires a slot, runs fn and publishes the slot if fn
// returned nil after committing it. On an error from fn, or a panic, the slot
// is released unpublished and the error or panic propagates.
func WithWriteTransaction[T any](p *Producer, timeout time.Duration, fn func(*WriteSlotHandle) (T, error)) (result T, err error) {
	span := startSpan(p.ch, "datablock.WithWriteTransaction")
	defer endSpan(span, &err)

	g, err := NewWriteTransactionGuard(p, timeout)
	if err != nil {
		return result, err
	}
	defer g.Close()
	span.SetAttributes(attribute.Int64("datablock.slot_id", int64(g.h.SlotID())))

	result, err = fn(g.Slot())
	if err != nil {
		return result, err
	}
	if !g.h.Committed() {
		return result, fmt.Errorf("%w: slot %d", ErrNotCommitted, g.h.SlotID())
	}
	err = g.Commit()
	return result, err
}

func startSpan(ch *Channel, name string) trace.Span {
	_, span := ch.hub.tracer.Start(context.Background(), name,
		trace.WithAttributes(attribute.String("datablock.channel", ch.name)))
	return span
}

// endSpan must be deferred directly so that it observes a panic.
func endSpan(span trace.Span, errp *error) {
	if r := recover(); r != nil {
		span.SetStatus(codes.Error, fmt.Sprint(r))
		span.End()
		panic(r)
	}
	if err := *errp; err != nil && !errors.Is(err, ErrTimeout) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
