// Package datablock implements a brokerless record channel in shared memory.
//
// A producer creates a named channel, acquires fixed-size slots, fills them
// and commits; every commit advances a monotonic commit index that consumers
// in any process on the host observe through their own cursors. Slot state,
// consumer registrations and the channel lock all record the pid of their
// owner, so a process that dies mid-operation leaves state that the recovery
// toolkit (SlotDiagnostics, SlotRecovery, CleanupDeadConsumers,
// IntegrityValidator) can diagnose and repair from any other process.
package datablock

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"gosuda.org/datablock/internal/header"
	"gosuda.org/datablock/internal/mpmc"
)

var (
	ErrTimeout         = errors.New("datablock: operation timed out")
	ErrNotFound        = errors.New("datablock: channel not found")
	ErrAlreadyExists   = errors.New("datablock: channel exists with a different configuration")
	ErrSecretMismatch  = errors.New("datablock: shared secret mismatch")
	ErrConfigMismatch  = errors.New("datablock: channel configuration mismatch")
	ErrSchemaMismatch  = errors.New("datablock: schema mismatch")
	ErrCorrupt         = errors.New("datablock: channel header is corrupt")
	ErrNotReady        = errors.New("datablock: channel was never initialized")
	ErrInvalidConfig   = errors.New("datablock: invalid configuration")
	ErrBufferOverflow  = errors.New("datablock: write exceeds slot buffer")
	ErrNotCommitted    = errors.New("datablock: slot was not committed")
	ErrSlotOverwritten = errors.New("datablock: slot was reclaimed by a newer write")
	ErrHandleReleased  = errors.New("datablock: slot handle already released")
	ErrGuardInvalid    = errors.New("datablock: transaction guard is empty")
	ErrClosed          = errors.New("datablock: channel is closed")
	ErrTooManyReads    = errors.New("datablock: too many read handles held by one consumer")
	ErrNotRegistered   = errors.New("datablock: consumer heartbeat is not registered")
)

// SlotState is the lifecycle state of one slot.
type SlotState = header.SlotState

const (
	SlotFree      = header.SlotFree
	SlotWriting   = header.SlotWriting
	SlotCommitted = header.SlotCommitted
	SlotReading   = header.SlotReading
)

//go:generate go tool stringer -type=UnitBlockSize,DataBlockPolicy -linecomment -output=enums_string.go

// UnitBlockSize is the size of the structured region of each slot.
type UnitBlockSize uint32

const (
	UnitBlock4K   UnitBlockSize = iota // 4K
	UnitBlock8K                        // 8K
	UnitBlock16K                       // 16K
	UnitBlock32K                       // 32K
	UnitBlock64K                       // 64K
	UnitBlock256K                      // 256K
	UnitBlock1M                        // 1M
	UnitBlock4M                        // 4M
)

var unitBlockBytes = [...]uint64{
	UnitBlock4K:   4 << 10,
	UnitBlock8K:   8 << 10,
	UnitBlock16K:  16 << 10,
	UnitBlock32K:  32 << 10,
	UnitBlock64K:  64 << 10,
	UnitBlock256K: 256 << 10,
	UnitBlock1M:   1 << 20,
	UnitBlock4M:   4 << 20,
}

// Bytes returns the block size in bytes, 0 for an undefined value.
func (u UnitBlockSize) Bytes() uint64 {
	if int(u) >= len(unitBlockBytes) {
		return 0
	}
	return unitBlockBytes[u]
}

// ParseUnitBlockSize parses names like "4K" or "1M".
func ParseUnitBlockSize(s string) (UnitBlockSize, error) {
	for u := UnitBlock4K; u <= UnitBlock4M; u++ {
		if u.String() == s {
			return u, nil
		}
	}
	return 0, fmt.Errorf("%w: unit block size %q", ErrInvalidConfig, s)
}

func unitBlockFromBytes(n uint64) (UnitBlockSize, bool) {
	for i, b := range unitBlockBytes {
		if b == n {
			return UnitBlockSize(i), true
		}
	}
	return 0, false
}

// DataBlockPolicy selects how the producer reuses slots.
type DataBlockPolicy uint32

const (
	// PolicySingle keeps one slot that every commit overwrites once no
	// reader holds it.
	PolicySingle DataBlockPolicy = iota // Single
	// PolicyRingBuffer cycles through RingBufferCapacity slots and blocks
	// the producer while the next slot is still unread.
	PolicyRingBuffer // RingBuffer
)

// ParsePolicy parses "Single" or "RingBuffer".
func ParsePolicy(s string) (DataBlockPolicy, error) {
	switch s {
	case "Single", "single":
		return PolicySingle, nil
	case "RingBuffer", "ringbuffer", "ring_buffer":
		return PolicyRingBuffer, nil
	}
	return 0, fmt.Errorf("%w: policy %q", ErrInvalidConfig, s)
}

const (
	DefaultMaxConsumers = 32
	maxCapacity         = 1 << 16
	maxConsumers        = 1024
	maxAuditCapacity    = 1 << 20
)

// DataBlockConfig describes a channel. It is fixed at creation and compared
// on every attach that supplies an expected configuration.
type DataBlockConfig struct {
	SharedSecret       uint64
	UnitBlockSize      UnitBlockSize
	FlexibleZoneSize   uint64
	RingBufferCapacity uint64
	MaxConsumers       uint32 // 0 selects DefaultMaxConsumers
	AuditCapacity      uint64 // audit ring entries, 0 disables auditing
}

// normalize fills defaults and validates cfg against policy.
func (c DataBlockConfig) normalize(policy DataBlockPolicy) (DataBlockConfig, error) {
	if c.UnitBlockSize.Bytes() == 0 {
		return c, fmt.Errorf("%w: unit block size %d", ErrInvalidConfig, c.UnitBlockSize)
	}
	switch policy {
	case PolicySingle:
		if c.RingBufferCapacity == 0 {
			c.RingBufferCapacity = 1
		}
		if c.RingBufferCapacity != 1 {
			return c, fmt.Errorf("%w: single policy requires capacity 1, got %d", ErrInvalidConfig, c.RingBufferCapacity)
		}
	case PolicyRingBuffer:
		if c.RingBufferCapacity == 0 || c.RingBufferCapacity > maxCapacity {
			return c, fmt.Errorf("%w: ring buffer capacity %d", ErrInvalidConfig, c.RingBufferCapacity)
		}
	default:
		return c, fmt.Errorf("%w: policy %d", ErrInvalidConfig, policy)
	}
	if c.MaxConsumers == 0 {
		c.MaxConsumers = DefaultMaxConsumers
	}
	if c.MaxConsumers > maxConsumers {
		return c, fmt.Errorf("%w: max consumers %d", ErrInvalidConfig, c.MaxConsumers)
	}
	if c.AuditCapacity > maxAuditCapacity {
		return c, fmt.Errorf("%w: audit capacity %d", ErrInvalidConfig, c.AuditCapacity)
	}
	if c.AuditCapacity > 0 {
		c.AuditCapacity = mpmc.Capacity(c.AuditCapacity)
	}
	return c, nil
}

// Fingerprint returns a short hex digest of the structural fields, excluding
// the secret. Two channels with equal fingerprints have identical layouts.
func (c DataBlockConfig) Fingerprint(policy DataBlockPolicy) string {
	var buf [40]byte
	binary.LittleEndian.PutUint32(buf[0:], uint32(policy))
	binary.LittleEndian.PutUint32(buf[4:], uint32(c.UnitBlockSize))
	binary.LittleEndian.PutUint64(buf[8:], c.FlexibleZoneSize)
	binary.LittleEndian.PutUint64(buf[16:], c.RingBufferCapacity)
	binary.LittleEndian.PutUint32(buf[24:], c.MaxConsumers)
	binary.LittleEndian.PutUint64(buf[28:], c.AuditCapacity)
	sum := blake2b.Sum256(buf[:])
	return hex.EncodeToString(sum[:8])
}

// configFromHeader rebuilds the configuration recorded in a channel header.
func configFromHeader(h *header.Header) (DataBlockPolicy, DataBlockConfig) {
	unit, _ := unitBlockFromBytes(h.UnitBlockSize())
	l := h.Layout()
	return DataBlockPolicy(h.Policy()), DataBlockConfig{
		SharedSecret:       h.Secret(),
		UnitBlockSize:      unit,
		FlexibleZoneSize:   h.FlexZoneSize(),
		RingBufferCapacity: h.Capacity(),
		MaxConsumers:       h.MaxConsumers(),
		AuditCapacity:      l.AuditCap,
	}
}
