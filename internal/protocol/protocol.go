// Package protocol defines the audit records that channel participants
// append to a channel's shared audit ring.
package protocol

import "time"

//go:generate go tool stringer -type=OpCode -linecomment
type OpCode uint32

const (
	// Invalid: never written
	OpInvalid OpCode = 0x00 // INVALID

	// Acquire: writer bound SlotID/SlotIndex
	OpAcquire OpCode = 0x01 // ACQUIRE

	// Commit: SlotID published
	OpCommit OpCode = 0x02 // COMMIT

	// Abort: writer released SlotID without publishing
	OpAbort OpCode = 0x03 // ABORT

	// ReadAcquire: a consumer took a read handle on SlotID
	OpReadAcquire OpCode = 0x04 // READ

	// Release: a consumer dropped its read handle on SlotID
	OpRelease OpCode = 0x05 // RELEASE

	// Recover: recovery reset SlotIndex or the channel lock; PID is the dead owner
	OpRecover OpCode = 0x06 // RECOVER

	// Register: a consumer claimed heartbeat entry SlotIndex
	OpRegister OpCode = 0x07 // REGISTER

	// Deregister: heartbeat entry SlotIndex was freed
	OpDeregister OpCode = 0x08 // DEREGISTER

	// 0x09-0x0F: Reserved
)

// Record is one audit event. It holds no pointers so it can be stored in
// shared memory.
type Record struct {
	Op        OpCode
	PID       uint32
	SlotID    uint64
	SlotIndex uint64
	UnixNano  int64
}

// NewRecord stamps a record with the current time.
func NewRecord(op OpCode, pid uint32, slotID, slotIndex uint64) Record {
	return Record{
		Op:        op,
		PID:       pid,
		SlotID:    slotID,
		SlotIndex: slotIndex,
		UnixNano:  time.Now().UnixNano(),
	}
}

// Time returns the record timestamp.
func (r Record) Time() time.Time {
	return time.Unix(0, r.UnixNano)
}
