package datablock

import (
	"gosuda.org/datablock/internal/proc"
	"gosuda.org/datablock/internal/protocol"
)

// AuditRecord is one event from a channel's audit ring.
type AuditRecord = protocol.Record

// AuditOp identifies the kind of an audit event.
type AuditOp = protocol.OpCode

const (
	AuditAcquire     = protocol.OpAcquire
	AuditCommit      = protocol.OpCommit
	AuditAbort       = protocol.OpAbort
	AuditReadAcquire = protocol.OpReadAcquire
	AuditRelease     = protocol.OpRelease
	AuditRecover     = protocol.OpRecover
	AuditRegister    = protocol.OpRegister
	AuditDeregister  = protocol.OpDeregister
)

// record appends an event for the calling process. A full ring drops the
// event and counts it.
func (c *Channel) record(op protocol.OpCode, slotID, slotIndex uint64) {
	c.recordFor(op, proc.Self(), slotID, slotIndex)
}

func (c *Channel) recordFor(op protocol.OpCode, pid uint32, slotID, slotIndex uint64) {
	if c.audit == nil {
		return
	}
	if !c.audit.TryEnqueue(protocol.NewRecord(op, pid, slotID, slotIndex)) {
		c.h.IncAuditDropped()
	}
}

// AuditEnabled reports whether the channel carries an audit ring.
func (c *Channel) AuditEnabled() bool { return c.audit != nil }

// DrainAudit removes and returns up to max events in the order they were
// appended. max <= 0 drains everything currently queued. Events are removed
// for every process; use a single auditor per channel.
func (c *Channel) DrainAudit(max int) []AuditRecord {
	if c.audit == nil || c.checkOpen() != nil {
		return nil
	}
	var out []AuditRecord
	for max <= 0 || len(out) < max {
		r, ok := c.audit.TryDequeue()
		if !ok {
			break
		}
		out = append(out, r)
	}
	return out
}
