package datablock

import (
	"fmt"
	"time"

	"gosuda.org/datablock/internal/header"
	"gosuda.org/datablock/internal/proc"
	"gosuda.org/datablock/internal/protocol"
)

//go:generate go tool stringer -type=RecoveryResult -linecomment

// RecoveryResult is the outcome of a recovery or validation operation.
type RecoveryResult uint8

const (
	RecoverySuccess RecoveryResult = iota // RECOVERY_SUCCESS
	RecoveryFailed                        // RECOVERY_FAILED
)

// SlotDiagnostics is a point-in-time snapshot of one slot. Call Refresh to
// take a new snapshot.
type SlotDiagnostics struct {
	ch    *Channel
	index uint64

	takenAt     time.Time
	state       SlotState
	writerPID   uint32
	writerAlive bool
	slotID      uint64
	readers     uint32
	length      uint64
	committedAt time.Time
}

// NewSlotDiagnostics snapshots slot slotIndex of ch.
func NewSlotDiagnostics(ch *Channel, slotIndex uint64) (*SlotDiagnostics, error) {
	if err := ch.checkLayout(); err != nil {
		return nil, err
	}
	if slotIndex >= ch.h.Capacity() {
		return nil, fmt.Errorf("%w: slot index %d, capacity %d", ErrInvalidConfig, slotIndex, ch.h.Capacity())
	}
	d := &SlotDiagnostics{ch: ch, index: slotIndex}
	d.Refresh()
	return d, nil
}

// Refresh re-reads the slot.
func (d *SlotDiagnostics) Refresh() {
	s := d.ch.view.Slot(d.index)
	d.takenAt = time.Now()
	d.state = s.State()
	d.writerPID = s.WriterPID()
	d.writerAlive = proc.Alive(d.writerPID)
	d.slotID = s.SlotID()
	d.readers = s.Readers()
	d.length = s.Length()
	d.committedAt = time.Unix(0, s.CommittedAt())
}

// IsStuck reports whether the slot is being written by a process that no
// longer exists.
func (d *SlotDiagnostics) IsStuck() bool {
	return d.state == SlotWriting && !d.writerAlive
}

func (d *SlotDiagnostics) SlotIndex() uint64      { return d.index }
func (d *SlotDiagnostics) SlotState() SlotState   { return d.state }
func (d *SlotDiagnostics) WriteLockPID() uint32   { return d.writerPID }
func (d *SlotDiagnostics) WriterAlive() bool      { return d.writerAlive }
func (d *SlotDiagnostics) SlotID() uint64         { return d.slotID }
func (d *SlotDiagnostics) Readers() uint32        { return d.readers }
func (d *SlotDiagnostics) Length() uint64         { return d.length }
func (d *SlotDiagnostics) CommittedAt() time.Time { return d.committedAt }
func (d *SlotDiagnostics) TakenAt() time.Time     { return d.takenAt }

// SlotRecovery repairs one slot.
type SlotRecovery struct {
	ch    *Channel
	index uint64
}

// NewSlotRecovery prepares recovery of slot slotIndex of ch.
func NewSlotRecovery(ch *Channel, slotIndex uint64) (*SlotRecovery, error) {
	if err := ch.checkLayout(); err != nil {
		return nil, err
	}
	if slotIndex >= ch.h.Capacity() {
		return nil, fmt.Errorf("%w: slot index %d, capacity %d", ErrInvalidConfig, slotIndex, ch.h.Capacity())
	}
	return &SlotRecovery{ch: ch, index: slotIndex}, nil
}

// ReleaseZombieWriter frees a slot whose writer died. The owner is checked
// again under the channel lock; a live writer is never preempted and yields
// RecoveryFailed. A slot that is not being written needs nothing and yields
// RecoverySuccess.
func (r *SlotRecovery) ReleaseZombieWriter() RecoveryResult {
	log := r.ch.logger.With("slot_index", r.index)
	g, err := r.ch.lock()
	if err != nil {
		log.Warn("datablock recovery could not take channel lock", "error", err, "lock_owner", r.ch.mu.Owner())
		return RecoveryFailed
	}
	defer g.Unlock()

	h := r.ch.h
	s := r.ch.view.Slot(r.index)
	if s.State() != header.SlotWriting {
		return RecoverySuccess
	}
	pid := s.WriterPID()
	if proc.Alive(pid) {
		log.Warn("datablock slot writer is alive, refusing to release", "pid", pid)
		return RecoveryFailed
	}

	id := s.SlotID()
	s.Reset()
	if h.WriterToken() != 0 && h.WriterSlot() == id {
		h.ClearWriter()
		if h.NextSlotID() == id+1 {
			h.SetNextSlotID(id)
		}
	}
	h.IncRecoveries()
	r.ch.recordFor(protocol.OpRecover, pid, id, r.index)
	r.ch.wakeWriters()
	log.Info("datablock released zombie writer", "pid", pid, "slot_id", id)
	return RecoverySuccess
}

// ReleaseZombieLock force-unlocks the channel lock if its recorded holder
// is dead. An unlocked channel yields RecoverySuccess; a live holder yields
// RecoveryFailed.
func ReleaseZombieLock(ch *Channel) RecoveryResult {
	owner := ch.mu.Owner()
	if owner == 0 {
		return RecoverySuccess
	}
	if proc.Alive(owner) {
		ch.logger.Warn("datablock lock holder is alive, refusing to unlock", "pid", owner)
		return RecoveryFailed
	}
	if !ch.mu.ForceUnlock(owner) {
		ch.logger.Warn("datablock lock changed hands during recovery", "pid", owner)
		return RecoveryFailed
	}
	ch.h.IncRecoveries()
	ch.recordFor(protocol.OpRecover, owner, 0, 0)
	ch.logger.Info("datablock released zombie lock", "pid", owner)
	return RecoverySuccess
}

// CleanupDeadConsumers opens the named channel and removes every heartbeat
// entry whose process is dead. See Channel.CleanupDeadConsumers.
func CleanupDeadConsumers(hub *Hub, name string) RecoveryResult {
	hub = orDefault(hub)
	ch, err := OpenChannel(hub, name)
	if err != nil {
		hub.logger.Warn("datablock consumer cleanup could not open channel", "channel", name, "error", err)
		return RecoveryFailed
	}
	defer ch.Close()
	_, res := ch.CleanupDeadConsumers()
	return res
}

// CleanupDeadConsumers frees the heartbeat entries of dead consumers,
// drops the read handles they held and lowers the active consumer count
// accordingly. It is idempotent; finding nothing stale is a success.
func (c *Channel) CleanupDeadConsumers() (int, RecoveryResult) {
	if err := c.checkLayout(); err != nil {
		c.logger.Warn("datablock consumer cleanup skipped", "error", err)
		return 0, RecoveryFailed
	}
	g, err := c.lock()
	if err != nil {
		c.logger.Warn("datablock consumer cleanup could not take channel lock", "error", err)
		return 0, RecoveryFailed
	}
	defer g.Unlock()

	removed := 0
	capacity := c.h.Capacity()
	for i := uint32(0); i < c.h.MaxConsumers(); i++ {
		b := c.view.Heartbeat(i)
		if b.State() != header.HeartbeatActive {
			continue
		}
		pid := b.PID()
		if proc.Alive(pid) {
			continue
		}
		for _, idx := range b.Held() {
			if idx >= capacity {
				continue
			}
			s := c.view.Slot(idx)
			if n := s.Readers(); n > 0 {
				s.SetReaders(n - 1)
				if n == 1 && s.State() == header.SlotReading {
					s.SetState(header.SlotCommitted)
				}
			}
		}
		b.Clear()
		if c.h.ActiveConsumers() > 0 {
			c.h.AddActiveConsumers(-1)
		}
		c.recordFor(protocol.OpDeregister, pid, 0, uint64(i))
		c.logger.Info("datablock removed dead consumer", "entry", i, "pid", pid)
		removed++
	}
	if removed > 0 {
		c.h.IncRecoveries()
		c.wakeWriters()
	}
	return removed, RecoverySuccess
}

// IntegrityValidator checks the structural invariants of a channel. It
// only reads; it never repairs.
type IntegrityValidator struct {
	ch     *Channel
	issues []string
}

func NewIntegrityValidator(ch *Channel) *IntegrityValidator {
	return &IntegrityValidator{ch: ch}
}

// Issues returns the problems found by the last Validate.
func (v *IntegrityValidator) Issues() []string { return v.issues }

func (v *IntegrityValidator) fail(format string, args ...any) {
	v.issues = append(v.issues, fmt.Sprintf(format, args...))
}

// Validate checks the header and tables and returns RecoveryFailed if any
// invariant is violated.
func (v *IntegrityValidator) Validate() RecoveryResult {
	v.issues = nil
	ch := v.ch
	h := ch.h

	if err := h.CheckMagic(); err != nil {
		v.fail("%v", err)
	}
	if err := h.CheckLayout(ch.seg.Size()); err != nil {
		v.fail("%v", err)
		return v.result()
	}

	capacity := h.Capacity()
	policy := DataBlockPolicy(h.Policy())
	switch {
	case policy > PolicyRingBuffer:
		v.fail("unknown policy %d", policy)
	case policy == PolicySingle && capacity != 1:
		v.fail("single policy with capacity %d", capacity)
	}
	if _, ok := unitBlockFromBytes(h.UnitBlockSize()); !ok {
		v.fail("unit block size %d is not a defined size", h.UnitBlockSize())
	}

	next := h.NextSlotID()
	ci := h.CommitIndex()
	if ci != header.NoCommit && ci >= next {
		v.fail("commit index %d not below next slot id %d", ci, next)
	}

	view := header.NewView(ch.seg.Bytes())
	writing := 0
	for i := uint64(0); i < capacity; i++ {
		s := view.Slot(i)
		st := s.State()
		if !st.Valid() {
			v.fail("slot %d has invalid state %d", i, s.RawState())
			continue
		}
		if st == header.SlotFree {
			continue
		}
		if id := s.SlotID(); id%capacity != i {
			v.fail("slot %d holds slot id %d", i, id)
		}
		switch st {
		case header.SlotWriting:
			writing++
			if s.SlotID() != h.WriterSlot() || h.WriterToken() == 0 {
				v.fail("slot %d is WRITING without a matching channel writer", i)
			}
		case header.SlotCommitted, header.SlotReading:
			if ci == header.NoCommit || s.SlotID() > ci {
				v.fail("slot %d is %s beyond commit index", i, st)
			}
			if s.Length() > h.UnitBlockSize() {
				v.fail("slot %d payload length %d exceeds block size", i, s.Length())
			}
			if st == header.SlotReading && s.Readers() == 0 {
				v.fail("slot %d is READING with no readers", i)
			}
			if st == header.SlotCommitted && s.Readers() != 0 {
				v.fail("slot %d is COMMITTED with %d readers", i, s.Readers())
			}
		}
	}
	if writing > 1 {
		v.fail("%d slots are WRITING", writing)
	}
	if writing == 0 && h.WriterToken() != 0 {
		v.fail("channel records writer pid %d but no slot is WRITING", h.WriterPID())
	}

	var active uint32
	for i := uint32(0); i < h.MaxConsumers(); i++ {
		b := view.Heartbeat(i)
		switch b.State() {
		case header.HeartbeatFree:
		case header.HeartbeatActive:
			active++
			for _, idx := range b.Held() {
				if idx >= capacity {
					v.fail("heartbeat %d holds slot index %d beyond capacity", i, idx)
				}
			}
		default:
			v.fail("heartbeat %d has invalid state %d", i, b.State())
		}
	}
	if active != h.ActiveConsumers() {
		v.fail("active consumer count %d, %d entries registered", h.ActiveConsumers(), active)
	}
	return v.result()
}

func (v *IntegrityValidator) result() RecoveryResult {
	if len(v.issues) > 0 {
		v.ch.logger.Error("datablock integrity validation failed", "issues", v.issues)
		return RecoveryFailed
	}
	return RecoverySuccess
}
