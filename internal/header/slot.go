package header

import (
	"sync/atomic"
	"unsafe"
)

//go:generate go tool stringer -type=SlotState -linecomment
type SlotState uint32

const (
	SlotFree      SlotState = iota // FREE
	SlotWriting                    // WRITING
	SlotCommitted                  // COMMITTED
	SlotReading                    // READING
)

// Valid reports whether s is one of the defined states.
func (s SlotState) Valid() bool {
	return s <= SlotReading
}

// Slot is the per-slot metadata entry. slotIndex = slotID mod capacity.
type Slot struct {
	state       uint32 // SlotState
	writerPID   uint32 // 0 = unowned
	slotID      uint64
	length      uint64 // Committed payload length
	readers     uint32
	_           uint32
	committedAt int64 // UnixNano
	_           [24]byte
}

func (s *Slot) State() SlotState       { return SlotState(atomic.LoadUint32(&s.state)) }
func (s *Slot) SetState(v SlotState)   { atomic.StoreUint32(&s.state, uint32(v)) }
func (s *Slot) RawState() uint32       { return atomic.LoadUint32(&s.state) }
func (s *Slot) WriterPID() uint32      { return atomic.LoadUint32(&s.writerPID) }
func (s *Slot) SetWriterPID(v uint32)  { atomic.StoreUint32(&s.writerPID, v) }
func (s *Slot) SlotID() uint64         { return atomic.LoadUint64(&s.slotID) }
func (s *Slot) SetSlotID(v uint64)     { atomic.StoreUint64(&s.slotID, v) }
func (s *Slot) Length() uint64         { return atomic.LoadUint64(&s.length) }
func (s *Slot) SetLength(v uint64)     { atomic.StoreUint64(&s.length, v) }
func (s *Slot) Readers() uint32        { return atomic.LoadUint32(&s.readers) }
func (s *Slot) SetReaders(v uint32)    { atomic.StoreUint32(&s.readers, v) }
func (s *Slot) CommittedAt() int64     { return atomic.LoadInt64(&s.committedAt) }
func (s *Slot) SetCommittedAt(v int64) { atomic.StoreInt64(&s.committedAt, v) }

// Reset returns the slot to FREE with no owner and no readers. The slot id
// is kept so diagnostics can still report what the slot last held.
func (s *Slot) Reset() {
	s.SetWriterPID(0)
	s.SetReaders(0)
	s.SetLength(0)
	s.SetState(SlotFree)
}

// Heartbeat entry states.
const (
	HeartbeatFree   uint32 = 0
	HeartbeatActive uint32 = 1
)

// Heartbeat is a consumer registration entry.
type Heartbeat struct {
	state        uint32
	pid          uint32
	uid          [16]byte
	lastBeat     int64 // UnixNano
	registeredAt int64 // UnixNano
	cursor       uint64
	held         [MaxHeldSlots]uint32 // slot index + 1 of each held read handle
	_            [48]byte
}

func (b *Heartbeat) State() uint32           { return atomic.LoadUint32(&b.state) }
func (b *Heartbeat) SetState(v uint32)       { atomic.StoreUint32(&b.state, v) }
func (b *Heartbeat) PID() uint32             { return atomic.LoadUint32(&b.pid) }
func (b *Heartbeat) SetPID(v uint32)         { atomic.StoreUint32(&b.pid, v) }
func (b *Heartbeat) UID() [16]byte           { return b.uid }
func (b *Heartbeat) SetUID(v [16]byte)       { b.uid = v }
func (b *Heartbeat) LastBeat() int64         { return atomic.LoadInt64(&b.lastBeat) }
func (b *Heartbeat) SetLastBeat(v int64)     { atomic.StoreInt64(&b.lastBeat, v) }
func (b *Heartbeat) RegisteredAt() int64     { return atomic.LoadInt64(&b.registeredAt) }
func (b *Heartbeat) SetRegisteredAt(v int64) { atomic.StoreInt64(&b.registeredAt, v) }
func (b *Heartbeat) Cursor() uint64          { return atomic.LoadUint64(&b.cursor) }
func (b *Heartbeat) SetCursor(v uint64)      { atomic.StoreUint64(&b.cursor, v) }

// Hold records a read handle on slotIndex. It returns false if every
// entry is in use.
func (b *Heartbeat) Hold(slotIndex uint64) bool {
	for i := range b.held {
		if atomic.LoadUint32(&b.held[i]) == 0 {
			atomic.StoreUint32(&b.held[i], uint32(slotIndex)+1)
			return true
		}
	}
	return false
}

// Unhold removes one read handle on slotIndex.
func (b *Heartbeat) Unhold(slotIndex uint64) {
	for i := range b.held {
		if atomic.LoadUint32(&b.held[i]) == uint32(slotIndex)+1 {
			atomic.StoreUint32(&b.held[i], 0)
			return
		}
	}
}

// Held returns the slot indexes of every read handle the entry holds.
func (b *Heartbeat) Held() []uint64 {
	var out []uint64
	for i := range b.held {
		if v := atomic.LoadUint32(&b.held[i]); v != 0 {
			out = append(out, uint64(v-1))
		}
	}
	return out
}

// Clear frees the entry.
func (b *Heartbeat) Clear() {
	for i := range b.held {
		atomic.StoreUint32(&b.held[i], 0)
	}
	b.SetCursor(0)
	b.SetPID(0)
	b.uid = [16]byte{}
	b.SetState(HeartbeatFree)
}

// View resolves regions of a mapped segment from its header.
type View struct {
	mem []byte
	H   *Header
	l   Layout
}

// NewView returns a view over mem. The header's layout must already have
// passed Check against len(mem).
func NewView(mem []byte) View {
	h := At(mem)
	return View{mem: mem, H: h, l: h.Layout()}
}

// Slot returns the metadata entry for slotIndex.
func (v View) Slot(slotIndex uint64) *Slot {
	off := v.l.SlotsOff + slotIndex*SlotSize
	return (*Slot)(unsafe.Pointer(&v.mem[off]))
}

// Heartbeat returns heartbeat entry i.
func (v View) Heartbeat(i uint32) *Heartbeat {
	off := v.l.HeartbeatsOff + uint64(i)*HeartbeatSize
	return (*Heartbeat)(unsafe.Pointer(&v.mem[off]))
}

// Block returns the structured region of slotIndex.
func (v View) Block(slotIndex uint64) []byte {
	off := v.l.DataOff + slotIndex*v.l.SlotStride
	n := v.H.UnitBlockSize()
	return v.mem[off : off+n : off+n]
}

// Flex returns the flexible zone of slotIndex.
func (v View) Flex(slotIndex uint64) []byte {
	off := v.l.DataOff + slotIndex*v.l.SlotStride + v.H.UnitBlockSize()
	n := v.H.FlexZoneSize()
	return v.mem[off : off+n : off+n]
}

// AuditBase returns the address of the audit ring, 0 if the channel has none.
func (v View) AuditBase() uintptr {
	if v.l.AuditCap == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&v.mem[v.l.AuditOff]))
}
