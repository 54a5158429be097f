// Package header defines the fixed shared-memory layout of a datablock
// channel: the channel header, the slot table, the heartbeat table and the
// data region.
//
// Every field is accessed through atomics; the memory is mapped by several
// processes and no Go-level synchronization applies across them.
package header

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Magic marks an initialized channel header ("DATABLK\x01").
const Magic uint64 = 0x014b4c4241544144

// Version is the layout version written by this package.
const Version uint32 = 1

const (
	HeaderSize    = 4096 // Bytes reserved for Header at offset 0
	SlotSize      = 64   // Bytes per Slot entry
	HeartbeatSize = 128  // Bytes per Heartbeat entry
	MutexSize     = 32   // Bytes reserved for the channel mutex
	MaxSchemaSize = 1024 // Encoded schema bytes that fit in the header
	MaxHeldSlots  = 8    // Read handles a single consumer can hold at once
	PageSize      = 4096
)

// NoCommit is the commit index of a channel that has never committed.
const NoCommit = ^uint64(0)

var (
	ErrBadMagic   = errors.New("header: bad magic number")
	ErrBadVersion = errors.New("header: unsupported layout version")
	ErrBadLayout  = errors.New("header: layout does not fit mapping")
)

// Header is the channel header placed at offset 0 of the segment.
// Fields up to createdAt are write-once; the rest change at runtime.
type Header struct {
	magic         uint64 // 0x00 written last during creation
	version       uint32 // 0x08
	flags         uint32 // 0x0C
	secret        uint64 // 0x10
	unitBlockSize uint64 // 0x18
	flexZoneSize  uint64 // 0x20
	capacity      uint64 // 0x28
	policy        uint32 // 0x30
	maxConsumers  uint32 // 0x34
	totalSize     uint64 // 0x38
	slotsOff      uint64 // 0x40
	heartbeatsOff uint64 // 0x48
	auditOff      uint64 // 0x50
	auditCap      uint64 // 0x58
	dataOff       uint64 // 0x60
	slotStride    uint64 // 0x68
	creatorPID    uint32 // 0x70
	schemaLen     uint32 // 0x74
	createdAt     int64  // 0x78
	/* ======== runtime state ======== */
	mutex           [MutexSize]byte     // 0x80
	commitIndex     uint64              // 0xA0
	nextSlotID      uint64              // 0xA8
	writerToken     uint64              // 0xB0
	writerPID       uint32              // 0xB8
	activeConsumers uint32              // 0xBC
	writerSlot      uint64              // 0xC0
	commitSeq       uint32              // 0xC8 futex word, bumped on publish
	releaseSeq      uint32              // 0xCC futex word, bumped when space frees
	auditDropped    uint64              // 0xD0
	totalCommits    uint64              // 0xD8
	totalAborts     uint64              // 0xE0
	recoveries      uint64              // 0xE8
	_               [16]byte            // 0xF0
	schemaHash      [32]byte            // 0x100
	schema          [MaxSchemaSize]byte // 0x120
}

// Structural holds the write-once part of the header.
type Structural struct {
	Secret        uint64
	UnitBlockSize uint64
	FlexZoneSize  uint64
	Capacity      uint64
	Policy        uint32
	MaxConsumers  uint32
	Flags         uint32
	Layout        Layout
}

// Layout gives the offsets of every region in the segment.
type Layout struct {
	SlotsOff      uint64
	HeartbeatsOff uint64
	AuditOff      uint64
	AuditCap      uint64
	DataOff       uint64
	SlotStride    uint64
	TotalSize     uint64
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

// ComputeLayout places the slot table, heartbeat table, audit ring and data
// region after the header. auditBytes is the ring's footprint, 0 if disabled.
func ComputeLayout(unitBlockSize, flexZoneSize, capacity uint64, maxConsumers uint32, auditCap, auditBytes uint64) Layout {
	var l Layout
	l.SlotsOff = HeaderSize
	l.HeartbeatsOff = l.SlotsOff + capacity*SlotSize
	end := l.HeartbeatsOff + uint64(maxConsumers)*HeartbeatSize
	if auditBytes > 0 {
		l.AuditOff = alignUp(end, PageSize)
		l.AuditCap = auditCap
		end = l.AuditOff + auditBytes
	}
	l.DataOff = alignUp(end, PageSize)
	l.SlotStride = unitBlockSize + alignUp(flexZoneSize, 64)
	l.TotalSize = alignUp(l.DataOff+capacity*l.SlotStride, PageSize)
	return l
}

// At returns the header at the start of mem.
func At(mem []byte) *Header {
	return (*Header)(unsafe.Pointer(&mem[0]))
}

// Init writes every structural field. The magic is not published; call
// Publish once the rest of the segment is ready.
func (h *Header) Init(s Structural, creatorPID uint32, createdAt int64) {
	atomic.StoreUint32(&h.version, Version)
	atomic.StoreUint32(&h.flags, s.Flags)
	atomic.StoreUint64(&h.secret, s.Secret)
	atomic.StoreUint64(&h.unitBlockSize, s.UnitBlockSize)
	atomic.StoreUint64(&h.flexZoneSize, s.FlexZoneSize)
	atomic.StoreUint64(&h.capacity, s.Capacity)
	atomic.StoreUint32(&h.policy, s.Policy)
	atomic.StoreUint32(&h.maxConsumers, s.MaxConsumers)
	atomic.StoreUint64(&h.totalSize, s.Layout.TotalSize)
	atomic.StoreUint64(&h.slotsOff, s.Layout.SlotsOff)
	atomic.StoreUint64(&h.heartbeatsOff, s.Layout.HeartbeatsOff)
	atomic.StoreUint64(&h.auditOff, s.Layout.AuditOff)
	atomic.StoreUint64(&h.auditCap, s.Layout.AuditCap)
	atomic.StoreUint64(&h.dataOff, s.Layout.DataOff)
	atomic.StoreUint64(&h.slotStride, s.Layout.SlotStride)
	atomic.StoreUint32(&h.creatorPID, creatorPID)
	atomic.StoreInt64(&h.createdAt, createdAt)
	atomic.StoreUint64(&h.commitIndex, NoCommit)
	atomic.StoreUint64(&h.nextSlotID, 0)
}

// Publish stores the magic number, marking the header initialized.
func (h *Header) Publish() {
	atomic.StoreUint64(&h.magic, Magic)
}

// Check validates magic, version and declared layout against the mapped size.
func (h *Header) Check(mapped int) error {
	if err := h.CheckMagic(); err != nil {
		return err
	}
	return h.CheckLayout(mapped)
}

// CheckMagic validates the magic number and layout version.
func (h *Header) CheckMagic() error {
	if m := h.Magic(); m != Magic {
		return fmt.Errorf("%w: %#x", ErrBadMagic, m)
	}
	if v := h.Version(); v != Version {
		return fmt.Errorf("%w: %d", ErrBadVersion, v)
	}
	return nil
}

// CheckLayout validates that every declared region lies inside a mapping
// of mapped bytes.
func (h *Header) CheckLayout(mapped int) error {
	l := h.Layout()
	capacity := h.Capacity()
	consumers := uint64(h.MaxConsumers())
	switch {
	case capacity == 0 || capacity > 1<<20 || consumers > 1<<16:
	case l.TotalSize > uint64(mapped) || l.SlotsOff < HeaderSize:
	case l.HeartbeatsOff < l.SlotsOff+capacity*SlotSize:
	case l.DataOff < l.HeartbeatsOff+consumers*HeartbeatSize:
	case l.SlotStride < h.UnitBlockSize()+h.FlexZoneSize():
	case l.DataOff+capacity*l.SlotStride > l.TotalSize:
	case l.AuditCap > 0 && (l.AuditOff < l.HeartbeatsOff || l.AuditOff >= l.DataOff):
	default:
		return nil
	}
	return fmt.Errorf("%w: declared %d bytes, mapped %d", ErrBadLayout, l.TotalSize, mapped)
}

func (h *Header) Magic() uint64         { return atomic.LoadUint64(&h.magic) }
func (h *Header) SetMagic(v uint64)     { atomic.StoreUint64(&h.magic, v) }
func (h *Header) Version() uint32       { return atomic.LoadUint32(&h.version) }
func (h *Header) Flags() uint32         { return atomic.LoadUint32(&h.flags) }
func (h *Header) Secret() uint64        { return atomic.LoadUint64(&h.secret) }
func (h *Header) UnitBlockSize() uint64 { return atomic.LoadUint64(&h.unitBlockSize) }
func (h *Header) FlexZoneSize() uint64  { return atomic.LoadUint64(&h.flexZoneSize) }
func (h *Header) Capacity() uint64      { return atomic.LoadUint64(&h.capacity) }
func (h *Header) Policy() uint32        { return atomic.LoadUint32(&h.policy) }
func (h *Header) MaxConsumers() uint32  { return atomic.LoadUint32(&h.maxConsumers) }
func (h *Header) CreatorPID() uint32    { return atomic.LoadUint32(&h.creatorPID) }
func (h *Header) CreatedAt() int64      { return atomic.LoadInt64(&h.createdAt) }

// Structural returns the write-once fields.
func (h *Header) Structural() Structural {
	return Structural{
		Secret:        h.Secret(),
		UnitBlockSize: h.UnitBlockSize(),
		FlexZoneSize:  h.FlexZoneSize(),
		Capacity:      h.Capacity(),
		Policy:        h.Policy(),
		MaxConsumers:  h.MaxConsumers(),
		Flags:         h.Flags(),
		Layout:        h.Layout(),
	}
}

// Layout returns the region offsets recorded at creation.
func (h *Header) Layout() Layout {
	return Layout{
		SlotsOff:      atomic.LoadUint64(&h.slotsOff),
		HeartbeatsOff: atomic.LoadUint64(&h.heartbeatsOff),
		AuditOff:      atomic.LoadUint64(&h.auditOff),
		AuditCap:      atomic.LoadUint64(&h.auditCap),
		DataOff:       atomic.LoadUint64(&h.dataOff),
		SlotStride:    atomic.LoadUint64(&h.slotStride),
		TotalSize:     atomic.LoadUint64(&h.totalSize),
	}
}

// MutexRegion returns the bytes reserved for the channel mutex.
func (h *Header) MutexRegion() []byte {
	return h.mutex[:]
}

func (h *Header) CommitIndex() uint64     { return atomic.LoadUint64(&h.commitIndex) }
func (h *Header) SetCommitIndex(v uint64) { atomic.StoreUint64(&h.commitIndex, v) }
func (h *Header) NextSlotID() uint64      { return atomic.LoadUint64(&h.nextSlotID) }
func (h *Header) SetNextSlotID(v uint64)  { atomic.StoreUint64(&h.nextSlotID, v) }
func (h *Header) WriterToken() uint64     { return atomic.LoadUint64(&h.writerToken) }
func (h *Header) WriterPID() uint32       { return atomic.LoadUint32(&h.writerPID) }
func (h *Header) WriterSlot() uint64      { return atomic.LoadUint64(&h.writerSlot) }
func (h *Header) ActiveConsumers() uint32 { return atomic.LoadUint32(&h.activeConsumers) }
func (h *Header) AddActiveConsumers(d int32) uint32 {
	return atomic.AddUint32(&h.activeConsumers, uint32(d))
}

// SetWriter records the active writer. A zero token clears it.
func (h *Header) SetWriter(token uint64, pid uint32, slotID uint64) {
	atomic.StoreUint64(&h.writerSlot, slotID)
	atomic.StoreUint32(&h.writerPID, pid)
	atomic.StoreUint64(&h.writerToken, token)
}

// ClearWriter removes the active writer record.
func (h *Header) ClearWriter() {
	h.SetWriter(0, 0, 0)
}

// Committed reports whether slotID has been published.
func (h *Header) Committed(slotID uint64) bool {
	ci := h.CommitIndex()
	return ci != NoCommit && ci >= slotID
}

// CommitSeq returns the futex word consumers wait on.
func (h *Header) CommitSeq() *uint32 { return &h.commitSeq }

// ReleaseSeq returns the futex word producers wait on.
func (h *Header) ReleaseSeq() *uint32 { return &h.releaseSeq }

func (h *Header) CommitSeqLoad() uint32  { return atomic.LoadUint32(&h.commitSeq) }
func (h *Header) ReleaseSeqLoad() uint32 { return atomic.LoadUint32(&h.releaseSeq) }
func (h *Header) BumpCommitSeq()         { atomic.AddUint32(&h.commitSeq, 1) }
func (h *Header) BumpReleaseSeq()        { atomic.AddUint32(&h.releaseSeq, 1) }

func (h *Header) AuditDropped() uint64 { return atomic.LoadUint64(&h.auditDropped) }
func (h *Header) IncAuditDropped()     { atomic.AddUint64(&h.auditDropped, 1) }
func (h *Header) TotalCommits() uint64 { return atomic.LoadUint64(&h.totalCommits) }
func (h *Header) IncTotalCommits()     { atomic.AddUint64(&h.totalCommits, 1) }
func (h *Header) TotalAborts() uint64  { return atomic.LoadUint64(&h.totalAborts) }
func (h *Header) IncTotalAborts()      { atomic.AddUint64(&h.totalAborts, 1) }
func (h *Header) Recoveries() uint64   { return atomic.LoadUint64(&h.recoveries) }
func (h *Header) IncRecoveries()       { atomic.AddUint64(&h.recoveries, 1) }

// SetSchema stores an encoded schema and its hash. It must be called
// before Publish.
func (h *Header) SetSchema(enc []byte, hash [32]byte) error {
	if len(enc) > MaxSchemaSize {
		return fmt.Errorf("header: schema encoding is %d bytes, limit %d", len(enc), MaxSchemaSize)
	}
	copy(h.schema[:], enc)
	h.schemaHash = hash
	atomic.StoreUint32(&h.schemaLen, uint32(len(enc)))
	return nil
}

// Schema returns a copy of the stored schema encoding, nil when none.
func (h *Header) Schema() []byte {
	n := atomic.LoadUint32(&h.schemaLen)
	if n == 0 || n > MaxSchemaSize {
		return nil
	}
	out := make([]byte, n)
	copy(out, h.schema[:n])
	return out
}

// SchemaHash returns the stored schema hash.
func (h *Header) SchemaHash() [32]byte {
	return h.schemaHash
}

func init() {
	if unsafe.Sizeof(Header{}) > HeaderSize {
		panic("header: Header overflows its reserved region")
	}
	if unsafe.Sizeof(Slot{}) != SlotSize || unsafe.Sizeof(Heartbeat{}) != HeartbeatSize {
		panic("header: table entry size mismatch")
	}
}
