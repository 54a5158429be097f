package header

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMapping(t *testing.T, unit, flex, capacity uint64, consumers uint32) ([]byte, Layout) {
	t.Helper()
	l := ComputeLayout(unit, flex, capacity, consumers, 0, 0)
	mem := make([]byte, l.TotalSize+PageSize)
	// Align like a real mapping so atomics on 64-bit fields are safe.
	off := (PageSize - uintptr(unsafe.Pointer(&mem[0]))%PageSize) % PageSize
	mem = mem[off : off+uintptr(l.TotalSize)]
	h := At(mem)
	h.Init(Structural{
		Secret:        42,
		UnitBlockSize: unit,
		FlexZoneSize:  flex,
		Capacity:      capacity,
		MaxConsumers:  consumers,
		Layout:        l,
	}, 1234, 99)
	return mem, l
}

func TestFieldOffsets(t *testing.T) {
	var h Header
	assert.Equal(t, uintptr(0x80), unsafe.Offsetof(h.mutex))
	assert.Equal(t, uintptr(0xA0), unsafe.Offsetof(h.commitIndex))
	assert.Equal(t, uintptr(0xC8), unsafe.Offsetof(h.commitSeq))
	assert.Equal(t, uintptr(0x100), unsafe.Offsetof(h.schemaHash))
	assert.LessOrEqual(t, unsafe.Sizeof(h), uintptr(HeaderSize))
	assert.Equal(t, uintptr(SlotSize), unsafe.Sizeof(Slot{}))
	assert.Equal(t, uintptr(HeartbeatSize), unsafe.Sizeof(Heartbeat{}))
}

func TestComputeLayout(t *testing.T) {
	l := ComputeLayout(4096, 100, 4, 8, 64, 8192)
	assert.Equal(t, uint64(HeaderSize), l.SlotsOff)
	assert.Equal(t, l.SlotsOff+4*SlotSize, l.HeartbeatsOff)
	assert.Zero(t, l.AuditOff%PageSize)
	assert.GreaterOrEqual(t, l.AuditOff, l.HeartbeatsOff+8*HeartbeatSize)
	assert.Zero(t, l.DataOff%PageSize)
	assert.GreaterOrEqual(t, l.DataOff, l.AuditOff+8192)
	assert.Equal(t, uint64(4096+128), l.SlotStride)
	assert.GreaterOrEqual(t, l.TotalSize, l.DataOff+4*l.SlotStride)

	noAudit := ComputeLayout(4096, 0, 1, 1, 0, 0)
	assert.Zero(t, noAudit.AuditOff)
	assert.Zero(t, noAudit.AuditCap)
}

func TestCheck(t *testing.T) {
	mem, _ := newTestMapping(t, 4096, 64, 2, 4)
	h := At(mem)
	assert.ErrorIs(t, h.Check(len(mem)), ErrBadMagic)

	h.Publish()
	require.NoError(t, h.Check(len(mem)))
	assert.ErrorIs(t, h.Check(len(mem)-PageSize), ErrBadLayout)

	h.SetMagic(0xdeadbeef)
	assert.ErrorIs(t, h.Check(len(mem)), ErrBadMagic)
}

func TestInitState(t *testing.T) {
	mem, l := newTestMapping(t, 4096, 64, 2, 4)
	h := At(mem)
	assert.Equal(t, NoCommit, h.CommitIndex())
	assert.False(t, h.Committed(0))
	assert.Equal(t, uint32(1234), h.CreatorPID())
	assert.Equal(t, l, h.Layout())
	assert.Equal(t, uint64(42), h.Structural().Secret)

	h.SetCommitIndex(3)
	assert.True(t, h.Committed(3))
	assert.False(t, h.Committed(4))
}

func TestSchemaStorage(t *testing.T) {
	mem, _ := newTestMapping(t, 4096, 0, 1, 1)
	h := At(mem)
	assert.Nil(t, h.Schema())

	hash := [32]byte{1, 2, 3}
	require.NoError(t, h.SetSchema([]byte("abc"), hash))
	assert.Equal(t, []byte("abc"), h.Schema())
	assert.Equal(t, hash, h.SchemaHash())

	assert.Error(t, h.SetSchema(make([]byte, MaxSchemaSize+1), hash))
}

func TestViewRegions(t *testing.T) {
	mem, l := newTestMapping(t, 4096, 100, 3, 2)
	v := NewView(mem)

	v.Block(2)[0] = 7
	assert.Equal(t, byte(7), mem[l.DataOff+2*l.SlotStride])
	assert.Len(t, v.Block(1), 4096)
	assert.Len(t, v.Flex(1), 100)
	assert.Zero(t, v.AuditBase())

	s := v.Slot(1)
	s.SetState(SlotCommitted)
	s.SetReaders(2)
	s.SetSlotID(4)
	s.Reset()
	assert.Equal(t, SlotFree, s.State())
	assert.Zero(t, s.Readers())
	assert.Equal(t, uint64(4), s.SlotID())
}

func TestHeartbeatHold(t *testing.T) {
	mem, _ := newTestMapping(t, 4096, 0, 4, 2)
	b := NewView(mem).Heartbeat(1)

	for i := 0; i < MaxHeldSlots; i++ {
		require.True(t, b.Hold(uint64(i%4)))
	}
	assert.False(t, b.Hold(0))
	assert.Len(t, b.Held(), MaxHeldSlots)

	b.Unhold(3)
	assert.Len(t, b.Held(), MaxHeldSlots-1)

	b.Clear()
	assert.Empty(t, b.Held())
	assert.Equal(t, HeartbeatFree, b.State())
}

func TestSlotStateString(t *testing.T) {
	assert.Equal(t, "COMMITTED", SlotCommitted.String())
	assert.Equal(t, "SlotState(9)", SlotState(9).String())
	assert.False(t, SlotState(9).Valid())
}
