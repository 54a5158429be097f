package datablock

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"gosuda.org/datablock/internal/proc"
)

const (
	helperEnv    = "DATABLOCK_TEST_HELPER"
	helperWrites = 20
)

func auditedSingleConfig() DataBlockConfig {
	return DataBlockConfig{SharedSecret: testSecret, AuditCapacity: 1024}
}

// TestHelperProcess is re-executed by the multi-process tests. It performs
// one operation against the channel and exits without cleaning up.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv(helperEnv)
	if mode == "" {
		t.Skip("helper process only")
	}
	hub := NewHub(WithDir(os.Getenv("DATABLOCK_TEST_DIR")), WithHeartbeatInterval(0))
	name := os.Getenv("DATABLOCK_TEST_NAME")

	if err := runHelper(hub, mode, name); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	os.Exit(0)
}

func runHelper(hub *Hub, mode, name string) error {
	switch mode {
	case "writer":
		p, err := CreateDataBlockProducer(hub, name, PolicyRingBuffer, ringConfig(4), nil)
		if err != nil {
			return err
		}
		h, err := p.AcquireWriteSlot(time.Second)
		if err != nil {
			return err
		}
		_, err = h.Write([]byte("never committed"))
		return err
	case "reader":
		c, err := FindDataBlockConsumer(hub, name, testSecret)
		if err != nil {
			return err
		}
		if !c.Heartbeat().IsRegistered() {
			return fmt.Errorf("heartbeat not registered")
		}
		_, err = c.AcquireConsumeSlotID(0, time.Second)
		return err
	case "single-writer":
		p, err := CreateDataBlockProducer(hub, name, PolicySingle, auditedSingleConfig(), nil)
		if err != nil {
			return err
		}
		for i := 0; i < helperWrites; i++ {
			h, err := p.AcquireWriteSlot(10 * time.Second)
			if err != nil {
				return err
			}
			if _, err := h.Write([]byte(name)); err != nil {
				return err
			}
			if err := h.Commit(uint64(len(name))); err != nil {
				return err
			}
		}
		return p.Close()
	case "locker":
		ch, err := AttachChannel(hub, name, testSecret)
		if err != nil {
			return err
		}
		_, err = ch.lock()
		return err
	}
	return fmt.Errorf("unknown helper mode %q", mode)
}

func helperCommand(hub *Hub, mode, name string) *exec.Cmd {
	cmd := exec.Command(os.Args[0], "-test.run=^TestHelperProcess$")
	cmd.Env = append(os.Environ(),
		helperEnv+"="+mode,
		"DATABLOCK_TEST_DIR="+hub.Dir(),
		"DATABLOCK_TEST_NAME="+name,
	)
	return cmd
}

// crash runs a helper that exits while holding shared state. The child is
// reaped before crash returns, so its pid is dead.
func crash(t *testing.T, hub *Hub, mode, name string) {
	t.Helper()
	out, err := helperCommand(hub, mode, name).CombinedOutput()
	require.NoError(t, err, "helper %s: %s", mode, out)
}

func TestReleaseZombieWriter(t *testing.T) {
	hub := newTestHub(t)
	p := newTestProducer(t, hub, "zw", PolicyRingBuffer, ringConfig(4))
	ch := p.Channel()
	crash(t, hub, "writer", "zw")
	ch.DrainAudit(0)

	d := slotState(t, ch, 0)
	assert.Equal(t, SlotWriting, d.SlotState())
	assert.NotZero(t, d.WriteLockPID())
	assert.NotEqual(t, proc.Self(), d.WriteLockPID())
	assert.False(t, d.WriterAlive())
	assert.True(t, d.IsStuck())
	dead := d.WriteLockPID()

	_, err := p.AcquireWriteSlot(-1)
	assert.ErrorIs(t, err, ErrTimeout)

	r, err := NewSlotRecovery(ch, 0)
	require.NoError(t, err)
	assert.Equal(t, RecoverySuccess, r.ReleaseZombieWriter())

	d.Refresh()
	assert.Equal(t, SlotFree, d.SlotState())
	assert.False(t, d.IsStuck())
	st := ch.Stats()
	assert.Equal(t, uint64(1), st.Recoveries)
	assert.Equal(t, uint64(0), st.NextSlotID)
	assert.Equal(t, uint32(0), st.WriterPID)

	recs := ch.DrainAudit(0)
	require.Len(t, recs, 1)
	assert.Equal(t, AuditRecover, recs[0].Op)
	assert.Equal(t, dead, recs[0].PID)

	assert.Equal(t, RecoverySuccess, r.ReleaseZombieWriter(), "nothing left to release")
	assert.Equal(t, RecoverySuccess, NewIntegrityValidator(ch).Validate())
	assert.Equal(t, uint64(0), writeSlot(t, p, "fresh"))
}

func TestReleaseZombieWriterRefusesLiveWriter(t *testing.T) {
	hub := newTestHub(t)
	p := newTestProducer(t, hub, "live", PolicyRingBuffer, ringConfig(4))
	h, err := p.AcquireWriteSlot(time.Second)
	require.NoError(t, err)

	d := slotState(t, p.Channel(), 0)
	assert.True(t, d.WriterAlive())
	assert.False(t, d.IsStuck())

	r, err := NewSlotRecovery(p.Channel(), 0)
	require.NoError(t, err)
	assert.Equal(t, RecoveryFailed, r.ReleaseZombieWriter())
	assert.Equal(t, SlotWriting, slotState(t, p.Channel(), 0).SlotState())
	require.NoError(t, h.Commit(0))

	_, err = NewSlotRecovery(p.Channel(), 4)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestCleanupDeadConsumers(t *testing.T) {
	hub := newTestHub(t)
	p := newTestProducer(t, hub, "dc", PolicyRingBuffer, ringConfig(2))
	writeSlot(t, p, "x")
	live := newTestConsumer(t, hub, "dc")

	crash(t, hub, "reader", "dc")
	crash(t, hub, "reader", "dc")

	ch := p.Channel()
	assert.Equal(t, uint32(3), ch.Stats().ActiveConsumers)
	d := slotState(t, ch, 0)
	assert.Equal(t, uint32(2), d.Readers())
	assert.Equal(t, SlotReading, d.SlotState())

	writeSlot(t, p, "y")
	_, err := p.AcquireWriteSlot(-1)
	assert.ErrorIs(t, err, ErrTimeout, "dead readers pin slot 0")

	assert.Equal(t, RecoverySuccess, CleanupDeadConsumers(hub, "dc"))
	st := ch.Stats()
	assert.Equal(t, uint32(1), st.ActiveConsumers)
	assert.Equal(t, uint64(1), st.Recoveries)
	d.Refresh()
	assert.Equal(t, uint32(0), d.Readers())
	assert.Equal(t, SlotCommitted, d.SlotState())
	assert.True(t, live.Heartbeat().IsRegistered())

	n, res := ch.CleanupDeadConsumers()
	assert.Equal(t, 0, n)
	assert.Equal(t, RecoverySuccess, res)
	assert.Equal(t, uint64(1), ch.Stats().Recoveries)
	assert.Equal(t, RecoverySuccess, NewIntegrityValidator(ch).Validate())

	assert.Equal(t, RecoveryFailed, CleanupDeadConsumers(hub, "missing"))
}

func TestReleaseZombieLock(t *testing.T) {
	hub := newTestHub(t, WithLockTimeout(50*time.Millisecond))
	p := newTestProducer(t, hub, "zl", PolicyRingBuffer, ringConfig(4))
	ch := p.Channel()
	assert.Equal(t, RecoverySuccess, ReleaseZombieLock(ch))

	crash(t, hub, "locker", "zl")
	owner := ch.LockOwner()
	require.NotZero(t, owner)
	assert.False(t, proc.Alive(owner))

	_, err := p.AcquireWriteSlot(-1)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Contains(t, err.Error(), fmt.Sprint(owner))

	assert.Equal(t, RecoverySuccess, ReleaseZombieLock(ch))
	assert.Zero(t, ch.LockOwner())
	assert.Equal(t, uint64(1), ch.Stats().Recoveries)
	writeSlot(t, p, "unlocked")
}

func TestValidatorDetectsCorruptMagic(t *testing.T) {
	hub := newTestHub(t)
	p := newTestProducer(t, hub, "bad", PolicyRingBuffer, ringConfig(4))
	writeSlot(t, p, "data")
	path := p.Channel().Path()
	require.NoError(t, p.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xde, 0xad, 0xbe, 0xef, 0, 0, 0, 0}, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	_, err = AttachChannel(hub, "bad", testSecret)
	assert.ErrorIs(t, err, ErrCorrupt)
	_, err = FindDataBlockConsumer(hub, "bad", testSecret)
	assert.ErrorIs(t, err, ErrCorrupt)

	ch, err := OpenChannel(hub, "bad")
	require.NoError(t, err)
	v := NewIntegrityValidator(ch)
	assert.Equal(t, RecoveryFailed, v.Validate())
	require.NotEmpty(t, v.Issues())
	assert.Contains(t, v.Issues()[0], "magic")
	require.NoError(t, ch.Close())

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(before, after), "validation must not modify the segment")
}

func TestAttachUninitialized(t *testing.T) {
	hub := newTestHub(t)
	p := newTestProducer(t, hub, "blank", PolicySingle, DataBlockConfig{SharedSecret: testSecret})
	path := p.Channel().Path()
	require.NoError(t, p.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt(make([]byte, 8), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = AttachChannel(hub, "blank", testSecret)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestAttachEmptySegment(t *testing.T) {
	hub := newTestHub(t, WithAttachTimeout(50*time.Millisecond))
	path := filepath.Join(hub.Dir(), "datablock_empty")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	_, err := AttachChannel(hub, "empty", testSecret)
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = FindDataBlockConsumer(hub, "empty", testSecret)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestValidatorDetectsInconsistentSlots(t *testing.T) {
	hub := newTestHub(t)
	p := newTestProducer(t, hub, "inconsistent", PolicyRingBuffer, ringConfig(4))
	writeSlot(t, p, "a")
	ch := p.Channel()

	v := NewIntegrityValidator(ch)
	require.Equal(t, RecoverySuccess, v.Validate())
	assert.Empty(t, v.Issues())

	ch.view.Slot(0).SetReaders(3)
	ch.h.AddActiveConsumers(1)
	assert.Equal(t, RecoveryFailed, v.Validate())
	assert.Len(t, v.Issues(), 2)

	ch.view.Slot(0).SetReaders(0)
	ch.h.AddActiveConsumers(-1)
	assert.Equal(t, RecoverySuccess, v.Validate())
}

func TestAuditedWritesFromProcessesDoNotOverlap(t *testing.T) {
	hub := newTestHub(t)
	p, err := CreateDataBlockProducer(hub, "shared", PolicySingle, auditedSingleConfig(), nil)
	require.NoError(t, err)
	ch := p.Channel()

	const children = 3
	var eg errgroup.Group
	for i := 0; i < children; i++ {
		cmd := helperCommand(hub, "single-writer", "shared")
		eg.Go(func() error {
			out, err := cmd.CombinedOutput()
			if err != nil {
				return fmt.Errorf("%w: %s", err, out)
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	recs := ch.DrainAudit(0)
	require.Len(t, recs, 2*children*helperWrites)
	assert.Zero(t, ch.Stats().AuditDropped)

	pids := map[uint32]int{}
	for i := 0; i < len(recs); i += 2 {
		acq, com := recs[i], recs[i+1]
		require.Equal(t, AuditAcquire, acq.Op, "record %d", i)
		require.Equal(t, AuditCommit, com.Op, "record %d", i+1)
		require.Equal(t, acq.PID, com.PID, "slot %d acquired and committed by different writers", acq.SlotID)
		assert.Equal(t, uint64(i/2), acq.SlotID)
		assert.Equal(t, uint64(0), acq.SlotIndex)
		pids[acq.PID]++
	}
	assert.Len(t, pids, children)
	for pid, n := range pids {
		assert.Equal(t, helperWrites, n, "pid %d", pid)
	}

	st := ch.Stats()
	assert.Equal(t, uint64(children*helperWrites), st.TotalCommits)
	assert.Equal(t, RecoverySuccess, NewIntegrityValidator(ch).Validate())
}
