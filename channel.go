package datablock

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gosuda.org/datablock/internal/futex"
	"gosuda.org/datablock/internal/header"
	"gosuda.org/datablock/internal/mpmc"
	"gosuda.org/datablock/internal/proc"
	"gosuda.org/datablock/internal/procmutex"
	"gosuda.org/datablock/internal/protocol"
	"gosuda.org/datablock/internal/shm"
)

// Channel is one process-local mapping of a named channel segment.
// Producers and consumers each own a Channel; the recovery toolkit opens its
// own with OpenChannel.
type Channel struct {
	name   string
	hub    *Hub
	logger *slog.Logger

	seg   *shm.SharedMemory
	view  header.View
	h     *header.Header
	mu    *procmutex.Mutex
	audit *mpmc.Ring[protocol.Record]

	// layoutOK is false for maintenance mappings whose header cannot be
	// trusted to address the slot and heartbeat tables.
	layoutOK bool

	closeOnce sync.Once
	closed    atomic.Bool
}

// ChannelStats is a snapshot of channel runtime counters.
type ChannelStats struct {
	Name            string
	Policy          DataBlockPolicy
	Capacity        uint64
	Committed       bool
	CommitIndex     uint64
	NextSlotID      uint64
	ActiveConsumers uint32
	WriterPID       uint32
	LockOwner       uint32
	TotalCommits    uint64
	TotalAborts     uint64
	Recoveries      uint64
	AuditDropped    uint64
	CreatorPID      uint32
	CreatedAt       time.Time
}

func auditBytes(capacity uint64) uint64 {
	if capacity == 0 {
		return 0
	}
	return uint64(mpmc.Size[protocol.Record](capacity))
}

// createChannel creates the named segment, or attaches to it when it already
// exists with an identical configuration and schema.
func createChannel(hub *Hub, name string, policy DataBlockPolicy, cfg DataBlockConfig, schema *Schema) (*Channel, error) {
	hub = orDefault(hub)
	cfg, err := cfg.normalize(policy)
	if err != nil {
		return nil, err
	}

	var enc []byte
	var hash [32]byte
	if schema != nil {
		enc = schema.Encode()
		hash = schema.Hash()
		if len(enc) > header.MaxSchemaSize {
			return nil, fmt.Errorf("%w: schema %s encodes to %d bytes", ErrInvalidConfig, schema.Name, len(enc))
		}
	}

	auditCap := cfg.AuditCapacity
	unit := cfg.UnitBlockSize.Bytes()
	layout := header.ComputeLayout(unit, cfg.FlexibleZoneSize, cfg.RingBufferCapacity, cfg.MaxConsumers, auditCap, auditBytes(auditCap))

	seg, err := shm.Create(hub.dir, name, int(layout.TotalSize))
	if errors.Is(err, shm.ErrExist) {
		return attachExisting(hub, name, policy, cfg, schema)
	}
	if err != nil {
		return nil, fmt.Errorf("datablock: create %s: %w", name, err)
	}

	h := header.At(seg.Bytes())
	h.Init(header.Structural{
		Secret:        cfg.SharedSecret,
		UnitBlockSize: unit,
		FlexZoneSize:  cfg.FlexibleZoneSize,
		Capacity:      cfg.RingBufferCapacity,
		Policy:        uint32(policy),
		MaxConsumers:  cfg.MaxConsumers,
		Layout:        layout,
	}, proc.Self(), time.Now().UnixNano())
	if enc != nil {
		if err := h.SetSchema(enc, hash); err != nil {
			seg.Close()
			shm.Remove(hub.dir, name)
			return nil, err
		}
	}

	c := &Channel{name: name, hub: hub, seg: seg, h: h, layoutOK: true}
	c.logger = hub.logger.With("channel", name)
	c.view = header.NewView(seg.Bytes())
	if c.mu, err = procmutex.New(name, h.MutexRegion(), true); err != nil {
		seg.Close()
		shm.Remove(hub.dir, name)
		return nil, err
	}
	if auditCap > 0 {
		mpmc.Init[protocol.Record](c.view.AuditBase(), auditCap)
		c.audit = mpmc.Attach[protocol.Record](c.view.AuditBase(), 0)
	}

	h.Publish()
	if err := seg.Unlock(); err != nil {
		c.Close()
		return nil, err
	}
	c.logger.Info("datablock channel created",
		"policy", policy.String(),
		"capacity", cfg.RingBufferCapacity,
		"unit_block_size", cfg.UnitBlockSize.String(),
		"bytes", layout.TotalSize,
	)
	return c, nil
}

func attachExisting(hub *Hub, name string, policy DataBlockPolicy, cfg DataBlockConfig, schema *Schema) (*Channel, error) {
	c, err := attachChannel(hub, name, cfg.SharedSecret, true)
	if err != nil {
		if errors.Is(err, ErrSecretMismatch) {
			return nil, fmt.Errorf("%w: %s: %w", ErrAlreadyExists, name, err)
		}
		return nil, err
	}
	gotPolicy, got := configFromHeader(c.h)
	if gotPolicy != policy || got != cfg {
		c.Close()
		return nil, fmt.Errorf("%w: %s has %s %+v", ErrAlreadyExists, name, gotPolicy, got)
	}
	if err := c.checkSchema(schema, true); err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrAlreadyExists, name, err)
	}
	c.logger.Debug("datablock channel already exists, attached")
	return c, nil
}

// AttachChannel maps an existing channel after verifying its header and
// shared secret.
func AttachChannel(hub *Hub, name string, secret uint64) (*Channel, error) {
	return attachChannel(orDefault(hub), name, secret, true)
}

// OpenChannel maps an existing channel for maintenance without checking the
// secret. A channel with a corrupt magic number is still mapped so that it
// can be inspected; its slot tables are only reachable when the declared
// layout fits the mapping.
func OpenChannel(hub *Hub, name string) (*Channel, error) {
	return attachChannel(orDefault(hub), name, 0, false)
}

func attachChannel(hub *Hub, name string, secret uint64, strict bool) (*Channel, error) {
	seg, err := shm.Open(hub.dir, name, hub.attachTimeout)
	switch {
	case errors.Is(err, shm.ErrNotExist):
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	case errors.Is(err, shm.ErrLockTimeout):
		return nil, fmt.Errorf("%w: %s: %w", ErrNotReady, name, err)
	case err != nil:
		return nil, fmt.Errorf("datablock: attach %s: %w", name, err)
	}
	if seg.Size() < header.HeaderSize {
		seg.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrCorrupt, name, seg.Size())
	}

	h := header.At(seg.Bytes())
	c := &Channel{name: name, hub: hub, seg: seg, h: h}
	c.logger = hub.logger.With("channel", name)

	if strict {
		if h.Magic() == 0 {
			seg.Close()
			return nil, fmt.Errorf("%w: %s", ErrNotReady, name)
		}
		if err := h.Check(seg.Size()); err != nil {
			seg.Close()
			c.logger.Error("datablock header validation failed", "error", err)
			return nil, fmt.Errorf("%w: %s: %w", ErrCorrupt, name, err)
		}
		if h.Secret() != secret {
			seg.Close()
			return nil, fmt.Errorf("%w: %s", ErrSecretMismatch, name)
		}
	}

	c.layoutOK = h.CheckLayout(seg.Size()) == nil
	if c.layoutOK {
		c.view = header.NewView(seg.Bytes())
	}
	if c.mu, err = procmutex.New(name, h.MutexRegion(), false); err != nil {
		seg.Close()
		return nil, err
	}
	if c.layoutOK && h.CheckMagic() == nil && c.view.AuditBase() != 0 {
		c.audit = mpmc.Attach[protocol.Record](c.view.AuditBase(), hub.attachTimeout)
		if c.audit == nil && strict {
			seg.Close()
			return nil, fmt.Errorf("%w: %s: audit ring not initialized", ErrCorrupt, name)
		}
	}
	return c, nil
}

// RemoveChannel unlinks the named segment. Processes that still map it keep
// working until they close.
func RemoveChannel(hub *Hub, name string) error {
	err := shm.Remove(orDefault(hub).dir, name)
	if errors.Is(err, shm.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return err
}

// ChannelExists reports whether a segment named name exists.
func ChannelExists(hub *Hub, name string) bool {
	return shm.Exists(orDefault(hub).dir, name)
}

func (c *Channel) Name() string { return c.name }

// Path returns the backing file of the segment.
func (c *Channel) Path() string { return c.seg.Path() }

// Policy returns the slot reuse policy recorded at creation.
func (c *Channel) Policy() DataBlockPolicy { return DataBlockPolicy(c.h.Policy()) }

// Capacity returns the number of slots.
func (c *Channel) Capacity() uint64 { return c.h.Capacity() }

// Config returns the configuration recorded in the header.
func (c *Channel) Config() DataBlockConfig {
	_, cfg := configFromHeader(c.h)
	return cfg
}

// LockOwner returns the pid recorded in the channel lock, 0 if unlocked.
func (c *Channel) LockOwner() uint32 { return c.mu.Owner() }

// Stats returns a snapshot of the channel counters.
func (c *Channel) Stats() ChannelStats {
	ci := c.h.CommitIndex()
	return ChannelStats{
		Name:            c.name,
		Policy:          c.Policy(),
		Capacity:        c.h.Capacity(),
		Committed:       ci != header.NoCommit,
		CommitIndex:     ci,
		NextSlotID:      c.h.NextSlotID(),
		ActiveConsumers: c.h.ActiveConsumers(),
		WriterPID:       c.h.WriterPID(),
		LockOwner:       c.mu.Owner(),
		TotalCommits:    c.h.TotalCommits(),
		TotalAborts:     c.h.TotalAborts(),
		Recoveries:      c.h.Recoveries(),
		AuditDropped:    c.h.AuditDropped(),
		CreatorPID:      c.h.CreatorPID(),
		CreatedAt:       time.Unix(0, c.h.CreatedAt()),
	}
}

// Close unmaps the channel. Handles obtained through it become invalid.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.mu != nil {
			c.mu.Close()
		}
		err = c.seg.Close()
	})
	return err
}

func (c *Channel) checkOpen() error {
	if c.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (c *Channel) checkLayout() error {
	if !c.layoutOK {
		return fmt.Errorf("%w: %s: slot tables are not addressable", ErrCorrupt, c.name)
	}
	return nil
}

// lock takes the channel lock with the hub's lock timeout.
func (c *Channel) lock() (*procmutex.Guard, error) {
	return c.lockUntil(time.Time{})
}

// lockUntil is lock with the wait capped at dl. A deadline already passed
// makes a single attempt.
func (c *Channel) lockUntil(dl time.Time) (*procmutex.Guard, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	wait := c.hub.lockTimeout
	if !dl.IsZero() {
		left := time.Until(dl)
		if left <= 0 {
			g, err := c.mu.TryLock()
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
			}
			return g, nil
		}
		if wait <= 0 || left < wait {
			wait = left
		}
	}
	g, err := c.mu.Lock(wait)
	if err != nil {
		c.logger.Debug("datablock channel lock timed out", "owner", c.mu.Owner())
		return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return g, nil
}

// deadline converts a timeout to an absolute deadline. The zero time means
// wait forever; a negative timeout means try once.
func deadline(timeout time.Duration) time.Time {
	switch {
	case timeout == 0:
		return time.Time{}
	case timeout < 0:
		return time.Now()
	}
	return time.Now().Add(timeout)
}

// wait blocks on a sequence word until it moves past seen or dl passes. It
// returns false once the deadline has passed.
func (c *Channel) wait(word *uint32, seen uint32, dl time.Time) bool {
	var d time.Duration
	if !dl.IsZero() {
		d = time.Until(dl)
		if d <= 0 {
			return false
		}
	}
	if err := futex.Wait(word, seen, d); err != nil {
		c.logger.Warn("datablock futex wait failed", "error", err)
		time.Sleep(time.Millisecond)
	}
	return true
}

func (c *Channel) wakeWriters() {
	c.h.BumpReleaseSeq()
	futex.WakeAll(c.h.ReleaseSeq())
}

func (c *Channel) wakeReaders() {
	c.h.BumpCommitSeq()
	futex.WakeAll(c.h.CommitSeq())
}

// cursorsPast reports whether every registered consumer has moved beyond
// slotID.
func (c *Channel) cursorsPast(slotID uint64) bool {
	for i := uint32(0); i < c.h.MaxConsumers(); i++ {
		b := c.view.Heartbeat(i)
		if b.State() == header.HeartbeatActive && b.Cursor() <= slotID {
			return false
		}
	}
	return true
}

// oldestRetained returns the smallest committed slot id still readable, or
// the next id to be published when nothing is retained.
func (c *Channel) oldestRetained() uint64 {
	ci := c.h.CommitIndex()
	if ci == header.NoCommit {
		return 0
	}
	// Ids are contiguous, so ci+1 is the next id to be published even while
	// a later slot is in flight.
	oldest := ci + 1
	for i := uint64(0); i < c.h.Capacity(); i++ {
		s := c.view.Slot(i)
		switch s.State() {
		case header.SlotCommitted, header.SlotReading:
			if id := s.SlotID(); id <= ci && id < oldest {
				oldest = id
			}
		}
	}
	return oldest
}
