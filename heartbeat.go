package datablock

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"gosuda.org/datablock/internal/header"
	"gosuda.org/datablock/internal/proc"
	"gosuda.org/datablock/internal/protocol"
)

// HeartbeatManager holds a consumer's registration in the channel's
// heartbeat table. A registered consumer counts toward the active consumer
// count, exerts ring-buffer backpressure through its cursor, and has its
// read handles recorded so a crash can be cleaned up by
// CleanupDeadConsumers.
type HeartbeatManager struct {
	c     *Consumer
	ch    *Channel
	uid   uuid.UUID
	index uint32
	reg   atomic.Bool

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewHeartbeatManager registers c in the heartbeat table. If c already has
// a manager, that manager is returned. Check IsRegistered: registration
// fails when the table is full or the lock cannot be taken.
func NewHeartbeatManager(c *Consumer) *HeartbeatManager {
	c.mu.Lock()
	existing := c.hb
	c.mu.Unlock()
	if existing != nil {
		return existing
	}

	m := &HeartbeatManager{
		c:    c,
		ch:   c.ch,
		uid:  uuid.New(),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if err := m.register(); err != nil {
		m.ch.logger.Warn("datablock heartbeat registration failed", "error", err)
		close(m.done)
		return m
	}

	c.mu.Lock()
	if c.hb != nil {
		existing = c.hb
		c.mu.Unlock()
		close(m.done)
		m.Close()
		return existing
	}
	c.hb = m
	c.mu.Unlock()

	if interval := m.ch.hub.heartbeatInterval; interval > 0 {
		go m.loop(interval)
	} else {
		close(m.done)
	}
	return m
}

func (m *HeartbeatManager) register() error {
	g, err := m.ch.lock()
	if err != nil {
		return err
	}
	defer g.Unlock()

	m.c.mu.Lock()
	cursor := m.c.cursor
	m.c.mu.Unlock()

	now := time.Now().UnixNano()
	for i := uint32(0); i < m.ch.h.MaxConsumers(); i++ {
		b := m.ch.view.Heartbeat(i)
		if b.State() != header.HeartbeatFree {
			continue
		}
		b.SetPID(proc.Self())
		b.SetUID(m.uid)
		b.SetCursor(cursor)
		b.SetRegisteredAt(now)
		b.SetLastBeat(now)
		b.SetState(header.HeartbeatActive)
		m.ch.h.AddActiveConsumers(1)
		m.index = i
		m.reg.Store(true)
		m.ch.record(protocol.OpRegister, 0, uint64(i))
		m.ch.logger.Debug("datablock consumer registered", "entry", i, "uid", m.uid)
		return nil
	}
	return fmt.Errorf("heartbeat table full (%d entries)", m.ch.h.MaxConsumers())
}

func (m *HeartbeatManager) registered() bool { return m.reg.Load() }

func (m *HeartbeatManager) entry() *header.Heartbeat {
	return m.ch.view.Heartbeat(m.index)
}

// owned reports whether the entry still belongs to this manager; a sweep
// may have reclaimed it.
func (m *HeartbeatManager) owned() bool {
	b := m.entry()
	return b.State() == header.HeartbeatActive && b.PID() == proc.Self() && b.UID() == m.uid
}

func (m *HeartbeatManager) setCursor(v uint64) {
	if m.registered() && m.owned() {
		m.entry().SetCursor(v)
	}
}

// IsRegistered reports whether the consumer currently holds an entry.
func (m *HeartbeatManager) IsRegistered() bool {
	return m.registered() && m.ch.checkOpen() == nil && m.owned()
}

// UID returns the consumer identity recorded in the entry.
func (m *HeartbeatManager) UID() uuid.UUID { return m.uid }

// Index returns the heartbeat table entry the consumer occupies.
func (m *HeartbeatManager) Index() uint32 { return m.index }

// Pulse refreshes the entry's liveness timestamp.
func (m *HeartbeatManager) Pulse() error {
	if !m.IsRegistered() {
		m.reg.Store(false)
		return ErrNotRegistered
	}
	m.entry().SetLastBeat(time.Now().UnixNano())
	return nil
}

func (m *HeartbeatManager) loop(interval time.Duration) {
	defer close(m.done)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			if err := m.Pulse(); err != nil {
				m.ch.logger.Warn("datablock heartbeat lost", "entry", m.index, "error", err)
				return
			}
		}
	}
}

// Close deregisters the consumer. It is idempotent.
func (m *HeartbeatManager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.stop)
		<-m.done
		if !m.reg.Swap(false) {
			return
		}
		g, lerr := m.ch.lock()
		if lerr != nil {
			err = lerr
			return
		}
		defer g.Unlock()
		if !m.owned() {
			return
		}
		m.entry().Clear()
		if m.ch.h.ActiveConsumers() > 0 {
			m.ch.h.AddActiveConsumers(-1)
		}
		m.ch.record(protocol.OpDeregister, 0, uint64(m.index))
		m.ch.logger.Debug("datablock consumer deregistered", "entry", m.index)
	})
	return err
}

// ConsumerInfo describes one registered heartbeat entry.
type ConsumerInfo struct {
	Entry        uint32
	PID          uint32
	UID          uuid.UUID
	Cursor       uint64
	RegisteredAt time.Time
	LastBeat     time.Time
	Held         []uint64
	Alive        bool
}

// Consumers lists the registered heartbeat entries.
func (c *Channel) Consumers() ([]ConsumerInfo, error) {
	if err := c.checkLayout(); err != nil {
		return nil, err
	}
	var out []ConsumerInfo
	for i := uint32(0); i < c.h.MaxConsumers(); i++ {
		b := c.view.Heartbeat(i)
		if b.State() != header.HeartbeatActive {
			continue
		}
		out = append(out, ConsumerInfo{
			Entry:        i,
			PID:          b.PID(),
			UID:          uuid.UUID(b.UID()),
			Cursor:       b.Cursor(),
			RegisteredAt: time.Unix(0, b.RegisteredAt()),
			LastBeat:     time.Unix(0, b.LastBeat()),
			Held:         b.Held(),
			Alive:        proc.Alive(b.PID()),
		})
	}
	return out, nil
}
