package datablock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"gosuda.org/datablock/internal/shm"
)

const (
	DefaultLockTimeout       = 5 * time.Second
	DefaultAttachTimeout     = 2 * time.Second
	DefaultHeartbeatInterval = time.Second
)

// Module is a unit registered with a host lifecycle orchestrator.
type Module struct {
	Name      string
	DependsOn []string
	Startup   func(ctx context.Context) error
	Shutdown  func(ctx context.Context) error
}

// Lifecycle is implemented by the host's startup/shutdown orchestrator.
type Lifecycle interface {
	RegisterModule(m Module) error
}

// Hub carries process-wide settings for channels and tracks every producer
// and consumer opened through it so they can be closed together.
type Hub struct {
	dir               string
	logger            *slog.Logger
	tracer            trace.Tracer
	lockTimeout       time.Duration
	attachTimeout     time.Duration
	heartbeatInterval time.Duration

	mu      sync.Mutex
	handles map[io.Closer]string
	closed  bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithDir sets the directory holding segment files.
func WithDir(dir string) Option {
	return func(h *Hub) { h.dir = dir }
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) { h.logger = logger }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(h *Hub) { h.tracer = tracer }
}

// WithLockTimeout bounds how long an operation waits for the channel lock.
func WithLockTimeout(d time.Duration) Option {
	return func(h *Hub) { h.lockTimeout = d }
}

// WithAttachTimeout bounds how long an attach waits for a concurrent
// creator to finish initializing the channel.
func WithAttachTimeout(d time.Duration) Option {
	return func(h *Hub) { h.attachTimeout = d }
}

// WithHeartbeatInterval sets the period of automatic consumer heartbeats.
// Zero disables the background pulse; Pulse can still be called manually.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(h *Hub) { h.heartbeatInterval = d }
}

// NewHub returns a hub with defaults applied before opts.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		dir:               shm.DefaultDir(),
		logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:            noop.NewTracerProvider().Tracer("gosuda.org/datablock"),
		lockTimeout:       DefaultLockTimeout,
		attachTimeout:     DefaultAttachTimeout,
		heartbeatInterval: DefaultHeartbeatInterval,
		handles:           make(map[io.Closer]string),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.dir == "" {
		h.dir = shm.DefaultDir()
	}
	return h
}

var (
	defaultHubOnce sync.Once
	defaultHub     *Hub
)

func orDefault(h *Hub) *Hub {
	if h != nil {
		return h
	}
	defaultHubOnce.Do(func() { defaultHub = NewHub() })
	return defaultHub
}

func (h *Hub) Dir() string                { return h.dir }
func (h *Hub) Logger() *slog.Logger       { return h.logger }
func (h *Hub) Tracer() trace.Tracer       { return h.tracer }
func (h *Hub) LockTimeout() time.Duration { return h.lockTimeout }

func (h *Hub) track(c io.Closer, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	h.handles[c] = name
	return nil
}

func (h *Hub) untrack(c io.Closer) {
	h.mu.Lock()
	delete(h.handles, c)
	h.mu.Unlock()
}

// Open returns the number of producers and consumers currently tracked.
func (h *Hub) Open() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handles)
}

// Shutdown closes every tracked producer and consumer. New handles are
// refused afterwards.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	handles := make(map[io.Closer]string, len(h.handles))
	for c, name := range h.handles {
		handles[c] = name
	}
	h.mu.Unlock()

	eg, ctx := errgroup.WithContext(ctx)
	for c, name := range handles {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := c.Close(); err != nil && !errors.Is(err, ErrClosed) {
				return fmt.Errorf("close %s: %w", name, err)
			}
			return nil
		})
	}
	err := eg.Wait()
	h.logger.Info("datablock hub shut down", "handles", len(handles), "error", err)
	return err
}

// RegisterLifecycle registers the hub as the "datablock" module of l.
// Startup verifies the segment directory; Shutdown closes every handle.
func (h *Hub) RegisterLifecycle(l Lifecycle) error {
	return l.RegisterModule(Module{
		Name: "datablock",
		Startup: func(ctx context.Context) error {
			info, err := os.Stat(h.dir)
			if err != nil {
				return fmt.Errorf("datablock: segment directory: %w", err)
			}
			if !info.IsDir() {
				return fmt.Errorf("datablock: %s is not a directory", h.dir)
			}
			return nil
		},
		Shutdown: h.Shutdown,
	})
}
