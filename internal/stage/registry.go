package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrUnknownStageType is returned for a type never registered.
	ErrUnknownStageType = errors.New("unknown stage type")

	// ErrRegistryStarted rejects type registration after server start.
	ErrRegistryStarted = errors.New("registry already started")

	// ErrStageNotFound is returned by DestroyStage for unknown ids.
	ErrStageNotFound = errors.New("stage not found")

	// ErrDraining rejects stage creation during graceful shutdown.
	ErrDraining = errors.New("registry draining")
)

// Config tunes the stage runtime.
type Config struct {
	ReconnectTimeout time.Duration
	DrainBatch       int
	MailboxHighWater int
	MailboxLowWater  int
	AsyncWorkers     int
	ShutdownDeadline time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectTimeout: 30 * time.Second,
		DrainBatch:       DefaultDrainBatch,
		MailboxHighWater: 10_000,
		MailboxLowWater:  1_000,
		AsyncWorkers:     32,
		ShutdownDeadline: 10 * time.Second,
	}
}

// Registry holds the global stage table and the type constructors.
// Process-wide singleton: construct at startup, pass by reference.
type Registry struct {
	cfg    Config
	timers *TimerManager
	async  *AsyncPool

	typesMu sync.Mutex
	types   map[string]func() UserStage
	started atomic.Bool

	stages   sync.Map // stage id -> *Stage
	nextID   atomic.Int64
	draining atomic.Bool

	// createMu serializes CreateStage/DestroyStage bookkeeping. It never
	// crosses into stage handlers.
	createMu sync.Mutex
}

// NewRegistry creates the registry and its collaborators.
func NewRegistry(cfg Config) *Registry {
	if cfg.DrainBatch <= 0 {
		cfg.DrainBatch = DefaultDrainBatch
	}
	if cfg.ReconnectTimeout <= 0 {
		cfg.ReconnectTimeout = 30 * time.Second
	}
	if cfg.MailboxHighWater <= 0 {
		cfg.MailboxHighWater = 10_000
	}
	if cfg.MailboxLowWater <= 0 || cfg.MailboxLowWater >= cfg.MailboxHighWater {
		cfg.MailboxLowWater = cfg.MailboxHighWater / 10
	}
	if cfg.ShutdownDeadline <= 0 {
		cfg.ShutdownDeadline = 10 * time.Second
	}
	return &Registry{
		cfg:    cfg,
		timers: NewTimerManager(),
		async:  NewAsyncPool(cfg.AsyncWorkers),
		types:  make(map[string]func() UserStage),
	}
}

// Timers exposes the timer manager (for tests and metrics).
func (r *Registry) Timers() *TimerManager { return r.timers }

// RegisterType binds a stage type key to its constructor. Registration is
// an upfront phase; it is forbidden once Start has been called.
func (r *Registry) RegisterType(name string, ctor func() UserStage) error {
	if r.started.Load() {
		return ErrRegistryStarted
	}
	r.typesMu.Lock()
	defer r.typesMu.Unlock()
	if _, dup := r.types[name]; dup {
		return fmt.Errorf("stage type %q already registered", name)
	}
	r.types[name] = ctor
	return nil
}

// Start freezes the type table. Must be called before serving traffic.
func (r *Registry) Start() {
	r.started.Store(true)
}

// CreateStage builds a stage of the given type and enqueues its Create
// system packet. The returned stage is valid immediately: inbound packets
// queue behind Create in FIFO order.
func (r *Registry) CreateStage(stageType string, init []byte) (*Stage, error) {
	if r.draining.Load() {
		return nil, ErrDraining
	}
	r.typesMu.Lock()
	ctor, ok := r.types[stageType]
	r.typesMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStageType, stageType)
	}

	r.createMu.Lock()
	id := r.nextID.Add(1)
	s := newStage(r, id, stageType, ctor())
	r.stages.Store(id, s)
	r.createMu.Unlock()

	if err := s.post(createEntry{init: init}); err != nil {
		r.remove(id)
		return nil, err
	}
	slog.Info("stage created", "stage", id, "type", stageType)
	return s, nil
}

// FindStage returns the stage for id, or nil.
func (r *Registry) FindStage(id int64) *Stage {
	v, ok := r.stages.Load(id)
	if !ok {
		return nil
	}
	return v.(*Stage)
}

// DestroyStage posts a cooperative close to the stage and waits for the
// close to be processed.
func (r *Registry) DestroyStage(id int64) error {
	s := r.FindStage(id)
	if s == nil {
		return ErrStageNotFound
	}
	done := make(chan struct{})
	if err := s.post(closeEntry{done: done}); err != nil {
		return err
	}
	<-done
	return nil
}

// remove drops the stage from the table. Called by the stage itself at
// the end of its close sequence.
func (r *Registry) remove(id int64) {
	r.stages.Delete(id)
}

// Count returns the number of live stages.
func (r *Registry) Count() int {
	n := 0
	r.stages.Range(func(_, _ any) bool { n++; return true })
	return n
}

// ForEachStage iterates the live stages.
func (r *Registry) ForEachStage(fn func(*Stage) bool) {
	r.stages.Range(func(_, v any) bool { return fn(v.(*Stage)) })
}

// Shutdown places the registry in draining state, destroys all stages in
// parallel and waits up to the configured deadline, then stops the timer
// and async subsystems.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.draining.Store(true)

	deadline, cancel := context.WithTimeout(ctx, r.cfg.ShutdownDeadline)
	defer cancel()

	var wg sync.WaitGroup
	r.stages.Range(func(key, _ any) bool {
		id := key.(int64)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.DestroyStage(id); err != nil && !errors.Is(err, ErrStageNotFound) {
				slog.Warn("destroy stage on shutdown", "stage", id, "error", err)
			}
		}()
		return true
	})

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-deadline.Done():
		err = fmt.Errorf("shutdown drain deadline exceeded, %d stages force-closed", r.Count())
		// Force: reject enqueues everywhere; workers finish their
		// current entry and stop.
		r.stages.Range(func(_, v any) bool {
			s := v.(*Stage)
			s.state.Store(int32(StateClosed))
			s.mbox.CloseEnqueue()
			return true
		})
	}

	r.timers.Stop()
	r.async.Stop()
	return err
}
