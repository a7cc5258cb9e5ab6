package store

import (
	"context"
	"sync"
	"time"

	"github.com/andresmejia3/facewatch/internal/registry"
	"go.uber.org/zap"
)

// DefaultFlushInterval bounds how long a registry change may stay unsaved.
const DefaultFlushInterval = 2 * time.Second

// Writer persists a registry in the background. Every mutation marks it
// dirty; a goroutine coalesces bursts into one save per interval, so
// enrollment never waits on the database and matching never touches it.
type Writer struct {
	backend  Backend
	reg      *registry.Registry
	interval time.Duration
	logger   *zap.Logger

	saveMu sync.Mutex // serializes saves

	mu      sync.Mutex
	dirty   bool
	lastErr error
	closed  bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

// NewWriter subscribes to reg and starts the background flush loop.
func NewWriter(backend Backend, reg *registry.Registry, interval time.Duration, logger *zap.Logger) *Writer {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Writer{
		backend:  backend,
		reg:      reg,
		interval: interval,
		logger:   logger.Named("store"),
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	reg.Subscribe(w.markDirty)
	go w.loop()
	return w
}

func (w *Writer) markDirty() {
	w.mu.Lock()
	w.dirty = true
	w.mu.Unlock()
	w.rearm()
}

// rearm schedules another flush one interval from now.
func (w *Writer) rearm() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Dirty reports whether there are changes not yet saved.
func (w *Writer) Dirty() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dirty
}

// Err returns the error from the most recent failed background save, if any.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

func (w *Writer) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.quit:
			return
		case <-w.wake:
		}

		// Let a burst of enrollments settle into one write.
		select {
		case <-w.quit:
			return
		case <-time.After(w.interval):
		}

		if err := w.Flush(context.Background()); err != nil {
			w.logger.Warn("background save failed, retrying", zap.Duration("in", w.interval), zap.Error(err))
			w.rearm()
		}
	}
}

// Flush saves the registry now if it has unsaved changes.
func (w *Writer) Flush(ctx context.Context) error {
	w.saveMu.Lock()
	defer w.saveMu.Unlock()

	w.mu.Lock()
	if !w.dirty {
		w.mu.Unlock()
		return nil
	}
	w.dirty = false
	w.mu.Unlock()

	// Snapshot after clearing dirty: a change racing with the save re-marks it.
	if err := Persist(ctx, w.backend, w.reg); err != nil {
		w.mu.Lock()
		w.dirty = true
		w.lastErr = err
		w.mu.Unlock()
		return err
	}

	w.mu.Lock()
	w.lastErr = nil
	w.mu.Unlock()
	w.logger.Debug("registry saved", zap.Int("identities", w.reg.Len()))
	return nil
}

// Close stops the background loop and performs a final flush. Its error
// must be checked before shutdown is treated as clean.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.quit)
	<-w.done
	return w.Flush(ctx)
}
