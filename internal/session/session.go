// Package session drives the periodic detection cycle: pull a frame, extract
// embeddings, match them against the registry and announce identities that
// newly came into view.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/facewatch/internal/matcher"
	"github.com/andresmejia3/facewatch/internal/notify"
	"github.com/andresmejia3/facewatch/internal/registry"
	"github.com/andresmejia3/facewatch/internal/types"
	"go.uber.org/zap"
)

// DefaultPeriod is the interval between two detection cycles.
const DefaultPeriod = 1500 * time.Millisecond

var (
	// ErrPreconditionFailed is returned by Start when the registry is empty or capture is inactive.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrAlreadyRunning is returned by Start on a running session.
	ErrAlreadyRunning = errors.New("session already running")
	// ErrNotRunning is returned by RunOnce on an idle session.
	ErrNotRunning = errors.New("session not running")
	// ErrCycleInProgress is returned by RunOnce while another cycle is still extracting.
	ErrCycleInProgress = errors.New("detection cycle already in progress")
	// ErrExtractionFailure wraps errors from the embedding extractor. They are logged, never returned.
	ErrExtractionFailure = errors.New("embedding extraction failed")
)

// State is the lifecycle state of a Controller.
type State int32

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// FrameSource supplies the most recent captured frame.
type FrameSource interface {
	Active() bool
	Frame() ([]byte, bool)
}

// Extractor turns a frame into zero or more face embeddings.
type Extractor interface {
	Extract(ctx context.Context, frame []byte) ([]types.FaceResult, error)
}

// Config holds the operator-adjustable session settings.
type Config struct {
	Threshold float64
	Period    time.Duration
}

// DefaultConfig returns the default threshold and period.
func DefaultConfig() Config {
	return Config{Threshold: matcher.DefaultThreshold, Period: DefaultPeriod}
}

// Stats are cumulative counters for the lifetime of the controller.
type Stats struct {
	Cycles    uint64 `json:"cycles"`
	Skipped   uint64 `json:"skipped"`
	Failures  uint64 `json:"failures"`
	Announced uint64 `json:"announced"`
}

// Controller owns one detection session. The registry is only read here.
type Controller struct {
	reg       *registry.Registry
	source    FrameSource
	extractor Extractor
	notifier  notify.Notifier
	logger    *zap.Logger

	threshold atomic.Uint64 // math.Float64bits
	period    atomic.Int64

	mu      sync.Mutex // guards state, cancel, done, present
	state   State
	cancel  context.CancelFunc
	done    chan struct{}
	present map[string]bool

	// gen changes on every Start and Stop; cycles from an older generation are discarded.
	gen    atomic.Uint64
	emitMu sync.RWMutex

	inflight atomic.Bool

	cycles    atomic.Uint64
	skipped   atomic.Uint64
	failures  atomic.Uint64
	announced atomic.Uint64
}

// New creates an idle controller. Invalid config values fall back to defaults.
func New(reg *registry.Registry, source FrameSource, extractor Extractor, notifier notify.Notifier, cfg Config, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		reg:       reg,
		source:    source,
		extractor: extractor,
		notifier:  notifier,
		logger:    logger.Named("session"),
		present:   make(map[string]bool),
	}
	if err := c.SetThreshold(cfg.Threshold); err != nil {
		c.SetThreshold(matcher.DefaultThreshold)
	}
	if err := c.SetPeriod(cfg.Period); err != nil {
		c.SetPeriod(DefaultPeriod)
	}
	return c
}

// SetThreshold changes the match threshold; the next cycle uses the new value.
func (c *Controller) SetThreshold(t float64) error {
	if err := matcher.ValidateThreshold(t); err != nil {
		return err
	}
	c.threshold.Store(math.Float64bits(t))
	return nil
}

// Threshold returns the current match threshold.
func (c *Controller) Threshold() float64 {
	return math.Float64frombits(c.threshold.Load())
}

// SetPeriod changes the cycle period; it takes effect from the next tick.
func (c *Controller) SetPeriod(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("cycle period must be positive, got %s", d)
	}
	c.period.Store(int64(d))
	return nil
}

// Period returns the current cycle period.
func (c *Controller) Period() time.Duration {
	return time.Duration(c.period.Load())
}

// State returns Idle or Running.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of the cumulative counters.
func (c *Controller) Stats() Stats {
	return Stats{
		Cycles:    c.cycles.Load(),
		Skipped:   c.skipped.Load(),
		Failures:  c.failures.Load(),
		Announced: c.announced.Load(),
	}
}

// Start begins the periodic cycle. The session outlives ctx; only Stop ends it.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Running {
		return ErrAlreadyRunning
	}
	if c.reg == nil || c.reg.IsEmpty() {
		return fmt.Errorf("%w: no identities enrolled", ErrPreconditionFailed)
	}
	if c.source == nil || !c.source.Active() {
		return fmt.Errorf("%w: capture is not active", ErrPreconditionFailed)
	}

	gen := c.gen.Add(1)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	c.present = make(map[string]bool)
	c.state = Running

	go c.loop(runCtx, gen, c.done)

	c.logger.Info("detection session started",
		zap.Float64("threshold", c.Threshold()),
		zap.Duration("period", c.Period()),
		zap.Int("identities", c.reg.Len()),
	)
	return nil
}

// Stop cancels the periodic cycle and clears the debounce state. It is a no-op
// when idle. Once Stop returns no further event is emitted for this session.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state == Idle {
		c.mu.Unlock()
		return
	}
	c.state = Idle
	c.gen.Add(1)
	c.cancel()
	done := c.done
	c.present = make(map[string]bool)
	c.mu.Unlock()

	// Wait for an emission that passed its generation check before the bump.
	c.emitMu.Lock()
	c.emitMu.Unlock()
	<-done

	c.logger.Info("detection session stopped")
}

// RunOnce executes one cycle synchronously on a running session.
func (c *Controller) RunOnce(ctx context.Context) error {
	c.mu.Lock()
	running := c.state == Running
	c.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	if !c.inflight.CompareAndSwap(false, true) {
		return ErrCycleInProgress
	}
	defer c.inflight.Store(false)
	c.runCycle(ctx, c.gen.Load())
	return nil
}

func (c *Controller) loop(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(c.Period())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			c.tick(ctx, gen)
			timer.Reset(c.Period())
		}
	}
}

// tick starts a cycle unless the previous one is still extracting.
func (c *Controller) tick(ctx context.Context, gen uint64) {
	if !c.inflight.CompareAndSwap(false, true) {
		c.skipped.Add(1)
		c.logger.Debug("previous cycle still running, skipping tick")
		return
	}
	go func() {
		defer c.inflight.Store(false)
		c.runCycle(ctx, gen)
	}()
}

// hit is the best accepted face for one identity within a cycle.
type hit struct {
	distance float64
	loc      []int
}

func (c *Controller) runCycle(ctx context.Context, gen uint64) {
	n := c.cycles.Add(1)
	log := c.logger.With(zap.Uint64("cycle", n))

	defer func() {
		if r := recover(); r != nil {
			c.failures.Add(1)
			log.Error("detection cycle panicked", zap.Any("panic", r))
		}
	}()

	frame, ok := c.source.Frame()
	if !ok {
		log.Debug("no frame available yet")
		return
	}

	faces, err := c.extractor.Extract(ctx, frame)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.failures.Add(1)
		log.Warn("skipping cycle", zap.Error(fmt.Errorf("%w: %v", ErrExtractionFailure, err)))
		return
	}

	policy := matcher.Policy{Threshold: c.Threshold()}
	accepted := make(map[string]hit)
	var order []string

	for i, face := range faces {
		cand, err := matcher.Match(face.Vec, c.reg)
		if err != nil {
			log.Warn("face not matchable", zap.Int("face", i), zap.Error(err))
			continue
		}
		res := policy.Decide(cand)
		log.Debug("face verdict",
			zap.Int("face", i),
			zap.String("candidate", res.Name),
			zap.Float64("confidence", res.Confidence),
			zap.Bool("match", res.IsMatch),
		)
		if !res.IsMatch {
			continue
		}
		prev, seen := accepted[res.Name]
		if !seen {
			order = append(order, res.Name)
		}
		if !seen || res.Distance < prev.distance {
			accepted[res.Name] = hit{distance: res.Distance, loc: face.Loc}
		}
	}

	c.commit(ctx, gen, n, order, accepted)
}

// commit applies the per-identity debounce: an identity accepted now that was
// not accepted in the previous cycle is announced; everything else is silent.
func (c *Controller) commit(ctx context.Context, gen, cycle uint64, order []string, accepted map[string]hit) {
	c.mu.Lock()
	if c.state != Running || c.gen.Load() != gen {
		c.mu.Unlock()
		return
	}
	var events []types.IdentityAppeared
	next := make(map[string]bool, len(order))
	for _, name := range order {
		next[name] = true
		if !c.present[name] {
			h := accepted[name]
			events = append(events, types.NewIdentityAppeared(name, h.distance, h.loc, cycle))
		}
	}
	c.present = next
	c.mu.Unlock()

	c.emit(ctx, gen, events)
}

func (c *Controller) emit(ctx context.Context, gen uint64, events []types.IdentityAppeared) {
	if len(events) == 0 || c.notifier == nil {
		return
	}
	c.emitMu.RLock()
	defer c.emitMu.RUnlock()
	if c.gen.Load() != gen {
		return
	}
	for _, e := range events {
		c.announced.Add(1)
		c.logger.Info("identity appeared", zap.String("identity", e.Name), zap.Float64("confidence", e.Confidence))
		if err := c.notifier.Notify(ctx, e); err != nil {
			c.logger.Warn("failed to deliver event", zap.String("identity", e.Name), zap.Error(err))
		}
	}
}

// Present returns the identities currently considered in view, for status endpoints.
func (c *Controller) Present() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.present))
	for name := range c.present {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
