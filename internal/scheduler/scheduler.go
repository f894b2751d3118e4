package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fentz26/flowgate/internal/metrics"
	"go.uber.org/zap"
)

// Processor handles at most one unit of work per call and reports whether
// it found any.
type Processor interface {
	Name() string
	ProcessOne(ctx context.Context) (bool, error)
}

type loop struct {
	proc Processor
	cfg  Config

	processed atomic.Uint64
	idle      atomic.Uint64
	failed    atomic.Uint64
	running   atomic.Int64

	mu        sync.Mutex
	lastError string
}

// Scheduler runs registered processors until stopped.
type Scheduler struct {
	logger *zap.Logger

	mu      sync.Mutex
	loops   []*loop
	started bool

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler with no loops.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger: logger.Named("scheduler"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register adds a loop for p. It must be called before Start.
func (sch *Scheduler) Register(p Processor, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%s loop: %w", p.Name(), err)
	}
	sch.mu.Lock()
	defer sch.mu.Unlock()
	if sch.started {
		return fmt.Errorf("%s loop: scheduler already started", p.Name())
	}
	sch.loops = append(sch.loops, &loop{proc: p, cfg: cfg})
	return nil
}

// Start launches every registered loop.
func (sch *Scheduler) Start() {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	if sch.started {
		return
	}
	sch.started = true

	for _, l := range sch.loops {
		for i := 0; i < l.cfg.Concurrency; i++ {
			sch.wg.Add(1)
			go sch.runLoop(l)
		}
		sch.logger.Info("loop started",
			zap.String("loop", l.proc.Name()),
			zap.Int("concurrency", l.cfg.Concurrency),
			zap.Duration("idle_interval", l.cfg.IdleInterval))
	}
}

// Stop signals every loop and waits for in-flight units to finish.
func (sch *Scheduler) Stop() {
	sch.cancel()
	sch.wg.Wait()
	sch.logger.Info("scheduler stopped")
}

// Run starts the loops, blocks until ctx is done, then stops.
func (sch *Scheduler) Run(ctx context.Context) error {
	sch.Start()
	<-ctx.Done()
	sch.Stop()
	return nil
}

// runLoop polls one processor until the scheduler stops. Cancellation is
// only observed between units; a claimed workflow is always carried to the
// end of its unit.
func (sch *Scheduler) runLoop(l *loop) {
	defer sch.wg.Done()

	name := l.proc.Name()
	l.running.Add(1)
	metrics.LoopWorkers.WithLabelValues(name).Inc()
	defer func() {
		l.running.Add(-1)
		metrics.LoopWorkers.WithLabelValues(name).Dec()
	}()

	for {
		if sch.ctx.Err() != nil {
			return
		}

		start := time.Now()
		processed, err := sch.runUnit(l)
		metrics.UnitDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

		var wait time.Duration
		switch {
		case err != nil:
			l.failed.Add(1)
			l.mu.Lock()
			l.lastError = err.Error()
			l.mu.Unlock()
			metrics.UnitsTotal.WithLabelValues(name, "error").Inc()
			sch.logger.Error("poll failed", zap.String("loop", name), zap.Error(err),
				zap.Duration("backoff", l.cfg.ErrorBackoff))
			wait = l.cfg.ErrorBackoff
		case processed:
			l.processed.Add(1)
			metrics.UnitsTotal.WithLabelValues(name, "processed").Inc()
			wait = l.cfg.DrainPause
		default:
			l.idle.Add(1)
			metrics.UnitsTotal.WithLabelValues(name, "idle").Inc()
			wait = l.cfg.IdleInterval
		}

		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-sch.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// runUnit calls ProcessOne detached from the scheduler's cancellation and
// turns a panic into an error so the loop keeps going.
func (sch *Scheduler) runUnit(l *loop) (processed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", l.proc.Name(), r)
		}
	}()
	return l.proc.ProcessOne(context.WithoutCancel(sch.ctx))
}

// Stats returns per-loop counters.
func (sch *Scheduler) Stats() map[string]interface{} {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	loops := make(map[string]interface{}, len(sch.loops))
	for _, l := range sch.loops {
		l.mu.Lock()
		lastError := l.lastError
		l.mu.Unlock()
		loops[l.proc.Name()] = map[string]interface{}{
			"processed":   l.processed.Load(),
			"idle":        l.idle.Load(),
			"errors":      l.failed.Load(),
			"running":     l.running.Load(),
			"concurrency": l.cfg.Concurrency,
			"last_error":  lastError,
		}
	}
	return map[string]interface{}{
		"started": sch.started,
		"loops":   loops,
	}
}
