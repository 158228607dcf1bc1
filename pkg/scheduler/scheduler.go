// Package scheduler runs collection cycles on a fixed interval.
//
// A cycle that errors or panics is logged, followed by a short backoff, and
// the loop continues. Cycles never overlap: the next one starts only after
// the previous cycle and its wait have both finished.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/3leaps/flinkwatch/pkg/collector"
)

const (
	DefaultInterval = 60 * time.Second
	DefaultBackoff  = 10 * time.Second
)

var cycleOutcomes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "flinkwatch_scheduler_cycles_total",
		Help: "Total number of scheduled collection cycles by outcome",
	},
	[]string{"outcome"}, // success, error, panic
)

// Runner performs one collection cycle.
type Runner interface {
	CollectActive(ctx context.Context) ([]collector.Result, error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBackoff sets the extra wait after a failed cycle.
func WithBackoff(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.backoff = d
		}
	}
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Running   bool          `json:"running"`
	Interval  time.Duration `json:"interval"`
	Cycles    int64         `json:"cycles"`
	LastError string        `json:"last_error,omitempty"`
	LastRun   *time.Time    `json:"last_run,omitempty"`
}

// Scheduler drives a Runner in a background loop.
type Scheduler struct {
	runner  Runner
	logger  *zap.Logger
	backoff time.Duration

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	interval  time.Duration
	cycles    int64
	lastError string
	lastRun   time.Time
}

// New returns a stopped Scheduler.
func New(runner Runner, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:  runner,
		logger:  zap.NewNop(),
		backoff: DefaultBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the loop. It returns false, without side effects, when the
// loop is already running. A non-positive interval uses DefaultInterval.
func (s *Scheduler) Start(interval time.Duration) bool {
	if interval <= 0 {
		interval = DefaultInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		s.logger.Warn("Scheduler is already running", zap.Duration("interval", s.interval))
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.interval = interval

	go s.loop(ctx, interval, done)

	s.logger.Info("Scheduler started", zap.Duration("interval", interval))
	return true
}

// Stop signals the loop and blocks until it has exited. Calling Stop on a
// stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if done == nil {
		return
	}

	cancel()
	<-done

	s.mu.Lock()
	if s.done == done {
		s.cancel = nil
		s.done = nil
	}
	s.mu.Unlock()

	s.logger.Info("Scheduler stopped")
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done != nil
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:   s.done != nil,
		Interval:  s.interval,
		Cycles:    s.cycles,
		LastError: s.lastError,
	}
	if !s.lastRun.IsZero() {
		t := s.lastRun
		st.LastRun = &t
	}
	return st
}

// RunOnce executes a single cycle outside the loop.
func (s *Scheduler) RunOnce(ctx context.Context) (results []collector.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("collection cycle panicked: %v", r)
		}
	}()
	return s.runner.CollectActive(ctx)
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	for {
		err := s.runCycle(ctx)
		if ctx.Err() != nil {
			return
		}

		wait := interval
		if err != nil {
			s.logger.Error("Error in scheduled collection", zap.Error(err), zap.Duration("backoff", s.backoff))
			wait = s.backoff + interval
		} else {
			s.logger.Info("Scheduled collection completed", zap.Duration("next_run_in", interval))
		}

		if !sleep(ctx, wait) {
			return
		}
	}
}

var errCyclePanic = errors.New("collection cycle panicked")

// runCycle runs one cycle and logs each cluster's outcome. Cancellation of
// ctx is not reported as an error.
func (s *Scheduler) runCycle(ctx context.Context) (err error) {
	s.logger.Info("Starting scheduled data collection")

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Collection cycle panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("%w: %v", errCyclePanic, r)
		}
		s.record(err)
	}()

	results, err := s.runner.CollectActive(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	for _, r := range results {
		if r.Status == collector.StatusHealthy {
			s.logger.Info("Cluster collected",
				zap.String("cluster", r.ClusterName),
				zap.Int("jobs_processed", r.JobsProcessed),
			)
			continue
		}
		msg := r.Error
		if msg == "" {
			msg = "unknown error"
		}
		s.logger.Error("Cluster collection failed",
			zap.String("cluster", r.ClusterName),
			zap.String("status", string(r.Status)),
			zap.String("error", msg),
		)
	}
	return nil
}

func (s *Scheduler) record(err error) {
	outcome := "success"
	switch {
	case errors.Is(err, errCyclePanic):
		outcome = "panic"
	case err != nil:
		outcome = "error"
	}
	cycleOutcomes.WithLabelValues(outcome).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles++
	s.lastRun = time.Now().UTC()
	if err != nil {
		s.lastError = err.Error()
	} else {
		s.lastError = ""
	}
}

// sleep waits for d or until ctx is done. It reports whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
