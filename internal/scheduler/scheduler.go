// Package scheduler runs named periodic jobs, each on its own ticker, with
// every tick isolated behind an error boundary.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"lifequest-live/internal/observability/metrics"
)

// Ticker is the subset of time.Ticker the scheduler relies on.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory builds a Ticker firing every interval.
type TickerFactory func(time.Duration) Ticker

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

// NewTimeTicker wraps time.NewTicker.
func NewTimeTicker(interval time.Duration) Ticker {
	return timeTicker{ticker: time.NewTicker(interval)}
}

// Job is a unit of periodic work. Run is invoked once per tick and never
// concurrently with itself.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

var (
	// ErrAlreadyStarted is returned when Start or Add is called on a running
	// scheduler.
	ErrAlreadyStarted = errors.New("scheduler already started")
	// ErrStopped is returned when starting a scheduler that was stopped.
	ErrStopped = errors.New("scheduler stopped")
	// ErrInvalidJob is returned for jobs without a name, interval or body.
	ErrInvalidJob = errors.New("invalid job")
)

// PanicError wraps a value recovered from a panicking job.
type PanicError struct {
	Job   string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("job %s panicked: %v", e.Job, e.Value)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger used for tick failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records tick outcomes on the provided recorder.
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(s *Scheduler) {
		s.recorder = recorder
	}
}

// WithTickerFactory overrides how tickers are built. Tests use it to drive
// ticks by hand.
func WithTickerFactory(factory TickerFactory) Option {
	return func(s *Scheduler) {
		if factory != nil {
			s.newTicker = factory
		}
	}
}

// Scheduler owns a set of jobs and their cancellable tickers.
type Scheduler struct {
	mu        sync.Mutex
	jobs      []Job
	logger    *slog.Logger
	recorder  *metrics.Recorder
	newTicker TickerFactory
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   bool
	stopped   bool
	stopOnce  sync.Once
}

// New constructs an idle Scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:    slog.Default(),
		newTicker: NewTimeTicker,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Add registers a job. Jobs must be added before Start.
func (s *Scheduler) Add(job Job) error {
	job.Name = strings.TrimSpace(job.Name)
	if job.Name == "" || job.Interval <= 0 || job.Run == nil {
		return fmt.Errorf("%w: %q", ErrInvalidJob, job.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	for _, existing := range s.jobs {
		if existing.Name == job.Name {
			return fmt.Errorf("%w: duplicate name %q", ErrInvalidJob, job.Name)
		}
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Jobs returns the registered job names in registration order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for _, job := range s.jobs {
		names = append(names, job.Name)
	}
	return names
}

// Start launches one goroutine per job. The jobs run until ctx is cancelled
// or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	if s.stopped {
		return ErrStopped
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for _, job := range s.jobs {
		ticker := s.newTicker(job.Interval)
		s.wg.Add(1)
		go s.loop(runCtx, job, ticker)
	}
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop cancels every job and waits for in-flight ticks to return. It is safe
// to call more than once and before Start.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		s.wg.Wait()
	})
}

func (s *Scheduler) loop(ctx context.Context, job Job, ticker Ticker) {
	defer func() {
		ticker.Stop()
		s.wg.Done()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if ctx.Err() != nil {
				return
			}
			s.tick(ctx, job)
		}
	}
}

// RunNow executes the named job once on the caller's goroutine behind the
// same error boundary as a scheduled tick.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var (
		job   Job
		found bool
	)
	for _, candidate := range s.jobs {
		if candidate.Name == name {
			job, found = candidate, true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return fmt.Errorf("%w: unknown job %q", ErrInvalidJob, name)
	}
	return s.tick(ctx, job)
}

func (s *Scheduler) tick(ctx context.Context, job Job) error {
	start := time.Now()
	err := runGuarded(ctx, job)
	duration := time.Since(start)

	status := "ok"
	var panicErr *PanicError
	switch {
	case errors.As(err, &panicErr):
		status = "panic"
		s.logger.Error("scheduled job panicked", "job", job.Name, "panic", fmt.Sprint(panicErr.Value), "stack", string(panicErr.Stack))
	case err != nil && ctx.Err() != nil:
		status = "cancelled"
		s.logger.Debug("scheduled job cancelled", "job", job.Name, "error", err)
	case err != nil:
		status = "error"
		s.logger.Error("scheduled job failed", "job", job.Name, "error", err, "duration_ms", duration.Milliseconds())
	}
	if s.recorder != nil {
		s.recorder.ObserveJob(job.Name, status, duration)
	}
	return err
}

func runGuarded(ctx context.Context, job Job) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &PanicError{Job: job.Name, Value: recovered, Stack: debug.Stack()}
		}
	}()
	return job.Run(ctx)
}
