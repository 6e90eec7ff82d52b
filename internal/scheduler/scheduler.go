// Package scheduler runs the sync job periodically with robfig/cron,
// never letting two runs overlap.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// RunFunc is one scheduled invocation.
type RunFunc func(ctx context.Context) error

// Config controls the schedule.
type Config struct {
	Interval time.Duration
	// RunTimeout bounds each invocation. Zero means no timeout.
	RunTimeout time.Duration
	// RunOnStart triggers an invocation as soon as Start is called.
	RunOnStart bool
}

// Scheduler wraps a cron instance holding one skip-if-still-running job.
type Scheduler struct {
	cron    *cron.Cron
	entry   cron.EntryID
	run     RunFunc
	cfg     Config
	logger  *zap.Logger
	mu      sync.Mutex
	running sync.WaitGroup
	baseCtx context.Context
	stopped bool
}

// New builds a Scheduler for run.
func New(cfg Config, run RunFunc, logger *zap.Logger) (*Scheduler, error) {
	if cfg.Interval <= 0 {
		return nil, errors.New("scheduler: interval must be > 0")
	}
	if run == nil {
		return nil, errors.New("scheduler: run func is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{logger: logger.Sugar()}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		run:     run,
		cfg:     cfg,
		logger:  logger,
		baseCtx: context.Background(),
	}
	id, err := s.cron.AddJob(Spec(cfg.Interval), cron.FuncJob(s.invoke))
	if err != nil {
		return nil, fmt.Errorf("scheduler: add job: %w", err)
	}
	s.entry = id
	return s, nil
}

// Spec returns the cron spec for a fixed interval.
func Spec(interval time.Duration) string {
	return "@every " + interval.String()
}

// Start begins scheduling. Invocations derive their context from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("run_timeout", s.cfg.RunTimeout),
	)
	if s.cfg.RunOnStart {
		go s.Trigger()
	}
}

// Trigger runs the job now through the same skip-if-still-running wrapper
// as scheduled invocations. It blocks until the run finishes or is skipped.
func (s *Scheduler) Trigger() {
	s.cron.Entry(s.entry).WrappedJob.Run()
}

// Stop halts scheduling and waits for a running invocation to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	cronDone := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// Next reports the next scheduled invocation time.
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.entry).Next
}

func (s *Scheduler) invoke() {
	s.mu.Lock()
	ctx, stopped := s.baseCtx, s.stopped
	if !stopped {
		s.running.Add(1)
	}
	s.mu.Unlock()
	if stopped {
		return
	}
	defer s.running.Done()
	if ctx.Err() != nil {
		return
	}
	if s.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RunTimeout)
		defer cancel()
	}
	start := time.Now()
	if err := s.run(ctx); err != nil {
		s.logger.Error("scheduled run failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return
	}
	s.logger.Debug("scheduled run finished", zap.Duration("elapsed", time.Since(start)))
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
