package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// ErrNotRunning is returned by Shutdown before Start. The service is
// stopped anyway, so a later Start returns immediately.
var ErrNotRunning = errors.New("cron service not running")

// JobFunc is a scheduled job. The logger carries the job name and a task_id
// unique to the run.
type JobFunc func(ctx context.Context, logger *slog.Logger)

type CronService struct {
	cron    *cron.Cron
	logger  *slog.Logger
	entries map[string]cron.EntryID

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	running bool
}

// NewCronService builds a scheduler evaluating specs in loc. A run that is
// still busy when its next tick fires makes that tick a no-op, and a panic in
// a job is logged instead of crashing the process.
func NewCronService(loc *time.Location, logger *slog.Logger) *CronService {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	adapter := cronLogger{log: logger}
	ctx, cancel := context.WithCancel(context.Background())

	return &CronService{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		logger:  logger,
		entries: make(map[string]cron.EntryID),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers job under name using a standard five-field spec or a
// descriptor such as "@hourly".
func (s *CronService) Add(name, spec string, job JobFunc) error {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
	}
	return s.AddSchedule(name, sched, job)
}

func (s *CronService) AddSchedule(name string, sched cron.Schedule, job JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("job %s already registered", name)
	}
	s.entries[name] = s.cron.Schedule(sched, cron.FuncJob(func() {
		s.runJob(name, job)
	}))
	return nil
}

func (s *CronService) runJob(name string, job JobFunc) {
	taskLogger := s.logger.With("job", name, "task_id", uuid.NewString())
	start := time.Now()
	taskLogger.Debug("job started")
	job(s.ctx, taskLogger)
	taskLogger.Debug("job finished", "dur", time.Since(start))
}

// Start runs the scheduler and blocks until Shutdown is called.
func (s *CronService) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("cron service already running")
	}
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return errors.New("cron service already stopped")
	}
	s.running = true
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("cron service started", "jobs", len(s.entries))

	<-s.ctx.Done()
	return nil
}

// Shutdown stops scheduling, cancels the jobs' context and waits up to
// timeout for running jobs.
func (s *CronService) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.cancel()
		return ErrNotRunning
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("shutdown signal received, waiting for active jobs...")
	stopped := s.cron.Stop()
	s.cancel()

	select {
	case <-stopped.Done():
		s.logger.Info("all jobs finished")
		return nil
	case <-time.After(timeout):
		return errors.New("shutdown timeout: some jobs did not finish")
	}
}

// NextRun reports when the named job fires next.
func (s *CronService) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}

	entry := s.cron.Entry(id)
	if !entry.Next.IsZero() {
		return entry.Next, true
	}
	return entry.Schedule.Next(time.Now().In(s.cron.Location())), true
}

// cronLogger routes robfig/cron's logging to slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
