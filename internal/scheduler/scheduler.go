package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/gafsiahmed/biblio-managment-system/internal/lending"
	"github.com/gafsiahmed/biblio-managment-system/internal/obs"
)

// ErrUnknownJob is returned by RunNow for a name that was never registered.
var ErrUnknownJob = errors.New("unknown job")

// Job is one periodic sweep. Run reports how many items it changed.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context) (int, error)
}

// Schedule holds the cron specs (standard five field syntax, UTC) of the lending sweeps.
type Schedule struct {
	Overdue    string `yaml:"overdue"`
	DueSoon    string `yaml:"due_soon"`
	HoldExpiry string `yaml:"hold_expiry"`
}

// DefaultSchedule marks overdue loans at midnight, sends reminders at 09:00
// and reclaims lapsed holds every quarter hour.
func DefaultSchedule() Schedule {
	return Schedule{
		Overdue:    "0 0 * * *",
		DueSoon:    "0 9 * * *",
		HoldExpiry: "*/15 * * * *",
	}
}

// LendingJobs binds the service sweeps to sched. Empty specs disable a sweep.
func LendingJobs(svc *lending.Service, sched Schedule) []Job {
	all := []Job{
		{Name: lending.SweepOverdue, Spec: sched.Overdue, Run: svc.MarkOverdue},
		{Name: lending.SweepDueSoon, Spec: sched.DueSoon, Run: svc.RemindDueSoon},
		{Name: lending.SweepHoldExpiry, Spec: sched.HoldExpiry, Run: svc.ExpireHolds},
	}
	jobs := all[:0]
	for _, j := range all {
		if j.Spec != "" {
			jobs = append(jobs, j)
		}
	}
	return jobs
}

// Scheduler runs jobs on their cron specs. A job never overlaps itself.
type Scheduler struct {
	cron    *cron.Cron
	jobs    map[string]Job
	logger  *zap.Logger
	timeout time.Duration

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// Option configures Scheduler.
type Option func(*Scheduler)

func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithJobTimeout bounds a single scheduled run.
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

// New validates every spec and registers the jobs without starting them.
func New(jobs []Job, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		jobs:    make(map[string]Job, len(jobs)),
		logger:  obs.Logger(),
		timeout: 10 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	clog := cronLogger{s.logger.Sugar()}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	for _, j := range jobs {
		if j.Run == nil {
			return nil, fmt.Errorf("job %s: no run func", j.Name)
		}
		if _, dup := s.jobs[j.Name]; dup {
			return nil, fmt.Errorf("job %s: registered twice", j.Name)
		}
		job := j
		if _, err := s.cron.AddFunc(job.Spec, func() { s.runScheduled(job) }); err != nil {
			return nil, fmt.Errorf("job %s: bad spec %q: %w", job.Name, job.Spec, err)
		}
		s.jobs[job.Name] = job
	}
	return s, nil
}

// Start begins firing jobs. Calling it twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	for _, e := range s.cron.Entries() {
		s.logger.Debug("job scheduled", zap.Int("entry", int(e.ID)), zap.Time("next", e.Next))
	}
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
}

// Stop halts future runs and waits for in-flight ones until ctx ends, after
// which their contexts are cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.cancel()
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.cancel()
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// RunNow executes one job synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) (int, error) {
	job, ok := s.jobs[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return job.Run(ctx)
}

// Names lists the registered jobs.
func (s *Scheduler) Names() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}

func (s *Scheduler) runScheduled(job Job) {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	n, err := job.Run(ctx)
	if err != nil {
		s.logger.Error("scheduled job failed", zap.String("job", job.Name), zap.Int("applied", n), zap.Error(err))
		return
	}
	s.logger.Debug("scheduled job done", zap.String("job", job.Name), zap.Int("applied", n))
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
