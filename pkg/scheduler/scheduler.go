package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/renewal/pkg/billing"
	"github.com/platinummonkey/renewal/pkg/observability"
)

const (
	// JobDueSweep charges due subscriptions
	JobDueSweep = "due_sweep"
	// JobLedgerPrune forgets old processed webhook events
	JobLedgerPrune = "ledger_prune"
)

// Sweeper charges everything due at now
type Sweeper interface {
	ProcessDue(ctx context.Context, now time.Time) (*billing.SweepResult, error)
}

// Config holds the job schedules. An empty spec leaves the job unscheduled.
type Config struct {
	DueSweep    string
	LedgerPrune string
	Location    *time.Location
	// Retention is how long processed event ids are kept
	Retention time.Duration
	// JobTimeout bounds a single run
	JobTimeout time.Duration
}

// Entry describes one scheduled job
type Entry struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev,omitempty"`
}

// Scheduler owns the cron runner and the jobs registered on it
type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	ledger  billing.EventLedger
	cfg     Config
	logger  *observability.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]cron.EntryID
	specs   map[string]string

	// jobCtx is cancelled when Stop runs out of time
	jobCtx    context.Context
	cancelJob context.CancelFunc
}

// New builds a scheduler. ledger may be nil when no prune job is wanted.
func New(cfg Config, sweeper Sweeper, ledger billing.EventLedger, logger *observability.Logger) (*Scheduler, error) {
	if sweeper == nil {
		return nil, fmt.Errorf("scheduler: sweeper is required")
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Minute
	}

	logger = logger.WithField("component", "scheduler")
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(cfg.Location),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		sweeper: sweeper,
		ledger:  ledger,
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[string]cron.EntryID),
		specs:   make(map[string]string),
	}
	s.jobCtx, s.cancelJob = context.WithCancel(context.Background())

	if cfg.DueSweep != "" {
		if err := s.add(JobDueSweep, cfg.DueSweep, func(ctx context.Context) error {
			_, err := s.RunDueSweep(ctx)
			return err
		}); err != nil {
			return nil, err
		}
	}
	if cfg.LedgerPrune != "" && ledger != nil {
		if err := s.add(JobLedgerPrune, cfg.LedgerPrune, func(ctx context.Context) error {
			_, err := s.RunLedgerPrune(ctx)
			return err
		}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(name, spec string, run func(ctx context.Context) error) error {
	id, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(s.jobCtx, s.cfg.JobTimeout)
		defer cancel()
		if err := run(ctx); err != nil {
			s.logger.WithError(err).WithField("job", name).Error("scheduled job failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule %s %q: %w", name, spec, err)
	}
	s.entries[name] = id
	s.specs[name] = spec
	return nil
}

// Start begins running jobs in the background
func (s *Scheduler) Start() {
	s.cron.Start()
	for _, e := range s.Entries() {
		s.logger.WithFields(map[string]interface{}{
			"job":  e.Name,
			"spec": e.Spec,
			"next": e.Next,
		}).Info("job scheduled")
	}
}

// Stop stops scheduling and waits for running jobs. When ctx ends first the
// running jobs are cancelled and ctx's error is returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.cancelJob()
		return nil
	case <-ctx.Done():
		s.cancelJob()
		return ctx.Err()
	}
}

// Entries lists the scheduled jobs with their next run time
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for _, name := range []string{JobDueSweep, JobLedgerPrune} {
		id, ok := s.entries[name]
		if !ok {
			continue
		}
		e := s.cron.Entry(id)
		out = append(out, Entry{Name: name, Spec: s.specs[name], Next: e.Next, Prev: e.Prev})
	}
	return out
}

// RunDueSweep charges everything due now. A sweep already running here or on
// another replica is not an error.
func (s *Scheduler) RunDueSweep(ctx context.Context) (*billing.SweepResult, error) {
	result, err := s.sweeper.ProcessDue(ctx, s.now())
	if errors.Is(err, billing.ErrSweepRunning) {
		s.logger.Info("due-payment sweep already running, skipping")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("due-payment sweep: %w", err)
	}
	if result.Failed > 0 {
		s.logger.WithFields(map[string]interface{}{
			"failed": result.Failed,
			"errors": result.Errors,
		}).Warn("due-payment sweep had failures")
	}
	return result, nil
}

// RunLedgerPrune forgets processed events older than the retention window
func (s *Scheduler) RunLedgerPrune(ctx context.Context) (int64, error) {
	if s.ledger == nil {
		return 0, nil
	}
	cutoff := s.now().Add(-s.cfg.Retention)
	removed, err := s.ledger.Prune(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("ledger prune: %w", err)
	}
	s.logger.WithFields(map[string]interface{}{
		"removed": removed,
		"cutoff":  cutoff,
	}).Info("pruned processed webhook events")
	return removed, nil
}

// cronLogger adapts the service logger to cron.Logger
type cronLogger struct {
	logger *observability.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithError(err).WithFields(fields(keysAndValues)).Error("cron: " + msg)
}

func fields(keysAndValues []interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return out
}
