package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/smallbiznis/billsync/internal/billing/domain"
	"github.com/smallbiznis/billsync/internal/billing/reconciliation"
	"github.com/smallbiznis/billsync/internal/clock"
	"github.com/smallbiznis/billsync/internal/config"
	obsmetrics "github.com/smallbiznis/billsync/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultJobTimeout = 2 * time.Minute

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// ScopeRunner runs one reconciliation scope under its lease.
type ScopeRunner interface {
	RunScope(ctx context.Context, req reconciliation.RunScopeRequest) (reconciliation.RunScopeResult, error)
}

type Params struct {
	fx.In

	Runner    ScopeRunner
	Config    *config.ReconciliationConfigHolder
	AppConfig config.Config
	Clock     clock.Clock
	Log       *zap.Logger
	Metrics   *obsmetrics.BillingMetrics `optional:"true"`
}

// Scheduler fires reconciliation scopes on their cron schedules.
type Scheduler struct {
	runner   ScopeRunner
	cfg      *config.ReconciliationConfigHolder
	runnerID string
	clock    clock.Clock
	log      *zap.Logger
	metrics  *obsmetrics.BillingMetrics

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
}

func New(p Params) (*Scheduler, error) {
	if p.Runner == nil || p.Log == nil {
		return nil, ErrInvalidConfig
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.System()
	}
	runnerID := strings.TrimSpace(p.AppConfig.RunnerID)
	if runnerID == "" {
		runnerID = "scheduler"
	}
	log := p.Log.Named("scheduler").With(zap.String("component", "scheduler"))
	return &Scheduler{
		runner:   p.Runner,
		cfg:      p.Config,
		runnerID: runnerID,
		clock:    clk,
		log:      log,
		metrics:  p.Metrics,
		entries:  map[string]cron.EntryID{},
	}, nil
}

// Start registers every enabled scope and starts the cron loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{log: s.log}),
		cron.WithChain(cron.Recover(cronLogger{log: s.log}), cron.SkipIfStillRunning(cronLogger{log: s.log})),
	)
	cfg := s.cfg.Get()
	for _, scope := range domain.Scopes() {
		name := string(scope)
		sched := cfg.Scope(name)
		if !sched.Enabled {
			s.log.Info("reconciliation scope disabled", zap.String("scope", name))
			continue
		}
		var id cron.EntryID
		id, err := c.AddFunc(sched.Schedule, func() {
			s.fire(name, id)
		})
		if err != nil {
			return fmt.Errorf("%w: scope %s schedule %q: %v", ErrInvalidConfig, name, sched.Schedule, err)
		}
		s.entries[name] = id
		s.log.Info("reconciliation scope scheduled", zap.String("scope", name), zap.String("schedule", sched.Schedule))
	}
	s.cron = c
	c.Start()
	return nil
}

// Stop halts the cron loop. The returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return s.cron.Stop()
}

// Scheduled lists the registered scope names.
func (s *Scheduler) Scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) fire(scope string, id cron.EntryID) {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()
	if c != nil {
		if prev := c.Entry(id).Prev; !prev.IsZero() {
			s.metrics.ObserveTriggerLag(s.clock.Now().Sub(prev))
		}
	}
	if err := s.RunScope(context.Background(), scope); err != nil {
		s.log.Warn("reconciliation job failed", zap.String("scope", scope), zap.Error(err))
	}
}

// RunScope runs one scope if it is enabled in the current configuration.
func (s *Scheduler) RunScope(ctx context.Context, scope string) error {
	sched := s.cfg.Get().Scope(scope)
	if !sched.Enabled {
		return nil
	}
	timeout := sched.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	return s.runJob(ctx, scope, timeout, func(ctx context.Context) error {
		result, err := s.runner.RunScope(ctx, reconciliation.RunScopeRequest{
			Scope:    scope,
			RunnerID: s.runnerID,
		})
		if err != nil {
			return err
		}
		if result.Status == domain.ReconciliationStatusSkipped {
			s.log.Debug("reconciliation scope skipped", zap.String("scope", scope), zap.String("reason", result.SkipReason))
		}
		return nil
	})
}

// RunOnce runs every enabled scope sequentially.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var err error
	for _, scope := range domain.Scopes() {
		err = errors.Join(err, s.RunScope(ctx, string(scope)))
	}
	return err
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	log := s.log.With(zap.String("job", name))
	s.metrics.IncJobRun(name)

	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; the next tick picks the scope up again
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}
