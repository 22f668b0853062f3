package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billsync/internal/billing/domain"
	"github.com/smallbiznis/billsync/internal/billing/projection"
	"github.com/smallbiznis/billsync/internal/billing/webhook"
	"github.com/smallbiznis/billsync/internal/clock"
	"github.com/smallbiznis/billsync/internal/config"
	obsctx "github.com/smallbiznis/billsync/internal/observability/context"
	"github.com/smallbiznis/billsync/internal/observability/logger"
	"github.com/smallbiznis/billsync/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultRunnerID     = "billsync"
	defaultLeaseSeconds = 300
	// finalizeTimeout bounds the run-row update made after the scope returns.
	finalizeTimeout = 10 * time.Second
)

// EventReplayer re-runs stored webhook deliveries.
type EventReplayer interface {
	ReprocessStoredEvent(ctx context.Context, webhookEventID snowflake.ID) (webhook.IngestResult, error)
}

type Params struct {
	fx.In

	Repo           domain.Repository
	Provider       domain.ProviderAdapter
	Projection     *projection.Service
	Replayer       EventReplayer
	Guardrails     domain.GuardrailRecorder
	Config         *config.ReconciliationConfigHolder
	GenID          *snowflake.Node
	Clock          clock.Clock
	Log            *zap.Logger
	Metrics        *metrics.Metrics        `optional:"true"`
	BillingMetrics *metrics.BillingMetrics `optional:"true"`
}

type Service struct {
	repo           domain.Repository
	provider       domain.ProviderAdapter
	projection     *projection.Service
	replayer       EventReplayer
	guardrails     domain.GuardrailRecorder
	cfg            *config.ReconciliationConfigHolder
	genID          *snowflake.Node
	clock          clock.Clock
	log            *zap.Logger
	metrics        *metrics.Metrics
	billingMetrics *metrics.BillingMetrics
}

func NewService(p Params) *Service {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.System()
	}
	holder := p.Config
	if holder == nil {
		holder = config.NewStaticReconciliationConfigHolder(config.DefaultReconciliationConfig())
	}
	return &Service{
		repo:           p.Repo,
		provider:       p.Provider,
		projection:     p.Projection,
		replayer:       p.Replayer,
		guardrails:     p.Guardrails,
		cfg:            holder,
		genID:          p.GenID,
		clock:          clk,
		log:            log.Named("billing.reconciliation"),
		metrics:        p.Metrics,
		billingMetrics: p.BillingMetrics,
	}
}

type RunScopeRequest struct {
	Provider     string
	Scope        string
	RunnerID     string
	LeaseSeconds int
}

type RunScopeResult struct {
	RunID        snowflake.ID `json:"run_id,omitempty"`
	Provider     string       `json:"provider"`
	Scope        string       `json:"scope"`
	Status       string       `json:"status"`
	SkipReason   string       `json:"skip_reason,omitempty"`
	LeaseVersion int64        `json:"lease_version,omitempty"`
	Stats        Stats        `json:"stats"`
}

// Stats counts items for one run. It is stored as JSON on the run row.
type Stats struct {
	Scanned  int `json:"scanned"`
	Repaired int `json:"repaired"`
	Drift    int `json:"drift"`
	Errors   int `json:"errors"`
	Skipped  int `json:"skipped"`
}

// RunScope takes the (provider, scope) lease, runs the scope and finalizes the run under the lease.
func (s *Service) RunScope(ctx context.Context, req RunScopeRequest) (RunScopeResult, error) {
	cfg := s.cfg.Get()

	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	if provider == "" {
		provider = cfg.Provider
	}
	if s.provider == nil || provider != s.provider.Name() {
		return RunScopeResult{}, fmt.Errorf("%w: %s", domain.ErrUnsupportedProvider, provider)
	}
	scope, err := domain.ParseScope(req.Scope)
	if err != nil {
		return RunScopeResult{}, fmt.Errorf("%w: %s", err, req.Scope)
	}
	runnerID := strings.TrimSpace(req.RunnerID)
	if runnerID == "" {
		runnerID = defaultRunnerID
	}
	leaseSeconds := req.LeaseSeconds
	if leaseSeconds <= 0 {
		leaseSeconds = cfg.LeaseSeconds
	}
	if leaseSeconds <= 0 {
		leaseSeconds = defaultLeaseSeconds
	}

	ctx = obsctx.WithActor(ctx, "reconciliation", runnerID)
	log := logger.WithContext(ctx, s.log).With(
		zap.String("provider", provider),
		zap.String("scope", string(scope)),
		zap.String("runner_id", runnerID),
	)
	result := RunScopeResult{Provider: provider, Scope: string(scope)}

	var (
		run      *domain.ReconciliationRun
		acquired bool
	)
	err = s.repo.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		run, acquired, err = s.repo.AcquireReconciliationRun(ctx, tx, domain.AcquireRunParams{
			NewID:         s.genID.Generate(),
			Provider:      provider,
			Scope:         string(scope),
			RunnerID:      runnerID,
			Now:           s.clock.Now(),
			LeaseDuration: time.Duration(leaseSeconds) * time.Second,
		})
		return err
	})
	if err != nil {
		return RunScopeResult{}, err
	}
	if !acquired {
		result.Status = domain.ReconciliationStatusSkipped
		result.SkipReason = domain.SkipReasonActiveRunExists
		if run != nil {
			result.RunID = run.ID
			result.LeaseVersion = run.LeaseVersion
			log = log.With(zap.String("holder", run.RunnerID))
		}
		log.Info("reconciliation scope skipped, lease held")
		s.billingMetrics.IncReconciliationRun(string(scope), domain.ReconciliationStatusSkipped)
		return result, nil
	}
	result.RunID = run.ID
	result.LeaseVersion = run.LeaseVersion
	log = log.With(zap.String("run_id", run.ID.String()), zap.Int64("lease_version", run.LeaseVersion))
	log.Info("reconciliation scope started")

	var stats Stats
	scopeErr := s.runScope(ctx, scope, provider, cfg, &stats)
	result.Stats = stats

	// The caller's context may already be cancelled; the run row is still finalized.
	finalizeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	s.recordStats(finalizeCtx, scope, stats)

	finishedAt := s.clock.Now()
	updates := map[string]any{
		"finished_at": finishedAt,
		"stats":       statsJSON(stats),
		"updated_at":  finishedAt,
	}
	if scopeErr != nil {
		updates["status"] = domain.ReconciliationStatusFailed
		updates["last_error"] = domain.LastErrorMessage(scopeErr)
		result.Status = domain.ReconciliationStatusFailed

		ok, err := s.repo.UpdateReconciliationRunByLease(finalizeCtx, nil, run.ID, run.LeaseVersion, updates)
		switch {
		case err != nil:
			log.Error("failed to mark reconciliation run failed", zap.Error(err))
		case !ok:
			s.leaseFenced(finalizeCtx, run, runnerID)
		}
		s.billingMetrics.IncReconciliationRun(string(scope), domain.ReconciliationStatusFailed)
		log.Error("reconciliation scope failed", zap.Error(scopeErr), zap.Any("stats", stats))
		return result, fmt.Errorf("reconciliation %s: %w", scope, scopeErr)
	}

	updates["status"] = domain.ReconciliationStatusSucceeded
	updates["last_error"] = ""
	ok, err := s.repo.UpdateReconciliationRunByLease(finalizeCtx, nil, run.ID, run.LeaseVersion, updates)
	if err != nil {
		return result, err
	}
	if !ok {
		s.leaseFenced(finalizeCtx, run, runnerID)
		result.Status = domain.ReconciliationStatusFailed
		return result, fmt.Errorf("%w: %s/%s lease version %d", domain.ErrLeaseFenced, provider, scope, run.LeaseVersion)
	}

	result.Status = domain.ReconciliationStatusSucceeded
	s.billingMetrics.IncReconciliationRun(string(scope), domain.ReconciliationStatusSucceeded)
	log.Info("reconciliation scope finished",
		zap.Int("scanned", stats.Scanned),
		zap.Int("repaired", stats.Repaired),
		zap.Int("drift", stats.Drift),
		zap.Int("errors", stats.Errors),
		zap.Int("skipped", stats.Skipped),
	)
	return result, nil
}

func (s *Service) runScope(ctx context.Context, scope domain.Scope, provider string, cfg config.ReconciliationConfig, stats *Stats) error {
	run := scopeRun{svc: s, scope: scope, provider: provider, cfg: cfg, stats: stats, now: s.clock.Now()}
	switch scope {
	case domain.ScopeCheckoutOpen:
		return run.checkoutOpen(ctx)
	case domain.ScopeCheckoutCompletedPending:
		return run.checkoutCompletedPending(ctx)
	case domain.ScopeCheckoutRecoveryVerification:
		return run.checkoutRecovery(ctx)
	case domain.ScopePendingRecent:
		return run.pendingRecent(ctx)
	case domain.ScopeSubscriptionsActive:
		return run.subscriptionsActive(ctx)
	case domain.ScopeInvoicesRecent:
		return run.invoicesRecent(ctx)
	default:
		return fmt.Errorf("%w: %s", domain.ErrUnsupportedScope, scope)
	}
}

func (s *Service) leaseFenced(ctx context.Context, run *domain.ReconciliationRun, runnerID string) {
	logger.WithContext(ctx, s.log).Warn("reconciliation lease fenced",
		zap.String("run_id", run.ID.String()),
		zap.String("scope", run.Scope),
		zap.Int64("lease_version", run.LeaseVersion),
	)
	s.recordGuardrail(ctx, domain.Guardrail{
		Code:    domain.GuardrailLeaseFenced,
		Measure: "count",
		Value:   1,
		Fields: map[string]any{
			"provider":      run.Provider,
			"scope":         run.Scope,
			"runner_id":     runnerID,
			"lease_version": run.LeaseVersion,
		},
	})
}

func (s *Service) recordGuardrail(ctx context.Context, g domain.Guardrail) {
	if s.guardrails != nil {
		s.guardrails.RecordBillingGuardrail(ctx, g)
	}
}

func (s *Service) recordStats(ctx context.Context, scope domain.Scope, stats Stats) {
	name := string(scope)
	s.billingMetrics.AddReconciliationItems(name, metrics.ItemOutcomeScanned, stats.Scanned)
	s.billingMetrics.AddReconciliationItems(name, metrics.ItemOutcomeRepaired, stats.Repaired)
	s.billingMetrics.AddReconciliationItems(name, metrics.ItemOutcomeDrift, stats.Drift)
	s.billingMetrics.AddReconciliationItems(name, metrics.ItemOutcomeError, stats.Errors)
	s.billingMetrics.AddReconciliationItems(name, metrics.ItemOutcomeSkipped, stats.Skipped)
	s.metrics.RecordReconciliationRepair(ctx, name, stats.Repaired)
}

func statsJSON(stats Stats) datatypes.JSON {
	raw, err := json.Marshal(stats)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}

// isContextDone reports cancellation that must stop a scan rather than count as an item error.
func isContextDone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
