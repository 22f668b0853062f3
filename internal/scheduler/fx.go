package scheduler

import (
	"context"

	"github.com/smallbiznis/billsync/internal/billing/reconciliation"
	"github.com/smallbiznis/billsync/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("scheduler",
	fx.Provide(provideRunner),
	fx.Provide(New),
	fx.Invoke(NewScheduler),
)

func provideRunner(svc *reconciliation.Service) ScopeRunner { return svc }

func NewScheduler(lc fx.Lifecycle, cfg config.Config, sched *Scheduler, log *zap.Logger) {
	if !cfg.SchedulerEnabled {
		log.Info("reconciliation scheduler disabled")
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return sched.Start()
		},
		OnStop: func(ctx context.Context) error {
			select {
			case <-sched.Stop().Done():
			case <-ctx.Done():
			}
			return nil
		},
	})
}
