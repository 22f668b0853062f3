package reconciliation

import (
	"github.com/smallbiznis/billsync/internal/billing/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("billing.reconciliation",
	fx.Provide(
		provideReplayer,
		NewService,
	),
)

func provideReplayer(s *webhook.Service) EventReplayer { return s }
