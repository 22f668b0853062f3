package projection

import (
	"github.com/smallbiznis/billsync/internal/cache"
	"go.uber.org/fx"
)

var Module = fx.Module("billing.projection",
	fx.Provide(cache.NewPlanCache),
	fx.Provide(NewPlanResolver),
	fx.Provide(NewService),
)
