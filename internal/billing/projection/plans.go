package projection

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billsync/internal/billing/domain"
	"github.com/smallbiznis/billsync/internal/cache"
	"gorm.io/gorm"
)

// PlanResolver maps provider price ids to local plans.
type PlanResolver struct {
	repo  domain.Repository
	cache *cache.PlanCache
}

func NewPlanResolver(repo domain.Repository, plans *cache.PlanCache) *PlanResolver {
	return &PlanResolver{repo: repo, cache: plans}
}

// Resolve returns the single plan the prices map to, nil when none map, and ErrMultiplePlans when
// the prices span more than one plan. Unknown prices are ignored.
func (r *PlanResolver) Resolve(ctx context.Context, tx *gorm.DB, provider string, priceIDs []string) (*snowflake.ID, error) {
	var resolved snowflake.ID
	for _, priceID := range priceIDs {
		priceID = strings.TrimSpace(priceID)
		if priceID == "" {
			continue
		}
		planID, ok := r.cache.Get(provider, priceID)
		if !ok {
			plan, err := r.repo.FindPlanByProviderPriceID(ctx, tx, provider, priceID)
			if err != nil {
				return nil, err
			}
			if plan == nil {
				continue
			}
			planID = plan.ID
			r.cache.Set(provider, priceID, planID)
		}
		if resolved != 0 && resolved != planID {
			return nil, fmt.Errorf("%w: prices %s map to plans %s and %s", domain.ErrMultiplePlans, strings.Join(priceIDs, ","), resolved, planID)
		}
		resolved = planID
	}
	if resolved == 0 {
		return nil, nil
	}
	return &resolved, nil
}
