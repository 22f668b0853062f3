package cache

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultPlanCacheSize = 1024
	defaultPlanTTL       = 10 * time.Minute
)

// PlanCache keeps provider price to plan lookups for subscription projection.
// Only hits are cached so a newly added plan is picked up on the next event.
type PlanCache struct {
	plans *expirable.LRU[string, snowflake.ID]
}

func NewPlanCache() *PlanCache {
	return NewPlanCacheWithTTL(defaultPlanCacheSize, defaultPlanTTL)
}

func NewPlanCacheWithTTL(size int, ttl time.Duration) *PlanCache {
	if size <= 0 {
		size = defaultPlanCacheSize
	}
	return &PlanCache{plans: expirable.NewLRU[string, snowflake.ID](size, nil, ttl)}
}

func (c *PlanCache) Get(provider, priceID string) (snowflake.ID, bool) {
	if c == nil {
		return 0, false
	}
	return c.plans.Get(cacheKey(provider, priceID))
}

func (c *PlanCache) Set(provider, priceID string, planID snowflake.ID) {
	if c == nil || planID == 0 {
		return
	}
	c.plans.Add(cacheKey(provider, priceID), planID)
}

func (c *PlanCache) Purge() {
	if c == nil {
		return
	}
	c.plans.Purge()
}

func cacheKey(parts ...string) string {
	return strings.Join(parts, ":")
}
