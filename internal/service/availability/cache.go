package availability

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"appointly/backend/internal/domain"
)

// ruleCache holds each provider's active rules. A nil cache is a valid, disabled cache.
type ruleCache struct {
	lru *expirable.LRU[domain.ProviderID, []domain.AvailabilityRule]
}

func newRuleCache(size int, ttl time.Duration) *ruleCache {
	if size <= 0 {
		return nil
	}
	return &ruleCache{lru: expirable.NewLRU[domain.ProviderID, []domain.AvailabilityRule](size, nil, ttl)}
}

func (c *ruleCache) get(providerID domain.ProviderID) ([]domain.AvailabilityRule, bool) {
	if c == nil {
		return nil, false
	}
	return c.lru.Get(providerID)
}

func (c *ruleCache) add(providerID domain.ProviderID, rules []domain.AvailabilityRule) {
	if c == nil {
		return
	}
	c.lru.Add(providerID, rules)
}

func (c *ruleCache) invalidate(providerID domain.ProviderID) {
	if c == nil {
		return
	}
	c.lru.Remove(providerID)
}
