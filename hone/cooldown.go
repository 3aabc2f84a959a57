package hone

import (
	"fmt"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/patrickmn/go-cache"
)

const cooldownCleanupInterval = time.Minute

// CooldownTracker remembers (provider, model) pairs whose upstream calls
// recently failed. Entries expire after the configured TTL. The tracker is
// advisory: arm selection is owned by the bandit and is never altered by a
// cooldown, but the request path consults it so flapping providers show up
// in logs and metrics rather than as silent latency.
type CooldownTracker struct {
	// key: <provider>:<model>, value: struct{}{}
	cache *cache.Cache
}

// NewCooldownTracker returns a tracker whose marks expire after ttl.
func NewCooldownTracker(ttl time.Duration) *CooldownTracker {
	return &CooldownTracker{
		cache: cache.New(ttl, cooldownCleanupInterval),
	}
}

// MarkFailed records an upstream failure for the pair. Re-marking an already
// cooling pair extends its TTL.
func (c *CooldownTracker) MarkFailed(provider, model string) {
	c.cache.SetDefault(c.key(provider, model), struct{}{})
	metrics.IncrCounter([]string{"hone", "upstream", "cooldown_marked"}, 1)
}

// CoolingDown returns true if the pair failed within the TTL window.
func (c *CooldownTracker) CoolingDown(provider, model string) bool {
	_, found := c.cache.Get(c.key(provider, model))
	return found
}

// Len returns the number of pairs currently marked.
func (c *CooldownTracker) Len() int {
	return c.cache.ItemCount()
}

func (c *CooldownTracker) key(provider, model string) string {
	return fmt.Sprintf("%s:%s", provider, model)
}
