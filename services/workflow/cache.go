package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LoadedPlugin is a plugin together with its memoized graph index.
type LoadedPlugin struct {
	Plugin *Plugin
	Graph  *Graph
}

// PluginCache keeps resolved plugins for the lifetime of the process.
// Entries expire after the TTL and are dropped explicitly when a plugin is
// saved or republished through the Service.
type PluginCache struct {
	repo PluginRepo
	lru  *expirable.LRU[string, *LoadedPlugin]
}

// NewPluginCache creates a cache holding up to size plugins for ttl.
func NewPluginCache(repo PluginRepo, size int, ttl time.Duration) *PluginCache {
	if size <= 0 {
		size = 128
	}
	return &PluginCache{
		repo: repo,
		lru:  expirable.NewLRU[string, *LoadedPlugin](size, nil, ttl),
	}
}

// Get returns the plugin with the given slug, loading it on a miss.
func (c *PluginCache) Get(ctx context.Context, slug string) (*LoadedPlugin, error) {
	if lp, ok := c.lru.Get(slug); ok {
		return lp, nil
	}
	p, err := c.repo.FindBySlug(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("load plugin %q: %w", slug, err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, slug)
	}
	lp := &LoadedPlugin{Plugin: p, Graph: NewGraph(&p.Workflow)}
	c.lru.Add(slug, lp)
	return lp, nil
}

// Invalidate drops slug from the cache.
func (c *PluginCache) Invalidate(slug string) {
	c.lru.Remove(slug)
}
