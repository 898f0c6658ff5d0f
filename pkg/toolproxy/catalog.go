package toolproxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/feihe/courier/internal/metrics"
	"github.com/rs/zerolog"
)

// ToolLister is the part of Client the catalog needs
type ToolLister interface {
	ListTools(ctx context.Context) ([]Tool, error)
}

// Catalog caches the proxy's tool list. Listing tools costs a round
// trip through the subprocess on every agent run otherwise; the catalog
// serves a cached copy until the TTL lapses or a caller explicitly
// invalidates it.
type Catalog struct {
	source  ToolLister
	ttl     time.Duration
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	tools     []Tool
	fetchedAt time.Time

	now func() time.Time
}

// CatalogConfig configures a Catalog
type CatalogConfig struct {
	Source  ToolLister
	TTL     time.Duration
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// NewCatalog creates a tool catalog. A zero TTL disables caching: every
// call goes to the source.
func NewCatalog(cfg CatalogConfig) (*Catalog, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("toolproxy: catalog source is required")
	}
	if cfg.TTL < 0 {
		return nil, fmt.Errorf("toolproxy: catalog TTL cannot be negative")
	}

	return &Catalog{
		source:  cfg.Source,
		ttl:     cfg.TTL,
		logger:  cfg.Logger.With().Str("component", "tool-catalog").Logger(),
		metrics: cfg.Metrics,
		now:     time.Now,
	}, nil
}

// Tools returns the tool list, from cache when fresh
func (c *Catalog) Tools(ctx context.Context) ([]Tool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tools != nil && c.ttl > 0 && c.now().Sub(c.fetchedAt) < c.ttl {
		if c.metrics != nil {
			c.metrics.ToolCacheHitsTotal.Inc()
		}
		return c.tools, nil
	}

	if c.metrics != nil {
		c.metrics.ToolCacheMissesTotal.Inc()
	}

	tools, err := c.source.ListTools(ctx)
	if err != nil {
		// Serve stale tools over failing the run outright
		if c.tools != nil {
			c.logger.Warn().Err(err).Msg("Tool list refresh failed, serving stale catalog")
			return c.tools, nil
		}
		return nil, err
	}

	c.tools = tools
	c.fetchedAt = c.now()
	c.logger.Debug().Int("count", len(tools)).Msg("Tool catalog refreshed")

	return tools, nil
}

// Get returns a tool by name, or nil if unknown
func (c *Catalog) Get(ctx context.Context, name string) (*Tool, error) {
	tools, err := c.Tools(ctx)
	if err != nil {
		return nil, err
	}
	for i := range tools {
		if tools[i].Name == name {
			return &tools[i], nil
		}
	}
	return nil, nil
}

// Invalidate drops the cached tool list. The next Tools call refetches.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tools = nil
	c.fetchedAt = time.Time{}
	c.logger.Debug().Msg("Tool catalog invalidated")
}
