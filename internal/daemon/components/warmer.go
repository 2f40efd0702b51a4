package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hatchbox/boxd/internal/concurrency"
	"github.com/hatchbox/boxd/internal/config"
	"github.com/hatchbox/boxd/internal/daemon"
	"github.com/hatchbox/boxd/internal/pnpmcache"
)

// CacheWarmerComponent pre-populates the pnpm store from a sibling
// machine at boot. The fetch runs in the background and a failure never
// blocks startup; a cold store just means the first install is slower.
type CacheWarmerComponent struct {
	cfg         *config.CacheConfig
	service     *pnpmcache.Service
	warmer      *pnpmcache.Warmer
	initialized bool
	lastWarmErr error
	mu          sync.RWMutex
}

func NewCacheWarmerComponent(cfg *config.CacheConfig) *CacheWarmerComponent {
	return &CacheWarmerComponent{cfg: cfg}
}

func (c *CacheWarmerComponent) Name() string {
	return "CacheWarmer"
}

func (c *CacheWarmerComponent) Dependencies() []string {
	return nil
}

func (c *CacheWarmerComponent) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	fetchTimeout, err := config.DurationOrDefault(c.cfg.FetchTimeout, config.DefaultCacheFetchTimeout)
	if err != nil {
		return fmt.Errorf("parse cache fetch timeout: %w", err)
	}

	minBytes := c.cfg.MinSnapshotBytes
	if minBytes <= 0 {
		minBytes = config.DefaultCacheMinSnapshotBytes
	}

	c.service = pnpmcache.New(c.cfg.StoreDir)
	c.warmer = pnpmcache.NewWarmer(c.service, c.cfg.SourceAddr, fetchTimeout, minBytes)
	c.initialized = true
	slog.Info("CacheWarmer initialized", "component", c.Name(), "store_dir", c.cfg.StoreDir, "source", c.cfg.SourceAddr)
	return nil
}

func (c *CacheWarmerComponent) Start(ctx context.Context) error {
	c.mu.RLock()
	warmer := c.warmer
	c.mu.RUnlock()

	if warmer == nil || !warmer.Configured() {
		slog.Info("No cache source configured, starting with cold store", "component", c.Name())
		return nil
	}

	concurrency.SafeGo(func() {
		if err := warmer.Warm(context.Background()); err != nil {
			slog.Warn("Cache warm-up failed, continuing with cold store", "component", c.Name(), "error", err)
			c.mu.Lock()
			c.lastWarmErr = err
			c.mu.Unlock()
		}
	}, nil)
	return nil
}

func (c *CacheWarmerComponent) Stop(ctx context.Context) error {
	return nil
}

func (c *CacheWarmerComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.initialized {
		return &daemon.ComponentHealth{Name: c.Name(), Healthy: false, Error: fmt.Errorf("not initialized")}, nil
	}
	// A failed warm-up is informational, not a fault.
	return &daemon.ComponentHealth{Name: c.Name(), Healthy: true, Error: c.lastWarmErr}, nil
}

func (c *CacheWarmerComponent) Service() *pnpmcache.Service {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.service
}
