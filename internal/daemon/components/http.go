package components

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hatchbox/boxd/internal/config"
	"github.com/hatchbox/boxd/internal/daemon"
	"github.com/hatchbox/boxd/internal/fileops"
	"github.com/hatchbox/boxd/internal/httpapi"
	"github.com/hatchbox/boxd/internal/supervisor"
)

// HTTPServerComponent binds the control routes and the dev-server proxy
// to the agent port. It starts last so every service it exposes is
// already alive.
type HTTPServerComponent struct {
	daemon      *daemon.Daemon
	cfg         *config.Config
	logs        *LogBufferComponent
	sup         *SupervisorComponent
	cache       *CacheWarmerComponent
	server      *http.Server
	shutdownTTL time.Duration
	initialized bool
	started     bool
	mu          sync.RWMutex
}

func NewHTTPServerComponent(d *daemon.Daemon, cfg *config.Config, logs *LogBufferComponent, sup *SupervisorComponent, cache *CacheWarmerComponent) *HTTPServerComponent {
	return &HTTPServerComponent{
		daemon: d,
		cfg:    cfg,
		logs:   logs,
		sup:    sup,
		cache:  cache,
	}
}

func (h *HTTPServerComponent) Name() string {
	return "HTTPServer"
}

func (h *HTTPServerComponent) Dependencies() []string {
	return []string{"LogBuffer", "Supervisor", "CacheWarmer"}
}

func (h *HTTPServerComponent) Init(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	readTimeout, err := config.DurationOrDefault(h.cfg.Server.ReadTimeout, config.DefaultServerReadTimeout)
	if err != nil {
		return fmt.Errorf("parse server read timeout: %w", err)
	}
	idleTimeout, err := config.DurationOrDefault(h.cfg.Server.IdleTimeout, config.DefaultServerIdleTimeout)
	if err != nil {
		return fmt.Errorf("parse server idle timeout: %w", err)
	}
	shutdownTimeout, err := config.DurationOrDefault(h.cfg.Server.ShutdownTimeout, config.DefaultServerShutdownTimeout)
	if err != nil {
		return fmt.Errorf("parse server shutdown timeout: %w", err)
	}
	heartbeat, err := config.DurationOrDefault(h.cfg.Logs.HeartbeatInterval, config.DefaultLogsHeartbeatInterval)
	if err != nil {
		return fmt.Errorf("parse logs heartbeat interval: %w", err)
	}
	defaultTimeout, err := config.DurationOrDefault(h.cfg.Exec.DefaultTimeout, config.DefaultExecDefaultTimeout)
	if err != nil {
		return fmt.Errorf("parse exec default timeout: %w", err)
	}
	maxTimeout, err := config.DurationOrDefault(h.cfg.Exec.MaxTimeout, config.DefaultExecMaxTimeout)
	if err != nil {
		return fmt.Errorf("parse exec max timeout: %w", err)
	}

	maxOutput := h.cfg.Exec.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = config.DefaultExecMaxOutputBytes
	}

	handler := httpapi.NewServer(httpapi.Options{
		ProjectRoot:       h.cfg.Project.Root,
		DevServerPort:     h.cfg.Project.DevServerPort,
		HeartbeatInterval: heartbeat,
		Logs:              h.logs.Buffer(),
		Supervisor:        h.sup.Supervisor(),
		Executor:          supervisor.NewExecutor(defaultTimeout, maxTimeout, maxOutput),
		Files:             fileops.New(h.cfg.Project.Root),
		Cache:             h.cache.Service(),
		Health:            h.componentHealth,
	})

	// WriteTimeout stays zero: the log stream holds its response open
	// indefinitely.
	h.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", h.cfg.Server.Port),
		Handler:     handler,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
	}
	h.shutdownTTL = shutdownTimeout

	h.initialized = true
	slog.Info("HTTPServer initialized", "component", h.Name(), "port", h.cfg.Server.Port)
	return nil
}

func (h *HTTPServerComponent) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.initialized {
		return fmt.Errorf("HTTPServer not initialized")
	}

	go func() {
		slog.Info("HTTP server listening", "component", h.Name(), "addr", h.server.Addr)
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "component", h.Name(), "error", err)
		}
	}()

	h.started = true
	return nil
}

func (h *HTTPServerComponent) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, h.shutdownTTL)
	defer cancel()

	if err := h.server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTPServer shutdown error", "component", h.Name(), "error", err)
		return err
	}

	h.started = false
	return nil
}

func (h *HTTPServerComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.initialized {
		return &daemon.ComponentHealth{Name: h.Name(), Healthy: false, Error: fmt.Errorf("not initialized")}, nil
	}
	if !h.started {
		return &daemon.ComponentHealth{Name: h.Name(), Healthy: false, Error: fmt.Errorf("not started")}, nil
	}
	return &daemon.ComponentHealth{Name: h.Name(), Healthy: true}, nil
}

func (h *HTTPServerComponent) componentHealth() map[string]httpapi.ComponentHealth {
	result := make(map[string]httpapi.ComponentHealth)
	for name, ch := range h.daemon.ComponentHealth() {
		entry := httpapi.ComponentHealth{Healthy: ch.Healthy}
		if ch.Error != nil {
			entry.Error = ch.Error.Error()
		}
		result[name] = entry
	}
	return result
}
