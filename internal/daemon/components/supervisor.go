package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hatchbox/boxd/internal/config"
	"github.com/hatchbox/boxd/internal/daemon"
	"github.com/hatchbox/boxd/internal/supervisor"
)

// SupervisorComponent owns the tracked dev-server process. Stopping it
// on shutdown kills the whole process group so no orphans outlive the
// agent.
type SupervisorComponent struct {
	cfg         *config.Config
	logs        *LogBufferComponent
	supervisor  *supervisor.Supervisor
	initialized bool
	mu          sync.RWMutex
}

func NewSupervisorComponent(cfg *config.Config, logs *LogBufferComponent) *SupervisorComponent {
	return &SupervisorComponent{cfg: cfg, logs: logs}
}

func (s *SupervisorComponent) Name() string {
	return "Supervisor"
}

func (s *SupervisorComponent) Dependencies() []string {
	return []string{"LogBuffer"}
}

func (s *SupervisorComponent) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	grace, err := config.DurationOrDefault(s.cfg.Daemon.SupervisorGracePeriod, config.DefaultDaemonSupervisorGracePeriod)
	if err != nil {
		return fmt.Errorf("parse supervisor grace period: %w", err)
	}

	s.supervisor = supervisor.New(s.logs.Buffer(), s.cfg.Project.Root, grace)
	s.initialized = true
	slog.Info("Supervisor initialized", "component", s.Name(), "grace_period", grace)
	return nil
}

func (s *SupervisorComponent) Start(ctx context.Context) error {
	return nil
}

func (s *SupervisorComponent) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.supervisor == nil {
		return nil
	}
	s.supervisor.Stop()
	return nil
}

func (s *SupervisorComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return &daemon.ComponentHealth{Name: s.Name(), Healthy: false, Error: fmt.Errorf("not initialized")}, nil
	}
	return &daemon.ComponentHealth{Name: s.Name(), Healthy: true}, nil
}

func (s *SupervisorComponent) Supervisor() *supervisor.Supervisor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.supervisor
}
