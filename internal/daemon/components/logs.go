package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hatchbox/boxd/internal/config"
	"github.com/hatchbox/boxd/internal/daemon"
	"github.com/hatchbox/boxd/internal/logbuf"
)

// LogBufferComponent owns the in-memory log ring and its durable
// mirror file. Everything that emits or streams process output depends
// on it.
type LogBufferComponent struct {
	cfg         *config.LogsConfig
	buffer      *logbuf.Buffer
	initialized bool
	mu          sync.RWMutex
}

func NewLogBufferComponent(cfg *config.LogsConfig) *LogBufferComponent {
	return &LogBufferComponent{cfg: cfg}
}

func (l *LogBufferComponent) Name() string {
	return "LogBuffer"
}

func (l *LogBufferComponent) Dependencies() []string {
	return nil
}

func (l *LogBufferComponent) Init(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	capacity := l.cfg.Capacity
	if capacity <= 0 {
		capacity = config.DefaultLogsCapacity
	}
	subscriberBuffer := l.cfg.SubscriberBuffer
	if subscriberBuffer <= 0 {
		subscriberBuffer = config.DefaultLogsSubscriberBuffer
	}

	l.buffer = logbuf.New(capacity, subscriberBuffer, l.cfg.FilePath)
	if err := l.buffer.Open(); err != nil {
		// The ring still works without the mirror file.
		slog.Warn("Log file unavailable, continuing with in-memory buffer only", "path", l.cfg.FilePath, "error", err)
	}

	l.initialized = true
	slog.Info("LogBuffer initialized", "component", l.Name(), "capacity", capacity)
	return nil
}

func (l *LogBufferComponent) Start(ctx context.Context) error {
	return nil
}

func (l *LogBufferComponent) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.buffer == nil {
		return nil
	}
	return l.buffer.Close()
}

func (l *LogBufferComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.initialized {
		return &daemon.ComponentHealth{Name: l.Name(), Healthy: false, Error: fmt.Errorf("not initialized")}, nil
	}
	return &daemon.ComponentHealth{Name: l.Name(), Healthy: true}, nil
}

func (l *LogBufferComponent) Buffer() *logbuf.Buffer {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.buffer
}
