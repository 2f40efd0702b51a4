package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/hatchbox/boxd/internal/pathutil"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Project ProjectConfig `koanf:"project"`
	Logs    LogsConfig    `koanf:"logs"`
	Exec    ExecConfig    `koanf:"exec"`
	Cache   CacheConfig   `koanf:"cache"`
	Daemon  DaemonConfig  `koanf:"daemon"`
}

type ServerConfig struct {
	Port            int    `koanf:"port"`
	LogLevel        string `koanf:"log_level"`
	ReadTimeout     string `koanf:"read_timeout"`
	IdleTimeout     string `koanf:"idle_timeout"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
}

type ProjectConfig struct {
	Root          string `koanf:"root"`
	DevServerPort int    `koanf:"dev_server_port"`
}

type LogsConfig struct {
	FilePath          string `koanf:"file_path"`
	Capacity          int    `koanf:"capacity"`
	HeartbeatInterval string `koanf:"heartbeat_interval"`
	SubscriberBuffer  int    `koanf:"subscriber_buffer"`
}

type ExecConfig struct {
	DefaultTimeout string `koanf:"default_timeout"`
	MaxTimeout     string `koanf:"max_timeout"`
	MaxOutputBytes int64  `koanf:"max_output_bytes"`
}

type CacheConfig struct {
	StoreDir         string `koanf:"store_dir"`
	SourceAddr       string `koanf:"source_addr"`
	FetchTimeout     string `koanf:"fetch_timeout"`
	MinSnapshotBytes int64  `koanf:"min_snapshot_bytes"`
}

type DaemonConfig struct {
	ShutdownTimeout        string `koanf:"shutdown_timeout"`
	StartupShutdownTimeout string `koanf:"startup_shutdown_timeout"`
	HealthCheckInterval    string `koanf:"health_check_interval"`
	SupervisorGracePeriod  string `koanf:"supervisor_grace_period"`
}

const (
	DefaultServerPort                   = 8910
	DefaultServerLogLevel               = "info"
	DefaultServerReadTimeout            = "30s"
	DefaultServerIdleTimeout            = "120s"
	DefaultServerShutdownTimeout        = "5s"
	DefaultProjectRoot                  = "/workspace/project"
	DefaultProjectDevServerPort         = 3000
	DefaultLogsFilePath                 = "/var/log/boxd/process.log"
	DefaultLogsCapacity                 = 1000
	DefaultLogsHeartbeatInterval        = "15s"
	DefaultLogsSubscriberBuffer         = 64
	DefaultExecDefaultTimeout           = "30s"
	DefaultExecMaxTimeout               = "5m"
	DefaultExecMaxOutputBytes           = 2 * 1024 * 1024
	DefaultCacheStoreDir                = "/workspace/.pnpm-store"
	DefaultCacheFetchTimeout            = "2m"
	DefaultCacheMinSnapshotBytes        = 1024
	DefaultDaemonShutdownTimeout        = "30s"
	DefaultDaemonStartupShutdownTimeout = "10s"
	DefaultDaemonHealthCheckInterval    = "30s"
	DefaultDaemonSupervisorGracePeriod  = "5s"
)

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	// Hardcoded Defaults
	defaults := map[string]interface{}{
		"server.port":                     DefaultServerPort,
		"server.log_level":                DefaultServerLogLevel,
		"server.read_timeout":             DefaultServerReadTimeout,
		"server.idle_timeout":             DefaultServerIdleTimeout,
		"server.shutdown_timeout":         DefaultServerShutdownTimeout,
		"project.root":                    DefaultProjectRoot,
		"project.dev_server_port":         DefaultProjectDevServerPort,
		"logs.file_path":                  DefaultLogsFilePath,
		"logs.capacity":                   DefaultLogsCapacity,
		"logs.heartbeat_interval":         DefaultLogsHeartbeatInterval,
		"logs.subscriber_buffer":          DefaultLogsSubscriberBuffer,
		"exec.default_timeout":            DefaultExecDefaultTimeout,
		"exec.max_timeout":                DefaultExecMaxTimeout,
		"exec.max_output_bytes":           DefaultExecMaxOutputBytes,
		"cache.store_dir":                 DefaultCacheStoreDir,
		"cache.source_addr":               "",
		"cache.fetch_timeout":             DefaultCacheFetchTimeout,
		"cache.min_snapshot_bytes":        DefaultCacheMinSnapshotBytes,
		"daemon.shutdown_timeout":         DefaultDaemonShutdownTimeout,
		"daemon.startup_shutdown_timeout": DefaultDaemonStartupShutdownTimeout,
		"daemon.health_check_interval":    DefaultDaemonHealthCheckInterval,
		"daemon.supervisor_grace_period":  DefaultDaemonSupervisorGracePeriod,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	// Config file loading
	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		defaultPath := filepath.Join("/etc", "boxd", "config.yaml")
		if err := k.Load(file.Provider(defaultPath), yaml.Parser()); err != nil {
			slog.Debug("Default config not found or invalid", "path", defaultPath, "error", err)
		}
	}

	// Environment Variables. Every config key is section.key, so only
	// the first underscore separates the section: BOXD_SERVER_LOG_LEVEL
	// maps to server.log_level.
	k.Load(env.Provider("BOXD_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "BOXD_")), "_", ".", 1)
	}), nil)

	// CLI Flags
	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if err := normalizePathFields(&cfg); err != nil {
		return nil, err
	}

	// Post-Process: the orchestrator injects the cache master address via env
	// on machines that should warm their store at boot.
	if addr := os.Getenv("CACHE_SOURCE_ADDR"); addr != "" && cfg.Cache.SourceAddr == "" {
		cfg.Cache.SourceAddr = addr
	}

	return &cfg, nil
}

func normalizePathFields(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	root, err := expandConfiguredPath(cfg.Project.Root)
	if err != nil {
		return err
	}
	if root != "" {
		cfg.Project.Root = root
	}

	logPath, err := expandConfiguredPath(cfg.Logs.FilePath)
	if err != nil {
		return err
	}
	if logPath != "" {
		cfg.Logs.FilePath = logPath
	}

	storeDir, err := expandConfiguredPath(cfg.Cache.StoreDir)
	if err != nil {
		return err
	}
	if storeDir != "" {
		cfg.Cache.StoreDir = storeDir
	}

	return nil
}

func expandConfiguredPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	expanded, err := pathutil.Expand(trimmed)
	if err != nil {
		return "", err
	}
	return expanded, nil
}
