package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration, loaded from environment variables.
type Config struct {
	// Mode selects the runtime mode: "api" or "watcher".
	Mode string `env:"CODESPACE_MODE" envDefault:"api"`

	// Server
	Host string `env:"CODESPACE_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"CODESPACE_PORT" envDefault:"8080"`

	// Redis-backed student record store.
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// On-disk per-student trees.
	StudentsRoot string `env:"STUDENTS_ROOT" envDefault:"/var/lib/codespace/students"`
	ArchiveRoot  string `env:"ARCHIVE_ROOT" envDefault:"/var/lib/codespace/archive"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Telemetry
	MetricsPath string `env:"METRICS_PATH" envDefault:"/metrics"`

	// CORS
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// Admin authentication (ADM-API-KEY).
	AdminAPIKey string `env:"ADMIN_API_KEY" envDefault:"admin-dev-key"`

	// Auth token codec secret. Must be exactly 32 bytes; if shorter/longer,
	// the codec derives a 32-byte key by hashing it.
	AuthTokenSecret string `env:"AUTH_TOKEN_SECRET" envDefault:"codespace-dev-secret-change-me!!"`

	// Orchestrator backend: "kubernetes" or "mock".
	OrchestratorBackend string `env:"ORCHESTRATOR_BACKEND" envDefault:"mock"`
	Namespace           string `env:"CODESPACE_NAMESPACE" envDefault:"codespaces"`
	Kubeconfig          string `env:"KUBECONFIG"`

	// Codespace workload template.
	CodespaceImage        string   `env:"CODESPACE_IMAGE" envDefault:"yatcc/codespace:latest"`
	CodespaceCPULimit     string   `env:"CODESPACE_CPU_LIMIT" envDefault:"2"`
	CodespaceMemoryLimit  string   `env:"CODESPACE_MEMORY_LIMIT" envDefault:"4Gi"`
	CodespaceStorageLimit string   `env:"CODESPACE_STORAGE_LIMIT" envDefault:"10Gi"`
	CORSAllowedMethods    []string `env:"CORS_ALLOWED_METHODS" envDefault:"GET,POST,PUT,PATCH,DELETE,OPTIONS" envSeparator:","`

	// Watcher loop.
	WatchInterval time.Duration `env:"WATCH_INTERVAL" envDefault:"30s"`

	// Adapter call timeout.
	ClusterCallTimeout time.Duration `env:"CLUSTER_CALL_TIMEOUT" envDefault:"30s"`

	// Slack (optional — if not set, eviction notifications are disabled).
	SlackBotToken     string `env:"SLACK_BOT_TOKEN"`
	SlackAlertChannel string `env:"SLACK_ALERT_CHANNEL"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
