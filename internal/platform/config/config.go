package config

import (
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Log      LogConfig      `koanf:"log"`
	Auth     AuthConfig     `koanf:"auth"`
	RBAC     RBACConfig     `koanf:"rbac"`
	Workflow WorkflowConfig `koanf:"workflow"`
	Notify   NotifyConfig   `koanf:"notify"`
	Audit    AuditConfig    `koanf:"audit"`
	Metrics  MetricsConfig  `koanf:"metrics"`
}

type ServerConfig struct {
	Host               string   `koanf:"host"`
	Port               int      `koanf:"port"`
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`
}

type DatabaseConfig struct {
	URL             string `koanf:"url"`
	MigrationsPath  string `koanf:"migrations_path"`
	MaxConns        int    `koanf:"max_conns"`
	ConnectAttempts int    `koanf:"connect_attempts"` // startup ping retries
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type AuthConfig struct {
	DevMode bool      `koanf:"devmode"`
	JWT     JWTConfig `koanf:"jwt"`
}

type JWTConfig struct {
	SigningKey  string `koanf:"signingkey"`
	Issuer      string `koanf:"issuer"`
	ExpiryHours int    `koanf:"expiryhours"`
}

type RBACConfig struct {
	// SuperadminPermission lets its holders modify system roles.
	SuperadminPermission string `koanf:"superadmin_permission"`
	// BootstrapAdmins are Admin user IDs given the system administrator role at seed time.
	BootstrapAdmins []string `koanf:"bootstrap_admins"`
}

type WorkflowConfig struct {
	// OverridePermission gates cancel and reassignment by non-assignees.
	OverridePermission string `koanf:"override_permission"`
	MaxStages          int    `koanf:"max_stages"`
	MaxQuorum          int    `koanf:"max_quorum"`
}

type NotifyConfig struct {
	Enabled   bool          `koanf:"enabled"`
	Driver    string        `koanf:"driver"` // "log", "nats" or "redis"
	QueueSize int           `koanf:"queue_size"`
	NATS      NATSConfig    `koanf:"nats"`
	Redis     RedisConfig   `koanf:"redis"`
	Breaker   BreakerConfig `koanf:"breaker"`
}

type NATSConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Stream   string `koanf:"stream"`
	MaxLen   int64  `koanf:"max_len"`
}

type BreakerConfig struct {
	MaxFailures     int `koanf:"max_failures"`
	OpenTimeoutSecs int `koanf:"open_timeout_secs"`
}

type AuditConfig struct {
	BufferSize    int `koanf:"buffer_size"`
	BatchSize     int `koanf:"batch_size"`
	FlushInterval int `koanf:"flush_interval"` // milliseconds
}

type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

func Load(configPaths ...string) (*Config, error) {
	k := koanf.New(".")

	// Defaults
	_ = k.Load(confmap.Provider(map[string]any{
		"server.port":                      8080,
		"server.host":                      "0.0.0.0",
		"server.cors_allowed_origins":      []string{},
		"database.url":                     "",
		"database.max_conns":               25,
		"database.connect_attempts":        5,
		"database.migrations_path":         "migrations",
		"log.level":                        "info",
		"log.format":                       "json",
		"auth.devmode":                     false,
		"auth.jwt.signingkey":              "",
		"auth.jwt.issuer":                  "docflow",
		"auth.jwt.expiryhours":             24,
		"rbac.superadmin_permission":       "system.superadmin",
		"rbac.bootstrap_admins":            []string{},
		"workflow.override_permission":     "workflows.override",
		"workflow.max_stages":              20,
		"workflow.max_quorum":              10,
		"notify.enabled":                   true,
		"notify.driver":                    "log",
		"notify.queue_size":                1024,
		"notify.nats.url":                  "nats://127.0.0.1:4222",
		"notify.nats.subject_prefix":       "notifications.docflow",
		"notify.redis.addr":                "127.0.0.1:6379",
		"notify.redis.password":            "",
		"notify.redis.db":                  0,
		"notify.redis.stream":              "docflow:notifications",
		"notify.redis.max_len":             10000,
		"notify.breaker.max_failures":      5,
		"notify.breaker.open_timeout_secs": 30,
		"audit.buffer_size":                4096,
		"audit.batch_size":                 100,
		"audit.flush_interval":             500,
		"metrics.enabled":                  true,
		"metrics.path":                     "/metrics",
	}, "."), nil)

	// YAML file (optional)
	for _, path := range configPaths {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// Config file is optional, skip if not found
			continue
		}
	}

	// Environment variables override everything
	// DOCFLOW_SERVER_PORT -> server.port
	// DOCFLOW_WORKFLOW_MAX_STAGES -> workflow.max_stages
	_ = k.Load(env.Provider("DOCFLOW_", ".", func(s string) string {
		parts := strings.Split(strings.ToLower(strings.TrimPrefix(s, "DOCFLOW_")), "_")
		return envKey(k, "", parts)
	}), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// envKey maps underscore separated env parts onto a known key so that
// multi-word keys keep their underscores. Unknown names fall back to one
// level per part.
func envKey(k *koanf.Koanf, prefix string, parts []string) string {
	for i := len(parts); i > 0; i-- {
		key := strings.Join(parts[:i], "_")
		if prefix != "" {
			key = prefix + "." + key
		}
		if !k.Exists(key) {
			continue
		}
		if i == len(parts) {
			return key
		}
		return envKey(k, key, parts[i:])
	}
	key := strings.Join(parts, ".")
	if prefix != "" {
		key = prefix + "." + key
	}
	return key
}
