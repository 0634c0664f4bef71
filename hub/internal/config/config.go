// Package config handles hub configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level hub configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Execution ExecutionConfig `json:"execution,omitempty" yaml:"execution"`
	Broadcast BroadcastConfig `json:"broadcast,omitempty" yaml:"broadcast"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty" yaml:"rate_limit"`
	Tracing   TracingConfig   `json:"tracing,omitempty" yaml:"tracing"`
	Quality   QualityConfig   `json:"quality,omitempty" yaml:"quality"`
}

// ServerConfig defines the hub's listener settings.
type ServerConfig struct {
	Addr            string   `json:"addr" yaml:"addr"` // e.g. ":8080"
	TLSCert         string   `json:"tls_cert,omitempty" yaml:"tls_cert"`
	TLSKey          string   `json:"tls_key,omitempty" yaml:"tls_key"`
	AllowedOrigins  []string `json:"allowed_origins,omitempty" yaml:"allowed_origins"`       // default ["*"]
	MaxBodyBytes    int64    `json:"max_body_bytes,omitempty" yaml:"max_body_bytes"`         // default 1MB
	MaxMessageBytes int64    `json:"max_message_bytes,omitempty" yaml:"max_message_bytes"`   // WebSocket frame limit; default 64KB
	MaxConnsPerUser int      `json:"max_conns_per_user,omitempty" yaml:"max_conns_per_user"` // default 10
	PingInterval    Duration `json:"ping_interval,omitempty" yaml:"ping_interval"`           // WebSocket keepalive; default 30s
}

// AuthConfig defines how clients are identified.
type AuthConfig struct {
	Provider           string              `json:"provider,omitempty" yaml:"provider"` // "jwt" (default) or "jwks"
	JWTSecret          string              `json:"jwt_secret,omitempty" yaml:"jwt_secret"`
	JWKSURL            string              `json:"jwks_url,omitempty" yaml:"jwks_url"`
	Issuer             string              `json:"issuer,omitempty" yaml:"issuer"`
	Audience           string              `json:"audience,omitempty" yaml:"audience"`
	PermissionsClaim   string              `json:"permissions_claim,omitempty" yaml:"permissions_claim"` // default "permissions"
	DefaultPermissions []string            `json:"default_permissions,omitempty" yaml:"default_permissions"`
	ServiceTokens      []ServiceTokenEntry `json:"service_tokens,omitempty" yaml:"service_tokens"`
}

// ServiceTokenEntry authorizes a backend service to publish to broadcast groups.
type ServiceTokenEntry struct {
	Name      string   `json:"name" yaml:"name"`
	TokenHash string   `json:"token_hash" yaml:"token_hash"`   // bcrypt hash
	Groups    []string `json:"groups,omitempty" yaml:"groups"` // empty means every configured group
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver         string   `json:"driver" yaml:"driver"`                             // "sqlite" (default) or "postgres"
	DSN            string   `json:"dsn" yaml:"dsn"`                                   // e.g. "conduit.db" or ":memory:"
	Retention      Duration `json:"retention,omitempty" yaml:"retention"`             // run journal retention
	AuditRetention Duration `json:"audit_retention,omitempty" yaml:"audit_retention"` // defaults to Retention
}

// ExecutionConfig bounds agent runs and tool execution.
type ExecutionConfig struct {
	Workers        int      `json:"workers,omitempty" yaml:"workers"`                     // shared tool worker pool; default 8
	ToolTimeout    Duration `json:"tool_timeout,omitempty" yaml:"tool_timeout"`           // default 30s
	RunTimeout     Duration `json:"run_timeout,omitempty" yaml:"run_timeout"`             // default 10m
	MaxRunsPerUser int      `json:"max_runs_per_user,omitempty" yaml:"max_runs_per_user"` // live runs; default 10
}

// BroadcastConfig lists the subscriber groups the hub accepts.
type BroadcastConfig struct {
	Groups []string `json:"groups,omitempty" yaml:"groups"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level"`
	Format string `json:"format,omitempty" yaml:"format"` // "json" or "text"
}

// RateLimitConfig defines rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty" yaml:"requests_per_second"` // HTTP, per IP; default 10
	Burst             int     `json:"burst,omitempty" yaml:"burst"`                             // default 20
	MessagesPerSecond float64 `json:"messages_per_second,omitempty" yaml:"messages_per_second"` // WebSocket, per connection; default 20
	MessageBurst      int     `json:"message_burst,omitempty" yaml:"message_burst"`             // default 40
}

// TracingConfig configures OpenTelemetry export. Empty endpoint disables export.
type TracingConfig struct {
	Endpoint     string  `json:"endpoint,omitempty" yaml:"endpoint"`
	ServiceName  string  `json:"service_name,omitempty" yaml:"service_name"`
	Environment  string  `json:"environment,omitempty" yaml:"environment"`
	SamplingRate float64 `json:"sampling_rate,omitempty" yaml:"sampling_rate"`
	Insecure     bool    `json:"insecure,omitempty" yaml:"insecure"`
}

// QualityConfig drives content validation.
type QualityConfig struct {
	ContentSchema string   `json:"content_schema,omitempty" yaml:"content_schema"` // inline JSON schema
	SchemaFile    string   `json:"schema_file,omitempty" yaml:"schema_file"`
	MinLength     int      `json:"min_length,omitempty" yaml:"min_length"`
	MaxLength     int      `json:"max_length,omitempty" yaml:"max_length"`       // default 20000
	ReportWindow  Duration `json:"report_window,omitempty" yaml:"report_window"` // default 24h
}

// Duration is a JSON/YAML-friendly time.Duration. Strings use Go syntax
// ("90s"); numbers are seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val * float64(time.Second))
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	if dur, err := time.ParseDuration(raw); err == nil {
		d.Duration = dur
		return nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		d.Duration = time.Duration(f * float64(time.Second))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", node.Value)
}

// Load reads a .env file if present, then the config file (JSON, or YAML for
// .yaml/.yml), applies CONDUIT_* environment overrides and validates.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// applyEnv lets secrets and deployment knobs come from the environment.
func (c *Config) applyEnv() {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Server.Addr, "CONDUIT_ADDR")
	set(&c.Auth.JWTSecret, "CONDUIT_JWT_SECRET")
	set(&c.Auth.JWKSURL, "CONDUIT_JWKS_URL")
	set(&c.Storage.Driver, "CONDUIT_STORAGE_DRIVER")
	set(&c.Storage.DSN, "CONDUIT_STORAGE_DSN")
	set(&c.Logging.Level, "CONDUIT_LOG_LEVEL")
	set(&c.Tracing.Endpoint, "CONDUIT_OTLP_ENDPOINT")
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	switch c.Auth.Provider {
	case "", "jwt":
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required")
		}
		if len(c.Auth.JWTSecret) < 32 {
			return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
		}
		if knownWeakSecrets[c.Auth.JWTSecret] {
			return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
		}
	case "jwks":
		if c.Auth.JWKSURL == "" {
			return fmt.Errorf("auth.jwks_url is required when provider is jwks")
		}
	default:
		return fmt.Errorf("unsupported auth provider: %q", c.Auth.Provider)
	}
	for i, st := range c.Auth.ServiceTokens {
		if st.Name == "" || st.TokenHash == "" {
			return fmt.Errorf("auth.service_tokens[%d]: name and token_hash are required", i)
		}
	}
	switch c.Storage.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported storage driver: %q", c.Storage.Driver)
	}
	if c.Execution.Workers < 0 {
		return fmt.Errorf("execution.workers must not be negative")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate must be between 0 and 1")
	}
	if c.Quality.MaxLength > 0 && c.Quality.MinLength > c.Quality.MaxLength {
		return fmt.Errorf("quality.min_length exceeds quality.max_length")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.Provider == "" {
		c.Auth.Provider = "jwt"
	}
	if c.Auth.PermissionsClaim == "" {
		c.Auth.PermissionsClaim = "permissions"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "conduit.db"
	}
	if c.Storage.Retention.Duration == 0 {
		c.Storage.Retention.Duration = 30 * 24 * time.Hour // 30 days
	}
	if c.Storage.AuditRetention.Duration == 0 {
		c.Storage.AuditRetention.Duration = c.Storage.Retention.Duration
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Server.MaxMessageBytes == 0 {
		c.Server.MaxMessageBytes = 64 * 1024 // 64KB
	}
	if c.Server.MaxConnsPerUser == 0 {
		c.Server.MaxConnsPerUser = 10
	}
	if c.Server.PingInterval.Duration == 0 {
		c.Server.PingInterval.Duration = 30 * time.Second
	}
	if c.Execution.Workers == 0 {
		c.Execution.Workers = 8
	}
	if c.Execution.ToolTimeout.Duration == 0 {
		c.Execution.ToolTimeout.Duration = 30 * time.Second
	}
	if c.Execution.RunTimeout.Duration == 0 {
		c.Execution.RunTimeout.Duration = 10 * time.Minute
	}
	if c.Execution.MaxRunsPerUser == 0 {
		c.Execution.MaxRunsPerUser = 10
	}
	if len(c.Broadcast.Groups) == 0 {
		c.Broadcast.Groups = []string{"quality_alerts", "quality_updates"}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.RateLimit.MessagesPerSecond == 0 {
		c.RateLimit.MessagesPerSecond = 20
	}
	if c.RateLimit.MessageBurst == 0 {
		c.RateLimit.MessageBurst = 40
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "conduit-hub"
	}
	if c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = 1
	}
	if c.Quality.MaxLength == 0 {
		c.Quality.MaxLength = 20000
	}
	if c.Quality.ReportWindow.Duration == 0 {
		c.Quality.ReportWindow.Duration = 24 * time.Hour
	}
}
