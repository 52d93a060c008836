package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// Request log backends
const (
	BackendSQLite   = "sqlite"
	BackendDynamoDB = "dynamodb"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "PEERMATCH_"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	HTTP       *HTTPConfig
	WebSocket  *WebSocketConfig
	Database   *DatabaseConfig
	Matching   *MatchingConfig
	Auth       *AuthConfig
	Workspace  *WorkspaceConfig
	RequestLog *RequestLogConfig
	Log        *LogConfig
}

type HTTPConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// Addr is the listen address
func (h *HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// FUNCTIONAL DISCOVERY: ping must fire well inside the read deadline or idle
// but healthy clients get dropped
type WebSocketConfig struct {
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

type DatabaseConfig struct {
	Path           string
	MaxConnections int
	WriteTimeout   time.Duration
	MigrationsPath string
}

type MatchingConfig struct {
	MatchTimeout    time.Duration
	SweepInterval   time.Duration
	LockTimeout     time.Duration
	LogWriteTimeout time.Duration
	StartLimit      int
	StartWindow     time.Duration
}

type AuthConfig struct {
	Secret string
	Issuer string
}

// WorkspaceConfig selects the handoff target. An empty URL uses locally
// generated room tokens.
type WorkspaceConfig struct {
	URL            string
	APIKey         string
	HandoffTimeout time.Duration
	TokenPrefix    string
}

type RequestLogConfig struct {
	Backend  string
	Table    string
	Region   string
	Endpoint string
}

type LogConfig struct {
	Level  string
	Format string
}

// DefaultConfig returns settings for a single-node deployment backed by SQLite
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		WebSocket: &WebSocketConfig{
			PingInterval:   30 * time.Second,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   5 * time.Second,
			MaxMessageSize: 4096,
			SendBuffer:     64,
		},
		Database: &DatabaseConfig{
			Path:           "./data/peermatch.db",
			MaxConnections: 10,
			WriteTimeout:   30 * time.Second,
		},
		Matching: &MatchingConfig{
			MatchTimeout:    30 * time.Second,
			SweepInterval:   time.Second,
			LockTimeout:     250 * time.Millisecond,
			LogWriteTimeout: 5 * time.Second,
			StartLimit:      30,
			StartWindow:     time.Minute,
		},
		Auth: &AuthConfig{},
		Workspace: &WorkspaceConfig{
			HandoffTimeout: 5 * time.Second,
			TokenPrefix:    "ws-",
		},
		RequestLog: &RequestLogConfig{
			Backend: BackendSQLite,
			Table:   "peermatch-request-transitions",
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid system configurations
// Critical for preventing runtime failures in production deployment
func (c *Config) Validate() error {
	if c.HTTP == nil || c.WebSocket == nil || c.Database == nil || c.Matching == nil ||
		c.Auth == nil || c.Workspace == nil || c.RequestLog == nil || c.Log == nil {
		return fmt.Errorf("every configuration section is required")
	}

	// port 0 binds an ephemeral port
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 || c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	if c.WebSocket.PingInterval <= 0 || c.WebSocket.ReadTimeout <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket timeouts must be positive")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.ReadTimeout {
		return fmt.Errorf("WebSocket ping interval must be shorter than the read timeout")
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return fmt.Errorf("WebSocket max message size must be positive")
	}
	if c.WebSocket.SendBuffer <= 0 {
		return fmt.Errorf("WebSocket send buffer must be positive")
	}

	if c.Matching.MatchTimeout <= 0 {
		return fmt.Errorf("match timeout must be positive")
	}
	if c.Matching.SweepInterval <= 0 || c.Matching.SweepInterval > c.Matching.MatchTimeout {
		return fmt.Errorf("sweep interval must be positive and no longer than the match timeout")
	}
	if c.Matching.LockTimeout <= 0 || c.Matching.LogWriteTimeout <= 0 {
		return fmt.Errorf("matching lock and log timeouts must be positive")
	}
	if c.Matching.StartLimit <= 0 || c.Matching.StartWindow <= 0 {
		return fmt.Errorf("start rate limit must be positive")
	}

	if c.Auth.Secret == "" {
		return fmt.Errorf("auth secret cannot be empty")
	}

	if c.Workspace.HandoffTimeout <= 0 {
		return fmt.Errorf("workspace handoff timeout must be positive")
	}

	switch c.RequestLog.Backend {
	case BackendSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database path cannot be empty")
		}
		if c.Database.MaxConnections <= 0 || c.Database.WriteTimeout <= 0 {
			return fmt.Errorf("database connection settings must be positive")
		}
	case BackendDynamoDB:
		if c.RequestLog.Table == "" {
			return fmt.Errorf("request log table cannot be empty")
		}
	default:
		return fmt.Errorf("unknown request log backend %q", c.RequestLog.Backend)
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log format must be text or json")
	}
	return nil
}

// FUNCTIONAL DISCOVERY: Environment variables override defaults with fallback
// Unparseable values are ignored and the previous value kept
func LoadFromEnv() *Config {
	config := DefaultConfig()
	applyEnv(config)
	return config
}

func applyEnv(c *Config) {
	envString("HTTP_HOST", &c.HTTP.Host)
	envInt("HTTP_PORT", &c.HTTP.Port)
	envDuration("HTTP_READ_TIMEOUT", &c.HTTP.ReadTimeout)
	envDuration("HTTP_WRITE_TIMEOUT", &c.HTTP.WriteTimeout)
	envDuration("HTTP_SHUTDOWN_TIMEOUT", &c.HTTP.ShutdownTimeout)
	envList("HTTP_ALLOWED_ORIGINS", &c.HTTP.AllowedOrigins)

	envDuration("WEBSOCKET_PING_INTERVAL", &c.WebSocket.PingInterval)
	envDuration("WEBSOCKET_READ_TIMEOUT", &c.WebSocket.ReadTimeout)
	envDuration("WEBSOCKET_WRITE_TIMEOUT", &c.WebSocket.WriteTimeout)
	envInt64("WEBSOCKET_MAX_MESSAGE_SIZE", &c.WebSocket.MaxMessageSize)
	envInt("WEBSOCKET_SEND_BUFFER", &c.WebSocket.SendBuffer)

	envString("DATABASE_PATH", &c.Database.Path)
	envInt("DATABASE_MAX_CONNECTIONS", &c.Database.MaxConnections)
	envDuration("DATABASE_WRITE_TIMEOUT", &c.Database.WriteTimeout)
	envString("DATABASE_MIGRATIONS_PATH", &c.Database.MigrationsPath)

	envUnit("MATCH_TIMEOUT_SECONDS", time.Second, &c.Matching.MatchTimeout)
	envUnit("SWEEP_INTERVAL_MS", time.Millisecond, &c.Matching.SweepInterval)
	envUnit("LOCK_TIMEOUT_MS", time.Millisecond, &c.Matching.LockTimeout)
	envDuration("LOG_WRITE_TIMEOUT", &c.Matching.LogWriteTimeout)
	envInt("START_LIMIT", &c.Matching.StartLimit)
	envDuration("START_WINDOW", &c.Matching.StartWindow)

	envString("AUTH_SECRET", &c.Auth.Secret)
	envString("AUTH_ISSUER", &c.Auth.Issuer)

	envString("WORKSPACE_URL", &c.Workspace.URL)
	envString("WORKSPACE_API_KEY", &c.Workspace.APIKey)
	envDuration("WORKSPACE_HANDOFF_TIMEOUT", &c.Workspace.HandoffTimeout)
	envString("WORKSPACE_TOKEN_PREFIX", &c.Workspace.TokenPrefix)

	envString("REQUEST_LOG_BACKEND", &c.RequestLog.Backend)
	envString("REQUEST_LOG_TABLE", &c.RequestLog.Table)
	envString("REQUEST_LOG_REGION", &c.RequestLog.Region)
	envString("REQUEST_LOG_ENDPOINT", &c.RequestLog.Endpoint)

	envString("LOG_LEVEL", &c.Log.Level)
	envString("LOG_FORMAT", &c.Log.Format)
}

func envString(name string, dst *string) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		*dst = v
	}
}

func envList(name string, dst *[]string) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		*dst = splitList(v)
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(name string, dst *int64) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envUnit(name string, unit time.Duration, dst *time.Duration) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * unit
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// LoadFromFile reads an ini file over the defaults and validates the result
// TECHNICAL DISCOVERY: the matching timeouts keep their integer unit suffixes
// (match_timeout_seconds, sweep_interval_ms); every other duration is a Go
// duration string such as "30s"
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(path, config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

func applyFile(path string, c *Config) error {
	file, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config file %s: %w", path, err)
	}

	sec := file.Section("http")
	c.HTTP.Host = sec.Key("host").MustString(c.HTTP.Host)
	c.HTTP.Port = sec.Key("port").MustInt(c.HTTP.Port)
	c.HTTP.ReadTimeout = sec.Key("read_timeout").MustDuration(c.HTTP.ReadTimeout)
	c.HTTP.WriteTimeout = sec.Key("write_timeout").MustDuration(c.HTTP.WriteTimeout)
	c.HTTP.ShutdownTimeout = sec.Key("shutdown_timeout").MustDuration(c.HTTP.ShutdownTimeout)
	if sec.HasKey("allowed_origins") {
		c.HTTP.AllowedOrigins = splitList(sec.Key("allowed_origins").String())
	}

	sec = file.Section("websocket")
	c.WebSocket.PingInterval = sec.Key("ping_interval").MustDuration(c.WebSocket.PingInterval)
	c.WebSocket.ReadTimeout = sec.Key("read_timeout").MustDuration(c.WebSocket.ReadTimeout)
	c.WebSocket.WriteTimeout = sec.Key("write_timeout").MustDuration(c.WebSocket.WriteTimeout)
	c.WebSocket.MaxMessageSize = sec.Key("max_message_size").MustInt64(c.WebSocket.MaxMessageSize)
	c.WebSocket.SendBuffer = sec.Key("send_buffer").MustInt(c.WebSocket.SendBuffer)

	sec = file.Section("database")
	c.Database.Path = sec.Key("path").MustString(c.Database.Path)
	c.Database.MaxConnections = sec.Key("max_connections").MustInt(c.Database.MaxConnections)
	c.Database.WriteTimeout = sec.Key("write_timeout").MustDuration(c.Database.WriteTimeout)
	c.Database.MigrationsPath = sec.Key("migrations_path").MustString(c.Database.MigrationsPath)

	sec = file.Section("matching")
	if sec.HasKey("match_timeout_seconds") {
		c.Matching.MatchTimeout = time.Duration(sec.Key("match_timeout_seconds").MustInt(int(c.Matching.MatchTimeout/time.Second))) * time.Second
	}
	if sec.HasKey("sweep_interval_ms") {
		c.Matching.SweepInterval = time.Duration(sec.Key("sweep_interval_ms").MustInt(int(c.Matching.SweepInterval/time.Millisecond))) * time.Millisecond
	}
	if sec.HasKey("lock_timeout_ms") {
		c.Matching.LockTimeout = time.Duration(sec.Key("lock_timeout_ms").MustInt(int(c.Matching.LockTimeout/time.Millisecond))) * time.Millisecond
	}
	c.Matching.LogWriteTimeout = sec.Key("log_write_timeout").MustDuration(c.Matching.LogWriteTimeout)
	c.Matching.StartLimit = sec.Key("start_limit").MustInt(c.Matching.StartLimit)
	c.Matching.StartWindow = sec.Key("start_window").MustDuration(c.Matching.StartWindow)

	sec = file.Section("auth")
	c.Auth.Secret = sec.Key("secret").MustString(c.Auth.Secret)
	c.Auth.Issuer = sec.Key("issuer").MustString(c.Auth.Issuer)

	sec = file.Section("workspace")
	c.Workspace.URL = sec.Key("url").MustString(c.Workspace.URL)
	c.Workspace.APIKey = sec.Key("api_key").MustString(c.Workspace.APIKey)
	c.Workspace.HandoffTimeout = sec.Key("handoff_timeout").MustDuration(c.Workspace.HandoffTimeout)
	c.Workspace.TokenPrefix = sec.Key("token_prefix").MustString(c.Workspace.TokenPrefix)

	sec = file.Section("request_log")
	c.RequestLog.Backend = sec.Key("backend").In(c.RequestLog.Backend, []string{BackendSQLite, BackendDynamoDB})
	c.RequestLog.Table = sec.Key("table").MustString(c.RequestLog.Table)
	c.RequestLog.Region = sec.Key("region").MustString(c.RequestLog.Region)
	c.RequestLog.Endpoint = sec.Key("endpoint").MustString(c.RequestLog.Endpoint)

	sec = file.Section("log")
	c.Log.Level = sec.Key("level").MustString(c.Log.Level)
	c.Log.Format = sec.Key("format").In(c.Log.Format, []string{"text", "json"})
	return nil
}

// FUNCTIONAL DISCOVERY: Configuration precedence: file > environment > defaults
// A missing path skips the file; a file that fails to parse is an error
func LoadConfigWithPrecedence(path string) (*Config, error) {
	config := LoadFromEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := applyFile(path, config); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file %s: %w", path, err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
