// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/relay-proxy/config.toml",
	"configs/config.toml",
}

// ReservedPrefix is the path prefix of the proxy's own operational routes.
// Requests under it are never relayed.
const ReservedPrefix = "/_proxy"

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config        string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host          string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port          int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	DefaultTarget string `kong:"help='Default target URL used when a request names none (overrides config).',env='DEFAULT_TARGET'"`
	Debug         bool   `kong:"help='Enable debug logging (overrides config).',env='DEBUG'"`
	LogLevel      string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration. It is built once by
// Load and never modified afterwards.
type Config struct {
	Server          ServerConfig    `toml:"server"`
	Proxy           ProxyConfig     `toml:"proxy"`
	CORS            CORSConfig      `toml:"cors"`
	SecurityHeaders []HeaderValue   `toml:"security_headers"`
	Headers         HeadersConfig   `toml:"headers"`
	WebSocket       WebSocketConfig `toml:"websocket"`
	Log             LogConfig       `toml:"log"`
	Metrics         MetricsConfig   `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// ProxyConfig holds relay settings.
type ProxyConfig struct {
	DefaultTarget   string `toml:"default_target"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
	Debug           bool   `toml:"debug"`
}

// CORSConfig is the CORS policy injected into relayed responses.
type CORSConfig struct {
	// Enabled is a pointer so an omitted key can default to true.
	Enabled       *bool  `toml:"enabled"`
	AllowOrigin   string `toml:"allow_origin"`
	AllowMethods  string `toml:"allow_methods"`
	AllowHeaders  string `toml:"allow_headers"`
	MaxAgeSeconds int    `toml:"max_age_seconds"`
}

// HeaderValue is one entry of an ordered header list.
type HeaderValue struct {
	Name  string `toml:"name"`
	Value string `toml:"value"`
}

// HeadersConfig lists headers stripped from both directions.
type HeadersConfig struct {
	Remove []string `toml:"remove"`
}

// WebSocketConfig holds WebSocket relay settings.
type WebSocketConfig struct {
	PendingMessages int `toml:"pending_messages"`
	BufferSize      int `toml:"buffer_size"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// DefaultSecurityHeaders are merged into every relayed response unless the
// config file supplies its own list.
var DefaultSecurityHeaders = []HeaderValue{
	{Name: "X-Content-Type-Options", Value: "nosniff"},
	{Name: "X-Frame-Options", Value: "DENY"},
	{Name: "X-XSS-Protection", Value: "1; mode=block"},
	{Name: "Referrer-Policy", Value: "strict-origin-when-cross-origin"},
}

// DefaultRemoveHeaders are the edge and forwarding markers stripped when the
// config file does not set headers.remove.
var DefaultRemoveHeaders = []string{
	"cf-connecting-ip",
	"cf-ipcountry",
	"cf-ray",
	"cf-visitor",
	"cf-worker",
	"cdn-loop",
	"x-forwarded-for",
	"x-forwarded-host",
	"x-forwarded-proto",
	"x-forwarded-port",
	"x-real-ip",
	"true-client-ip",
	"forwarded",
	"via",
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/relay-proxy/config.toml then configs/config.toml. If neither exists
// the built-in defaults are used.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.DefaultTarget != "" {
		c.Proxy.DefaultTarget = cli.DefaultTarget
	}
	if cli.Debug {
		c.Proxy.Debug = true
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	err := validation.Errors{
		"server.host":                validation.Validate(c.Server.Host, is.Host),
		"server.port":                validation.Validate(c.Server.Port, validation.Min(0), validation.Max(65535)),
		"server.body_max_bytes":      validation.Validate(c.Server.BodyMaxBytes, validation.Min(int64(0))),
		"proxy.default_target":       validation.Validate(c.Proxy.DefaultTarget, validation.By(absoluteHTTPURL)),
		"proxy.timeout_seconds":      validation.Validate(c.Proxy.TimeoutSeconds, validation.Min(0)),
		"proxy.idle_connections":     validation.Validate(c.Proxy.IdleConnections, validation.Min(0)),
		"cors.max_age_seconds":       validation.Validate(c.CORS.MaxAgeSeconds, validation.Min(0)),
		"websocket.pending_messages": validation.Validate(c.WebSocket.PendingMessages, validation.Min(0)),
		"websocket.buffer_size":      validation.Validate(c.WebSocket.BufferSize, validation.Min(0)),
		"log.level":                  validation.Validate(strings.ToLower(c.Log.Level), validation.In("debug", "info", "warn", "error")),
		"log.format":                 validation.Validate(strings.ToLower(c.Log.Format), validation.In("json", "text")),
		"security_headers":           validation.Validate(c.SecurityHeaders, validation.By(validHeaderList)),
	}.Filter()
	if err != nil {
		return err
	}

	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		if !strings.HasPrefix(p, ReservedPrefix+"/") || p == ReservedPrefix+"/" {
			return fmt.Errorf("metrics.path must be under %s/ so it is never relayed; got %q", ReservedPrefix, p)
		}
		for _, reserved := range []string{ReservedPrefix + "/healthz", ReservedPrefix + "/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func absoluteHTTPURL(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return errors.New("must be a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("must use http or https")
	}
	if u.Host == "" {
		return errors.New("must include a host")
	}
	return nil
}

func validHeaderList(value any) error {
	list, _ := value.([]HeaderValue)
	for i, h := range list {
		if strings.TrimSpace(h.Name) == "" {
			return fmt.Errorf("entry %d has an empty name", i)
		}
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Proxy.TimeoutSeconds == 0 {
		c.Proxy.TimeoutSeconds = 30
	}
	if c.Proxy.IdleConnections == 0 {
		c.Proxy.IdleConnections = 100
	}
	c.Proxy.DefaultTarget = strings.TrimRight(c.Proxy.DefaultTarget, "/")

	if c.CORS.Enabled == nil {
		enabled := true
		c.CORS.Enabled = &enabled
	}
	if c.CORS.AllowOrigin == "" {
		c.CORS.AllowOrigin = "*"
	}
	if c.CORS.AllowMethods == "" {
		c.CORS.AllowMethods = strings.Join([]string{
			http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete,
			http.MethodPatch, http.MethodHead, http.MethodOptions,
		}, ", ")
	}
	if c.CORS.AllowHeaders == "" {
		c.CORS.AllowHeaders = "*"
	}
	if c.CORS.MaxAgeSeconds == 0 {
		c.CORS.MaxAgeSeconds = 86400
	}
	if c.SecurityHeaders == nil {
		c.SecurityHeaders = append([]HeaderValue(nil), DefaultSecurityHeaders...)
	}
	if c.Headers.Remove == nil {
		c.Headers.Remove = append([]string(nil), DefaultRemoveHeaders...)
	}

	if c.WebSocket.PendingMessages == 0 {
		c.WebSocket.PendingMessages = 64
	}
	if c.WebSocket.BufferSize == 0 {
		c.WebSocket.BufferSize = 32 * 1024
	}

	if c.Proxy.Debug {
		c.Log.Level = "debug"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = ReservedPrefix + "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Timeout returns the outbound connect/handshake deadline.
func (c *ProxyConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CORSEnabled reports whether CORS headers are injected.
func (c *Config) CORSEnabled() bool {
	return c.CORS.Enabled == nil || *c.CORS.Enabled
}

// FilePath returns the config file that was loaded, or empty when running on defaults.
func (c *Config) FilePath() string {
	return c.filePath
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		logger.Info("no config file found; using built-in defaults", "searched", configSearchPaths)
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
