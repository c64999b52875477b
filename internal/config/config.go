// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/amap-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config        string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	EnvFile       string `kong:"help='Path to a .env file loaded before parsing.',default='.env',env='ENV_FILE'"`
	Host          string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port          int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	SecurityCode  string `kong:"help='AMap security jscode (overrides config).',env='AMAP_SECURITY_JSCODE'"`
	WebServiceKey string `kong:"help='AMap web service key used for geocoding (overrides config).',env='AMAP_WEB_SERVICE_KEY'"`
	JWTSecret     string `kong:"name='jwt-secret',help='HS256 secret for session tokens (overrides config).',env='SESSION_JWT_SECRET'"`
	DatabaseDSN   string `kong:"name='database-dsn',help='Profile store DSN (overrides config).',env='DATABASE_DSN'"`
	LogLevel      string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	AMap     AMapConfig     `toml:"amap"`
	Upstream UpstreamConfig `toml:"upstream"`
	Routing  RoutingConfig  `toml:"routing"`
	Geocode  GeocodeConfig  `toml:"geocode"`
	Session  SessionConfig  `toml:"session"`
	Store    StoreConfig    `toml:"store"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP token bucket limiting on the proxy routes.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
}

// AMapConfig holds the server-held provider credentials. Both may be empty;
// the handlers check them per request.
type AMapConfig struct {
	SecurityCode  string `toml:"security_jscode"`
	WebServiceKey string `toml:"web_service_key"`
}

// UpstreamConfig holds upstream hosts and connection settings.
type UpstreamConfig struct {
	RESTBaseURL        string   `toml:"rest_base_url"`
	WebAPIBaseURL      string   `toml:"webapi_base_url"`
	Attempts           int      `toml:"attempts"`
	AttemptTimeoutMS   int      `toml:"attempt_timeout_ms"`
	RetryBackoffMS     int      `toml:"retry_backoff_ms"`
	GeocodeTimeoutMS   int      `toml:"geocode_timeout_ms"`
	IdleConnections    int      `toml:"idle_connections"`
	DropRequestHeaders []string `toml:"drop_request_headers"`
}

// RoutingConfig overrides the built-in host rule table when Rules is non-empty.
type RoutingConfig struct {
	Rules []RouteRule `toml:"rules"`
}

// RouteRule maps an upstream path prefix to an ordered list of host names.
type RouteRule struct {
	Prefix string   `toml:"prefix"`
	Hosts  []string `toml:"hosts"`
}

// GeocodeConfig holds the per-user quota for the geocoding endpoint.
type GeocodeConfig struct {
	MaxRequests   int `toml:"max_requests"`
	WindowSeconds int `toml:"window_seconds"`
}

// SessionConfig controls how caller identity is resolved.
type SessionConfig struct {
	CookieName string `toml:"cookie_name"`
	JWTSecret  string `toml:"jwt_secret"`
}

// StoreConfig selects the profile store. An empty driver disables it.
type StoreConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
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

// Load reads the TOML config file (if any) and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/amap-proxy/config.toml then configs/config.toml. Running without any
// file is allowed; secrets then come from the environment.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
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
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
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
	if cli.SecurityCode != "" {
		c.AMap.SecurityCode = cli.SecurityCode
	}
	if cli.WebServiceKey != "" {
		c.AMap.WebServiceKey = cli.WebServiceKey
	}
	if cli.JWTSecret != "" {
		c.Session.JWTSecret = cli.JWTSecret
	}
	if cli.DatabaseDSN != "" {
		c.Store.DSN = cli.DatabaseDSN
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 2 * 1024 * 1024 // 2 MB
	}
	if c.Server.RateLimit.Burst == 0 {
		c.Server.RateLimit.Burst = max(1, int(c.Server.RateLimit.RequestsPerSecond))
	}
	if c.Upstream.RESTBaseURL == "" {
		c.Upstream.RESTBaseURL = "https://restapi.amap.com"
	}
	if c.Upstream.WebAPIBaseURL == "" {
		c.Upstream.WebAPIBaseURL = "https://webapi.amap.com"
	}
	if c.Upstream.Attempts == 0 {
		c.Upstream.Attempts = 2
	}
	if c.Upstream.AttemptTimeoutMS == 0 {
		c.Upstream.AttemptTimeoutMS = 6000
	}
	if c.Upstream.RetryBackoffMS == 0 {
		c.Upstream.RetryBackoffMS = 800
	}
	if c.Upstream.GeocodeTimeoutMS == 0 {
		c.Upstream.GeocodeTimeoutMS = 10000
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	// nil means unset; an explicit empty list forwards session headers too.
	if c.Upstream.DropRequestHeaders == nil {
		c.Upstream.DropRequestHeaders = []string{"Cookie", "Authorization"}
	}
	if c.Geocode.MaxRequests == 0 {
		c.Geocode.MaxRequests = 10
	}
	if c.Geocode.WindowSeconds == 0 {
		c.Geocode.WindowSeconds = 60
	}
	if c.Session.CookieName == "" {
		c.Session.CookieName = "sb-access-token"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// reservedRoutes cannot be shadowed by the metrics endpoint.
var reservedRoutes = []string{"/_AMapService", "/api", "/healthz", "/proxy/status"}

func (c *Config) validate() error {
	for _, v := range []string{c.AMap.SecurityCode, c.AMap.WebServiceKey} {
		if v == "YOUR_JSCODE_HERE" || v == "YOUR_KEY_HERE" {
			return errors.New("amap credentials contain a placeholder value; set a real value or leave empty")
		}
	}

	for name, raw := range map[string]string{
		"upstream.rest_base_url":   c.Upstream.RESTBaseURL,
		"upstream.webapi_base_url": c.Upstream.WebAPIBaseURL,
	} {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("%s is not a valid URL: %w", name, err)
		}
		if u.Scheme != "https" {
			return fmt.Errorf("%s must use HTTPS; got %q", name, raw)
		}
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Upstream.Attempts < 1 || c.Upstream.Attempts > 10 {
		return fmt.Errorf("upstream.attempts must be 1–10; got %d", c.Upstream.Attempts)
	}
	for name, v := range map[string]int{
		"upstream.attempt_timeout_ms": c.Upstream.AttemptTimeoutMS,
		"upstream.retry_backoff_ms":   c.Upstream.RetryBackoffMS,
		"upstream.geocode_timeout_ms": c.Upstream.GeocodeTimeoutMS,
		"upstream.idle_connections":   c.Upstream.IdleConnections,
		"geocode.max_requests":        c.Geocode.MaxRequests,
		"geocode.window_seconds":      c.Geocode.WindowSeconds,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be non-negative; got %d", name, v)
		}
	}

	for i, r := range c.Routing.Rules {
		if r.Prefix == "" {
			return fmt.Errorf("routing.rules[%d].prefix is required", i)
		}
		if len(r.Hosts) == 0 {
			return fmt.Errorf("routing.rules[%d].hosts must not be empty", i)
		}
		for _, h := range r.Hosts {
			if h != "rest" && h != "webapi" {
				return fmt.Errorf("routing.rules[%d].hosts: unknown host %q (want rest or webapi)", i, h)
			}
		}
	}

	switch c.Store.Driver {
	case "":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required when store.driver is %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("store.driver must be one of: sqlite, postgres; got %q", c.Store.Driver)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if c.Metrics.Enabled {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
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

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
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

// WarnMissingSecrets logs which provider credentials are absent. Requests
// needing them fail with a 500 until they are configured.
func (c *Config) WarnMissingSecrets(logger *slog.Logger) {
	if c.AMap.SecurityCode == "" {
		logger.Warn("AMAP_SECURITY_JSCODE is not set; proxy requests will fail")
	}
	if c.AMap.WebServiceKey == "" {
		logger.Warn("AMAP_WEB_SERVICE_KEY is not set; geocoding requests will fail")
	}
	if c.Session.JWTSecret == "" {
		logger.Warn("SESSION_JWT_SECRET is not set; all callers are treated as anonymous")
	}
}
