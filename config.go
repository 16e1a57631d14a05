package cmsync

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/eringen/cmsync/logger"
)

// EnvAPIKey is the environment variable holding the CMS API key.
const EnvAPIKey = "MICROCMS_API_KEY"

// Body formats accepted by Config.BodyFormat.
const (
	BodyHTML     = "html"
	BodyMarkdown = "markdown"
)

// Config holds everything a sync run needs. Zero values are replaced by
// defaults; only APIURL and APIKey are required.
type Config struct {
	APIURL       string `yaml:"api_url" env:"CMSYNC_API_URL"`
	APIKey       string `yaml:"api_key" env:"MICROCMS_API_KEY"`
	APIKeyHeader string `yaml:"api_key_header"`           // default "X-API-KEY"
	Limit        int    `yaml:"limit" env:"CMSYNC_LIMIT"` // listing page size, 0 leaves the CMS default

	SourceDir    string `yaml:"source_dir" env:"CMSYNC_SOURCE_DIR"` // default "source"
	PostsDir     string `yaml:"posts_dir"`                          // default "posts"
	AssetsDir    string `yaml:"assets_dir"`                         // default "assets"
	AssetBaseURL string `yaml:"asset_base_url"`                     // resolves relative <img> sources

	Retries    int           `yaml:"retries" env:"CMSYNC_RETRIES"`         // default 3, negative disables retrying
	RetryDelay time.Duration `yaml:"retry_delay" env:"CMSYNC_RETRY_DELAY"` // default 1s
	Timeout    time.Duration `yaml:"timeout" env:"CMSYNC_TIMEOUT"`         // per request, default 30s

	BodyFormat        string `yaml:"body_format"` // "html" (default) or "markdown"
	DeriveDescription bool   `yaml:"derive_description"`
	DescriptionLength int    `yaml:"description_length"` // default 120 runes
	MaxImageWidth     int    `yaml:"max_image_width"`    // 0 keeps mirrored images untouched

	FailFast  bool   `yaml:"fail_fast" env:"CMSYNC_FAIL_FAST"`
	StatePath string `yaml:"state_path" env:"CMSYNC_STATE_PATH"` // sqlite ledger, empty disables it

	Server ServerConfig  `yaml:"server"`
	Log    logger.Config `yaml:"log"`
}

// ServerConfig configures the webhook server.
type ServerConfig struct {
	Addr          string        `yaml:"addr" env:"CMSYNC_ADDR"` // default ":3000"
	WebhookSecret string        `yaml:"webhook_secret" env:"CMSYNC_WEBHOOK_SECRET"`
	HookAttempts  int           `yaml:"hook_attempts"` // bad secrets tolerated per window, default 5
	HookWindow    time.Duration `yaml:"hook_window"`   // default 1m
}

func (c *Config) setDefaults() {
	if c.APIKeyHeader == "" {
		c.APIKeyHeader = "X-API-KEY"
	}
	if c.SourceDir == "" {
		c.SourceDir = "source"
	}
	if c.PostsDir == "" {
		c.PostsDir = "posts"
	}
	if c.AssetsDir == "" {
		c.AssetsDir = "assets"
	}
	if c.Retries == 0 {
		c.Retries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.BodyFormat == "" {
		c.BodyFormat = BodyHTML
	}
	if c.DescriptionLength == 0 {
		c.DescriptionLength = 120
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":3000"
	}
	if c.Server.HookAttempts == 0 {
		c.Server.HookAttempts = 5
	}
	if c.Server.HookWindow == 0 {
		c.Server.HookWindow = time.Minute
	}
	c.Log.SetDefaults()
}

// Validate reports configuration errors. It performs no I/O.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}
	if c.APIURL == "" {
		return fmt.Errorf("%w: api_url is not set", ErrConfig)
	}
	if u, err := url.Parse(c.APIURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: api_url %q is not an absolute URL", ErrConfig, c.APIURL)
	}
	if c.AssetBaseURL != "" {
		if u, err := url.Parse(c.AssetBaseURL); err != nil || !u.IsAbs() {
			return fmt.Errorf("%w: asset_base_url %q is not an absolute URL", ErrConfig, c.AssetBaseURL)
		}
	}
	switch c.BodyFormat {
	case "", BodyHTML, BodyMarkdown:
	default:
		return fmt.Errorf("%w: unknown body_format %q", ErrConfig, c.BodyFormat)
	}
	return nil
}

// retryBudget converts the Retries setting into a retry count.
func (c *Config) retryBudget() int {
	if c.Retries < 0 {
		return 0
	}
	return c.Retries
}

// LoadConfig reads an optional YAML file, loads .env files, applies `env`
// tag overrides and fills defaults. An empty path skips the YAML step.
//
// .env loading order: ENV_FILE alone when set, otherwise .env.local then
// .env. Variables already present in the process environment win.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if err := loadEnvFiles(); err != nil {
		return cfg, fmt.Errorf("cmsync: %w", err)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("cmsync: read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("cmsync: parse config %s: %w", path, err)
		}
	}
	applyEnvOverrides(reflect.ValueOf(&cfg).Elem())
	cfg.setDefaults()
	return cfg, nil
}

func loadEnvFiles() error {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	for _, name := range []string{".env.local", ".env"} {
		if err := godotenv.Load(name); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}

func applyEnvOverrides(v reflect.Value) {
	t := v.Type()
	for i := range v.NumField() {
		field := v.Field(i)
		if !field.CanSet() {
			continue
		}
		if field.Kind() == reflect.Struct {
			applyEnvOverrides(field)
			continue
		}
		key := t.Field(i).Tag.Get("env")
		if key == "" {
			continue
		}
		if val := os.Getenv(key); val != "" {
			setFieldFromString(field, val)
		}
	}
}

func setFieldFromString(field reflect.Value, val string) {
	switch field.Kind() {
	case reflect.String:
		field.SetString(val)
	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			if d, err := time.ParseDuration(val); err == nil {
				field.SetInt(int64(d))
			}
			return
		}
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			field.SetInt(n)
		}
	case reflect.Bool:
		s := strings.ToLower(strings.TrimSpace(val))
		field.SetBool(s == "true" || s == "1" || s == "yes")
	}
}

// Option configures optional Syncer collaborators.
type Option func(*Syncer)

// WithHTTPClient replaces the HTTP client used for the listing and assets.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Syncer) {
		s.httpClient = c
	}
}

// WithLogger sets the logger. The default discards output.
func WithLogger(l logger.Logger) Option {
	return func(s *Syncer) {
		s.log = l
	}
}

// WithStore attaches an already opened ledger. When unset and
// Config.StatePath is non-empty, Run opens and closes one itself.
func WithStore(st *Store) Option {
	return func(s *Syncer) {
		s.store = st
	}
}

// WithMetrics records run counters into m.
func WithMetrics(m *Metrics) Option {
	return func(s *Syncer) {
		s.metrics = m
	}
}

// WithClock replaces time.Now for run and ledger timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) {
		s.now = now
	}
}
