// Package config assembles runtime configuration for the storefront client
// core from defaults, an optional YAML file, a local .env file, and the
// process environment, in that order of precedence.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultEnvFile                = ".env"
	defaultConfigFileEnv          = "STOREFRONT_CONFIG_FILE"
	defaultRequestTimeout         = 8 * time.Second
	defaultVersionHeader          = "If-Match"
	defaultIdempotencyHeader      = "Idempotency-Key"
	defaultSessionCookieName      = "STOREFRONT_SESSION"
	defaultConflictAttempts       = 3
	defaultSessionRefreshAttempts = 1
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	API     APIConfig
	Headers HeaderConfig
	Retry   RetryConfig
}

// APIConfig locates the cart/checkout API and bounds each request.
type APIConfig struct {
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// HeaderConfig names the concurrency and session headers used on the wire.
type HeaderConfig struct {
	VersionPrecondition string `yaml:"version_precondition"`
	Idempotency         string `yaml:"idempotency"`
	SessionCookieName   string `yaml:"session_cookie"`
}

// RetryConfig bounds the coordinator's per-classification retry budgets.
type RetryConfig struct {
	ConflictAttempts       int `yaml:"conflict_attempts"`
	SessionRefreshAttempts int `yaml:"session_refresh_attempts"`
}

// ValidationError is returned when required configuration fields are missing
// or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	configFile   string
	envMap       map[string]string
	useSystemEnv bool
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithConfigFile overrides the YAML config file path; by default the path is
// taken from STOREFRONT_CONFIG_FILE when set.
func WithConfigFile(path string) Option {
	return func(o *loaderOptions) {
		o.configFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups.
// Values in the map take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.LookupEnv, relying only on
// provided maps and files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

type fileConfig struct {
	API     APIConfig    `yaml:"api"`
	Headers HeaderConfig `yaml:"headers"`
	Retry   RetryConfig  `yaml:"retry"`
}

// Load assembles the configuration by combining defaults, YAML file values,
// .env overrides, and environment variables.
func Load(opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if dotEnvValues != nil {
			if value, ok := dotEnvValues[key]; ok {
				return value, true
			}
		}
		return "", false
	}

	cfg := Config{
		API: APIConfig{
			RequestTimeout: defaultRequestTimeout,
		},
		Headers: HeaderConfig{
			VersionPrecondition: defaultVersionHeader,
			Idempotency:         defaultIdempotencyHeader,
			SessionCookieName:   defaultSessionCookieName,
		},
		Retry: RetryConfig{
			ConflictAttempts:       defaultConflictAttempts,
			SessionRefreshAttempts: defaultSessionRefreshAttempts,
		},
	}

	configPath := options.configFile
	if configPath == "" {
		configPath, _ = lookup(defaultConfigFileEnv)
	}
	if strings.TrimSpace(configPath) != "" {
		if err := applyConfigFile(&cfg, strings.TrimSpace(configPath)); err != nil {
			return Config{}, err
		}
	}

	cfg.API.BaseURL = stringWithDefault(lookup, "STOREFRONT_API_BASE_URL", cfg.API.BaseURL)
	cfg.API.RequestTimeout = durationWithDefault(lookup, "STOREFRONT_API_REQUEST_TIMEOUT", cfg.API.RequestTimeout)
	cfg.Headers.VersionPrecondition = stringWithDefault(lookup, "STOREFRONT_HEADER_VERSION", cfg.Headers.VersionPrecondition)
	cfg.Headers.Idempotency = stringWithDefault(lookup, "STOREFRONT_HEADER_IDEMPOTENCY", cfg.Headers.Idempotency)
	cfg.Headers.SessionCookieName = stringWithDefault(lookup, "STOREFRONT_SESSION_COOKIE", cfg.Headers.SessionCookieName)
	cfg.Retry.ConflictAttempts = intWithDefault(lookup, "STOREFRONT_RETRY_CONFLICT_ATTEMPTS", cfg.Retry.ConflictAttempts)
	cfg.Retry.SessionRefreshAttempts = intWithDefault(lookup, "STOREFRONT_RETRY_SESSION_ATTEMPTS", cfg.Retry.SessionRefreshAttempts)

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyConfigFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	if strings.TrimSpace(file.API.BaseURL) != "" {
		cfg.API.BaseURL = strings.TrimSpace(file.API.BaseURL)
	}
	if file.API.RequestTimeout > 0 {
		cfg.API.RequestTimeout = file.API.RequestTimeout
	}
	if strings.TrimSpace(file.Headers.VersionPrecondition) != "" {
		cfg.Headers.VersionPrecondition = strings.TrimSpace(file.Headers.VersionPrecondition)
	}
	if strings.TrimSpace(file.Headers.Idempotency) != "" {
		cfg.Headers.Idempotency = strings.TrimSpace(file.Headers.Idempotency)
	}
	if strings.TrimSpace(file.Headers.SessionCookieName) != "" {
		cfg.Headers.SessionCookieName = strings.TrimSpace(file.Headers.SessionCookieName)
	}
	if file.Retry.ConflictAttempts > 0 {
		cfg.Retry.ConflictAttempts = file.Retry.ConflictAttempts
	}
	if file.Retry.SessionRefreshAttempts > 0 {
		cfg.Retry.SessionRefreshAttempts = file.Retry.SessionRefreshAttempts
	}
	return nil
}

func validateConfig(cfg Config) error {
	var missing []string
	if strings.TrimSpace(cfg.API.BaseURL) == "" {
		missing = append(missing, "API.BaseURL")
	}
	if cfg.API.RequestTimeout <= 0 {
		missing = append(missing, "API.RequestTimeout")
	}
	if cfg.Retry.ConflictAttempts <= 0 {
		missing = append(missing, "Retry.ConflictAttempts")
	}
	if cfg.Retry.SessionRefreshAttempts < 0 {
		missing = append(missing, "Retry.SessionRefreshAttempts")
	}
	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func loadDotEnv(path string) (map[string]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		value := strings.TrimSpace(parts[1])
		value = strings.Trim(value, `"'`)
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: scan %s: %w", path, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok {
		if parsed, err := time.ParseDuration(strings.TrimSpace(value)); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}
