// =============================================================================
// wasmlatticed configuration loader
// =============================================================================
// Unified configuration loading: YAML file + environment variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("host.yaml").
//	    WithEnvPrefix("WASMLATTICED").
//	    Load()
//
// Precedence: defaults -> YAML file -> environment variables.
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Core configuration structure
// =============================================================================

// Config is the complete configuration for one wasmlatticed host process.
type Config struct {
	// Server configures the host's HTTP surface (health, metrics, config API,
	// and the provider control-channel websocket upgrade endpoint).
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Host identifies this process within the lattice.
	Host HostIdentityConfig `yaml:"host" env:"HOST"`

	// Fabric configures the pub/sub message fabric client.
	Fabric FabricConfig `yaml:"fabric" env:"FABRIC"`

	// Store configures the claims & link store backend.
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Engine configures the component engine.
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`

	// Supervisor configures the provider supervisor.
	Supervisor SupervisorConfig `yaml:"supervisor" env:"SUPERVISOR"`

	// RPC configures the invocation router.
	RPC RPCConfig `yaml:"rpc" env:"RPC"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry configures OpenTelemetry tracing and metrics export.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig configures the host's auxiliary HTTP server: health,
// metrics, the config hot-reload API, and the provider control-channel
// websocket upgrade endpoint. This is not the lattice data plane (that
// runs over the message fabric); it is the operator-facing surface.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" env:"HTTP_ADDR"`
	MetricsAddr     string        `yaml:"metrics_addr" env:"METRICS_ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	// APIKeys, when non-empty, requires one of these values on the
	// X-API-Key header for any aux-surface request outside health/metrics.
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// CORSAllowedOrigins allow-lists browser origins for the config API;
	// with an empty list no CORS headers are set and cross-origin
	// preflight (OPTIONS) requests are rejected.
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	RateLimitRPS       float64  `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst     int      `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// HostIdentityConfig names this host process within its lattice.
type HostIdentityConfig struct {
	// LatticeID scopes every fabric subject under "<LatticeID>.".
	LatticeID string `yaml:"lattice_id" env:"LATTICE_ID"`
	// Labels are free-form operator-assigned key/value pairs.
	Labels map[string]string `yaml:"labels" env:"-"`
	// SeedPath, if set, loads the host's signing keypair from this file
	// instead of generating an ephemeral one at startup.
	SeedPath string `yaml:"seed_path" env:"SEED_PATH"`
}

// FabricConfig configures the pub/sub message fabric client.
type FabricConfig struct {
	Addr              string        `yaml:"addr" env:"ADDR"`
	Password          string        `yaml:"password" env:"PASSWORD"`
	DB                int           `yaml:"db" env:"DB"`
	PoolSize          int           `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns      int           `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	InlineLimitBytes  int           `yaml:"inline_limit_bytes" env:"INLINE_LIMIT_BYTES"`
	RequestTimeout    time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	AuctionWindow     time.Duration `yaml:"auction_window" env:"AUCTION_WINDOW"`
}

// StoreConfig configures the claims & link store.
type StoreConfig struct {
	// RedisAddr backs the replicated claims/link/config/alias namespaces.
	RedisAddr string `yaml:"redis_addr" env:"REDIS_ADDR"`
	// DurablePath, if non-empty, mirrors writes into a local sqlite file so
	// a single-node lattice keeps its link/claims state across a host
	// restart even without a reachable Redis.
	DurablePath string        `yaml:"durable_path" env:"DURABLE_PATH"`
	WriteRetries int          `yaml:"write_retries" env:"WRITE_RETRIES"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" env:"RETRY_BASE_DELAY"`
}

// EngineConfig configures the component engine.
type EngineConfig struct {
	DefaultMaxExecutionTime time.Duration `yaml:"default_max_execution_time" env:"DEFAULT_MAX_EXECUTION_TIME"`
	InstancePoolSize        int           `yaml:"instance_pool_size" env:"INSTANCE_POOL_SIZE"`
	InstanceQueueSize       int           `yaml:"instance_queue_size" env:"INSTANCE_QUEUE_SIZE"`
	// BlobCacheAddr, when non-empty, backs the blobstore import's
	// get-object cache with a Redis-addressed internal/cache.Manager so
	// repeated reads of a hot object skip the outbound RPC to the
	// linked provider.
	BlobCacheAddr string        `yaml:"blob_cache_addr" env:"BLOB_CACHE_ADDR"`
	BlobCacheTTL  time.Duration `yaml:"blob_cache_ttl" env:"BLOB_CACHE_TTL"`
}

// SupervisorConfig configures the provider supervisor.
type SupervisorConfig struct {
	ControlDialTimeout time.Duration `yaml:"control_dial_timeout" env:"CONTROL_DIAL_TIMEOUT"`
	HealthInterval     time.Duration `yaml:"health_interval" env:"HEALTH_INTERVAL"`
	RestartReplayLimit int           `yaml:"restart_replay_limit" env:"RESTART_REPLAY_LIMIT"`
}

// RPCConfig configures the invocation router.
type RPCConfig struct {
	Timeout         time.Duration `yaml:"timeout" env:"TIMEOUT"`
	InboundRatePerS float64       `yaml:"inbound_rate_per_s" env:"INBOUND_RATE_PER_S"`
	InboundBurst    int           `yaml:"inbound_burst" env:"INBOUND_BURST"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level            string   `yaml:"level" env:"LEVEL"`
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// Loader
// =============================================================================

// Loader loads a Config using the builder pattern.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "WASMLATTICED",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML configuration file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a configuration validator.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load loads the configuration: defaults -> file -> environment -> validate.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// MustLoad loads the configuration, panicking on failure. Intended for
// process entrypoints where a bad config is a fatal startup error.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate checks the configuration for internally-inconsistent values.
//
// The auction-window-vs-RPC-timeout check is a constructor-time assertion:
// a request_multi auction window that is not strictly shorter than the RPC
// timeout would make auctions time out spuriously (spec open question).
func (c *Config) Validate() error {
	var errs []string

	if c.Host.LatticeID == "" {
		errs = append(errs, "host.lattice_id must not be empty")
	}
	if c.Engine.DefaultMaxExecutionTime <= 0 {
		errs = append(errs, "engine.default_max_execution_time must be positive")
	}
	if c.RPC.Timeout <= c.Fabric.AuctionWindow {
		errs = append(errs, "rpc.timeout must be strictly greater than fabric.auction_window")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
