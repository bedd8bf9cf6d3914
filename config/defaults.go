// =============================================================================
// wasmlatticed default configuration
// =============================================================================
// Provides sensible defaults for every configuration section.
// =============================================================================
package config

import "time"

// DefaultConfig returns a Config populated entirely with defaults.
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Host:       DefaultHostIdentityConfig(),
		Fabric:     DefaultFabricConfig(),
		Store:      DefaultStoreConfig(),
		Engine:     DefaultEngineConfig(),
		Supervisor: DefaultSupervisorConfig(),
		RPC:        DefaultRPCConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns default auxiliary HTTP server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":4000",
		MetricsAddr:        ":9091",
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       30 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RateLimitRPS:       50,
		RateLimitBurst:     100,
		CORSAllowedOrigins: []string{},
	}
}

// DefaultHostIdentityConfig returns default host identity configuration.
func DefaultHostIdentityConfig() HostIdentityConfig {
	return HostIdentityConfig{
		LatticeID: "default",
		Labels:    map[string]string{},
	}
}

// DefaultFabricConfig returns default message fabric configuration.
func DefaultFabricConfig() FabricConfig {
	return FabricConfig{
		Addr:             "localhost:6379",
		DB:               0,
		PoolSize:         10,
		MinIdleConns:     2,
		InlineLimitBytes: 900 * 1024,
		RequestTimeout:   2 * time.Second,
		AuctionWindow:    500 * time.Millisecond,
	}
}

// DefaultStoreConfig returns default claims & link store configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		RedisAddr:      "localhost:6379",
		WriteRetries:   5,
		RetryBaseDelay: 50 * time.Millisecond,
	}
}

// DefaultEngineConfig returns default component engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DefaultMaxExecutionTime: 10 * time.Second,
		InstancePoolSize:        64,
		InstanceQueueSize:       1024,
		BlobCacheTTL:            30 * time.Second,
	}
}

// DefaultSupervisorConfig returns default provider supervisor configuration.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		ControlDialTimeout: 5 * time.Second,
		HealthInterval:     30 * time.Second,
		RestartReplayLimit: 10000,
	}
}

// DefaultRPCConfig returns default RPC router configuration.
func DefaultRPCConfig() RPCConfig {
	return RPCConfig{
		Timeout:         2 * time.Second,
		InboundRatePerS: 2000,
		InboundBurst:    4000,
	}
}

// DefaultLogConfig returns default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns default telemetry configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "wasmlatticed",
		SampleRate:   0.1,
	}
}
