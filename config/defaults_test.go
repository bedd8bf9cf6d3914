package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- DefaultConfig aggregate ---

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEqual(t, ServerConfig{}, cfg.Server)
	assert.NotEqual(t, HostIdentityConfig{}, cfg.Host)
	assert.NotEqual(t, FabricConfig{}, cfg.Fabric)
	assert.NotEqual(t, StoreConfig{}, cfg.Store)
	assert.NotEqual(t, EngineConfig{}, cfg.Engine)
	assert.NotEqual(t, SupervisorConfig{}, cfg.Supervisor)
	assert.NotEqual(t, RPCConfig{}, cfg.RPC)
	assert.NotEqual(t, LogConfig{}, cfg.Log)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
}

func TestDefaultConfig_SatisfiesValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}

// --- Individual Default*Config functions ---

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	assert.Equal(t, ":4000", cfg.HTTPAddr)
	assert.Equal(t, ":9091", cfg.MetricsAddr)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
}

func TestDefaultHostIdentityConfig(t *testing.T) {
	cfg := DefaultHostIdentityConfig()
	assert.Equal(t, "default", cfg.LatticeID)
	assert.NotNil(t, cfg.Labels)
}

func TestDefaultFabricConfig(t *testing.T) {
	cfg := DefaultFabricConfig()
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Empty(t, cfg.Password)
	assert.Equal(t, 0, cfg.DB)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, 2, cfg.MinIdleConns)
	assert.Equal(t, 900*1024, cfg.InlineLimitBytes)
	assert.Equal(t, 2*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.AuctionWindow)
}

func TestDefaultStoreConfig(t *testing.T) {
	cfg := DefaultStoreConfig()
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 5, cfg.WriteRetries)
	assert.Equal(t, 50*time.Millisecond, cfg.RetryBaseDelay)
}

func TestDefaultEngineConfig(t *testing.T) {
	cfg := DefaultEngineConfig()
	assert.Equal(t, 10*time.Second, cfg.DefaultMaxExecutionTime)
	assert.Equal(t, 64, cfg.InstancePoolSize)
	assert.Equal(t, 1024, cfg.InstanceQueueSize)
}

func TestDefaultSupervisorConfig(t *testing.T) {
	cfg := DefaultSupervisorConfig()
	assert.Equal(t, 5*time.Second, cfg.ControlDialTimeout)
	assert.Equal(t, 30*time.Second, cfg.HealthInterval)
	assert.Equal(t, 10000, cfg.RestartReplayLimit)
}

func TestDefaultRPCConfig(t *testing.T) {
	cfg := DefaultRPCConfig()
	assert.Equal(t, 2*time.Second, cfg.Timeout)
	assert.Equal(t, 2000, cfg.InboundRatePerS)
	assert.Equal(t, 4000, cfg.InboundBurst)
}

func TestDefaultRPCConfig_ExceedsAuctionWindow(t *testing.T) {
	// The RPC timeout must strictly exceed the fabric auction window, or a
	// host could resolve an auction after the caller already gave up.
	rpc := DefaultRPCConfig()
	fabric := DefaultFabricConfig()
	assert.Greater(t, rpc.Timeout, fabric.AuctionWindow)
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, []string{"stdout"}, cfg.OutputPaths)
	assert.True(t, cfg.EnableCaller)
	assert.False(t, cfg.EnableStacktrace)
}

func TestDefaultTelemetryConfig(t *testing.T) {
	cfg := DefaultTelemetryConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.Equal(t, "wasmlatticed", cfg.ServiceName)
	assert.InDelta(t, 0.1, cfg.SampleRate, 0.001)
}
