package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"gopkg.in/yaml.v3"
)

// Defaults applied by ApplyDefaults when a value is left unset.
const (
	defaultPort       = 8080
	defaultStreamPort = 8081

	defaultStreamWriteWait  = 10 * time.Second
	defaultStreamPongWait   = 60 * time.Second
	defaultStreamMaxMessage = 64 * 1024
	defaultStreamSendBuffer = 256

	defaultStoreCacheSize = 64 * 1024 * 1024 // 64 MiB

	defaultRateRPS   = 100
	defaultRateBurst = 200

	// reconcile defaults
	defaultReconcileCron = "*/30 * * * *" // every 30 minutes

	// telemetry defaults
	defaultTelemetrySampleRate    = 0.001
	defaultTelemetrySlowMs        = 200
	defaultTelemetryBufferSize    = 1024 * 1024      // 1MB
	defaultTelemetryFileMaxSize   = 40 * 1024 * 1024 // 40MB
	defaultTelemetryFlushMs       = 2000             // 2 seconds
	defaultTelemetryQueueCapacity = 2048

	// sensor defaults
	defaultSensorPollInterval   = 5 * time.Second
	defaultSensorDiskHighPct    = 95
	defaultSensorDiskLowPct     = 90
	defaultSensorRecoveryWindow = 30 * time.Second
)

var (
	runtimeMu  sync.RWMutex
	runtimeCfg *RuntimeConfig
	globalCfg  *Config
)

// SetRuntime sets the global runtime config.
func SetRuntime(rc *RuntimeConfig) {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	runtimeCfg = rc
}

// SetConfig installs the effective config for packages that read it lazily.
func SetConfig(c *Config) {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	globalCfg = c
}

// GetConfig returns the installed config, or an empty one with defaults.
func GetConfig() *Config {
	runtimeMu.RLock()
	c := globalCfg
	runtimeMu.RUnlock()
	if c == nil {
		c = &Config{}
		_ = c.ApplyDefaults()
	}
	return c
}

// GetBackendKeys returns a copy of backend API keys.
func GetBackendKeys() map[string]struct{} {
	runtimeMu.RLock()
	defer runtimeMu.RUnlock()
	out := make(map[string]struct{})
	if runtimeCfg == nil || runtimeCfg.BackendKeys == nil {
		return out
	}
	for k := range runtimeCfg.BackendKeys {
		out[k] = struct{}{}
	}
	return out
}

// GetSigningKeys returns a copy of signing keys.
func GetSigningKeys() map[string]struct{} {
	runtimeMu.RLock()
	defer runtimeMu.RUnlock()
	out := make(map[string]struct{})
	if runtimeCfg == nil || runtimeCfg.SigningKeys == nil {
		return out
	}
	for k := range runtimeCfg.SigningKeys {
		out[k] = struct{}{}
	}
	return out
}

// Addr returns the HTTP server address as host:port.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	port := c.Server.Port
	if port == 0 {
		port = defaultPort
	}
	return fmt.Sprintf("%s:%d", addr, port)
}

// StreamAddr returns the websocket listener address as host:port.
func (c *Config) StreamAddr() string {
	addr := c.Stream.Address
	if addr == "" {
		addr = c.Server.Address
	}
	if addr == "" {
		addr = "0.0.0.0"
	}
	port := c.Stream.Port
	if port == 0 {
		port = defaultStreamPort
	}
	return fmt.Sprintf("%s:%d", addr, port)
}

// LoadConfigFile reads and parses a config file.
func LoadConfigFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyDefaults fills in missing values and validates the few settings that
// can be checked without touching the filesystem.
func (c *Config) ApplyDefaults() error {
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Server.RateLimit.RPS <= 0 {
		c.Server.RateLimit.RPS = defaultRateRPS
	}
	if c.Server.RateLimit.Burst <= 0 {
		c.Server.RateLimit.Burst = defaultRateBurst
	}

	// stream defaults
	if c.Stream.Port == 0 {
		c.Stream.Port = defaultStreamPort
	}
	if c.Stream.WriteWait.Duration() == 0 {
		c.Stream.WriteWait = Duration(defaultStreamWriteWait)
	}
	if c.Stream.PongWait.Duration() == 0 {
		c.Stream.PongWait = Duration(defaultStreamPongWait)
	}
	if c.Stream.MaxMessageBytes.Int64() == 0 {
		c.Stream.MaxMessageBytes = SizeBytes(defaultStreamMaxMessage)
	}
	if c.Stream.SendBuffer <= 0 {
		c.Stream.SendBuffer = defaultStreamSendBuffer
	}

	if c.Store.CacheSize.Int64() == 0 {
		c.Store.CacheSize = SizeBytes(defaultStoreCacheSize)
	}

	// Telemetry defaults
	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = defaultTelemetrySampleRate
	}
	if c.Telemetry.SlowThreshold.Duration() == 0 {
		c.Telemetry.SlowThreshold = Duration(time.Duration(defaultTelemetrySlowMs) * time.Millisecond)
	}
	if c.Telemetry.BufferSize.Int64() == 0 {
		c.Telemetry.BufferSize = SizeBytes(defaultTelemetryBufferSize)
	}
	if c.Telemetry.FileMaxSize.Int64() == 0 {
		c.Telemetry.FileMaxSize = SizeBytes(defaultTelemetryFileMaxSize)
	}
	if c.Telemetry.FlushInterval.Duration() == 0 {
		c.Telemetry.FlushInterval = Duration(time.Duration(defaultTelemetryFlushMs) * time.Millisecond)
	}
	if c.Telemetry.QueueCapacity <= 0 {
		c.Telemetry.QueueCapacity = defaultTelemetryQueueCapacity
	}

	// Sensor monitor defaults
	if c.Sensor.Monitor.PollInterval.Duration() == 0 {
		c.Sensor.Monitor.PollInterval = Duration(defaultSensorPollInterval)
	}
	if c.Sensor.Monitor.DiskHighPct == 0 {
		c.Sensor.Monitor.DiskHighPct = defaultSensorDiskHighPct
	}
	if c.Sensor.Monitor.DiskLowPct == 0 {
		c.Sensor.Monitor.DiskLowPct = defaultSensorDiskLowPct
	}
	if c.Sensor.Monitor.RecoveryWindow.Duration() == 0 {
		c.Sensor.Monitor.RecoveryWindow = Duration(defaultSensorRecoveryWindow)
	}

	if c.Reconcile.Cron == "" {
		c.Reconcile.Cron = defaultReconcileCron
	}
	if !gronx.New().IsValid(c.Reconcile.Cron) {
		return fmt.Errorf("invalid reconcile cron expression: %s", c.Reconcile.Cron)
	}
	return nil
}

// ResolveConfigPath returns the config file path, preferring flag, then env.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("PORTALCHAT_CONFIG"); p != "" {
		return p
	}
	return flagPath
}
