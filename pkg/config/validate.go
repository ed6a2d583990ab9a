package config

import (
	"fmt"
	"os"
)

// set defaults, fail fast on critical errors
func ValidateConfig(eff EffectiveConfigResult) error {
	cfg := eff.Config
	if cfg == nil {
		return fmt.Errorf("effective config is nil")
	}
	// DB path must be present
	if p := eff.DBPath; p == "" {
		return fmt.Errorf("database path is empty: set --db flag, PORTALCHAT_DB_PATH env, or server.db_path in config")
	}

	// TLS cert/key presence check if one is set
	cert := cfg.Server.TLS.CertFile
	key := cfg.Server.TLS.KeyFile
	if (cert != "" && key == "") || (cert == "" && key != "") {
		return fmt.Errorf("incomplete TLS configuration: both server.tls.cert_file and server.tls.key_file must be set")
	}
	if cert != "" {
		if _, err := os.Stat(cert); err != nil {
			return fmt.Errorf("tls cert file not accessible: %w", err)
		}
		if _, err := os.Stat(key); err != nil {
			return fmt.Errorf("tls key file not accessible: %w", err)
		}
	}

	if len(cfg.Server.APIKeys.Backend) == 0 {
		return fmt.Errorf("no backend api keys configured: user signatures cannot be issued or verified")
	}
	if cfg.Server.Port == cfg.Stream.Port && (cfg.Stream.Address == "" || cfg.Stream.Address == cfg.Server.Address) {
		return fmt.Errorf("server.port and stream.port must differ (both %d)", cfg.Server.Port)
	}

	mon := cfg.Sensor.Monitor
	if mon.DiskHighPct <= 0 || mon.DiskHighPct > 100 || mon.DiskLowPct <= 0 || mon.DiskLowPct > mon.DiskHighPct {
		return fmt.Errorf("invalid sensor.monitor thresholds: low=%d high=%d", mon.DiskLowPct, mon.DiskHighPct)
	}
	if cfg.Telemetry.SampleRate < 0 || cfg.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be within [0,1], got %v", cfg.Telemetry.SampleRate)
	}

	return nil
}
