package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
)

// holds parsed command-line flag values and which were set
type Flags struct {
	Addr   string
	DB     string
	Config string
	Set    map[string]bool
}

// holds the result of LoadEffectiveConfig
type EffectiveConfigResult struct {
	Config *Config
	Addr   string
	DBPath string
	Source string // "flags", "config", or "env"
}

// parses command-line flags from args (normally os.Args[1:])
func ParseConfigFlags(args []string) (Flags, error) {
	fset := flag.NewFlagSet("portalchat", flag.ContinueOnError)
	addrPtr := fset.String("addr", ":8080", "HTTP listen address")
	dbPtr := fset.String("db", "./.database", "Pebble DB path")
	cfgPtr := fset.String("config", "./config.yaml", "Path to config file")
	if err := fset.Parse(args); err != nil {
		return Flags{}, err
	}

	// record which flags were set explicitly
	setFlags := make(map[string]bool)
	fset.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })

	return Flags{Addr: *addrPtr, DB: *dbPtr, Config: *cfgPtr, Set: setFlags}, nil
}

// loads config from file, returns config, found bool, and error
func ParseConfigFile(flags Flags) (*Config, bool, error) {
	cfgPath := ResolveConfigPath(flags.Config, flags.Set["config"])
	cfg, err := LoadConfigFile(cfgPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Config{}, false, nil
		}
		return nil, false, err
	}
	return cfg, true, nil
}

func parseList(v string) []string {
	if v == "" {
		return nil
	}
	parts := []string{}
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			parts = append(parts, s)
		}
	}
	return parts
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

// splitAddr fills address and port from host:port, or address only.
func splitAddr(v string, addr *string, port *int) {
	if h, p, err := net.SplitHostPort(v); err == nil {
		*addr = h
		if pi, err := strconv.Atoi(p); err == nil {
			*port = pi
		}
		return
	}
	*addr = v
}

// loads PORTALCHAT_* environment variables into a new Config; reports whether any was set
func ParseConfigEnvs() (*Config, bool) {
	get := func(name string) string { return strings.TrimSpace(os.Getenv("PORTALCHAT_" + name)) }
	envCfg := &Config{}
	used := false
	set := func(name string, apply func(v string)) {
		if v := get(name); v != "" {
			used = true
			apply(v)
		}
	}

	// server
	set("ADDR", func(v string) { splitAddr(v, &envCfg.Server.Address, &envCfg.Server.Port) })
	set("SERVER_ADDRESS", func(v string) { envCfg.Server.Address = v })
	set("SERVER_PORT", func(v string) {
		if pi, err := strconv.Atoi(v); err == nil {
			envCfg.Server.Port = pi
		}
	})
	set("DB_PATH", func(v string) { envCfg.Server.DBPath = v })
	set("TLS_CERT", func(v string) { envCfg.Server.TLS.CertFile = v })
	set("TLS_KEY", func(v string) { envCfg.Server.TLS.KeyFile = v })
	set("CORS_ORIGINS", func(v string) { envCfg.Server.CORS.AllowedOrigins = parseList(v) })
	set("RATE_RPS", func(v string) {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			envCfg.Server.RateLimit.RPS = f
		}
	})
	set("RATE_BURST", func(v string) {
		if n, err := strconv.Atoi(v); err == nil {
			envCfg.Server.RateLimit.Burst = n
		}
	})
	set("IP_WHITELIST", func(v string) { envCfg.Server.IPWhitelist = parseList(v) })
	set("API_BACKEND_KEYS", func(v string) { envCfg.Server.APIKeys.Backend = parseList(v) })
	set("API_FRONTEND_KEYS", func(v string) { envCfg.Server.APIKeys.Frontend = parseList(v) })
	set("API_ADMIN_KEYS", func(v string) { envCfg.Server.APIKeys.Admin = parseList(v) })

	// stream
	set("STREAM_ADDR", func(v string) { splitAddr(v, &envCfg.Stream.Address, &envCfg.Stream.Port) })
	set("STREAM_WRITE_WAIT", func(v string) {
		if d, err := parseDuration(v); err == nil {
			envCfg.Stream.WriteWait = d
		}
	})
	set("STREAM_PONG_WAIT", func(v string) {
		if d, err := parseDuration(v); err == nil {
			envCfg.Stream.PongWait = d
		}
	})
	set("STREAM_MAX_MESSAGE_BYTES", func(v string) {
		if s, err := parseSize(v); err == nil {
			envCfg.Stream.MaxMessageBytes = s
		}
	})

	// store
	set("STORE_DISABLE_WAL", func(v string) { envCfg.Store.DisableWAL = parseBool(v) })
	set("STORE_SYNC_WRITES", func(v string) { envCfg.Store.SyncWrites = parseBool(v) })
	set("STORE_CACHE_SIZE", func(v string) {
		if s, err := parseSize(v); err == nil {
			envCfg.Store.CacheSize = s
		}
	})

	// logging
	set("LOG_LEVEL", func(v string) { envCfg.Logging.Level = v })

	// reconcile
	set("RECONCILE_ENABLED", func(v string) { envCfg.Reconcile.Enabled = parseBool(v) })
	set("RECONCILE_CRON", func(v string) { envCfg.Reconcile.Cron = v })
	set("RECONCILE_REPAIR", func(v string) { envCfg.Reconcile.Repair = parseBool(v) })

	// telemetry
	set("TELEMETRY_SAMPLE_RATE", func(v string) {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			envCfg.Telemetry.SampleRate = f
		}
	})
	set("TELEMETRY_SLOW_THRESHOLD", func(v string) {
		if d, err := parseDuration(v); err == nil {
			envCfg.Telemetry.SlowThreshold = d
		}
	})

	// sensor.monitor
	set("SENSOR_MONITOR_POLL_INTERVAL", func(v string) {
		if d, err := parseDuration(v); err == nil {
			envCfg.Sensor.Monitor.PollInterval = d
		}
	})
	set("SENSOR_MONITOR_DISK_HIGH_PCT", func(v string) {
		if n, err := strconv.Atoi(v); err == nil {
			envCfg.Sensor.Monitor.DiskHighPct = n
		}
	})
	set("SENSOR_MONITOR_DISK_LOW_PCT", func(v string) {
		if n, err := strconv.Atoi(v); err == nil {
			envCfg.Sensor.Monitor.DiskLowPct = n
		}
	})

	return envCfg, used
}

// builds the effective config. The file wins over env when present; explicit
// flags win over both for the listen address and db path.
func LoadEffectiveConfig(flags Flags, fileCfg *Config, fileExists bool, envCfg *Config, envUsed bool) (EffectiveConfigResult, error) {
	var res EffectiveConfigResult

	if flags.Set["config"] && !fileExists {
		return res, fmt.Errorf("config file %s not found", flags.Config)
	}

	switch {
	case fileExists:
		res.Config = fileCfg
		res.Source = "config"
	case envUsed:
		res.Config = envCfg
		res.Source = "env"
	default:
		res.Config = &Config{}
		res.Source = "flags"
	}
	if res.Config.Server.DBPath == "" {
		res.Config.Server.DBPath = flags.DB
	}

	if flags.Set["addr"] {
		splitAddr(flags.Addr, &res.Config.Server.Address, &res.Config.Server.Port)
		res.Source = "flags"
	}
	if flags.Set["db"] {
		res.Config.Server.DBPath = flags.DB
		res.Source = "flags"
	}

	if err := res.Config.ApplyDefaults(); err != nil {
		return res, err
	}
	res.Addr = res.Config.Addr()
	res.DBPath = res.Config.Server.DBPath
	return res, nil
}
