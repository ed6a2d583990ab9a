package app

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/valyala/fasthttp"

	"portalchat/internal/reconcile"
	"portalchat/pkg/api"
	"portalchat/pkg/api/auth"
	"portalchat/pkg/config"
	"portalchat/pkg/logger"
	"portalchat/pkg/realtime"
	"portalchat/pkg/sensor"
	"portalchat/pkg/state"
	"portalchat/pkg/store"
	"portalchat/pkg/stream"
	"portalchat/pkg/telemetry"
)

// App groups server state and components.
type App struct {
	eff       config.EffectiveConfigResult
	version   string
	commit    string
	buildDate string

	db        *store.DB
	engine    *realtime.Engine
	api       *api.API
	gateway   *auth.Gateway
	stream    *stream.Server
	reconcile *reconcile.Manager
	hwSensor  *sensor.Sensor

	reconcileCancel context.CancelFunc
	srvFast         *fasthttp.Server
	state           string
}

// New sets up resources that don't need a running context: validation,
// runtime keys, telemetry and the store. Call Run to start listeners.
func New(eff config.EffectiveConfigResult, version, commit, buildDate string) (*App, error) {
	_ = godotenv.Load(".env")

	if err := config.ValidateConfig(eff); err != nil {
		return nil, err
	}
	cfg := eff.Config
	config.SetConfig(cfg)

	if cfg.Store.DisableWAL {
		items := []string{
			"pebble_wal: disabled",
			fmt.Sprintf("sync_writes: %t", cfg.Store.SyncWrites),
			fmt.Sprintf("block_cache: %s", humanize.Bytes(uint64(cfg.Store.CacheSize.Int64()))),
			"acknowledged writes may be lost on crash",
		}
		logger.LogConfigSummary("config_durability_summary", items)
	}

	// backend keys both authenticate and sign user identities
	runtimeCfg := &config.RuntimeConfig{BackendKeys: map[string]struct{}{}, SigningKeys: map[string]struct{}{}}
	for _, k := range cfg.Server.APIKeys.Backend {
		runtimeCfg.BackendKeys[k] = struct{}{}
		runtimeCfg.SigningKeys[k] = struct{}{}
	}
	config.SetRuntime(runtimeCfg)

	if state.PathsVar.Store == "" {
		return nil, fmt.Errorf("state paths not initialized")
	}

	tel := cfg.Telemetry
	if err := telemetry.Init(telemetry.Options{
		Dir:           state.PathsVar.Tel,
		SampleRate:    tel.SampleRate,
		SlowThreshold: tel.SlowThreshold.Duration(),
		BufferSize:    int(tel.BufferSize.Int64()),
		QueueCapacity: tel.QueueCapacity,
		FlushInterval: tel.FlushInterval.Duration(),
		MaxFileSize:   tel.FileMaxSize.Int64(),
	}); err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	db, err := store.Open(state.PathsVar.Store, store.Options{
		DisableWAL: cfg.Store.DisableWAL,
		SyncWrites: cfg.Store.SyncWrites,
		CacheSize:  cfg.Store.CacheSize.Int64(),
	})
	if err != nil {
		telemetry.Close()
		return nil, err
	}

	a := &App{eff: eff, version: version, commit: commit, buildDate: buildDate, db: db, state: "initialized"}
	a.engine = realtime.New(db)
	a.reconcile = reconcile.New(cfg.Reconcile, a.engine)
	a.api = api.New(api.Deps{
		Engine:    a.engine,
		DB:        db,
		Reconcile: a.reconcile,
		Version:   version,
	})

	sec := auth.SecConfigFrom(cfg)
	a.gateway = auth.NewGateway(sec)
	a.stream = stream.New(a.engine, a.api.Rules(), sec, stream.Options{
		WriteWait:       cfg.Stream.WriteWait.Duration(),
		PongWait:        cfg.Stream.PongWait.Duration(),
		MaxMessageBytes: cfg.Stream.MaxMessageBytes.Int64(),
		SendBuffer:      cfg.Stream.SendBuffer,
	})
	return a, nil
}

// Run starts the background jobs and both listeners, and blocks until ctx
// is cancelled or a listener fails.
func (a *App) Run(ctx context.Context) error {
	a.printBanner()

	cancel, err := a.reconcile.Start(ctx)
	if err != nil {
		return err
	}
	a.reconcileCancel = cancel

	a.hwSensor = sensor.NewSensorFromConfig(state.PathsVar.Store, a.engine)
	a.hwSensor.Start()

	httpErr := a.startHTTP(ctx)
	streamErr := a.stream.Start(a.eff.Config.StreamAddr())
	a.state = "running"
	logger.Info("app_started", "addr", a.eff.Config.Addr(), "stream_addr", a.eff.Config.StreamAddr())

	select {
	case <-ctx.Done():
		return nil
	case err := <-httpErr:
		return fmt.Errorf("http listener: %w", err)
	case err := <-streamErr:
		if err == nil {
			return nil
		}
		return fmt.Errorf("stream listener: %w", err)
	}
}
