package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"geofenced/internal/config"
	"geofenced/internal/dispatch"
	"geofenced/internal/engine"
	"geofenced/internal/health"
	"geofenced/internal/host"
	"geofenced/internal/ipc"
	"geofenced/internal/logging"
	"geofenced/internal/metrics"
	"geofenced/internal/monitor"
	"geofenced/internal/permission"
	"geofenced/internal/store"
)

const (
	shutdownTimeout     = 5 * time.Second
	queueDegradedRatio  = 0.8
	crashReportMaxAge   = 30 * 24 * time.Hour
	metricsReadTimeout  = 10 * time.Second
	metricsWriteTimeout = 10 * time.Second
)

// daemon holds every long-lived component of a running geofenced.
type daemon struct {
	loader  *config.Loader
	cfg     *config.Config
	logger  *logging.Logger
	crash   *logging.CrashHandler
	metrics *metrics.Metrics
	store   *store.Store
	engine  *engine.Engine
	geoclue *host.GeoClue
	server  *ipc.Server
	health  *health.Checker
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file")
	fs.Parse(args)

	d, err := newDaemon(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.run(ctx); err != nil {
		d.logger.Error("daemon exited with error", "error", err)
		d.close()
		os.Exit(1)
	}
	d.close()
}

// newDaemon loads configuration and builds the components without starting
// anything that accepts input.
func newDaemon(configPath string) (*daemon, error) {
	d := &daemon{loader: config.NewLoader(configPath)}

	cfg, err := d.loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", d.loader.Path(), err)
	}
	d.cfg = cfg
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	d.logger, err = newLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}
	logging.SetDefault(d.logger)
	log := d.logger.Slog()

	d.crash = logging.NewCrashHandler(logging.DefaultCrashDir(), Version, log.With("component", "crash"))
	if err := d.crash.Prune(crashReportMaxAge); err != nil {
		log.Debug("crash report pruning failed", "error", err)
	}

	if cfg.Metrics.Enabled {
		d.metrics = metrics.New(prometheus.DefaultRegisterer)
	}

	if cfg.Storage.Path != "" {
		d.store, err = store.Open(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	permHost, err := d.permissionHost(log)
	if err != nil {
		d.close()
		return nil, err
	}

	d.engine = engine.New(engine.Config{
		Monitor: monitor.Config{MaxAccuracy: cfg.Monitor.MaxAccuracyMeters},
		Dispatch: dispatch.Config{
			QueueSize:       cfg.Dispatch.QueueSize,
			DeliveryTimeout: cfg.DeliveryTimeout(),
		},
		Defaults:       cfg.RegionDefaults(),
		MaxRegions:     cfg.Monitor.MaxRegions,
		EventLog:       cfg.Storage.EventLog,
		EventRetention: cfg.EventRetention(),
	}, permHost, d.store,
		engine.WithLogger(log.With("component", "engine")),
		engine.WithMetrics(d.metrics),
	)
	if d.geoclue != nil {
		d.geoclue.SetStateHandler(d.engine.SetHostState)
	}

	d.health = health.NewChecker()
	return d, nil
}

// permissionHost picks GeoClue when it is enabled and reachable, and
// otherwise a static host seeded from configuration.
func (d *daemon) permissionHost(log *slog.Logger) (permission.Host, error) {
	if d.cfg.Sensors.GeoClue && d.cfg.Sensors.ReplayFile == "" {
		gc := host.NewGeoClue(d.cfg.Sensors.DesktopID, log.With("component", "geoclue"))
		err := gc.Open()
		if err == nil {
			d.geoclue = gc
			return gc, nil
		}
		log.Warn("geoclue unavailable, using static permission", "error", err)
	}

	state, err := permission.ParseState(d.cfg.Sensors.PermissionState)
	if err != nil {
		return nil, fmt.Errorf("sensors.permission_state: %w", err)
	}
	return permission.NewStaticHost(state), nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}

	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = format
	lc.Output = cfg.Logging.Output
	lc.FilePath = cfg.Logging.FilePath
	lc.MaxSize = int64(cfg.Logging.MaxSizeMB)
	lc.MaxBackups = cfg.Logging.MaxBackups
	lc.MaxAge = cfg.Logging.MaxAgeDays
	lc.Compress = cfg.Logging.Compress
	lc.RedactLocations = cfg.Logging.RedactLocations
	return logging.New(lc)
}

// run starts every component and blocks until ctx is done or one of them
// fails.
func (d *daemon) run(ctx context.Context) error {
	log := d.logger.Slog()

	if err := d.engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	if path := d.cfg.RegionsFile; path != "" {
		d.importRegions(ctx, path)
	}

	g, ctx := errgroup.WithContext(ctx)

	if d.cfg.IPC.Enabled {
		if err := d.startIPC(); err != nil {
			return err
		}
	}

	d.watchConfig(ctx)
	d.startSensors(ctx, g)
	d.registerHealthChecks()

	if d.cfg.Metrics.Enabled {
		g.Go(d.crash.Guard("http", func() error { return d.serveHTTP(ctx) }))
	}
	if d.metrics != nil {
		g.Go(d.crash.Guard("gauges", func() error { d.sampleGauges(ctx); return nil }))
	}

	d.health.SetReady(true)
	log.Info("geofenced started",
		"version", Version,
		"socket", d.cfg.IPC.SocketPath,
		"permission", d.engine.PermissionState().String(),
	)

	<-ctx.Done()
	d.health.SetReady(false)
	log.Info("shutting down")
	return ignoreCanceled(g.Wait())
}

func (d *daemon) startIPC() error {
	handler := ipc.NewDaemonHandler(d.engine, Version)
	d.server = ipc.NewServer(ipc.ServerConfig{
		SocketPath:     d.cfg.IPC.SocketPath,
		SocketMode:     d.cfg.SocketMode(),
		Version:        Version,
		ReadTimeout:    d.cfg.IPCTimeout(),
		MaxConnections: d.cfg.IPC.MaxConnections,
	}, handler, d.logger.Slog().With("component", "ipc"), d.metrics)

	handler.SetStatusSource(d.server)
	d.server.BindLifecycle(d.engine)
	d.engine.OnPermissionChange(d.server.PermissionChanged)
	d.engine.SetSink(d.server)

	if err := d.server.Start(); err != nil {
		return fmt.Errorf("start ipc server: %w", err)
	}
	return nil
}

// startSensors runs the configured sample sources. A replay file replaces
// the live sensors. An unavailable sensor is logged and skipped.
func (d *daemon) startSensors(ctx context.Context, g *errgroup.Group) {
	log := d.logger.Slog()
	sources := map[string]host.Source{}

	switch {
	case d.cfg.Sensors.ReplayFile != "":
		sources["replay"] = host.NewReplay(d.cfg.Sensors.ReplayFile, log.With("component", "replay"))
	default:
		if d.geoclue != nil {
			sources["geoclue"] = d.geoclue
		}
		if d.cfg.Sensors.BlueZ {
			sources["bluez"] = host.NewBlueZ(d.cfg.Sensors.Adapter, d.cfg.ScanWindow(), log.With("component", "bluez"))
		}
	}

	for name, src := range sources {
		g.Go(d.crash.Guard(name, func() error {
			err := src.Run(ctx, d.engine)
			switch {
			case errors.Is(err, host.ErrSensorUnavailable):
				log.Warn("sensor unavailable", "sensor", name, "error", err)
				return nil
			case err != nil && ctx.Err() == nil:
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		}))
	}
}

// watchConfig applies log level changes and re-imports the regions file
// whenever it is written.
func (d *daemon) watchConfig(ctx context.Context) {
	log := d.logger.Slog()

	d.loader.OnChange(func(old, new *config.Config) {
		if old.Logging.Level == new.Logging.Level {
			return
		}
		level, err := logging.ParseLevel(new.Logging.Level)
		if err != nil {
			log.Warn("ignoring log level change", "error", err)
			return
		}
		d.logger.SetLevel(level)
		log.Info("log level changed", "level", logging.LevelString(level))
	})
	d.loader.WatchFile(d.cfg.RegionsFile, func(path string) {
		d.importRegions(ctx, path)
	})

	if err := d.loader.Watch(); err != nil {
		log.Warn("config watching disabled", "error", err)
		return
	}
	d.crash.Go("config-errors", func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-d.loader.Errors():
				if !ok {
					return
				}
				log.Warn("config reload failed", "error", err)
			}
		}
	})
}

func (d *daemon) importRegions(ctx context.Context, path string) {
	log := d.logger.Slog()
	res, err := d.engine.ImportFile(ctx, path)
	if err != nil {
		log.Error("region import failed", "path", path, "error", err)
		return
	}
	log.Info("regions imported", "path", path, "registered", len(res.Registered), "removed", len(res.Removed))
}

func (d *daemon) registerHealthChecks() {
	if d.store != nil {
		d.health.RegisterFunc("store", true, health.DatabaseCheck(d.store.Ping))
	}
	d.health.RegisterFunc("permission", false, health.PermissionCheck(d.engine.PermissionState))
	d.health.RegisterFunc("dispatch", false, health.DispatchCheck(
		d.engine.DispatchStats, d.engine.QueueDepth, d.cfg.Dispatch.QueueSize, queueDegradedRatio))
	if d.server != nil {
		d.health.RegisterFunc("ipc", true, health.SocketCheck(d.server.SocketPath()))
	}
}

func (d *daemon) serveHTTP(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	d.health.Mount(mux)

	srv := &http.Server{
		Addr:         d.cfg.Metrics.ListenAddr,
		Handler:      mux,
		ReadTimeout:  metricsReadTimeout,
		WriteTimeout: metricsWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	d.logger.Info("metrics listening", "addr", d.cfg.Metrics.ListenAddr)

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// sampleGauges refreshes gauges the engine does not update on its own.
func (d *daemon) sampleGauges(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		d.metrics.SetPermissionState(int(d.engine.PermissionState()))
		d.metrics.SetDispatcherActive(d.engine.IsInitialized())
		d.metrics.SetPendingTimers(d.engine.PendingTimers())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// close releases components in reverse start order. Safe on a partially
// built daemon.
func (d *daemon) close() {
	if d.loader != nil {
		d.loader.Close()
	}
	if d.server != nil {
		if err := d.server.Stop(); err != nil {
			d.logger.Warn("ipc server stop", "error", err)
		}
	}
	if d.engine != nil {
		d.engine.Stop()
	}
	if d.geoclue != nil {
		d.geoclue.Close()
	}
	if d.store != nil {
		d.store.Close()
	}
	if d.logger != nil {
		d.logger.Info("geofenced stopped")
		d.logger.Close()
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
