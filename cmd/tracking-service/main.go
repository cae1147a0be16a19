package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"tracking-service/internal/activity"
	"tracking-service/internal/clock"
	"tracking-service/internal/config"
	"tracking-service/internal/location"
	"tracking-service/internal/metrics"
	"tracking-service/internal/platform"
	"tracking-service/internal/redis"
	"tracking-service/internal/service"
	"tracking-service/internal/tracker"
	"tracking-service/internal/upload"
	"tracking-service/internal/wakelock"
)

var version = "dev" // Default version, can be overridden during build

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tracking-service %s\n", version)
		return
	}

	logger := newLogger(*debug)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if !*debug {
		if lvl, err := zerolog.ParseLevel(cfg.Log.Level); err == nil {
			logger = logger.Level(lvl)
		}
	}
	logger.Info().Str("version", version).Msg("tracking-service starting")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("service failed")
	}
}

// newLogger skips timestamps when running under systemd/journald.
func newLogger(debug bool) zerolog.Logger {
	var logger zerolog.Logger
	if os.Getenv("JOURNAL_STREAM") != "" {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	}
	if debug {
		return logger.Level(zerolog.DebugLevel)
	}
	return logger.Level(zerolog.InfoLevel)
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	store, err := redis.New(cfg.Redis.URL, logger)
	if err != nil {
		return fmt.Errorf("failed to create Redis client: %w", err)
	}
	defer store.Close()

	var services platform.LocationServices
	if cfg.Platform.ModemManager {
		mm, err := platform.NewModemManager()
		if err != nil {
			logger.Warn().Err(err).Msg("ModemManager unavailable, assuming location services are on")
		} else {
			services = mm
		}
	}
	caps := platform.NewChecker(store, services, logger)

	locker, err := newLocker(cfg.WakeLock)
	if err != nil {
		logger.Warn().Err(err).Str("backend", cfg.WakeLock.Backend).Msg("wake lock backend unavailable, running without")
		locker = wakelock.Nop{}
	}
	clk := clock.Real{}
	guard := wakelock.NewGuard(locker, clk, logger)
	guard.OnChange(metrics.SetWakeLockHeld)

	gps := location.NewGPSD(cfg.GPSD.Server, cfg.GPSD.FixTimeout, cfg.GPSD.RetryBackoff, logger)
	uploader := upload.New(cfg.Upload.Endpoint, cfg.Upload.Token, cfg.Upload.DeviceID, cfg.Upload.Timeout, logger)

	trackerCfg := trackerConfig(cfg)
	newController := func() service.Controller {
		deps := tracker.Deps{
			Clock:        clk,
			Location:     gps,
			Capabilities: caps,
			Uploader:     uploader,
			Guard:        guard,
			Store:        store,
			Logger:       logger,
		}
		// a nil *MotionSensor must not end up in the interface
		if cfg.Activity.Enabled {
			deps.Activity = activity.NewMotionSensor(cfg.Activity.Chip, cfg.Activity.Line, cfg.Activity.Debounce, logger)
		}
		return tracker.New(trackerCfg, deps)
	}

	lifecycle := service.New(store, caps, newController, logger)

	sup := service.NewSupervisor(logger)
	sup.Add(service.Func{Name: "gpsd", Run: func(ctx context.Context) error {
		gps.Run(ctx)
		return ctx.Err()
	}})
	sup.Add(lifecycle)
	if cfg.Metrics.Listen != "" {
		sup.Add(metricsServer(cfg.Metrics.Listen, logger))
	}

	return sup.Serve(ctx)
}

func newLocker(cfg config.WakeLockConfig) (wakelock.Locker, error) {
	switch cfg.Backend {
	case "logind":
		return wakelock.NewLogind(cfg.Name, "location tracking live view")
	case "sysfs":
		return wakelock.NewSysfs(cfg.Name), nil
	}
	return wakelock.Nop{}, nil
}

func trackerConfig(cfg *config.Config) tracker.Config {
	t := cfg.Tracking
	return tracker.Config{
		LiveWindow:            t.LiveWindow,
		IdleTimeout:           t.IdleTimeout,
		IdleInterval:          t.IdleInterval,
		ReconcileInterval:     t.ReconcileInterval,
		LiveSampleInterval:    t.LiveSampleInterval,
		WakeLockTimeout:       cfg.WakeLock.Timeout,
		WakeLockRenew:         cfg.WakeLock.Renew,
		MoveDistanceThreshold: t.MoveDistanceThreshold,
		SpeedThreshold:        t.SpeedThreshold,
		MovingMinDistance:     t.MovingMinDistance,
		IdleMinDistance:       t.IdleMinDistance,
		LiveFailureLimit:      t.LiveFailureLimit,
		BackoffBase:           t.BackoffBase,
		BackoffMax:            t.BackoffMax,
		AuthBlock:             t.AuthBlock,
	}
}

func metricsServer(addr string, logger zerolog.Logger) service.Func {
	return service.Func{Name: "metrics", Run: func(ctx context.Context) error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()

		logger.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return ctx.Err()
	}}
}
