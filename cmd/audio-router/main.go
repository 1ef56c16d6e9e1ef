package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/petems/audio-router/internal/app"
	"github.com/petems/audio-router/internal/audio"
	"github.com/petems/audio-router/internal/config"
	"github.com/petems/audio-router/internal/lockfile"
	"github.com/petems/audio-router/internal/logging"
	"github.com/petems/audio-router/internal/permissions"
	"github.com/petems/audio-router/internal/router"
	"github.com/petems/audio-router/internal/tray"
	"github.com/rs/zerolog"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

func main() {
	var (
		background   = flag.Bool("background", false, "start routing immediately")
		headless     = flag.Bool("headless", false, "run without the tray, routing immediately; stop with a signal")
		settingsPath = flag.String("settings", config.SettingsPath(), "path to the settings file")
		backend      = flag.String("backend", "portaudio", "audio backend: portaudio or miniaudio")
		logLevel     = flag.String("loglevel", "info", "log level: debug, info, warn, error")
		interval     = flag.Duration("watchdog", router.DefaultWatchdogInterval, "watchdog check interval")
		showVersion  = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("audio-router %s (%s)\n", Version, Commit)
		return
	}

	var log zerolog.Logger
	logger, err := logging.New(config.LogPath(), *logLevel)
	if err != nil {
		log = logging.Console()
		log.Warn().Err(err).Msg("Logging to console only")
	} else {
		defer logger.Close()
		log = logger.Logger
	}

	lockPath := lockfile.Path(*settingsPath)
	lockCtx, lockCancel := context.WithTimeout(context.Background(), time.Second)
	lock, err := lockfile.Acquire(lockCtx, lockPath)
	lockCancel()
	switch {
	case errors.Is(err, lockfile.ErrHeld):
		log.Error().Str("lock", lockPath).Msg("AudioRouter is already running")
		return
	case err != nil:
		log.Warn().Err(err).Str("lock", lockPath).Msg("Unable to take instance lock")
	default:
		defer lock.Close()
	}

	settings, err := config.Load(*settingsPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Info().Str("path", *settingsPath).Msg("No settings file, using defaults")
		settings = config.Defaults()
	case err != nil:
		log.Error().Err(err).Str("path", *settingsPath).Msg("Failed to load settings, continuing with what could be read")
	}

	// macOS only lists input devices once microphone access is granted
	if err := permissions.EnsurePermissions(); err != nil {
		log.Warn().Err(err).Msg("Microphone access not granted, input devices may be unavailable")
	}

	catalog, err := newCatalog(*backend, log)
	if err != nil {
		log.Fatal().Err(err).Str("backend", *backend).Msg("Failed to initialize audio")
	}
	defer catalog.Close()

	r := router.New(router.Options{
		Catalog:          catalog,
		Logger:           log,
		WatchdogInterval: *interval,
	})

	application := app.New(app.Config{
		Router:        r,
		Settings:      settings,
		SettingsPath:  *settingsPath,
		Logger:        log,
		WatchSettings: true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup shutdown signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			log.Info().Msg("Shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	done := make(chan error, 1)
	go func() { done <- application.Run(ctx) }()

	log.Info().
		Str("version", Version).
		Str("backend", *backend).
		Str("input", settings.InputDeviceName).
		Str("output", settings.OutputDeviceName).
		Msg("AudioRouter starting...")

	// Without a tray there is nothing to press Start with.
	if *background || *headless {
		application.Start()
	}

	if *headless {
		<-ctx.Done()
	} else {
		trayUI := tray.New(nil, Version, Commit, log, cancel) // App reference set below
		trayUI.SetApp(application)
		application.SetStatusUpdater(trayUI)

		// Start tray UI - MUST run on main thread
		if err := trayUI.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Tray error")
		}
		cancel()
	}

	if err := <-done; err != nil {
		log.Error().Err(err).Msg("Run error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown error")
	}
}

func newCatalog(backend string, log zerolog.Logger) (audio.Catalog, error) {
	switch backend {
	case "portaudio":
		return audio.NewPortAudio(log)
	case "miniaudio":
		return audio.NewMiniaudio(log)
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}
