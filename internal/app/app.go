package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/petems/audio-router/internal/audio"
	"github.com/petems/audio-router/internal/config"
	"github.com/petems/audio-router/internal/router"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	defaultStatusInterval = 200 * time.Millisecond
	reloadDebounce        = 100 * time.Millisecond
)

// StatusUpdater is an interface for updating status (e.g., tray icon)
type StatusUpdater interface {
	SetRunning()
	SetAttempting()
	SetStopped()
}

type Config struct {
	Router        *router.Router
	Settings      *config.Settings
	SettingsPath  string
	Logger        zerolog.Logger
	StatusUpdater StatusUpdater // Optional - can be nil
	// StatusInterval is how often the router state is polled for the
	// status updater. Defaults to 200ms.
	StatusInterval time.Duration
	// WatchSettings reloads the settings file when it changes on disk.
	WatchSettings bool
}

type App struct {
	router         *router.Router
	path           string
	log            zerolog.Logger
	status         StatusUpdater
	statusInterval time.Duration
	watchSettings  bool

	// cfgMu serializes read-modify-write cycles of the router config.
	cfgMu sync.Mutex

	mu        sync.Mutex
	lastState router.State
	notified  bool
}

func New(cfg Config) *App {
	a := &App{
		router:         cfg.Router,
		path:           cfg.SettingsPath,
		log:            cfg.Logger,
		status:         cfg.StatusUpdater,
		statusInterval: cfg.StatusInterval,
		watchSettings:  cfg.WatchSettings,
	}
	if a.statusInterval <= 0 {
		a.statusInterval = defaultStatusInterval
	}
	if cfg.Settings != nil {
		a.router.SetConfig(cfg.Settings.RouterConfig())
	}
	return a
}

// SetStatusUpdater sets the status surface (for circular dependency
// resolution with the tray).
func (a *App) SetStatusUpdater(s StatusUpdater) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = s
	a.notified = false
}

// Run drives the watchdog, the status loop and the settings watcher until
// ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.router.StartWatchdog(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.runStatusLoop(gctx)
		return nil
	})

	if a.watchSettings && a.path != "" {
		g.Go(func() error {
			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				a.log.Warn().Err(err).Msg("Unable to start settings watcher")
				return nil
			}
			a.runSettingsWatcher(gctx, watcher)
			return watcher.Close()
		})
	}

	return g.Wait()
}

func (a *App) Start() {
	a.router.Start()
	a.refreshStatus()
}

func (a *App) Stop() {
	a.router.Stop()
	a.refreshStatus()
}

func (a *App) IsRunning() bool {
	return a.router.IsRunning()
}

func (a *App) State() router.State {
	return a.router.State()
}

func (a *App) InputNames() []string  { return a.router.InputNames() }
func (a *App) OutputNames() []string { return a.router.OutputNames() }

func (a *App) AvailableBufferSizes() []int {
	return a.router.AvailableBufferSizes()
}

func (a *App) Rescan() error {
	if err := a.router.Rescan(); err != nil {
		if !errors.Is(err, audio.ErrRescanDeferred) {
			return err
		}
		a.log.Info().Msg("Device rescan deferred until the audio device is closed")
		return nil
	}
	a.log.Info().
		Int("inputs", len(a.router.InputNames())).
		Int("outputs", len(a.router.OutputNames())).
		Msg("Rescanned audio devices")
	return nil
}

// Router config setters. Each persists the settings and, when routing is
// desired, restarts the connection so the change takes effect.

func (a *App) SetInputDevice(name string) error {
	return a.update(func(c *router.Config) { c.InputDeviceName = name })
}

func (a *App) SetOutputDevice(name string) error {
	return a.update(func(c *router.Config) { c.OutputDeviceName = name })
}

func (a *App) SetChannelCount(n int) error {
	if n < 0 {
		return fmt.Errorf("invalid channel count %d", n)
	}
	return a.update(func(c *router.Config) { c.ChannelCount = n })
}

func (a *App) SetBufferSize(n int) error {
	if n < 0 {
		return fmt.Errorf("invalid buffer size %d", n)
	}
	return a.update(func(c *router.Config) { c.PreferredBufferSize = n })
}

func (a *App) update(fn func(*router.Config)) error {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()

	cfg := a.router.Config()
	fn(&cfg)
	a.router.SetConfig(cfg)

	err := a.Save()
	a.router.Restart()
	a.refreshStatus()
	return err
}

// Settings returns the current router configuration as persisted settings.
func (a *App) Settings() *config.Settings {
	return config.FromRouter(a.router.Config())
}

// Save writes the current settings. Failures are logged and returned but
// never fatal.
func (a *App) Save() error {
	if a.path == "" {
		return nil
	}
	if err := a.Settings().Save(a.path); err != nil {
		a.log.Error().Err(err).Str("path", a.path).Msg("Failed to save settings file")
		return err
	}
	return nil
}

// Reload re-reads the settings file and applies it. A file that cannot be
// read or parsed at all keeps the current settings; a partially valid file
// is applied with the invalid parts unset.
func (a *App) Reload() error {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()

	s, err := config.Load(a.path)
	if err != nil {
		if !errors.Is(err, config.ErrPartialSettings) {
			a.log.Error().Err(err).Msg("Ignoring unreadable settings file")
			return err
		}
		a.log.Warn().Err(err).Msg("Settings file partially loaded")
	}

	next := s.RouterConfig()
	if next == a.router.Config() {
		return nil
	}
	a.router.SetConfig(next)
	a.log.Info().
		Str("input", next.InputDeviceName).
		Str("output", next.OutputDeviceName).
		Int("channels", next.ChannelCount).
		Int("buffer_size", next.PreferredBufferSize).
		Msg("Settings reloaded")

	a.router.Restart()
	a.refreshStatus()
	return nil
}

// Diagnostics summarizes the router for bug reports.
func (a *App) Diagnostics() string {
	cfg := a.router.Config()
	stats := a.router.Stats()

	var b strings.Builder
	fmt.Fprintf(&b, "State: %s\n", a.router.State())
	fmt.Fprintf(&b, "Input: %s\n", cfg.InputDeviceName)
	fmt.Fprintf(&b, "Output: %s\n", cfg.OutputDeviceName)
	fmt.Fprintf(&b, "Channels: %d\n", cfg.ChannelCount)
	fmt.Fprintf(&b, "Preferred buffer size: %d\n", cfg.PreferredBufferSize)
	fmt.Fprintf(&b, "Available buffer sizes: %v\n", a.router.AvailableBufferSizes())
	fmt.Fprintf(&b, "Attempts: %d, opens: %d, failures: %d\n", stats.Attempts, stats.Opens, stats.Failures)
	fmt.Fprintf(&b, "Inputs: %s\n", strings.Join(a.router.InputNames(), ", "))
	fmt.Fprintf(&b, "Outputs: %s\n", strings.Join(a.router.OutputNames(), ", "))
	return b.String()
}

// Shutdown stops routing and saves the settings.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.router.Close(ctx)
	a.refreshStatus()
	if saveErr := a.Save(); saveErr != nil && err == nil {
		err = saveErr
	}
	return err
}

func (a *App) runStatusLoop(ctx context.Context) {
	ticker := time.NewTicker(a.statusInterval)
	defer ticker.Stop()

	a.refreshStatus()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.refreshStatus()
		}
	}
}

// refreshStatus notifies the status updater when the router state changed
// since the last notification.
func (a *App) refreshStatus() {
	state := a.router.State()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.status == nil || (a.notified && state == a.lastState) {
		return
	}
	a.lastState, a.notified = state, true

	switch state {
	case router.Running:
		a.status.SetRunning()
	case router.Attempting:
		a.status.SetAttempting()
	default:
		a.status.SetStopped()
	}
}

func (a *App) runSettingsWatcher(ctx context.Context, watcher *fsnotify.Watcher) {
	// Settings are saved through a rename, so watch the directory.
	dir := filepath.Dir(a.path)
	if err := watcher.Add(dir); err != nil {
		a.log.Warn().Err(err).Str("dir", dir).Msg("Unable to watch settings directory")
		return
	}

	// chanReload debounces bursts of events into one reload.
	var chanReload <-chan time.Time

	a.log.Debug().Str("path", a.path).Msg("Starting settings watcher")
	for {
		select {
		case <-ctx.Done():
			return

		case <-chanReload:
			chanReload = nil
			a.Reload()

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(a.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			a.log.Debug().Str("event", event.String()).Msg("Settings file changed")
			chanReload = time.After(reloadDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			a.log.Debug().Err(err).Msg("Settings watcher error")
		}
	}
}
