package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/petems/audio-router/internal/audio"
	"github.com/rs/zerolog"
)

// ErrNoChannels is wrapped in a negotiation failure when the channel count
// leaves no active channel.
var ErrNoChannels = errors.New("no active channels")

// State is the supervisor's lifecycle state.
type State int

const (
	Stopped State = iota
	Attempting
	Running
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case Attempting:
		return "Attempting"
	case Running:
		return "Running"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config is the user's routing selection. Changes apply on the next open.
type Config struct {
	InputDeviceName     string
	OutputDeviceName    string
	ChannelCount        int
	PreferredBufferSize int // 0 selects the smallest available size
}

// DefaultConfig returns the configuration of a fresh install.
func DefaultConfig() Config {
	return Config{ChannelCount: 2}
}

// Stats counts open attempts since construction.
type Stats struct {
	Attempts uint64
	Opens    uint64
	Failures uint64
}

// Options configures a Router.
type Options struct {
	Catalog          audio.Catalog
	Config           Config
	Logger           zerolog.Logger
	WatchdogInterval time.Duration
	// Callback defaults to audio.Route.
	Callback audio.Callback
}

// Router owns the hardware pairing: it opens it on Start, closes it on
// Stop and reopens it from the watchdog while routing is desired but the
// pairing is not flowing.
type Router struct {
	catalog  audio.Catalog
	log      zerolog.Logger
	cb       audio.Callback
	watchdog *Watchdog

	mu      sync.Mutex
	cfg     Config
	desired bool
	pairing audio.Pairing
	stats   Stats
}

// New creates a stopped Router. The watchdog does not tick until
// StartWatchdog is called.
func New(opts Options) *Router {
	r := &Router{
		catalog: opts.Catalog,
		log:     opts.Logger.With().Str("component", "router").Logger(),
		cb:      opts.Callback,
		cfg:     opts.Config,
	}
	if r.cb == nil {
		r.cb = audio.Route
	}
	r.watchdog = NewWatchdog(opts.WatchdogInterval, r.Tick, r.log)
	return r
}

// StartWatchdog begins periodic reconnect attempts.
func (r *Router) StartWatchdog(ctx context.Context) {
	r.watchdog.Start(ctx)
}

// Start (re)opens the pairing with the current configuration. Calling it
// while running restarts the connection so config changes take effect.
func (r *Router) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closeLocked()
	r.desired = true
	r.log.Info().Msg("Routing requested")
	r.attemptLocked()
}

// Restart reopens the pairing with the current configuration if routing
// is desired. A stopped router stays stopped.
func (r *Router) Restart() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.desired {
		return
	}
	r.log.Debug().Msg("Restarting routing")
	r.attemptLocked()
}

// Stop closes the pairing and disables reconnects. Idempotent.
func (r *Router) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.desired {
		r.log.Info().Msg("Routing stopped")
	}
	r.desired = false
	r.closeLocked()
}

// Tick is the watchdog action: reopen if desired and not running.
func (r *Router) Tick() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.desired || r.runningLocked() {
		return
	}
	if r.pairing != nil {
		r.log.Warn().Msg("Audio device stopped responding, reopening")
	}
	r.attemptLocked()
}

// Close stops routing and the watchdog.
func (r *Router) Close(ctx context.Context) error {
	err := r.watchdog.Stop(ctx)
	r.Stop()
	return err
}

// IsRunning reports whether a pairing is held and actively playing.
func (r *Router) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runningLocked()
}

func (r *Router) runningLocked() bool {
	return r.pairing != nil && r.pairing.Playing()
}

// State reports Stopped, Attempting or Running.
func (r *Router) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case !r.desired:
		return Stopped
	case r.runningLocked():
		return Running
	default:
		return Attempting
	}
}

// Config returns a copy of the current configuration.
func (r *Router) Config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// SetConfig replaces the configuration. An open pairing keeps its
// parameters until the next Start or reconnect.
func (r *Router) SetConfig(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
}

// Stats returns the attempt counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// AvailableBufferSizes returns the open pairing's buffer sizes, or nil
// when no pairing is open.
func (r *Router) AvailableBufferSizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pairing == nil {
		return nil
	}
	return r.pairing.AvailableBufferSizes()
}

func (r *Router) InputNames() []string  { return r.catalog.InputNames() }
func (r *Router) OutputNames() []string { return r.catalog.OutputNames() }

// Rescan re-enumerates the catalog's endpoints.
func (r *Router) Rescan() error {
	return r.catalog.Refresh()
}

func (r *Router) closeLocked() {
	if r.pairing == nil {
		return
	}
	if err := r.pairing.Close(); err != nil {
		r.log.Warn().Err(err).Msg("Error closing audio device")
	}
	r.pairing = nil
}

// attemptLocked replaces any held pairing with a freshly opened one built
// from the current config. On failure no pairing is held.
func (r *Router) attemptLocked() {
	r.closeLocked()

	cfg := r.cfg
	if cfg.InputDeviceName == "" || cfg.OutputDeviceName == "" {
		r.log.Debug().Msg("Input or output device not set")
		return
	}

	r.stats.Attempts++
	log := r.log.With().
		Str("input", cfg.InputDeviceName).
		Str("output", cfg.OutputDeviceName).
		Logger()

	p, err := r.catalog.OpenPairing(cfg.OutputDeviceName, cfg.InputDeviceName)
	if err != nil {
		r.stats.Failures++
		log.Warn().Err(err).Msg("Audio device pairing unavailable")
		return
	}

	if err := r.negotiate(p, cfg, log); err != nil {
		r.stats.Failures++
		log.Warn().Err(err).Msg("Failed to open audio device")
		if err := p.Close(); err != nil {
			log.Warn().Err(err).Msg("Error releasing audio device")
		}
		return
	}

	r.pairing = p
	r.stats.Opens++
}

func (r *Router) negotiate(p audio.Pairing, cfg Config, log zerolog.Logger) error {
	channels := cfg.ChannelCount
	if capacity := p.MaxChannels(); channels > capacity {
		log.Warn().
			Int("requested", channels).
			Int("capacity", capacity).
			Msg("Channel count exceeds device capacity, clamping")
		channels = capacity
	}
	mask := audio.ChannelRange(channels)
	if mask.Count() == 0 {
		return fmt.Errorf("%w: %w", audio.ErrNegotiation, ErrNoChannels)
	}

	size := SelectBufferSize(p.AvailableBufferSizes(), cfg.PreferredBufferSize)
	if err := p.Open(mask, audio.SampleRate, size); err != nil {
		return err
	}
	if err := p.Start(r.cb); err != nil {
		return fmt.Errorf("%w: %w", audio.ErrNegotiation, err)
	}

	log.Info().
		Int("channels", mask.Count()).
		Int("buffer_size", size).
		Int("sample_rate", audio.SampleRate).
		Msg("Routing started")
	return nil
}
