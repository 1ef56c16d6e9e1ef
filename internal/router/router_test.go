package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petems/audio-router/internal/audio"
	"github.com/rs/zerolog"
)

// Mock implementations for testing
type mockCatalog struct {
	mu          sync.Mutex
	inputs      []string
	outputs     []string
	sizes       []int
	maxChannels int
	pairErr     error
	openErr     error
	pairings    []*mockPairing
	refreshes   int
}

func newMockCatalog() *mockCatalog {
	return &mockCatalog{
		inputs:      []string{"Mic A", "Line In"},
		outputs:     []string{"Speakers B", "Headphones"},
		sizes:       []int{64, 128, 256, 512},
		maxChannels: 8,
	}
}

func (c *mockCatalog) InputNames() []string  { return c.inputs }
func (c *mockCatalog) OutputNames() []string { return c.outputs }

func (c *mockCatalog) Refresh() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshes++
	return nil
}

func (c *mockCatalog) OpenPairing(outputName, inputName string) (audio.Pairing, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pairErr != nil {
		return nil, c.pairErr
	}
	p := &mockPairing{
		input:       inputName,
		output:      outputName,
		sizes:       c.sizes,
		maxChannels: c.maxChannels,
		openErr:     c.openErr,
	}
	c.pairings = append(c.pairings, p)
	return p, nil
}

func (c *mockCatalog) Close() error { return nil }

func (c *mockCatalog) setPairErr(err error) {
	c.mu.Lock()
	c.pairErr = err
	c.mu.Unlock()
}

// active counts pairings that were handed out and not yet closed.
func (c *mockCatalog) active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.pairings {
		if !p.isClosed() {
			n++
		}
	}
	return n
}

func (c *mockCatalog) last() *mockPairing {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pairings) == 0 {
		return nil
	}
	return c.pairings[len(c.pairings)-1]
}

func (c *mockCatalog) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pairings)
}

type mockPairing struct {
	input, output string
	sizes         []int
	maxChannels   int
	openErr       error

	mu         sync.Mutex
	channels   int
	sampleRate float64
	bufferSize int
	cb         audio.Callback
	started    bool
	stalled    bool
	closed     bool
}

func (p *mockPairing) AvailableBufferSizes() []int { return p.sizes }
func (p *mockPairing) MaxChannels() int            { return p.maxChannels }

func (p *mockPairing) Open(channels audio.ChannelMask, sampleRate float64, bufferSize int) error {
	if p.openErr != nil {
		return p.openErr
	}
	n, err := channels.Contiguous()
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels, p.sampleRate, p.bufferSize = n, sampleRate, bufferSize
	return nil
}

func (p *mockPairing) Start(cb audio.Callback) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cb = cb
	p.started = true
	return nil
}

func (p *mockPairing) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.stalled && !p.closed
}

func (p *mockPairing) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cb = nil
	return nil
}

func (p *mockPairing) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *mockPairing) stall() {
	p.mu.Lock()
	p.stalled = true
	p.mu.Unlock()
}

func configured() Config {
	return Config{
		InputDeviceName:  "Mic A",
		OutputDeviceName: "Speakers B",
		ChannelCount:     2,
	}
}

func newTestRouter(c *mockCatalog, cfg Config) *Router {
	return New(Options{
		Catalog: c,
		Config:  cfg,
		Logger:  zerolog.Nop(),
	})
}

func TestRouterNotRunningInitially(t *testing.T) {
	r := newTestRouter(newMockCatalog(), configured())

	if r.IsRunning() {
		t.Error("Router should not be running after construction")
	}
	if r.State() != Stopped {
		t.Errorf("expected Stopped, got %s", r.State())
	}
	if r.AvailableBufferSizes() != nil {
		t.Error("expected no buffer sizes without an open pairing")
	}
}

func TestRouterStartOpensPairing(t *testing.T) {
	c := newMockCatalog()
	r := newTestRouter(c, configured())

	r.Start()

	if !r.IsRunning() {
		t.Fatal("Router should be running after a successful start")
	}
	if r.State() != Running {
		t.Errorf("expected Running, got %s", r.State())
	}

	p := c.last()
	if p.input != "Mic A" || p.output != "Speakers B" {
		t.Errorf("opened wrong pairing: %q -> %q", p.input, p.output)
	}
	if p.channels != 2 {
		t.Errorf("expected 2 channels, got %d", p.channels)
	}
	if p.sampleRate != audio.SampleRate {
		t.Errorf("expected sample rate %d, got %f", audio.SampleRate, p.sampleRate)
	}
	if p.bufferSize != 64 {
		t.Errorf("expected smallest buffer size 64, got %d", p.bufferSize)
	}
	if got := r.AvailableBufferSizes(); len(got) != 4 {
		t.Errorf("expected the pairing's buffer sizes, got %v", got)
	}

	stats := r.Stats()
	if stats.Attempts != 1 || stats.Opens != 1 || stats.Failures != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestRouterInstallsRouteCallback(t *testing.T) {
	c := newMockCatalog()
	r := newTestRouter(c, configured())
	r.Start()

	in := [][]float32{{1, 2, 3}}
	out := [][]float32{{9, 9, 9}, {9, 9, 9}}
	c.last().cb(in, out, 3)

	for f := 0; f < 3; f++ {
		if out[0][f] != in[0][f] {
			t.Fatalf("frame %d: expected %f, got %f", f, in[0][f], out[0][f])
		}
		if out[1][f] != 0 {
			t.Fatalf("frame %d: expected silence on channel 1, got %f", f, out[1][f])
		}
	}
}

func TestRouterPreferredBufferSize(t *testing.T) {
	c := newMockCatalog()
	cfg := configured()
	cfg.PreferredBufferSize = 200
	r := newTestRouter(c, cfg)

	r.Start()

	if got := c.last().bufferSize; got != 256 {
		t.Errorf("expected buffer size 256, got %d", got)
	}
}

func TestRouterStartTwiceKeepsOneHandle(t *testing.T) {
	c := newMockCatalog()
	r := newTestRouter(c, configured())

	r.Start()
	first := c.last()
	r.Start()

	if c.count() != 2 {
		t.Fatalf("expected restart to open a second pairing, got %d", c.count())
	}
	if !first.isClosed() {
		t.Error("first pairing should be closed before the restart opens a new one")
	}
	if c.active() != 1 {
		t.Errorf("expected exactly one open pairing, got %d", c.active())
	}
	if !r.IsRunning() {
		t.Error("Router should be running after restart")
	}
}

func TestRouterRestartAppliesConfig(t *testing.T) {
	c := newMockCatalog()
	r := newTestRouter(c, configured())
	r.Start()

	cfg := r.Config()
	cfg.ChannelCount = 4
	r.SetConfig(cfg)
	r.Restart()

	if c.count() != 2 || c.active() != 1 {
		t.Fatalf("expected one reopened pairing, got %d opened, %d active", c.count(), c.active())
	}
	if got := c.last().channels; got != 4 {
		t.Errorf("expected 4 channels after restart, got %d", got)
	}
}

func TestRouterRestartWhileStopped(t *testing.T) {
	c := newMockCatalog()
	r := newTestRouter(c, configured())

	r.Restart()

	if c.count() != 0 {
		t.Errorf("restart must not open a stopped router, got %d opened", c.count())
	}
	if r.State() != Stopped {
		t.Errorf("expected Stopped, got %s", r.State())
	}
}

func TestRouterRestartDoesNotUndoStop(t *testing.T) {
	c := newMockCatalog()
	r := newTestRouter(c, configured())
	r.Start()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			r.Restart()
		}
	}()
	go func() {
		defer wg.Done()
		r.Stop()
	}()
	wg.Wait()

	if r.State() != Stopped {
		t.Errorf("expected Stopped after Stop, got %s", r.State())
	}
	if c.active() != 0 {
		t.Errorf("expected no open pairing, got %d", c.active())
	}
}

func TestRouterStopThenTickDoesNotReopen(t *testing.T) {
	c := newMockCatalog()
	r := newTestRouter(c, configured())

	r.Start()
	r.Stop()
	r.Tick()

	if r.IsRunning() {
		t.Error("Router should not be running after Stop")
	}
	if r.State() != Stopped {
		t.Errorf("expected Stopped, got %s", r.State())
	}
	if c.count() != 1 || c.active() != 0 {
		t.Errorf("expected the single pairing closed and none reopened, got %d opened, %d active", c.count(), c.active())
	}

	// Stop is idempotent.
	r.Stop()
}

func TestRouterUnconfiguredIsSilent(t *testing.T) {
	c := newMockCatalog()
	r := newTestRouter(c, Config{ChannelCount: 2})

	r.Start()
	r.Tick()

	if r.State() != Attempting {
		t.Errorf("expected Attempting, got %s", r.State())
	}
	if c.count() != 0 {
		t.Errorf("expected no pairing attempts, got %d", c.count())
	}
	if stats := r.Stats(); stats.Attempts != 0 || stats.Failures != 0 {
		t.Errorf("unconfigured start should not count as an attempt: %+v", stats)
	}
}

func TestRouterClearedDeviceNameOnRestart(t *testing.T) {
	c := newMockCatalog()
	r := newTestRouter(c, configured())
	r.Start()

	cfg := r.Config()
	cfg.InputDeviceName = ""
	r.SetConfig(cfg)

	// Running pairing is unaffected until the next open.
	if !r.IsRunning() {
		t.Fatal("config change should not affect the running pairing")
	}

	r.Start()

	if r.State() != Attempting {
		t.Errorf("expected Attempting, got %s", r.State())
	}
	if c.active() != 0 {
		t.Errorf("expected no open pairing, got %d", c.active())
	}
}

func TestRouterClearedDeviceNameOnReconnect(t *testing.T) {
	c := newMockCatalog()
	r := newTestRouter(c, configured())
	r.Start()

	cfg := r.Config()
	cfg.OutputDeviceName = ""
	r.SetConfig(cfg)
	c.last().stall()
	r.Tick()

	if r.State() != Attempting {
		t.Errorf("expected Attempting, got %s", r.State())
	}
	if c.active() != 0 {
		t.Errorf("expected the stalled pairing released, got %d active", c.active())
	}
}

func TestRouterPairingUnavailableRetriesOnTick(t *testing.T) {
	c := newMockCatalog()
	c.setPairErr(audio.ErrPairingUnavailable)
	r := newTestRouter(c, configured())

	r.Start()

	if r.IsRunning() {
		t.Fatal("Router should not run while the pairing is unavailable")
	}
	if r.State() != Attempting {
		t.Errorf("expected Attempting, got %s", r.State())
	}

	r.Tick()
	if stats := r.Stats(); stats.Attempts != 2 || stats.Failures != 2 {
		t.Errorf("expected two failed attempts, got %+v", stats)
	}

	c.setPairErr(nil)
	r.Tick()
	if !r.IsRunning() {
		t.Error("Router should recover on the next tick once the device is available")
	}
}

func TestRouterNegotiationFailureReleasesPairing(t *testing.T) {
	c := newMockCatalog()
	c.openErr = audio.ErrNegotiation
	r := newTestRouter(c, configured())

	r.Start()

	if r.IsRunning() {
		t.Fatal("Router should not run after a negotiation failure")
	}
	if !c.last().isClosed() {
		t.Error("pairing should be released after a failed open")
	}
	if r.AvailableBufferSizes() != nil {
		t.Error("no pairing should be held after a failed open")
	}
}

func TestRouterClampsChannelCount(t *testing.T) {
	c := newMockCatalog()
	c.maxChannels = 2
	cfg := configured()
	cfg.ChannelCount = 8
	r := newTestRouter(c, cfg)

	r.Start()

	if !r.IsRunning() {
		t.Fatal("Router should run with a clamped channel count")
	}
	if got := c.last().channels; got != 2 {
		t.Errorf("expected channel count clamped to 2, got %d", got)
	}
}

func TestRouterZeroChannelsFails(t *testing.T) {
	c := newMockCatalog()
	cfg := configured()
	cfg.ChannelCount = 0
	r := newTestRouter(c, cfg)

	r.Start()

	if r.IsRunning() {
		t.Fatal("Router should not run without active channels")
	}
	if c.active() != 0 {
		t.Errorf("expected no open pairing, got %d", c.active())
	}
}

func TestRouterReopensStalledPairing(t *testing.T) {
	c := newMockCatalog()
	r := newTestRouter(c, configured())
	r.Start()

	first := c.last()
	first.stall()
	if r.IsRunning() {
		t.Fatal("stalled pairing should not count as running")
	}

	r.Tick()

	if !first.isClosed() {
		t.Error("stalled pairing should be closed before reopening")
	}
	if c.count() != 2 || c.active() != 1 {
		t.Errorf("expected one fresh pairing, got %d opened, %d active", c.count(), c.active())
	}
	if !r.IsRunning() {
		t.Error("Router should be running after the reopen")
	}
}

func TestRouterTickWhileRunningIsNoop(t *testing.T) {
	c := newMockCatalog()
	r := newTestRouter(c, configured())
	r.Start()

	r.Tick()
	r.Tick()

	if c.count() != 1 {
		t.Errorf("expected no reopen while running, got %d pairings", c.count())
	}
}

func TestRouterWatchdogRecovers(t *testing.T) {
	c := newMockCatalog()
	c.setPairErr(errors.New("device busy"))
	r := New(Options{
		Catalog:          c,
		Config:           configured(),
		Logger:           zerolog.Nop(),
		WatchdogInterval: 5 * time.Millisecond,
	})
	r.StartWatchdog(context.Background())
	defer r.Close(context.Background())

	r.Start()
	c.setPairErr(nil)

	var running bool
	for i := 0; i < 200; i++ {
		if r.IsRunning() {
			running = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !running {
		t.Fatal("watchdog should have reopened the device")
	}
}

func TestRouterCloseStopsEverything(t *testing.T) {
	c := newMockCatalog()
	r := New(Options{
		Catalog:          c,
		Config:           configured(),
		Logger:           zerolog.Nop(),
		WatchdogInterval: 5 * time.Millisecond,
	})
	r.StartWatchdog(context.Background())
	r.Start()

	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if r.IsRunning() || c.active() != 0 || c.count() != 1 {
		t.Errorf("expected everything closed, running=%v active=%d opened=%d", r.IsRunning(), c.active(), c.count())
	}
}

func TestRouterRescan(t *testing.T) {
	c := newMockCatalog()
	r := newTestRouter(c, configured())

	if err := r.Rescan(); err != nil {
		t.Fatalf("Rescan: %v", err)
	}
	if c.refreshes != 1 {
		t.Errorf("expected one refresh, got %d", c.refreshes)
	}
	if len(r.InputNames()) != 2 || len(r.OutputNames()) != 2 {
		t.Errorf("unexpected names %v / %v", r.InputNames(), r.OutputNames())
	}
}

func TestStateString(t *testing.T) {
	for state, want := range map[State]string{Stopped: "Stopped", Attempting: "Attempting", Running: "Running", State(7): "State(7)"} {
		if state.String() != want {
			t.Errorf("expected %q, got %q", want, state.String())
		}
	}
}
