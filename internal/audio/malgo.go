package audio

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"
)

// miniaudio negotiates channel counts inside InitDevice and does not
// report a capacity consistently across its backends.
const miniaudioMaxChannels = 32

type malgoEndpoint struct {
	id   malgo.DeviceID
	name string
}

// malgoCatalog is a Catalog backed by miniaudio through malgo.
type malgoCatalog struct {
	log zerolog.Logger
	ctx *malgo.AllocatedContext

	mu       sync.Mutex
	capture  []malgoEndpoint
	playback []malgoEndpoint
}

// NewMiniaudio creates a miniaudio context and enumerates its endpoints.
func NewMiniaudio(log zerolog.Logger) (Catalog, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize miniaudio: %w", err)
	}
	c := &malgoCatalog{
		log: log.With().Str("backend", "miniaudio").Logger(),
		ctx: ctx,
	}
	if err := c.Refresh(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *malgoCatalog) list(typ malgo.DeviceType) ([]malgoEndpoint, error) {
	devices, err := c.ctx.Devices(typ)
	if err != nil {
		return nil, err
	}

	res := make([]malgoEndpoint, 0, len(devices))
	seen := make(map[malgo.DeviceID]struct{}, len(devices))
	for _, dev := range devices {
		// Avoid duplicate device IDs.
		if _, ok := seen[dev.ID]; ok {
			continue
		}
		seen[dev.ID] = struct{}{}
		res = append(res, malgoEndpoint{id: dev.ID, name: dev.Name()})
	}
	return res, nil
}

func (c *malgoCatalog) Refresh() error {
	capture, err := c.list(malgo.Capture)
	if err != nil {
		return fmt.Errorf("failed to enumerate capture devices: %w", err)
	}
	playback, err := c.list(malgo.Playback)
	if err != nil {
		return fmt.Errorf("failed to enumerate playback devices: %w", err)
	}

	c.mu.Lock()
	c.capture, c.playback = capture, playback
	c.mu.Unlock()
	c.log.Debug().
		Int("capture", len(capture)).
		Int("playback", len(playback)).
		Msg("Enumerated audio devices")
	return nil
}

func endpointNames(eps []malgoEndpoint) []string {
	names := make([]string, 0, len(eps))
	for _, ep := range eps {
		names = append(names, ep.name)
	}
	return names
}

func (c *malgoCatalog) InputNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return endpointNames(c.capture)
}

func (c *malgoCatalog) OutputNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return endpointNames(c.playback)
}

func findEndpoint(eps []malgoEndpoint, name string) (malgoEndpoint, bool) {
	for _, ep := range eps {
		if ep.name == name {
			return ep, true
		}
	}
	return malgoEndpoint{}, false
}

func (c *malgoCatalog) OpenPairing(outputName, inputName string) (Pairing, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	in, ok := findEndpoint(c.capture, inputName)
	if !ok {
		return nil, fmt.Errorf("%w: input %q: %w", ErrPairingUnavailable, inputName, ErrUnknownDevice)
	}
	out, ok := findEndpoint(c.playback, outputName)
	if !ok {
		return nil, fmt.Errorf("%w: output %q: %w", ErrPairingUnavailable, outputName, ErrUnknownDevice)
	}
	return &malgoPairing{ctx: c.ctx, in: in, out: out, log: c.log}, nil
}

func (c *malgoCatalog) Close() error {
	if err := c.ctx.Uninit(); err != nil {
		return err
	}
	c.ctx.Free()
	return nil
}

type malgoPairing struct {
	ctx     *malgo.AllocatedContext
	in, out malgoEndpoint
	log     zerolog.Logger

	device   *malgo.Device
	channels int
	period   int
	cb       Callback
	hb       heartbeat

	// Per-channel views handed to the callback, sized at Open.
	inViews, outViews [][]float32
}

func (p *malgoPairing) MaxChannels() int { return miniaudioMaxChannels }

func (p *malgoPairing) AvailableBufferSizes() []int {
	return powersOfTwo(minBufferSize, maxBufferSize)
}

func (p *malgoPairing) Open(channels ChannelMask, sampleRate float64, bufferSize int) error {
	n, err := channels.Contiguous()
	if err != nil {
		return err
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Duplex)
	cfg.SampleRate = uint32(sampleRate)
	cfg.PeriodSizeInFrames = uint32(bufferSize)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = uint32(n)
	cfg.Capture.DeviceID = p.in.id.Pointer()
	cfg.Playback.Format = malgo.FormatF32
	cfg.Playback.Channels = uint32(n)
	cfg.Playback.DeviceID = p.out.id.Pointer()
	cfg.Alsa.NoMMap = 1

	p.channels = n
	p.period = bufferSize
	p.inViews = makeViews(n, bufferSize)
	p.outViews = makeViews(n, bufferSize)

	device, err := malgo.InitDevice(p.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: p.process,
		Stop: p.hb.stop,
	})
	if err != nil {
		return fmt.Errorf("%w: failed to init duplex device: %w", ErrNegotiation, err)
	}
	p.device = device
	p.log.Debug().
		Str("input", p.in.name).
		Str("output", p.out.name).
		Int("channels", n).
		Int("buffer_size", bufferSize).
		Msg("Opened duplex device")
	return nil
}

func makeViews(channels, frames int) [][]float32 {
	backing := make([]float32, channels*frames)
	views := make([][]float32, channels)
	for i := range views {
		views[i] = backing[i*frames : (i+1)*frames]
	}
	return views
}

func f32Samples(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// process de-interleaves miniaudio's f32 frames into the per-channel views
// in chunks of at most one period.
func (p *malgoPairing) process(output, input []byte, frameCount uint32) {
	p.hb.beat()
	in, out := f32Samples(input), f32Samples(output)
	n := p.channels
	for done := 0; done < int(frameCount); done += p.period {
		frames := min(p.period, int(frameCount)-done)
		base := done * n
		for f := 0; f < frames; f++ {
			for c := 0; c < n; c++ {
				p.inViews[c][f] = in[base+f*n+c]
			}
		}
		p.cb(p.inViews, p.outViews, frames)
		for f := 0; f < frames; f++ {
			for c := 0; c < n; c++ {
				out[base+f*n+c] = p.outViews[c][f]
			}
		}
	}
}

func (p *malgoPairing) Start(cb Callback) error {
	if p.device == nil {
		return fmt.Errorf("device not open")
	}
	p.cb = cb
	p.hb.start()
	if err := p.device.Start(); err != nil {
		p.hb.stop()
		return fmt.Errorf("failed to start audio device: %w", err)
	}
	return nil
}

func (p *malgoPairing) Playing() bool {
	return p.device != nil && p.device.IsStarted() && p.hb.alive()
}

func (p *malgoPairing) Close() error {
	if p.device == nil {
		return nil
	}
	var err error
	if p.device.IsStarted() {
		// Stop blocks until the data callback has returned for good.
		err = p.device.Stop()
	}
	p.hb.stop()
	p.device.Uninit()
	p.device = nil
	return err
}
