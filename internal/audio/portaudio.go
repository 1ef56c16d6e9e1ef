package audio

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"
)

const (
	minBufferSize = 32
	maxBufferSize = 4096
)

type portAudioCatalog struct {
	log zerolog.Logger

	mu      sync.Mutex
	devices []*portaudio.DeviceInfo
	open    int
	pending bool
}

// NewPortAudio initializes PortAudio and enumerates its endpoints.
func NewPortAudio(log zerolog.Logger) (Catalog, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	c := &portAudioCatalog{log: log.With().Str("backend", "portaudio").Logger()}
	if err := c.Refresh(); err != nil {
		portaudio.Terminate()
		return nil, err
	}
	return c, nil
}

func (c *portAudioCatalog) Refresh() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// PortAudio only rescans hardware on re-initialization, which would
	// invalidate open streams.
	if c.open > 0 {
		c.pending = true
		return ErrRescanDeferred
	}
	return c.refreshLocked()
}

func (c *portAudioCatalog) refreshLocked() error {
	c.pending = false
	if err := portaudio.Terminate(); err != nil {
		c.log.Warn().Err(err).Msg("Failed to terminate PortAudio before rescan")
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to reinitialize PortAudio: %w", err)
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return fmt.Errorf("failed to enumerate devices: %w", err)
	}
	c.devices = devices
	c.log.Debug().Int("devices", len(devices)).Msg("Enumerated audio devices")
	return nil
}

func (c *portAudioCatalog) names(input bool) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var names []string
	for _, d := range c.devices {
		if input && d.MaxInputChannels > 0 || !input && d.MaxOutputChannels > 0 {
			names = append(names, d.Name)
		}
	}
	return names
}

func (c *portAudioCatalog) InputNames() []string  { return c.names(true) }
func (c *portAudioCatalog) OutputNames() []string { return c.names(false) }

func (c *portAudioCatalog) find(name string, input bool) *portaudio.DeviceInfo {
	for _, d := range c.devices {
		if d.Name != name {
			continue
		}
		if input && d.MaxInputChannels > 0 || !input && d.MaxOutputChannels > 0 {
			return d
		}
	}
	return nil
}

func (c *portAudioCatalog) OpenPairing(outputName, inputName string) (Pairing, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	in := c.find(inputName, true)
	if in == nil {
		return nil, fmt.Errorf("%w: input %q: %w", ErrPairingUnavailable, inputName, ErrUnknownDevice)
	}
	out := c.find(outputName, false)
	if out == nil {
		return nil, fmt.Errorf("%w: output %q: %w", ErrPairingUnavailable, outputName, ErrUnknownDevice)
	}
	if in.HostApi != nil && out.HostApi != nil && in.HostApi.Name != out.HostApi.Name {
		return nil, fmt.Errorf("%w: %q (%s) and %q (%s) are on different host APIs",
			ErrPairingUnavailable, inputName, in.HostApi.Name, outputName, out.HostApi.Name)
	}

	params := duplexParams(in, out, 1, SampleRate, portaudio.FramesPerBufferUnspecified)
	if err := portaudio.IsFormatSupported(params, func(in, out [][]float32) {}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPairingUnavailable, err)
	}

	c.open++
	return &portAudioPairing{
		in:      in,
		out:     out,
		log:     c.log,
		release: c.release,
	}, nil
}

func (c *portAudioCatalog) release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.open--
	if c.open == 0 && c.pending {
		if err := c.refreshLocked(); err != nil {
			c.log.Warn().Err(err).Msg("Deferred device rescan failed")
		}
	}
}

func (c *portAudioCatalog) Close() error {
	return portaudio.Terminate()
}

func duplexParams(in, out *portaudio.DeviceInfo, channels int, rate float64, frames int) portaudio.StreamParameters {
	return portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   in,
			Channels: channels,
			Latency:  in.DefaultLowInputLatency,
		},
		Output: portaudio.StreamDeviceParameters{
			Device:   out,
			Channels: channels,
			Latency:  out.DefaultLowOutputLatency,
		},
		SampleRate:      rate,
		FramesPerBuffer: frames,
	}
}

type portAudioPairing struct {
	in, out *portaudio.DeviceInfo
	log     zerolog.Logger
	release func()

	stream   *portaudio.Stream
	cb       atomic.Pointer[Callback]
	hb       heartbeat
	released bool
}

func (p *portAudioPairing) MaxChannels() int {
	return min(p.in.MaxInputChannels, p.out.MaxOutputChannels)
}

func (p *portAudioPairing) AvailableBufferSizes() []int {
	latency := max(p.in.DefaultLowInputLatency, p.out.DefaultLowOutputLatency)
	floor := int(latency.Seconds() * SampleRate)
	floor = min(max(floor, minBufferSize), maxBufferSize)
	return powersOfTwo(floor, maxBufferSize)
}

func (p *portAudioPairing) Open(channels ChannelMask, sampleRate float64, bufferSize int) error {
	n, err := channels.Contiguous()
	if err != nil {
		return err
	}

	stream, err := portaudio.OpenStream(duplexParams(p.in, p.out, n, sampleRate, bufferSize), p.process)
	if err != nil {
		return fmt.Errorf("%w: failed to open duplex stream: %w", ErrNegotiation, err)
	}
	p.stream = stream
	p.log.Debug().
		Str("input", p.in.Name).
		Str("output", p.out.Name).
		Int("channels", n).
		Int("buffer_size", bufferSize).
		Msg("Opened duplex stream")
	return nil
}

func (p *portAudioPairing) process(in, out [][]float32) {
	p.hb.beat()
	cb := p.cb.Load()
	if cb == nil || len(out) == 0 {
		return
	}
	(*cb)(in, out, len(out[0]))
}

func (p *portAudioPairing) Start(cb Callback) error {
	if p.stream == nil {
		return fmt.Errorf("stream not open")
	}
	p.cb.Store(&cb)
	p.hb.start()
	if err := p.stream.Start(); err != nil {
		p.hb.stop()
		return fmt.Errorf("failed to start audio stream: %w", err)
	}
	return nil
}

func (p *portAudioPairing) Playing() bool {
	return p.stream != nil && p.hb.alive()
}

func (p *portAudioPairing) Close() error {
	var firstErr error
	if p.stream != nil {
		// Stop returns once the callback can no longer run.
		if p.hb.started.Load() {
			if err := p.stream.Stop(); err != nil {
				firstErr = err
			}
		}
		p.hb.stop()
		if err := p.stream.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		p.stream = nil
	}
	if !p.released {
		p.released = true
		p.release()
	}
	return firstErr
}
