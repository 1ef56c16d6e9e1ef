package audio

import "errors"

// SampleRate is the fixed rate every pairing is opened at.
const SampleRate = 48000

var (
	// ErrPairingUnavailable is returned when the catalog cannot bind the
	// named endpoints (unknown name, busy, exclusivity or clock conflict).
	ErrPairingUnavailable = errors.New("pairing unavailable")

	// ErrNegotiation is returned when the hardware rejects the requested
	// channel mask, sample rate or buffer size.
	ErrNegotiation = errors.New("parameter negotiation failed")

	// ErrUnknownDevice is wrapped by ErrPairingUnavailable when a name is
	// not in the current enumeration.
	ErrUnknownDevice = errors.New("unknown device")

	// ErrRescanDeferred is returned by Refresh when the backend cannot
	// re-enumerate while a pairing is open. The rescan runs once the last
	// pairing is closed.
	ErrRescanDeferred = errors.New("rescan deferred while a device is open")
)

// Catalog enumerates endpoints and binds an output and an input into a
// duplex Pairing.
type Catalog interface {
	// InputNames returns the input endpoint names from the last Refresh,
	// in enumeration order.
	InputNames() []string
	// OutputNames is the output counterpart of InputNames.
	OutputNames() []string
	// Refresh re-enumerates the endpoints. It may return
	// ErrRescanDeferred.
	Refresh() error
	// OpenPairing binds the endpoints without starting audio.
	OpenPairing(outputName, inputName string) (Pairing, error)
	Close() error
}

// Pairing is a bound input+output connection.
type Pairing interface {
	// AvailableBufferSizes lists the frames-per-callback values the
	// pairing supports, in catalog order. Never empty.
	AvailableBufferSizes() []int
	// MaxChannels is the channel capacity shared by both endpoints.
	MaxChannels() int
	Open(channels ChannelMask, sampleRate float64, bufferSize int) error
	Start(cb Callback) error
	// Playing reports whether the hardware is still invoking the callback.
	Playing() bool
	// Close stops the callback, blocking until no further invocation can
	// happen, then releases the hardware.
	Close() error
}

// Callback is invoked on the realtime audio context with one
// non-interleaved slice per channel. Each channel slice holds frames
// samples.
type Callback func(in, out [][]float32, frames int)
