package audio

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
)

// ChannelMask is the set of active channel indices, applied identically to
// the input and output side of a pairing.
type ChannelMask struct {
	bm *roaring.Bitmap
}

// ChannelRange returns a mask with channels 0..n-1 active.
func ChannelRange(n int) ChannelMask {
	bm := roaring.New()
	if n > 0 {
		bm.AddRange(0, uint64(n))
	}
	return ChannelMask{bm: bm}
}

// Count is the number of active channels.
func (m ChannelMask) Count() int {
	if m.bm == nil {
		return 0
	}
	return int(m.bm.GetCardinality())
}

// Has reports whether channel i is active.
func (m ChannelMask) Has(i int) bool {
	return m.bm != nil && i >= 0 && m.bm.Contains(uint32(i))
}

// Contiguous returns the channel count when the mask is exactly 0..n-1.
// Backends only open contiguous prefixes.
func (m ChannelMask) Contiguous() (int, error) {
	n := m.Count()
	if n == 0 {
		return 0, fmt.Errorf("%w: no active channels", ErrNegotiation)
	}
	if m.bm.Maximum() != uint32(n-1) {
		return 0, fmt.Errorf("%w: channel mask %v is not contiguous", ErrNegotiation, m)
	}
	return n, nil
}

func (m ChannelMask) String() string {
	if m.bm == nil {
		return "{}"
	}
	return m.bm.String()
}
