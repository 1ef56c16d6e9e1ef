package audio

// Route copies each input channel into the output channel with the same
// index and silences output channels that have no input counterpart.
// It runs on the realtime context: no allocation, no locking.
func Route(in, out [][]float32, frames int) {
	for i, dst := range out {
		dst = dst[:frames]
		if i < len(in) {
			copy(dst, in[i][:frames])
			continue
		}
		clear(dst)
	}
}
