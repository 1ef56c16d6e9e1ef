package router

// SelectBufferSize picks the frames-per-callback to open a pairing with.
// A preferred size of 0 selects the smallest available size; otherwise the
// size closest to preferred wins, and on equal distance the one listed
// first. Returns 0 when nothing is available.
func SelectBufferSize(available []int, preferred int) int {
	if len(available) == 0 {
		return 0
	}

	best := available[0]
	if preferred == 0 {
		for _, size := range available[1:] {
			if size < best {
				best = size
			}
		}
		return best
	}

	bestDist := distance(best, preferred)
	for _, size := range available[1:] {
		if d := distance(size, preferred); d < bestDist {
			best, bestDist = size, d
		}
	}
	return best
}

func distance(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}
