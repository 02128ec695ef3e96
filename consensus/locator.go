package consensus

// BuildLocator produces the standard doubling-step block locator: starting at height tip,
// step back by 1, 2, 4, 8, ... doubling each hop, until genesis is
// reached, and always include genesis itself as the final entry.
//
// hashAt lets callers supply the active chain's height-to-hash
// lookup without this package depending on a concrete store.
func BuildLocator(tipHeight uint64, hashAt func(height uint64) ([32]byte, bool)) [][32]byte {
	var locator [][32]byte
	step := uint64(1)
	height := tipHeight
	for {
		h, ok := hashAt(height)
		if ok {
			locator = append(locator, h)
		}
		if height == 0 {
			break
		}
		if height < step {
			height = 0
			continue
		}
		height -= step
		step *= 2
	}
	return locator
}

// MaxHeadersPerLocatorReply is the GetHeaders response cap.
const MaxHeadersPerLocatorReply = 512

// FindLocatorMatch returns the highest height among locator whose hash is
// known locally via heightOf, used by the responding side of GetHeaders
// to find the common ancestor to start replying from.
func FindLocatorMatch(locator [][32]byte, heightOf func(hash [32]byte) (uint64, bool)) (uint64, bool) {
	best := uint64(0)
	found := false
	for _, h := range locator {
		if height, ok := heightOf(h); ok {
			if !found || height > best {
				best = height
				found = true
			}
		}
	}
	return best, found
}
