package consensus

import "errors"

// MMR is an append-only Merkle Mountain Range over blake2b-256, used for
// the header, output, range-proof and kernel roots.
// Leaf and internal-node hashes are domain separated the same way the
// pack's plain Merkle tree separates them (leaf prefix 0x00, node prefix
// 0x01), generalized here to MMR's peak-bagging root instead of a single
// binary tree, since roots must support append-only proofs as the UTXO
// and kernel sets grow without bound.
type MMR struct {
	// nodes holds every node (leaf and internal) in MMR postorder index.
	nodes []([32]byte)
}

// NewMMR returns an empty range.
func NewMMR() *MMR {
	return &MMR{}
}

// Size returns the number of nodes (leaves and internal) currently stored.
func (m *MMR) Size() uint64 {
	return uint64(len(m.nodes))
}

// Clone returns an independent copy that can be appended to without
// mutating the receiver or aliasing its backing array.
func (m *MMR) Clone() *MMR {
	nodes := make([][32]byte, len(m.nodes))
	copy(nodes, m.nodes)
	return &MMR{nodes: nodes}
}

// Nodes exports the raw postorder node list for persistence.
func (m *MMR) Nodes() [][32]byte {
	return m.nodes
}

// LoadMMR reconstructs an MMR from a previously exported node list
// without recomputing any hashes.
func LoadMMR(nodes [][32]byte) *MMR {
	return &MMR{nodes: nodes}
}

func mmrLeafHash(pos uint64, data []byte) [32]byte {
	buf := make([]byte, 0, 1+8+len(data))
	buf = append(buf, 0x00)
	buf = appendU64BE(buf, pos)
	buf = append(buf, data...)
	return blake2b256(buf)
}

func mmrNodeHash(pos uint64, left, right [32]byte) [32]byte {
	buf := make([]byte, 0, 1+8+64)
	buf = append(buf, 0x01)
	buf = appendU64BE(buf, pos)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return blake2b256(buf)
}

// peakSizes returns, for a given MMR size, the node count (2^h - 1) of
// each perfect binary subtree ("mountain") making up the range, largest
// mountain first, by repeatedly taking the largest mountain that fits.
func peakSizes(size uint64) []uint64 {
	var peaks []uint64
	remaining := size
	for remaining > 0 {
		// Largest perfect-mountain size (2^h - 1 nodes) <= remaining.
		h := uint64(1)
		for h*2-1 <= remaining {
			h *= 2
		}
		peakSize := h - 1
		peaks = append(peaks, peakSize)
		remaining -= peakSize
	}
	return peaks
}

// Append inserts a new leaf carrying data, merging completed mountains,
// and returns the position of the new leaf node.
func (m *MMR) Append(data []byte) uint64 {
	pos := uint64(len(m.nodes))
	leaf := mmrLeafHash(pos, data)
	m.nodes = append(m.nodes, leaf)
	m.mergePeaks()
	return pos
}

// mergePeaks folds any two adjacent equal-height mountains at the tail of
// the range into their parent, repeating until no more merges apply. This
// mirrors the standard MMR insertion algorithm without maintaining an
// explicit height index, trading a little CPU for simplicity.
func (m *MMR) mergePeaks() {
	for {
		n := uint64(len(m.nodes))
		peaks := peakSizes(n)
		if len(peaks) < 2 {
			return
		}
		last := peaks[len(peaks)-1]
		secondLast := peaks[len(peaks)-2]
		if last != secondLast {
			return
		}
		rightStart := n - last
		leftStart := rightStart - secondLast
		left := m.rootOfRange(leftStart, secondLast)
		right := m.rootOfRange(rightStart, last)
		parent := mmrNodeHash(n, left, right)
		m.nodes = append(m.nodes, parent)
	}
}

// rootOfRange returns the bagged root of the perfect mountain of size
// mSize starting at position start. For a perfect mountain (size = 2^h-1)
// this is simply the last node written for that subtree.
func (m *MMR) rootOfRange(start, mSize uint64) [32]byte {
	if mSize == 0 {
		return [32]byte{}
	}
	return m.nodes[start+mSize-1]
}

// Root bags the current peaks into a single 32-byte commitment: the
// peaks, high to low, are hashed pairwise right-to-left the same way a
// node hash is computed, with the running bag standing in as the right
// child. An empty range roots to the zero hash.
func (m *MMR) Root() [32]byte {
	n := uint64(len(m.nodes))
	if n == 0 {
		return [32]byte{}
	}
	peaks := peakSizes(n)
	pos := uint64(0)
	roots := make([][32]byte, 0, len(peaks))
	for _, sz := range peaks {
		roots = append(roots, m.rootOfRange(pos, sz))
		pos += sz
	}
	bag := roots[len(roots)-1]
	for i := len(roots) - 2; i >= 0; i-- {
		bag = mmrNodeHash(n, roots[i], bag)
	}
	return bag
}

var errEmptyMMR = errors.New("consensus: mmr: empty range has no root")

// RootOrErr is Root but rejects an empty range explicitly, for callers
// that must not silently accept an all-zero root (e.g. genesis outputs).
func (m *MMR) RootOrErr() ([32]byte, error) {
	if len(m.nodes) == 0 {
		return [32]byte{}, errEmptyMMR
	}
	return m.Root(), nil
}
