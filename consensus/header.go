package consensus

// BlockHeaderBytesLen is the fixed wire size of a serialized BlockHeader:
// version(2) height(8) timestamp(8) previous_hash(32) previous_root(32)
// output_root(32) range_proof_root(32) kernel_root(32) total_offset(32)
// total_difficulty(8) target(8) edge_bits(1) secondary_scaling(4)
// nonces(42*4).
const BlockHeaderBytesLen = 2 + 8 + 8 + 32*6 + 8 + 8 + 1 + 4 + ProofSize*4

// BlockHeaderBytes serializes a header in canonical wire order. The proof
// nonces are the trailing field, so hashing the whole encoding is
// equivalent to hashing the header fields followed by the PoW nonces.
func BlockHeaderBytes(h BlockHeader) []byte {
	out := make([]byte, 0, BlockHeaderBytesLen)
	out = appendU16BE(out, h.Version)
	out = appendU64BE(out, h.Height)
	out = appendU64BE(out, h.Timestamp)
	out = append(out, h.PreviousHash[:]...)
	out = append(out, h.PreviousRoot[:]...)
	out = append(out, h.OutputRoot[:]...)
	out = append(out, h.RangeProofRoot[:]...)
	out = append(out, h.KernelRoot[:]...)
	out = append(out, h.TotalKernelOffset[:]...)
	out = appendU64BE(out, h.TotalDifficulty)
	out = appendU64BE(out, h.Target)
	out = append(out, h.PoW.EdgeBits)
	out = appendU32BE(out, h.PoW.SecondaryScaling)
	for _, n := range h.PoW.Nonces {
		out = appendU32BE(out, n)
	}
	return out
}

// ParseBlockHeaderBytes parses a canonical header and rejects trailing bytes.
func ParseBlockHeaderBytes(b []byte) (BlockHeader, error) {
	cur := newCursor(b)
	h, err := parseBlockHeader(cur)
	if err != nil {
		return BlockHeader{}, err
	}
	if cur.remaining() != 0 {
		return BlockHeader{}, newErr(ErrDeserialization, "header: trailing bytes")
	}
	return h, nil
}

func parseBlockHeader(cur *cursor) (BlockHeader, error) {
	var h BlockHeader
	var err error
	if v, e := cur.readU16BE(); e != nil {
		return h, wrapParse(e)
	} else {
		h.Version = v
	}
	if h.Height, err = cur.readU64BE(); err != nil {
		return h, wrapParse(err)
	}
	if h.Timestamp, err = cur.readU64BE(); err != nil {
		return h, wrapParse(err)
	}
	if h.PreviousHash, err = cur.read32(); err != nil {
		return h, wrapParse(err)
	}
	if h.PreviousRoot, err = cur.read32(); err != nil {
		return h, wrapParse(err)
	}
	if h.OutputRoot, err = cur.read32(); err != nil {
		return h, wrapParse(err)
	}
	if h.RangeProofRoot, err = cur.read32(); err != nil {
		return h, wrapParse(err)
	}
	if h.KernelRoot, err = cur.read32(); err != nil {
		return h, wrapParse(err)
	}
	if h.TotalKernelOffset, err = cur.read32(); err != nil {
		return h, wrapParse(err)
	}
	if h.TotalDifficulty, err = cur.readU64BE(); err != nil {
		return h, wrapParse(err)
	}
	if h.Target, err = cur.readU64BE(); err != nil {
		return h, wrapParse(err)
	}
	edgeBits, err := cur.readU8()
	if err != nil {
		return h, wrapParse(err)
	}
	h.PoW.EdgeBits = edgeBits
	if h.PoW.SecondaryScaling, err = cur.readU32BE(); err != nil {
		return h, wrapParse(err)
	}
	for i := range h.PoW.Nonces {
		n, err := cur.readU32BE()
		if err != nil {
			return h, wrapParse(err)
		}
		h.PoW.Nonces[i] = n
	}
	return h, nil
}

func wrapParse(err error) error {
	return newErr(ErrDeserialization, "%s", err.Error())
}

// BlockHeaderHash is the chain identity of h: blake2b-256 over its
// canonical serialization.
func BlockHeaderHash(h BlockHeader) [32]byte {
	return blake2b256(BlockHeaderBytes(h))
}

func appendU16BE(out []byte, v uint16) []byte {
	return append(out, byte(v>>8), byte(v))
}

func appendU32BE(out []byte, v uint32) []byte {
	return append(out, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func appendU64BE(out []byte, v uint64) []byte {
	return append(out,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func headerLinkageError(child, parent BlockHeader) *ValidationError {
	parentHash := BlockHeaderHash(parent)
	if child.PreviousHash != parentHash {
		return newErr(ErrBadParent, "consensus: header linkage: previous_hash mismatch")
	}
	if child.TotalDifficulty != parent.TotalDifficulty+child.Target {
		return newErr(ErrBadParent, "consensus: header linkage: total_difficulty mismatch")
	}
	return nil
}
