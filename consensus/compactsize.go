package consensus

import (
	"encoding/binary"
	"fmt"
)

// CompactSize is a minimal variable-length integer encoding shared by every
// wire structure in this package (headers, tx bodies, MMR proofs).
type CompactSize uint64

func (c CompactSize) Encode() []byte {
	n := uint64(c)
	switch {
	case n < 253:
		return []byte{byte(n)}
	case n <= 0xffff:
		var b [3]byte
		b[0] = 0xfd
		binary.LittleEndian.PutUint16(b[1:], uint16(n))
		return b[:]
	case n <= 0xffffffff:
		var b [5]byte
		b[0] = 0xfe
		binary.LittleEndian.PutUint32(b[1:], uint32(n))
		return b[:]
	default:
		var b [9]byte
		b[0] = 0xff
		binary.LittleEndian.PutUint64(b[1:], n)
		return b[:]
	}
}

func DecodeCompactSize(b []byte) (CompactSize, int, error) {
	if len(b) < 1 {
		return 0, 0, fmt.Errorf("consensus: compactsize: empty")
	}
	switch tag := b[0]; {
	case tag < 0xfd:
		return CompactSize(tag), 1, nil
	case tag == 0xfd:
		if len(b) < 3 {
			return 0, 0, fmt.Errorf("consensus: compactsize: truncated u16")
		}
		n := uint64(binary.LittleEndian.Uint16(b[1:3]))
		if n < 253 {
			return 0, 0, fmt.Errorf("consensus: compactsize: non-minimal u16")
		}
		return CompactSize(n), 3, nil
	case tag == 0xfe:
		if len(b) < 5 {
			return 0, 0, fmt.Errorf("consensus: compactsize: truncated u32")
		}
		n := uint64(binary.LittleEndian.Uint32(b[1:5]))
		if n < 0x1_0000 {
			return 0, 0, fmt.Errorf("consensus: compactsize: non-minimal u32")
		}
		return CompactSize(n), 5, nil
	default:
		if len(b) < 9 {
			return 0, 0, fmt.Errorf("consensus: compactsize: truncated u64")
		}
		n := binary.LittleEndian.Uint64(b[1:9])
		if n < 0x1_0000_0000 {
			return 0, 0, fmt.Errorf("consensus: compactsize: non-minimal u64")
		}
		return CompactSize(n), 9, nil
	}
}
