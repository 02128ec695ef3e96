package p2p

import (
	"encoding/binary"
	"fmt"

	"rubinmw.dev/node/consensus"
)

// ShortIDBytes is the truncated siphash length used for compact-block
// kernel identification.
const ShortIDBytes = 6

// ShortID derives a compact identifier for a kernel from the block's own
// header and relay nonce, reusing the graph's siphash core
// (consensus.SipHash24) the same way the pack's compact-block relay
// keys short ids off a header+nonce derived siphash pair.
func ShortID(header consensus.BlockHeader, nonce uint64, kernelExcess consensus.Commitment) [ShortIDBytes]byte {
	k0, k1 := shortIDKeys(header, nonce)
	s64 := consensus.SipHash24(k0, k1, kernelExcess[:])
	var tmp8 [8]byte
	binary.LittleEndian.PutUint64(tmp8[:], s64)
	var short [ShortIDBytes]byte
	copy(short[:], tmp8[:ShortIDBytes])
	return short
}

func shortIDKeys(header consensus.BlockHeader, nonce uint64) (uint64, uint64) {
	buf := make([]byte, 0, consensus.BlockHeaderBytesLen+8)
	buf = append(buf, consensus.BlockHeaderBytes(header)...)
	buf = appendU64(buf, nonce)
	km := consensus.Blake2b256(buf)
	return binary.LittleEndian.Uint64(km[0:8]), binary.LittleEndian.Uint64(km[8:16])
}

// CompactBlockPayload mirrors consensus.CompactBlock on the wire.
type CompactBlockPayload struct {
	Header    consensus.BlockHeader
	Offset    [32]byte
	Nonce     uint64
	Outputs   []consensus.TransactionOutput
	Kernels   []consensus.TransactionKernel
	KernelIDs [][ShortIDBytes]byte
}

// EncodeCompactBlock serializes p as header, offset, nonce, then
// compactsize-prefixed outputs, kernels and short ids.
func EncodeCompactBlock(p CompactBlockPayload) ([]byte, error) {
	out := make([]byte, 0, consensus.BlockHeaderBytesLen+40)
	out = append(out, consensus.BlockHeaderBytes(p.Header)...)
	out = append(out, p.Offset[:]...)
	out = appendU64(out, p.Nonce)

	out = append(out, consensus.CompactSize(len(p.Outputs)).Encode()...)
	for _, o := range p.Outputs {
		out = append(out, byte(o.Features))
		out = append(out, o.Commitment[:]...)
		out = append(out, consensus.CompactSize(len(o.Proof)).Encode()...)
		out = append(out, o.Proof...)
	}

	out = append(out, consensus.CompactSize(len(p.Kernels)).Encode()...)
	for _, k := range p.Kernels {
		out = append(out, byte(k.Features))
		out = appendU64(out, k.Fee)
		out = appendU64(out, k.LockHeight)
		out = append(out, k.Excess[:]...)
		out = append(out, k.Signature[:]...)
	}

	out = append(out, consensus.CompactSize(len(p.KernelIDs)).Encode()...)
	for _, id := range p.KernelIDs {
		out = append(out, id[:]...)
	}
	return out, nil
}

// DecodeCompactBlock parses the payload EncodeCompactBlock produces.
func DecodeCompactBlock(b []byte) (*CompactBlockPayload, error) {
	if len(b) < consensus.BlockHeaderBytesLen+40 {
		return nil, fmt.Errorf("p2p: compactblock: truncated")
	}
	header, err := consensus.ParseBlockHeaderBytes(b[:consensus.BlockHeaderBytesLen])
	if err != nil {
		return nil, fmt.Errorf("p2p: compactblock: header: %w", err)
	}
	off := consensus.BlockHeaderBytesLen
	var p CompactBlockPayload
	p.Header = header
	copy(p.Offset[:], b[off:off+32])
	off += 32
	p.Nonce = binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	outCount, used, err := consensus.DecodeCompactSize(b[off:])
	if err != nil {
		return nil, err
	}
	off += used
	for i := uint64(0); i < uint64(outCount); i++ {
		if off+1+33 > len(b) {
			return nil, fmt.Errorf("p2p: compactblock: truncated output")
		}
		var o consensus.TransactionOutput
		o.Features = consensus.OutputFeatures(b[off])
		off++
		copy(o.Commitment[:], b[off:off+33])
		off += 33
		proofLen, u, err := consensus.DecodeCompactSize(b[off:])
		if err != nil {
			return nil, err
		}
		off += u
		if off+int(proofLen) > len(b) {
			return nil, fmt.Errorf("p2p: compactblock: truncated range proof")
		}
		o.Proof = append([]byte{}, b[off:off+int(proofLen)]...)
		off += int(proofLen)
		p.Outputs = append(p.Outputs, o)
	}

	kernCount, used, err := consensus.DecodeCompactSize(b[off:])
	if err != nil {
		return nil, err
	}
	off += used
	for i := uint64(0); i < uint64(kernCount); i++ {
		if off+1+8+8+33+64 > len(b) {
			return nil, fmt.Errorf("p2p: compactblock: truncated kernel")
		}
		var k consensus.TransactionKernel
		k.Features = consensus.KernelFeatures(b[off])
		off++
		k.Fee = binary.BigEndian.Uint64(b[off : off+8])
		off += 8
		k.LockHeight = binary.BigEndian.Uint64(b[off : off+8])
		off += 8
		copy(k.Excess[:], b[off:off+33])
		off += 33
		copy(k.Signature[:], b[off:off+64])
		off += 64
		p.Kernels = append(p.Kernels, k)
	}

	idCount, used, err := consensus.DecodeCompactSize(b[off:])
	if err != nil {
		return nil, err
	}
	off += used
	for i := uint64(0); i < uint64(idCount); i++ {
		if off+ShortIDBytes > len(b) {
			return nil, fmt.Errorf("p2p: compactblock: truncated short id")
		}
		var id [ShortIDBytes]byte
		copy(id[:], b[off:off+ShortIDBytes])
		off += ShortIDBytes
		p.KernelIDs = append(p.KernelIDs, id)
	}
	if off != len(b) {
		return nil, fmt.Errorf("p2p: compactblock: trailing bytes")
	}
	return &p, nil
}
