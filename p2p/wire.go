package p2p

import (
	"encoding/binary"
	"fmt"
	"net"

	"rubinmw.dev/node/consensus"
)

// Bounds mirroring the pack's inv/headers caps, retuned to this
// protocol's message table.
const (
	MaxHeadersPerMsg  = 512
	MaxLocatorHashes  = 64
	MaxPeerAddrs      = 512
	MaxTxBodyKernels  = consensus.MaxBlockKernels
	MaxTxBodyOutputs  = consensus.MaxBlockOutputs
	MaxTxBodyInputs   = consensus.MaxBlockInputs
)

// EncodePing/EncodePong serialize the Ping/Pong tip-exchange payload.
func EncodePing(p PingPayload) []byte {
	out := make([]byte, 0, 24)
	out = appendU64(out, p.TotalDifficulty)
	out = appendU64(out, p.Height)
	out = appendU64(out, p.Nonce)
	return out
}

func DecodePing(b []byte) (*PingPayload, error) {
	if len(b) != 24 {
		return nil, fmt.Errorf("p2p: ping: bad length")
	}
	return &PingPayload{
		TotalDifficulty: binary.BigEndian.Uint64(b[0:8]),
		Height:          binary.BigEndian.Uint64(b[8:16]),
		Nonce:           binary.BigEndian.Uint64(b[16:24]),
	}, nil
}

func EncodePong(p PongPayload) []byte {
	return EncodePing(PingPayload(p))
}

func DecodePong(b []byte) (*PongPayload, error) {
	p, err := DecodePing(b)
	if err != nil {
		return nil, fmt.Errorf("p2p: pong: %w", err)
	}
	pp := PongPayload(*p)
	return &pp, nil
}

// GetHeadersPayload carries the requesting side's block locator.
type GetHeadersPayload struct {
	Locator  [][32]byte
	HashStop [32]byte
}

func EncodeGetHeaders(p GetHeadersPayload) ([]byte, error) {
	if len(p.Locator) == 0 || len(p.Locator) > MaxLocatorHashes {
		return nil, fmt.Errorf("p2p: getheaders: invalid locator length")
	}
	out := consensus.CompactSize(len(p.Locator)).Encode()
	for _, h := range p.Locator {
		out = append(out, h[:]...)
	}
	out = append(out, p.HashStop[:]...)
	return out, nil
}

func DecodeGetHeaders(b []byte) (*GetHeadersPayload, error) {
	count, used, err := consensus.DecodeCompactSize(b)
	if err != nil {
		return nil, err
	}
	if count == 0 || uint64(count) > MaxLocatorHashes {
		return nil, fmt.Errorf("p2p: getheaders: invalid locator length")
	}
	need := used + int(count)*32 + 32
	if len(b) != need {
		return nil, fmt.Errorf("p2p: getheaders: length mismatch")
	}
	off := used
	loc := make([][32]byte, 0, count)
	for i := uint64(0); i < uint64(count); i++ {
		var h [32]byte
		copy(h[:], b[off:off+32])
		loc = append(loc, h)
		off += 32
	}
	var stop [32]byte
	copy(stop[:], b[off:off+32])
	return &GetHeadersPayload{Locator: loc, HashStop: stop}, nil
}

// HeadersPayload carries a batch of headers.
type HeadersPayload struct {
	Headers []consensus.BlockHeader
}

func EncodeHeaders(p HeadersPayload) ([]byte, error) {
	if len(p.Headers) > MaxHeadersPerMsg {
		return nil, fmt.Errorf("p2p: headers: too many headers")
	}
	out := consensus.CompactSize(len(p.Headers)).Encode()
	for _, h := range p.Headers {
		out = append(out, consensus.BlockHeaderBytes(h)...)
	}
	return out, nil
}

func DecodeHeaders(b []byte) (*HeadersPayload, error) {
	count, used, err := consensus.DecodeCompactSize(b)
	if err != nil {
		return nil, err
	}
	if uint64(count) > MaxHeadersPerMsg {
		return nil, fmt.Errorf("p2p: headers: count exceeds cap")
	}
	need := used + int(count)*consensus.BlockHeaderBytesLen
	if len(b) != need {
		return nil, fmt.Errorf("p2p: headers: length mismatch")
	}
	off := used
	out := make([]consensus.BlockHeader, 0, count)
	for i := uint64(0); i < uint64(count); i++ {
		h, err := consensus.ParseBlockHeaderBytes(b[off : off+consensus.BlockHeaderBytesLen])
		if err != nil {
			return nil, err
		}
		out = append(out, h)
		off += consensus.BlockHeaderBytesLen
	}
	return &HeadersPayload{Headers: out}, nil
}

// GetBlockPayload/GetCompactBlockPayload request a full or compact block
// by header hash.
type GetBlockPayload struct{ Hash [32]byte }

func EncodeGetBlock(p GetBlockPayload) []byte { return append([]byte{}, p.Hash[:]...) }
func DecodeGetBlock(b []byte) (*GetBlockPayload, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("p2p: getblock: bad length")
	}
	var p GetBlockPayload
	copy(p.Hash[:], b)
	return &p, nil
}

type GetCompactBlockPayload = GetBlockPayload

func EncodeGetCompactBlock(p GetCompactBlockPayload) []byte { return EncodeGetBlock(p) }
func DecodeGetCompactBlock(b []byte) (*GetCompactBlockPayload, error) { return DecodeGetBlock(b) }

// BlockPayload carries a full block body.
type BlockPayload struct {
	Header consensus.BlockHeader
	Offset [32]byte
	Body   consensus.TransactionBody
}

func EncodeBlock(p BlockPayload) ([]byte, error) {
	if len(p.Body.Inputs) > MaxTxBodyInputs || len(p.Body.Outputs) > MaxTxBodyOutputs || len(p.Body.Kernels) > MaxTxBodyKernels {
		return nil, fmt.Errorf("p2p: block: body exceeds cap")
	}
	out := append([]byte{}, consensus.BlockHeaderBytes(p.Header)...)
	out = append(out, p.Offset[:]...)
	out = appendBody(out, p.Body)
	return out, nil
}

func DecodeBlock(b []byte) (*BlockPayload, error) {
	if len(b) < consensus.BlockHeaderBytesLen+32 {
		return nil, fmt.Errorf("p2p: block: truncated")
	}
	header, err := consensus.ParseBlockHeaderBytes(b[:consensus.BlockHeaderBytesLen])
	if err != nil {
		return nil, err
	}
	off := consensus.BlockHeaderBytesLen
	var offset [32]byte
	copy(offset[:], b[off:off+32])
	off += 32
	body, _, err := parseBody(b[off:])
	if err != nil {
		return nil, err
	}
	return &BlockPayload{Header: header, Offset: offset, Body: body}, nil
}

// TransactionPayload wraps a mempool-bound transaction body.
type TransactionPayload struct {
	Offset [32]byte
	Body   consensus.TransactionBody
}

func EncodeTransaction(p TransactionPayload) ([]byte, error) {
	out := append([]byte{}, p.Offset[:]...)
	out = appendBody(out, p.Body)
	return out, nil
}

func DecodeTransaction(b []byte) (*TransactionPayload, error) {
	if len(b) < 32 {
		return nil, fmt.Errorf("p2p: transaction: truncated")
	}
	var offset [32]byte
	copy(offset[:], b[:32])
	body, _, err := parseBody(b[32:])
	if err != nil {
		return nil, err
	}
	return &TransactionPayload{Offset: offset, Body: body}, nil
}

func appendBody(out []byte, body consensus.TransactionBody) []byte {
	out = append(out, consensus.CompactSize(len(body.Inputs)).Encode()...)
	for _, in := range body.Inputs {
		out = append(out, byte(in.Features))
		out = append(out, in.Commitment[:]...)
	}
	out = append(out, consensus.CompactSize(len(body.Outputs)).Encode()...)
	for _, o := range body.Outputs {
		out = append(out, byte(o.Features))
		out = append(out, o.Commitment[:]...)
		out = append(out, consensus.CompactSize(len(o.Proof)).Encode()...)
		out = append(out, o.Proof...)
	}
	out = append(out, consensus.CompactSize(len(body.Kernels)).Encode()...)
	for _, k := range body.Kernels {
		out = append(out, byte(k.Features))
		out = appendU64(out, k.Fee)
		out = appendU64(out, k.LockHeight)
		out = append(out, k.Excess[:]...)
		out = append(out, k.Signature[:]...)
	}
	return out
}

func parseBody(b []byte) (consensus.TransactionBody, int, error) {
	var body consensus.TransactionBody
	off := 0

	inCount, used, err := consensus.DecodeCompactSize(b[off:])
	if err != nil {
		return body, 0, err
	}
	off += used
	if uint64(inCount) > MaxTxBodyInputs {
		return body, 0, fmt.Errorf("p2p: body: input count exceeds cap")
	}
	for i := uint64(0); i < uint64(inCount); i++ {
		if off+34 > len(b) {
			return body, 0, fmt.Errorf("p2p: body: truncated input")
		}
		var in consensus.TransactionInput
		in.Features = consensus.OutputFeatures(b[off])
		off++
		copy(in.Commitment[:], b[off:off+33])
		off += 33
		body.Inputs = append(body.Inputs, in)
	}

	outCount, used, err := consensus.DecodeCompactSize(b[off:])
	if err != nil {
		return body, 0, err
	}
	off += used
	if uint64(outCount) > MaxTxBodyOutputs {
		return body, 0, fmt.Errorf("p2p: body: output count exceeds cap")
	}
	for i := uint64(0); i < uint64(outCount); i++ {
		if off+34 > len(b) {
			return body, 0, fmt.Errorf("p2p: body: truncated output")
		}
		var o consensus.TransactionOutput
		o.Features = consensus.OutputFeatures(b[off])
		off++
		copy(o.Commitment[:], b[off:off+33])
		off += 33
		proofLen, u, err := consensus.DecodeCompactSize(b[off:])
		if err != nil {
			return body, 0, err
		}
		off += u
		if off+int(proofLen) > len(b) {
			return body, 0, fmt.Errorf("p2p: body: truncated range proof")
		}
		o.Proof = append([]byte{}, b[off:off+int(proofLen)]...)
		off += int(proofLen)
		body.Outputs = append(body.Outputs, o)
	}

	kernCount, used, err := consensus.DecodeCompactSize(b[off:])
	if err != nil {
		return body, 0, err
	}
	off += used
	if uint64(kernCount) > MaxTxBodyKernels {
		return body, 0, fmt.Errorf("p2p: body: kernel count exceeds cap")
	}
	for i := uint64(0); i < uint64(kernCount); i++ {
		if off+1+8+8+33+64 > len(b) {
			return body, 0, fmt.Errorf("p2p: body: truncated kernel")
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
		body.Kernels = append(body.Kernels, k)
	}
	if off != len(b) {
		return body, 0, fmt.Errorf("p2p: body: trailing bytes")
	}
	return body, off, nil
}

// PeerAddrPayload/GetPeerAddrsPayload implement address gossip.
type PeerAddr struct {
	Addr         string
	Capabilities uint64
}

type GetPeerAddrsPayload struct{ Capabilities uint64 }

func EncodeGetPeerAddrs(p GetPeerAddrsPayload) []byte { return appendU64(nil, p.Capabilities) }
func DecodeGetPeerAddrs(b []byte) (*GetPeerAddrsPayload, error) {
	if len(b) != 8 {
		return nil, fmt.Errorf("p2p: getpeeraddrs: bad length")
	}
	return &GetPeerAddrsPayload{Capabilities: binary.BigEndian.Uint64(b)}, nil
}

type PeerAddrsPayload struct{ Addrs []PeerAddr }

func EncodePeerAddrs(p PeerAddrsPayload) ([]byte, error) {
	if len(p.Addrs) > MaxPeerAddrs {
		return nil, fmt.Errorf("p2p: peeraddrs: too many entries")
	}
	out := consensus.CompactSize(len(p.Addrs)).Encode()
	for _, a := range p.Addrs {
		host, port, err := net.SplitHostPort(a.Addr)
		if err != nil {
			return nil, fmt.Errorf("p2p: peeraddrs: %w", err)
		}
		out = append(out, consensus.CompactSize(len(host)).Encode()...)
		out = append(out, host...)
		var portNum uint16
		if _, err := fmt.Sscanf(port, "%d", &portNum); err != nil {
			return nil, fmt.Errorf("p2p: peeraddrs: bad port: %w", err)
		}
		out = appendU16(out, portNum)
		out = appendU64(out, a.Capabilities)
	}
	return out, nil
}

func DecodePeerAddrs(b []byte) (*PeerAddrsPayload, error) {
	count, used, err := consensus.DecodeCompactSize(b)
	if err != nil {
		return nil, err
	}
	if uint64(count) > MaxPeerAddrs {
		return nil, fmt.Errorf("p2p: peeraddrs: count exceeds cap")
	}
	off := used
	out := make([]PeerAddr, 0, count)
	for i := uint64(0); i < uint64(count); i++ {
		hostLen, u, err := consensus.DecodeCompactSize(b[off:])
		if err != nil {
			return nil, err
		}
		off += u
		if off+int(hostLen)+2+8 > len(b) {
			return nil, fmt.Errorf("p2p: peeraddrs: truncated entry")
		}
		host := string(b[off : off+int(hostLen)])
		off += int(hostLen)
		port := binary.BigEndian.Uint16(b[off : off+2])
		off += 2
		caps := binary.BigEndian.Uint64(b[off : off+8])
		off += 8
		out = append(out, PeerAddr{Addr: net.JoinHostPort(host, fmt.Sprint(port)), Capabilities: caps})
	}
	if off != len(b) {
		return nil, fmt.Errorf("p2p: peeraddrs: trailing bytes")
	}
	return &PeerAddrsPayload{Addrs: out}, nil
}

// TxHashSetRequestPayload/TxHashSetArchivePayload implement the
// UTXO/kernel snapshot pipe.
type TxHashSetRequestPayload struct{ Header [32]byte }

func EncodeTxHashSetRequest(p TxHashSetRequestPayload) []byte { return append([]byte{}, p.Header[:]...) }
func DecodeTxHashSetRequest(b []byte) (*TxHashSetRequestPayload, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("p2p: txhashsetrequest: bad length")
	}
	var p TxHashSetRequestPayload
	copy(p.Header[:], b)
	return &p, nil
}

type TxHashSetArchivePayload struct {
	Header [32]byte
	Size   uint64
	Data   []byte
}

func EncodeTxHashSetArchive(p TxHashSetArchivePayload) []byte {
	out := append([]byte{}, p.Header[:]...)
	out = appendU64(out, p.Size)
	out = append(out, p.Data...)
	return out
}

func DecodeTxHashSetArchive(b []byte) (*TxHashSetArchivePayload, error) {
	if len(b) < 40 {
		return nil, fmt.Errorf("p2p: txhashsetarchive: truncated")
	}
	var p TxHashSetArchivePayload
	copy(p.Header[:], b[:32])
	p.Size = binary.BigEndian.Uint64(b[32:40])
	p.Data = append([]byte{}, b[40:]...)
	if uint64(len(p.Data)) != p.Size {
		return nil, fmt.Errorf("p2p: txhashsetarchive: size mismatch")
	}
	return &p, nil
}

// GetTransactionPayload/TransactionKernelPayload implement mempool
// lookup by kernel key (the pool's hash of a transaction's kernel
// messages).
type GetTransactionPayload struct{ KernelHash [32]byte }

func EncodeGetTransaction(p GetTransactionPayload) []byte { return append([]byte{}, p.KernelHash[:]...) }
func DecodeGetTransaction(b []byte) (*GetTransactionPayload, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("p2p: gettransaction: bad length")
	}
	var p GetTransactionPayload
	copy(p.KernelHash[:], b)
	return &p, nil
}

type TransactionKernelPayload struct{ KernelHash [32]byte }

func EncodeTransactionKernel(p TransactionKernelPayload) []byte {
	return append([]byte{}, p.KernelHash[:]...)
}
func DecodeTransactionKernel(b []byte) (*TransactionKernelPayload, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("p2p: transactionkernel: bad length")
	}
	var p TransactionKernelPayload
	copy(p.KernelHash[:], b)
	return &p, nil
}

// ErrorPayload/BanReasonPayload carry a short human-readable reason.
type ErrorPayload struct{ Reason string }

func EncodeError(p ErrorPayload) []byte { return []byte(p.Reason) }
func DecodeError(b []byte) *ErrorPayload {
	return &ErrorPayload{Reason: string(b)}
}

type BanReasonPayload = ErrorPayload

func EncodeBanReason(p BanReasonPayload) []byte  { return EncodeError(p) }
func DecodeBanReason(b []byte) *BanReasonPayload { return DecodeError(b) }

func appendU16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}
