package p2p

import (
	"time"

	"rubinmw.dev/node/consensus"
)

// EnqueueResult is what a pipeline handoff reports back to the
// processor.
type EnqueueResult int

const (
	Enqueued EnqueueResult = iota
	Full
	Syncing
)

// Callbacks wires the message processor to the rest of
// the node — sync state, chain state, mempool, pipelines — without this
// package importing any of them directly. Each callback corresponds to
// one row of the per-message behavior table; the processor itself only
// owns decode/encode, ban-score mapping, and dispatch.
type Callbacks struct {
	OurStatus func() PeerStatus

	OnGetPeerAddrs func(caps uint64) []PeerAddr
	OnPeerAddrs    func(addrs []PeerAddr)

	OnGetHeaders func(locator [][32]byte, hashStop [32]byte) []consensus.BlockHeader
	// OnHeader/OnHeaders return the resulting validation error, if any,
	// and whether the new header extends the best known header chain
	// with an as-yet-unknown body (triggering a CompactBlock request).
	OnHeader     func(h consensus.BlockHeader) (ve *consensus.ValidationError, newBestUnknownBody bool)
	OnHeaders    func(hs []consensus.BlockHeader) *consensus.ValidationError
	OnGetBlock   func(hash [32]byte) (*BlockPayload, bool)
	// OnBlock returns Enqueued/Full/Syncing plus, if it decided to
	// validate inline (not syncing), the validation error and whether
	// the block was orphaned with higher total difficulty.
	OnBlock func(b BlockPayload, fromConnID uint64) (EnqueueResult, *consensus.ValidationError, bool)

	OnGetCompactBlock func(hash [32]byte) (*CompactBlockPayload, bool)
	// OnCompactBlock returns missing short ids to request the full
	// block for, and whether it was orphaned with higher total diff.
	OnCompactBlock func(cb CompactBlockPayload, fromConnID uint64) (missingShortIDs [][ShortIDBytes]byte, orphanedHigherDiff bool, ve *consensus.ValidationError)

	OnTransaction     func(t TransactionPayload, stem bool, fromConnID uint64) EnqueueResult
	OnTxHashSetRequest func(header [32]byte) ([]byte, bool)
	OnTxHashSetArchive func(a TxHashSetArchivePayload, fromConnID uint64) EnqueueResult

	OnGetTransaction     func(kernelHash [32]byte) (*TransactionPayload, bool)
	OnTransactionKernel  func(kernelHash [32]byte) (haveIt bool)

	OnError     func(reason string)
	OnBanReason func(reason string)
}

// Processor implements Handler by decoding each frame by message type
// and dispatching to Callbacks, translating results into ban-score
// deltas and disconnect decisions.
type Processor struct {
	Callbacks Callbacks
}

func banErr(score int, disconnect bool) *FrameError {
	if score == 0 && !disconnect {
		return nil
	}
	return &FrameError{BanScoreDelta: score, Disconnect: disconnect}
}

// HandleFrame implements Handler.
func (p *Processor) HandleFrame(conn *Connection, frame *Frame) *FrameError {
	switch frame.Type {
	case MsgError:
		p.Callbacks.OnError(string(frame.Payload))
		return banErr(BanThreshold, true) // peer sent Error: log and ban

	case MsgBanReason:
		p.Callbacks.OnBanReason(string(frame.Payload))
		return banErr(BanThreshold, true)

	case MsgPing:
		pp, err := DecodePing(frame.Payload)
		if err != nil {
			return banErr(BanThreshold, true)
		}
		status := p.Callbacks.OurStatus()
		pong := PongPayload{TotalDifficulty: status.TotalDifficulty, Height: status.Height, Nonce: pp.Nonce}
		if err := conn.Send(MsgPong, EncodePong(pong)); err != nil {
			return banErr(0, true)
		}
		return nil

	case MsgPong:
		pong, err := DecodePong(frame.Payload)
		if err != nil {
			return banErr(BanThreshold, true)
		}
		conn.UpdateRemoteStatus(pong.TotalDifficulty, pong.Height)
		return nil

	case MsgGetPeerAddrs:
		req, err := DecodeGetPeerAddrs(frame.Payload)
		if err != nil {
			return banErr(BanThreshold, true)
		}
		addrs := p.Callbacks.OnGetPeerAddrs(req.Capabilities)
		if len(addrs) > MaxPeerAddrs {
			addrs = addrs[:MaxPeerAddrs]
		}
		payload, err := EncodePeerAddrs(PeerAddrsPayload{Addrs: addrs})
		if err != nil {
			return nil
		}
		_ = conn.Send(MsgPeerAddrs, payload)
		return nil

	case MsgPeerAddrs:
		pa, err := DecodePeerAddrs(frame.Payload)
		if err != nil {
			return banErr(BanThreshold, true)
		}
		p.Callbacks.OnPeerAddrs(pa.Addrs)
		return nil

	case MsgGetHeaders:
		req, err := DecodeGetHeaders(frame.Payload)
		if err != nil {
			return banErr(BanThreshold, true)
		}
		headers := p.Callbacks.OnGetHeaders(req.Locator, req.HashStop)
		if len(headers) > MaxHeadersPerMsg {
			headers = headers[:MaxHeadersPerMsg]
		}
		payload, err := EncodeHeaders(HeadersPayload{Headers: headers})
		if err != nil {
			return nil
		}
		_ = conn.Send(MsgHeaders, payload)
		return nil

	case MsgHeader:
		hp, err := DecodeHeaders(frame.Payload)
		if err != nil || len(hp.Headers) != 1 {
			return banErr(BanThreshold, true)
		}
		ve, newBestUnknown := p.Callbacks.OnHeader(hp.Headers[0])
		if ve != nil {
			return banErr(BanThreshold, true)
		}
		if newBestUnknown {
			hash := consensus.BlockHeaderHash(hp.Headers[0])
			_ = conn.Send(MsgGetCompactBlock, EncodeGetCompactBlock(GetCompactBlockPayload{Hash: hash}))
		}
		return nil

	case MsgHeaders:
		hp, err := DecodeHeaders(frame.Payload)
		if err != nil {
			return banErr(BanThreshold, true)
		}
		if ve := p.Callbacks.OnHeaders(hp.Headers); ve != nil {
			return banErr(BanThreshold, true)
		}
		return nil

	case MsgGetBlock:
		req, err := DecodeGetBlock(frame.Payload)
		if err != nil {
			return banErr(BanThreshold, true)
		}
		blk, ok := p.Callbacks.OnGetBlock(req.Hash)
		if !ok {
			_ = conn.Send(MsgError, EncodeError(ErrorPayload{Reason: "NotFound"}))
			return nil
		}
		payload, err := EncodeBlock(*blk)
		if err != nil {
			return nil
		}
		_ = conn.Send(MsgBlock, payload)
		return nil

	case MsgBlock:
		blk, err := DecodeBlock(frame.Payload)
		if err != nil {
			return banErr(BanThreshold, true)
		}
		res, ve, orphanedHigherDiff := p.Callbacks.OnBlock(*blk, conn.ID)
		switch res {
		case Full:
			return banErr(0, true) // unsolicited flood while saturated
		case Syncing:
			return nil
		}
		if ve != nil {
			if ve.Kind == consensus.ErrOrphaned && orphanedHigherDiff {
				_ = conn.Send(MsgGetCompactBlock, EncodeGetCompactBlock(GetCompactBlockPayload{Hash: ve.MissingParent}))
				return nil
			}
			return banErr(BanThreshold, true)
		}
		_ = conn.Send(MsgHeader, mustEncodeHeaders(blk.Header))
		return nil

	case MsgGetCompactBlock:
		req, err := DecodeGetCompactBlock(frame.Payload)
		if err != nil {
			return banErr(BanThreshold, true)
		}
		cb, ok := p.Callbacks.OnGetCompactBlock(req.Hash)
		if !ok {
			_ = conn.Send(MsgError, EncodeError(ErrorPayload{Reason: "NotFound"}))
			return nil
		}
		payload, err := EncodeCompactBlock(*cb)
		if err != nil {
			return nil
		}
		_ = conn.Send(MsgCompactBlock, payload)
		return nil

	case MsgCompactBlock:
		cb, err := DecodeCompactBlock(frame.Payload)
		if err != nil {
			return banErr(BanThreshold, true)
		}
		missing, orphanedHigherDiff, ve := p.Callbacks.OnCompactBlock(*cb, conn.ID)
		if ve != nil {
			if ve.Kind == consensus.ErrOrphaned && orphanedHigherDiff {
				_ = conn.Send(MsgGetCompactBlock, EncodeGetCompactBlock(GetCompactBlockPayload{Hash: ve.MissingParent}))
				return nil
			}
			if ve.Kind == consensus.ErrMissingTransactions {
				hash := consensus.BlockHeaderHash(cb.Header)
				_ = conn.Send(MsgGetBlock, EncodeGetBlock(GetBlockPayload{Hash: hash}))
				return nil
			}
			return banErr(BanThreshold, true)
		}
		if len(missing) > 0 {
			hash := consensus.BlockHeaderHash(cb.Header)
			_ = conn.Send(MsgGetBlock, EncodeGetBlock(GetBlockPayload{Hash: hash}))
		}
		return nil

	case MsgStemTransaction, MsgTransaction:
		tx, err := DecodeTransaction(frame.Payload)
		if err != nil {
			return banErr(BanThreshold, true)
		}
		res := p.Callbacks.OnTransaction(*tx, frame.Type == MsgStemTransaction, conn.ID)
		if res == Full {
			return nil // drop gossip, keep peer
		}
		return nil

	case MsgTxHashSetRequest:
		req, err := DecodeTxHashSetRequest(frame.Payload)
		if err != nil {
			return banErr(BanThreshold, true)
		}
		if !conn.txHashSetRL.Allow(time.Now()) {
			return banErr(BanThreshold, true)
		}
		data, ok := p.Callbacks.OnTxHashSetRequest(req.Header)
		if !ok {
			return banErr(0, true)
		}
		payload := EncodeTxHashSetArchive(TxHashSetArchivePayload{Header: req.Header, Size: uint64(len(data)), Data: data})
		if err := conn.Send(MsgTxHashSetArchive, payload); err != nil {
			return banErr(0, true)
		}
		return nil

	case MsgTxHashSetArchive:
		archive, err := DecodeTxHashSetArchive(frame.Payload)
		if err != nil {
			return banErr(BanThreshold, true)
		}
		if p.Callbacks.OnTxHashSetArchive(*archive, conn.ID) == Full {
			return banErr(0, true)
		}
		return nil

	case MsgGetTransactionMsg:
		req, err := DecodeGetTransaction(frame.Payload)
		if err != nil {
			return banErr(BanThreshold, true)
		}
		tx, ok := p.Callbacks.OnGetTransaction(req.KernelHash)
		if !ok {
			_ = conn.Send(MsgError, EncodeError(ErrorPayload{Reason: "NotFound"}))
			return nil
		}
		payload, err := EncodeTransaction(*tx)
		if err != nil {
			return nil
		}
		_ = conn.Send(MsgTransaction, payload)
		return nil

	case MsgTransactionKernelMsg:
		req, err := DecodeTransactionKernel(frame.Payload)
		if err != nil {
			return banErr(BanThreshold, true)
		}
		if !p.Callbacks.OnTransactionKernel(req.KernelHash) {
			_ = conn.Send(MsgGetTransactionMsg, EncodeGetTransaction(GetTransactionPayload{KernelHash: req.KernelHash}))
		}
		return nil

	default:
		// Unknown type is not fatal at the codec/processor level.
		return nil
	}
}

func mustEncodeHeaders(h consensus.BlockHeader) []byte {
	payload, err := EncodeHeaders(HeadersPayload{Headers: []consensus.BlockHeader{h}})
	if err != nil {
		return nil
	}
	return payload
}
