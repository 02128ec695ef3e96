package p2p

import (
	"bytes"
	"testing"

	"rubinmw.dev/node/consensus"
)

func testConn(id uint64) *Connection {
	return NewConnection(id, RoleInbound, nil, Config{})
}

// drainSend reads the single frame the processor is expected to have
// queued for the peer and decodes its type/payload back out.
func drainSend(t *testing.T, c *Connection) *Frame {
	t.Helper()
	select {
	case raw := <-c.sendCh:
		f, ferr := ReadFrame(bytes.NewReader(raw))
		if ferr != nil {
			t.Fatalf("decode queued frame: %v", ferr)
		}
		return f
	default:
		t.Fatalf("expected a frame to have been queued for sending")
		return nil
	}
}

func TestHandleFramePingRepliesWithPong(t *testing.T) {
	conn := testConn(1)
	p := &Processor{Callbacks: Callbacks{
		OurStatus: func() PeerStatus { return PeerStatus{TotalDifficulty: 7, Height: 3} },
	}}

	ping := EncodePing(PingPayload{Nonce: 99})
	if err := p.HandleFrame(conn, &Frame{Type: MsgPing, Payload: ping}); err != nil {
		t.Fatalf("unexpected frame error: %v", err)
	}

	frame := drainSend(t, conn)
	if frame.Type != MsgPong {
		t.Fatalf("expected a queued Pong, got type %v", frame.Type)
	}
	pong, err := DecodePong(frame.Payload)
	if err != nil {
		t.Fatalf("decode pong: %v", err)
	}
	if pong.Nonce != 99 || pong.TotalDifficulty != 7 || pong.Height != 3 {
		t.Fatalf("unexpected pong contents: %+v", pong)
	}
}

func TestHandleFramePingRejectsMalformedPayload(t *testing.T) {
	conn := testConn(1)
	p := &Processor{}

	ferr := p.HandleFrame(conn, &Frame{Type: MsgPing, Payload: []byte{1, 2, 3}})
	if ferr == nil || !ferr.Disconnect || ferr.BanScoreDelta != BanThreshold {
		t.Fatalf("expected an immediate ban+disconnect for a malformed ping, got %+v", ferr)
	}
}

func TestHandleFramePongUpdatesRemoteStatus(t *testing.T) {
	conn := testConn(1)
	p := &Processor{}

	pong := EncodePong(PongPayload{TotalDifficulty: 55, Height: 12})
	if err := p.HandleFrame(conn, &Frame{Type: MsgPong, Payload: pong}); err != nil {
		t.Fatalf("unexpected frame error: %v", err)
	}
	status := conn.RemoteStatus()
	if status.TotalDifficulty != 55 || status.Height != 12 {
		t.Fatalf("expected remote status to be updated, got %+v", status)
	}
}

func TestHandleFrameErrorBansAndDisconnects(t *testing.T) {
	conn := testConn(1)
	var reason string
	p := &Processor{Callbacks: Callbacks{OnError: func(r string) { reason = r }}}

	ferr := p.HandleFrame(conn, &Frame{Type: MsgError, Payload: []byte("boom")})
	if ferr == nil || !ferr.Disconnect || ferr.BanScoreDelta != BanThreshold {
		t.Fatalf("expected an immediate ban+disconnect, got %+v", ferr)
	}
	if reason != "boom" {
		t.Fatalf("expected OnError callback to receive the frame reason, got %q", reason)
	}
}

func TestHandleFrameHeaderRequestsCompactBlockOnNewBestUnknown(t *testing.T) {
	conn := testConn(1)
	h := consensus.BlockHeader{Height: 1, PoW: consensus.ProofOfWork{EdgeBits: consensus.EdgeBits}}
	p := &Processor{Callbacks: Callbacks{
		OnHeader: func(consensus.BlockHeader) (*consensus.ValidationError, bool) { return nil, true },
	}}
	payload, err := EncodeHeaders(HeadersPayload{Headers: []consensus.BlockHeader{h}})
	if err != nil {
		t.Fatalf("encode headers: %v", err)
	}

	if err := p.HandleFrame(conn, &Frame{Type: MsgHeader, Payload: payload}); err != nil {
		t.Fatalf("unexpected frame error: %v", err)
	}

	frame := drainSend(t, conn)
	if frame.Type != MsgGetCompactBlock {
		t.Fatalf("expected a GetCompactBlock request, got type %v", frame.Type)
	}
}

func TestHandleFrameHeaderBansOnValidationError(t *testing.T) {
	conn := testConn(1)
	p := &Processor{Callbacks: Callbacks{
		OnHeader: func(consensus.BlockHeader) (*consensus.ValidationError, bool) {
			return &consensus.ValidationError{Kind: consensus.ErrBadParent}, false
		},
	}}
	payload, err := EncodeHeaders(HeadersPayload{Headers: []consensus.BlockHeader{{}}})
	if err != nil {
		t.Fatalf("encode headers: %v", err)
	}

	ferr := p.HandleFrame(conn, &Frame{Type: MsgHeader, Payload: payload})
	if ferr == nil || !ferr.Disconnect || ferr.BanScoreDelta != BanThreshold {
		t.Fatalf("expected a ban+disconnect for an invalid header, got %+v", ferr)
	}
}

func TestHandleFrameBlockOrphanWithHigherDiffRequestsParent(t *testing.T) {
	conn := testConn(1)
	var missingParent [32]byte
	missingParent[0] = 0xAB
	p := &Processor{Callbacks: Callbacks{
		OnBlock: func(BlockPayload, uint64) (EnqueueResult, *consensus.ValidationError, bool) {
			return Enqueued, &consensus.ValidationError{Kind: consensus.ErrOrphaned, MissingParent: missingParent}, true
		},
	}}
	payload, err := EncodeBlock(BlockPayload{Header: consensus.BlockHeader{}})
	if err != nil {
		t.Fatalf("encode block: %v", err)
	}

	if err := p.HandleFrame(conn, &Frame{Type: MsgBlock, Payload: payload}); err != nil {
		t.Fatalf("unexpected frame error: %v", err)
	}

	frame := drainSend(t, conn)
	if frame.Type != MsgGetCompactBlock {
		t.Fatalf("expected a GetCompactBlock request for the missing parent, got type %v", frame.Type)
	}
	req, err := DecodeGetCompactBlock(frame.Payload)
	if err != nil {
		t.Fatalf("decode get compact block: %v", err)
	}
	if req.Hash != missingParent {
		t.Fatalf("expected the request to name the missing parent hash")
	}
}

func TestHandleFrameBlockFullDisconnectsWithoutBanScore(t *testing.T) {
	conn := testConn(1)
	p := &Processor{Callbacks: Callbacks{
		OnBlock: func(BlockPayload, uint64) (EnqueueResult, *consensus.ValidationError, bool) {
			return Full, nil, false
		},
	}}
	payload, err := EncodeBlock(BlockPayload{Header: consensus.BlockHeader{}})
	if err != nil {
		t.Fatalf("encode block: %v", err)
	}

	ferr := p.HandleFrame(conn, &Frame{Type: MsgBlock, Payload: payload})
	if ferr == nil || !ferr.Disconnect || ferr.BanScoreDelta != 0 {
		t.Fatalf("expected a zero-score disconnect for a saturated pipeline, got %+v", ferr)
	}
}

func TestHandleFrameTxHashSetRequestHonorsCooldown(t *testing.T) {
	conn := testConn(1)
	calls := 0
	p := &Processor{Callbacks: Callbacks{
		OnTxHashSetRequest: func([32]byte) ([]byte, bool) {
			calls++
			return []byte{1, 2, 3}, true
		},
	}}
	payload := EncodeTxHashSetRequest(TxHashSetRequestPayload{})

	if err := p.HandleFrame(conn, &Frame{Type: MsgTxHashSetRequest, Payload: payload}); err != nil {
		t.Fatalf("unexpected frame error on first request: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected the callback to fire once, got %d", calls)
	}
	drainSend(t, conn) // consume the queued archive so the channel isn't full

	ferr := p.HandleFrame(conn, &Frame{Type: MsgTxHashSetRequest, Payload: payload})
	if ferr == nil || !ferr.Disconnect {
		t.Fatalf("expected the cooldown to reject a second request within the window, got %+v", ferr)
	}
	if calls != 1 {
		t.Fatalf("expected the callback not to fire once the cooldown rejects, got %d calls", calls)
	}
}

func TestHandleFrameUnknownTypeIsIgnored(t *testing.T) {
	conn := testConn(1)
	p := &Processor{}
	if err := p.HandleFrame(conn, &Frame{Type: MessageType(250), Payload: nil}); err != nil {
		t.Fatalf("expected an unknown message type to be silently ignored, got %+v", err)
	}
}
