package p2p

import (
	"context"
	"crypto/ed25519"
	"net"
	"testing"
	"time"
)

func TestConnectionSendReturnsErrorWhenQueueIsFull(t *testing.T) {
	conn := NewConnection(1, RoleOutbound, nil, Config{SendQueueSize: 1, SendTimeout: 20 * time.Millisecond})

	if err := conn.Send(MsgPing, EncodePing(PingPayload{})); err != nil {
		t.Fatalf("expected the first send to fill the one-deep queue without error, got %v", err)
	}
	if err := conn.Send(MsgPing, EncodePing(PingPayload{})); err == nil {
		t.Fatalf("expected the second send to time out against an undrained queue")
	}
}

func TestConnectionSendFailsAfterClose(t *testing.T) {
	// A one-deep queue with nothing draining it: the first send fills the
	// buffer, so once the connection is closed the second send can only
	// take the closed branch of Send's select, not race the full buffer.
	conn := NewConnection(1, RoleOutbound, nil, Config{SendQueueSize: 1, SendTimeout: 2 * time.Second})
	if err := conn.Send(MsgPing, EncodePing(PingPayload{})); err != nil {
		t.Fatalf("expected the first send to fill the queue without error, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := conn.Send(MsgPing, EncodePing(PingPayload{})); err == nil {
		t.Fatalf("expected send to a closed connection to fail")
	}
}

func TestConnectionCloseIsIdempotent(t *testing.T) {
	conn := NewConnection(1, RoleOutbound, nil, Config{})
	if err := conn.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
	if conn.State() != StateClosed {
		t.Fatalf("expected StateClosed, got %v", conn.State())
	}
}

func TestConnectionBanAndCloseSetsBannedState(t *testing.T) {
	conn := NewConnection(1, RoleOutbound, nil, Config{})
	if err := conn.BanAndClose(); err != nil {
		t.Fatalf("ban and close: %v", err)
	}
	if conn.State() != StateBanned {
		t.Fatalf("expected StateBanned, got %v", conn.State())
	}
}

type recordingHandler struct {
	frames chan *Frame
}

func (h *recordingHandler) HandleFrame(_ *Connection, frame *Frame) *FrameError {
	h.frames <- frame
	return nil
}

type alwaysDisconnectHandler struct{}

func (alwaysDisconnectHandler) HandleFrame(*Connection, *Frame) *FrameError {
	return &FrameError{BanScoreDelta: BanThreshold, Disconnect: true}
}

func runningPair(t *testing.T, serverHandler Handler) (client, server *Connection, done chan struct{}) {
	t.Helper()
	_, clientPriv := genIdentity(t)
	serverPub, serverPriv := genIdentity(t)
	var genesisHash [32]byte
	genesisHash[0] = 0x42

	a, b := net.Pipe()
	client = NewConnection(1, RoleOutbound, a, Config{Identity: clientPriv, ProtocolVersion: ProtocolVersion, GenesisHash: genesisHash, Nonce: 10})
	server = NewConnection(2, RoleInbound, b, Config{Identity: serverPriv, ProtocolVersion: ProtocolVersion, GenesisHash: genesisHash, Nonce: 20})

	done = make(chan struct{}, 2)
	go func() {
		_ = client.Run(context.Background(), serverPub, 10, 0, 0, alwaysDisconnectHandler{})
		done <- struct{}{}
	}()
	go func() {
		var noPeerIdentity ed25519.PublicKey
		_ = server.Run(context.Background(), noPeerIdentity, 0, 0, 0, serverHandler)
		done <- struct{}{}
	}()

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server, done
}

func TestConnectionRunDeliversFramesToHandler(t *testing.T) {
	handler := &recordingHandler{frames: make(chan *Frame, 4)}
	client, _, _ := runningPair(t, handler)

	// Give both sides a moment to finish the handshake before sending.
	deadline := time.After(2 * time.Second)
	for client.State() != StateActive {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for the client to become active")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := client.Send(MsgPing, EncodePing(PingPayload{Nonce: 7})); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case frame := <-handler.frames:
		if frame.Type != MsgPing {
			t.Fatalf("expected a Ping frame, got type %v", frame.Type)
		}
		pp, err := DecodePing(frame.Payload)
		if err != nil {
			t.Fatalf("decode ping: %v", err)
		}
		if pp.Nonce != 7 {
			t.Fatalf("unexpected nonce: %d", pp.Nonce)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the server to receive the frame")
	}
}

type discardHandler struct{}

func (discardHandler) HandleFrame(*Connection, *Frame) *FrameError { return nil }

// TestConnectionRunBansAfterSustainedRateLimitViolations floods a live
// connection with far more messages than the token bucket's burst
// capacity, checking that persistent throttling eventually crosses
// BanThreshold and closes the connection rather than looping forever.
func TestConnectionRunBansAfterSustainedRateLimitViolations(t *testing.T) {
	clientPub, clientPriv := genIdentity(t)
	serverPub, serverPriv := genIdentity(t)
	var genesisHash [32]byte

	a, b := net.Pipe()
	client := NewConnection(1, RoleOutbound, a, Config{Identity: clientPriv, ProtocolVersion: ProtocolVersion, GenesisHash: genesisHash})
	server := NewConnection(2, RoleInbound, b, Config{Identity: serverPriv, ProtocolVersion: ProtocolVersion, GenesisHash: genesisHash})
	_ = clientPub

	done := make(chan error, 1)
	go func() { _ = client.Run(context.Background(), serverPub, 1, 0, 0, discardHandler{}) }()
	go func() { done <- server.Run(context.Background(), nil, 0, 0, 0, discardHandler{}) }()

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	deadline := time.After(2 * time.Second)
	for client.State() != StateActive {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for the handshake to complete")
		case <-time.After(5 * time.Millisecond):
		}
	}

	for i := 0; i < 200; i++ {
		if err := client.Send(MsgPing, EncodePing(PingPayload{Nonce: uint64(i)})); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for the flooding peer to be banned")
	}
	if server.State() != StateBanned {
		t.Fatalf("expected StateBanned, got %v", server.State())
	}
}

func TestConnectionRunDisconnectsOnBanningFrameError(t *testing.T) {
	_, server, done := runningPair(t, alwaysDisconnectHandler{})

	deadline := time.After(2 * time.Second)
	for server.State() != StateActive {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for the server to become active")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := server.Send(MsgPing, EncodePing(PingPayload{})); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a Run loop to exit after a banning frame error")
	}
}
