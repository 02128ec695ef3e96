// Package p2p implements the encrypted peer-to-peer transport: wire
// framing, the Hand/Shake handshake, per-connection state machines, ban
// scoring, rate limiting, and the message processor that drives sync.
package p2p

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame header layout: magic(2) | type(1) | len(8).
const (
	FrameHeaderBytes = 2 + 1 + 8

	// MaxFramePayloadBytes bounds an attacker-controlled length prefix
	// before any read is attempted.
	MaxFramePayloadBytes = 8_388_608
)

// Magic identifies this network.
var Magic = [2]byte{0x1E, 0xC5}

// ProtocolVariant selects the wire encoding for the handful of
// length-prefixed message types that differ between V1 and V2;
// the frame header itself is identical in both.
type ProtocolVariant int

const (
	VariantV1 ProtocolVariant = 1
	VariantV2 ProtocolVariant = 2
)

// Frame is one decoded wire message: a numeric type id plus payload.
type Frame struct {
	Type    MessageType
	Payload []byte
}

// FrameError conveys how the caller should treat a malformed frame:
// ban-score delta and whether the connection must close.
type FrameError struct {
	Err           error
	BanScoreDelta int
	Disconnect    bool
}

func (e *FrameError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// EncodeFrame serializes typ/payload into the wire frame format.
func EncodeFrame(typ MessageType, payload []byte) ([]byte, error) {
	if len(payload) > MaxFramePayloadBytes {
		return nil, fmt.Errorf("p2p: frame: payload too large")
	}
	out := make([]byte, 0, FrameHeaderBytes+len(payload))
	out = append(out, Magic[0], Magic[1])
	out = append(out, byte(typ))
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(payload)))
	out = append(out, lenBuf[:]...)
	out = append(out, payload...)
	return out, nil
}

// WriteFrame encodes and writes a single frame to w.
func WriteFrame(w io.Writer, typ MessageType, payload []byte) error {
	b, err := EncodeFrame(typ, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadFrame reads exactly one frame from r:
//   - magic mismatch or oversize length → ban 24h, disconnect (BadFrame:
//     no honest peer running this protocol ever sends either)
//   - truncated payload → disconnect, +20 ban score
func ReadFrame(r io.Reader) (*Frame, *FrameError) {
	var hdr [FrameHeaderBytes]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, &FrameError{Err: err, Disconnect: true}
	}
	if hdr[0] != Magic[0] || hdr[1] != Magic[1] {
		return nil, &FrameError{Err: fmt.Errorf("p2p: frame: magic mismatch"), BanScoreDelta: BanThreshold, Disconnect: true}
	}
	typ := MessageType(hdr[2])
	length := binary.BigEndian.Uint64(hdr[3:11])
	if length > MaxFramePayloadBytes {
		return nil, &FrameError{Err: fmt.Errorf("p2p: frame: length exceeds cap"), BanScoreDelta: BanThreshold, Disconnect: true}
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, &FrameError{Err: fmt.Errorf("p2p: frame: truncated payload: %w", err), BanScoreDelta: 20, Disconnect: true}
		}
	}
	return &Frame{Type: typ, Payload: payload}, nil
}
