package p2p

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"net"
	"unicode/utf8"

	"rubinmw.dev/node/consensus"
	"rubinmw.dev/node/crypto"
)

// MaxUserAgentBytes bounds Hand/Shake's user_agent field.
const MaxUserAgentBytes = 256

// Handshake runs the two-stage connection setup: the
// encrypted-link key exchange first, then the Hand/Shake protocol
// messages over the now-encrypted stream.
type Handshake struct {
	OurIdentity     ed25519.PrivateKey
	ProtocolVersion uint32
	GenesisHash     [32]byte
	UserAgent       string
	TotalDifficulty uint64
	Height          uint64

	// OurNonce is the value this node sends as Hand.Nonce on every dial
	// it makes, for the lifetime of the process. AcceptAndHandshake
	// compares an inbound Hand's nonce against it to catch a connection
	// looping back to ourselves, so it must stay fixed rather than being
	// redrawn per connection.
	OurNonce uint64
}

// errSelfConnect is returned by AcceptAndHandshake when the peer's Hand
// carries our own nonce, meaning the "peer" is this same node reached
// through a loopback, NAT hairpin, or advertised address collision.
var errSelfConnect = fmt.Errorf("p2p: handshake: self connect detected")

// DialAndHandshake runs the initiating side: encrypt the link, send
// Hand, and read back Shake.
func (h *Handshake) DialAndHandshake(conn net.Conn, peerIdentity ed25519.PublicKey, nonce uint64) (*crypto.EncryptedLink, *ShakePayload, error) {
	link, err := crypto.InitiateEncryption(conn, h.OurIdentity, peerIdentity)
	if err != nil {
		return nil, nil, fmt.Errorf("p2p: handshake: encrypt: %w", err)
	}

	hand := HandPayload{
		ProtocolVersion: h.ProtocolVersion,
		GenesisHash:     h.GenesisHash,
		UserAgent:       h.UserAgent,
		TotalDifficulty: h.TotalDifficulty,
		Height:          h.Height,
		Nonce:           nonce,
	}
	payload, err := EncodeHand(hand)
	if err != nil {
		return nil, nil, err
	}
	if err := WriteFrame(link, MsgHand, payload); err != nil {
		return nil, nil, err
	}

	frame, ferr := ReadFrame(link)
	if ferr != nil {
		return nil, nil, ferr
	}
	if frame.Type != MsgShake {
		return nil, nil, fmt.Errorf("p2p: handshake: expected Shake, got %s", frame.Type)
	}
	shake, err := DecodeShake(frame.Payload)
	if err != nil {
		return nil, nil, err
	}
	if shake.ProtocolVersion != h.ProtocolVersion {
		return nil, nil, fmt.Errorf("p2p: handshake: protocol_version mismatch")
	}
	if shake.GenesisHash != h.GenesisHash {
		return nil, nil, fmt.Errorf("p2p: handshake: genesis_hash mismatch")
	}
	return link, shake, nil
}

// AcceptAndHandshake runs the accepting side: encrypt the link, read
// Hand, and reply with Shake.
func (h *Handshake) AcceptAndHandshake(conn net.Conn) (*crypto.EncryptedLink, *HandPayload, error) {
	link, err := crypto.AcceptEncryption(conn, h.OurIdentity)
	if err != nil {
		return nil, nil, fmt.Errorf("p2p: handshake: encrypt: %w", err)
	}

	frame, ferr := ReadFrame(link)
	if ferr != nil {
		return nil, nil, ferr
	}
	if frame.Type != MsgHand {
		return nil, nil, fmt.Errorf("p2p: handshake: expected Hand, got %s", frame.Type)
	}
	hand, err := DecodeHand(frame.Payload)
	if err != nil {
		return nil, nil, err
	}
	if hand.ProtocolVersion != h.ProtocolVersion {
		return nil, nil, fmt.Errorf("p2p: handshake: protocol_version mismatch")
	}
	if hand.GenesisHash != h.GenesisHash {
		return nil, nil, fmt.Errorf("p2p: handshake: genesis_hash mismatch")
	}
	if hand.Nonce == h.OurNonce {
		return nil, nil, errSelfConnect
	}

	shake := ShakePayload{
		ProtocolVersion: h.ProtocolVersion,
		GenesisHash:     h.GenesisHash,
		UserAgent:       h.UserAgent,
		TotalDifficulty: h.TotalDifficulty,
		Height:          h.Height,
	}
	payload, err := EncodeShake(shake)
	if err != nil {
		return nil, nil, err
	}
	if err := WriteFrame(link, MsgShake, payload); err != nil {
		return nil, nil, err
	}
	return link, hand, nil
}

func encodeUserAgent(out []byte, ua string) ([]byte, error) {
	if len(ua) > MaxUserAgentBytes || !utf8.ValidString(ua) {
		return nil, fmt.Errorf("p2p: handshake: invalid user_agent")
	}
	out = append(out, consensus.CompactSize(len(ua)).Encode()...)
	return append(out, ua...), nil
}

func decodeUserAgent(b []byte) (string, int, error) {
	n, used, err := consensus.DecodeCompactSize(b)
	if err != nil {
		return "", 0, err
	}
	if uint64(n) > MaxUserAgentBytes {
		return "", 0, fmt.Errorf("p2p: handshake: user_agent too long")
	}
	end := used + int(n)
	if end > len(b) {
		return "", 0, fmt.Errorf("p2p: handshake: truncated user_agent")
	}
	ua := b[used:end]
	if !utf8.Valid(ua) {
		return "", 0, fmt.Errorf("p2p: handshake: user_agent not UTF-8")
	}
	return string(ua), end, nil
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

// EncodeHand/DecodeHand serialize HandPayload.
func EncodeHand(h HandPayload) ([]byte, error) {
	out := make([]byte, 0, 4+32+8+8+8)
	out = appendU32(out, h.ProtocolVersion)
	out = append(out, h.GenesisHash[:]...)
	var err error
	out, err = encodeUserAgent(out, h.UserAgent)
	if err != nil {
		return nil, err
	}
	out = appendU64(out, h.TotalDifficulty)
	out = appendU64(out, h.Height)
	out = appendU64(out, h.Nonce)
	return out, nil
}

func DecodeHand(b []byte) (*HandPayload, error) {
	if len(b) < 4+32 {
		return nil, fmt.Errorf("p2p: hand: truncated")
	}
	var h HandPayload
	h.ProtocolVersion = binary.BigEndian.Uint32(b[0:4])
	copy(h.GenesisHash[:], b[4:36])
	ua, n, err := decodeUserAgent(b[36:])
	if err != nil {
		return nil, err
	}
	h.UserAgent = ua
	off := 36 + n
	if len(b) < off+24 {
		return nil, fmt.Errorf("p2p: hand: truncated tail")
	}
	h.TotalDifficulty = binary.BigEndian.Uint64(b[off : off+8])
	h.Height = binary.BigEndian.Uint64(b[off+8 : off+16])
	h.Nonce = binary.BigEndian.Uint64(b[off+16 : off+24])
	if off+24 != len(b) {
		return nil, fmt.Errorf("p2p: hand: trailing bytes")
	}
	return &h, nil
}

// EncodeShake/DecodeShake mirror Hand but without a nonce.
func EncodeShake(s ShakePayload) ([]byte, error) {
	out := make([]byte, 0, 4+32+8+8)
	out = appendU32(out, s.ProtocolVersion)
	out = append(out, s.GenesisHash[:]...)
	var err error
	out, err = encodeUserAgent(out, s.UserAgent)
	if err != nil {
		return nil, err
	}
	out = appendU64(out, s.TotalDifficulty)
	out = appendU64(out, s.Height)
	return out, nil
}

func DecodeShake(b []byte) (*ShakePayload, error) {
	if len(b) < 4+32 {
		return nil, fmt.Errorf("p2p: shake: truncated")
	}
	var s ShakePayload
	s.ProtocolVersion = binary.BigEndian.Uint32(b[0:4])
	copy(s.GenesisHash[:], b[4:36])
	ua, n, err := decodeUserAgent(b[36:])
	if err != nil {
		return nil, err
	}
	s.UserAgent = ua
	off := 36 + n
	if len(b) < off+16 {
		return nil, fmt.Errorf("p2p: shake: truncated tail")
	}
	s.TotalDifficulty = binary.BigEndian.Uint64(b[off : off+8])
	s.Height = binary.BigEndian.Uint64(b[off+8 : off+16])
	if off+16 != len(b) {
		return nil, fmt.Errorf("p2p: shake: trailing bytes")
	}
	return &s, nil
}
