package crypto

import (
	"crypto/cipher"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"lukechampine.com/frand"
)

// Link is the stream abstraction the p2p layer reads and writes frames
// through. A plain net.Conn satisfies it directly (pre-handshake); after
// the encryption handshake completes, an *EncryptedLink wraps it.
type Link interface {
	io.ReadWriteCloser
	net.Conn
}

// EncryptedLink seals every write and opens every read with an AEAD keyed
// by an ephemeral X25519 exchange bound to the peer's long-term Ed25519
// identity. Send and
// receive directions use independent counters since the two directions
// are keyed differently.
type EncryptedLink struct {
	net.Conn
	send cipher.AEAD
	recv cipher.AEAD

	sendCounter uint64
	recvCounter uint64

	readBuf []byte
}

const (
	maxCiphertextChunk = 1 << 20
	nonceSize          = chacha20poly1305.NonceSize

	// linkProtocolVersion is exchanged as a single byte before the X25519
	// key exchange begins; a peer running an incompatible frame or cipher
	// revision is rejected here instead of failing later on garbled AEAD
	// output.
	linkProtocolVersion byte = 1
)

// exchangeVersionInitiator runs the dialing side of the version handshake: send
// our byte, read theirs, and reject a mismatch before any key material
// is exchanged.
func exchangeVersionInitiator(conn net.Conn) error {
	ours := [1]byte{linkProtocolVersion}
	if _, err := conn.Write(ours[:]); err != nil {
		return fmt.Errorf("crypto: link: write version: %w", err)
	}
	var theirs [1]byte
	if _, err := io.ReadFull(conn, theirs[:]); err != nil {
		return fmt.Errorf("crypto: link: read peer version: %w", err)
	}
	if theirs[0] != linkProtocolVersion {
		return fmt.Errorf("crypto: link: version mismatch: peer sent %d, want %d", theirs[0], linkProtocolVersion)
	}
	return nil
}

// exchangeVersionAcceptor mirrors exchangeVersionInitiator for the
// accepting side: read first, then reply, so neither end can deadlock
// waiting on the other to speak first.
func exchangeVersionAcceptor(conn net.Conn) error {
	var theirs [1]byte
	if _, err := io.ReadFull(conn, theirs[:]); err != nil {
		return fmt.Errorf("crypto: link: read peer version: %w", err)
	}
	ours := [1]byte{linkProtocolVersion}
	if _, err := conn.Write(ours[:]); err != nil {
		return fmt.Errorf("crypto: link: write version: %w", err)
	}
	if theirs[0] != linkProtocolVersion {
		return fmt.Errorf("crypto: link: version mismatch: peer sent %d, want %d", theirs[0], linkProtocolVersion)
	}
	return nil
}

func generateX25519KeyPair() (sk, pk [32]byte) {
	frand.Read(sk[:])
	curve25519.ScalarBaseMult(&pk, &sk)
	return
}

// deriveAEAD derives a directional AEAD key from the shared X25519 secret.
// dir distinguishes the two directions so that initiator-send and
// acceptor-recv (which share one underlying secret) never reuse a
// (key, nonce) pair.
func deriveAEAD(sk, peerPK [32]byte, dir byte) (cipher.AEAD, error) {
	secret, err := curve25519.X25519(sk[:], peerPK[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: link: x25519: %w", err)
	}
	key := blake2b.Sum256(append(secret, dir))
	return chacha20poly1305.New(key[:])
}

const (
	dirInitiatorToResponder byte = 1
	dirResponderToInitiator byte = 2
)

// InitiateEncryption runs the dialing side of the handshake: exchange
// and check the protocol version byte, send our ephemeral key, receive
// and verify the peer's, derive independent send/recv AEADs.
func InitiateEncryption(conn net.Conn, ourIdentity ed25519.PrivateKey, peerIdentity ed25519.PublicKey) (*EncryptedLink, error) {
	if err := exchangeVersionInitiator(conn); err != nil {
		return nil, err
	}

	sk, pk := generateX25519KeyPair()

	if _, err := conn.Write(pk[:]); err != nil {
		return nil, fmt.Errorf("crypto: link: write ephemeral key: %w", err)
	}
	buf := make([]byte, 32+64)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, fmt.Errorf("crypto: link: read ephemeral response: %w", err)
	}
	var peerPK [32]byte
	copy(peerPK[:], buf[:32])
	sig := buf[32:]

	transcript := blake2b.Sum256(append(append([]byte{}, peerPK[:]...), pk[:]...))
	if !ed25519.Verify(peerIdentity, transcript[:], sig) {
		return nil, errors.New("crypto: link: invalid handshake signature")
	}

	sendKey, err := deriveAEAD(sk, peerPK, dirInitiatorToResponder)
	if err != nil {
		return nil, err
	}
	recvKey, err := deriveAEAD(sk, peerPK, dirResponderToInitiator)
	if err != nil {
		return nil, err
	}
	return &EncryptedLink{Conn: conn, send: sendKey, recv: recvKey}, nil
}

// AcceptEncryption runs the accepting side of the handshake: version
// byte, then ephemeral key exchange.
func AcceptEncryption(conn net.Conn, ourIdentity ed25519.PrivateKey) (*EncryptedLink, error) {
	if err := exchangeVersionAcceptor(conn); err != nil {
		return nil, err
	}

	sk, pk := generateX25519KeyPair()

	var peerPK [32]byte
	if _, err := io.ReadFull(conn, peerPK[:]); err != nil {
		return nil, fmt.Errorf("crypto: link: read ephemeral key: %w", err)
	}
	transcript := blake2b.Sum256(append(append([]byte{}, pk[:]...), peerPK[:]...))
	sig := ed25519.Sign(ourIdentity, transcript[:])
	if _, err := conn.Write(append(append([]byte{}, pk[:]...), sig...)); err != nil {
		return nil, fmt.Errorf("crypto: link: write ephemeral response: %w", err)
	}

	sendKey, err := deriveAEAD(sk, peerPK, dirResponderToInitiator)
	if err != nil {
		return nil, err
	}
	recvKey, err := deriveAEAD(sk, peerPK, dirInitiatorToResponder)
	if err != nil {
		return nil, err
	}
	return &EncryptedLink{Conn: conn, send: sendKey, recv: recvKey}, nil
}

func nonceFor(counter uint64) [nonceSize]byte {
	var n [nonceSize]byte
	binary.LittleEndian.PutUint64(n[:8], counter)
	return n
}

// Write seals p as one AEAD-sealed, length-prefixed chunk and writes it.
func (l *EncryptedLink) Write(p []byte) (int, error) {
	if len(p) > maxCiphertextChunk {
		return 0, fmt.Errorf("crypto: link: write exceeds max chunk size")
	}
	nonce := nonceFor(l.sendCounter)
	l.sendCounter++
	sealed := l.send.Seal(nil, nonce[:], p, nil)

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(sealed)))
	if _, err := l.Conn.Write(lenPrefix[:]); err != nil {
		return 0, err
	}
	if _, err := l.Conn.Write(sealed); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read returns plaintext from the next sealed chunk, buffering any
// surplus for subsequent calls.
func (l *EncryptedLink) Read(p []byte) (int, error) {
	for len(l.readBuf) == 0 {
		var lenPrefix [4]byte
		if _, err := io.ReadFull(l.Conn, lenPrefix[:]); err != nil {
			return 0, err
		}
		n := binary.BigEndian.Uint32(lenPrefix[:])
		if n > maxCiphertextChunk+uint32(chacha20poly1305.Overhead) {
			return 0, fmt.Errorf("crypto: link: chunk too large")
		}
		ciphertext := make([]byte, n)
		if _, err := io.ReadFull(l.Conn, ciphertext); err != nil {
			return 0, err
		}
		nonce := nonceFor(l.recvCounter)
		l.recvCounter++
		plain, err := l.recv.Open(nil, nonce[:], ciphertext, nil)
		if err != nil {
			return 0, fmt.Errorf("crypto: link: AEAD open failed: %w", err)
		}
		l.readBuf = plain
	}
	n := copy(p, l.readBuf)
	l.readBuf = l.readBuf[n:]
	return n, nil
}
