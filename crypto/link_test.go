package crypto

import (
	"crypto/ed25519"
	"net"
	"testing"
)

func genLinkIdentity(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return pub, priv
}

func newEncryptedLinkPair(t *testing.T) (initiator, acceptor *EncryptedLink) {
	t.Helper()
	_, initiatorPriv := genLinkIdentity(t)
	acceptorPub, acceptorPriv := genLinkIdentity(t)

	a, b := net.Pipe()

	type result struct {
		link *EncryptedLink
		err  error
	}
	initCh := make(chan result, 1)
	acceptCh := make(chan result, 1)

	go func() {
		link, err := InitiateEncryption(a, initiatorPriv, acceptorPub)
		initCh <- result{link, err}
	}()
	go func() {
		link, err := AcceptEncryption(b, acceptorPriv)
		acceptCh <- result{link, err}
	}()

	ir := <-initCh
	ar := <-acceptCh
	if ir.err != nil {
		t.Fatalf("initiate encryption: %v", ir.err)
	}
	if ar.err != nil {
		t.Fatalf("accept encryption: %v", ar.err)
	}
	return ir.link, ar.link
}

func TestEncryptedLinkRoundTrip(t *testing.T) {
	initiator, acceptor := newEncryptedLinkPair(t)

	msg := []byte("hello over an encrypted link")
	done := make(chan error, 1)
	go func() {
		_, err := initiator.Write(msg)
		done <- err
	}()

	buf := make([]byte, len(msg))
	if _, err := readFull(acceptor, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("write: %v", err)
	}
	if string(buf) != string(msg) {
		t.Fatalf("round trip mismatch: got %q want %q", buf, msg)
	}
}

func TestEncryptedLinkDirectionsAreIndependent(t *testing.T) {
	initiator, acceptor := newEncryptedLinkPair(t)

	toAcceptor := []byte("initiator speaking")
	toInitiator := []byte("acceptor replying")

	doneA := make(chan error, 1)
	doneB := make(chan error, 1)
	go func() { _, err := initiator.Write(toAcceptor); doneA <- err }()
	go func() { _, err := acceptor.Write(toInitiator); doneB <- err }()

	bufA := make([]byte, len(toAcceptor))
	bufB := make([]byte, len(toInitiator))
	if _, err := readFull(acceptor, bufA); err != nil {
		t.Fatalf("acceptor read: %v", err)
	}
	if _, err := readFull(initiator, bufB); err != nil {
		t.Fatalf("initiator read: %v", err)
	}
	if err := <-doneA; err != nil {
		t.Fatalf("initiator write: %v", err)
	}
	if err := <-doneB; err != nil {
		t.Fatalf("acceptor write: %v", err)
	}

	if string(bufA) != string(toAcceptor) {
		t.Fatalf("acceptor got %q want %q", bufA, toAcceptor)
	}
	if string(bufB) != string(toInitiator) {
		t.Fatalf("initiator got %q want %q", bufB, toInitiator)
	}
}

func readFull(l *EncryptedLink, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := l.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
