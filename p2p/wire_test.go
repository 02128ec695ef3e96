package p2p

import (
	"testing"

	"rubinmw.dev/node/consensus"
)

func TestGetHeadersRoundTrip(t *testing.T) {
	want := GetHeadersPayload{
		Locator:  [][32]byte{{1}, {2}, {3}},
		HashStop: [32]byte{9},
	}
	enc, err := EncodeGetHeaders(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeGetHeaders(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Locator) != len(want.Locator) {
		t.Fatalf("locator length mismatch: got %d want %d", len(got.Locator), len(want.Locator))
	}
	for i := range want.Locator {
		if got.Locator[i] != want.Locator[i] {
			t.Fatalf("locator[%d]: got %x want %x", i, got.Locator[i], want.Locator[i])
		}
	}
	if got.HashStop != want.HashStop {
		t.Fatalf("hash_stop: got %x want %x", got.HashStop, want.HashStop)
	}
}

func TestPingPongRoundTrip(t *testing.T) {
	p := PingPayload{Nonce: 42, TotalDifficulty: 100, Height: 7}
	got, err := DecodePing(EncodePing(p))
	if err != nil {
		t.Fatalf("decode ping: %v", err)
	}
	if *got != p {
		t.Fatalf("got %+v want %+v", *got, p)
	}
}

func TestShortIDDeterministic(t *testing.T) {
	header := consensus.BlockHeader{Height: 5}
	var excess consensus.Commitment
	excess[0] = 0xAB

	a := ShortID(header, 12345, excess)
	b := ShortID(header, 12345, excess)
	if a != b {
		t.Fatalf("expected deterministic short id, got %x != %x", a, b)
	}

	c := ShortID(header, 54321, excess)
	if a == c {
		t.Fatalf("expected different nonce to change short id")
	}
}

func TestGetHeadersRejectsOversizedLocator(t *testing.T) {
	locator := make([][32]byte, MaxLocatorHashes+1)
	_, err := EncodeGetHeaders(GetHeadersPayload{Locator: locator})
	if err == nil {
		t.Fatalf("expected error for oversized locator")
	}
}
