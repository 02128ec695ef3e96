package store

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

func hexHash(h [32]byte) string { return hex.EncodeToString(h[:]) }

func hashFromHex(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("store: bad hex hash: %w", err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("store: hex hash wrong length")
	}
	copy(out[:], b)
	return out, nil
}

// UTXOEntry is the persisted shape of a live output: enough to answer
// consensus.UTXOView.HasCommitment without re-deriving anything from the
// owning transaction.
type UTXOEntry struct {
	LockedUntil    uint64
	CoinbaseHeight uint64
	IsCoinbase     bool
	Proof          []byte
}

func encodeUTXOEntry(e UTXOEntry) []byte {
	out := make([]byte, 0, 17+len(e.Proof))
	out = appendU64LE(out, e.LockedUntil)
	out = appendU64LE(out, e.CoinbaseHeight)
	if e.IsCoinbase {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	out = append(out, e.Proof...)
	return out
}

func decodeUTXOEntry(b []byte) (UTXOEntry, error) {
	if len(b) < 17 {
		return UTXOEntry{}, fmt.Errorf("store: utxo entry truncated")
	}
	var e UTXOEntry
	e.LockedUntil = binary.LittleEndian.Uint64(b[0:8])
	e.CoinbaseHeight = binary.LittleEndian.Uint64(b[8:16])
	e.IsCoinbase = b[16] != 0
	e.Proof = append([]byte{}, b[17:]...)
	return e, nil
}

func appendU64LE(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func beU64(b []byte) uint64 { return binary.BigEndian.Uint64(b) }
