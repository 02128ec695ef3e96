package consensus

import "golang.org/x/crypto/blake2b"

// blake2b256 is the hash used for header/body identity throughout the
// chain: blake2b(serialized bytes).
func blake2b256(b []byte) [32]byte {
	return blake2b.Sum256(b)
}

// Blake2b256 exports the chain hash function for node/wallet tooling that
// must stay consistent with header/commitment identity.
func Blake2b256(b []byte) [32]byte {
	return blake2b256(b)
}

func blake2b256Concat(parts ...[]byte) [32]byte {
	h, _ := blake2b.New256(nil)
	for _, p := range parts {
		_, _ = h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
