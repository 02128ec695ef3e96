package crypto

import (
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
	"lukechampine.com/frand"
)

// SchnorrVerify checks sig over message, treating commitment's x-only
// coordinate as the public key.
func SchnorrVerify(commitment Commitment, message [32]byte, sig [64]byte) bool {
	pubKey, err := commitmentPubKey(commitment)
	if err != nil {
		return false
	}
	s, err := schnorr.ParseSignature(sig[:])
	if err != nil {
		return false
	}
	return s.Verify(message[:], pubKey)
}

// BatchVerifyResult reports which kernels in a batch failed, so callers
// can identify the culprit peer after a batch failure.
type BatchVerifyResult struct {
	OK     bool
	Failed []int // indices into the input slice that failed verification
}

// BatchVerifySchnorr verifies every (commitment, message, sig) triple.
// Each signature is verified on its own, in order, and every failing
// index is reported; no random-linear-combination aggregate check is
// performed. A length mismatch between the three slices fails the whole
// batch with Failed = [-1].
func BatchVerifySchnorr(commitments []Commitment, messages [][32]byte, sigs [][64]byte) BatchVerifyResult {
	if len(commitments) != len(messages) || len(commitments) != len(sigs) {
		return BatchVerifyResult{OK: false, Failed: []int{-1}}
	}
	var failed []int
	for i := range commitments {
		if !SchnorrVerify(commitments[i], messages[i], sigs[i]) {
			failed = append(failed, i)
		}
	}
	return BatchVerifyResult{OK: len(failed) == 0, Failed: failed}
}

func commitmentPubKey(c Commitment) (*secp256k1.PublicKey, error) {
	// Schnorr verification here is x-only: reinterpret the commitment's
	// x-coordinate as a BIP-340 public key, independent of the
	// commitment's own (even/odd) y sign.
	var xBytes [32]byte
	copy(xBytes[:], c[1:])
	var fx secp256k1.FieldVal
	if overflow := fx.SetByteSlice(xBytes[:]); overflow {
		return nil, errors.New("crypto: schnorr: x-coordinate overflow")
	}
	pub, err := secp256k1.ParsePubKey(append([]byte{0x02}, xBytes[:]...))
	if err != nil {
		return nil, err
	}
	return pub, nil
}

// GenerateKernelKey is a test/tooling helper: it produces a random
// blinding scalar and the corresponding commit-to-zero excess commitment,
// used to build synthetic kernels for validator tests.
func GenerateKernelKey() (blind [32]byte, excess Commitment, err error) {
	frand.Read(blind[:])
	excess, err = Commit(0, blind)
	return blind, excess, err
}

// SignKernel signs message with the private blinding scalar blind,
// producing a signature verifiable against Commit(0, blind) via
// SchnorrVerify. Test/tooling only — real signing lives in the wallet.
func SignKernel(blind [32]byte, message [32]byte) ([64]byte, error) {
	var out [64]byte
	priv := secp256k1.PrivKeyFromBytes(blind[:])
	if priv == nil {
		return out, errors.New("crypto: invalid blinding scalar")
	}
	// SchnorrVerify lifts the commitment's x-coordinate to its even-y
	// point, so a key whose public point has odd y signs as its negation.
	if priv.PubKey().SerializeCompressed()[0] == 0x03 {
		priv.Key.Negate()
	}
	sig, err := schnorr.Sign(priv, message[:])
	if err != nil {
		return out, err
	}
	copy(out[:], sig.Serialize())
	return out, nil
}
