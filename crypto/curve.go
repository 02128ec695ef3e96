// Package crypto wraps the secp256k1 curve arithmetic and AEAD transport
// primitives the consensus and p2p packages build on: Pedersen
// commitments, Schnorr signatures, and the encrypted link handshake.
package crypto

import (
	"crypto/subtle"
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/blake2b"
)

// hDomainTag fixes the protocol's second Pedersen generator H. It is
// derived once, at package init, by hashing-to-curve a domain-separated
// tag, giving a point with unknown discrete log relative to G (a
// try-and-increment nothing-up-my-sleeve construction).
const hDomainTag = "rubinmw.mw.H"

var hGen = mustHashToCurve(hDomainTag)

func mustHashToCurve(tag string) *secp256k1.JacobianPoint {
	seed := blake2b.Sum256([]byte(tag))
	for ctr := uint32(0); ; ctr++ {
		candidate := append(append([]byte{}, seed[:]...), byte(ctr), byte(ctr>>8), byte(ctr>>16), byte(ctr>>24))
		h := blake2b.Sum256(candidate)
		pubKey, err := secp256k1.ParsePubKey(append([]byte{0x02}, h[:]...))
		if err != nil {
			continue // not every 32-byte string is a valid curve x-coordinate
		}
		var jp secp256k1.JacobianPoint
		pubKey.AsJacobian(&jp)
		return &jp
	}
}

// Commitment is a compressed secp256k1 point: value*H + blind*G.
type Commitment [33]byte

// Commit computes a Pedersen commitment to value under blinding factor
// blind: value*H + blind*G.
func Commit(value uint64, blind [32]byte) (Commitment, error) {
	var blindScalar secp256k1.ModNScalar
	if overflow := blindScalar.SetBytes(&blind); overflow != 0 {
		return Commitment{}, errors.New("crypto: blinding factor overflows curve order")
	}

	var valueScalar secp256k1.ModNScalar
	var valueBytes [32]byte
	putUint64BE(valueBytes[24:], value)
	valueScalar.SetBytes(&valueBytes)

	var vH, rG, sum secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&valueScalar, hGen, &vH)
	secp256k1.ScalarBaseMultNonConst(&blindScalar, &rG)
	secp256k1.AddNonConst(&vH, &rG, &sum)
	sum.ToAffine()

	return jacobianToCommitment(sum), nil
}

// SumCommitments returns the Pedersen commitment sum(pos) - sum(neg),
// used to check the block/tx balance equation.
func SumCommitments(pos, neg []Commitment) (Commitment, error) {
	var acc secp256k1.JacobianPoint
	first := true

	add := func(c Commitment, negate bool) error {
		p, err := commitmentToJacobian(c)
		if err != nil {
			return err
		}
		if negate {
			p.Y.Negate(1)
			p.Y.Normalize()
		}
		if first {
			acc = p
			first = false
			return nil
		}
		var next secp256k1.JacobianPoint
		secp256k1.AddNonConst(&acc, &p, &next)
		acc = next
		return nil
	}

	for _, c := range pos {
		if err := add(c, false); err != nil {
			return Commitment{}, err
		}
	}
	for _, c := range neg {
		if err := add(c, true); err != nil {
			return Commitment{}, err
		}
	}
	if first {
		return Commitment{}, errors.New("crypto: sum of zero commitments")
	}
	acc.ToAffine()
	return jacobianToCommitment(acc), nil
}

// CommitmentsEqual is a constant-time comparison of two commitments.
func CommitmentsEqual(a, b Commitment) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

func commitmentToJacobian(c Commitment) (secp256k1.JacobianPoint, error) {
	pub, err := secp256k1.ParsePubKey(c[:])
	if err != nil {
		return secp256k1.JacobianPoint{}, err
	}
	var jp secp256k1.JacobianPoint
	pub.AsJacobian(&jp)
	return jp, nil
}

func jacobianToCommitment(p secp256k1.JacobianPoint) Commitment {
	pub := secp256k1.NewPublicKey(&p.X, &p.Y)
	var out Commitment
	copy(out[:], pub.SerializeCompressed())
	return out
}

func putUint64BE(dst []byte, v uint64) {
	dst[0] = byte(v >> 56)
	dst[1] = byte(v >> 48)
	dst[2] = byte(v >> 40)
	dst[3] = byte(v >> 32)
	dst[4] = byte(v >> 24)
	dst[5] = byte(v >> 16)
	dst[6] = byte(v >> 8)
	dst[7] = byte(v)
}
