package crypto

import (
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"lukechampine.com/frand"
)

func randBlind(t *testing.T) [32]byte {
	t.Helper()
	var b [32]byte
	frand.Read(b[:])
	return b
}

func TestCommitDeterministic(t *testing.T) {
	blind := randBlind(t)
	c1, err := Commit(42, blind)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	c2, err := Commit(42, blind)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !CommitmentsEqual(c1, c2) {
		t.Fatalf("expected identical (value, blind) to commit to the same point")
	}
}

func TestCommitDistinctBlindsDiffer(t *testing.T) {
	c1, err := Commit(10, randBlind(t))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	c2, err := Commit(10, randBlind(t))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if CommitmentsEqual(c1, c2) {
		t.Fatalf("expected distinct blinding factors to commit to different points")
	}
}

// TestSumCommitmentsBalances checks the linearity property the kernel
// balance equation relies on: given outputs committing to v1,v2 under
// b1,b2 and a single input committing to v1+v2 under a zero blinding
// factor, the input/output values cancel and the excess left over is
// exactly commit(0, b1+b2) (blinds summed mod curve order).
func TestSumCommitmentsBalances(t *testing.T) {
	b1, b2 := randBlind(t), randBlind(t)

	c1, err := Commit(30, b1)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	c2, err := Commit(20, b2)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	var s1, s2, sSum secp256k1.ModNScalar
	s1.SetBytes(&b1)
	s2.SetBytes(&b2)
	sSum.Add2(&s1, &s2)
	sumBlindBytes := sSum.Bytes()

	c3, err := Commit(50, [32]byte{})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	excess, err := SumCommitments([]Commitment{c1, c2}, []Commitment{c3})
	if err != nil {
		t.Fatalf("sum commitments: %v", err)
	}

	expected, err := Commit(0, sumBlindBytes)
	if err != nil {
		t.Fatalf("commit zero: %v", err)
	}
	if !CommitmentsEqual(excess, expected) {
		t.Fatalf("expected balanced sum to leave excess commit(0, b1+b2)")
	}
}

func TestSumCommitmentsRejectsEmpty(t *testing.T) {
	if _, err := SumCommitments(nil, nil); err == nil {
		t.Fatalf("expected summing zero commitments to fail")
	}
}

func TestSumCommitmentsRejectsBadPoint(t *testing.T) {
	var bad Commitment
	bad[0] = 0xFF // not a valid compressed-point prefix
	if _, err := SumCommitments([]Commitment{bad}, nil); err == nil {
		t.Fatalf("expected an invalid commitment to fail parsing")
	}
}

func TestCommitmentsEqualConstantTimeCompare(t *testing.T) {
	c, err := Commit(1, randBlind(t))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	other := c
	other[len(other)-1] ^= 0x01
	if CommitmentsEqual(c, other) {
		t.Fatalf("expected differing commitments to compare unequal")
	}
}
