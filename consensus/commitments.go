package consensus

import (
	"rubinmw.dev/node/crypto"
)

// RangeProofVerifier checks that a commitment's hidden value lies in the
// valid range without revealing it. It is
// an interface, not a concrete Bulletproof implementation, because no
// Bulletproof library is available anywhere in the pack this repo was
// grounded on (documented as a stdlib-fallback justification in
// DESIGN.md): production deployments plug in a real prover/verifier,
// and this package ships only a structural placeholder.
type RangeProofVerifier interface {
	VerifyRangeProof(commitment Commitment, proof RangeProof) bool
}

// structuralRangeProofVerifier is the placeholder implementation: it
// checks only that the proof's length lies within the bounds a real range
// proof would have (non-empty, at most maxRangeProofSize bytes); it does
// not inspect the proof's contents and cannot check the actual range
// statement without a Bulletproof library. It exists so the
// rest of the validator's batch-verification plumbing has something real
// to call; it is not a security boundary.
type structuralRangeProofVerifier struct{}

// DefaultRangeProofVerifier is the structural placeholder verifier.
var DefaultRangeProofVerifier RangeProofVerifier = structuralRangeProofVerifier{}

const (
	minRangeProofSize = 1
	maxRangeProofSize = 675 // grin-sized bulletproof upper bound
)

func (structuralRangeProofVerifier) VerifyRangeProof(_ Commitment, proof RangeProof) bool {
	return len(proof) >= minRangeProofSize && len(proof) <= maxRangeProofSize
}

func toCryptoCommitment(c Commitment) crypto.Commitment {
	return crypto.Commitment(c)
}

// VerifyKernelSig checks a kernel's excess signature against its own
// message.
func VerifyKernelSig(k TransactionKernel) bool {
	msg := KernelMessage(k)
	return crypto.SchnorrVerify(toCryptoCommitment(k.Excess), msg, k.Signature)
}

// BatchVerifyKernels verifies every kernel's signature, falling back to
// item-by-item to identify the culprit on failure.
// Returns the indices of kernels whose signature failed to verify; an
// empty slice means the whole batch is valid.
func BatchVerifyKernels(kernels []TransactionKernel) []int {
	commitments := make([]crypto.Commitment, len(kernels))
	messages := make([][32]byte, len(kernels))
	sigs := make([][64]byte, len(kernels))
	for i, k := range kernels {
		commitments[i] = toCryptoCommitment(k.Excess)
		messages[i] = KernelMessage(k)
		sigs[i] = k.Signature
	}
	res := crypto.BatchVerifySchnorr(commitments, messages, sigs)
	return res.Failed
}

// BatchVerifyRangeProofs checks every output's range proof with v,
// returning the indices that failed.
func BatchVerifyRangeProofs(v RangeProofVerifier, outputs []TransactionOutput) []int {
	var failed []int
	for i, o := range outputs {
		if !v.VerifyRangeProof(o.Commitment, o.Proof) {
			failed = append(failed, i)
		}
	}
	return failed
}

// CheckSumBalance verifies the Pedersen sum-balance equation: sum(outputs) - sum(inputs) =
// sum(kernel excesses) + offset*G + fee*H, by folding fee*H and
// offset*G into the kernel side and comparing commitment sums.
func CheckSumBalance(body TransactionBody, offset [32]byte) error {
	fees, err := TotalFees(body.Kernels)
	if err != nil {
		return err
	}
	feeCommit, err := crypto.Commit(fees, [32]byte{})
	if err != nil {
		return newErr(ErrUnbalancedSums, "consensus: fee commitment: %v", err)
	}
	offsetCommit, err := crypto.Commit(0, offset)
	if err != nil {
		return newErr(ErrUnbalancedSums, "consensus: offset commitment: %v", err)
	}

	outs := make([]crypto.Commitment, len(body.Outputs))
	for i, o := range body.Outputs {
		outs[i] = toCryptoCommitment(o.Commitment)
	}
	ins := make([]crypto.Commitment, len(body.Inputs))
	for i, in := range body.Inputs {
		ins[i] = toCryptoCommitment(in.Commitment)
	}
	excesses := make([]crypto.Commitment, len(body.Kernels))
	for i, k := range body.Kernels {
		excesses[i] = toCryptoCommitment(k.Excess)
	}

	lhs, err := crypto.SumCommitments(outs, ins)
	if err != nil {
		return newErr(ErrUnbalancedSums, "consensus: lhs sum: %v", err)
	}
	// A zero offset or zero fee commits to the point at infinity, which has
	// no compressed encoding; such a term contributes nothing and is left out.
	rhsParts := append([]crypto.Commitment{}, excesses...)
	if offset != ([32]byte{}) {
		rhsParts = append(rhsParts, offsetCommit)
	}
	if fees != 0 {
		rhsParts = append(rhsParts, feeCommit)
	}
	rhs, err := crypto.SumCommitments(rhsParts, nil)
	if err != nil {
		return newErr(ErrUnbalancedSums, "consensus: rhs sum: %v", err)
	}

	if !crypto.CommitmentsEqual(lhs, rhs) {
		return newErr(ErrUnbalancedSums, "consensus: block does not balance")
	}
	return nil
}
