package consensus

import "bytes"

// Per-block body caps.
const (
	MaxBlockInputs  = 20000
	MaxBlockOutputs = 5000
	MaxBlockKernels = 5000
)

// SortOutputs sorts a copy of outs by commitment, ascending, matching the
// canonical body ordering a block body must maintain.
func SortOutputs(outs []TransactionOutput) []TransactionOutput {
	out := make([]TransactionOutput, len(outs))
	copy(out, outs)
	insertionSort(out, func(a, b TransactionOutput) bool {
		return bytes.Compare(a.Commitment[:], b.Commitment[:]) < 0
	})
	return out
}

// SortKernels sorts a copy of kernels by (features, excess), ascending.
func SortKernels(kernels []TransactionKernel) []TransactionKernel {
	out := make([]TransactionKernel, len(kernels))
	copy(out, kernels)
	insertionSort(out, func(a, b TransactionKernel) bool {
		if a.Features != b.Features {
			return a.Features < b.Features
		}
		return bytes.Compare(a.Excess[:], b.Excess[:]) < 0
	})
	return out
}

func insertionSort[T any](s []T, less func(a, b T) bool) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && less(s[j], s[j-1]); j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// CheckBodyInvariants enforces the stateless body invariants: caps,
// no duplicate input commitments, canonical sort order, and at most one
// coinbase kernel.
func CheckBodyInvariants(body TransactionBody) error {
	if len(body.Inputs) > MaxBlockInputs {
		return newErr(ErrCapExceeded, "consensus: %d inputs exceeds cap %d", len(body.Inputs), MaxBlockInputs)
	}
	if len(body.Outputs) > MaxBlockOutputs {
		return newErr(ErrCapExceeded, "consensus: %d outputs exceeds cap %d", len(body.Outputs), MaxBlockOutputs)
	}
	if len(body.Kernels) > MaxBlockKernels {
		return newErr(ErrCapExceeded, "consensus: %d kernels exceeds cap %d", len(body.Kernels), MaxBlockKernels)
	}

	seen := make(map[Commitment]struct{}, len(body.Inputs))
	for _, in := range body.Inputs {
		if _, dup := seen[in.Commitment]; dup {
			return newErr(ErrDuplicateInput, "consensus: duplicate input commitment")
		}
		seen[in.Commitment] = struct{}{}
	}

	for i := 1; i < len(body.Outputs); i++ {
		if bytes.Compare(body.Outputs[i-1].Commitment[:], body.Outputs[i].Commitment[:]) >= 0 {
			return newErr(ErrUnsortedBody, "consensus: outputs not strictly sorted by commitment")
		}
	}
	for i := 1; i < len(body.Kernels); i++ {
		a, b := body.Kernels[i-1], body.Kernels[i]
		if a.Features > b.Features {
			return newErr(ErrUnsortedBody, "consensus: kernels not sorted by features")
		}
		if a.Features == b.Features && bytes.Compare(a.Excess[:], b.Excess[:]) >= 0 {
			return newErr(ErrUnsortedBody, "consensus: kernels not strictly sorted by excess")
		}
	}

	coinbaseKernels := 0
	for _, k := range body.Kernels {
		if k.Features == KernelCoinbase {
			coinbaseKernels++
		}
	}
	if coinbaseKernels > 1 {
		return newErr(ErrTooManyCoinbase, "consensus: %d coinbase kernels, max 1", coinbaseKernels)
	}

	return nil
}

// KernelMessage builds the message a kernel's excess signs over:
// hash(features_byte || fee_u64_be || lock_height_u64_be?), the lock
// height suffix present only for HeightLocked kernels.
func KernelMessage(k TransactionKernel) [32]byte {
	buf := make([]byte, 0, 1+8+8)
	buf = append(buf, byte(k.Features))
	buf = appendU64BE(buf, k.Fee)
	if k.Features == KernelHeightLocked {
		buf = appendU64BE(buf, k.LockHeight)
	}
	return blake2b256(buf)
}

// TotalFees sums the fee field of every kernel in kernels.
func TotalFees(kernels []TransactionKernel) (uint64, error) {
	var total uint64
	var err error
	for _, k := range kernels {
		total, err = addUint64(total, k.Fee)
		if err != nil {
			return 0, err
		}
	}
	return total, nil
}
