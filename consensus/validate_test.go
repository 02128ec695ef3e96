package consensus

import "testing"

// chainFixture models the slice of store.DB state ValidateStateful actually
// touches: a header-by-hash map plus the three cumulative MMRs, so tests can
// extend the chain block by block the same way the node's applyBlock loop
// does, without pulling in the bbolt-backed store package.
type chainFixture struct {
	headers   map[[32]byte]BlockHeader
	outMMR    *MMR
	proofMMR  *MMR
	kernMMR   *MMR
	spent     map[Commitment]bool
	coinbase  map[Commitment]uint64 // commitment -> height mined
}

func newChainFixture() *chainFixture {
	return &chainFixture{
		headers:  make(map[[32]byte]BlockHeader),
		outMMR:   NewMMR(),
		proofMMR: NewMMR(),
		kernMMR:  NewMMR(),
		spent:    make(map[Commitment]bool),
		coinbase: make(map[Commitment]uint64),
	}
}

func (f *chainFixture) view() UTXOView {
	return UTXOView{
		HasCommitment: func(c Commitment) (uint64, uint64, bool, bool) {
			if f.spent[c] {
				return 0, 0, false, false
			}
			if height, ok := f.coinbase[c]; ok {
				return 0, height, true, true
			}
			return 0, 0, false, true
		},
		HeaderByHash: func(hash [32]byte) (BlockHeader, bool) {
			h, ok := f.headers[hash]
			return h, ok
		},
		OutputMMR:     func() *MMR { return f.outMMR.Clone() },
		RangeProofMMR: func() *MMR { return f.proofMMR.Clone() },
		KernelMMR:     func() *MMR { return f.kernMMR.Clone() },
	}
}

// commit appends body's leaves into the fixture's live MMRs and records the
// header, mirroring what applyBlock does once ValidateStateful has accepted
// a block: the running MMR state now reflects every block through this one.
func (f *chainFixture) commit(b FullBlock) {
	for _, o := range b.Body.Outputs {
		f.outMMR.Append(o.Commitment[:])
		f.proofMMR.Append(o.Proof)
		if o.Features == OutputCoinbase {
			f.coinbase[o.Commitment] = b.Header.Height
		}
	}
	for _, k := range b.Body.Kernels {
		buf := append([]byte{byte(k.Features)}, k.Excess[:]...)
		f.kernMMR.Append(buf)
	}
	for _, in := range b.Body.Inputs {
		f.spent[in.Commitment] = true
	}
	f.headers[BlockHeaderHash(b.Header)] = b.Header
}

func fixtureCommitment(tag byte) Commitment {
	var c Commitment
	c[0] = tag
	return c
}

// headerWithRoots computes the block's roots against a clone of the
// fixture's current cumulative MMRs (i.e. as of the parent height) and
// returns a header ready to be validated by ValidateStateful.
func (f *chainFixture) headerWithRoots(parent BlockHeader, height uint64, body TransactionBody) BlockHeader {
	outputRoot, rangeProofRoot, kernelRoot := computeBodyRoots(body, f.outMMR.Clone(), f.proofMMR.Clone(), f.kernMMR.Clone())
	return BlockHeader{
		Version:         1,
		Height:          height,
		PreviousHash:    BlockHeaderHash(parent),
		OutputRoot:      outputRoot,
		RangeProofRoot:  rangeProofRoot,
		KernelRoot:      kernelRoot,
		TotalDifficulty: parent.TotalDifficulty + 10,
		Target:          10,
		PoW:             ProofOfWork{EdgeBits: EdgeBits},
	}
}

func TestValidateStatefulExtendsCumulativeMMRAcrossBlocks(t *testing.T) {
	f := newChainFixture()
	genesis := BlockHeader{Version: 1, Height: 0, Target: 10, PoW: ProofOfWork{EdgeBits: EdgeBits}}
	f.headers[BlockHeaderHash(genesis)] = genesis

	body1 := TransactionBody{
		Outputs: []TransactionOutput{{Features: OutputCoinbase, Commitment: fixtureCommitment(1), Proof: []byte{0xaa}}},
		Kernels: []TransactionKernel{{Features: KernelCoinbase, Excess: fixtureCommitment(1)}},
	}
	header1 := f.headerWithRoots(genesis, 1, body1)
	block1 := FullBlock{Header: header1, Body: body1}

	if ve := ValidateStateful(block1, f.view()); ve != nil {
		t.Fatalf("block1: unexpected validation failure: %v", ve)
	}
	f.commit(block1)

	// A second block's roots must be computed over the MMR state left by
	// block1, not from an empty range: this is exactly the bug the running
	// cumulative MMR wiring fixes. Only body2's own leaves are appended
	// here, and the header must still match because computeBodyRoots
	// extends the same MMR state ValidateStateful reads from the view.
	body2 := TransactionBody{
		Outputs: []TransactionOutput{{Features: OutputPlain, Commitment: fixtureCommitment(2), Proof: []byte{0xbb}}},
		Kernels: []TransactionKernel{{Features: KernelPlain, Excess: fixtureCommitment(2)}},
	}
	header2 := f.headerWithRoots(header1, 2, body2)
	block2 := FullBlock{Header: header2, Body: body2}

	if ve := ValidateStateful(block2, f.view()); ve != nil {
		t.Fatalf("block2: unexpected validation failure: %v", ve)
	}
	f.commit(block2)

	if f.outMMR.Size() != 3 {
		t.Fatalf("expected 3 nodes (2 leaves plus their parent) in the output mmr after two blocks, got %d", f.outMMR.Size())
	}
}

func TestValidateStatefulRejectsRootsComputedFromScratch(t *testing.T) {
	f := newChainFixture()
	genesis := BlockHeader{Version: 1, Height: 0, Target: 10, PoW: ProofOfWork{EdgeBits: EdgeBits}}
	f.headers[BlockHeaderHash(genesis)] = genesis

	body1 := TransactionBody{
		Outputs: []TransactionOutput{{Features: OutputCoinbase, Commitment: fixtureCommitment(1), Proof: []byte{0xaa}}},
		Kernels: []TransactionKernel{{Features: KernelCoinbase, Excess: fixtureCommitment(1)}},
	}
	header1 := f.headerWithRoots(genesis, 1, body1)
	f.commit(FullBlock{Header: header1, Body: body1})

	body2 := TransactionBody{
		Outputs: []TransactionOutput{{Features: OutputPlain, Commitment: fixtureCommitment(2), Proof: []byte{0xbb}}},
		Kernels: []TransactionKernel{{Features: KernelPlain, Excess: fixtureCommitment(2)}},
	}
	// Roots computed from fresh, empty MMRs rather than the fixture's
	// cumulative state: a header built this way must NOT validate once
	// there is real chain history behind it.
	outputRoot, rangeProofRoot, kernelRoot := computeBodyRoots(body2, NewMMR(), NewMMR(), NewMMR())
	badHeader := BlockHeader{
		Version:         1,
		Height:          2,
		PreviousHash:    BlockHeaderHash(header1),
		OutputRoot:      outputRoot,
		RangeProofRoot:  rangeProofRoot,
		KernelRoot:      kernelRoot,
		TotalDifficulty: header1.TotalDifficulty + 10,
		Target:          10,
		PoW:             ProofOfWork{EdgeBits: EdgeBits},
	}

	ve := ValidateStateful(FullBlock{Header: badHeader, Body: body2}, f.view())
	if ve == nil {
		t.Fatalf("expected root mismatch when roots are computed from scratch instead of extending chain state")
	}
	if ve.Kind != ErrRootMismatch {
		t.Fatalf("expected ErrRootMismatch, got %v", ve.Kind)
	}
}

func TestValidateStatefulOrphanedWhenParentUnknown(t *testing.T) {
	f := newChainFixture()
	unknownParent := BlockHeader{Version: 1, Height: 5, Target: 10}
	header := BlockHeader{
		Version:      1,
		Height:       6,
		PreviousHash: BlockHeaderHash(unknownParent),
		PoW:          ProofOfWork{EdgeBits: EdgeBits},
	}
	ve := ValidateStateful(FullBlock{Header: header}, f.view())
	if ve == nil || ve.Kind != ErrOrphaned {
		t.Fatalf("expected ErrOrphaned, got %v", ve)
	}
}

func TestValidateStatefulRejectsBadLinkage(t *testing.T) {
	f := newChainFixture()
	genesis := BlockHeader{Version: 1, Height: 0, Target: 10, PoW: ProofOfWork{EdgeBits: EdgeBits}}
	f.headers[BlockHeaderHash(genesis)] = genesis

	header := BlockHeader{
		Version:         1,
		Height:          1,
		PreviousHash:    BlockHeaderHash(genesis),
		TotalDifficulty: 999, // wrong: should be genesis.TotalDifficulty + Target
		Target:          10,
		PoW:             ProofOfWork{EdgeBits: EdgeBits},
	}
	ve := ValidateStateful(FullBlock{Header: header}, f.view())
	if ve == nil || ve.Kind != ErrBadParent {
		t.Fatalf("expected ErrBadParent, got %v", ve)
	}
}

func TestValidateStatefulRejectsImmatureCoinbaseSpend(t *testing.T) {
	f := newChainFixture()
	genesis := BlockHeader{Version: 1, Height: 0, Target: 10, PoW: ProofOfWork{EdgeBits: EdgeBits}}
	f.headers[BlockHeaderHash(genesis)] = genesis

	coinbaseBody := TransactionBody{
		Outputs: []TransactionOutput{{Features: OutputCoinbase, Commitment: fixtureCommitment(1), Proof: []byte{0xaa}}},
		Kernels: []TransactionKernel{{Features: KernelCoinbase, Excess: fixtureCommitment(1)}},
	}
	header1 := f.headerWithRoots(genesis, 1, coinbaseBody)
	f.commit(FullBlock{Header: header1, Body: coinbaseBody})

	spendBody := TransactionBody{
		Inputs: []TransactionInput{{Features: OutputCoinbase, Commitment: fixtureCommitment(1)}},
	}
	header2 := f.headerWithRoots(header1, 2, spendBody)
	ve := ValidateStateful(FullBlock{Header: header2, Body: spendBody}, f.view())
	if ve == nil || ve.Kind != ErrImmatureCoinbase {
		t.Fatalf("expected ErrImmatureCoinbase, got %v", ve)
	}
}

func TestValidateStatefulRejectsMissingUTXO(t *testing.T) {
	f := newChainFixture()
	genesis := BlockHeader{Version: 1, Height: 0, Target: 10, PoW: ProofOfWork{EdgeBits: EdgeBits}}
	f.headers[BlockHeaderHash(genesis)] = genesis

	f.spent[fixtureCommitment(9)] = true // pretend it was already spent
	body := TransactionBody{
		Inputs: []TransactionInput{{Features: OutputPlain, Commitment: fixtureCommitment(9)}},
	}
	header := f.headerWithRoots(genesis, 1, body)
	ve := ValidateStateful(FullBlock{Header: header, Body: body}, f.view())
	if ve == nil || ve.Kind != ErrMissingUTXO {
		t.Fatalf("expected ErrMissingUTXO, got %v", ve)
	}
}
