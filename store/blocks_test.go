package store

import (
	"testing"

	"rubinmw.dev/node/consensus"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(t.TempDir(), "test-genesis")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestBlockStoreRoundTrip(t *testing.T) {
	d := openTestDB(t)

	body := consensus.TransactionBody{
		Outputs: []consensus.TransactionOutput{
			{Features: consensus.OutputCoinbase, Proof: []byte{1, 2, 3}},
		},
		Kernels: []consensus.TransactionKernel{
			{Features: consensus.KernelCoinbase, Fee: 0},
		},
	}
	var hash, offset [32]byte
	hash[0] = 0xAB
	offset[0] = 0xCD

	if err := d.Blocks().PutBody(hash, offset, body); err != nil {
		t.Fatalf("put body: %v", err)
	}

	gotOffset, gotBody, ok, err := d.Blocks().GetBody(hash)
	if err != nil {
		t.Fatalf("get body: %v", err)
	}
	if !ok {
		t.Fatalf("expected body to be found")
	}
	if gotOffset != offset {
		t.Fatalf("offset mismatch: got %x want %x", gotOffset, offset)
	}
	if len(gotBody.Outputs) != 1 || len(gotBody.Kernels) != 1 {
		t.Fatalf("body mismatch: %+v", gotBody)
	}
	if gotBody.Outputs[0].Features != consensus.OutputCoinbase {
		t.Fatalf("expected coinbase output, got %+v", gotBody.Outputs[0])
	}
	if string(gotBody.Outputs[0].Proof) != string(body.Outputs[0].Proof) {
		t.Fatalf("proof mismatch: got %x want %x", gotBody.Outputs[0].Proof, body.Outputs[0].Proof)
	}
}

func TestBlockStoreMissingHashNotFound(t *testing.T) {
	d := openTestDB(t)

	var hash [32]byte
	hash[0] = 0xFF
	_, _, ok, err := d.Blocks().GetBody(hash)
	if err != nil {
		t.Fatalf("get body: %v", err)
	}
	if ok {
		t.Fatalf("expected no body for unknown hash")
	}
}
