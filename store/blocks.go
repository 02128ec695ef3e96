package store

import (
	"fmt"

	bolt "go.etcd.io/bbolt"

	"rubinmw.dev/node/consensus"
)

var bucketBlockBodies = []byte("block_bodies_by_hash")

// BlockStore is the port over confirmed block bodies, keyed by header
// hash. Headers and the running UTXO set are kept forever, but a
// GetBlock/GetCompactBlock reply for an older block needs the exact
// body that was applied, not just the current live output set.
type BlockStore interface {
	PutBody(hash [32]byte, offset [32]byte, body consensus.TransactionBody) error
	GetBody(hash [32]byte) (offset [32]byte, body consensus.TransactionBody, ok bool, err error)
}

func (d *DB) Blocks() BlockStore { return (*blockStore)(d) }

type blockStore DB

func (b *blockStore) asDB() *DB { return (*DB)(b) }

func (b *blockStore) PutBody(hash [32]byte, offset [32]byte, body consensus.TransactionBody) error {
	d := b.asDB()
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlockBodies).Put(hash[:], encodeBlockBody(offset, body))
	})
}

func (b *blockStore) GetBody(hash [32]byte) ([32]byte, consensus.TransactionBody, bool, error) {
	d := b.asDB()
	var offset [32]byte
	var body consensus.TransactionBody
	var ok bool
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlockBodies).Get(hash[:])
		if v == nil {
			return nil
		}
		off, bd, err := decodeBlockBody(v)
		if err != nil {
			return err
		}
		offset, body, ok = off, bd, true
		return nil
	})
	return offset, body, ok, err
}

func encodeBlockBody(offset [32]byte, body consensus.TransactionBody) []byte {
	out := append([]byte{}, offset[:]...)
	out = append(out, consensus.CompactSize(len(body.Inputs)).Encode()...)
	for _, in := range body.Inputs {
		out = append(out, byte(in.Features))
		out = append(out, in.Commitment[:]...)
	}
	out = append(out, consensus.CompactSize(len(body.Outputs)).Encode()...)
	for _, o := range body.Outputs {
		out = append(out, byte(o.Features))
		out = append(out, o.Commitment[:]...)
		out = append(out, consensus.CompactSize(len(o.Proof)).Encode()...)
		out = append(out, o.Proof...)
	}
	out = append(out, consensus.CompactSize(len(body.Kernels)).Encode()...)
	for _, k := range body.Kernels {
		out = append(out, byte(k.Features))
		out = appendU64BE(out, k.Fee)
		out = appendU64BE(out, k.LockHeight)
		out = append(out, k.Excess[:]...)
		out = append(out, k.Signature[:]...)
	}
	return out
}

func decodeBlockBody(b []byte) ([32]byte, consensus.TransactionBody, error) {
	var offset [32]byte
	var body consensus.TransactionBody
	if len(b) < 32 {
		return offset, body, fmt.Errorf("store: block body: truncated")
	}
	copy(offset[:], b[:32])
	off := 32

	inCount, used, err := consensus.DecodeCompactSize(b[off:])
	if err != nil {
		return offset, body, err
	}
	off += used
	for i := uint64(0); i < uint64(inCount); i++ {
		if off+1+33 > len(b) {
			return offset, body, fmt.Errorf("store: block body: truncated input")
		}
		var in consensus.TransactionInput
		in.Features = consensus.OutputFeatures(b[off])
		off++
		copy(in.Commitment[:], b[off:off+33])
		off += 33
		body.Inputs = append(body.Inputs, in)
	}

	outCount, used, err := consensus.DecodeCompactSize(b[off:])
	if err != nil {
		return offset, body, err
	}
	off += used
	for i := uint64(0); i < uint64(outCount); i++ {
		if off+1+33 > len(b) {
			return offset, body, fmt.Errorf("store: block body: truncated output")
		}
		var o consensus.TransactionOutput
		o.Features = consensus.OutputFeatures(b[off])
		off++
		copy(o.Commitment[:], b[off:off+33])
		off += 33
		proofLen, u, err := consensus.DecodeCompactSize(b[off:])
		if err != nil {
			return offset, body, err
		}
		off += u
		if off+int(proofLen) > len(b) {
			return offset, body, fmt.Errorf("store: block body: truncated proof")
		}
		o.Proof = append([]byte{}, b[off:off+int(proofLen)]...)
		off += int(proofLen)
		body.Outputs = append(body.Outputs, o)
	}

	kernCount, used, err := consensus.DecodeCompactSize(b[off:])
	if err != nil {
		return offset, body, err
	}
	off += used
	for i := uint64(0); i < uint64(kernCount); i++ {
		if off+1+8+8+33+64 > len(b) {
			return offset, body, fmt.Errorf("store: block body: truncated kernel")
		}
		var k consensus.TransactionKernel
		k.Features = consensus.KernelFeatures(b[off])
		off++
		k.Fee = beU64(b[off : off+8])
		off += 8
		k.LockHeight = beU64(b[off : off+8])
		off += 8
		copy(k.Excess[:], b[off:off+33])
		off += 33
		copy(k.Signature[:], b[off:off+64])
		off += 64
		body.Kernels = append(body.Kernels, k)
	}
	if off != len(b) {
		return offset, body, fmt.Errorf("store: block body: trailing bytes")
	}
	return offset, body, nil
}
