package store

import (
	"fmt"

	bolt "go.etcd.io/bbolt"

	"rubinmw.dev/node/consensus"
)

// ExportTxHashSet serializes the output set, output/range-proof/kernel
// MMRs and confirmed kernel set backing the current tip into the flat
// byte stream a TxHashSetArchive message carries. The receiving side
// (ImportTxHashSet) rebuilds the three MMRs and the live UTXO/kernel
// buckets from this stream and checks the result against the roots
// carried by the header it requested the snapshot for, so a stream that
// does not match that header's commitments is rejected rather than
// silently adopted.
func (d *DB) ExportTxHashSet() ([]byte, consensus.BlockHeader, error) {
	tip, ok, err := d.Headers().Tip()
	if err != nil {
		return nil, consensus.BlockHeader{}, fmt.Errorf("store: txhashset: tip: %w", err)
	}
	if !ok {
		return nil, consensus.BlockHeader{}, fmt.Errorf("store: txhashset: chain has no tip yet")
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []byte
	out = appendNodeList(out, d.outputMMR.Nodes())
	out = appendNodeList(out, d.proofMMR.Nodes())
	out = appendNodeList(out, d.kernelMMR.Nodes())

	var outputEntries [][]byte
	err = d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUTXO).ForEach(func(k, v []byte) error {
			entry := make([]byte, 0, len(k)+len(v))
			entry = append(entry, k...)
			entry = append(entry, v...)
			outputEntries = append(outputEntries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, consensus.BlockHeader{}, fmt.Errorf("store: txhashset: read utxos: %w", err)
	}
	out = append(out, consensus.CompactSize(len(outputEntries)).Encode()...)
	for _, e := range outputEntries {
		out = append(out, consensus.CompactSize(len(e)).Encode()...)
		out = append(out, e...)
	}

	var kernelEntries [][]byte
	err = d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKernelsByExcess).ForEach(func(_, v []byte) error {
			kernelEntries = append(kernelEntries, append([]byte{}, v...))
			return nil
		})
	})
	if err != nil {
		return nil, consensus.BlockHeader{}, fmt.Errorf("store: txhashset: read kernels: %w", err)
	}
	out = append(out, consensus.CompactSize(len(kernelEntries)).Encode()...)
	for _, e := range kernelEntries {
		out = append(out, consensus.CompactSize(len(e)).Encode()...)
		out = append(out, e...)
	}

	return out, tip, nil
}

// ImportTxHashSet parses a stream produced by ExportTxHashSet, verifies
// the three MMRs it describes bag to target's own commitment roots, and
// on success atomically replaces this store's output/range-proof/kernel
// MMRs and their backing buckets. It never touches the header buckets:
// target is expected to already be present from header sync, and this
// call only supplies the UTXO/kernel state a full re-validation from
// genesis would otherwise have had to rebuild block by block.
func (d *DB) ImportTxHashSet(data []byte, target consensus.BlockHeader) error {
	cur := data

	outputNodes, rest, err := decodeNodeList(cur)
	if err != nil {
		return fmt.Errorf("store: txhashset: output mmr: %w", err)
	}
	cur = rest

	proofNodes, rest, err := decodeNodeList(cur)
	if err != nil {
		return fmt.Errorf("store: txhashset: range proof mmr: %w", err)
	}
	cur = rest

	kernelNodes, rest, err := decodeNodeList(cur)
	if err != nil {
		return fmt.Errorf("store: txhashset: kernel mmr: %w", err)
	}
	cur = rest

	newOutputMMR := consensus.LoadMMR(outputNodes)
	newProofMMR := consensus.LoadMMR(proofNodes)
	newKernelMMR := consensus.LoadMMR(kernelNodes)

	if got := newOutputMMR.Root(); got != target.OutputRoot {
		return fmt.Errorf("store: txhashset: output_root mismatch: got %x want %x", got, target.OutputRoot)
	}
	if got := newProofMMR.Root(); got != target.RangeProofRoot {
		return fmt.Errorf("store: txhashset: range_proof_root mismatch: got %x want %x", got, target.RangeProofRoot)
	}
	if got := newKernelMMR.Root(); got != target.KernelRoot {
		return fmt.Errorf("store: txhashset: kernel_root mismatch: got %x want %x", got, target.KernelRoot)
	}

	outputCount, rest, err := decodeCompactSizeAt(cur)
	if err != nil {
		return fmt.Errorf("store: txhashset: output count: %w", err)
	}
	cur = rest
	outputEntries := make([][]byte, 0, outputCount)
	for i := uint64(0); i < outputCount; i++ {
		entry, tail, err := decodeLengthPrefixed(cur)
		if err != nil {
			return fmt.Errorf("store: txhashset: output entry %d: %w", i, err)
		}
		outputEntries = append(outputEntries, entry)
		cur = tail
	}

	kernelCount, rest, err := decodeCompactSizeAt(cur)
	if err != nil {
		return fmt.Errorf("store: txhashset: kernel count: %w", err)
	}
	cur = rest
	kernelEntries := make([][]byte, 0, kernelCount)
	for i := uint64(0); i < kernelCount; i++ {
		entry, tail, err := decodeLengthPrefixed(cur)
		if err != nil {
			return fmt.Errorf("store: txhashset: kernel entry %d: %w", i, err)
		}
		kernelEntries = append(kernelEntries, entry)
		cur = tail
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	err = d.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketOutputMMR, bucketRangeProofMMR, bucketKernelMMR, bucketUTXO, bucketKernelsByExcess} {
			if err := tx.DeleteBucket(bucket); err != nil && err != bolt.ErrBucketNotFound {
				return fmt.Errorf("store: txhashset: reset bucket %s: %w", string(bucket), err)
			}
			if _, err := tx.CreateBucket(bucket); err != nil {
				return fmt.Errorf("store: txhashset: recreate bucket %s: %w", string(bucket), err)
			}
		}

		putNodes := func(bucket []byte, nodes [][32]byte) error {
			b := tx.Bucket(bucket)
			for i, n := range nodes {
				if err := b.Put(posKey(uint64(i)), n[:]); err != nil {
					return err
				}
			}
			return nil
		}
		if err := putNodes(bucketOutputMMR, outputNodes); err != nil {
			return err
		}
		if err := putNodes(bucketRangeProofMMR, proofNodes); err != nil {
			return err
		}
		if err := putNodes(bucketKernelMMR, kernelNodes); err != nil {
			return err
		}

		utxoBucket := tx.Bucket(bucketUTXO)
		for _, e := range outputEntries {
			if len(e) < 33 {
				return fmt.Errorf("store: txhashset: output entry too short")
			}
			if err := utxoBucket.Put(e[:33], e[33:]); err != nil {
				return err
			}
		}

		kernelBucket := tx.Bucket(bucketKernelsByExcess)
		for _, e := range kernelEntries {
			kern, _, err := decodeKernelEntry(e)
			if err != nil {
				return fmt.Errorf("store: txhashset: kernel entry: %w", err)
			}
			if err := kernelBucket.Put(kern.Excess[:], e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	d.outputMMR = newOutputMMR
	d.proofMMR = newProofMMR
	d.kernelMMR = newKernelMMR
	return nil
}

func appendNodeList(out []byte, nodes [][32]byte) []byte {
	out = append(out, consensus.CompactSize(len(nodes)).Encode()...)
	for _, n := range nodes {
		out = append(out, n[:]...)
	}
	return out
}

func decodeNodeList(b []byte) ([][32]byte, []byte, error) {
	count, rest, err := decodeCompactSizeAt(b)
	if err != nil {
		return nil, nil, err
	}
	nodes := make([][32]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		if len(rest) < 32 {
			return nil, nil, fmt.Errorf("store: txhashset: truncated mmr node list")
		}
		var n [32]byte
		copy(n[:], rest[:32])
		nodes = append(nodes, n)
		rest = rest[32:]
	}
	return nodes, rest, nil
}

func decodeCompactSizeAt(b []byte) (uint64, []byte, error) {
	n, used, err := consensus.DecodeCompactSize(b)
	if err != nil {
		return 0, nil, err
	}
	return uint64(n), b[used:], nil
}

func decodeLengthPrefixed(b []byte) ([]byte, []byte, error) {
	n, used, err := consensus.DecodeCompactSize(b)
	if err != nil {
		return nil, nil, err
	}
	b = b[used:]
	if uint64(len(b)) < uint64(n) {
		return nil, nil, fmt.Errorf("store: txhashset: truncated entry")
	}
	return b[:n], b[n:], nil
}
