package store

import (
	"fmt"

	bolt "go.etcd.io/bbolt"

	"rubinmw.dev/node/consensus"
)

// UTXOStore is the port over the live output set plus the output and
// range-proof MMRs.
type UTXOStore interface {
	GetOutput(c consensus.Commitment) (UTXOEntry, bool, error)
	ApplyBlock(body consensus.TransactionBody, height uint64) error
	Root() [32]byte
	RangeProofRoot() [32]byte
	// AsView adapts this store to consensus.UTXOView for ValidateStateful.
	AsView(headers HeaderStore) consensus.UTXOView
}

func (d *DB) UTXOs() UTXOStore { return (*utxoStore)(d) }

type utxoStore DB

func (u *utxoStore) asDB() *DB { return (*DB)(u) }

func (u *utxoStore) GetOutput(c consensus.Commitment) (UTXOEntry, bool, error) {
	d := u.asDB()
	var out UTXOEntry
	var ok bool
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketUTXO).Get(c[:])
		if v == nil {
			return nil
		}
		e, err := decodeUTXOEntry(v)
		if err != nil {
			return err
		}
		out, ok = e, true
		return nil
	})
	return out, ok, err
}

// ApplyBlock atomically removes every spent input's UTXO entry, appends
// every new output (and its range proof) into their MMRs, and stores
// each new output as a live UTXO entry.
func (u *utxoStore) ApplyBlock(body consensus.TransactionBody, height uint64) error {
	d := u.asDB()
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.db.Update(func(tx *bolt.Tx) error {
		utxoBucket := tx.Bucket(bucketUTXO)
		for _, in := range body.Inputs {
			if err := utxoBucket.Delete(in.Commitment[:]); err != nil {
				return fmt.Errorf("store: utxo: delete spent input: %w", err)
			}
		}
		for _, o := range body.Outputs {
			if _, err := appendMMR(tx, bucketOutputMMR, d.outputMMR, o.Commitment[:]); err != nil {
				return fmt.Errorf("store: utxo: output mmr: %w", err)
			}
			if _, err := appendMMR(tx, bucketRangeProofMMR, d.proofMMR, o.Proof); err != nil {
				return fmt.Errorf("store: utxo: range proof mmr: %w", err)
			}
			entry := UTXOEntry{Proof: o.Proof}
			if o.Features == consensus.OutputCoinbase {
				entry.IsCoinbase = true
				entry.CoinbaseHeight = height
				entry.LockedUntil = height + consensus.CoinbaseMaturity
			}
			if err := utxoBucket.Put(o.Commitment[:], encodeUTXOEntry(entry)); err != nil {
				return fmt.Errorf("store: utxo: put output: %w", err)
			}
		}
		return nil
	})
}

func (u *utxoStore) Root() [32]byte {
	d := u.asDB()
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.outputMMR.Root()
}

func (u *utxoStore) RangeProofRoot() [32]byte {
	d := u.asDB()
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.proofMMR.Root()
}

// AsView adapts this store, plus a header lookup, to the closures
// consensus.ValidateStateful needs, without consensus importing store.
// The OutputMMR/RangeProofMMR/KernelMMR closures each hand back a clone
// of the store's current cumulative MMR so ValidateStateful can extend
// it with a candidate block's leaves without mutating the store ahead
// of the block actually being applied.
func (u *utxoStore) AsView(headers HeaderStore) consensus.UTXOView {
	d := u.asDB()
	return consensus.UTXOView{
		HasCommitment: func(c consensus.Commitment) (lockedUntil, coinbaseHeight uint64, isCoinbase, ok bool) {
			e, found, err := u.GetOutput(c)
			if err != nil || !found {
				return 0, 0, false, false
			}
			return e.LockedUntil, e.CoinbaseHeight, e.IsCoinbase, true
		},
		HeaderByHash: func(hash [32]byte) (consensus.BlockHeader, bool) {
			h, ok, err := headers.GetHeader(hash)
			if err != nil {
				return consensus.BlockHeader{}, false
			}
			return h, ok
		},
		OutputMMR: func() *consensus.MMR {
			d.mu.RLock()
			defer d.mu.RUnlock()
			return d.outputMMR.Clone()
		},
		RangeProofMMR: func() *consensus.MMR {
			d.mu.RLock()
			defer d.mu.RUnlock()
			return d.proofMMR.Clone()
		},
		KernelMMR: func() *consensus.MMR {
			d.mu.RLock()
			defer d.mu.RUnlock()
			return d.kernelMMR.Clone()
		},
	}
}
