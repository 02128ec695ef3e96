package store

import (
	"fmt"

	bolt "go.etcd.io/bbolt"

	"rubinmw.dev/node/consensus"
)

// HeaderStore is the port over header storage plus the header MMR:
// PutHeader, GetHeader(hash), GetHeaderByHeight, Tip(), and the
// append-only header MMR root.
type HeaderStore interface {
	PutHeader(h consensus.BlockHeader) error
	GetHeader(hash [32]byte) (consensus.BlockHeader, bool, error)
	GetHeaderByHeight(height uint64) (consensus.BlockHeader, bool, error)
	Tip() (consensus.BlockHeader, bool, error)
	HeaderMMRRoot() [32]byte
}

// Headers returns the HeaderStore view over d.
func (d *DB) Headers() HeaderStore { return (*headerStore)(d) }

type headerStore DB

func (h *headerStore) asDB() *DB { return (*DB)(h) }

// PutHeader appends h to the header MMR, indexes it by hash and height,
// and advances the manifest tip if h extends the current best chain.
func (h *headerStore) PutHeader(hdr consensus.BlockHeader) error {
	d := h.asDB()
	hash := consensus.BlockHeaderHash(hdr)
	hb := consensus.BlockHeaderBytes(hdr)

	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketHeadersByHash).Put(hash[:], hb); err != nil {
			return err
		}
		if err := tx.Bucket(bucketHeadersByHeight).Put(heightKey(hdr.Height), hash[:]); err != nil {
			return err
		}
		_, err := appendMMR(tx, bucketHeaderMMR, d.headerMMR, hash[:])
		return err
	})
	if err != nil {
		return fmt.Errorf("store: put header: %w", err)
	}

	m := d.manifest
	if m == nil || hdr.TotalDifficulty > m.TipDifficulty {
		next := &Manifest{
			SchemaVersion:     SchemaVersionV1,
			GenesisHex:        genesisHexOf(m, hash, hdr),
			TipHashHex:        hexHash(hash),
			TipHeight:         hdr.Height,
			TipDifficulty:     hdr.TotalDifficulty,
			HeaderMMRSize:     d.headerMMR.Size(),
			OutputMMRSize:     d.outputMMR.Size(),
			RangeProofMMRSize: d.proofMMR.Size(),
			KernelMMRSize:     d.kernelMMR.Size(),
		}
		if err := writeManifestAtomic(d.chainDir, next); err != nil {
			return fmt.Errorf("store: put header: commit manifest: %w", err)
		}
		d.manifest = next
	}
	return nil
}

func genesisHexOf(m *Manifest, hash [32]byte, hdr consensus.BlockHeader) string {
	if m != nil && m.GenesisHex != "" {
		return m.GenesisHex
	}
	if hdr.Height == 0 {
		return hexHash(hash)
	}
	return ""
}

func (h *headerStore) GetHeader(hash [32]byte) (consensus.BlockHeader, bool, error) {
	d := h.asDB()
	var out consensus.BlockHeader
	var ok bool
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketHeadersByHash).Get(hash[:])
		if v == nil {
			return nil
		}
		parsed, err := consensus.ParseBlockHeaderBytes(v)
		if err != nil {
			return err
		}
		out, ok = parsed, true
		return nil
	})
	return out, ok, err
}

func (h *headerStore) GetHeaderByHeight(height uint64) (consensus.BlockHeader, bool, error) {
	d := h.asDB()
	var out consensus.BlockHeader
	var ok bool
	err := d.db.View(func(tx *bolt.Tx) error {
		hash := tx.Bucket(bucketHeadersByHeight).Get(heightKey(height))
		if hash == nil {
			return nil
		}
		v := tx.Bucket(bucketHeadersByHash).Get(hash)
		if v == nil {
			return nil
		}
		parsed, err := consensus.ParseBlockHeaderBytes(v)
		if err != nil {
			return err
		}
		out, ok = parsed, true
		return nil
	})
	return out, ok, err
}

func (h *headerStore) Tip() (consensus.BlockHeader, bool, error) {
	d := h.asDB()
	d.mu.RLock()
	m := d.manifest
	d.mu.RUnlock()
	if m == nil || m.TipHashHex == "" {
		return consensus.BlockHeader{}, false, nil
	}
	hash, err := hashFromHex(m.TipHashHex)
	if err != nil {
		return consensus.BlockHeader{}, false, err
	}
	return h.GetHeader(hash)
}

// HeaderMMRRoot returns the current header MMR root over every header
// this store has ever accepted (not just the best chain), matching the
// append-only linkage headers reference in PreviousRoot.
func (h *headerStore) HeaderMMRRoot() [32]byte {
	d := h.asDB()
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.headerMMR.Root()
}
