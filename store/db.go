// Package store provides the bbolt-backed persistence layer behind the
// HeaderStore, UTXOStore, KernelStore, PeerStore and BlockStore
// interfaces: durable chain state so a restart resumes from the last
// applied block instead of re-syncing from genesis.
package store

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"rubinmw.dev/node/consensus"
)

var (
	bucketHeadersByHash   = []byte("headers_by_hash")
	bucketHeadersByHeight = []byte("headers_by_height")
	bucketHeaderMMR       = []byte("header_mmr_nodes")
	bucketOutputMMR       = []byte("output_mmr_nodes")
	bucketRangeProofMMR   = []byte("range_proof_mmr_nodes")
	bucketKernelMMR       = []byte("kernel_mmr_nodes")
	bucketUTXO            = []byte("utxo_by_commitment")
	bucketKernelsByExcess = []byte("kernels_by_excess")
	bucketPeers           = []byte("peers_by_addr")
)

var allBuckets = [][]byte{
	bucketHeadersByHash, bucketHeadersByHeight,
	bucketHeaderMMR, bucketOutputMMR, bucketRangeProofMMR, bucketKernelMMR,
	bucketUTXO, bucketKernelsByExcess, bucketPeers, bucketBlockBodies,
}

// DB is the shared bbolt handle backing every store interface; the
// concrete HeaderStore/UTXOStore/KernelStore/PeerStore/BlockStore views
// in this package all wrap the same *DB.
type DB struct {
	chainDir string
	db       *bolt.DB

	mu       sync.RWMutex
	manifest *Manifest

	headerMMR *consensus.MMR
	outputMMR *consensus.MMR
	proofMMR  *consensus.MMR
	kernelMMR *consensus.MMR
}

// Open opens (or creates) the bbolt database for one chain under datadir,
// rebuilding the in-memory MMR mirrors from their persisted node lists.
// A freshly created chain has no manifest yet; callers must apply a
// genesis block before treating the store as usable.
func Open(datadir, genesisHashHex string) (*DB, error) {
	if datadir == "" {
		return nil, fmt.Errorf("store: datadir required")
	}
	if genesisHashHex == "" {
		return nil, fmt.Errorf("store: genesis_hash_hex required")
	}

	chainDir := ChainDir(datadir, genesisHashHex)
	if err := ensureDir(chainDir); err != nil {
		return nil, err
	}
	if err := ensureDir(filepath.Join(chainDir, "db")); err != nil {
		return nil, err
	}

	path := filepath.Join(chainDir, "db", "kv.db")
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open bbolt: %w", err)
	}

	d := &DB{chainDir: chainDir, db: bdb}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("store: create bucket %s: %w", string(b), err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	if err := d.loadMMRs(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	m, err := readManifest(chainDir)
	if err != nil {
		if os.IsNotExist(err) {
			return d, nil // uninitialized chain; caller must apply genesis.
		}
		_ = bdb.Close()
		return nil, fmt.Errorf("store: read manifest: %w", err)
	}
	if m.SchemaVersion > SchemaVersionV1 {
		_ = bdb.Close()
		return nil, fmt.Errorf("store: manifest schema_version %d > supported %d", m.SchemaVersion, SchemaVersionV1)
	}
	d.manifest = m
	return d, nil
}

func (d *DB) loadMMRs() error {
	load := func(bucket []byte) (*consensus.MMR, error) {
		var nodes [][32]byte
		err := d.db.View(func(tx *bolt.Tx) error {
			return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
				if len(v) != 32 {
					return fmt.Errorf("store: mmr node wrong size in %s", string(bucket))
				}
				var n [32]byte
				copy(n[:], v)
				nodes = append(nodes, n)
				return nil
			})
		})
		if err != nil {
			return nil, err
		}
		return consensus.LoadMMR(nodes), nil
	}

	var err error
	if d.headerMMR, err = load(bucketHeaderMMR); err != nil {
		return err
	}
	if d.outputMMR, err = load(bucketOutputMMR); err != nil {
		return err
	}
	if d.proofMMR, err = load(bucketRangeProofMMR); err != nil {
		return err
	}
	if d.kernelMMR, err = load(bucketKernelMMR); err != nil {
		return err
	}
	return nil
}

// appendMMR appends data to mmr and persists every newly created node
// (leaf plus any merged parents) into bucket, keyed by postorder index.
func appendMMR(tx *bolt.Tx, bucket []byte, mmr *consensus.MMR, data []byte) (uint64, error) {
	before := mmr.Size()
	pos := mmr.Append(data)
	nodes := mmr.Nodes()
	b := tx.Bucket(bucket)
	for i := before; i < uint64(len(nodes)); i++ {
		if err := b.Put(posKey(i), nodes[i][:]); err != nil {
			return 0, err
		}
	}
	return pos, nil
}

func posKey(pos uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], pos)
	return k[:]
}

func heightKey(h uint64) []byte { return posKey(h) }

// Close flushes and closes the underlying bbolt handle.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *DB) ChainDir() string { return d.chainDir }

// Manifest returns the last committed manifest, or nil if the chain has
// not been initialized with a genesis block yet.
func (d *DB) Manifest() *Manifest {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.manifest
}

