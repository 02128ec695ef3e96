package store

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"rubinmw.dev/node/consensus"
)

// KernelStore is the port over confirmed kernels and the kernel MMR:
// PutKernels, Root(), GetByExcess(commitment).
type KernelStore interface {
	PutKernels(kernels []consensus.TransactionKernel, height uint64) error
	GetByExcess(c consensus.Commitment) (consensus.TransactionKernel, uint64, bool, error)
	Root() [32]byte
}

func (d *DB) Kernels() KernelStore { return (*kernelStore)(d) }

type kernelStore DB

func (k *kernelStore) asDB() *DB { return (*DB)(k) }

func (k *kernelStore) PutKernels(kernels []consensus.TransactionKernel, height uint64) error {
	d := k.asDB()
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketKernelsByExcess)
		for _, kern := range kernels {
			mmrData := append([]byte{byte(kern.Features)}, kern.Excess[:]...)
			if _, err := appendMMR(tx, bucketKernelMMR, d.kernelMMR, mmrData); err != nil {
				return fmt.Errorf("store: kernel mmr: %w", err)
			}
			if err := bucket.Put(kern.Excess[:], encodeKernelEntry(kern, height)); err != nil {
				return fmt.Errorf("store: put kernel: %w", err)
			}
		}
		return nil
	})
}

func (k *kernelStore) GetByExcess(c consensus.Commitment) (consensus.TransactionKernel, uint64, bool, error) {
	d := k.asDB()
	var kern consensus.TransactionKernel
	var height uint64
	var ok bool
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketKernelsByExcess).Get(c[:])
		if v == nil {
			return nil
		}
		kk, h, err := decodeKernelEntry(v)
		if err != nil {
			return err
		}
		kern, height, ok = kk, h, true
		return nil
	})
	return kern, height, ok, err
}

func (k *kernelStore) Root() [32]byte {
	d := k.asDB()
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.kernelMMR.Root()
}

// encodeKernelEntry: features(1) fee(8) lock_height(8) excess(33) sig(64) height(8).
func encodeKernelEntry(k consensus.TransactionKernel, height uint64) []byte {
	out := make([]byte, 0, 1+8+8+33+64+8)
	out = append(out, byte(k.Features))
	out = appendU64BE(out, k.Fee)
	out = appendU64BE(out, k.LockHeight)
	out = append(out, k.Excess[:]...)
	out = append(out, k.Signature[:]...)
	out = appendU64BE(out, height)
	return out
}

func decodeKernelEntry(b []byte) (consensus.TransactionKernel, uint64, error) {
	const want = 1 + 8 + 8 + 33 + 64 + 8
	if len(b) != want {
		return consensus.TransactionKernel{}, 0, fmt.Errorf("store: kernel entry: bad length")
	}
	var k consensus.TransactionKernel
	off := 0
	k.Features = consensus.KernelFeatures(b[off])
	off++
	k.Fee = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	k.LockHeight = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	copy(k.Excess[:], b[off:off+33])
	off += 33
	copy(k.Signature[:], b[off:off+64])
	off += 64
	height := binary.BigEndian.Uint64(b[off : off+8])
	return k, height, nil
}

func appendU64BE(out []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(out, tmp[:]...)
}
