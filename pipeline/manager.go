package pipeline

import (
	"context"

	"rubinmw.dev/node/consensus"
	"rubinmw.dev/node/mempool"
)

// BlockCapacity bounds how many full blocks may be in flight in the
// block pipe at once.
const BlockCapacity = 32

const (
	txCapacity        = 4096
	txHashSetCapacity = 4
)

// BlockWork is a full block awaiting validation and application,
// carried alongside the connection it arrived from.
type BlockWork struct {
	Block consensus.FullBlock
}

// TxWork is a transaction awaiting mempool admission.
type TxWork struct {
	Tx   consensus.Transaction
	Stem bool
}

// SnapshotWork is a streamed UTXO/kernel snapshot awaiting validation
// against a target header's roots.
type SnapshotWork struct {
	TargetHeader consensus.BlockHeader
	Data         []byte
}

// Manager owns the three work queues and the callbacks that apply their
// validated results to chain state and the mempool.
type Manager struct {
	Blocks    *Queue[BlockWork]
	Txs       *Queue[TxWork]
	Snapshots *Queue[SnapshotWork]
}

// Callbacks are invoked by each queue's workers; they must not block on
// network I/O.
type Callbacks struct {
	ApplyBlock    func(connID uint64, b consensus.FullBlock)
	ApplyTx       func(connID uint64, tx consensus.Transaction, stem bool)
	ApplySnapshot func(connID uint64, target consensus.BlockHeader, data []byte)
}

// NewManager starts all three pipelines. ctx cancellation drains and
// stops every worker.
func NewManager(ctx context.Context, cb Callbacks) *Manager {
	m := &Manager{}
	m.Blocks = NewQueue[BlockWork](ctx, BlockCapacity, 0, func(item Item[BlockWork]) {
		cb.ApplyBlock(item.ConnID, item.Payload.Block)
	})
	m.Txs = NewQueue[TxWork](ctx, txCapacity, 0, func(item Item[TxWork]) {
		cb.ApplyTx(item.ConnID, item.Payload.Tx, item.Payload.Stem)
	})
	m.Snapshots = NewQueue[SnapshotWork](ctx, txHashSetCapacity, 1, func(item Item[SnapshotWork]) {
		cb.ApplySnapshot(item.ConnID, item.Payload.TargetHeader, item.Payload.Data)
	})
	return m
}

// Stop drains and stops all three pipelines.
func (m *Manager) Stop() {
	m.Blocks.Stop()
	m.Txs.Stop()
	m.Snapshots.Stop()
}

// DefaultApplyTx builds the ApplyTx callback for a mempool.Pool: insert
// into the stem or fluff pool per the message that carried it.
func DefaultApplyTx(pool *mempool.Pool) func(uint64, consensus.Transaction, bool) {
	return func(_ uint64, tx consensus.Transaction, stem bool) {
		_, _ = pool.Insert(tx, stem)
	}
}
