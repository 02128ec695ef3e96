// Package mempool implements the two-pool Dandelion-lite relay design:
// a private stempool for transactions still being relayed peer-to-peer
// along a stem, and a public mempool for transactions that have fluffed
// (broadcast to everyone). Both pools index by kernel key (a hash of the
// transaction's kernel messages, its stable identity) and by spent input
// commitment, so a
// conflicting spend can be detected in O(1) without scanning the pool.
package mempool

import (
	"fmt"
	"sync"
	"time"

	"rubinmw.dev/node/consensus"
)

// Entry is a pooled transaction plus the bookkeeping the relay policy
// needs: when it arrived, and (for the stempool) when its stem timer
// expires and it must fluff regardless of relay progress.
type Entry struct {
	Tx        consensus.Transaction
	KernelKey [32]byte // blake2b of the tx's concatenated kernel messages, or of its offset when it has no kernels
	Fee       uint64
	AddedAt   time.Time
	StemUntil time.Time // zero for fluffed-pool entries
}

// pool is the shared indexed-storage shape behind both the stem and the
// fluff pool of Pool; it is not exported so callers cannot bypass Pool's
// admission checks.
type pool struct {
	mu        sync.RWMutex
	byKernel  map[[32]byte]*Entry
	byInput   map[consensus.Commitment][32]byte // input commitment -> owning kernel key
}

func newPool() *pool {
	return &pool{
		byKernel: make(map[[32]byte]*Entry),
		byInput:  make(map[consensus.Commitment][32]byte),
	}
}

var (
	// ErrConflict is returned when a transaction spends an input already
	// claimed by a different pooled transaction. First-seen wins.
	ErrConflict = fmt.Errorf("mempool: conflicting input")
	// ErrDuplicate is returned when the same kernel key is already pooled.
	ErrDuplicate = fmt.Errorf("mempool: duplicate transaction")
)

func kernelKey(tx consensus.Transaction) [32]byte {
	if len(tx.Body.Kernels) == 0 {
		return consensus.Blake2b256(tx.Offset[:])
	}
	// Bodies are keyed by the hash of their kernel messages concatenated
	// in body order, so an aggregated transaction doesn't collide with
	// any of its constituent single-kernel keys.
	buf := make([]byte, 0, 32*len(tx.Body.Kernels))
	for _, k := range tx.Body.Kernels {
		msg := consensus.KernelMessage(k)
		buf = append(buf, msg[:]...)
	}
	return consensus.Blake2b256(buf)
}

func (p *pool) insert(e *Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.byKernel[e.KernelKey]; exists {
		return ErrDuplicate
	}
	for _, in := range e.Tx.Body.Inputs {
		if owner, taken := p.byInput[in.Commitment]; taken && owner != e.KernelKey {
			return ErrConflict
		}
	}
	p.byKernel[e.KernelKey] = e
	for _, in := range e.Tx.Body.Inputs {
		p.byInput[in.Commitment] = e.KernelKey
	}
	return nil
}

func (p *pool) remove(key [32]byte) (*Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byKernel[key]
	if !ok {
		return nil, false
	}
	delete(p.byKernel, key)
	for _, in := range e.Tx.Body.Inputs {
		if p.byInput[in.Commitment] == key {
			delete(p.byInput, in.Commitment)
		}
	}
	return e, true
}

func (p *pool) get(key [32]byte) (*Entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.byKernel[key]
	return e, ok
}

func (p *pool) hasInput(c consensus.Commitment) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.byInput[c]
	return ok
}

func (p *pool) snapshot() []*Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Entry, 0, len(p.byKernel))
	for _, e := range p.byKernel {
		out = append(out, e)
	}
	return out
}

func (p *pool) len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byKernel)
}
