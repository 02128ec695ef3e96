package mempool

import (
	"fmt"
	"time"

	"rubinmw.dev/node/consensus"
)

// StemTimeout bounds how long a transaction may sit in the stempool
// before the relay policy gives up on single-path forwarding and
// fluffs it regardless.
const StemTimeout = 15 * time.Second

// Pool is the two-pool Dandelion-lite mempool: a fluff pool and a stem
// pool over the same admission rules, differing only in relay behavior
// (owned by the sync/pipeline layer, not this package).
type Pool struct {
	fluff *pool
	stem  *pool
	rp    consensus.RangeProofVerifier
}

// New builds an empty mempool using rp to re-check range proofs on
// admission.
func New(rp consensus.RangeProofVerifier) *Pool {
	if rp == nil {
		rp = consensus.DefaultRangeProofVerifier
	}
	return &Pool{fluff: newPool(), stem: newPool(), rp: rp}
}

// checkStateless re-runs the transaction-scoped stateless checks: body
// invariants, sum balance, kernel signatures and range proofs. It
// does not check UTXO membership — that is a stateful job, run by
// the caller against current chain state before calling Insert.
func checkStateless(tx consensus.Transaction, rp consensus.RangeProofVerifier) error {
	if err := consensus.CheckBodyInvariants(tx.Body); err != nil {
		return err
	}
	if err := consensus.CheckSumBalance(tx.Body, tx.Offset); err != nil {
		return err
	}
	if failed := consensus.BatchVerifyKernels(tx.Body.Kernels); len(failed) > 0 {
		return fmt.Errorf("mempool: %d invalid kernel signature(s)", len(failed))
	}
	if failed := consensus.BatchVerifyRangeProofs(rp, tx.Body.Outputs); len(failed) > 0 {
		return fmt.Errorf("mempool: %d invalid range proof(s)", len(failed))
	}
	return nil
}

// Insert admits tx into the stempool (stem=true) or the fluff mempool
// (stem=false). First-seen wins on any input-commitment conflict; there
// is no replace-by-fee.
func (p *Pool) Insert(tx consensus.Transaction, stem bool) ([32]byte, error) {
	var key [32]byte
	if err := checkStateless(tx, p.rp); err != nil {
		return key, err
	}
	key = kernelKey(tx)
	fee, err := consensus.TotalFees(tx.Body.Kernels)
	if err != nil {
		return key, err
	}

	// Reject a conflict against either pool: a stem entry still owns its
	// inputs until it fluffs or expires.
	for _, in := range tx.Body.Inputs {
		if p.fluff.hasInput(in.Commitment) || p.stem.hasInput(in.Commitment) {
			return key, ErrConflict
		}
	}

	e := &Entry{Tx: tx, KernelKey: key, Fee: fee, AddedAt: time.Now()}
	target := p.fluff
	if stem {
		e.StemUntil = e.AddedAt.Add(StemTimeout)
		target = p.stem
	}
	if err := target.insert(e); err != nil {
		return key, err
	}
	return key, nil
}

// StemToFluff moves a stempool entry into the fluff pool, used both on
// stem-timeout and when the local node decides to originate a fluff
// broadcast for a stem transaction it forwarded.
func (p *Pool) StemToFluff(kernelKey [32]byte) (*Entry, bool) {
	e, ok := p.stem.remove(kernelKey)
	if !ok {
		return nil, false
	}
	e.StemUntil = time.Time{}
	// Ignore a conflict here: the entry already reserved these inputs in
	// the stempool, so a fresh conflict can only mean a concurrent fluff
	// beat it to the pool — leave the winner in place and drop this one.
	if err := p.fluff.insert(e); err != nil {
		return e, false
	}
	return e, true
}

// ExpiredStems returns stempool entries whose stem timer has elapsed,
// for the sync/pipeline layer to fluff or drop.
func (p *Pool) ExpiredStems(now time.Time) []*Entry {
	all := p.stem.snapshot()
	out := make([]*Entry, 0, len(all))
	for _, e := range all {
		if !e.StemUntil.IsZero() && !now.Before(e.StemUntil) {
			out = append(out, e)
		}
	}
	return out
}

// Get looks a transaction up by kernel key across both pools, fluff
// first since it's the more common lookup (GetTransactionMsg replies).
func (p *Pool) Get(kernelKey [32]byte) (*Entry, bool) {
	if e, ok := p.fluff.get(kernelKey); ok {
		return e, true
	}
	return p.stem.get(kernelKey)
}

// Remove deletes an entry from whichever pool holds it, used once its
// transaction is confirmed in an accepted block.
func (p *Pool) Remove(kernelKey [32]byte) {
	if _, ok := p.fluff.remove(kernelKey); ok {
		return
	}
	p.stem.remove(kernelKey)
}

// RemoveConflicting drops every pooled transaction (either pool) that
// spends one of the given input commitments, called after a block
// confirms and its inputs are no longer available to the mempool.
func (p *Pool) RemoveConflicting(spent []consensus.Commitment) {
	spentSet := make(map[consensus.Commitment]struct{}, len(spent))
	for _, c := range spent {
		spentSet[c] = struct{}{}
	}
	for _, pl := range []*pool{p.fluff, p.stem} {
		for _, e := range pl.snapshot() {
			for _, in := range e.Tx.Body.Inputs {
				if _, hit := spentSet[in.Commitment]; hit {
					pl.remove(e.KernelKey)
					break
				}
			}
		}
	}
}

// FluffSize and StemSize report pool occupancy for metrics/back-pressure.
func (p *Pool) FluffSize() int { return p.fluff.len() }
func (p *Pool) StemSize() int  { return p.stem.len() }

// FluffEntries snapshots every publicly-relayed pooled transaction, used
// by compact-block reconstruction to match short ids against kernels
// this node already has in its mempool.
func (p *Pool) FluffEntries() []*Entry { return p.fluff.snapshot() }
