package store

import (
	"fmt"

	"rubinmw.dev/node/consensus"
)

// InitGenesis initializes an empty chain database by applying the
// genesis block's header and body, writing the manifest that marks the
// chain as usable. Callers MUST have already validated genesis with
// consensus.ValidateStateless before calling this.
func (d *DB) InitGenesis(genesis consensus.FullBlock) error {
	if d.Manifest() != nil {
		return fmt.Errorf("store: chain already initialized")
	}
	if genesis.Header.Height != 0 {
		return fmt.Errorf("store: genesis header height must be 0")
	}

	if err := d.Headers().PutHeader(genesis.Header); err != nil {
		return fmt.Errorf("store: init genesis: put header: %w", err)
	}
	if err := d.UTXOs().ApplyBlock(genesis.Body, 0); err != nil {
		return fmt.Errorf("store: init genesis: apply utxo: %w", err)
	}
	if err := d.Kernels().PutKernels(genesis.Body.Kernels, 0); err != nil {
		return fmt.Errorf("store: init genesis: put kernels: %w", err)
	}
	hash := consensus.BlockHeaderHash(genesis.Header)
	if err := d.Blocks().PutBody(hash, genesis.Offset, genesis.Body); err != nil {
		return fmt.Errorf("store: init genesis: put body: %w", err)
	}
	return nil
}
