package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// ChainDir returns the on-disk directory for a given chain under datadir:
//
//	datadir/chains/<genesis_hash_hex>/
func ChainDir(datadir, genesisHashHex string) string {
	return filepath.Join(datadir, "chains", genesisHashHex)
}

func ensureDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("store: mkdir %s: %w", path, err)
	}
	return nil
}
