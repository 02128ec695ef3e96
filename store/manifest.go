package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SchemaVersionV1 is the only manifest schema this store understands.
const SchemaVersionV1 uint32 = 1

// Manifest is the crash-safe commit point recording chain tip and MMR
// sizes outside of bbolt's own transaction boundary. Open reads it back
// and checks only its schema version; the recorded MMR sizes are not
// compared against the bbolt contents.
type Manifest struct {
	SchemaVersion uint32 `json:"schema_version"`
	GenesisHex    string `json:"genesis_hash"`

	TipHashHex      string `json:"tip_hash"`
	TipHeight       uint64 `json:"tip_height"`
	TipDifficulty   uint64 `json:"tip_total_difficulty"`

	HeaderMMRSize     uint64 `json:"header_mmr_size"`
	OutputMMRSize     uint64 `json:"output_mmr_size"`
	RangeProofMMRSize uint64 `json:"range_proof_mmr_size"`
	KernelMMRSize     uint64 `json:"kernel_mmr_size"`
}

func manifestPath(chainDir string) string {
	return filepath.Join(chainDir, "MANIFEST.json")
}

func readManifest(chainDir string) (*Manifest, error) {
	b, err := os.ReadFile(manifestPath(chainDir))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("store: manifest json: %w", err)
	}
	return &m, nil
}

// writeManifestAtomic writes MANIFEST.json write-temp -> fsync ->
// rename -> fsync-dir, so a crash mid-write never leaves a torn file.
func writeManifestAtomic(chainDir string, m *Manifest) error {
	if m == nil {
		return fmt.Errorf("store: manifest: nil")
	}
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("store: manifest json: %w", err)
	}
	b = append(b, '\n')

	final := manifestPath(chainDir)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("store: manifest open tmp: %w", err)
	}
	_, werr := f.Write(b)
	serr := f.Sync()
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("store: manifest write tmp: %w", werr)
	}
	if serr != nil {
		return fmt.Errorf("store: manifest fsync tmp: %w", serr)
	}
	if cerr != nil {
		return fmt.Errorf("store: manifest close tmp: %w", cerr)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("store: manifest rename: %w", err)
	}

	d, err := os.Open(chainDir)
	if err != nil {
		return fmt.Errorf("store: manifest fsync dir open: %w", err)
	}
	if err := d.Sync(); err != nil {
		_ = d.Close()
		return fmt.Errorf("store: manifest fsync dir: %w", err)
	}
	return d.Close()
}
