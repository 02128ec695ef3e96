package node

import (
	"encoding/hex"
	"testing"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.Peers = []string{"127.0.0.1:19111"}
	cfg.GenesisHash = hex.EncodeToString(make([]byte, 32))
	return cfg
}

func TestValidateConfigOK(t *testing.T) {
	if err := ValidateConfig(validConfig()); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateConfigRejectsBadBind(t *testing.T) {
	cfg := validConfig()
	cfg.BindAddr = "127.0.0.1"
	if err := ValidateConfig(cfg); err == nil {
		t.Fatalf("expected error")
	}
}

func TestValidateConfigRejectsBadGenesisHash(t *testing.T) {
	cfg := validConfig()
	cfg.GenesisHash = "not-hex"
	if err := ValidateConfig(cfg); err == nil {
		t.Fatalf("expected error")
	}
}

func TestValidateConfigRejectsZeroMaxPeers(t *testing.T) {
	cfg := validConfig()
	cfg.MaxPeers = 0
	if err := ValidateConfig(cfg); err == nil {
		t.Fatalf("expected error")
	}
}

func TestValidateConfigRejectsZeroCoinbaseMaturity(t *testing.T) {
	cfg := validConfig()
	cfg.CoinbaseMaturity = 0
	if err := ValidateConfig(cfg); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNormalizePeersDedupsAndTrims(t *testing.T) {
	got := NormalizePeers("127.0.0.1:19111, 127.0.0.1:19112", "127.0.0.1:19111", " ", "10.0.0.1:19111")
	want := []string{"127.0.0.1:19111", "127.0.0.1:19112", "10.0.0.1:19111"}
	if len(got) != len(want) {
		t.Fatalf("got=%v want=%v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got=%v want=%v", got, want)
		}
	}
}

func TestDevnetGenesisIsHeightZero(t *testing.T) {
	g := DevnetGenesis()
	if g.Header.Height != 0 {
		t.Fatalf("expected height 0, got %d", g.Header.Height)
	}
	if len(g.Body.Outputs) != 0 || len(g.Body.Kernels) != 0 {
		t.Fatalf("expected empty genesis body")
	}
}
