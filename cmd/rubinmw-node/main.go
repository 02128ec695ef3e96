package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/crypto/blake2b"

	"rubinmw.dev/node/consensus"
	"rubinmw.dev/node/crypto"
	"rubinmw.dev/node/node"
)

type multiStringFlag []string

func (m *multiStringFlag) String() string {
	if m == nil {
		return ""
	}
	return strings.Join(*m, ",")
}

func (m *multiStringFlag) Set(value string) error {
	*m = append(*m, value)
	return nil
}

func main() {
	defaults := node.DefaultConfig()
	var peers multiStringFlag

	cfg := defaults
	peerCSV := flag.String("peers", "", "bootstrap peers, comma-separated host:port")
	flag.Var(&peers, "peer", "single bootstrap peer host:port (repeatable)")
	flag.StringVar(&cfg.Network, "network", defaults.Network, "network name (devnet/testnet/mainnet)")
	flag.StringVar(&cfg.DataDir, "datadir", defaults.DataDir, "node data directory")
	flag.StringVar(&cfg.BindAddr, "bind", defaults.BindAddr, "bind address host:port")
	flag.StringVar(&cfg.LogLevel, "log-level", defaults.LogLevel, "log level: debug|info|warn|error")
	flag.IntVar(&cfg.MaxPeers, "max-peers", defaults.MaxPeers, "max connected peers")
	flag.StringVar(&cfg.UserAgent, "user-agent", defaults.UserAgent, "user agent string announced on handshake")
	identityPath := flag.String("identity", "", "path to the node's identity keystore (default: <datadir>/identity.json)")
	identityPassphrase := flag.String("identity-passphrase", "", "passphrase wrapping the identity keystore (falls back to $RUBINMW_IDENTITY_PASSPHRASE)")
	dryRun := flag.Bool("dry-run", false, "print effective config and exit")
	flag.Parse()

	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.Peers = node.NormalizePeers(append([]string{*peerCSV}, peers...)...)

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "datadir create failed: %v\n", err)
		os.Exit(2)
	}

	genesis := node.DevnetGenesis()
	genesisHash := consensus.BlockHeaderHash(genesis.Header)
	if cfg.GenesisHash == "" {
		cfg.GenesisHash = fmt.Sprintf("%x", genesisHash)
	}

	if err := node.ValidateConfig(cfg); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(2)
	}

	if *identityPath == "" {
		*identityPath = filepath.Join(cfg.DataDir, "identity.json")
	}
	passphrase := *identityPassphrase
	if passphrase == "" {
		passphrase = os.Getenv("RUBINMW_IDENTITY_PASSPHRASE")
	}
	identity, err := loadOrCreateIdentity(*identityPath, cfg.DataDir, passphrase)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "identity load failed: %v\n", err)
		os.Exit(2)
	}

	if err := printConfig(cfg); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config encode failed: %v\n", err)
		os.Exit(1)
	}
	_, _ = fmt.Fprintf(os.Stdout, "identity: keystore=%s\n", *identityPath)
	_, _ = fmt.Fprintf(os.Stdout, "genesis: hash=%s\n", cfg.GenesisHash)
	if *dryRun {
		return
	}

	n, err := node.New(cfg, identity, genesis)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "node init failed: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, _ = fmt.Fprintln(os.Stdout, "rubinmw-node running")
	if err := n.Run(ctx); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "node stopped with error: %v\n", err)
		os.Exit(1)
	}
	_, _ = fmt.Fprintln(os.Stdout, "rubinmw-node stopped")
}

// loadOrCreateIdentity opens the identity keystore at path, generating and
// saving a fresh Ed25519 identity under it the first time a node boots
// against a given datadir. The KEK is stretched from passphrase salted
// with the datadir path so two independent devnet datadirs never share a
// derived key even under an empty passphrase.
func loadOrCreateIdentity(path, dataDir, passphrase string) (ed25519.PrivateKey, error) {
	salt := blake2b.Sum256([]byte(dataDir))
	kek, err := crypto.DeriveKEK([]byte(passphrase), salt)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err == nil {
		_, priv, err := crypto.LoadIdentity(path, kek)
		if err != nil {
			return nil, fmt.Errorf("load identity: %w", err)
		}
		return priv, nil
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	pub, priv, err := crypto.GenerateIdentity()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	if err := crypto.SaveIdentity(path, pub, priv, kek); err != nil {
		return nil, fmt.Errorf("save identity: %w", err)
	}
	return priv, nil
}

func printConfig(cfg node.Config) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}
