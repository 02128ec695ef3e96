package node

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the node's full set of runtime parameters: the ambient
// fields every long-running service needs (network, data directory,
// bind address, logging, peer bootstrap list) plus the protocol
// parameters a Mimblewimble-style peer needs to run the wire protocol
// and validation pipeline.
type Config struct {
	Network  string   `json:"network"`
	DataDir  string   `json:"data_dir"`
	BindAddr string   `json:"bind_addr"`
	LogLevel string   `json:"log_level"`
	Peers    []string `json:"peers"`
	MaxPeers int      `json:"max_peers"`

	P2PPort                  int           `json:"p2p_port"`
	ProtocolVersion          uint32        `json:"protocol_version"`
	UserAgent                string        `json:"user_agent"`
	GenesisHash              string        `json:"genesis_hash"`
	PeerMaxSendQueue         int           `json:"peer_max_send_queue"`
	RateLimitMsgsPerSec      float64       `json:"rate_limit_msgs_per_sec"`
	TxHashSetRequestCooldown time.Duration `json:"tx_hash_set_request_cooldown"`
	SyncHorizonBlocks        uint64        `json:"sync_horizon_blocks"`
	CoinbaseMaturity         uint64        `json:"coinbase_maturity"`
}

var allowedLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".rubinmw"
	}
	return filepath.Join(home, ".rubinmw")
}

func DefaultConfig() Config {
	return Config{
		Network:  "devnet",
		DataDir:  DefaultDataDir(),
		BindAddr: "0.0.0.0:19111",
		Peers:    nil,
		LogLevel: "info",
		MaxPeers: 64,

		P2PPort:                  19111,
		ProtocolVersion:          2,
		UserAgent:                "rubinmw-node/0.1",
		PeerMaxSendQueue:         256,
		RateLimitMsgsPerSec:      500.0 / 60.0,
		TxHashSetRequestCooldown: 2 * time.Hour,
		SyncHorizonBlocks:        1000,
		CoinbaseMaturity:         1000,
	}
}

func NormalizePeers(raw ...string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, token := range raw {
		for _, p := range strings.Split(token, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

func ValidateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Network) == "" {
		return errors.New("network is required")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return errors.New("data_dir is required")
	}
	if err := validateAddr(cfg.BindAddr); err != nil {
		return fmt.Errorf("invalid bind_addr: %w", err)
	}
	for _, peer := range cfg.Peers {
		if err := validatePeerAddr(peer); err != nil {
			return fmt.Errorf("invalid peer %q: %w", peer, err)
		}
	}
	logLevel := strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if _, ok := allowedLogLevels[logLevel]; !ok {
		return fmt.Errorf("invalid log_level %q", cfg.LogLevel)
	}
	if cfg.MaxPeers <= 0 {
		return errors.New("max_peers must be > 0")
	}
	if cfg.MaxPeers > 4096 {
		return errors.New("max_peers must be <= 4096")
	}
	if cfg.P2PPort <= 0 || cfg.P2PPort > 65535 {
		return errors.New("p2p_port must be in 1..65535")
	}
	if cfg.ProtocolVersion == 0 {
		return errors.New("protocol_version must be > 0")
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		return errors.New("user_agent is required")
	}
	genesisBytes, err := hex.DecodeString(cfg.GenesisHash)
	if err != nil || len(genesisBytes) != 32 {
		return fmt.Errorf("genesis_hash must be a 32-byte hex string")
	}
	if cfg.PeerMaxSendQueue <= 0 {
		return errors.New("peer_max_send_queue must be > 0")
	}
	if cfg.RateLimitMsgsPerSec <= 0 {
		return errors.New("rate_limit_msgs_per_sec must be > 0")
	}
	if cfg.TxHashSetRequestCooldown <= 0 {
		return errors.New("tx_hash_set_request_cooldown must be > 0")
	}
	if cfg.SyncHorizonBlocks == 0 {
		return errors.New("sync_horizon_blocks must be > 0")
	}
	if cfg.CoinbaseMaturity == 0 {
		return errors.New("coinbase_maturity must be > 0")
	}
	return nil
}

func validateAddr(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("empty address")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if strings.TrimSpace(port) == "" {
		return errors.New("missing port")
	}
	if strings.Contains(host, " ") {
		return errors.New("invalid host")
	}
	return nil
}

func validatePeerAddr(addr string) error {
	if err := validateAddr(addr); err != nil {
		return err
	}
	host, _, _ := net.SplitHostPort(addr)
	if strings.TrimSpace(host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func (c Config) genesisHashBytes() [32]byte {
	var out [32]byte
	b, _ := hex.DecodeString(c.GenesisHash)
	copy(out[:], b)
	return out
}
