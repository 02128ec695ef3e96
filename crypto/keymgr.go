package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/scrypt"
	"lukechampine.com/frand"
)

// IdentityKeystoreV1 is the on-disk format for a node's long-term Ed25519
// identity key, wrapped under a passphrase-derived KEK with AES-KW.
// The identity key authenticates the encrypted-link
// handshake; it is not a Mimblewimble blinding key and never touches a
// commitment.
type IdentityKeystoreV1 struct {
	Version      string `json:"version"` // "RMWKSv1"
	PubkeyHex    string `json:"pubkey_hex"`
	KeyIDHex     string `json:"key_id_hex"`
	WrapAlg      string `json:"wrap_alg"` // "AES-256-KW"
	WrappedSKHex string `json:"wrapped_sk_hex"`
}

// GenerateIdentity creates a fresh Ed25519 identity keypair.
func GenerateIdentity() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(frand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: keymgr: generate identity: %w", err)
	}
	return pub, priv, nil
}

// DeriveKEK stretches an operator passphrase into the 32-byte
// key-encryption key SaveIdentity/LoadIdentity wrap the identity
// private key under, using scrypt with interactive-login parameters.
func DeriveKEK(passphrase []byte, salt [32]byte) ([32]byte, error) {
	var kek [32]byte
	dk, err := scrypt.Key(passphrase, salt[:], 1<<15, 8, 1, 32)
	if err != nil {
		return kek, fmt.Errorf("crypto: keymgr: derive kek: %w", err)
	}
	copy(kek[:], dk)
	return kek, nil
}

// KeyID derives the stable identifier a peer can log or ban by, without
// exposing the raw public key: blake2b-256 of the public key bytes.
func KeyID(pub ed25519.PublicKey) [32]byte {
	return blake2b.Sum256(pub)
}

// SaveIdentity wraps priv under kek (32 bytes) with AES-KW and writes an
// IdentityKeystoreV1 JSON document to path.
func SaveIdentity(path string, pub ed25519.PublicKey, priv ed25519.PrivateKey, kek [32]byte) error {
	if len(priv) != ed25519.PrivateKeySize {
		return errors.New("crypto: keymgr: bad private key size")
	}
	wrapped, err := AESKeyWrapRFC3394(kek[:], priv)
	if err != nil {
		return fmt.Errorf("crypto: keymgr: wrap: %w", err)
	}
	keyID := KeyID(pub)
	ks := IdentityKeystoreV1{
		Version:      "RMWKSv1",
		PubkeyHex:    hex.EncodeToString(pub),
		KeyIDHex:     hex.EncodeToString(keyID[:]),
		WrapAlg:      "AES-256-KW",
		WrappedSKHex: hex.EncodeToString(wrapped),
	}
	b, err := json.Marshal(ks)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return os.WriteFile(path, b, 0o600)
}

// LoadIdentity reads path and unwraps the identity private key under kek,
// verifying the recovered public key matches the keystore's key_id.
func LoadIdentity(path string, kek [32]byte) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- operator-provided path
	if err != nil {
		return nil, nil, err
	}
	var ks IdentityKeystoreV1
	if err := json.Unmarshal(raw, &ks); err != nil {
		return nil, nil, err
	}
	if ks.Version != "RMWKSv1" {
		return nil, nil, fmt.Errorf("crypto: keymgr: unsupported keystore version %q", ks.Version)
	}
	if ks.WrapAlg != "AES-256-KW" {
		return nil, nil, fmt.Errorf("crypto: keymgr: unsupported wrap_alg %q", ks.WrapAlg)
	}
	pub, err := hex.DecodeString(ks.PubkeyHex)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: keymgr: pubkey_hex: %w", err)
	}
	wrapped, err := hex.DecodeString(ks.WrappedSKHex)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: keymgr: wrapped_sk_hex: %w", err)
	}
	priv, err := AESKeyUnwrapRFC3394(kek[:], wrapped)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: keymgr: unwrap: %w", err)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, nil, errors.New("crypto: keymgr: unwrapped key has wrong size")
	}
	sk := ed25519.PrivateKey(priv)
	recovered := sk.Public().(ed25519.PublicKey)
	if !recovered.Equal(ed25519.PublicKey(pub)) {
		return nil, nil, errors.New("crypto: keymgr: recovered public key does not match pubkey_hex")
	}
	gotID := KeyID(recovered)
	if hex.EncodeToString(gotID[:]) != ks.KeyIDHex {
		return nil, nil, errors.New("crypto: keymgr: key_id mismatch")
	}
	return recovered, sk, nil
}
