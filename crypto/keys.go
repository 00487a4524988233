// Package crypto loads the signing key used by the write path.
package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrNoKey is returned when neither a keystore nor a raw key is configured.
var ErrNoKey = errors.New("crypto: no signing key configured")

// PrivateKey wraps a secp256k1 key.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the 32-byte scalar.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

// Address is the account the key signs for.
func (k *PrivateKey) Address() common.Address {
	return crypto.PubkeyToAddress(k.PrivateKey.PublicKey)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// PrivateKeyFromHex parses a 0x-prefixed or bare hex scalar.
func PrivateKeyFromHex(s string) (*PrivateKey, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	raw, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid hex key: %w", err)
	}
	return PrivateKeyFromBytes(raw)
}

// SignerSource describes where the signing key comes from. Keystore wins over
// KeyEnv when both are set.
type SignerSource struct {
	// Keystore is the path of a v3 keystore file.
	Keystore string
	// Passphrase decrypts Keystore.
	Passphrase string
	// KeyEnv names an environment variable holding a hex private key.
	KeyEnv string
}

// LoadSigner resolves src into a key. It returns ErrNoKey when src is empty so
// callers can fall back to read-only operation.
func LoadSigner(src SignerSource) (*PrivateKey, error) {
	if src.Keystore != "" {
		return LoadFromKeystore(src.Keystore, src.Passphrase)
	}
	if src.KeyEnv != "" {
		raw, ok := os.LookupEnv(src.KeyEnv)
		if !ok || strings.TrimSpace(raw) == "" {
			return nil, fmt.Errorf("crypto: %s is not set: %w", src.KeyEnv, ErrNoKey)
		}
		return PrivateKeyFromHex(raw)
	}
	return nil, ErrNoKey
}
