package boardkey

import (
	"fmt"
	"strings"

	"github.com/Klingon-tech/klingnet-registry/pkg/crypto"
	"github.com/tyler-smith/go-bip39"
)

// Mnemonic encodes a key's 32 secret bytes as a 24-word BIP-39 phrase for
// paper backup.
func Mnemonic(key *crypto.PrivateKey) (string, error) {
	secret := key.Serialize()
	defer wipe(secret)
	words, err := bip39.NewMnemonic(secret)
	if err != nil {
		return "", fmt.Errorf("encode mnemonic: %w", err)
	}
	return words, nil
}

// FromMnemonic recovers a key from a phrase produced by Mnemonic.
func FromMnemonic(words string) (*crypto.PrivateKey, error) {
	words = strings.Join(strings.Fields(words), " ")
	if !bip39.IsMnemonicValid(words) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	secret, err := bip39.EntropyFromMnemonic(words)
	if err != nil {
		return nil, fmt.Errorf("decode mnemonic: %w", err)
	}
	defer wipe(secret)
	if len(secret) != 32 {
		return nil, fmt.Errorf("mnemonic encodes %d bytes, want 32", len(secret))
	}
	return crypto.PrivateKeyFromBytes(secret)
}
