package boardkey

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrWrongPassphrase is returned when a sealed key does not open.
var ErrWrongPassphrase = errors.New("wrong passphrase or corrupted key file")

const (
	saltSize = 16
	// Sealed layout: salt(16) | memory(4) | time(4) | threads(1) | nonce(24) | ciphertext
	sealHeader = saltSize + 4 + 4 + 1
)

// KDFParams holds the Argon2id cost parameters stored with each sealed key.
type KDFParams struct {
	Memory  uint32 `json:"memory_kib"`
	Time    uint32 `json:"time"`
	Threads uint8  `json:"threads"`
}

// DefaultKDF returns the cost used for keys created by the CLI.
func DefaultKDF() KDFParams {
	return KDFParams{Memory: 64 * 1024, Time: 3, Threads: 4}
}

func (p KDFParams) derive(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, p.Time, p.Memory, p.Threads, chacha20poly1305.KeySize)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// seal encrypts secret under passphrase with XChaCha20-Poly1305 and an
// Argon2id-derived key.
func seal(secret, passphrase []byte, p KDFParams) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("salt: %w", err)
	}
	key := p.derive(passphrase, salt)
	defer wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	out := make([]byte, 0, sealHeader+len(nonce)+len(secret)+aead.Overhead())
	out = append(out, salt...)
	out = binary.BigEndian.AppendUint32(out, p.Memory)
	out = binary.BigEndian.AppendUint32(out, p.Time)
	out = append(out, p.Threads)
	out = append(out, nonce...)
	// The header is authenticated so cost parameters cannot be swapped.
	return aead.Seal(out, nonce, secret, out[:sealHeader]), nil
}

// open reverses seal.
func open(sealed, passphrase []byte) ([]byte, error) {
	if len(sealed) < sealHeader+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("sealed key too short: %d bytes", len(sealed))
	}
	p := KDFParams{
		Memory:  binary.BigEndian.Uint32(sealed[saltSize:]),
		Time:    binary.BigEndian.Uint32(sealed[saltSize+4:]),
		Threads: sealed[saltSize+8],
	}
	if p.Time == 0 || p.Threads == 0 {
		return nil, fmt.Errorf("sealed key has invalid kdf parameters")
	}
	key := p.derive(passphrase, sealed[:saltSize])
	defer wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	nonce := sealed[sealHeader : sealHeader+aead.NonceSize()]
	plain, err := aead.Open(nil, nonce, sealed[sealHeader+aead.NonceSize():], sealed[:sealHeader])
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return plain, nil
}
