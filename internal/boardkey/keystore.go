// Package boardkey stores the verification board's signing keys on disk,
// each sealed under a passphrase.
package boardkey

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/Klingon-tech/klingnet-registry/pkg/crypto"
)

const fileVersion = 1

var (
	// ErrNotFound is returned when no key file exists for a name.
	ErrNotFound = errors.New("board key not found")
	// ErrExists is returned when creating a key under a name already in use.
	ErrExists = errors.New("board key already exists")
)

var validName = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// keyFile is the on-disk JSON form of one sealed key.
type keyFile struct {
	Version   int       `json:"version"`
	Name      string    `json:"name"`
	PublicKey string    `json:"public_key"`
	CreatedAt time.Time `json:"created_at"`
	Sealed    []byte    `json:"sealed"`
}

// Entry describes a stored key without unsealing it.
type Entry struct {
	Name      string    `json:"name"`
	PublicKey string    `json:"public_key"`
	CreatedAt time.Time `json:"created_at"`
}

// Keystore is a directory of sealed board keys, one <name>.key file each.
type Keystore struct {
	dir string
	kdf KDFParams
}

// Open returns a keystore rooted at dir, creating it if needed.
func Open(dir string, kdf KDFParams) (*Keystore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create keystore dir: %w", err)
	}
	return &Keystore{dir: dir, kdf: kdf}, nil
}

// Dir returns the keystore directory.
func (ks *Keystore) Dir() string { return ks.dir }

func (ks *Keystore) path(name string) string {
	return filepath.Join(ks.dir, name+".key")
}

// Generate creates a fresh key under name and seals it with passphrase.
func (ks *Keystore) Generate(name string, passphrase []byte) (*crypto.PrivateKey, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := ks.Import(name, key, passphrase); err != nil {
		key.Zero()
		return nil, err
	}
	return key, nil
}

// Import seals an existing key under name.
func (ks *Keystore) Import(name string, key *crypto.PrivateKey, passphrase []byte) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("invalid key name %q", name)
	}
	if len(passphrase) == 0 {
		return fmt.Errorf("passphrase must not be empty")
	}
	if _, err := os.Stat(ks.path(name)); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, name)
	}

	secret := key.Serialize()
	defer wipe(secret)
	sealed, err := seal(secret, passphrase, ks.kdf)
	if err != nil {
		return fmt.Errorf("seal key: %w", err)
	}
	return ks.write(name, &keyFile{
		Version:   fileVersion,
		Name:      name,
		PublicKey: key.PublicKeyHex(),
		CreatedAt: time.Now().UTC(),
		Sealed:    sealed,
	})
}

// Load unseals the key stored under name. Callers should Zero it when done.
func (ks *Keystore) Load(name string, passphrase []byte) (*crypto.PrivateKey, error) {
	kf, err := ks.read(name)
	if err != nil {
		return nil, err
	}
	secret, err := open(kf.Sealed, passphrase)
	if err != nil {
		return nil, err
	}
	defer wipe(secret)
	key, err := crypto.PrivateKeyFromBytes(secret)
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", name, err)
	}
	if key.PublicKeyHex() != kf.PublicKey {
		key.Zero()
		return nil, fmt.Errorf("key %s: public key mismatch", name)
	}
	return key, nil
}

// List returns every stored key sorted by name. No passphrase is needed.
func (ks *Keystore) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(ks.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read keystore dir: %w", err)
	}
	var out []Entry
	for _, de := range dirEntries {
		if de.IsDir() || filepath.Ext(de.Name()) != ".key" {
			continue
		}
		kf, err := ks.read(strings.TrimSuffix(de.Name(), ".key"))
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Name: kf.Name, PublicKey: kf.PublicKey, CreatedAt: kf.CreatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Delete removes the key stored under name.
func (ks *Keystore) Delete(name string) error {
	if err := os.Remove(ks.path(name)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("delete key: %w", err)
	}
	return nil
}

func (ks *Keystore) write(name string, kf *keyFile) error {
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("encode key file: %w", err)
	}
	tmp := ks.path(name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	if err := os.Rename(tmp, ks.path(name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

func (ks *Keystore) read(name string) (*keyFile, error) {
	if !validName.MatchString(name) {
		return nil, fmt.Errorf("invalid key name %q", name)
	}
	data, err := os.ReadFile(ks.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("decode key file %s: %w", name, err)
	}
	if kf.Version != fileVersion {
		return nil, fmt.Errorf("key file %s: unsupported version %d", name, kf.Version)
	}
	if _, err := hex.DecodeString(kf.PublicKey); err != nil {
		return nil, fmt.Errorf("key file %s: bad public key: %w", name, err)
	}
	return &kf, nil
}
