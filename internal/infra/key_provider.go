package infra

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/eliteGoblin/clamsentry/internal/domain"
)

// keySize is the raw SQLCipher key length. The file holds it hex-encoded,
// the same form the ledger DSN passes to PRAGMA key.
const keySize = 32

// FileKeyProvider keeps the ledger key in a 0600 file next to the ledger.
type FileKeyProvider struct {
	keyPath string
}

// NewFileKeyProvider creates a FileKeyProvider backed by keyPath.
func NewFileKeyProvider(keyPath string) *FileKeyProvider {
	return &FileKeyProvider{keyPath: keyPath}
}

func (p *FileKeyProvider) GetKey() ([]byte, error) {
	data, err := os.ReadFile(p.keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger key %s: %w", p.keyPath, err)
	}
	return decodeKey(strings.TrimSpace(string(data)))
}

// StoreKey replaces the key file atomically so a crash never leaves half a key behind.
func (p *FileKeyProvider) StoreKey(key []byte) error {
	if err := checkKeySize(key); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.keyPath), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", p.keyPath, os.Getpid())
	if err := os.WriteFile(tmpPath, []byte(hex.EncodeToString(key)+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write ledger key: %w", err)
	}
	if err := os.Rename(tmpPath, p.keyPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to install ledger key: %w", err)
	}
	return nil
}

// KeyExists reports whether a key file is present. A stat error other than
// "not found" counts as present so EnsureKey surfaces it instead of
// replacing a key it cannot read.
func (p *FileKeyProvider) KeyExists() bool {
	_, err := os.Stat(p.keyPath)
	return !errors.Is(err, fs.ErrNotExist)
}

func decodeKey(encoded string) ([]byte, error) {
	key, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ledger key: %w", err)
	}
	if err := checkKeySize(key); err != nil {
		return nil, err
	}
	return key, nil
}

func checkKeySize(key []byte) error {
	if len(key) != keySize {
		return fmt.Errorf("invalid key size: got %d, want %d", len(key), keySize)
	}
	return nil
}

// GenerateKey returns a fresh random ledger key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate ledger key: %w", err)
	}
	return key, nil
}

// EnsureKey returns the stored key, creating one on first use.
// An unreadable key is an error: a new key would orphan the existing ledger.
func EnsureKey(provider domain.KeyProvider) ([]byte, error) {
	if provider.KeyExists() {
		return provider.GetKey()
	}
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := provider.StoreKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

var _ domain.KeyProvider = (*FileKeyProvider)(nil)
