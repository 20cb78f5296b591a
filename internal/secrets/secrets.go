// Package secrets stores provider credentials encrypted at rest using
// ChaCha20-Poly1305 AEAD.
package secrets

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

const encPrefix = "enc:"

// ErrSecretNotFound is returned when a vault has no value for a name.
var ErrSecretNotFound = errors.New("secrets: not found")

// Vault resolves named credentials. Implementations must be safe for
// concurrent use.
type Vault interface {
	GetSecret(name string) (string, error)
	SaveSecret(name, value string) error
	DeleteSecret(name string) error
}

// EnvVault resolves secrets from environment variables, uppercasing the
// name (anthropic_api_key -> ANTHROPIC_API_KEY).
type EnvVault struct{}

// GetSecret implements Vault.
func (EnvVault) GetSecret(name string) (string, error) {
	if v := os.Getenv(strings.ToUpper(name)); v != "" {
		return v, nil
	}
	return "", ErrSecretNotFound
}

// SaveSecret implements Vault. Environment variables are read-only here.
func (EnvVault) SaveSecret(string, string) error {
	return errors.New("secrets: env vault is read-only")
}

// DeleteSecret implements Vault.
func (EnvVault) DeleteSecret(string) error {
	return errors.New("secrets: env vault is read-only")
}

// FileVault keeps secrets in a JSON file, each value encrypted with a key
// stored beside it. The key file holds 64 hex characters (32 bytes) with
// 0600 permissions.
type FileVault struct {
	mu        sync.Mutex
	key       [32]byte
	storePath string
}

// NewFileVault loads an existing key or generates one at keyPath, and
// binds the vault to storePath for its encrypted values.
func NewFileVault(keyPath, storePath string) (*FileVault, error) {
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o755); err != nil {
		return nil, fmt.Errorf("secrets: create key directory: %w", err)
	}

	v := &FileVault{storePath: storePath}

	data, err := os.ReadFile(keyPath)
	switch {
	case err == nil:
		decoded, decodeErr := hex.DecodeString(strings.TrimSpace(string(data)))
		if decodeErr != nil || len(decoded) != 32 {
			return nil, errors.New("secrets: invalid key file (expected 64 hex characters)")
		}
		copy(v.key[:], decoded)
	case os.IsNotExist(err):
		if _, randErr := rand.Read(v.key[:]); randErr != nil {
			return nil, fmt.Errorf("secrets: generate key: %w", randErr)
		}
		encoded := hex.EncodeToString(v.key[:])
		if writeErr := os.WriteFile(keyPath, []byte(encoded), 0o600); writeErr != nil {
			return nil, fmt.Errorf("secrets: write key file: %w", writeErr)
		}
	default:
		return nil, fmt.Errorf("secrets: read key file: %w", err)
	}

	return v, nil
}

// GetSecret implements Vault.
func (v *FileVault) GetSecret(name string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	values, err := v.load()
	if err != nil {
		return "", err
	}
	stored, ok := values[name]
	if !ok {
		return "", ErrSecretNotFound
	}
	return v.decrypt(stored)
}

// SaveSecret implements Vault.
func (v *FileVault) SaveSecret(name, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	values, err := v.load()
	if err != nil {
		return err
	}
	encrypted, err := v.encrypt(value)
	if err != nil {
		return err
	}
	values[name] = encrypted
	return v.save(values)
}

// DeleteSecret implements Vault.
func (v *FileVault) DeleteSecret(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	values, err := v.load()
	if err != nil {
		return err
	}
	if _, ok := values[name]; !ok {
		return ErrSecretNotFound
	}
	delete(values, name)
	return v.save(values)
}

func (v *FileVault) load() (map[string]string, error) {
	data, err := os.ReadFile(v.storePath)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("secrets: read store: %w", err)
	}
	values := map[string]string{}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("secrets: parse store: %w", err)
	}
	return values, nil
}

func (v *FileVault) save(values map[string]string) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("secrets: serialize store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(v.storePath), 0o755); err != nil {
		return fmt.Errorf("secrets: create store directory: %w", err)
	}
	if err := os.WriteFile(v.storePath, data, 0o600); err != nil {
		return fmt.Errorf("secrets: write store: %w", err)
	}
	return nil
}

// encrypt returns "enc:" + hex(nonce || ciphertext || tag). Empty and
// already-encrypted values pass through unchanged.
func (v *FileVault) encrypt(plaintext string) (string, error) {
	if plaintext == "" || strings.HasPrefix(plaintext, encPrefix) {
		return plaintext, nil
	}

	aead, err := chacha20poly1305.NewX(v.key[:])
	if err != nil {
		return "", fmt.Errorf("secrets: create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secrets: generate nonce: %w", err)
	}
	ciphertext := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + hex.EncodeToString(ciphertext), nil
}

// decrypt strips the "enc:" prefix, hex-decodes, and decrypts. Plaintext
// values pass through unchanged.
func (v *FileVault) decrypt(stored string) (string, error) {
	if !strings.HasPrefix(stored, encPrefix) {
		return stored, nil
	}

	raw, err := hex.DecodeString(stored[len(encPrefix):])
	if err != nil {
		return "", fmt.Errorf("secrets: hex decode: %w", err)
	}
	aead, err := chacha20poly1305.NewX(v.key[:])
	if err != nil {
		return "", fmt.Errorf("secrets: create cipher: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return "", errors.New("secrets: ciphertext too short")
	}
	plaintext, err := aead.Open(nil, raw[:aead.NonceSize()], raw[aead.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("secrets: decrypt: %w", err)
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether a value carries the "enc:" prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encPrefix)
}

// Chain tries vaults in order, returning the first hit. Writes go to the
// first vault.
type Chain []Vault

// GetSecret implements Vault.
func (c Chain) GetSecret(name string) (string, error) {
	for _, v := range c {
		value, err := v.GetSecret(name)
		if err == nil {
			return value, nil
		}
		if !errors.Is(err, ErrSecretNotFound) {
			return "", err
		}
	}
	return "", ErrSecretNotFound
}

// SaveSecret implements Vault.
func (c Chain) SaveSecret(name, value string) error {
	if len(c) == 0 {
		return errors.New("secrets: empty chain")
	}
	return c[0].SaveSecret(name, value)
}

// DeleteSecret implements Vault.
func (c Chain) DeleteSecret(name string) error {
	if len(c) == 0 {
		return errors.New("secrets: empty chain")
	}
	return c[0].DeleteSecret(name)
}
