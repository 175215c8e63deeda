package creds

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sethvargo/go-password/password"
	"github.com/spf13/afero"
)

const keySize = 32 // AES-256

// Store encrypts and decrypts host credentials with AES-256-GCM.
// Plaintext passwords exist only transiently while dialing a host.
type Store struct {
	key []byte
}

// New creates a credential store with the given 32-byte key.
func New(key []byte) (*Store, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("encryption key must be %d bytes for AES-256, got %d", keySize, len(key))
	}
	return &Store{key: key}, nil
}

// LoadKeyFile reads the master key from path, generating one with mode
// 0600 on first boot. A key file with group or world permissions is
// rejected.
func LoadKeyFile(fs afero.Fs, path string) ([]byte, error) {
	info, err := fs.Stat(path)
	if os.IsNotExist(err) {
		return generateKeyFile(fs, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat key file: %w", err)
	}

	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return nil, fmt.Errorf("key file %s has mode %04o, want 0600", path, perm)
	}

	key, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("key file %s holds %d bytes, want %d", path, len(key), keySize)
	}
	return key, nil
}

func generateKeyFile(fs afero.Fs, path string) ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	if err := fs.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := afero.WriteFile(fs, path, key, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext with AES-256-GCM, nonce prepended.
func (s *Store) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty data")
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens data sealed by Encrypt. Authentication failure is an
// error; a tampered ciphertext never yields plaintext.
func (s *Store) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("cannot decrypt empty data")
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// GeneratePassword derives a fresh per-installation secret, used for
// database and cache users created during service installs.
func GeneratePassword() (string, error) {
	// 24 chars, 6 digits, no symbols (must survive shell and config files
	// unquoted), mixed case, no repeats.
	return password.Generate(24, 6, 0, false, false)
}
