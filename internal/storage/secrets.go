package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/argon2"
)

// Seed encryption errors.
var (
	ErrSeedNotFound  = errors.New("seed not found")
	ErrWrongPassword = errors.New("failed to decrypt seed, wrong password")
)

// Argon2id parameters for the seed encryption key.
const (
	seedKDFTime        = 3
	seedKDFMemory      = 64 * 1024
	seedKDFParallelism = 4
	seedKeyLen         = 32
	seedSaltLen        = 32
	seedVersion        = 1
)

// minPasswordLength guards against trivially weak seed passwords.
const minPasswordLength = 8

// StoreSeed encrypts a wallet seed with Argon2id + AES-256-GCM and
// stores it under the given name.
func (s *Storage) StoreSeed(name, seed, password string) error {
	if len(password) < minPasswordLength {
		return fmt.Errorf("password must be at least %d characters", minPasswordLength)
	}
	if seed == "" {
		return fmt.Errorf("seed is empty")
	}

	salt := make([]byte, seedSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, seedKDFTime, seedKDFMemory, seedKDFParallelism, seedKeyLen)
	defer zero(key)

	gcm, err := newGCM(key)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, []byte(seed), nil)

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO seeds (name, version, ciphertext, salt, nonce, kdf_time, kdf_memory, kdf_parallelism, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			version = excluded.version,
			ciphertext = excluded.ciphertext,
			salt = excluded.salt,
			nonce = excluded.nonce,
			kdf_time = excluded.kdf_time,
			kdf_memory = excluded.kdf_memory,
			kdf_parallelism = excluded.kdf_parallelism,
			updated_at = excluded.updated_at
	`, name, seedVersion, ciphertext, salt, nonce,
		seedKDFTime, seedKDFMemory, seedKDFParallelism, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store seed: %w", err)
	}
	return nil
}

// LoadSeed decrypts and returns the named wallet seed.
func (s *Storage) LoadSeed(name, password string) (string, error) {
	s.mu.RLock()
	var (
		ciphertext, salt, nonce []byte
		kdfTime, kdfMemory      uint32
		kdfParallelism          uint8
	)
	err := s.db.QueryRow(`
		SELECT ciphertext, salt, nonce, kdf_time, kdf_memory, kdf_parallelism
		FROM seeds WHERE name = ?
	`, name).Scan(&ciphertext, &salt, &nonce, &kdfTime, &kdfMemory, &kdfParallelism)
	s.mu.RUnlock()
	if isNoRows(err) {
		return "", ErrSeedNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load seed: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, kdfTime, kdfMemory, kdfParallelism, seedKeyLen)
	defer zero(key)

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrWrongPassword
	}
	return string(plaintext), nil
}

// HasSeed reports whether a seed is stored under the given name.
func (s *Storage) HasSeed(name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM seeds WHERE name = ?", name).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

func zero(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
