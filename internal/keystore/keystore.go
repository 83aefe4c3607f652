// Package keystore encrypts session private keys at rest.
//
// The encryption password is process-scoped, set once per app lifetime.
// Each record gets its own random salt and nonce, so two encryptions of the
// same key never produce related ciphertexts.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

const (
	saltLen = 16
	keyLen  = 32

	// Interactive-grade scrypt parameters; encryption happens once per
	// session creation, decryption once per recovery.
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

type Keystore struct {
	password []byte
}

func New(password string) (*Keystore, error) {
	if password == "" {
		return nil, fmt.Errorf("keystore password required")
	}
	return &Keystore{password: []byte(password)}, nil
}

// Encrypt seals plaintext with AES-256-GCM under a key derived from the
// process password and a fresh random salt. Returns ciphertext, salt and
// the GCM nonce (stored as the record IV).
func (k *Keystore) Encrypt(plaintext []byte) (ciphertext, salt, iv []byte, err error) {
	salt = make([]byte, saltLen)
	if _, err = io.ReadFull(rand.Reader, salt); err != nil {
		return nil, nil, nil, fmt.Errorf("read salt: %w", err)
	}

	gcm, err := k.aead(salt)
	if err != nil {
		return nil, nil, nil, err
	}

	iv = make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, nil, fmt.Errorf("read nonce: %w", err)
	}

	ciphertext = gcm.Seal(nil, iv, plaintext, nil)
	return ciphertext, salt, iv, nil
}

// Decrypt opens a record sealed by Encrypt. A wrong password or tampered
// record fails authentication.
func (k *Keystore) Decrypt(ciphertext, salt, iv []byte) ([]byte, error) {
	gcm, err := k.aead(salt)
	if err != nil {
		return nil, err
	}
	if len(iv) != gcm.NonceSize() {
		return nil, fmt.Errorf("bad nonce length %d", len(iv))
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt session key: %w", err)
	}
	return plaintext, nil
}

func (k *Keystore) aead(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(k.password, salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
