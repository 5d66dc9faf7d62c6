// Package security seals secrets at rest with a key derived from a master
// password.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keySize    = 32
	saltSize   = 16
	iterations = 100000
)

var ErrMalformed = errors.New("sealed value is malformed")

// CryptoManager encrypts with AES-GCM. Every sealed value carries its own
// salt, so values written by one process open in the next one.
type CryptoManager struct {
	password []byte

	mu   sync.Mutex
	keys map[string][]byte
}

func NewCryptoManager(password string) (*CryptoManager, error) {
	if password == "" {
		return nil, errors.New("master password cannot be empty")
	}
	return &CryptoManager{
		password: []byte(password),
		keys:     make(map[string][]byte),
	}, nil
}

func (cm *CryptoManager) key(salt []byte) []byte {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if k, ok := cm.keys[string(salt)]; ok {
		return k
	}
	k := pbkdf2.Key(cm.password, salt, iterations, keySize, sha256.New)
	cm.keys[string(salt)] = k
	return k
}

func (cm *CryptoManager) gcm(salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(cm.key(salt))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt returns base64(salt | nonce | ciphertext).
func (cm *CryptoManager) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	gcm, err := cm.gcm(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	out := append(salt, nonce...)
	out = gcm.Seal(out, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (cm *CryptoManager) Decrypt(sealed string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrMalformed
	}
	if len(data) < saltSize {
		return "", ErrMalformed
	}

	salt, rest := data[:saltSize], data[saltSize:]
	gcm, err := cm.gcm(salt)
	if err != nil {
		return "", err
	}
	if len(rest) < gcm.NonceSize() {
		return "", ErrMalformed
	}

	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
