package wireguard

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const KeyLen = 32

// Key is a curve25519 key as used by WireGuard, exchanged in base64 and
// handed to the device in hex.
type Key [KeyLen]byte

func ParseKey(b64 string) (Key, error) {
	var k Key
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return k, fmt.Errorf("invalid key: %w", err)
	}
	if len(raw) != KeyLen {
		return k, errors.New("keys must decode to exactly 32 bytes")
	}
	copy(k[:], raw)
	return k, nil
}

func GeneratePrivateKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return k, err
	}
	k[0] &= 248
	k[31] = (k[31] & 127) | 64
	return k, nil
}

func GeneratePresharedKey() (Key, error) {
	var k Key
	_, err := rand.Read(k[:])
	return k, err
}

// PublicKey derives the public half of a private key.
func (k Key) PublicKey() Key {
	var p Key
	curve25519.ScalarBaseMult((*[KeyLen]byte)(&p), (*[KeyLen]byte)(&k))
	return p
}

func (k Key) IsZero() bool {
	var zero Key
	return subtle.ConstantTimeCompare(zero[:], k[:]) == 1
}

func (k Key) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

func (k Key) Hex() string {
	return hex.EncodeToString(k[:])
}
