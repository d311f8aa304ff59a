package debrid

import (
	"crypto/aes"
	"crypto/cipher"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// Crypter encrypts credential material that leaves the server inside URLs
// and stored configs. The key is derived from the deployment secret, so
// ciphertexts are only readable by the deployment that minted them.
type Crypter struct {
	aead cipher.AEAD
}

func NewCrypter(secret string) (*Crypter, error) {
	// Precondition check
	if secret == "" {
		return nil, errors.New("secret must not be empty")
	}

	// 32 bytes so that AES-256 is used
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("Couldn't create block cipher: %v", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("Couldn't create AES GCM: %v", err)
	}
	return &Crypter{aead: aead}, nil
}

// Encrypt seals the plaintext and returns it URL-safe Base64-encoded.
func (c *Crypter) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := crand.Read(nonce); err != nil {
		return "", fmt.Errorf("Couldn't create nonce: %v", err)
	}
	// The nonce is prepended so it doesn't need to be stored
	ciphertext := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(ciphertext), nil
}

// Decrypt is the inverse of Encrypt. Tampered or foreign ciphertexts fail
// GCM authentication and return an error.
func (c *Crypter) Decrypt(encoded string) ([]byte, error) {
	ciphertext, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("Couldn't decode ciphertext: %v", err)
	}
	nonceSize := c.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("ciphertext shorter than nonce")
	}
	plaintext, err := c.aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("Couldn't decrypt ciphertext: %v", err)
	}
	return plaintext, nil
}
