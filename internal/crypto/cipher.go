// Package crypto encrypts provider credentials at rest. Ciphertexts are
// nonce-prefixed AES-GCM, stored base64-encoded.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// Cipher seals and opens small secrets with a static key.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from the configured encryption key. The key
// may be raw bytes, base64 or hex, and must decode to 16, 24 or 32 bytes.
func NewCipher(key string) (*Cipher, error) {
	material, err := parseKey(key)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(material)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext and returns a base64 ciphertext.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a base64 ciphertext produced by Encrypt.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	nonceSize := c.aead.NonceSize()
	if len(sealed) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// EncryptAll seals each entry of a credential list.
func (c *Cipher) EncryptAll(keys []string) ([]string, error) {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		enc, err := c.Encrypt(k)
		if err != nil {
			return nil, err
		}
		out = append(out, enc)
	}
	return out, nil
}

// DecryptAll opens each entry of a stored credential list.
func (c *Cipher) DecryptAll(encrypted []string) ([]string, error) {
	out := make([]string, 0, len(encrypted))
	for _, e := range encrypted {
		dec, err := c.Decrypt(e)
		if err != nil {
			return nil, err
		}
		out = append(out, dec)
	}
	return out, nil
}

func parseKey(key string) ([]byte, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("encryption key is required")
	}

	if decoded, err := hex.DecodeString(key); err == nil && validKeyLen(len(decoded)) {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(key); err == nil && validKeyLen(len(decoded)) {
		return decoded, nil
	}
	if validKeyLen(len(key)) {
		return []byte(key), nil
	}
	return nil, fmt.Errorf("encryption key must decode to 16, 24 or 32 bytes")
}

func validKeyLen(n int) bool { return n == 16 || n == 24 || n == 32 }
