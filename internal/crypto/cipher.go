package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Version tags ciphertexts written by this package. Stored in the row's
// security metadata so future key or scheme rotations can branch on it.
const Version = "1"

const (
	deriveTime    uint32 = 3
	deriveMemory  uint32 = 64 * 1024
	deriveThreads uint8  = 2
	keyLen        uint32 = 32
)

// keyDerivationSalt is fixed: the derived key must be stable across restarts
// so previously written rows stay readable.
var keyDerivationSalt = []byte("valora-integrations.credentials")

var errCiphertextTooShort = errors.New("crypto: ciphertext too short")

// Cipher encrypts and decrypts stored credential blobs.
type Cipher interface {
	Encrypt(plain []byte) ([]byte, error)
	Decrypt(blob []byte) ([]byte, error)
}

// AESCipher is the AES-256-GCM implementation, keyed via argon2id from the
// deployment's encryption secret. The nonce is prepended to the ciphertext.
type AESCipher struct {
	aead cipher.AEAD
}

var _ Cipher = (*AESCipher)(nil)

// NewAESCipher derives the data key from the secret and prepares the AEAD.
func NewAESCipher(secret string) (*AESCipher, error) {
	if secret == "" {
		return nil, fmt.Errorf("crypto: encryption secret is required")
	}
	key := argon2.IDKey([]byte(secret), keyDerivationSalt, deriveTime, deriveMemory, deriveThreads, keyLen)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return &AESCipher{aead: aead}, nil
}

// Encrypt seals the plaintext with a fresh random nonce.
func (c *AESCipher) Encrypt(plain []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plain, nil), nil
}

// Decrypt opens a blob produced by Encrypt.
func (c *AESCipher) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < c.aead.NonceSize() {
		return nil, errCiphertextTooShort
	}
	nonce, ciphertext := blob[:c.aead.NonceSize()], blob[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open ciphertext: %w", err)
	}
	return plain, nil
}
