// Package secrets encrypts provider credentials before they are persisted.
//
// Envelopes have the form nonce.tag.ciphertext, each part encoded with
// unpadded URL-safe base64. The key is the SHA-256 digest of a configured
// secret, so rotating the secret invalidates every stored envelope.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/asimhafeezz/pm-agent-sub000/internal/apperror"
)

// Supported AEAD algorithms.
const (
	AlgorithmAESGCM            = "aes-256-gcm"
	AlgorithmXChaCha20Poly1305 = "xchacha20poly1305"
)

var encoding = base64.RawURLEncoding.Strict()

// Cipher encrypts and decrypts token envelopes. It is safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives a key from secret and builds the requested AEAD.
func NewCipher(secret, algorithm string) (*Cipher, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: encryption secret is empty", apperror.ErrConfiguration)
	}

	key := sha256.Sum256([]byte(secret))

	var (
		aead cipher.AEAD
		err  error
	)
	switch algorithm {
	case "", AlgorithmAESGCM:
		var block cipher.Block
		block, err = aes.NewCipher(key[:])
		if err == nil {
			aead, err = cipher.NewGCM(block)
		}
	case AlgorithmXChaCha20Poly1305:
		aead, err = chacha20poly1305.NewX(key[:])
	default:
		return nil, fmt.Errorf("%w: unsupported cipher %q", apperror.ErrConfiguration, algorithm)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperror.ErrConfiguration, err)
	}

	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	split := len(sealed) - c.aead.Overhead()
	ciphertext, tag := sealed[:split], sealed[split:]

	return strings.Join([]string{
		encoding.EncodeToString(nonce),
		encoding.EncodeToString(tag),
		encoding.EncodeToString(ciphertext),
	}, "."), nil
}

// Decrypt authenticates and opens an envelope produced by Encrypt. Any
// structural problem or authentication failure yields ErrDecryption and no
// plaintext.
func (c *Cipher) Decrypt(envelope string) (string, error) {
	parts := strings.Split(envelope, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("%w: malformed envelope", apperror.ErrDecryption)
	}

	nonce, err := encoding.DecodeString(parts[0])
	if err != nil || len(nonce) != c.aead.NonceSize() {
		return "", fmt.Errorf("%w: invalid nonce", apperror.ErrDecryption)
	}

	tag, err := encoding.DecodeString(parts[1])
	if err != nil || len(tag) != c.aead.Overhead() {
		return "", fmt.Errorf("%w: invalid authentication tag", apperror.ErrDecryption)
	}

	ciphertext, err := encoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext", apperror.ErrDecryption)
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", apperror.ErrDecryption)
	}

	return string(plaintext), nil
}
