package a2a

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// encPrefix marks an encrypted authentication blob. Rows written before
// encryption was enabled carry plain JSON and are returned as-is.
const encPrefix = "enc:v1:"

// ErrNoCipher is returned when a push config carries authentication but no
// encryption key is configured.
var ErrNoCipher = errors.New("a2a: no push auth encryption key configured")

// Cipher encrypts push config authentication blobs at rest with AES-256-GCM.
// The stored form is "enc:v1:<iv-b64>:<tag-b64>:<ct-b64>".
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a cipher from the configured key material. An explicit
// push key is accepted as 32-byte base64, 32-byte hex, or any UTF-8 string
// of at least 32 bytes hashed down to the key size. Without one the admin
// key is hashed instead, with a warning. With neither the cipher is nil and
// auth-bearing push configs are refused.
func NewCipher(pushKey, adminKey string, log *slog.Logger) (*Cipher, error) {
	var key []byte
	switch {
	case pushKey != "":
		k, err := decodeKey(pushKey)
		if err != nil {
			return nil, fmt.Errorf("push auth encryption key: %w", err)
		}
		key = k
	case adminKey != "":
		h := sha256.Sum256([]byte(adminKey))
		key = h[:]
		log.Warn("push auth encryption key not set, deriving from admin key")
	default:
		return nil, nil
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

func decodeKey(raw string) ([]byte, error) {
	if k, err := base64.StdEncoding.DecodeString(raw); err == nil && len(k) == 32 {
		return k, nil
	}
	if k, err := hex.DecodeString(raw); err == nil && len(k) == 32 {
		return k, nil
	}
	if len(raw) >= 32 {
		h := sha256.Sum256([]byte(raw))
		return h[:], nil
	}
	return nil, errors.New("need 32-byte base64, 32-byte hex, or at least 32 UTF-8 bytes")
}

// Encrypt seals an authentication blob for storage. A nil cipher returns
// ErrNoCipher.
func (c *Cipher) Encrypt(raw json.RawMessage) (string, error) {
	if c == nil {
		return "", ErrNoCipher
	}
	iv := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nil, iv, raw, nil)
	// GCM appends the tag to the ciphertext; the wire format keeps them apart.
	tagAt := len(sealed) - c.aead.Overhead()
	ct, tag := sealed[:tagAt], sealed[tagAt:]

	b64 := base64.StdEncoding.EncodeToString
	return encPrefix + b64(iv) + ":" + b64(tag) + ":" + b64(ct), nil
}

// Decrypt opens a stored authentication blob. Values without the enc:v1:
// prefix predate encryption and pass through unchanged.
func (c *Cipher) Decrypt(stored string) (json.RawMessage, error) {
	if !strings.HasPrefix(stored, encPrefix) {
		return json.RawMessage(stored), nil
	}
	if c == nil {
		return nil, ErrNoCipher
	}
	parts := strings.Split(strings.TrimPrefix(stored, encPrefix), ":")
	if len(parts) != 3 {
		return nil, errors.New("a2a: malformed encrypted auth blob")
	}
	iv, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, err
	}
	tag, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, err
	}
	ct, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, err
	}
	plain, err := c.aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("a2a: decrypt auth blob: %w", err)
	}
	return plain, nil
}
