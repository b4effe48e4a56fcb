package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// FieldCipher seals individual column values with AES-256-GCM. Sealed values
// look like "v<version>:<base64(nonce|ciphertext)>" so rows written under an
// earlier key stay readable after rotation. A nil *FieldCipher passes values
// through unchanged.
type FieldCipher struct {
	current int
	keys    map[int]cipher.AEAD
}

func newAEAD(hexKey string) (cipher.AEAD, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("field cipher: key is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("field cipher: key must be 32 bytes (64 hex chars), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("field cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// NewFieldCipher returns a cipher sealing under hexKey as version. An empty
// key disables sealing and returns nil.
func NewFieldCipher(hexKey string, version int) (*FieldCipher, error) {
	if strings.TrimSpace(hexKey) == "" {
		return nil, nil
	}
	if version < 1 {
		return nil, fmt.Errorf("field cipher: key version must be positive, got %d", version)
	}
	aead, err := newAEAD(hexKey)
	if err != nil {
		return nil, err
	}
	return &FieldCipher{current: version, keys: map[int]cipher.AEAD{version: aead}}, nil
}

// AddPreviousKey registers a retired key that can still open old values.
func (c *FieldCipher) AddPreviousKey(hexKey string, version int) error {
	if version == c.current {
		return fmt.Errorf("field cipher: version %d is the current key", version)
	}
	aead, err := newAEAD(hexKey)
	if err != nil {
		return err
	}
	c.keys[version] = aead
	return nil
}

func (c *FieldCipher) Enabled() bool { return c != nil }

// Seal encrypts plain under the current key. Empty values stay empty.
func (c *FieldCipher) Seal(plain string) (string, error) {
	if c == nil || plain == "" {
		return plain, nil
	}
	aead := c.keys[c.current]
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("field cipher: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plain), nil)
	return "v" + strconv.Itoa(c.current) + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Values without a version prefix were stored before
// sealing was enabled and are returned as is.
func (c *FieldCipher) Open(value string) (string, error) {
	version, payload, ok := splitSealed(value)
	if !ok {
		return value, nil
	}
	if c == nil {
		return "", fmt.Errorf("field cipher: value sealed with key v%d but sealing is disabled", version)
	}
	aead, found := c.keys[version]
	if !found {
		return "", fmt.Errorf("field cipher: no key for version %d", version)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("field cipher: decode: %w", err)
	}
	if len(data) < aead.NonceSize() {
		return "", fmt.Errorf("field cipher: ciphertext too short")
	}
	plain, err := aead.Open(nil, data[:aead.NonceSize()], data[aead.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("field cipher: open: %w", err)
	}
	return string(plain), nil
}

// NeedsReseal reports whether value is plaintext or sealed under a retired key.
func (c *FieldCipher) NeedsReseal(value string) bool {
	if c == nil || value == "" {
		return false
	}
	version, _, ok := splitSealed(value)
	return !ok || version != c.current
}

func splitSealed(value string) (int, string, bool) {
	if !strings.HasPrefix(value, "v") {
		return 0, "", false
	}
	head, payload, found := strings.Cut(value[1:], ":")
	if !found {
		return 0, "", false
	}
	version, err := strconv.Atoi(head)
	if err != nil || version < 1 {
		return 0, "", false
	}
	return version, payload, true
}

// SealPtr and OpenPtr apply Seal and Open to optional columns.
func (c *FieldCipher) SealPtr(v *string) (*string, error) {
	if v == nil {
		return nil, nil
	}
	s, err := c.Seal(*v)
	return &s, err
}

func (c *FieldCipher) OpenPtr(v *string) (*string, error) {
	if v == nil {
		return nil, nil
	}
	s, err := c.Open(*v)
	return &s, err
}
