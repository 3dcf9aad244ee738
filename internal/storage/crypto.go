package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
)

// CryptoConfig enables envelope encryption of record bodies.
type CryptoConfig struct {
	Enabled    bool
	RootKey    keymgmt.RootKey
	Descriptor keymgmt.Descriptor
	Context    []byte
}

// Crypto encrypts and decrypts record bodies with a single data key derived
// from the configured root key and descriptor. A nil *Crypto is valid and
// passes data through untouched.
type Crypto struct {
	kg       kryptograf.Kryptograf
	material kryptograf.Material
}

// NewCrypto returns nil when encryption is disabled.
func NewCrypto(cfg CryptoConfig) (*Crypto, error) {
	const chunkSize = 8 * 1024
	if !cfg.Enabled {
		return nil, nil
	}
	if len(cfg.Context) == 0 {
		return nil, fmt.Errorf("storage crypto: context required when encryption enabled")
	}
	if cfg.Descriptor == (keymgmt.Descriptor{}) {
		return nil, fmt.Errorf("storage crypto: descriptor required when encryption enabled")
	}
	if cfg.RootKey == (keymgmt.RootKey{}) {
		return nil, fmt.Errorf("storage crypto: root key required when encryption enabled")
	}
	kg := kryptograf.New(cfg.RootKey).WithChunkSize(chunkSize)
	mat, err := kg.ReconstructDEK(cfg.Context, cfg.Descriptor)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: reconstruct data key: %w", err)
	}
	return &Crypto{kg: kg, material: mat}, nil
}

// Enabled reports whether bodies are encrypted.
func (c *Crypto) Enabled() bool {
	return c != nil
}

// Encrypt seals plaintext.
func (c *Crypto) Encrypt(plaintext []byte) ([]byte, error) {
	if !c.Enabled() {
		return plaintext, nil
	}
	var buf bytes.Buffer
	buf.Grow(len(plaintext) + 256)
	w, err := c.kg.EncryptWriter(&buf, c.material)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: encrypt: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		w.Close()
		return nil, fmt.Errorf("storage crypto: encrypt write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("storage crypto: encrypt close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decrypt opens ciphertext produced by Encrypt.
func (c *Crypto) Decrypt(ciphertext []byte) ([]byte, error) {
	if !c.Enabled() {
		return ciphertext, nil
	}
	r, err := c.kg.DecryptReader(bytes.NewReader(ciphertext), c.material)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: decrypt: %w", err)
	}
	defer r.Close()
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: decrypt read: %w", err)
	}
	return plaintext, nil
}

// MarshalRecord encodes v as JSON and encrypts it when crypto is enabled.
func MarshalRecord(v any, crypto *Crypto) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("storage: encode record: %w", err)
	}
	return crypto.Encrypt(payload)
}

// UnmarshalRecord reverses MarshalRecord.
func UnmarshalRecord(body []byte, crypto *Crypto, v any) error {
	payload, err := crypto.Decrypt(body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("storage: decode record: %w", err)
	}
	return nil
}
