// Package cryptoutil manages the kryptograf key bundle used to encrypt
// session records at rest.
package cryptoutil

import (
	"fmt"
	"os"

	"pkt.systems/kryptograf/keymgmt"

	"pkt.systems/checkoutd/internal/storage"
)

const (
	// RecordDescriptorName identifies the record descriptor inside a key bundle.
	RecordDescriptorName = "checkoutd/records"
	// RecordContext is the kryptograf context the record data key is bound to.
	RecordContext = "checkoutd-records"
)

// Material bundles the root key and descriptor required to encrypt records.
type Material struct {
	Root       keymgmt.RootKey
	Descriptor keymgmt.Descriptor
}

// CryptoConfig converts the material into a storage crypto configuration.
func (m Material) CryptoConfig() storage.CryptoConfig {
	return storage.CryptoConfig{
		Enabled:    true,
		RootKey:    m.Root,
		Descriptor: m.Descriptor,
		Context:    []byte(RecordContext),
	}
}

// GenerateBundle returns a fresh PEM bundle holding a root key and the
// record descriptor.
func GenerateBundle() ([]byte, Material, error) {
	return EnsureBundle(nil)
}

// EnsureBundle adds whatever key material is missing from existing and
// returns the (possibly updated) PEM bytes.
func EnsureBundle(existing []byte) ([]byte, Material, error) {
	var out []byte
	store, err := keymgmt.LoadPEMInto(existing, &out)
	if err != nil {
		return nil, Material{}, fmt.Errorf("load key bundle: %w", err)
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		return nil, Material{}, fmt.Errorf("ensure root key: %w", err)
	}
	mat, err := store.EnsureDescriptor(RecordDescriptorName, root, []byte(RecordContext))
	if err != nil {
		return nil, Material{}, fmt.Errorf("ensure record descriptor: %w", err)
	}
	desc := mat.Descriptor
	mat.Zero()
	if err := store.Commit(); err != nil {
		return nil, Material{}, fmt.Errorf("commit key bundle: %w", err)
	}
	if len(out) == 0 {
		out = existing
	}
	if len(out) == 0 {
		raw, err := store.Bytes()
		if err != nil {
			return nil, Material{}, fmt.Errorf("serialize key bundle: %w", err)
		}
		out = raw
	}
	return out, Material{Root: root, Descriptor: desc}, nil
}

// LoadFile reads record material from the PEM bundle at path.
func LoadFile(path string) (Material, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Material{}, fmt.Errorf("read key bundle: %w", err)
	}
	return LoadBytes(data)
}

// LoadBytes reads record material from PEM content.
func LoadBytes(data []byte) (Material, error) {
	store, err := keymgmt.LoadPEM(data)
	if err != nil {
		return Material{}, fmt.Errorf("load key bundle: %w", err)
	}
	root, ok, err := store.RootKey()
	if err != nil {
		return Material{}, fmt.Errorf("read bundle root key: %w", err)
	}
	if !ok {
		return Material{}, fmt.Errorf("bundle missing kryptograf root key")
	}
	desc, ok, err := store.Descriptor(RecordDescriptorName)
	if err != nil {
		return Material{}, fmt.Errorf("read bundle descriptor: %w", err)
	}
	if !ok {
		return Material{}, fmt.Errorf("bundle missing descriptor %q", RecordDescriptorName)
	}
	return Material{Root: root, Descriptor: desc}, nil
}
