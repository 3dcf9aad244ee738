package memory_test

import (
	"testing"

	"pkt.systems/checkoutd/internal/storage/memory"
	"pkt.systems/checkoutd/internal/storage/storagetest"
)

func TestMemoryBackendConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storagetest.Backend {
		return memory.New()
	})
}
