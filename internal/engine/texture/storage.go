// Package texture owns the texel storage behind atlas slots: one texture
// array per attachment, one layer per slot. The atlas uploads decoded tiles
// into it when it drains loader completions.
package texture

import (
	"fmt"
	"sync"

	"github.com/Faultbox/tilestream/pkg/tile"
)

// Storage receives decoded tiles. Implementations must be driven from the
// execution context that owns the underlying resources.
type Storage interface {
	// Upload replaces layer slot of attachment with levels, one buffer per
	// mip level.
	Upload(attachment, slot int, levels [][]byte) error
	// Release frees all layers.
	Release()
}

// MemoryStorage keeps layers in CPU memory. Headless drivers and tests use
// it in place of GPU textures.
type MemoryStorage struct {
	mu      sync.RWMutex
	descs   []tile.AttachmentDescriptor
	layers  [][][][]byte // [attachment][slot][level]
	uploads int
}

// NewMemoryStorage creates storage for slots layers of every attachment.
// Layers are allocated on first upload.
func NewMemoryStorage(descs []tile.AttachmentDescriptor, slots int) *MemoryStorage {
	layers := make([][][][]byte, len(descs))
	for i := range layers {
		layers[i] = make([][][]byte, slots)
	}
	return &MemoryStorage{descs: descs, layers: layers}
}

// Upload implements Storage.
func (s *MemoryStorage) Upload(attachment, slot int, levels [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if attachment < 0 || attachment >= len(s.layers) {
		return fmt.Errorf("attachment %d out of range", attachment)
	}
	if slot < 0 || slot >= len(s.layers[attachment]) {
		return fmt.Errorf("slot %d out of range", slot)
	}
	desc := s.descs[attachment]
	if len(levels) != int(desc.MipLevelCount) {
		return fmt.Errorf("attachment %s: got %d mip levels, want %d", desc.Label, len(levels), desc.MipLevelCount)
	}

	layer := s.layers[attachment][slot]
	if layer == nil {
		layer = make([][]byte, desc.MipLevelCount)
	}
	for level, data := range levels {
		if want := desc.LevelBytes(uint32(level)); len(data) != want {
			return fmt.Errorf("attachment %s mip %d: got %d bytes, want %d", desc.Label, level, len(data), want)
		}
		if layer[level] == nil {
			layer[level] = make([]byte, len(data))
		}
		copy(layer[level], data)
	}
	s.layers[attachment][slot] = layer
	s.uploads++
	return nil
}

// Layer returns the stored texels of one mip level, or nil if the slot was
// never written.
func (s *MemoryStorage) Layer(attachment, slot, level int) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	layer := s.layers[attachment][slot]
	if layer == nil {
		return nil
	}
	return layer[level]
}

// Uploads returns the number of successful uploads.
func (s *MemoryStorage) Uploads() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uploads
}

// Release implements Storage.
func (s *MemoryStorage) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.layers {
		for j := range s.layers[i] {
			s.layers[i][j] = nil
		}
	}
}
