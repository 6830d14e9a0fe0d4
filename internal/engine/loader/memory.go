package loader

import (
	"context"
	"fmt"
	"io/fs"
	"sync"

	"github.com/Faultbox/tilestream/pkg/tile"
)

type memoryKey struct {
	label string
	coord tile.Coordinate
	level uint32
}

// MemoryStore is an in-memory Store. Levels that were never Put read as
// missing, and Fail makes every level of a tile return an error.
type MemoryStore struct {
	mu     sync.Mutex
	levels map[memoryKey][]byte
	errs   map[memoryKey]error
	reads  map[memoryKey]int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		levels: make(map[memoryKey][]byte),
		errs:   make(map[memoryKey]error),
		reads:  make(map[memoryKey]int),
	}
}

// Put stores the texels of one mip level.
func (s *MemoryStore) Put(label string, c tile.Coordinate, level uint32, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.levels[memoryKey{label, c, level}] = data
}

// Fail makes reads of the tile return err until Clear is called.
func (s *MemoryStore) Fail(label string, c tile.Coordinate, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[memoryKey{label, c, 0}] = err
}

// Clear removes any injected failure for the tile.
func (s *MemoryStore) Clear(label string, c tile.Coordinate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.errs, memoryKey{label, c, 0})
}

// Reads returns how many times level 0 of the tile was read.
func (s *MemoryStore) Reads(label string, c tile.Coordinate) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[memoryKey{label, c, 0}]
}

// ReadLevel implements Store.
func (s *MemoryStore) ReadLevel(ctx context.Context, desc tile.AttachmentDescriptor, c tile.Coordinate, level uint32) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := memoryKey{desc.Label, c, level}
	if level == 0 {
		s.reads[key]++
	}
	if err, ok := s.errs[memoryKey{desc.Label, c, 0}]; ok {
		return nil, err
	}
	data, ok := s.levels[key]
	if !ok {
		return nil, fmt.Errorf("%s/%s mip %d: %w", desc.Label, c, level, fs.ErrNotExist)
	}
	return data, nil
}
