package texture

import (
	"bytes"
	"testing"

	"github.com/Faultbox/tilestream/pkg/tile"
)

func testDescriptors() []tile.AttachmentDescriptor {
	return []tile.AttachmentDescriptor{
		{Label: "height", Format: tile.FormatR16U, TextureSize: 4, MipLevelCount: 2},
		{Label: "albedo", Format: tile.FormatRgb8U, TextureSize: 2, MipLevelCount: 1},
	}
}

func TestMemoryStorageUpload(t *testing.T) {
	s := NewMemoryStorage(testDescriptors(), 3)

	if s.Layer(0, 1, 0) != nil {
		t.Fatal("unwritten layer should be nil")
	}

	base := bytes.Repeat([]byte{7}, 4*4*2)
	mip := bytes.Repeat([]byte{9}, 2*2*2)
	if err := s.Upload(0, 1, [][]byte{base, mip}); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if !bytes.Equal(s.Layer(0, 1, 0), base) {
		t.Error("level 0 not stored")
	}
	if !bytes.Equal(s.Layer(0, 1, 1), mip) {
		t.Error("level 1 not stored")
	}
	if s.Uploads() != 1 {
		t.Errorf("Uploads() = %d, want 1", s.Uploads())
	}

	// Storage keeps its own copy.
	base[0] = 0
	if s.Layer(0, 1, 0)[0] != 7 {
		t.Error("layer aliases caller buffer")
	}
}

func TestMemoryStorageRejects(t *testing.T) {
	s := NewMemoryStorage(testDescriptors(), 2)

	tests := []struct {
		name       string
		attachment int
		slot       int
		levels     [][]byte
	}{
		{"attachment out of range", 2, 0, [][]byte{make([]byte, 12)}},
		{"slot out of range", 1, 2, [][]byte{make([]byte, 12)}},
		{"missing mip", 0, 0, [][]byte{make([]byte, 32)}},
		{"wrong size", 1, 0, [][]byte{make([]byte, 11)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Upload(tt.attachment, tt.slot, tt.levels); err == nil {
				t.Error("expected error")
			}
		})
	}
	if s.Uploads() != 0 {
		t.Errorf("Uploads() = %d, want 0", s.Uploads())
	}
}

func TestMemoryStorageRelease(t *testing.T) {
	s := NewMemoryStorage(testDescriptors(), 1)
	if err := s.Upload(1, 0, [][]byte{make([]byte, 12)}); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	s.Release()
	if s.Layer(1, 0, 0) != nil {
		t.Error("layer survived Release")
	}
}

func TestGLFormatOf(t *testing.T) {
	for _, f := range []tile.AttachmentFormat{
		tile.FormatRgb8U, tile.FormatRgba8U, tile.FormatR16U,
		tile.FormatR16I, tile.FormatRg16U, tile.FormatR32F,
	} {
		if _, err := glFormatOf(f); err != nil {
			t.Errorf("glFormatOf(%s): %v", f, err)
		}
	}
	if _, err := glFormatOf(tile.AttachmentFormat(200)); err == nil {
		t.Error("expected error for unknown format")
	}
}
