package tiletree

import (
	"encoding/binary"
	gomath "math"
	"testing"
	"unsafe"

	"github.com/Faultbox/tilestream/pkg/math"
	"github.com/Faultbox/tilestream/pkg/tile"
)

func TestGeometryTileRecordLayout(t *testing.T) {
	var r GeometryTileRecord
	if size := unsafe.Sizeof(r); size != 48 {
		t.Fatalf("size = %d, want 48", size)
	}

	offsets := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"face", unsafe.Offsetof(r.Face), 0},
		{"lod", unsafe.Offsetof(r.LOD), 4},
		{"x", unsafe.Offsetof(r.X), 8},
		{"y", unsafe.Offsetof(r.Y), 12},
		{"view_distances", unsafe.Offsetof(r.ViewDistances), 16},
		{"blend", unsafe.Offsetof(r.Blend), 32},
		{"morph", unsafe.Offsetof(r.Morph), 36},
		{"resolved_lod", unsafe.Offsetof(r.ResolvedLOD), 40},
	}
	for _, o := range offsets {
		if o.got != o.want {
			t.Errorf("%s at %d, want %d", o.name, o.got, o.want)
		}
	}
	if size := binary.Size(r); size != 48 {
		t.Errorf("encoded size = %d, want 48", size)
	}
}

func TestSlotLookupAndSurfaceLayout(t *testing.T) {
	if size := unsafe.Sizeof(SlotLookupRecord{}); size != 32 {
		t.Errorf("SlotLookupRecord size = %d, want 32", size)
	}

	var s SurfaceRecord
	if size := unsafe.Sizeof(s); size != 16 {
		t.Errorf("SurfaceRecord size = %d, want 16", size)
	}
	if unsafe.Offsetof(s.Max) != 4 || unsafe.Offsetof(s.SourceLOD) != 8 {
		t.Errorf("SurfaceRecord offsets max=%d source_lod=%d", unsafe.Offsetof(s.Max), unsafe.Offsetof(s.SourceLOD))
	}
}

func TestTreeUniformRecordLayout(t *testing.T) {
	var r TreeUniformRecord
	if size := unsafe.Sizeof(r); size != 160 {
		t.Fatalf("size = %d, want 160", size)
	}

	offsets := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"grid_size", unsafe.Offsetof(r.GridSize), 8},
		{"vertices_per_tile", unsafe.Offsetof(r.VerticesPerTile), 16},
		{"morph_distance", unsafe.Offsetof(r.MorphDistance), 20},
		{"subdivision_distance", unsafe.Offsetof(r.SubdivisionDistance), 32},
		{"min_height", unsafe.Offsetof(r.MinHeight), 44},
		// vec3 must start on a 16-byte boundary.
		{"view_position", unsafe.Offsetof(r.ViewPosition), 48},
		{"max_height", unsafe.Offsetof(r.MaxHeight), 60},
		{"half_spaces", unsafe.Offsetof(r.HalfSpaces), 64},
	}
	for _, o := range offsets {
		if o.got != o.want {
			t.Errorf("%s at %d, want %d", o.name, o.got, o.want)
		}
		if o.name == "view_position" || o.name == "half_spaces" {
			if o.got%16 != 0 {
				t.Errorf("%s not 16-byte aligned", o.name)
			}
		}
	}
}

func TestEncodeView(t *testing.T) {
	v := &View{
		Entries: []ResolutionEntry{{
			Coordinate:    tile.Coordinate{Face: 2, LOD: 5, X: 3, Y: 7},
			Resolved:      tile.Coordinate{Face: 2, LOD: 4, X: 1, Y: 3},
			BlendFactor:   0.25,
			MorphFactor:   0.5,
			ViewDistances: [4]float64{1, 2, 3, 4},
		}},
		Lookup:  []SlotLookup{{4, 9, -1, -1, -1, -1, -1, -1}},
		Surface: []SurfaceApproximation{{Min: -2, Max: 8, SourceLOD: -1}},
		Uniform: TreeUniform{
			GeometryTileCount: 1,
			GridSize:          16,
			ViewPosition:      math.Vec3{X: 1, Y: 2, Z: 3},
		},
	}

	tiles := EncodeGeometryTiles(v)
	if len(tiles) != 48 {
		t.Fatalf("geometry tiles = %d bytes, want 48", len(tiles))
	}
	le := binary.LittleEndian
	if le.Uint32(tiles[0:]) != 2 || le.Uint32(tiles[4:]) != 5 || le.Uint32(tiles[8:]) != 3 || le.Uint32(tiles[12:]) != 7 {
		t.Error("coordinate fields misplaced")
	}
	if gomath.Float32frombits(le.Uint32(tiles[28:])) != 4 {
		t.Error("view_distances[3] misplaced")
	}
	if gomath.Float32frombits(le.Uint32(tiles[32:])) != 0.25 || gomath.Float32frombits(le.Uint32(tiles[36:])) != 0.5 {
		t.Error("blend/morph misplaced")
	}
	if le.Uint32(tiles[40:]) != 4 || le.Uint32(tiles[44:]) != 0 {
		t.Error("resolved_lod or padding wrong")
	}

	lookup := EncodeSlotLookup(v)
	if len(lookup) != 32 || le.Uint32(lookup[4:]) != 9 || le.Uint32(lookup[8:]) != NoSlot {
		t.Errorf("slot lookup encoding wrong: %v", lookup)
	}

	surface := EncodeSurface(v)
	if len(surface) != 16 || le.Uint32(surface[8:]) != NoSlot {
		t.Errorf("surface encoding wrong: %v", surface)
	}

	uniform := EncodeUniform(v)
	if len(uniform) != 160 {
		t.Fatalf("uniform = %d bytes, want 160", len(uniform))
	}
	if le.Uint32(uniform[12:]) != 36 || le.Uint32(uniform[16:]) != 2*16*18 {
		t.Error("vertex counts wrong")
	}
	if gomath.Float32frombits(le.Uint32(uniform[52:])) != 2 {
		t.Error("view position misplaced")
	}
}

func TestEncodeEmptyView(t *testing.T) {
	v := &View{}
	if n := len(EncodeGeometryTiles(v)); n != 0 {
		t.Errorf("empty view encoded %d bytes", n)
	}
}
