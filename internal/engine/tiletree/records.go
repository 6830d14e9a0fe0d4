package tiletree

import (
	"encoding/binary"

	"github.com/Faultbox/tilestream/pkg/tile"
)

// GPU records use std430 layout with little-endian scalars. Every field is a
// 4-byte scalar or an array of them, so the Go struct layout and the encoded
// layout coincide.

// NoSlot marks an attachment without a slot in a SlotLookupRecord.
const NoSlot = 0xFFFFFFFF

// GeometryTileRecord is one ResolutionEntry (48 bytes).
//
//	offset  field
//	0       face           u32
//	4       lod            u32
//	8       x              u32
//	12      y              u32
//	16      view_distances [4]f32
//	32      blend          f32
//	36      morph          f32
//	40      resolved_lod   u32
//	44      padding
type GeometryTileRecord struct {
	Face          uint32
	LOD           uint32
	X             uint32
	Y             uint32
	ViewDistances [4]float32
	Blend         float32
	Morph         float32
	ResolvedLOD   uint32
	_             uint32
}

// SlotLookupRecord holds the slot of every attachment (32 bytes).
type SlotLookupRecord struct {
	Slots [tile.MaxAttachments]uint32
}

// SurfaceRecord is one SurfaceApproximation (16 bytes).
//
//	0   min        f32
//	4   max        f32
//	8   source_lod u32 (NoSlot when derived from the terrain range)
//	12  padding
type SurfaceRecord struct {
	Min       float32
	Max       float32
	SourceLOD uint32
	_         uint32
}

// TreeUniformRecord is the uniform block of a tree (160 bytes).
//
//	0    geometry_tile_count  u32
//	4    lod_count            u32
//	8    grid_size            f32
//	12   vertices_per_row     u32
//	16   vertices_per_tile    u32
//	20   morph_distance       f32
//	24   blend_distance       f32
//	28   load_distance        f32
//	32   subdivision_distance f32
//	36   morph_range          f32
//	40   blend_range          f32
//	44   min_height           f32
//	48   view_position        vec3<f32>
//	60   max_height           f32
//	64   half_spaces          [6]vec4<f32>
type TreeUniformRecord struct {
	GeometryTileCount   uint32
	LODCount            uint32
	GridSize            float32
	VerticesPerRow      uint32
	VerticesPerTile     uint32
	MorphDistance       float32
	BlendDistance       float32
	LoadDistance        float32
	SubdivisionDistance float32
	MorphRange          float32
	BlendRange          float32
	MinHeight           float32
	ViewPosition        [3]float32
	MaxHeight           float32
	HalfSpaces          [6][4]float32
}

// Record converts the entry.
func (e ResolutionEntry) Record() GeometryTileRecord {
	r := GeometryTileRecord{
		Face:        e.Coordinate.Face,
		LOD:         e.Coordinate.LOD,
		X:           e.Coordinate.X,
		Y:           e.Coordinate.Y,
		Blend:       float32(e.BlendFactor),
		Morph:       float32(e.MorphFactor),
		ResolvedLOD: e.Resolved.LOD,
	}
	for i, d := range e.ViewDistances {
		r.ViewDistances[i] = float32(d)
	}
	return r
}

// Record converts the lookup.
func (l SlotLookup) Record() SlotLookupRecord {
	var r SlotLookupRecord
	for i, slot := range l {
		if slot < 0 {
			r.Slots[i] = NoSlot
		} else {
			r.Slots[i] = uint32(slot)
		}
	}
	return r
}

// Record converts the approximation.
func (s SurfaceApproximation) Record() SurfaceRecord {
	r := SurfaceRecord{Min: float32(s.Min), Max: float32(s.Max), SourceLOD: NoSlot}
	if s.SourceLOD >= 0 {
		r.SourceLOD = uint32(s.SourceLOD)
	}
	return r
}

// Record converts the uniform.
func (u TreeUniform) Record() TreeUniformRecord {
	r := TreeUniformRecord{
		GeometryTileCount:   u.GeometryTileCount,
		LODCount:            u.LODCount,
		GridSize:            float32(u.GridSize),
		VerticesPerRow:      2 * (u.GridSize + 2),
		VerticesPerTile:     2 * u.GridSize * (u.GridSize + 2),
		MorphDistance:       float32(u.MorphDistance),
		BlendDistance:       float32(u.BlendDistance),
		LoadDistance:        float32(u.LoadDistance),
		SubdivisionDistance: float32(u.SubdivisionDistance),
		MorphRange:          float32(u.MorphDistance - u.SubdivisionDistance),
		BlendRange:          float32(u.BlendDistance - u.SubdivisionDistance),
		MinHeight:           float32(u.MinHeight),
		ViewPosition:        u.ViewPosition.Float32(),
		MaxHeight:           float32(u.MaxHeight),
	}
	for i, p := range u.HalfSpaces {
		r.HalfSpaces[i] = p.Float32()
	}
	return r
}

// EncodeGeometryTiles encodes the entries of v as GeometryTileRecords.
func EncodeGeometryTiles(v *View) []byte {
	records := make([]GeometryTileRecord, len(v.Entries))
	for i, e := range v.Entries {
		records[i] = e.Record()
	}
	return encode(records)
}

// EncodeSlotLookup encodes the slot lookups of v.
func EncodeSlotLookup(v *View) []byte {
	records := make([]SlotLookupRecord, len(v.Lookup))
	for i, l := range v.Lookup {
		records[i] = l.Record()
	}
	return encode(records)
}

// EncodeSurface encodes the surface approximations of v.
func EncodeSurface(v *View) []byte {
	records := make([]SurfaceRecord, len(v.Surface))
	for i, s := range v.Surface {
		records[i] = s.Record()
	}
	return encode(records)
}

// EncodeUniform encodes the tree uniform of v.
func EncodeUniform(v *View) []byte {
	return encode(v.Uniform.Record())
}

func encode(data any) []byte {
	out, err := binary.Append(nil, binary.LittleEndian, data)
	if err != nil {
		// Records are fixed-size by construction.
		panic(err)
	}
	return out
}
