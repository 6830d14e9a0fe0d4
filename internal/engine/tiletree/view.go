package tiletree

import (
	"github.com/Faultbox/tilestream/pkg/math"
	"github.com/Faultbox/tilestream/pkg/tile"
)

// ResolutionEntry maps a selected node to the slot that will be drawn for it.
type ResolutionEntry struct {
	// Coordinate is the selected node.
	Coordinate tile.Coordinate
	// Resolved is Coordinate or the ancestor whose tiles are drawn instead.
	Resolved tile.Coordinate
	// Slot is the slot of Resolved in the first attachment.
	Slot int

	MorphFactor float64
	BlendFactor float64

	// Distance is the observer distance to the node's bounds; ViewDistances
	// are the distances to its corners in (u0,v0), (u1,v0), (u0,v1), (u1,v1)
	// order.
	Distance      float64
	ViewDistances [4]float64
}

// ResolvedLOD returns the level of the tile actually drawn.
func (e ResolutionEntry) ResolvedLOD() uint32 { return e.Resolved.LOD }

// Exact reports whether the node is drawn with its own tiles.
func (e ResolutionEntry) Exact() bool { return e.Resolved == e.Coordinate }

// SlotLookup holds the slot of a resolved tile in every attachment, -1 past
// the attachment count.
type SlotLookup [tile.MaxAttachments]int

// SurfaceApproximation is a conservative height interval for a node.
// SourceLOD is the level of the height tile it was derived from, or -1 when
// it is the configured terrain range.
type SurfaceApproximation struct {
	Min       float64
	Max       float64
	SourceLOD int
}

// NodeSurface is the surface approximation of one traversed node.
type NodeSurface struct {
	Coordinate tile.Coordinate
	SurfaceApproximation
}

// TreeUniform carries the tree-wide values the render stage needs. Distances
// are in multiples of the tile size.
type TreeUniform struct {
	GeometryTileCount   uint32
	LODCount            uint32
	GridSize            uint32
	MorphDistance       float64
	BlendDistance       float64
	LoadDistance        float64
	SubdivisionDistance float64
	MinHeight           float64
	MaxHeight           float64
	ViewPosition        math.Vec3
	HalfSpaces          [6]math.Vec4
}

// View is everything a tree publishes for one frame. It is replaced as a
// whole every frame and never mutated after publication.
type View struct {
	Frame uint64

	// Entries, Lookup and Surface are parallel slices in traversal order,
	// so the four children of a node are adjacent.
	Entries []ResolutionEntry
	Lookup  []SlotLookup
	Surface []SurfaceApproximation

	// Traversed holds the surface of every node visited by the traversal,
	// selected or not, in depth-first order starting at each face root.
	Traversed []NodeSurface

	Uniform TreeUniform

	// Fallbacks counts entries drawn with an ancestor's tiles; Omitted
	// counts selected nodes with no loaded ancestor at all.
	Fallbacks int
	Omitted   int
	// Ready is set once every selected node has something to draw.
	Ready bool
}
