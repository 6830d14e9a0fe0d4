// Package tile defines the quadtree node address and the per-channel
// attachment descriptors shared by the atlas, the loader and the tile tree.
package tile

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// Coordinate identifies one quadtree node: a face, a level of detail and the
// integer grid position of the node within that face at that level.
// LOD 0 is the coarsest level and holds a single node per face.
type Coordinate struct {
	Face uint32
	LOD  uint32
	X    uint32
	Y    uint32
}

// GridSize returns the number of nodes along one face edge at lod.
func GridSize(lod uint32) uint32 {
	return 1 << lod
}

// Root returns the LOD 0 node of face.
func Root(face uint32) Coordinate {
	return Coordinate{Face: face}
}

// Valid reports whether c lies inside the grid of its level on a terrain with
// faceCount faces.
func (c Coordinate) Valid(faceCount uint32) bool {
	if c.Face >= faceCount || c.LOD >= 32 {
		return false
	}
	n := GridSize(c.LOD)
	return c.X < n && c.Y < n
}

// IsRoot reports whether c is a LOD 0 node.
func (c Coordinate) IsRoot() bool {
	return c.LOD == 0
}

// Parent returns the node one level coarser that covers c.
// ok is false for root nodes.
func (c Coordinate) Parent() (parent Coordinate, ok bool) {
	if c.LOD == 0 {
		return c, false
	}
	return Coordinate{Face: c.Face, LOD: c.LOD - 1, X: c.X >> 1, Y: c.Y >> 1}, true
}

// Children returns the four nodes one level finer in the fixed order
// (0,0), (1,0), (0,1), (1,1) relative to 2*(x, y).
func (c Coordinate) Children() [4]Coordinate {
	x, y, lod := c.X<<1, c.Y<<1, c.LOD+1
	return [4]Coordinate{
		{Face: c.Face, LOD: lod, X: x, Y: y},
		{Face: c.Face, LOD: lod, X: x + 1, Y: y},
		{Face: c.Face, LOD: lod, X: x, Y: y + 1},
		{Face: c.Face, LOD: lod, X: x + 1, Y: y + 1},
	}
}

// ChildIndex returns the position of c within its parent's Children.
func (c Coordinate) ChildIndex() int {
	return int(c.X&1) | int(c.Y&1)<<1
}

// AncestorAt returns the node at the coarser level lod that covers c.
// lod values finer than c return c unchanged.
func (c Coordinate) AncestorAt(lod uint32) Coordinate {
	if lod >= c.LOD {
		return c
	}
	shift := c.LOD - lod
	return Coordinate{Face: c.Face, LOD: lod, X: c.X >> shift, Y: c.Y >> shift}
}

// IsAncestorOf reports whether c strictly covers other.
func (c Coordinate) IsAncestorOf(other Coordinate) bool {
	if c.Face != other.Face || c.LOD >= other.LOD {
		return false
	}
	return other.AncestorAt(c.LOD) == c
}

// Less orders coordinates coarse first, then by face, row and column.
// Admission uses it so that ancestors are always considered before their
// descendants.
func (c Coordinate) Less(other Coordinate) bool {
	if c.LOD != other.LOD {
		return c.LOD < other.LOD
	}
	if c.Face != other.Face {
		return c.Face < other.Face
	}
	if c.Y != other.Y {
		return c.Y < other.Y
	}
	return c.X < other.X
}

// UV returns the face-local extent of c in [0, 1]² as (u0, v0, u1, v1).
func (c Coordinate) UV() (u0, v0, u1, v1 float64) {
	n := float64(GridSize(c.LOD))
	return float64(c.X) / n, float64(c.Y) / n, float64(c.X+1) / n, float64(c.Y+1) / n
}

// String returns a compact form like "f0/l5/3_7".
func (c Coordinate) String() string {
	return fmt.Sprintf("f%d/l%d/%d_%d", c.Face, c.LOD, c.X, c.Y)
}

// MarshalLogObject lets coordinates be logged with zap.Object.
func (c Coordinate) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint32("face", c.Face)
	enc.AddUint32("lod", c.LOD)
	enc.AddUint32("x", c.X)
	enc.AddUint32("y", c.Y)
	return nil
}
