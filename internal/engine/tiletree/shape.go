package tiletree

import (
	"fmt"
	gomath "math"

	"gopkg.in/yaml.v3"

	"github.com/Faultbox/tilestream/pkg/math"
	"github.com/Faultbox/tilestream/pkg/tile"
)

// Shape maps face-local tile coordinates to world space.
type Shape interface {
	// FaceCount returns the number of quadtree roots.
	FaceCount() uint32
	// TileSize returns the world-space edge length of a tile at lod.
	TileSize(lod uint32) float64
	// FacePoint returns the world position of face-local (u, v) lifted by
	// height along the surface normal.
	FacePoint(face uint32, u, v, height float64) math.Vec3
	// NodeBounds returns a box enclosing the surface of c for heights in
	// [minHeight, maxHeight].
	NodeBounds(c tile.Coordinate, minHeight, maxHeight float64) math.AABB
}

// Plane is a flat square terrain of SideLength centred on the origin in the
// XZ plane, with Y up.
type Plane struct {
	SideLength float64
}

func (p Plane) FaceCount() uint32 { return 1 }

func (p Plane) TileSize(lod uint32) float64 {
	return p.SideLength / float64(tile.GridSize(lod))
}

func (p Plane) FacePoint(_ uint32, u, v, height float64) math.Vec3 {
	return math.Vec3{X: (u - 0.5) * p.SideLength, Y: height, Z: (v - 0.5) * p.SideLength}
}

func (p Plane) NodeBounds(c tile.Coordinate, minHeight, maxHeight float64) math.AABB {
	u0, v0, u1, v1 := c.UV()
	return math.EmptyAABB().
		Extend(p.FacePoint(c.Face, u0, v0, minHeight)).
		Extend(p.FacePoint(c.Face, u1, v1, maxHeight))
}

// Sphere is a cube-sphere planet with six faces.
type Sphere struct {
	Radius float64
}

// cubeFaces holds the normal, u axis and v axis of each cube face.
var cubeFaces = [6][3]math.Vec3{
	{{X: 1}, {Z: -1}, {Y: -1}},
	{{X: -1}, {Z: 1}, {Y: -1}},
	{{Y: 1}, {X: 1}, {Z: 1}},
	{{Y: -1}, {X: 1}, {Z: -1}},
	{{Z: 1}, {X: 1}, {Y: -1}},
	{{Z: -1}, {X: -1}, {Y: -1}},
}

func (s Sphere) FaceCount() uint32 { return 6 }

// TileSize approximates the arc length of a tile edge; a whole face spans a
// quarter great circle.
func (s Sphere) TileSize(lod uint32) float64 {
	return s.Radius * gomath.Pi / 2 / float64(tile.GridSize(lod))
}

func (s Sphere) FacePoint(face uint32, u, v, height float64) math.Vec3 {
	axes := cubeFaces[face%6]
	dir := axes[0].
		Add(axes[1].Scale(2*u - 1)).
		Add(axes[2].Scale(2*v - 1)).
		Normalize()
	return dir.Scale(s.Radius + height)
}

func (s Sphere) NodeBounds(c tile.Coordinate, minHeight, maxHeight float64) math.AABB {
	u0, v0, u1, v1 := c.UV()
	box := math.EmptyAABB()
	for j := 0; j <= 2; j++ {
		for i := 0; i <= 2; i++ {
			u := u0 + (u1-u0)*float64(i)/2
			v := v0 + (v1-v0)*float64(j)/2
			box = box.Extend(s.FacePoint(c.Face, u, v, minHeight))
			box = box.Extend(s.FacePoint(c.Face, u, v, maxHeight))
		}
	}

	// The surface bulges past the chords between samples. A tile spans at
	// most 2/2^lod radians, so samples are at most 1/2^lod apart.
	spacing := 1 / float64(tile.GridSize(c.LOD))
	pad := (s.Radius + maxHeight) * (1 - gomath.Cos(spacing/2))
	box.Min = box.Min.Sub(math.Vec3{X: pad, Y: pad, Z: pad})
	box.Max = box.Max.Add(math.Vec3{X: pad, Y: pad, Z: pad})
	return box
}

// Shape kinds accepted in configuration.
const (
	ShapePlane  = "plane"
	ShapeSphere = "sphere"
)

// ShapeConfig is the YAML form of a Shape. Size is the side length of a
// plane or the radius of a sphere.
type ShapeConfig struct {
	Kind string  `yaml:"kind"`
	Size float64 `yaml:"size"`
}

// Build returns the Shape described by the configuration.
func (c ShapeConfig) Build() (Shape, error) {
	if c.Size <= 0 || gomath.IsInf(c.Size, 0) || gomath.IsNaN(c.Size) {
		return nil, fmt.Errorf("shape size must be positive, got %v", c.Size)
	}
	switch c.Kind {
	case ShapePlane, "":
		return Plane{SideLength: c.Size}, nil
	case ShapeSphere:
		return Sphere{Radius: c.Size}, nil
	}
	return nil, fmt.Errorf("unknown shape kind %q", c.Kind)
}

// UnmarshalYAML accepts either the mapping form or a bare kind name.
func (c *ShapeConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		c.Kind = node.Value
		return nil
	}
	type plain ShapeConfig
	return node.Decode((*plain)(c))
}
