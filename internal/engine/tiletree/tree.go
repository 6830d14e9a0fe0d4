// Package tiletree decides, per observer and per frame, which quadtree nodes
// of a terrain should be drawn and at which level of detail, and resolves
// each of them against the tiles the atlas currently holds.
//
// A frame is two calls: Traverse requests every node the observer needs from
// the atlas, and Resolve (after the atlas has admitted and dispatched those
// requests) publishes a View. Every slot in a View refers to a Loaded tile:
// nodes whose own tiles are not resident fall back to their nearest fully
// loaded ancestor.
package tiletree

import (
	"errors"
	"slices"

	"github.com/Faultbox/tilestream/internal/engine/loader"
	"github.com/Faultbox/tilestream/pkg/math"
	"github.com/Faultbox/tilestream/pkg/tile"
)

// Atlas is the part of the tile atlas a Tree needs.
type Atlas interface {
	RequestAll(c tile.Coordinate)
	ResidentAll(c tile.Coordinate) ([tile.MaxAttachments]int, bool)
	HeightSummary(c tile.Coordinate) (*loader.HeightSummary, bool)
}

// Observer is a camera a Tree refines the terrain for.
type Observer struct {
	Position       math.Vec3
	ViewProjection math.Mat4
}

// TraversalStats describes one Traverse.
type TraversalStats struct {
	Visited    int
	Selected   int
	Prefetched int
}

// node is a selected quadtree node of the current frame.
type node struct {
	coord    tile.Coordinate
	distance float64
	corners  [4]float64
	morph    float64
	blend    float64
	surface  SurfaceApproximation
}

// heightSource is the coarsest loaded height tile on a node's ancestor chain.
type heightSource struct {
	coord   tile.Coordinate
	summary *loader.HeightSummary
}

// Tree is the per-observer tile tree. It is not safe for concurrent use.
type Tree struct {
	shape    Shape
	params   Params
	observer Observer

	selected  []node
	traversed []NodeSurface
	stats     TraversalStats
	view      *View
}

// New creates a tree over shape.
func New(shape Shape, params Params) (*Tree, error) {
	if shape == nil {
		return nil, errors.New("tile tree needs a shape")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Tree{shape: shape, params: params}, nil
}

// Shape returns the terrain shape.
func (t *Tree) Shape() Shape { return t.shape }

// Params returns the traversal parameters.
func (t *Tree) Params() Params { return t.params }

// SetParams replaces the traversal parameters. The change is seen by the
// next Traverse.
func (t *Tree) SetParams(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	t.params = p
	return nil
}

// Observer returns the current observer.
func (t *Tree) Observer() Observer { return t.observer }

// SetObserver moves the observer.
func (t *Tree) SetObserver(o Observer) { t.observer = o }

// Traverse walks the quadtree top-down from every face root, requests each
// visited node from the atlas and selects the nodes to draw. Children of a
// selected node within the load distance are requested too, so they are
// resident by the time the observer gets close enough to select them.
func (t *Tree) Traverse(a Atlas) TraversalStats {
	t.selected = t.selected[:0]
	t.traversed = t.traversed[:0]
	t.stats = TraversalStats{}

	for face := uint32(0); face < t.shape.FaceCount(); face++ {
		t.visit(a, tile.Root(face), nil)
	}
	t.stats.Selected = len(t.selected)
	return t.stats
}

func (t *Tree) visit(a Atlas, c tile.Coordinate, src *heightSource) {
	t.stats.Visited++

	if src == nil {
		if summary, ok := a.HeightSummary(c); ok {
			src = &heightSource{coord: c, summary: summary}
		}
	}
	surface := t.surfaceOf(c, src)
	t.traversed = append(t.traversed, NodeSurface{Coordinate: c, SurfaceApproximation: surface})
	pos := t.observer.Position
	d := t.shape.NodeBounds(c, surface.Min, surface.Max).Distance(pos)

	a.RequestAll(c)

	size := t.shape.TileSize(c.LOD)
	finest := c.LOD+1 >= t.params.LODCount
	if !finest && d < t.params.SubdivisionDistance*size {
		for _, child := range c.Children() {
			t.visit(a, child, src)
		}
		return
	}

	n := node{coord: c, distance: d, surface: surface}
	if !finest {
		subdiv := t.params.SubdivisionDistance * size
		n.morph = crossFade(t.params.MorphDistance*size, subdiv, d)
		n.blend = crossFade(t.params.BlendDistance*size, subdiv, d)
	}

	u0, v0, u1, v1 := c.UV()
	mid := (surface.Min + surface.Max) / 2
	for i, uv := range [4][2]float64{{u0, v0}, {u1, v0}, {u0, v1}, {u1, v1}} {
		n.corners[i] = t.shape.FacePoint(c.Face, uv[0], uv[1], mid).Distance(pos)
	}
	t.selected = append(t.selected, n)

	if !finest && d < t.params.LoadDistance*size {
		for _, child := range c.Children() {
			a.RequestAll(child)
			t.stats.Prefetched++
		}
	}
}

// crossFade is 0 at or beyond far, 1 at or within near.
func crossFade(far, near, d float64) float64 {
	return math.Saturate((far - d) / (far - near))
}

// surfaceOf bounds the height of c from the coarsest loaded height tile on
// its ancestor chain, or from the configured terrain range if there is none.
func (t *Tree) surfaceOf(c tile.Coordinate, src *heightSource) SurfaceApproximation {
	fallback := SurfaceApproximation{Min: t.params.MinHeight, Max: t.params.MaxHeight, SourceLOD: -1}
	if src == nil {
		return fallback
	}

	n := float64(tile.GridSize(c.LOD - src.coord.LOD))
	u0 := float64(c.X)/n - float64(src.coord.X)
	v0 := float64(c.Y)/n - float64(src.coord.Y)
	r := src.summary.Range(u0, v0, u0+1/n, v0+1/n)
	if r.Min > r.Max {
		return fallback
	}
	return SurfaceApproximation{Min: r.Min, Max: r.Max, SourceLOD: int(src.coord.LOD)}
}

// Selected returns the coordinates selected by the last Traverse, in
// traversal order.
func (t *Tree) Selected() []tile.Coordinate {
	out := make([]tile.Coordinate, len(t.selected))
	for i, n := range t.selected {
		out[i] = n.coord
	}
	return out
}

// Resolve maps every selected node to resident slots and publishes the
// frame's View. A node whose tiles are not all Loaded uses the nearest
// ancestor whose tiles are, with zero morph and blend. A node without any
// loaded ancestor is left out.
func (t *Tree) Resolve(a Atlas, frame uint64) *View {
	v := &View{
		Frame:   frame,
		Entries: make([]ResolutionEntry, 0, len(t.selected)),
		Lookup:  make([]SlotLookup, 0, len(t.selected)),
		Surface: make([]SurfaceApproximation, 0, len(t.selected)),

		Traversed: slices.Clone(t.traversed),
	}

	for _, n := range t.selected {
		resolved := n.coord
		slots, ok := a.ResidentAll(resolved)
		for !ok {
			parent, hasParent := resolved.Parent()
			if !hasParent {
				break
			}
			resolved = parent
			slots, ok = a.ResidentAll(resolved)
		}
		if !ok {
			v.Omitted++
			continue
		}

		entry := ResolutionEntry{
			Coordinate:    n.coord,
			Resolved:      resolved,
			Slot:          slots[0],
			Distance:      n.distance,
			ViewDistances: n.corners,
		}
		if resolved == n.coord {
			entry.MorphFactor = n.morph
			entry.BlendFactor = n.blend
		} else {
			v.Fallbacks++
		}

		v.Entries = append(v.Entries, entry)
		v.Lookup = append(v.Lookup, SlotLookup(slots))
		v.Surface = append(v.Surface, n.surface)
	}

	v.Ready = v.Omitted == 0 && len(v.Entries) > 0
	v.Uniform = t.uniform(len(v.Entries))
	t.view = v
	return v
}

// View returns the last published view, or nil before the first Resolve.
func (t *Tree) View() *View { return t.view }

func (t *Tree) uniform(tiles int) TreeUniform {
	return TreeUniform{
		GeometryTileCount:   uint32(tiles),
		LODCount:            t.params.LODCount,
		GridSize:            t.params.GridSize,
		MorphDistance:       t.params.MorphDistance,
		BlendDistance:       t.params.BlendDistance,
		LoadDistance:        t.params.LoadDistance,
		SubdivisionDistance: t.params.SubdivisionDistance,
		MinHeight:           t.params.MinHeight,
		MaxHeight:           t.params.MaxHeight,
		ViewPosition:        t.observer.Position,
		HalfSpaces:          math.FrustumPlanes(t.observer.ViewProjection),
	}
}
