package tiletree

import (
	gomath "math"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/Faultbox/tilestream/internal/engine/loader"
	"github.com/Faultbox/tilestream/pkg/math"
	"github.com/Faultbox/tilestream/pkg/tile"
)

// fakeAtlas reports a fixed set of coordinates as loaded.
type fakeAtlas struct {
	loaded    map[tile.Coordinate]int
	summaries map[tile.Coordinate]*loader.HeightSummary
	requested map[tile.Coordinate]int
	next      int
}

func newFakeAtlas() *fakeAtlas {
	return &fakeAtlas{
		loaded:    map[tile.Coordinate]int{},
		summaries: map[tile.Coordinate]*loader.HeightSummary{},
		requested: map[tile.Coordinate]int{},
	}
}

func (f *fakeAtlas) load(cs ...tile.Coordinate) {
	for _, c := range cs {
		if _, ok := f.loaded[c]; !ok {
			f.loaded[c] = f.next
			f.next++
		}
	}
}

func (f *fakeAtlas) RequestAll(c tile.Coordinate) { f.requested[c]++ }

func (f *fakeAtlas) ResidentAll(c tile.Coordinate) ([tile.MaxAttachments]int, bool) {
	slots := [tile.MaxAttachments]int{-1, -1, -1, -1, -1, -1, -1, -1}
	slot, ok := f.loaded[c]
	if ok {
		slots[0] = slot
	}
	return slots, ok
}

func (f *fakeAtlas) HeightSummary(c tile.Coordinate) (*loader.HeightSummary, bool) {
	if _, ok := f.loaded[c]; !ok {
		return nil, false
	}
	s, ok := f.summaries[c]
	return s, ok
}

// loadTo marks every coordinate of a plane down to lod as loaded.
func (f *fakeAtlas) loadTo(lod uint32) {
	for l := uint32(0); l <= lod; l++ {
		n := tile.GridSize(l)
		for y := uint32(0); y < n; y++ {
			for x := uint32(0); x < n; x++ {
				f.load(tile.Coordinate{LOD: l, X: x, Y: y})
			}
		}
	}
}

func planeTree(t *testing.T, lodCount uint32) *Tree {
	t.Helper()
	tree, err := New(Plane{SideLength: 1024}, DefaultParams(lodCount))
	require.NoError(t, err)
	return tree
}

func above(height float64) Observer {
	return Observer{Position: math.Vec3{Y: height}, ViewProjection: math.Identity()}
}

func entryFor(v *View, c tile.Coordinate) (ResolutionEntry, int, bool) {
	for i, e := range v.Entries {
		if e.Coordinate == c {
			return e, i, true
		}
	}
	return ResolutionEntry{}, -1, false
}

func TestNewRejectsInvalidParams(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{"zero lod count", func(p *Params) { p.LODCount = 0 }},
		{"load below subdivision", func(p *Params) { p.LoadDistance = 1 }},
		{"morph not above subdivision", func(p *Params) { p.MorphDistance = p.SubdivisionDistance }},
		{"blend below subdivision", func(p *Params) { p.BlendDistance = 1 }},
		{"tiny grid", func(p *Params) { p.GridSize = 1 }},
		{"inverted heights", func(p *Params) { p.MinHeight, p.MaxHeight = 10, 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams(4)
			tt.mutate(&p)
			if _, err := New(Plane{SideLength: 1}, p); err == nil {
				t.Error("expected error")
			}
		})
	}
	if _, err := New(nil, DefaultParams(4)); err == nil {
		t.Error("expected error for nil shape")
	}
}

func TestTraverseSelectsByDistance(t *testing.T) {
	tree := planeTree(t, 4)
	atlas := newFakeAtlas()

	// Tiles at lod 2 are 256 wide; subdivision happens below 512.
	tree.SetObserver(above(700))
	st := tree.Traverse(atlas)

	require.Equal(t, 16, st.Selected)
	for _, c := range tree.Selected() {
		require.Equal(t, uint32(2), c.LOD)
	}
	require.Equal(t, 1+4+16, st.Visited)
	require.Positive(t, atlas.requested[tile.Root(0)])

	// Nodes within load distance (768) prefetch their children; the corner
	// nodes are just outside it.
	require.Positive(t, atlas.requested[tile.Coordinate{LOD: 3, X: 3, Y: 3}])
	require.Zero(t, atlas.requested[tile.Coordinate{LOD: 3, X: 0, Y: 0}])
}

func TestTraverseStopsAtLastLOD(t *testing.T) {
	tree := planeTree(t, 3)
	tree.SetObserver(above(1))
	tree.Traverse(newFakeAtlas())

	for _, c := range tree.Selected() {
		require.LessOrEqual(t, c.LOD, uint32(2))
	}
}

func TestFactors(t *testing.T) {
	tree := planeTree(t, 4)
	atlas := newFakeAtlas()
	atlas.loadTo(3)

	tree.SetObserver(above(600))
	tree.Traverse(atlas)
	v := tree.Resolve(atlas, 1)

	e, _, ok := entryFor(v, tile.Coordinate{LOD: 2, X: 1, Y: 1})
	require.True(t, ok)
	require.True(t, e.Exact())
	// blend: (768 - 600) / (768 - 512); morph: (1024 - 600) / (1024 - 512).
	require.InDelta(t, 0.65625, e.BlendFactor, 1e-9)
	require.InDelta(t, 0.828125, e.MorphFactor, 1e-9)

	far, _, ok := entryFor(v, tile.Coordinate{LOD: 2, X: 0, Y: 0})
	require.True(t, ok)
	require.Less(t, far.BlendFactor, e.BlendFactor)
	require.Less(t, far.MorphFactor, e.MorphFactor)

	for _, e := range v.Entries {
		require.GreaterOrEqual(t, e.BlendFactor, 0.0)
		require.LessOrEqual(t, e.BlendFactor, 1.0)
		require.GreaterOrEqual(t, e.MorphFactor, 0.0)
		require.LessOrEqual(t, e.MorphFactor, 1.0)
	}
}

func TestScenarioBFallsBackToLoadedParent(t *testing.T) {
	tree := planeTree(t, 4)
	atlas := newFakeAtlas()
	atlas.loadTo(2)

	parent := tile.Coordinate{LOD: 2, X: 1, Y: 1}

	tree.SetObserver(above(600))
	tree.Traverse(atlas)
	v := tree.Resolve(atlas, 1)
	e, _, ok := entryFor(v, parent)
	require.True(t, ok, "lod 2 node should be selected from far away")
	parentSlot := e.Slot

	// Closer than subdivision_distance(2): the children are selected while
	// their own tiles are still loading.
	tree.SetObserver(above(300))
	tree.Traverse(atlas)
	v = tree.Resolve(atlas, 2)

	children := parent.Children()
	for _, child := range children {
		e, _, ok := entryFor(v, child)
		require.True(t, ok, "child %s not selected", child)
		require.Equal(t, parent, e.Resolved)
		require.Equal(t, parentSlot, e.Slot)
		require.Zero(t, e.BlendFactor)
		require.Zero(t, e.MorphFactor)
	}

	// Once one child finishes loading it is drawn with its own slot.
	atlas.load(children[3])
	tree.Traverse(atlas)
	v = tree.Resolve(atlas, 3)
	for i, child := range children {
		e, _, _ := entryFor(v, child)
		if i == 3 {
			require.True(t, e.Exact())
			require.Equal(t, atlas.loaded[child], e.Slot)
		} else {
			require.Equal(t, parent, e.Resolved)
		}
	}
	require.True(t, v.Ready)
}

func TestResolveOmitsNodesWithoutLoadedAncestor(t *testing.T) {
	tree := planeTree(t, 4)
	atlas := newFakeAtlas()

	tree.SetObserver(above(600))
	tree.Traverse(atlas)
	v := tree.Resolve(atlas, 1)
	require.Empty(t, v.Entries)
	require.Equal(t, 16, v.Omitted)
	require.False(t, v.Ready)

	atlas.load(tile.Root(0))
	tree.Traverse(atlas)
	v = tree.Resolve(atlas, 2)
	require.Len(t, v.Entries, 16)
	require.Equal(t, 16, v.Fallbacks)
	require.True(t, v.Ready)
	require.Equal(t, uint32(16), v.Uniform.GeometryTileCount)
	require.Same(t, v, tree.View())
}

func TestSiblingsAreAdjacent(t *testing.T) {
	tree := planeTree(t, 4)
	atlas := newFakeAtlas()
	atlas.loadTo(3)

	tree.SetObserver(above(600))
	tree.Traverse(atlas)
	v := tree.Resolve(atlas, 1)

	for i := 0; i < len(v.Entries); i += 4 {
		parent, _ := v.Entries[i].Coordinate.Parent()
		for j := 0; j < 4; j++ {
			e := v.Entries[i+j]
			require.Equal(t, j, e.Coordinate.ChildIndex())
			p, _ := e.Coordinate.Parent()
			require.Equal(t, parent, p)
		}
	}
}

func TestDeterministicTraversal(t *testing.T) {
	atlas := newFakeAtlas()
	atlas.loadTo(2)
	atlas.load(tile.Coordinate{LOD: 3, X: 3, Y: 4}, tile.Coordinate{LOD: 3, X: 4, Y: 4})

	obs := Observer{
		Position:       math.Vec3{X: 37, Y: 120, Z: -80},
		ViewProjection: math.Perspective(1, 1.5, 0.1, 1e4).Mul(math.LookAt(math.Vec3{X: 37, Y: 120, Z: -80}, math.Vec3{}, math.Vec3{Y: 1})),
	}

	var first *View
	for i := 0; i < 5; i++ {
		tree := planeTree(t, 5)
		tree.SetObserver(obs)
		tree.Traverse(atlas)
		v := tree.Resolve(atlas, 7)
		if first == nil {
			first = v
			continue
		}
		require.Equal(t, first, v)
	}
}

func TestSurfaceFromCoarsestLoadedHeight(t *testing.T) {
	tree, err := New(Plane{SideLength: 1024}, Params{
		LODCount:            3,
		SubdivisionDistance: 2,
		LoadDistance:        2,
		MorphDistance:       3,
		BlendDistance:       3,
		GridSize:            8,
		MinHeight:           -100,
		MaxHeight:           100,
	})
	require.NoError(t, err)

	summary := &loader.HeightSummary{Min: 0, Max: 64}
	for y := 0; y < loader.SummaryGrid; y++ {
		for x := 0; x < loader.SummaryGrid; x++ {
			h := float64(x + y*loader.SummaryGrid)
			summary.Cells[y*loader.SummaryGrid+x] = loader.HeightRange{Min: h, Max: h + 1}
		}
	}

	atlas := newFakeAtlas()
	atlas.load(tile.Root(0))
	atlas.summaries[tile.Root(0)] = summary

	tree.SetObserver(above(10))
	tree.Traverse(atlas)
	v := tree.Resolve(atlas, 1)
	require.NotEmpty(t, v.Surface)

	// lod 2 (0,0) covers cells x,y in [0,2).
	_, i, ok := entryFor(v, tile.Coordinate{LOD: 2})
	require.True(t, ok)
	require.Equal(t, SurfaceApproximation{Min: 0, Max: 10, SourceLOD: 0}, v.Surface[i])

	// Without a loaded height tile the configured range is used.
	empty := newFakeAtlas()
	empty.load(tile.Root(0))
	tree.Traverse(empty)
	v = tree.Resolve(empty, 2)
	require.Equal(t, SurfaceApproximation{Min: -100, Max: 100, SourceLOD: -1}, v.Surface[0])
}

func TestTraversedNodesCarrySurface(t *testing.T) {
	tree, err := New(Plane{SideLength: 1024}, Params{
		LODCount:            3,
		SubdivisionDistance: 2,
		LoadDistance:        2,
		MorphDistance:       3,
		BlendDistance:       3,
		GridSize:            8,
		MinHeight:           -100,
		MaxHeight:           100,
	})
	require.NoError(t, err)

	summary := &loader.HeightSummary{Min: 0, Max: 64}
	for y := 0; y < loader.SummaryGrid; y++ {
		for x := 0; x < loader.SummaryGrid; x++ {
			h := float64(x + y*loader.SummaryGrid)
			summary.Cells[y*loader.SummaryGrid+x] = loader.HeightRange{Min: h, Max: h + 1}
		}
	}

	atlas := newFakeAtlas()
	atlas.load(tile.Root(0))
	atlas.summaries[tile.Root(0)] = summary

	tree.SetObserver(above(10))
	stats := tree.Traverse(atlas)
	v := tree.Resolve(atlas, 1)

	require.Len(t, v.Traversed, stats.Visited)
	require.Greater(t, len(v.Traversed), len(v.Entries), "interior nodes are published too")
	require.Equal(t, NodeSurface{
		Coordinate:           tile.Root(0),
		SurfaceApproximation: SurfaceApproximation{Min: 0, Max: 64, SourceLOD: 0},
	}, v.Traversed[0])

	surfaces := make(map[tile.Coordinate]SurfaceApproximation, len(v.Traversed))
	for _, n := range v.Traversed {
		surfaces[n.Coordinate] = n.SurfaceApproximation
	}
	// lod 1 (0,0) covers cells x,y in [0,4).
	require.Equal(t, SurfaceApproximation{Min: 0, Max: 28, SourceLOD: 0}, surfaces[tile.Coordinate{LOD: 1}])
	for i, e := range v.Entries {
		require.Equal(t, v.Surface[i], surfaces[e.Coordinate], e.Coordinate.String())
	}
}

func TestUniformHalfSpaces(t *testing.T) {
	tree := planeTree(t, 2)
	eye := math.Vec3{Y: 500, Z: 500}
	obs := Observer{
		Position:       eye,
		ViewProjection: math.Perspective(1, 1, 1, 5000).Mul(math.LookAt(eye, math.Vec3{}, math.Vec3{Y: 1})),
	}
	tree.SetObserver(obs)
	atlas := newFakeAtlas()
	atlas.loadTo(1)
	tree.Traverse(atlas)
	v := tree.Resolve(atlas, 1)

	require.Equal(t, eye, v.Uniform.ViewPosition)
	// The look-at target is inside every half-space.
	for i, plane := range v.Uniform.HalfSpaces {
		require.Greater(t, math.PlaneDistance(plane, math.Vec3{}), 0.0, "plane %d", i)
	}
}

func TestSphereShape(t *testing.T) {
	s := Sphere{Radius: 1000}
	require.Equal(t, uint32(6), s.FaceCount())
	require.InDelta(t, 1000*gomath.Pi/2, s.TileSize(0), 1e-9)

	for face := uint32(0); face < 6; face++ {
		centre := s.FacePoint(face, 0.5, 0.5, 10)
		require.InDelta(t, 1010, centre.Length(), 1e-9)

		c := tile.Coordinate{Face: face, LOD: 2, X: 1, Y: 2}
		box := s.NodeBounds(c, -5, 5)
		u0, v0, u1, v1 := c.UV()
		for _, uv := range [][2]float64{{u0, v0}, {u1, v1}, {(u0 + u1) / 2, (v0 + v1) / 2}, {u0 + 0.01, v1 - 0.02}} {
			for _, h := range []float64{-5, 0, 5} {
				require.True(t, box.Contains(s.FacePoint(face, uv[0], uv[1], h)), "face %d uv %v h %v", face, uv, h)
			}
		}
	}

	// Face centres point in six different directions.
	seen := map[math.Vec3]bool{}
	for face := uint32(0); face < 6; face++ {
		seen[s.FacePoint(face, 0.5, 0.5, 0).Scale(1e-3)] = true
	}
	require.Len(t, seen, 6)
}

func TestSphereTraversalCoversAllFaces(t *testing.T) {
	tree, err := New(Sphere{Radius: 1000}, DefaultParams(3))
	require.NoError(t, err)
	atlas := newFakeAtlas()

	tree.SetObserver(Observer{Position: math.Vec3{X: 5000}})
	tree.Traverse(atlas)
	for face := uint32(0); face < 6; face++ {
		require.Positive(t, atlas.requested[tile.Root(face)], "face %d root not requested", face)
	}
}

func TestShapeConfig(t *testing.T) {
	var cfg struct {
		A ShapeConfig `yaml:"a"`
		B ShapeConfig `yaml:"b"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("a: {kind: sphere, size: 6371}\nb: plane\n"), &cfg))
	require.Equal(t, ShapeConfig{Kind: ShapeSphere, Size: 6371}, cfg.A)
	require.Equal(t, ShapePlane, cfg.B.Kind)

	shape, err := cfg.A.Build()
	require.NoError(t, err)
	require.Equal(t, Sphere{Radius: 6371}, shape)

	_, err = ShapeConfig{Kind: "torus", Size: 1}.Build()
	require.Error(t, err)
	_, err = ShapeConfig{Kind: ShapePlane}.Build()
	require.Error(t, err)
}
