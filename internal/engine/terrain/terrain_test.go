package terrain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Faultbox/tilestream/internal/config"
	"github.com/Faultbox/tilestream/internal/engine/atlas"
	"github.com/Faultbox/tilestream/internal/engine/loader"
	"github.com/Faultbox/tilestream/internal/engine/texture"
	"github.com/Faultbox/tilestream/internal/engine/tiletree"
	"github.com/Faultbox/tilestream/pkg/math"
	"github.com/Faultbox/tilestream/pkg/tile"
)

// syncLoader loads every job inside Submit, so a tile dispatched in one
// frame is always completed by the next.
type syncLoader struct {
	store       loader.Store
	completions chan loader.Completion
	closed      bool
}

func newSyncLoader(store loader.Store, _, queueSize int) loader.Loader {
	return &syncLoader{store: store, completions: make(chan loader.Completion, queueSize)}
}

func (l *syncLoader) Submit(job loader.Job) bool {
	if l.closed {
		return false
	}
	data, err := loader.Load(context.Background(), l.store, job)
	select {
	case l.completions <- loader.Completion{Job: job, Tile: data, Err: err}:
		return true
	default:
		return false
	}
}

func (l *syncLoader) Completions() <-chan loader.Completion { return l.completions }

func (l *syncLoader) Close() error {
	l.closed = true
	return nil
}

// failingStore generates a synthetic terrain but cannot read one coordinate.
type failingStore struct {
	loader.SyntheticStore
	broken tile.Coordinate
}

func (s failingStore) ReadLevel(ctx context.Context, desc tile.AttachmentDescriptor, c tile.Coordinate, level uint32) ([]byte, error) {
	if c == s.broken {
		return []byte{1, 2, 3}, nil
	}
	return s.SyntheticStore.ReadLevel(ctx, desc, c, level)
}

func testTerrain(name string) config.TerrainConfig {
	cfg := config.DefaultTerrain(name)
	cfg.Shape = tiletree.ShapeConfig{Kind: tiletree.ShapePlane, Size: 1024}
	cfg.LODCount = 4
	cfg.MaxHeight = 10
	cfg.AtlasSize = 128
	cfg.Attachments[0].TextureSize = 16
	cfg.Attachments[0].MipLevels = 2
	return cfg
}

func testStreaming() config.StreamingConfig {
	return config.Default().Streaming
}

func testRegistry(t *testing.T, deps Deps) *Registry {
	t.Helper()
	if deps.Loader == nil {
		deps.Loader = newSyncLoader
	}
	r := NewRegistry(testStreaming(), deps)
	t.Cleanup(func() { r.Close() })
	return r
}

func overhead(height float64) tiletree.Observer {
	return tiletree.Observer{Position: math.Vec3{Y: height}, ViewProjection: math.Identity()}
}

func addObserver(t *testing.T, r *Registry, tid TerrainID, o tiletree.Observer) ObserverID {
	t.Helper()
	oid, err := r.AddObserver(tid)
	require.NoError(t, err)
	require.NoError(t, r.SetObserver(tid, oid, o))
	return oid
}

func runFrames(t *testing.T, r *Registry, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, r.Frame(context.Background()))
	}
}

// requireLoaded asserts that every slot a view refers to holds its resolved
// tile.
func requireLoaded(t *testing.T, terrain *Terrain, v *tiletree.View) {
	t.Helper()
	terrain.mu.Lock()
	defer terrain.mu.Unlock()
	for i, e := range v.Entries {
		for attachment := range terrain.atlas.Attachments() {
			slot := terrain.atlas.Slot(attachment, v.Lookup[i][attachment])
			require.Equal(t, atlas.Loaded, slot.State, "%s -> %s", e.Coordinate, e.Resolved)
			require.Equal(t, e.Resolved, slot.Coordinate)
		}
	}
}

func TestTerrainBecomesReady(t *testing.T) {
	r := testRegistry(t, Deps{})
	tid, err := r.AddTerrain(testTerrain("plane"))
	require.NoError(t, err)
	oid := addObserver(t, r, tid, overhead(300))

	v, err := r.View(tid, oid)
	require.NoError(t, err)
	require.Nil(t, v, "no view before the first frame")

	// Nothing is resident during the first frame.
	runFrames(t, r, 1)
	v, err = r.View(tid, oid)
	require.NoError(t, err)
	require.False(t, v.Ready)
	require.Empty(t, v.Entries)
	require.Positive(t, v.Omitted)

	// The next frame drains the first completions and falls back to them.
	runFrames(t, r, 1)
	v, _ = r.View(tid, oid)
	require.True(t, v.Ready)
	require.Zero(t, v.Omitted)

	terrain, err := r.Terrain(tid)
	require.NoError(t, err)
	requireLoaded(t, terrain, v)

	runFrames(t, r, 3)
	v, _ = r.View(tid, oid)
	require.True(t, v.Ready)
	require.Zero(t, v.Fallbacks, "every selected tile should be resident by now")
	require.Len(t, v.Entries, 64)
	requireLoaded(t, terrain, v)

	last := terrain.LastFrame()
	require.Equal(t, uint64(5), last.Frame)
	require.Equal(t, 64, last.Entries)
	require.Zero(t, last.Admission.Deferred)
}

func TestObserversShareLoads(t *testing.T) {
	started := func(observers int) uint64 {
		r := testRegistry(t, Deps{})
		tid, err := r.AddTerrain(testTerrain("shared"))
		require.NoError(t, err)
		for i := 0; i < observers; i++ {
			addObserver(t, r, tid, overhead(300))
		}
		runFrames(t, r, 1)
		terrain, _ := r.Terrain(tid)
		return terrain.Stats().LoadsStarted
	}

	single := started(1)
	require.Positive(t, single)
	require.Equal(t, single, started(3), "identical observers must not add loads")
}

func TestFailedTileFallsBackToParent(t *testing.T) {
	broken := tile.Coordinate{LOD: 3, X: 1, Y: 2}
	cfg := testTerrain("broken")
	deps := Deps{Store: func(cfg config.TerrainConfig) (loader.Store, error) {
		return failingStore{
			SyntheticStore: loader.SyntheticStore{MinHeight: cfg.MinHeight, MaxHeight: cfg.MaxHeight},
			broken:         broken,
		}, nil
	}}

	r := testRegistry(t, deps)
	tid, err := r.AddTerrain(cfg)
	require.NoError(t, err)
	oid := addObserver(t, r, tid, overhead(300))
	runFrames(t, r, 6)

	terrain, _ := r.Terrain(tid)
	require.Equal(t, 1, terrain.Stats().Failed)

	v, _ := r.View(tid, oid)
	require.True(t, v.Ready)
	require.Equal(t, 1, v.Fallbacks)
	for _, e := range v.Entries {
		if e.Coordinate != broken {
			require.True(t, e.Exact())
			continue
		}
		parent, _ := broken.Parent()
		require.Equal(t, parent, e.Resolved)
		require.Zero(t, e.BlendFactor)
		require.Zero(t, e.MorphFactor)
	}
	requireLoaded(t, terrain, v)
}

func TestRemoveTerrainTearsDown(t *testing.T) {
	var storage *texture.MemoryStorage
	deps := Deps{Storage: func(descs []tile.AttachmentDescriptor, slots int) (texture.Storage, error) {
		storage = texture.NewMemoryStorage(descs, slots)
		return storage, nil
	}}

	r := testRegistry(t, deps)
	tid, err := r.AddTerrain(testTerrain("gone"))
	require.NoError(t, err)
	oid := addObserver(t, r, tid, overhead(300))
	runFrames(t, r, 3)

	terrain, _ := r.Terrain(tid)
	require.Positive(t, terrain.Stats().Loaded)
	require.NotNil(t, storage.Layer(0, 0, 0))

	require.NoError(t, r.RemoveTerrain(tid))
	require.Nil(t, storage.Layer(0, 0, 0), "texture storage must be released")
	require.Zero(t, terrain.Stats().Occupied)

	_, err = r.View(tid, oid)
	require.ErrorIs(t, err, ErrUnknownTerrain)
	require.ErrorIs(t, r.RemoveTerrain(tid), ErrUnknownTerrain)
	_, err = terrain.Frame(context.Background())
	require.ErrorIs(t, err, ErrClosed)

	// The registry keeps running without it.
	runFrames(t, r, 1)
}

func TestAddTerrainRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.TerrainConfig)
	}{
		{"zero lod count", func(c *config.TerrainConfig) { c.LODCount = 0 }},
		{"too many attachments", func(c *config.TerrainConfig) {
			for i := 0; i < tile.MaxAttachments; i++ {
				a := c.Attachments[0]
				a.Label = fmt.Sprintf("extra%d", i)
				c.Attachments = append(c.Attachments, a)
			}
		}},
		{"atlas smaller than lod chain", func(c *config.TerrainConfig) { c.AtlasSize = 2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := testRegistry(t, Deps{})
			good, err := r.AddTerrain(testTerrain("good"))
			require.NoError(t, err)

			cfg := testTerrain("bad")
			tt.mutate(&cfg)
			_, err = r.AddTerrain(cfg)
			require.ErrorIs(t, err, config.ErrInvalid)
			require.Equal(t, []TerrainID{good}, r.Terrains())
		})
	}

	r := testRegistry(t, Deps{})
	_, err := r.AddTerrain(testTerrain("twice"))
	require.NoError(t, err)
	_, err = r.AddTerrain(testTerrain("twice"))
	require.ErrorIs(t, err, config.ErrInvalid)
}

func TestAddTerrainStoreError(t *testing.T) {
	r := testRegistry(t, Deps{})
	cfg := testTerrain("missing")
	cfg.Path = t.TempDir() + "/does-not-exist"
	_, err := r.AddTerrain(cfg)
	require.Error(t, err)
	require.Empty(t, r.Terrains())
}

func TestUnknownHandles(t *testing.T) {
	r := testRegistry(t, Deps{})
	a, err := r.AddTerrain(testTerrain("a"))
	require.NoError(t, err)
	b, err := r.AddTerrain(testTerrain("b"))
	require.NoError(t, err)
	oa := addObserver(t, r, a, overhead(100))

	require.ErrorIs(t, r.SetObserver(99, oa, overhead(1)), ErrUnknownTerrain)
	require.ErrorIs(t, r.SetObserver(a, 99, overhead(1)), ErrUnknownObserver)
	require.ErrorIs(t, r.SetObserver(b, oa, overhead(1)), ErrUnknownObserver, "observer belongs to another terrain")
	_, err = r.AddObserver(99)
	require.ErrorIs(t, err, ErrUnknownTerrain)

	require.NoError(t, r.RemoveObserver(a, oa))
	_, err = r.View(a, oa)
	require.ErrorIs(t, err, ErrUnknownObserver)

	// Handles are not reused.
	ob := addObserver(t, r, b, overhead(100))
	require.NotEqual(t, oa, ob)
}

func TestReconfigureDistancesKeepsAtlas(t *testing.T) {
	r := testRegistry(t, Deps{})
	tid, err := r.AddTerrain(testTerrain("tuned"))
	require.NoError(t, err)
	oid := addObserver(t, r, tid, overhead(300))
	runFrames(t, r, 3)

	terrain, _ := r.Terrain(tid)
	before := terrain.atlas
	loaded := terrain.Stats().Loaded

	cfg := terrain.Config()
	cfg.Distances.Subdivision = 1
	cfg.Distances.Load = 1.5
	require.NoError(t, r.Reconfigure(tid, cfg))
	require.Equal(t, 2.0, terrain.Config().Distances.Subdivision, "applied only by the next frame")

	runFrames(t, r, 1)
	require.Same(t, before, terrain.atlas)
	require.Equal(t, 1.0, terrain.Config().Distances.Subdivision)
	require.Equal(t, loaded, terrain.Stats().Loaded)

	v, _ := r.View(tid, oid)
	require.True(t, v.Ready)
	require.Equal(t, 1.0, v.Uniform.SubdivisionDistance)
	require.Less(t, len(v.Entries), 64, "a smaller subdivision distance selects coarser tiles")
}

func TestReconfigureAttachmentsRebuilds(t *testing.T) {
	r := testRegistry(t, Deps{})
	tid, err := r.AddTerrain(testTerrain("layers"))
	require.NoError(t, err)
	oid := addObserver(t, r, tid, overhead(300))
	runFrames(t, r, 3)

	terrain, _ := r.Terrain(tid)
	before := terrain.atlas
	v, _ := r.View(tid, oid)
	require.True(t, v.Ready)
	require.Positive(t, before.Stats().Loaded, "the replaced atlas holds tiles")

	cfg := terrain.Config()
	cfg.Attachments = append(cfg.Attachments, config.AttachmentConfig{
		Label: "albedo", Format: tile.FormatRgb8U, TextureSize: 16, BorderSize: 2, MipLevels: 1, Encoding: tile.EncodingRaw,
	})
	require.NoError(t, r.Reconfigure(tid, cfg))

	st, err := terrain.Frame(context.Background())
	require.NoError(t, err)
	require.NotSame(t, before, terrain.atlas)
	require.Zero(t, st.Completed, "the new atlas starts empty")
	require.Len(t, terrain.atlas.Attachments(), 2)
	require.Zero(t, before.Stats().Occupied, "the replaced atlas is torn down")

	v, _ = r.View(tid, oid)
	require.False(t, v.Ready)

	runFrames(t, r, 4)
	v, _ = r.View(tid, oid)
	require.True(t, v.Ready)
	requireLoaded(t, terrain, v)
	for _, lookup := range v.Lookup {
		require.NotEqual(t, -1, lookup[1])
	}
}

func TestRegistryCloseAfterFrames(t *testing.T) {
	r := NewRegistry(testStreaming(), Deps{Loader: newSyncLoader})
	var terrains []*Terrain
	for _, name := range []string{"north", "south"} {
		tid, err := r.AddTerrain(testTerrain(name))
		require.NoError(t, err)
		addObserver(t, r, tid, overhead(300))
		terrain, err := r.Terrain(tid)
		require.NoError(t, err)
		terrains = append(terrains, terrain)
	}
	runFrames(t, r, 5)

	for _, terrain := range terrains {
		require.Positive(t, terrain.Stats().Loaded)
	}

	require.NoError(t, r.Close())
	require.Empty(t, r.Terrains())
	for _, terrain := range terrains {
		require.Zero(t, terrain.atlas.Stats().Occupied, terrain.Name())
		_, err := terrain.Frame(context.Background())
		require.ErrorIs(t, err, ErrClosed)
	}

	require.NoError(t, r.Frame(context.Background()))
	require.NoError(t, r.Close())
}

func TestReconfigureRejectsInvalid(t *testing.T) {
	r := testRegistry(t, Deps{})
	tid, err := r.AddTerrain(testTerrain("strict"))
	require.NoError(t, err)

	cfg := testTerrain("strict")
	cfg.LODCount = 0
	require.ErrorIs(t, r.Reconfigure(tid, cfg), config.ErrInvalid)

	require.ErrorIs(t, r.Reconfigure(tid, testTerrain("renamed")), config.ErrInvalid)
	require.ErrorIs(t, r.Reconfigure(42, testTerrain("strict")), ErrUnknownTerrain)

	terrain, _ := r.Terrain(tid)
	require.Equal(t, uint32(4), terrain.Config().LODCount)
}

func TestReconfigureFailureKeepsTerrain(t *testing.T) {
	opened := 0
	deps := Deps{Store: func(cfg config.TerrainConfig) (loader.Store, error) {
		opened++
		if opened > 1 {
			return nil, errors.New("store offline")
		}
		return loader.SyntheticStore{MaxHeight: cfg.MaxHeight}, nil
	}}

	r := testRegistry(t, deps)
	tid, err := r.AddTerrain(testTerrain("stubborn"))
	require.NoError(t, err)
	oid := addObserver(t, r, tid, overhead(300))
	runFrames(t, r, 3)

	cfg := testTerrain("stubborn")
	cfg.AtlasSize = 256
	require.NoError(t, r.Reconfigure(tid, cfg))
	require.ErrorContains(t, r.Frame(context.Background()), "store offline")

	terrain, _ := r.Terrain(tid)
	require.Equal(t, 128, terrain.Config().AtlasSize)
	v, _ := r.View(tid, oid)
	require.True(t, v.Ready, "the frame still ran with the old atlas")

	runFrames(t, r, 1)
}

func TestParallelFrames(t *testing.T) {
	streaming := testStreaming()
	streaming.Parallel = true
	r := NewRegistry(streaming, Deps{Loader: newSyncLoader})
	defer r.Close()

	type handle struct {
		tid TerrainID
		oid ObserverID
	}
	var handles []handle
	for i := 0; i < 4; i++ {
		tid, err := r.AddTerrain(testTerrain(fmt.Sprintf("t%d", i)))
		require.NoError(t, err)
		oid := addObserver(t, r, tid, overhead(100+float64(i)*100))
		handles = append(handles, handle{tid, oid})
	}

	runFrames(t, r, 5)
	for _, h := range handles {
		v, err := r.View(h.tid, h.oid)
		require.NoError(t, err)
		require.True(t, v.Ready)
		terrain, _ := r.Terrain(h.tid)
		requireLoaded(t, terrain, v)
	}
}

func TestFrameHonoursContext(t *testing.T) {
	r := testRegistry(t, Deps{})
	tid, err := r.AddTerrain(testTerrain("cancelled"))
	require.NoError(t, err)
	addObserver(t, r, tid, overhead(300))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, r.Frame(ctx), context.Canceled)

	terrain, _ := r.Terrain(tid)
	require.Zero(t, terrain.LastFrame().Frame)
}

func TestPoolLoaderEventuallyReady(t *testing.T) {
	r := NewRegistry(testStreaming(), Deps{})
	defer r.Close()

	tid, err := r.AddTerrain(testTerrain("async"))
	require.NoError(t, err)
	oid := addObserver(t, r, tid, overhead(300))

	require.Eventually(t, func() bool {
		if err := r.Frame(context.Background()); err != nil {
			return false
		}
		v, _ := r.View(tid, oid)
		return v.Ready && v.Fallbacks == 0
	}, 10*time.Second, 5*time.Millisecond)
}
