// Package terrain runs the per-frame streaming pipeline of every terrain and
// keeps the registry of terrains and their observers.
//
// One frame of a terrain is, in this order:
//
//  1. apply a pending reconfiguration
//  2. drain loader completions into the atlas
//  3. traverse the tile tree of every observer, collecting requests
//  4. admit and evict for the whole request set of the frame
//  5. dispatch new loads
//  6. resolve and publish the view of every observer
//
// Admission only runs once all observers have requested, so no observer can
// evict a tile another observer needs in the same frame.
package terrain

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Faultbox/tilestream/internal/config"
	"github.com/Faultbox/tilestream/internal/engine/atlas"
	"github.com/Faultbox/tilestream/internal/engine/loader"
	"github.com/Faultbox/tilestream/internal/engine/texture"
	"github.com/Faultbox/tilestream/internal/engine/tiletree"
	"github.com/Faultbox/tilestream/internal/logger"
	"github.com/Faultbox/tilestream/pkg/tile"
)

// ErrClosed is returned by operations on a terrain that was removed.
var ErrClosed = errors.New("terrain closed")

// Deps creates the external collaborators of a terrain. Nil fields use the
// defaults.
type Deps struct {
	// Store opens the backing tile store. The default reads tile files under
	// the terrain path, or generates a synthetic terrain if it has none.
	Store func(cfg config.TerrainConfig) (loader.Store, error)
	// Storage allocates slots texture layers for every attachment. The
	// default keeps texels in memory.
	Storage func(descs []tile.AttachmentDescriptor, slots int) (texture.Storage, error)
	// Loader starts the loader. The default is a loader.Pool.
	Loader func(store loader.Store, workers, queueSize int) loader.Loader
}

func (d Deps) store(cfg config.TerrainConfig) (loader.Store, error) {
	if d.Store != nil {
		return d.Store(cfg)
	}
	if cfg.Path == "" {
		return loader.SyntheticStore{MinHeight: cfg.MinHeight, MaxHeight: cfg.MaxHeight}, nil
	}
	info, err := os.Stat(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("terrain path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("terrain path %s is not a directory", cfg.Path)
	}
	return loader.NewFileStore(cfg.Path), nil
}

func (d Deps) storage(descs []tile.AttachmentDescriptor, slots int) (texture.Storage, error) {
	if d.Storage != nil {
		return d.Storage(descs, slots)
	}
	return texture.NewMemoryStorage(descs, slots), nil
}

func (d Deps) loader(store loader.Store, workers, queueSize int) loader.Loader {
	if d.Loader != nil {
		return d.Loader(store, workers, queueSize)
	}
	return loader.NewPool(store, workers, queueSize)
}

// FrameStats describes one frame of a terrain.
type FrameStats struct {
	Frame      uint64
	Completed  int
	Traversal  tiletree.TraversalStats // summed over observers
	Admission  atlas.UpdateStats
	Dispatched int
	Entries    int
	Fallbacks  int
	Omitted    int
	Duration   time.Duration
}

// components are the parts replaced when a reconfiguration rebuilds the
// atlas.
type components struct {
	shape  tiletree.Shape
	store  loader.Store
	loader loader.Loader
	atlas  *atlas.Atlas
}

func (c components) close() error {
	err := c.loader.Close()
	c.atlas.Close()
	if closer, ok := c.store.(interface{ Close() }); ok {
		closer.Close()
	}
	return err
}

// Terrain is one streamed terrain with its atlas and the tile trees of its
// observers. All methods are safe for concurrent use; a frame holds the
// terrain for its whole duration.
type Terrain struct {
	mu        sync.Mutex
	cfg       config.TerrainConfig
	streaming config.StreamingConfig
	deps      Deps

	components
	trees   map[ObserverID]*tiletree.Tree
	pending *config.TerrainConfig
	frame   uint64
	last    FrameStats
	closed  bool

	log *zap.Logger
}

// newTerrain validates cfg and opens the terrain's atlas and loader.
func newTerrain(cfg config.TerrainConfig, streaming config.StreamingConfig, deps Deps) (*Terrain, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Terrain{
		cfg:       cfg,
		streaming: streaming,
		deps:      deps,
		trees:     make(map[ObserverID]*tiletree.Tree),
		log:       logger.Named("terrain").With(zap.String("terrain", cfg.Name)),
	}

	c, err := t.open(cfg)
	if err != nil {
		return nil, err
	}
	t.components = c

	t.log.Info("terrain created",
		zap.String("shape", cfg.Shape.Kind),
		zap.Uint32("lod_count", cfg.LODCount),
		zap.Int("atlas_size", cfg.AtlasSize),
		zap.Int("attachments", len(cfg.Attachments)),
	)
	return t, nil
}

func (t *Terrain) open(cfg config.TerrainConfig) (components, error) {
	shape, err := cfg.Shape.Build()
	if err != nil {
		return components{}, fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}

	store, err := t.deps.store(cfg)
	if err != nil {
		return components{}, fmt.Errorf("opening tile store of %q: %w", cfg.Name, err)
	}

	descs := cfg.Descriptors()
	storage, err := t.deps.storage(descs, cfg.AtlasSize)
	if err != nil {
		return components{}, fmt.Errorf("allocating texture storage of %q: %w", cfg.Name, err)
	}

	// Every slot can have a load in flight at once.
	l := t.deps.loader(store, t.streaming.Workers, cfg.AtlasSize*len(descs))

	a, err := atlas.New(atlas.Options{
		TerrainName:            cfg.Name,
		Attachments:            descs,
		Capacity:               cfg.AtlasSize,
		MaxCompletionsPerFrame: t.streaming.MaxCompletionsPerFrame,
		MinIdleFrames:          t.streaming.MinIdleFrames,
		RetryCooldownFrames:    t.streaming.RetryCooldownFrames,
		MaxRetries:             t.streaming.MaxRetries,
		HeightMin:              cfg.MinHeight,
		HeightMax:              cfg.MaxHeight,
		Storage:                storage,
		Loader:                 l,
	})
	if err != nil {
		l.Close()
		storage.Release()
		return components{}, fmt.Errorf("creating atlas of %q: %w", cfg.Name, err)
	}

	return components{shape: shape, store: store, loader: l, atlas: a}, nil
}

// Name returns the terrain name.
func (t *Terrain) Name() string {
	return t.cfg.Name
}

// Config returns the configuration in effect. A queued reconfiguration is
// not visible until the next frame applied it.
func (t *Terrain) Config() config.TerrainConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg
}

// Stats returns the atlas statistics.
func (t *Terrain) Stats() atlas.Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return atlas.Stats{}
	}
	return t.atlas.Stats()
}

// LastFrame returns the statistics of the last frame.
func (t *Terrain) LastFrame() FrameStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Reconfigure validates cfg and queues it. It takes effect at the start of
// the next frame, never during one. Changing the attachments, the atlas
// size, the shape, the height range or the tile source rebuilds the atlas:
// every slot is dropped and the terrain streams in again. Other changes only
// update the tile trees.
func (t *Terrain) Reconfigure(cfg config.TerrainConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if cfg.Name != t.cfg.Name {
		return fmt.Errorf("%w: terrain %q cannot be renamed to %q", config.ErrInvalid, t.cfg.Name, cfg.Name)
	}
	t.pending = &cfg
	return nil
}

func needsRebuild(old, next config.TerrainConfig) bool {
	return old.Path != next.Path ||
		old.Shape != next.Shape ||
		old.AtlasSize != next.AtlasSize ||
		old.MinHeight != next.MinHeight ||
		old.MaxHeight != next.MaxHeight ||
		!slices.Equal(old.Attachments, next.Attachments)
}

func (t *Terrain) applyPending() error {
	next := *t.pending
	t.pending = nil

	rebuild := needsRebuild(t.cfg, next)
	if !rebuild {
		for _, tree := range t.trees {
			if err := tree.SetParams(next.Params()); err != nil {
				return fmt.Errorf("reconfiguring %q: %w", next.Name, err)
			}
		}
	} else {
		c, err := t.open(next)
		if err != nil {
			return fmt.Errorf("reconfiguring %q: %w", next.Name, err)
		}
		trees := make(map[ObserverID]*tiletree.Tree, len(t.trees))
		for id, old := range t.trees {
			tree, err := tiletree.New(c.shape, next.Params())
			if err != nil {
				c.close()
				return fmt.Errorf("reconfiguring %q: %w", next.Name, err)
			}
			tree.SetObserver(old.Observer())
			trees[id] = tree
		}

		if err := t.components.close(); err != nil {
			t.log.Warn("loader shutdown failed", zap.Error(err))
		}
		t.components = c
		t.trees = trees
	}

	t.cfg = next
	instrumentReconfigure(next.Name, rebuild)
	t.log.Info("terrain reconfigured", zap.Bool("rebuilt", rebuild))
	return nil
}

// Frame runs one frame of the streaming pipeline. A failed reconfiguration
// is returned after the frame ran with the previous configuration; tile
// load failures are never returned.
func (t *Terrain) Frame(ctx context.Context) (FrameStats, error) {
	if err := ctx.Err(); err != nil {
		return FrameStats{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return FrameStats{}, ErrClosed
	}

	start := time.Now()
	var reconfigureErr error
	if t.pending != nil {
		if reconfigureErr = t.applyPending(); reconfigureErr != nil {
			t.log.Error("reconfiguration rejected", zap.Error(reconfigureErr))
		}
	}

	t.frame++
	st := FrameStats{Frame: t.frame}
	ids := slices.Sorted(maps.Keys(t.trees))

	t.atlas.BeginFrame(t.frame)
	st.Completed = t.atlas.PollCompletions()

	for _, id := range ids {
		ts := t.trees[id].Traverse(t.atlas)
		st.Traversal.Visited += ts.Visited
		st.Traversal.Selected += ts.Selected
		st.Traversal.Prefetched += ts.Prefetched
	}

	st.Admission = t.atlas.Update()
	st.Dispatched = t.atlas.Dispatch()

	for _, id := range ids {
		v := t.trees[id].Resolve(t.atlas, t.frame)
		st.Entries += len(v.Entries)
		st.Fallbacks += v.Fallbacks
		st.Omitted += v.Omitted
	}

	st.Duration = time.Since(start)
	t.last = st
	instrumentFrame(t.cfg.Name, st)

	t.log.Debug("frame",
		zap.Uint64("frame", st.Frame),
		zap.Int("completed", st.Completed),
		zap.Int("admitted", st.Admission.Admitted),
		zap.Int("evicted", st.Admission.Evicted),
		zap.Int("deferred", st.Admission.Deferred),
		zap.Int("dispatched", st.Dispatched),
		zap.Int("entries", st.Entries),
		zap.Int("fallbacks", st.Fallbacks),
		zap.Duration("duration", st.Duration),
	)
	return st, reconfigureErr
}

func (t *Terrain) addObserver(id ObserverID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}

	tree, err := tiletree.New(t.shape, t.cfg.Params())
	if err != nil {
		return err
	}
	t.trees[id] = tree
	instrumentObservers(t.cfg.Name, len(t.trees))
	return nil
}

func (t *Terrain) removeObserver(id ObserverID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.trees, id)
	instrumentObservers(t.cfg.Name, len(t.trees))
}

func (t *Terrain) setObserver(id ObserverID, o tiletree.Observer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tree, ok := t.trees[id]
	if !ok {
		return ErrUnknownObserver
	}
	tree.SetObserver(o)
	return nil
}

func (t *Terrain) view(id ObserverID) (*tiletree.View, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tree, ok := t.trees[id]
	if !ok {
		return nil, ErrUnknownObserver
	}
	return tree.View(), nil
}

// Close stops the loader and returns every slot to Unloaded.
func (t *Terrain) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	err := t.components.close()
	clear(t.trees)
	forgetTerrain(t.cfg.Name)
	t.log.Info("terrain closed", zap.Uint64("frames", t.frame))
	return err
}
