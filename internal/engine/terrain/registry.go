package terrain

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime"
	"slices"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Faultbox/tilestream/internal/config"
	"github.com/Faultbox/tilestream/internal/engine/tiletree"
	"github.com/Faultbox/tilestream/internal/logger"
)

var (
	ErrUnknownTerrain  = errors.New("unknown terrain")
	ErrUnknownObserver = errors.New("unknown observer")
)

// TerrainID is a terrain handle issued by a Registry.
type TerrainID uint32

// ObserverID is an observer handle issued by a Registry. Observer handles
// are unique across all terrains of the registry.
type ObserverID uint32

// Registry maps terrain and observer handles to their terrains and tile
// trees. Handles are never reused, so a stale handle fails with
// ErrUnknownTerrain or ErrUnknownObserver instead of reaching a newer
// terrain.
type Registry struct {
	streaming config.StreamingConfig
	deps      Deps

	mutex        sync.RWMutex
	terrains     map[TerrainID]*Terrain
	observers    map[ObserverID]TerrainID
	lastTerrain  TerrainID
	lastObserver ObserverID

	log *zap.Logger
}

// NewRegistry creates an empty registry. Every terrain added to it streams
// with the given settings and collaborators.
func NewRegistry(streaming config.StreamingConfig, deps Deps) *Registry {
	return &Registry{
		streaming: streaming,
		deps:      deps,
		terrains:  make(map[TerrainID]*Terrain),
		observers: make(map[ObserverID]TerrainID),
		log:       logger.Named("registry"),
	}
}

// AddTerrain creates a terrain. An invalid configuration is rejected with an
// error wrapping config.ErrInvalid and affects no other terrain.
func (r *Registry) AddTerrain(cfg config.TerrainConfig) (TerrainID, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, t := range r.terrains {
		if t.Name() == cfg.Name {
			return 0, fmt.Errorf("%w: terrain %q already exists", config.ErrInvalid, cfg.Name)
		}
	}

	t, err := newTerrain(cfg, r.streaming, r.deps)
	if err != nil {
		return 0, err
	}

	r.lastTerrain++
	r.terrains[r.lastTerrain] = t
	r.log.Info("terrain added", zap.Uint32("terrain_id", uint32(r.lastTerrain)), zap.String("name", cfg.Name))
	return r.lastTerrain, nil
}

// RemoveTerrain tears the terrain down together with its observers.
func (r *Registry) RemoveTerrain(id TerrainID) error {
	r.mutex.Lock()
	t, ok := r.terrains[id]
	if !ok {
		r.mutex.Unlock()
		return ErrUnknownTerrain
	}
	delete(r.terrains, id)
	for oid, tid := range r.observers {
		if tid == id {
			delete(r.observers, oid)
		}
	}
	r.mutex.Unlock()

	r.log.Info("terrain removed", zap.Uint32("terrain_id", uint32(id)), zap.String("name", t.Name()))
	return t.Close()
}

// Terrain returns the terrain of a handle.
func (r *Registry) Terrain(id TerrainID) (*Terrain, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	t, ok := r.terrains[id]
	if !ok {
		return nil, ErrUnknownTerrain
	}
	return t, nil
}

// Terrains returns the handles of all terrains in ascending order.
func (r *Registry) Terrains() []TerrainID {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return slices.Sorted(maps.Keys(r.terrains))
}

// AddObserver adds an observer with its own tile tree to a terrain.
func (r *Registry) AddObserver(tid TerrainID) (ObserverID, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	t, ok := r.terrains[tid]
	if !ok {
		return 0, ErrUnknownTerrain
	}

	id := r.lastObserver + 1
	if err := t.addObserver(id); err != nil {
		return 0, err
	}
	r.lastObserver = id
	r.observers[id] = tid
	return id, nil
}

// RemoveObserver removes an observer. Its tiles stay cached until their
// slots are needed for other requests.
func (r *Registry) RemoveObserver(tid TerrainID, oid ObserverID) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	t, err := r.lookup(tid, oid)
	if err != nil {
		return err
	}
	delete(r.observers, oid)
	t.removeObserver(oid)
	return nil
}

// SetObserver moves an observer. The next frame traverses from there.
func (r *Registry) SetObserver(tid TerrainID, oid ObserverID, o tiletree.Observer) error {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	t, err := r.lookup(tid, oid)
	if err != nil {
		return err
	}
	return t.setObserver(oid, o)
}

// View returns the last view published for an observer, or nil if no frame
// ran since it was added.
func (r *Registry) View(tid TerrainID, oid ObserverID) (*tiletree.View, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	t, err := r.lookup(tid, oid)
	if err != nil {
		return nil, err
	}
	return t.view(oid)
}

// Reconfigure queues a new configuration for a terrain; see
// Terrain.Reconfigure.
func (r *Registry) Reconfigure(tid TerrainID, cfg config.TerrainConfig) error {
	t, err := r.Terrain(tid)
	if err != nil {
		return err
	}
	return t.Reconfigure(cfg)
}

// lookup must be called with the mutex held.
func (r *Registry) lookup(tid TerrainID, oid ObserverID) (*Terrain, error) {
	t, ok := r.terrains[tid]
	if !ok {
		return nil, ErrUnknownTerrain
	}
	if owner, ok := r.observers[oid]; !ok || owner != tid {
		return nil, ErrUnknownObserver
	}
	return t, nil
}

// Frame runs one frame of every terrain. Terrains are independent, so with
// Streaming.Parallel set they run concurrently. An error of one terrain does
// not stop the others; all errors are returned together.
func (r *Registry) Frame(ctx context.Context) error {
	r.mutex.RLock()
	ids := slices.Sorted(maps.Keys(r.terrains))
	terrains := make([]*Terrain, len(ids))
	for i, id := range ids {
		terrains[i] = r.terrains[id]
	}
	r.mutex.RUnlock()

	errs := make([]error, len(terrains))
	run := func(i int) {
		if _, err := terrains[i].Frame(ctx); err != nil && !errors.Is(err, ErrClosed) {
			errs[i] = fmt.Errorf("terrain %q: %w", terrains[i].Name(), err)
		}
	}

	if !r.streaming.Parallel || len(terrains) < 2 {
		for i := range terrains {
			run(i)
		}
		return multierr.Combine(errs...)
	}

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range terrains {
		g.Go(func() error {
			run(i)
			return nil
		})
	}
	_ = g.Wait()
	return multierr.Combine(errs...)
}

// Close removes every terrain.
func (r *Registry) Close() error {
	var err error
	for _, id := range r.Terrains() {
		err = multierr.Append(err, r.RemoveTerrain(id))
	}
	return err
}
