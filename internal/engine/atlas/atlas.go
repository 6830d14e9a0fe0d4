// Package atlas implements the tile atlas: a fixed pool of texture slots per
// attachment, a slot table mapping tile coordinates to slots, admission and
// LRU eviction of demanded tiles, and the hand-off between the frame loop and
// the asynchronous loader.
//
// An Atlas is driven by a single goroutine, once per frame:
//
//	a.BeginFrame(frame)
//	a.PollCompletions() // finished loads become Loaded or Failed
//	a.Request(...)      // every tile the tile trees need this frame
//	a.Update()          // admission and eviction
//	a.Dispatch()        // Requested slots start loading
//
// Only slots in the Loaded state are ever reported by Resident.
package atlas

import (
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Faultbox/tilestream/internal/engine/loader"
	"github.com/Faultbox/tilestream/internal/engine/texture"
	"github.com/Faultbox/tilestream/internal/logger"
	"github.com/Faultbox/tilestream/pkg/tile"
)

// Default tuning values.
const (
	DefaultMaxCompletionsPerFrame = 64
	DefaultMinIdleFrames          = 1
	DefaultRetryCooldownFrames    = 60
	DefaultMaxRetries             = 3
)

// requestSeq makes request ids unique across atlases, so a completion can
// never be matched to a slot of a rebuilt atlas.
var requestSeq atomic.Uint64

// Options configures a new Atlas.
type Options struct {
	TerrainName string
	Attachments []tile.AttachmentDescriptor
	// Capacity is the number of slots per attachment.
	Capacity int

	// MaxCompletionsPerFrame bounds the completions drained per frame.
	// Zero or less drains everything that is ready.
	MaxCompletionsPerFrame int
	// MinIdleFrames is how many frames a slot must go unused before it can
	// be evicted.
	MinIdleFrames int
	// RetryCooldownFrames is how long a failed tile waits before it is
	// loaded again.
	RetryCooldownFrames int
	// MaxRetries caps reloads of a failed tile while it keeps its slot.
	MaxRetries int

	// HeightMin and HeightMax map normalized height texels to world units
	// when building height summaries.
	HeightMin float64
	HeightMax float64

	Policy  EvictionPolicy
	Storage texture.Storage
	Loader  loader.Loader
}

type demandKey struct {
	coord      tile.Coordinate
	attachment int
}

type table struct {
	desc      tile.AttachmentDescriptor
	slots     []Slot
	index     map[tile.Coordinate]int
	free      []int // descending, so the lowest index is popped first
	summaries []*loader.HeightSummary

	// candidates is the sorted eviction list for the current Update.
	candidates []int
	sorted     bool
}

func newTable(desc tile.AttachmentDescriptor, capacity int) *table {
	t := &table{
		desc:      desc,
		slots:     make([]Slot, capacity),
		index:     make(map[tile.Coordinate]int, capacity),
		free:      make([]int, capacity),
		summaries: make([]*loader.HeightSummary, capacity),
	}
	for i := range t.slots {
		t.slots[i].Index = i
		t.free[i] = capacity - 1 - i
	}
	return t
}

func (t *table) lookup(c tile.Coordinate) (*Slot, bool) {
	i, ok := t.index[c]
	if !ok {
		return nil, false
	}
	return &t.slots[i], true
}

func (t *table) count(state SlotState) int {
	n := 0
	for i := range t.slots {
		if t.slots[i].Occupied && t.slots[i].State == state {
			n++
		}
	}
	return n
}

// UpdateStats summarizes one Update.
type UpdateStats struct {
	Admitted int
	Evicted  int
	Deferred int
	Retried  int
}

// Stats is a snapshot of atlas occupancy and counters.
type Stats struct {
	Frame     uint64
	Capacity  int
	Occupied  int
	Requested int
	Loading   int
	Loaded    int
	Failed    int

	LoadsStarted   uint64
	LoadsCompleted uint64
	LoadsFailed    uint64
	Evictions      uint64
	Deferred       uint64
	Stale          uint64
}

// Atlas is the per-terrain tile cache. It is not safe for concurrent use.
type Atlas struct {
	opts   Options
	tables []*table
	height int // index of the height attachment, or -1

	frame      uint64
	demand     map[demandKey]struct{}
	demandList []demandKey
	pending    []demandKey

	stats Stats
	log   *zap.Logger
}

// New creates an atlas with every slot Unloaded.
func New(opts Options) (*Atlas, error) {
	if opts.Capacity <= 0 {
		return nil, fmt.Errorf("atlas capacity must be positive, got %d", opts.Capacity)
	}
	if len(opts.Attachments) == 0 || len(opts.Attachments) > tile.MaxAttachments {
		return nil, fmt.Errorf("atlas needs 1 to %d attachments, got %d", tile.MaxAttachments, len(opts.Attachments))
	}
	for _, desc := range opts.Attachments {
		if err := desc.Validate(); err != nil {
			return nil, fmt.Errorf("attachment %q: %w", desc.Label, err)
		}
	}
	if opts.Storage == nil || opts.Loader == nil {
		return nil, errors.New("atlas needs a storage and a loader")
	}
	if opts.Policy == nil {
		opts.Policy = LRU{}
	}
	if opts.MinIdleFrames < 0 {
		opts.MinIdleFrames = 0
	}

	a := &Atlas{
		opts:   opts,
		tables: make([]*table, len(opts.Attachments)),
		height: -1,
		demand: make(map[demandKey]struct{}),
		log:    logger.Named("atlas").With(zap.String("terrain", opts.TerrainName)),
	}
	for i, desc := range opts.Attachments {
		a.tables[i] = newTable(desc, opts.Capacity)
		if desc.Label == tile.HeightLabel {
			a.height = i
		}
	}
	a.stats.Capacity = opts.Capacity
	return a, nil
}

// Attachments returns the attachment descriptors, in attachment order.
func (a *Atlas) Attachments() []tile.AttachmentDescriptor {
	return a.opts.Attachments
}

// BeginFrame starts collecting the request set of frame.
func (a *Atlas) BeginFrame(frame uint64) {
	a.frame = frame
	a.stats.Frame = frame
	clear(a.demand)
	a.demandList = a.demandList[:0]
}

// Request records that coordinate c of attachment is needed this frame.
// Repeated requests within a frame are merged. A request never blocks and
// never allocates a slot by itself; admission happens in Update.
func (a *Atlas) Request(c tile.Coordinate, attachment int) SlotStatus {
	if attachment < 0 || attachment >= len(a.tables) {
		return SlotStatus{Status: StatusFailed, Slot: -1}
	}

	key := demandKey{c, attachment}
	if _, ok := a.demand[key]; !ok {
		a.demand[key] = struct{}{}
		a.demandList = append(a.demandList, key)
	}

	s, ok := a.tables[attachment].lookup(c)
	if !ok {
		return SlotStatus{Status: StatusPending, Slot: -1}
	}
	s.LastUsedFrame = a.frame

	switch s.State {
	case Loaded:
		return SlotStatus{Status: StatusLoaded, Slot: s.Index}
	case Loading:
		return SlotStatus{Status: StatusLoading, Slot: s.Index}
	case Failed:
		return SlotStatus{Status: StatusFailed, Slot: s.Index}
	default:
		return SlotStatus{Status: StatusPending, Slot: s.Index}
	}
}

// RequestAll requests c for every attachment.
func (a *Atlas) RequestAll(c tile.Coordinate) {
	for i := range a.tables {
		a.Request(c, i)
	}
}

// Update admits this frame's demand into slots. Tiles are admitted coarse
// level first, so the roots every fallback chain ends in are never starved
// by finer tiles. When no slot is free the least recently used idle slot is
// evicted; when none is idle the request is deferred to a later frame.
func (a *Atlas) Update() UpdateStats {
	var st UpdateStats

	slices.SortFunc(a.demandList, func(x, y demandKey) int {
		if x.coord != y.coord {
			if x.coord.Less(y.coord) {
				return -1
			}
			return 1
		}
		return x.attachment - y.attachment
	})

	for _, t := range a.tables {
		t.candidates = t.candidates[:0]
		t.sorted = false
	}

	deferred := make([]int, len(a.tables))
	for _, key := range a.demandList {
		t := a.tables[key.attachment]

		if s, ok := t.lookup(key.coord); ok {
			if s.State == Failed && a.retryDue(s) {
				a.admit(t, s.Index, key, s.Attempts)
				st.Retried++
			}
			continue
		}

		idx, evicted := a.claim(t, key.attachment)
		if idx < 0 {
			deferred[key.attachment]++
			continue
		}
		if evicted {
			st.Evicted++
		}
		a.admit(t, idx, key, 0)
		st.Admitted++
	}

	for i, t := range a.tables {
		st.Deferred += deferred[i]
		instrumentDeferred(a.opts.TerrainName, t.desc.Label, deferred[i])
	}
	a.stats.Deferred += uint64(st.Deferred)
	a.stats.Evictions += uint64(st.Evicted)

	if st.Deferred > 0 {
		a.log.Debug("atlas full, requests deferred",
			zap.Uint64("frame", a.frame),
			zap.Int("deferred", st.Deferred),
		)
	}
	return st
}

func (a *Atlas) retryDue(s *Slot) bool {
	if s.Attempts > a.opts.MaxRetries {
		return false
	}
	return a.frame >= s.FailedFrame && a.frame-s.FailedFrame >= uint64(a.opts.RetryCooldownFrames)
}

// claim returns a slot for a new tile: a free one if any, otherwise the
// first eviction candidate under the policy. It returns -1 if neither exists.
func (a *Atlas) claim(t *table, attachment int) (int, bool) {
	if n := len(t.free); n > 0 {
		idx := t.free[n-1]
		t.free = t.free[:n-1]
		return idx, false
	}

	if !t.sorted {
		a.collectCandidates(t, attachment)
	}
	if len(t.candidates) == 0 {
		return -1, false
	}

	idx := t.candidates[0]
	t.candidates = t.candidates[1:]
	a.evict(t, idx)
	return idx, true
}

func (a *Atlas) collectCandidates(t *table, attachment int) {
	minIdle := uint64(a.opts.MinIdleFrames)
	for i := range t.slots {
		s := &t.slots[i]
		if !s.idle(a.frame, minIdle) {
			continue
		}
		if _, wanted := a.demand[demandKey{s.Coordinate, attachment}]; wanted {
			continue
		}
		t.candidates = append(t.candidates, i)
	}
	slices.SortFunc(t.candidates, func(x, y int) int {
		switch {
		case a.opts.Policy.Less(t.slots[x], t.slots[y]):
			return -1
		case a.opts.Policy.Less(t.slots[y], t.slots[x]):
			return 1
		}
		return x - y
	})
	t.sorted = true
}

func (a *Atlas) evict(t *table, idx int) {
	s := &t.slots[idx]
	a.log.Debug("slot evicted",
		zap.String("attachment", t.desc.Label),
		zap.Int("slot", idx),
		zap.Object("tile", s.Coordinate),
		zap.Stringer("state", s.State),
		zap.Uint64("last_used", s.LastUsedFrame),
	)
	instrumentEviction(a.opts.TerrainName, t.desc.Label)

	delete(t.index, s.Coordinate)
	t.summaries[idx] = nil
	*s = Slot{Index: idx}
}

func (a *Atlas) admit(t *table, idx int, key demandKey, attempts int) {
	t.slots[idx] = Slot{
		Index:         idx,
		Coordinate:    key.coord,
		Occupied:      true,
		State:         Requested,
		LastUsedFrame: a.frame,
		RequestID:     requestSeq.Add(1),
		Attempts:      attempts,
	}
	t.index[key.coord] = idx
	a.pending = append(a.pending, key)
}

// Dispatch hands every Requested slot to the loader, in admission order.
// Jobs the loader cannot queue stay Requested and are retried next frame.
func (a *Atlas) Dispatch() int {
	started := 0
	kept := a.pending[:0]
	for _, key := range a.pending {
		t := a.tables[key.attachment]
		s, ok := t.lookup(key.coord)
		if !ok || s.State != Requested {
			continue
		}

		job := loader.Job{
			RequestID:  s.RequestID,
			Terrain:    a.opts.TerrainName,
			Coordinate: key.coord,
			Attachment: key.attachment,
			Descriptor: t.desc,
		}
		if key.attachment == a.height {
			job.Summarize = true
			job.HeightMin = a.opts.HeightMin
			job.HeightMax = a.opts.HeightMax
		}

		if !a.opts.Loader.Submit(job) {
			kept = append(kept, key)
			continue
		}
		s.State = Loading
		started++
		instrumentLoadStarted(a.opts.TerrainName, t.desc.Label)
	}
	a.pending = kept
	a.stats.LoadsStarted += uint64(started)
	return started
}

// PollCompletions drains finished loads without blocking, up to the per-frame
// limit. Completions for slots that were reassigned are discarded.
func (a *Atlas) PollCompletions() int {
	limit := a.opts.MaxCompletionsPerFrame
	n := 0
	for limit <= 0 || n < limit {
		select {
		case c := <-a.opts.Loader.Completions():
			a.complete(c)
			n++
		default:
			a.instrumentResidency()
			return n
		}
	}
	a.instrumentResidency()
	return n
}

func (a *Atlas) complete(c loader.Completion) {
	job := c.Job
	if job.Attachment < 0 || job.Attachment >= len(a.tables) {
		a.stats.Stale++
		return
	}
	t := a.tables[job.Attachment]
	s, ok := t.lookup(job.Coordinate)
	if !ok || s.RequestID != job.RequestID || s.State != Loading {
		a.stats.Stale++
		a.log.Debug("stale completion discarded",
			zap.String("attachment", t.desc.Label),
			zap.Object("tile", job.Coordinate),
			zap.Uint64("request_id", job.RequestID),
		)
		return
	}

	err := c.Err
	if err == nil && c.Tile == nil {
		err = errors.New("load returned no data")
	}
	if err == nil {
		err = a.opts.Storage.Upload(job.Attachment, s.Index, c.Tile.Levels)
		if err != nil {
			err = fmt.Errorf("uploading to slot %d: %w", s.Index, err)
		}
	}
	instrumentLoadCompleted(a.opts.TerrainName, t.desc.Label, err)
	a.stats.LoadsCompleted++

	if err != nil {
		s.State = Failed
		s.Attempts++
		s.FailedFrame = a.frame
		s.Err = err
		a.stats.LoadsFailed++
		a.log.Warn("tile load failed",
			zap.String("attachment", t.desc.Label),
			zap.Object("tile", job.Coordinate),
			zap.Int("attempts", s.Attempts),
			zap.Error(err),
		)
		return
	}

	s.State = Loaded
	s.Err = nil
	t.summaries[s.Index] = c.Tile.Height
}

func (a *Atlas) instrumentResidency() {
	for _, t := range a.tables {
		instrumentResident(a.opts.TerrainName, t.desc.Label, t.count(Loaded))
	}
}

// Resident returns the slot of c for attachment if its tile is Loaded.
func (a *Atlas) Resident(c tile.Coordinate, attachment int) (int, bool) {
	if attachment < 0 || attachment >= len(a.tables) {
		return -1, false
	}
	s, ok := a.tables[attachment].lookup(c)
	if !ok || s.State != Loaded {
		return -1, false
	}
	return s.Index, true
}

// ResidentAll returns the slots of c for every attachment if all of them are
// Loaded. Entries past the attachment count are -1.
func (a *Atlas) ResidentAll(c tile.Coordinate) ([tile.MaxAttachments]int, bool) {
	var slots [tile.MaxAttachments]int
	for i := range slots {
		slots[i] = -1
	}
	for i := range a.tables {
		idx, ok := a.Resident(c, i)
		if !ok {
			return slots, false
		}
		slots[i] = idx
	}
	return slots, true
}

// State returns the state of c in attachment, Unloaded if it has no slot.
func (a *Atlas) State(c tile.Coordinate, attachment int) SlotState {
	if attachment < 0 || attachment >= len(a.tables) {
		return Unloaded
	}
	s, ok := a.tables[attachment].lookup(c)
	if !ok {
		return Unloaded
	}
	return s.State
}

// Slot returns a snapshot of one slot. An index outside the table, such as
// the -1 of an unresolved lookup, yields an Unloaded slot with Index -1.
func (a *Atlas) Slot(attachment, index int) Slot {
	if attachment < 0 || attachment >= len(a.tables) {
		return Slot{Index: -1}
	}
	t := a.tables[attachment]
	if index < 0 || index >= len(t.slots) {
		return Slot{Index: -1}
	}
	return t.slots[index]
}

// HeightSummary returns the height summary of c if its height tile is Loaded.
func (a *Atlas) HeightSummary(c tile.Coordinate) (*loader.HeightSummary, bool) {
	if a.height < 0 {
		return nil, false
	}
	idx, ok := a.Resident(c, a.height)
	if !ok {
		return nil, false
	}
	summary := a.tables[a.height].summaries[idx]
	return summary, summary != nil
}

// Stats returns current occupancy and lifetime counters.
func (a *Atlas) Stats() Stats {
	st := a.stats
	for _, t := range a.tables {
		st.Occupied += len(t.index)
		st.Requested += t.count(Requested)
		st.Loading += t.count(Loading)
		st.Loaded += t.count(Loaded)
		st.Failed += t.count(Failed)
	}
	return st
}

// Close returns every slot to Unloaded and releases the texture storage.
// In-flight loads complete into nothing.
func (a *Atlas) Close() {
	for _, t := range a.tables {
		t.free = t.free[:len(t.slots)]
		t.candidates = t.candidates[:0]
		t.sorted = false
		for i := range t.slots {
			t.slots[i] = Slot{Index: i}
			t.summaries[i] = nil
			t.free[i] = len(t.slots) - 1 - i
		}
		clear(t.index)
		forgetTerrain(a.opts.TerrainName, t.desc.Label)
	}
	a.pending = nil
	clear(a.demand)
	a.demandList = a.demandList[:0]
	a.opts.Storage.Release()
}
