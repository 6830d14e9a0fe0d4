package atlas

import (
	"github.com/Faultbox/tilestream/pkg/tile"
)

// SlotState is the lifecycle state of an atlas slot.
type SlotState uint8

const (
	Unloaded SlotState = iota
	Requested
	Loading
	Loaded
	Failed
)

func (s SlotState) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Requested:
		return "requested"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Slot is a snapshot of one atlas slot.
type Slot struct {
	Index         int
	Coordinate    tile.Coordinate
	Occupied      bool
	State         SlotState
	LastUsedFrame uint64
	RequestID     uint64
	Attempts      int
	FailedFrame   uint64
	Err           error
}

// idle reports whether an occupied slot has settled and gone unused for at
// least minIdle frames. Requested and Loading slots never are.
func (s *Slot) idle(frame uint64, minIdle uint64) bool {
	if !s.Occupied {
		return false
	}
	if s.State != Loaded && s.State != Failed {
		return false
	}
	return frame >= s.LastUsedFrame && frame-s.LastUsedFrame >= minIdle
}

// Status is the answer to a Request.
type Status uint8

const (
	// StatusPending means the tile is waiting for a slot or for dispatch.
	StatusPending Status = iota
	StatusLoading
	StatusLoaded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusLoading:
		return "loading"
	case StatusLoaded:
		return "loaded"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// SlotStatus reports the state of a requested tile and its slot index, or -1
// when it has no slot yet.
type SlotStatus struct {
	Status Status
	Slot   int
}
