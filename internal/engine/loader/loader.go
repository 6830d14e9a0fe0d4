// Package loader turns (coordinate, attachment) requests into decoded texel
// data read from a backing tile store. Loads run on a worker pool and report
// back through a completion channel that the atlas drains once per frame.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/Faultbox/tilestream/pkg/tile"
)

// ErrSizeMismatch is returned when tile data does not match the byte length
// implied by the attachment format and texture size.
var ErrSizeMismatch = errors.New("tile size mismatch")

// Job is one tile load request.
type Job struct {
	RequestID  uint64
	Terrain    string
	Coordinate tile.Coordinate
	Attachment int
	Descriptor tile.AttachmentDescriptor

	// Summarize asks the worker to build a HeightSummary, mapping normalized
	// texel values into [HeightMin, HeightMax].
	Summarize bool
	HeightMin float64
	HeightMax float64
}

// TileData is a decoded tile: one texel buffer per mip level.
type TileData struct {
	Levels [][]byte
	Height *HeightSummary
}

// Completion reports the outcome of a Job.
type Completion struct {
	Job  Job
	Tile *TileData
	Err  error
}

// Loader accepts jobs and delivers completions asynchronously.
type Loader interface {
	// Submit queues a job without blocking. It returns false if the job
	// could not be queued; the caller retries on a later frame.
	Submit(job Job) bool
	// Completions delivers finished jobs. It is never closed while the
	// loader is in use.
	Completions() <-chan Completion
	// Close stops all workers and waits for them to exit.
	Close() error
}

// Load reads and validates every mip level of job's tile from store.
// Mip levels beyond the base that the store does not have are generated by
// box-filtering the previous level.
func Load(ctx context.Context, store Store, job Job) (*TileData, error) {
	desc := job.Descriptor
	coord := job.Coordinate

	base, err := store.ReadLevel(ctx, desc, coord, 0)
	if err != nil {
		return nil, fmt.Errorf("reading %s/%s: %w", desc.Label, coord, err)
	}
	if err := checkSize(desc, coord, 0, base); err != nil {
		return nil, err
	}

	levels := make([][]byte, desc.MipLevelCount)
	levels[0] = base
	for level := uint32(1); level < desc.MipLevelCount; level++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := store.ReadLevel(ctx, desc, coord, level)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			data = Downsample(desc.Format, levels[level-1], desc.LevelSize(level-1), desc.LevelSize(level))
		case err != nil:
			return nil, fmt.Errorf("reading %s/%s mip %d: %w", desc.Label, coord, level, err)
		default:
			if err := checkSize(desc, coord, level, data); err != nil {
				return nil, err
			}
		}
		levels[level] = data
	}

	data := &TileData{Levels: levels}
	if job.Summarize {
		data.Height = Summarize(desc, base, job.HeightMin, job.HeightMax)
	}
	return data, nil
}

func checkSize(desc tile.AttachmentDescriptor, coord tile.Coordinate, level uint32, data []byte) error {
	if want := desc.LevelBytes(level); len(data) != want {
		return fmt.Errorf("%w: %s/%s mip %d has %d bytes, want %d",
			ErrSizeMismatch, desc.Label, coord, level, len(data), want)
	}
	return nil
}
