package loader

import (
	"context"
	"fmt"
	"io/fs"
	"math"

	"github.com/Faultbox/tilestream/pkg/tile"
)

// SyntheticStore generates tiles procedurally from a smooth height function
// of the face-local position. Every coordinate exists, so it is used for
// benchmarks and for viewing the streaming behaviour without preprocessed
// data. Only level 0 is produced; mips are filtered by the loader.
type SyntheticStore struct {
	MinHeight float64
	MaxHeight float64
}

// Height returns the synthetic height at face-local (u, v) in [0, 1]².
func (s SyntheticStore) Height(face uint32, u, v float64) float64 {
	phase := float64(face) * 0.7
	t := 0.5 +
		0.25*math.Sin(2*math.Pi*(u*3+phase))*math.Cos(2*math.Pi*(v*2-phase)) +
		0.15*math.Sin(2*math.Pi*(u*11+v*7)) +
		0.1*math.Cos(2*math.Pi*(u*29-v*31))
	return s.MinHeight + (s.MaxHeight-s.MinHeight)*math.Max(0, math.Min(1, t))
}

// ReadLevel implements Store.
func (s SyntheticStore) ReadLevel(ctx context.Context, desc tile.AttachmentDescriptor, c tile.Coordinate, level uint32) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if level > 0 {
		return nil, fmt.Errorf("%s/%s mip %d: %w", desc.Label, c, level, fs.ErrNotExist)
	}

	size := int(desc.TextureSize)
	border := float64(desc.BorderSize)
	center := float64(desc.CenterSize())
	u0, v0, u1, v1 := c.UV()

	data := make([]byte, desc.LevelBytes(0))
	for y := 0; y < size; y++ {
		// Border texels extend past the tile edge into the neighbours.
		v := v0 + (v1-v0)*(float64(y)-border+0.5)/center
		for x := 0; x < size; x++ {
			u := u0 + (u1-u0)*(float64(x)-border+0.5)/center
			EncodeHeight(desc.Format, data, y*size+x, s.Height(c.Face, u, v), s.MinHeight, s.MaxHeight)
		}
	}
	return data, nil
}
