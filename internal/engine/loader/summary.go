package loader

import (
	"math"

	"github.com/Faultbox/tilestream/pkg/tile"
)

// SummaryGrid is the number of cells along each edge of a HeightSummary.
const SummaryGrid = 8

// HeightSummary is a coarse min/max grid over the interior of a height tile
// (the border halo is excluded). It lets the tile tree bound the surface of
// any descendant node without reading texels on the frame thread.
type HeightSummary struct {
	Min   float64
	Max   float64
	Cells [SummaryGrid * SummaryGrid]HeightRange
}

// HeightRange is a closed height interval.
type HeightRange struct {
	Min float64
	Max float64
}

// Union returns the smallest interval containing both.
func (r HeightRange) Union(other HeightRange) HeightRange {
	return HeightRange{Min: math.Min(r.Min, other.Min), Max: math.Max(r.Max, other.Max)}
}

// Summarize computes the HeightSummary of the base level of a height tile.
func Summarize(desc tile.AttachmentDescriptor, data []byte, minHeight, maxHeight float64) *HeightSummary {
	s := &HeightSummary{Min: math.Inf(1), Max: math.Inf(-1)}
	for i := range s.Cells {
		s.Cells[i] = HeightRange{Min: math.Inf(1), Max: math.Inf(-1)}
	}

	size := int(desc.TextureSize)
	border := int(desc.BorderSize)
	center := int(desc.CenterSize())

	for y := 0; y < center; y++ {
		cy := y * SummaryGrid / center
		row := (y + border) * size
		for x := 0; x < center; x++ {
			cx := x * SummaryGrid / center
			h := HeightValue(desc.Format, data, row+x+border, minHeight, maxHeight)
			if math.IsNaN(h) {
				continue
			}

			cell := &s.Cells[cy*SummaryGrid+cx]
			cell.Min = math.Min(cell.Min, h)
			cell.Max = math.Max(cell.Max, h)
			s.Min = math.Min(s.Min, h)
			s.Max = math.Max(s.Max, h)
		}
	}

	// Cells that received no texels (centers smaller than the grid, or all
	// NaN) inherit the tile-wide range.
	if s.Min > s.Max {
		s.Min, s.Max = minHeight, maxHeight
	}
	for i := range s.Cells {
		if s.Cells[i].Min > s.Cells[i].Max {
			s.Cells[i] = HeightRange{Min: s.Min, Max: s.Max}
		}
	}
	return s
}

// Range returns the height interval covering the tile-local region
// [u0, u1] x [v0, v1] of the interior, with coordinates in [0, 1].
func (s *HeightSummary) Range(u0, v0, u1, v1 float64) HeightRange {
	x0, x1 := cellSpan(u0, u1)
	y0, y1 := cellSpan(v0, v1)

	r := HeightRange{Min: math.Inf(1), Max: math.Inf(-1)}
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			r = r.Union(s.Cells[y*SummaryGrid+x])
		}
	}
	return r
}

func cellSpan(a, b float64) (int, int) {
	lo := int(math.Floor(a * SummaryGrid))
	// A region ending exactly on a cell edge does not touch the next cell.
	hi := int(math.Ceil(b*SummaryGrid)) - 1
	lo = max(0, min(lo, SummaryGrid-1))
	hi = max(lo, min(hi, SummaryGrid-1))
	return lo, hi
}
