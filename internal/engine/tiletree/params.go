package tiletree

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// Default distances, in multiples of the tile size of the node's level.
const (
	DefaultSubdivisionDistance = 2.0
	DefaultLoadDistance        = 3.0
	DefaultMorphDistance       = 4.0
	DefaultBlendDistance       = 3.0
	DefaultGridSize            = 16
)

// Params are the per-tree traversal parameters.
type Params struct {
	LODCount uint32

	// Distances are expressed in multiples of Shape.TileSize(lod), so the
	// same value applies to every level.
	SubdivisionDistance float64
	LoadDistance        float64
	MorphDistance       float64
	BlendDistance       float64

	// GridSize is the number of vertices along a tile edge used by the
	// render stage.
	GridSize uint32

	MinHeight float64
	MaxHeight float64
}

// DefaultParams returns parameters for lodCount levels.
func DefaultParams(lodCount uint32) Params {
	return Params{
		LODCount:            lodCount,
		SubdivisionDistance: DefaultSubdivisionDistance,
		LoadDistance:        DefaultLoadDistance,
		MorphDistance:       DefaultMorphDistance,
		BlendDistance:       DefaultBlendDistance,
		GridSize:            DefaultGridSize,
	}
}

// Validate reports every inconsistent parameter.
func (p Params) Validate() error {
	var err error
	if p.LODCount == 0 {
		err = multierr.Append(err, errors.New("lod count must be at least 1"))
	}
	if p.LODCount > 31 {
		err = multierr.Append(err, fmt.Errorf("lod count %d exceeds 31", p.LODCount))
	}
	if p.SubdivisionDistance <= 0 {
		err = multierr.Append(err, fmt.Errorf("subdivision distance must be positive, got %v", p.SubdivisionDistance))
	}
	if p.LoadDistance < p.SubdivisionDistance {
		err = multierr.Append(err, fmt.Errorf("load distance %v is below subdivision distance %v", p.LoadDistance, p.SubdivisionDistance))
	}
	if p.MorphDistance <= p.SubdivisionDistance {
		err = multierr.Append(err, fmt.Errorf("morph distance %v must exceed subdivision distance %v", p.MorphDistance, p.SubdivisionDistance))
	}
	if p.BlendDistance <= p.SubdivisionDistance {
		err = multierr.Append(err, fmt.Errorf("blend distance %v must exceed subdivision distance %v", p.BlendDistance, p.SubdivisionDistance))
	}
	if p.GridSize < 2 {
		err = multierr.Append(err, fmt.Errorf("grid size must be at least 2, got %d", p.GridSize))
	}
	if p.MinHeight > p.MaxHeight {
		err = multierr.Append(err, fmt.Errorf("min height %v exceeds max height %v", p.MinHeight, p.MaxHeight))
	}
	return err
}
