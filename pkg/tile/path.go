package tile

import (
	"fmt"
	"path/filepath"
)

// Path returns the file holding mip level of the tile at c for the attachment
// label under root. Level 0 is "<root>/<label>/<face>_<lod>_<x>_<y>.<ext>",
// further levels insert "_mip<level>" before the extension.
func (c Coordinate) Path(root, label string, level uint32, enc Encoding) string {
	name := fmt.Sprintf("%d_%d_%d_%d", c.Face, c.LOD, c.X, c.Y)
	if level > 0 {
		name = fmt.Sprintf("%s_mip%d", name, level)
	}
	return filepath.Join(root, label, name+"."+enc.Extension())
}
