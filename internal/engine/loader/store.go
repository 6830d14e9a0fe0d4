package loader

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/image/tiff"

	"github.com/Faultbox/tilestream/pkg/tile"
)

// Store is the backing tile store. ReadLevel returns the raw texels of one
// mip level, row-major, including the border halo. A missing file is
// reported with an error wrapping fs.ErrNotExist.
type Store interface {
	ReadLevel(ctx context.Context, desc tile.AttachmentDescriptor, c tile.Coordinate, level uint32) ([]byte, error)
}

// FileStore reads tiles produced by the preprocessing pipeline from a terrain
// directory laid out as described by tile.Coordinate.Path.
type FileStore struct {
	Root string

	once    sync.Once
	decoder *zstd.Decoder
	initErr error
}

// NewFileStore creates a store rooted at the terrain directory root.
func NewFileStore(root string) *FileStore {
	return &FileStore{Root: root}
}

// ReadLevel implements Store.
func (s *FileStore) ReadLevel(ctx context.Context, desc tile.AttachmentDescriptor, c tile.Coordinate, level uint32) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	enc := desc.Encoding
	if enc == "" {
		enc = tile.EncodingRaw
	}

	path := c.Path(s.Root, desc.Label, level, enc)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	switch enc {
	case tile.EncodingZstd:
		return s.decompress(data)
	case tile.EncodingTIFF:
		img, err := tiff.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
		return ImageTexels(img, desc.Format)
	default:
		return data, nil
	}
}

// Close releases the zstd decoder.
func (s *FileStore) Close() {
	if s.decoder != nil {
		s.decoder.Close()
	}
}

func (s *FileStore) decompress(data []byte) ([]byte, error) {
	s.once.Do(func() {
		// DecodeAll is safe for concurrent use by the worker pool.
		s.decoder, s.initErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	if s.initErr != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", s.initErr)
	}
	out, err := s.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	return out, nil
}

// ImageTexels converts a decoded image to row-major texels of format.
// Only formats an 8 or 16 bit image can represent are supported.
func ImageTexels(img image.Image, format tile.AttachmentFormat) ([]byte, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]byte, w*h*format.BytesPerTexel())

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := img.At(x, y)
			switch format {
			case tile.FormatRgb8U:
				n := color.NRGBAModel.Convert(c).(color.NRGBA)
				out[i], out[i+1], out[i+2] = n.R, n.G, n.B
			case tile.FormatRgba8U:
				n := color.NRGBAModel.Convert(c).(color.NRGBA)
				out[i], out[i+1], out[i+2], out[i+3] = n.R, n.G, n.B, n.A
			case tile.FormatR16U:
				g := color.Gray16Model.Convert(c).(color.Gray16)
				binary.LittleEndian.PutUint16(out[i:], g.Y)
			case tile.FormatR16I:
				g := color.Gray16Model.Convert(c).(color.Gray16)
				binary.LittleEndian.PutUint16(out[i:], uint16(int16(int32(g.Y)-32768)))
			default:
				return nil, fmt.Errorf("format %s cannot be stored as an image", format)
			}
			i += format.BytesPerTexel()
		}
	}
	return out, nil
}
