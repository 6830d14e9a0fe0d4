package tile

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"

	"go.uber.org/multierr"
)

// MaxAttachments is the number of attachment textures a terrain can bind.
const MaxAttachments = 8

// HeightLabel is the label of the attachment holding terrain elevation.
const HeightLabel = "height"

// AttachmentFormat describes the texel layout of an attachment.
type AttachmentFormat uint8

const (
	FormatRgb8U AttachmentFormat = iota
	FormatRgba8U
	FormatR16U
	FormatR16I
	FormatRg16U
	FormatR32F
)

var formatNames = map[AttachmentFormat]string{
	FormatRgb8U:  "rgb8u",
	FormatRgba8U: "rgba8u",
	FormatR16U:   "r16u",
	FormatR16I:   "r16i",
	FormatRg16U:  "rg16u",
	FormatR32F:   "r32f",
}

// BytesPerTexel returns the size of one texel in bytes.
func (f AttachmentFormat) BytesPerTexel() int {
	switch f {
	case FormatRgb8U:
		return 3
	case FormatRgba8U:
		return 4
	case FormatR16U, FormatR16I:
		return 2
	case FormatRg16U, FormatR32F:
		return 4
	}
	return 0
}

// Channels returns the number of channels per texel.
func (f AttachmentFormat) Channels() int {
	switch f {
	case FormatRgb8U:
		return 3
	case FormatRgba8U:
		return 4
	case FormatRg16U:
		return 2
	case FormatR16U, FormatR16I, FormatR32F:
		return 1
	}
	return 0
}

// ChannelBytes returns the size of a single channel value.
func (f AttachmentFormat) ChannelBytes() int {
	if c := f.Channels(); c > 0 {
		return f.BytesPerTexel() / c
	}
	return 0
}

// Valid reports whether f is a known format.
func (f AttachmentFormat) Valid() bool {
	_, ok := formatNames[f]
	return ok
}

func (f AttachmentFormat) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("format(%d)", uint8(f))
}

// ParseFormat parses a format name such as "r32f".
func ParseFormat(s string) (AttachmentFormat, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for f, name := range formatNames {
		if name == s {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown attachment format %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (f AttachmentFormat) MarshalText() ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("unknown attachment format %d", uint8(f))
	}
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *AttachmentFormat) UnmarshalText(text []byte) error {
	parsed, err := ParseFormat(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// Encoding is the on-disk representation of tile files.
type Encoding string

const (
	// EncodingRaw stores texels row-major without a header.
	EncodingRaw Encoding = "raw"
	// EncodingZstd stores raw texels compressed with zstd.
	EncodingZstd Encoding = "zstd"
	// EncodingTIFF stores an 8 or 16 bit TIFF image.
	EncodingTIFF Encoding = "tiff"
)

// Extension returns the file extension used for the encoding.
func (e Encoding) Extension() string {
	switch e {
	case EncodingZstd:
		return "bin.zst"
	case EncodingTIFF:
		return "tif"
	default:
		return "bin"
	}
}

// Valid reports whether e is a known encoding. The empty encoding means raw.
func (e Encoding) Valid() bool {
	switch e {
	case "", EncodingRaw, EncodingZstd, EncodingTIFF:
		return true
	}
	return false
}

// AttachmentDescriptor is the static configuration of one attachment channel.
// It is fixed at terrain creation.
type AttachmentDescriptor struct {
	Label         string
	Format        AttachmentFormat
	TextureSize   uint32
	BorderSize    uint32
	MipLevelCount uint32
	Encoding      Encoding
}

// CenterSize returns the usable interior edge length, without the border halo.
func (d AttachmentDescriptor) CenterSize() uint32 {
	return d.TextureSize - 2*d.BorderSize
}

// LevelSize returns the edge length of mip level.
func (d AttachmentDescriptor) LevelSize(level uint32) uint32 {
	size := d.TextureSize >> level
	if size == 0 {
		return 1
	}
	return size
}

// LevelBytes returns the exact byte length of mip level.
func (d AttachmentDescriptor) LevelBytes(level uint32) int {
	size := int(d.LevelSize(level))
	return size * size * d.Format.BytesPerTexel()
}

// MaxMipLevels returns the length of the full mip chain for TextureSize.
func (d AttachmentDescriptor) MaxMipLevels() uint32 {
	if d.TextureSize == 0 {
		return 0
	}
	return uint32(bits.Len32(d.TextureSize))
}

// Validate checks the descriptor for internal consistency.
func (d AttachmentDescriptor) Validate() error {
	var err error
	if d.Label == "" {
		err = multierr.Append(err, errors.New("attachment label is empty"))
	}
	if !d.Format.Valid() {
		err = multierr.Append(err, fmt.Errorf("attachment %q: unknown format %d", d.Label, d.Format))
	}
	if d.TextureSize == 0 {
		err = multierr.Append(err, fmt.Errorf("attachment %q: texture size must be positive", d.Label))
	}
	if 2*d.BorderSize >= d.TextureSize {
		err = multierr.Append(err, fmt.Errorf("attachment %q: border %d leaves no interior in %d texels",
			d.Label, d.BorderSize, d.TextureSize))
	}
	if d.MipLevelCount == 0 || d.MipLevelCount > d.MaxMipLevels() {
		err = multierr.Append(err, fmt.Errorf("attachment %q: mip level count %d outside [1, %d]",
			d.Label, d.MipLevelCount, d.MaxMipLevels()))
	}
	if !d.Encoding.Valid() {
		err = multierr.Append(err, fmt.Errorf("attachment %q: unknown encoding %q", d.Label, d.Encoding))
	}
	return err
}
