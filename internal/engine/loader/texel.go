package loader

import (
	"encoding/binary"
	"math"

	"github.com/Faultbox/tilestream/pkg/tile"
)

// channelValue reads channel ch of the texel at index as float64, in the
// channel's native range.
func channelValue(format tile.AttachmentFormat, data []byte, index, ch int) float64 {
	off := index*format.BytesPerTexel() + ch*format.ChannelBytes()
	switch format {
	case tile.FormatRgb8U, tile.FormatRgba8U:
		return float64(data[off])
	case tile.FormatR16U, tile.FormatRg16U:
		return float64(binary.LittleEndian.Uint16(data[off:]))
	case tile.FormatR16I:
		return float64(int16(binary.LittleEndian.Uint16(data[off:])))
	case tile.FormatR32F:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(data[off:])))
	}
	return 0
}

// putChannel writes v into channel ch of the texel at index, rounding and
// clamping for integer formats.
func putChannel(format tile.AttachmentFormat, data []byte, index, ch int, v float64) {
	off := index*format.BytesPerTexel() + ch*format.ChannelBytes()
	switch format {
	case tile.FormatRgb8U, tile.FormatRgba8U:
		data[off] = uint8(clampRound(v, 0, math.MaxUint8))
	case tile.FormatR16U, tile.FormatRg16U:
		binary.LittleEndian.PutUint16(data[off:], uint16(clampRound(v, 0, math.MaxUint16)))
	case tile.FormatR16I:
		binary.LittleEndian.PutUint16(data[off:], uint16(int16(clampRound(v, math.MinInt16, math.MaxInt16))))
	case tile.FormatR32F:
		binary.LittleEndian.PutUint32(data[off:], math.Float32bits(float32(v)))
	}
}

func clampRound(v, lo, hi float64) float64 {
	v = math.Round(v)
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// HeightValue maps the first channel of the texel at index to a height.
// R32F stores heights directly; integer formats are normalized into
// [minHeight, maxHeight].
func HeightValue(format tile.AttachmentFormat, data []byte, index int, minHeight, maxHeight float64) float64 {
	v := channelValue(format, data, index, 0)
	switch format {
	case tile.FormatR32F:
		return v
	case tile.FormatR16I:
		t := (v - math.MinInt16) / (math.MaxInt16 - math.MinInt16)
		return minHeight + (maxHeight-minHeight)*t
	case tile.FormatR16U, tile.FormatRg16U:
		return minHeight + (maxHeight-minHeight)*v/math.MaxUint16
	default:
		return minHeight + (maxHeight-minHeight)*v/math.MaxUint8
	}
}

// EncodeHeight is the inverse of HeightValue: it writes height into the
// first channel of the texel at index. Remaining channels are set to their
// maximum so that alpha/mask channels read as opaque.
func EncodeHeight(format tile.AttachmentFormat, data []byte, index int, height, minHeight, maxHeight float64) {
	var v float64
	t := 0.0
	if maxHeight > minHeight {
		t = (height - minHeight) / (maxHeight - minHeight)
	}
	switch format {
	case tile.FormatR32F:
		v = height
	case tile.FormatR16I:
		v = math.MinInt16 + t*(math.MaxInt16-math.MinInt16)
	case tile.FormatR16U, tile.FormatRg16U:
		v = t * math.MaxUint16
	default:
		v = t * math.MaxUint8
	}
	putChannel(format, data, index, 0, v)

	for ch := 1; ch < format.Channels(); ch++ {
		switch format {
		case tile.FormatRg16U:
			putChannel(format, data, index, ch, math.MaxUint16)
		default:
			putChannel(format, data, index, ch, math.MaxUint8)
		}
	}
}

// Downsample builds a mip level of dstSize² texels from a level of srcSize²
// texels by averaging 2x2 blocks per channel.
func Downsample(format tile.AttachmentFormat, src []byte, srcSize, dstSize uint32) []byte {
	bpt := format.BytesPerTexel()
	channels := format.Channels()
	dst := make([]byte, int(dstSize*dstSize)*bpt)

	s := int(srcSize)
	for y := 0; y < int(dstSize); y++ {
		for x := 0; x < int(dstSize); x++ {
			x0, y0 := min(2*x, s-1), min(2*y, s-1)
			x1, y1 := min(2*x+1, s-1), min(2*y+1, s-1)
			for ch := 0; ch < channels; ch++ {
				sum := channelValue(format, src, y0*s+x0, ch) +
					channelValue(format, src, y0*s+x1, ch) +
					channelValue(format, src, y1*s+x0, ch) +
					channelValue(format, src, y1*s+x1, ch)
				putChannel(format, dst, y*int(dstSize)+x, ch, sum/4)
			}
		}
	}
	return dst
}
