package texture

import (
	"fmt"

	"github.com/go-gl/gl/v4.1-core/gl"
	"go.uber.org/zap"

	"github.com/Faultbox/tilestream/internal/logger"
	"github.com/Faultbox/tilestream/pkg/tile"
)

// glFormat is the OpenGL description of an attachment format.
type glFormat struct {
	internal int32
	format   uint32
	xtype    uint32
}

func glFormatOf(f tile.AttachmentFormat) (glFormat, error) {
	switch f {
	case tile.FormatRgb8U:
		return glFormat{gl.RGB8, gl.RGB, gl.UNSIGNED_BYTE}, nil
	case tile.FormatRgba8U:
		return glFormat{gl.RGBA8, gl.RGBA, gl.UNSIGNED_BYTE}, nil
	case tile.FormatR16U:
		return glFormat{gl.R16, gl.RED, gl.UNSIGNED_SHORT}, nil
	case tile.FormatR16I:
		return glFormat{gl.R16_SNORM, gl.RED, gl.SHORT}, nil
	case tile.FormatRg16U:
		return glFormat{gl.RG16, gl.RG, gl.UNSIGNED_SHORT}, nil
	case tile.FormatR32F:
		return glFormat{gl.R32F, gl.RED, gl.FLOAT}, nil
	}
	return glFormat{}, fmt.Errorf("no OpenGL format for %s", f)
}

// GLStorage stores each attachment in a GL_TEXTURE_2D_ARRAY with one layer
// per atlas slot.
// IMPORTANT: create and use it only on the thread owning the GL context.
type GLStorage struct {
	descs    []tile.AttachmentDescriptor
	formats  []glFormat
	textures []uint32
	slots    int32
}

// NewGLStorage allocates the texture arrays. gl.Init must have been called.
func NewGLStorage(descs []tile.AttachmentDescriptor, slots int) (*GLStorage, error) {
	s := &GLStorage{
		descs:    descs,
		formats:  make([]glFormat, len(descs)),
		textures: make([]uint32, len(descs)),
		slots:    int32(slots),
	}

	for i, desc := range descs {
		f, err := glFormatOf(desc.Format)
		if err != nil {
			s.Release()
			return nil, err
		}
		s.formats[i] = f

		gl.GenTextures(1, &s.textures[i])
		gl.BindTexture(gl.TEXTURE_2D_ARRAY, s.textures[i])
		for level := uint32(0); level < desc.MipLevelCount; level++ {
			size := int32(desc.LevelSize(level))
			gl.TexImage3D(gl.TEXTURE_2D_ARRAY, int32(level), f.internal, size, size, s.slots, 0, f.format, f.xtype, nil)
		}
		gl.TexParameteri(gl.TEXTURE_2D_ARRAY, gl.TEXTURE_BASE_LEVEL, 0)
		gl.TexParameteri(gl.TEXTURE_2D_ARRAY, gl.TEXTURE_MAX_LEVEL, int32(desc.MipLevelCount-1))
		gl.TexParameteri(gl.TEXTURE_2D_ARRAY, gl.TEXTURE_MIN_FILTER, gl.LINEAR_MIPMAP_LINEAR)
		gl.TexParameteri(gl.TEXTURE_2D_ARRAY, gl.TEXTURE_MAG_FILTER, gl.LINEAR)
		gl.TexParameteri(gl.TEXTURE_2D_ARRAY, gl.TEXTURE_WRAP_S, gl.CLAMP_TO_EDGE)
		gl.TexParameteri(gl.TEXTURE_2D_ARRAY, gl.TEXTURE_WRAP_T, gl.CLAMP_TO_EDGE)

		if code := gl.GetError(); code != gl.NO_ERROR {
			s.Release()
			return nil, fmt.Errorf("allocating %s texture array: GL error 0x%x", desc.Label, code)
		}

		logger.Named("texture").Info("texture array allocated",
			zap.String("attachment", desc.Label),
			zap.Stringer("format", desc.Format),
			zap.Uint32("size", desc.TextureSize),
			zap.Int("layers", slots),
		)
	}
	gl.BindTexture(gl.TEXTURE_2D_ARRAY, 0)
	return s, nil
}

// Upload implements Storage.
func (s *GLStorage) Upload(attachment, slot int, levels [][]byte) error {
	if attachment < 0 || attachment >= len(s.textures) {
		return fmt.Errorf("attachment %d out of range", attachment)
	}
	if slot < 0 || int32(slot) >= s.slots {
		return fmt.Errorf("slot %d out of range", slot)
	}
	desc := s.descs[attachment]
	f := s.formats[attachment]

	// RGB8 rows are not 4-byte aligned.
	gl.PixelStorei(gl.UNPACK_ALIGNMENT, 1)
	gl.BindTexture(gl.TEXTURE_2D_ARRAY, s.textures[attachment])
	for level, data := range levels {
		if want := desc.LevelBytes(uint32(level)); len(data) != want {
			return fmt.Errorf("attachment %s mip %d: got %d bytes, want %d", desc.Label, level, len(data), want)
		}
		size := int32(desc.LevelSize(uint32(level)))
		gl.TexSubImage3D(gl.TEXTURE_2D_ARRAY, int32(level), 0, 0, int32(slot), size, size, 1, f.format, f.xtype, gl.Ptr(data))
	}
	gl.BindTexture(gl.TEXTURE_2D_ARRAY, 0)

	if code := gl.GetError(); code != gl.NO_ERROR {
		return fmt.Errorf("uploading %s slot %d: GL error 0x%x", desc.Label, slot, code)
	}
	return nil
}

// Texture returns the GL texture name of an attachment, for binding by the
// render stage.
func (s *GLStorage) Texture(attachment int) uint32 {
	return s.textures[attachment]
}

// Release implements Storage.
func (s *GLStorage) Release() {
	for i := range s.textures {
		if s.textures[i] != 0 {
			gl.DeleteTextures(1, &s.textures[i])
			s.textures[i] = 0
		}
	}
}
