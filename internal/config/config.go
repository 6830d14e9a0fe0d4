// Package config handles tilestream configuration loading and management.
package config

import (
	"github.com/Faultbox/tilestream/internal/engine/tiletree"
	"github.com/Faultbox/tilestream/pkg/tile"
)

// Config holds all settings of a tilestream process.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Streaming StreamingConfig `yaml:"streaming"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Viewer    ViewerConfig    `yaml:"viewer"`
	Bench     BenchConfig     `yaml:"bench"`
	Terrains  []TerrainConfig `yaml:"terrains"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	LogFile string `yaml:"log_file"`
}

// StreamingConfig tunes the loader pool and the atlas of every terrain.
type StreamingConfig struct {
	Workers                int  `yaml:"workers"` // 0 = one per CPU
	MaxCompletionsPerFrame int  `yaml:"max_completions_per_frame"`
	MinIdleFrames          int  `yaml:"min_idle_frames"`
	RetryCooldownFrames    int  `yaml:"retry_cooldown_frames"`
	MaxRetries             int  `yaml:"max_retries"`
	Parallel               bool `yaml:"parallel"` // run terrains concurrently
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the endpoint
}

// ViewerConfig holds window settings of tileviewer.
type ViewerConfig struct {
	Width      int     `yaml:"width"`
	Height     int     `yaml:"height"`
	Fullscreen bool    `yaml:"fullscreen"`
	VSync      bool    `yaml:"vsync"`
	FOV        float64 `yaml:"fov"` // vertical, degrees
}

// BenchConfig holds settings of the headless tilebench driver.
type BenchConfig struct {
	Frames      int     `yaml:"frames"`
	Observers   int     `yaml:"observers"`
	OrbitPeriod int     `yaml:"orbit_period"` // frames per revolution
	Altitude    float64 `yaml:"altitude"`     // fraction of the terrain size
}

// TerrainConfig describes one terrain.
type TerrainConfig struct {
	Name string `yaml:"name"`
	// Path is the root directory of the tile files. An empty path streams a
	// procedurally generated terrain.
	Path        string               `yaml:"path"`
	Shape       tiletree.ShapeConfig `yaml:"shape"`
	LODCount    uint32               `yaml:"lod_count"`
	MinHeight   float64              `yaml:"min_height"`
	MaxHeight   float64              `yaml:"max_height"`
	AtlasSize   int                  `yaml:"atlas_size"`
	GridSize    uint32               `yaml:"grid_size"`
	Distances   DistanceConfig       `yaml:"distances"`
	Attachments []AttachmentConfig   `yaml:"attachments"`
}

// DistanceConfig holds LOD distances in multiples of the tile size.
type DistanceConfig struct {
	Subdivision float64 `yaml:"subdivision"`
	Load        float64 `yaml:"load"`
	Morph       float64 `yaml:"morph"`
	Blend       float64 `yaml:"blend"`
}

// AttachmentConfig describes one attachment of a terrain.
type AttachmentConfig struct {
	Label       string                `yaml:"label"`
	Format      tile.AttachmentFormat `yaml:"format"`
	TextureSize uint32                `yaml:"texture_size"`
	BorderSize  uint32                `yaml:"border_size"`
	MipLevels   uint32                `yaml:"mip_levels"`
	Encoding    tile.Encoding         `yaml:"encoding"`
}

// DefaultAtlasSize is the number of slots per attachment.
const DefaultAtlasSize = 1028

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:   "info",
			LogFile: "",
		},
		Streaming: StreamingConfig{
			Workers:                0,
			MaxCompletionsPerFrame: 64,
			MinIdleFrames:          1,
			RetryCooldownFrames:    60,
			MaxRetries:             3,
			Parallel:               true,
		},
		Metrics: MetricsConfig{
			Addr: "",
		},
		Viewer: ViewerConfig{
			Width:  1280,
			Height: 720,
			VSync:  true,
			FOV:    60,
		},
		Bench: BenchConfig{
			Frames:      600,
			Observers:   2,
			OrbitPeriod: 300,
			Altitude:    0.05,
		},
		Terrains: []TerrainConfig{DefaultTerrain("default")},
	}
}

// DefaultTerrain returns a procedurally generated plane terrain.
func DefaultTerrain(name string) TerrainConfig {
	t := TerrainConfig{
		Name:      name,
		Shape:     tiletree.ShapeConfig{Kind: tiletree.ShapePlane, Size: 4096},
		LODCount:  8,
		MinHeight: 0,
		MaxHeight: 256,
	}
	t.applyDefaults()
	return t
}

// applyDefaults fills zero fields.
func (t *TerrainConfig) applyDefaults() {
	if t.AtlasSize == 0 {
		t.AtlasSize = DefaultAtlasSize
	}
	if t.GridSize == 0 {
		t.GridSize = tiletree.DefaultGridSize
	}
	if t.Distances == (DistanceConfig{}) {
		t.Distances = DistanceConfig{
			Subdivision: tiletree.DefaultSubdivisionDistance,
			Load:        tiletree.DefaultLoadDistance,
			Morph:       tiletree.DefaultMorphDistance,
			Blend:       tiletree.DefaultBlendDistance,
		}
	}
	if len(t.Attachments) == 0 {
		t.Attachments = []AttachmentConfig{{
			Label:       tile.HeightLabel,
			Format:      tile.FormatR16U,
			TextureSize: 64,
			BorderSize:  2,
			MipLevels:   3,
		}}
	}
	for i := range t.Attachments {
		if t.Attachments[i].MipLevels == 0 {
			t.Attachments[i].MipLevels = 1
		}
		if t.Attachments[i].Encoding == "" {
			t.Attachments[i].Encoding = tile.EncodingRaw
		}
	}
}

// Descriptors returns the attachment descriptors in configuration order.
func (t TerrainConfig) Descriptors() []tile.AttachmentDescriptor {
	descs := make([]tile.AttachmentDescriptor, len(t.Attachments))
	for i, a := range t.Attachments {
		descs[i] = tile.AttachmentDescriptor{
			Label:         a.Label,
			Format:        a.Format,
			TextureSize:   a.TextureSize,
			BorderSize:    a.BorderSize,
			MipLevelCount: a.MipLevels,
			Encoding:      a.Encoding,
		}
	}
	return descs
}

// Params returns the tile tree parameters.
func (t TerrainConfig) Params() tiletree.Params {
	return tiletree.Params{
		LODCount:            t.LODCount,
		SubdivisionDistance: t.Distances.Subdivision,
		LoadDistance:        t.Distances.Load,
		MorphDistance:       t.Distances.Morph,
		BlendDistance:       t.Distances.Blend,
		GridSize:            t.GridSize,
		MinHeight:           t.MinHeight,
		MaxHeight:           t.MaxHeight,
	}
}

// Terrain returns the terrain named name.
func (c *Config) Terrain(name string) (TerrainConfig, bool) {
	for _, t := range c.Terrains {
		if t.Name == name {
			return t, true
		}
	}
	return TerrainConfig{}, false
}
