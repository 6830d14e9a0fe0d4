package config

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/Faultbox/tilestream/internal/logger"
	"github.com/Faultbox/tilestream/pkg/tile"
)

// ErrInvalid is wrapped by every configuration validation error.
var ErrInvalid = errors.New("invalid configuration")

// Validate checks the whole configuration and reports every problem found.
func (c *Config) Validate() error {
	var err error
	if _, levelErr := logger.ParseLevel(c.Logging.Level); levelErr != nil {
		err = multierr.Append(err, levelErr)
	}
	if c.Streaming.Workers < 0 {
		err = multierr.Append(err, fmt.Errorf("streaming.workers must not be negative, got %d", c.Streaming.Workers))
	}
	if c.Streaming.MinIdleFrames < 0 || c.Streaming.RetryCooldownFrames < 0 || c.Streaming.MaxRetries < 0 {
		err = multierr.Append(err, errors.New("streaming frame counts must not be negative"))
	}

	seen := make(map[string]bool, len(c.Terrains))
	for _, t := range c.Terrains {
		if seen[t.Name] {
			err = multierr.Append(err, fmt.Errorf("duplicate terrain %q", t.Name))
		}
		seen[t.Name] = true
		err = multierr.Append(err, t.validate())
	}

	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Validate checks one terrain. Errors wrap ErrInvalid.
func (t TerrainConfig) Validate() error {
	if err := t.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

func (t TerrainConfig) validate() error {
	var err error
	if t.Name == "" {
		err = multierr.Append(err, errors.New("terrain name is empty"))
	}
	if _, shapeErr := t.Shape.Build(); shapeErr != nil {
		err = multierr.Append(err, shapeErr)
	}
	if perr := t.Params().Validate(); perr != nil {
		err = multierr.Append(err, perr)
	}

	switch n := len(t.Attachments); {
	case n == 0:
		err = multierr.Append(err, errors.New("terrain has no attachments"))
	case n > tile.MaxAttachments:
		err = multierr.Append(err, fmt.Errorf("%d attachments exceed the limit of %d", n, tile.MaxAttachments))
	}
	labels := make(map[string]bool, len(t.Attachments))
	for _, desc := range t.Descriptors() {
		if labels[desc.Label] {
			err = multierr.Append(err, fmt.Errorf("duplicate attachment %q", desc.Label))
		}
		labels[desc.Label] = true
		err = multierr.Append(err, desc.Validate())
	}

	if t.AtlasSize < int(t.LODCount) {
		err = multierr.Append(err, fmt.Errorf("atlas size %d is smaller than lod count %d", t.AtlasSize, t.LODCount))
	}

	if err != nil {
		return fmt.Errorf("terrain %q: %w", t.Name, err)
	}
	return nil
}
