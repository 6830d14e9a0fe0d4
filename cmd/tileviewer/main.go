// Package main is the interactive tile streaming viewer. An orbit camera
// drives one observer per terrain, and tiles are uploaded into OpenGL
// texture arrays as they stream in.
package main

import (
	"context"
	"errors"
	"fmt"
	gomath "math"
	"os"
	"time"

	"github.com/veandco/go-sdl2/sdl"
	"go.uber.org/zap"

	"github.com/Faultbox/tilestream/internal/config"
	"github.com/Faultbox/tilestream/internal/engine/camera"
	"github.com/Faultbox/tilestream/internal/engine/input"
	"github.com/Faultbox/tilestream/internal/engine/terrain"
	"github.com/Faultbox/tilestream/internal/engine/texture"
	"github.com/Faultbox/tilestream/internal/engine/tiletree"
	"github.com/Faultbox/tilestream/internal/engine/window"
	"github.com/Faultbox/tilestream/internal/logger"
	"github.com/Faultbox/tilestream/pkg/math"
	"github.com/Faultbox/tilestream/pkg/tile"
)

type view struct {
	terrain terrain.TerrainID
	id      terrain.ObserverID
}

func main() {
	config.ParseFlags()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.LogFile); err != nil {
		fmt.Fprintf(os.Stderr, "Logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("=== tileviewer ===")

	if err := run(cfg); err != nil {
		logger.Error("viewer error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("viewer closed normally")
}

func run(cfg *config.Config) error {
	win, err := window.New("tileviewer", cfg.Viewer)
	if err != nil {
		return err
	}
	defer win.Close()

	// Texture storage is bound to the GL context of this thread.
	cfg.Streaming.Parallel = false
	registry := terrain.NewRegistry(cfg.Streaming, terrain.Deps{
		Storage: func(descs []tile.AttachmentDescriptor, slots int) (texture.Storage, error) {
			return texture.NewGLStorage(descs, slots)
		},
	})
	defer registry.Close()

	var views []view
	for _, tc := range cfg.Terrains {
		tid, err := registry.AddTerrain(tc)
		if err != nil {
			return fmt.Errorf("adding terrain %q: %w", tc.Name, err)
		}
		oid, err := registry.AddObserver(tid)
		if err != nil {
			return err
		}
		views = append(views, view{tid, oid})
	}
	if len(views) == 0 {
		return errors.New("no terrain configured")
	}

	cam := camera.NewOrbitCamera()
	cam.FOV = cfg.Viewer.FOV * gomath.Pi / 180
	fitCamera(cam, cfg.Terrains[0])

	in := input.New()
	ctx := context.Background()

	for frame := 1; ; frame++ {
		if in.Update() {
			return nil
		}
		for _, e := range in.Events() {
			switch e.Type {
			case input.EventWindowResize:
				win.Resize(e.Width, e.Height)
			case input.EventMouseDrag:
				cam.HandleDrag(e.DeltaX, e.DeltaY)
			case input.EventMouseWheel:
				cam.HandleZoom(e.DeltaY)
			case input.EventKeyDown:
				if err := handleKey(registry, views[0].terrain, e.Key); err != nil {
					logger.Warn("reconfiguration rejected", zap.Error(err))
				}
			}
		}
		cam.HandleMovement(
			in.Axis(sdl.SCANCODE_W, sdl.SCANCODE_S),
			in.Axis(sdl.SCANCODE_D, sdl.SCANCODE_A),
			in.Axis(sdl.SCANCODE_E, sdl.SCANCODE_Q),
		)

		obs := cam.Observer(win.Aspect())
		for _, v := range views {
			if err := registry.SetObserver(v.terrain, v.id, obs); err != nil {
				return err
			}
		}

		if err := registry.Frame(ctx); err != nil {
			logger.Warn("frame error", zap.Error(err))
		}

		win.Clear()
		win.SwapBuffers()

		if frame%30 == 0 {
			win.SetTitle(title(registry, views[0]))
		}
		if !cfg.Viewer.VSync {
			time.Sleep(time.Millisecond)
		}
	}
}

func fitCamera(cam *camera.OrbitCamera, tc config.TerrainConfig) {
	size := tc.Shape.Size
	if tc.Shape.Kind == tiletree.ShapeSphere {
		cam.MaxDistance = size * 10
		cam.Far = size * 20
		cam.Center = math.Vec3{}
		cam.Distance = size * 3
		return
	}
	half := size / 2
	cam.MaxDistance = size * 4
	cam.FitToBounds(math.AABB{
		Min: math.Vec3{X: -half, Y: tc.MinHeight, Z: -half},
		Max: math.Vec3{X: half, Y: tc.MaxHeight, Z: half},
	})
}

// handleKey scales the subdivision distance of a terrain with + and -.
func handleKey(registry *terrain.Registry, tid terrain.TerrainID, key sdl.Scancode) error {
	var scale float64
	switch key {
	case sdl.SCANCODE_EQUALS, sdl.SCANCODE_KP_PLUS:
		scale = 1.25
	case sdl.SCANCODE_MINUS, sdl.SCANCODE_KP_MINUS:
		scale = 0.8
	default:
		return nil
	}

	t, err := registry.Terrain(tid)
	if err != nil {
		return err
	}
	tc := t.Config()
	tc.Distances.Subdivision *= scale
	tc.Distances.Load = gomath.Max(tc.Distances.Load, tc.Distances.Subdivision)
	tc.Distances.Morph = gomath.Max(tc.Distances.Morph, tc.Distances.Subdivision*1.5)
	tc.Distances.Blend = gomath.Max(tc.Distances.Blend, tc.Distances.Subdivision*1.25)
	logger.Info("subdivision distance", zap.Float64("value", tc.Distances.Subdivision))
	return registry.Reconfigure(tid, tc)
}

func title(registry *terrain.Registry, v view) string {
	t, err := registry.Terrain(v.terrain)
	if err != nil {
		return "tileviewer"
	}
	stats := t.Stats()
	last := t.LastFrame()
	return fmt.Sprintf("tileviewer - %s | %d loaded, %d loading | %d tiles, %d fallback | %.2f ms",
		t.Name(), stats.Loaded, stats.Loading, last.Entries, last.Fallbacks,
		float64(last.Duration.Microseconds())/1000)
}
