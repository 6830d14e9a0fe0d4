// Package main is the headless tile streaming driver. It streams every
// configured terrain for a number of frames with observers orbiting over it
// and reports atlas and frame statistics.
package main

import (
	"context"
	"errors"
	"fmt"
	gomath "math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Faultbox/tilestream/internal/config"
	"github.com/Faultbox/tilestream/internal/engine/camera"
	"github.com/Faultbox/tilestream/internal/engine/terrain"
	"github.com/Faultbox/tilestream/internal/engine/tiletree"
	"github.com/Faultbox/tilestream/internal/logger"
)

// observer is an orbiting camera bound to a registry observer.
type observer struct {
	terrain terrain.TerrainID
	id      terrain.ObserverID
	camera  *camera.OrbitCamera
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

	logger.Info("=== tilebench ===",
		zap.Int("terrains", len(cfg.Terrains)),
		zap.Int("frames", cfg.Bench.Frames),
		zap.Int("observers", cfg.Bench.Observers),
	)
	logger.Sugar.Debugf("Config: %+v", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			stopMetrics(shutdownCtx, srv)
		}()
	}

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("benchmark failed", zap.Error(err))
		os.Exit(1)
	}
}

func serveMetrics(addr string) *http.Server {
	var mux http.ServeMux
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: &mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return srv
}

// stopMetrics shuts the metrics server down, waiting for in-flight scrapes
// until ctx is done.
func stopMetrics(ctx context.Context, srv *http.Server) {
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("metrics server shutdown", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	registry := terrain.NewRegistry(cfg.Streaming, terrain.Deps{})
	defer registry.Close()

	var observers []observer
	for _, tc := range cfg.Terrains {
		tid, err := registry.AddTerrain(tc)
		if err != nil {
			return fmt.Errorf("adding terrain %q: %w", tc.Name, err)
		}
		for i := 0; i < cfg.Bench.Observers; i++ {
			oid, err := registry.AddObserver(tid)
			if err != nil {
				return err
			}
			observers = append(observers, observer{
				terrain: tid,
				id:      oid,
				camera:  orbitCamera(tc, cfg.Bench, i),
			})
		}
	}

	start := time.Now()
	for frame := 1; frame <= cfg.Bench.Frames; frame++ {
		for _, o := range observers {
			o.camera.Orbit(cfg.Bench.OrbitPeriod)
			if err := registry.SetObserver(o.terrain, o.id, o.camera.Observer(16.0/9.0)); err != nil {
				return err
			}
		}

		if err := registry.Frame(ctx); err != nil {
			return err
		}

		if frame%60 == 0 || frame == cfg.Bench.Frames {
			report(registry)
		}
	}

	elapsed := time.Since(start)
	logger.Info("benchmark finished",
		zap.Int("frames", cfg.Bench.Frames),
		zap.Duration("elapsed", elapsed),
		zap.Duration("per_frame", elapsed/time.Duration(max(cfg.Bench.Frames, 1))),
	)
	return nil
}

// orbitCamera places observer i of a terrain on a circular orbit, evenly
// spaced from the other observers.
func orbitCamera(tc config.TerrainConfig, bench config.BenchConfig, i int) *camera.OrbitCamera {
	c := camera.NewOrbitCamera()
	c.RotationY = 2 * gomath.Pi * float64(i) / float64(max(bench.Observers, 1))

	size := tc.Shape.Size
	switch tc.Shape.Kind {
	case tiletree.ShapeSphere:
		c.Distance = size * (1 + bench.Altitude)
		c.RotationX = 0.3
	default:
		c.Distance = size * (0.25 + bench.Altitude)
		c.RotationX = 0.2
	}
	c.MaxDistance = gomath.Max(c.MaxDistance, c.Distance)
	c.Near = gomath.Max(c.Distance*1e-4, 0.1)
	c.Far = c.Distance * 4
	return c
}

func report(registry *terrain.Registry) {
	for _, tid := range registry.Terrains() {
		t, err := registry.Terrain(tid)
		if err != nil {
			continue
		}
		stats := t.Stats()
		last := t.LastFrame()
		logger.Info("terrain",
			zap.String("name", t.Name()),
			zap.Uint64("frame", last.Frame),
			zap.Int("loaded", stats.Loaded),
			zap.Int("loading", stats.Loading),
			zap.Int("failed", stats.Failed),
			zap.Uint64("evictions", stats.Evictions),
			zap.Uint64("deferred", stats.Deferred),
			zap.Int("entries", last.Entries),
			zap.Int("fallbacks", last.Fallbacks),
			zap.Int("omitted", last.Omitted),
			zap.Duration("frame_time", last.Duration),
		)
	}
}
