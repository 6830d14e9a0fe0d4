package config

import "flag"

var (
	flagConfig      = flag.String("config", "", "Path to config file")
	flagDebug       = flag.Bool("debug", false, "Enable debug logging")
	flagTerrain     = flag.String("terrain", "", "Only stream the named terrain")
	flagAtlasSize   = flag.Int("atlas-size", 0, "Override the atlas size of every terrain")
	flagFrames      = flag.Int("frames", 0, "Number of frames to run (tilebench)")
	flagMetricsAddr = flag.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	flagWorkers     = flag.Int("workers", 0, "Loader workers per terrain")
)

// ParseFlags parses command-line flags. Call this early in main().
func ParseFlags() {
	flag.Parse()
}

// ConfigPath returns the explicit config path if provided via --config flag.
func ConfigPath() string {
	return *flagConfig
}

// applyFlags applies CLI flag overrides to the config.
func applyFlags(cfg *Config) {
	if *flagDebug {
		cfg.Logging.Level = "debug"
	}
	if *flagTerrain != "" {
		kept := cfg.Terrains[:0]
		for _, t := range cfg.Terrains {
			if t.Name == *flagTerrain {
				kept = append(kept, t)
			}
		}
		cfg.Terrains = kept
	}
	if *flagAtlasSize > 0 {
		for i := range cfg.Terrains {
			cfg.Terrains[i].AtlasSize = *flagAtlasSize
		}
	}
	if *flagFrames > 0 {
		cfg.Bench.Frames = *flagFrames
	}
	if *flagMetricsAddr != "" {
		cfg.Metrics.Addr = *flagMetricsAddr
	}
	if *flagWorkers > 0 {
		cfg.Streaming.Workers = *flagWorkers
	}
}
