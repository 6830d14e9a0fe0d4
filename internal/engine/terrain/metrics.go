package terrain

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	terrainLabel    = "terrain"
	resolutionLabel = "resolution"
	kindLabel       = "kind"
)

var (
	frameDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tilestream_terrain_frame_seconds",
		Help:    "Time spent in the frame pipeline of a terrain.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	}, []string{terrainLabel})

	resolvedNodes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tilestream_terrain_resolved_nodes",
		Help: "Selected nodes of the last frame by how they were resolved, summed over observers.",
	}, []string{terrainLabel, resolutionLabel})

	observerCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tilestream_terrain_observers",
		Help: "The number of observers of a terrain.",
	}, []string{terrainLabel})

	reconfigurations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilestream_terrain_reconfigurations_total",
		Help: "Applied reconfigurations, by whether the atlas was rebuilt.",
	}, []string{terrainLabel, kindLabel})
)

func instrumentFrame(terrain string, st FrameStats) {
	frameDuration.
		With(prometheus.Labels{terrainLabel: terrain}).
		Observe(st.Duration.Seconds())

	exact := st.Entries - st.Fallbacks
	resolvedNodes.With(prometheus.Labels{terrainLabel: terrain, resolutionLabel: "exact"}).Set(float64(exact))
	resolvedNodes.With(prometheus.Labels{terrainLabel: terrain, resolutionLabel: "fallback"}).Set(float64(st.Fallbacks))
	resolvedNodes.With(prometheus.Labels{terrainLabel: terrain, resolutionLabel: "omitted"}).Set(float64(st.Omitted))
}

func instrumentObservers(terrain string, n int) {
	observerCount.
		With(prometheus.Labels{terrainLabel: terrain}).
		Set(float64(n))
}

func instrumentReconfigure(terrain string, rebuilt bool) {
	kind := "params"
	if rebuilt {
		kind = "rebuild"
	}
	reconfigurations.
		With(prometheus.Labels{terrainLabel: terrain, kindLabel: kind}).
		Inc()
}

func forgetTerrain(terrain string) {
	frameDuration.DeletePartialMatch(prometheus.Labels{terrainLabel: terrain})
	resolvedNodes.DeletePartialMatch(prometheus.Labels{terrainLabel: terrain})
	observerCount.DeletePartialMatch(prometheus.Labels{terrainLabel: terrain})
	reconfigurations.DeletePartialMatch(prometheus.Labels{terrainLabel: terrain})
}
