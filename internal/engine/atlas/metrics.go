package atlas

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	terrainLabel    = "terrain"
	attachmentLabel = "attachment"
	resultLabel     = "result"
)

var (
	residentSlots = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tilestream_atlas_resident_slots",
		Help: "The number of atlas slots holding a loaded tile.",
	}, []string{terrainLabel, attachmentLabel})

	loadsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilestream_atlas_loads_started_total",
		Help: "The number of tile loads handed to the loader.",
	}, []string{terrainLabel, attachmentLabel})

	loadsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilestream_atlas_loads_completed_total",
		Help: "The number of tile loads that finished, by result.",
	}, []string{terrainLabel, attachmentLabel, resultLabel})

	evictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilestream_atlas_evictions_total",
		Help: "The number of slots reassigned to a different tile.",
	}, []string{terrainLabel, attachmentLabel})

	deferredRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilestream_atlas_deferred_requests_total",
		Help: "The number of requests that found no free or evictable slot.",
	}, []string{terrainLabel, attachmentLabel})
)

func instrumentResident(terrain, attachment string, n int) {
	residentSlots.
		With(prometheus.Labels{terrainLabel: terrain, attachmentLabel: attachment}).
		Set(float64(n))
}

func instrumentLoadStarted(terrain, attachment string) {
	loadsStarted.
		With(prometheus.Labels{terrainLabel: terrain, attachmentLabel: attachment}).
		Inc()
}

func instrumentLoadCompleted(terrain, attachment string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	loadsCompleted.
		With(prometheus.Labels{terrainLabel: terrain, attachmentLabel: attachment, resultLabel: result}).
		Inc()
}

func instrumentEviction(terrain, attachment string) {
	evictions.
		With(prometheus.Labels{terrainLabel: terrain, attachmentLabel: attachment}).
		Inc()
}

func instrumentDeferred(terrain, attachment string, n int) {
	if n == 0 {
		return
	}
	deferredRequests.
		With(prometheus.Labels{terrainLabel: terrain, attachmentLabel: attachment}).
		Add(float64(n))
}

func forgetTerrain(terrain, attachment string) {
	residentSlots.DeleteLabelValues(terrain, attachment)
}
