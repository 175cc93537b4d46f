package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Engine metrics
	EngineState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "broker_engine_state",
			Help: "Engine dispatch mode (0 = nop, 1 = write, 2 = write to cache file)",
		},
	)

	EngineSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "broker_engine_subscribers",
			Help: "Number of muxers subscribed to the engine",
		},
	)

	EventsPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_engine_events_published_total",
			Help: "Total number of events published to the engine",
		},
	)

	EventsCached = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_engine_events_cached_total",
			Help: "Total number of events written to the cache file while stopped",
		},
	)

	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_events_dropped_total",
			Help: "Total number of events dropped by component after an I/O failure",
		},
		[]string{"component"},
	)

	EngineReplayDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broker_engine_replay_duration_seconds",
			Help:    "Time taken by start to replay buffered events",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Muxer metrics
	MuxerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_muxer_events_total",
			Help: "Total number of events queued by muxer and destination (memory or file)",
		},
		[]string{"muxer", "destination"},
	)

	MuxerQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broker_muxer_queue_depth",
			Help: "Events held in the muxer's in-memory queue",
		},
		[]string{"muxer"},
	)

	MuxerUnacknowledged = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broker_muxer_unacknowledged_events",
			Help: "Events read from the muxer but not yet acknowledged",
		},
		[]string{"muxer"},
	)

	MuxerFileRecords = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broker_muxer_file_records",
			Help: "Events waiting in the muxer's retention file",
		},
		[]string{"muxer"},
	)

	MuxerSpeed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "broker_muxer_events_per_second",
			Help: "Event processing speed averaged over roughly 30 seconds",
		},
		[]string{"muxer"},
	)

	// Retention file metrics
	RetentionRecordsWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_retention_records_written_total",
			Help: "Total number of records committed to retention files",
		},
	)

	RetentionRecordsRead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_retention_records_read_total",
			Help: "Total number of records read back from retention files",
		},
	)

	// Feeder metrics
	FeederEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_feeder_events_total",
			Help: "Total number of events acknowledged by downstream streams",
		},
		[]string{"muxer"},
	)
)

func init() {
	prometheus.MustRegister(EngineState)
	prometheus.MustRegister(EngineSubscribers)
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(EventsCached)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(EngineReplayDuration)
	prometheus.MustRegister(MuxerEvents)
	prometheus.MustRegister(MuxerQueueDepth)
	prometheus.MustRegister(MuxerUnacknowledged)
	prometheus.MustRegister(MuxerFileRecords)
	prometheus.MustRegister(MuxerSpeed)
	prometheus.MustRegister(RetentionRecordsWritten)
	prometheus.MustRegister(RetentionRecordsRead)
	prometheus.MustRegister(FeederEvents)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// ForgetMuxer removes the per-muxer series of a decommissioned muxer
func ForgetMuxer(name string) {
	MuxerQueueDepth.DeleteLabelValues(name)
	MuxerUnacknowledged.DeleteLabelValues(name)
	MuxerFileRecords.DeleteLabelValues(name)
	MuxerSpeed.DeleteLabelValues(name)
	MuxerEvents.DeleteLabelValues(name, "memory")
	MuxerEvents.DeleteLabelValues(name, "file")
	FeederEvents.DeleteLabelValues(name)
}
