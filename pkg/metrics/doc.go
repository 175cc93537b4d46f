/*
Package metrics provides Prometheus metrics and health reporting for the broker.

All collectors are package-level variables registered with the default
Prometheus registry at init, and exposed through Handler on /metrics.

# Metric Categories

	Engine:     broker_engine_state, broker_engine_subscribers,
	            broker_engine_events_published_total,
	            broker_engine_events_cached_total,
	            broker_engine_replay_duration_seconds
	Muxer:      broker_muxer_events_total{muxer,destination},
	            broker_muxer_queue_depth{muxer},
	            broker_muxer_unacknowledged_events{muxer},
	            broker_muxer_file_records{muxer},
	            broker_muxer_events_per_second{muxer}
	Retention:  broker_retention_records_written_total,
	            broker_retention_records_read_total
	Drops:      broker_events_dropped_total{component}
	Feeder:     broker_feeder_events_total{muxer}

Counters are updated inline by the component that owns them. Queue gauges
are refreshed by a Collector polling a QueueSource (the muxer registry),
every 15 seconds by default.

# Health

The health checker tracks named components in three states. Unhealthy
components fail /health; degraded ones (a muxer that dropped events after a
retention-file failure) are reported but keep the broker ready. Readiness
waits for the critical components, "engine" by default.

	metrics.RegisterComponent("engine", true, "write")
	metrics.DegradeComponent("muxer/central-rrd", "retention file write failed")

	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
*/
package metrics
