/*
Package api serves the broker's HTTP introspection endpoints.

	GET  /health          component health, 503 when unhealthy
	GET  /ready           readiness, 503 until the engine is registered
	GET  /live            liveness
	GET  /metrics         Prometheus metrics
	GET  /statistics      engine, muxer and feeder statistics
	GET  /muxers/{name}   statistics of one muxer
	POST /engine/{action} start, stop or clear the engine

The endpoints are meant for operators and monitoring; they are not a data
path for events.
*/
package api
