// Package muxer provides the per-subscriber queues of the broker. Each muxer
// filters the engine's fan-out, buffers events in memory and spills them to a
// retention file once the shared queue cap is reached.
package muxer
