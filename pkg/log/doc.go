/*
Package log provides structured logging for the broker using zerolog.

The log package wraps the zerolog library with a process-wide Logger, a small
set of levels, and child-logger helpers that tag entries with the component
that produced them. Every broker package logs through this package; none of
them writes to stdout directly.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Zero value discards everything           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("engine")                  │          │
	│  │  - WithMuxer("central-sql")                 │          │
	│  │  - WithFile("/var/cache/broker/x.queue")    │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Usage

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	logger := log.WithMuxer("central-rrd")
	logger.Info().Str("read_filter", "neb,storage").Msg("muxer created")
	logger.Error().Err(err).Msg("failed to write event to retention file")

# Levels

  - trace: per-event dispatch
  - debug: spill and drain transitions, file open/close
  - info: engine state changes, muxer lifecycle
  - warn: degraded behaviour (handler overwritten, stop timeout)
  - error: dropped events, I/O failures

Until Init is called the Logger has no writer and drops every entry, which
keeps tests quiet.
*/
package log
