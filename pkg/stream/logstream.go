package stream

import (
	"sync"
	"time"

	"github.com/cuemby/broker/pkg/event"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/encoding/protojson"
)

// LogStream is a sink that writes every event to a logger. It reports
// events as processed in groups of BatchSize, the way a buffering transport
// acknowledges a flushed batch.
type LogStream struct {
	logger    zerolog.Logger
	level     zerolog.Level
	batchSize int

	mu      sync.Mutex
	pending int
	written uint64
	last    time.Time
}

// LogStreamConfig holds log sink configuration
type LogStreamConfig struct {
	// Level of the per-event log line
	Level zerolog.Level
	// BatchSize is the number of events acknowledged at once
	BatchSize int
}

// NewLogStream creates a sink writing to logger
func NewLogStream(logger zerolog.Logger, cfg LogStreamConfig) *LogStream {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	return &LogStream{
		logger:    logger,
		level:     cfg.Level,
		batchSize: cfg.BatchSize,
	}
}

// Read always fails: a log sink produces no events
func (s *LogStream) Read(time.Time) (*event.Event, bool, error) {
	return nil, false, ErrWriteOnly
}

// Write logs ev and returns the number of events acknowledged by this call
func (s *LogStream) Write(ev *event.Event) (int, error) {
	if ev == nil {
		return s.Flush()
	}

	e := s.logger.WithLevel(s.level).
		Stringer("type", ev.Type()).
		Uint32("source", ev.Source()).
		Uint32("destination", ev.Destination())
	if ev.IsMessage() {
		e = e.Str("body", protojson.Format(ev.Message()))
	} else {
		e = e.Int("payload_size", len(ev.Payload()))
	}
	e.Msg("event")

	s.mu.Lock()
	defer s.mu.Unlock()

	s.written++
	s.last = time.Now()
	s.pending++
	if s.pending < s.batchSize {
		return 0, nil
	}
	n := s.pending
	s.pending = 0
	return n, nil
}

// Flush acknowledges every event written since the last acknowledgement
func (s *LogStream) Flush() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.pending
	s.pending = 0
	return n, nil
}

// LogStreamStats is a snapshot of a log sink
type LogStreamStats struct {
	Written   uint64    `json:"written"`
	Pending   int       `json:"pending"`
	BatchSize int       `json:"batch_size"`
	LastWrite time.Time `json:"last_write"`
}

// Statistics returns a LogStreamStats snapshot
func (s *LogStream) Statistics() interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	return LogStreamStats{
		Written:   s.written,
		Pending:   s.pending,
		BatchSize: s.batchSize,
		LastWrite: s.last,
	}
}
