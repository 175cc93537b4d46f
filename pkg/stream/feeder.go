package stream

import (
	"errors"
	"sync"
	"time"

	"github.com/cuemby/broker/pkg/log"
	"github.com/cuemby/broker/pkg/metrics"
	"github.com/cuemby/broker/pkg/muxer"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

const (
	DefaultPollInterval = time.Second
	DefaultRetryDelay   = 5 * time.Second
)

// FeederConfig holds feeder configuration
type FeederConfig struct {
	// PollInterval bounds each blocking read so Stop is noticed
	PollInterval time.Duration
	// RetryDelay is the pause after a downstream write failure
	RetryDelay time.Duration
	// Clock defaults to the wall clock
	Clock clock.Clock
}

// Feeder pumps events from a source into a downstream stream. Source events
// are acknowledged only once the downstream reports them processed; after a
// downstream failure the unacknowledged events are read again.
type Feeder struct {
	src Source
	dst Stream
	cfg FeederConfig

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// stats, guarded by mu
	inFlight     int
	acknowledged uint64
	failures     uint64
	lastError    string

	logger zerolog.Logger
}

// NewFeeder creates a feeder from src to dst
func NewFeeder(src Source, dst Stream, cfg FeederConfig) *Feeder {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return &Feeder{
		src:    src,
		dst:    dst,
		cfg:    cfg,
		logger: log.WithComponent("feeder").With().Str("muxer", src.Name()).Logger(),
	}
}

// Start begins pumping events in the background
func (f *Feeder) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running {
		return
	}
	f.running = true
	f.stopCh = make(chan struct{})
	f.doneCh = make(chan struct{})
	go f.run(f.stopCh, f.doneCh)
	f.logger.Info().Msg("feeder started")
}

// Stop ends the pump loop, flushes the downstream and acknowledges what it
// processed. Events still unacknowledged stay in the source.
func (f *Feeder) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	close(f.stopCh)
	done := f.doneCh
	f.mu.Unlock()

	f.src.Wake()
	<-done

	if fl, ok := f.dst.(Flusher); ok {
		n, err := fl.Flush()
		if err != nil {
			f.recordFailure(err)
			f.logger.Error().Err(err).Msg("failed to flush downstream stream")
		}
		f.ack(n)
	}
	f.logger.Info().Msg("feeder stopped")
}

func (f *Feeder) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		ev, ok, err := f.src.Read(f.cfg.Clock.Now().Add(f.cfg.PollInterval))
		if err != nil {
			if errors.Is(err, muxer.ErrClosed) {
				f.logger.Warn().Msg("source closed, feeder exiting")
				return
			}
			f.recordFailure(err)
			f.logger.Error().Err(err).Msg("failed to read from source")
			if !f.pause(stopCh) {
				return
			}
			continue
		}
		if !ok {
			continue
		}

		f.mu.Lock()
		f.inFlight++
		f.mu.Unlock()

		n, err := f.dst.Write(ev)
		f.ack(n)
		if err != nil {
			f.recordFailure(err)
			f.logger.Error().Err(err).Stringer("type", ev.Type()).Msg("downstream write failed, unacknowledged events will be sent again")
			f.mu.Lock()
			f.inFlight = 0
			f.mu.Unlock()
			f.src.NackEvents()
			if !f.pause(stopCh) {
				return
			}
		}
	}
}

// pause waits RetryDelay; it returns false if the feeder was stopped meanwhile
func (f *Feeder) pause(stopCh chan struct{}) bool {
	select {
	case <-f.cfg.Clock.After(f.cfg.RetryDelay):
		return true
	case <-stopCh:
		return false
	}
}

func (f *Feeder) ack(n int) {
	if n <= 0 {
		return
	}
	acked := f.src.AckEvents(n)

	f.mu.Lock()
	f.inFlight -= acked
	if f.inFlight < 0 {
		f.inFlight = 0
	}
	f.acknowledged += uint64(acked)
	f.mu.Unlock()

	metrics.FeederEvents.WithLabelValues(f.src.Name()).Add(float64(acked))
}

func (f *Feeder) recordFailure(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures++
	f.lastError = err.Error()
}

// FeederStats is a snapshot of a feeder and both its ends
type FeederStats struct {
	Running      bool        `json:"running"`
	InFlight     int         `json:"in_flight"`
	Acknowledged uint64      `json:"acknowledged"`
	Failures     uint64      `json:"failures"`
	LastError    string      `json:"last_error,omitempty"`
	Source       interface{} `json:"source"`
	Destination  interface{} `json:"destination"`
}

// Statistics returns a FeederStats snapshot
func (f *Feeder) Statistics() interface{} {
	f.mu.Lock()
	s := FeederStats{
		Running:      f.running,
		InFlight:     f.inFlight,
		Acknowledged: f.acknowledged,
		Failures:     f.failures,
		LastError:    f.lastError,
	}
	f.mu.Unlock()

	s.Source = f.src.Statistics()
	s.Destination = f.dst.Statistics()
	return s
}
