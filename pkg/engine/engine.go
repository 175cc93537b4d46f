package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/broker/pkg/event"
	"github.com/cuemby/broker/pkg/log"
	"github.com/cuemby/broker/pkg/metrics"
	"github.com/cuemby/broker/pkg/retention"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// State is the engine's dispatch mode
type State int

const (
	// StateNop queues published events without dispatching them
	StateNop State = iota
	// StateWrite fans published events out to every subscriber
	StateWrite
	// StateWriteToCacheFile appends published events to the cache file
	StateWriteToCacheFile
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateNop:
		return "nop"
	case StateWrite:
		return "write"
	case StateWriteToCacheFile:
		return "write_to_cache_file"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	DefaultEventQueueMaxSize   = 10000
	DefaultStopTimeout         = 5 * time.Second
	DefaultCacheCommitInterval = 1000

	// replayBatchSize is the number of cached events replayed per unlocked round
	replayBatchSize = 1000
)

// ErrClosed is returned by lifecycle operations on a closed engine
var ErrClosed = errors.New("engine closed")

// Subscriber receives the events fanned out by the engine
type Subscriber interface {
	Name() string
	Publish(events []*event.Event)
}

// Config holds engine configuration
type Config struct {
	// CacheDir holds the cache file used while the engine is stopped
	CacheDir string
	// Name identifies this broker; the cache file is named after it
	Name string
	// EventQueueMaxSize is the in-memory cap of every muxer queue
	EventQueueMaxSize int
	// StopTimeout bounds how long Stop waits for pending events to drain
	StopTimeout time.Duration
	// CacheCommitInterval is the number of cached events per transaction
	CacheCommitInterval int
	// Clock defaults to the wall clock
	Clock clock.Clock
}

// Engine is the fan-out hub between event producers and muxers.
//
// Two locks are used: mu guards the dispatch state, the pending queue and the
// cache file; subMu guards the subscriber set. Publishing never waits on a
// slow subscriber since each muxer applies its own backpressure.
type Engine struct {
	cfg      Config
	clock    clock.Clock
	queueMax atomic.Int64

	lifecycle sync.Mutex

	mu        sync.Mutex
	state     State
	closed    bool
	kiew      []*event.Event
	sending   bool
	drained   chan struct{}
	cache     *retention.File
	cacheAdds int

	subMu       sync.RWMutex
	subscribers map[Subscriber]struct{}

	logger zerolog.Logger
}

// New creates an engine in the nop state
func New(cfg Config) *Engine {
	if cfg.Name == "" {
		cfg.Name = "broker"
	}
	if cfg.EventQueueMaxSize <= 0 {
		cfg.EventQueueMaxSize = DefaultEventQueueMaxSize
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.CacheCommitInterval <= 0 {
		cfg.CacheCommitInterval = DefaultCacheCommitInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}

	e := &Engine{
		cfg:         cfg,
		clock:       cfg.Clock,
		subscribers: make(map[Subscriber]struct{}),
		logger:      log.WithComponent("engine"),
	}
	e.queueMax.Store(int64(cfg.EventQueueMaxSize))

	metrics.EngineState.Set(float64(StateNop))
	metrics.RegisterComponent("engine", true, StateNop.String())
	return e
}

// CacheFile returns the path of the file buffering events while stopped
func (e *Engine) CacheFile() string {
	return retention.CacheFile(e.cfg.CacheDir, e.cfg.Name)
}

// State returns the current dispatch mode
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// EventQueueMaxSize returns the in-memory cap shared by all muxers
func (e *Engine) EventQueueMaxSize() int {
	return int(e.queueMax.Load())
}

// SetEventQueueMaxSize changes the in-memory cap shared by all muxers
func (e *Engine) SetEventQueueMaxSize(n int) {
	if n <= 0 {
		n = DefaultEventQueueMaxSize
	}
	e.queueMax.Store(int64(n))
}

// Publish sends one event into the bus
func (e *Engine) Publish(ev *event.Event) {
	e.PublishBatch([]*event.Event{ev})
}

// PublishBatch sends events into the bus, preserving their order.
// It never fails: cache-file errors are logged and the events dropped.
func (e *Engine) PublishBatch(events []*event.Event) {
	if len(events) == 0 {
		return
	}
	metrics.EventsPublished.Add(float64(len(events)))

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.logger.Error().Int("events", len(events)).Msg("publish on closed engine, events dropped")
		metrics.EventsDropped.WithLabelValues("engine").Add(float64(len(events)))
		return
	}

	switch e.state {
	case StateNop:
		e.kiew = append(e.kiew, events...)
		e.mu.Unlock()
	case StateWrite:
		e.kiew = append(e.kiew, events...)
		e.mu.Unlock()
		e.dispatch()
	case StateWriteToCacheFile:
		e.writeToCache(events)
		e.mu.Unlock()
	default:
		state := e.state
		e.mu.Unlock()
		panic(fmt.Sprintf("engine in unknown state %d", state))
	}
}

// dispatch delivers the pending queue to the subscribers. Only one goroutine
// dispatches at a time, which keeps the delivery order equal to the queue
// order; other callers leave their events to the active dispatcher.
func (e *Engine) dispatch() {
	e.mu.Lock()
	if e.sending || len(e.kiew) == 0 {
		e.mu.Unlock()
		return
	}
	e.sending = true
	e.drained = make(chan struct{})

	for len(e.kiew) > 0 {
		batch := e.kiew
		e.kiew = nil
		e.mu.Unlock()

		e.fanOut(batch)

		e.mu.Lock()
	}

	e.sending = false
	close(e.drained)
	e.mu.Unlock()
}

func (e *Engine) fanOut(batch []*event.Event) {
	e.subMu.RLock()
	subs := make([]Subscriber, 0, len(e.subscribers))
	for s := range e.subscribers {
		subs = append(subs, s)
	}
	e.subMu.RUnlock()

	for _, s := range subs {
		s.Publish(batch)
	}
	e.logger.Trace().Int("events", len(batch)).Int("subscribers", len(subs)).Msg("events dispatched")
}

// waitDrained blocks until no events are pending or the timeout expires
func (e *Engine) waitDrained(timeout time.Duration) bool {
	expired := e.clock.After(timeout)
	for {
		e.mu.Lock()
		if !e.sending && len(e.kiew) == 0 {
			e.mu.Unlock()
			return true
		}
		drained := e.drained
		sending := e.sending
		e.mu.Unlock()

		if !sending {
			// Events queued but nobody dispatching them
			e.dispatch()
			continue
		}

		select {
		case <-drained:
		case <-expired:
			return false
		}
	}
}

// writeToCache appends events to the cache file; mu must be held
func (e *Engine) writeToCache(events []*event.Event) {
	if e.cache == nil {
		e.logger.Error().Int("events", len(events)).Msg("no cache file available, events dropped")
		metrics.EventsDropped.WithLabelValues("engine").Add(float64(len(events)))
		return
	}

	for i, ev := range events {
		if err := e.cache.Add(ev); err != nil {
			dropped := len(events) - i
			e.logger.Error().Err(err).Int("events", dropped).Msg("failed to write to cache file, events dropped")
			metrics.EventsDropped.WithLabelValues("engine").Add(float64(dropped))
			metrics.DegradeComponent("engine", "cache file write failed")
			return
		}
		e.cacheAdds++
		metrics.EventsCached.Inc()
	}

	if e.cacheAdds >= e.cfg.CacheCommitInterval && e.cache.InTransaction() {
		e.cacheAdds = 0
		if err := e.cache.Commit(); err != nil {
			e.logger.Error().Err(err).Msg("failed to commit cache file, buffered events dropped")
			metrics.DegradeComponent("engine", "cache file commit failed")
		}
		if err := e.cache.Transaction(); err != nil {
			e.logger.Error().Err(err).Msg("failed to begin cache file transaction")
		}
	}
}

// Start replays every buffered event, first the pending queue then the cache
// file, and switches to live dispatch. Events published while the replay is
// running keep going to the cache file, so they are replayed in order too.
//
// A cache file left by a previous process holds older events than anything
// queued in the nop state, so the queue is appended to that file before the
// replay begins.
//
// The replay runs unlocked for as many batches as the file held when Start
// began. Whatever publishers added meanwhile is read in one final pass during
// which publishing blocks.
func (e *Engine) Start() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.state == StateWrite {
		e.mu.Unlock()
		return nil
	}

	prev := e.state
	timer := metrics.NewTimer()
	if e.cache == nil && retention.Exists(e.CacheFile()) {
		cache, err := retention.Open(e.CacheFile())
		if err != nil {
			e.logger.Error().Err(err).Msg("failed to open leftover cache file, its events are not replayed")
		} else {
			e.cache = cache
			if pending := e.kiew; len(pending) > 0 {
				e.kiew = nil
				e.writeToCache(pending)
			}
			e.state = StateWriteToCacheFile
		}
	}

	replayed := 0
	rounds := 0
	if e.cache != nil {
		rounds = e.cache.Len()/replayBatchSize + 1
	}
	for ; e.cache != nil && rounds > 0; rounds-- {
		batch, err := e.readCache(replayBatchSize)
		e.kiew = append(e.kiew, batch...)
		replayed += len(batch)

		if err != nil || len(batch) == 0 {
			e.releaseCache(err)
			break
		}

		e.mu.Unlock()
		e.dispatch()
		e.mu.Lock()
	}
	if e.cache != nil {
		batch, err := e.readCache(0)
		e.kiew = append(e.kiew, batch...)
		replayed += len(batch)
		e.releaseCache(err)
	}

	e.state = StateWrite
	e.cacheAdds = 0
	e.mu.Unlock()

	e.dispatch()

	timer.ObserveDuration(metrics.EngineReplayDuration)
	metrics.EngineState.Set(float64(StateWrite))
	metrics.RegisterComponent("engine", true, StateWrite.String())
	e.logger.Info().Str("from", prev.String()).Int("replayed", replayed).
		Dur("duration", timer.Duration()).Msg("multiplexing started")
	return nil
}

// readCache commits pending cache writes and reads up to limit events, or
// every remaining event when limit is zero; mu must be held
func (e *Engine) readCache(limit int) ([]*event.Event, error) {
	if err := e.cache.Commit(); err != nil {
		e.logger.Error().Err(err).Msg("failed to commit cache file, buffered events dropped")
	}

	var batch []*event.Event
	for limit <= 0 || len(batch) < limit {
		ev, err := e.cache.Get()
		if err != nil {
			return batch, err
		}
		if ev == nil {
			break
		}
		batch = append(batch, ev)
	}
	return batch, nil
}

// releaseCache drops the cache file once replayed. After a read error the
// file is kept for the next start. mu must be held.
func (e *Engine) releaseCache(readErr error) {
	if readErr != nil {
		e.logger.Error().Err(readErr).Str("file", e.cache.Path()).Msg("failed to read cache file, keeping it for the next start")
		if err := e.cache.Close(); err != nil {
			e.logger.Warn().Err(err).Msg("failed to close cache file")
		}
	} else if err := e.cache.Remove(); err != nil {
		e.logger.Warn().Err(err).Msg("failed to remove cache file")
	}
	e.cache = nil
}

// Stop flushes pending events to the current subscribers and switches to
// buffering every later event in the cache file.
func (e *Engine) Stop() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.state == StateWriteToCacheFile {
		e.mu.Unlock()
		return nil
	}
	prev := e.state
	e.mu.Unlock()

	if !e.waitDrained(e.cfg.StopTimeout) {
		e.logger.Warn().Dur("timeout", e.cfg.StopTimeout).Msg("pending events still dispatching after stop timeout")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cache, err := retention.Open(e.CacheFile())
	if err == nil {
		err = cache.Transaction()
	}
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to open cache file, events published while stopped will be dropped")
		metrics.DegradeComponent("engine", "cache file unavailable")
		if cache != nil {
			_ = cache.Close()
		}
	} else {
		e.cache = cache
		metrics.RegisterComponent("engine", true, StateWriteToCacheFile.String())
	}
	e.state = StateWriteToCacheFile
	e.cacheAdds = 0

	metrics.EngineState.Set(float64(StateWriteToCacheFile))
	e.logger.Info().Str("from", prev.String()).Str("cache_file", e.CacheFile()).Msg("multiplexing stopped")
	return nil
}

// Clear drops every buffered event without dispatching it
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()

	dropped := len(e.kiew)
	e.kiew = nil

	if e.cache != nil {
		dropped += e.cache.Len()
		if err := e.cache.Remove(); err != nil {
			e.logger.Warn().Err(err).Msg("failed to remove cache file")
		}
		e.cache = nil

		if e.state == StateWriteToCacheFile {
			cache, err := retention.Open(e.CacheFile())
			if err == nil {
				err = cache.Transaction()
			}
			if err != nil {
				e.logger.Error().Err(err).Msg("failed to reopen cache file")
			} else {
				e.cache = cache
			}
		}
	}
	e.cacheAdds = 0
	e.logger.Info().Int("dropped", dropped).Msg("buffered events cleared")
}

// Close unloads the engine. Undelivered events, whether pending in memory or
// in the cache file, are committed to the cache file and replayed by the
// next engine's Start. An empty cache file is removed.
func (e *Engine) Close() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	state := e.state
	e.mu.Unlock()

	if state == StateWrite && !e.waitDrained(e.cfg.StopTimeout) {
		e.logger.Warn().Msg("pending events still dispatching at close")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true

	var errs []error
	if len(e.kiew) > 0 && !e.sending {
		if e.cache == nil {
			cache, err := retention.Open(e.CacheFile())
			if err != nil {
				errs = append(errs, err)
			} else {
				e.cache = cache
			}
		}
		if e.cache != nil {
			for _, ev := range e.kiew {
				if err := e.cache.Add(ev); err != nil {
					errs = append(errs, err)
					break
				}
			}
			e.logger.Info().Int("events", len(e.kiew)).Msg("pending events saved to cache file")
			e.kiew = nil
		}
	}

	if e.cache != nil {
		if e.cache.Len() == 0 {
			if err := e.cache.Remove(); err != nil {
				errs = append(errs, err)
			}
		} else if err := e.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close cache file: %w", err))
		}
		e.cache = nil
	}

	metrics.UpdateComponent("engine", false, "closed")
	e.logger.Info().Msg("engine unloaded")
	return errors.Join(errs...)
}

// Subscribe registers a subscriber for fan-out
func (e *Engine) Subscribe(s Subscriber) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	e.subscribers[s] = struct{}{}
	metrics.EngineSubscribers.Set(float64(len(e.subscribers)))
	e.logger.Debug().Str("subscriber", s.Name()).Msg("subscriber added")
}

// Unsubscribe removes a subscriber. It reports whether s was subscribed.
func (e *Engine) Unsubscribe(s Subscriber) bool {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	if _, ok := e.subscribers[s]; !ok {
		return false
	}
	delete(e.subscribers, s)
	metrics.EngineSubscribers.Set(float64(len(e.subscribers)))
	e.logger.Debug().Str("subscriber", s.Name()).Msg("subscriber removed")
	return true
}

// Subscribed reports whether s receives fan-out
func (e *Engine) Subscribed(s Subscriber) bool {
	e.subMu.RLock()
	defer e.subMu.RUnlock()
	_, ok := e.subscribers[s]
	return ok
}

// SubscriberCount returns the number of subscribers
func (e *Engine) SubscriberCount() int {
	e.subMu.RLock()
	defer e.subMu.RUnlock()
	return len(e.subscribers)
}

// Pending returns the number of events waiting for dispatch, in memory and
// in the cache file
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.kiew)
	if e.cache != nil {
		n += e.cache.Len()
	}
	return n
}
