package muxer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/broker/pkg/engine"
	"github.com/cuemby/broker/pkg/event"
	"github.com/cuemby/broker/pkg/filter"
	"github.com/cuemby/broker/pkg/metrics"
	"github.com/cuemby/broker/pkg/retention"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// ErrClosed is returned when reading from or writing to a closed muxer.
// It signals a lifecycle bug in the caller, not a runtime condition.
var ErrClosed = errors.New("muxer closed")

// ErrPersistenceMismatch is returned when a live muxer is requested again
// with a different persistence mode
var ErrPersistenceMismatch = errors.New("muxer persistence mode mismatch")

// Muxer is one subscriber's inbox on the engine.
//
// Events are queued in memory up to the engine's EventQueueMaxSize. Past
// that cap they spill to a single retention file, and while that file exists
// every new event goes to it, so the reader always sees engine order. The
// in-memory queue is split by a cursor: events before it were read but not
// acknowledged, events after it are unread.
type Muxer struct {
	name       string
	persistent bool
	queueFile  string
	memoryFile string
	engine     *engine.Engine
	registry   *Registry
	clock      clock.Clock

	mu          sync.Mutex
	readFilter  *filter.Filter
	writeFilter *filter.Filter
	events      []*event.Event
	pos         int
	file        *retention.File
	handler     func()
	notify      chan struct{}
	closed      bool
	speed       *speedometer

	logger zerolog.Logger
}

// Name returns the muxer's unique name
func (m *Muxer) Name() string {
	return m.name
}

// Persistent reports whether the muxer keeps its queue across restarts
func (m *Muxer) Persistent() bool {
	return m.persistent
}

// Publish queues the events that pass the read filter. It is called by the
// engine's fan-out. File errors drop the affected events for this muxer only.
func (m *Muxer) Publish(events []*event.Event) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	limit := m.engine.EventQueueMaxSize()
	added := 0
	var spill []*event.Event
	for _, ev := range events {
		if !m.readFilter.Allows(ev.Type()) {
			continue
		}
		if m.file == nil && len(m.events) < limit {
			m.events = append(m.events, ev)
			added++
			continue
		}
		spill = append(spill, ev)
	}

	if added > 0 {
		metrics.MuxerEvents.WithLabelValues(m.name, "memory").Add(float64(added))
	}
	if len(spill) > 0 {
		added += m.spill(spill)
	}

	var handler func()
	if added > 0 {
		m.broadcast()
		handler = m.handler
		m.handler = nil
	}
	m.mu.Unlock()

	if handler != nil {
		handler()
	}
}

// spill appends events to the retention file, opening it if needed; mu must be held
func (m *Muxer) spill(events []*event.Event) int {
	if m.file == nil {
		f, err := retention.Open(m.queueFile)
		if err != nil {
			m.drop(events, err, "failed to open retention file")
			return 0
		}
		m.file = f
		m.logger.Debug().Int("queued", len(m.events)).Str("file", m.queueFile).Msg("queue full, spilling to retention file")
	}

	err := m.file.Transaction()
	for i := 0; err == nil && i < len(events); i++ {
		err = m.file.Add(events[i])
	}
	if err == nil {
		err = m.file.Commit()
	}
	if err != nil {
		m.file.Rollback()
		m.drop(events, err, "failed to write to retention file")
		return 0
	}

	metrics.MuxerEvents.WithLabelValues(m.name, "file").Add(float64(len(events)))
	return len(events)
}

func (m *Muxer) drop(events []*event.Event, err error, msg string) {
	m.logger.Error().Err(err).Int("events", len(events)).Msg(msg + ", events dropped")
	metrics.EventsDropped.WithLabelValues("muxer").Add(float64(len(events)))
	metrics.DegradeComponent("muxer/"+m.name, msg)
}

// broadcast wakes every blocked reader; mu must be held
func (m *Muxer) broadcast() {
	close(m.notify)
	m.notify = make(chan struct{})
}

// next returns the next unread event, from memory first then from the
// retention file; mu must be held. A drained retention file is removed.
func (m *Muxer) next() (*event.Event, error) {
	if m.pos < len(m.events) {
		ev := m.events[m.pos]
		m.pos++
		return ev, nil
	}
	if m.file == nil {
		return nil, nil
	}

	ev, err := m.file.Get()
	if err != nil {
		return nil, fmt.Errorf("muxer %s: failed to read retention file: %w", m.name, err)
	}
	if ev != nil {
		m.events = append(m.events, ev)
		m.pos++
		return ev, nil
	}

	if err := m.file.Remove(); err != nil {
		m.logger.Warn().Err(err).Msg("failed to remove drained retention file")
	}
	m.file = nil
	m.logger.Debug().Msg("retention file drained, back to in-memory queue")
	return nil, nil
}

// Read returns the next event, waiting until deadline if none is available.
// A zero deadline waits until data arrives or Wake is called. ok is false
// when the deadline passed or the reader was woken without data, which
// callers should treat as "try again".
func (m *Muxer) Read(deadline time.Time) (ev *event.Event, ok bool, err error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, false, ErrClosed
	}
	if ev, err = m.next(); ev != nil || err != nil {
		m.mu.Unlock()
		return ev, ev != nil, err
	}
	notify := m.notify
	m.mu.Unlock()

	var expired <-chan time.Time
	if !deadline.IsZero() {
		wait := deadline.Sub(m.clock.Now())
		if wait <= 0 {
			return nil, false, nil
		}
		expired = m.clock.After(wait)
	}

	select {
	case <-notify:
	case <-expired:
		return nil, false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, nil
	}
	ev, err = m.next()
	return ev, ev != nil, err
}

// ReadBatch returns up to limit available events without blocking. When none
// is available, handler is stored and called once, outside the muxer lock,
// by the next publish that queues data. Only one handler is kept: a second
// registration before the first fires replaces it.
func (m *Muxer) ReadBatch(limit int, handler func()) ([]*event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 1
	}

	var out []*event.Event
	for len(out) < limit {
		ev, err := m.next()
		if err != nil {
			return out, err
		}
		if ev == nil {
			break
		}
		out = append(out, ev)
	}

	if len(out) == 0 && handler != nil {
		if m.handler != nil {
			m.logger.Warn().Msg("read handler replaced before the previous one fired")
		}
		m.handler = handler
	}
	return out, nil
}

// AckEvents drops the n oldest read events from the queue and returns how
// many were acknowledged; unread events are never acknowledged.
func (m *Muxer) AckEvents(n int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n > m.pos {
		n = m.pos
	}
	if n <= 0 {
		return 0
	}
	clear(m.events[:n])
	m.events = m.events[n:]
	m.pos -= n
	m.speed.add(n)
	return n
}

// NackEvents rewinds the cursor so unacknowledged events are read again
func (m *Muxer) NackEvents() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pos > 0 {
		m.logger.Debug().Int("events", m.pos).Msg("unacknowledged events will be read again")
	}
	m.pos = 0
}

// Write injects an event into the bus, where every subscriber including this
// muxer may receive it. Events rejected by the write filter are discarded.
// It returns the number of events accepted.
func (m *Muxer) Write(ev *event.Event) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrClosed
	}
	allowed := m.writeFilter.Allows(ev.Type())
	m.mu.Unlock()

	if !allowed {
		m.logger.Trace().Stringer("type", ev.Type()).Msg("event rejected by write filter")
		return 0, nil
	}
	m.engine.Publish(ev)
	return 1, nil
}

// SetReadFilter replaces the read filter; queued events are not re-filtered
func (m *Muxer) SetReadFilter(f *filter.Filter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readFilter = f
}

// SetWriteFilter replaces the write filter
func (m *Muxer) SetWriteFilter(f *filter.Filter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeFilter = f
}

// ReadFilter returns the current read filter
func (m *Muxer) ReadFilter() *filter.Filter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readFilter
}

// WriteFilter returns the current write filter
func (m *Muxer) WriteFilter() *filter.Filter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeFilter
}

// Subscribe registers the muxer with the engine again after Unsubscribe
func (m *Muxer) Subscribe() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.engine.Subscribe(m)
	return nil
}

// Unsubscribe stops fan-out to this muxer. Calling it again has no effect.
func (m *Muxer) Unsubscribe() {
	if m.engine.Unsubscribe(m) {
		m.logger.Info().Msg("muxer unsubscribed")
	}
}

// Wake unblocks readers waiting in Read even if no data is available
func (m *Muxer) Wake() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcast()
}

// RemoveQueueFiles deletes the muxer's retention and memory files
func (m *Muxer) RemoveQueueFiles() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeQueueFiles()
}

func (m *Muxer) removeQueueFiles() error {
	var errs []error
	if m.file != nil {
		if n := m.file.Len(); n > 0 {
			m.logger.Info().Int("events", n).Msg("discarding events held in retention file")
		}
		if err := m.file.Remove(); err != nil {
			errs = append(errs, err)
		}
		m.file = nil
	}
	errs = append(errs, retention.Remove(m.queueFile), retention.Remove(m.memoryFile))
	return errors.Join(errs...)
}

// Close unsubscribes the muxer and releases its files. A persistent muxer
// saves its unacknowledged in-memory events to the memory file and keeps its
// retention file; a transient one deletes both. Blocked readers are woken.
func (m *Muxer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.handler = nil
	m.broadcast()
	m.mu.Unlock()

	m.Unsubscribe()
	m.registry.release(m)

	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if m.persistent {
		err = m.saveMemory()
		if m.file != nil {
			err = errors.Join(err, m.file.Close())
			m.file = nil
		}
	} else {
		err = m.removeQueueFiles()
	}
	clear(m.events)
	m.events = nil
	m.pos = 0

	metrics.ForgetMuxer(m.name)
	metrics.RemoveComponent("muxer/" + m.name)
	m.logger.Info().Msg("muxer closed")
	return err
}

// saveMemory writes every queued event to the memory file; mu must be held
func (m *Muxer) saveMemory() error {
	if len(m.events) == 0 {
		return nil
	}
	f, err := retention.Open(m.memoryFile)
	if err != nil {
		return fmt.Errorf("muxer %s: failed to open memory file: %w", m.name, err)
	}
	if err := f.Transaction(); err != nil {
		f.Close()
		return err
	}
	for _, ev := range m.events {
		if err := f.Add(ev); err != nil {
			f.Rollback()
			f.Close()
			return fmt.Errorf("muxer %s: failed to save memory queue: %w", m.name, err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("muxer %s: failed to commit memory file: %w", m.name, err)
	}
	m.logger.Info().Int("events", len(m.events)).Msg("in-memory queue saved")
	return nil
}

// loadMemory restores events saved by a previous persistent muxer and
// reopens its retention file; called before the muxer is shared.
func (m *Muxer) loadMemory() error {
	if retention.Exists(m.memoryFile) {
		f, err := retention.Open(m.memoryFile)
		if err != nil {
			return fmt.Errorf("muxer %s: failed to open memory file: %w", m.name, err)
		}
		for {
			ev, err := f.Get()
			if err != nil {
				f.Close()
				return fmt.Errorf("muxer %s: failed to read memory file: %w", m.name, err)
			}
			if ev == nil {
				break
			}
			m.events = append(m.events, ev)
		}
		if err := f.Remove(); err != nil {
			m.logger.Warn().Err(err).Msg("failed to remove memory file")
		}
		m.logger.Info().Int("events", len(m.events)).Msg("in-memory queue restored")
	}

	if retention.Exists(m.queueFile) {
		f, err := retention.Open(m.queueFile)
		if err != nil {
			return fmt.Errorf("muxer %s: failed to open retention file: %w", m.name, err)
		}
		m.file = f
		m.logger.Info().Int("events", f.Len()).Msg("retention file reopened")
	}
	return nil
}
