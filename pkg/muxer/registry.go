package muxer

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"weak"

	"github.com/cuemby/broker/pkg/engine"
	"github.com/cuemby/broker/pkg/filter"
	"github.com/cuemby/broker/pkg/log"
	"github.com/cuemby/broker/pkg/metrics"
	"github.com/cuemby/broker/pkg/retention"
	"github.com/google/uuid"
	"github.com/juju/clock"
)

// RegistryConfig holds registry configuration
type RegistryConfig struct {
	// Dir holds the muxers' retention and memory files
	Dir string
	// Clock defaults to the wall clock
	Clock clock.Clock
}

// Registry creates muxers and looks them up by name.
//
// The registry does not own its muxers: entries are weak pointers, and the
// caller that created a muxer is responsible for closing it. While a muxer is
// subscribed the engine keeps it reachable.
type Registry struct {
	engine *engine.Engine
	dir    string
	clock  clock.Clock

	mu     sync.Mutex
	muxers map[string]weak.Pointer[Muxer]
}

// NewRegistry creates a registry whose muxers subscribe to eng
func NewRegistry(eng *engine.Engine, cfg RegistryConfig) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return &Registry{
		engine: eng,
		dir:    cfg.Dir,
		clock:  cfg.Clock,
		muxers: make(map[string]weak.Pointer[Muxer]),
	}
}

// Create returns a subscribed muxer called name. If a live muxer already has
// that name it is returned with its filters replaced; asking for it with a
// different persistence mode is an error. An empty name gets a generated one.
// Nil filters allow everything.
func (r *Registry) Create(name string, readFilter, writeFilter *filter.Filter, persistent bool) (*Muxer, error) {
	if name == "" {
		name = "muxer-" + uuid.New().String()
	}
	if readFilter == nil {
		readFilter = filter.All()
	}
	if writeFilter == nil {
		writeFilter = filter.All()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if m := r.lookup(name); m != nil {
		if m.persistent != persistent {
			return nil, fmt.Errorf("%w: %s is persistent=%t, requested persistent=%t",
				ErrPersistenceMismatch, name, m.persistent, persistent)
		}
		m.SetReadFilter(readFilter)
		m.SetWriteFilter(writeFilter)
		m.logger.Info().Str("read_filters", readFilter.String()).
			Str("write_filters", writeFilter.String()).Msg("muxer already exists, reusing it")
		return m, nil
	}

	m := &Muxer{
		name:        name,
		persistent:  persistent,
		queueFile:   retention.QueueFile(r.dir, name),
		memoryFile:  retention.MemoryFile(r.dir, name),
		engine:      r.engine,
		registry:    r,
		clock:       r.clock,
		readFilter:  readFilter,
		writeFilter: writeFilter,
		notify:      make(chan struct{}),
		speed:       newSpeedometer(r.clock),
		logger:      log.WithMuxer(name),
	}

	if persistent {
		if err := m.loadMemory(); err != nil {
			return nil, err
		}
	} else if err := m.removeQueueFiles(); err != nil {
		m.logger.Warn().Err(err).Msg("failed to remove stale queue files")
	}

	r.muxers[name] = weak.Make(m)
	r.engine.Subscribe(m)
	metrics.RegisterComponent("muxer/"+name, true, "")

	m.logger.Info().Bool("persistent", persistent).
		Str("read_filters", readFilter.String()).
		Str("write_filters", writeFilter.String()).
		Int("restored", len(m.events)).
		Msg("muxer created")
	return m, nil
}

// Get returns the live muxer called name, or nil
func (r *Registry) Get(name string) *Muxer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookup(name)
}

// lookup resolves a name, pruning dead entries; mu must be held
func (r *Registry) lookup(name string) *Muxer {
	wp, ok := r.muxers[name]
	if !ok {
		return nil
	}
	m := wp.Value()
	if m == nil || m.isClosed() {
		delete(r.muxers, name)
		return nil
	}
	return m
}

// release forgets m if it is still the muxer registered under its name
func (r *Registry) release(m *Muxer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if wp, ok := r.muxers[m.name]; ok && wp.Value() == m {
		delete(r.muxers, m.name)
	}
}

// Names returns the names of the live muxers, sorted
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.muxers))
	for name := range r.muxers {
		if r.lookup(name) != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Stats returns a snapshot of every live muxer
func (r *Registry) Stats() []Stats {
	var stats []Stats
	for _, name := range r.Names() {
		if m := r.Get(name); m != nil {
			stats = append(stats, m.Stats())
		}
	}
	return stats
}

// QueueStats implements metrics.QueueSource
func (r *Registry) QueueStats() []metrics.QueueStat {
	var out []metrics.QueueStat
	for _, s := range r.Stats() {
		out = append(out, metrics.QueueStat{
			Name:           s.Name,
			Queued:         s.QueuedEvents,
			Unacknowledged: s.UnacknowledgedEvents,
			FileRecords:    s.QueueFileEvents,
			Speed:          s.EventProcessingSpeed,
		})
	}
	return out
}

// Close closes every live muxer
func (r *Registry) Close() error {
	var errs []error
	for _, name := range r.Names() {
		if m := r.Get(name); m != nil {
			if err := m.Close(); err != nil {
				errs = append(errs, fmt.Errorf("muxer %s: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (m *Muxer) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
