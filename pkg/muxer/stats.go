package muxer

import (
	"time"

	"github.com/VividCortex/ewma"
	"github.com/juju/clock"
)

// speedometer averages acknowledged events per second over roughly the last
// 30 seconds. It is not safe for concurrent use.
type speedometer struct {
	clock  clock.Clock
	avg    ewma.MovingAverage
	second time.Time
	count  int
}

// maxIdleSamples caps the zero samples added after a long idle period; past
// the average's age they no longer change the result.
const maxIdleSamples = 30

func newSpeedometer(clk clock.Clock) *speedometer {
	return &speedometer{
		clock: clk,
		avg:   ewma.NewMovingAverage(),
	}
}

func (s *speedometer) add(n int) {
	s.roll()
	s.count += n
}

// roll closes every whole second elapsed since the last sample
func (s *speedometer) roll() {
	now := s.clock.Now().Truncate(time.Second)
	if s.second.IsZero() {
		s.second = now
		return
	}
	elapsed := int(now.Sub(s.second) / time.Second)
	if elapsed <= 0 {
		return
	}

	s.avg.Add(float64(s.count))
	for i := 1; i < elapsed && i <= maxIdleSamples; i++ {
		s.avg.Add(0)
	}
	s.count = 0
	s.second = now
}

func (s *speedometer) value() float64 {
	s.roll()
	return s.avg.Value()
}

// Stats is a snapshot of a muxer's state
type Stats struct {
	Name                 string  `json:"name"`
	Persistent           bool    `json:"persistent"`
	Subscribed           bool    `json:"subscribed"`
	ReadFilter           string  `json:"read_filters"`
	WriteFilter          string  `json:"write_filters"`
	QueuedEvents         int     `json:"queued_events"`
	UnacknowledgedEvents int     `json:"unacknowledged_events"`
	EventQueueMaxSize    int     `json:"event_queue_max_size"`
	QueueFileEnabled     bool    `json:"queue_file_enabled"`
	QueueFile            string  `json:"queue_file,omitempty"`
	QueueFileEvents      int     `json:"queue_file_events"`
	EventProcessingSpeed float64 `json:"event_processing_speed"`
}

// Stats returns the muxer's queue depth, filters, file backing status and
// processing speed
func (m *Muxer) Stats() Stats {
	subscribed := m.engine.Subscribed(m)

	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Name:                 m.name,
		Persistent:           m.persistent,
		Subscribed:           subscribed,
		ReadFilter:           m.readFilter.String(),
		WriteFilter:          m.writeFilter.String(),
		QueuedEvents:         len(m.events) - m.pos,
		UnacknowledgedEvents: m.pos,
		EventQueueMaxSize:    m.engine.EventQueueMaxSize(),
		EventProcessingSpeed: m.speed.value(),
	}
	if m.file != nil {
		s.QueueFileEnabled = true
		s.QueueFile = m.file.Path()
		s.QueueFileEvents = m.file.Len()
	}
	return s
}

// Statistics returns Stats as a JSON-serializable value
func (m *Muxer) Statistics() interface{} {
	return m.Stats()
}
