package metrics

import (
	"time"
)

// QueueStat is a point-in-time view of one muxer queue
type QueueStat struct {
	Name           string
	Queued         int
	Unacknowledged int
	FileRecords    int
	Speed          float64
}

// QueueSource reports the state of every live muxer
type QueueSource interface {
	QueueStats() []QueueStat
}

// Collector periodically copies queue statistics into gauges
type Collector struct {
	source   QueueSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source QueueSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect updates the queue gauges once
func (c *Collector) Collect() {
	for _, s := range c.source.QueueStats() {
		MuxerQueueDepth.WithLabelValues(s.Name).Set(float64(s.Queued))
		MuxerUnacknowledged.WithLabelValues(s.Name).Set(float64(s.Unacknowledged))
		MuxerFileRecords.WithLabelValues(s.Name).Set(float64(s.FileRecords))
		MuxerSpeed.WithLabelValues(s.Name).Set(s.Speed)
	}
}
