package stream

import (
	"errors"
	"time"

	"github.com/cuemby/broker/pkg/event"
	"github.com/cuemby/broker/pkg/muxer"
)

// ErrWriteOnly is returned by Read on sinks that never produce events
var ErrWriteOnly = errors.New("stream is write only")

// Stream is the interface between the multiplexing core and the endpoints
// that produce or consume events.
type Stream interface {
	// Read returns the next event. ok is false when no event arrived
	// before deadline; a zero deadline waits without limit.
	Read(deadline time.Time) (ev *event.Event, ok bool, err error)
	// Write hands one event to the stream and returns how many events the
	// stream has fully processed since the previous call.
	Write(ev *event.Event) (int, error)
	// Statistics returns a JSON-serializable snapshot of the stream
	Statistics() interface{}
}

// Flusher is implemented by streams that buffer written events
type Flusher interface {
	// Flush processes every buffered event and returns how many events
	// were processed since the previous Write or Flush.
	Flush() (int, error)
}

// Source is a Stream whose read events must be acknowledged
type Source interface {
	Stream
	Name() string
	AckEvents(n int) int
	NackEvents()
	Wake()
}

var _ Source = (*muxer.Muxer)(nil)
