package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/broker/pkg/engine"
	"github.com/cuemby/broker/pkg/event"
	"github.com/cuemby/broker/pkg/muxer"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

func newTestMuxer(t *testing.T, name string) (*engine.Engine, *muxer.Muxer) {
	t.Helper()
	dir := t.TempDir()
	eng := engine.New(engine.Config{CacheDir: dir})
	require.NoError(t, eng.Start())
	reg := muxer.NewRegistry(eng, muxer.RegistryConfig{Dir: dir})
	m, err := reg.Create(name, nil, nil, false)
	require.NoError(t, err)
	t.Cleanup(func() {
		reg.Close()
		eng.Close()
	})
	return eng, m
}

func raw(payload string) *event.Event {
	return event.New(event.NEBServiceStatus, []byte(payload))
}

func fastFeeder() FeederConfig {
	return FeederConfig{PollInterval: 20 * time.Millisecond, RetryDelay: 10 * time.Millisecond}
}

// recordingStream acknowledges every write and can be told to fail
type recordingStream struct {
	mu       sync.Mutex
	written  []string
	failures int
}

func (s *recordingStream) Read(time.Time) (*event.Event, bool, error) {
	return nil, false, ErrWriteOnly
}

func (s *recordingStream) Write(ev *event.Event) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return 0, errors.New("connection reset")
	}
	s.written = append(s.written, string(ev.Payload()))
	return 1, nil
}

func (s *recordingStream) Statistics() interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]int{"written": len(s.written)}
}

func (s *recordingStream) payloads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.written...)
}

func feederStats(f *Feeder) FeederStats {
	return f.Statistics().(FeederStats)
}

func TestFeederDelivers(t *testing.T) {
	eng, m := newTestMuxer(t, "rrd")
	var buf bytes.Buffer
	sink := NewLogStream(zerolog.New(&buf), LogStreamConfig{Level: zerolog.InfoLevel})

	f := NewFeeder(m, sink, fastFeeder())
	f.Start()
	f.Start()

	for _, p := range []string{"a", "b", "c"} {
		eng.Publish(raw(p))
	}
	require.Eventually(t, func() bool {
		return feederStats(f).Acknowledged == 3
	}, 5*time.Second, 10*time.Millisecond)

	f.Stop()
	f.Stop()

	stats := m.Stats()
	assert.Equal(t, 0, stats.QueuedEvents)
	assert.Equal(t, 0, stats.UnacknowledgedEvents)
	assert.Equal(t, 3, strings.Count(buf.String(), `"message":"event"`))
	assert.False(t, feederStats(f).Running)
}

// TestFeederRetriesAfterFailure tests that a failed write is sent again
func TestFeederRetriesAfterFailure(t *testing.T) {
	eng, m := newTestMuxer(t, "tcp")
	sink := &recordingStream{failures: 1}

	f := NewFeeder(m, sink, fastFeeder())
	f.Start()
	defer f.Stop()

	eng.Publish(raw("a"))
	eng.Publish(raw("b"))

	require.Eventually(t, func() bool {
		return len(sink.payloads()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, sink.payloads())

	stats := feederStats(f)
	assert.Equal(t, uint64(1), stats.Failures)
	assert.Equal(t, "connection reset", stats.LastError)
}

// TestFeederFlushOnStop tests that batched acknowledgements are collected at stop
func TestFeederFlushOnStop(t *testing.T) {
	eng, m := newTestMuxer(t, "batch")
	sink := NewLogStream(zerolog.Nop(), LogStreamConfig{BatchSize: 10})

	f := NewFeeder(m, sink, fastFeeder())
	f.Start()

	for _, p := range []string{"a", "b", "c"} {
		eng.Publish(raw(p))
	}
	require.Eventually(t, func() bool {
		return sink.Statistics().(LogStreamStats).Written == 3
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, m.Stats().UnacknowledgedEvents)
	assert.Equal(t, 3, feederStats(f).InFlight)

	f.Stop()
	assert.Equal(t, 0, m.Stats().UnacknowledgedEvents)
	assert.Equal(t, uint64(3), feederStats(f).Acknowledged)
	assert.Equal(t, 0, feederStats(f).InFlight)
}

// TestFeederSourceClosed tests that the pump exits when its muxer closes
func TestFeederSourceClosed(t *testing.T) {
	_, m := newTestMuxer(t, "gone")
	f := NewFeeder(m, &recordingStream{}, fastFeeder())
	f.Start()

	require.NoError(t, m.Close())

	stopped := make(chan struct{})
	go func() {
		f.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("feeder did not stop")
	}
}

func TestFeederStatisticsJSON(t *testing.T) {
	_, m := newTestMuxer(t, "central")
	f := NewFeeder(m, &recordingStream{}, fastFeeder())

	buf, err := json.Marshal(f.Statistics())
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(buf, &got))
	assert.Equal(t, false, got["running"])
	assert.Equal(t, "central", got["source"].(map[string]interface{})["name"])
	assert.Equal(t, float64(0), got["destination"].(map[string]interface{})["written"])
}

func TestLogStream(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogStream(zerolog.New(&buf), LogStreamConfig{Level: zerolog.InfoLevel, BatchSize: 2})

	msg, err := structpb.NewStruct(map[string]interface{}{"host": "srv01"})
	require.NoError(t, err)

	n, err := sink.Write(event.NewMessage(event.BAMBAStatus, msg, event.WithSource(3)))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = sink.Write(raw("payload"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = sink.Write(raw("tail"))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// A nil write flushes
	n, err = sink.Write(nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	out := buf.String()
	assert.Contains(t, out, "srv01")
	assert.Contains(t, out, `"source":3`)
	assert.Contains(t, out, `"payload_size":7`)
	assert.Contains(t, out, `"type":"`+event.BAMBAStatus.String()+`"`)

	_, _, err = sink.Read(time.Now())
	assert.ErrorIs(t, err, ErrWriteOnly)

	stats := sink.Statistics().(LogStreamStats)
	assert.Equal(t, uint64(3), stats.Written)
	assert.Equal(t, 0, stats.Pending)
}
