package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/broker/pkg/event"
	"github.com/cuemby/broker/pkg/retention"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	name    string
	mu      sync.Mutex
	events  []*event.Event
	started chan struct{}
	blockCh chan struct{}
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Publish(events []*event.Event) {
	if r.blockCh != nil {
		select {
		case r.started <- struct{}{}:
		default:
		}
		<-r.blockCh
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
}

func (r *recorder) payloads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, string(ev.Payload()))
	}
	return out
}

func ev(payload string) *event.Event {
	return event.New(event.NEBHostStatus, []byte(payload))
}

func newTestEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	e := New(Config{CacheDir: dir, Name: "central", StopTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { e.Close() })
	return e
}

// TestNopState tests that nothing is dispatched before the first start
func TestNopState(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	rec := &recorder{name: "rec"}
	e.Subscribe(rec)

	assert.Equal(t, StateNop, e.State())
	e.Publish(ev("early"))
	assert.Empty(t, rec.payloads())
	assert.Equal(t, 1, e.Pending())

	require.NoError(t, e.Start())
	assert.Equal(t, StateWrite, e.State())
	assert.Equal(t, []string{"early"}, rec.payloads())
	assert.Equal(t, 0, e.Pending())
}

// TestStopStartRoundTrip tests that events published while stopped are
// replayed in order before later live events
func TestStopStartRoundTrip(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	rec := &recorder{name: "rec"}
	e.Subscribe(rec)
	require.NoError(t, e.Start())

	e.PublishBatch([]*event.Event{ev("A"), ev("B"), ev("C")})
	require.NoError(t, e.Stop())
	assert.Equal(t, StateWriteToCacheFile, e.State())

	e.Publish(ev("D"))
	assert.Equal(t, []string{"A", "B", "C"}, rec.payloads())
	assert.True(t, retention.Exists(e.CacheFile()))
	assert.Equal(t, 1, e.Pending())

	require.NoError(t, e.Start())
	e.Publish(ev("E"))

	assert.Equal(t, []string{"A", "B", "C", "D", "E"}, rec.payloads())
	assert.False(t, retention.Exists(e.CacheFile()))
}

// TestIdempotentTransitions tests repeated start and stop calls
func TestIdempotentTransitions(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	rec := &recorder{name: "rec"}
	e.Subscribe(rec)

	require.NoError(t, e.Start())
	require.NoError(t, e.Start())
	require.NoError(t, e.Stop())
	require.NoError(t, e.Stop())

	e.Publish(ev("cached"))
	require.NoError(t, e.Start())
	assert.Equal(t, []string{"cached"}, rec.payloads())
}

// TestLargeReplay tests replay across several read batches and commit intervals
func TestLargeReplay(t *testing.T) {
	e := New(Config{CacheDir: t.TempDir(), CacheCommitInterval: 100})
	defer e.Close()
	rec := &recorder{name: "rec"}
	e.Subscribe(rec)

	require.NoError(t, e.Stop())
	for i := 0; i < 2500; i++ {
		e.Publish(ev(strconv.Itoa(i)))
	}
	require.NoError(t, e.Start())

	got := rec.payloads()
	require.Len(t, got, 2500)
	for i, p := range got {
		assert.Equal(t, strconv.Itoa(i), p)
	}
}

// TestCloseKeepsCacheFile tests replay of a previous engine's buffer
func TestCloseKeepsCacheFile(t *testing.T) {
	dir := t.TempDir()

	first := New(Config{CacheDir: dir, Name: "central"})
	require.NoError(t, first.Stop())
	first.Publish(ev("stopped"))
	require.NoError(t, first.Close())
	assert.NoError(t, first.Close())

	// A closed engine drops publishes and refuses transitions
	first.Publish(ev("late"))
	assert.ErrorIs(t, first.Start(), ErrClosed)
	assert.ErrorIs(t, first.Stop(), ErrClosed)

	second := newTestEngine(t, dir)
	rec := &recorder{name: "rec"}
	second.Subscribe(rec)
	require.NoError(t, second.Start())

	assert.Equal(t, []string{"stopped"}, rec.payloads())
}

// TestClosePersistsNopQueue tests that events never dispatched survive close
func TestClosePersistsNopQueue(t *testing.T) {
	dir := t.TempDir()

	first := New(Config{CacheDir: dir, Name: "central"})
	first.PublishBatch([]*event.Event{ev("1"), ev("2")})
	require.NoError(t, first.Close())

	second := newTestEngine(t, dir)
	rec := &recorder{name: "rec"}
	second.Subscribe(rec)
	require.NoError(t, second.Start())

	assert.Equal(t, []string{"1", "2"}, rec.payloads())
}

// TestClear tests dropping buffered events
func TestClear(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	rec := &recorder{name: "rec"}
	e.Subscribe(rec)

	// Stop flushes the pending queue to current subscribers
	e.Publish(ev("queued"))
	require.NoError(t, e.Stop())
	e.Publish(ev("cached"))
	assert.Equal(t, 1, e.Pending())

	e.Clear()
	assert.Equal(t, 0, e.Pending())

	e.Publish(ev("after clear"))
	require.NoError(t, e.Start())
	assert.Equal(t, []string{"queued", "after clear"}, rec.payloads())
}

// TestSubscriptions tests registration and idempotent removal
func TestSubscriptions(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	a := &recorder{name: "a"}
	b := &recorder{name: "b"}

	e.Subscribe(a)
	e.Subscribe(b)
	e.Subscribe(a)
	assert.Equal(t, 2, e.SubscriberCount())
	assert.True(t, e.Subscribed(a))

	require.NoError(t, e.Start())
	e.Publish(ev("both"))

	assert.True(t, e.Unsubscribe(a))
	assert.False(t, e.Unsubscribe(a))
	assert.False(t, e.Subscribed(a))
	e.Publish(ev("b only"))

	assert.Equal(t, []string{"both"}, a.payloads())
	assert.Equal(t, []string{"both", "b only"}, b.payloads())
}

// TestEventQueueMaxSize tests the shared cap
func TestEventQueueMaxSize(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	assert.Equal(t, DefaultEventQueueMaxSize, e.EventQueueMaxSize())

	e.SetEventQueueMaxSize(42)
	assert.Equal(t, 42, e.EventQueueMaxSize())

	e.SetEventQueueMaxSize(0)
	assert.Equal(t, DefaultEventQueueMaxSize, e.EventQueueMaxSize())
}

// TestConcurrentPublishers tests per-producer ordering under contention
func TestConcurrentPublishers(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	rec := &recorder{name: "rec"}
	e.Subscribe(rec)
	require.NoError(t, e.Start())

	const producers, perProducer = 8, 500
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				e.Publish(ev(fmt.Sprintf("%d:%d", p, i)))
			}
		}(p)
	}
	wg.Wait()

	// The last publisher may still be inside fan-out
	require.Eventually(t, func() bool {
		return len(rec.payloads()) == producers*perProducer
	}, 5*time.Second, 10*time.Millisecond)

	next := make(map[int]int)
	for _, payload := range rec.payloads() {
		var p, i int
		_, err := fmt.Sscanf(payload, "%d:%d", &p, &i)
		require.NoError(t, err)
		assert.Equal(t, next[p], i, "producer %d out of order", p)
		next[p] = i + 1
	}
}

// TestStopTimeout tests that a stuck subscriber cannot block Stop forever
func TestStopTimeout(t *testing.T) {
	e := New(Config{CacheDir: t.TempDir(), StopTimeout: 50 * time.Millisecond})
	defer e.Close()

	slow := &recorder{name: "slow", started: make(chan struct{}, 1), blockCh: make(chan struct{})}
	e.Subscribe(slow)
	require.NoError(t, e.Start())

	published := make(chan struct{})
	go func() {
		e.Publish(ev("stuck"))
		close(published)
	}()
	<-slow.started

	start := time.Now()
	require.NoError(t, e.Stop())
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StateWriteToCacheFile, e.State())

	close(slow.blockCh)
	<-published
	assert.Equal(t, []string{"stuck"}, slow.payloads())
}

// TestStateString tests state names
func TestStateString(t *testing.T) {
	assert.Equal(t, "nop", StateNop.String())
	assert.Equal(t, "write", StateWrite.String())
	assert.Equal(t, "write_to_cache_file", StateWriteToCacheFile.String())
	assert.Equal(t, "state(7)", State(7).String())
}

// TestCloseRemovesEmptyCacheFile tests that a stop without events leaves no file behind
func TestCloseRemovesEmptyCacheFile(t *testing.T) {
	e := New(Config{CacheDir: t.TempDir()})
	require.NoError(t, e.Start())
	require.NoError(t, e.Stop())
	assert.True(t, retention.Exists(e.CacheFile()))

	require.NoError(t, e.Close())
	assert.False(t, retention.Exists(e.CacheFile()))
}

// TestLeftoverCacheBeforeNopQueue tests that a previous process's buffer is
// replayed ahead of events queued before the first start
func TestLeftoverCacheBeforeNopQueue(t *testing.T) {
	dir := t.TempDir()

	first := New(Config{CacheDir: dir, Name: "central"})
	first.PublishBatch([]*event.Event{ev("old-1"), ev("old-2")})
	require.NoError(t, first.Close())
	require.True(t, retention.Exists(first.CacheFile()))

	second := newTestEngine(t, dir)
	rec := &recorder{name: "rec"}
	second.Subscribe(rec)
	second.Publish(ev("new-1"))
	require.NoError(t, second.Start())
	second.Publish(ev("new-2"))

	assert.Equal(t, []string{"old-1", "old-2", "new-1", "new-2"}, rec.payloads())
	assert.False(t, retention.Exists(second.CacheFile()))
}

// TestCacheFileUnavailable tests that publishing while stopped never fails
// when the cache file cannot be opened
func TestCacheFileUnavailable(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0600))

	e := newTestEngine(t, blocker)
	rec := &recorder{name: "rec"}
	e.Subscribe(rec)
	require.NoError(t, e.Start())
	e.Publish(ev("before"))

	require.NoError(t, e.Stop())
	assert.Equal(t, StateWriteToCacheFile, e.State())
	assert.NotPanics(t, func() { e.Publish(ev("dropped")) })
	assert.Equal(t, 0, e.Pending())

	require.NoError(t, e.Start())
	e.Publish(ev("after"))
	assert.Equal(t, []string{"before", "after"}, rec.payloads())
}

// TestReplayUnderLoad tests that Start finishes while producers keep
// publishing, and that nothing is reordered across the switch
func TestReplayUnderLoad(t *testing.T) {
	e := New(Config{CacheDir: t.TempDir(), CacheCommitInterval: 50})
	defer e.Close()
	rec := &recorder{name: "rec"}
	e.Subscribe(rec)

	require.NoError(t, e.Stop())
	const prefilled = 3000
	for i := 0; i < prefilled; i++ {
		e.Publish(ev(strconv.Itoa(i)))
	}

	quit := make(chan struct{})
	done := make(chan int)
	go func() {
		i := prefilled
		for {
			select {
			case <-quit:
				done <- i
				return
			default:
			}
			e.Publish(ev(strconv.Itoa(i)))
			i++
		}
	}()

	started := make(chan error, 1)
	go func() { started <- e.Start() }()
	select {
	case err := <-started:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("start did not finish while publishing continued")
	}
	close(quit)
	total := <-done

	assert.Equal(t, StateWrite, e.State())
	require.Eventually(t, func() bool {
		return len(rec.payloads()) == total
	}, 5*time.Second, 10*time.Millisecond)
	for i, p := range rec.payloads() {
		require.Equal(t, strconv.Itoa(i), p)
	}
}
