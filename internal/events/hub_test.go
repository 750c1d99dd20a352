package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func sampleEvent(kind Kind) Event {
	return Event{
		RunID:   "run-1",
		TS:      time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC),
		Kind:    kind,
		URL:     "https://swim.example/lessons",
		Method:  "static",
		Outcome: "stored",
	}
}

func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(HubConfig{BufferSize: 8, MaxBatchEvents: 2, MaxBatchWait: time.Minute}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(KindFetch))
	hub.Emit(sampleEvent(KindTerminal))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(HubConfig{BufferSize: 4, MaxBatchEvents: 10, MaxBatchWait: 25 * time.Millisecond}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(KindDedup))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubEmitNonBlockingWhenFull(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    HubConfig{},
		events: make(chan Event),
		logger: zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(sampleEvent(KindFetch))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.EqualValues(t, 0, hub.Dropped(), "first drop is reported and reset")
	hub.Emit(sampleEvent(KindFetch))
	require.EqualValues(t, 1, hub.Dropped())
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(HubConfig{MaxBatchEvents: 1}, sink)
	hub.Emit(Event{Kind: KindFetch})
	hub.Emit(Event{RunID: "r", TS: time.Now(), Kind: "mystery", URL: "https://x"})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	failing := &failingSink{}
	hub := NewHub(HubConfig{BufferSize: 4, MaxBatchEvents: 100, MaxBatchWait: time.Minute}, failing, sink)

	hub.Emit(sampleEvent(KindExtraction))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.True(t, sink.closed)

	// Emits after close are ignored and Close stays idempotent.
	hub.Emit(sampleEvent(KindExtraction))
	require.NoError(t, hub.Close(context.Background()))
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, sampleEvent(KindFetch).Validate())
	evt := sampleEvent(KindFetch)
	evt.Method = ""
	require.Error(t, evt.Validate())

	evt = sampleEvent(KindTerminal)
	evt.Outcome = ""
	require.Error(t, evt.Validate())

	evt = sampleEvent(KindClassification)
	evt.URL = ""
	require.Error(t, evt.Validate())

	summary := Event{RunID: "r", TS: time.Now(), Kind: KindRunSummary}
	require.NoError(t, summary.Validate())
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	copy(out, s.batches)
	return out
}

type failingSink struct{}

func (failingSink) Consume(context.Context, []Event) error { return errors.New("sink offline") }
func (failingSink) Close(context.Context) error          { return errors.New("close failed") }
