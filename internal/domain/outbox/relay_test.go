package outbox

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

type releaseCall struct {
	id          string
	lastError   string
	retryCount  int
	nextAttempt time.Time
}

type fakeStore struct {
	mu sync.Mutex

	queue      []Event
	staleAfter time.Duration

	processed []string
	released  []releaseCall
	dead      map[string]string

	claimErr error
	markErr  error
}

func newFakeStore(events ...Event) *fakeStore {
	return &fakeStore{queue: events, dead: make(map[string]string)}
}

func (s *fakeStore) ClaimBatch(ctx context.Context, limit int, staleAfter time.Duration) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	s.staleAfter = staleAfter
	n := limit
	if n > len(s.queue) {
		n = len(s.queue)
	}
	batch := s.queue[:n]
	s.queue = s.queue[n:]
	return batch, nil
}

func (s *fakeStore) MarkProcessed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return s.markErr
	}
	s.processed = append(s.processed, id)
	return nil
}

func (s *fakeStore) Release(ctx context.Context, id, lastError string, retryCount int, nextAttempt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, releaseCall{id, lastError, retryCount, nextAttempt})
	return nil
}

func (s *fakeStore) DeadLetter(ctx context.Context, id, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dead[id] = lastError
	return nil
}

type fakePublisher struct {
	mu        sync.Mutex
	delivered []Event
	err       error
	onPublish func(Event)
}

func (p *fakePublisher) Publish(ctx context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.onPublish != nil {
		p.onPublish(ev)
	}
	if p.err != nil {
		return p.err
	}
	p.delivered = append(p.delivered, ev)
	return nil
}

func testEvent(id string, retries int) Event {
	return Event{
		ID:             id,
		AggregateID:    "item-1",
		AggregateType:  AggregateLineItem,
		EventType:      "physical.status_changed",
		Payload:        []byte(`{"to":"shipped"}`),
		Status:         StatusPending,
		RetryCount:     retries,
		IdempotencyKey: IdempotencyKey("item-1", "shipped", 0),
	}
}

func newTestRelay(t *testing.T, store Store, pub Publisher, cfg RelayConfig) *Relay {
	t.Helper()
	relay, err := NewRelay(store, pub, cfg, zap.NewNop(), noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	return relay
}

func TestRelay_PublishesAndRetiresBatch(t *testing.T) {
	store := newFakeStore(testEvent("ev-1", 0), testEvent("ev-2", 0))
	pub := &fakePublisher{}
	relay := newTestRelay(t, store, pub, RelayConfig{StaleClaim: 2 * time.Minute})

	n, err := relay.drainOnce(context.Background(), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, []string{"ev-1", "ev-2"}, store.processed)
	require.Len(t, pub.delivered, 2)
	assert.Equal(t, 2*time.Minute, store.staleAfter, "staleness threshold must reach the claim query")
	assert.Empty(t, store.released)
	assert.Empty(t, store.dead)
}

func TestRelay_PublishFailureSchedulesRetry(t *testing.T) {
	store := newFakeStore(testEvent("ev-1", 2))
	pub := &fakePublisher{err: fmt.Errorf("broker unavailable")}
	relay := newTestRelay(t, store, pub, RelayConfig{
		MaxRetries:  10,
		BackoffBase: time.Second,
		BackoffCap:  time.Minute,
	})

	before := time.Now()
	_, err := relay.drainOnce(context.Background(), zap.NewNop())
	require.NoError(t, err)

	require.Len(t, store.released, 1)
	rel := store.released[0]
	assert.Equal(t, "ev-1", rel.id)
	assert.Equal(t, 3, rel.retryCount)
	assert.Equal(t, "broker unavailable", rel.lastError)
	// Third retry waits at least base*2^2.
	assert.True(t, rel.nextAttempt.After(before.Add(4*time.Second)),
		"next attempt %s too close to %s", rel.nextAttempt, before)
	assert.Empty(t, store.processed)
	assert.Empty(t, store.dead)
}

func TestRelay_DeadLettersAfterMaxRetries(t *testing.T) {
	store := newFakeStore(testEvent("ev-1", 3))
	pub := &fakePublisher{err: fmt.Errorf("broker unavailable")}
	relay := newTestRelay(t, store, pub, RelayConfig{MaxRetries: 3})

	_, err := relay.drainOnce(context.Background(), zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, "broker unavailable", store.dead["ev-1"])
	assert.Empty(t, store.released, "dead-lettered rows are not rescheduled")
}

// MarkProcessed failing after a successful publish leaves the row claimed; it
// is reclaimed past the staleness threshold and deduplicated downstream.
func TestRelay_MarkProcessedFailureKeepsClaim(t *testing.T) {
	store := newFakeStore(testEvent("ev-1", 0))
	store.markErr = fmt.Errorf("connection reset")
	pub := &fakePublisher{}
	relay := newTestRelay(t, store, pub, RelayConfig{})

	_, err := relay.drainOnce(context.Background(), zap.NewNop())
	require.NoError(t, err)

	require.Len(t, pub.delivered, 1)
	assert.Empty(t, store.processed)
	assert.Empty(t, store.released)
	assert.Empty(t, store.dead)
}

// Cancellation mid-batch releases the unpublished remainder back to pending
// without touching the retry count.
func TestRelay_CancelMidBatchReleasesRemainder(t *testing.T) {
	store := newFakeStore(testEvent("ev-1", 0), testEvent("ev-2", 1), testEvent("ev-3", 0))
	ctx, cancel := context.WithCancel(context.Background())
	pub := &fakePublisher{onPublish: func(Event) { cancel() }}
	relay := newTestRelay(t, store, pub, RelayConfig{})

	n, err := relay.drainOnce(ctx, zap.NewNop())
	assert.Equal(t, 3, n)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, []string{"ev-1"}, store.processed)
	require.Len(t, store.released, 2)
	assert.Equal(t, "ev-2", store.released[0].id)
	assert.Equal(t, 1, store.released[0].retryCount, "shutdown is not a publish failure")
	assert.Equal(t, "relay shutdown", store.released[0].lastError)
	assert.Equal(t, "ev-3", store.released[1].id)
}

func TestRelay_Backoff(t *testing.T) {
	relay := newTestRelay(t, newFakeStore(), &fakePublisher{}, RelayConfig{
		BackoffBase: time.Second,
		BackoffCap:  30 * time.Second,
	})

	for retries, floor := range map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
		4: 8 * time.Second,
	} {
		d := relay.backoff(retries)
		assert.GreaterOrEqual(t, d, floor, "retry %d", retries)
		assert.LessOrEqual(t, d, floor+floor/10, "retry %d jitter bound", retries)
	}

	// Deep retries pin to the cap plus jitter.
	d := relay.backoff(20)
	assert.GreaterOrEqual(t, d, 30*time.Second)
	assert.LessOrEqual(t, d, 33*time.Second)
}

func TestRelay_RunStopsOnCancel(t *testing.T) {
	store := newFakeStore()
	relay := newTestRelay(t, store, &fakePublisher{}, RelayConfig{
		Workers:      2,
		PollInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop after cancellation")
	}
}
