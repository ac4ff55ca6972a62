package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeStore struct {
	mu        sync.Mutex
	due       []Entry
	delivered []string
	failed    map[string]int
	maxFails  int
	deleted   int
}

func newFakeStore(entries ...Entry) *fakeStore {
	return &fakeStore{due: entries, failed: map[string]int{}, maxFails: 3}
}

func (s *fakeStore) ClaimDue(_ context.Context, limit int, _ time.Duration) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > len(s.due) {
		limit = len(s.due)
	}
	out := append([]Entry(nil), s.due[:limit]...)
	s.due = s.due[limit:]
	return out, nil
}

func (s *fakeStore) MarkDelivered(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, key)
	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, key string, _ error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[key]++
	return s.failed[key] >= s.maxFails, nil
}

func (s *fakeStore) DeleteDelivered(context.Context, time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted++
	return 0, nil
}

type scriptedDispatcher struct {
	fail     map[string]bool
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (d *scriptedDispatcher) Dispatch(_ context.Context, msg Message) (Receipt, error) {
	n := d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	for {
		p := d.peak.Load()
		if n <= p || d.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	if d.fail[msg.IdempotencyKey] {
		return Receipt{}, errors.New("receiver unavailable")
	}
	return Receipt{MessageID: "m-" + msg.IdempotencyKey}, nil
}

func entry(key string, attempts int) Entry {
	return Entry{LeadID: key, IdempotencyKey: key, Message: Message{IdempotencyKey: key}, Status: StatusPending, Attempts: attempts}
}

func TestRelayRunOnce_DeliversAndRecordsFailures(t *testing.T) {
	store := newFakeStore(entry("a", 0), entry("b", 0), entry("c", 0))
	dispatcher := &scriptedDispatcher{fail: map[string]bool{"b": true}}
	relay := NewRelay(store, dispatcher, RelayConfig{BatchSize: 10}, zap.NewNop())

	res, err := relay.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, res.Claimed)
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.Dead)
	assert.ElementsMatch(t, []string{"a", "c"}, store.delivered)
	assert.Equal(t, 1, store.failed["b"])
}

func TestRelayRunOnce_LogsDeadEntries(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	store := newFakeStore(entry("x", 2))
	store.maxFails = 1
	dispatcher := &scriptedDispatcher{fail: map[string]bool{"x": true}}
	relay := NewRelay(store, dispatcher, RelayConfig{}, zap.New(core))

	res, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dead)
	assert.Equal(t, 1, logs.FilterMessage("notification moved to dead state").Len())
}

func TestRelayRunOnce_BoundsConcurrency(t *testing.T) {
	var entries []Entry
	for _, k := range []string{"1", "2", "3", "4", "5", "6", "7", "8"} {
		entries = append(entries, entry(k, 0))
	}
	store := newFakeStore(entries...)
	dispatcher := &scriptedDispatcher{delay: 20 * time.Millisecond}
	relay := NewRelay(store, dispatcher, RelayConfig{BatchSize: 8, Concurrency: 2}, nil)

	res, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, res.Delivered)
	assert.LessOrEqual(t, dispatcher.peak.Load(), int32(2))
}

func TestRelayStartStop(t *testing.T) {
	store := newFakeStore(entry("late", 0))
	relay := NewRelay(store, &scriptedDispatcher{}, RelayConfig{
		PollInterval:     10 * time.Millisecond,
		CleanupEnabled:   true,
		CleanupRetention: time.Hour,
		CleanupInterval:  10 * time.Millisecond,
	}, nil)

	relay.Start(context.Background())
	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.delivered) == 1 && store.deleted > 0
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, relay.Stop(ctx))
}

func TestRelayStart_TwiceRunsOneSetOfLoops(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	relay := NewRelay(newFakeStore(), &scriptedDispatcher{}, RelayConfig{
		PollInterval:     10 * time.Millisecond,
		CleanupEnabled:   true,
		CleanupRetention: time.Hour,
		CleanupInterval:  10 * time.Millisecond,
	}, zap.New(core))

	parent, stopParent := context.WithCancel(context.Background())
	defer stopParent()
	relay.Start(parent)
	relay.Start(parent)
	assert.Equal(t, 1, logs.FilterMessage("notification relay already running").Len())

	// Stop must return without the parent being cancelled, so no loop may
	// be left behind from the second Start.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, relay.Stop(ctx))

	// A stopped relay can be started again.
	relay.Start(parent)
	require.NoError(t, relay.Stop(ctx))
}
