package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhme/envoy/cache"
	"github.com/openhme/envoy/cfg"
	"github.com/openhme/envoy/transport"
)

type fakeBroker struct {
	mu        sync.Mutex
	published []string
	failNext  bool
	healthy   bool
	delays    map[string]time.Duration
}

func (f *fakeBroker) Publish(_ context.Context, _ string, payload []byte) error {
	f.mu.Lock()
	delay := f.delays[string(payload)]
	fail := f.failNext
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		return errors.New("broker unavailable")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, string(payload))
	return nil
}

func (f *fakeBroker) Consume(context.Context, string, string, transport.Handler) (transport.Stop, error) {
	return func() {}, nil
}

func (f *fakeBroker) Healthy() bool { return f.healthy }
func (f *fakeBroker) Close()        {}

func (f *fakeBroker) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published...)
}

type fakeStatusStore struct {
	confirmed []int64
	requeued  []int64
}

func (f *fakeStatusStore) Confirm(_ context.Context, id int64) error {
	f.confirmed = append(f.confirmed, id)
	return nil
}

func (f *fakeStatusStore) Requeue(_ context.Context, id int64) error {
	f.requeued = append(f.requeued, id)
	return nil
}

func testDispatcher(broker *fakeBroker, logs map[string]StatusStore) (*Dispatcher, *cache.PendingCache) {
	cfg.Config.Broker.SyncSubject = "envoy.sync"
	cfg.Config.Capture.SweepIntervalSeconds = 1
	pending := cache.New()
	if logs == nil {
		logs = map[string]StatusStore{}
	}
	return New(pending, broker, logs), pending
}

func TestSweepPublishesAndRemoves(t *testing.T) {
	broker := &fakeBroker{healthy: true}
	d, pending := testDispatcher(broker, nil)

	pending.Put("conflict:a", []byte(`{"n":1}`))
	pending.Put("conflict:b", []byte(`{"n":2}`))

	d.sweep(context.Background())

	assert.ElementsMatch(t, []string{`{"n":1}`, `{"n":2}`}, broker.sent())
	assert.Equal(t, 0, pending.Size())
}

func TestSweepDeliversSameTableEntriesInCaptureOrder(t *testing.T) {
	// The first row's publish is slower than the second's; serial delivery
	// must still put it on the wire first.
	broker := &fakeBroker{
		healthy: true,
		delays:  map[string]time.Duration{`{"row":1}`: 50 * time.Millisecond},
	}
	d, pending := testDispatcher(broker, nil)

	pending.Put("row:HR:1", []byte(`{"row":1}`))
	pending.Put("row:HR:2", []byte(`{"row":2}`))

	d.sweep(context.Background())

	require.Equal(t, []string{`{"row":1}`, `{"row":2}`}, broker.sent())
}

func TestOrderedKeysSortRowKeysNumerically(t *testing.T) {
	got := orderedKeys([]string{
		"row:HR:10",
		"row:HR:2",
		"conflict:x",
		"row:ADMISSIONS:3",
		"row:HR:1",
	})
	assert.Equal(t, []string{
		"conflict:x",
		"row:ADMISSIONS:3",
		"row:HR:1",
		"row:HR:2",
		"row:HR:10",
	}, got)
}

func TestSweepSettlesRowBackedEntries(t *testing.T) {
	broker := &fakeBroker{healthy: true}
	store := &fakeStatusStore{}
	d, pending := testDispatcher(broker, map[string]StatusStore{"HR": store})

	pending.Put("row:HR:7", []byte(`{"row":7}`))

	d.sweep(context.Background())

	assert.Equal(t, []int64{7}, store.confirmed)
	assert.Empty(t, store.requeued)
	assert.Equal(t, 0, pending.Size())
}

func TestSweepRetainsOnPublishFailure(t *testing.T) {
	broker := &fakeBroker{healthy: true, failNext: true}
	store := &fakeStatusStore{}
	d, pending := testDispatcher(broker, map[string]StatusStore{"HR": store})

	pending.Put("row:HR:7", []byte(`{"row":7}`))

	d.sweep(context.Background())

	assert.Empty(t, broker.sent())
	assert.Equal(t, 1, pending.Size())
	assert.Equal(t, []int64{7}, store.requeued)
	assert.Empty(t, store.confirmed)

	// The claim is released, so the next sweep retries the entry.
	broker.mu.Lock()
	broker.failNext = false
	broker.mu.Unlock()

	d.sweep(context.Background())

	require.Len(t, broker.sent(), 1)
	assert.Equal(t, 0, pending.Size())
	assert.Equal(t, []int64{7}, store.confirmed)
}

func TestPostSkipsEntriesMidFlight(t *testing.T) {
	broker := &fakeBroker{healthy: true}
	d, pending := testDispatcher(broker, nil)

	pending.Put("conflict:a", []byte(`{"n":1}`))
	require.True(t, pending.TryMarkPosting("conflict:a"))

	d.post(context.Background(), "conflict:a")

	assert.Empty(t, broker.sent())
	assert.Equal(t, 1, pending.Size())
	// The foreign claim must survive the skipped attempt.
	assert.False(t, pending.TryMarkPosting("conflict:a"))
}

func TestPostClaimsBeforeReading(t *testing.T) {
	// An entry removed by a completed publish must not be resurrected by a
	// sweep that snapshotted its key earlier: the claim comes first, and a
	// missing entry after the claim is a no-op.
	broker := &fakeBroker{healthy: true}
	store := &fakeStatusStore{}
	d, pending := testDispatcher(broker, map[string]StatusStore{"HR": store})

	d.post(context.Background(), "row:HR:9")

	assert.Empty(t, broker.sent())
	assert.Empty(t, store.confirmed)
	assert.Empty(t, store.requeued)
	// The claim is released for future entries under the same key.
	assert.True(t, pending.TryMarkPosting("row:HR:9"))
}

func TestSweepWaitsOutBrokerOutage(t *testing.T) {
	broker := &fakeBroker{healthy: false}
	d, pending := testDispatcher(broker, nil)

	pending.Put("conflict:a", []byte(`{"n":1}`))

	d.sweep(context.Background())

	assert.Empty(t, broker.sent())
	assert.Equal(t, 1, pending.Size())
	// Nothing is left claimed while the broker is down.
	assert.False(t, pending.IsPosting("conflict:a"))
}
