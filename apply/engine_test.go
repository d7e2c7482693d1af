package apply

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhme/envoy/cache"
	"github.com/openhme/envoy/cfg"
	"github.com/openhme/envoy/db"
	"github.com/openhme/envoy/envelope"
)

type fakeMsg struct {
	data  []byte
	acked bool
	naked bool
}

func (m *fakeMsg) Subject() string { return "envoy.inbound" }
func (m *fakeMsg) Data() []byte    { return m.data }
func (m *fakeMsg) Ack() error      { m.acked = true; return nil }
func (m *fakeMsg) Nak() error      { m.naked = true; return nil }

type appliedUpdate struct {
	table  string
	data   map[string]any
	key    string
	value  any
	upsert bool
}

type fakeStore struct {
	touch    time.Time
	touchOK  bool
	touchErr error

	updateErr error

	inserts []map[string]any
	updates []appliedUpdate
	deletes int
}

func (f *fakeStore) ApplyInsert(_ context.Context, _ string, data map[string]any) error {
	f.inserts = append(f.inserts, data)
	return nil
}

func (f *fakeStore) ApplyUpdate(_ context.Context, table string, data map[string]any, key string, value any, upsert bool) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, appliedUpdate{table, data, key, value, upsert})
	return nil
}

func (f *fakeStore) ApplyDelete(_ context.Context, _ string, _ string, _ any) error {
	f.deletes++
	return nil
}

func (f *fakeStore) TouchTimestamp(context.Context, string, string, any) (time.Time, bool, error) {
	return f.touch, f.touchOK, f.touchErr
}

func testEngine() *Engine {
	return testEngineWith(&fakeStore{})
}

func testEngineWith(store Store) *Engine {
	cfg.Config.Customer = "acme"
	cfg.Config.FieldAliases = map[string]map[string]string{
		"HR": {"name": "full_name"},
	}
	return NewEngine(store, cache.New())
}

func TestHandleAcksMalformedMessage(t *testing.T) {
	e := testEngine()
	msg := &fakeMsg{data: []byte(`{not json`)}

	e.Handle(context.Background(), msg)

	assert.True(t, msg.acked)
	assert.False(t, msg.naked)
}

func TestProcessRejectsIncompleteCommands(t *testing.T) {
	e := testEngine()
	ctx := context.Background()

	cases := []envelope.SyncCommand{
		{},
		{Type: "insert"},
		{Source: "HR"},
		{Type: "insert", Source: "HR"},
		{Type: "merge", Source: "HR", Data: map[string]any{"id": 1}},
		{Type: "delete", Source: "HR"},
		{Type: "update", Source: "HR", Data: map[string]any{"name": "x"}},
		{Type: "update", Source: "HR", Key: "id", Value: 1.0, Data: map[string]any{"name": "x"}},
		{Type: "update", Source: "HR", Key: "id", Value: 1.0, LastSeen: "not a date",
			Data: map[string]any{"name": "x"}},
	}
	for _, cmd := range cases {
		result, err := e.Process(ctx, cmd)
		require.NoError(t, err, "case %+v", cmd)
		assert.Equal(t, ResultRejected, result, "case %+v", cmd)
	}
}

func TestLocalizeColumnsReversesAliases(t *testing.T) {
	e := testEngine()

	data := e.localizeColumns("HR", map[string]any{
		"Full_Name": "smith",
		"dept":      "eng",
	})

	assert.Equal(t, "smith", data["name"])
	assert.Equal(t, "eng", data["dept"])
	assert.NotContains(t, data, "Full_Name")
}

func TestLocalizeColumnsWithoutAliasesIsIdentity(t *testing.T) {
	e := testEngine()

	in := map[string]any{"id": 1.0}
	assert.Equal(t, in, e.localizeColumns("ORDERS", in))
}

func TestLocalizeKey(t *testing.T) {
	e := testEngine()

	assert.Equal(t, "name", e.localizeKey("HR", "full_name"))
	assert.Equal(t, "id", e.localizeKey("HR", "id"))
	assert.Equal(t, "", e.localizeKey("HR", ""))
}

func updateCommand(lastSeen string) envelope.SyncCommand {
	return envelope.SyncCommand{
		Type:     "update",
		Source:   "HR",
		Key:      "id",
		Value:    7.0,
		LastSeen: lastSeen,
		UUID:     "msg-42",
		Data:     map[string]any{"dept": "eng"},
	}
}

func TestApplyUpdateConflictRule(t *testing.T) {
	// An update applies iff last_seen is not older than the row's touch
	// timestamp, both sides truncated to the minute. A losing update mutates
	// nothing and queues an error envelope for the peer.
	cases := []struct {
		name    string
		touch   time.Time
		touchOK bool
		want    string
	}{
		{
			name:    "last_seen newer than touch applies",
			touch:   time.Date(2024, 1, 2, 10, 29, 59, 0, time.UTC),
			touchOK: true,
			want:    ResultSuccess,
		},
		{
			name:    "same minute applies despite later seconds",
			touch:   time.Date(2024, 1, 2, 10, 30, 45, 0, time.UTC),
			touchOK: true,
			want:    ResultSuccess,
		},
		{
			name:    "touch one minute ahead conflicts",
			touch:   time.Date(2024, 1, 2, 10, 31, 5, 0, time.UTC),
			touchOK: true,
			want:    ResultConflict,
		},
		{
			name: "no touch timestamp skips the check",
			want: ResultSuccess,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeStore{touch: tc.touch, touchOK: tc.touchOK}
			e := testEngineWith(store)

			result, err := e.Process(context.Background(), updateCommand("01/02/2024 10:30"))
			require.NoError(t, err)
			assert.Equal(t, tc.want, result)

			if tc.want == ResultConflict {
				assert.Empty(t, store.updates, "a losing update must not touch the row")
				_, staged := e.cache.Get("conflict:msg-42")
				assert.True(t, staged, "conflict envelope must be queued for delivery")
			} else {
				require.Len(t, store.updates, 1)
				_, staged := e.cache.Get("conflict:msg-42")
				assert.False(t, staged)
			}
		})
	}
}

func TestProcessUpsertRequestsInsertFallback(t *testing.T) {
	store := &fakeStore{}
	e := testEngineWith(store)

	cmd := updateCommand("01/02/2024 10:30")
	cmd.Type = "upsert"

	result, err := e.Process(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, result)
	require.Len(t, store.updates, 1)
	assert.True(t, store.updates[0].upsert)

	result, err = e.Process(context.Background(), updateCommand("01/02/2024 10:30"))
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, result)
	require.Len(t, store.updates, 2)
	assert.False(t, store.updates[1].upsert, "plain updates never fall back to insert")
}

func TestProcessUpdateValueNotFoundIsRejected(t *testing.T) {
	store := &fakeStore{updateErr: db.ErrValueNotFound{Table: "HR", Key: "id", Value: 7.0}}
	e := testEngineWith(store)

	result, err := e.Process(context.Background(), updateCommand("01/02/2024 10:30"))
	require.NoError(t, err)
	assert.Equal(t, ResultRejected, result)
}

func TestStageConflictCarriesOriginalIdentity(t *testing.T) {
	e := testEngine()

	cmd := envelope.SyncCommand{
		Type:     "update",
		Source:   "HR",
		Key:      "id",
		Value:    7.0,
		LastSeen: "01/02/2024 10:30",
		UUID:     "msg-123",
	}
	e.stageConflict(cmd, "id")

	payload, ok := e.cache.Get("conflict:msg-123")
	require.True(t, ok)

	var conflict envelope.ConflictEnvelope
	require.NoError(t, json.Unmarshal(payload, &conflict))
	assert.Equal(t, envelope.TypeError, conflict.Type)
	assert.Equal(t, "conflict", conflict.Error)
	assert.Equal(t, "msg-123", conflict.UUID)
	assert.Equal(t, "HR", conflict.Source)
	assert.Equal(t, "id", conflict.Key)
}
