package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAdminCommandShapes(t *testing.T) {
	cases := []struct {
		name string
		body string
		want CommandKind
	}{
		{"config", `{"config": "https://example.com/api/config/envoy.json"}`, KindConfig},
		{"admin", `{"admin": "fullsync"}`, KindAdmin},
		{"sync", `{"sync": "HR"}`, KindSync},
		{"schema", `{"schema": "HR"}`, KindSchema},
		{"dump", `{"dump": "HR", "format": "json"}`, KindDump},
		{"dumps", `{"dumps": ["HR", "OT"]}`, KindDumps},
		{"count", `{"count": "PRONOTES", "filter": "foo='bar'"}`, KindCount},
		{"run_query", `{"run_query": "select * from HR", "result_file": "all_hr"}`, KindRunQuery},
		{"unknown", `{"bogus": 1}`, KindUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd, err := ParseAdminCommand([]byte(tc.body))
			require.NoError(t, err)
			assert.Equal(t, tc.want, cmd.Kind)
		})
	}
}

func TestParseAdminCommandPicksExactlyOneBranch(t *testing.T) {
	// config takes precedence when multiple keys appear; only one branch runs.
	cmd, err := ParseAdminCommand([]byte(`{"config": "https://x", "sync": "HR"}`))
	require.NoError(t, err)
	assert.Equal(t, KindConfig, cmd.Kind)
	assert.Equal(t, "https://x", cmd.ConfigURL)
	assert.Empty(t, cmd.Table)
}

func TestParseAdminCommandSyncFilter(t *testing.T) {
	cmd, err := ParseAdminCommand([]byte(
		`{"sync": "HR", "filter": {"field": "foo", "op": "in", "value": [1,2,3]}}`))
	require.NoError(t, err)
	require.NotNil(t, cmd.Filter)
	assert.Equal(t, "foo", cmd.Filter.Field)
	assert.Equal(t, "in", cmd.Filter.Op)
	values, ok := cmd.Filter.Value.([]any)
	require.True(t, ok)
	assert.Len(t, values, 3)
}

func TestParseAdminCommandBadFilter(t *testing.T) {
	_, err := ParseAdminCommand([]byte(`{"sync": "HR", "filter": 42}`))
	require.Error(t, err)
}

func TestParseAdminCommandDumpModifiers(t *testing.T) {
	cmd, err := ParseAdminCommand([]byte(
		`{"dump": "HR", "exclude_columns": ["foo", "bar"], "filter": "mrn > 10"}`))
	require.NoError(t, err)
	assert.Equal(t, KindDump, cmd.Kind)
	assert.Equal(t, "HR", cmd.Table)
	assert.Equal(t, []string{"foo", "bar"}, cmd.ExcludeColumns)
	assert.Equal(t, "mrn > 10", cmd.RawFilter)
}

func TestParseAdminCommandRunQuery(t *testing.T) {
	cmd, err := ParseAdminCommand([]byte(
		`{"run_query": "select * from OT", "result_file": "all_ot", "result_type": "json"}`))
	require.NoError(t, err)
	assert.Equal(t, "select * from OT", cmd.Query)
	assert.Equal(t, "all_ot", cmd.ResultFile)
	assert.Equal(t, "json", cmd.ResultType)
}

func TestParseAdminCommandPingUUID(t *testing.T) {
	cmd, err := ParseAdminCommand([]byte(`{"admin": "ping", "uuid": "corr-1"}`))
	require.NoError(t, err)
	assert.Equal(t, KindAdmin, cmd.Kind)
	assert.Equal(t, "ping", cmd.Admin)
	assert.Equal(t, "corr-1", cmd.UUID)
}

func TestParseAdminCommandMalformed(t *testing.T) {
	_, err := ParseAdminCommand([]byte(`not json`))
	require.Error(t, err)
}
