package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhme/envoy/db"
	"github.com/openhme/envoy/envelope"
)

func filterSQL(t *testing.T, f *envelope.SyncFilter) string {
	t.Helper()
	cond, err := FilterExpression(f)
	require.NoError(t, err)
	query, _, err := db.Dialect.From("t").Where(cond).ToSQL()
	require.NoError(t, err)
	return query
}

func TestFilterExpressionComparisons(t *testing.T) {
	assert.Contains(t, filterSQL(t, &envelope.SyncFilter{Field: "id", Op: "=", Value: 5}), "`id` = 5")
	assert.Contains(t, filterSQL(t, &envelope.SyncFilter{Field: "id", Op: "<>", Value: 5}), "`id` != 5")
	assert.Contains(t, filterSQL(t, &envelope.SyncFilter{Field: "id", Op: ">=", Value: 5}), "`id` >= 5")
	assert.Contains(t, filterSQL(t, &envelope.SyncFilter{Field: "name", Op: "like", Value: "%smi%"}), "`name` LIKE '%smi%'")
}

func TestFilterExpressionBetween(t *testing.T) {
	query := filterSQL(t, &envelope.SyncFilter{Field: "id", Op: "BETWEEN", Value: []any{1, 9}})
	assert.Contains(t, query, "`id` BETWEEN 1 AND 9")
}

func TestFilterExpressionIn(t *testing.T) {
	query := filterSQL(t, &envelope.SyncFilter{Field: "id", Op: "IN", Value: []any{1, 2, 3}})
	assert.Contains(t, query, "`id` IN (1, 2, 3)")
}

func TestFilterExpressionRejectsBadShapes(t *testing.T) {
	cases := []*envelope.SyncFilter{
		{Field: "", Op: "=", Value: 1},
		{Field: "id", Op: "EXISTS", Value: 1},
		{Field: "id", Op: "; DROP TABLE t", Value: 1},
		{Field: "id", Op: "BETWEEN", Value: 5},
		{Field: "id", Op: "BETWEEN", Value: []any{1}},
		{Field: "id", Op: "IN", Value: []any{}},
		{Field: "id", Op: "IN", Value: "1,2,3"},
		{Field: "name", Op: "LIKE", Value: 5},
	}
	for _, f := range cases {
		_, err := FilterExpression(f)
		assert.Error(t, err, "expected reject: %+v", f)
	}
}
