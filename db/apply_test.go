package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func predicateSQL(t *testing.T, key string, value any) string {
	t.Helper()
	query, _, err := Dialect.From("t").Where(keyPredicate(key, value)).ToSQL()
	require.NoError(t, err)
	return query
}

func TestKeyPredicateExactMatch(t *testing.T) {
	assert.Contains(t, predicateSQL(t, "id", 42), "`id` = 42")
	assert.Contains(t, predicateSQL(t, "name", "smith"), "`name` = 'smith'")
}

func TestKeyPredicateLikeMatch(t *testing.T) {
	assert.Contains(t, predicateSQL(t, "name", "%smi%"), "`name` LIKE '%smi%'")
}

func TestKeyPredicatePartialMarkerIsExact(t *testing.T) {
	// A marker on only one side is a literal character, not a wildcard request.
	assert.Contains(t, predicateSQL(t, "name", "%smi"), "`name` = '%smi'")
	assert.Contains(t, predicateSQL(t, "name", "smi%"), "`name` = 'smi%'")
	// A bare "%" is too short to be wrapped.
	assert.Contains(t, predicateSQL(t, "name", "%"), "`name` = '%'")
}

func TestErrValueNotFoundMessage(t *testing.T) {
	err := ErrValueNotFound{Table: "HR", Key: "id", Value: 7}
	assert.EqualError(t, err, "HR: no row with id = 7")
}

func TestNormalizeValue(t *testing.T) {
	assert.Equal(t, "abc", normalizeValue([]byte("abc")))
	assert.Equal(t, int64(5), normalizeValue(int64(5)))
	assert.Nil(t, normalizeValue(nil))
}

func TestTypeClass(t *testing.T) {
	assert.Equal(t, "integer", TypeClass("BIGINT"))
	assert.Equal(t, "decimal", TypeClass("double"))
	assert.Equal(t, "datetime", TypeClass("datetime"))
	assert.Equal(t, "timestamp", TypeClass("timestamp"))
	assert.Equal(t, "text", TypeClass("varchar"))
	assert.Equal(t, "binary", TypeClass("blob"))
	assert.Equal(t, "unknown", TypeClass("geometry"))
}
