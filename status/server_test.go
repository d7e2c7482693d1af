package status

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhme/envoy/cache"
)

func TestHandleCacheListsKeys(t *testing.T) {
	pending := cache.New()
	pending.Put("row:HR:1", []byte("{}"))
	pending.Put("conflict:abc", []byte("{}"))

	s := &Server{cache: pending}
	rec := httptest.NewRecorder()
	s.handleCache(rec, httptest.NewRequest("GET", "/cache", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Size int      `json:"size"`
		Keys []string `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Size)
	assert.Equal(t, []string{"conflict:abc", "row:HR:1"}, body.Keys)
}
