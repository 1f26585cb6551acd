package logging

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLevelsAndFormats(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn", "json")
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, "v", entry["k"])

	buf.Reset()
	New(&buf, "bogus", "TEXT").Info("plain")
	assert.Contains(t, buf.String(), "msg=plain")
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "debug", "json")

	handler := middleware.RequestID(RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users?x=1", nil))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "/users?x=1", entry["path"])
	assert.EqualValues(t, http.StatusTeapot, entry["status"])
	assert.EqualValues(t, len("short and stout"), entry["bytes"])
	assert.NotEmpty(t, entry["request_id"])
}
