package security

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBodyLimitPassesSmallBodies(t *testing.T) {
	var got string
	h := BodyLimit{Max: 10}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		got = string(data)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("hello")))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hello", got)
}

func TestBodyLimitRejectsDeclaredLength(t *testing.T) {
	called := false
	h := BodyLimit{Max: 5}.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("excessive")))
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.False(t, called)
	var body map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "PAYLOAD_TOO_LARGE", body["error"]["code"])
}

func TestBodyLimitBoundsChunkedBodies(t *testing.T) {
	var readErr error
	h := BodyLimit{Max: 5}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("excessive"))
	req.ContentLength = -1
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.True(t, IsTooLarge(readErr))
}
