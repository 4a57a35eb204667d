package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
}

func TestMiddlewareRejectsOverLimit(t *testing.T) {
	_, client := newClient(t)
	h := Handler{
		Limiter: Limiter{Client: client, Prefix: "rl:"},
		Key:     ByClientIP("coupon"),
		Window:  time.Minute,
		Max:     1,
	}.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/coupons/validate", nil)
	req.RemoteAddr = "10.0.0.1:5555"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
	var body map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "RATE_LIMITED", body["error"]["code"])

	other := httptest.NewRequest(http.MethodPost, "/coupons/validate", nil)
	other.RemoteAddr = "10.0.0.2:5555"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, other)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareFailsOpen(t *testing.T) {
	mr, client := newClient(t)
	mr.Close()
	var seen error
	h := Handler{
		Limiter: Limiter{Client: client},
		Key:     func(*http.Request) string { return "static" },
		Window:  time.Minute,
		Max:     1,
		OnError: func(err error) { seen = err },
	}.Middleware(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Error(t, seen)
}

func TestByClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	require.Equal(t, "coupon:203.0.113.9", ByClientIP("coupon")(req))
}
