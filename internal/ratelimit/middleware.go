package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/noah-isme/toko-pricing/internal/common"
)

// KeyFunc derives the bucket a request counts against. An empty key skips limiting.
type KeyFunc func(*http.Request) string

// ByClientIP buckets requests by caller address under scope.
func ByClientIP(scope string) KeyFunc {
	return func(r *http.Request) string {
		ip := common.ClientIP(r)
		if ip == "" {
			return ""
		}
		return scope + ":" + ip
	}
}

// Handler guards a route with a Limiter. Redis failures fail open.
type Handler struct {
	Limiter Limiter
	Key     KeyFunc
	Window  time.Duration
	Max     int
	OnError func(error)
}

func (h Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Key == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := h.Key(r)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		d, err := h.Limiter.Allow(r.Context(), key, h.Window, h.Max)
		if err != nil {
			if h.OnError != nil {
				h.OnError(err)
			}
			next.ServeHTTP(w, r)
			return
		}

		headers := w.Header()
		headers.Set("X-RateLimit-Limit", strconv.Itoa(max(h.Max, 0)))
		headers.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
		if !d.Allowed {
			retry := int(time.Until(d.ResetAt).Seconds())
			headers.Set("Retry-After", strconv.Itoa(max(retry, 0)))
			common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
