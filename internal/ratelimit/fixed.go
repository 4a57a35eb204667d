package ratelimit

import (
	"net/http"
	"strconv"

	"github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/noah-isme/toko-pricing/internal/common"
)

// NewRedisStore backs fixed windows with the shared Redis client.
func NewRedisStore(client *redis.Client, prefix string) (limiter.Store, error) {
	return limiterredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: prefix})
}

// FixedWindow applies a coarse per-key budget such as "600-M" to a whole
// route tree. Store errors fail open like Handler.
type FixedWindow struct {
	Limiter *limiter.Limiter
	Key     KeyFunc
	OnError func(error)
}

// NewFixedWindow parses a formatted rate ("<n>-<S|M|H|D>").
func NewFixedWindow(store limiter.Store, formatted string, key KeyFunc) (FixedWindow, error) {
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		return FixedWindow{}, err
	}
	return FixedWindow{Limiter: limiter.New(store, rate), Key: key}, nil
}

func (f FixedWindow) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f.Limiter == nil || f.Key == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := f.Key(r)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		lc, err := f.Limiter.Get(r.Context(), key)
		if err != nil {
			if f.OnError != nil {
				f.OnError(err)
			}
			next.ServeHTTP(w, r)
			return
		}
		headers := w.Header()
		headers.Set("X-RateLimit-Limit", strconv.FormatInt(lc.Limit, 10))
		headers.Set("X-RateLimit-Remaining", strconv.FormatInt(lc.Remaining, 10))
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(lc.Reset, 10))
		if lc.Reached {
			common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
