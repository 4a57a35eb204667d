package security

import (
	"errors"
	"net/http"

	"github.com/noah-isme/toko-pricing/internal/common"
)

// BodyLimit caps request payloads. Max <= 0 disables the check.
type BodyLimit struct {
	Max int64
}

// Middleware rejects declared oversize bodies up front and bounds the rest
// with http.MaxBytesReader, so decoders see an error past Max bytes.
func (b BodyLimit) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.Max <= 0 || r.Body == nil || r.Body == http.NoBody {
			next.ServeHTTP(w, r)
			return
		}
		if r.ContentLength > b.Max {
			common.JSONError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body too large", map[string]any{"max_bytes": b.Max})
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, b.Max)
		next.ServeHTTP(w, r)
	})
}

// IsTooLarge reports whether err came from reading past a BodyLimit.
func IsTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
