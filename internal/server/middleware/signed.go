package middleware

import (
	"bytes"
	"io"
	"net/http"

	"github.com/alanyoungcy/liqbot/internal/crypto"
)

// maxSignedBody bounds how much of an admin request body is read for
// signature verification.
const maxSignedBody = 64 * 1024

// Signed returns middleware that verifies the HMAC request signature carried
// in the X-Liq-* headers. It is applied only to the admin endpoints; if auth
// is nil the middleware rejects everything, so an unconfigured secret can
// never leave the admin surface open.
func Signed(auth *crypto.RequestAuth) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth == nil {
				writeUnauthorized(w, "admin API disabled: no signing secret configured")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
			if err != nil {
				writeUnauthorized(w, "unreadable request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			err = auth.Verify(
				r.Header.Get("X-Liq-Key"),
				r.Header.Get("X-Liq-Timestamp"),
				r.Header.Get("X-Liq-Signature"),
				r.Method,
				r.URL.Path,
				string(body),
			)
			if err != nil {
				writeUnauthorized(w, "invalid request signature")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
