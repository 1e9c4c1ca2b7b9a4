package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
)

// Auth returns middleware that gates the control API behind a static key,
// presented either as "Authorization: Bearer <key>" or in X-API-Key. An
// empty apiKey disables the gate. Paths in skip bypass the check; the
// WebSocket endpoint runs its own handshake and the health probe must stay
// reachable.
func Auth(apiKey string, skip ...string) func(http.Handler) http.Handler {
	skipped := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipped[p] = struct{}{}
	}
	// Comparing fixed-size digests keeps the check constant-time even when
	// the presented credential has a different length.
	want := sha256.Sum256([]byte(apiKey))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			if _, ok := skipped[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			cred := credential(r)
			if cred == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="com"`)
				writeJSONError(w, http.StatusUnauthorized, "missing credentials")
				return
			}
			got := sha256.Sum256([]byte(cred))
			if subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
				writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// credential pulls the presented key from the Bearer scheme or the
// X-API-Key header, in that order.
func credential(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
