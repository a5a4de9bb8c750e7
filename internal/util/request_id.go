package util

import (
	"context"
	"net/http"
	"strings"
)

const (
	requestIDHeader = "X-Request-Id"
	// maxRequestIDLen bounds ids echoed from clients into logs and headers.
	maxRequestIDLen = 128
)

type requestIDKey struct{}

// WithRequestID reuses a well-formed incoming X-Request-Id or mints one,
// echoes it on the response and stores it in the context together with a
// logger that carries it as "request_id".
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := cleanRequestID(r.Header.Get(requestIDHeader))
		if !ok {
			id = NewID()
		}
		w.Header().Set(requestIDHeader, id)

		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		ctx = ContextWithLogger(ctx, LoggerFromContext(ctx).With("request_id", id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext returns the id stored by WithRequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// cleanRequestID rejects ids that are empty, too long or contain anything
// other than printable ASCII without spaces.
func cleanRequestID(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > maxRequestIDLen {
		return "", false
	}
	for i := 0; i < len(raw); i++ {
		if c := raw[i]; c <= ' ' || c > '~' {
			return "", false
		}
	}
	return raw, true
}
