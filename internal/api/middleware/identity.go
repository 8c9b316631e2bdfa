// Package middleware holds the chi middleware in front of the authorization
// API: caller identity, request ids, body limits and request observation.
package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// RequestIDHeader is read from callers and echoed on every response.
const RequestIDHeader = "X-Request-ID"

type ctxKey int

const (
	requestIDKey ctxKey = iota
	clientIDKey
)

// RequestID keeps the caller's X-Request-ID or assigns a UUID. Submissions use
// it as the idempotency request id.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// APIKeyAuth resolves the X-API-Key header, or a bearer token, to the client
// id it was issued to. With no keys configured every caller is "anonymous".
func APIKeyAuth(keys map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := "anonymous"
			if len(keys) > 0 {
				presented := presentedKey(r)
				if presented == "" {
					writeError(w, http.StatusUnauthorized, "missing API key")
					return
				}
				var ok bool
				if client, ok = lookupKey(keys, presented); !ok {
					writeError(w, http.StatusUnauthorized, "invalid API key")
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clientIDKey, client)))
		})
	}
}

func presentedKey(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return ""
}

// lookupKey compares against every key in constant time.
func lookupKey(keys map[string]string, presented string) (string, bool) {
	var client string
	found := false
	for k, c := range keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(presented)) == 1 {
			client, found = c, true
		}
	}
	return client, found
}

func GetClientID(ctx context.Context) string {
	id, _ := ctx.Value(clientIDKey).(string)
	return id
}

// BodyLimit caps request bodies at n bytes; reads past it fail.
func BodyLimit(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
