// Package reqid assigns the short opaque per-request id described in
// spec.md §4.8, grounded on api-gateway/main.go's correlation-id
// middleware pattern.
package reqid

import (
	"context"
	"encoding/hex"

	"github.com/google/uuid"
)

type ctxKey struct{}

var key ctxKey

// New returns a short opaque id: the first 12 hex characters of a uuidv4.
func New() string {
	id := uuid.New()
	return hex.EncodeToString(id[:6])
}

// WithContext attaches id to ctx so log lines and error envelopes
// produced while handling the request can include it.
func WithContext(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, key, id)
}

// FromContext returns the id attached by WithContext, or "" if none.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(key).(string)
	return id
}
