// Package httpapi is the HTTP Ingress (spec.md §4.6): a chi.Router
// wrapping the fixed middleware chain and the REST surface from
// spec.md §6. Response/error rendering is grounded on
// auth-service/pkg/errors.WriteError, generalized to the structured
// envelope {error, message, timestamp, path, request_id} spec.md §7
// requires and extended with the Kind taxonomy and Retry-After for
// RateLimited.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/apperror"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/reqid"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

type errorEnvelope struct {
	Error     string         `json:"error"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Path      string         `json:"path"`
	RequestID string         `json:"request_id"`
	Fields    map[string]any `json:"-"`
}

// writeError renders any error as the structured envelope, never
// leaking the underlying cause. Non-*apperror.AppError values are
// treated as Internal.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr, ok := err.(*apperror.AppError)
	if !ok {
		appErr = apperror.Internal("unexpected error", err)
	}

	if appErr.Kind == apperror.KindRateLimited {
		if resetAt, ok := appErr.Fields["reset_at"].(time.Time); ok {
			w.Header().Set("Retry-After", formatRetryAfter(resetAt))
		}
	}

	env := map[string]any{
		"error":      string(appErr.Kind),
		"message":    appErr.Message,
		"timestamp":  time.Now().UTC(),
		"path":       r.URL.Path,
		"request_id": reqid.FromContext(r.Context()),
	}
	for k, v := range appErr.Fields {
		env[k] = v
	}
	writeJSON(w, appErr.Status(), env)
}

func formatRetryAfter(resetAt time.Time) string {
	d := time.Until(resetAt)
	if d < 0 {
		d = 0
	}
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return itoa(secs)
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
