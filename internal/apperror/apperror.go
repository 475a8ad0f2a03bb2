// Package apperror defines the error taxonomy surfaced to HTTP and MQTT
// clients (spec.md §7), modeled on auth-service/pkg/errors.AppError.
package apperror

import "net/http"

// Kind is a machine-readable error category from spec.md §7.
type Kind string

const (
	KindValidation       Kind = "ValidationError"
	KindAuthRequired     Kind = "AuthRequired"
	KindAuthFailed       Kind = "AuthFailed"
	KindNotFound         Kind = "NotFound"
	KindConflict         Kind = "Conflict"
	KindRateLimited      Kind = "RateLimited"
	KindPartialWrite     Kind = "PartialWrite"
	KindStoreUnavailable Kind = "StoreUnavailable"
	KindInternal         Kind = "Internal"
)

var statusByKind = map[Kind]int{
	KindValidation:       http.StatusBadRequest,
	KindAuthRequired:     http.StatusUnauthorized,
	KindAuthFailed:       http.StatusForbidden,
	KindNotFound:         http.StatusNotFound,
	KindConflict:         http.StatusConflict,
	KindRateLimited:      http.StatusTooManyRequests,
	KindPartialWrite:     http.StatusMultiStatus,
	KindStoreUnavailable: http.StatusServiceUnavailable,
	KindInternal:         http.StatusInternalServerError,
}

// AppError is the single error type the identity, telemetry, and store
// components return; the HTTP and MQTT ingresses map it to a response.
type AppError struct {
	Kind    Kind
	Message string
	Err     error
	Fields  map[string]any
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// Status returns the HTTP status code for this error's Kind.
func (e *AppError) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func New(kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message, Fields: make(map[string]any)}
}

func Wrap(kind Kind, message string, err error) *AppError {
	return &AppError{Kind: kind, Message: message, Err: err, Fields: make(map[string]any)}
}

// WithField attaches a supplemental field serialized alongside the
// error envelope (e.g. existing_id, rejected, X-RateLimit-*).
func (e *AppError) WithField(key string, value any) *AppError {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

func ValidationError(msg string) *AppError   { return New(KindValidation, msg) }
func AuthRequired(msg string) *AppError      { return New(KindAuthRequired, msg) }
func AuthFailed(msg string) *AppError        { return New(KindAuthFailed, msg) }
func NotFound(msg string) *AppError          { return New(KindNotFound, msg) }
func Conflict(msg string) *AppError          { return New(KindConflict, msg) }
func RateLimited(msg string) *AppError       { return New(KindRateLimited, msg) }
func StoreUnavailable(msg string) *AppError  { return New(KindStoreUnavailable, msg) }
func Internal(msg string, err error) *AppError {
	return Wrap(KindInternal, msg, err)
}
