package httpapi

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/apperror"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/model"
	"github.com/chameauu/IoTFlow-ConnectivityLayer/internal/reqid"
)

// securityHeaders sets the conservative defensive header set common to
// the homenavi services' REST front doors. Router registers it after
// chi's RequestID, Recoverer, RealIP and Logger middlewares and the
// request tracing middleware.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// requestTracing assigns the short opaque request id from spec.md
// §4.8, attaches it to the context, and echoes it in the response.
func requestTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := reqid.New()
		w.Header().Set("X-Request-ID", id)
		ctx := reqid.WithContext(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// maxBodyBytes bounds the request body read, mirroring
// device-hub/internal/httpapi/server.go's io.LimitReader usage.
const maxBodyBytes = 64 * 1024

type ctxBodyKey struct{}

// sanitizeBody reads and HTML-encode/denylist-checks the request body
// once, stashing the sanitized bytes in the context so downstream
// schema validation and handlers read from there instead of r.Body
// (which has already been drained). Per spec.md §4.6 it HTML-encodes
// angle brackets and ampersands in string leaves, rejects a conservative
// SQL-injection denylist, and caps per-field length and JSON depth.
func sanitizeBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
			next.ServeHTTP(w, r)
			return
		}
		if r.Body == nil {
			next.ServeHTTP(w, r)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		r.Body.Close()
		if err != nil {
			writeError(w, r, apperror.ValidationError("failed to read request body"))
			return
		}
		if len(body) == 0 {
			ctx := context.WithValue(r.Context(), ctxBodyKey{}, body)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		var decoded any
		if err := unmarshalWithNumber(body, &decoded); err != nil {
			writeError(w, r, apperror.ValidationError("request body is not valid JSON"))
			return
		}
		if depthOf(decoded, 0) > maxJSONDepth {
			writeError(w, r, apperror.ValidationError("request body exceeds the maximum JSON depth"))
			return
		}
		sanitized, err := sanitizeValue(decoded)
		if err != nil {
			writeError(w, r, apperror.ValidationError(err.Error()))
			return
		}
		sanitizedBody, err := marshalStable(sanitized)
		if err != nil {
			writeError(w, r, apperror.Internal("failed to re-encode sanitized body", err))
			return
		}

		ctx := context.WithValue(r.Context(), ctxBodyKey{}, sanitizedBody)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bodyFromContext(r *http.Request) []byte {
	b, _ := r.Context().Value(ctxBodyKey{}).([]byte)
	return b
}

// schemaValidated wraps a handler with a gojsonschema check against
// the named embedded schema before the handler runs, per spec.md §4.6.
func (s *Server) schemaValidated(schemaName string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := bodyFromContext(r)
		if len(body) == 0 {
			writeError(w, r, apperror.ValidationError("request body is required"))
			return
		}
		if err := s.schemas.Validate(schemaName, body); err != nil {
			writeError(w, r, apperror.ValidationError(err.Error()))
			return
		}
		next(w, r)
	}
}

// rateLimited enforces the scope's configured (limit, window) keyed by
// deviceKeyFn, run before auth per spec.md §5 ("rate-limit check
// happens before auth check to avoid amplifying a brute-force attack
// through auth cost").
func (s *Server) rateLimited(scope string, keyFn func(r *http.Request) string, next http.HandlerFunc) http.HandlerFunc {
	rule := s.cfg.RateLimitRule(scope)
	return func(w http.ResponseWriter, r *http.Request) {
		result := s.identity.RateLimit(r.Context(), scope, keyFn(r), rule.Limit, rule.Window)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rule.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
		if !result.Allowed {
			writeError(w, r, apperror.RateLimited("rate limit exceeded").
				WithField("reset_at", result.ResetAt))
			return
		}
		next(w, r)
	}
}

func keyByClientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.SplitN(ip, ",", 2)[0])
	}
	host, _, err := splitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func keyByDevice(r *http.Request) string {
	if dev := deviceFromContext(r.Context()); dev != nil {
		return strconv.FormatUint(dev.ID, 10)
	}
	return r.Header.Get("X-API-Key")
}

type ctxDeviceKey struct{}

func deviceFromContext(ctx context.Context) *model.Device {
	dev, _ := ctx.Value(ctxDeviceKey{}).(*model.Device)
	return dev
}

// authenticated resolves the X-API-Key header to a device and stashes
// it on the context for the handler and for keyByDevice.
func (s *Server) authenticated(requireWrite bool, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		dev, err := s.identity.Authenticate(r.Context(), apiKey, requireWrite)
		if err != nil {
			writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxDeviceKey{}, dev)
		next(w, r.WithContext(ctx))
	}
}

// adminAuthenticated checks the "Authorization: admin <token>" header.
func (s *Server) adminAuthenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		const prefix = "admin "
		if !strings.HasPrefix(auth, prefix) {
			writeError(w, r, apperror.AuthRequired("missing admin token"))
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
		if err := s.identity.AuthorizeAdmin(token); err != nil {
			writeError(w, r, err)
			return
		}
		next(w, r)
	}
}

func withHandlerTimeout(timeout time.Duration, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		next(w, r.WithContext(ctx))
	}
}

func splitHostPort(addr string) (string, string, error) {
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		return addr[:idx], addr[idx+1:], nil
	}
	return addr, "", nil
}
