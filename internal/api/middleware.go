package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"agrosentinel/internal/types"
)

// adminKeyHeader carries the raw override key; it is verified against the
// configured bcrypt hash and never logged.
const adminKeyHeader = "X-Admin-Key"

// responseCapture wraps an http.ResponseWriter to capture the status code
// written by downstream handlers, for the logging and metrics middleware.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

// WriteHeader captures the status code and delegates to the wrapped writer.
func (rc *responseCapture) WriteHeader(code int) {
	if !rc.written {
		rc.statusCode = code
		rc.written = true
	}
	rc.ResponseWriter.WriteHeader(code)
}

// Write ensures the status code is captured even when WriteHeader is not
// called explicitly (the default is 200 per the net/http spec).
func (rc *responseCapture) Write(b []byte) (int, error) {
	if !rc.written {
		rc.statusCode = http.StatusOK
		rc.written = true
	}
	return rc.ResponseWriter.Write(b)
}

// Unwrap returns the underlying ResponseWriter, enabling
// http.ResponseController helpers like Flush to reach it.
func (rc *responseCapture) Unwrap() http.ResponseWriter {
	return rc.ResponseWriter
}

// RequestID assigns each request a UUID and stores it on the context.
func (s *Server) RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		ctx := types.SetRequestID(r.Context(), id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Recoverer catches panics in the handler chain, logs the stack trace
// internally, and writes a standardized 500 to the client. It must be the
// outermost handler in the chain.
func (s *Server) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				s.Logger.Error("panic recovered",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("panic", fmt.Sprintf("%v", rvr)),
					slog.String("stack", string(debug.Stack())),
				)
				Error(w, r, types.NewAppError(types.ErrCodeInternalUnexpected, "an unexpected error occurred", nil))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// RequestLogger logs request metadata (method, path, status, duration) and
// records the HTTP metrics.
func (s *Server) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rc := &responseCapture{ResponseWriter: w}

		next.ServeHTTP(rc, r)

		duration := time.Since(start)
		if !rc.written {
			rc.statusCode = http.StatusOK
		}
		s.Logger.InfoContext(r.Context(), "request completed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rc.statusCode),
			slog.Duration("duration", duration),
			slog.String("request_id", types.GetRequestID(r.Context())),
		)
		if s.Metrics != nil {
			s.Metrics.HTTPRequestsTotal.WithLabelValues(r.URL.Path, strconv.Itoa(rc.statusCode)).Inc()
			s.Metrics.HTTPDuration.WithLabelValues(r.URL.Path).Observe(duration.Seconds())
		}
	})
}

// AdminOnly guards privileged endpoints. The caller presents the raw admin
// key; it is compared against the configured bcrypt hash. A missing key is
// 401, a wrong key is 403.
func (s *Server) AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(adminKeyHeader)
		if key == "" {
			Error(w, r, types.NewAppError(types.ErrCodeAuthKeyMissing, "admin key required", nil))
			return
		}
		hash := s.Config.Server.AdminKeyHash.Unmask()
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
			s.Logger.WarnContext(r.Context(), "admin key rejected",
				slog.String("path", r.URL.Path),
				slog.String("request_id", types.GetRequestID(r.Context())),
			)
			Error(w, r, types.NewAppError(types.ErrCodeAuthKeyInvalid, "admin key invalid", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}
