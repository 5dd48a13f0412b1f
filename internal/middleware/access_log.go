// Package middleware provides HTTP middleware shared by oranc's server.
//
// AccessLogger is grounded on the teacher's lib/middleware/otel.go, which
// wraps the response writer the same way to log method/path/status/bytes/
// duration; that file also feeds an HTTPMetrics recorder oranc has no
// equivalent of, since oranc carries no metrics surface (see SPEC_FULL.md's
// Non-goals). What oranc needs instead is a record of *how* a pull request
// was resolved — served from an upstream cache, or from the registry as a
// hit, miss, or error (spec §4.3) — so an operator reading the access log
// can tell a registry-served request from one relayed from an upstream
// without cross-referencing debug-level router logs. Outcome and its
// context plumbing below carry that, set by internal/router as it resolves
// each request and read back here once the handler returns.
package middleware

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linyinfeng/oranc/internal/logger"
)

// Outcome records how a pull request was resolved, for AccessLogger to
// report alongside the usual method/path/status fields. Source is
// "upstream" or "registry"; Result is "hit", "miss", or "error". Left as
// the zero value when a request never resolves into a cache lookup (e.g.
// push-related or malformed paths), in which case AccessLogger omits both
// fields rather than logging empty strings.
type Outcome struct {
	Source string
	Result string
}

type outcomeKey struct{}

// WithOutcome attaches a fresh Outcome to ctx for a handler further down
// the chain to fill in, and AccessLogger to read back once it returns.
func WithOutcome(ctx context.Context) context.Context {
	return context.WithValue(ctx, outcomeKey{}, &Outcome{})
}

// OutcomeFromContext returns the Outcome attached by WithOutcome, or nil if
// none was attached.
func OutcomeFromContext(ctx context.Context) *Outcome {
	o, _ := ctx.Value(outcomeKey{}).(*Outcome)
	return o
}

// AccessLogger returns a middleware that logs HTTP requests using slog with
// trace context. This replaces chi's middleware.Logger to get trace
// correlation into structured logs.
func AccessLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := WithOutcome(r.Context())
			r = r.WithContext(ctx)
			wrapped := wrapResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			routePattern := chi.RouteContext(ctx).RoutePattern()
			if routePattern == "" {
				routePattern = r.URL.Path
			}

			duration := time.Since(start)
			attrs := []any{
				"method", r.Method,
				"path", routePattern,
				"status", wrapped.Status(),
				"bytes", wrapped.BytesWritten(),
				"duration_ms", duration.Milliseconds(),
				"remote_addr", r.RemoteAddr,
			}
			if outcome := OutcomeFromContext(ctx); outcome != nil && outcome.Source != "" {
				attrs = append(attrs, "source", outcome.Source, "result", outcome.Result)
			}

			log.InfoContext(ctx,
				fmt.Sprintf("%s %s %d %dB %dms", r.Method, routePattern, wrapped.Status(), wrapped.BytesWritten(), duration.Milliseconds()),
				attrs...,
			)
		})
	}
}

// InjectLogger returns middleware that adds the logger to the request context.
// This enables handlers to use logger.FromContext(ctx) with trace correlation.
func InjectLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := logger.AddToContext(r.Context(), log)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code and bytes written.
// It also implements http.Flusher and http.Hijacker when the underlying writer supports them.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
	wroteHeader  bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

func (rw *responseWriter) Status() int {
	return rw.statusCode
}

func (rw *responseWriter) BytesWritten() int {
	return rw.bytesWritten
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// Unwrap provides access to the underlying ResponseWriter for http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Flush implements http.Flusher. It delegates to the underlying writer if supported.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker. It delegates to the underlying writer if supported.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
}
