// Package logger provides structured logging with subsystem-specific levels
// and OpenTelemetry trace context integration.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/linyinfeng/oranc/internal/pushpipeline"
)

// StorePathLogHandler tees slog records tagged with a "path" attribute
// (every push-pipeline stage log line carries one, see internal/pushpipeline)
// to a per-store-path log file, so an operator can hand a user the single
// file for the one path that failed without grepping the process-wide JSON
// stream for one store hash.
//
// Progress lines (Plan, NAR serialize, compress, upload, ...) are forwarded
// as plain text, but the terminal line for a path is produced by WriteResult
// from the pipeline's own pushpipeline.Result, rendered through
// Outcome/SkipReason rather than dumped as raw attributes, so the file ends
// in a verdict a user can act on ("failed: <error>") instead of a
// log record they have to decode.
//
// Implementation follows the slog handler guide for shared state across
// WithAttrs/WithGroup: https://pkg.go.dev/golang.org/x/example/slog-handler-guide
type StorePathLogHandler struct {
	slog.Handler
	logPathFunc func(storePath string) string // returns the log file path for a store path
	state       *sharedState                  // shared across all handlers derived via WithAttrs/WithGroup
}

// sharedState holds state that must be shared across all handler instances
// derived from the same parent via WithAttrs/WithGroup.
// Using a pointer ensures all derived handlers share the same mutex and file cache.
type sharedState struct {
	mu        sync.Mutex
	fileCache map[string]*os.File
}

// NewStorePathLogHandler creates a new handler that wraps the given handler
// and writes push-pipeline logs to per-store-path log files. logPathFunc
// should return the log file path for a given store path.
func NewStorePathLogHandler(wrapped slog.Handler, logPathFunc func(storePath string) string) *StorePathLogHandler {
	return &StorePathLogHandler{
		Handler:     wrapped,
		logPathFunc: logPathFunc,
		state: &sharedState{
			fileCache: make(map[string]*os.File),
		},
	}
}

// Handle processes a log record, passing it to the wrapped handler and, if
// the record carries a "path" attribute, appending it to that path's log
// file as a progress line.
func (h *StorePathLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.Handler.Handle(ctx, r); err != nil {
		return err
	}

	var storePath string
	var rest []slog.Attr
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "path" && storePath == "" {
			storePath = a.Value.String()
			return true
		}
		rest = append(rest, a)
		return true
	})
	if storePath == "" {
		return nil
	}

	line := fmt.Sprintf("%s %s %s", r.Time.Format(time.RFC3339), r.Level.String(), r.Message)
	for _, a := range rest {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
	}
	h.appendLine(storePath, line)
	return nil
}

// verdict renders a pushpipeline.Result's terminal Outcome/SkipReason as the
// one-line summary WriteResult appends, replacing the generic
// key=value dump a plain slog attribute tee would have produced.
func verdict(res pushpipeline.Result) string {
	switch res.Outcome {
	case pushpipeline.Uploaded:
		return "uploaded"
	case pushpipeline.Skipped:
		switch res.SkipReason {
		case pushpipeline.SkipReasonAlreadyUploaded:
			return "skipped: already present in the registry"
		case pushpipeline.SkipReasonSigningPolicy:
			return "skipped: already signed by an excluded key"
		default:
			return "skipped"
		}
	case pushpipeline.Failed:
		return fmt.Sprintf("failed: %v", res.Err)
	default:
		return "unknown outcome"
	}
}

// WriteResult appends the terminal verdict for res to its store path's log
// file. Called once per path after a pipeline run completes, so the file a
// user is handed ends with a line answering "what happened to this path"
// instead of requiring them to cross-reference pushpipeline.Outcome values
// against the progress lines Handle already wrote.
func (h *StorePathLogHandler) WriteResult(res pushpipeline.Result) {
	line := fmt.Sprintf("%s RESULT %s", time.Now().Format(time.RFC3339), verdict(res))
	h.appendLine(res.StorePath, line)
}

// appendLine writes a fully formatted line to storePath's log file, opening
// and caching the file handle on first use.
func (h *StorePathLogHandler) appendLine(storePath, line string) {
	logPath := h.logPathFunc(storePath)
	if logPath == "" {
		return
	}

	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	f, ok := h.state.fileCache[storePath]
	if !ok {
		dir := filepath.Dir(logPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return // silently skip if can't create directory
		}

		var err error
		f, err = os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return // silently skip if can't open file
		}
		h.state.fileCache[storePath] = f
	}

	fmt.Fprintln(f, line)
}

// Enabled reports whether the handler handles records at the given level.
func (h *StorePathLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.Handler.Enabled(ctx, level)
}

// WithAttrs returns a new handler with the given attributes.
// The new handler shares the same state (mutex and file cache) as the parent.
func (h *StorePathLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &StorePathLogHandler{
		Handler:     h.Handler.WithAttrs(attrs),
		logPathFunc: h.logPathFunc,
		state:       h.state, // same pointer = shared mutex and cache
	}
}

// WithGroup returns a new handler with the given group name.
// The new handler shares the same state (mutex and file cache) as the parent.
func (h *StorePathLogHandler) WithGroup(name string) slog.Handler {
	return &StorePathLogHandler{
		Handler:     h.Handler.WithGroup(name),
		logPathFunc: h.logPathFunc,
		state:       h.state, // same pointer = shared mutex and cache
	}
}

// CloseStorePathLog closes and removes a cached file handle for a store path.
func (h *StorePathLogHandler) CloseStorePathLog(storePath string) {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	if f, ok := h.state.fileCache[storePath]; ok {
		f.Close()
		delete(h.state.fileCache, storePath)
	}
}

// CloseAll closes all cached file handles. Call this when a push run ends.
func (h *StorePathLogHandler) CloseAll() {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()

	for path, f := range h.state.fileCache {
		f.Close()
		delete(h.state.fileCache, path)
	}
}
