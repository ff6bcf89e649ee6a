// Package logging configures the process-wide zap logger and carries
// request-scoped loggers through contexts.
package logging

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey struct{}

var (
	mu     sync.RWMutex
	global *zap.Logger
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
}

// Build creates a logger from cfg without installing it. An unknown level
// falls back to info.
func Build(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			level = zapcore.InfoLevel
		}
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	if cfg.OutputPath != "" {
		zc.OutputPaths = []string{cfg.OutputPath}
	}
	return zc.Build(zap.AddStacktrace(zapcore.ErrorLevel))
}

// Init builds a logger from cfg and installs it as the global logger.
func Init(cfg Config) error {
	logger, err := Build(cfg)
	if err != nil {
		return err
	}
	mu.Lock()
	global = logger
	mu.Unlock()
	return nil
}

// L returns the global logger, creating a production logger on first use.
func L() *zap.Logger {
	mu.RLock()
	l := global
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		global, _ = zap.NewProduction()
	}
	return global
}

// Sync flushes any buffered log entries.
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	if global != nil {
		return global.Sync()
	}
	return nil
}

// Named returns logger when set, otherwise a named child of the global logger.
// Components take their logger at construction and call this for the default.
func Named(logger *zap.Logger, component string) *zap.Logger {
	if logger != nil {
		return logger
	}
	return L().Named(component)
}

// WithContext returns the logger stored in ctx, or the global logger.
func WithContext(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(contextKey{}).(*zap.Logger); ok {
		return logger
	}
	return L()
}

// NewContext returns a context carrying logger.
func NewContext(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// statusWriter captures status and size for the access log.
type statusWriter struct {
	http.ResponseWriter
	status int
	size   int64
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.size += int64(n)
	return n, err
}

// Flush lets SSE handlers flush through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware tags each request with an X-Request-ID (a ULID unless the
// client sent one), stores a request logger in the context and writes an
// access log line when the handler returns.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = ulid.Make().String()
		}
		w.Header().Set("X-Request-ID", requestID)

		logger := L().With(zap.String("request_id", requestID))
		r = r.WithContext(NewContext(r.Context(), logger))
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status", sw.status),
			zap.Int64("size", sw.size),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
