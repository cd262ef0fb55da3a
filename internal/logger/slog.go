package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

var (
	slogger *slog.Logger
	logFile *os.File
)

// InitSlog initializes the slog-based structured logger.
// If jsonOutput is true, logs are formatted as JSON for production.
func InitSlog(logDir string, jsonOutput bool) error {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}

	logFileName := "ocppws-" + time.Now().Format("2006-01-02") + ".log"
	logFilePath := filepath.Join(logDir, logFileName)

	var err error
	logFile, err = os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	// Write to both stdout and file
	writer := io.MultiWriter(os.Stdout, logFile)

	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(writer, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(writer, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}

	slogger = slog.New(handler)
	slog.SetDefault(slogger)

	return nil
}

// CloseSlog closes the slog log file
func CloseSlog() error {
	if logFile != nil {
		return logFile.Close()
	}
	return nil
}

// Slog returns the slog.Logger instance for structured logging
func Slog() *slog.Logger {
	if slogger == nil {
		return slog.Default()
	}
	return slogger
}

// WithContext returns a logger carrying whichever of the upgrade
// request id, station identity, and negotiated subprotocol are present
// in ctx.
func WithContext(ctx context.Context) *slog.Logger {
	logger := Slog()

	if requestID := ctx.Value(ContextKeyRequestID); requestID != nil {
		logger = logger.With("request_id", requestID)
	}
	if identity := ctx.Value(ContextKeyIdentity); identity != nil {
		logger = logger.With("identity", identity)
	}
	if protocol := ctx.Value(ContextKeyProtocol); protocol != nil {
		logger = logger.With("protocol", protocol)
	}

	return logger
}

// Context keys for structured logging
type contextKey string

const (
	// ContextKeyRequestID tags one HTTP upgrade attempt end to end.
	ContextKeyRequestID contextKey = "request_id"
	// ContextKeyIdentity is the station identity from the upgrade path.
	ContextKeyIdentity contextKey = "identity"
	// ContextKeyProtocol is the negotiated OCPP-J subprotocol.
	ContextKeyProtocol contextKey = "protocol"
)

// WithIdentity returns ctx tagged with a station identity, for log
// call sites that run outside any upgrade request (presence loss,
// background eviction).
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, ContextKeyIdentity, identity)
}

// WithConnection returns ctx tagged with both the station identity and
// its negotiated subprotocol.
func WithConnection(ctx context.Context, identity, protocol string) context.Context {
	ctx = context.WithValue(ctx, ContextKeyIdentity, identity)
	return context.WithValue(ctx, ContextKeyProtocol, protocol)
}

// InfoContext logs an info message with context
func InfoContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Info(msg, args...)
}

// ErrorContext logs an error with context
func ErrorContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Error(msg, args...)
}

// WarnContext logs a warning with context
func WarnContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Warn(msg, args...)
}

// DebugContext logs debug info with context
func DebugContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Debug(msg, args...)
}
