package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// Logger wraps zerolog with our application-specific configuration
type Logger struct {
	zl zerolog.Logger
}

type ctxKey int

const (
	loggerCtxKey ctxKey = iota
	requestIDCtxKey
	identityCtxKey
)

var (
	// DefaultLogger is the global logger instance
	DefaultLogger *Logger
)

// Config holds logger configuration
type Config struct {
	// Level sets the minimum log level (debug, info, warn, error)
	Level string
	// Format sets the output format (json, console)
	Format string
	// Output sets the output destination (defaults to stdout)
	Output io.Writer
}

// Init initializes the default logger with the given configuration
func Init(cfg Config) {
	DefaultLogger = build(cfg)
	zerolog.TimeFieldFormat = time.RFC3339
}

func build(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	var zl zerolog.Logger
	if cfg.Format == "console" {
		zl = zerolog.New(zerolog.ConsoleWriter{
			Out:        cfg.Output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	} else {
		zl = zerolog.New(cfg.Output).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return &Logger{zl: zl.Level(level)}
}

func defaultLogger() *Logger {
	if DefaultLogger == nil {
		Init(Config{Level: "info", Format: "json"})
	}
	return DefaultLogger
}

// WithContext returns a logger carrying the request id and caller identity
// stored in ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *zerolog.Logger {
	logger := l.zl.With()

	if requestID, ok := ctx.Value(requestIDCtxKey).(string); ok && requestID != "" {
		logger = logger.Str("request_id", requestID)
	}
	if identity, ok := ctx.Value(identityCtxKey).(string); ok && identity != "" {
		logger = logger.Str("identity", identity)
	}

	l2 := logger.Logger()
	return &l2
}

func (l *Logger) Debug() *zerolog.Event {
	return l.zl.Debug()
}

func (l *Logger) Info() *zerolog.Event {
	return l.zl.Info()
}

func (l *Logger) Warn() *zerolog.Event {
	return l.zl.Warn()
}

func (l *Logger) Error() *zerolog.Event {
	return l.zl.Error()
}

func (l *Logger) Fatal() *zerolog.Event {
	return l.zl.Fatal()
}

// With returns a sub-logger with additional fields
func (l *Logger) With() zerolog.Context {
	return l.zl.With()
}

// Component returns a child logger tagged with the emitting subsystem.
func Component(name string) zerolog.Logger {
	return defaultLogger().zl.With().Str("component", name).Logger()
}

// Package-level convenience functions

func Debug() *zerolog.Event { return defaultLogger().Debug() }

func Info() *zerolog.Event { return defaultLogger().Info() }

func Warn() *zerolog.Event { return defaultLogger().Warn() }

func Error() *zerolog.Event { return defaultLogger().Error() }

func Fatal() *zerolog.Event { return defaultLogger().Fatal() }

// ContextWithLogger returns a new context with the logger attached
func ContextWithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey, logger)
}

// ContextWithRequest records the request id and caller identity for WithContext.
func ContextWithRequest(ctx context.Context, requestID, identity string) context.Context {
	if requestID != "" {
		ctx = context.WithValue(ctx, requestIDCtxKey, requestID)
	}
	if identity != "" {
		ctx = context.WithValue(ctx, identityCtxKey, identity)
	}
	return ctx
}

// FromContext retrieves the logger from context
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(loggerCtxKey).(*Logger); ok {
		return logger
	}
	return defaultLogger()
}

// Audit logs an operator or security-relevant action at info level with a
// distinct "audit" tag: maintenance toggles, ledger resets, logins during
// maintenance, role changes.
func Audit(action string, userID string, fields map[string]string) {
	event := defaultLogger().Info().
		Str("log_type", "audit").
		Str("action", action).
		Str("user_id", userID)
	for k, v := range fields {
		event = event.Str(k, v)
	}
	event.Msg("audit event")
}

// Middleware returns a Fiber middleware that logs requests
func Middleware() fiber.Handler {
	defaultLogger()

	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		event := DefaultLogger.Info()
		if err != nil {
			event = DefaultLogger.Error().Err(err)
		}

		if rid, ok := c.Locals("request_id").(string); ok {
			event = event.Str("request_id", rid)
		}
		if identity, ok := c.Locals("identity").(string); ok && identity != "" {
			event = event.Str("identity", identity)
		}
		if outcome, ok := c.Locals("gate_outcome").(string); ok && outcome != "" {
			event = event.Str("gate", outcome)
		}

		event.
			Str("method", c.Method()).
			Str("path", c.Path()).
			Int("status", c.Response().StatusCode()).
			Int("bytes_sent", len(c.Response().Body())).
			Str("ip", c.IP()).
			Dur("latency", time.Since(start)).
			Msg("HTTP request")

		return err
	}
}
