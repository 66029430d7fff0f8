package observability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// Logger provides structured logging with request correlation and
// sensitive data redaction.
//
// The logging system is built on Go's slog package and provides:
//   - Configurable log levels (DEBUG, INFO, WARN, ERROR)
//   - JSON output format for production environments
//   - Human-readable text format for development
//   - Automatic request/run ID correlation from context
//   - Redaction of sensitive data (API keys, tokens, passwords)
//
// Usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//	logger.Info(ctx, "Provider selected", "credential", "openai-primary", "model", "gpt-4o")
type Logger struct {
	logger  *slog.Logger
	config  LogConfig
	redacts []*regexp.Regexp
}

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error"
	Level string

	// Format specifies output format: "json" or "text"
	// JSON format is recommended for production; text for development
	Format string

	// Output is the writer for log output (defaults to os.Stdout)
	Output io.Writer

	// AddSource includes file and line number in log records
	AddSource bool

	// RedactPatterns are additional regex patterns for sensitive data redaction
	// Default patterns already cover common secrets (API keys, tokens, passwords)
	RedactPatterns []string
}

// ContextKey is the type for context keys used in logging.
type ContextKey string

const (
	// RequestIDKey is the context key for request IDs.
	RequestIDKey ContextKey = "request_id"

	// RunIDKey is the context key for agent run IDs.
	RunIDKey ContextKey = "run_id"

	// CredentialKey is the context key for the active provider credential.
	CredentialKey ContextKey = "credential"
)

// DefaultRedactPatterns contains regex patterns for common sensitive data.
var DefaultRedactPatterns = []string{
	// API keys and tokens
	`(?i)(api[_-]?key|apikey)[\s:=]+["\']?([a-zA-Z0-9_\-]{16,})["\']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["\']?([^\s"']{8,})["\']?`,

	// Anthropic API keys
	`sk-ant-[a-zA-Z0-9_-]{95,}`,

	// OpenAI API keys (48 chars after sk-)
	`sk-[a-zA-Z0-9]{48,}`,

	// Google AI API keys
	`AIza[a-zA-Z0-9_-]{35}`,

	// Replicate tokens
	`r8_[a-zA-Z0-9]{32,}`,

	// JWT tokens
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,

	// Generic hex secrets (32+ chars)
	`(?i)(secret|key|token)[\s:=]+["\']?([a-fA-F0-9]{32,})["\']?`,
}

// NewLogger creates a new structured logger with the given configuration.
//
// If config.Output is nil, logs are written to os.Stdout.
// If config.Level is empty or invalid, defaults to "info".
// If config.Format is empty, defaults to "json".
func NewLogger(config LogConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.Level == "" {
		config.Level = "info"
	}
	if config.Format == "" {
		config.Format = "json"
	}

	opts := &slog.HandlerOptions{
		Level:     LogLevelFromString(config.Level),
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if config.Format == "json" {
		handler = slog.NewJSONHandler(config.Output, opts)
	} else {
		handler = slog.NewTextHandler(config.Output, opts)
	}

	// Compile redaction patterns
	redacts := make([]*regexp.Regexp, 0)
	allPatterns := append(DefaultRedactPatterns, config.RedactPatterns...)
	for _, pattern := range allPatterns {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}

	return &Logger{
		logger:  slog.New(handler),
		config:  config,
		redacts: redacts,
	}
}

// Debug logs a debug-level message with optional key-value pairs.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

// Info logs an info-level message with optional key-value pairs.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

// Warn logs a warning-level message with optional key-value pairs.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

// Error logs an error-level message with optional key-value pairs.
// If an error is passed as one of the args, it is redacted like any
// other string value.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

// log is the internal logging implementation that handles redaction and context extraction.
func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	msg = l.redactString(msg)

	redactedArgs := make([]any, len(args))
	for i, arg := range args {
		redactedArgs[i] = l.redactValue(arg)
	}

	attrs := make([]any, 0, len(redactedArgs)+6)

	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		attrs = append(attrs, "request_id", requestID)
	}
	if runID, ok := ctx.Value(RunIDKey).(string); ok && runID != "" {
		attrs = append(attrs, "run_id", runID)
	}
	if credential, ok := ctx.Value(CredentialKey).(string); ok && credential != "" {
		attrs = append(attrs, "credential", credential)
	}

	attrs = append(attrs, redactedArgs...)

	l.logger.Log(ctx, level, msg, attrs...)
}

// redactValue redacts sensitive data from a value.
func (l *Logger) redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return l.redactString(val)
	case error:
		return l.redactString(val.Error())
	case []byte:
		return l.redactString(string(val))
	case map[string]any:
		return l.redactMap(val)
	case map[string]string:
		m := make(map[string]any, len(val))
		for k, v := range val {
			m[k] = v
		}
		return l.redactMap(m)
	default:
		// For other types, try to convert to JSON and redact
		if b, err := json.Marshal(v); err == nil {
			return l.redactString(string(b))
		}
		return v
	}
}

// redactString applies all redaction patterns to a string.
func (l *Logger) redactString(s string) string {
	for _, re := range l.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// redactMap redacts sensitive data from a map.
func (l *Logger) redactMap(m map[string]any) map[string]any {
	result := make(map[string]any, len(m))
	sensitiveKeys := map[string]bool{
		"password":      true,
		"passwd":        true,
		"secret":        true,
		"token":         true,
		"api_key":       true,
		"apikey":        true,
		"private_key":   true,
		"privatekey":    true,
		"auth":          true,
		"authorization": true,
	}

	for k, v := range m {
		lowerKey := strings.ToLower(strings.ReplaceAll(k, "-", "_"))
		if sensitiveKeys[lowerKey] {
			result[k] = "[REDACTED]"
		} else {
			result[k] = l.redactValue(v)
		}
	}
	return result
}

// WithFields returns a new logger with the given fields added to all log records.
//
// Example:
//
//	poolLogger := logger.WithFields("component", "pool")
//	poolLogger.Info(ctx, "Candidate selected") // Includes component=pool
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{
		logger:  l.logger.With(args...),
		config:  l.config,
		redacts: l.redacts,
	}
}

// AddRequestID adds a request ID to the context.
func AddRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// AddRunID adds an agent run ID to the context.
func AddRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// AddCredential adds the active credential ID to the context.
func AddCredential(ctx context.Context, credentialID string) context.Context {
	return context.WithValue(ctx, CredentialKey, credentialID)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// GetRunID retrieves the agent run ID from the context.
func GetRunID(ctx context.Context) string {
	if id, ok := ctx.Value(RunIDKey).(string); ok {
		return id
	}
	return ""
}

// LogLevelFromString converts a string to a slog.Level.
// Returns LevelInfo if the string is not recognized.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
