// Package logging provides structured logging functionality for smartsheet-attachments
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/curtbushko/smartsheet-attachments/internal/config"
)

// LogLevel represents the severity level of a log entry
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	default:
		return "unknown"
	}
}

// FileTimestampFormat names the per-run log files, e.g. 03-14-2025_09-30-00_info.log
const FileTimestampFormat = "01-02-2006_15-04-05"

type contextKey string

// RunIDKey is the context key for the export run ID
const RunIDKey contextKey = "run_id"

// Logger defines the interface for logging operations
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})

	DebugWithContext(ctx context.Context, format string, args ...interface{})
	InfoWithContext(ctx context.Context, format string, args ...interface{})
	WarnWithContext(ctx context.Context, format string, args ...interface{})
	ErrorWithContext(ctx context.Context, format string, args ...interface{})

	// LogAction records one attachment-level decision with its identifying fields
	LogAction(ctx context.Context, action string, fields map[string]interface{})
	LogAPIRequest(request APIRequest)
	LogAPIResponse(response APIResponse)

	GetLevel() LogLevel
	SetLevel(level LogLevel)
	SetOutput(w io.Writer)
	// Files returns the paths of the log files opened for this run
	Files() []string
	Close() error
}

// APIRequest represents API request data for logging
type APIRequest struct {
	Method     string            `json:"method"`
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers,omitempty"`
	RequestID  string            `json:"request_id"`
	AssumeUser string            `json:"assume_user,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// APIResponse represents API response data for logging
type APIResponse struct {
	StatusCode int           `json:"status_code"`
	RequestID  string        `json:"request_id"`
	Duration   time.Duration `json:"-"`
	Timestamp  time.Time     `json:"timestamp"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
}

// sink is one output with its own minimum level
type sink struct {
	w        io.Writer
	minLevel LogLevel
}

// loggerImpl implements the Logger interface
type loggerImpl struct {
	mu         sync.Mutex
	level      LogLevel
	jsonFormat bool
	sinks      []sink
	files      []*os.File
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	RunID     string    `json:"run_id,omitempty"`
}

// NewLogger creates a Logger from configuration. When Dir is set, two files are
// opened there for the run: <stamp>_info.log receives everything at or above the
// configured level and <stamp>_errors.log receives errors only.
func NewLogger(cfg config.LoggingConfig) (Logger, error) {
	return newLoggerAt(cfg, time.Now())
}

func newLoggerAt(cfg config.LoggingConfig, started time.Time) (Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	logger := &loggerImpl{
		level:      level,
		jsonFormat: cfg.JSONFormat,
	}

	if cfg.Console {
		logger.sinks = append(logger.sinks, sink{w: os.Stdout, minLevel: DebugLevel})
	}

	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", cfg.Dir, err)
		}

		stamp := started.Format(FileTimestampFormat)
		targets := []struct {
			suffix   string
			minLevel LogLevel
		}{
			{"_info.log", DebugLevel},
			{"_errors.log", ErrorLevel},
		}
		for _, target := range targets {
			path := filepath.Join(cfg.Dir, stamp+target.suffix)
			file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				logger.Close()
				return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
			}
			logger.files = append(logger.files, file)
			logger.sinks = append(logger.sinks, sink{w: file, minLevel: target.minLevel})
		}
	}

	return logger, nil
}

// NewWriterLogger creates a Logger writing to w only. Used by tests and tools
// that do not want log files.
func NewWriterLogger(w io.Writer, level LogLevel, jsonFormat bool) Logger {
	return &loggerImpl{
		level:      level,
		jsonFormat: jsonFormat,
		sinks:      []sink{{w: w, minLevel: DebugLevel}},
	}
}

// NewNopLogger returns a Logger that discards everything
func NewNopLogger() Logger {
	return NewWriterLogger(io.Discard, ErrorLevel+1, false)
}

// ParseLevel converts a string to LogLevel
func ParseLevel(level string) (LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level: %s", level)
	}
}

func (l *loggerImpl) log(level LogLevel, ctx context.Context, format string, args ...interface{}) {
	if level < l.GetLevel() {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     strings.ToUpper(level.String()),
		Message:   fmt.Sprintf(format, args...),
	}
	if ctx != nil {
		entry.RunID, _ = GetRunID(ctx)
	}

	var output string
	if l.jsonFormat {
		data, _ := json.Marshal(entry)
		output = string(data) + "\n"
	} else {
		timestamp := entry.Timestamp.Format("2006-01-02T15:04:05Z")
		if entry.RunID != "" {
			output = fmt.Sprintf("%s [%s] [%s] %s\n", timestamp, entry.Level, entry.RunID, entry.Message)
		} else {
			output = fmt.Sprintf("%s [%s] %s\n", timestamp, entry.Level, entry.Message)
		}
	}

	l.write(level, output)
}

func (l *loggerImpl) writeStructuredEntry(level LogLevel, ctx context.Context, message string, fields map[string]interface{}) {
	if level < l.GetLevel() {
		return
	}

	timestamp := time.Now().UTC()
	runID := ""
	if ctx != nil {
		runID, _ = GetRunID(ctx)
	}

	var output string
	if l.jsonFormat {
		entryMap := map[string]interface{}{
			"timestamp": timestamp,
			"level":     strings.ToUpper(level.String()),
			"message":   message,
		}
		if runID != "" {
			entryMap["run_id"] = runID
		}
		for key, value := range fields {
			entryMap[key] = value
		}
		data, _ := json.Marshal(entryMap)
		output = string(data) + "\n"
	} else {
		keys := make([]string, 0, len(fields))
		for key := range fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		var pairs []string
		for _, key := range keys {
			pairs = append(pairs, fmt.Sprintf("%s=%v", key, fields[key]))
		}
		fieldStr := ""
		if len(pairs) > 0 {
			fieldStr = " " + strings.Join(pairs, " ")
		}
		prefix := timestamp.Format("2006-01-02T15:04:05Z") + " [" + strings.ToUpper(level.String()) + "]"
		if runID != "" {
			prefix += " [" + runID + "]"
		}
		output = fmt.Sprintf("%s %s%s\n", prefix, message, fieldStr)
	}

	l.write(level, output)
}

func (l *loggerImpl) write(level LogLevel, output string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.sinks {
		if level >= s.minLevel {
			_, _ = io.WriteString(s.w, output)
		}
	}
}

// Debug logs a debug message
func (l *loggerImpl) Debug(format string, args ...interface{}) {
	l.log(DebugLevel, nil, format, args...)
}

// Info logs an info message
func (l *loggerImpl) Info(format string, args ...interface{}) {
	l.log(InfoLevel, nil, format, args...)
}

// Warn logs a warning message
func (l *loggerImpl) Warn(format string, args ...interface{}) {
	l.log(WarnLevel, nil, format, args...)
}

// Error logs an error message
func (l *loggerImpl) Error(format string, args ...interface{}) {
	l.log(ErrorLevel, nil, format, args...)
}

// DebugWithContext logs a debug message with context
func (l *loggerImpl) DebugWithContext(ctx context.Context, format string, args ...interface{}) {
	l.log(DebugLevel, ctx, format, args...)
}

// InfoWithContext logs an info message with context
func (l *loggerImpl) InfoWithContext(ctx context.Context, format string, args ...interface{}) {
	l.log(InfoLevel, ctx, format, args...)
}

// WarnWithContext logs a warning message with context
func (l *loggerImpl) WarnWithContext(ctx context.Context, format string, args ...interface{}) {
	l.log(WarnLevel, ctx, format, args...)
}

// ErrorWithContext logs an error message with context
func (l *loggerImpl) ErrorWithContext(ctx context.Context, format string, args ...interface{}) {
	l.log(ErrorLevel, ctx, format, args...)
}

// LogAction logs an attachment or sheet level action. A non-nil "error" field
// raises the entry to error level.
func (l *loggerImpl) LogAction(ctx context.Context, action string, fields map[string]interface{}) {
	level := InfoLevel
	if errVal, ok := fields["error"]; ok && errVal != nil && errVal != "" {
		level = ErrorLevel
	}
	all := map[string]interface{}{"action": action}
	for key, value := range fields {
		all[key] = value
	}
	l.writeStructuredEntry(level, ctx, "Action: "+action, all)
}

// LogAPIRequest logs API requests at debug level with the authorization header masked
func (l *loggerImpl) LogAPIRequest(request APIRequest) {
	if request.Timestamp.IsZero() {
		request.Timestamp = time.Now().UTC()
	}

	fields := map[string]interface{}{
		"method":     request.Method,
		"url":        request.URL,
		"request_id": request.RequestID,
	}
	if request.AssumeUser != "" {
		fields["assume_user"] = request.AssumeUser
	}
	if len(request.Headers) > 0 {
		sanitizedHeaders := make(map[string]string)
		for key, value := range request.Headers {
			if strings.EqualFold(key, "authorization") {
				sanitizedHeaders[key] = "***"
			} else {
				sanitizedHeaders[key] = value
			}
		}
		fields["headers"] = sanitizedHeaders
	}

	l.writeStructuredEntry(DebugLevel, nil, fmt.Sprintf("API Request: %s %s", request.Method, request.URL), fields)
}

// LogAPIResponse logs API responses at debug level
func (l *loggerImpl) LogAPIResponse(response APIResponse) {
	fields := map[string]interface{}{
		"status_code": response.StatusCode,
		"request_id":  response.RequestID,
		"duration_ms": response.Duration.Milliseconds(),
		"success":     response.Success,
	}
	if response.Error != "" {
		fields["error_detail"] = response.Error
	}

	l.writeStructuredEntry(DebugLevel, nil, fmt.Sprintf("API Response: %d (%v)", response.StatusCode, response.Duration), fields)
}

// GetLevel returns the current log level
func (l *loggerImpl) GetLevel() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// SetLevel sets the log level
func (l *loggerImpl) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetOutput replaces every sink with w (mainly for testing)
func (l *loggerImpl) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = []sink{{w: w, minLevel: DebugLevel}}
}

// Files returns the paths of the log files opened for this run
func (l *loggerImpl) Files() []string {
	paths := make([]string, 0, len(l.files))
	for _, f := range l.files {
		paths = append(paths, f.Name())
	}
	return paths
}

// Close closes any open log files
func (l *loggerImpl) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	for _, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.files = nil
	return firstErr
}

// NewRunID returns a fresh identifier for one export run
func NewRunID() string {
	return uuid.NewString()
}

// WithRunID creates a context carrying the run ID
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// GetRunID extracts the run ID from a context
func GetRunID(ctx context.Context) (string, bool) {
	runID, ok := ctx.Value(RunIDKey).(string)
	return runID, ok
}
