package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LogLevel represents the severity of a log entry
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Fields carries structured key/value data attached to an entry
type Fields map[string]interface{}

type contextKey string

// CorrelationIDKey is the context key holding the correlation ID
const CorrelationIDKey contextKey = "correlation_id"

// LogEntry is the JSON shape of a single log line
type LogEntry struct {
	Timestamp     time.Time `json:"@timestamp"`
	Level         string    `json:"level"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	NodeID        string    `json:"node_id,omitempty"`
	Component     string    `json:"component,omitempty"`
	Action        string    `json:"action,omitempty"`
	Duration      *int64    `json:"duration_ms,omitempty"`
	Error         string    `json:"error,omitempty"`
	Fields        Fields    `json:"fields,omitempty"`
	File          string    `json:"file,omitempty"`
	Line          int       `json:"line,omitempty"`
}

// Logger writes structured entries asynchronously to its writers
type Logger struct {
	level     LogLevel
	nodeID    string
	writers   []io.Writer
	mu        sync.Mutex
	logChan   chan LogEntry
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Config for logger initialization
type Config struct {
	Level         LogLevel
	NodeID        string
	LogFile       string
	EnableConsole bool
	EnableFile    bool
	BufferSize    int
	// Writers are added in addition to console and file output.
	Writers []io.Writer
}

// NewLogger creates a logger and starts its writer goroutine
func NewLogger(config Config) *Logger {
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}

	logger := &Logger{
		level:   config.Level,
		nodeID:  config.NodeID,
		writers: make([]io.Writer, 0, len(config.Writers)+2),
		logChan: make(chan LogEntry, config.BufferSize),
		done:    make(chan struct{}),
	}

	if config.EnableConsole {
		logger.writers = append(logger.writers, os.Stdout)
	}

	if config.EnableFile && config.LogFile != "" {
		file, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			logger.writers = append(logger.writers, file)
		} else {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v\n", config.LogFile, err)
		}
	}

	logger.writers = append(logger.writers, config.Writers...)

	logger.wg.Add(1)
	go logger.processLogs()

	return logger
}

func (l *Logger) processLogs() {
	defer l.wg.Done()

	for {
		select {
		case entry := <-l.logChan:
			l.writeEntry(entry)
		case <-l.done:
			// drain what is already queued
			for {
				select {
				case entry := <-l.logChan:
					l.writeEntry(entry)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) writeEntry(entry LogEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal log entry: %v\n", err)
		return
	}
	data = append(data, '\n')

	// exclusive so lines from the async and the fallback path never interleave
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, writer := range l.writers {
		writer.Write(data)
	}
}

// WithCorrelationID adds a correlation ID to the context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

// NewCorrelationID generates a new correlation ID
func NewCorrelationID() string {
	return uuid.New().String()
}

// GetCorrelationID retrieves the correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(CorrelationIDKey).(string); ok {
		return id
	}
	return ""
}

// Enabled reports whether entries at level would be written
func (l *Logger) Enabled(level LogLevel) bool {
	return level >= l.level
}

func (l *Logger) log(ctx context.Context, level LogLevel, component, action, message string, fields Fields, err error, duration *time.Duration) {
	if level < l.level {
		return
	}

	// log is always entered from exactly one exported wrapper
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		file = "unknown"
	}

	entry := LogEntry{
		Timestamp:     time.Now().UTC(),
		Level:         level.String(),
		Message:       message,
		CorrelationID: GetCorrelationID(ctx),
		NodeID:        l.nodeID,
		Component:     component,
		Action:        action,
		Fields:        fields,
		File:          file,
		Line:          line,
	}

	if err != nil {
		entry.Error = err.Error()
	}

	if duration != nil {
		ms := duration.Milliseconds()
		entry.Duration = &ms
	}

	select {
	case <-l.done:
		l.writeEntry(entry)
		return
	default:
	}

	select {
	case l.logChan <- entry:
	default:
		// buffer full, write synchronously
		l.writeEntry(entry)
	}
}

func firstFields(fields []Fields) Fields {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Debug logs a debug message
func (l *Logger) Debug(ctx context.Context, component, action, message string, fields ...Fields) {
	l.log(ctx, DEBUG, component, action, message, firstFields(fields), nil, nil)
}

// Info logs an info message
func (l *Logger) Info(ctx context.Context, component, action, message string, fields ...Fields) {
	l.log(ctx, INFO, component, action, message, firstFields(fields), nil, nil)
}

// Warn logs a warning message
func (l *Logger) Warn(ctx context.Context, component, action, message string, fields ...Fields) {
	l.log(ctx, WARN, component, action, message, firstFields(fields), nil, nil)
}

// Error logs an error message
func (l *Logger) Error(ctx context.Context, component, action, message string, err error, fields ...Fields) {
	l.log(ctx, ERROR, component, action, message, firstFields(fields), err, nil)
}

// Fatal logs a fatal message. It does not exit the process.
func (l *Logger) Fatal(ctx context.Context, component, action, message string, err error, fields ...Fields) {
	l.log(ctx, FATAL, component, action, message, firstFields(fields), err, nil)
}

// WithDuration logs with timing information
func (l *Logger) WithDuration(ctx context.Context, level LogLevel, component, action, message string, duration time.Duration, fields ...Fields) {
	l.log(ctx, level, component, action, message, firstFields(fields), nil, &duration)
}

// StartTimer returns a function that logs the elapsed time when called
func (l *Logger) StartTimer(ctx context.Context, component, action, message string) func() {
	start := time.Now()
	return func() {
		l.WithDuration(ctx, DEBUG, component, action, message, time.Since(start))
	}
}

// Close flushes pending entries and closes file writers. Safe to call twice.
func (l *Logger) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.wg.Wait()

		l.mu.Lock()
		defer l.mu.Unlock()

		for _, writer := range l.writers {
			if writer == os.Stdout || writer == os.Stderr {
				continue
			}
			if f, ok := writer.(*os.File); ok {
				f.Close()
			}
		}
	})
}

// AddWriter adds a new writer to the logger
func (l *Logger) AddWriter(writer io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writers = append(l.writers, writer)
}

var (
	globalLogger *Logger
	loggerMutex  sync.RWMutex
)

// SetGlobalLogger sets the global logger instance
func SetGlobalLogger(logger *Logger) {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()
	globalLogger = logger
}

// GetGlobalLogger returns the global logger instance, or nil
func GetGlobalLogger() *Logger {
	loggerMutex.RLock()
	defer loggerMutex.RUnlock()
	return globalLogger
}

// Convenience functions that use the global logger. They are no-ops until
// SetGlobalLogger has been called.

func Debug(ctx context.Context, component, action, message string, fields ...Fields) {
	if logger := GetGlobalLogger(); logger != nil {
		logger.log(ctx, DEBUG, component, action, message, firstFields(fields), nil, nil)
	}
}

func Info(ctx context.Context, component, action, message string, fields ...Fields) {
	if logger := GetGlobalLogger(); logger != nil {
		logger.log(ctx, INFO, component, action, message, firstFields(fields), nil, nil)
	}
}

func Warn(ctx context.Context, component, action, message string, fields ...Fields) {
	if logger := GetGlobalLogger(); logger != nil {
		logger.log(ctx, WARN, component, action, message, firstFields(fields), nil, nil)
	}
}

func Error(ctx context.Context, component, action, message string, err error, fields ...Fields) {
	if logger := GetGlobalLogger(); logger != nil {
		logger.log(ctx, ERROR, component, action, message, firstFields(fields), err, nil)
	}
}

func Fatal(ctx context.Context, component, action, message string, err error, fields ...Fields) {
	if logger := GetGlobalLogger(); logger != nil {
		logger.log(ctx, FATAL, component, action, message, firstFields(fields), err, nil)
	}
}

func StartTimer(ctx context.Context, component, action, message string) func() {
	if logger := GetGlobalLogger(); logger != nil {
		return logger.StartTimer(ctx, component, action, message)
	}
	return func() {}
}
