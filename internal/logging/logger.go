// Package logging provides structured JSON logging for taskdeck.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

var levelRank = map[LogLevel]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel converts a case-insensitive level name. Unknown names fall back to INFO.
func ParseLevel(s string) LogLevel {
	level := LogLevel(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := levelRank[level]; ok {
		return level
	}
	return LevelInfo
}

// ValidLevel reports whether s names a known level.
func ValidLevel(s string) bool {
	_, ok := levelRank[LogLevel(strings.ToUpper(strings.TrimSpace(s)))]
	return ok
}

// Logger provides structured JSON logging.
type Logger struct {
	mu       sync.Mutex
	out      io.Writer
	minLevel LogLevel
}

// New creates a Logger writing to out.
func New(out io.Writer, minLevel LogLevel) *Logger {
	return &Logger{out: out, minLevel: minLevel}
}

var (
	// global logger instance
	global   *Logger
	globalMu sync.RWMutex
	once     sync.Once
)

// Init initializes the global logger. Later calls are ignored; use Setup to replace it.
func Init(out io.Writer, minLevel LogLevel) {
	once.Do(func() {
		globalMu.Lock()
		global = New(out, minLevel)
		globalMu.Unlock()
	})
}

// Get returns the global logger instance.
func Get() *Logger {
	globalMu.RLock()
	l := global
	globalMu.RUnlock()
	if l == nil {
		Init(os.Stdout, LevelInfo)
		globalMu.RLock()
		l = global
		globalMu.RUnlock()
	}
	return l
}

// Options configures the process logger.
type Options struct {
	Level      string
	File       string // empty means stdout
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Setup replaces the global logger according to opts.
// The returned closer releases the log file, if any.
func Setup(opts Options) (io.Closer, error) {
	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}

	if opts.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 20),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
			Compress:   true,
		}
		out = rotating
		closer = rotating
	}

	once.Do(func() {})
	globalMu.Lock()
	global = New(out, ParseLevel(opts.Level))
	globalMu.Unlock()

	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// LogEntry represents a structured log entry.
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// SetLevel changes the minimum level at runtime.
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	l.minLevel = level
	l.mu.Unlock()
}

// log writes a log entry at the specified level.
func (l *Logger) log(level LogLevel, message string, err error, context map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.shouldLog(level) {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     string(level),
		Message:   message,
		Context:   context,
	}

	if err != nil {
		entry.Error = err.Error()
	}

	data, jsonErr := json.Marshal(entry)
	if jsonErr != nil {
		log.Printf("Failed to marshal log entry: %v\n", jsonErr)
		return
	}

	fmt.Fprintln(l.out, string(data))
}

// shouldLog checks if a level should be logged. Callers hold l.mu.
func (l *Logger) shouldLog(level LogLevel) bool {
	return levelRank[level] >= levelRank[l.minLevel]
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.log(LevelDebug, message, nil, mergeContext(context...))
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.log(LevelInfo, message, nil, mergeContext(context...))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.log(LevelWarn, message, nil, mergeContext(context...))
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	l.log(LevelError, message, err, mergeContext(context...))
}

// ErrorWithCode logs an error message tagged with an error code.
func (l *Logger) ErrorWithCode(message string, code string, err error, context ...map[string]interface{}) {
	ctx := mergeContext(append([]map[string]interface{}{{"error_code": code}}, context...)...)
	l.log(LevelError, message, err, ctx)
}

// mergeContext merges multiple context maps; later maps win.
func mergeContext(context ...map[string]interface{}) map[string]interface{} {
	if len(context) == 0 {
		return nil
	}
	if len(context) == 1 {
		return context[0]
	}
	merged := make(map[string]interface{})
	for _, c := range context {
		for k, v := range c {
			merged[k] = v
		}
	}
	return merged
}

// Convenience functions using global logger

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}

func ErrorWithCode(message string, code string, err error, context ...map[string]interface{}) {
	Get().ErrorWithCode(message, code, err, context...)
}
