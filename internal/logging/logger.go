// Package logging provides config-driven categorized file-based logging for
// selfforge. Logs are written to <state dir>/logs/ with one file per category.
// When debug mode is off the package is a silent no-op, so hot paths may log
// freely without guarding.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup, wiring, shutdown
	CategoryConfig    Category = "config"    // Configuration loading
	CategoryDispatch  Category = "dispatch"  // LLM dispatcher, failover, keys
	CategoryTools     Category = "tools"     // Tool pipeline execution
	CategoryMemory    Category = "memory"    // Memory engine writes and reads
	CategoryWatcher   Category = "watcher"   // Conversation log reconciler
	CategoryEvolution Category = "evolution" // Dev/prod promotion loop
	CategoryEmbedding Category = "embedding" // Embedding engine
	CategoryChat      Category = "chat"      // Chat turn orchestration
	CategoryMetrics   Category = "metrics"   // Metric recording and anomalies
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Logger wraps a standard logger bound to one category file.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	enabled   bool
	logLevel  = LevelInfo
)

// Initialize sets up the logging directory. stateDir is the selfforge state
// root (e.g. ".forge"). When debug is false all logging calls are no-ops.
func Initialize(stateDir string, debug bool, level string) error {
	if stateDir == "" {
		return fmt.Errorf("state directory required")
	}

	enabled = debug
	logLevel = parseLevel(level)

	if !enabled {
		return nil
	}

	logsDir = filepath.Join(stateDir, "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== selfforge logging initialized ===")
	boot.Info("Logs directory: %s", logsDir)
	boot.Info("Log level: %s", level)
	return nil
}

func parseLevel(level string) int {
	switch level {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Enabled reports whether file logging is active.
func Enabled() bool {
	return enabled
}

// Get returns the logger for a category, creating it on first use.
func Get(category Category) *Logger {
	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	l := &Logger{category: category}
	if enabled && logsDir != "" {
		path := filepath.Join(logsDir, string(category)+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err == nil {
			l.file = f
			l.logger = log.New(f, "", 0)
		}
	}
	loggers[category] = l
	return l
}

// Shutdown flushes and closes all category files.
func Shutdown() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			_ = l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

func (l *Logger) write(level int, tag, format string, args ...interface{}) {
	if !enabled || l.logger == nil || level < logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.logger.Printf("%s [%s] [%s] %s",
		time.Now().Format("2006-01-02 15:04:05.000"), tag, l.category, msg)
}

// Debug logs at debug level.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.write(LevelDebug, "DEBUG", format, args...)
}

// Info logs at info level.
func (l *Logger) Info(format string, args ...interface{}) {
	l.write(LevelInfo, "INFO", format, args...)
}

// Warn logs at warn level.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.write(LevelWarn, "WARN", format, args...)
}

// Error logs at error level.
func (l *Logger) Error(format string, args ...interface{}) {
	l.write(LevelError, "ERROR", format, args...)
}

// Timer measures the duration of an operation and logs it on Stop.
type Timer struct {
	category Category
	name     string
	start    time.Time
}

// SlowThreshold is the duration above which Timer.Stop logs a warning.
const SlowThreshold = 500 * time.Millisecond

// StartTimer begins timing an operation.
func StartTimer(category Category, name string) *Timer {
	return &Timer{category: category, name: name, start: time.Now()}
}

// Stop logs the elapsed time.
func (t *Timer) Stop() {
	elapsed := time.Since(t.start)
	l := Get(t.category)
	if elapsed >= SlowThreshold {
		l.Warn("SLOW: %s took %v", t.name, elapsed)
	} else {
		l.Debug("%s took %v", t.name, elapsed)
	}
}
