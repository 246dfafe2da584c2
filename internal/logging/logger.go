// Package logging provides categorized logging for the Sibyl runtime core.
// Each subsystem logs under its own category; categories can be enabled or
// disabled individually. The backend is zap; until Initialize is called every
// logger is a silent no-op so library code can log unconditionally.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a runtime subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup, wiring, crash recovery
	CategoryStore     Category = "store"     // State store operations
	CategoryBlob      Category = "blob"      // Blob store puts/gets
	CategoryBudget    Category = "budget"    // Reservations, commits, reconciliation
	CategoryGateway   Category = "gateway"   // Provider gateway calls
	CategoryScheduler Category = "scheduler" // Worker scheduling, retries, idempotency
	CategorySession   Category = "session"   // Session lifecycle, thresholds
	CategoryRotation  Category = "rotation"  // Rotation swaps and summarization
	CategoryPipeline  Category = "pipeline"  // Step sequencing, checkpoints
	CategoryCache     Category = "cache"     // Memoizer hits/misses
	CategoryIntegrity Category = "integrity" // Boot-time integrity views and repair
	CategoryConfig    Category = "config"    // Workspace config loading
	CategoryServer    Category = "server"    // Health/metrics HTTP surface
)

// Options controls logger initialization.
type Options struct {
	// Level is one of debug, info, warn, error. Default info.
	Level string
	// Dir receives per-process log files. Empty means stderr only.
	Dir string
	// Categories filters logging per category. Empty map enables all.
	Categories map[string]bool
	// JSONFormat selects the zap JSON encoder over the console encoder.
	JSONFormat bool
}

// Logger is a category-scoped printf-style logger.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu         sync.RWMutex
	root       *zap.Logger
	loggers    = make(map[Category]*Logger)
	categories map[string]bool
)

// Initialize builds the shared zap backend. Safe to call more than once; the
// last call wins. Passing Options{} enables console info logging to stderr.
func Initialize(opts Options) error {
	level := zapcore.InfoLevel
	switch opts.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info", "":
		level = zapcore.InfoLevel
	case "warn", "warning":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		return fmt.Errorf("unknown log level: %q", opts.Level)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if opts.JSONFormat {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	sink := zapcore.Lock(os.Stderr)
	cores := []zapcore.Core{zapcore.NewCore(enc, sink, level)}

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		name := fmt.Sprintf("sibyl_%s.log", time.Now().Format("2006-01-02"))
		f, err := os.OpenFile(filepath.Join(opts.Dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), level))
	}

	mu.Lock()
	defer mu.Unlock()
	root = zap.New(zapcore.NewTee(cores...))
	categories = opts.Categories
	loggers = make(map[Category]*Logger)
	return nil
}

// Sync flushes any buffered log entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if root != nil {
		_ = root.Sync()
	}
}

// IsCategoryEnabled reports whether a category emits log output.
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	if root == nil {
		return false
	}
	if len(categories) == 0 {
		return true
	}
	enabled, ok := categories[string(category)]
	if !ok {
		return true
	}
	return enabled
}

// Get returns (or creates) the logger for a category. Disabled categories and
// uninitialized logging yield a no-op logger.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}

	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	r := root
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l := &Logger{
		category: category,
		sugar:    r.Named(string(category)).WithOptions(zap.AddCallerSkip(1)).Sugar(),
	}
	loggers[category] = l
	return l
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Infof(format, args...)
}

// Warn logs a warning.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Warnf(format, args...)
}

// Error logs an error.
func (l *Logger) Error(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Errorf(format, args...)
}

// Timer measures the duration of a named operation.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning when the operation exceeded the threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
