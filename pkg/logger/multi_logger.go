package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogCategory represents different log categories
type LogCategory string

const (
	CategoryExport LogCategory = "export" // per-message and per-target events (JSON)
	CategoryError  LogCategory = "error"  // failures (JSON)
)

// Categories lists every category written by MultiLogger
var Categories = []LogCategory{CategoryExport, CategoryError}

// MultiLogger writes categorized JSON event logs, one file per category and
// day. Subprocess output (tdl, ffmpeg) is logged by the adapters themselves.
type MultiLogger struct {
	config MultiLoggerConfig
	level  zapcore.Level

	mu          sync.RWMutex
	loggers     map[LogCategory]*zap.Logger
	files       map[LogCategory]*os.File
	currentDate string
	now         func() time.Time
}

// MultiLoggerConfig contains configuration for multi-output logging
type MultiLoggerConfig struct {
	Level   string // debug, info, warn, error
	LogsDir string // Directory for log files
}

// NewMultiLogger creates a new multi-output logger
func NewMultiLogger(config MultiLoggerConfig) (*MultiLogger, error) {
	if config.LogsDir == "" {
		return nil, fmt.Errorf("logs_dir must be specified")
	}
	if err := os.MkdirAll(config.LogsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	ml := &MultiLogger{
		config: config,
		level:  level,
		now:    time.Now,
	}
	if err := ml.open(ml.now().Format("20060102")); err != nil {
		return nil, err
	}
	return ml, nil
}

// open creates the category loggers for a date. Callers hold mu or own ml exclusively.
func (ml *MultiLogger) open(date string) error {
	loggers := make(map[LogCategory]*zap.Logger, len(Categories))
	files := make(map[LogCategory]*os.File, len(Categories))

	for _, category := range Categories {
		level := ml.level
		if category == CategoryError {
			level = zapcore.WarnLevel
		}
		logger, file, err := ml.createStructuredLogger(category, date, level)
		if err != nil {
			for _, f := range files {
				f.Close()
			}
			return fmt.Errorf("failed to create %s logger: %w", category, err)
		}
		loggers[category] = logger
		files[category] = file
	}

	for _, f := range ml.files {
		f.Close()
	}
	ml.loggers = loggers
	ml.files = files
	ml.currentDate = date
	return nil
}

// createStructuredLogger creates a JSON-formatted logger for a category
func (ml *MultiLogger) createStructuredLogger(category LogCategory, date string, level zapcore.Level) (*zap.Logger, *os.File, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "ts"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.MessageKey = "msg"
	encoderConfig.LevelKey = "level"
	encoderConfig.CallerKey = ""

	file, err := os.OpenFile(categoryLogPath(ml.config.LogsDir, category, date), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, err
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.Lock(file), level)
	return zap.New(core).With(zap.String("category", string(category))), file, nil
}

func categoryLogPath(dir string, category LogCategory, date string) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%s.log", category, date))
}

// GetLogger returns the logger of a category, switching files when the day changes
func (ml *MultiLogger) GetLogger(category LogCategory) *zap.Logger {
	today := ml.now().Format("20060102")

	ml.mu.RLock()
	current := ml.currentDate
	logger, ok := ml.loggers[category]
	ml.mu.RUnlock()

	if current != today {
		ml.mu.Lock()
		if ml.currentDate != today {
			if err := ml.open(today); err != nil {
				// keep writing to yesterday's files
				fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
			}
		}
		logger, ok = ml.loggers[category]
		ml.mu.Unlock()
	}

	if !ok {
		// unknown category or closed logger
		return zap.NewNop()
	}
	return logger
}

// Export returns the export event logger
func (ml *MultiLogger) Export() *zap.Logger {
	return ml.GetLogger(CategoryExport)
}

// Error returns the error logger
func (ml *MultiLogger) Error() *zap.Logger {
	return ml.GetLogger(CategoryError)
}

// LogExportEvent records an export lifecycle event
func (ml *MultiLogger) LogExportEvent(event string, fields ...zap.Field) {
	ml.Export().Info(event, fields...)
}

// LogAppError records a failure
func (ml *MultiLogger) LogAppError(msg string, fields ...zap.Field) {
	ml.Error().Error(msg, fields...)
}

// Sync flushes all loggers
func (ml *MultiLogger) Sync() error {
	ml.mu.RLock()
	defer ml.mu.RUnlock()

	var errs []error
	for _, logger := range ml.loggers {
		if err := logger.Sync(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close flushes and closes the log files
func (ml *MultiLogger) Close() error {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	var errs []error
	for category, logger := range ml.loggers {
		logger.Sync()
		if err := ml.files[category].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	ml.loggers = map[LogCategory]*zap.Logger{}
	ml.files = map[LogCategory]*os.File{}
	return errors.Join(errs...)
}
