// Package logger provides structured logging with per-unit scoping
package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// Logger interface for abstracted logging
type Logger interface {
	Info(message string, fields ...Field)
	Error(message string, fields ...Field)
	Warn(message string, fields ...Field)
	Debug(message string, fields ...Field)
	Success(message string, fields ...Field)
	WithUnit(unitID string) Logger
}

// Field represents a structured logging field
type Field struct {
	Key   string
	Value interface{}
}

// WithField creates a new field
func WithField(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// WithError is shorthand for WithField("error", err)
func WithError(err error) Field {
	return Field{Key: "error", Value: err}
}

// UnitLogger implements Logger with unit-of-work awareness
type UnitLogger struct {
	logger *logrus.Logger
	unitID string
	mu     sync.RWMutex
}

// CustomFormatter formats logs with colors
type CustomFormatter struct {
	TimestampFormat string
	DisableColors   bool
}

// Format implements logrus.Formatter
func (f *CustomFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	ghost := "👻"
	timestamp := entry.Time.Format(f.TimestampFormat)

	var levelColor *color.Color
	var levelText string

	switch entry.Level {
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		levelColor = color.New(color.FgRed, color.Bold)
		levelText = "ERROR"
	case logrus.WarnLevel:
		levelColor = color.New(color.FgYellow, color.Bold)
		levelText = "WARN"
	case logrus.InfoLevel:
		levelColor = color.New(color.FgCyan)
		levelText = "INFO"
	case logrus.DebugLevel, logrus.TraceLevel:
		levelColor = color.New(color.FgWhite, color.Faint)
		levelText = "DEBUG"
	default:
		levelColor = color.New(color.FgGreen)
		levelText = "SUCCESS"
	}

	data := make(logrus.Fields, len(entry.Data))
	for k, v := range entry.Data {
		data[k] = v
	}

	unitPrefix := ""
	if unit, ok := data["unit"]; ok {
		if f.DisableColors {
			unitPrefix = fmt.Sprintf("[%v] ", unit)
		} else {
			unitPrefix = fmt.Sprintf("[%s] ", color.New(color.FgBlue).Sprint(unit))
		}
		delete(data, "unit")
	}

	level := levelText
	if !f.DisableColors {
		level = levelColor.Sprint(levelText)
	}
	output := fmt.Sprintf("%s [%s] %s: %s%s", ghost, timestamp, level, unitPrefix, entry.Message)

	if len(data) > 0 {
		keys := make([]string, 0, len(data))
		for k := range data {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, data[k]))
		}
		fields := " {" + strings.Join(parts, ", ") + "}"
		if f.DisableColors {
			output += fields
		} else {
			output += color.New(color.FgWhite, color.Faint).Sprint(fields)
		}
	}

	return []byte(output + "\n"), nil
}

// CreateLogger creates a new logger instance writing to stderr and,
// when logFile is set, appending to that file.
func CreateLogger(logFile string, logLevel string) Logger {
	log := logrus.New()
	log.SetLevel(parseLevel(logLevel))
	log.SetFormatter(&CustomFormatter{
		TimestampFormat: "15:04:05",
		DisableColors:   false,
	})
	log.SetOutput(os.Stderr)

	if logFile != "" {
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			log.SetOutput(io.MultiWriter(os.Stderr, file))
		}
	}

	return &UnitLogger{logger: log}
}

// CreateLoggerWithOutput creates a logger with custom output (for testing).
// A nil output discards everything.
func CreateLoggerWithOutput(logLevel string, output io.Writer) Logger {
	log := logrus.New()
	log.SetLevel(parseLevel(logLevel))
	log.SetFormatter(&CustomFormatter{
		TimestampFormat: "15:04:05",
		DisableColors:   true,
	})
	if output == nil {
		output = io.Discard
	}
	log.SetOutput(output)

	return &UnitLogger{logger: log}
}

// NewNopLogger returns a logger that drops every message
func NewNopLogger() Logger {
	return CreateLoggerWithOutput("error", io.Discard)
}

func parseLevel(logLevel string) logrus.Level {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// WithUnit creates a new logger scoped to a unit of work
func (l *UnitLogger) WithUnit(unitID string) Logger {
	return &UnitLogger{
		logger: l.logger,
		unitID: unitID,
	}
}

func (l *UnitLogger) convertFields(fields []Field) logrus.Fields {
	result := make(logrus.Fields, len(fields)+1)
	if l.unitID != "" {
		result["unit"] = l.unitID
	}
	for _, f := range fields {
		result[f.Key] = f.Value
	}
	return result
}

// Info logs an info message
func (l *UnitLogger) Info(message string, fields ...Field) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.logger.WithFields(l.convertFields(fields)).Info(message)
}

// Error logs an error message
func (l *UnitLogger) Error(message string, fields ...Field) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.logger.WithFields(l.convertFields(fields)).Error(message)
}

// Warn logs a warning message
func (l *UnitLogger) Warn(message string, fields ...Field) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.logger.WithFields(l.convertFields(fields)).Warn(message)
}

// Debug logs a debug message
func (l *UnitLogger) Debug(message string, fields ...Field) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.logger.WithFields(l.convertFields(fields)).Debug(message)
}

// Success logs a success message (info level with special formatting)
func (l *UnitLogger) Success(message string, fields ...Field) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.logger.WithFields(l.convertFields(fields)).Info("✅ " + message)
}
