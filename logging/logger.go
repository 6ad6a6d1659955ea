// Package logging provides the structured logger used by the pipeline and
// its session adapters.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// String returns the string representation of the log level.
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
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel converts a string to a LogLevel. Unknown strings map to INFO.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

func (l LogLevel) filter() level.Option {
	switch l {
	case DEBUG:
		return level.AllowDebug()
	case WARN:
		return level.AllowWarn()
	case ERROR:
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}

// Field represents a structured log field.
type Field struct {
	Key   string
	Value interface{}
}

// Helper functions for creating fields
func String(key, val string) Field          { return Field{Key: key, Value: val} }
func Int(key string, val int) Field         { return Field{Key: key, Value: val} }
func Int64(key string, val int64) Field     { return Field{Key: key, Value: val} }
func Uint64(key string, val uint64) Field   { return Field{Key: key, Value: val} }
func Float64(key string, val float64) Field { return Field{Key: key, Value: val} }
func Bool(key string, val bool) Field       { return Field{Key: key, Value: val} }
func Duration(key string, val time.Duration) Field {
	return Field{Key: key, Value: val.String()}
}
func Error(key string, err error) Field {
	if err == nil {
		return Field{Key: key, Value: nil}
	}
	return Field{Key: key, Value: err.Error()}
}

// Logger is the interface for structured logging.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	WithFields(fields ...Field) Logger
}

// kitLogger implements Logger on top of a go-kit logger.
type kitLogger struct {
	base log.Logger
}

// NewLogger creates a JSON logger with the specified level and output.
// A nil output writes to stdout.
func NewLogger(lvl string, output io.Writer) Logger {
	if output == nil {
		output = os.Stdout
	}

	base := log.NewJSONLogger(log.NewSyncWriter(output))
	base = log.With(base, "ts", log.DefaultTimestampUTC)
	base = level.NewFilter(base, ParseLogLevel(lvl).filter())

	return &kitLogger{base: base}
}

// NewDefaultLogger creates a logger with INFO level writing to stdout.
func NewDefaultLogger() Logger {
	return NewLogger("INFO", os.Stdout)
}

// NewGoKitLogger adapts an existing go-kit logger. Level filtering is left to
// the caller's logger.
func NewGoKitLogger(l log.Logger) Logger {
	if l == nil {
		return NewNopLogger()
	}
	return &kitLogger{base: l}
}

func (l *kitLogger) Debug(msg string, fields ...Field) {
	l.log(level.Debug(l.base), msg, fields)
}

func (l *kitLogger) Info(msg string, fields ...Field) {
	l.log(level.Info(l.base), msg, fields)
}

func (l *kitLogger) Warn(msg string, fields ...Field) {
	l.log(level.Warn(l.base), msg, fields)
}

func (l *kitLogger) Error(msg string, fields ...Field) {
	l.log(level.Error(l.base), msg, fields)
}

func (l *kitLogger) WithFields(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	return &kitLogger{base: log.With(l.base, keyvals(fields)...)}
}

func (l *kitLogger) log(dst log.Logger, msg string, fields []Field) {
	kv := make([]interface{}, 0, 2+2*len(fields))
	kv = append(kv, "msg", msg)
	kv = append(kv, keyvals(fields)...)
	_ = dst.Log(kv...)
}

// keyvals flattens fields into go-kit key/value pairs, masking sensitive keys.
func keyvals(fields []Field) []interface{} {
	kv := make([]interface{}, 0, 2*len(fields))
	for _, f := range redactSensitiveFields(fields) {
		kv = append(kv, f.Key, f.Value)
	}
	return kv
}

// redactSensitiveFields masks values for sensitive keys.
func redactSensitiveFields(fields []Field) []Field {
	sensitiveKeys := map[string]bool{
		"password":      true,
		"token":         true,
		"secret":        true,
		"authorization": true,
		"api_key":       true,
		"apikey":        true,
		"auth":          true,
	}

	result := make([]Field, len(fields))
	for i, field := range fields {
		if sensitiveKeys[strings.ToLower(field.Key)] {
			result[i] = Field{Key: field.Key, Value: "[REDACTED]"}
		} else {
			result[i] = field
		}
	}

	return result
}

// nopLogger implements Logger but does nothing.
type nopLogger struct{}

func (n *nopLogger) Debug(msg string, fields ...Field) {}
func (n *nopLogger) Info(msg string, fields ...Field)  {}
func (n *nopLogger) Warn(msg string, fields ...Field)  {}
func (n *nopLogger) Error(msg string, fields ...Field) {}
func (n *nopLogger) WithFields(fields ...Field) Logger { return n }

// NewNopLogger creates a logger that discards all output.
func NewNopLogger() Logger {
	return &nopLogger{}
}
