// Package logging provides structured logging for the Action Unit core.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
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

// ParseLevel maps a config string (case-insensitive) to a LogLevel.
// Unknown values fall back to LevelInfo.
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l LogLevel) logrus() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Logger provides structured JSON logging.
type Logger struct {
	entry *logrus.Logger
}

// Options configures a file-backed logger.
type Options struct {
	Level      LogLevel
	File       string // empty means stdout
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	// global logger instance
	global *Logger
	once   sync.Once
	mu     sync.Mutex
)

// New creates a logger writing JSON lines to out.
func New(out io.Writer, minLevel LogLevel) *Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "timestamp",
			logrus.FieldKeyMsg:  "message",
		},
	})
	l.SetLevel(minLevel.logrus())
	return &Logger{entry: l}
}

// NewFromOptions builds a logger; a non-empty File rotates through lumberjack.
func NewFromOptions(opts Options) *Logger {
	var out io.Writer = os.Stdout
	if opts.File != "" {
		out = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		}
	}
	return New(out, opts.Level)
}

// Init initializes the global logger. Only the first call has an effect.
func Init(out io.Writer, minLevel LogLevel) {
	once.Do(func() {
		mu.Lock()
		global = New(out, minLevel)
		mu.Unlock()
	})
}

// SetGlobal replaces the global logger, used when configuration is loaded.
func SetGlobal(l *Logger) {
	once.Do(func() {})
	mu.Lock()
	global = l
	mu.Unlock()
}

// Get returns the global logger instance.
func Get() *Logger {
	Init(os.Stdout, LevelInfo)
	mu.Lock()
	defer mu.Unlock()
	return global
}

// SetLevel changes the minimum level at runtime.
func (l *Logger) SetLevel(level LogLevel) {
	l.entry.SetLevel(level.logrus())
}

// Level returns the current minimum level.
func (l *Logger) Level() LogLevel {
	switch l.entry.GetLevel() {
	case logrus.DebugLevel, logrus.TraceLevel:
		return LevelDebug
	case logrus.WarnLevel:
		return LevelWarn
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return LevelError
	default:
		return LevelInfo
	}
}

func (l *Logger) with(context []map[string]interface{}) *logrus.Entry {
	return l.entry.WithFields(logrus.Fields(mergeContext(context...)))
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.with(context).Debug(message)
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.with(context).Info(message)
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.with(context).Warn(message)
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	e := l.with(context)
	if err != nil {
		e = e.WithError(err)
	}
	e.Error(message)
}

// ErrorWithCode logs an error message tagged with an error code.
func (l *Logger) ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	e := l.with(context).WithField("code", code)
	if err != nil {
		e = e.WithError(err)
	}
	e.Error(message)
}

// mergeContext merges multiple context maps; nil maps are skipped.
func mergeContext(context ...map[string]interface{}) map[string]interface{} {
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

func ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	Get().ErrorWithCode(message, code, err, context...)
}
