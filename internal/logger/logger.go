package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	SILENT // No logging
)

type levelStyle struct {
	name  string
	color string
}

var styles = [...]levelStyle{
	DEBUG:  {"DEBUG", "\033[36m"}, // Cyan
	INFO:   {"INFO", "\033[32m"},  // Green
	WARN:   {"WARN", "\033[33m"},  // Yellow
	ERROR:  {"ERROR", "\033[31m"}, // Red
	SILENT: {"SILENT", ""},
}

const resetColor = "\033[0m"

// Logger writes leveled, module-tagged lines
type Logger struct {
	level    atomic.Int32
	useColor bool
	out      *log.Logger
}

var (
	defaultLogger atomic.Pointer[Logger]
	once          sync.Once
)

// Init installs the process-wide logger. Only the first call has an effect.
func Init(level LogLevel, output io.Writer, useColor bool) {
	once.Do(func() {
		defaultLogger.Store(New(level, output, useColor))
	})
}

// New creates a Logger writing to output, or stderr when output is nil
func New(level LogLevel, output io.Writer, useColor bool) *Logger {
	if output == nil {
		output = os.Stderr
	}
	l := &Logger{
		useColor: useColor,
		out:      log.New(output, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	l.level.Store(int32(level))
	return l
}

// SetLevel changes the log level
func (l *Logger) SetLevel(level LogLevel) { l.level.Store(int32(level)) }

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel { return LogLevel(l.level.Load()) }

func (l *Logger) log(level LogLevel, module string, format string, args ...interface{}) {
	if level < l.GetLevel() || level >= SILENT {
		return
	}
	var b strings.Builder
	if l.useColor {
		b.WriteString(styles[level].color)
	}
	b.WriteByte('[')
	b.WriteString(styles[level].name)
	b.WriteByte(']')
	if l.useColor {
		b.WriteString(resetColor)
	}
	if module != "" {
		b.WriteString(" [")
		b.WriteString(module)
		b.WriteByte(']')
	}
	b.WriteByte(' ')
	fmt.Fprintf(&b, format, args...)
	l.out.Print(b.String())
}

func (l *Logger) Debug(module string, format string, args ...interface{}) {
	l.log(DEBUG, module, format, args...)
}

func (l *Logger) Info(module string, format string, args ...interface{}) {
	l.log(INFO, module, format, args...)
}

func (l *Logger) Warn(module string, format string, args ...interface{}) {
	l.log(WARN, module, format, args...)
}

func (l *Logger) Error(module string, format string, args ...interface{}) {
	l.log(ERROR, module, format, args...)
}

// Module returns a logger bound to a module tag
func (l *Logger) Module(name string) *ModuleLogger {
	return &ModuleLogger{base: l, module: name}
}

// ModuleLogger is a Logger with a fixed module tag. Components take one in their
// constructors instead of reaching for the package-level default.
type ModuleLogger struct {
	base   *Logger
	module string
}

// For returns a ModuleLogger bound to the default logger. Messages are dropped
// until Init has been called.
func For(module string) *ModuleLogger {
	return &ModuleLogger{module: module}
}

func (m *ModuleLogger) emit(level LogLevel, format string, args []interface{}) {
	if m == nil {
		return
	}
	l := m.base
	if l == nil {
		l = defaultLogger.Load()
	}
	if l != nil {
		l.log(level, m.module, format, args...)
	}
}

func (m *ModuleLogger) Debug(format string, args ...interface{}) { m.emit(DEBUG, format, args) }
func (m *ModuleLogger) Info(format string, args ...interface{})  { m.emit(INFO, format, args) }
func (m *ModuleLogger) Warn(format string, args ...interface{})  { m.emit(WARN, format, args) }
func (m *ModuleLogger) Error(format string, args ...interface{}) { m.emit(ERROR, format, args) }

// Package-level helpers log through the default logger.

func SetLevel(level LogLevel) {
	if l := defaultLogger.Load(); l != nil {
		l.SetLevel(level)
	}
}

func GetLevel() LogLevel {
	if l := defaultLogger.Load(); l != nil {
		return l.GetLevel()
	}
	return INFO
}

func Debug(module string, format string, args ...interface{}) {
	For(module).emit(DEBUG, format, args)
}

func Info(module string, format string, args ...interface{}) {
	For(module).emit(INFO, format, args)
}

func Warn(module string, format string, args ...interface{}) {
	For(module).emit(WARN, format, args)
}

func Error(module string, format string, args ...interface{}) {
	For(module).emit(ERROR, format, args)
}

// ParseLevel parses a log level string
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG, nil
	case "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	case "silent", "none":
		return SILENT, nil
	default:
		return INFO, fmt.Errorf("invalid log level: %s", s)
	}
}

func (l LogLevel) String() string {
	if l >= DEBUG && int(l) < len(styles) {
		return styles[l].name
	}
	return "UNKNOWN"
}

// Set implements flag.Value
func (l *LogLevel) Set(s string) error {
	level, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = level
	return nil
}

// UnmarshalYAML accepts the same names as ParseLevel
func (l *LogLevel) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return l.Set(s)
}

// MarshalYAML writes the lower-case level name
func (l LogLevel) MarshalYAML() (interface{}, error) {
	return strings.ToLower(l.String()), nil
}
