package utils

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
)

// LogLevel represents an enumeration of log levels
type LogLevel int32

const (
	Debug   LogLevel = 10
	Info    LogLevel = 20
	Warning LogLevel = 30
	Error   LogLevel = 40
)

// Logger provides leveled key-value logging with a component prefix
type Logger struct {
	logger *log.Logger
	level  atomic.Int32
}

// NewLogger creates a new logger for a component. Level defaults to
// Info when not given.
func NewLogger(prefix string, level ...LogLevel) *Logger {
	l := &Logger{
		logger: log.New(os.Stdout, fmt.Sprintf("[%s] ", prefix), log.LstdFlags),
	}
	if len(level) > 0 {
		l.level.Store(int32(level[0]))
	} else {
		l.level.Store(int32(Info))
	}
	return l
}

// SetLevel changes the minimum level that gets logged
func (l *Logger) SetLevel(level LogLevel) {
	l.level.Store(int32(level))
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, keyvals ...any) {
	l.log(Debug, "DEBUG", msg, keyvals...)
}

// Info logs an informational message
func (l *Logger) Info(msg string, keyvals ...any) {
	l.log(Info, "INFO", msg, keyvals...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, keyvals ...any) {
	l.log(Warning, "WARN", msg, keyvals...)
}

// Error logs an error message
func (l *Logger) Error(msg string, keyvals ...any) {
	l.log(Error, "ERROR", msg, keyvals...)
}

func (l *Logger) log(level LogLevel, label, msg string, keyvals ...any) {
	if int32(level) < l.level.Load() {
		return
	}

	formatted := fmt.Sprintf("[%s] %s", label, msg)
	for i := 0; i+1 < len(keyvals); i += 2 {
		formatted += fmt.Sprintf(" %v=%v", keyvals[i], keyvals[i+1])
	}
	l.logger.Println(formatted)
}
