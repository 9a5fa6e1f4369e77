package lmsconnect

import "log"

// LogLevel defines the level of logging
type LogLevel int

const (
	// LogLevelError only shows error messages
	LogLevelError LogLevel = iota
	// LogLevelWarn shows warning and error messages
	LogLevelWarn
	// LogLevelInfo shows info and error messages
	LogLevelInfo
	// LogLevelDebug shows all messages including debug
	LogLevelDebug
	// LogLevelTrace shows all messages including trace
	LogLevelTrace
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelError:
		return "Error"
	case LogLevelWarn:
		return "Warn"
	case LogLevelInfo:
		return "Info"
	case LogLevelDebug:
		return "Debug"
	case LogLevelTrace:
		return "Trace"
	default:
		return "Unknown"
	}
}

// Logger is the interface for logging, it can be overridden by the client code
type Logger interface {
	SetLevel(level LogLevel)
	Error(format string, v ...interface{})
	Warn(format string, v ...interface{})
	Info(format string, v ...interface{})
	Debug(format string, v ...interface{})
	Trace(format string, v ...interface{})
}

// defaultLogger is a simple logging facility with support for different log levels
type defaultLogger struct {
	level LogLevel
}

// NewLogger creates a new logger with the specified log level
func NewLogger(level LogLevel) *defaultLogger {
	return &defaultLogger{
		level: level,
	}
}

func (l *defaultLogger) SetLevel(level LogLevel) {
	l.level = level
}

func (l *defaultLogger) Error(format string, v ...interface{}) {
	// Error messages are always shown
	log.Printf("[ERROR] "+format, v...)
}

// Warn logs a warning message if the log level is Warn or higher
func (l *defaultLogger) Warn(format string, v ...interface{}) {
	if l.level >= LogLevelWarn {
		log.Printf("[WARN] "+format, v...)
	}
}

func (l *defaultLogger) Info(format string, v ...interface{}) {
	if l.level >= LogLevelInfo {
		log.Printf("[INFO] "+format, v...)
	}
}

func (l *defaultLogger) Debug(format string, v ...interface{}) {
	if l.level >= LogLevelDebug {
		log.Printf("[DEBUG] "+format, v...)
	}
}

func (l *defaultLogger) Trace(format string, v ...interface{}) {
	if l.level >= LogLevelTrace {
		log.Printf("[TRACE] "+format, v...)
	}
}
