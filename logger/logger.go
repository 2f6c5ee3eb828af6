package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	TRACE LogLevel = iota // Raw PDUs, channel reads/writes
	DEBUG                 // Protocol steps (discovery batches, subscriptions)
	INFO                  // High-level events (connect, ready, disconnect)
	WARN                  // Warnings
	ERROR                 // Errors
)

var (
	currentLevel LogLevel = INFO
	mu           sync.RWMutex
	base         = newBase()
)

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	l.SetLevel(logrus.TraceLevel)
	if lvl := os.Getenv("GATTLINK_LOG_LEVEL"); lvl != "" {
		currentLevel = ParseLevel(lvl)
	}
	return l
}

// SetLevel sets the global log level
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
}

// GetLevel returns the current log level
func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// SetOutput redirects all log output (tests use io.Discard)
func SetOutput(w io.Writer) {
	base.SetOutput(w)
}

// ParseLevel converts a string to a LogLevel
func ParseLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "TRACE":
		return TRACE
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

func (l LogLevel) logrus() logrus.Level {
	switch l {
	case TRACE:
		return logrus.TraceLevel
	case DEBUG:
		return logrus.DebugLevel
	case INFO:
		return logrus.InfoLevel
	case WARN:
		return logrus.WarnLevel
	default:
		return logrus.ErrorLevel
	}
}

func log(level LogLevel, prefix, format string, args ...interface{}) {
	if level < GetLevel() {
		return
	}

	entry := logrus.NewEntry(base)
	if prefix != "" {
		entry = entry.WithField("component", prefix)
	}
	entry.Log(level.logrus(), fmt.Sprintf(format, args...))
}

// Trace logs a trace message (raw PDUs)
func Trace(prefix, format string, args ...interface{}) {
	log(TRACE, prefix, format, args...)
}

// Debug logs a debug message (protocol steps)
func Debug(prefix, format string, args ...interface{}) {
	log(DEBUG, prefix, format, args...)
}

// Info logs an info message (high-level events)
func Info(prefix, format string, args ...interface{}) {
	log(INFO, prefix, format, args...)
}

// Warn logs a warning message
func Warn(prefix, format string, args ...interface{}) {
	log(WARN, prefix, format, args...)
}

// Error logs an error message
func Error(prefix, format string, args ...interface{}) {
	log(ERROR, prefix, format, args...)
}

// ToJSON converts any value to a pretty-printed JSON string for logging
func ToJSON(v interface{}) string {
	if msg, ok := v.(proto.Message); ok {
		marshaler := protojson.MarshalOptions{
			Multiline:       true,
			Indent:          "  ",
			EmitUnpopulated: false,
		}
		jsonBytes, err := marshaler.Marshal(msg)
		if err != nil {
			return fmt.Sprintf("<error: %v>", err)
		}
		return string(jsonBytes)
	}

	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("<error: %v>", err)
	}
	return string(jsonBytes)
}

// TraceJSON logs a trace message with a JSON representation
func TraceJSON(prefix, label string, v interface{}) {
	if GetLevel() > TRACE {
		return
	}
	log(TRACE, prefix, "%s:\n%s", label, ToJSON(v))
}

// DebugJSON logs a debug message with a JSON representation
func DebugJSON(prefix, label string, v interface{}) {
	if GetLevel() > DEBUG {
		return
	}
	log(DEBUG, prefix, "%s:\n%s", label, ToJSON(v))
}
