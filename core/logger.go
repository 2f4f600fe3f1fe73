package core

import (
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel controls which messages a JSONLogger emits.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// ParseLogLevel maps a level name to a LogLevel, defaulting to info.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DebugLevel
	case "WARN", "WARNING":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// JSONLogger writes one JSON object per line to stderr. It implements
// ComponentAwareLogger so subsystems can attribute their output.
type JSONLogger struct {
	level     LogLevel
	component string
	mu        *sync.Mutex
	out       *os.File
}

// NewJSONLogger creates a logger at the given level.
func NewJSONLogger(level LogLevel) *JSONLogger {
	return &JSONLogger{
		level: level,
		mu:    &sync.Mutex{},
		out:   os.Stderr,
	}
}

// NewDefaultLogger creates a JSONLogger at the level named by LOOM_LOG_LEVEL.
func NewDefaultLogger() *JSONLogger {
	return NewJSONLogger(ParseLogLevel(os.Getenv("LOOM_LOG_LEVEL")))
}

// WithComponent returns a logger whose output carries a component field.
func (l *JSONLogger) WithComponent(component string) Logger {
	return &JSONLogger{
		level:     l.level,
		component: component,
		mu:        l.mu,
		out:       l.out,
	}
}

func (l *JSONLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(DebugLevel, "debug", msg, fields)
}

func (l *JSONLogger) Info(msg string, fields map[string]interface{}) {
	l.log(InfoLevel, "info", msg, fields)
}

func (l *JSONLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(WarnLevel, "warn", msg, fields)
}

func (l *JSONLogger) Error(msg string, fields map[string]interface{}) {
	l.log(ErrorLevel, "error", msg, fields)
}

func (l *JSONLogger) log(level LogLevel, name, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	entry := make(map[string]interface{}, len(fields)+4)
	for k, v := range fields {
		entry[k] = v
	}
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = name
	entry["msg"] = msg
	if l.component != "" {
		entry["component"] = l.component
	}

	data, err := json.Marshal(entry)
	if err != nil {
		// Fields with unmarshalable values fall back to the message alone.
		data, _ = json.Marshal(map[string]string{"level": name, "msg": msg})
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.out.Write(append(data, '\n'))
}
