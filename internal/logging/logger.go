package logging

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	levelDebug = iota
	levelInfo
	levelWarn
	levelError
)

// Fields captures structured context for JSON log entries.
// Worker and Slot are pointers so that index 0 is still emitted.
type Fields struct {
	RunID     string `json:"run_id,omitempty"`
	Component string `json:"component,omitempty"`
	Worker    *int   `json:"worker,omitempty"`
	Slot      *int   `json:"slot,omitempty"`
	Command   string `json:"command,omitempty"`
	PID       int    `json:"pid,omitempty"`
	Count     int    `json:"count,omitempty"`
	Error     string `json:"error,omitempty"`
}

type entry struct {
	Timestamp string `json:"ts"`
	Level     string `json:"level"`
	Message   string `json:"msg"`
	Fields
}

var (
	mu       sync.RWMutex
	logger   = log.New(os.Stderr, "", 0)
	minLevel = levelFromEnv()
)

// Int returns a pointer for the Worker and Slot fields.
func Int(v int) *int {
	return &v
}

// Err renders err for the Error field.
func Err(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// SetLevel overrides the level taken from VECENV_LOG_LEVEL.
func SetLevel(level string) {
	mu.Lock()
	defer mu.Unlock()
	minLevel = levelValue(strings.ToLower(level))
}

// SetOutput redirects log entries, e.g. to a buffer in tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	logger.SetOutput(w)
}

// Debug logs a debug-level message.
func Debug(msg string, fields Fields) {
	logWithLevel("debug", msg, fields)
}

// Info logs an info-level message.
func Info(msg string, fields Fields) {
	logWithLevel("info", msg, fields)
}

// Warn logs a warning. Use for recoverable failures such as a worker
// that needed to be killed during shutdown.
func Warn(msg string, fields Fields) {
	logWithLevel("warn", msg, fields)
}

// Error logs an error-level message.
func Error(msg string, fields Fields) {
	logWithLevel("error", msg, fields)
}

func logWithLevel(level string, msg string, fields Fields) {
	if msg == "" {
		return
	}
	mu.RLock()
	defer mu.RUnlock()
	if levelValue(level) < minLevel {
		return
	}

	out := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Message:   msg,
		Fields:    fields,
	}
	payload, err := json.Marshal(out)
	if err != nil {
		logger.Printf("{\"level\":\"error\",\"msg\":\"log_marshal_failed\",\"error\":%q}", err.Error())
		return
	}
	logger.Print(string(payload))
}

func levelFromEnv() int {
	envLevel := strings.ToLower(os.Getenv("VECENV_LOG_LEVEL"))
	if envLevel == "" {
		envLevel = "info"
	}
	return levelValue(envLevel)
}

func levelValue(level string) int {
	switch level {
	case "debug":
		return levelDebug
	case "info":
		return levelInfo
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}
