package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// log levels in increasing severity
var levelRank = map[string]int{
	"debug": 0,
	"info":  1,
	"warn":  2,
	"error": 3,
}

// StdLogger writes structured JSON lines to an io.Writer. It is the
// production Logger implementation; components receive it as core.Logger
// and nil-check before use.
//
// Configuration priority:
//  1. Explicit parameters (highest)
//  2. Environment variables (DRIPTIDE_LOG_LEVEL, DRIPTIDE_LOG_FORMAT)
//  3. Defaults (info, json)
type StdLogger struct {
	mu        sync.Mutex
	out       io.Writer
	level     int
	format    string // "json" or "text"
	service   string
	component string
}

// LoggerOption configures a StdLogger.
type LoggerOption func(*StdLogger)

// WithLogOutput redirects log output (tests).
func WithLogOutput(w io.Writer) LoggerOption {
	return func(l *StdLogger) { l.out = w }
}

// WithLogLevel overrides the minimum level ("debug", "info", "warn", "error").
func WithLogLevel(level string) LoggerOption {
	return func(l *StdLogger) {
		if rank, ok := levelRank[strings.ToLower(level)]; ok {
			l.level = rank
		}
	}
}

// WithLogFormat selects "json" (default) or "text".
func WithLogFormat(format string) LoggerOption {
	return func(l *StdLogger) { l.format = format }
}

// NewLogger creates the default structured logger for a service.
func NewLogger(service string, opts ...LoggerOption) *StdLogger {
	l := &StdLogger{
		out:     os.Stdout,
		level:   levelRank["info"],
		format:  "json",
		service: service,
	}
	if v := os.Getenv("DRIPTIDE_LOG_LEVEL"); v != "" {
		if rank, ok := levelRank[strings.ToLower(v)]; ok {
			l.level = rank
		}
	}
	if v := os.Getenv("DRIPTIDE_LOG_FORMAT"); v != "" {
		l.format = v
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WithComponent returns a logger scoped to a named component.
func (l *StdLogger) WithComponent(component string) Logger {
	clone := &StdLogger{
		out:       l.out,
		level:     l.level,
		format:    l.format,
		service:   l.service,
		component: component,
	}
	return clone
}

func (l *StdLogger) Info(msg string, fields map[string]interface{})  { l.log("info", msg, fields) }
func (l *StdLogger) Warn(msg string, fields map[string]interface{})  { l.log("warn", msg, fields) }
func (l *StdLogger) Error(msg string, fields map[string]interface{}) { l.log("error", msg, fields) }
func (l *StdLogger) Debug(msg string, fields map[string]interface{}) { l.log("debug", msg, fields) }

func (l *StdLogger) log(level, msg string, fields map[string]interface{}) {
	if levelRank[level] < l.level {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.format == "text" {
		line := fmt.Sprintf("%s [%s] %s", time.Now().UTC().Format(time.RFC3339), strings.ToUpper(level), msg)
		if l.component != "" {
			line += " component=" + l.component
		}
		for k, v := range fields {
			line += fmt.Sprintf(" %s=%v", k, v)
		}
		fmt.Fprintln(l.out, line)
		return
	}

	entry := map[string]interface{}{
		"ts":      time.Now().UTC().Format(time.RFC3339Nano),
		"level":   level,
		"service": l.service,
		"msg":     msg,
	}
	if l.component != "" {
		entry["component"] = l.component
	}
	for k, v := range fields {
		entry[k] = v
	}
	data, err := json.Marshal(entry)
	if err != nil {
		// Fields with unmarshalable values fall back to a plain line.
		fmt.Fprintf(l.out, `{"ts":%q,"level":%q,"msg":%q,"log_error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano), level, msg, err.Error())
		return
	}
	l.out.Write(append(data, '\n'))
}

var (
	_ Logger               = (*StdLogger)(nil)
	_ ComponentAwareLogger = (*StdLogger)(nil)
	_ Logger               = (*NoOpLogger)(nil)
)

// ComponentLogger scopes a logger to a component when the implementation
// supports it, otherwise returns the logger unchanged. Never returns nil.
func ComponentLogger(logger Logger, component string) Logger {
	if logger == nil {
		return &NoOpLogger{}
	}
	if cal, ok := logger.(ComponentAwareLogger); ok {
		return cal.WithComponent(component)
	}
	return logger
}
