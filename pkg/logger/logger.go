package logger

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = map[Level]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

var (
	mu    sync.Mutex
	out   io.Writer = os.Stderr
	level           = LevelInfo
)

// SetLevel sets the global minimum log level.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

// SetLevelName sets the level from a string ("debug", "info", "warn", "error").
// Unknown values keep the current level.
func SetLevelName(name string) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		SetLevel(LevelDebug)
	case "info":
		SetLevel(LevelInfo)
	case "warn", "warning":
		SetLevel(LevelWarn)
	case "error":
		SetLevel(LevelError)
	}
}

// SetOutput redirects log output, mainly for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

func log(l Level, component, msg string, fields map[string]any) {
	mu.Lock()
	defer mu.Unlock()
	if l < level {
		return
	}

	var b strings.Builder
	b.WriteString(time.Now().Format("2006-01-02 15:04:05"))
	b.WriteString(" ")
	b.WriteString(levelNames[l])
	b.WriteString(" [")
	b.WriteString(component)
	b.WriteString("] ")
	b.WriteString(msg)

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, fields[k])
		}
	}
	fmt.Fprintln(out, b.String())
}

func DebugC(component, msg string)                          { log(LevelDebug, component, msg, nil) }
func InfoC(component, msg string)                           { log(LevelInfo, component, msg, nil) }
func WarnC(component, msg string)                           { log(LevelWarn, component, msg, nil) }
func ErrorC(component, msg string)                          { log(LevelError, component, msg, nil) }
func DebugCF(component, msg string, fields map[string]any)  { log(LevelDebug, component, msg, fields) }
func InfoCF(component, msg string, fields map[string]any)   { log(LevelInfo, component, msg, fields) }
func WarnCF(component, msg string, fields map[string]any)   { log(LevelWarn, component, msg, fields) }
func ErrorCF(component, msg string, fields map[string]any)  { log(LevelError, component, msg, fields) }
