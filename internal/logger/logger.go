// Package logger provides the leveled logger shared by the CLI and the
// posting engine. It mirrors the teacher's internal/infra/logger: a thin
// wrapper around the standard log.Logger with a level gate and an optional
// stdout echo, so progress output printed by the CLI isn't drowned out by
// debug spam.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

type Logger struct {
	out           *log.Logger
	level         Level
	includeStdout bool
}

// New builds a Logger that writes to w (typically a file) and, if
// includeStdout is true, echoes Info-and-above lines to stdout as well.
func New(w io.Writer, level Level, includeStdout bool) *Logger {
	return &Logger{
		out:           log.New(w, "", 0),
		level:         level,
		includeStdout: includeStdout,
	}
}

// NewFile opens (or creates) filePath for appending and returns a Logger
// backed by it.
func NewFile(filePath string, level Level, includeStdout bool) (*Logger, error) {
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return New(f, level, includeStdout), nil
}

func ParseLevel(lvl string) Level {
	switch strings.ToLower(lvl) {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l *Logger) log(lvl Level, prefix string, format string, v ...any) {
	if lvl < l.level {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	msg := fmt.Sprintf(format, v...)
	fullMsg := fmt.Sprintf("%s [%s] %s", timestamp, prefix, msg)

	l.out.Println(fullMsg)

	if l.includeStdout && lvl >= LevelInfo {
		fmt.Println(fullMsg)
	}
}

func (l *Logger) Debug(f string, v ...any) { l.log(LevelDebug, "DEBUG", f, v...) }
func (l *Logger) Info(f string, v ...any)  { l.log(LevelInfo, "INFO", f, v...) }
func (l *Logger) Warn(f string, v ...any)  { l.log(LevelWarn, "WARN", f, v...) }
func (l *Logger) Error(f string, v ...any) { l.log(LevelError, "ERROR", f, v...) }
func (l *Logger) Fatal(f string, v ...any) { l.log(LevelFatal, "FATAL", f, v...); os.Exit(1) }

// Write lets the Logger double as an io.Writer, the way libraries that want
// to adopt an external logger expect.
func (l *Logger) Write(p []byte) (n int, err error) {
	if msg := strings.TrimSpace(string(p)); msg != "" {
		l.Info("%s", msg)
	}
	return len(p), nil
}
