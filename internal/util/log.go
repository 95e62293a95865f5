// Package util provides logging, metrics and small shared helpers.
package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by the pterm default logger.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...any) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...any) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...any) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...any) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...any) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// Logger prefixes every line with a fixed tag, e.g. a peer session id.
type Logger struct {
	tag string
}

// NewLogger returns a Logger that prefixes lines with "[tag] ".
func NewLogger(tag string) *Logger {
	return &Logger{tag: tag}
}

func (l *Logger) Debugf(format string, args ...any) {
	LogDebug("[%s] %s", l.tag, fmt.Sprintf(format, args...))
}

func (l *Logger) Infof(format string, args ...any) {
	LogInfo("[%s] %s", l.tag, fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...any) {
	LogWarning("[%s] %s", l.tag, fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...any) {
	LogError("[%s] %s", l.tag, fmt.Sprintf(format, args...))
}
