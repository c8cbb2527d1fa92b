package logger

import (
	"fmt"
	"strings"
)

// BadgerLogger adapts the package logger to badger.Logger so the block index
// writes into the same sink as the rest of the engine.
//
// Badger is chatty at INFO (compaction, value log GC), so its info records
// are demoted to DEBUG.
type BadgerLogger struct {
	component string
}

// NewBadgerLogger returns a badger.Logger tagged with the given component.
func NewBadgerLogger(component string) *BadgerLogger {
	return &BadgerLogger{component: component}
}

func (l *BadgerLogger) Errorf(format string, args ...any) {
	Error(trimBadger(format, args), "component", l.component)
}

func (l *BadgerLogger) Warningf(format string, args ...any) {
	Warn(trimBadger(format, args), "component", l.component)
}

func (l *BadgerLogger) Infof(format string, args ...any) {
	Debug(trimBadger(format, args), "component", l.component)
}

func (l *BadgerLogger) Debugf(format string, args ...any) {
	Debug(trimBadger(format, args), "component", l.component)
}

// trimBadger formats a badger message and drops its trailing newline.
func trimBadger(format string, args []any) string {
	return strings.TrimRight(fmt.Sprintf(format, args...), "\n")
}
