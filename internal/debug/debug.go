// Package debug reports invariant violations that the engine cannot recover
// from: device I/O failures, timer arm failures, pin count underflow and
// blocker pool misuse.
//
// Violations are logged at ERROR with the caller's context fields and then
// raised as a panic carrying a *Violation, so the process stops unless a
// test deliberately recovers it.
package debug

import (
	"fmt"
	"strings"

	"github.com/marmos91/extentdb/internal/logger"
)

// Violation is the panic value raised by Assert and Fatal.
type Violation struct {
	Msg  string
	Args []any
}

func (v *Violation) Error() string {
	if len(v.Args) == 0 {
		return "invariant violated: " + v.Msg
	}
	var b strings.Builder
	b.WriteString("invariant violated: ")
	b.WriteString(v.Msg)
	for i := 0; i+1 < len(v.Args); i += 2 {
		fmt.Fprintf(&b, " %v=%v", v.Args[i], v.Args[i+1])
	}
	return b.String()
}

// Assert raises a Violation when cond is false.
// args are slog-style key/value pairs describing the failing state.
func Assert(cond bool, msg string, args ...any) {
	if cond {
		return
	}
	Fatal(msg, args...)
}

// Fatal logs msg with args and panics with a *Violation.
func Fatal(msg string, args ...any) {
	logger.Error(msg, args...)
	panic(&Violation{Msg: msg, Args: args})
}
