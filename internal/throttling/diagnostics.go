package throttling

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Diagnostics receives scheduler lifecycle signals.
//
// Calls are made synchronously from Schedule/Remove/Dispose and from firing
// goroutines; implementations must be fast and safe for concurrent use.
type Diagnostics interface {
	TimerCreated(interval time.Duration)
	TimerRemoved()
	TimerDisposeFailure(detail string)
	ActionFailure(name, detail string)
}

type nopDiagnostics struct{}

func (nopDiagnostics) TimerCreated(time.Duration)   {}
func (nopDiagnostics) TimerRemoved()                {}
func (nopDiagnostics) TimerDisposeFailure(string)   {}
func (nopDiagnostics) ActionFailure(string, string) {}

// PanicError carries a value recovered from a panicking release hook or action.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// FormatFailure renders an error or recovered panic value as a stable,
// locale-free string of the form "<type>: <message>".
//
// For wrapped errors the innermost error type is reported.
func FormatFailure(v any) string {
	switch x := v.(type) {
	case nil:
		return "<nil>"
	case *PanicError:
		return FormatFailure(x.Value)
	case error:
		root := x
		for {
			next := errors.Unwrap(root)
			if next == nil {
				break
			}
			root = next
		}
		return fmt.Sprintf("%T: %s", root, strings.TrimSpace(x.Error()))
	case string:
		return "string: " + x
	default:
		return fmt.Sprintf("%T: %v", x, x)
	}
}
