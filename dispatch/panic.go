package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
)

// PanicError wraps a recovered panic so it can travel through the normal
// error-return path instead of crashing the process — the Dispatcher's
// goroutines run on behalf of a host application that must stay up even
// if one adapter call panics on malformed upstream data.
type PanicError struct {
	Value      interface{}
	StackTrace string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic recovered: %v", e.Value)
}

func (e *PanicError) Unwrap() error { return nil }

// LogFields converts PanicError to structured log fields, truncating the
// stack trace so one panic doesn't flood the log line.
func (e *PanicError) LogFields() []Field {
	fields := []Field{
		F("error_type", "panic"),
		F("panic_value", fmt.Sprintf("%v", e.Value)),
	}
	if len(e.StackTrace) > 500 {
		fields = append(fields, F("stack_trace", e.StackTrace[:500]+"..."), F("stack_trace_full_length", len(e.StackTrace)))
	} else if e.StackTrace != "" {
		fields = append(fields, F("stack_trace", e.StackTrace))
	}
	return fields
}

// RecoverInto converts a live panic into *errPtr, for use with defer at
// the top of a function that must never crash its caller's goroutine:
//
//	func (d *Dispatcher) Send(ctx context.Context, req *NormalizedRequest) (resp *NormalizedResponse, err error) {
//	    defer RecoverInto(&err, nil)
//	    ...
//	}
func RecoverInto(errPtr *error, logger Logger) {
	r := recover()
	if r == nil {
		return
	}
	panicErr := &PanicError{Value: r, StackTrace: string(debug.Stack())}
	*errPtr = panicErr
	if logger != nil {
		logger.Error(context.Background(), "panic recovered", panicErr.LogFields()...)
	}
}
