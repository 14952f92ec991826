// Package recovery keeps a panicking handler or background sweep from
// taking down a live call.
//
// Routing handlers are registered at runtime by the host application, so the
// dispatcher cannot trust them not to panic. The TTL sweep runs unattended
// for the life of the process. Both run through these helpers.
package recovery

import (
	"fmt"
	"runtime/debug"
)

// Logger is the logging contract used by the recovery helpers.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// PanicError is returned when a recovered function panicked.
type PanicError struct {
	Operation string
	Value     any
}

// Error returns a string representation of the panic.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Operation, e.Value)
}

// SafeExecute runs fn and converts a panic into a *PanicError.
func SafeExecute(logger Logger, operation string, fn func() error) error {
	_, err := SafeExecuteWithResult(logger, operation, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// SafeExecuteWithResult runs fn and converts a panic into a *PanicError.
// On panic the zero value of T is returned.
func SafeExecuteWithResult[T any](logger Logger, operation string, fn func() (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			if logger != nil {
				logger.Error("panic_recovered",
					"operation", operation,
					"panic", r,
					"stack", string(debug.Stack()),
				)
			}
			var zero T
			result = zero
			err = &PanicError{Operation: operation, Value: r}
		}
	}()
	return fn()
}

// SafeGo runs fn in a goroutine. A panic is logged and handed to onPanic.
func SafeGo(logger Logger, operation string, fn func(), onPanic func(recovered any)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				if logger != nil {
					logger.Error("goroutine_panic_recovered",
						"operation", operation,
						"panic", r,
						"stack", string(debug.Stack()),
					)
				}
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}
