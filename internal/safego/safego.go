// Package safego starts background goroutines that cannot take the process down.
package safego

import (
	"log/slog"
	"runtime/debug"
)

// Go runs fn on a new goroutine. A panic inside fn is recovered and logged
// with the task name and stack so the server keeps serving requests.
func Go(task string, fn func()) {
	go func() {
		defer Recover(task)
		fn()
	}()
}

// Recover logs a recovered panic. It must be deferred directly.
func Recover(task string) {
	if r := recover(); r != nil {
		slog.Error("recovered panic in background goroutine",
			"task", task,
			"panic", r,
			"stack", string(debug.Stack()),
		)
	}
}
