package concurrency

import (
	"log/slog"
	"runtime/debug"
)

// SafeGo starts fn on a goroutine that recovers and logs any panic, so
// a background task like the cache warm-up cannot take the agent down
// with it. onPanic, when non-nil, receives the recovered value.
func SafeGo(fn func(), onPanic func(interface{})) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				slog.Error("Panic recovered", "panic", r, "stack", string(stack))
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}
