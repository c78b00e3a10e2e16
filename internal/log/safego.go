package log

import "runtime/debug"

// SafeGo launches fn on a new goroutine with panic recovery.
// A recovered panic is logged with the goroutine's name and stack trace
// instead of crashing the process. Background loops throughout the runtime
// are started through this helper.
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				Error(CatOrch, "Goroutine panic recovered",
					"goroutine", name,
					"panic", r,
					"stack", string(debug.Stack()))
			}
		}()
		fn()
	}()
}
