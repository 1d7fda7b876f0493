// Package safego spawns goroutines that survive panics. A panicking
// goroutine is logged with its stack and exits cleanly instead of taking
// down the process and every live stream with it.
package safego

import (
	"go.uber.org/zap"
)

// Go launches fn on a new goroutine with panic recovery. name identifies the
// goroutine in the panic log.
func Go(logger *zap.Logger, name string, fn func()) {
	if logger == nil {
		logger = zap.NewNop()
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Goroutine panicked",
					zap.String("goroutine", name),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
			}
		}()
		fn()
	}()
}
