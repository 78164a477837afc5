package utils

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Trap returns a child of parent that is cancelled on the first SIGINT or
// SIGTERM. onSignal, if not nil, sees the signal first. Calling the returned
// cancel releases the handler.
func Trap(parent context.Context, onSignal func(os.Signal)) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(c)
		select {
		case sig := <-c:
			if onSignal != nil {
				onSignal(sig)
			}
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
