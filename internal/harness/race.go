package harness

import (
	"context"
	"fmt"
	"time"
)

const errHardTimeout = "hard-timeout"

// withHardTimeout runs fn in its own goroutine and waits at most d for it.
// When the timer wins, fn's context is cancelled and fn is abandoned. A
// panic inside fn becomes a failed result.
func withHardTimeout(ctx context.Context, d time.Duration, fn func(context.Context) Result) Result {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- Result{OK: false, Error: fmt.Sprint(p)}
			}
		}()
		done <- fn(ctx)
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case res := <-done:
		return res
	case <-timer.C:
		return Result{OK: false, Error: errHardTimeout}
	}
}
