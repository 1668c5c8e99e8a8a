// internal/browser/context.go
package browser

import (
	"context"
	"time"
)

// CombineContext derives a context from ctx1 (the tab context carrying the CDP
// connection) that is also canceled when ctx2 is done.
func CombineContext(ctx1, ctx2 context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(ctx1)
	go func() {
		select {
		case <-ctx2.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}

// withTimeout combines the tab context with the caller's and bounds it by d. A
// non-positive d means no extra bound.
func withTimeout(tab, caller context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := CombineContext(tab, caller)
	if d <= 0 {
		return ctx, cancel
	}
	tctx, tcancel := context.WithTimeout(ctx, d)
	return tctx, func() {
		tcancel()
		cancel()
	}
}
