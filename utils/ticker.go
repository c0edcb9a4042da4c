package utils

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/igtkit/igtk/logging"
)

// RunOnTicker calls fn once per period, measured on clk, until ctx is done. A call that overruns
// the period delays the next one rather than stacking calls up.
func RunOnTicker(ctx context.Context, clk clock.Clock, period time.Duration, fn func(context.Context)) {
	ticker := clk.Ticker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		// Prefer exiting over one more call when both are ready.
		if ctx.Err() != nil {
			return
		}
		fn(ctx)
	}
}

// SlowLogger starts a goroutine that logs every few seconds until the returned function is
// called. It is used to report hardware calls that take longer than expected.
func SlowLogger(ctx context.Context, clk clock.Clock, msg, fieldName, fieldVal string, logger logging.Logger) func() {
	slowTicker := clk.Ticker(2 * time.Second)
	firstTick := true

	ctxWithCancel, cancel := context.WithCancel(ctx)
	startTime := clk.Now()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-slowTicker.C:
				elapsed := clk.Since(startTime).Round(time.Second).String()
				logger.Warnw(msg, fieldName, fieldVal, "time_elapsed", elapsed)
				if firstTick {
					slowTicker.Reset(3 * time.Second)
					firstTick = false
				} else {
					slowTicker.Reset(5 * time.Second)
				}
			case <-ctxWithCancel.Done():
				return
			}
		}
	}()
	return func() {
		slowTicker.Stop()
		cancel()
		<-done
	}
}
