package bot

import (
	"context"
	"time"

	"github.com/jmhodges/clock"
)

// RobustExecute calls f up to n times until it reports success, waiting d
// between attempts. It gives up early when ctx is done.
func RobustExecute(ctx context.Context, clk clock.Clock, n int, d time.Duration, f func() bool) bool {
	for i := 0; i < n; i++ {
		if f() {
			return true
		}

		if i == n-1 || d <= 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return false
		case <-clk.After(d):
		}
	}
	return false
}
