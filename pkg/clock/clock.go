// Package clock provides the proxy's logical clock. The backend reports its
// own notion of current time on every check-in, and all outgoing timestamps
// are generated against that rebased clock so that points from proxies with
// skewed wall clocks still land in the right interval.
package clock

import (
	"time"

	"go.uber.org/atomic"
)

var offsetMillis atomic.Int64

// Now returns the current logical time in epoch milliseconds.
func Now() int64 {
	return time.Now().UnixMilli() + offsetMillis.Load()
}

// Set rebases the logical clock so that Now() == serverTimeMillis at the
// moment of the call.
func Set(serverTimeMillis int64) {
	offsetMillis.Store(serverTimeMillis - time.Now().UnixMilli())
}

// Reset removes any rebase. Tests only.
func Reset() {
	offsetMillis.Store(0)
}
