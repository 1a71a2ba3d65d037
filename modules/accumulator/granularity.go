// Package accumulator aggregates delta counters and histogram samples in
// memory before handing finished aggregates to a sender pool. Accumulation
// is lossy on hard crash and bounded by TTL eviction.
package accumulator

import "time"

// Granularity is the bin width of a histogram aggregation.
type Granularity time.Duration

const (
	GranularityMinute = Granularity(time.Minute)
	GranularityHour   = Granularity(time.Hour)
	GranularityDay    = Granularity(24 * time.Hour)
)

// Millis returns the bin width in milliseconds.
func (g Granularity) Millis() int64 {
	return time.Duration(g).Milliseconds()
}

// BinStart truncates a timestamp to the start of its bin.
func (g Granularity) BinStart(tsMillis int64) int64 {
	return tsMillis - tsMillis%g.Millis()
}

func (g Granularity) String() string {
	switch g {
	case GranularityMinute:
		return "minute"
	case GranularityHour:
		return "hour"
	case GranularityDay:
		return "day"
	default:
		return time.Duration(g).String()
	}
}
