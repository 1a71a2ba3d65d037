package handler

import (
	"sync"
	"time"
)

const trackerWindow = 15 * 60 // seconds

// rateTracker keeps a per-second count ring for the last 15 minutes so the
// stats printer can report peak receive rates without a metrics roundtrip.
type rateTracker struct {
	mtx    sync.Mutex
	counts [trackerWindow]int64
	epochs [trackerWindow]int64
	now    func() time.Time
}

func newRateTracker() *rateTracker {
	return &rateTracker{now: time.Now}
}

func (r *rateTracker) mark() {
	sec := r.now().Unix()
	i := sec % trackerWindow
	r.mtx.Lock()
	if r.epochs[i] != sec {
		r.epochs[i] = sec
		r.counts[i] = 0
	}
	r.counts[i]++
	r.mtx.Unlock()
}

// maxRates returns the peak one-second count observed over the last 1, 5 and
// 15 minutes.
func (r *rateTracker) maxRates() (max1m, max5m, max15m int64) {
	sec := r.now().Unix()
	r.mtx.Lock()
	defer r.mtx.Unlock()
	for i := 0; i < trackerWindow; i++ {
		age := sec - r.epochs[i]
		if age < 0 || age >= trackerWindow {
			continue
		}
		c := r.counts[i]
		if age < 60 && c > max1m {
			max1m = c
		}
		if age < 300 && c > max5m {
			max5m = c
		}
		if c > max15m {
			max15m = c
		}
	}
	return
}
