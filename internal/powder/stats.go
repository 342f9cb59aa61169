package powder

import (
	"fmt"
	"sync"
	"time"

	"github.com/neutron-data/powder.report/internal/monitoring"
)

// ReductionStats tracks event bookkeeping across a reduction with
// thread-safe operations. Stages run concurrently per bank, so counters
// are funneled through one struct instead of per-stage tallies.
type ReductionStats struct {
	mu             sync.Mutex
	eventsLoaded   int64
	eventsMasked   int64
	eventsFiltered int64
	eventsOutside  int64
	pulsesDropped  int64
	fitsFailed     int64
	lastReset      time.Time
}

// NewReductionStats creates a new ReductionStats instance.
func NewReductionStats() *ReductionStats {
	return &ReductionStats{lastReset: time.Now()}
}

// AddLoaded increments the loaded-event counter.
func (rs *ReductionStats) AddLoaded(n int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.eventsLoaded += int64(n)
}

// AddMasked increments the masked-event counter.
func (rs *ReductionStats) AddMasked(n int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.eventsMasked += int64(n)
}

// AddFiltered increments the counter of events removed by pulse filtering.
func (rs *ReductionStats) AddFiltered(n int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.eventsFiltered += int64(n)
}

// AddOutside increments the counter of events falling outside the output bins.
func (rs *ReductionStats) AddOutside(n int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.eventsOutside += int64(n)
}

// AddPulsesDropped increments the dropped-pulse counter.
func (rs *ReductionStats) AddPulsesDropped(n int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.pulsesDropped += int64(n)
}

// AddFitFailed increments the failed-fit counter.
func (rs *ReductionStats) AddFitFailed() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.fitsFailed++
}

// Snapshot returns the current counters without resetting them.
func (rs *ReductionStats) Snapshot() (loaded, masked, filtered, outside, pulses, fits int64) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.eventsLoaded, rs.eventsMasked, rs.eventsFiltered, rs.eventsOutside, rs.pulsesDropped, rs.fitsFailed
}

// LogStats logs a one-line summary of the counters since the last reset.
func (rs *ReductionStats) LogStats() {
	rs.mu.Lock()
	loaded := rs.eventsLoaded
	masked := rs.eventsMasked
	filtered := rs.eventsFiltered
	outside := rs.eventsOutside
	pulses := rs.pulsesDropped
	fits := rs.fitsFailed
	duration := time.Since(rs.lastReset)
	rs.mu.Unlock()

	msg := fmt.Sprintf("Reduction stats: %s events loaded in %v, %s masked, %s filtered, %s outside bins",
		FormatWithCommas(loaded), duration.Round(time.Millisecond),
		FormatWithCommas(masked), FormatWithCommas(filtered), FormatWithCommas(outside))
	if pulses > 0 {
		msg += fmt.Sprintf(", %d bad pulses", pulses)
	}
	if fits > 0 {
		msg += fmt.Sprintf(", %d failed fits", fits)
	}
	monitoring.Logf("%s", msg)
}

// FormatWithCommas formats a number with thousands separators.
func FormatWithCommas(n int64) string {
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	result := ""
	for i, char := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result += ","
		}
		result += string(char)
	}
	return result
}
