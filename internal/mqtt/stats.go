package mqtt

import (
	"context"
	"sync"
	"time"

	"github.com/quantfold/tycho-trading-agent/internal/events"
)

// DayStats accumulates per-day run activity for the stats topic. The
// daily counters reset at local midnight; the last-run timestamp does
// not. Safe for concurrent use from multiple goroutines.
type DayStats struct {
	mu        sync.Mutex
	runs      int64
	toolCalls int64
	tokensIn  int64
	tokensOut int64
	lastRun   time.Time
	resetDay  int // day-of-year of last reset
	loc       *time.Location
}

// DaySnapshot is a point-in-time copy of the accumulated counters.
type DaySnapshot struct {
	Runs      int64
	ToolCalls int64
	TokensIn  int64
	TokensOut int64
	LastRun   time.Time
}

// NewDayStats creates a new accumulator using the given timezone for
// midnight detection. If loc is nil, [time.Local] is used.
func NewDayStats(loc *time.Location) *DayStats {
	if loc == nil {
		loc = time.Local
	}
	return &DayStats{
		resetDay: time.Now().In(loc).YearDay(),
		loc:      loc,
	}
}

// OnRun records a completed orchestrator run. If the local date has
// changed since the last recording, the daily counters are reset
// before the new values are added.
func (d *DayStats) OnRun(toolCalls, tokensIn, tokensOut int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.runs++
	d.toolCalls += int64(toolCalls)
	d.tokensIn += int64(tokensIn)
	d.tokensOut += int64(tokensOut)
	d.lastRun = time.Now()
}

// Snapshot returns the current accumulated totals after checking for
// midnight rollover.
func (d *DayStats) Snapshot() DaySnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return DaySnapshot{
		Runs:      d.runs,
		ToolCalls: d.toolCalls,
		TokensIn:  d.tokensIn,
		TokensOut: d.tokensOut,
		LastRun:   d.lastRun,
	}
}

// Consume feeds the accumulator from an event bus subscription until
// ctx is cancelled or the channel closes. Only run_complete events
// mutate the counters; everything else on the bus is ignored.
func (d *DayStats) Consume(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Kind != events.KindRunComplete {
				continue
			}
			d.OnRun(
				intData(ev.Data, "tool_calls"),
				intData(ev.Data, "total_tokens_in"),
				intData(ev.Data, "total_tokens_out"),
			)
		}
	}
}

// maybeReset zeroes the daily counters if the local day-of-year has
// changed. The last-run timestamp is preserved. Must be called with
// d.mu held.
func (d *DayStats) maybeReset() {
	today := time.Now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.runs = 0
		d.toolCalls = 0
		d.tokensIn = 0
		d.tokensOut = 0
		d.resetDay = today
	}
}

// intData reads a numeric bus payload value. Bus events carry ints
// in-process, but values that round-tripped through JSON arrive as
// float64.
func intData(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
