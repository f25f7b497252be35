// Package trace holds time-indexed sample series used to drive uncontrolled
// resources, the slack voltage and the line frequency.
package trace

import (
	"errors"
	"fmt"
	"time"
)

var ErrEmpty = errors.New("empty trace")

// Trace is an immutable series of rows indexed by offset from the first
// sample. Lookups return the sample whose time is nearest to the query; past
// the last sample the last row is held, or the trace wraps when it loops.
type Trace struct {
	at   []time.Duration
	rows [][]float64
	loop bool
	span time.Duration
}

// New builds a trace from timestamps in seconds and their rows. Timestamps
// are shifted so the first one is zero and must not decrease.
func New(ts []float64, rows [][]float64, loop bool) (*Trace, error) {
	if len(ts) == 0 {
		return nil, ErrEmpty
	}
	if len(ts) != len(rows) {
		return nil, fmt.Errorf("trace has %d timestamps and %d rows", len(ts), len(rows))
	}
	t := &Trace{loop: loop, at: make([]time.Duration, len(ts)), rows: make([][]float64, len(rows))}
	for i, s := range ts {
		t.at[i] = time.Duration((s - ts[0]) * float64(time.Second))
		if i > 0 && t.at[i] < t.at[i-1] {
			return nil, fmt.Errorf("trace timestamp %d goes back in time", i)
		}
		t.rows[i] = append([]float64(nil), rows[i]...)
	}
	t.span = t.at[len(t.at)-1]
	return t, nil
}

// Periodic builds a single column trace with one value every period.
func Periodic(values []float64, period time.Duration, loop bool) (*Trace, error) {
	if len(values) == 0 {
		return nil, ErrEmpty
	}
	if period <= 0 {
		return nil, fmt.Errorf("trace period must be positive, got %s", period)
	}
	t := &Trace{loop: loop, at: make([]time.Duration, len(values)), rows: make([][]float64, len(values))}
	for i, v := range values {
		t.at[i] = time.Duration(i) * period
		t.rows[i] = []float64{v}
	}
	// a looping periodic trace repeats every len·period
	t.span = time.Duration(len(values)) * period
	return t, nil
}

// Constant is a trace that always returns row.
func Constant(row ...float64) *Trace {
	return &Trace{at: []time.Duration{0}, rows: [][]float64{append([]float64(nil), row...)}}
}

// Len returns the number of samples.
func (t *Trace) Len() int { return len(t.at) }

// Row returns the sample nearest to offset d. The returned slice must not be
// modified.
func (t *Trace) Row(d time.Duration) []float64 {
	return t.rows[t.index(d)]
}

// Value returns column col of the sample nearest to d, or 0 if the row is
// shorter.
func (t *Trace) Value(d time.Duration, col int) float64 {
	r := t.Row(d)
	if col < 0 || col >= len(r) {
		return 0
	}
	return r[col]
}

func (t *Trace) index(d time.Duration) int {
	n := len(t.at)
	if d < 0 {
		d = 0
	}
	if t.loop && t.span > 0 {
		d %= t.span
		if d > t.at[n-1] {
			// between the last sample and the wrap point
			if d-t.at[n-1] <= t.span-d {
				return n - 1
			}
			return 0
		}
	}
	if d >= t.at[n-1] {
		return n - 1
	}
	// first sample at or after d
	lo, hi := 0, n-1
	for lo < hi {
		mid := (lo + hi) / 2
		if t.at[mid] < d {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo > 0 && d-t.at[lo-1] <= t.at[lo]-d {
		return lo - 1
	}
	return lo
}
