package types

import "strconv"

// Counter is an optional 64-bit counter value. The zero Counter is Unknown,
// so a counter that was never assigned already carries the correct "not
// observed on this platform" meaning instead of looking like zero.
type Counter struct {
	v     int64
	known bool
}

// UnknownCounter is the zero-value, unset counter.
var UnknownCounter = Counter{}

// Known returns a Counter carrying v.
func Known(v int64) Counter { return Counter{v: v, known: true} }

// IsKnown reports whether the counter was actually observed.
func (c Counter) IsKnown() bool { return c.known }

// Value returns the counter's value and whether it is known.
func (c Counter) Value() (int64, bool) { return c.v, c.known }

// Delta returns c-prev, clamped to zero if the counter appears to have
// wrapped or reset. Unknown propagates: if either side is unknown, the
// result is unknown rather than a guessed zero.
func (c Counter) Delta(prev Counter) Counter {
	if !c.known || !prev.known {
		return UnknownCounter
	}
	if c.v < prev.v {
		return Known(0)
	}
	return Known(c.v - prev.v)
}

// Add sums two counters. Unknown propagates: a sum involving an unknown
// addend is unknown, never silently treated as zero.
func (c Counter) Add(other Counter) Counter {
	if !c.known || !other.known {
		return UnknownCounter
	}
	return Known(c.v + other.v)
}

// Max returns the larger of the two known values, or Unknown if neither is known.
func (c Counter) Max(other Counter) Counter {
	if !c.known {
		return other
	}
	if !other.known {
		return c
	}
	if other.v > c.v {
		return other
	}
	return c
}

// String renders the counter, using "?" for Unknown so it is visually
// distinct from a real zero in reports.
func (c Counter) String() string {
	if !c.known {
		return "?"
	}
	return strconv.FormatInt(c.v, 10)
}
