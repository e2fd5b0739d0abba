package ledger

import (
	"fmt"
	"strings"
	"time"
)

// Period defines the reset schedule for consumed credits.
type Period interface {
	// Start returns the beginning of the period containing t.
	Start(t time.Time) time.Time
	// Next returns the beginning of the period following the one that
	// begins at start.
	Next(start time.Time) time.Time
}

// Monthly resets on the first day of each calendar month, UTC.
type Monthly struct{}

func (Monthly) Start(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func (Monthly) Next(start time.Time) time.Time {
	return start.AddDate(0, 1, 0)
}

// Fixed resets every D, aligned to the Unix epoch.
type Fixed struct {
	D time.Duration
}

var unixEpoch = time.Unix(0, 0).UTC()

func (f Fixed) Start(t time.Time) time.Time {
	off := t.Sub(unixEpoch) % f.D
	if off < 0 {
		off += f.D
	}
	return t.UTC().Add(-off)
}

func (f Fixed) Next(start time.Time) time.Time {
	return start.Add(f.D)
}

// ParsePeriod accepts "monthly" or a Go duration such as "720h".
func ParsePeriod(s string) (Period, error) {
	if s == "" || strings.EqualFold(s, "monthly") {
		return Monthly{}, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return nil, fmt.Errorf("parse period %q: %w", s, err)
	}
	if d <= 0 {
		return nil, fmt.Errorf("period must be positive, got %s", d)
	}
	return Fixed{D: d}, nil
}

// advance moves start forward by whole periods until now falls inside the
// current one. It reports whether any boundary was crossed.
func advance(p Period, start, now time.Time) (time.Time, bool) {
	crossed := false
	for next := p.Next(start); !now.Before(next); next = p.Next(start) {
		start = next
		crossed = true
	}
	return start, crossed
}
