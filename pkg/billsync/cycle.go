package billsync

import (
	"fmt"
	"time"
)

// CycleForAnchor returns the billing cycle [start, end) containing at, for
// cycles of count intervals anchored at anchor. Month based intervals keep the
// anchor's day-of-month, clamping to the last day of shorter months.
//
// A timestamp exactly on a boundary belongs to the cycle that starts there.
// Lifetime intervals have a single cycle starting at anchor with a zero end.
func CycleForAnchor(anchor time.Time, interval Interval, count int, at time.Time) (start, end time.Time, err error) {
	if count <= 0 {
		count = 1
	}
	a := anchor.UTC()
	t := at.UTC()

	if interval == IntervalLifetime {
		return a, time.Time{}, nil
	}
	if !validInterval(interval) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %q", ErrInvalidInterval, interval)
	}

	step := func(n int) time.Time { return stepFromAnchor(a, interval, count, n) }

	if !t.Before(a) {
		n := estimateSteps(a, interval, count, t)
		for step(n).After(t) && n > 0 {
			n--
		}
		for {
			end = step(n + 1)
			if end.After(t) {
				return step(n), end, nil
			}
			n++
		}
	}

	for n := -1; ; n-- {
		start = step(n)
		if !start.After(t) {
			return start, step(n + 1), nil
		}
	}
}

// NextBoundary returns the end of the cycle containing at, or nil for lifetime intervals.
func NextBoundary(anchor time.Time, interval Interval, count int, at time.Time) (*time.Time, error) {
	_, end, err := CycleForAnchor(anchor, interval, count, at)
	if err != nil {
		return nil, err
	}
	if end.IsZero() {
		return nil, nil
	}
	return &end, nil
}

func validInterval(i Interval) bool {
	switch i {
	case IntervalDay, IntervalWeek, IntervalMonth, IntervalQuarter, IntervalSemiAnnual, IntervalYear:
		return true
	}
	return false
}

func intervalMonths(i Interval) int {
	switch i {
	case IntervalMonth:
		return 1
	case IntervalQuarter:
		return 3
	case IntervalSemiAnnual:
		return 6
	case IntervalYear:
		return 12
	}
	return 0
}

func stepFromAnchor(anchor time.Time, interval Interval, count, n int) time.Time {
	switch interval {
	case IntervalDay:
		return anchor.AddDate(0, 0, n*count)
	case IntervalWeek:
		return anchor.AddDate(0, 0, 7*n*count)
	default:
		return addMonthsSafeWithDay(anchor, n*count*intervalMonths(interval), anchor.Day())
	}
}

// estimateSteps returns a lower bound on the number of whole cycles between
// anchor and t so long histories do not walk one cycle at a time.
func estimateSteps(anchor time.Time, interval Interval, count int, t time.Time) int {
	switch interval {
	case IntervalDay:
		return int(t.Sub(anchor)/(24*time.Hour)) / count
	case IntervalWeek:
		return int(t.Sub(anchor)/(7*24*time.Hour)) / count
	}
	months := (t.Year()-anchor.Year())*12 + int(t.Month()) - int(anchor.Month())
	n := months/(count*intervalMonths(interval)) - 1
	if n < 0 {
		return 0
	}
	return n
}

// addMonthsSafeWithDay adds months while preserving the target day-of-month when possible.
// If the target day doesn't exist in the result month (e.g., Feb 31), it uses the last day of that month.
func addMonthsSafeWithDay(base time.Time, months, targetDay int) time.Time {
	year, month, _ := base.Date()
	first := time.Date(year, month+time.Month(months), 1, base.Hour(), base.Minute(), base.Second(),
		base.Nanosecond(), base.Location())

	// day=0 of the following month is the last day of this one
	lastDay := time.Date(first.Year(), first.Month()+1, 0, 0, 0, 0, 0, first.Location()).Day()

	day := targetDay
	if day > lastDay {
		day = lastDay
	}
	return time.Date(first.Year(), first.Month(), day, base.Hour(), base.Minute(), base.Second(),
		base.Nanosecond(), base.Location())
}
