package task

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// cronSchedule is a parsed 5-field cron expression (minute hour
// day-of-month month day-of-week), each field a bitset of the values that
// satisfy it. Unlike vixie cron, day-of-month and day-of-week are ANDed
// together rather than ORed when both are restricted — a deliberate
// simplification documented in DESIGN.md, since the corpus carries no cron
// library whose exact OR semantics this would otherwise have to match.
type cronSchedule struct {
	minute [60]bool
	hour   [24]bool
	dom    [32]bool // 1-31
	month  [13]bool // 1-12
	dow    [7]bool  // 0-6, 0 = Sunday
}

// parseCronSchedule parses a standard 5-field cron expression.
func parseCronSchedule(expr string) (*cronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("task: cron expression %q must have 5 fields, got %d", expr, len(fields))
	}
	s := &cronSchedule{}
	if err := fillCronField(s.minute[:], fields[0], 0, 59); err != nil {
		return nil, fmt.Errorf("task: cron minute field: %w", err)
	}
	if err := fillCronField(s.hour[:], fields[1], 0, 23); err != nil {
		return nil, fmt.Errorf("task: cron hour field: %w", err)
	}
	if err := fillCronField(s.dom[:], fields[2], 1, 31); err != nil {
		return nil, fmt.Errorf("task: cron day-of-month field: %w", err)
	}
	if err := fillCronField(s.month[:], fields[3], 1, 12); err != nil {
		return nil, fmt.Errorf("task: cron month field: %w", err)
	}
	if err := fillCronField(s.dow[:], fields[4], 0, 6); err != nil {
		return nil, fmt.Errorf("task: cron day-of-week field: %w", err)
	}
	return s, nil
}

// fillCronField marks every value matched by field (e.g. "*", "*/15",
// "1-5", "1,15,30", "1-10/2") true in bits, whose valid indices run [lo,hi].
func fillCronField(bits []bool, field string, lo, hi int) error {
	for _, part := range strings.Split(field, ",") {
		rangeExpr, step := part, 1
		if idx := strings.IndexByte(part, '/'); idx >= 0 {
			rangeExpr = part[:idx]
			n, err := strconv.Atoi(part[idx+1:])
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid step in %q", part)
			}
			step = n
		}

		start, end := lo, hi
		switch {
		case rangeExpr == "*":
			// full range already set above
		case strings.Contains(rangeExpr, "-"):
			bounds := strings.SplitN(rangeExpr, "-", 2)
			if len(bounds) != 2 {
				return fmt.Errorf("invalid range %q", rangeExpr)
			}
			a, err := strconv.Atoi(bounds[0])
			if err != nil {
				return fmt.Errorf("invalid range start %q", bounds[0])
			}
			b, err := strconv.Atoi(bounds[1])
			if err != nil {
				return fmt.Errorf("invalid range end %q", bounds[1])
			}
			start, end = a, b
		default:
			n, err := strconv.Atoi(rangeExpr)
			if err != nil {
				return fmt.Errorf("invalid value %q", rangeExpr)
			}
			start, end = n, n
		}

		if start < lo || end > hi || start > end {
			return fmt.Errorf("value out of range [%d, %d]: %q", lo, hi, part)
		}
		for v := start; v <= end; v += step {
			bits[v] = true
		}
	}
	return nil
}

func (s *cronSchedule) matches(t time.Time) bool {
	return s.minute[t.Minute()] &&
		s.hour[t.Hour()] &&
		s.dom[t.Day()] &&
		s.month[int(t.Month())] &&
		s.dow[int(t.Weekday())]
}

// cronSearchLimit bounds how far into the future Next will scan before
// giving up — a schedule that can never match (e.g. Feb 30) would
// otherwise loop forever.
const cronSearchLimit = 4 * 366 * 24 * time.Hour

// Next returns the first minute-aligned instant strictly after `after` that
// satisfies the schedule, or the zero Time if none is found within four
// years.
func (s *cronSchedule) Next(after time.Time) time.Time {
	t := after.Truncate(time.Minute).Add(time.Minute)
	deadline := after.Add(cronSearchLimit)
	for t.Before(deadline) {
		if s.matches(t) {
			return t
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}
}
