package backup

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Unlimited is the Limit of an interval whose buckets are never released by
// limit enforcement.
const Unlimited = -1

// Named period formats. Anything else is a Go time layout.
const (
	PeriodHourly  = "hourly"
	PeriodDaily   = "daily"
	PeriodWeekly  = "weekly"
	PeriodMonthly = "monthly"
	PeriodYearly  = "yearly"
)

var periodLayouts = map[string]string{
	PeriodHourly:  "2006-01-02T15",
	PeriodDaily:   "2006-01-02",
	PeriodMonthly: "2006-01",
	PeriodYearly:  "2006",
}

// Interval is a retention tier: snapshots are bucketed by Period and at most
// Limit buckets keep a hold. Limit 0 disables the tier, Unlimited keeps every
// bucket.
type Interval struct {
	Name   string
	Limit  int
	Format string
}

// NewInterval validates and returns an interval.
func NewInterval(name string, limit int, format string) (Interval, error) {
	if name == "" {
		return Interval{}, fmt.Errorf("interval name is empty")
	}
	if strings.ContainsAny(name, "/@") {
		return Interval{}, fmt.Errorf("interval name %q must not contain '/' or '@'", name)
	}
	if limit < Unlimited {
		return Interval{}, fmt.Errorf("interval %s: invalid limit %d", name, limit)
	}
	if format == "" {
		return Interval{}, fmt.Errorf("interval %s: format is empty", name)
	}
	return Interval{Name: name, Limit: limit, Format: format}, nil
}

// ParseInterval parses the compact form "[LIMIT@]NAME:FORMAT". An omitted
// limit is Unlimited.
func ParseInterval(value string) (Interval, error) {
	limit := Unlimited
	if at := strings.Index(value, "@"); at >= 0 {
		n, err := strconv.Atoi(value[:at])
		if err != nil {
			return Interval{}, fmt.Errorf("invalid interval limit in %q: %w", value, err)
		}
		limit = n
		value = value[at+1:]
	}

	name, format, ok := strings.Cut(value, ":")
	if !ok {
		return Interval{}, fmt.Errorf("invalid interval %q: expected NAME:FORMAT", value)
	}
	return NewInterval(name, limit, format)
}

// Enabled reports whether the interval retains any buckets.
func (i Interval) Enabled() bool {
	return i.Limit != 0
}

// Period returns the bucket key of t.
func (i Interval) Period(t time.Time) string {
	if i.Format == PeriodWeekly {
		year, week := t.ISOWeek()
		return fmt.Sprintf("%d-W%02d", year, week)
	}
	if layout, ok := periodLayouts[i.Format]; ok {
		return t.Format(layout)
	}
	return t.Format(i.Format)
}

// Tag returns the hold tag of the bucket containing t.
func (i Interval) Tag(t time.Time) (string, error) {
	period := i.Period(t)
	if period == "" || strings.Contains(period, "/") {
		return "", fmt.Errorf("interval %s: invalid period %q for format %q", i.Name, period, i.Format)
	}
	return i.Name + "/" + period, nil
}

func (i Interval) String() string {
	if i.Limit == Unlimited {
		return i.Name + ":" + i.Format
	}
	return fmt.Sprintf("%d@%s:%s", i.Limit, i.Name, i.Format)
}

// parseTag splits a hold tag into interval name and period key.
func parseTag(tag string) (interval, period string, ok bool) {
	interval, period, ok = strings.Cut(tag, "/")
	if !ok || interval == "" || period == "" {
		return "", "", false
	}
	return interval, period, true
}
