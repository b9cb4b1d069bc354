package recurrence

import (
	"strings"
	"time"
)

// Recurrence rules accepted on a task. Anything else falls back to daily
// rather than silently killing the series.
const (
	RuleDaily   = "daily"
	RuleWeekly  = "weekly"
	RuleMonthly = "monthly"
	RuleYearly  = "yearly"
)

// NormalizeRule maps a raw rule string onto a supported rule. Unknown
// values degrade to daily.
func NormalizeRule(rule string) string {
	switch strings.ToLower(strings.TrimSpace(rule)) {
	case RuleDaily:
		return RuleDaily
	case RuleWeekly:
		return RuleWeekly
	case RuleMonthly:
		return RuleMonthly
	case RuleYearly:
		return RuleYearly
	default:
		return RuleDaily
	}
}

// NextDueDate computes the due date of the next instance from the current
// one. Month and year steps clamp to the last day of the target month, so
// Jan 31 + monthly lands on Feb 28 (Feb 29 in a leap year), not Mar 2+.
// time.AddDate would normalize overflow forward, which is wrong here.
func NextDueDate(base time.Time, rule string) time.Time {
	switch NormalizeRule(rule) {
	case RuleWeekly:
		return base.AddDate(0, 0, 7)
	case RuleMonthly:
		return addMonthsClamped(base, 1)
	case RuleYearly:
		return addMonthsClamped(base, 12)
	default:
		return base.AddDate(0, 0, 1)
	}
}

func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()

	totalMonths := int(month) - 1 + months
	targetYear := year + totalMonths/12
	targetMonth := time.Month(totalMonths%12 + 1)

	if last := daysInMonth(targetYear, targetMonth); day > last {
		day = last
	}

	return time.Date(targetYear, targetMonth, day,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysInMonth(year int, month time.Month) int {
	// Day 0 of the next month is the last day of this month.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
