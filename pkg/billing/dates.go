package billing

import "time"

// NextPaymentDate returns the date one billing cycle after from. Month and
// year steps clamp to the last valid day of the target month, so Jan 31 plus
// one month is Feb 28 (Feb 29 in leap years). Time of day and location are kept.
func NextPaymentDate(from time.Time, period Period, interval int) (time.Time, error) {
	const op = "NextPaymentDate"
	if interval < 1 {
		return time.Time{}, Validationf(op, "billing interval must be at least 1, got %d", interval)
	}

	switch period {
	case PeriodDay:
		return from.AddDate(0, 0, interval), nil
	case PeriodWeek:
		return from.AddDate(0, 0, 7*interval), nil
	case PeriodMonth:
		return addMonthsClamped(from, interval), nil
	case PeriodYear:
		return addMonthsClamped(from, 12*interval), nil
	default:
		return time.Time{}, Validationf(op, "invalid billing period %q", period)
	}
}

// Schedule returns the next n payment dates after from. Each step anchors on
// the previous computed date, so a clamped day stays clamped.
func Schedule(from time.Time, period Period, interval, n int) ([]time.Time, error) {
	if n < 0 {
		return nil, Validationf("Schedule", "count must not be negative, got %d", n)
	}
	dates := make([]time.Time, 0, n)
	cur := from
	for i := 0; i < n; i++ {
		next, err := NextPaymentDate(cur, period, interval)
		if err != nil {
			return nil, err
		}
		dates = append(dates, next)
		cur = next
	}
	return dates, nil
}

// TrialEnd returns start plus days calendar days
func TrialEnd(start time.Time, days int) (time.Time, error) {
	if days < 0 {
		return time.Time{}, Validationf("TrialEnd", "trial days must not be negative, got %d", days)
	}
	return start.AddDate(0, 0, days), nil
}

// time.AddDate normalizes overflow (Jan 31 + 1 month = Mar 3); billing wants the clamp.
func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	total := int(month) - 1 + months
	targetYear := year + total/12
	targetMonth := time.Month(total%12 + 1)

	if last := daysIn(targetYear, targetMonth, t.Location()); day > last {
		day = last
	}
	return time.Date(targetYear, targetMonth, day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
