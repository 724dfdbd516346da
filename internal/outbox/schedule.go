package outbox

import "time"

// RetryBackoff returns the wait before the next delivery attempt. The delay
// doubles with each completed attempt, starting at base, capped at max.
func RetryBackoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 32 {
		return max
	}
	backoff := base << (attempt - 1)
	if backoff <= 0 || backoff > max {
		return max
	}
	return backoff
}

// NextAllowedTime rolls t forward past the quiet window of a business.
// startMinute and endMinute are minutes of day in the business timezone;
// the window [start, end) may cross midnight. Equal start and end disables
// quiet hours. An unknown timezone falls back to UTC.
func NextAllowedTime(t time.Time, timezone string, startMinute, endMinute int) time.Time {
	if startMinute == endMinute {
		return t
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil || timezone == "" {
		loc = time.UTC
	}

	local := t.In(loc)
	minute := local.Hour()*60 + local.Minute()

	var inQuiet bool
	if startMinute < endMinute {
		inQuiet = minute >= startMinute && minute < endMinute
	} else {
		inQuiet = minute >= startMinute || minute < endMinute
	}
	if !inQuiet {
		return t
	}

	end := time.Date(local.Year(), local.Month(), local.Day(), endMinute/60, endMinute%60, 0, 0, loc)
	if startMinute > endMinute && minute >= startMinute {
		// the window runs past midnight and we are on the near side
		end = end.AddDate(0, 0, 1)
	}
	return end
}
