// Package duration renders elapsed pipeline time as the short French
// labels used throughout the UI ("2j", "3h", "1 minute 30s").
package duration

import (
	"fmt"
	"time"
)

const (
	minuteSeconds = 60
	hourSeconds   = 3600
	daySeconds    = 86400
)

// Tokens for durations too small or too malformed to render numerically.
const (
	RecentToken  = "Récent"
	InstantToken = "À l'instant"
	ActivePrefix = "En cours · "
)

// Format returns the compact single-unit form: "3j", "5h", "42m" or
// the recent token below one minute. Negative input clamps to zero.
func Format(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	switch {
	case seconds >= daySeconds:
		return fmt.Sprintf("%dj", seconds/daySeconds)
	case seconds >= hourSeconds:
		return fmt.Sprintf("%dh", seconds/hourSeconds)
	case seconds >= minuteSeconds:
		return fmt.Sprintf("%dm", seconds/minuteSeconds)
	default:
		return RecentToken
	}
}

// FormatDetailed returns the verbose two-unit form: "3 jours 4h",
// "2 heures 30min", "1 minute 30s", "45 secondes". The second unit is
// dropped when its remainder is zero.
func FormatDetailed(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	switch {
	case seconds == 0:
		return InstantToken
	case seconds >= daySeconds:
		days := seconds / daySeconds
		rem := (seconds % daySeconds) / hourSeconds
		out := fmt.Sprintf("%d %s", days, plural(days, "jour", "jours"))
		if rem > 0 {
			out += fmt.Sprintf(" %dh", rem)
		}
		return out
	case seconds >= hourSeconds:
		hours := seconds / hourSeconds
		rem := (seconds % hourSeconds) / minuteSeconds
		out := fmt.Sprintf("%d %s", hours, plural(hours, "heure", "heures"))
		if rem > 0 {
			out += fmt.Sprintf(" %dmin", rem)
		}
		return out
	case seconds >= minuteSeconds:
		minutes := seconds / minuteSeconds
		rem := seconds % minuteSeconds
		out := fmt.Sprintf("%d %s", minutes, plural(minutes, "minute", "minutes"))
		if rem > 0 {
			out += fmt.Sprintf(" %ds", rem)
		}
		return out
	default:
		return fmt.Sprintf("%d %s", seconds, plural(seconds, "seconde", "secondes"))
	}
}

func plural(n int64, singular, pluralForm string) string {
	if n == 1 {
		return singular
	}
	return pluralForm
}

// Between returns whole elapsed seconds from start to end, floored,
// never negative.
func Between(start, end time.Time) int64 {
	if end.Before(start) {
		return 0
	}
	return int64(end.Sub(start) / time.Second)
}

// StageDisplay renders the duration label for one stage interval.
// An active interval is always recomputed live from startedAt and
// prefixed, regardless of any stored duration. A closed interval
// prefers the stored seconds, then the interval endpoints, then the
// recent token.
func StageDisplay(isActive bool, startedAt, endedAt string, storedSeconds *int64, now time.Time) string {
	if isActive {
		start, err := time.Parse(time.RFC3339, startedAt)
		if err != nil {
			return ActivePrefix + RecentToken
		}
		return ActivePrefix + Format(Between(start, now))
	}
	if storedSeconds != nil {
		return Format(*storedSeconds)
	}
	if startedAt != "" && endedAt != "" {
		start, errStart := time.Parse(time.RFC3339, startedAt)
		end, errEnd := time.Parse(time.RFC3339, endedAt)
		if errStart == nil && errEnd == nil {
			return Format(Between(start, end))
		}
	}
	return RecentToken
}
