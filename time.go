package auth

import "time"

// IsWithinThresholdPeriod checks if t is newer than now minus the given duration
func IsWithinThresholdPeriod(now, t time.Time, period time.Duration) bool {
	return t.After(now.Add(-period))
}

// IsOutsideThresholdPeriod is the negation of IsWithinThresholdPeriod
func IsOutsideThresholdPeriod(now, t time.Time, period time.Duration) bool {
	return !IsWithinThresholdPeriod(now, t, period)
}

// ParseThreshold parses a duration pattern such as "15m" or "168h"
func ParseThreshold(pattern string, fallback time.Duration) time.Duration {
	if pattern == "" {
		return fallback
	}
	d, err := time.ParseDuration(pattern)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func utcNow() time.Time {
	return time.Now().UTC()
}
