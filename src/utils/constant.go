package utils

import "time"

// -----------------------------------------------------------------------------

// Defaults shared by the server loops when configuration leaves them at zero.
const (
	DefaultRetentionDays      = 30
	DefaultLatestCapacity     = 100
	DefaultUpdateLookback     = 2 * time.Hour
	DefaultReconnectMinDelay  = 5 * time.Second
	DefaultHistoryFetchWindow = 24 * time.Hour
)

// -----------------------------------------------------------------------------

// RetentionPeriod converts a retention in days, defaulting zero or negative
// values.
func RetentionPeriod(days int) time.Duration {
	if days <= 0 {
		days = DefaultRetentionDays
	}
	return time.Duration(days) * 24 * time.Hour
}
