package gocoin

import (
	"fmt"
	"time"
)

// BillingPeriod is the fixed length of one billing cycle. It is not calendar-month aware.
const BillingPeriod = 30 * 24 * time.Hour

// NextPeriod returns the cycle that follows a period ending at prevEnd
func NextPeriod(prevEnd time.Time) (start, end time.Time) {
	start = prevEnd.UTC()
	return start, start.Add(BillingPeriod)
}

// FirstPeriod returns the cycle opened by an activation at now
func FirstPeriod(now time.Time) (start, end time.Time) {
	start = now.UTC().Truncate(time.Second)
	return start, start.Add(BillingPeriod)
}

// CycleKey identifies one internal billing cycle. It is derived from the end of the
// period being closed, so a delayed sweep advances exactly one cycle per pass.
func CycleKey(kind Kind, userID, item string, prevPeriodEnd time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%d", kind, userID, item, prevPeriodEnd.UTC().Unix())
}
