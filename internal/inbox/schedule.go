package inbox

import "time"

// Adaptive poll intervals. Young numbers poll aggressively and slow down
// as the activation ages; a delivered message re-tightens the loop while
// the user is likely reading.
const (
	intervalHot    = 3 * time.Second
	intervalWarm   = 10 * time.Second
	intervalCold   = 30 * time.Second
	intervalAfter  = 5 * time.Second
	intervalSettle = 20 * time.Second

	hotWindow  = 2 * time.Minute
	warmWindow = 10 * time.Minute
	// afterWindow keeps the tight loop on after an SMS arrived.
	afterWindow = time.Minute

	errorBackoff = 30 * time.Second

	// maxErrorCount stops polling once consecutive errors exhaust it.
	maxErrorCount = 5

	// expiryHorizon keeps the poller away from numbers about to expire;
	// the cleanup sweep owns those.
	expiryHorizon = 30 * time.Second
)

// nextDelay returns the adaptive interval until the next poll. age is the
// number's time since creation; lastSMSAt is zero when nothing arrived yet.
func nextDelay(age time.Duration, lastSMSAt time.Time, now time.Time) time.Duration {
	if !lastSMSAt.IsZero() {
		if now.Sub(lastSMSAt) <= afterWindow {
			return intervalAfter
		}
		return intervalSettle
	}
	switch {
	case age <= hotWindow:
		return intervalHot
	case age <= warmWindow:
		return intervalWarm
	default:
		return intervalCold
	}
}

// pollAnomalous flags numbers polled far more often than the adaptive
// schedule could produce, which points at a scheduling bug or clock skew.
func pollAnomalous(age time.Duration, pollCount int) bool {
	if pollCount < 50 {
		return false
	}
	// The tightest tier is one poll per 3s; double it for slack.
	budget := int(age/intervalHot)*2 + 10
	return pollCount > budget
}
