// Package presence derives online status from the last time a user was seen
// on the channel roster or sent a message.
package presence

import "time"

// DefaultWindow is how long a lastActivity timestamp stays fresh.
const DefaultWindow = 120 * time.Second

// Status is the derived presence of a user.
type Status string

const (
	Online  Status = "online"
	Offline Status = "offline"
)

// Of derives presence from lastActivity. A zero lastActivity or one exactly
// window old is offline.
func Of(lastActivity, now time.Time, window time.Duration) Status {
	if lastActivity.IsZero() {
		return Offline
	}
	if now.Sub(lastActivity) < window {
		return Online
	}
	return Offline
}

// Tracker answers presence questions for a fixed freshness window.
type Tracker struct {
	window time.Duration
	now    func() time.Time
}

// NewTracker creates a tracker. A non-positive window falls back to DefaultWindow
// and a nil clock to time.Now.
func NewTracker(window time.Duration, now func() time.Time) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Tracker{window: window, now: now}
}

// Window returns the freshness window.
func (t *Tracker) Window() time.Duration {
	return t.window
}

// Status returns the presence for lastActivity at the current time.
func (t *Tracker) Status(lastActivity time.Time) Status {
	return Of(lastActivity, t.now(), t.window)
}

// IsOnline is shorthand for Status(lastActivity) == Online.
func (t *Tracker) IsOnline(lastActivity time.Time) bool {
	return t.Status(lastActivity) == Online
}

// Touch returns the lastActivity to record for ids seen in a roster snapshot.
// Every id in the roster has an open channel right now.
func (t *Tracker) Touch(roster []string) map[string]time.Time {
	now := t.now()
	seen := make(map[string]time.Time, len(roster))
	for _, id := range roster {
		seen[id] = now
	}
	return seen
}
