package presence

import (
	"testing"
	"time"
)

func TestOfWindowBoundary(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tests := []struct {
		name string
		ago  time.Duration
		want Status
	}{
		{"fresh", 10 * time.Second, Online},
		{"just inside", 119*time.Second + 999*time.Millisecond, Online},
		{"exactly window", 120 * time.Second, Offline},
		{"stale", 200 * time.Second, Offline},
		{"future clock skew", -5 * time.Second, Online},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Of(now.Add(-tt.ago), now, DefaultWindow); got != tt.want {
				t.Errorf("Of(now-%s) = %s, want %s", tt.ago, got, tt.want)
			}
		})
	}
}

func TestOfZeroIsOffline(t *testing.T) {
	if got := Of(time.Time{}, time.Now(), DefaultWindow); got != Offline {
		t.Errorf("Of(zero) = %s, want offline", got)
	}
}

func TestTrackerUsesClock(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tr := NewTracker(0, func() time.Time { return now })
	if tr.Window() != DefaultWindow {
		t.Fatalf("window = %s, want %s", tr.Window(), DefaultWindow)
	}

	last := now.Add(-30 * time.Second)
	if !tr.IsOnline(last) {
		t.Error("30s old activity should be online")
	}

	now = now.Add(2 * time.Minute)
	if tr.IsOnline(last) {
		t.Error("activity should go stale once the clock passes the window")
	}
}

func TestTouchStampsRoster(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tr := NewTracker(time.Minute, func() time.Time { return now })

	seen := tr.Touch([]string{"a", "b"})
	if len(seen) != 2 {
		t.Fatalf("got %d entries, want 2", len(seen))
	}
	for id, ts := range seen {
		if !ts.Equal(now) {
			t.Errorf("%s stamped %v, want %v", id, ts, now)
		}
	}
}
