package liveness

import (
	"testing"
	"time"
)

func boolPtr(b bool) *bool { return &b }

func TestClassify_Boundaries(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	th := DefaultThresholds()

	cases := []struct {
		name string
		age  time.Duration
		want Status
	}{
		{"well within online", 1 * time.Second, StatusOnline},
		{"just under online cutoff", 29 * time.Second, StatusOnline},
		{"exactly online cutoff", 30 * time.Second, StatusOnline},
		{"just over online cutoff", 31 * time.Second, StatusSleeping},
		{"deep in sleep window", 200 * time.Second, StatusSleeping},
		{"exactly sleep cutoff", 300 * time.Second, StatusSleeping},
		{"just over sleep cutoff", 301 * time.Second, StatusOffline},
		{"long gone", 24 * time.Hour, StatusOffline},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen := now.Add(-tc.age)
			got := Classify(&seen, nil, now, th)
			if got != tc.want {
				t.Errorf("age=%v: got %s, want %s", tc.age, got, tc.want)
			}
		})
	}
}

func TestClassify_ExplicitInactiveWins(t *testing.T) {
	now := time.Now()
	seen := now // age 0: would be online by timestamp

	got := Classify(&seen, boolPtr(false), now, DefaultThresholds())
	if got != StatusOffline {
		t.Errorf("expected offline when is_active=false, got %s", got)
	}
}

func TestClassify_ActiveTrueStillUsesTimestamp(t *testing.T) {
	now := time.Now()
	seen := now.Add(-10 * time.Minute)

	got := Classify(&seen, boolPtr(true), now, DefaultThresholds())
	if got != StatusOffline {
		t.Errorf("expected offline for 10m-old heartbeat, got %s", got)
	}
}

func TestClassify_MissingData(t *testing.T) {
	now := time.Now()

	th := DefaultThresholds()
	if got := Classify(nil, nil, now, th); got != StatusUnknown {
		t.Errorf("expected unknown with MissingIsUnknown, got %s", got)
	}

	th.Missing = MissingIsOffline
	if got := Classify(nil, nil, now, th); got != StatusOffline {
		t.Errorf("expected offline with MissingIsOffline, got %s", got)
	}

	var zero time.Time
	th.Missing = MissingIsUnknown
	if got := Classify(&zero, nil, now, th); got != StatusUnknown {
		t.Errorf("expected unknown for zero timestamp, got %s", got)
	}
}
