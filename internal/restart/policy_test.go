package restart

import (
	"testing"
	"time"
)

func TestDecide(t *testing.T) {
	p := DefaultPolicy()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name      string
		count     int
		last      time.Time
		allowed   bool
		wantCount int
		delay     time.Duration
		reset     bool
	}{
		{"first restart", 0, time.Time{}, true, 1, 2 * time.Second, false},
		{"second restart", 1, now.Add(-10 * time.Second), true, 2, 4 * time.Second, false},
		{"fifth restart", 4, now.Add(-time.Minute), true, 5, 32 * time.Second, false},
		{"sixth refused", 5, now.Add(-time.Minute), false, 5, 0, false},
		{"refused at cooldown edge", 5, now.Add(-p.Cooldown + time.Second), false, 5, 0, false},
		{"cooldown elapsed", 5, now.Add(-6 * time.Minute), true, 1, 2 * time.Second, true},
		{"cooldown exactly", 3, now.Add(-p.Cooldown), true, 1, 2 * time.Second, true},
		{"count without timestamp", 5, time.Time{}, true, 1, 2 * time.Second, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := p.Decide(tc.count, tc.last, now)
			if d.Allowed != tc.allowed || d.Count != tc.wantCount || d.Delay != tc.delay || d.Reset != tc.reset {
				t.Fatalf("Decide(%d) = %+v, want allowed=%v count=%d delay=%v reset=%v",
					tc.count, d, tc.allowed, tc.wantCount, tc.delay, tc.reset)
			}
		})
	}
}

func TestBackoffCapped(t *testing.T) {
	p := Policy{MaxAttempts: 20, BaseDelay: time.Second, MaxDelay: 10 * time.Second, Cooldown: time.Hour}
	want := []time.Duration{1, 2, 4, 8, 10, 10, 10}
	for n, w := range want {
		if got := p.Backoff(n); got != w*time.Second {
			t.Fatalf("Backoff(%d) = %v, want %v", n, got, w*time.Second)
		}
	}
	if got := p.Backoff(200); got != 10*time.Second {
		t.Fatalf("large n must stay capped, got %v", got)
	}
}

func TestZeroPolicyUsesDefaults(t *testing.T) {
	d := Policy{}.Decide(DefaultMaxAttempts, time.Now().Add(-time.Minute), time.Now())
	if d.Allowed {
		t.Fatalf("zero policy should behave like the default budget")
	}
}
