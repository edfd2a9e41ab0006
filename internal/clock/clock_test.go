package clock

import (
	"testing"
	"time"
)

func TestParseBusStamp(t *testing.T) {
	got, err := ParseBusStamp("20250107 18:09:32")
	if err != nil {
		t.Fatalf("ParseBusStamp: %v", err)
	}
	// 18:09:32 CST == 00:09:32 UTC the next day.
	want := time.Date(2025, 1, 8, 0, 9, 32, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got.Unix() != 1736294972 {
		t.Errorf("epoch = %d, want 1736294972", got.Unix())
	}
}

func TestParseBusStampMinutes(t *testing.T) {
	got, err := ParseBusStamp("20250214 21:58")
	if err != nil {
		t.Fatalf("ParseBusStamp minute form: %v", err)
	}
	if got.Minute() != 58 || got.Second() != 0 {
		t.Errorf("got %v, want minute resolution", got)
	}
}

func TestParseTrainStamp(t *testing.T) {
	got, err := ParseTrainStamp("2024-12-31T17:26:15")
	if err != nil {
		t.Fatalf("ParseTrainStamp: %v", err)
	}
	if got.Location() != time.UTC {
		t.Errorf("result not UTC: %v", got.Location())
	}
}

func TestServiceDay(t *testing.T) {
	cases := []struct {
		name string
		in   time.Time
		want string
	}{
		{"evening", time.Date(2025, 1, 8, 1, 0, 0, 0, time.UTC), "20250107"},            // 19:00 local Jan 7
		{"after midnight local", time.Date(2025, 1, 8, 8, 30, 0, 0, time.UTC), "20250107"}, // 02:30 local Jan 8
		{"morning", time.Date(2025, 1, 8, 15, 0, 0, 0, time.UTC), "20250108"},           // 09:00 local Jan 8
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ServiceDay(tc.in); got != tc.want {
				t.Errorf("ServiceDay(%v) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestServiceDayWindow(t *testing.T) {
	start, end, err := ServiceDayWindow("20250107")
	if err != nil {
		t.Fatalf("ServiceDayWindow: %v", err)
	}
	if end.Sub(start) != 24*time.Hour {
		t.Errorf("window length = %v, want 24h", end.Sub(start))
	}
	inside := time.Date(2025, 1, 8, 8, 30, 0, 0, time.UTC) // 02:30 local Jan 8
	if inside.Before(start) || !inside.Before(end) {
		t.Errorf("02:30 local next day should fall inside the window")
	}
}

func TestFixedClock(t *testing.T) {
	f := NewFixed(time.Date(2025, 1, 7, 12, 0, 0, 0, time.UTC))
	a := f.Now()
	if b := f.Now(); !a.Equal(b) {
		t.Errorf("fixed clock moved: %v != %v", a, b)
	}
	f.Advance(time.Minute)
	if f.Now().Sub(a) != time.Minute {
		t.Errorf("Advance moved %v, want 1m", f.Now().Sub(a))
	}
}

func TestNewIDMonotonicWithinTick(t *testing.T) {
	now := time.Now()
	a := NewID(now)
	b := NewID(now)
	if a == b {
		t.Error("consecutive IDs collide")
	}
	if len(a) != 26 {
		t.Errorf("ID length = %d, want 26", len(a))
	}
}
