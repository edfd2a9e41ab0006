package state

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEnsureRouteIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnsureRoute(ctx, "8", "Halsted"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkRoutesAttempted(ctx, []string{"8"}, time.Now()); err != nil {
		t.Fatal(err)
	}
	// Second ensure must not reset state.
	if err := s.EnsureRoute(ctx, "8", "Halsted"); err != nil {
		t.Fatal(err)
	}
	routes, err := s.ActiveRoutes(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(routes) != 0 {
		t.Fatalf("route reverted to active: %+v", routes)
	}
}

func TestUnpauseThresholds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 1, 7, 12, 0, 0, 0, time.UTC)

	seed := []struct {
		id      string
		mark    func() error
		stamped time.Time
	}{
		{"paused-old", func() error { return s.PauseRoute(ctx, "paused-old") }, now.Add(-31 * time.Minute)},
		{"paused-new", func() error { return s.PauseRoute(ctx, "paused-new") }, now.Add(-5 * time.Minute)},
		{"attempted-old", nil, now.Add(-3 * time.Minute)},
		{"attempted-new", nil, now.Add(-30 * time.Second)},
	}
	for _, row := range seed {
		if err := s.EnsureRoute(ctx, row.id, ""); err != nil {
			t.Fatal(err)
		}
		if err := s.MarkRoutesAttempted(ctx, []string{row.id}, row.stamped); err != nil {
			t.Fatal(err)
		}
		if row.mark != nil {
			if err := row.mark(); err != nil {
				t.Fatal(err)
			}
		}
	}

	n, err := s.Unpause(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("unpaused %d, want 2", n)
	}

	routes, err := s.ActiveRoutes(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]bool{}
	for _, r := range routes {
		got[r.RouteID] = true
	}
	if !got["paused-old"] || !got["attempted-old"] || got["paused-new"] || got["attempted-new"] {
		t.Fatalf("active set = %v", got)
	}
}

func TestActiveRoutesOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 1, 7, 12, 0, 0, 0, time.UTC)

	for _, id := range []string{"a", "b", "c"} {
		if err := s.EnsureRoute(ctx, id, ""); err != nil {
			t.Fatal(err)
		}
	}
	// b attempted long ago, c recently, a never.
	if err := s.MarkRoutesAttempted(ctx, []string{"b"}, now.Add(-10*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkRoutesActive(ctx, []string{"b"}, now.Add(-10*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkRoutesAttempted(ctx, []string{"c"}, now.Add(-1*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkRoutesActive(ctx, []string{"c"}, now); err != nil {
		t.Fatal(err)
	}

	routes, err := s.ActiveRoutes(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(routes) != 3 {
		t.Fatalf("got %d routes", len(routes))
	}
	if routes[0].RouteID != "a" || routes[1].RouteID != "b" || routes[2].RouteID != "c" {
		t.Fatalf("order = %s %s %s", routes[0].RouteID, routes[1].RouteID, routes[2].RouteID)
	}
}

func TestStalePatterns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 1, 7, 12, 0, 0, 0, time.UTC)

	if err := s.EnsurePattern(ctx, 3916, "8"); err != nil {
		t.Fatal(err)
	}
	if err := s.EnsurePattern(ctx, 954, "126"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkPatternScraped(ctx, 954, now.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}

	stale, err := s.StalePatterns(ctx, now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].PatternID != 3916 || stale[0].State != NeedsScraping {
		t.Fatalf("stale = %+v", stale)
	}

	// A scraped pattern goes stale after three days.
	stale, err = s.StalePatterns(ctx, now.Add(4*24*time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 2 {
		t.Fatalf("stale after 4d = %+v", stale)
	}
}

func TestPredictionStopsGrouping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 1, 7, 12, 0, 0, 0, time.UTC)

	for id := 1; id <= 3; id++ {
		if err := s.EnsureStop(ctx, id, "", 41.8, -87.6); err != nil {
			t.Fatal(err)
		}
	}
	// Stop 2 has a recorded prediction; 1 and 3 have none.
	if err := s.SetStopPrediction(ctx, 2, now.Add(5*time.Minute), 5); err != nil {
		t.Fatal(err)
	}

	stops, err := s.PredictionStops(ctx, now, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(stops) != 3 {
		t.Fatalf("got %d stops", len(stops))
	}
	// Null-prediction stops come first.
	if stops[0].NextPredictedAt != nil || stops[1].NextPredictedAt != nil {
		t.Fatalf("ordering = %+v", stops)
	}
	if stops[2].StopID != 2 {
		t.Fatalf("last stop = %+v", stops[2])
	}
}

func TestPauseStop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.EnsureStop(ctx, 17, "", 41.8, -87.6); err != nil {
		t.Fatal(err)
	}
	if err := s.PauseStop(ctx, 17); err != nil {
		t.Fatal(err)
	}
	stops, err := s.PredictionStops(ctx, time.Now(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(stops) != 0 {
		t.Fatalf("paused stop still eligible: %+v", stops)
	}
}
