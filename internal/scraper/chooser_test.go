package scraper

import (
	"context"
	"testing"
	"time"

	"bustracker/internal/clock"
	"bustracker/internal/state"
)

func newChooserFixture(t *testing.T) (*state.SQLiteStore, *clock.Fixed) {
	t.Helper()
	store, err := state.NewSQLiteStore("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, clock.NewFixed(time.Date(2025, 1, 7, 12, 0, 0, 0, time.UTC))
}

func TestChooserVehicleBatch(t *testing.T) {
	store, clk := newChooserFixture(t)
	ctx := context.Background()
	for _, rt := range []string{"8", "126", "137"} {
		if err := store.EnsureRoute(ctx, rt, ""); err != nil {
			t.Fatal(err)
		}
	}

	c := NewChooser(store, clk, 4*time.Second)
	task, err := c.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	vt, ok := task.(VehicleTask)
	if !ok {
		t.Fatalf("task = %T", task)
	}
	if len(vt.Routes) != 3 {
		t.Fatalf("routes = %v", vt.Routes)
	}
}

func TestChooserRespectsScrapeInterval(t *testing.T) {
	store, clk := newChooserFixture(t)
	ctx := context.Background()
	if err := store.EnsureRoute(ctx, "8", ""); err != nil {
		t.Fatal(err)
	}
	// Freshly attempted and succeeded: nothing is due yet.
	if err := store.MarkRoutesAttempted(ctx, []string{"8"}, clk.Now()); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkRoutesActive(ctx, []string{"8"}, clk.Now()); err != nil {
		t.Fatal(err)
	}

	c := NewChooser(store, clk, 4*time.Second)
	task, err := c.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if task != nil {
		t.Fatalf("task = %#v, want none", task)
	}

	clk.Advance(5 * time.Second)
	task, err = c.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := task.(VehicleTask); !ok {
		t.Fatalf("task = %T after interval", task)
	}
}

func TestChooserPatternRefreshEvery20Ticks(t *testing.T) {
	store, clk := newChooserFixture(t)
	ctx := context.Background()
	if err := store.EnsurePattern(ctx, 3916, "8"); err != nil {
		t.Fatal(err)
	}

	c := NewChooser(store, clk, 4*time.Second)
	var patternTick int
	for tick := 1; tick <= 20; tick++ {
		task, err := c.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if pt, ok := task.(PatternTask); ok {
			patternTick = tick
			if pt.PatternID != 3916 {
				t.Fatalf("pattern = %d", pt.PatternID)
			}
		}
		clk.Advance(4 * time.Second)
	}
	if patternTick != 20 {
		t.Fatalf("pattern task on tick %d, want 20", patternTick)
	}
}

func TestChooserConsecutivePatternCap(t *testing.T) {
	store, clk := newChooserFixture(t)
	ctx := context.Background()
	// A deep backlog of unscraped patterns plus one active route.
	for pid := 100; pid < 110; pid++ {
		if err := store.EnsurePattern(ctx, pid, "8"); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.EnsureRoute(ctx, "8", ""); err != nil {
		t.Fatal(err)
	}

	c := NewChooser(store, clk, 0)
	var kinds []string
	for tick := 1; tick <= 24; tick++ {
		task, err := c.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		switch tt := task.(type) {
		case PatternTask:
			kinds = append(kinds, "pattern")
			if err := store.MarkPatternAttempted(ctx, tt.PatternID, clk.Now()); err != nil {
				t.Fatal(err)
			}
			if err := store.MarkPatternScraped(ctx, tt.PatternID, clk.Now()); err != nil {
				t.Fatal(err)
			}
		case VehicleTask:
			kinds = append(kinds, "vehicle")
		case nil:
			kinds = append(kinds, "none")
		}
		clk.Advance(4 * time.Second)
	}

	// Ticks 20..22 drain the backlog three at a time, then vehicles resume.
	run := 0
	maxRun := 0
	for _, k := range kinds {
		if k == "pattern" {
			run++
			if run > maxRun {
				maxRun = run
			}
		} else {
			run = 0
		}
	}
	if maxRun != 3 {
		t.Fatalf("longest pattern run = %d, want 3 (%v)", maxRun, kinds)
	}
}

func TestChooserPredictionsWhenNoRoutesDue(t *testing.T) {
	store, clk := newChooserFixture(t)
	ctx := context.Background()
	for id := 1; id <= 7; id++ {
		if err := store.EnsureStop(ctx, id, "", 41.8, -87.6); err != nil {
			t.Fatal(err)
		}
	}

	c := NewChooser(store, clk, 4*time.Second)
	task, err := c.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	pt, ok := task.(PredictionTask)
	if !ok {
		t.Fatalf("task = %T", task)
	}
	if len(pt.StopIDs) != 5 {
		t.Fatalf("stops = %v", pt.StopIDs)
	}
}

func TestChooserDeterministic(t *testing.T) {
	store, clk := newChooserFixture(t)
	ctx := context.Background()
	if err := store.EnsureRoute(ctx, "8", ""); err != nil {
		t.Fatal(err)
	}

	a := NewChooser(store, clk, 4*time.Second)
	b := NewChooser(store, clk, 4*time.Second)
	ta, err := a.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	tb, err := b.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	va, aok := ta.(VehicleTask)
	vb, bok := tb.(VehicleTask)
	if !aok || !bok || len(va.Routes) != len(vb.Routes) || va.Routes[0] != vb.Routes[0] {
		t.Fatalf("diverged: %#v vs %#v", ta, tb)
	}
}
