package scraper

import (
	"context"
	"testing"
	"time"

	"bustracker/internal/clock"
)

func TestTrainChooserCycle(t *testing.T) {
	clk := clock.NewFixed(time.Date(2025, 1, 7, 18, 0, 0, 0, time.UTC)) // noon local
	c := NewTrainChooser(clk, 60*time.Second)
	ctx := context.Background()

	task, err := c.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	pt, ok := task.(TrainPositionTask)
	if !ok {
		t.Fatalf("first task = %T, want TrainPositionTask", task)
	}
	if len(pt.Routes) != len(TrainRoutes) {
		t.Errorf("routes = %v", pt.Routes)
	}

	// Every terminal station follows, in order.
	for i, want := range TerminalStations {
		task, err = c.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		at, ok := task.(TrainArrivalTask)
		if !ok {
			t.Fatalf("task %d = %T, want TrainArrivalTask", i, task)
		}
		if at.StationID != want {
			t.Errorf("station %d = %d, want %d", i, at.StationID, want)
		}
	}

	// Cycle complete, interval not yet elapsed.
	task, err = c.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if task != nil {
		t.Fatalf("task = %v, want nil before interval elapses", task)
	}

	clk.Advance(60 * time.Second)
	task, err = c.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := task.(TrainPositionTask); !ok {
		t.Fatalf("task after interval = %T, want TrainPositionTask", task)
	}
}

func TestTrainChooserNightMode(t *testing.T) {
	// 08:00 UTC in January is 02:00 in Chicago.
	clk := clock.NewFixed(time.Date(2025, 1, 7, 8, 0, 0, 0, time.UTC))
	c := NewTrainChooser(clk, 60*time.Second)
	ctx := context.Background()

	task, err := c.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := task.(TrainPositionTask); !ok {
		t.Fatalf("task = %T", task)
	}
	c.pending = nil // skip the terminal sweep

	clk.Advance(2 * time.Minute)
	if task, _ := c.Next(ctx); task != nil {
		t.Fatalf("task = %v, want nil at night before 5 min", task)
	}

	clk.Advance(3 * time.Minute)
	task, err = c.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := task.(TrainPositionTask); !ok {
		t.Fatalf("task = %T, want TrainPositionTask after 5 min", task)
	}
}
