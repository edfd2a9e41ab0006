package tseries

import (
	"context"
	"testing"
)

func TestMemoryStoreAppendAndLatest(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	key := BusKey(954, "259615897")

	for _, p := range []Sample{{60, 500}, {0, 0}, {120, 1200}} {
		if err := m.Append(ctx, key, p.TS, p.Distance); err != nil {
			t.Fatal(err)
		}
	}
	latest, err := m.Latest(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil || latest.TS != 120 || latest.Distance != 1200 {
		t.Fatalf("latest = %+v", latest)
	}

	// Duplicate timestamp is last-write-wins.
	if err := m.Append(ctx, key, 120, 1250); err != nil {
		t.Fatal(err)
	}
	latest, _ = m.Latest(ctx, key)
	if latest.Distance != 1250 {
		t.Fatalf("after rewrite latest = %+v", latest)
	}
}

func TestMemoryStoreKeysGlob(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	_ = m.Append(ctx, BusKey(954, "a"), 1, 1)
	_ = m.Append(ctx, BusKey(954, "b"), 1, 1)
	_ = m.Append(ctx, BusKey(3916, "c"), 1, 1)
	_ = m.Append(ctx, TrainKey(308500036, 417), 1, 1)

	keys, err := m.Keys(ctx, BusKeyGlob(954))
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0] != "bus:954:a" || keys[1] != "bus:954:b" {
		t.Fatalf("keys = %v", keys)
	}
}

func TestMemoryStoreBatchRangePick(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	key := BusKey(1, "t")
	for _, p := range []Sample{{0, 0}, {60, 500}, {120, 1200}, {180, 2000}} {
		_ = m.Append(ctx, key, p.TS, p.Distance)
	}

	out, err := m.BatchRange(ctx, []RangeReq{
		{Key: key, MinDist: 0, MaxDist: 800, Pick: PickMax},
		{Key: key, MinDist: 800, MaxDist: 3800, Pick: PickMin},
		{Key: key, MinDist: 2500, MaxDist: 3000, Pick: PickMin},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out[0] == nil || out[0].Distance != 500 {
		t.Fatalf("below side = %+v", out[0])
	}
	if out[1] == nil || out[1].Distance != 1200 {
		t.Fatalf("above side = %+v", out[1])
	}
	if out[2] != nil {
		t.Fatalf("empty window = %+v", out[2])
	}
}

func TestMemoryStoreDeleteBefore(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	key := BusKey(1, "t")
	for _, p := range []Sample{{10, 1}, {20, 2}, {30, 3}} {
		_ = m.Append(ctx, key, p.TS, p.Distance)
	}
	if err := m.DeleteBefore(ctx, key, 20); err != nil {
		t.Fatal(err)
	}
	latest, _ := m.Latest(ctx, key)
	if latest == nil || latest.TS != 30 {
		t.Fatalf("latest = %+v", latest)
	}
	if err := m.DeleteBefore(ctx, key, 30); err != nil {
		t.Fatal(err)
	}
	latest, _ = m.Latest(ctx, key)
	if latest != nil {
		t.Fatalf("key not emptied: %+v", latest)
	}
}
