package scraper

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"testing"
	"time"

	"bustracker/internal/clock"
	"bustracker/internal/objstore"
	"bustracker/internal/transit"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestBundlerFlushWritesEnvelope(t *testing.T) {
	sink, err := objstore.NewLocalSink(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	clk := clock.NewFixed(time.Date(2025, 1, 7, 18, 9, 32, 0, time.UTC))
	b := NewBundler(sink, LocalKeys, clk, discardLogger())

	b.Record(&FetchResult{
		Command:     transit.CmdGetVehicles,
		Args:        url.Values{"rt": {"8"}},
		RequestTime: clk.Now(),
		Latency:     125 * time.Millisecond,
		Body:        []byte(`{"bustime-response":{"vehicle":[]}}`),
	})
	b.Record(&FetchResult{
		Command:     transit.CmdGetVehicles,
		Args:        url.Values{"rt": {"126"}},
		RequestTime: clk.Now().Add(4 * time.Second),
		Latency:     90 * time.Millisecond,
		Body:        []byte(`{"bustime-response":{"vehicle":[]}}`),
	})

	if err := b.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	key := "getvehicles/20250107/ttscrape-getvehicles-20250107180932z.json"
	body, err := sink.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("bundle not written at %s: %v", key, err)
	}
	var env BundleEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatal(err)
	}
	if env.V != "2.0" || env.Command != transit.CmdGetVehicles || len(env.Requests) != 2 {
		t.Fatalf("envelope = %+v", env)
	}
	if env.Requests[0].LatencyMS != 125 {
		t.Fatalf("latency = %d", env.Requests[0].LatencyMS)
	}
}

func TestBundlerS3KeyNaming(t *testing.T) {
	clk := clock.NewFixed(time.Date(2025, 1, 7, 18, 9, 32, 0, time.UTC))
	b := NewBundler(nil, S3Keys, clk, discardLogger())
	key := b.bundleKey(transit.CmdGetPatterns, clk.Now())
	if key != "getpatterns/20250107/t180932z.json" {
		t.Fatalf("key = %s", key)
	}
}

func TestBundlerFlushDue(t *testing.T) {
	sink, err := objstore.NewLocalSink(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	clk := clock.NewFixed(time.Date(2025, 1, 7, 18, 0, 0, 0, time.UTC))
	b := NewBundler(sink, LocalKeys, clk, discardLogger())

	if b.FlushDue() {
		t.Fatal("flush due immediately")
	}
	clk.Advance(5 * time.Minute)
	if !b.FlushDue() {
		t.Fatal("flush not due after 5m")
	}
	if err := b.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if b.FlushDue() {
		t.Fatal("flush due right after flushing")
	}
}

func TestBundlerRecordHook(t *testing.T) {
	clk := clock.NewFixed(time.Date(2025, 1, 7, 18, 0, 0, 0, time.UTC))
	b := NewBundler(nil, LocalKeys, clk, discardLogger())

	var gotCommand string
	var gotEntry BundleEntry
	b.OnRecord(func(command string, entry BundleEntry) {
		gotCommand = command
		gotEntry = entry
	})
	b.Record(&FetchResult{
		Command:     transit.CmdGetVehicles,
		RequestTime: clk.Now(),
		Body:        []byte(`{}`),
	})
	if gotCommand != transit.CmdGetVehicles || string(gotEntry.Response) != "{}" {
		t.Fatalf("hook got %s %s", gotCommand, gotEntry.Response)
	}
}
