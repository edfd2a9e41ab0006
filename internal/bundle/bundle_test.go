package bundle

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"testing"
	"time"

	"github.com/ulikunitz/xz"

	"bustracker/internal/objstore"
	"bustracker/internal/scraper"
)

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

const vehicleBody = `{"bustime-response": {"vehicle": [
	{"vid": "1106", "tmstmp": "20250107 18:09:32", "pid": 3916, "rt": "8",
	 "pdist": 25545, "origtatripno": "259615897"}
]}}`

func writeRaw(t *testing.T, sink objstore.Sink, reqTime time.Time) string {
	t.Helper()
	env := scraper.BundleEnvelope{
		V:       scraper.BundleVersion,
		Command: "getvehicles",
		Requests: []scraper.BundleEntry{{
			RequestArgs: url.Values{"rt": {"8"}},
			RequestTime: reqTime,
			LatencyMS:   120,
			Response:    json.RawMessage(vehicleBody),
		}},
	}
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	stamp := reqTime.UTC().Format("20060102150405")
	key := fmt.Sprintf("getvehicles/%s/ttscrape-getvehicles-%sz.json",
		reqTime.UTC().Format("20060102"), stamp)
	if err := sink.Put(context.Background(), key, body); err != nil {
		t.Fatal(err)
	}
	return key
}

func readArchive(t *testing.T, raw []byte) map[string][]byte {
	t.Helper()
	xr, err := xz.NewReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	tr := tar.NewReader(xr)
	out := map[string][]byte{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			t.Fatal(err)
		}
		out[hdr.Name] = body
	}
	return out
}

func TestDayBundlerServiceDayWindow(t *testing.T) {
	sink, err := objstore.NewLocalSink(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	// Service day 20250107 runs 03:00 local Jan 7 to 03:00 local Jan 8,
	// which is 09:00 UTC to 09:00 UTC in winter.
	in1 := writeRaw(t, sink, time.Date(2025, 1, 7, 18, 9, 32, 0, time.UTC))
	in2 := writeRaw(t, sink, time.Date(2025, 1, 7, 19, 9, 32, 0, time.UTC))
	// 02:30 local the next morning still belongs to Jan 7's service day.
	in3 := writeRaw(t, sink, time.Date(2025, 1, 8, 8, 30, 0, 0, time.UTC))
	// 03:30 local is the next service day.
	out1 := writeRaw(t, sink, time.Date(2025, 1, 8, 9, 30, 0, 0, time.UTC))

	b := NewDayBundler(sink, sink, discardLogger())
	key, err := b.Run(ctx, "getvehicles", "20250107")
	if err != nil {
		t.Fatal(err)
	}
	if key != "getvehicles/bundle-20250107.tar.xz" {
		t.Fatalf("key = %q", key)
	}

	raw, err := sink.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	files := readArchive(t, raw)
	for _, want := range []string{"index.json", in1, in2, in3} {
		if _, ok := files[want]; !ok {
			t.Fatalf("archive missing %s (has %d entries)", want, len(files))
		}
	}
	if _, ok := files[out1]; ok {
		t.Fatalf("archive contains out-of-window file %s", out1)
	}

	var idx Index
	if err := json.Unmarshal(files["index.json"], &idx); err != nil {
		t.Fatal(err)
	}
	if !idx.First.Equal(time.Date(2025, 1, 7, 18, 9, 32, 0, time.UTC)) {
		t.Fatalf("first = %v", idx.First)
	}
	if !idx.Last.Equal(time.Date(2025, 1, 8, 8, 30, 0, 0, time.UTC)) {
		t.Fatalf("last = %v", idx.Last)
	}
	// Largest gap: 19:09:32 on the 7th to 08:30:00 on the 8th.
	wantGap := time.Date(2025, 1, 8, 8, 30, 0, 0, time.UTC).
		Sub(time.Date(2025, 1, 7, 19, 9, 32, 0, time.UTC)).Seconds()
	if idx.MaxIntervalS != wantGap {
		t.Fatalf("max interval = %.0f, want %.0f", idx.MaxIntervalS, wantGap)
	}
	if len(idx.Routes["8"]) != 3 {
		t.Fatalf("route index = %+v", idx.Routes)
	}
	if len(idx.PatternIDs["8"]) != 1 || idx.PatternIDs["8"][0] != 3916 {
		t.Fatalf("pattern ids = %+v", idx.PatternIDs)
	}
}

func TestDayBundlerIdempotent(t *testing.T) {
	sink, err := objstore.NewLocalSink(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	writeRaw(t, sink, time.Date(2025, 1, 7, 18, 9, 32, 0, time.UTC))

	b := NewDayBundler(sink, sink, discardLogger())
	key, err := b.Run(ctx, "getvehicles", "20250107")
	if err != nil {
		t.Fatal(err)
	}
	first, err := sink.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}

	// New raw data after the archive exists must not change it.
	writeRaw(t, sink, time.Date(2025, 1, 7, 20, 0, 0, 0, time.UTC))
	if _, err := b.Run(ctx, "getvehicles", "20250107"); err != nil {
		t.Fatal(err)
	}
	second, err := sink.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("existing archive was rewritten")
	}
}

func TestDayBundlerNoData(t *testing.T) {
	sink, err := objstore.NewLocalSink(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	b := NewDayBundler(sink, sink, discardLogger())
	if _, err := b.Run(context.Background(), "getvehicles", "20250107"); err == nil {
		t.Fatal("want error for empty day")
	}
}
