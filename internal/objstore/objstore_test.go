package objstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalSinkRoundTrip(t *testing.T) {
	sink, err := NewLocalSink(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	key := "getvehicles/20250107/t180932z.json"
	if err := sink.Put(ctx, key, []byte(`{"v":"2.0"}`)); err != nil {
		t.Fatal(err)
	}

	ok, err := sink.Exists(ctx, key)
	if err != nil || !ok {
		t.Fatalf("exists = %v, %v", ok, err)
	}
	ok, err = sink.Exists(ctx, "getvehicles/20250107/absent.json")
	if err != nil || ok {
		t.Fatalf("absent exists = %v, %v", ok, err)
	}

	body, err := sink.Get(ctx, key)
	if err != nil || string(body) != `{"v":"2.0"}` {
		t.Fatalf("get = %q, %v", body, err)
	}

	keys, err := sink.List(ctx, "getvehicles/20250107/")
	if err != nil || len(keys) != 1 || keys[0] != key {
		t.Fatalf("list = %v, %v", keys, err)
	}

	keys, err = sink.List(ctx, "getvehicles/20990101/")
	if err != nil || keys != nil {
		t.Fatalf("empty list = %v, %v", keys, err)
	}
}

func TestLocalSinkNoTempLeftovers(t *testing.T) {
	root := t.TempDir()
	sink, err := NewLocalSink(root)
	if err != nil {
		t.Fatal(err)
	}
	if err := sink.Put(context.Background(), "a/b.json", []byte("x")); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(filepath.Join(root, "a"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "b.json" {
		t.Fatalf("dir = %v", entries)
	}
}
