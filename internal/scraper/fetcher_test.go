package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"bustracker/internal/clock"
	"bustracker/internal/transit"
)

func TestFetcherGet(t *testing.T) {
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Write([]byte(`{"bustime-response":{"vehicle":[{"vid":"1106"}]}}`))
	}))
	defer srv.Close()

	clk := clock.NewFixed(time.Date(2025, 1, 7, 18, 0, 0, 0, time.UTC))
	f := NewBusFetcher(srv.URL, "sekrit", clk)
	res, err := f.Get(context.Background(), transit.CmdGetVehicles, url.Values{"rt": {"8,126"}})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if gotQuery.Get("key") != "sekrit" || gotQuery.Get("format") != "json" || gotQuery.Get("rt") != "8,126" {
		t.Fatalf("query = %v", gotQuery)
	}
	if res.Outcome.Kind != OutcomeOK {
		t.Fatalf("outcome = %v", res.Outcome.Kind)
	}
	if res.Args.Get("key") != "" {
		t.Fatal("api key leaked into recorded args")
	}
	if !res.RequestTime.Equal(clk.Now()) {
		t.Fatalf("request time = %v", res.RequestTime)
	}
}

func TestFetcherTrainFormat(t *testing.T) {
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Write([]byte(`{"ctatt":{"errCd":"0","route":[]}}`))
	}))
	defer srv.Close()

	f := NewTrainFetcher(srv.URL, "k", clock.System{})
	res, err := f.Get(context.Background(), transit.CmdTrainPositions, url.Values{"rt": {"red"}})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if gotQuery.Get("outputType") != "JSON" {
		t.Fatalf("query = %v", gotQuery)
	}
	if res.Outcome.Kind != OutcomeOK {
		t.Fatalf("outcome = %v (%s)", res.Outcome.Kind, res.Outcome.Message)
	}
}

func TestFetcherServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewBusFetcher(srv.URL, "k", clock.System{})
	res, err := f.Get(context.Background(), transit.CmdGetVehicles, nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if res.Outcome.Kind != OutcomePermanent {
		t.Fatalf("outcome = %v", res.Outcome.Kind)
	}
}

func TestFetcherConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // port now refuses connections

	f := NewBusFetcher(srv.URL, "k", clock.System{})
	res, err := f.Get(context.Background(), transit.CmdGetVehicles, nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if res.Outcome.Kind != OutcomeTransient {
		t.Fatalf("outcome = %v", res.Outcome.Kind)
	}
}
