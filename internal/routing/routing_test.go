package routing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/paulmach/orb"
)

func TestWalkSeconds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var q routeQuery
		if err := json.Unmarshal([]byte(r.URL.Query().Get("json")), &q); err != nil {
			t.Errorf("bad query payload: %v", err)
		}
		if q.Costing != "pedestrian" || len(q.Locations) != 2 {
			t.Errorf("query = %+v", q)
		}
		w.Write([]byte(`{"trip": {"summary": {"time_seconds": 312, "length_miles": 0.24}}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	secs, err := c.WalkSeconds(context.Background(), orb.Point{-87.664, 41.882}, orb.Point{-87.661, 41.884})
	if err != nil {
		t.Fatal(err)
	}
	if secs != 312 {
		t.Fatalf("secs = %v", secs)
	}
}

func TestWalkSecondsErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}},
		{"bad json", func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`not json`))
		}},
		{"missing summary", func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{"trip": {}}`))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			c := NewClient(srv.URL)
			if _, err := c.WalkSeconds(context.Background(), orb.Point{0, 0}, orb.Point{1, 1}); err == nil {
				t.Fatal("want error")
			}
		})
	}
}
