package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bustracker/internal/clock"
	"bustracker/internal/estimate"
	"bustracker/internal/scraper"
	"bustracker/internal/storage"
	"bustracker/internal/tseries"
)

type fakeStops struct {
	stops    []storage.NearbyStop
	vehicles []storage.CurrentVehicle
	trains   []storage.CurrentTrain
}

func (f *fakeStops) StopsInBox(_ context.Context, minLat, maxLat, minLon, maxLon float64) ([]storage.NearbyStop, error) {
	var out []storage.NearbyStop
	for _, s := range f.stops {
		if s.Lat >= minLat && s.Lat <= maxLat && s.Lon >= minLon && s.Lon <= maxLon {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStops) CurrentVehiclesOnPatterns(_ context.Context, pids []int) ([]storage.CurrentVehicle, error) {
	want := map[int]bool{}
	for _, p := range pids {
		want[p] = true
	}
	var out []storage.CurrentVehicle
	for _, v := range f.vehicles {
		if want[v.PatternID] {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeStops) CurrentTrains(_ context.Context, routeID string) ([]storage.CurrentTrain, error) {
	return f.trains, nil
}

func (f *fakeStops) LiveDeparture(_ context.Context, stopID int, now time.Time) (*storage.Prediction, error) {
	return nil, nil
}

type fakeLoop struct {
	state scraper.RunState
	last  time.Time
}

func (f *fakeLoop) State() scraper.RunState { return f.state }
func (f *fakeLoop) LastScrape() time.Time   { return f.last }

type fakePending map[string]int

func (f fakePending) Pending() map[string]int { return f }

func testServer(t *testing.T, db *fakeStops, series tseries.Store, loop LoopStatus, bundler PendingCounter) *Server {
	t.Helper()
	log := slog.New(slog.DiscardHandler)
	engine := estimate.NewEngine(series, log)
	clk := clock.NewFixed(time.Date(2025, 1, 8, 0, 10, 0, 0, time.UTC))
	query := estimate.NewQuery(db, engine, nil, clk, log)
	return NewServer(Config{
		Query:     query,
		Engine:    engine,
		Loop:      loop,
		Bundler:   bundler,
		WriteMode: "local",
	})
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]json.RawMessage
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestStatus(t *testing.T) {
	loop := &fakeLoop{
		state: scraper.StateIdle,
		last:  time.Date(2025, 1, 8, 0, 9, 30, 0, time.UTC),
	}
	srv := testServer(t, &fakeStops{}, tseries.NewMemoryStore(), loop, fakePending{"getvehicles": 3})

	rec, _ := doJSON(t, srv.Router(), http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "IDLE", resp.RunState)
	assert.Equal(t, "local", resp.WriteMode)
	assert.Equal(t, "2025-01-08T00:09:30Z", resp.LastScrape)
	assert.Equal(t, map[string]int{"getvehicles": 3}, resp.Pending)
}

func TestStatusWithoutLoop(t *testing.T) {
	srv := testServer(t, &fakeStops{}, tseries.NewMemoryStore(), nil, nil)

	rec, _ := doJSON(t, srv.Router(), http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "STOPPED", resp.RunState)
	assert.Empty(t, resp.LastScrape)
}

func TestNearestRejectsBadCoords(t *testing.T) {
	srv := testServer(t, &fakeStops{}, tseries.NewMemoryStore(), nil, nil)
	r := srv.Router()

	for _, path := range []string{
		"/nearest-estimates",
		"/nearest-estimates?lat=41.88",
		"/nearest-estimates?lat=91&lon=-87.66",
		"/nearest-trains?lat=abc&lon=-87.66",
		"/combined-estimate?lat=41.88&lon=-181",
	} {
		rec, _ := doJSON(t, r, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestNearestEmptyIsOK(t *testing.T) {
	srv := testServer(t, &fakeStops{}, tseries.NewMemoryStore(), nil, nil)

	rec, body := doJSON(t, srv.Router(), http.MethodGet, "/nearest-estimates?lat=41.88&lon=-87.66", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", string(body["results"]))
}

// seedRamp writes one completed traversal at 12.5 ft/s with samples every
// 250 ft, so the engine has history to estimate from.
func seedRamp(t *testing.T, series tseries.Store, key string, t0 int64) {
	t.Helper()
	for k := int64(0); k <= 12; k++ {
		require.NoError(t, series.Append(context.Background(), key, t0+k*20, float64(k*250)))
	}
}

func TestEstimatesEndpoint(t *testing.T) {
	series := tseries.NewMemoryStore()
	// Two similar historical trips over pattern 3916.
	seedRamp(t, series, tseries.BusKey(3916, "a"), 0)
	seedRamp(t, series, tseries.BusKey(3916, "b"), 5)

	srv := testServer(t, &fakeStops{}, series, nil, nil)

	reqBody := map[string]any{
		"estimates": []map[string]any{{
			"pattern_id":    3916,
			"stop_position": 2500.0,
			"vehicle_positions": []map[string]any{
				{"vehicle_position": 1000.0, "vehicle_id": "1106"},
			},
		}},
	}
	rec, _ := doJSON(t, srv.Router(), http.MethodPost, "/estimates/", reqBody)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp EstimateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Patterns, 1)
	p := resp.Patterns[0]
	assert.Equal(t, 3916, p.PatternID)
	require.Len(t, p.SingleEstimates, 1)
	se := p.SingleEstimates[0]
	assert.Equal(t, "1106", se.VehicleID)
	assert.True(t, se.Known)
	// 1500 ft to cover at 12.5 ft/s is 120 s.
	assert.Equal(t, 120, se.LowS)
	assert.Equal(t, 120, se.HighS)
}

func TestEstimatesRecalculatePositions(t *testing.T) {
	series := tseries.NewMemoryStore()
	seedRamp(t, series, tseries.BusKey(3916, "a"), 0)
	seedRamp(t, series, tseries.BusKey(3916, "b"), 5)

	db := &fakeStops{vehicles: []storage.CurrentVehicle{{
		VehicleID:         "1106",
		PatternID:         3916,
		PatternDistanceFt: 2000,
	}}}
	srv := testServer(t, db, series, nil, nil)

	reqBody := map[string]any{
		"estimates": []map[string]any{{
			"pattern_id":    3916,
			"stop_position": 2500.0,
			"vehicle_positions": []map[string]any{
				{"vehicle_position": 1000.0, "vehicle_id": "1106"},
			},
		}},
		"recalculate_positions": true,
	}
	rec, _ := doJSON(t, srv.Router(), http.MethodPost, "/estimates/", reqBody)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp EstimateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Patterns, 1)
	require.Len(t, resp.Patterns[0].SingleEstimates, 1)
	se := resp.Patterns[0].SingleEstimates[0]
	// The stored live position replaces the client's stale one.
	assert.Equal(t, 2000.0, se.VehiclePosition)
	// 500 ft remaining at 12.5 ft/s.
	assert.Equal(t, 40, se.LowS)
}

func TestEstimatesRejectsBadBody(t *testing.T) {
	srv := testServer(t, &fakeStops{}, tseries.NewMemoryStore(), nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/estimates/", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDetailEndpoint(t *testing.T) {
	series := tseries.NewMemoryStore()
	seedRamp(t, series, tseries.BusKey(3916, "a"), 0)
	seedRamp(t, series, tseries.BusKey(3916, "b"), 5)

	now := time.Date(2025, 1, 8, 0, 10, 0, 0, time.UTC)
	db := &fakeStops{vehicles: []storage.CurrentVehicle{
		{VehicleID: "far", PatternID: 3916, PatternDistanceFt: 500, LastUpdate: now.Add(-time.Minute)},
		{VehicleID: "near", PatternID: 3916, PatternDistanceFt: 2000, LastUpdate: now.Add(-30 * time.Second)},
		{VehicleID: "past", PatternID: 3916, PatternDistanceFt: 2600, LastUpdate: now},
	}}
	srv := testServer(t, db, series, nil, nil)

	rec, body := doJSON(t, srv.Router(), http.MethodPost, "/detail", DetailRequest{PatternID: 3916, StopPosition: 2500})
	require.Equal(t, http.StatusOK, rec.Code)

	var vehicles []estimate.VehicleDetail
	require.NoError(t, json.Unmarshal(body["vehicles"], &vehicles))
	require.Len(t, vehicles, 2)
	assert.Equal(t, "near", vehicles[0].VehicleID)
	assert.Equal(t, "far", vehicles[1].VehicleID)
}

func TestDetailRequiresPattern(t *testing.T) {
	srv := testServer(t, &fakeStops{}, tseries.NewMemoryStore(), nil, nil)
	rec, _ := doJSON(t, srv.Router(), http.MethodPost, "/detail", DetailRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
