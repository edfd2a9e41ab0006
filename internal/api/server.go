// Package api provides the REST API for arrival estimates and service status.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"bustracker/internal/estimate"
	"bustracker/internal/scraper"
)

// LoopStatus is the slice of the scrape loop the status endpoint reports.
type LoopStatus interface {
	State() scraper.RunState
	LastScrape() time.Time
}

// PendingCounter reports buffered raw entries per command, typically the
// scrape bundler.
type PendingCounter interface {
	Pending() map[string]int
}

// Server answers estimate queries over HTTP.
type Server struct {
	query  *estimate.Query
	engine *estimate.Engine

	// Optional status collaborators; nil when the binary runs no loop.
	loop    LoopStatus
	bundler PendingCounter

	writeMode string
	started   time.Time
}

// Config holds the server's collaborators.
type Config struct {
	Query     *estimate.Query
	Engine    *estimate.Engine
	Loop      LoopStatus
	Bundler   PendingCounter
	WriteMode string
}

// NewServer creates an API server.
func NewServer(cfg Config) *Server {
	return &Server{
		query:     cfg.Query,
		engine:    cfg.Engine,
		loop:      cfg.Loop,
		bundler:   cfg.Bundler,
		writeMode: cfg.WriteMode,
		started:   time.Now().UTC(),
	}
}

// Router returns the configured chi router.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/status", s.handleStatus)
	r.Get("/nearest-estimates", s.handleNearestBuses)
	r.Get("/nearest-trains", s.handleNearestTrains)
	r.Get("/combined-estimate", s.handleCombined)
	r.Post("/estimates/", s.handleEstimates)
	r.Post("/detail", s.handleDetail)

	return r
}

// Run serves the API until the listener fails.
func (s *Server) Run(addr string) error {
	return http.ListenAndServe(addr, s.Router())
}

// StatusResponse is the JSON body of GET /status.
type StatusResponse struct {
	Status     string         `json:"status"`
	RunState   string         `json:"run_state"`
	WriteMode  string         `json:"write_mode"`
	Started    string         `json:"started"`
	LastScrape string         `json:"last_scrape,omitempty"`
	Pending    map[string]int `json:"pending_bundle_entries,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status:    "ok",
		RunState:  scraper.StateStopped.String(),
		WriteMode: s.writeMode,
		Started:   s.started.Format(time.RFC3339),
	}
	if s.loop != nil {
		resp.RunState = s.loop.State().String()
		if last := s.loop.LastScrape(); !last.IsZero() {
			resp.LastScrape = last.UTC().Format(time.RFC3339)
		}
	}
	if s.bundler != nil {
		resp.Pending = s.bundler.Pending()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNearestBuses(w http.ResponseWriter, r *http.Request) {
	s.handleNearest(w, r, s.query.NearestBuses)
}

func (s *Server) handleNearestTrains(w http.ResponseWriter, r *http.Request) {
	s.handleNearest(w, r, s.query.NearestTrains)
}

func (s *Server) handleCombined(w http.ResponseWriter, r *http.Request) {
	s.handleNearest(w, r, s.query.Combined)
}

type nearestFunc func(ctx context.Context, lat, lon float64) ([]estimate.Result, error)

func (s *Server) handleNearest(w http.ResponseWriter, r *http.Request, fn nearestFunc) {
	lat, lon, err := latLon(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	results, err := fn(r.Context(), lat, lon)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if results == nil {
		results = []estimate.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// EstimateRequest is the body of POST /estimates/.
type EstimateRequest struct {
	Estimates []struct {
		PatternID        int     `json:"pattern_id"`
		StopPosition     float64 `json:"stop_position"`
		VehiclePositions []struct {
			VehiclePosition float64 `json:"vehicle_position"`
			VehicleID       string  `json:"vehicle_id"`
		} `json:"vehicle_positions"`
	} `json:"estimates"`
	RecalculatePositions bool `json:"recalculate_positions"`
}

// SingleEstimate pairs a vehicle position with its arrival window.
type SingleEstimate struct {
	VehiclePosition float64 `json:"vehicle_position"`
	VehicleID       string  `json:"vehicle_id,omitempty"`
	estimate.Estimate
}

// PatternEstimates groups the estimates for one pattern and stop position.
type PatternEstimates struct {
	PatternID       int              `json:"pattern_id"`
	StopPosition    float64          `json:"stop_position"`
	SingleEstimates []SingleEstimate `json:"single_estimates"`
}

// EstimateResponse is the body of the POST /estimates/ reply.
type EstimateResponse struct {
	Patterns []PatternEstimates `json:"patterns"`
}

func (s *Server) handleEstimates(w http.ResponseWriter, r *http.Request) {
	var req EstimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	resp := EstimateResponse{Patterns: []PatternEstimates{}}
	for _, e := range req.Estimates {
		positions := make([]float64, len(e.VehiclePositions))
		ids := make([]string, len(e.VehiclePositions))
		for i, vp := range e.VehiclePositions {
			positions[i] = vp.VehiclePosition
			ids[i] = vp.VehicleID
		}

		if req.RecalculatePositions {
			live, err := s.query.CurrentPositions(r.Context(), e.PatternID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			for i, id := range ids {
				if d, ok := live[id]; ok {
					positions[i] = d
				}
			}
		}

		ests, err := s.engine.Arrivals(r.Context(), estimate.BusMode.Glob(e.PatternID), e.StopPosition, positions, estimate.BusMode.Delta)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		singles := make([]SingleEstimate, len(ests))
		for i, est := range ests {
			singles[i] = SingleEstimate{
				VehiclePosition: positions[i],
				VehicleID:       ids[i],
				Estimate:        est,
			}
		}
		resp.Patterns = append(resp.Patterns, PatternEstimates{
			PatternID:       e.PatternID,
			StopPosition:    e.StopPosition,
			SingleEstimates: singles,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// DetailRequest is the body of POST /detail.
type DetailRequest struct {
	PatternID    int     `json:"pattern_id"`
	StopPosition float64 `json:"stop_position"`
}

func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request) {
	var req DetailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.PatternID <= 0 {
		writeError(w, http.StatusBadRequest, "pattern_id is required")
		return
	}
	vehicles, err := s.query.Detail(r.Context(), req.PatternID, req.StopPosition)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if vehicles == nil {
		vehicles = []estimate.VehicleDetail{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"vehicles": vehicles})
}

var errInvalidCoord = errors.New("lat and lon query parameters are required")

func latLon(r *http.Request) (float64, float64, error) {
	lat, err := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	if err != nil {
		return 0, 0, errInvalidCoord
	}
	lon, err := strconv.ParseFloat(r.URL.Query().Get("lon"), 64)
	if err != nil {
		return 0, 0, errInvalidCoord
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return 0, 0, errInvalidCoord
	}
	return lat, lon, nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
