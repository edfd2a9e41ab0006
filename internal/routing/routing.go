// Package routing is the client for the external walking-router. The
// tracker treats it as an opaque round-trip: a failure just disables the
// walk-time filter on that response.
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/paulmach/orb"

	"bustracker/internal/clock"
)

// requestTimeout bounds each routing call.
const requestTimeout = 3 * time.Second

type location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type routeQuery struct {
	Locations []location `json:"locations"`
	Costing   string     `json:"costing"`
	Units     string     `json:"units"`
	ID        string     `json:"id"`
}

type routeResponse struct {
	Trip struct {
		Summary struct {
			TimeSeconds float64 `json:"time_seconds"`
			LengthMiles float64 `json:"length_miles"`
		} `json:"summary"`
	} `json:"trip"`
}

// Client calls a Valhalla-style routing endpoint. Satisfies
// estimate.WalkTimer.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: requestTimeout},
	}
}

// WalkSeconds returns the pedestrian travel time between two WGS84 points.
func (c *Client) WalkSeconds(ctx context.Context, from, to orb.Point) (float64, error) {
	query := routeQuery{
		Locations: []location{
			{Lat: from.Lat(), Lon: from.Lon()},
			{Lat: to.Lat(), Lon: to.Lon()},
		},
		Costing: "pedestrian",
		Units:   "miles",
		ID:      clock.NewID(time.Now()),
	}
	encoded, err := json.Marshal(query)
	if err != nil {
		return 0, fmt.Errorf("encode route query: %w", err)
	}

	u := c.baseURL + "?json=" + url.QueryEscape(string(encoded))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, fmt.Errorf("build route request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("route request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("route request: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("read route response: %w", err)
	}
	var decoded routeResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return 0, fmt.Errorf("decode route response: %w", err)
	}
	if decoded.Trip.Summary.TimeSeconds <= 0 {
		return 0, fmt.Errorf("route response missing time")
	}
	return decoded.Trip.Summary.TimeSeconds, nil
}
