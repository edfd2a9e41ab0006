// Package transit defines the wire types of the upstream bus-time and
// train-tracker APIs. Field names follow the upstream JSON exactly; parsing
// of the quirkier fields (flexible numbers, local timestamps) lives here so
// the rest of the tracker sees clean Go types.
package transit

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Bus-time API commands.
const (
	CmdGetTime        = "gettime"
	CmdGetVehicles    = "getvehicles"
	CmdGetRoutes      = "getroutes"
	CmdGetPatterns    = "getpatterns"
	CmdGetStops       = "getstops"
	CmdGetDirections  = "getdirections"
	CmdGetPredictions = "getpredictions"
)

// Train-tracker API commands.
const (
	CmdTrainPositions = "ttpositions.aspx"
	CmdTrainArrivals  = "ttarrivals.aspx"
)

// MaxEntitiesPerRequest is the upstream cap on comma-separated entity lists.
const MaxEntitiesPerRequest = 10

// ResponseKey maps a bus command to the payload field inside the
// bustime-response envelope. Commands absent from the map have no list
// payload.
var ResponseKey = map[string]string{
	CmdGetTime:        "tm",
	CmdGetVehicles:    "vehicle",
	CmdGetRoutes:      "routes",
	CmdGetPatterns:    "ptr",
	CmdGetStops:       "stops",
	CmdGetDirections:  "directions",
	CmdGetPredictions: "prd",
}

// FlexInt tolerates upstream fields that arrive as either JSON numbers or
// numeric strings.
type FlexInt int

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		// Some fields carry decimals ("25545.0").
		fl, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return err
		}
		n = int(fl)
	}
	*f = FlexInt(n)
	return nil
}

// FlexFloat tolerates numbers-as-strings, which the upstream uses for
// coordinates.
type FlexFloat float64

func (f *FlexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = FlexFloat(v)
	return nil
}

// BusEnvelope is the outer object of every bus-time response.
type BusEnvelope struct {
	BustimeResponse map[string]json.RawMessage `json:"bustime-response"`
}

// BusError is a per-entity error object inside the envelope's error list.
type BusError struct {
	Msg    string `json:"msg"`
	Route  string `json:"rt,omitempty"`
	StopID string `json:"stpid,omitempty"`
}

// Vehicle is one entry of a getvehicles response.
type Vehicle struct {
	VID             string    `json:"vid"`
	Timestamp       string    `json:"tmstmp"`
	Lat             FlexFloat `json:"lat"`
	Lon             FlexFloat `json:"lon"`
	Heading         FlexInt   `json:"hdg"`
	PatternID       int       `json:"pid"`
	PatternDistance FlexInt   `json:"pdist"`
	Route           string    `json:"rt"`
	Destination     string    `json:"des"`
	Delayed         bool      `json:"dly"`
	TripID          string    `json:"tatripid"`
	OrigTripNo      string    `json:"origtatripno"`
	BlockID         string    `json:"tablockid"`
	Zone            string    `json:"zone"`
}

// RouteInfo is one entry of a getroutes response.
type RouteInfo struct {
	Route string `json:"rt"`
	Name  string `json:"rtnm"`
	Color string `json:"rtclr"`
}

// PatternPoint is one waypoint or stop of a pattern polyline.
type PatternPoint struct {
	Sequence     int       `json:"seq"`
	Type         string    `json:"typ"` // "S" stop, "W" waypoint
	StopID       string    `json:"stpid"`
	StopName     string    `json:"stpnm"`
	PatternDist  FlexFloat `json:"pdist"`
	Lat          FlexFloat `json:"lat"`
	Lon          FlexFloat `json:"lon"`
}

// Pattern is one entry of a getpatterns response.
type Pattern struct {
	PatternID int            `json:"pid"`
	Length    FlexFloat      `json:"ln"`
	Direction string         `json:"rtdir"`
	Points    []PatternPoint `json:"pt"`
}

// Prediction is one entry of a getpredictions response.
type Prediction struct {
	Timestamp     string  `json:"tmstmp"`
	Type          string  `json:"typ"` // "A" arrival, "D" departure
	StopID        string  `json:"stpid"`
	StopName      string  `json:"stpnm"`
	VID           string  `json:"vid"`
	DistToStop    FlexInt `json:"dstp"`
	Route         string  `json:"rt"`
	Direction     string  `json:"rtdir"`
	Destination   string  `json:"des"`
	PredictedTime string  `json:"prdtm"`
	OrigTripNo    string  `json:"origtatripno"`
	Countdown     string  `json:"prdctdn"` // minutes, "DUE", or "DLY"
	Delayed       bool    `json:"dly"`
}

// CountdownMinutes converts the prdctdn field: "DUE" is 1, "DLY" is -1,
// otherwise the numeric minute count. ok is false for unparseable values.
func (p Prediction) CountdownMinutes() (mins int, ok bool) {
	switch p.Countdown {
	case "DUE":
		return 1, true
	case "DLY":
		return -1, true
	default:
		n, err := strconv.Atoi(p.Countdown)
		if err != nil {
			return 0, false
		}
		return n, true
	}
}

// TrainEnvelope is the outer object of every train-tracker response.
type TrainEnvelope struct {
	Ctatt json.RawMessage `json:"ctatt"`
}

// TrainHeader carries the error fields shared by all train responses.
type TrainHeader struct {
	Timestamp string `json:"tmst"`
	ErrCode   string `json:"errCd"`
	ErrName   string `json:"errNm"`
}

// TrainRoute is one route entry of a ttpositions response. The train field
// may be a single object or a list; Trains normalises.
type TrainRoute struct {
	Name     string          `json:"@name"`
	RawTrain json.RawMessage `json:"train"`
}

// Trains decodes the route's train field, accepting both the single-object
// and list forms the upstream emits.
func (tr TrainRoute) Trains() ([]Train, error) {
	if len(tr.RawTrain) == 0 {
		return nil, nil
	}
	var list []Train
	if err := json.Unmarshal(tr.RawTrain, &list); err == nil {
		return list, nil
	}
	var one Train
	if err := json.Unmarshal(tr.RawTrain, &one); err != nil {
		return nil, err
	}
	return []Train{one}, nil
}

// Train is one live train of a ttpositions response.
type Train struct {
	Run             FlexInt   `json:"rn"`
	DestStation     FlexInt   `json:"destSt"`
	DestName        string    `json:"destNm"`
	Direction       FlexInt   `json:"trDr"`
	NextStationID   FlexInt   `json:"nextStaId"`
	NextStopID      FlexInt   `json:"nextStpId"`
	NextStationName string    `json:"nextStaNm"`
	PredictionTime  string    `json:"prdt"`
	ArrivalTime     string    `json:"arrT"`
	Approaching     FlexInt   `json:"isApp"`
	Delayed         FlexInt   `json:"isDly"`
	Lat             FlexFloat `json:"lat"`
	Lon             FlexFloat `json:"lon"`
	Heading         FlexInt   `json:"heading"`
}

// TrainPositions is the payload of a ttpositions response.
type TrainPositions struct {
	TrainHeader
	Routes []TrainRoute `json:"route"`
}

// TrainEta is one entry of a ttarrivals response.
type TrainEta struct {
	StationID       FlexInt `json:"staId"`
	StopID          FlexInt `json:"stpId"`
	StationName     string  `json:"staNm"`
	StopDescription string  `json:"stpDe"`
	Run             FlexInt `json:"rn"`
	Route           string  `json:"rt"`
	DestStation     FlexInt `json:"destSt"`
	DestName        string  `json:"destNm"`
	PredictionTime  string  `json:"prdt"`
	ArrivalTime     string  `json:"arrT"`
	Approaching     FlexInt `json:"isApp"`
	Delayed         FlexInt `json:"isDly"`
}

// TrainArrivals is the payload of a ttarrivals response.
type TrainArrivals struct {
	TrainHeader
	Etas []TrainEta `json:"eta"`
}
