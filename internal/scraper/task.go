package scraper

import (
	"net/url"
	"strconv"
	"strings"

	"bustracker/internal/transit"
)

// Task is one unit of upstream work chosen for a tick. Exactly one task is
// dispatched per wake-up.
type Task interface {
	Command() string
	Args() url.Values
}

// VehicleTask fetches live vehicles for a batch of routes with one call.
type VehicleTask struct {
	Routes []string
}

func (t VehicleTask) Command() string { return transit.CmdGetVehicles }

func (t VehicleTask) Args() url.Values {
	return url.Values{
		"rt":    {strings.Join(t.Routes, ",")},
		"tmres": {"s"},
	}
}

// PatternTask fetches the detail polyline of a single pattern.
type PatternTask struct {
	PatternID int
	RouteID   string
}

func (t PatternTask) Command() string { return transit.CmdGetPatterns }

func (t PatternTask) Args() url.Values {
	return url.Values{"pid": {strconv.Itoa(t.PatternID)}}
}

// PredictionTask fetches arrival predictions for a batch of stops.
type PredictionTask struct {
	StopIDs []int
}

func (t PredictionTask) Command() string { return transit.CmdGetPredictions }

func (t PredictionTask) Args() url.Values {
	ids := make([]string, len(t.StopIDs))
	for i, id := range t.StopIDs {
		ids[i] = strconv.Itoa(id)
	}
	return url.Values{"stpid": {strings.Join(ids, ",")}}
}

// TrainPositionTask fetches live trains for a set of train routes.
type TrainPositionTask struct {
	Routes []string
}

func (t TrainPositionTask) Command() string { return transit.CmdTrainPositions }

func (t TrainPositionTask) Args() url.Values {
	return url.Values{"rt": {strings.Join(t.Routes, ",")}}
}

// TrainArrivalTask fetches ETAs for one station.
type TrainArrivalTask struct {
	StationID int
}

func (t TrainArrivalTask) Command() string { return transit.CmdTrainArrivals }

func (t TrainArrivalTask) Args() url.Values {
	return url.Values{"mapid": {strconv.Itoa(t.StationID)}}
}
