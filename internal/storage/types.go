// Package storage persists observations, reference data, and operational
// ledgers in the shared PostgreSQL database.
package storage

import "time"

// Route is the reference row for one bus or train route.
type Route struct {
	RouteID     string
	DisplayName string
	Color       string
}

// PatternDetail is the scraped detail of one pattern: metadata plus its
// ordered stops and waypoints.
type PatternDetail struct {
	PatternID   int
	RouteID     string
	Direction   string
	LengthFt    float64
	FirstStopID *int
	Stops       []PatternStop
}

// PatternStop is one ordered element of a pattern. Waypoints carry no stop
// id.
type PatternStop struct {
	SequenceNo        int
	StopID            *int
	StopName          string
	PatternDistanceFt float64
	Lat               float64
	Lon               float64
	DirectionChange   bool
	Headsign          string
}

// Observation is one position sample of a bus.
type Observation struct {
	VehicleID         string
	Timestamp         time.Time
	Lat               float64
	Lon               float64
	PatternID         int
	RouteID           string
	PatternDistanceFt float64
	TripKey           string
	BlockID           string
	Destination       string
	Completed         bool
}

// CurrentVehicle is the latest known state of one bus.
type CurrentVehicle struct {
	VehicleID         string
	LastUpdate        time.Time
	Lat               float64
	Lon               float64
	PatternID         int
	RouteID           string
	PatternDistanceFt float64
	TripKey           string
	Destination       string
}

// TrainObservation is one position sample of a train, keyed by run number.
type TrainObservation struct {
	Run              int
	Timestamp        time.Time
	Lat              float64
	Lon              float64
	RouteID          string
	DestName         string
	NextStation      int
	NextStop         int
	ArrivalETA       *time.Time
	Approaching      bool
	Delayed          bool
	Heading          int
	PatternID        int
	PatternDistanceM float64
}

// CurrentTrain is the latest known state of one run.
type CurrentTrain struct {
	Run              int
	LastUpdate       time.Time
	Lat              float64
	Lon              float64
	RouteID          string
	DestName         string
	NextStation      int
	NextStop         int
	ArrivalETA       *time.Time
	Approaching      bool
	Delayed          bool
	Heading          int
	PatternID        int
	PatternDistanceM float64
}

// Trip identifies one vehicle's service on one pattern within a service
// day.
type Trip struct {
	ID             int64
	ScheduleDay    string
	OriginalTripID string
	RouteID        string
	PatternID      int
}

// Prediction is one stored arrival or departure prediction for a stop.
type Prediction struct {
	StopID           int
	RouteID          string
	VehicleID        string
	Kind             string // "A" arrival, "D" departure
	PredictedMinutes int
	PredictionTime   time.Time
	Destination      string
}

// FileRecord identifies one raw-response file in the parse ledger.
type FileRecord struct {
	FileID       string
	RelativePath string
	Filename     string
	Command      string
	DataTime     time.Time
}

// NearbyStop is one candidate from the near-stop prefilter: a stop on a
// pattern within the search box, with its distance along that pattern.
type NearbyStop struct {
	StopID            int
	StopName          string
	Lat               float64
	Lon               float64
	PatternID         int
	RouteID           string
	Direction         string
	SequenceNo        int
	PatternDistanceFt float64
	Headsign          string
	FirstStopID       *int
	LastStopName      string
}
