// Package clock centralises time handling for the tracker. All persisted
// timestamps are UTC; the upstream APIs speak local wall-clock time, so
// conversions happen here and nowhere else.
package clock

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// AgencyTimezone is the local timezone of the transit agency. Upstream
// timestamp strings and service-day boundaries are interpreted in it.
const AgencyTimezone = "America/Chicago"

// Upstream timestamp layouts.
const (
	busStampLayout    = "20060102 15:04:05"
	busminStampLayout = "20060102 15:04"
	trainStampLayout  = "2006-01-02T15:04:05"
	fileStampLayout   = "20060102150405"
)

var (
	tzOnce sync.Once
	tz     *time.Location
)

// Local returns the agency timezone.
func Local() *time.Location {
	tzOnce.Do(func() {
		loc, err := time.LoadLocation(AgencyTimezone)
		if err != nil {
			loc = time.FixedZone("CST", -6*60*60)
		}
		tz = loc
	})
	return tz
}

// Clock abstracts wall-clock reads so the chooser and the scrape loop can be
// driven by a frozen clock in tests.
type Clock interface {
	Now() time.Time
	// Sleep waits for d or until ctx is cancelled.
	Sleep(ctx context.Context, d time.Duration)
}

// System reads the real clock. The zero value is usable.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

func (System) Sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Fixed is a settable clock for tests.
type Fixed struct {
	mu sync.Mutex
	t  time.Time
}

// NewFixed returns a clock frozen at t.
func NewFixed(t time.Time) *Fixed { return &Fixed{t: t.UTC()} }

func (f *Fixed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

// Advance moves the clock forward by d.
func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

// Set moves the clock to t.
func (f *Fixed) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = t.UTC()
}

// Sleep advances the clock by d without waiting, so loops under test run
// at full speed.
func (f *Fixed) Sleep(_ context.Context, d time.Duration) { f.Advance(d) }

// LocalNow returns the current time in the agency timezone.
func LocalNow(c Clock) time.Time { return c.Now().In(Local()) }

// ParseBusStamp parses a bus-tracker "tmstmp" field ("20250107 18:09:32",
// seconds optional) as agency-local time and returns UTC.
func ParseBusStamp(s string) (time.Time, error) {
	t, err := time.ParseInLocation(busStampLayout, s, Local())
	if err != nil {
		t, err = time.ParseInLocation(busminStampLayout, s, Local())
		if err != nil {
			return time.Time{}, err
		}
	}
	return t.UTC(), nil
}

// ParseTrainStamp parses a train-tracker timestamp ("2025-01-07T18:09:32") as
// agency-local time and returns UTC.
func ParseTrainStamp(s string) (time.Time, error) {
	t, err := time.ParseInLocation(trainStampLayout, s, Local())
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// FileStamp renders t for use in raw-response filenames and object keys:
// UTC, compact, trailing z.
func FileStamp(t time.Time) string {
	return t.UTC().Format(fileStampLayout) + "z"
}

// DayStamp renders the UTC day used for raw-directory naming (YYYYMMDD).
func DayStamp(t time.Time) string { return t.UTC().Format("20060102") }

// ServiceDay returns the local service day containing t. Service days run
// from 03:00 local to 03:00 the next day so late-night trips group with the
// day they started.
func ServiceDay(t time.Time) string {
	local := t.In(Local())
	if local.Hour() < 3 {
		local = local.AddDate(0, 0, -1)
	}
	return local.Format("20060102")
}

// ServiceDayWindow returns the UTC instants bounding the local service day
// given as YYYYMMDD.
func ServiceDayWindow(day string) (start, end time.Time, err error) {
	d, err := time.ParseInLocation("20060102", day, Local())
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	start = d.Add(3 * time.Hour)
	end = start.AddDate(0, 0, 1)
	return start.UTC(), end.UTC(), nil
}

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewID returns a ULID for t, used for synthetic trip keys and file ids.
func NewID(t time.Time) string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t.UTC()), ulidEntropy).String()
}
