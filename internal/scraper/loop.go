package scraper

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"bustracker/internal/clock"
	"bustracker/internal/state"
)

// RunState is the lifecycle of one scrape loop.
type RunState int32

const (
	StateStopped RunState = iota
	StateIdle
	StateRunning
	StateShutdownRequested
	StateShutdown
)

func (s RunState) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateShutdownRequested:
		return "SHUTDOWN_REQUESTED"
	case StateShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

const (
	// DefaultMinInterval is the minimum spacing between upstream requests.
	DefaultMinInterval = 4 * time.Second
	// sleepSlice bounds each sleep so cancellation is observed promptly.
	sleepSlice = time.Second
	// rateLimitRest is the global backoff after a rate-limited response.
	rateLimitRest = 30 * time.Minute
	// transientRest follows a network timeout or reset.
	transientRest = 30 * time.Second
)

// Handler consumes the payload of one successfully classified task.
type Handler interface {
	HandlePayload(ctx context.Context, task Task, payload json.RawMessage) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task Task, payload json.RawMessage) error

func (f HandlerFunc) HandlePayload(ctx context.Context, task Task, payload json.RawMessage) error {
	return f(ctx, task, payload)
}

// Ledger is the slice of the relational store the loop writes bookkeeping
// through. *storage.DB satisfies it.
type Ledger interface {
	RecordErrorMessage(ctx context.Context, text string, now time.Time) error
	BumpCounts(ctx context.Context, day, command string, requests, errs, appErrs, partialErrs int) error
}

// Metrics receives per-request instrumentation; nil disables it.
type Metrics interface {
	ObserveRequest(command, outcome string, latency time.Duration)
}

// TaskSource yields the next scrape task. *Chooser and *TrainChooser
// satisfy it.
type TaskSource interface {
	Next(ctx context.Context) (Task, error)
}

// LoopConfig wires one scrape loop.
type LoopConfig struct {
	Chooser TaskSource
	Fetcher *Fetcher
	Bundler *Bundler
	Store   state.Store
	Ledger  Ledger
	Handler Handler
	Clock   clock.Clock
	Log     *slog.Logger
	Metrics Metrics
	// MinInterval defaults to DefaultMinInterval when zero.
	MinInterval time.Duration
}

// Loop is the rate-paced scrape driver: one cooperative worker per
// upstream API. Exactly one task is dispatched per wake-up and at least
// MinInterval elapses between dispatches.
type Loop struct {
	chooser     TaskSource
	fetcher     *Fetcher
	bundler     *Bundler
	store       state.Store
	ledger      Ledger
	handler     Handler
	clk         clock.Clock
	log         *slog.Logger
	metrics     Metrics
	minInterval time.Duration

	mu         sync.Mutex
	runState   RunState
	lastScrape time.Time

	lastDispatch time.Time
	restUntil    time.Time
	day          string
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	return &Loop{
		chooser:     cfg.Chooser,
		fetcher:     cfg.Fetcher,
		bundler:     cfg.Bundler,
		store:       cfg.Store,
		ledger:      cfg.Ledger,
		handler:     cfg.Handler,
		clk:         cfg.Clock,
		log:         cfg.Log,
		metrics:     cfg.Metrics,
		minInterval: cfg.MinInterval,
		runState:    StateStopped,
	}
}

// State reports the loop's lifecycle state.
func (l *Loop) State() RunState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runState
}

// LastScrape reports when the most recent task was dispatched.
func (l *Loop) LastScrape() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastScrape
}

// Shutdown requests a graceful stop: the in-flight task completes, the
// bundler flushes, then Run returns.
func (l *Loop) Shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.runState != StateShutdown {
		l.runState = StateShutdownRequested
	}
}

// setState moves the loop to s. A pending shutdown request is never
// overwritten by the dispatch transitions; only the final SHUTDOWN state
// may follow it.
func (l *Loop) setState(s RunState) {
	l.mu.Lock()
	if l.runState == StateShutdownRequested && s != StateShutdown {
		l.mu.Unlock()
		return
	}
	l.runState = s
	l.mu.Unlock()
}

func (l *Loop) shuttingDown(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runState == StateShutdownRequested
}

// Run drives the loop until the context is cancelled or Shutdown is
// called. The final bundler flush runs even after cancellation.
func (l *Loop) Run(ctx context.Context) error {
	l.setState(StateIdle)
	l.day = clock.DayStamp(l.clk.Now())
	l.log.Info("scrape loop started", "min_interval", l.minInterval)

	for !l.shuttingDown(ctx) {
		l.rollover(ctx)

		if l.bundler.FlushDue() {
			if err := l.bundler.Flush(ctx); err != nil {
				l.log.Warn("bundle flush failed", "err", err)
			}
		}

		if rest := l.restUntil.Sub(l.clk.Now()); rest > 0 {
			l.sleep(ctx, rest)
			continue
		}

		task, err := l.chooser.Next(ctx)
		if err != nil {
			l.log.Error("task selection failed", "err", err)
			l.sleep(ctx, sleepSlice)
			continue
		}
		if task == nil {
			l.sleep(ctx, sleepSlice)
			continue
		}

		l.dispatch(ctx, task)
		l.pace(ctx)
	}

	// Last-write guarantee: pending raw responses survive shutdown.
	flushCtx := context.WithoutCancel(ctx)
	if err := l.bundler.Flush(flushCtx); err != nil {
		l.log.Error("shutdown flush failed", "err", err)
	}
	l.setState(StateShutdown)
	l.log.Info("scrape loop stopped")
	return nil
}

// dispatch runs one task end to end: mark attempted, fetch, record,
// classify, apply.
func (l *Loop) dispatch(ctx context.Context, task Task) {
	now := l.clk.Now()
	l.markAttempted(ctx, task, now)

	l.setState(StateRunning)
	defer l.setState(StateIdle)

	l.mu.Lock()
	l.lastScrape = now
	l.mu.Unlock()
	l.lastDispatch = now

	res, err := l.fetcher.Get(ctx, task.Command(), task.Args())
	if err != nil {
		l.log.Error("fetch failed", "command", task.Command(), "err", err)
		return
	}
	l.bundler.Record(res)
	l.applyOutcome(ctx, task, res)
}

func (l *Loop) applyOutcome(ctx context.Context, task Task, res *FetchResult) {
	out := res.Outcome
	now := l.clk.Now()
	day := clock.LocalNow(l.clk).Format("20060102")

	if l.metrics != nil {
		l.metrics.ObserveRequest(task.Command(), out.Kind.String(), res.Latency)
	}

	var errs, appErrs, partialErrs int
	switch out.Kind {
	case OutcomeOK:
	case OutcomePartial:
		partialErrs = out.Partial.Count()
	case OutcomePermanent:
		appErrs = 1
	default:
		errs = 1
	}
	if err := l.ledger.BumpCounts(ctx, day, task.Command(), 1, errs, appErrs, partialErrs); err != nil {
		l.log.Warn("counts update failed", "err", err)
	}

	switch out.Kind {
	case OutcomeOK, OutcomePartial:
		l.applySuccess(ctx, task, out, now)
	case OutcomeRateLimited:
		l.recordError(ctx, out.Message, now)
		l.restUntil = now.Add(rateLimitRest)
		l.log.Warn("rate limited", "command", task.Command(), "rest", rateLimitRest)
	case OutcomeTransient:
		l.restUntil = now.Add(transientRest)
		l.log.Warn("transient error", "command", task.Command(), "msg", out.Message)
	case OutcomePermanent:
		l.recordError(ctx, out.Message, now)
		l.log.Error("permanent error", "command", task.Command(), "status", res.StatusCode, "msg", out.Message)
	}
}

// applySuccess hands the payload to the ingester and settles per-entity
// state: successful entities back to ACTIVE, entities named in the partial
// error list to PAUSED.
func (l *Loop) applySuccess(ctx context.Context, task Task, out Result, now time.Time) {
	if l.handler != nil && len(out.Payload) > 0 {
		if err := l.handler.HandlePayload(ctx, task, out.Payload); err != nil {
			l.log.Error("payload handling failed", "command", task.Command(), "err", err)
		}
	}

	var failedRoutes, failedStops map[string]string
	if out.Partial != nil {
		failedRoutes, failedStops = out.Partial.Routes, out.Partial.Stops
		for _, msg := range failedRoutes {
			l.recordError(ctx, msg, now)
		}
		for _, msg := range failedStops {
			l.recordError(ctx, msg, now)
		}
		for _, msg := range out.Partial.Other {
			l.recordError(ctx, msg, now)
		}
	}

	switch t := task.(type) {
	case VehicleTask:
		var ok []string
		for _, rt := range t.Routes {
			if msg, failed := failedRoutes[rt]; failed {
				l.log.Warn("route paused", "rt", rt, "msg", msg)
				if err := l.store.PauseRoute(ctx, rt); err != nil {
					l.log.Warn("pause route failed", "rt", rt, "err", err)
				}
				continue
			}
			ok = append(ok, rt)
		}
		if len(ok) > 0 {
			if err := l.store.MarkRoutesActive(ctx, ok, now); err != nil {
				l.log.Warn("mark routes active failed", "err", err)
			}
		}

	case PredictionTask:
		var ok []int
		for _, id := range t.StopIDs {
			if msg, failed := failedStops[strconv.Itoa(id)]; failed {
				l.log.Warn("stop paused", "stpid", id, "msg", msg)
				if err := l.store.PauseStop(ctx, id); err != nil {
					l.log.Warn("pause stop failed", "stpid", id, "err", err)
				}
				continue
			}
			ok = append(ok, id)
		}
		if len(ok) > 0 {
			if err := l.store.MarkStopsActive(ctx, ok, now); err != nil {
				l.log.Warn("mark stops active failed", "err", err)
			}
		}

	case PatternTask:
		if err := l.store.MarkPatternScraped(ctx, t.PatternID, now); err != nil {
			l.log.Warn("mark pattern scraped failed", "pid", t.PatternID, "err", err)
		}

	case TrainPositionTask:
		if err := l.store.MarkRoutesActive(ctx, t.Routes, now); err != nil {
			l.log.Warn("mark routes active failed", "err", err)
		}
	}
}

func (l *Loop) markAttempted(ctx context.Context, task Task, now time.Time) {
	var err error
	switch t := task.(type) {
	case VehicleTask:
		err = l.store.MarkRoutesAttempted(ctx, t.Routes, now)
	case TrainPositionTask:
		err = l.store.MarkRoutesAttempted(ctx, t.Routes, now)
	case PatternTask:
		err = l.store.MarkPatternAttempted(ctx, t.PatternID, now)
	case PredictionTask:
		err = l.store.MarkStopsAttempted(ctx, t.StopIDs, now)
	}
	if err != nil {
		l.log.Warn("mark attempted failed", "command", task.Command(), "err", err)
	}
}

func (l *Loop) recordError(ctx context.Context, msg string, now time.Time) {
	if err := l.ledger.RecordErrorMessage(ctx, msg, now); err != nil {
		l.log.Warn("error ledger write failed", "err", err)
	}
}

// rollover performs the one-shot daily action when the UTC day changes:
// flush the bundler so no bundle straddles the day boundary.
func (l *Loop) rollover(ctx context.Context) {
	day := clock.DayStamp(l.clk.Now())
	if day == l.day {
		return
	}
	l.log.Info("day rollover", "from", l.day, "to", day)
	l.day = day
	if err := l.bundler.Flush(ctx); err != nil {
		l.log.Warn("rollover flush failed", "err", err)
	}
}

// pace sleeps until MinInterval has elapsed since the last dispatch.
func (l *Loop) pace(ctx context.Context) {
	wait := l.minInterval - l.clk.Now().Sub(l.lastDispatch)
	if wait > 0 {
		l.sleep(ctx, wait)
	}
}

// sleep waits for d in slices of at most sleepSlice, returning early on
// shutdown or cancellation.
func (l *Loop) sleep(ctx context.Context, d time.Duration) {
	deadline := l.clk.Now().Add(d)
	for {
		if l.shuttingDown(ctx) {
			return
		}
		remaining := deadline.Sub(l.clk.Now())
		if remaining <= 0 {
			return
		}
		if remaining > sleepSlice {
			remaining = sleepSlice
		}
		l.clk.Sleep(ctx, remaining)
	}
}
