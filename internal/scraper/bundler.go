package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"bustracker/internal/clock"
	"bustracker/internal/objstore"
)

// BundleVersion is the envelope version written to every raw bundle.
const BundleVersion = "2.0"

// FlushInterval is the minimum wall time between bundler flushes.
const FlushInterval = 5 * time.Minute

// BundleEntry is one recorded upstream exchange.
type BundleEntry struct {
	RequestArgs url.Values      `json:"request_args"`
	RequestTime time.Time       `json:"request_time"`
	LatencyMS   int64           `json:"latency_ms"`
	Response    json.RawMessage `json:"response"`
}

// BundleEnvelope is the JSON document a flush writes per command.
type BundleEnvelope struct {
	V        string        `json:"v"`
	Command  string        `json:"command"`
	Requests []BundleEntry `json:"requests"`
}

// KeyStyle picks how flushed bundles are named.
type KeyStyle int

const (
	// LocalKeys produces <command>/YYYYMMDD/ttscrape-<command>-<stamp>.json
	// for filesystem targets.
	LocalKeys KeyStyle = iota
	// S3Keys produces <command>/YYYYMMDD/t<HHMMSS>z.json for object-store
	// targets.
	S3Keys
)

// Bundler accumulates raw upstream responses per command and flushes them
// as 5-minute JSON bundles. Record and Flush may be called from the scrape
// loop goroutine; the record hook fans entries out to subscribers.
type Bundler struct {
	sink  objstore.Sink
	style KeyStyle
	clk   clock.Clock
	log   *slog.Logger

	// onRecord, when set, receives each entry as it is recorded, for
	// downstream fan-out.
	onRecord func(command string, entry BundleEntry)

	mu        sync.Mutex
	pending   map[string][]BundleEntry
	lastFlush time.Time
}

func NewBundler(sink objstore.Sink, style KeyStyle, clk clock.Clock, log *slog.Logger) *Bundler {
	return &Bundler{
		sink:      sink,
		style:     style,
		clk:       clk,
		log:       log,
		pending:   make(map[string][]BundleEntry),
		lastFlush: clk.Now(),
	}
}

// OnRecord registers the subscription hook invoked with each recorded
// entry.
func (b *Bundler) OnRecord(fn func(command string, entry BundleEntry)) {
	b.onRecord = fn
}

// Record adds one exchange to the pending bundle for its command.
func (b *Bundler) Record(res *FetchResult) {
	entry := BundleEntry{
		RequestArgs: res.Args,
		RequestTime: res.RequestTime,
		LatencyMS:   res.Latency.Milliseconds(),
		Response:    res.Body,
	}
	if len(entry.Response) == 0 {
		entry.Response = json.RawMessage("null")
	}
	b.mu.Lock()
	b.pending[res.Command] = append(b.pending[res.Command], entry)
	b.mu.Unlock()

	if b.onRecord != nil {
		b.onRecord(res.Command, entry)
	}
}

// Pending reports the number of unflushed entries per command.
func (b *Bundler) Pending() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.pending))
	for cmd, entries := range b.pending {
		out[cmd] = len(entries)
	}
	return out
}

// FlushDue reports whether enough wall time has passed since the last
// flush.
func (b *Bundler) FlushDue() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clk.Now().Sub(b.lastFlush) >= FlushInterval
}

// Flush writes every pending command's bundle and clears the buffer. A
// failed write keeps the command's entries for the next flush.
func (b *Bundler) Flush(ctx context.Context) error {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[string][]BundleEntry)
	b.lastFlush = b.clk.Now()
	b.mu.Unlock()

	var firstErr error
	for command, entries := range pending {
		if len(entries) == 0 {
			continue
		}
		if err := b.flushCommand(ctx, command, entries); err != nil {
			b.log.Error("bundle flush failed", "command", command, "entries", len(entries), "err", err)
			b.mu.Lock()
			b.pending[command] = append(entries, b.pending[command]...)
			b.mu.Unlock()
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (b *Bundler) flushCommand(ctx context.Context, command string, entries []BundleEntry) error {
	earliest := entries[0].RequestTime
	for _, e := range entries[1:] {
		if e.RequestTime.Before(earliest) {
			earliest = e.RequestTime
		}
	}

	doc, err := json.Marshal(BundleEnvelope{V: BundleVersion, Command: command, Requests: entries})
	if err != nil {
		return fmt.Errorf("marshal bundle: %w", err)
	}
	key := b.bundleKey(command, earliest)
	if err := b.sink.Put(ctx, key, doc); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}
	b.log.Debug("bundle flushed", "command", command, "entries", len(entries), "key", key)
	return nil
}

func (b *Bundler) bundleKey(command string, earliest time.Time) string {
	day := clock.DayStamp(earliest)
	switch b.style {
	case S3Keys:
		return fmt.Sprintf("%s/%s/t%sz.json", command, day, earliest.UTC().Format("150405"))
	default:
		return fmt.Sprintf("%s/%s/ttscrape-%s-%s.json", command, day, command, clock.FileStamp(earliest))
	}
}
