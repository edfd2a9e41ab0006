// Package bundle builds the per-service-day tar.xz archive of raw upstream
// responses, with an index describing what the day contains.
package bundle

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/ulikunitz/xz"

	"bustracker/internal/clock"
	"bustracker/internal/objstore"
	"bustracker/internal/scraper"
	"bustracker/internal/transit"
)

// IndexVersion is written to every archive index.
const IndexVersion = "1.0"

// staleGap is the inter-request gap above which the advisory completeness
// check logs a warning.
const staleGap = 15 * time.Minute

// IndexEntry locates one request within the archive for one route.
type IndexEntry struct {
	SequenceNo  int       `json:"sequence_no"`
	Day         string    `json:"day"`
	FileTime    string    `json:"file_time"`
	RequestTime time.Time `json:"request_time"`
}

// Index is the archive's table of contents, stored as index.json.
type Index struct {
	V            string                  `json:"v"`
	Command      string                  `json:"command"`
	Day          string                  `json:"day"`
	First        time.Time               `json:"first_request"`
	Last         time.Time               `json:"last_request"`
	MaxIntervalS float64                 `json:"max_interval_s"`
	Files        []string                `json:"files"`
	Routes       map[string][]IndexEntry `json:"routes"`
	PatternIDs   map[string][]int        `json:"pattern_ids"`
}

// DayBundler archives one service day of raw responses. Source and target
// may be the same sink.
type DayBundler struct {
	src objstore.Sink
	dst objstore.Sink
	log *slog.Logger
}

func NewDayBundler(src, dst objstore.Sink, log *slog.Logger) *DayBundler {
	return &DayBundler{src: src, dst: dst, log: log}
}

// ArchiveKey names the archive for one command and service day.
func ArchiveKey(command, day string) string {
	return fmt.Sprintf("%s/bundle-%s.tar.xz", command, day)
}

// Run archives every raw file of the command whose requests fall in the
// service day, newest bundle layout first: index.json, then each member
// file verbatim. A no-op when the archive already exists.
func (b *DayBundler) Run(ctx context.Context, command, day string) (string, error) {
	key := ArchiveKey(command, day)
	exists, err := b.dst.Exists(ctx, key)
	if err != nil {
		return "", fmt.Errorf("check archive: %w", err)
	}
	if exists {
		b.log.Info("archive already built", "key", key)
		return key, nil
	}

	start, end, err := clock.ServiceDayWindow(day)
	if err != nil {
		return "", fmt.Errorf("service day %q: %w", day, err)
	}

	members, err := b.collect(ctx, command, start, end)
	if err != nil {
		return "", err
	}
	if len(members) == 0 {
		return "", fmt.Errorf("no raw files for %s on %s", command, day)
	}

	idx := buildIndex(command, day, members)
	if idx.MaxIntervalS > staleGap.Seconds() {
		// Advisory only: a gap this large usually means a scraper outage.
		b.log.Warn("day has a large scrape gap",
			"day", day, "command", command, "gap_s", idx.MaxIntervalS)
	}

	archive, err := render(idx, members)
	if err != nil {
		return "", err
	}
	if err := b.dst.Put(ctx, key, archive); err != nil {
		return "", fmt.Errorf("write archive: %w", err)
	}
	b.log.Info("archive built", "key", key, "files", len(members), "bytes", len(archive))
	return key, nil
}

// member is one raw file admitted to the archive.
type member struct {
	key      string
	day      string
	fileTime string
	body     []byte
	requests []scraper.BundleEntry
}

// collect lists the raw directories the window can touch (its UTC start
// day and every following UTC day up to its end) and keeps files with at
// least one request inside the window.
func (b *DayBundler) collect(ctx context.Context, command string, start, end time.Time) ([]member, error) {
	var members []member
	for d := start; d.Before(end.Add(24 * time.Hour)); d = d.Add(24 * time.Hour) {
		dayDir := clock.DayStamp(d)
		prefix := fmt.Sprintf("%s/%s/", command, dayDir)
		keys, err := b.src.List(ctx, prefix)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		sort.Strings(keys)
		for _, key := range keys {
			m, ok, err := b.admit(ctx, key, dayDir, start, end)
			if err != nil {
				b.log.Warn("skipping unreadable raw file", "key", key, "err", err)
				continue
			}
			if ok {
				members = append(members, m)
			}
		}
	}
	return members, nil
}

func (b *DayBundler) admit(ctx context.Context, key, day string, start, end time.Time) (member, bool, error) {
	body, err := b.src.Get(ctx, key)
	if err != nil {
		return member{}, false, err
	}
	var env scraper.BundleEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return member{}, false, fmt.Errorf("decode envelope: %w", err)
	}
	inWindow := false
	for _, req := range env.Requests {
		if !req.RequestTime.Before(start) && req.RequestTime.Before(end) {
			inWindow = true
			break
		}
	}
	if !inWindow {
		return member{}, false, nil
	}
	return member{
		key:      key,
		day:      day,
		fileTime: fileStamp(key),
		body:     body,
		requests: env.Requests,
	}, true, nil
}

// fileStamp extracts the timestamp portion of a raw-file key, e.g.
// "getvehicles/20250107/ttscrape-getvehicles-20250107180932z.json" yields
// "20250107180932".
func fileStamp(key string) string {
	name := strings.TrimSuffix(path.Base(key), ".json")
	name = strings.TrimSuffix(name, "z")
	if i := strings.LastIndex(name, "-"); i >= 0 {
		return name[i+1:]
	}
	return name
}

func buildIndex(command, day string, members []member) Index {
	idx := Index{
		V:          IndexVersion,
		Command:    command,
		Day:        day,
		Routes:     map[string][]IndexEntry{},
		PatternIDs: map[string][]int{},
	}

	type timedReq struct {
		m   *member
		req scraper.BundleEntry
	}
	var all []timedReq
	for i := range members {
		idx.Files = append(idx.Files, members[i].key)
		for _, req := range members[i].requests {
			all = append(all, timedReq{&members[i], req})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].req.RequestTime.Before(all[j].req.RequestTime) })

	idx.First = all[0].req.RequestTime
	idx.Last = all[len(all)-1].req.RequestTime
	for i := 1; i < len(all); i++ {
		if gap := all[i].req.RequestTime.Sub(all[i-1].req.RequestTime).Seconds(); gap > idx.MaxIntervalS {
			idx.MaxIntervalS = gap
		}
	}

	patterns := map[string]map[int]bool{}
	for seq, tr := range all {
		for _, rt := range strings.Split(tr.req.RequestArgs.Get("rt"), ",") {
			if rt == "" {
				continue
			}
			idx.Routes[rt] = append(idx.Routes[rt], IndexEntry{
				SequenceNo:  seq,
				Day:         tr.m.day,
				FileTime:    tr.m.fileTime,
				RequestTime: tr.req.RequestTime,
			})
		}
		for rt, pids := range patternsByRoute(tr.req.Response) {
			if patterns[rt] == nil {
				patterns[rt] = map[int]bool{}
			}
			for pid := range pids {
				patterns[rt][pid] = true
			}
		}
	}
	for rt, pids := range patterns {
		out := make([]int, 0, len(pids))
		for pid := range pids {
			out = append(out, pid)
		}
		sort.Ints(out)
		idx.PatternIDs[rt] = out
	}
	return idx
}

// patternsByRoute pulls the pattern ids per route out of one recorded
// getvehicles response body. Non-vehicle responses yield nothing.
func patternsByRoute(body json.RawMessage) map[string]map[int]bool {
	var env transit.BusEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.BustimeResponse == nil {
		return nil
	}
	raw, ok := env.BustimeResponse[transit.ResponseKey[transit.CmdGetVehicles]]
	if !ok {
		return nil
	}
	var vehicles []transit.Vehicle
	if err := json.Unmarshal(raw, &vehicles); err != nil {
		return nil
	}
	out := map[string]map[int]bool{}
	for _, v := range vehicles {
		if v.PatternID == 0 {
			continue
		}
		if out[v.Route] == nil {
			out[v.Route] = map[int]bool{}
		}
		out[v.Route][v.PatternID] = true
	}
	return out
}

// render writes index.json followed by every member file, verbatim, into
// an xz-compressed tar stream.
func render(idx Index, members []member) ([]byte, error) {
	var buf bytes.Buffer
	xw, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("open xz stream: %w", err)
	}
	tw := tar.NewWriter(xw)

	indexBody, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode index: %w", err)
	}
	if err := addFile(tw, "index.json", indexBody, idx.Last); err != nil {
		return nil, err
	}
	for _, m := range members {
		if err := addFile(tw, m.key, m.body, idx.Last); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	if err := xw.Close(); err != nil {
		return nil, fmt.Errorf("close xz: %w", err)
	}
	return buf.Bytes(), nil
}

func addFile(tw *tar.Writer, name string, body []byte, mod time.Time) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(body)),
		ModTime: mod,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("tar header %s: %w", name, err)
	}
	if _, err := tw.Write(body); err != nil {
		return fmt.Errorf("tar write %s: %w", name, err)
	}
	return nil
}
