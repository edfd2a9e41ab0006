package tseries

import (
	"context"
	"path"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store used by dry runs and tests. Semantics
// match the Redis implementation: last-write-wins on duplicate timestamps,
// time-ordered samples.
type MemoryStore struct {
	mu     sync.RWMutex
	series map[string][]Sample
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{series: make(map[string][]Sample)}
}

func (m *MemoryStore) Append(_ context.Context, key string, ts int64, distance float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.series[key]
	i := sort.Search(len(s), func(i int) bool { return s[i].TS >= ts })
	if i < len(s) && s[i].TS == ts {
		s[i].Distance = distance
	} else {
		s = append(s, Sample{})
		copy(s[i+1:], s[i:])
		s[i] = Sample{TS: ts, Distance: distance}
	}
	m.series[key] = s
	return nil
}

func (m *MemoryStore) Latest(_ context.Context, key string) (*Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.series[key]
	if len(s) == 0 {
		return nil, nil
	}
	last := s[len(s)-1]
	return &last, nil
}

func (m *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.series {
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) BatchLatest(ctx context.Context, keys []string) ([]*Sample, error) {
	out := make([]*Sample, len(keys))
	for i, k := range keys {
		s, err := m.Latest(ctx, k)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func (m *MemoryStore) BatchRange(_ context.Context, reqs []RangeReq) ([]*Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Sample, len(reqs))
	for i, req := range reqs {
		var best *Sample
		for _, s := range m.series[req.Key] {
			if s.Distance < req.MinDist || s.Distance > req.MaxDist {
				continue
			}
			s := s
			if best == nil ||
				(req.Pick == PickMax && s.Distance > best.Distance) ||
				(req.Pick == PickMin && s.Distance < best.Distance) {
				best = &s
			}
		}
		out[i] = best
	}
	return out, nil
}

func (m *MemoryStore) DeleteBefore(_ context.Context, key string, ts int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.series[key]
	i := sort.Search(len(s), func(i int) bool { return s[i].TS > ts })
	if i == 0 {
		return nil
	}
	s = append([]Sample(nil), s[i:]...)
	if len(s) == 0 {
		delete(m.series, key)
	} else {
		m.series[key] = s
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.series, key)
	return nil
}

var _ Store = (*MemoryStore)(nil)
