package tseries

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps trip series in RedisTimeSeries. Timestamps are epoch
// seconds in the Store API and milliseconds on the wire.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	return &RedisStore{client: client}, nil
}

// Ping verifies the connection.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Append(ctx context.Context, key string, ts int64, distance float64) error {
	opts := &redis.TSOptions{
		Retention:       int(Retention.Milliseconds()),
		DuplicatePolicy: "LAST",
	}
	if err := r.client.TSAddWithArgs(ctx, key, ts*1000, distance, opts).Err(); err != nil {
		return fmt.Errorf("ts append %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Latest(ctx context.Context, key string) (*Sample, error) {
	v, err := r.client.TSGet(ctx, key).Result()
	if isEmptySeries(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ts get %s: %w", key, err)
	}
	if v.Timestamp == 0 && v.Value == 0 {
		return nil, nil
	}
	return &Sample{TS: v.Timestamp / 1000, Distance: v.Value}, nil
}

func (r *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan keys %s: %w", pattern, err)
	}
	return keys, nil
}

func (r *RedisStore) BatchLatest(ctx context.Context, keys []string) ([]*Sample, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.TSTimestampValueCmd, len(keys))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.TSGet(ctx, key)
		}
		return nil
	})
	if err != nil && !isEmptySeries(err) {
		return nil, fmt.Errorf("ts batch latest: %w", err)
	}

	out := make([]*Sample, len(keys))
	for i, cmd := range cmds {
		v, err := cmd.Result()
		if isEmptySeries(err) || (v.Timestamp == 0 && v.Value == 0) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("ts batch latest %s: %w", keys[i], err)
		}
		out[i] = &Sample{TS: v.Timestamp / 1000, Distance: v.Value}
	}
	return out, nil
}

func (r *RedisStore) BatchRange(ctx context.Context, reqs []RangeReq) ([]*Sample, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.TSTimestampValueSliceCmd, len(reqs))
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, req := range reqs {
			opts := &redis.TSRangeOptions{
				FilterByValue: []int{int(math.Floor(req.MinDist)), int(math.Ceil(req.MaxDist))},
			}
			cmds[i] = pipe.TSRangeWithArgs(ctx, req.Key, 0, int(math.MaxInt32)*1000, opts)
		}
		return nil
	})
	if err != nil && !isEmptySeries(err) {
		return nil, fmt.Errorf("ts batch range: %w", err)
	}

	out := make([]*Sample, len(reqs))
	for i, cmd := range cmds {
		points, err := cmd.Result()
		if isEmptySeries(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("ts batch range %s: %w", reqs[i].Key, err)
		}
		out[i] = pickSample(points, reqs[i].Pick)
	}
	return out, nil
}

func pickSample(points []redis.TSTimestampValue, pick Pick) *Sample {
	var best *Sample
	for _, p := range points {
		s := &Sample{TS: p.Timestamp / 1000, Distance: p.Value}
		if best == nil {
			best = s
			continue
		}
		if pick == PickMax && s.Distance > best.Distance {
			best = s
		}
		if pick == PickMin && s.Distance < best.Distance {
			best = s
		}
	}
	return best
}

func (r *RedisStore) DeleteBefore(ctx context.Context, key string, ts int64) error {
	if err := r.client.TSDel(ctx, key, 0, int(ts)*1000).Err(); err != nil && !isEmptySeries(err) {
		return fmt.Errorf("ts delete before %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// isEmptySeries matches both redis.Nil and the module errors RedisTimeSeries
// raises for missing or empty keys.
func isEmptySeries(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.Nil) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "TSDB: the key does not exist") ||
		strings.Contains(msg, "TSDB: the key is empty")
}

var _ Store = (*RedisStore)(nil)
