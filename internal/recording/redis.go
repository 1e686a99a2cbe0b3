package recording

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores the log in a capped stream. SET NX on the marker key
// is the atomic claim; the marker value becomes the stream id once written.
type RedisBackend struct {
	rdb    *redis.Client
	prefix string
	maxLen int64
	ttl    time.Duration
	// wait bounds how long a duplicate waits for the first writer's position.
	wait time.Duration
}

var (
	errPositionPending = errors.New("redis recording: duplicate position still pending")
	errClaimReleased   = errors.New("redis recording: claim released")
)

func NewRedisBackend(rdb *redis.Client, prefix string, maxLen int, ttl time.Duration) *RedisBackend {
	if strings.TrimSpace(prefix) == "" {
		prefix = "relaybot:rec:"
	}
	if maxLen <= 0 {
		maxLen = 10000
	}
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &RedisBackend{rdb: rdb, prefix: prefix, maxLen: int64(maxLen), ttl: ttl, wait: 5 * time.Second}
}

func (b *RedisBackend) Name() string { return "redis" }

func (b *RedisBackend) streamKey() string          { return b.prefix + "log" }
func (b *RedisBackend) markerKey(key string) string { return b.prefix + "dedup:" + key }
func (b *RedisBackend) indexKey(id string) string   { return b.prefix + "idx:" + id }

func (b *RedisBackend) Append(ctx context.Context, rec Record) (Position, bool, error) {
	marker := b.markerKey(rec.DedupeKey)
	for {
		claimed, err := b.rdb.SetNX(ctx, marker, "", b.ttl).Result()
		if err != nil {
			return "", false, err
		}
		if claimed {
			break
		}
		pos, err := b.waitPosition(ctx, marker)
		if errors.Is(err, errClaimReleased) {
			// The first writer failed; try to record it ourselves.
			continue
		}
		return pos, true, err
	}

	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.streamKey(),
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{
			"id":             rec.ID,
			"direction":      string(rec.Direction),
			"at":             rec.Timestamp.UnixMilli(),
			"counterpart":    rec.Counterpart,
			"channel_id":     rec.ChannelID,
			"body":           rec.Body,
			"media_ref":      rec.MediaRef,
			"correlation_id": rec.CorrelationID,
			"transport_id":   rec.TransportMessageID,
			"dedupe_key":     rec.DedupeKey,
		},
	}).Result()
	if err != nil {
		// Release the claim so a redelivery can record it.
		_ = b.rdb.Del(ctx, marker).Err()
		return "", false, err
	}

	rec.Position = Position(id)
	idx, err := json.Marshal(rec)
	if err != nil {
		return Position(id), false, err
	}
	pipe := b.rdb.TxPipeline()
	pipe.Set(ctx, marker, id, b.ttl)
	pipe.Set(ctx, b.indexKey(rec.NaturalID()), idx, b.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return Position(id), false, err
	}
	return Position(id), false, nil
}

// waitPosition polls the marker of a concurrent writer until it holds the
// stream id. A vanished marker means that writer gave up its claim.
func (b *RedisBackend) waitPosition(ctx context.Context, marker string) (Position, error) {
	ctx, cancel := context.WithTimeout(ctx, b.wait)
	defer cancel()
	delay := 5 * time.Millisecond
	for {
		v, err := b.rdb.Get(ctx, marker).Result()
		if errors.Is(err, redis.Nil) {
			return "", errClaimReleased
		}
		if err != nil && ctx.Err() == nil {
			return "", err
		}
		if err == nil && v != "" {
			return Position(v), nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", errPositionPending, ctx.Err())
		case <-time.After(delay):
		}
		if delay < 200*time.Millisecond {
			delay *= 2
		}
	}
}

func (b *RedisBackend) Lookup(ctx context.Context, naturalID string) (Record, bool, error) {
	raw, err := b.rdb.Get(ctx, b.indexKey(naturalID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (b *RedisBackend) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := b.rdb.XRevRangeN(ctx, b.streamKey(), "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, recordFromStream(m))
	}
	return out, nil
}

func recordFromStream(m redis.XMessage) Record {
	str := func(k string) string {
		v, _ := m.Values[k].(string)
		return v
	}
	rec := Record{
		ID:                 str("id"),
		Direction:          Direction(str("direction")),
		Counterpart:        str("counterpart"),
		ChannelID:          str("channel_id"),
		Body:               str("body"),
		MediaRef:           str("media_ref"),
		CorrelationID:      str("correlation_id"),
		TransportMessageID: str("transport_id"),
		DedupeKey:          str("dedupe_key"),
		Position:           Position(m.ID),
	}
	if ms, err := parseInt(str("at")); err == nil {
		rec.Timestamp = time.UnixMilli(ms)
	}
	return rec
}

func (b *RedisBackend) Len(ctx context.Context) (int64, error) {
	return b.rdb.XLen(ctx, b.streamKey()).Result()
}

func (b *RedisBackend) Healthy(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}
