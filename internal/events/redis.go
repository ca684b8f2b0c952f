package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	streamPrefix     = "flowforge:events:"
	defaultMaxLen    = 10000
	readBlock        = 2 * time.Second
	readRetryBackoff = time.Second
)

// FromNow starts a subscription after the newest entry.
const FromNow = "$"

// FromStart replays a stream from its oldest retained entry.
const FromStart = "0"

// RedisBus writes events to one Redis Stream per origin so other processes
// can follow refresh jobs and drift warnings they did not start.
type RedisBus struct {
	rdb    *redis.Client
	maxLen int64
	logger *zap.Logger
}

// NewRedisBus connects to redisURL. Streams are trimmed to about maxLen
// entries.
func NewRedisBus(redisURL string, maxLen int64, logger *zap.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	return &RedisBus{rdb: rdb, maxLen: maxLen, logger: logger}, nil
}

// Stream returns the stream key for origin.
func Stream(origin string) string { return streamPrefix + origin }

// Publish appends ev to its origin's stream, stamping an id and time when
// missing.
func (b *RedisBus) Publish(ctx context.Context, ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	stream := Stream(ev.Origin)
	err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{"type": ev.Type, "data": data},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", ev.Type, stream, err)
	}
	b.logger.Debug("event published",
		zap.String("stream", stream),
		zap.String("type", ev.Type),
		zap.String("subject", ev.Subject))
	return nil
}

// Recent returns up to n of the origin's newest events, oldest first.
func (b *RedisBus) Recent(ctx context.Context, origin string, n int64) ([]*Event, error) {
	msgs, err := b.rdb.XRevRangeN(ctx, Stream(origin), "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", Stream(origin), err)
	}
	out := make([]*Event, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		if ev, ok := decodeMessage(msgs[i]); ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Subscribe follows the origin's stream starting after fromID (FromNow,
// FromStart or an entry id). The channel closes when ctx is done.
func (b *RedisBus) Subscribe(ctx context.Context, origin, fromID string) <-chan *Event {
	ch := make(chan *Event, 16)
	stream := Stream(origin)
	if fromID == "" {
		fromID = FromNow
	}

	go func() {
		defer close(ch)
		lastID := fromID
		for ctx.Err() == nil {
			res, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   32,
				Block:   readBlock,
			}).Result()
			switch {
			case errors.Is(err, redis.Nil):
				continue
			case err != nil:
				if ctx.Err() != nil {
					return
				}
				b.logger.Warn("stream read failed", zap.String("stream", stream), zap.Error(err))
				select {
				case <-time.After(readRetryBackoff):
				case <-ctx.Done():
					return
				}
				continue
			}

			for _, r := range res {
				for _, msg := range r.Messages {
					lastID = msg.ID
					ev, ok := decodeMessage(msg)
					if !ok {
						b.logger.Debug("skipping undecodable entry", zap.String("id", msg.ID))
						continue
					}
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return ch
}

func decodeMessage(msg redis.XMessage) (*Event, bool) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return nil, false
	}
	var ev Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return nil, false
	}
	return &ev, true
}

// Close shuts down the Redis connection.
func (b *RedisBus) Close() error {
	return b.rdb.Close()
}
