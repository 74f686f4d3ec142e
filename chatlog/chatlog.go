// Package chatlog persists chat messages in a Redis sorted set scored by
// millisecond timestamp, giving durable time order and cheap backward
// pagination. Concurrent writers rely on ZADD atomicity; there is no
// application-level locking.
package chatlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// MaxMessageLength is the stored/broadcast cap for a single chat message,
// applied after trimming.
const MaxMessageLength = 512

// Message is one immutable chat entry. Timestamp is the ordering key;
// same-timestamp order falls back to the member encoding and is not stable
// across pagination boundaries.
type Message struct {
	ID        string `json:"uuid"`
	Timestamp int64  `json:"timestamp"` // ms since epoch
	Nickname  string `json:"senderNickname"`
	Text      string `json:"message"`
}

// Page is one backward-pagination step. HasMore follows the
// count-equals-limit convention; EarliestTimestamp is the cursor for the next
// page, nil when the page came back empty.
type Page struct {
	Messages          []Message `json:"messages"`
	HasMore           bool      `json:"hasMore"`
	EarliestTimestamp *int64    `json:"earliestTimestamp"`
}

// Log reads and appends the chat history for one station.
type Log struct {
	rdb *redis.Client
	key string
}

// New returns a Log backed by rdb under key.
func New(rdb *redis.Client, key string) *Log {
	return &Log{rdb: rdb, key: key}
}

// Store appends msg. Safe for concurrent use.
func (l *Log) Store(ctx context.Context, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal chat message %s: %w", msg.ID, err)
	}
	if err := l.rdb.ZAdd(ctx, l.key, redis.Z{Score: float64(msg.Timestamp), Member: string(b)}).Err(); err != nil {
		return fmt.Errorf("redis ZADD %s: %w", l.key, err)
	}
	return nil
}

// Latest returns up to limit messages, newest first.
func (l *Log) Latest(ctx context.Context, limit int) ([]Message, error) {
	return l.revRange(ctx, "+inf", limit)
}

// Before returns up to limit messages with timestamp strictly below before,
// newest first.
func (l *Log) Before(ctx context.Context, before int64, limit int) ([]Message, error) {
	return l.revRange(ctx, fmt.Sprintf("(%d", before), limit)
}

// All returns every stored message, newest first. Administrative use only;
// interactive callers should paginate.
func (l *Log) All(ctx context.Context) ([]Message, error) {
	raw, err := l.rdb.ZRevRange(ctx, l.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ZREVRANGE %s: %w", l.key, err)
	}
	return decodeAll(raw)
}

// GetPage runs one pagination step: limit must be positive, before is the
// optional exclusive upper bound from the previous page's cursor.
func (l *Log) GetPage(ctx context.Context, limit int, before *int64) (Page, error) {
	if limit <= 0 {
		return Page{}, fmt.Errorf("limit must be positive, got %d", limit)
	}
	var (
		msgs []Message
		err  error
	)
	if before != nil {
		msgs, err = l.Before(ctx, *before, limit)
	} else {
		msgs, err = l.Latest(ctx, limit)
	}
	if err != nil {
		return Page{}, err
	}
	page := Page{Messages: msgs, HasMore: len(msgs) == limit}
	if len(msgs) > 0 {
		earliest := msgs[len(msgs)-1].Timestamp
		page.EarliestTimestamp = &earliest
	}
	return page, nil
}

func (l *Log) revRange(ctx context.Context, max string, limit int) ([]Message, error) {
	raw, err := l.rdb.ZRevRangeByScore(ctx, l.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   max,
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ZREVRANGEBYSCORE %s: %w", l.key, err)
	}
	return decodeAll(raw)
}

func decodeAll(raw []string) ([]Message, error) {
	out := make([]Message, 0, len(raw))
	for _, r := range raw {
		var m Message
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("decode chat member: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}
