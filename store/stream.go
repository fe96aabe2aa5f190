package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// LatestID is the stream cursor meaning "only entries appended after now".
const LatestID = "$"

// Entry is one event-log entry with its store-issued monotonic id.
type Entry struct {
	ID     string
	Values map[string]string
}

// XAdd appends an entry to a stream and returns the issued id.
func (c *Client) XAdd(ctx context.Context, key string, values map[string]any) (string, error) {
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: values,
	}).Result()
	if err != nil {
		return "", classify(err)
	}
	return id, nil
}

// XTrimApprox trims a stream to approximately maxLen entries.
func (c *Client) XTrimApprox(ctx context.Context, key string, maxLen int64) error {
	return classify(c.rdb.XTrimMaxLenApprox(ctx, key, maxLen, 0).Err())
}

// XLen returns the stream length.
func (c *Client) XLen(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.XLen(ctx, key).Result()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// XRangeAfter reads entries strictly after lastID. An empty or "0" lastID
// reads from the beginning.
func (c *Client) XRangeAfter(ctx context.Context, key, lastID string) ([]Entry, error) {
	start := "-"
	if lastID != "" && lastID != "0" {
		start = "(" + lastID
	}
	msgs, err := c.rdb.XRange(ctx, key, start, "+").Result()
	if err != nil {
		return nil, classify(err)
	}
	return toEntries(msgs), nil
}

// XLastID returns the id of the newest stream entry, or "0" for an
// empty or missing stream. Resolving the tail to a concrete id lets
// pollers read "entries after now" without the re-evaluation gap of $.
func (c *Client) XLastID(ctx context.Context, key string) (string, error) {
	msgs, err := c.rdb.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil {
		return "", classify(err)
	}
	if len(msgs) == 0 {
		return "0", nil
	}
	return msgs[0].ID, nil
}

// XReadBlock blocks up to timeout waiting for entries after lastID, using
// the dedicated long-timeout connection. lastID may be LatestID. A timeout
// with no entries returns an empty slice and nil error so callers can loop.
func (c *Client) XReadBlock(ctx context.Context, key, lastID string, timeout time.Duration) ([]Entry, error) {
	streams, err := c.blocking.XRead(ctx, &redis.XReadArgs{
		Streams: []string{key, lastID},
		Count:   100,
		Block:   timeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, classify(err)
	}

	var entries []Entry
	for _, s := range streams {
		entries = append(entries, toEntries(s.Messages)...)
	}
	return entries, nil
}

func toEntries(msgs []redis.XMessage) []Entry {
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		values := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			if s, ok := v.(string); ok {
				values[k] = s
			}
		}
		entries = append(entries, Entry{ID: m.ID, Values: values})
	}
	return entries
}
