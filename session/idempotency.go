package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/taskgate/store"
)

// CachedResponse is a previously returned response body, replayed for
// duplicate requests carrying the same idempotency key.
type CachedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// Idempotency caches responses keyed by a client-supplied token so that
// duplicate submit/resubmit clicks produce exactly one state transition.
type Idempotency struct {
	store *store.Client
	ttl   time.Duration
}

// NewIdempotency creates the idempotency cache.
func NewIdempotency(st *store.Client, ttl time.Duration) *Idempotency {
	return &Idempotency{store: st, ttl: ttl}
}

func idemKey(key string) string {
	return "idem:" + key
}

// Check returns the cached response for a key, or nil if unseen.
func (i *Idempotency) Check(ctx context.Context, key string) (*CachedResponse, error) {
	if key == "" {
		return nil, nil
	}
	data, err := i.store.Get(ctx, idemKey(key))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var resp CachedResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal cached response: %w", err)
	}
	return &resp, nil
}

// Store caches a response under the key for the configured TTL.
func (i *Idempotency) Store(ctx context.Context, key string, resp CachedResponse) error {
	if key == "" {
		return nil
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal cached response: %w", err)
	}
	return i.store.Set(ctx, idemKey(key), data, i.ttl)
}
