package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/wager-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and refresh the cache; reads check
// Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through ---

func (s *CachedStore) CreateWager(ctx context.Context, w *model.Wager) error {
	if err := s.primary.CreateWager(ctx, w); err != nil {
		return err
	}
	s.cacheWager(ctx, w)
	return nil
}

func (s *CachedStore) UpdateWager(ctx context.Context, w *model.Wager) error {
	if err := s.primary.UpdateWager(ctx, w); err != nil {
		return err
	}
	// Invalidate; the next read repopulates from the primary.
	s.rdb.Del(ctx, wagerKey(w.ID))
	return nil
}

// --- Read-through ---

func (s *CachedStore) GetWager(ctx context.Context, id int64) (*model.Wager, error) {
	data, err := s.rdb.Get(ctx, wagerKey(id)).Bytes()
	if err == nil {
		var w model.Wager
		if json.Unmarshal(data, &w) == nil {
			return &w, nil
		}
	}

	// Cache miss: read from primary.
	w, err := s.primary.GetWager(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheWager(ctx, w)
	return w, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListWagers(ctx context.Context, status model.Status) ([]model.Wager, error) {
	return s.primary.ListWagers(ctx, status)
}

// --- Cache helpers ---

func (s *CachedStore) cacheWager(ctx context.Context, w *model.Wager) {
	if data, err := json.Marshal(w); err == nil {
		s.rdb.Set(ctx, wagerKey(w.ID), data, s.ttl)
	}
}

func wagerKey(id int64) string { return fmt.Sprintf("wager:%d", id) }
