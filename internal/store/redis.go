package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/chain-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache over trade history. Writes go to the primary store and invalidate
// the cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     redis.UniversalClient
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Apply(ctx context.Context, cs *model.Changeset) error {
	if err := s.primary.Apply(ctx, cs); err != nil {
		return err
	}
	if len(cs.Trades) == 0 {
		return nil
	}
	keys := make([]string, 0, 2*len(cs.Trades))
	for _, t := range cs.Trades {
		keys = append(keys, opportunityTradesKey(t.OpportunityID), accountTradesKey(t.Account))
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, keys...)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ListTradesByOpportunity(ctx context.Context, opportunityID uint64) ([]model.Trade, error) {
	key := opportunityTradesKey(opportunityID)
	if trades, ok := s.cachedTrades(ctx, key); ok {
		return trades, nil
	}

	trades, err := s.primary.ListTradesByOpportunity(ctx, opportunityID)
	if err != nil {
		return nil, err
	}
	s.cacheTrades(ctx, key, trades)
	return trades, nil
}

func (s *CachedStore) ListTradesByAccount(ctx context.Context, account model.Address) ([]model.Trade, error) {
	key := accountTradesKey(account)
	if trades, ok := s.cachedTrades(ctx, key); ok {
		return trades, nil
	}

	trades, err := s.primary.ListTradesByAccount(ctx, account)
	if err != nil {
		return nil, err
	}
	s.cacheTrades(ctx, key, trades)
	return trades, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) LoadSnapshot(ctx context.Context) (*model.Snapshot, error) {
	return s.primary.LoadSnapshot(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cachedTrades(ctx context.Context, key string) ([]model.Trade, bool) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	var trades []model.Trade
	if json.Unmarshal(data, &trades) != nil {
		return nil, false
	}
	return trades, true
}

func (s *CachedStore) cacheTrades(ctx context.Context, key string, trades []model.Trade) {
	if data, err := json.Marshal(trades); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func opportunityTradesKey(id uint64) string { return fmt.Sprintf("trades:opportunity:%d", id) }
func accountTradesKey(a model.Address) string {
	return fmt.Sprintf("trades:account:%s", a.Hex())
}
