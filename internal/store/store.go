// Package store defines the persistence interface for the chain engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache over trade history), and in-memory (for testing).
package store

import (
	"context"

	"github.com/atmx/chain-engine/internal/model"
)

// Store is the persistence interface. The engine keeps the authoritative
// working set in memory and writes one Changeset per operation; a Changeset
// is applied atomically or not at all.
type Store interface {
	// Apply persists everything one engine operation wrote.
	Apply(ctx context.Context, cs *model.Changeset) error

	// LoadSnapshot returns the full persisted state for engine start-up.
	LoadSnapshot(ctx context.Context) (*model.Snapshot, error)

	// --- Immutable trade history ---

	// ListTradesByOpportunity returns all trades on an opportunity, oldest first.
	ListTradesByOpportunity(ctx context.Context, opportunityID uint64) ([]model.Trade, error)

	// ListTradesByAccount returns all trades by an account, oldest first.
	ListTradesByAccount(ctx context.Context, account model.Address) ([]model.Trade, error)
}
