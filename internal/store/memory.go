package store

import (
	"context"
	"sort"
	"sync"

	"github.com/atmx/chain-engine/internal/model"
)

type holdingKey struct {
	opportunityID uint64
	side          model.Side
	account       model.Address
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu            sync.RWMutex
	opportunities map[uint64]model.Opportunity
	chains        map[uint64]model.PositionChain
	holdings      map[holdingKey]model.Holding
	balances      map[model.Address]model.Balance
	trades        []model.Trade
	ledger        model.Ledger
	counters      model.Counters
	applied       int
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		opportunities: make(map[uint64]model.Opportunity),
		chains:        make(map[uint64]model.PositionChain),
		holdings:      make(map[holdingKey]model.Holding),
		balances:      make(map[model.Address]model.Balance),
		ledger:        model.NewLedger(),
	}
}

func (s *MemoryStore) Apply(_ context.Context, cs *model.Changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store copies to avoid external mutation.
	for _, o := range cs.Opportunities {
		s.opportunities[o.ID] = *o.Clone()
	}
	for _, c := range cs.Chains {
		s.chains[c.ID] = *c.Clone()
	}
	for _, h := range cs.Holdings {
		s.holdings[holdingKey{h.OpportunityID, h.Side, h.Account}] = h
	}
	for _, b := range cs.Balances {
		s.balances[b.Account] = b
	}
	s.trades = append(s.trades, cs.Trades...)
	for _, a := range cs.Accruals {
		switch a.Kind {
		case model.AccrualProtocolFee:
			s.ledger.ProtocolFees[a.Key] = a.Amount
		case model.AccrualLPReward:
			s.ledger.LPRewards[a.Key] = a.Amount
		case model.AccrualLiquidatorReward:
			s.ledger.LiquidatorRewards[model.HexToAddress(a.Key)] = a.Amount
		}
	}
	s.ledger.Deficits = append(s.ledger.Deficits, cs.Deficits...)
	if cs.Counters.NextOpportunityID > 0 {
		s.counters = cs.Counters
	}
	s.applied++
	return nil
}

func (s *MemoryStore) LoadSnapshot(_ context.Context) (*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &model.Snapshot{
		Ledger:   s.ledger.Clone(),
		Counters: s.counters,
	}
	for _, o := range s.opportunities {
		snap.Opportunities = append(snap.Opportunities, *o.Clone())
	}
	sort.Slice(snap.Opportunities, func(i, j int) bool {
		return snap.Opportunities[i].ID < snap.Opportunities[j].ID
	})
	for _, c := range s.chains {
		snap.Chains = append(snap.Chains, *c.Clone())
	}
	sort.Slice(snap.Chains, func(i, j int) bool {
		return snap.Chains[i].ID < snap.Chains[j].ID
	})
	for _, h := range s.holdings {
		snap.Holdings = append(snap.Holdings, h)
	}
	for _, b := range s.balances {
		snap.Balances = append(snap.Balances, b)
	}
	return snap, nil
}

func (s *MemoryStore) ListTradesByOpportunity(_ context.Context, opportunityID uint64) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.OpportunityID == opportunityID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListTradesByAccount(_ context.Context, account model.Address) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.Account == account {
			result = append(result, t)
		}
	}
	return result, nil
}

// Applied returns the number of changesets applied so far.
func (s *MemoryStore) Applied() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applied
}
