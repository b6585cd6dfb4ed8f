// Package engine is the chain engine's state machine. It owns opportunities,
// position chains, balances and the protocol ledger, and serializes every
// mutation behind one lock. Each mutation is atomic: it either commits all of
// its effects to the store and to memory, or none of them.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/chain-engine/internal/events"
	"github.com/atmx/chain-engine/internal/metrics"
	"github.com/atmx/chain-engine/internal/model"
	"github.com/atmx/chain-engine/internal/store"
)

// Engine executes market, chain, liquidation and settlement operations.
// It is safe for concurrent use.
type Engine struct {
	mu sync.RWMutex

	store     store.Store
	sink      events.Sink
	params    model.Params
	resolvers map[model.Address]bool
	logger    *slog.Logger
	now       func() time.Time

	opportunities map[uint64]*model.Opportunity
	chains        map[uint64]*model.PositionChain
	holdings      map[holdingKey]decimal.Decimal
	balances      map[model.Address]decimal.Decimal
	ledger        model.Ledger
	counters      model.Counters
}

// Option configures an Engine.
type Option func(*Engine)

// WithResolvers authorizes accounts besides each opportunity's creator to
// resolve it.
func WithResolvers(accounts ...model.Address) Option {
	return func(e *Engine) {
		for _, a := range accounts {
			e.resolvers[a] = true
		}
	}
}

// WithSink sets where committed events are published.
func WithSink(sink events.Sink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an empty engine backed by st. Call Restore to load persisted
// state before serving.
func New(st store.Store, params model.Params, opts ...Option) *Engine {
	e := &Engine{
		store:         st,
		sink:          events.Discard{},
		params:        params,
		resolvers:     make(map[model.Address]bool),
		logger:        slog.Default(),
		now:           time.Now,
		opportunities: make(map[uint64]*model.Opportunity),
		chains:        make(map[uint64]*model.PositionChain),
		holdings:      make(map[holdingKey]decimal.Decimal),
		balances:      make(map[model.Address]decimal.Decimal),
		ledger:        model.NewLedger(),
		counters:      model.Counters{NextOpportunityID: 1, NextChainID: 1},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "engine")
	return e
}

// Restore replaces the in-memory state with the store's snapshot.
func (e *Engine) Restore(ctx context.Context) error {
	snap, err := e.store.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("engine: load snapshot: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.opportunities = make(map[uint64]*model.Opportunity, len(snap.Opportunities))
	active := 0
	for i := range snap.Opportunities {
		o := snap.Opportunities[i]
		e.opportunities[o.ID] = &o
		if !o.Resolved {
			active++
		}
	}
	e.chains = make(map[uint64]*model.PositionChain, len(snap.Chains))
	for i := range snap.Chains {
		c := snap.Chains[i]
		e.chains[c.ID] = &c
	}
	e.holdings = make(map[holdingKey]decimal.Decimal, len(snap.Holdings))
	for _, h := range snap.Holdings {
		e.holdings[holdingKey{h.OpportunityID, h.Side, h.Account}] = h.Tokens
	}
	e.balances = make(map[model.Address]decimal.Decimal, len(snap.Balances))
	for _, b := range snap.Balances {
		e.balances[b.Account] = b.Amount
	}
	e.ledger = snap.Ledger.Clone()
	e.counters = snap.Counters
	if e.counters.NextOpportunityID == 0 {
		e.counters.NextOpportunityID = 1
	}
	if e.counters.NextChainID == 0 {
		e.counters.NextChainID = 1
	}

	metrics.ActiveOpportunities.Set(float64(active))
	e.logger.Info("state restored",
		"opportunities", len(e.opportunities),
		"chains", len(e.chains),
		"accounts", len(e.balances),
	)
	return nil
}

// Params returns the protocol parameters.
func (e *Engine) Params() model.Params {
	return e.params
}

// mutate runs fn in a transaction under the write lock, commits it, and
// publishes the collected events once the lock is released.
func (e *Engine) mutate(ctx context.Context, op string, fn func(tx *txn) error) error {
	start := time.Now()

	e.mu.Lock()
	tx := e.begin()
	err := fn(tx)
	if err == nil {
		err = tx.commit(ctx)
	}
	e.mu.Unlock()

	metrics.ObserveOperation(op, start, err)
	if err != nil {
		if !IsDomainError(err) {
			e.logger.Error("operation failed", "op", op, "err", err)
		}
		return err
	}

	for _, evt := range tx.events {
		if perr := e.sink.Publish(ctx, evt); perr != nil {
			e.logger.Warn("publish event", "type", evt.Type, "err", perr)
		}
	}
	return nil
}

// Deposit credits amount to the caller's balance and returns the new balance.
func (e *Engine) Deposit(ctx context.Context, caller model.Address, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	var balance decimal.Decimal
	err := e.mutate(ctx, "deposit", func(tx *txn) error {
		tx.credit(caller, amount)
		balance = tx.balance(caller)
		return nil
	})
	return balance, err
}

// Withdraw debits amount from the caller's balance and returns the new balance.
func (e *Engine) Withdraw(ctx context.Context, caller model.Address, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	var balance decimal.Decimal
	err := e.mutate(ctx, "withdraw", func(tx *txn) error {
		if err := tx.debit(caller, amount); err != nil {
			return err
		}
		balance = tx.balance(caller)
		return nil
	})
	return balance, err
}
