package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/chain-engine/internal/amm"
	"github.com/atmx/chain-engine/internal/chain"
	"github.com/atmx/chain-engine/internal/model"
)

type holdingKey struct {
	opportunityID uint64
	side          model.Side
	account       model.Address
}

type accrualKey struct {
	kind string
	key  string
}

// txn is one atomic engine operation. Every record it touches is cloned on
// first access; the clones are persisted as a changeset and installed only
// if persistence succeeds. Must be used under the engine's write lock.
type txn struct {
	e   *Engine
	now time.Time

	opportunities map[uint64]*model.Opportunity
	chains        map[uint64]*model.PositionChain
	holdings      map[holdingKey]decimal.Decimal
	balances      map[model.Address]decimal.Decimal
	ledger        *model.Ledger
	accruals      map[accrualKey]struct{}
	trades        []model.Trade
	deficits      []model.DeficitEntry
	counters      model.Counters
	events        []model.Event
}

func (e *Engine) begin() *txn {
	return &txn{
		e:             e,
		now:           e.now().UTC(),
		opportunities: make(map[uint64]*model.Opportunity),
		chains:        make(map[uint64]*model.PositionChain),
		holdings:      make(map[holdingKey]decimal.Decimal),
		balances:      make(map[model.Address]decimal.Decimal),
		accruals:      make(map[accrualKey]struct{}),
		counters:      e.counters,
	}
}

// view returns the current version of an opportunity without marking it
// written.
func (tx *txn) view(id uint64) (*model.Opportunity, bool) {
	if o, ok := tx.opportunities[id]; ok {
		return o, true
	}
	o, ok := tx.e.opportunities[id]
	return o, ok
}

// opportunity returns a writable clone.
func (tx *txn) opportunity(id uint64) (*model.Opportunity, error) {
	if o, ok := tx.opportunities[id]; ok {
		return o, nil
	}
	o, ok := tx.e.opportunities[id]
	if !ok {
		return nil, fmt.Errorf("%w: opportunity %d", ErrNotFound, id)
	}
	cp := o.Clone()
	tx.opportunities[id] = cp
	return cp, nil
}

// positionChain returns a writable clone.
func (tx *txn) positionChain(id uint64) (*model.PositionChain, error) {
	if c, ok := tx.chains[id]; ok {
		return c, nil
	}
	c, ok := tx.e.chains[id]
	if !ok {
		return nil, fmt.Errorf("%w: chain %d", ErrNotFound, id)
	}
	cp := c.Clone()
	tx.chains[id] = cp
	return cp, nil
}

// links pairs the live positions of c with the opportunities they reference,
// as seen by this transaction.
func (tx *txn) links(c *model.PositionChain) []chain.Link {
	links := make([]chain.Link, len(c.Positions))
	for i, p := range c.Positions {
		o, _ := tx.view(p.OpportunityID)
		links[i] = chain.Link{Position: p, Opportunity: o}
	}
	return links
}

func (tx *txn) balance(a model.Address) decimal.Decimal {
	if b, ok := tx.balances[a]; ok {
		return b
	}
	return tx.e.balances[a]
}

func (tx *txn) credit(a model.Address, amount decimal.Decimal) {
	tx.balances[a] = tx.balance(a).Add(amount)
}

func (tx *txn) debit(a model.Address, amount decimal.Decimal) error {
	b := tx.balance(a)
	if b.LessThan(amount) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, b, amount)
	}
	tx.balances[a] = b.Sub(amount)
	return nil
}

func (tx *txn) holding(k holdingKey) decimal.Decimal {
	if h, ok := tx.holdings[k]; ok {
		return h
	}
	return tx.e.holdings[k]
}

func (tx *txn) setHolding(k holdingKey, v decimal.Decimal) {
	tx.holdings[k] = v
}

func (tx *txn) ledgerForWrite() *model.Ledger {
	if tx.ledger == nil {
		l := tx.e.ledger.Clone()
		tx.ledger = &l
	}
	return tx.ledger
}

// accrue adds amount to a ledger accumulator.
func (tx *txn) accrue(kind, key string, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	l := tx.ledgerForWrite()
	switch kind {
	case model.AccrualProtocolFee:
		l.ProtocolFees[key] = l.ProtocolFees[key].Add(amount)
	case model.AccrualLPReward:
		l.LPRewards[key] = l.LPRewards[key].Add(amount)
	case model.AccrualLiquidatorReward:
		a := model.HexToAddress(key)
		l.LiquidatorRewards[a] = l.LiquidatorRewards[a].Add(amount)
	}
	tx.accruals[accrualKey{kind, key}] = struct{}{}
}

func (tx *txn) recordDeficit(e model.DeficitEntry) {
	l := tx.ledgerForWrite()
	l.Deficits = append(l.Deficits, e)
	tx.deficits = append(tx.deficits, e)
}

// unwind closes p's exposure on its opportunity. While trading, p's tokens
// are burned and draw leaves that side's reserve; once resolved, draw comes
// out of the distributable pool.
func (tx *txn) unwind(p model.Position, draw decimal.Decimal) error {
	o, err := tx.opportunity(p.OpportunityID)
	if err != nil {
		return err
	}
	if o.Resolved {
		o.Distributable = o.Distributable.Sub(draw)
		return nil
	}
	r, released := amm.ReservesOf(o).Release(p.Side, p.Tokens, draw)
	if !released.Equal(draw) {
		return fmt.Errorf("engine: opportunity %d released %s of %s", o.ID, released, draw)
	}
	r.ApplyTo(o)
	return nil
}

// buy runs one AMM purchase on o and records the trade.
func (tx *txn) buy(o *model.Opportunity, account model.Address, side model.Side, amount decimal.Decimal,
	source model.TradeSource, chainID uint64) (amm.Fill, error) {
	fill, err := amm.Buy(amm.ReservesOf(o), side, amount)
	if err != nil {
		if errors.Is(err, amm.ErrInvalidAmount) {
			return amm.Fill{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
		}
		return amm.Fill{}, fmt.Errorf("engine: buy on opportunity %d: %w", o.ID, err)
	}
	fill.Reserves.ApplyTo(o)

	tx.trades = append(tx.trades, model.Trade{
		ID:            uuid.NewString(),
		OpportunityID: o.ID,
		Account:       account,
		ChainID:       chainID,
		Source:        source,
		Side:          side,
		Amount:        amount,
		Tokens:        fill.Tokens,
		Price:         fill.Price,
		PriceYesAfter: o.PriceYes,
		PriceNoAfter:  o.PriceNo,
		Timestamp:     tx.now,
	})
	tx.emit(model.Event{
		Type:          model.EventTradeExecuted,
		OpportunityID: o.ID,
		ChainID:       chainID,
		Account:       account.Hex(),
		Side:          side.String(),
		Amount:        amount.String(),
		PriceYes:      o.PriceYes.String(),
		PriceNo:       o.PriceNo.String(),
	})
	return fill, nil
}

func (tx *txn) emit(evt model.Event) {
	evt.Timestamp = tx.now
	tx.events = append(tx.events, evt)
}

func (tx *txn) changeset() *model.Changeset {
	cs := &model.Changeset{
		Trades:   tx.trades,
		Deficits: tx.deficits,
		Counters: tx.counters,
	}
	for _, o := range tx.opportunities {
		cs.Opportunities = append(cs.Opportunities, *o)
	}
	for _, c := range tx.chains {
		cs.Chains = append(cs.Chains, *c)
	}
	for k, v := range tx.holdings {
		cs.Holdings = append(cs.Holdings, model.Holding{
			OpportunityID: k.opportunityID,
			Side:          k.side,
			Account:       k.account,
			Tokens:        v,
		})
	}
	for a, v := range tx.balances {
		cs.Balances = append(cs.Balances, model.Balance{Account: a, Amount: v})
	}
	for k := range tx.accruals {
		var amount decimal.Decimal
		switch k.kind {
		case model.AccrualProtocolFee:
			amount = tx.ledger.ProtocolFees[k.key]
		case model.AccrualLPReward:
			amount = tx.ledger.LPRewards[k.key]
		case model.AccrualLiquidatorReward:
			amount = tx.ledger.LiquidatorRewards[model.HexToAddress(k.key)]
		}
		cs.Accruals = append(cs.Accruals, model.LedgerAccrual{Kind: k.kind, Key: k.key, Amount: amount})
	}
	return cs
}

// commit persists the changeset and then installs the clones. On a store
// error nothing is installed.
func (tx *txn) commit(ctx context.Context) error {
	if cs := tx.changeset(); !cs.Empty() {
		if err := tx.e.store.Apply(ctx, cs); err != nil {
			return fmt.Errorf("engine: persist: %w", err)
		}
	}

	e := tx.e
	for id, o := range tx.opportunities {
		e.opportunities[id] = o
	}
	for id, c := range tx.chains {
		e.chains[id] = c
	}
	for k, v := range tx.holdings {
		e.holdings[k] = v
	}
	for a, v := range tx.balances {
		e.balances[a] = v
	}
	if tx.ledger != nil {
		e.ledger = *tx.ledger
	}
	e.counters = tx.counters
	return nil
}
