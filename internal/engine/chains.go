package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/chain-engine/internal/chain"
	"github.com/atmx/chain-engine/internal/metrics"
	"github.com/atmx/chain-engine/internal/model"
)

// LiquidationResult reports an executed liquidation.
type LiquidationResult struct {
	ChainID             uint64          `json:"chain_id"`
	PositionsLiquidated int             `json:"positions_liquidated"`
	From                int             `json:"from"`
	Recovered           decimal.Decimal `json:"recovered"`
	Debt                decimal.Decimal `json:"debt"`
	Penalty             decimal.Decimal `json:"penalty"`
	PenaltyPaid         decimal.Decimal `json:"penalty_paid"`
	UnpaidPenalty       decimal.Decimal `json:"unpaid_penalty"`
	LiquidatorReward    decimal.Decimal `json:"liquidator_reward"`
	ProtocolShare       decimal.Decimal `json:"protocol_share"`
	Shortfall           decimal.Decimal `json:"shortfall"`
	FullyLiquidated     bool            `json:"fully_liquidated"`
	DeficitID           string          `json:"deficit_id,omitempty"`
}

// CreatePositionChain opens a chain whose root buys side of an opportunity
// with amount from the caller's balance. The chain's debt starts at amount.
func (e *Engine) CreatePositionChain(ctx context.Context, caller model.Address, opportunityID uint64,
	side model.Side, amount decimal.Decimal) (uint64, error) {
	if !side.Valid() {
		return 0, ErrInvalidSide
	}
	if !amount.IsPositive() {
		return 0, ErrInvalidAmount
	}

	var id uint64
	err := e.mutate(ctx, "create_chain", func(tx *txn) error {
		o, err := tx.opportunity(opportunityID)
		if err != nil {
			return err
		}
		if o.Resolved {
			return ErrMarketResolved
		}
		if err := tx.debit(caller, amount); err != nil {
			return err
		}

		id = tx.counters.NextChainID
		tx.counters.NextChainID++

		fill, err := tx.buy(o, caller, side, amount, model.SourceChainOpen, id)
		if err != nil {
			return err
		}
		tx.chains[id] = &model.PositionChain{
			ID:    id,
			Owner: caller,
			Positions: []model.Position{{
				Seq:           0,
				OpportunityID: opportunityID,
				Side:          side,
				Amount:        amount,
				Tokens:        fill.Tokens,
				Active:        true,
				OpenedAt:      tx.now,
			}},
			TotalDebt: amount,
			NextSeq:   1,
			CreatedAt: tx.now,
		}
		tx.emit(model.Event{
			Type:          model.EventChainCreated,
			OpportunityID: opportunityID,
			ChainID:       id,
			Account:       caller.Hex(),
			Side:          side.String(),
			Amount:        amount.String(),
			PriceYes:      o.PriceYes.String(),
			PriceNo:       o.PriceNo.String(),
		})
		return nil
	})
	if err != nil {
		return 0, err
	}

	metrics.ChainsCreated.Inc()
	metrics.TradesTotal.WithLabelValues(side.String(), string(model.SourceChainOpen)).Inc()
	e.logger.Info("chain created",
		"chain_id", id,
		"owner", caller.Hex(),
		"opportunity_id", opportunityID,
		"side", side.String(),
		"amount", amount.String(),
	)
	return id, nil
}

// ExtendChain appends a link on side of an opportunity, funded by LTV of the
// current tail's mark value less the fixed fee. It returns the index of the
// new link among the chain's live positions.
func (e *Engine) ExtendChain(ctx context.Context, caller model.Address, chainID, opportunityID uint64,
	side model.Side) (int, error) {
	if !side.Valid() {
		return 0, ErrInvalidSide
	}

	var (
		index     int
		allocated decimal.Decimal
	)
	err := e.mutate(ctx, "extend_chain", func(tx *txn) error {
		c, err := tx.positionChain(chainID)
		if err != nil {
			return err
		}
		if c.Owner != caller {
			return ErrUnauthorized
		}
		parent := c.Last()
		if c.Liquidated || parent == nil || !parent.Active {
			return ErrChainLiquidated
		}

		o, err := tx.opportunity(opportunityID)
		if err != nil {
			return err
		}
		if o.Resolved {
			return ErrMarketResolved
		}

		// Value the parent before the buy moves any price.
		parentOpp, _ := tx.view(parent.OpportunityID)
		allocated, err = chain.Allocation(chain.MarkValue(*parent, parentOpp), e.params)
		if errors.Is(err, chain.ErrInsufficientCollateral) {
			return ErrInsufficientCollateral
		}
		if err != nil {
			return err
		}

		fill, err := tx.buy(o, caller, side, allocated, model.SourceChainExtend, chainID)
		if err != nil {
			return err
		}
		c.Positions = append(c.Positions, model.Position{
			Seq:           c.NextSeq,
			OpportunityID: opportunityID,
			Side:          side,
			Amount:        allocated,
			Tokens:        fill.Tokens,
			Active:        true,
			OpenedAt:      tx.now,
		})
		c.NextSeq++
		c.TotalDebt = c.TotalDebt.Add(allocated)
		index = len(c.Positions) - 1

		tx.emit(model.Event{
			Type:          model.EventChainExtended,
			OpportunityID: opportunityID,
			ChainID:       chainID,
			Account:       caller.Hex(),
			Side:          side.String(),
			Amount:        allocated.String(),
			PriceYes:      o.PriceYes.String(),
			PriceNo:       o.PriceNo.String(),
		})
		return nil
	})
	if err != nil {
		return 0, err
	}

	metrics.ChainExtensions.Inc()
	metrics.TradesTotal.WithLabelValues(side.String(), string(model.SourceChainExtend)).Inc()
	e.logger.Info("chain extended",
		"chain_id", chainID,
		"opportunity_id", opportunityID,
		"side", side.String(),
		"index", index,
		"allocated", allocated.String(),
	)
	return index, nil
}

// LiquidateChain unwinds a chain from its first violating link to the tail.
// Anyone but the owner may call it. The penalty is drawn from the unwound
// positions' value, tail first, and the caller is paid half of what was
// drawn. Uncovered debt and any undrawn penalty are recorded as a deficit.
func (e *Engine) LiquidateChain(ctx context.Context, caller model.Address, chainID uint64) (*LiquidationResult, error) {
	var res *LiquidationResult
	err := e.mutate(ctx, "liquidate_chain", func(tx *txn) error {
		c, err := tx.positionChain(chainID)
		if err != nil {
			return err
		}
		if c.Liquidated {
			return ErrChainLiquidated
		}
		if c.Owner == caller {
			return ErrUnauthorized
		}

		links := tx.links(c)
		report := chain.Health(links, e.params)
		if report.Healthy() {
			return ErrNotLiquidatable
		}
		plan, err := chain.PlanLiquidation(links, report.ViolationIndex, e.params)
		if err != nil {
			return ErrNotLiquidatable
		}

		drawn := make(map[int]decimal.Decimal, len(plan.Draws))
		for _, dr := range plan.Draws {
			drawn[dr.Index] = dr.Amount
		}

		closedAt := tx.now
		// Unwind tail first.
		for i := len(c.Positions) - 1; i >= plan.From; i-- {
			p := c.Positions[i]
			if err := tx.unwind(p, drawn[i]); err != nil {
				return err
			}
			p.Active = false
			p.ClosedAt = &closedAt
			c.Unwound = append(c.Unwound, p)
		}
		c.Positions = c.Positions[:plan.From]
		c.TotalDebt = c.TotalDebt.Sub(plan.Debt)
		if c.TotalDebt.IsNegative() {
			c.TotalDebt = decimal.Zero
		}
		if plan.Full {
			c.Liquidated = true
		}

		tx.credit(caller, plan.LiquidatorReward)
		tx.accrue(model.AccrualLiquidatorReward, caller.Hex(), plan.LiquidatorReward)
		tx.accrue(model.AccrualProtocolFee, e.params.BaseToken, plan.ProtocolShare)

		res = &LiquidationResult{
			ChainID:             chainID,
			PositionsLiquidated: plan.Positions,
			From:                plan.From,
			Recovered:           plan.Recovered,
			Debt:                plan.Debt,
			Penalty:             plan.Penalty,
			PenaltyPaid:         plan.Paid,
			UnpaidPenalty:       plan.UnpaidPenalty,
			LiquidatorReward:    plan.LiquidatorReward,
			ProtocolShare:       plan.ProtocolShare,
			Shortfall:           plan.Shortfall,
			FullyLiquidated:     plan.Full,
		}
		if plan.Shortfall.IsPositive() {
			res.DeficitID = uuid.NewString()
			tx.recordDeficit(model.DeficitEntry{
				ID:            res.DeficitID,
				ChainID:       chainID,
				Debt:          plan.Debt,
				Penalty:       plan.Penalty,
				UnpaidPenalty: plan.UnpaidPenalty,
				Recovered:     plan.Recovered,
				Shortfall:     plan.Shortfall,
				Timestamp:     tx.now,
			})
		}

		tx.emit(model.Event{
			Type:    model.EventChainLiquidated,
			ChainID: chainID,
			Account: caller.Hex(),
			Amount:  plan.Debt.String(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	kind := "partial"
	if res.FullyLiquidated {
		kind = "full"
	}
	metrics.Liquidations.WithLabelValues(kind).Inc()
	metrics.LiquidatedPositions.Add(float64(res.PositionsLiquidated))
	if res.DeficitID != "" {
		metrics.Deficits.Inc()
		e.logger.Warn("liquidation shortfall",
			"chain_id", chainID,
			"deficit_id", res.DeficitID,
			"shortfall", res.Shortfall.String(),
		)
	}
	e.logger.Info("chain liquidated",
		"chain_id", chainID,
		"liquidator", caller.Hex(),
		"from", res.From,
		"positions", res.PositionsLiquidated,
		"penalty_paid", res.PenaltyPaid.String(),
		"full", res.FullyLiquidated,
	)
	return res, nil
}

func chainNotFound(id uint64) error {
	return fmt.Errorf("%w: chain %d", ErrNotFound, id)
}
