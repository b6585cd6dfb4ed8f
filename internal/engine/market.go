package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/chain-engine/internal/amm"
	"github.com/atmx/chain-engine/internal/metadata"
	"github.com/atmx/chain-engine/internal/metrics"
	"github.com/atmx/chain-engine/internal/model"
	"github.com/atmx/chain-engine/internal/payout"
)

// BuyResult is the outcome of a direct buy.
type BuyResult struct {
	TradeID      string          `json:"trade_id"`
	TokensMinted decimal.Decimal `json:"tokens_minted"`
	Price        decimal.Decimal `json:"price"`
	PriceYes     decimal.Decimal `json:"price_yes"`
	PriceNo      decimal.Decimal `json:"price_no"`
}

// CreateOpportunity opens a new binary opportunity seeded with
// initialLiquidity from the caller's balance, split evenly between YES and
// NO at price 0.5. The creator receives the seed tokens of both sides.
func (e *Engine) CreateOpportunity(ctx context.Context, caller model.Address, name, metadataURL string,
	initialLiquidity decimal.Decimal) (uint64, error) {
	if !initialLiquidity.IsPositive() {
		return 0, ErrInvalidAmount
	}
	desc, err := metadata.Validate(name, metadataURL)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	reserves, err := amm.Open(initialLiquidity)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	var id uint64
	err = e.mutate(ctx, "create_opportunity", func(tx *txn) error {
		if err := tx.debit(caller, initialLiquidity); err != nil {
			return err
		}
		id = tx.counters.NextOpportunityID
		tx.counters.NextOpportunityID++

		o := &model.Opportunity{
			ID:          id,
			Name:        desc.Name,
			MetadataURL: desc.URL,
			Creator:     caller,
			CreatedAt:   tx.now,
		}
		reserves.ApplyTo(o)
		tx.opportunities[id] = o

		for _, side := range []model.Side{model.SideYes, model.SideNo} {
			tx.setHolding(holdingKey{id, side, caller}, o.Supply(side))
		}
		tx.emit(model.Event{
			Type:          model.EventOpportunityCreated,
			OpportunityID: id,
			Account:       caller.Hex(),
			Amount:        initialLiquidity.String(),
			PriceYes:      o.PriceYes.String(),
			PriceNo:       o.PriceNo.String(),
		})
		return nil
	})
	if err != nil {
		return 0, err
	}

	metrics.ActiveOpportunities.Inc()
	e.logger.Info("opportunity created",
		"opportunity_id", id,
		"name", desc.Name,
		"creator", caller.Hex(),
		"liquidity", initialLiquidity.String(),
	)
	return id, nil
}

// BuyTokens spends amount of the caller's balance on side of an opportunity.
func (e *Engine) BuyTokens(ctx context.Context, caller model.Address, opportunityID uint64, side model.Side,
	amount decimal.Decimal) (*BuyResult, error) {
	if !side.Valid() {
		return nil, ErrInvalidSide
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	var res *BuyResult
	err := e.mutate(ctx, "buy_tokens", func(tx *txn) error {
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
		fill, err := tx.buy(o, caller, side, amount, model.SourceDirect, 0)
		if err != nil {
			return err
		}
		k := holdingKey{opportunityID, side, caller}
		tx.setHolding(k, tx.holding(k).Add(fill.Tokens))

		res = &BuyResult{
			TradeID:      tx.trades[len(tx.trades)-1].ID,
			TokensMinted: fill.Tokens,
			Price:        fill.Price,
			PriceYes:     o.PriceYes,
			PriceNo:      o.PriceNo,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(side.String(), string(model.SourceDirect)).Inc()
	e.logger.Info("trade executed",
		"opportunity_id", opportunityID,
		"account", caller.Hex(),
		"side", side.String(),
		"amount", amount.String(),
		"tokens", res.TokensMinted.String(),
	)
	return res, nil
}

// ResolveOpportunity fixes the outcome of an opportunity, takes the protocol
// fee and LP reward from the losing pool, and sets the payout rate. Only the
// creator or a configured resolver may resolve.
func (e *Engine) ResolveOpportunity(ctx context.Context, caller model.Address, opportunityID uint64,
	outcome model.Side) (*payout.Settlement, error) {
	if !outcome.Valid() {
		return nil, ErrInvalidSide
	}

	var settlement payout.Settlement
	err := e.mutate(ctx, "resolve_opportunity", func(tx *txn) error {
		o, err := tx.opportunity(opportunityID)
		if err != nil {
			return err
		}
		if o.Resolved {
			return ErrAlreadyResolved
		}
		if caller != o.Creator && !e.resolvers[caller] {
			return ErrUnauthorized
		}

		settlement, err = payout.Settle(o, outcome, e.params)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSide, err)
		}
		settlement.ApplyTo(o)
		resolvedAt := tx.now
		o.Resolved = true
		o.ResolvedAt = &resolvedAt
		o.Resolver = caller

		tx.accrue(model.AccrualProtocolFee, e.params.BaseToken, settlement.ProtocolFee)
		tx.accrue(model.AccrualLPReward, e.params.BaseToken, settlement.LPReward)
		tx.emit(model.Event{
			Type:          model.EventOpportunityResolved,
			OpportunityID: opportunityID,
			Account:       caller.Hex(),
			Side:          outcome.String(),
			Amount:        settlement.Distributable.String(),
			PriceYes:      o.PriceYes.String(),
			PriceNo:       o.PriceNo.String(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.ActiveOpportunities.Dec()
	metrics.Resolutions.WithLabelValues(outcome.String()).Inc()
	e.logger.Info("opportunity resolved",
		"opportunity_id", opportunityID,
		"outcome", outcome.String(),
		"payout_rate", settlement.PayoutRate.String(),
		"protocol_fee", settlement.ProtocolFee.String(),
	)
	return &settlement, nil
}

// ClaimWinnings pays out the caller's directly held winning tokens of a
// resolved opportunity at its payout rate and zeroes them.
func (e *Engine) ClaimWinnings(ctx context.Context, caller model.Address, opportunityID uint64) (decimal.Decimal, error) {
	var amount decimal.Decimal
	err := e.mutate(ctx, "claim_winnings", func(tx *txn) error {
		o, ok := tx.view(opportunityID)
		if !ok {
			return fmt.Errorf("%w: opportunity %d", ErrNotFound, opportunityID)
		}
		if !o.Resolved {
			return ErrNotResolved
		}

		winKey := holdingKey{opportunityID, o.Outcome, caller}
		loseKey := holdingKey{opportunityID, o.Outcome.Opposite(), caller}
		paid, err := payout.Claim(tx.holding(winKey), tx.holding(loseKey), o.PayoutRate)
		switch {
		case errors.Is(err, payout.ErrLosingSide):
			return ErrLosingSide
		case errors.Is(err, payout.ErrNothingToClaim):
			return ErrNothingToClaim
		case err != nil:
			return err
		}

		tx.setHolding(winKey, decimal.Zero)
		tx.credit(caller, paid)
		amount = paid
		tx.emit(model.Event{
			Type:          model.EventWinningsClaimed,
			OpportunityID: opportunityID,
			Account:       caller.Hex(),
			Side:          o.Outcome.String(),
			Amount:        paid.String(),
		})
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}

	metrics.Claims.Inc()
	e.logger.Info("winnings claimed",
		"opportunity_id", opportunityID,
		"account", caller.Hex(),
		"amount", amount.String(),
	)
	return amount, nil
}
