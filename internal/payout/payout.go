// Package payout settles resolved opportunities and computes winner claims.
package payout

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/chain-engine/internal/fixedpoint"
	"github.com/atmx/chain-engine/internal/model"
)

var (
	// ErrNothingToClaim is returned when the holder has no tokens on either side.
	ErrNothingToClaim = errors.New("payout: no tokens to claim")

	// ErrLosingSide is returned when the holder only has losing-side tokens.
	ErrLosingSide = errors.New("payout: only losing-side tokens held")

	// ErrInvalidOutcome is returned when settling with a side other than YES or NO.
	ErrInvalidOutcome = errors.New("payout: outcome must be YES or NO")
)

// Settlement is the fixed result of resolving an opportunity.
type Settlement struct {
	Outcome       model.Side      `json:"outcome"`
	WinningPool   decimal.Decimal `json:"winning_pool"`
	LosingPool    decimal.Decimal `json:"losing_pool"`
	ProtocolFee   decimal.Decimal `json:"protocol_fee"`
	LPReward      decimal.Decimal `json:"lp_reward"`
	Distributable decimal.Decimal `json:"distributable"`
	WinningSupply decimal.Decimal `json:"winning_supply"`
	PayoutRate    decimal.Decimal `json:"payout_rate"`
}

// Settle computes the payout of o for outcome. Fees are taken from the
// losing pool only; the winning pool passes through untaxed. With no
// winning supply outstanding the rate is zero.
func Settle(o *model.Opportunity, outcome model.Side, params model.Params) (Settlement, error) {
	if !outcome.Valid() {
		return Settlement{}, ErrInvalidOutcome
	}
	winningPool := o.Liquidity(outcome)
	losingPool := o.Liquidity(outcome.Opposite())

	protocolFee := fixedpoint.ApplyBps(losingPool, params.ProtocolFeeRate)
	lpReward := fixedpoint.ApplyBps(losingPool, params.LPRewardRate)
	distributable := winningPool.Add(losingPool).Sub(protocolFee).Sub(lpReward)

	supply := o.Supply(outcome)
	rate := decimal.Zero
	if supply.IsPositive() {
		rate = fixedpoint.Div(distributable, supply)
	}

	return Settlement{
		Outcome:       outcome,
		WinningPool:   winningPool,
		LosingPool:    losingPool,
		ProtocolFee:   protocolFee,
		LPReward:      lpReward,
		Distributable: distributable,
		WinningSupply: supply,
		PayoutRate:    rate,
	}, nil
}

// ApplyTo records the settlement on the opportunity.
func (s Settlement) ApplyTo(o *model.Opportunity) {
	o.Outcome = s.Outcome
	o.PayoutRate = s.PayoutRate
	o.ProtocolFee = s.ProtocolFee
	o.LPReward = s.LPReward
	o.Distributable = s.Distributable
}

// Claim returns the payout for a holder with the given winning and losing
// side balances at rate.
func Claim(winning, losing, rate decimal.Decimal) (decimal.Decimal, error) {
	if !winning.IsPositive() {
		if losing.IsPositive() {
			return decimal.Zero, ErrLosingSide
		}
		return decimal.Zero, ErrNothingToClaim
	}
	return fixedpoint.Mul(winning, rate), nil
}
