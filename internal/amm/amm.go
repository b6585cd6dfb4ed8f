// Package amm implements the multiplicative automated market maker that
// prices every opportunity.
//
// Unlike a constant-product or LMSR maker, the rule is purely multiplicative
// in the reserve ratio of the side being bought:
//
//	tokens      = amount / p_side
//	L_side'     = L_side + amount
//	p_side'     = p_side  × L_side' / L_side
//	p_other'    = p_other × L_side  / L_side'
//
// Buying pressure strictly raises the bought side's price and strictly lowers
// the other's. The two prices are not forced to sum to 1.
//
// The maker is stateless: reserves are passed in and returned, never stored.
// All monetary values use shopspring/decimal, never float64.
package amm

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/chain-engine/internal/fixedpoint"
	"github.com/atmx/chain-engine/internal/model"
)

var (
	// ErrInvalidAmount is returned for zero or negative liquidity or buy amounts.
	ErrInvalidAmount = errors.New("amm: amount must be positive")

	// ErrEmptyReserve is returned when a reserve or price is not positive,
	// which would make the multiplicative update undefined.
	ErrEmptyReserve = errors.New("amm: reserve or price is not positive")

	// ErrInvalidSide is returned when the side is neither YES nor NO.
	ErrInvalidSide = errors.New("amm: invalid side")
)

// MinReserve is the smallest side reserve a release may leave behind, one
// token unit.
var MinReserve = fixedpoint.FromTokenUnits(1)

// Reserves is the AMM state of one opportunity.
type Reserves struct {
	LiquidityYes   decimal.Decimal `json:"liquidity_yes"`
	LiquidityNo    decimal.Decimal `json:"liquidity_no"`
	PriceYes       decimal.Decimal `json:"price_yes"`
	PriceNo        decimal.Decimal `json:"price_no"`
	TotalYesTokens decimal.Decimal `json:"total_yes_tokens"`
	TotalNoTokens  decimal.Decimal `json:"total_no_tokens"`
}

// ReservesOf extracts the AMM state of an opportunity.
func ReservesOf(o *model.Opportunity) Reserves {
	return Reserves{
		LiquidityYes:   o.LiquidityYes,
		LiquidityNo:    o.LiquidityNo,
		PriceYes:       o.PriceYes,
		PriceNo:        o.PriceNo,
		TotalYesTokens: o.TotalYesTokens,
		TotalNoTokens:  o.TotalNoTokens,
	}
}

// ApplyTo writes the reserves back onto an opportunity.
func (r Reserves) ApplyTo(o *model.Opportunity) {
	o.LiquidityYes = r.LiquidityYes
	o.LiquidityNo = r.LiquidityNo
	o.PriceYes = r.PriceYes
	o.PriceNo = r.PriceNo
	o.TotalYesTokens = r.TotalYesTokens
	o.TotalNoTokens = r.TotalNoTokens
}

func (r Reserves) liquidity(s model.Side) decimal.Decimal {
	if s == model.SideYes {
		return r.LiquidityYes
	}
	return r.LiquidityNo
}

func (r Reserves) price(s model.Side) decimal.Decimal {
	if s == model.SideYes {
		return r.PriceYes
	}
	return r.PriceNo
}

func (r *Reserves) set(s model.Side, liquidity, price, supplyDelta decimal.Decimal) {
	if s == model.SideYes {
		r.LiquidityYes = liquidity
		r.PriceYes = price
		r.TotalYesTokens = r.TotalYesTokens.Add(supplyDelta)
		return
	}
	r.LiquidityNo = liquidity
	r.PriceNo = price
	r.TotalNoTokens = r.TotalNoTokens.Add(supplyDelta)
}

func (r *Reserves) setPrice(s model.Side, price decimal.Decimal) {
	if s == model.SideYes {
		r.PriceYes = price
		return
	}
	r.PriceNo = price
}

// Fill is the result of a buy.
type Fill struct {
	Side     model.Side      `json:"side"`
	Amount   decimal.Decimal `json:"amount"`
	Tokens   decimal.Decimal `json:"tokens"`
	Price    decimal.Decimal `json:"price"` // side price at the time of the call
	Reserves Reserves        `json:"reserves"`
}

// Open creates the reserves of a new opportunity: each side gets half the
// initial liquidity at price 0.5, and each side's supply is the whole
// initial liquidity valued at that price.
func Open(initialLiquidity decimal.Decimal) (Reserves, error) {
	if !initialLiquidity.IsPositive() {
		return Reserves{}, ErrInvalidAmount
	}
	half := fixedpoint.Div(initialLiquidity, decimal.NewFromInt(2))
	if !half.IsPositive() {
		return Reserves{}, ErrInvalidAmount
	}
	supply := fixedpoint.Div(initialLiquidity, model.InitialPrice)
	return Reserves{
		LiquidityYes:   half,
		LiquidityNo:    half,
		PriceYes:       model.InitialPrice,
		PriceNo:        model.InitialPrice,
		TotalYesTokens: supply,
		TotalNoTokens:  supply,
	}, nil
}

// Buy applies one purchase of side to a copy of r and returns the fill.
func Buy(r Reserves, side model.Side, amount decimal.Decimal) (Fill, error) {
	if !side.Valid() {
		return Fill{}, ErrInvalidSide
	}
	if !amount.IsPositive() {
		return Fill{}, ErrInvalidAmount
	}

	other := side.Opposite()
	liqOld := r.liquidity(side)
	priceOld := r.price(side)
	otherPriceOld := r.price(other)
	if !liqOld.IsPositive() || !priceOld.IsPositive() || !otherPriceOld.IsPositive() {
		return Fill{}, ErrEmptyReserve
	}

	tokens := fixedpoint.Div(amount, priceOld)
	if !tokens.IsPositive() {
		// Dust below one unit of the last digit mints nothing.
		return Fill{}, ErrInvalidAmount
	}
	liqNew := liqOld.Add(amount)

	// Multiply before dividing so the ratio is not truncated on its own.
	priceNew := fixedpoint.Div(priceOld.Mul(liqNew), liqOld)
	otherPriceNew := fixedpoint.Div(otherPriceOld.Mul(liqOld), liqNew)

	next := r
	next.set(side, liqNew, priceNew, tokens)
	next.setPrice(other, otherPriceNew)

	return Fill{
		Side:     side,
		Amount:   amount,
		Tokens:   tokens,
		Price:    priceOld,
		Reserves: next,
	}, nil
}

// Release burns tokens of side and takes amount out of that side's reserve.
// Prices are unchanged. Supply never goes below zero and the reserve never
// below MinReserve; the amount actually released is returned.
func (r Reserves) Release(side model.Side, tokens, amount decimal.Decimal) (Reserves, decimal.Decimal) {
	liq := r.liquidity(side)
	amount = fixedpoint.Min(amount, fixedpoint.Max(liq.Sub(MinReserve), decimal.Zero))
	amount = fixedpoint.Max(amount, decimal.Zero)

	supply := r.TotalYesTokens
	if side == model.SideNo {
		supply = r.TotalNoTokens
	}
	burn := fixedpoint.Min(tokens, supply)

	next := r
	next.set(side, liq.Sub(amount), r.price(side), burn.Neg())
	return next, amount
}

// Value returns tokens × price of side at the given reserves.
func (r Reserves) Value(side model.Side, tokens decimal.Decimal) decimal.Decimal {
	return fixedpoint.Mul(tokens, r.price(side))
}
