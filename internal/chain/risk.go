package chain

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/chain-engine/internal/fixedpoint"
	"github.com/atmx/chain-engine/internal/model"
)

// LinkRisk describes how close one parent-child pair is to liquidation.
type LinkRisk struct {
	Index int `json:"index"`
	// Utilization is amount_i / (α × available_i); above 1 the child is
	// larger than a fresh extension from the parent would allow.
	Utilization decimal.Decimal `json:"utilization"`
	// PriceDrop is the relative fall of the parent's effective price that
	// takes the pair to its threshold. Zero when already at or past it.
	PriceDrop        decimal.Decimal `json:"price_drop"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
}

// RiskAnalysis summarises the leverage and liquidation distance of a chain.
type RiskAnalysis struct {
	Depth          int             `json:"depth"`
	RootAmount     decimal.Decimal `json:"root_amount"`
	TotalDebt      decimal.Decimal `json:"total_debt"`
	TotalValue     decimal.Decimal `json:"total_value"`
	NetValue       decimal.Decimal `json:"net_value"`
	Leverage       decimal.Decimal `json:"leverage"`
	AnnualInterest decimal.Decimal `json:"annual_interest"`
	Links          []LinkRisk      `json:"links"`
	// MinPriceDrop is the smallest PriceDrop over all pairs, the distance of
	// the weakest link. Zero for a single-link chain.
	MinPriceDrop   decimal.Decimal `json:"min_price_drop"`
	ViolationIndex int             `json:"violation_index"`
}

// Analyze computes risk analytics for a live chain. totalDebt is the
// chain's recorded debt; interest is informational and never accrued.
func Analyze(links []Link, totalDebt decimal.Decimal, params model.Params) RiskAnalysis {
	report := Health(links, params)
	ra := RiskAnalysis{
		Depth:          len(links),
		RootAmount:     decimal.Zero,
		TotalDebt:      totalDebt,
		TotalValue:     report.TotalValue,
		NetValue:       report.TotalValue.Sub(totalDebt),
		Leverage:       decimal.Zero,
		AnnualInterest: fixedpoint.ApplyBps(totalDebt, params.InterestRate),
		MinPriceDrop:   decimal.Zero,
		ViolationIndex: report.ViolationIndex,
	}
	if len(links) == 0 {
		return ra
	}

	ra.RootAmount = links[0].Position.Amount
	if ra.RootAmount.IsPositive() {
		ra.Leverage = fixedpoint.Div(report.TotalAmount, ra.RootAmount)
	}

	ltv := fixedpoint.Bps(params.LTV)
	first := true
	for i := 1; i < len(report.Links); i++ {
		h := report.Links[i]
		parent := links[i-1].Position

		lr := LinkRisk{
			Index:            i,
			Utilization:      decimal.Zero,
			PriceDrop:        decimal.Zero,
			LiquidationPrice: decimal.Zero,
		}
		if capacity := fixedpoint.Mul(ltv, h.Available); capacity.IsPositive() {
			lr.Utilization = fixedpoint.Div(h.Required, capacity)
		}
		if parent.Tokens.IsPositive() {
			lr.LiquidationPrice = fixedpoint.Div(h.Threshold, parent.Tokens)
			price := fixedpoint.Div(h.Available, parent.Tokens)
			if price.GreaterThan(lr.LiquidationPrice) {
				lr.PriceDrop = decimal.NewFromInt(1).Sub(fixedpoint.Div(lr.LiquidationPrice, price))
			}
		}
		if first || lr.PriceDrop.LessThan(ra.MinPriceDrop) {
			ra.MinPriceDrop = lr.PriceDrop
			first = false
		}
		ra.Links = append(ra.Links, lr)
	}
	return ra
}
