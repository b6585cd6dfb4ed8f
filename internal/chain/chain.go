// Package chain holds the valuation, health and liquidation math of position
// chains. Everything here is a pure function of positions, the opportunities
// they reference and the protocol parameters; the engine owns the state.
package chain

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/chain-engine/internal/amm"
	"github.com/atmx/chain-engine/internal/fixedpoint"
	"github.com/atmx/chain-engine/internal/model"
)

var (
	// ErrInsufficientCollateral is returned when α × parentValue − FIXED_FEE ≤ 0.
	ErrInsufficientCollateral = errors.New("chain: allocation would not be positive")

	// ErrNotLiquidatable is returned when no link violates its threshold.
	ErrNotLiquidatable = errors.New("chain: no link violates its threshold")
)

// Link is a position together with the opportunity it references, as seen
// at valuation time.
type Link struct {
	Position    model.Position
	Opportunity *model.Opportunity
}

// MarkValue is the current value of a position's tokens. While the
// opportunity trades it is tokens × price of the side; once resolved it is
// tokens × payout rate on the winning side and zero on the losing side.
func MarkValue(p model.Position, o *model.Opportunity) decimal.Decimal {
	if o == nil {
		return decimal.Zero
	}
	if o.Resolved {
		if p.Side != o.Outcome {
			return decimal.Zero
		}
		return fixedpoint.Mul(p.Tokens, o.PayoutRate)
	}
	return amm.ReservesOf(o).Value(p.Side, p.Tokens)
}

// Allocation returns the collateral a child link receives from a parent
// worth parentValue.
func Allocation(parentValue decimal.Decimal, params model.Params) (decimal.Decimal, error) {
	allocated := fixedpoint.ApplyBps(parentValue, params.LTV).Sub(params.FixedFee)
	if !allocated.IsPositive() {
		return decimal.Zero, ErrInsufficientCollateral
	}
	return allocated, nil
}

// Threshold is the minimum parent value that still backs a child allocation
// of required: (1 − HYSTERESIS) × required.
func Threshold(required decimal.Decimal, params model.Params) decimal.Decimal {
	return fixedpoint.ApplyBps(required, fixedpoint.BasisPoints-params.Hysteresis)
}

// LinkHealth is the health of one link. Required, Available and Threshold
// describe the pair (i-1, i) and are zero for the root.
type LinkHealth struct {
	Index         int             `json:"index"`
	Seq           int             `json:"seq"`
	OpportunityID uint64          `json:"opportunity_id"`
	Side          model.Side      `json:"side"`
	Amount        decimal.Decimal `json:"amount"`
	Tokens        decimal.Decimal `json:"tokens"`
	MarkValue     decimal.Decimal `json:"mark_value"`
	Required      decimal.Decimal `json:"required"`
	Available     decimal.Decimal `json:"available"`
	Threshold     decimal.Decimal `json:"threshold"`
	Resolved      bool            `json:"resolved"`
	Violated      bool            `json:"violated"`
}

// HealthReport is the result of scanning every adjacent pair of a chain.
type HealthReport struct {
	Links          []LinkHealth    `json:"links"`
	TotalValue     decimal.Decimal `json:"total_value"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	ViolationIndex int             `json:"violation_index"` // -1 when healthy
}

// Healthy reports whether no link is in violation.
func (r HealthReport) Healthy() bool {
	return r.ViolationIndex < 0
}

// Health scans links in order. A child link i is in violation when its
// parent's mark value is below (1 − HYSTERESIS) × amount_i. The root is in
// violation when it has been resolved against and still backs children,
// which wipes the whole chain.
func Health(links []Link, params model.Params) HealthReport {
	report := HealthReport{
		Links:          make([]LinkHealth, len(links)),
		TotalValue:     decimal.Zero,
		TotalAmount:    decimal.Zero,
		ViolationIndex: -1,
	}

	marks := make([]decimal.Decimal, len(links))
	for i, l := range links {
		marks[i] = MarkValue(l.Position, l.Opportunity)
	}

	for i, l := range links {
		h := LinkHealth{
			Index:         i,
			Seq:           l.Position.Seq,
			OpportunityID: l.Position.OpportunityID,
			Side:          l.Position.Side,
			Amount:        l.Position.Amount,
			Tokens:        l.Position.Tokens,
			MarkValue:     marks[i],
			Required:      decimal.Zero,
			Available:     decimal.Zero,
			Threshold:     decimal.Zero,
			Resolved:      l.Opportunity != nil && l.Opportunity.Resolved,
		}
		if i == 0 {
			h.Violated = len(links) > 1 && lostResolution(l)
		} else {
			h.Required = l.Position.Amount
			h.Available = marks[i-1]
			h.Threshold = Threshold(h.Required, params)
			h.Violated = h.Available.LessThan(h.Threshold)
		}
		if h.Violated && report.ViolationIndex < 0 {
			report.ViolationIndex = i
		}
		report.TotalValue = report.TotalValue.Add(marks[i])
		report.TotalAmount = report.TotalAmount.Add(l.Position.Amount)
		report.Links[i] = h
	}
	return report
}

func lostResolution(l Link) bool {
	o := l.Opportunity
	return o != nil && o.Resolved && o.Outcome != l.Position.Side
}

// Draw is value taken from one unwound link to fund the penalty. It comes
// out of the link's side reserve while the opportunity trades, and out of
// its distributable pool once resolved.
type Draw struct {
	Index         int             `json:"index"`
	OpportunityID uint64          `json:"opportunity_id"`
	Side          model.Side      `json:"side"`
	Amount        decimal.Decimal `json:"amount"`
}

// Plan is the outcome of liquidating a chain from index From to the tail.
//
// The penalty is paid only out of recovered value: Paid never exceeds
// Recovered, and whatever is not paid is carried in Shortfall together with
// any debt the remaining value does not cover.
type Plan struct {
	From             int             `json:"from"`
	Positions        int             `json:"positions"`
	Recovered        decimal.Decimal `json:"recovered"`
	Debt             decimal.Decimal `json:"debt"`
	Penalty          decimal.Decimal `json:"penalty"`
	Paid             decimal.Decimal `json:"paid"`
	UnpaidPenalty    decimal.Decimal `json:"unpaid_penalty"`
	LiquidatorReward decimal.Decimal `json:"liquidator_reward"`
	ProtocolShare    decimal.Decimal `json:"protocol_share"`
	Shortfall        decimal.Decimal `json:"shortfall"`
	Full             bool            `json:"full"` // the whole chain is wiped
	Draws            []Draw          `json:"draws,omitempty"`
}

type drawKey struct {
	opportunityID uint64
	side          model.Side
}

// PlanLiquidation computes the unwind of links[from:]. The penalty is
// γ × debt, funded tail-first from the value of the unwound links; of what
// is paid the liquidator gets the truncated half and the protocol the rest.
// A trading reserve is never drawn below amm.MinReserve.
func PlanLiquidation(links []Link, from int, params model.Params) (Plan, error) {
	if from < 0 || from >= len(links) {
		return Plan{}, ErrNotLiquidatable
	}

	recovered, debt := decimal.Zero, decimal.Zero
	for _, l := range links[from:] {
		recovered = recovered.Add(MarkValue(l.Position, l.Opportunity))
		debt = debt.Add(l.Position.Amount)
	}
	penalty := fixedpoint.ApplyBps(debt, params.LiquidationPenalty)

	var draws []Draw
	drawn := make(map[drawKey]decimal.Decimal)
	remaining := penalty
	for i := len(links) - 1; i >= from && remaining.IsPositive(); i-- {
		l := links[i]
		o := l.Opportunity
		if o == nil {
			continue
		}
		key := drawKey{o.ID, l.Position.Side}
		var available decimal.Decimal
		if o.Resolved {
			// Both sides settle out of one pool.
			key.side = 0
			available = o.Distributable.Sub(drawn[key])
		} else {
			available = o.Liquidity(l.Position.Side).Sub(amm.MinReserve).Sub(drawn[key])
		}
		take := fixedpoint.Min(MarkValue(l.Position, o), fixedpoint.Min(remaining, available))
		take = fixedpoint.Max(take, decimal.Zero)
		if !take.IsPositive() {
			continue
		}
		drawn[key] = drawn[key].Add(take)
		remaining = remaining.Sub(take)
		draws = append(draws, Draw{
			Index:         i,
			OpportunityID: o.ID,
			Side:          l.Position.Side,
			Amount:        take,
		})
	}

	paid := penalty.Sub(remaining)
	reward := fixedpoint.Div(paid, decimal.NewFromInt(2))

	// Value left after the penalty backs the debt.
	uncovered := fixedpoint.Max(debt.Sub(recovered.Sub(paid)), decimal.Zero)

	return Plan{
		From:             from,
		Positions:        len(links) - from,
		Recovered:        recovered,
		Debt:             debt,
		Penalty:          penalty,
		Paid:             paid,
		UnpaidPenalty:    remaining,
		LiquidatorReward: reward,
		ProtocolShare:    paid.Sub(reward),
		Shortfall:        uncovered.Add(remaining),
		Full:             from == 0,
		Draws:            draws,
	}, nil
}
