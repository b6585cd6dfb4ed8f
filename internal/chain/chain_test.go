package chain

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/chain-engine/internal/amm"
	"github.com/atmx/chain-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func openOpp(id uint64, l0 float64) *model.Opportunity {
	r, err := amm.Open(d(l0))
	if err != nil {
		panic(err)
	}
	o := &model.Opportunity{ID: id}
	r.ApplyTo(o)
	return o
}

func pos(seq int, o *model.Opportunity, side model.Side, amount, tokens float64) Link {
	return Link{
		Position: model.Position{
			Seq:           seq,
			OpportunityID: o.ID,
			Side:          side,
			Amount:        d(amount),
			Tokens:        d(tokens),
			Active:        true,
		},
		Opportunity: o,
	}
}

// twoLinks builds a root of 100 (200 YES tokens at 0.5, worth 100) and a
// child of 55 (110 NO tokens at 0.5, worth 55).
func twoLinks() (*model.Opportunity, *model.Opportunity, []Link) {
	parent := openOpp(1, 1000)
	child := openOpp(2, 1000)
	return parent, child, []Link{
		pos(0, parent, model.SideYes, 100, 200),
		pos(1, child, model.SideNo, 55, 110),
	}
}

// --- MarkValue tests ---

func TestMarkValue_Unresolved(t *testing.T) {
	o := openOpp(1, 1000)
	p := model.Position{Side: model.SideYes, Tokens: d(10)}
	if got := MarkValue(p, o); !got.Equal(d(5)) {
		t.Errorf("expected 5, got %s", got)
	}
}

func TestMarkValue_Resolved(t *testing.T) {
	o := openOpp(1, 1000)
	o.Resolved = true
	o.Outcome = model.SideYes
	o.PayoutRate = d(1.5)

	win := model.Position{Side: model.SideYes, Tokens: d(10)}
	lose := model.Position{Side: model.SideNo, Tokens: d(10)}

	if got := MarkValue(win, o); !got.Equal(d(15)) {
		t.Errorf("winning side: expected 15, got %s", got)
	}
	if got := MarkValue(lose, o); !got.IsZero() {
		t.Errorf("losing side: expected 0, got %s", got)
	}
}

func TestMarkValue_TracksPrice(t *testing.T) {
	o := openOpp(1, 1000)
	p := model.Position{Side: model.SideYes, Tokens: d(10)}
	before := MarkValue(p, o)

	fill, err := amm.Buy(amm.ReservesOf(o), model.SideYes, d(100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	fill.Reserves.ApplyTo(o)

	if after := MarkValue(p, o); !after.GreaterThan(before) {
		t.Errorf("mark value should follow price up: %s → %s", before, after)
	}
}

// --- Allocation tests ---

func TestAllocation_Decay(t *testing.T) {
	params := model.DefaultParams()

	first, err := Allocation(d(100), params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !first.Equal(d(55)) {
		t.Errorf("expected 55, got %s", first)
	}

	// Five levels, each valued at its allocation.
	value := d(100)
	for level := 2; level <= 5; level++ {
		next, err := Allocation(value, params)
		if err != nil {
			t.Fatalf("level %d: %v", level, err)
		}
		if !next.LessThan(value) {
			t.Errorf("level %d: %s should be smaller than parent %s", level, next, value)
		}
		value = next
	}
	if !value.LessThan(d(20)) {
		t.Errorf("5-level chain from 100 should end below 20, got %s", value)
	}
}

func TestAllocation_InsufficientCollateral(t *testing.T) {
	params := model.DefaultParams()
	tests := []struct {
		value float64
	}{
		{0},
		{5},
		{8.33},
	}
	for _, tt := range tests {
		if _, err := Allocation(d(tt.value), params); err != ErrInsufficientCollateral {
			t.Errorf("value=%v: expected ErrInsufficientCollateral, got %v", tt.value, err)
		}
	}
	if _, err := Allocation(d(8.34), params); err != nil {
		t.Errorf("8.34 should allocate, got %v", err)
	}
}

func TestThreshold(t *testing.T) {
	if got := Threshold(d(55), model.DefaultParams()); !got.Equal(d(52.25)) {
		t.Errorf("expected 52.25, got %s", got)
	}
}

// --- Health tests ---

func TestHealth_Healthy(t *testing.T) {
	_, _, links := twoLinks()
	r := Health(links, model.DefaultParams())

	if !r.Healthy() {
		t.Fatalf("expected healthy chain, violation at %d", r.ViolationIndex)
	}
	if !r.Links[1].Available.Equal(d(100)) || !r.Links[1].Required.Equal(d(55)) {
		t.Errorf("unexpected pair data: %+v", r.Links[1])
	}
	if !r.TotalValue.Equal(d(155)) || !r.TotalAmount.Equal(d(155)) {
		t.Errorf("expected totals 155/155, got %s/%s", r.TotalValue, r.TotalAmount)
	}
}

func TestHealth_ParentCrash(t *testing.T) {
	parent, _, links := twoLinks()
	parent.PriceYes = d(0.2) // root now worth 40 < 52.25

	r := Health(links, model.DefaultParams())
	if r.ViolationIndex != 1 {
		t.Fatalf("expected violation at 1, got %d", r.ViolationIndex)
	}
	if r.Links[0].Violated {
		t.Error("root must not be flagged by a price move")
	}
}

func TestHealth_HysteresisBand(t *testing.T) {
	parent, _, links := twoLinks()
	// 200 × 0.27 = 54: below the allocation of 55 but above 52.25.
	parent.PriceYes = d(0.27)

	if r := Health(links, model.DefaultParams()); !r.Healthy() {
		t.Errorf("value inside the hysteresis band should stay healthy, violation at %d", r.ViolationIndex)
	}
}

func TestHealth_WorthlessRoot(t *testing.T) {
	parent, _, links := twoLinks()
	parent.Resolved = true
	parent.Outcome = model.SideNo

	if r := Health(links, model.DefaultParams()); r.ViolationIndex != 0 {
		t.Errorf("expected violation at root, got %d", r.ViolationIndex)
	}
	// A lone root owes nothing.
	if r := Health(links[:1], model.DefaultParams()); !r.Healthy() {
		t.Errorf("single-link chain should be healthy, violation at %d", r.ViolationIndex)
	}
}

func TestHealth_FirstViolationWins(t *testing.T) {
	parent, child, links := twoLinks()
	third := openOpp(3, 1000)
	links = append(links, pos(2, third, model.SideYes, 28, 56))

	parent.PriceYes = d(0.1)
	child.PriceNo = d(0.1)

	if r := Health(links, model.DefaultParams()); r.ViolationIndex != 1 {
		t.Errorf("expected first violation at 1, got %d", r.ViolationIndex)
	}
}

// --- PlanLiquidation tests ---

func TestPlanLiquidation_Partial(t *testing.T) {
	parent, _, links := twoLinks()
	parent.PriceYes = d(0.2)

	plan, err := PlanLiquidation(links, 1, model.DefaultParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.Positions != 1 || plan.Full {
		t.Errorf("expected one tail link, partial; got %d full=%v", plan.Positions, plan.Full)
	}
	if !plan.Recovered.Equal(d(55)) || !plan.Debt.Equal(d(55)) {
		t.Errorf("expected recovered/debt 55/55, got %s/%s", plan.Recovered, plan.Debt)
	}
	if !plan.Penalty.Equal(d(2.75)) {
		t.Errorf("expected penalty 2.75, got %s", plan.Penalty)
	}
	if !plan.LiquidatorReward.Equal(d(1.375)) || !plan.ProtocolShare.Equal(d(1.375)) {
		t.Errorf("expected 50/50 split, got %s/%s", plan.LiquidatorReward, plan.ProtocolShare)
	}
	if !plan.Shortfall.Equal(d(2.75)) {
		t.Errorf("expected shortfall 2.75, got %s", plan.Shortfall)
	}
}

func TestPlanLiquidation_Full(t *testing.T) {
	parent, _, links := twoLinks()
	parent.PriceYes = d(0.2)

	plan, err := PlanLiquidation(links, 0, model.DefaultParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !plan.Full || plan.Positions != 2 {
		t.Errorf("expected full wipe of 2 links, got %d full=%v", plan.Positions, plan.Full)
	}
	if !plan.Recovered.Equal(d(95)) || !plan.Debt.Equal(d(155)) {
		t.Errorf("expected recovered/debt 95/155, got %s/%s", plan.Recovered, plan.Debt)
	}
	if !plan.Shortfall.Equal(d(67.75)) {
		t.Errorf("expected shortfall 67.75, got %s", plan.Shortfall)
	}
}

func TestPlanLiquidation_NoShortfallWhenCovered(t *testing.T) {
	_, child, links := twoLinks()
	child.PriceNo = d(1) // tail worth 110

	plan, err := PlanLiquidation(links, 1, model.DefaultParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !plan.Shortfall.IsZero() {
		t.Errorf("expected no shortfall, got %s", plan.Shortfall)
	}
}

func TestPlanLiquidation_OutOfRange(t *testing.T) {
	_, _, links := twoLinks()
	for _, from := range []int{-1, 2} {
		if _, err := PlanLiquidation(links, from, model.DefaultParams()); err != ErrNotLiquidatable {
			t.Errorf("from=%d: expected ErrNotLiquidatable, got %v", from, err)
		}
	}
}

// --- Analyze tests ---

func TestAnalyze(t *testing.T) {
	_, _, links := twoLinks()
	ra := Analyze(links, d(155), model.DefaultParams())

	if ra.Depth != 2 {
		t.Errorf("expected depth 2, got %d", ra.Depth)
	}
	if !ra.Leverage.Equal(d(1.55)) {
		t.Errorf("expected leverage 1.55, got %s", ra.Leverage)
	}
	if !ra.AnnualInterest.Equal(d(7.75)) {
		t.Errorf("expected annual interest 7.75, got %s", ra.AnnualInterest)
	}
	if !ra.NetValue.IsZero() {
		t.Errorf("expected net value 0, got %s", ra.NetValue)
	}
	if len(ra.Links) != 1 {
		t.Fatalf("expected one pair, got %d", len(ra.Links))
	}
	if !ra.Links[0].LiquidationPrice.Equal(d(0.26125)) {
		t.Errorf("expected liquidation price 0.26125, got %s", ra.Links[0].LiquidationPrice)
	}
	if !ra.Links[0].PriceDrop.Equal(d(0.4775)) {
		t.Errorf("expected price drop 0.4775, got %s", ra.Links[0].PriceDrop)
	}
	if !ra.MinPriceDrop.Equal(ra.Links[0].PriceDrop) {
		t.Errorf("min price drop should equal the only pair's, got %s", ra.MinPriceDrop)
	}
	if ra.ViolationIndex != -1 {
		t.Errorf("expected healthy analysis, got violation %d", ra.ViolationIndex)
	}
}

func TestAnalyze_Empty(t *testing.T) {
	ra := Analyze(nil, decimal.Zero, model.DefaultParams())
	if ra.Depth != 0 || !ra.Leverage.IsZero() || ra.ViolationIndex != -1 {
		t.Errorf("unexpected analysis of empty chain: %+v", ra)
	}
}

func TestPlanLiquidation_PenaltyCappedAtRecovered(t *testing.T) {
	_, child, links := twoLinks()
	child.PriceNo = d(0.01) // tail worth 1.1, penalty 2.75

	plan, err := PlanLiquidation(links, 1, model.DefaultParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !plan.Paid.Equal(d(1.1)) || !plan.UnpaidPenalty.Equal(d(1.65)) {
		t.Errorf("expected paid/unpaid 1.1/1.65, got %s/%s", plan.Paid, plan.UnpaidPenalty)
	}
	if !plan.LiquidatorReward.Equal(d(0.55)) || !plan.ProtocolShare.Equal(d(0.55)) {
		t.Errorf("expected split of the paid amount, got %s/%s", plan.LiquidatorReward, plan.ProtocolShare)
	}
	if !plan.Shortfall.Equal(d(56.65)) {
		t.Errorf("expected shortfall 56.65, got %s", plan.Shortfall)
	}
	if len(plan.Draws) != 1 || plan.Draws[0].Index != 1 || !plan.Draws[0].Amount.Equal(d(1.1)) {
		t.Errorf("unexpected draws %+v", plan.Draws)
	}
	if plan.LiquidatorReward.Add(plan.ProtocolShare).GreaterThan(plan.Recovered) {
		t.Error("penalty paid exceeds recovered value")
	}
}

func TestPlanLiquidation_DrawsTailFirst(t *testing.T) {
	parent, child, links := twoLinks()
	third := openOpp(3, 1000)
	links = append(links, pos(2, third, model.SideYes, 28, 2))
	parent.PriceYes = d(0.2)

	plan, err := PlanLiquidation(links, 0, model.DefaultParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Penalty 9.15: 1 from the tail (2 tokens at 0.5), the rest from the child.
	if !plan.Penalty.Equal(d(9.15)) || !plan.Paid.Equal(d(9.15)) {
		t.Fatalf("expected penalty fully paid 9.15, got %s/%s", plan.Penalty, plan.Paid)
	}
	if len(plan.Draws) != 2 {
		t.Fatalf("expected 2 draws, got %+v", plan.Draws)
	}
	if plan.Draws[0].OpportunityID != 3 || !plan.Draws[0].Amount.Equal(d(1)) {
		t.Errorf("unexpected tail draw %+v", plan.Draws[0])
	}
	if plan.Draws[1].OpportunityID != child.ID || !plan.Draws[1].Amount.Equal(d(8.15)) {
		t.Errorf("unexpected child draw %+v", plan.Draws[1])
	}
}

func TestPlanLiquidation_ReserveFloor(t *testing.T) {
	_, child, links := twoLinks()
	child.LiquidityNo = d(1)

	plan, err := PlanLiquidation(links, 1, model.DefaultParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := d(1).Sub(amm.MinReserve)
	if !plan.Paid.Equal(want) {
		t.Errorf("expected paid %s, got %s", want, plan.Paid)
	}
	if !plan.UnpaidPenalty.Equal(d(2.75).Sub(want)) {
		t.Errorf("expected unpaid remainder, got %s", plan.UnpaidPenalty)
	}
}
