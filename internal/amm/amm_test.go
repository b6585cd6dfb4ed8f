package amm

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/chain-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func near(a, b decimal.Decimal, tol float64) bool {
	return a.Sub(b).Abs().LessThanOrEqual(d(tol))
}

// --- Open tests ---

func TestOpen_SplitsLiquidity(t *testing.T) {
	for _, l0 := range []float64{1, 1000, 3000, 123456.789} {
		r, err := Open(d(l0))
		if err != nil {
			t.Fatalf("unexpected error for L0=%v: %v", l0, err)
		}
		half := d(l0).Div(d(2))
		if !r.LiquidityYes.Equal(half) || !r.LiquidityNo.Equal(half) {
			t.Errorf("L0=%v: expected liquidity %s/%s, got %s/%s",
				l0, half, half, r.LiquidityYes, r.LiquidityNo)
		}
		if !r.PriceYes.Equal(d(0.5)) || !r.PriceNo.Equal(d(0.5)) {
			t.Errorf("L0=%v: expected prices 0.5/0.5, got %s/%s", l0, r.PriceYes, r.PriceNo)
		}
		supply := d(l0).Div(d(0.5))
		if !r.TotalYesTokens.Equal(supply) || !r.TotalNoTokens.Equal(supply) {
			t.Errorf("L0=%v: expected supply %s per side, got %s/%s",
				l0, supply, r.TotalYesTokens, r.TotalNoTokens)
		}
	}
}

func TestOpen_SeedSupply(t *testing.T) {
	r, err := Open(d(1000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.TotalYesTokens.Equal(d(2000)) || !r.TotalNoTokens.Equal(d(2000)) {
		t.Errorf("expected 2000 tokens per side, got %s/%s", r.TotalYesTokens, r.TotalNoTokens)
	}
}

func TestOpen_RejectsNonPositive(t *testing.T) {
	for _, l0 := range []float64{0, -1} {
		if _, err := Open(d(l0)); err != ErrInvalidAmount {
			t.Errorf("expected ErrInvalidAmount for L0=%v, got %v", l0, err)
		}
	}
}

// --- Buy tests ---

func TestBuy_BuyYesConcreteCase(t *testing.T) {
	r, _ := Open(d(1000))
	fill, err := Buy(r, model.SideYes, d(100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !fill.Reserves.LiquidityYes.Equal(d(600)) {
		t.Errorf("expected liquidityYes=600, got %s", fill.Reserves.LiquidityYes)
	}
	if !fill.Reserves.LiquidityNo.Equal(d(500)) {
		t.Errorf("opposite liquidity must not change, got %s", fill.Reserves.LiquidityNo)
	}
	if !near(fill.Reserves.PriceYes, d(0.6), 1e-12) {
		t.Errorf("expected priceYes≈0.60, got %s", fill.Reserves.PriceYes)
	}
	if !near(fill.Reserves.PriceNo, d(0.416666666666), 1e-9) {
		t.Errorf("expected priceNo≈0.417, got %s", fill.Reserves.PriceNo)
	}
	// Tokens are minted at the pre-trade price.
	if !fill.Tokens.Equal(d(200)) {
		t.Errorf("expected 200 tokens, got %s", fill.Tokens)
	}
	if !fill.Reserves.TotalYesTokens.Equal(d(2200)) {
		t.Errorf("expected YES supply 2200, got %s", fill.Reserves.TotalYesTokens)
	}
}

func TestBuy_BuyNoConcreteCase(t *testing.T) {
	r, _ := Open(d(3000))
	fill, err := Buy(r, model.SideNo, d(100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !fill.Reserves.LiquidityNo.Equal(d(1600)) {
		t.Errorf("expected liquidityNo=1600, got %s", fill.Reserves.LiquidityNo)
	}
	if !near(fill.Reserves.PriceNo, d(0.533333333333), 1e-9) {
		t.Errorf("expected priceNo≈0.533, got %s", fill.Reserves.PriceNo)
	}
	if !near(fill.Reserves.PriceYes, d(0.46875), 1e-12) {
		t.Errorf("expected priceYes≈0.469, got %s", fill.Reserves.PriceYes)
	}
}

func TestBuy_Monotonicity(t *testing.T) {
	r, _ := Open(d(1000))
	for _, delta := range []float64{0.000001, 1, 10, 100, 10000} {
		for _, side := range []model.Side{model.SideYes, model.SideNo} {
			fill, err := Buy(r, side, d(delta))
			if err != nil {
				t.Fatalf("delta=%v side=%s: %v", delta, side, err)
			}
			other := side.Opposite()
			if !fill.Reserves.price(side).GreaterThan(r.price(side)) {
				t.Errorf("delta=%v: %s price should rise: %s → %s",
					delta, side, r.price(side), fill.Reserves.price(side))
			}
			if !fill.Reserves.price(other).LessThan(r.price(other)) {
				t.Errorf("delta=%v: %s price should fall: %s → %s",
					delta, other, r.price(other), fill.Reserves.price(other))
			}
		}
	}
}

func TestBuy_Symmetry(t *testing.T) {
	r, _ := Open(d(2000))
	yes, _ := Buy(r, model.SideYes, d(250))
	no, _ := Buy(r, model.SideNo, d(250))

	if !yes.Reserves.PriceYes.Equal(no.Reserves.PriceNo) {
		t.Errorf("mirrored prices differ: %s vs %s", yes.Reserves.PriceYes, no.Reserves.PriceNo)
	}
	if !yes.Reserves.PriceNo.Equal(no.Reserves.PriceYes) {
		t.Errorf("mirrored prices differ: %s vs %s", yes.Reserves.PriceNo, no.Reserves.PriceYes)
	}
	if !yes.Tokens.Equal(no.Tokens) {
		t.Errorf("mirrored token mint differs: %s vs %s", yes.Tokens, no.Tokens)
	}
}

func TestBuy_DoesNotMutateInput(t *testing.T) {
	r, _ := Open(d(1000))
	before := r
	if _, err := Buy(r, model.SideYes, d(100)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.LiquidityYes.Equal(before.LiquidityYes) || !r.PriceYes.Equal(before.PriceYes) {
		t.Error("Buy must not mutate its input reserves")
	}
}

func TestBuy_InvalidInputs(t *testing.T) {
	r, _ := Open(d(1000))

	if _, err := Buy(r, model.SideYes, decimal.Zero); err != ErrInvalidAmount {
		t.Errorf("expected ErrInvalidAmount for zero, got %v", err)
	}
	if _, err := Buy(r, model.SideYes, d(-5)); err != ErrInvalidAmount {
		t.Errorf("expected ErrInvalidAmount for negative, got %v", err)
	}
	if _, err := Buy(r, model.Side(0), d(5)); err != ErrInvalidSide {
		t.Errorf("expected ErrInvalidSide, got %v", err)
	}
	if _, err := Buy(Reserves{}, model.SideYes, d(5)); err != ErrEmptyReserve {
		t.Errorf("expected ErrEmptyReserve, got %v", err)
	}
}

func TestBuy_SequentialBuysCompound(t *testing.T) {
	// Two buys of 50 land on the same liquidity as one of 100, and the
	// multiplicative price rule telescopes to the same price.
	r, _ := Open(d(1000))
	a, _ := Buy(r, model.SideYes, d(50))
	b, _ := Buy(a.Reserves, model.SideYes, d(50))
	c, _ := Buy(r, model.SideYes, d(100))

	if !b.Reserves.LiquidityYes.Equal(c.Reserves.LiquidityYes) {
		t.Errorf("liquidity mismatch: %s vs %s", b.Reserves.LiquidityYes, c.Reserves.LiquidityYes)
	}
	if !near(b.Reserves.PriceYes, c.Reserves.PriceYes, 1e-15) {
		t.Errorf("price mismatch: %s vs %s", b.Reserves.PriceYes, c.Reserves.PriceYes)
	}
	// Splitting the order mints fewer tokens: the second half pays a higher price.
	if !a.Tokens.Add(b.Tokens).LessThan(c.Tokens) {
		t.Errorf("split order should mint fewer tokens: %s vs %s", a.Tokens.Add(b.Tokens), c.Tokens)
	}
}

func TestValue(t *testing.T) {
	r, _ := Open(d(1000))
	if got := r.Value(model.SideNo, d(10)); !got.Equal(d(5)) {
		t.Errorf("expected 5, got %s", got)
	}
}

func TestReserves_RoundTripThroughOpportunity(t *testing.T) {
	r, _ := Open(d(1000))
	fill, _ := Buy(r, model.SideNo, d(10))
	var o model.Opportunity
	fill.Reserves.ApplyTo(&o)
	if got := ReservesOf(&o); !got.PriceNo.Equal(fill.Reserves.PriceNo) || !got.TotalNoTokens.Equal(fill.Reserves.TotalNoTokens) {
		t.Errorf("reserves not carried through opportunity: %+v", got)
	}
}

// --- Release tests ---

func TestRelease_BurnsTokensAndKeepsPrices(t *testing.T) {
	r, _ := Open(d(1000))
	fill, _ := Buy(r, model.SideNo, d(100))
	r = fill.Reserves

	next, released := r.Release(model.SideNo, fill.Tokens, d(40))
	if !released.Equal(d(40)) {
		t.Fatalf("expected 40 released, got %s", released)
	}
	if !next.LiquidityNo.Equal(r.LiquidityNo.Sub(d(40))) {
		t.Errorf("NO liquidity: expected %s, got %s", r.LiquidityNo.Sub(d(40)), next.LiquidityNo)
	}
	if !next.TotalNoTokens.Equal(r.TotalNoTokens.Sub(fill.Tokens)) {
		t.Errorf("NO supply: expected %s, got %s", r.TotalNoTokens.Sub(fill.Tokens), next.TotalNoTokens)
	}
	if !next.PriceYes.Equal(r.PriceYes) || !next.PriceNo.Equal(r.PriceNo) {
		t.Errorf("prices moved: %s/%s -> %s/%s", r.PriceYes, r.PriceNo, next.PriceYes, next.PriceNo)
	}
	if !next.LiquidityYes.Equal(r.LiquidityYes) || !next.TotalYesTokens.Equal(r.TotalYesTokens) {
		t.Error("YES side changed")
	}
}

func TestRelease_StopsAtMinReserve(t *testing.T) {
	r, _ := Open(d(10))

	next, released := r.Release(model.SideYes, d(1), d(50))
	want := d(5).Sub(MinReserve)
	if !released.Equal(want) {
		t.Fatalf("expected %s released, got %s", want, released)
	}
	if !next.LiquidityYes.Equal(MinReserve) {
		t.Errorf("expected reserve floor %s, got %s", MinReserve, next.LiquidityYes)
	}

	next, _ = r.Release(model.SideYes, d(1000), decimal.Zero)
	if !next.TotalYesTokens.IsZero() {
		t.Errorf("expected supply clamped at zero, got %s", next.TotalYesTokens)
	}
}
