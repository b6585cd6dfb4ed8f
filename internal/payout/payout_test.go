package payout

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/chain-engine/internal/amm"
	"github.com/atmx/chain-engine/internal/fixedpoint"
	"github.com/atmx/chain-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// traded returns an opportunity opened with 1000 after a YES buy of 100:
// liquidity 600/500, supply 1200/1000.
func traded(t *testing.T) *model.Opportunity {
	t.Helper()
	r, err := amm.Open(d(1000))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	fill, err := amm.Buy(r, model.SideYes, d(100))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	o := &model.Opportunity{ID: 1}
	fill.Reserves.ApplyTo(o)
	return o
}

func TestSettle_Yes(t *testing.T) {
	o := traded(t)
	s, err := Settle(o, model.SideYes, model.DefaultParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !s.LosingPool.Equal(d(500)) || !s.WinningPool.Equal(d(600)) {
		t.Errorf("expected pools 600/500, got %s/%s", s.WinningPool, s.LosingPool)
	}
	if !s.ProtocolFee.Equal(d(10)) {
		t.Errorf("expected protocol fee 10, got %s", s.ProtocolFee)
	}
	if !s.LPReward.Equal(d(5)) {
		t.Errorf("expected LP reward 5, got %s", s.LPReward)
	}
	if !s.Distributable.Equal(d(1085)) {
		t.Errorf("expected distributable 1085, got %s", s.Distributable)
	}
	want := fixedpoint.Div(d(1085), d(1200))
	if !s.PayoutRate.Equal(want) {
		t.Errorf("expected rate %s, got %s", want, s.PayoutRate)
	}
}

func TestSettle_No(t *testing.T) {
	o := traded(t)
	s, err := Settle(o, model.SideNo, model.DefaultParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.ProtocolFee.Equal(d(12)) || !s.LPReward.Equal(d(6)) {
		t.Errorf("fees should come from the 600 losing pool, got %s/%s", s.ProtocolFee, s.LPReward)
	}
	if !s.PayoutRate.Equal(d(1.082)) {
		t.Errorf("expected rate 1.082, got %s", s.PayoutRate)
	}
}

func TestSettle_NoWinningSupply(t *testing.T) {
	o := traded(t)
	o.TotalYesTokens = decimal.Zero

	s, err := Settle(o, model.SideYes, model.DefaultParams())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.PayoutRate.IsZero() {
		t.Errorf("expected zero rate, got %s", s.PayoutRate)
	}
}

func TestSettle_InvalidOutcome(t *testing.T) {
	if _, err := Settle(traded(t), model.Side(0), model.DefaultParams()); err != ErrInvalidOutcome {
		t.Errorf("expected ErrInvalidOutcome, got %v", err)
	}
}

func TestSettle_NeverOverpays(t *testing.T) {
	o := traded(t)
	s, _ := Settle(o, model.SideYes, model.DefaultParams())
	paid := s.PayoutRate.Mul(s.WinningSupply)
	if paid.GreaterThan(s.Distributable) {
		t.Errorf("total payout %s exceeds distributable %s", paid, s.Distributable)
	}
}

func TestSettlement_ApplyTo(t *testing.T) {
	o := traded(t)
	s, _ := Settle(o, model.SideNo, model.DefaultParams())
	s.ApplyTo(o)
	if o.Outcome != model.SideNo || !o.PayoutRate.Equal(s.PayoutRate) || !o.Distributable.Equal(s.Distributable) {
		t.Errorf("settlement not recorded: %+v", o)
	}
}

func TestClaim(t *testing.T) {
	rate := d(1.082)
	tests := []struct {
		name    string
		winning float64
		losing  float64
		want    float64
		wantErr error
	}{
		{"winner", 100, 0, 108.2, nil},
		{"both sides", 100, 50, 108.2, nil},
		{"loser", 0, 50, 0, ErrLosingSide},
		{"nothing", 0, 0, 0, ErrNothingToClaim},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Claim(d(tt.winning), d(tt.losing), rate)
			if err != tt.wantErr {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if !got.Equal(d(tt.want)) {
				t.Errorf("expected %v, got %s", tt.want, got)
			}
		})
	}
}
