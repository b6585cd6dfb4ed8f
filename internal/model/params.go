package model

import "github.com/shopspring/decimal"

// InitialPrice is the price of both sides when an opportunity opens.
var InitialPrice = decimal.New(5, -1)

// Params are the protocol constants, fixed at deploy. Rates are basis points
// of BasisPoints (10000); FixedFee is in base-currency units.
type Params struct {
	LTV                int64           `json:"ltv_bps"`
	FixedFee           decimal.Decimal `json:"fixed_fee"`
	Hysteresis         int64           `json:"hysteresis_bps"`
	LiquidationPenalty int64           `json:"liquidation_penalty_bps"`
	ProtocolFeeRate    int64           `json:"protocol_fee_rate_bps"`
	LPRewardRate       int64           `json:"lp_reward_rate_bps"`
	InterestRate       int64           `json:"interest_rate_bps"` // annual, informational
	BaseToken          string          `json:"base_token"`
}

// DefaultParams returns the deployed protocol constants.
func DefaultParams() Params {
	return Params{
		LTV:                6000,
		FixedFee:           decimal.NewFromInt(5),
		Hysteresis:         500,
		LiquidationPenalty: 500,
		ProtocolFeeRate:    200,
		LPRewardRate:       100,
		InterestRate:       500,
		BaseToken:          "USDC",
	}
}
