// Package model defines the core domain types shared across the chain engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Address identifies an account: creators, chain owners, liquidators.
type Address = common.Address

// HexToAddress parses a hex account string. Invalid input yields the zero address.
func HexToAddress(s string) Address {
	return common.HexToAddress(s)
}

// Opportunity is a binary (YES/NO) market backed by the multiplicative AMM.
// Reserves are frozen once Resolved is set; only claims happen afterwards.
type Opportunity struct {
	ID          uint64 `json:"id" db:"id"`
	Name        string `json:"name" db:"name"`
	MetadataURL string `json:"metadata_url" db:"metadata_url"`

	LiquidityYes   decimal.Decimal `json:"liquidity_yes" db:"liquidity_yes"`
	LiquidityNo    decimal.Decimal `json:"liquidity_no" db:"liquidity_no"`
	PriceYes       decimal.Decimal `json:"price_yes" db:"price_yes"`
	PriceNo        decimal.Decimal `json:"price_no" db:"price_no"`
	TotalYesTokens decimal.Decimal `json:"total_yes_tokens" db:"total_yes_tokens"`
	TotalNoTokens  decimal.Decimal `json:"total_no_tokens" db:"total_no_tokens"`

	Creator   Address   `json:"creator" db:"creator"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	Resolved   bool       `json:"resolved" db:"resolved"`
	Outcome    Side       `json:"outcome" db:"outcome"` // meaningful only if Resolved
	ResolvedAt *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	Resolver   Address    `json:"resolver" db:"resolver"`

	// Settlement, fixed at resolution.
	PayoutRate    decimal.Decimal `json:"payout_rate" db:"payout_rate"`
	ProtocolFee   decimal.Decimal `json:"protocol_fee" db:"protocol_fee"`
	LPReward      decimal.Decimal `json:"lp_reward" db:"lp_reward"`
	Distributable decimal.Decimal `json:"distributable" db:"distributable"`
}

// Liquidity returns the AMM reserve of one side.
func (o *Opportunity) Liquidity(s Side) decimal.Decimal {
	if s == SideYes {
		return o.LiquidityYes
	}
	return o.LiquidityNo
}

// Price returns the current price of one side.
func (o *Opportunity) Price(s Side) decimal.Decimal {
	if s == SideYes {
		return o.PriceYes
	}
	return o.PriceNo
}

// Supply returns the outstanding minted tokens of one side.
func (o *Opportunity) Supply(s Side) decimal.Decimal {
	if s == SideYes {
		return o.TotalYesTokens
	}
	return o.TotalNoTokens
}

// Position is one link in a chain. The first link is funded by a deposit;
// later links are funded by an allocation derived from the parent's value.
type Position struct {
	Seq           int             `json:"seq" db:"seq"` // unique within the chain, never reused
	OpportunityID uint64          `json:"opportunity_id" db:"opportunity_id"`
	Side          Side            `json:"side" db:"side"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	Tokens        decimal.Decimal `json:"tokens" db:"tokens"`
	Active        bool            `json:"active" db:"active"`
	OpenedAt      time.Time       `json:"opened_at" db:"opened_at"`
	ClosedAt      *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
}

// PositionChain is an owned, strictly ordered sequence of positions.
// Positions holds the live prefix; liquidation trims it from the tail and
// moves the trimmed links to Unwound.
type PositionChain struct {
	ID         uint64          `json:"id" db:"id"`
	Owner      Address         `json:"owner" db:"owner"`
	Positions  []Position      `json:"positions"`
	Unwound    []Position      `json:"unwound"`
	TotalDebt  decimal.Decimal `json:"total_debt" db:"total_debt"`
	Liquidated bool            `json:"liquidated" db:"liquidated"`
	NextSeq    int             `json:"next_seq" db:"next_seq"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// Last returns the live tail link, or nil for an empty chain.
func (c *PositionChain) Last() *Position {
	if len(c.Positions) == 0 {
		return nil
	}
	return &c.Positions[len(c.Positions)-1]
}

// Clone returns a deep copy safe to mutate.
func (c *PositionChain) Clone() *PositionChain {
	cp := *c
	cp.Positions = append([]Position(nil), c.Positions...)
	cp.Unwound = append([]Position(nil), c.Unwound...)
	return &cp
}

// Clone returns a copy safe to mutate.
func (o *Opportunity) Clone() *Opportunity {
	cp := *o
	if o.ResolvedAt != nil {
		t := *o.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// Holding is a direct (non-chain) token balance: userTokens[opportunity][side][user].
type Holding struct {
	OpportunityID uint64          `json:"opportunity_id" db:"opportunity_id"`
	Side          Side            `json:"side" db:"side"`
	Account       Address         `json:"account" db:"account"`
	Tokens        decimal.Decimal `json:"tokens" db:"tokens"`
}

// Balance is an account's base-token balance inside the engine.
type Balance struct {
	Account Address         `json:"account" db:"account"`
	Amount  decimal.Decimal `json:"amount" db:"amount"`
}

// TradeSource says which operation drove an AMM buy.
type TradeSource string

const (
	SourceDirect      TradeSource = "direct"
	SourceChainOpen   TradeSource = "chain_open"
	SourceChainExtend TradeSource = "chain_extend"
)

// Trade is an immutable record of one AMM buy.
// Once created, these are never modified or deleted.
type Trade struct {
	ID            string          `json:"id" db:"id"`
	OpportunityID uint64          `json:"opportunity_id" db:"opportunity_id"`
	Account       Address         `json:"account" db:"account"`
	ChainID       uint64          `json:"chain_id,omitempty" db:"chain_id"` // 0 for direct buys
	Source        TradeSource     `json:"source" db:"source"`
	Side          Side            `json:"side" db:"side"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	Tokens        decimal.Decimal `json:"tokens" db:"tokens"`
	Price         decimal.Decimal `json:"price" db:"price"` // price paid per token
	PriceYesAfter decimal.Decimal `json:"price_yes_after" db:"price_yes_after"`
	PriceNoAfter  decimal.Decimal `json:"price_no_after" db:"price_no_after"`
	Timestamp     time.Time       `json:"timestamp" db:"timestamp"`
}

// DeficitEntry records a liquidation whose recovered value did not cover
// debt plus penalty. Shortfall is the uncovered debt plus UnpaidPenalty, the
// part of the penalty the unwound positions could not fund. Nothing absorbs
// the loss automatically.
type DeficitEntry struct {
	ID            string          `json:"id" db:"id"`
	ChainID       uint64          `json:"chain_id" db:"chain_id"`
	Debt          decimal.Decimal `json:"debt" db:"debt"`
	Penalty       decimal.Decimal `json:"penalty" db:"penalty"`
	UnpaidPenalty decimal.Decimal `json:"unpaid_penalty" db:"unpaid_penalty"`
	Recovered     decimal.Decimal `json:"recovered" db:"recovered"`
	Shortfall     decimal.Decimal `json:"shortfall" db:"shortfall"`
	Timestamp     time.Time       `json:"timestamp" db:"timestamp"`
}

// Ledger is the protocol's accumulators. Fees and rewards only grow; the
// owner-gated treasury withdrawal lives outside the engine.
type Ledger struct {
	ProtocolFees      map[string]decimal.Decimal  `json:"protocol_fees"` // token → amount
	LPRewards         map[string]decimal.Decimal  `json:"lp_rewards"`    // token → amount
	LiquidatorRewards map[Address]decimal.Decimal `json:"liquidator_rewards"`
	Deficits          []DeficitEntry              `json:"deficits"`
}

// NewLedger returns an empty ledger with initialised maps.
func NewLedger() Ledger {
	return Ledger{
		ProtocolFees:      make(map[string]decimal.Decimal),
		LPRewards:         make(map[string]decimal.Decimal),
		LiquidatorRewards: make(map[Address]decimal.Decimal),
	}
}

// Clone returns a deep copy.
func (l Ledger) Clone() Ledger {
	cp := NewLedger()
	for k, v := range l.ProtocolFees {
		cp.ProtocolFees[k] = v
	}
	for k, v := range l.LPRewards {
		cp.LPRewards[k] = v
	}
	for k, v := range l.LiquidatorRewards {
		cp.LiquidatorRewards[k] = v
	}
	cp.Deficits = append([]DeficitEntry(nil), l.Deficits...)
	return cp
}

// LedgerAccrual is one persisted accumulator value after a change.
type LedgerAccrual struct {
	Kind   string          `json:"kind" db:"kind"` // "protocol_fee", "lp_reward", "liquidator_reward"
	Key    string          `json:"key" db:"key"`   // token symbol or account hex
	Amount decimal.Decimal `json:"amount" db:"amount"`
}

// Ledger accrual kinds.
const (
	AccrualProtocolFee      = "protocol_fee"
	AccrualLPReward         = "lp_reward"
	AccrualLiquidatorReward = "liquidator_reward"
)

// Counters are the global id allocators. Both start at 1.
type Counters struct {
	NextOpportunityID uint64 `json:"next_opportunity_id"`
	NextChainID       uint64 `json:"next_chain_id"`
}

// Changeset is everything one atomic engine operation wrote. Records carry
// their full post-operation value, so applying a changeset is an upsert.
type Changeset struct {
	Opportunities []Opportunity
	Chains        []PositionChain
	Holdings      []Holding
	Balances      []Balance
	Trades        []Trade
	Accruals      []LedgerAccrual
	Deficits      []DeficitEntry
	Counters      Counters
}

// Empty reports whether the changeset writes no records. Counters only move
// alongside a record, so an empty changeset need not be applied.
func (c *Changeset) Empty() bool {
	return len(c.Opportunities) == 0 && len(c.Chains) == 0 && len(c.Holdings) == 0 &&
		len(c.Balances) == 0 && len(c.Trades) == 0 && len(c.Accruals) == 0 && len(c.Deficits) == 0
}

// Snapshot is the full persisted engine state.
type Snapshot struct {
	Opportunities []Opportunity
	Chains        []PositionChain
	Holdings      []Holding
	Balances      []Balance
	Ledger        Ledger
	Counters      Counters
}
