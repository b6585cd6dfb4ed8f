package model

import "time"

// EventType names an engine notification.
type EventType string

const (
	EventOpportunityCreated  EventType = "opportunity_created"
	EventTradeExecuted       EventType = "trade_executed"
	EventChainCreated        EventType = "chain_created"
	EventChainExtended       EventType = "chain_extended"
	EventChainLiquidated     EventType = "chain_liquidated"
	EventOpportunityResolved EventType = "opportunity_resolved"
	EventWinningsClaimed     EventType = "winnings_claimed"
)

// Event is published after an operation commits. Amounts are decimal strings.
type Event struct {
	Type          EventType `json:"type"`
	OpportunityID uint64    `json:"opportunity_id,omitempty"`
	ChainID       uint64    `json:"chain_id,omitempty"`
	Account       string    `json:"account,omitempty"`
	Side          string    `json:"side,omitempty"`
	Amount        string    `json:"amount,omitempty"`
	PriceYes      string    `json:"price_yes,omitempty"`
	PriceNo       string    `json:"price_no,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
