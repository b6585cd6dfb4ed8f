package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/chain-engine/internal/chain"
	"github.com/atmx/chain-engine/internal/model"
)

// ChainHealth is the health report of a chain.
type ChainHealth struct {
	ChainID    uint64          `json:"chain_id"`
	Owner      model.Address   `json:"owner"`
	Liquidated bool            `json:"liquidated"`
	TotalDebt  decimal.Decimal `json:"total_debt"`
	chain.HealthReport
}

// ChainRisk is the risk analysis of a chain.
type ChainRisk struct {
	ChainID uint64 `json:"chain_id"`
	chain.RiskAnalysis
}

// AtRiskChain summarises a chain that can be liquidated now.
type AtRiskChain struct {
	ChainID        uint64          `json:"chain_id"`
	Owner          model.Address   `json:"owner"`
	Depth          int             `json:"depth"`
	ViolationIndex int             `json:"violation_index"`
	TotalDebt      decimal.Decimal `json:"total_debt"`
	TotalValue     decimal.Decimal `json:"total_value"`
}

// LiquidationPreview is what LiquidateChain would do if called now.
type LiquidationPreview struct {
	ChainID      uint64      `json:"chain_id"`
	Liquidatable bool        `json:"liquidatable"`
	Plan         *chain.Plan `json:"plan,omitempty"`
}

// OpportunityRisk describes the chain exposure an opportunity carries.
type OpportunityRisk struct {
	OpportunityID uint64          `json:"opportunity_id"`
	Resolved      bool            `json:"resolved"`
	PriceYes      decimal.Decimal `json:"price_yes"`
	PriceNo       decimal.Decimal `json:"price_no"`
	LiquidityYes  decimal.Decimal `json:"liquidity_yes"`
	LiquidityNo   decimal.Decimal `json:"liquidity_no"`
	// Chain links currently live on this opportunity.
	ChainPositions int             `json:"chain_positions"`
	ChainTokensYes decimal.Decimal `json:"chain_tokens_yes"`
	ChainTokensNo  decimal.Decimal `json:"chain_tokens_no"`
	ChainDebt      decimal.Decimal `json:"chain_debt"`
	ChainValue     decimal.Decimal `json:"chain_value"`
	AtRiskChains   []uint64        `json:"at_risk_chains"`
}

// UserTokens are an account's direct holdings in one opportunity.
type UserTokens struct {
	OpportunityID uint64          `json:"opportunity_id"`
	Account       model.Address   `json:"account"`
	Yes           decimal.Decimal `json:"yes"`
	No            decimal.Decimal `json:"no"`
}

func (e *Engine) linksLocked(c *model.PositionChain) []chain.Link {
	links := make([]chain.Link, len(c.Positions))
	for i, p := range c.Positions {
		links[i] = chain.Link{Position: p, Opportunity: e.opportunities[p.OpportunityID]}
	}
	return links
}

// GetOpportunity returns a copy of an opportunity.
func (e *Engine) GetOpportunity(id uint64) (*model.Opportunity, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, ok := e.opportunities[id]
	if !ok {
		return nil, fmt.Errorf("%w: opportunity %d", ErrNotFound, id)
	}
	return o.Clone(), nil
}

// ListOpportunities returns copies of all opportunities ordered by id.
func (e *Engine) ListOpportunities() []model.Opportunity {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.Opportunity, 0, len(e.opportunities))
	for _, o := range e.opportunities {
		out = append(out, *o.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetPositionChain returns a copy of a chain.
func (e *Engine) GetPositionChain(id uint64) (*model.PositionChain, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.chains[id]
	if !ok {
		return nil, chainNotFound(id)
	}
	return c.Clone(), nil
}

// GetUserChains returns copies of the chains owned by account, ordered by id.
func (e *Engine) GetUserChains(account model.Address) []model.PositionChain {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []model.PositionChain
	for _, c := range e.chains {
		if c.Owner == account {
			out = append(out, *c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetChainHealthData evaluates every live link of a chain.
func (e *Engine) GetChainHealthData(id uint64) (*ChainHealth, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.chains[id]
	if !ok {
		return nil, chainNotFound(id)
	}
	return &ChainHealth{
		ChainID:      id,
		Owner:        c.Owner,
		Liquidated:   c.Liquidated,
		TotalDebt:    c.TotalDebt,
		HealthReport: chain.Health(e.linksLocked(c), e.params),
	}, nil
}

// GetChainRiskAnalysis computes leverage and liquidation distance of a chain.
func (e *Engine) GetChainRiskAnalysis(id uint64) (*ChainRisk, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.chains[id]
	if !ok {
		return nil, chainNotFound(id)
	}
	return &ChainRisk{
		ChainID:      id,
		RiskAnalysis: chain.Analyze(e.linksLocked(c), c.TotalDebt, e.params),
	}, nil
}

// GetChainsAtRisk lists every chain that LiquidateChain would accept now,
// ordered by id.
func (e *Engine) GetChainsAtRisk() []AtRiskChain {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []AtRiskChain
	for id, c := range e.chains {
		if c.Liquidated {
			continue
		}
		report := chain.Health(e.linksLocked(c), e.params)
		if report.Healthy() {
			continue
		}
		out = append(out, AtRiskChain{
			ChainID:        id,
			Owner:          c.Owner,
			Depth:          len(c.Positions),
			ViolationIndex: report.ViolationIndex,
			TotalDebt:      c.TotalDebt,
			TotalValue:     report.TotalValue,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out
}

// GetLiquidationPreview returns the plan LiquidateChain would execute, or
// Liquidatable false for a healthy chain.
func (e *Engine) GetLiquidationPreview(id uint64) (*LiquidationPreview, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.chains[id]
	if !ok {
		return nil, chainNotFound(id)
	}
	if c.Liquidated {
		return nil, ErrChainLiquidated
	}
	links := e.linksLocked(c)
	report := chain.Health(links, e.params)
	preview := &LiquidationPreview{ChainID: id}
	if report.Healthy() {
		return preview, nil
	}
	plan, err := chain.PlanLiquidation(links, report.ViolationIndex, e.params)
	if err != nil {
		return preview, nil
	}
	preview.Liquidatable = true
	preview.Plan = &plan
	return preview, nil
}

// GetOpportunityRiskData aggregates the live chain links that reference an
// opportunity.
func (e *Engine) GetOpportunityRiskData(id uint64) (*OpportunityRisk, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, ok := e.opportunities[id]
	if !ok {
		return nil, fmt.Errorf("%w: opportunity %d", ErrNotFound, id)
	}
	risk := &OpportunityRisk{
		OpportunityID:  id,
		Resolved:       o.Resolved,
		PriceYes:       o.PriceYes,
		PriceNo:        o.PriceNo,
		LiquidityYes:   o.LiquidityYes,
		LiquidityNo:    o.LiquidityNo,
		ChainTokensYes: decimal.Zero,
		ChainTokensNo:  decimal.Zero,
		ChainDebt:      decimal.Zero,
		ChainValue:     decimal.Zero,
		AtRiskChains:   []uint64{},
	}

	ids := make([]uint64, 0, len(e.chains))
	for cid := range e.chains {
		ids = append(ids, cid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, cid := range ids {
		c := e.chains[cid]
		touches := false
		for _, p := range c.Positions {
			if p.OpportunityID != id {
				continue
			}
			touches = true
			risk.ChainPositions++
			if p.Side == model.SideYes {
				risk.ChainTokensYes = risk.ChainTokensYes.Add(p.Tokens)
			} else {
				risk.ChainTokensNo = risk.ChainTokensNo.Add(p.Tokens)
			}
			risk.ChainDebt = risk.ChainDebt.Add(p.Amount)
			risk.ChainValue = risk.ChainValue.Add(chain.MarkValue(p, o))
		}
		if touches && !c.Liquidated && !chain.Health(e.linksLocked(c), e.params).Healthy() {
			risk.AtRiskChains = append(risk.AtRiskChains, cid)
		}
	}
	return risk, nil
}

// GetUserTokens returns an account's direct holdings in an opportunity.
func (e *Engine) GetUserTokens(opportunityID uint64, account model.Address) (*UserTokens, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if _, ok := e.opportunities[opportunityID]; !ok {
		return nil, fmt.Errorf("%w: opportunity %d", ErrNotFound, opportunityID)
	}
	return &UserTokens{
		OpportunityID: opportunityID,
		Account:       account,
		Yes:           e.holdings[holdingKey{opportunityID, model.SideYes, account}],
		No:            e.holdings[holdingKey{opportunityID, model.SideNo, account}],
	}, nil
}

// GetBalance returns an account's base-token balance.
func (e *Engine) GetBalance(account model.Address) decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.balances[account]
}

// GetLedger returns a copy of the protocol ledger.
func (e *Engine) GetLedger() model.Ledger {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ledger.Clone()
}

// OpportunityTrades returns the trade history of an opportunity, oldest first.
func (e *Engine) OpportunityTrades(ctx context.Context, opportunityID uint64) ([]model.Trade, error) {
	e.mu.RLock()
	_, ok := e.opportunities[opportunityID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: opportunity %d", ErrNotFound, opportunityID)
	}
	return e.store.ListTradesByOpportunity(ctx, opportunityID)
}

// AccountTrades returns the trades executed by an account, oldest first.
func (e *Engine) AccountTrades(ctx context.Context, account model.Address) ([]model.Trade, error) {
	return e.store.ListTradesByAccount(ctx, account)
}
