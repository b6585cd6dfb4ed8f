// Package api exposes the chain engine over HTTP.
//
// All monetary values are decimal strings in requests and responses.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/chain-engine/internal/engine"
	"github.com/atmx/chain-engine/internal/fixedpoint"
	"github.com/atmx/chain-engine/internal/model"
)

// AccountHeader carries the caller's hex address.
const AccountHeader = "X-Account"

// Handler serves the engine's operations.
type Handler struct {
	engine *engine.Engine
}

// NewHandler creates a handler backed by e.
func NewHandler(e *engine.Engine) *Handler {
	return &Handler{engine: e}
}

// --- Request/Response types ---

// Amount is a decimal string (amount) or an integer in 6-decimal token
// units (amount_units). Exactly one must be set.
type Amount struct {
	Amount      string `json:"amount,omitempty"`
	AmountUnits *int64 `json:"amount_units,omitempty"`
	AmountWei   string `json:"amount_wei,omitempty"` // raw 18-decimal integer
}

func (a Amount) value() (decimal.Decimal, error) {
	set := 0
	for _, ok := range []bool{a.Amount != "", a.AmountUnits != nil, a.AmountWei != ""} {
		if ok {
			set++
		}
	}
	switch {
	case set > 1:
		return decimal.Zero, errors.New("set only one of amount, amount_units or amount_wei")
	case a.AmountUnits != nil:
		return fixedpoint.FromTokenUnits(*a.AmountUnits), nil
	case a.AmountWei != "":
		v, ok := new(big.Int).SetString(a.AmountWei, 10)
		if !ok {
			return decimal.Zero, fmt.Errorf("%w: %s", fixedpoint.ErrInvalidNumber, a.AmountWei)
		}
		return fixedpoint.FromWei(v), nil
	case a.Amount != "":
		return fixedpoint.Parse(a.Amount)
	}
	return decimal.Zero, errors.New("amount is required")
}

// AmountRequest is the JSON body for deposits and withdrawals.
type AmountRequest struct {
	Amount
}

// CreateOpportunityRequest is the JSON body for POST /opportunities.
type CreateOpportunityRequest struct {
	Name        string `json:"name"`
	MetadataURL string `json:"metadata_url"`
	Amount
}

// SideAmountRequest is the JSON body for buys and chain creation.
type SideAmountRequest struct {
	OpportunityID uint64     `json:"opportunity_id,omitempty"` // chain creation only
	Side          model.Side `json:"side"`
	Amount
}

// ExtendRequest is the JSON body for POST /chains/{id}/extend.
type ExtendRequest struct {
	OpportunityID uint64     `json:"opportunity_id"`
	Side          model.Side `json:"side"`
}

// ResolveRequest is the JSON body for POST /opportunities/{id}/resolve.
type ResolveRequest struct {
	Outcome model.Side `json:"outcome"`
}

// BalanceResponse is returned by balance reads and deposits.
type BalanceResponse struct {
	Account      model.Address   `json:"account"`
	Balance      decimal.Decimal `json:"balance"`
	BalanceUnits int64           `json:"balance_units"`
	BalanceWei   string          `json:"balance_wei"`
}

func balanceResponse(account model.Address, balance decimal.Decimal) BalanceResponse {
	return BalanceResponse{
		Account:      account,
		Balance:      balance,
		BalanceUnits: fixedpoint.ToTokenUnits(balance),
		BalanceWei:   fixedpoint.ToWei(balance).String(),
	}
}

// --- HTTP Handlers ---

// Params handles GET /api/v1/params
func (h *Handler) Params(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Params())
}

// Ledger handles GET /api/v1/ledger
func (h *Handler) Ledger(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.GetLedger())
}

// Deposit handles POST /api/v1/accounts/deposit
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.moveBalance(w, r, h.engine.Deposit)
}

// Withdraw handles POST /api/v1/accounts/withdraw
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.moveBalance(w, r, h.engine.Withdraw)
}

func (h *Handler) moveBalance(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, caller model.Address, amount decimal.Decimal) (decimal.Decimal, error)) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	amount, err := req.value()
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	balance, err := op(r.Context(), caller, amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse(caller, balance))
}

// GetBalance handles GET /api/v1/accounts/{address}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	account, ok := addressParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse(account, h.engine.GetBalance(account)))
}

// GetUserChains handles GET /api/v1/accounts/{address}/chains
func (h *Handler) GetUserChains(w http.ResponseWriter, r *http.Request) {
	account, ok := addressParam(w, r)
	if !ok {
		return
	}
	chains := h.engine.GetUserChains(account)
	if chains == nil {
		chains = []model.PositionChain{}
	}
	writeJSON(w, http.StatusOK, chains)
}

// GetAccountTrades handles GET /api/v1/accounts/{address}/trades
func (h *Handler) GetAccountTrades(w http.ResponseWriter, r *http.Request) {
	account, ok := addressParam(w, r)
	if !ok {
		return
	}
	trades, err := h.engine.AccountTrades(r.Context(), account)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// ListOpportunities handles GET /api/v1/opportunities
// Optionally filtered by ?resolved=true|false.
func (h *Handler) ListOpportunities(w http.ResponseWriter, r *http.Request) {
	opps := h.engine.ListOpportunities()
	if v := r.URL.Query().Get("resolved"); v != "" {
		want, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, "resolved must be true or false", http.StatusBadRequest)
			return
		}
		filtered := []model.Opportunity{}
		for _, o := range opps {
			if o.Resolved == want {
				filtered = append(filtered, o)
			}
		}
		opps = filtered
	}
	writeJSON(w, http.StatusOK, opps)
}

// CreateOpportunity handles POST /api/v1/opportunities
func (h *Handler) CreateOpportunity(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var req CreateOpportunityRequest
	if !decode(w, r, &req) {
		return
	}
	liquidity, err := req.value()
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := h.engine.CreateOpportunity(r.Context(), caller, req.Name, req.MetadataURL, liquidity)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	o, err := h.engine.GetOpportunity(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// GetOpportunity handles GET /api/v1/opportunities/{id}
func (h *Handler) GetOpportunity(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	o, err := h.engine.GetOpportunity(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// GetOpportunityRisk handles GET /api/v1/opportunities/{id}/risk
func (h *Handler) GetOpportunityRisk(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	risk, err := h.engine.GetOpportunityRiskData(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, risk)
}

// GetOpportunityHistory handles GET /api/v1/opportunities/{id}/history
// Returns the trades needed to reconstruct price history.
func (h *Handler) GetOpportunityHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	trades, err := h.engine.OpportunityTrades(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetUserTokens handles GET /api/v1/opportunities/{id}/tokens/{address}
func (h *Handler) GetUserTokens(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	account, ok := addressParam(w, r)
	if !ok {
		return
	}
	tokens, err := h.engine.GetUserTokens(id, account)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

// BuyTokens handles POST /api/v1/opportunities/{id}/buy
func (h *Handler) BuyTokens(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var req SideAmountRequest
	if !decode(w, r, &req) {
		return
	}
	amount, err := req.value()
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := h.engine.BuyTokens(r.Context(), caller, id, req.Side, amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ResolveOpportunity handles POST /api/v1/opportunities/{id}/resolve
func (h *Handler) ResolveOpportunity(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var req ResolveRequest
	if !decode(w, r, &req) {
		return
	}
	settlement, err := h.engine.ResolveOpportunity(r.Context(), caller, id, req.Outcome)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlement)
}

// ClaimWinnings handles POST /api/v1/opportunities/{id}/claim
func (h *Handler) ClaimWinnings(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	paid, err := h.engine.ClaimWinnings(r.Context(), caller, id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"opportunity_id": id,
		"payout":         paid,
		"balance":        h.engine.GetBalance(caller),
	})
}

// CreatePositionChain handles POST /api/v1/chains
func (h *Handler) CreatePositionChain(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	var req SideAmountRequest
	if !decode(w, r, &req) {
		return
	}
	amount, err := req.value()
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := h.engine.CreatePositionChain(r.Context(), caller, req.OpportunityID, req.Side, amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	c, err := h.engine.GetPositionChain(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// GetChainsAtRisk handles GET /api/v1/chains/at-risk
func (h *Handler) GetChainsAtRisk(w http.ResponseWriter, r *http.Request) {
	chains := h.engine.GetChainsAtRisk()
	if chains == nil {
		chains = []engine.AtRiskChain{}
	}
	writeJSON(w, http.StatusOK, chains)
}

// GetPositionChain handles GET /api/v1/chains/{id}
func (h *Handler) GetPositionChain(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	c, err := h.engine.GetPositionChain(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// GetChainHealth handles GET /api/v1/chains/{id}/health
func (h *Handler) GetChainHealth(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	health, err := h.engine.GetChainHealthData(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

// GetChainRisk handles GET /api/v1/chains/{id}/risk
func (h *Handler) GetChainRisk(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	risk, err := h.engine.GetChainRiskAnalysis(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, risk)
}

// GetLiquidationPreview handles GET /api/v1/chains/{id}/liquidation-preview
func (h *Handler) GetLiquidationPreview(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	preview, err := h.engine.GetLiquidationPreview(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

// ExtendChain handles POST /api/v1/chains/{id}/extend
func (h *Handler) ExtendChain(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var req ExtendRequest
	if !decode(w, r, &req) {
		return
	}
	index, err := h.engine.ExtendChain(r.Context(), caller, id, req.OpportunityID, req.Side)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	c, err := h.engine.GetPositionChain(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	resp := map[string]any{
		"chain_id":       id,
		"position_index": index,
		"total_debt":     c.TotalDebt,
	}
	if index < len(c.Positions) {
		resp["position"] = c.Positions[index]
	}
	writeJSON(w, http.StatusOK, resp)
}

// LiquidateChain handles POST /api/v1/chains/{id}/liquidate
func (h *Handler) LiquidateChain(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	res, err := h.engine.LiquidateChain(r.Context(), caller, id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- helpers ---

func callerFrom(w http.ResponseWriter, r *http.Request) (model.Address, bool) {
	v := strings.TrimSpace(r.Header.Get(AccountHeader))
	if !common.IsHexAddress(v) {
		writeError(w, AccountHeader+" header must be a hex address", http.StatusUnauthorized)
		return model.Address{}, false
	}
	return common.HexToAddress(v), true
}

func addressParam(w http.ResponseWriter, r *http.Request) (model.Address, bool) {
	v := chi.URLParam(r, "address")
	if !common.IsHexAddress(v) {
		writeError(w, "invalid address", http.StatusBadRequest)
		return model.Address{}, false
	}
	return common.HexToAddress(v), true
}

func idParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeEngineError maps engine errors onto HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, msg, status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidAmount),
		errors.Is(err, engine.ErrInvalidSide),
		errors.Is(err, engine.ErrInvalidMetadata):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrMarketResolved),
		errors.Is(err, engine.ErrAlreadyResolved),
		errors.Is(err, engine.ErrNotResolved),
		errors.Is(err, engine.ErrChainLiquidated),
		errors.Is(err, engine.ErrNotLiquidatable),
		errors.Is(err, engine.ErrNothingToClaim),
		errors.Is(err, engine.ErrLosingSide):
		return http.StatusConflict
	case errors.Is(err, engine.ErrInsufficientCollateral),
		errors.Is(err, engine.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
