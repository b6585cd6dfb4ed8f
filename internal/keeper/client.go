// Package keeper implements the external liquidation bot. It polls the
// engine's HTTP API for chains at risk and liquidates them for the penalty
// reward; the engine itself never schedules liquidations.
package keeper

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/atmx/chain-engine/internal/api"
	"github.com/atmx/chain-engine/internal/engine"
	"github.com/atmx/chain-engine/internal/model"
)

// APIError is a non-2xx response from the engine API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("keeper: api status %d: %s", e.Status, e.Message)
}

// Conflict reports whether the engine rejected the call because of the
// chain's current state, e.g. it was liquidated by someone else first.
func (e *APIError) Conflict() bool {
	return e.Status == http.StatusConflict
}

type errorBody struct {
	Error string `json:"error"`
}

// Client is the engine REST API client.
// It wraps a resty HTTP client with retry and the caller header.
type Client struct {
	http *resty.Client
}

// NewClient creates a client for the API at baseURL acting as account.
// Requests are retried on transport errors and 5xx responses.
func NewClient(baseURL string, account model.Address, timeout time.Duration, retries int) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader(api.AccountHeader, account.Hex())

	return &Client{http: httpClient}
}

// ChainsAtRisk lists the chains that can be liquidated now.
func (c *Client) ChainsAtRisk(ctx context.Context) ([]engine.AtRiskChain, error) {
	var result []engine.AtRiskChain
	if err := c.do(ctx, http.MethodGet, "/api/v1/chains/at-risk", &result); err != nil {
		return nil, fmt.Errorf("chains at risk: %w", err)
	}
	return result, nil
}

// LiquidationPreview fetches what liquidating chainID would do now.
func (c *Client) LiquidationPreview(ctx context.Context, chainID uint64) (*engine.LiquidationPreview, error) {
	var result engine.LiquidationPreview
	path := fmt.Sprintf("/api/v1/chains/%d/liquidation-preview", chainID)
	if err := c.do(ctx, http.MethodGet, path, &result); err != nil {
		return nil, fmt.Errorf("preview chain %d: %w", chainID, err)
	}
	return &result, nil
}

// Liquidate liquidates chainID as the client's account.
func (c *Client) Liquidate(ctx context.Context, chainID uint64) (*engine.LiquidationResult, error) {
	var result engine.LiquidationResult
	path := fmt.Sprintf("/api/v1/chains/%d/liquidate", chainID)
	if err := c.do(ctx, http.MethodPost, path, &result); err != nil {
		return nil, fmt.Errorf("liquidate chain %d: %w", chainID, err)
	}
	return &result, nil
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	var apiErr errorBody
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(out).
		SetError(&apiErr).
		Execute(method, path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		msg := apiErr.Error
		if msg == "" {
			msg = resp.String()
		}
		return &APIError{Status: resp.StatusCode(), Message: msg}
	}
	return nil
}
