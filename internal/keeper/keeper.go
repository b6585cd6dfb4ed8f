package keeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/atmx/chain-engine/internal/engine"
)

// Keeper liquidates at-risk chains on an interval.
type Keeper struct {
	client     *Client
	interval   time.Duration
	minPenalty decimal.Decimal
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// Sweep is the result of one pass over the at-risk chains.
type Sweep struct {
	Scanned    int
	Liquidated int
	Skipped    int
	Failed     int
	Rewards    decimal.Decimal
}

// New creates a keeper. callsPerSecond paces API calls; non-positive
// means unlimited.
func New(client *Client, interval time.Duration, minPenalty decimal.Decimal, callsPerSecond float64, logger *slog.Logger) *Keeper {
	limit := rate.Inf
	if callsPerSecond > 0 {
		limit = rate.Limit(callsPerSecond)
	}
	return &Keeper{
		client:     client,
		interval:   interval,
		minPenalty: minPenalty,
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger.With("component", "keeper"),
	}
}

// Run sweeps immediately and then every interval until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		sweep, err := k.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			k.logger.Error("sweep failed", "err", err)
		} else if sweep.Scanned > 0 {
			k.logger.Info("sweep complete",
				"scanned", sweep.Scanned,
				"liquidated", sweep.Liquidated,
				"skipped", sweep.Skipped,
				"failed", sweep.Failed,
				"rewards", sweep.Rewards.String(),
			)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Scan returns the chains currently at risk.
func (k *Keeper) Scan(ctx context.Context) ([]engine.AtRiskChain, error) {
	if err := k.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return k.client.ChainsAtRisk(ctx)
}

// RunOnce previews every at-risk chain and liquidates those whose funded penalty
// meets the minimum. A chain liquidated by someone else in the meantime is
// counted as skipped.
func (k *Keeper) RunOnce(ctx context.Context) (Sweep, error) {
	sweep := Sweep{Rewards: decimal.Zero}
	chains, err := k.Scan(ctx)
	if err != nil {
		return sweep, err
	}

	for _, c := range chains {
		sweep.Scanned++
		if err := k.limiter.Wait(ctx); err != nil {
			return sweep, err
		}
		preview, err := k.client.LiquidationPreview(ctx, c.ChainID)
		if err != nil {
			if isConflict(err) {
				sweep.Skipped++
				continue
			}
			sweep.Failed++
			k.logger.Warn("preview failed", "chain_id", c.ChainID, "err", err)
			continue
		}
		if !preview.Liquidatable || preview.Plan == nil {
			sweep.Skipped++
			continue
		}
		if preview.Plan.Paid.LessThan(k.minPenalty) {
			k.logger.Debug("penalty below minimum",
				"chain_id", c.ChainID,
				"penalty", preview.Plan.Paid.String(),
			)
			sweep.Skipped++
			continue
		}

		if err := k.limiter.Wait(ctx); err != nil {
			return sweep, err
		}
		res, err := k.client.Liquidate(ctx, c.ChainID)
		if err != nil {
			if isConflict(err) {
				sweep.Skipped++
				continue
			}
			sweep.Failed++
			k.logger.Warn("liquidation failed", "chain_id", c.ChainID, "err", err)
			continue
		}
		sweep.Liquidated++
		sweep.Rewards = sweep.Rewards.Add(res.LiquidatorReward)
		k.logger.Info("chain liquidated",
			"chain_id", c.ChainID,
			"positions", res.PositionsLiquidated,
			"reward", res.LiquidatorReward.String(),
			"shortfall", res.Shortfall.String(),
		)
	}
	return sweep, nil
}

func isConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Conflict()
}
