package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"github.com/atmx/chain-engine/internal/config"
	"github.com/atmx/chain-engine/internal/engine"
	"github.com/atmx/chain-engine/internal/keeper"
	"github.com/atmx/chain-engine/internal/model"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	report := flag.Bool("report", false, "print the chains at risk and exit without liquidating")
	once := flag.Bool("once", false, "run a single sweep and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, opts))
	if strings.EqualFold(cfg.Logging.Format, "text") {
		logger = slog.New(slog.NewTextHandler(os.Stderr, opts))
	}

	kc := cfg.Keeper
	if !common.IsHexAddress(kc.Account) {
		logger.Error("keeper.account must be a hex address", "account", kc.Account)
		os.Exit(1)
	}
	if kc.PollInterval <= 0 {
		logger.Error("keeper.poll_interval must be positive", "value", kc.PollInterval)
		os.Exit(1)
	}
	minPenalty, err := decimal.NewFromString(kc.MinPenalty)
	if err != nil {
		logger.Error("invalid keeper.min_penalty", "value", kc.MinPenalty, "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := keeper.NewClient(kc.APIURL, model.HexToAddress(kc.Account), kc.Timeout, kc.Retries)
	k := keeper.New(client, kc.PollInterval, minPenalty, kc.RateLimit, logger)

	switch {
	case *report:
		chains, err := k.Scan(ctx)
		if err != nil {
			logger.Error("scan failed", "err", err)
			os.Exit(1)
		}
		if err := printReport(os.Stdout, chains); err != nil {
			logger.Error("render report", "err", err)
			os.Exit(1)
		}
	case *once:
		sweep, err := k.RunOnce(ctx)
		if err != nil {
			logger.Error("sweep failed", "err", err)
			os.Exit(1)
		}
		fmt.Printf("scanned=%d liquidated=%d skipped=%d failed=%d rewards=%s\n",
			sweep.Scanned, sweep.Liquidated, sweep.Skipped, sweep.Failed, sweep.Rewards.String())
	default:
		logger.Info("keeper started", "api", kc.APIURL, "account", kc.Account, "interval", kc.PollInterval)
		if err := k.Run(ctx); err != nil {
			logger.Error("keeper stopped", "err", err)
			os.Exit(1)
		}
	}
}

func printReport(w io.Writer, chains []engine.AtRiskChain) error {
	if len(chains) == 0 {
		fmt.Fprintln(w, "No chains at risk.")
		return nil
	}
	table := tablewriter.NewWriter(w)
	table.Header("Chain", "Owner", "Depth", "Violation", "Debt", "Value")
	for _, c := range chains {
		if err := table.Append(
			fmt.Sprintf("%d", c.ChainID),
			c.Owner.Hex(),
			fmt.Sprintf("%d", c.Depth),
			fmt.Sprintf("%d", c.ViolationIndex),
			c.TotalDebt.StringFixed(2),
			c.TotalValue.StringFixed(2),
		); err != nil {
			return err
		}
	}
	return table.Render()
}
