package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/chain-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded SQL files in lexicographic order, tracking
// applied files in schema_migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var exists bool
		err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)",
			entry.Name(),
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", entry.Name(), err)
		}
		if exists {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", entry.Name(), err)
		}

		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", entry.Name())
			return err
		})
		if err != nil {
			return fmt.Errorf("postgres: apply migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// Apply writes a changeset in one transaction.
func (s *PostgresStore) Apply(ctx context.Context, cs *model.Changeset) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for i := range cs.Opportunities {
			if err := upsertOpportunity(ctx, tx, &cs.Opportunities[i]); err != nil {
				return err
			}
		}
		for i := range cs.Chains {
			if err := upsertChain(ctx, tx, &cs.Chains[i]); err != nil {
				return err
			}
		}
		for _, h := range cs.Holdings {
			_, err := tx.Exec(ctx,
				`INSERT INTO holdings (opportunity_id, side, account, tokens)
				 VALUES ($1, $2, $3, $4::NUMERIC)
				 ON CONFLICT (opportunity_id, side, account) DO UPDATE SET tokens = EXCLUDED.tokens`,
				h.OpportunityID, h.Side.String(), h.Account.Hex(), h.Tokens.String())
			if err != nil {
				return fmt.Errorf("upsert holding: %w", err)
			}
		}
		for _, b := range cs.Balances {
			_, err := tx.Exec(ctx,
				`INSERT INTO balances (account, amount) VALUES ($1, $2::NUMERIC)
				 ON CONFLICT (account) DO UPDATE SET amount = EXCLUDED.amount`,
				b.Account.Hex(), b.Amount.String())
			if err != nil {
				return fmt.Errorf("upsert balance: %w", err)
			}
		}
		for _, t := range cs.Trades {
			_, err := tx.Exec(ctx,
				`INSERT INTO trades (id, opportunity_id, account, chain_id, source, side,
				                     amount, tokens, price, price_yes_after, price_no_after, timestamp)
				 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12)`,
				t.ID, t.OpportunityID, t.Account.Hex(), t.ChainID, string(t.Source), t.Side.String(),
				t.Amount.String(), t.Tokens.String(), t.Price.String(),
				t.PriceYesAfter.String(), t.PriceNoAfter.String(), t.Timestamp)
			if err != nil {
				return fmt.Errorf("insert trade %s: %w", t.ID, err)
			}
		}
		for _, a := range cs.Accruals {
			_, err := tx.Exec(ctx,
				`INSERT INTO ledger_accruals (kind, key, amount) VALUES ($1, $2, $3::NUMERIC)
				 ON CONFLICT (kind, key) DO UPDATE SET amount = EXCLUDED.amount`,
				a.Kind, a.Key, a.Amount.String())
			if err != nil {
				return fmt.Errorf("upsert accrual %s/%s: %w", a.Kind, a.Key, err)
			}
		}
		for _, d := range cs.Deficits {
			_, err := tx.Exec(ctx,
				`INSERT INTO deficits (id, chain_id, debt, penalty, unpaid_penalty, recovered, shortfall, timestamp)
				 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)`,
				d.ID, d.ChainID, d.Debt.String(), d.Penalty.String(), d.UnpaidPenalty.String(),
				d.Recovered.String(), d.Shortfall.String(), d.Timestamp)
			if err != nil {
				return fmt.Errorf("insert deficit %s: %w", d.ID, err)
			}
		}
		if cs.Counters.NextOpportunityID > 0 {
			_, err := tx.Exec(ctx,
				`INSERT INTO counters (name, value) VALUES ('next_opportunity_id', $1), ('next_chain_id', $2)
				 ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value`,
				cs.Counters.NextOpportunityID, cs.Counters.NextChainID)
			if err != nil {
				return fmt.Errorf("upsert counters: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres: apply changeset: %w", err)
	}
	return nil
}

func upsertOpportunity(ctx context.Context, tx pgx.Tx, o *model.Opportunity) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO opportunities (id, name, metadata_url,
		        liquidity_yes, liquidity_no, price_yes, price_no, total_yes_tokens, total_no_tokens,
		        creator, created_at, resolved, outcome, resolved_at, resolver,
		        payout_rate, protocol_fee, lp_reward, distributable)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
		         $10, $11, $12, $13, $14, $15, $16::NUMERIC, $17::NUMERIC, $18::NUMERIC, $19::NUMERIC)
		 ON CONFLICT (id) DO UPDATE SET
		        liquidity_yes = EXCLUDED.liquidity_yes, liquidity_no = EXCLUDED.liquidity_no,
		        price_yes = EXCLUDED.price_yes, price_no = EXCLUDED.price_no,
		        total_yes_tokens = EXCLUDED.total_yes_tokens, total_no_tokens = EXCLUDED.total_no_tokens,
		        resolved = EXCLUDED.resolved, outcome = EXCLUDED.outcome,
		        resolved_at = EXCLUDED.resolved_at, resolver = EXCLUDED.resolver,
		        payout_rate = EXCLUDED.payout_rate, protocol_fee = EXCLUDED.protocol_fee,
		        lp_reward = EXCLUDED.lp_reward, distributable = EXCLUDED.distributable`,
		o.ID, o.Name, o.MetadataURL,
		o.LiquidityYes.String(), o.LiquidityNo.String(),
		o.PriceYes.String(), o.PriceNo.String(),
		o.TotalYesTokens.String(), o.TotalNoTokens.String(),
		o.Creator.Hex(), o.CreatedAt, o.Resolved, sideText(o.Outcome), o.ResolvedAt, addressText(o.Resolver),
		o.PayoutRate.String(), o.ProtocolFee.String(), o.LPReward.String(), o.Distributable.String(),
	)
	if err != nil {
		return fmt.Errorf("upsert opportunity %d: %w", o.ID, err)
	}
	return nil
}

func upsertChain(ctx context.Context, tx pgx.Tx, c *model.PositionChain) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO position_chains (id, owner, total_debt, liquidated, next_seq, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		        total_debt = EXCLUDED.total_debt, liquidated = EXCLUDED.liquidated, next_seq = EXCLUDED.next_seq`,
		c.ID, c.Owner.Hex(), c.TotalDebt.String(), c.Liquidated, c.NextSeq, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert chain %d: %w", c.ID, err)
	}

	links := append(append([]model.Position(nil), c.Positions...), c.Unwound...)
	for _, p := range links {
		_, err := tx.Exec(ctx,
			`INSERT INTO positions (chain_id, seq, opportunity_id, side, amount, tokens, active, opened_at, closed_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9)
			 ON CONFLICT (chain_id, seq) DO UPDATE SET active = EXCLUDED.active, closed_at = EXCLUDED.closed_at`,
			c.ID, p.Seq, p.OpportunityID, p.Side.String(), p.Amount.String(), p.Tokens.String(),
			p.Active, p.OpenedAt, p.ClosedAt)
		if err != nil {
			return fmt.Errorf("upsert position %d/%d: %w", c.ID, p.Seq, err)
		}
	}
	return nil
}

// LoadSnapshot reads the full engine state.
func (s *PostgresStore) LoadSnapshot(ctx context.Context) (*model.Snapshot, error) {
	snap := &model.Snapshot{Ledger: model.NewLedger()}

	if err := s.loadOpportunities(ctx, snap); err != nil {
		return nil, err
	}
	if err := s.loadChains(ctx, snap); err != nil {
		return nil, err
	}
	if err := s.loadHoldings(ctx, snap); err != nil {
		return nil, err
	}
	if err := s.loadBalances(ctx, snap); err != nil {
		return nil, err
	}
	if err := s.loadLedger(ctx, snap); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `SELECT name, value FROM counters`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load counters: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var value int64
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		switch name {
		case "next_opportunity_id":
			snap.Counters.NextOpportunityID = uint64(value)
		case "next_chain_id":
			snap.Counters.NextChainID = uint64(value)
		}
	}
	return snap, rows.Err()
}

func (s *PostgresStore) loadOpportunities(ctx context.Context, snap *model.Snapshot) error {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, metadata_url,
		        liquidity_yes::TEXT, liquidity_no::TEXT, price_yes::TEXT, price_no::TEXT,
		        total_yes_tokens::TEXT, total_no_tokens::TEXT,
		        creator, created_at, resolved, outcome, resolved_at, resolver,
		        payout_rate::TEXT, protocol_fee::TEXT, lp_reward::TEXT, distributable::TEXT
		 FROM opportunities ORDER BY id`)
	if err != nil {
		return fmt.Errorf("postgres: load opportunities: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var o model.Opportunity
		var creator, outcome, resolver string
		var nums [10]string
		if err := rows.Scan(&o.ID, &o.Name, &o.MetadataURL,
			&nums[0], &nums[1], &nums[2], &nums[3], &nums[4], &nums[5],
			&creator, &o.CreatedAt, &o.Resolved, &outcome, &o.ResolvedAt, &resolver,
			&nums[6], &nums[7], &nums[8], &nums[9]); err != nil {
			return err
		}
		dst := []*decimal.Decimal{
			&o.LiquidityYes, &o.LiquidityNo, &o.PriceYes, &o.PriceNo,
			&o.TotalYesTokens, &o.TotalNoTokens,
			&o.PayoutRate, &o.ProtocolFee, &o.LPReward, &o.Distributable,
		}
		if err := parseDecimals(nums[:], dst); err != nil {
			return fmt.Errorf("postgres: opportunity %d: %w", o.ID, err)
		}
		o.Creator = model.HexToAddress(creator)
		o.Resolver = model.HexToAddress(resolver)
		if err := o.Outcome.UnmarshalText([]byte(outcome)); err != nil {
			return fmt.Errorf("postgres: opportunity %d: %w", o.ID, err)
		}
		snap.Opportunities = append(snap.Opportunities, o)
	}
	return rows.Err()
}

func (s *PostgresStore) loadChains(ctx context.Context, snap *model.Snapshot) error {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner, total_debt::TEXT, liquidated, next_seq, created_at
		 FROM position_chains ORDER BY id`)
	if err != nil {
		return fmt.Errorf("postgres: load chains: %w", err)
	}
	index := make(map[uint64]int)
	for rows.Next() {
		var c model.PositionChain
		var owner, debt string
		if err := rows.Scan(&c.ID, &owner, &debt, &c.Liquidated, &c.NextSeq, &c.CreatedAt); err != nil {
			rows.Close()
			return err
		}
		c.Owner = model.HexToAddress(owner)
		if err := parseDecimals([]string{debt}, []*decimal.Decimal{&c.TotalDebt}); err != nil {
			rows.Close()
			return fmt.Errorf("postgres: chain %d: %w", c.ID, err)
		}
		index[c.ID] = len(snap.Chains)
		snap.Chains = append(snap.Chains, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.pool.Query(ctx,
		`SELECT chain_id, seq, opportunity_id, side, amount::TEXT, tokens::TEXT, active, opened_at, closed_at
		 FROM positions ORDER BY chain_id, seq`)
	if err != nil {
		return fmt.Errorf("postgres: load positions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var chainID uint64
		var p model.Position
		var side, amount, tokens string
		var closedAt *time.Time
		if err := rows.Scan(&chainID, &p.Seq, &p.OpportunityID, &side, &amount, &tokens,
			&p.Active, &p.OpenedAt, &closedAt); err != nil {
			return err
		}
		p.ClosedAt = closedAt
		if p.Side, err = model.ParseSide(side); err != nil {
			return fmt.Errorf("postgres: position %d/%d: %w", chainID, p.Seq, err)
		}
		if err := parseDecimals([]string{amount, tokens}, []*decimal.Decimal{&p.Amount, &p.Tokens}); err != nil {
			return fmt.Errorf("postgres: position %d/%d: %w", chainID, p.Seq, err)
		}
		i, ok := index[chainID]
		if !ok {
			continue
		}
		c := &snap.Chains[i]
		if p.Active {
			c.Positions = append(c.Positions, p)
		} else {
			c.Unwound = append(c.Unwound, p)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for i := range snap.Chains {
		orderUnwound(snap.Chains[i].Unwound)
	}
	return nil
}

// orderUnwound restores the order liquidations appended links in: by close
// time, and tail first within one liquidation.
func orderUnwound(ps []model.Position) {
	sort.SliceStable(ps, func(i, j int) bool {
		a, b := ps[i].ClosedAt, ps[j].ClosedAt
		if a != nil && b != nil && !a.Equal(*b) {
			return a.Before(*b)
		}
		return ps[i].Seq > ps[j].Seq
	})
}

func (s *PostgresStore) loadHoldings(ctx context.Context, snap *model.Snapshot) error {
	rows, err := s.pool.Query(ctx,
		`SELECT opportunity_id, side, account, tokens::TEXT FROM holdings`)
	if err != nil {
		return fmt.Errorf("postgres: load holdings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var h model.Holding
		var side, account, tokens string
		if err := rows.Scan(&h.OpportunityID, &side, &account, &tokens); err != nil {
			return err
		}
		if h.Side, err = model.ParseSide(side); err != nil {
			return fmt.Errorf("postgres: holding: %w", err)
		}
		if err := parseDecimals([]string{tokens}, []*decimal.Decimal{&h.Tokens}); err != nil {
			return fmt.Errorf("postgres: holding: %w", err)
		}
		h.Account = model.HexToAddress(account)
		snap.Holdings = append(snap.Holdings, h)
	}
	return rows.Err()
}

func (s *PostgresStore) loadBalances(ctx context.Context, snap *model.Snapshot) error {
	rows, err := s.pool.Query(ctx, `SELECT account, amount::TEXT FROM balances`)
	if err != nil {
		return fmt.Errorf("postgres: load balances: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var b model.Balance
		var account, amount string
		if err := rows.Scan(&account, &amount); err != nil {
			return err
		}
		if err := parseDecimals([]string{amount}, []*decimal.Decimal{&b.Amount}); err != nil {
			return fmt.Errorf("postgres: balance %s: %w", account, err)
		}
		b.Account = model.HexToAddress(account)
		snap.Balances = append(snap.Balances, b)
	}
	return rows.Err()
}

func (s *PostgresStore) loadLedger(ctx context.Context, snap *model.Snapshot) error {
	rows, err := s.pool.Query(ctx, `SELECT kind, key, amount::TEXT FROM ledger_accruals`)
	if err != nil {
		return fmt.Errorf("postgres: load ledger: %w", err)
	}
	for rows.Next() {
		var kind, key, amount string
		if err := rows.Scan(&kind, &key, &amount); err != nil {
			rows.Close()
			return err
		}
		v, err := decimal.NewFromString(amount)
		if err != nil {
			rows.Close()
			return fmt.Errorf("postgres: accrual %s/%s: %w", kind, key, err)
		}
		switch kind {
		case model.AccrualProtocolFee:
			snap.Ledger.ProtocolFees[key] = v
		case model.AccrualLPReward:
			snap.Ledger.LPRewards[key] = v
		case model.AccrualLiquidatorReward:
			snap.Ledger.LiquidatorRewards[model.HexToAddress(key)] = v
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.pool.Query(ctx,
		`SELECT id, chain_id, debt::TEXT, penalty::TEXT, unpaid_penalty::TEXT, recovered::TEXT, shortfall::TEXT, timestamp
		 FROM deficits ORDER BY timestamp`)
	if err != nil {
		return fmt.Errorf("postgres: load deficits: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e model.DeficitEntry
		var nums [5]string
		if err := rows.Scan(&e.ID, &e.ChainID, &nums[0], &nums[1], &nums[2], &nums[3], &nums[4], &e.Timestamp); err != nil {
			return err
		}
		dst := []*decimal.Decimal{&e.Debt, &e.Penalty, &e.UnpaidPenalty, &e.Recovered, &e.Shortfall}
		if err := parseDecimals(nums[:], dst); err != nil {
			return fmt.Errorf("postgres: deficit %s: %w", e.ID, err)
		}
		snap.Ledger.Deficits = append(snap.Ledger.Deficits, e)
	}
	return rows.Err()
}

func (s *PostgresStore) ListTradesByOpportunity(ctx context.Context, opportunityID uint64) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, opportunity_id, account, chain_id, source, side,
		        amount::TEXT, tokens::TEXT, price::TEXT, price_yes_after::TEXT, price_no_after::TEXT, timestamp
		 FROM trades WHERE opportunity_id = $1 ORDER BY timestamp`, opportunityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) ListTradesByAccount(ctx context.Context, account model.Address) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, opportunity_id, account, chain_id, source, side,
		        amount::TEXT, tokens::TEXT, price::TEXT, price_yes_after::TEXT, price_no_after::TEXT, timestamp
		 FROM trades WHERE account = $1 ORDER BY timestamp`, account.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

// scanTrades reads pgx rows into Trade slices.
func scanTrades(rows pgx.Rows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var account, source, side string
		var nums [5]string

		if err := rows.Scan(&t.ID, &t.OpportunityID, &account, &t.ChainID, &source, &side,
			&nums[0], &nums[1], &nums[2], &nums[3], &nums[4], &t.Timestamp); err != nil {
			return nil, err
		}

		dst := []*decimal.Decimal{&t.Amount, &t.Tokens, &t.Price, &t.PriceYesAfter, &t.PriceNoAfter}
		if err := parseDecimals(nums[:], dst); err != nil {
			return nil, fmt.Errorf("trade %s: %w", t.ID, err)
		}
		parsed, err := model.ParseSide(side)
		if err != nil {
			return nil, fmt.Errorf("trade %s: %w", t.ID, err)
		}
		t.Side = parsed
		t.Account = model.HexToAddress(account)
		t.Source = model.TradeSource(source)

		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func parseDecimals(src []string, dst []*decimal.Decimal) error {
	for i, s := range src {
		v, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("parse numeric %q: %w", s, err)
		}
		*dst[i] = v
	}
	return nil
}

func sideText(s model.Side) string {
	if s == 0 {
		return ""
	}
	return s.String()
}

func addressText(a model.Address) string {
	if a == (model.Address{}) {
		return ""
	}
	return a.Hex()
}
