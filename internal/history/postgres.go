package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PostgresStore persists the journals in Postgres. Each evaluation's record
// set is written in a single transaction.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgresStore connects, pings and migrates the schema.
func NewPostgresStore(ctx context.Context, databaseURL string, logger zerolog.Logger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info().Msg("postgres history store ready")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS decisions (
			id TEXT PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			decision TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			reasons JSONB NOT NULL DEFAULT '[]',
			features_hash TEXT,
			model_version INT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_ts ON decisions (ts DESC)`,
		`CREATE TABLE IF NOT EXISTS orders (
			order_id TEXT PRIMARY KEY,
			decision_id TEXT NOT NULL REFERENCES decisions(id),
			idempotency_key TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			qty DOUBLE PRECISION NOT NULL,
			requested_price DOUBLE PRECISION NOT NULL,
			status TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_idem
			ON orders (idempotency_key) WHERE status <> 'SKIPPED'`,
		`CREATE TABLE IF NOT EXISTS fills (
			fill_id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL REFERENCES orders(order_id),
			ts TIMESTAMPTZ NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			avg_price DOUBLE PRECISION NOT NULL,
			qty DOUBLE PRECISION NOT NULL,
			fees DOUBLE PRECISION NOT NULL,
			status TEXT NOT NULL,
			pnl DOUBLE PRECISION,
			exit_reason TEXT,
			simulation JSONB NOT NULL DEFAULT '{}',
			arbitrage_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			symbol TEXT NOT NULL,
			balance DOUBLE PRECISION NOT NULL,
			position_size DOUBLE PRECISION NOT NULL,
			avg_entry_price DOUBLE PRECISION NOT NULL,
			total_portfolio_value DOUBLE PRECISION NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			ts_open TIMESTAMPTZ NOT NULL,
			ts_close TIMESTAMPTZ,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			qty DOUBLE PRECISION NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			exit_price DOUBLE PRECISION,
			fee DOUBLE PRECISION NOT NULL DEFAULT 0,
			sl_price DOUBLE PRECISION,
			tp_price DOUBLE PRECISION,
			slippage DOUBLE PRECISION NOT NULL DEFAULT 0,
			pnl_abs DOUBLE PRECISION,
			pnl_pct DOUBLE PRECISION,
			exit_reason TEXT,
			r_multiple DOUBLE PRECISION NOT NULL DEFAULT 0,
			score DOUBLE PRECISION NOT NULL DEFAULT 0,
			regime TEXT,
			status TEXT NOT NULL,
			decision_id TEXT NOT NULL,
			arbitrage_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_open ON trades (ts_open DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_close ON trades (ts_close DESC) WHERE status = 'CLOSED'`,
		`CREATE TABLE IF NOT EXISTS engine_state (
			id SMALLINT PRIMARY KEY CHECK (id = 1),
			payload JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}
	return nil
}

// AppendSet writes all present records in one transaction.
func (s *PostgresStore) AppendSet(ctx context.Context, set RecordSet) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin record set: %w", err)
	}
	defer tx.Rollback(ctx)

	if set.Decision != nil {
		reasons, _ := json.Marshal(set.Decision.Reasons)
		_, err = tx.Exec(ctx,
			`INSERT INTO decisions (id, ts, symbol, timeframe, decision, confidence, reasons, features_hash, model_version)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			set.Decision.ID, set.Decision.Ts, set.Decision.Symbol, set.Decision.Timeframe,
			set.Decision.Decision, set.Decision.Confidence, reasons,
			set.Decision.FeaturesHash, set.Decision.ModelVersion)
		if err != nil {
			return fmt.Errorf("insert decision: %w", err)
		}
	}
	if set.Order != nil {
		_, err = tx.Exec(ctx,
			`INSERT INTO orders (order_id, decision_id, idempotency_key, ts, symbol, side, qty, requested_price, status)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			set.Order.OrderID, set.Order.DecisionID, set.Order.IdempotencyKey, set.Order.Ts,
			set.Order.Symbol, set.Order.Side, RoundSize(set.Order.Qty),
			RoundPrice(set.Order.RequestedPrice), set.Order.Status)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
	}
	if set.Fill != nil {
		sim, _ := json.Marshal(set.Fill.Simulation)
		_, err = tx.Exec(ctx,
			`INSERT INTO fills (fill_id, order_id, ts, symbol, side, avg_price, qty, fees, status, pnl, exit_reason, simulation, arbitrage_id)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			set.Fill.FillID, set.Fill.OrderID, set.Fill.Ts, set.Fill.Symbol, set.Fill.Side,
			RoundPrice(set.Fill.AvgPrice), RoundSize(set.Fill.Qty), set.Fill.Fees,
			set.Fill.Status, set.Fill.PnL, nullable(set.Fill.ExitReason), sim, nullable(set.Fill.ArbID))
		if err != nil {
			return fmt.Errorf("insert fill: %w", err)
		}
	}
	if set.Snapshot != nil {
		if err := insertSnapshot(ctx, tx, *set.Snapshot); err != nil {
			return err
		}
	}
	if set.Trade != nil {
		t := set.Trade
		_, err = tx.Exec(ctx,
			`INSERT INTO trades (id, ts_open, symbol, side, qty, entry_price, fee, sl_price, tp_price, slippage, r_multiple, score, regime, status, decision_id, arbitrage_id)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
			t.ID, t.TsOpen, t.Symbol, t.Side, RoundSize(t.Qty), RoundPrice(t.EntryPrice),
			t.Fee, t.SLPrice, t.TPPrice, t.Slippage, t.RMultiple, t.Score,
			nullable(t.Regime), t.Status, t.DecisionID, nullable(t.ArbID))
		if err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func insertSnapshot(ctx context.Context, tx pgx.Tx, snap SnapshotRecord) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO snapshots (ts, symbol, balance, position_size, avg_entry_price, total_portfolio_value)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		snap.Ts, snap.Symbol, snap.Balance, snap.PositionSize, snap.AvgEntryPrice, snap.TotalPortfolioValue)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// AppendSnapshot writes one snapshot row outside any record set.
func (s *PostgresStore) AppendSnapshot(ctx context.Context, snap SnapshotRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO snapshots (ts, symbol, balance, position_size, avg_entry_price, total_portfolio_value)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		snap.Ts, snap.Symbol, snap.Balance, snap.PositionSize, snap.AvgEntryPrice, snap.TotalPortfolioValue)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// CloseTrade transitions an OPEN trade to CLOSED.
func (s *PostgresStore) CloseTrade(ctx context.Context, close TradeClose) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trades SET ts_close=$2, exit_price=$3, pnl_abs=$4, pnl_pct=$5,
		        exit_reason=$6, r_multiple=$7, fee=fee+$8, status='CLOSED'
		 WHERE id=$1 AND status='OPEN'`,
		close.TradeID, close.TsClose, RoundPrice(close.ExitPrice), close.PnLAbs, close.PnLPct,
		close.Reason, close.RMultiple, close.Fee)
	if err != nil {
		return fmt.Errorf("close trade: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("close trade %s: not found or already closed", close.TradeID)
	}
	return nil
}

// SaveEngineState upserts the singleton state row.
func (s *PostgresStore) SaveEngineState(ctx context.Context, state EngineState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal engine state: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO engine_state (id, payload, updated_at) VALUES (1, $1, $2)
		 ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		payload, state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save engine state: %w", err)
	}
	return nil
}

// LoadEngineState returns the singleton state row, or nil when none exists.
func (s *PostgresStore) LoadEngineState(ctx context.Context) (*EngineState, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT payload FROM engine_state WHERE id = 1`).Scan(&payload)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load engine state: %w", err)
	}
	var st EngineState
	if err := json.Unmarshal(payload, &st); err != nil {
		return nil, fmt.Errorf("decode engine state: %w", err)
	}
	return &st, nil
}

// HasOrderKey reports whether a non-SKIPPED order with the key exists.
func (s *PostgresStore) HasOrderKey(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM orders WHERE idempotency_key=$1 AND status <> 'SKIPPED')`,
		key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query order key: %w", err)
	}
	return exists, nil
}

const tradeColumns = `id, ts_open, ts_close, symbol, side, qty, entry_price, exit_price,
	fee, sl_price, tp_price, slippage, pnl_abs, pnl_pct, COALESCE(exit_reason,''),
	r_multiple, score, COALESCE(regime,''), status, decision_id, COALESCE(arbitrage_id,'')`

func scanTrades(rows pgx.Rows) ([]TradeRecord, error) {
	defer rows.Close()
	var out []TradeRecord
	for rows.Next() {
		var t TradeRecord
		if err := rows.Scan(&t.ID, &t.TsOpen, &t.TsClose, &t.Symbol, &t.Side, &t.Qty,
			&t.EntryPrice, &t.ExitPrice, &t.Fee, &t.SLPrice, &t.TPPrice, &t.Slippage,
			&t.PnLAbs, &t.PnLPct, &t.ExitReason, &t.RMultiple, &t.Score, &t.Regime,
			&t.Status, &t.DecisionID, &t.ArbID); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecentTrades returns up to limit trades, newest first.
func (s *PostgresStore) RecentTrades(ctx context.Context, limit int) ([]TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades ORDER BY ts_open DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	return scanTrades(rows)
}

// RecentDecisions returns up to limit decisions, newest first.
func (s *PostgresStore) RecentDecisions(ctx context.Context, limit int) ([]DecisionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, ts, symbol, timeframe, decision, confidence, reasons, COALESCE(features_hash,''), model_version
		 FROM decisions ORDER BY ts DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()
	var out []DecisionRecord
	for rows.Next() {
		var d DecisionRecord
		var reasons []byte
		if err := rows.Scan(&d.ID, &d.Ts, &d.Symbol, &d.Timeframe, &d.Decision,
			&d.Confidence, &reasons, &d.FeaturesHash, &d.ModelVersion); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		json.Unmarshal(reasons, &d.Reasons)
		out = append(out, d)
	}
	return out, rows.Err()
}

// ClosedTradesSince returns trades closed at or after since, oldest first.
func (s *PostgresStore) ClosedTradesSince(ctx context.Context, since time.Time) ([]TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE status='CLOSED' AND ts_close >= $1 ORDER BY ts_close ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("query closed trades: %w", err)
	}
	return scanTrades(rows)
}

// OpenTrades returns all OPEN trades, oldest first.
func (s *PostgresStore) OpenTrades(ctx context.Context) ([]TradeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE status='OPEN' ORDER BY ts_open ASC`)
	if err != nil {
		return nil, fmt.Errorf("query open trades: %w", err)
	}
	return scanTrades(rows)
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
