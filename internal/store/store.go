// Package store persists what the liquidator observes and does: account
// health snapshots, liquidation attempts and price ticks, in postgres.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Store struct {
	db *DB
}

type DB struct {
	raw *sql.DB
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) Close() error {
	return db.raw.Close()
}

// rebindPostgresPlaceholders rewrites ? placeholders into $1..$n, leaving
// literals inside single quotes alone.
func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				// SQL escape: two single quotes inside a string literal.
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}

		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func New(dbDSN string) (*Store, error) {
	db, err := sql.Open("pgx", dbDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{db: &DB{raw: db}}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS account_health (
			pubkey TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			group_key TEXT NOT NULL,
			bankrupt INTEGER NOT NULL,
			maint_health TEXT NOT NULL,
			init_health TEXT NOT NULL,
			slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_account_health_group ON account_health(group_key, updated_at DESC);`,
		`CREATE TABLE IF NOT EXISTS liquidation_attempts (
			id BIGSERIAL PRIMARY KEY,
			liqee TEXT NOT NULL,
			liqor TEXT NOT NULL,
			liab_token BIGINT NOT NULL,
			asset_token BIGINT NOT NULL,
			maint_health TEXT NOT NULL,
			max_liab_transfer TEXT NOT NULL,
			signature TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL,
			submitted_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_liquidation_attempts_liqee ON liquidation_attempts(liqee, submitted_at DESC);`,
		`CREATE TABLE IF NOT EXISTS price_ticks (
			id BIGSERIAL PRIMARY KEY,
			feed_id TEXT NOT NULL,
			price TEXT NOT NULL,
			conf TEXT NOT NULL,
			expo INTEGER NOT NULL,
			publish_time BIGINT NOT NULL,
			received_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_price_ticks_feed_time ON price_ticks(feed_id, publish_time DESC);`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// AccountHealthRow is one snapshot of an account's two health scalars.
type AccountHealthRow struct {
	Pubkey      string
	Owner       string
	GroupKey    string
	Bankrupt    bool
	MaintHealth string
	InitHealth  string
	Slot        uint64
	UpdatedAt   int64
}

func (s *Store) UpsertAccountHealth(ctx context.Context, row AccountHealthRow) error {
	bankrupt := 0
	if row.Bankrupt {
		bankrupt = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO account_health (pubkey, owner, group_key, bankrupt, maint_health, init_health, slot, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (pubkey) DO UPDATE SET
			owner = EXCLUDED.owner,
			group_key = EXCLUDED.group_key,
			bankrupt = EXCLUDED.bankrupt,
			maint_health = EXCLUDED.maint_health,
			init_health = EXCLUDED.init_health,
			slot = EXCLUDED.slot,
			updated_at = EXCLUDED.updated_at
	`, row.Pubkey, row.Owner, row.GroupKey, bankrupt, row.MaintHealth, row.InitHealth, row.Slot, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert account health: %w", err)
	}
	return nil
}

// LiquidationAttemptRow records one submitted (or failed) liquidation.
type LiquidationAttemptRow struct {
	Liqee           string
	Liqor           string
	LiabToken       uint16
	AssetToken      uint16
	MaintHealth     string
	MaxLiabTransfer string
	Signature       string
	Status          string
	Error           string
	SubmittedAt     int64
}

func (s *Store) InsertLiquidationAttempt(ctx context.Context, row LiquidationAttemptRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO liquidation_attempts (liqee, liqor, liab_token, asset_token, maint_health, max_liab_transfer, signature, status, error, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, row.Liqee, row.Liqor, int64(row.LiabToken), int64(row.AssetToken), row.MaintHealth,
		row.MaxLiabTransfer, row.Signature, row.Status, row.Error, row.SubmittedAt)
	if err != nil {
		return fmt.Errorf("insert liquidation attempt: %w", err)
	}
	return nil
}

// PriceTickRow is one observed pyth price point.
type PriceTickRow struct {
	FeedID      string
	Price       string
	Conf        string
	Expo        int32
	PublishTime int64
	ReceivedAt  int64
}

func (s *Store) InsertPriceTick(ctx context.Context, row PriceTickRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO price_ticks (feed_id, price, conf, expo, publish_time, received_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, row.FeedID, row.Price, row.Conf, row.Expo, row.PublishTime, row.ReceivedAt)
	if err != nil {
		return fmt.Errorf("insert price tick: %w", err)
	}
	return nil
}
