package position

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"streamguard/internal/resilience"
)

const Schema = `
CREATE TABLE IF NOT EXISTS positions (
	pair       TEXT PRIMARY KEY,
	amount     TEXT NOT NULL,
	avg_price  TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS fills (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	pair      TEXT NOT NULL,
	delta     TEXT NOT NULL,
	price     TEXT NOT NULL,
	filled_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fills_pair ON fills (pair);
`

// SQLiteStore keeps positions in a table and journals every fill.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open position store: %w", err)
	}
	// sqlite serialises writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create position schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, pair string) (*Position, error) {
	p, err := get(ctx, s.db, pair)
	if err != nil {
		return nil, resilience.Transient("position get "+pair, err)
	}
	return p, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func get(ctx context.Context, q queryer, pair string) (*Position, error) {
	var amount, avg string
	var updated time.Time
	err := q.QueryRowContext(ctx,
		`SELECT amount, avg_price, updated_at FROM positions WHERE pair = ?`, pair,
	).Scan(&amount, &avg, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	p := &Position{Pair: pair, UpdatedAt: updated.UTC()}
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("position %s amount %q: %w", pair, amount, err)
	}
	if p.AvgPrice, err = decimal.NewFromString(avg); err != nil {
		return nil, fmt.Errorf("position %s avg_price %q: %w", pair, avg, err)
	}
	return p, nil
}

func (s *SQLiteStore) Update(ctx context.Context, pair string, delta, price decimal.Decimal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return resilience.Transient("position update "+pair, err)
	}
	defer tx.Rollback()

	cur, err := get(ctx, tx, pair)
	if err != nil {
		return resilience.Transient("position update "+pair, err)
	}
	p := Position{Pair: pair}
	if cur != nil {
		p = *cur
	}
	now := s.now().UTC()
	p = apply(p, delta, price, now)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO positions (pair, amount, avg_price, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(pair) DO UPDATE SET
			amount = excluded.amount,
			avg_price = excluded.avg_price,
			updated_at = excluded.updated_at`,
		pair, p.Amount.String(), p.AvgPrice.String(), now,
	); err != nil {
		return resilience.Transient("position update "+pair, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO fills (pair, delta, price, filled_at) VALUES (?, ?, ?, ?)`,
		pair, delta.String(), price.String(), now,
	); err != nil {
		return resilience.Transient("position update "+pair, err)
	}
	if err := tx.Commit(); err != nil {
		return resilience.Transient("position update "+pair, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
