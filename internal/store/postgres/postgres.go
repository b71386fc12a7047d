// Package postgres implements store.Store on PostgreSQL. Each Atomic call is one
// Serializable transaction that first locks the account row.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"lv-margin/internal/model"
	"lv-margin/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates missing tables. It is safe to run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *Store) Atomic(ctx context.Context, accountID string, fn func(tx store.Tx) error) error {
	return s.run(ctx, accountID, pgx.TxOptions{IsoLevel: pgx.Serializable}, false, fn)
}

func (s *Store) Read(ctx context.Context, accountID string, fn func(tx store.Tx) error) error {
	return s.run(ctx, accountID, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, true, fn)
}

func (s *Store) run(ctx context.Context, accountID string, opts pgx.TxOptions, readOnly bool, fn func(tx store.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback(ctx)

	lock := "select id from accounts where id = $1 for update"
	if readOnly {
		lock = "select id from accounts where id = $1"
	}
	var id string
	if err := tx.QueryRow(ctx, lock, accountID).Scan(&id); err != nil {
		return fmt.Errorf("account %s: %w", accountID, mapError(err))
	}
	if err := fn(&pgTx{tx: tx, accountID: accountID, readOnly: readOnly}); err != nil {
		return mapError(err)
	}
	if readOnly {
		return nil
	}
	return mapError(tx.Commit(ctx))
}

func (s *Store) CreateAccount(ctx context.Context, acc model.Account) error {
	_, err := s.pool.Exec(ctx, `
		insert into accounts (id, user_id, status, kyc_approved, balance, initial_balance, equity, margin_used, leverage, risk_profile, version, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11, $11)
	`, acc.ID, acc.UserID, string(acc.Status), acc.KYCApproved, acc.Balance, acc.InitialBalance, acc.Equity, acc.MarginUsed, acc.Leverage, acc.RiskProfile, acc.CreatedAt)
	return mapError(err)
}

func (s *Store) AccountIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, "select id from accounts where status <> 'closed' order by id")
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) Liquidation(ctx context.Context, id string) (model.LiquidationEvent, error) {
	row := s.pool.QueryRow(ctx, liquidationSelect+" where id = $1", id)
	e, err := scanLiquidation(row)
	return e, mapError(err)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// mapError translates driver errors into store sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%s: %w", pgErr.Message, store.ErrConflict)
		case "23505":
			return fmt.Errorf("%s: %w", pgErr.Message, store.ErrDuplicate)
		}
	}
	return err
}
