package postgres

import (
	"errors"
	"fmt"
	"testing"

	"lv-margin/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestMapError(t *testing.T) {
	other := errors.New("other")
	tests := []struct {
		name string
		in   error
		want error
	}{
		{name: "no rows", in: pgx.ErrNoRows, want: store.ErrNotFound},
		{name: "wrapped no rows", in: fmt.Errorf("scan: %w", pgx.ErrNoRows), want: store.ErrNotFound},
		{name: "serialization failure", in: &pgconn.PgError{Code: "40001"}, want: store.ErrConflict},
		{name: "deadlock", in: &pgconn.PgError{Code: "40P01"}, want: store.ErrConflict},
		{name: "unique violation", in: &pgconn.PgError{Code: "23505"}, want: store.ErrDuplicate},
		{name: "passthrough", in: other, want: other},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, mapError(tt.in), tt.want)
		})
	}
	assert.NoError(t, mapError(nil))
}

func TestSchemaDeclaresTables(t *testing.T) {
	for _, table := range []string{"accounts", "positions", "orders", "fills", "ledger_entries", "idempotency_records",
		"margin_call_events", "liquidation_events", "trading_pairs"} {
		assert.Contains(t, schema, "create table if not exists "+table+" (")
	}
}
