// Package audit keeps the append-only risk event journal. Rows are inserted and
// read, never updated or deleted.
package audit

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

const (
	KindMarginCallEscalated  = "margin_call_escalated"
	KindMarginCallResolved   = "margin_call_resolved"
	KindLiquidationCompleted = "liquidation_completed"
	KindLiquidationPartial   = "liquidation_partial"
)

const schema = `
CREATE TABLE IF NOT EXISTS risk_events (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	account_id   TEXT NOT NULL,
	reference_id TEXT NOT NULL,
	payload      TEXT NOT NULL,
	created_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS risk_events_account_idx ON risk_events (account_id, id);
`

type Record struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	AccountID   string          `json:"account_id"`
	ReferenceID string          `json:"reference_id"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Recorder is the write side used by the risk core.
type Recorder interface {
	Record(ctx context.Context, kind, accountID, referenceID string, payload any) (string, error)
}

type Journal struct {
	db       *sql.DB
	postgres bool
	now      func() time.Time

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

var _ Recorder = (*Journal)(nil)

// Open connects with driver "sqlite3" or "postgres" and creates the table when missing.
func Open(ctx context.Context, driver, dsn string) (*Journal, error) {
	switch driver {
	case "sqlite3", "postgres":
	default:
		return nil, fmt.Errorf("unsupported audit driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit schema: %w", err)
	}
	return New(db, driver), nil
}

// New wraps an existing handle without touching the schema.
func New(db *sql.DB, driver string) *Journal {
	return &Journal{
		db:       db,
		postgres: driver == "postgres",
		now:      func() time.Time { return time.Now().UTC() },
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}
}

func (j *Journal) Record(ctx context.Context, kind, accountID, referenceID string, payload any) (string, error) {
	if kind == "" || accountID == "" {
		return "", errors.New("audit record requires kind and account id")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode audit payload: %w", err)
	}
	now := j.now()
	j.mu.Lock()
	id, err := ulid.New(ulid.Timestamp(now), j.entropy)
	j.mu.Unlock()
	if err != nil {
		return "", err
	}
	_, err = j.db.ExecContext(ctx, j.rebind(`
		INSERT INTO risk_events (id, kind, account_id, reference_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		id.String(), kind, accountID, referenceID, string(body), now,
	)
	if err != nil {
		return "", fmt.Errorf("insert risk event: %w", err)
	}
	return id.String(), nil
}

// List returns an account's records oldest first. An empty accountID lists every account.
func (j *Journal) List(ctx context.Context, accountID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := `SELECT id, kind, account_id, reference_id, payload, created_at FROM risk_events`
	args := []any{}
	if accountID != "" {
		q += ` WHERE account_id = ?`
		args = append(args, accountID)
	}
	q += ` ORDER BY id LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, j.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		var payload string
		if err := rows.Scan(&r.ID, &r.Kind, &r.AccountID, &r.ReferenceID, &payload, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Payload = json.RawMessage(payload)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// rebind turns ? placeholders into $n for lib/pq.
func (j *Journal) rebind(q string) string {
	if !j.postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
