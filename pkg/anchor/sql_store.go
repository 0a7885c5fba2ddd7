package anchor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLStore implements TicketStore using database/sql. It works against both
// Postgres (lib/pq) and SQLite (modernc.org/sqlite); the driver is chosen by
// whoever opens the *sql.DB.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const ticketSchema = `
CREATE TABLE IF NOT EXISTS anchor_tickets (
	id TEXT PRIMARY KEY,
	subject_id TEXT NOT NULL,
	record_kind TEXT NOT NULL,
	digest TEXT NOT NULL,
	ledger_key TEXT NOT NULL,
	tx_ref TEXT,
	state TEXT NOT NULL,
	reason TEXT,
	attempts INTEGER NOT NULL DEFAULT 0,
	poll_cycles INTEGER NOT NULL DEFAULT 0,
	submitted_at TIMESTAMP,
	confirmed_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE (subject_id, digest)
);
`

// Init creates the schema if missing.
func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, ticketSchema)
	return err
}

const ticketColumns = `id, subject_id, record_kind, digest, ledger_key, tx_ref, state, reason,
	attempts, poll_cycles, submitted_at, confirmed_at, created_at, updated_at`

func (s *SQLStore) Create(ctx context.Context, t *Ticket) error {
	query := `INSERT INTO anchor_tickets (` + ticketColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.SubjectID, t.RecordKind, t.Digest, t.LedgerKey,
		nullStr(t.TxRef), string(t.State), nullStr(t.Reason),
		t.Attempts, t.PollCycles,
		nullTime(t.SubmittedAt), nullTime(t.ConfirmedAt), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create ticket %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLStore) Update(ctx context.Context, t *Ticket) error {
	query := `UPDATE anchor_tickets SET
		tx_ref = $1, state = $2, reason = $3, attempts = $4, poll_cycles = $5,
		submitted_at = $6, confirmed_at = $7, updated_at = $8
		WHERE id = $9`
	res, err := s.db.ExecContext(ctx, query,
		nullStr(t.TxRef), string(t.State), nullStr(t.Reason), t.Attempts, t.PollCycles,
		nullTime(t.SubmittedAt), nullTime(t.ConfirmedAt), t.UpdatedAt, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update ticket %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, subjectID, digest string) (*Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM anchor_tickets WHERE subject_id = $1 AND digest = $2`
	return scanTicket(s.db.QueryRowContext(ctx, query, subjectID, digest))
}

func (s *SQLStore) GetByID(ctx context.Context, id string) (*Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM anchor_tickets WHERE id = $1`
	return scanTicket(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLStore) ListByState(ctx context.Context, state State) ([]*Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM anchor_tickets WHERE state = $1 ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (*Ticket, error) {
	var t Ticket
	var txRef, reason sql.NullString
	var submittedAt, confirmedAt sql.NullTime
	var state string
	err := row.Scan(
		&t.ID, &t.SubjectID, &t.RecordKind, &t.Digest, &t.LedgerKey,
		&txRef, &state, &reason, &t.Attempts, &t.PollCycles,
		&submittedAt, &confirmedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.State = State(state)
	t.TxRef = txRef.String
	t.Reason = reason.String
	t.SubmittedAt = submittedAt.Time
	t.ConfirmedAt = confirmedAt.Time
	return &t, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
