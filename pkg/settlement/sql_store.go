package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLStore implements Store using database/sql, portable across Postgres and
// SQLite.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const settlementSchema = `
CREATE TABLE IF NOT EXISTS claim_settlements (
	claim_id TEXT PRIMARY KEY,
	amount REAL NOT NULL,
	request_ref TEXT,
	oracle_result REAL,
	decision TEXT NOT NULL,
	policy_version TEXT,
	ledger_ref TEXT,
	ticket_id TEXT,
	state TEXT NOT NULL,
	reason TEXT,
	deadline TIMESTAMP,
	requested_at TIMESTAMP,
	resolved_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_claim_settlements_request_ref ON claim_settlements (request_ref);
CREATE INDEX IF NOT EXISTS idx_claim_settlements_state ON claim_settlements (state);
`

// Init creates the schema if missing.
func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, settlementSchema)
	return err
}

const settlementColumns = `claim_id, amount, request_ref, oracle_result, decision, policy_version,
	ledger_ref, ticket_id, state, reason, deadline, requested_at, resolved_at, created_at, updated_at`

func (s *SQLStore) Create(ctx context.Context, st *Settlement) error {
	query := `INSERT INTO claim_settlements (` + settlementColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err := s.db.ExecContext(ctx, query, settlementArgs(st)...)
	if err != nil {
		return fmt.Errorf("create settlement %s: %w", st.ClaimID, err)
	}
	return nil
}

func (s *SQLStore) Update(ctx context.Context, st *Settlement) error {
	query := `UPDATE claim_settlements SET
		amount = $2, request_ref = $3, oracle_result = $4, decision = $5, policy_version = $6,
		ledger_ref = $7, ticket_id = $8, state = $9, reason = $10, deadline = $11,
		requested_at = $12, resolved_at = $13, created_at = $14, updated_at = $15
		WHERE claim_id = $1`
	res, err := s.db.ExecContext(ctx, query, settlementArgs(st)...)
	if err != nil {
		return fmt.Errorf("update settlement %s: %w", st.ClaimID, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, claimID string) (*Settlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM claim_settlements WHERE claim_id = $1`
	return scanSettlement(s.db.QueryRowContext(ctx, query, claimID))
}

func (s *SQLStore) GetByRequestRef(ctx context.Context, requestRef string) (*Settlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM claim_settlements WHERE request_ref = $1`
	return scanSettlement(s.db.QueryRowContext(ctx, query, requestRef))
}

func (s *SQLStore) ListByState(ctx context.Context, state State) ([]*Settlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM claim_settlements WHERE state = $1 ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Settlement
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func settlementArgs(st *Settlement) []any {
	var result sql.NullFloat64
	if st.OracleResult != nil {
		result = sql.NullFloat64{Float64: *st.OracleResult, Valid: true}
	}
	return []any{
		st.ClaimID, st.Amount, nullStr(st.RequestRef), result, string(st.Decision),
		nullStr(st.PolicyVersion), nullStr(st.LedgerRef), nullStr(st.TicketID),
		string(st.State), nullStr(st.Reason),
		nullTime(st.Deadline), nullTime(st.RequestedAt), nullTime(st.ResolvedAt),
		st.CreatedAt, st.UpdatedAt,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSettlement(row rowScanner) (*Settlement, error) {
	var st Settlement
	var requestRef, policyVersion, ledgerRef, ticketID, reason sql.NullString
	var oracleResult sql.NullFloat64
	var deadline, requestedAt, resolvedAt sql.NullTime
	var decision, state string
	err := row.Scan(
		&st.ClaimID, &st.Amount, &requestRef, &oracleResult, &decision, &policyVersion,
		&ledgerRef, &ticketID, &state, &reason,
		&deadline, &requestedAt, &resolvedAt, &st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	st.RequestRef = requestRef.String
	st.PolicyVersion = policyVersion.String
	st.LedgerRef = ledgerRef.String
	st.TicketID = ticketID.String
	st.Reason = reason.String
	st.Decision = Decision(decision)
	st.State = State(state)
	st.Deadline = deadline.Time
	st.RequestedAt = requestedAt.Time
	st.ResolvedAt = resolvedAt.Time
	if oracleResult.Valid {
		v := oracleResult.Float64
		st.OracleResult = &v
	}
	return &st, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
