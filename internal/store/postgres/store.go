// Package postgres is the durable Transaction Store, adapted from
// mevshare/database.go's DBBackend: sqlx with PrepareNamed statements
// over lib/pq, a JSON body column for the parts of the record that don't
// need their own indexed columns, and ON CONFLICT DO NOTHING for
// idempotent inserts.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/relaynet/chain-relayer/internal/relaymodel"
)

// dbRecord is the flattened row shape for the transactions table: a few
// columns the engine needs to index and filter on (relayer_id, status,
// nonce), plus JSONB blobs for the request/assignment/history, which the
// engine only ever reads or writes whole.
type dbRecord struct {
	TransactionID string         `db:"transaction_id"`
	RelayerID     string         `db:"relayer_id"`
	CreatedAt     time.Time      `db:"created_at"`
	Status        string         `db:"status"`
	FailureReason sql.NullString `db:"failure_reason"`
	Nonce         sql.NullInt64  `db:"nonce"`
	RequestJSON   []byte         `db:"request_json"`
	AssignmentJSON sql.NullString `db:"assignment_json"`
	HistoryJSON   []byte         `db:"history_json"`
	ValidUntil    sql.NullTime   `db:"valid_until"`
	ExpiresAt     sql.NullTime   `db:"expires_at"`
	CancelRequested bool         `db:"cancel_requested"`
}

var insertRecordQuery = `
INSERT INTO transactions (transaction_id, relayer_id, created_at, status, failure_reason, nonce,
                           request_json, assignment_json, history_json, valid_until, expires_at, cancel_requested)
VALUES (:transaction_id, :relayer_id, :created_at, :status, :failure_reason, :nonce,
        :request_json, :assignment_json, :history_json, :valid_until, :expires_at, :cancel_requested)
ON CONFLICT (transaction_id) DO NOTHING`

var getRecordQuery = `
SELECT transaction_id, relayer_id, created_at, status, failure_reason, nonce,
       request_json, assignment_json, history_json, valid_until, expires_at, cancel_requested
FROM transactions WHERE transaction_id = $1`

var listByRelayerStatusQuery = `
SELECT transaction_id, relayer_id, created_at, status, failure_reason, nonce,
       request_json, assignment_json, history_json, valid_until, expires_at, cancel_requested
FROM transactions WHERE relayer_id = $1 AND status = $2 ORDER BY created_at`

var listByRelayerQuery = `
SELECT transaction_id, relayer_id, created_at, status, failure_reason, nonce,
       request_json, assignment_json, history_json, valid_until, expires_at, cancel_requested
FROM transactions WHERE relayer_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`

var updateStatusQuery = `UPDATE transactions SET status = :status, failure_reason = :failure_reason WHERE transaction_id = :transaction_id`

var updateAssignmentQuery = `UPDATE transactions SET assignment_json = :assignment_json, nonce = :nonce WHERE transaction_id = :transaction_id`

var updateHistoryQuery = `UPDATE transactions SET history_json = :history_json WHERE transaction_id = :transaction_id`

var requestCancelQuery = `UPDATE transactions SET cancel_requested = TRUE WHERE transaction_id = $1`

// Store is the sqlx-backed TransactionStore implementation.
type Store struct {
	db                *sqlx.DB
	insertRecord      *sqlx.NamedStmt
	updateStatus      *sqlx.NamedStmt
	updateAssignment  *sqlx.NamedStmt
	updateHistory     *sqlx.NamedStmt
}

func New(postgresDSN string) (*Store, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)

	insertRecord, err := db.PrepareNamed(insertRecordQuery)
	if err != nil {
		return nil, fmt.Errorf("postgres: prepare insert: %w", err)
	}
	updateStatus, err := db.PrepareNamed(updateStatusQuery)
	if err != nil {
		return nil, fmt.Errorf("postgres: prepare update status: %w", err)
	}
	updateAssignment, err := db.PrepareNamed(updateAssignmentQuery)
	if err != nil {
		return nil, fmt.Errorf("postgres: prepare update assignment: %w", err)
	}
	updateHistory, err := db.PrepareNamed(updateHistoryQuery)
	if err != nil {
		return nil, fmt.Errorf("postgres: prepare update history: %w", err)
	}

	return &Store{
		db:               db,
		insertRecord:     insertRecord,
		updateStatus:     updateStatus,
		updateAssignment: updateAssignment,
		updateHistory:    updateHistory,
	}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying connection pool so other stores sharing this
// process (RelayerStore) reuse it instead of opening a second pool.
func (s *Store) DB() *sqlx.DB { return s.db }

func toDBRecord(r *relaymodel.Record) (*dbRecord, error) {
	requestJSON, err := json.Marshal(r.Request)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal request: %w", err)
	}
	historyJSON, err := json.Marshal(r.History)
	if err != nil {
		return nil, fmt.Errorf("postgres: marshal history: %w", err)
	}

	row := &dbRecord{
		TransactionID:   r.TransactionID,
		RelayerID:       r.RelayerID,
		CreatedAt:       r.CreatedAt,
		Status:          string(r.Status),
		RequestJSON:     requestJSON,
		HistoryJSON:     historyJSON,
		CancelRequested: r.CancelRequested,
	}
	if r.FailureReason != "" {
		row.FailureReason = sql.NullString{String: r.FailureReason, Valid: true}
	}
	if r.Assignment != nil {
		assignmentJSON, err := json.Marshal(r.Assignment)
		if err != nil {
			return nil, fmt.Errorf("postgres: marshal assignment: %w", err)
		}
		row.AssignmentJSON = sql.NullString{String: string(assignmentJSON), Valid: true}
		row.Nonce = sql.NullInt64{Int64: int64(r.Assignment.Nonce), Valid: true}
	}
	if r.ValidUntil != nil {
		row.ValidUntil = sql.NullTime{Time: *r.ValidUntil, Valid: true}
	}
	if r.ExpiresAt != nil {
		row.ExpiresAt = sql.NullTime{Time: *r.ExpiresAt, Valid: true}
	}
	return row, nil
}

func fromDBRecord(row *dbRecord) (*relaymodel.Record, error) {
	r := &relaymodel.Record{
		TransactionID:   row.TransactionID,
		RelayerID:       row.RelayerID,
		CreatedAt:       row.CreatedAt,
		Status:          relaymodel.Status(row.Status),
		CancelRequested: row.CancelRequested,
	}
	if err := json.Unmarshal(row.RequestJSON, &r.Request); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal request: %w", err)
	}
	if len(row.HistoryJSON) > 0 {
		if err := json.Unmarshal(row.HistoryJSON, &r.History); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal history: %w", err)
		}
	}
	if row.FailureReason.Valid {
		r.FailureReason = row.FailureReason.String
	}
	if row.AssignmentJSON.Valid {
		var a relaymodel.Assignment
		if err := json.Unmarshal([]byte(row.AssignmentJSON.String), &a); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal assignment: %w", err)
		}
		r.Assignment = &a
	}
	if row.ValidUntil.Valid {
		r.ValidUntil = &row.ValidUntil.Time
	}
	if row.ExpiresAt.Valid {
		r.ExpiresAt = &row.ExpiresAt.Time
	}
	return r, nil
}

func (s *Store) Create(ctx context.Context, record *relaymodel.Record) error {
	row, err := toDBRecord(record)
	if err != nil {
		return err
	}
	_, err = s.insertRecord.ExecContext(ctx, row)
	if err != nil {
		return fmt.Errorf("postgres: insert record: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, transactionID string) (*relaymodel.Record, error) {
	var row dbRecord
	err := s.db.GetContext(ctx, &row, getRecordQuery, transactionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, relaymodel.ErrTxNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get record: %w", err)
	}
	return fromDBRecord(&row)
}

func (s *Store) ListByRelayerStatus(ctx context.Context, relayerID string, status relaymodel.Status) ([]*relaymodel.Record, error) {
	var rows []dbRecord
	err := s.db.SelectContext(ctx, &rows, listByRelayerStatusQuery, relayerID, string(status))
	if err != nil {
		return nil, fmt.Errorf("postgres: list by relayer status: %w", err)
	}
	return fromDBRecords(rows)
}

func (s *Store) ListByRelayer(ctx context.Context, relayerID string, limit, offset int) ([]*relaymodel.Record, error) {
	var rows []dbRecord
	err := s.db.SelectContext(ctx, &rows, listByRelayerQuery, relayerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list by relayer: %w", err)
	}
	return fromDBRecords(rows)
}

func fromDBRecords(rows []dbRecord) ([]*relaymodel.Record, error) {
	out := make([]*relaymodel.Record, 0, len(rows))
	for i := range rows {
		r, err := fromDBRecord(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) UpdateStatus(ctx context.Context, transactionID string, status relaymodel.Status, failureReason string) error {
	args := map[string]any{
		"transaction_id": transactionID,
		"status":         string(status),
		"failure_reason": sql.NullString{},
	}
	if failureReason != "" {
		args["failure_reason"] = sql.NullString{String: failureReason, Valid: true}
	}
	_, err := s.updateStatus.ExecContext(ctx, args)
	if err != nil {
		return fmt.Errorf("postgres: update status: %w", err)
	}
	return nil
}

func (s *Store) SetAssignment(ctx context.Context, transactionID string, assignment relaymodel.Assignment) error {
	assignmentJSON, err := json.Marshal(assignment)
	if err != nil {
		return fmt.Errorf("postgres: marshal assignment: %w", err)
	}
	args := map[string]any{
		"transaction_id": transactionID,
		"assignment_json": sql.NullString{String: string(assignmentJSON), Valid: true},
		"nonce":           sql.NullInt64{Int64: int64(assignment.Nonce), Valid: true},
	}
	_, err = s.updateAssignment.ExecContext(ctx, args)
	if err != nil {
		return fmt.Errorf("postgres: update assignment: %w", err)
	}
	return nil
}

// RequestCancel sets cancel_requested; idempotent, and deliberately has
// no corresponding "clear" path, per spec.md §5.
func (s *Store) RequestCancel(ctx context.Context, transactionID string) error {
	_, err := s.db.ExecContext(ctx, requestCancelQuery, transactionID)
	if err != nil {
		return fmt.Errorf("postgres: request cancel: %w", err)
	}
	return nil
}

// AppendAttempt re-reads the record's history, appends idempotently by
// AttemptIndex, and writes the whole JSONB array back. This trades a
// round trip for the idempotency Record.AppendAttempt already provides,
// rather than re-implementing conflict detection in SQL.
func (s *Store) AppendAttempt(ctx context.Context, transactionID string, attempt relaymodel.Attempt) error {
	record, err := s.Get(ctx, transactionID)
	if err != nil {
		return err
	}
	record.AppendAttempt(attempt)
	historyJSON, err := json.Marshal(record.History)
	if err != nil {
		return fmt.Errorf("postgres: marshal history: %w", err)
	}
	_, err = s.updateHistory.ExecContext(ctx, map[string]any{
		"transaction_id": transactionID,
		"history_json":   historyJSON,
	})
	if err != nil {
		return fmt.Errorf("postgres: update history: %w", err)
	}
	return nil
}
