package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"
	_ "modernc.org/sqlite"

	"github.com/rendis/opflow/pkg/schema"
)

// Supported database/sql driver names.
const (
	DriverLibSQL = "libsql"
	DriverSQLite = "sqlite"
)

// SQLStore implements Store on an embedded SQLite-compatible database.
// libSQL is the default driver; modernc's pure-Go sqlite is the alternative
// for builds without cgo.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// Open opens the database at dsn with the named driver, e.g. "file:/path/to/opflow.db".
func Open(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case "", DriverLibSQL:
		driver = DriverLibSQL
	case DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	// One writer keeps checkpoint transactions strictly serialized.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so they go through QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &SQLStore{db: db, driver: driver}, nil
}

// NewLibSQLStore opens a libSQL database.
func NewLibSQLStore(dsn string) (*SQLStore, error) {
	return Open(DriverLibSQL, dsn)
}

// Driver returns the database/sql driver name in use.
func (s *SQLStore) Driver() string { return s.driver }

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Sessions ---

const sessionColumns = `id, workflow_id, status, current_node, current_batch_index, context, last_error,
	pending_question, remote, version, created_at, started_at, completed_at, updated_at`

func (s *SQLStore) CreateState(ctx context.Context, state *ExecutionState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanState(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, state.ID))
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return fmt.Errorf("check session: %w", err)
	default:
		if err := checkReplace(existing); err != nil {
			return err
		}
		for _, q := range []string{
			`DELETE FROM session_events WHERE session_id = ?`,
			`DELETE FROM step_results WHERE session_id = ?`,
			`DELETE FROM sessions WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, state.ID); err != nil {
				return fmt.Errorf("replace session: %w", err)
			}
		}
	}

	now := nowUTC()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	state.UpdatedAt = now
	row, err := encodeState(state)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?)`,
		state.ID, state.WorkflowID, string(state.Status), state.CurrentNode, state.CurrentBatchIndex,
		row.context, nullStr(state.LastError), row.pendingQuestion, row.remote,
		formatTime(state.CreatedAt), row.startedAt, row.completedAt, formatTime(state.UpdatedAt),
	); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	for i, r := range state.History {
		if err := insertResult(ctx, tx, state.ID, i, r); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session: %w", err)
	}
	state.Version = 1
	return nil
}

func (s *SQLStore) LoadState(ctx context.Context, id string) (*ExecutionState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	state, err := scanState(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("session", id)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT result FROM step_results WHERE session_id = ? ORDER BY idx ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var r schema.StepResult
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("decode history of %q: %w", id, err)
		}
		state.History = append(state.History, &r)
	}
	return state, rows.Err()
}

func (s *SQLStore) SaveState(ctx context.Context, state *ExecutionState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := updateState(ctx, tx, state); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session: %w", err)
	}
	state.Version++
	return nil
}

func (s *SQLStore) AppendHistory(ctx context.Context, sessionID string, index int, result *schema.StepResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertResult(ctx, tx, sessionID, index, result); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) Checkpoint(ctx context.Context, cp Checkpoint) error {
	if cp.State == nil {
		return schema.NewError(schema.ErrCodeStore, "checkpoint without state")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := updateState(ctx, tx, cp.State); err != nil {
		return err
	}
	if cp.Result != nil {
		if err := insertResult(ctx, tx, cp.State.ID, cp.State.CurrentBatchIndex-1, cp.Result); err != nil {
			return err
		}
	}
	if err := insertEvents(ctx, tx, cp.State.ID, cp.Events); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	cp.State.Version++
	return nil
}

func (s *SQLStore) ListStates(ctx context.Context, filter StateFilter) ([]*ExecutionState, error) {
	var where []string
	var args []any

	if len(filter.Status) > 0 {
		marks := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.RemoteOnly {
		where = append(where, "remote IS NOT NULL")
	}
	if filter.UpdatedBefore != nil {
		where = append(where, "updated_at < ?")
		args = append(args, formatTime(*filter.UpdatedBefore))
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*ExecutionState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// --- Events ---

func (s *SQLStore) ListEvents(ctx context.Context, sessionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, step_id, event_type, payload, timestamp, sequence
		 FROM session_events WHERE session_id = ? AND sequence > ? ORDER BY sequence ASC`,
		sessionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		var ts string
		if err := rows.Scan(&e.ID, &e.SessionID, &stepID, &e.Type, &payload, &ts, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Transaction helpers ---

func updateState(ctx context.Context, tx *sql.Tx, state *ExecutionState) error {
	state.UpdatedAt = nowUTC()
	row, err := encodeState(state)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET workflow_id = ?, status = ?, current_node = ?, current_batch_index = ?, context = ?,
		 last_error = ?, pending_question = ?, remote = ?, version = version + 1,
		 started_at = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND version = ?`,
		state.WorkflowID, string(state.Status), state.CurrentNode, state.CurrentBatchIndex, row.context,
		nullStr(state.LastError), row.pendingQuestion, row.remote,
		row.startedAt, row.completedAt, formatTime(state.UpdatedAt),
		state.ID, state.Version,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var one int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, state.ID).Scan(&one); err == sql.ErrNoRows {
		return storeNotFound("session", state.ID)
	}
	return versionConflict(state.ID, state.Version)
}

func insertResult(ctx context.Context, tx *sql.Tx, sessionID string, index int, result *schema.StepResult) error {
	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM step_results WHERE session_id = ?`, sessionID,
	).Scan(&count); err != nil {
		return fmt.Errorf("count history: %w", err)
	}
	if index != count {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"history of %q has %d entries, cannot write position %d", sessionID, count, index)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal step result: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO step_results (session_id, idx, step_id, status, result, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, index, result.StepID, string(result.Status), string(raw), formatTime(nowUTC()),
	); err != nil {
		return fmt.Errorf("insert step result: %w", err)
	}
	return nil
}

func insertEvents(ctx context.Context, tx *sql.Tx, sessionID string, events []*Event) error {
	if len(events) == 0 {
		return nil
	}
	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM session_events WHERE session_id = ?`, sessionID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	for _, e := range events {
		seq++
		prepareEvent(e, sessionID, seq)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_events (id, session_id, step_id, event_type, payload, timestamp, sequence)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ID, sessionID, nullStr(e.StepID), e.Type, nullRaw(e.Payload), formatTime(e.Timestamp), e.Sequence,
		); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}
	return nil
}

// prepareEvent fills the store-assigned fields of an event.
func prepareEvent(e *Event, sessionID string, seq int64) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = nowUTC()
	}
	e.SessionID = sessionID
	e.Sequence = seq
}

// --- Row encoding ---

type sessionRow struct {
	context         string
	pendingQuestion any
	remote          any
	startedAt       any
	completedAt     any
}

func encodeState(state *ExecutionState) (*sessionRow, error) {
	ctxJSON, err := json.Marshal(nonNilMap(state.Context))
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}
	row := &sessionRow{
		context:     string(ctxJSON),
		startedAt:   nullTime(state.StartedAt),
		completedAt: nullTime(state.CompletedAt),
	}
	if state.PendingQuestion != nil {
		b, err := json.Marshal(state.PendingQuestion)
		if err != nil {
			return nil, fmt.Errorf("marshal pending question: %w", err)
		}
		row.pendingQuestion = string(b)
	}
	if state.Remote != nil {
		b, err := json.Marshal(state.Remote)
		if err != nil {
			return nil, fmt.Errorf("marshal remote link: %w", err)
		}
		row.remote = string(b)
	}
	return row, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(sc rowScanner) (*ExecutionState, error) {
	st := &ExecutionState{}
	var (
		status, ctxJSON, createdAt, updatedAt string
		lastError, pending, remote            sql.NullString
		startedAt, completedAt                sql.NullString
	)
	if err := sc.Scan(&st.ID, &st.WorkflowID, &status, &st.CurrentNode, &st.CurrentBatchIndex, &ctxJSON,
		&lastError, &pending, &remote, &st.Version, &createdAt, &startedAt, &completedAt, &updatedAt); err != nil {
		return nil, err
	}
	st.Status = schema.ExecutionStatus(status)
	st.LastError = lastError.String

	if err := json.Unmarshal([]byte(ctxJSON), &st.Context); err != nil {
		return nil, fmt.Errorf("decode context of %q: %w", st.ID, err)
	}
	if pending.Valid {
		st.PendingQuestion = &PendingQuestion{}
		if err := json.Unmarshal([]byte(pending.String), st.PendingQuestion); err != nil {
			return nil, fmt.Errorf("decode pending question of %q: %w", st.ID, err)
		}
	}
	if remote.Valid {
		st.Remote = &RemoteLink{}
		if err := json.Unmarshal([]byte(remote.String), st.Remote); err != nil {
			return nil, fmt.Errorf("decode remote link of %q: %w", st.ID, err)
		}
	}

	var err error
	if st.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if st.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if st.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if st.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	return st, nil
}

// --- Helpers ---

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func nowUTC() time.Time { return time.Now().UTC() }

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
