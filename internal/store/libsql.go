package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/stagehand/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Instances ---

const instanceColumns = "id, execution_id, account_id, graph_id, step_name, step_type, display_name, status, parent_instance_id, expiry_ts, document, created_at, updated_at"

func (s *LibSQLStore) SaveInstance(ctx context.Context, inst *ExecutionInstance) error {
	if inst == nil || inst.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "instance id is required")
	}
	inst.CreatedAt = timeOrNow(inst.CreatedAt)
	inst.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO execution_instances (`+instanceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.ExecutionID, nullStr(inst.AccountID), inst.GraphID, inst.StepName,
		nullStr(inst.StepType), inst.DisplayName, string(inst.Status), nullStr(inst.ParentInstanceID),
		inst.ExpiryTs, string(doc), inst.CreatedAt.UnixMilli(), inst.UpdatedAt.UnixMilli(),
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "instance %q already saved", inst.ID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetInstance(ctx context.Context, id string) (*ExecutionInstance, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM execution_instances WHERE id = ?`, id,
	).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("instance", id)
	}
	if err != nil {
		return nil, err
	}
	return decodeInstance(doc)
}

func (s *LibSQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*ExecutionInstance, error) {
	var where []string
	var args []any

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, filter.AccountID)
	}
	if filter.StepType != "" {
		where = append(where, "step_type = ?")
		args = append(args, filter.StepType)
	}
	if filter.ParentInstanceID != "" {
		where = append(where, "parent_instance_id = ?")
		args = append(args, filter.ParentInstanceID)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if !filter.CreatedSince.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, filter.CreatedSince.UnixMilli())
	}
	if filter.ExpiredBefore > 0 {
		where = append(where, "expiry_ts < ?")
		args = append(args, filter.ExpiredBefore)
	}

	query := "SELECT document FROM execution_instances"
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

	var out []*ExecutionInstance
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		inst, err := decodeInstance(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// ConditionalUpdate reads, mutates and writes back the instance in one
// transaction. The UPDATE is guarded on the status that was read, so a
// concurrent writer that committed first turns this call into applied=false.
func (s *LibSQLStore) ConditionalUpdate(ctx context.Context, id string, expected []schema.ExecutionStatus, mutate Mutation) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var doc string
	err = tx.QueryRowContext(ctx, `SELECT document FROM execution_instances WHERE id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return false, storeNotFound("instance", id)
	}
	if err != nil {
		return false, err
	}
	inst, err := decodeInstance(doc)
	if err != nil {
		return false, err
	}
	if !schema.ContainsStatus(expected, inst.Status) {
		return false, nil
	}
	prevStatus := inst.Status
	createdAt := inst.CreatedAt
	if err := mutate(inst); err != nil {
		return false, err
	}
	inst.ID = id
	inst.CreatedAt = createdAt
	inst.UpdatedAt = time.Now().UTC()

	next, err := json.Marshal(inst)
	if err != nil {
		return false, fmt.Errorf("marshal instance: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE execution_instances
		 SET status = ?, step_name = ?, step_type = ?, display_name = ?, expiry_ts = ?, document = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(inst.Status), inst.StepName, nullStr(inst.StepType), inst.DisplayName, inst.ExpiryTs,
		string(next), inst.UpdatedAt.UnixMilli(), id, string(prevStatus),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// --- Interrupts ---

func (s *LibSQLStore) SaveInterrupt(ctx context.Context, in *Interrupt) error {
	if in == nil || in.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "interrupt id is required")
	}
	props, err := marshalMapOrNil(in.Properties)
	if err != nil {
		return fmt.Errorf("marshal interrupt properties: %w", err)
	}
	in.CreatedAt = timeOrNow(in.CreatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO interrupts (id, type, execution_id, instance_id, account_id, seized, properties, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET seized=excluded.seized, properties=excluded.properties`,
		in.ID, string(in.Type), in.ExecutionID, nullStr(in.InstanceID), nullStr(in.AccountID),
		boolInt(in.Seized), props, in.CreatedAt.UnixMilli(),
	)
	return err
}

const interruptColumns = "id, type, execution_id, instance_id, account_id, seized, properties, created_at"

func (s *LibSQLStore) GetInterrupt(ctx context.Context, id string) (*Interrupt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+interruptColumns+` FROM interrupts WHERE id = ?`, id)
	in, err := scanInterrupt(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("interrupt", id)
	}
	return in, err
}

func (s *LibSQLStore) ListInterrupts(ctx context.Context, filter InterruptFilter) ([]*Interrupt, error) {
	var where []string
	var args []any

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if len(filter.Types) > 0 {
		marks := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "type IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.Seized != nil {
		where = append(where, "seized = ?")
		args = append(args, boolInt(*filter.Seized))
	}

	query := "SELECT " + interruptColumns + " FROM interrupts"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Interrupt
	for rows.Next() {
		in, err := scanInterrupt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) SeizeInterrupt(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE interrupts SET seized = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "interrupt", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInterrupt(row rowScanner) (*Interrupt, error) {
	in := &Interrupt{}
	var (
		typ                   string
		instanceID, accountID sql.NullString
		props                 sql.NullString
		seized                int
		createdAt             int64
	)
	if err := row.Scan(&in.ID, &typ, &in.ExecutionID, &instanceID, &accountID, &seized, &props, &createdAt); err != nil {
		return nil, err
	}
	in.Type = schema.InterruptType(typ)
	in.InstanceID = instanceID.String
	in.AccountID = accountID.String
	in.Seized = seized != 0
	in.CreatedAt = time.UnixMilli(createdAt).UTC()
	if props.Valid && props.String != "" {
		if err := json.Unmarshal([]byte(props.String), &in.Properties); err != nil {
			return nil, fmt.Errorf("unmarshal interrupt properties: %w", err)
		}
	}
	return in, nil
}

// --- Helpers ---

func decodeInstance(doc string) (*ExecutionInstance, error) {
	inst := &ExecutionInstance{}
	if err := json.Unmarshal([]byte(doc), inst); err != nil {
		return nil, fmt.Errorf("unmarshal instance: %w", err)
	}
	return inst, nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "primary key")
}

func storeNotFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalMapOrNil(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
