package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the interface for rule and execution persistence.
//
// Every method applies the soft-delete predicate itself: rules or
// executions with deleted_at set are never returned, matched, swept or
// mutated. Execution status changes are compare-and-swap so a record is
// finalised exactly once.
type Repository interface {
	// Rule CRUD
	CreateRule(ctx context.Context, rule *Rule) error
	GetRule(ctx context.Context, id string) (*Rule, error)
	ListRules(ctx context.Context, filter RuleFilter) ([]Rule, error)
	UpdateRule(ctx context.Context, rule *Rule) error
	SoftDeleteRule(ctx context.Context, id string, at time.Time) error

	// Rule selection for fan-out and sweep (enabled, Active, live only)
	ListRulesByTrigger(ctx context.Context, trigger string) ([]Rule, error)
	ListDueRules(ctx context.Context, now time.Time) ([]Rule, error)
	SetNextExecution(ctx context.Context, id string, next *time.Time) error
	SetNextExecutionIfUnset(ctx context.Context, id string, next time.Time) (bool, error)

	// Aggregates
	RecordRuleExecution(ctx context.Context, ruleID string, exec *Execution) error
	CountRules(ctx context.Context) (total, active int, err error)

	// Execution lifecycle
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, ruleID string, filter ExecutionFilter) ([]Execution, error)
	StartExecution(ctx context.Context, id string, at time.Time) error
	AppendActionResult(ctx context.Context, id string, result ActionResult) error
	FinishExecution(ctx context.Context, exec *Execution) error
	CancelExecution(ctx context.Context, id, reason string, at time.Time) error
	SoftDeleteExecutionsBefore(ctx context.Context, cutoff, at time.Time) (int64, error)
	ExecutionStats(ctx context.Context) (total, successful int, err error)
}

// timeFormat is fixed-width so stored timestamps compare lexically.
const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// Execution list bounds.
const (
	defaultExecutionLimit = 50
	maxExecutionLimit     = 500
)

// ruleColumns is the SELECT column list for rule queries.
const ruleColumns = `id, name, description, category, tags, created_by, enabled, status,
			triggers, conditions, actions, schedule, next_execution_at, configuration,
			metrics, created_at, updated_at, deleted_at`

// executionColumns is the SELECT column list for execution queries.
const executionColumns = `id, rule_id, triggered_by, context, status, success, message,
			action_results, created_at, started_at, completed_at, duration_ms, deleted_at`

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// CreateRule inserts a new rule.
func (r *SQLiteRepository) CreateRule(ctx context.Context, rule *Rule) error {
	cols, err := marshalRuleColumns(rule)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	query := `
		INSERT INTO automation_rules (
			id, name, description, category, tags, created_by, enabled, status,
			triggers, conditions, actions, schedule, next_execution_at, configuration,
			metrics, priority, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		rule.ID,
		rule.Name,
		rule.Description,
		rule.Category,
		cols.tags,
		rule.CreatedBy,
		boolToInt(rule.Enabled),
		string(rule.Status),
		cols.triggers,
		cols.conditions,
		cols.actions,
		cols.schedule,
		cols.configuration,
		cols.metrics,
		rule.Configuration.Priority,
		formatTime(rule.CreatedAt),
		formatTime(rule.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrRuleExists
		}
		return fmt.Errorf("inserting rule: %w", err)
	}
	return nil
}

// GetRule retrieves a live rule by its unique identifier.
func (r *SQLiteRepository) GetRule(ctx context.Context, id string) (*Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM automation_rules WHERE id = ? AND deleted_at IS NULL`

	rule, err := scanRuleRow(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("querying rule by id: %w", err)
	}
	return rule, nil
}

// ListRules retrieves live rules ordered by name.
func (r *SQLiteRepository) ListRules(ctx context.Context, filter RuleFilter) ([]Rule, error) {
	var where []string
	var args []any
	where = append(where, "deleted_at IS NULL")
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, filter.Category)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.IncludeDisabled {
		where = append(where, "enabled = 1")
	}

	query := `SELECT ` + ruleColumns + ` FROM automation_rules WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY name`
	return r.queryRules(ctx, query, args...)
}

// UpdateRule replaces the definition of a live rule. Metrics are owned by
// RecordRuleExecution and the due time by SetNextExecution and
// SetNextExecutionIfUnset; neither is written here, so a stale copy cannot
// roll back a sweep that advanced the rule in the meantime.
func (r *SQLiteRepository) UpdateRule(ctx context.Context, rule *Rule) error {
	cols, err := marshalRuleColumns(rule)
	if err != nil {
		return err
	}

	rule.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE automation_rules SET
			name = ?, description = ?, category = ?, tags = ?, enabled = ?, status = ?,
			triggers = ?, conditions = ?, actions = ?, schedule = ?,
			configuration = ?, priority = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`

	result, err := r.db.ExecContext(ctx, query,
		rule.Name,
		rule.Description,
		rule.Category,
		cols.tags,
		boolToInt(rule.Enabled),
		string(rule.Status),
		cols.triggers,
		cols.conditions,
		cols.actions,
		cols.schedule,
		cols.configuration,
		rule.Configuration.Priority,
		formatTime(rule.UpdatedAt),
		rule.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrRuleExists
		}
		return fmt.Errorf("updating rule: %w", err)
	}
	return expectOneRow(result, ErrRuleNotFound)
}

// SoftDeleteRule marks a live rule deleted. Deletion is terminal.
func (r *SQLiteRepository) SoftDeleteRule(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE automation_rules SET deleted_at = ?, updated_at = ?, next_execution_at = NULL
		 WHERE id = ? AND deleted_at IS NULL`,
		formatTime(at), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("deleting rule: %w", err)
	}
	return expectOneRow(result, ErrRuleNotFound)
}

// ListRulesByTrigger retrieves live, enabled, Active rules listening for trigger.
func (r *SQLiteRepository) ListRulesByTrigger(ctx context.Context, trigger string) ([]Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM automation_rules
		WHERE deleted_at IS NULL AND enabled = 1 AND status = ?
		  AND EXISTS (
			SELECT 1 FROM json_each(automation_rules.triggers) t
			WHERE json_extract(t.value, '$.name') = ?
		  )
		ORDER BY priority DESC, name`
	return r.queryRules(ctx, query, string(RuleActive), trigger)
}

// ListDueRules retrieves live, enabled, Active scheduled rules due at or before now,
// highest priority first.
func (r *SQLiteRepository) ListDueRules(ctx context.Context, now time.Time) ([]Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM automation_rules
		WHERE deleted_at IS NULL AND enabled = 1 AND status = ?
		  AND schedule IS NOT NULL
		  AND next_execution_at IS NOT NULL AND next_execution_at <= ?
		ORDER BY priority DESC, next_execution_at`
	return r.queryRules(ctx, query, string(RuleActive), formatTime(now))
}

// SetNextExecution stores the next due time of a live rule; nil clears it.
func (r *SQLiteRepository) SetNextExecution(ctx context.Context, id string, next *time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE automation_rules SET next_execution_at = ? WHERE id = ? AND deleted_at IS NULL`,
		nullableTime(next), id)
	if err != nil {
		return fmt.Errorf("setting next execution: %w", err)
	}
	return expectOneRow(result, ErrRuleNotFound)
}

// SetNextExecutionIfUnset stores next only when the rule has no due time.
// It reports whether the row was changed; a rule that already has a due
// time, or no longer exists, is left alone.
func (r *SQLiteRepository) SetNextExecutionIfUnset(ctx context.Context, id string, next time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE automation_rules SET next_execution_at = ?
		 WHERE id = ? AND deleted_at IS NULL AND next_execution_at IS NULL`,
		formatTime(next), id)
	if err != nil {
		return false, fmt.Errorf("setting next execution: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n > 0, nil
}

// RecordRuleExecution folds a finished execution into the rule's metrics
// inside a single transaction.
func (r *SQLiteRepository) RecordRuleExecution(ctx context.Context, ruleID string, exec *Execution) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var metricsJSON string
	err = tx.QueryRowContext(ctx,
		`SELECT metrics FROM automation_rules WHERE id = ? AND deleted_at IS NULL`, ruleID,
	).Scan(&metricsJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrRuleNotFound
		}
		return fmt.Errorf("reading metrics: %w", err)
	}

	var m Metrics
	if err := unmarshalColumn(metricsJSON, &m); err != nil {
		return fmt.Errorf("unmarshalling metrics: %w", err)
	}
	m.Record(exec)

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshalling metrics: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE automation_rules SET metrics = ? WHERE id = ?`, string(data), ruleID,
	); err != nil {
		return fmt.Errorf("writing metrics: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing metrics: %w", err)
	}
	return nil
}

// CountRules returns the number of live rules and of those enabled and Active.
func (r *SQLiteRepository) CountRules(ctx context.Context) (total, active int, err error) {
	err = r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN enabled = 1 AND status = ? THEN 1 ELSE 0 END), 0)
		FROM automation_rules WHERE deleted_at IS NULL`, string(RuleActive),
	).Scan(&total, &active)
	if err != nil {
		return 0, 0, fmt.Errorf("counting rules: %w", err)
	}
	return total, active, nil
}

// CreateExecution inserts a new execution record.
func (r *SQLiteRepository) CreateExecution(ctx context.Context, exec *Execution) error {
	contextJSON, err := marshalColumn(exec.Context, "{}")
	if err != nil {
		return fmt.Errorf("marshalling context: %w", err)
	}
	resultsJSON, err := marshalColumn(exec.ActionResults, "[]")
	if err != nil {
		return fmt.Errorf("marshalling action results: %w", err)
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO rule_executions (
			id, rule_id, triggered_by, context, status, success, message,
			action_results, created_at, started_at, completed_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		exec.ID,
		exec.RuleID,
		exec.TriggeredBy,
		contextJSON,
		string(exec.Status),
		boolToInt(exec.Success),
		exec.Message,
		resultsJSON,
		formatTime(exec.CreatedAt),
		nullableTime(exec.StartedAt),
		nullableTime(exec.CompletedAt),
		nullableInt64(exec.DurationMS),
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// GetExecution retrieves a live execution by ID.
func (r *SQLiteRepository) GetExecution(ctx context.Context, id string) (*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM rule_executions WHERE id = ? AND deleted_at IS NULL`

	exec, err := scanExecutionRow(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, fmt.Errorf("querying execution: %w", err)
	}
	return exec, nil
}

// ListExecutions retrieves live executions for a rule, newest first.
func (r *SQLiteRepository) ListExecutions(ctx context.Context, ruleID string, filter ExecutionFilter) ([]Execution, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultExecutionLimit
	}
	if limit > maxExecutionLimit {
		limit = maxExecutionLimit
	}
	offset := max(filter.Offset, 0)

	where := []string{"rule_id = ?", "deleted_at IS NULL"}
	args := []any{ruleID}
	if filter.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(*filter.From))
	}
	if filter.To != nil {
		where = append(where, "created_at <= ?")
		args = append(args, formatTime(*filter.To))
	}
	args = append(args, limit, offset)

	query := `SELECT ` + executionColumns + ` FROM rule_executions WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	executions := []Execution{}
	for rows.Next() {
		exec, scanErr := scanExecutionRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning execution: %w", scanErr)
		}
		executions = append(executions, *exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating executions: %w", err)
	}
	return executions, nil
}

// StartExecution moves a pending execution to running.
func (r *SQLiteRepository) StartExecution(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE rule_executions SET status = ?, started_at = ?
		 WHERE id = ? AND status = ? AND deleted_at IS NULL`,
		string(StatusRunning), formatTime(at), id, string(StatusPending))
	if err != nil {
		return fmt.Errorf("starting execution: %w", err)
	}
	return expectOneRow(result, ErrExecutionFinished)
}

// AppendActionResult appends one result to a running execution.
func (r *SQLiteRepository) AppendActionResult(ctx context.Context, id string, res ActionResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshalling action result: %w", err)
	}
	result, err := r.db.ExecContext(ctx,
		`UPDATE rule_executions SET action_results = json_insert(action_results, '$[#]', json(?))
		 WHERE id = ? AND status = ? AND deleted_at IS NULL`,
		string(data), id, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("appending action result: %w", err)
	}
	return expectOneRow(result, ErrExecutionFinished)
}

// FinishExecution moves a running execution to its terminal state.
// Returns ErrExecutionFinished when the execution was already finalised
// (for example cancelled concurrently).
func (r *SQLiteRepository) FinishExecution(ctx context.Context, exec *Execution) error {
	resultsJSON, err := marshalColumn(exec.ActionResults, "[]")
	if err != nil {
		return fmt.Errorf("marshalling action results: %w", err)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE rule_executions SET
			status = ?, success = ?, message = ?, action_results = ?,
			completed_at = ?, duration_ms = ?
		WHERE id = ? AND status = ? AND deleted_at IS NULL`,
		string(exec.Status),
		boolToInt(exec.Success),
		exec.Message,
		resultsJSON,
		nullableTime(exec.CompletedAt),
		nullableInt64(exec.DurationMS),
		exec.ID,
		string(StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("finishing execution: %w", err)
	}
	return expectOneRow(result, ErrExecutionFinished)
}

// CancelExecution moves a running execution to cancelled.
func (r *SQLiteRepository) CancelExecution(ctx context.Context, id, reason string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE rule_executions SET
			status = ?, success = 0, message = ?, completed_at = ?,
			duration_ms = CAST((julianday(?) - julianday(COALESCE(started_at, created_at))) * 86400000 AS INTEGER)
		WHERE id = ? AND status = ? AND deleted_at IS NULL`,
		string(StatusCancelled), reason, formatTime(at), formatTime(at), id, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("cancelling execution: %w", err)
	}
	return expectOneRow(result, ErrExecutionFinished)
}

// SoftDeleteExecutionsBefore soft-deletes terminal executions created before
// cutoff. Pending and running executions are never touched.
func (r *SQLiteRepository) SoftDeleteExecutionsBefore(ctx context.Context, cutoff, at time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE rule_executions SET deleted_at = ?
		WHERE deleted_at IS NULL AND created_at < ? AND status IN (?, ?, ?)`,
		formatTime(at), formatTime(cutoff),
		string(StatusCompleted), string(StatusFailed), string(StatusCancelled))
	if err != nil {
		return 0, fmt.Errorf("cleaning up executions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

// ExecutionStats counts live executions and the successful ones.
func (r *SQLiteRepository) ExecutionStats(ctx context.Context) (total, successful int, err error) {
	err = r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(success), 0)
		FROM rule_executions WHERE deleted_at IS NULL`,
	).Scan(&total, &successful)
	if err != nil {
		return 0, 0, fmt.Errorf("counting executions: %w", err)
	}
	return total, successful, nil
}

// queryRules executes a query and returns a slice of rules.
func (r *SQLiteRepository) queryRules(ctx context.Context, query string, args ...any) ([]Rule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying rules: %w", err)
	}
	defer rows.Close()

	rules := []Rule{}
	for rows.Next() {
		rule, scanErr := scanRuleRow(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning rule: %w", scanErr)
		}
		rules = append(rules, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rules: %w", err)
	}
	return rules, nil
}

// ─── Row Scanning Helpers ───────────────────────────────────────────────────

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRuleRow(scanner rowScanner) (*Rule, error) {
	var rule Rule
	var tags, triggers, conditions, actions, configuration, metrics string
	var schedule, nextExecution, deletedAt sql.NullString
	var createdAt, updatedAt, status string
	var enabled int

	err := scanner.Scan(
		&rule.ID,
		&rule.Name,
		&rule.Description,
		&rule.Category,
		&tags,
		&rule.CreatedBy,
		&enabled,
		&status,
		&triggers,
		&conditions,
		&actions,
		&schedule,
		&nextExecution,
		&configuration,
		&metrics,
		&createdAt,
		&updatedAt,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.Enabled = enabled != 0
	rule.Status = RuleStatus(status)
	rule.CreatedAt = parseTime(createdAt)
	rule.UpdatedAt = parseTime(updatedAt)
	rule.NextExecutionAt = parseNullTime(nextExecution)
	rule.DeletedAt = parseNullTime(deletedAt)

	for _, col := range []struct {
		name string
		raw  string
		dst  any
	}{
		{"tags", tags, &rule.Tags},
		{"triggers", triggers, &rule.Triggers},
		{"conditions", conditions, &rule.Conditions},
		{"actions", actions, &rule.Actions},
		{"configuration", configuration, &rule.Configuration},
		{"metrics", metrics, &rule.Metrics},
	} {
		if jsonErr := unmarshalColumn(col.raw, col.dst); jsonErr != nil {
			return nil, fmt.Errorf("unmarshalling %s: %w", col.name, jsonErr)
		}
	}
	if schedule.Valid {
		rule.Schedule = &Schedule{}
		if jsonErr := unmarshalColumn(schedule.String, rule.Schedule); jsonErr != nil {
			return nil, fmt.Errorf("unmarshalling schedule: %w", jsonErr)
		}
	}

	if rule.Triggers == nil {
		rule.Triggers = []Trigger{}
	}
	if rule.Conditions == nil {
		rule.Conditions = []Condition{}
	}
	if rule.Actions == nil {
		rule.Actions = []Action{}
	}
	return &rule, nil
}

func scanExecutionRow(scanner rowScanner) (*Execution, error) {
	var e Execution
	var contextJSON, resultsJSON, status, createdAt string
	var startedAt, completedAt, deletedAt sql.NullString
	var durationMS sql.NullInt64
	var success int

	err := scanner.Scan(
		&e.ID,
		&e.RuleID,
		&e.TriggeredBy,
		&contextJSON,
		&status,
		&success,
		&e.Message,
		&resultsJSON,
		&createdAt,
		&startedAt,
		&completedAt,
		&durationMS,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = ExecutionStatus(status)
	e.Success = success != 0
	e.CreatedAt = parseTime(createdAt)
	e.StartedAt = parseNullTime(startedAt)
	e.CompletedAt = parseNullTime(completedAt)
	e.DeletedAt = parseNullTime(deletedAt)
	if durationMS.Valid {
		d := durationMS.Int64
		e.DurationMS = &d
	}

	if jsonErr := unmarshalColumn(contextJSON, &e.Context); jsonErr != nil {
		return nil, fmt.Errorf("unmarshalling context: %w", jsonErr)
	}
	if jsonErr := unmarshalColumn(resultsJSON, &e.ActionResults); jsonErr != nil {
		return nil, fmt.Errorf("unmarshalling action results: %w", jsonErr)
	}
	if e.ActionResults == nil {
		e.ActionResults = []ActionResult{}
	}
	return &e, nil
}

// ─── SQL Helpers ────────────────────────────────────────────────────────────

type ruleJSONColumns struct {
	tags, triggers, conditions, actions, configuration, metrics string
	schedule                                                    sql.NullString
}

func marshalRuleColumns(rule *Rule) (ruleJSONColumns, error) {
	var cols ruleJSONColumns
	var err error
	if cols.tags, err = marshalColumn(rule.Tags, "[]"); err != nil {
		return cols, fmt.Errorf("marshalling tags: %w", err)
	}
	if cols.triggers, err = marshalColumn(rule.Triggers, "[]"); err != nil {
		return cols, fmt.Errorf("marshalling triggers: %w", err)
	}
	if cols.conditions, err = marshalColumn(rule.Conditions, "[]"); err != nil {
		return cols, fmt.Errorf("marshalling conditions: %w", err)
	}
	if cols.actions, err = marshalColumn(rule.Actions, "[]"); err != nil {
		return cols, fmt.Errorf("marshalling actions: %w", err)
	}
	if cols.configuration, err = marshalColumn(rule.Configuration, "{}"); err != nil {
		return cols, fmt.Errorf("marshalling configuration: %w", err)
	}
	if cols.metrics, err = marshalColumn(rule.Metrics, "{}"); err != nil {
		return cols, fmt.Errorf("marshalling metrics: %w", err)
	}
	if rule.Schedule != nil {
		s, err := marshalColumn(rule.Schedule, "")
		if err != nil {
			return cols, fmt.Errorf("marshalling schedule: %w", err)
		}
		cols.schedule = sql.NullString{String: s, Valid: true}
	}
	return cols, nil
}

// marshalColumn encodes v as JSON, substituting empty for nil slices and maps.
func marshalColumn(v any, empty string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

func unmarshalColumn(raw string, dst any) error {
	if raw == "" || raw == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return time.Time{}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullableInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// expectOneRow maps a zero-row update to notFound.
func expectOneRow(result sql.Result, notFound error) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return notFound
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") ||
		strings.Contains(msg, "unique constraint")
}
