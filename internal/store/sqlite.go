// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite.
// ABOUTME: Provides roster/script/execution persistence with automatic schema creation.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path. The schema is
// automatically created if it doesn't exist. Parent directories are created
// if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS computers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'offline',
			agent_version TEXT NOT NULL DEFAULT '',
			max_browsers INTEGER NOT NULL DEFAULT 10,
			last_seen_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS profiles (
			id TEXT PRIMARY KEY,
			computer_id TEXT NOT NULL REFERENCES computers(id),
			name TEXT NOT NULL,
			automation_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_profiles_computer ON profiles(computer_id);

		CREATE TABLE IF NOT EXISTS scripts (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			actions TEXT NOT NULL,
			duration_minutes INTEGER NOT NULL DEFAULT 15,
			randomize_order INTEGER NOT NULL DEFAULT 0,
			repeat_count INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL DEFAULT 'draft',
			is_template INTEGER NOT NULL DEFAULT 0,
			tags TEXT NOT NULL DEFAULT '[]',
			success_rate INTEGER NOT NULL DEFAULT 0,
			times_used INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			batch_id TEXT NOT NULL,
			script_id TEXT NOT NULL REFERENCES scripts(id),
			profile_id TEXT NOT NULL REFERENCES profiles(id),
			computer_id TEXT NOT NULL REFERENCES computers(id),
			status TEXT NOT NULL DEFAULT 'queued',
			progress INTEGER NOT NULL DEFAULT 0,
			actions_completed INTEGER NOT NULL DEFAULT 0,
			actions_failed INTEGER NOT NULL DEFAULT 0,
			log TEXT NOT NULL DEFAULT '[]',
			error TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_executions_batch ON executions(batch_id);
		CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateComputer inserts a roster entry for an agent machine.
func (s *SQLiteStore) CreateComputer(ctx context.Context, c *Computer) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = ComputerOffline
	}
	if c.MaxBrowsers == 0 {
		c.MaxBrowsers = 10
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO computers (id, name, status, agent_version, max_browsers, last_seen_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Status, c.AgentVersion, c.MaxBrowsers, c.LastSeenAt, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting computer: %w", err)
	}
	return nil
}

// GetComputer retrieves a computer by id.
func (s *SQLiteStore) GetComputer(ctx context.Context, id string) (*Computer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, agent_version, max_browsers, last_seen_at, created_at, updated_at
		FROM computers WHERE id = ?`, id)
	return scanComputer(row)
}

// ListComputers returns the full persisted roster.
func (s *SQLiteStore) ListComputers(ctx context.Context) ([]*Computer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, status, agent_version, max_browsers, last_seen_at, created_at, updated_at
		FROM computers ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing computers: %w", err)
	}
	defer rows.Close()

	var computers []*Computer
	for rows.Next() {
		c, err := scanComputer(rows)
		if err != nil {
			return nil, err
		}
		computers = append(computers, c)
	}
	return computers, rows.Err()
}

// SetComputerStatus flips the persisted online/offline status and stamps
// last_seen_at when transitioning to online.
func (s *SQLiteStore) SetComputerStatus(ctx context.Context, id, status string) error {
	now := time.Now().UTC()
	var res sql.Result
	var err error
	if status == ComputerOnline {
		res, err = s.db.ExecContext(ctx,
			`UPDATE computers SET status = ?, last_seen_at = ?, updated_at = ? WHERE id = ?`,
			status, now, now, id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE computers SET status = ?, updated_at = ? WHERE id = ?`,
			status, now, id)
	}
	if err != nil {
		return fmt.Errorf("updating computer status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateProfile inserts a browser profile owned by a computer.
func (s *SQLiteStore) CreateProfile(ctx context.Context, p *Profile) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, computer_id, name, automation_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.ComputerID, p.Name, p.AutomationID, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting profile: %w", err)
	}
	return nil
}

// GetProfile retrieves a profile by id.
func (s *SQLiteStore) GetProfile(ctx context.Context, id string) (*Profile, error) {
	p := &Profile{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, computer_id, name, automation_id, created_at
		FROM profiles WHERE id = ?`, id).
		Scan(&p.ID, &p.ComputerID, &p.Name, &p.AutomationID, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting profile: %w", err)
	}
	return p, nil
}

// ListProfilesByComputer returns all profiles owned by one computer.
func (s *SQLiteStore) ListProfilesByComputer(ctx context.Context, computerID string) ([]*Profile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, computer_id, name, automation_id, created_at
		FROM profiles WHERE computer_id = ? ORDER BY created_at`, computerID)
	if err != nil {
		return nil, fmt.Errorf("listing profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*Profile
	for rows.Next() {
		p := &Profile{}
		if err := rows.Scan(&p.ID, &p.ComputerID, &p.Name, &p.AutomationID, &p.CreatedAt); err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// CreateScript inserts a warming script.
func (s *SQLiteStore) CreateScript(ctx context.Context, sc *Script) error {
	now := time.Now().UTC()
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = now
	}
	sc.UpdatedAt = now
	if sc.Status == "" {
		sc.Status = ScriptActive
	}
	if sc.RepeatCount == 0 {
		sc.RepeatCount = 1
	}
	if sc.DurationMinutes == 0 {
		sc.DurationMinutes = 15
	}

	actions, err := json.Marshal(sc.Actions)
	if err != nil {
		return fmt.Errorf("encoding actions: %w", err)
	}
	tags, err := json.Marshal(sc.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scripts (id, name, description, category, actions, duration_minutes,
			randomize_order, repeat_count, status, is_template, tags, success_rate,
			times_used, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.Name, sc.Description, sc.Category, string(actions), sc.DurationMinutes,
		sc.RandomizeOrder, sc.RepeatCount, sc.Status, sc.IsTemplate, string(tags),
		sc.SuccessRate, sc.TimesUsed, sc.CreatedAt, sc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting script: %w", err)
	}
	return nil
}

// GetScript retrieves a script by id.
func (s *SQLiteStore) GetScript(ctx context.Context, id string) (*Script, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, category, actions, duration_minutes, randomize_order,
			repeat_count, status, is_template, tags, success_rate, times_used, created_at, updated_at
		FROM scripts WHERE id = ?`, id)
	return scanScript(row)
}

// ListScripts returns up to limit scripts, most recent first.
func (s *SQLiteStore) ListScripts(ctx context.Context, limit int) ([]*Script, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, category, actions, duration_minutes, randomize_order,
			repeat_count, status, is_template, tags, success_rate, times_used, created_at, updated_at
		FROM scripts ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing scripts: %w", err)
	}
	defer rows.Close()

	var scripts []*Script
	for rows.Next() {
		sc, err := scanScript(rows)
		if err != nil {
			return nil, err
		}
		scripts = append(scripts, sc)
	}
	return scripts, rows.Err()
}

// IncrementScriptUsage bumps the script's usage counter by one.
func (s *SQLiteStore) IncrementScriptUsage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scripts SET times_used = times_used + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("incrementing script usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateExecution inserts a new execution record, defaulting to queued.
func (s *SQLiteStore) CreateExecution(ctx context.Context, e *Execution) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if e.Status == "" {
		e.Status = ExecutionQueued
	}

	logJSON, err := encodeLog(e.Log)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, batch_id, script_id, profile_id, computer_id, status,
			progress, actions_completed, actions_failed, log, error, started_at,
			completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.BatchID, e.ScriptID, e.ProfileID, e.ComputerID, string(e.Status),
		e.Progress, e.ActionsCompleted, e.ActionsFailed, logJSON, e.Error,
		e.StartedAt, e.CompletedAt, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by id.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, batch_id, script_id, profile_id, computer_id, status, progress,
			actions_completed, actions_failed, log, error, started_at, completed_at,
			created_at, updated_at
		FROM executions WHERE id = ?`, id)
	return scanExecution(row)
}

// ListExecutionsByBatch returns all executions sharing a batch id.
func (s *SQLiteStore) ListExecutionsByBatch(ctx context.Context, batchID string) ([]*Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_id, script_id, profile_id, computer_id, status, progress,
			actions_completed, actions_failed, log, error, started_at, completed_at,
			created_at, updated_at
		FROM executions WHERE batch_id = ? ORDER BY created_at`, batchID)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// UpdateExecutionStatus applies one status-update event. Terminal records
// accept only log appends; everything else on the update is ignored once the
// execution is frozen. Progress never regresses while running, completion
// forces progress to 100, and the step log is append-only.
func (s *SQLiteStore) UpdateExecutionStatus(ctx context.Context, id string, upd ExecutionUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT status, progress, actions_completed, actions_failed, log, started_at
		FROM executions WHERE id = ?`, id)

	var (
		curStatus   string
		curProgress int
		curDone     int
		curFailed   int
		curLog      string
		startedAt   sql.NullTime
	)
	if err := row.Scan(&curStatus, &curProgress, &curDone, &curFailed, &curLog, &startedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("loading execution: %w", err)
	}

	now := time.Now().UTC()

	if ExecutionStatus(curStatus).Terminal() {
		// Frozen: only the log may still grow.
		if upd.LogEntry == nil {
			return nil
		}
		newLog, err := appendLog(curLog, upd.LogEntry)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE executions SET log = ?, updated_at = ? WHERE id = ?`,
			newLog, now, id); err != nil {
			return fmt.Errorf("appending log: %w", err)
		}
		return tx.Commit()
	}

	status := ExecutionStatus(curStatus)
	if upd.Status != "" {
		status = upd.Status
	}

	progress := curProgress
	if upd.Progress != nil {
		p := *upd.Progress
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		// Last-write-wins, but never backwards while running.
		if p > progress {
			progress = p
		}
	}
	if status == ExecutionCompleted {
		progress = 100
	}

	done := curDone
	if upd.ActionsCompleted != nil {
		done = *upd.ActionsCompleted
	}
	failed := curFailed
	if upd.ActionsFailed != nil {
		failed = *upd.ActionsFailed
	}

	logJSON := curLog
	if upd.LogEntry != nil {
		logJSON, err = appendLog(curLog, upd.LogEntry)
		if err != nil {
			return err
		}
	}

	var newStarted any
	if startedAt.Valid {
		newStarted = startedAt.Time
	} else if status == ExecutionRunning {
		newStarted = now
	}

	var completedAt any
	if status.Terminal() {
		completedAt = now
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, progress = ?, actions_completed = ?, actions_failed = ?,
			log = ?, error = CASE WHEN ? != '' THEN ? ELSE error END,
			started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?`,
		string(status), progress, done, failed,
		logJSON, upd.Error, upd.Error,
		newStarted, completedAt, now, id,
	); err != nil {
		return fmt.Errorf("updating execution: %w", err)
	}

	return tx.Commit()
}

// scanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanComputer(row scanner) (*Computer, error) {
	c := &Computer{}
	var lastSeen sql.NullTime
	err := row.Scan(&c.ID, &c.Name, &c.Status, &c.AgentVersion, &c.MaxBrowsers,
		&lastSeen, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning computer: %w", err)
	}
	if lastSeen.Valid {
		c.LastSeenAt = &lastSeen.Time
	}
	return c, nil
}

func scanScript(row scanner) (*Script, error) {
	sc := &Script{}
	var actions, tags string
	err := row.Scan(&sc.ID, &sc.Name, &sc.Description, &sc.Category, &actions,
		&sc.DurationMinutes, &sc.RandomizeOrder, &sc.RepeatCount, &sc.Status,
		&sc.IsTemplate, &tags, &sc.SuccessRate, &sc.TimesUsed, &sc.CreatedAt, &sc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning script: %w", err)
	}
	if err := json.Unmarshal([]byte(actions), &sc.Actions); err != nil {
		return nil, fmt.Errorf("decoding actions: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &sc.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags: %w", err)
	}
	return sc, nil
}

func scanExecution(row scanner) (*Execution, error) {
	e := &Execution{}
	var status, logJSON string
	var started, completed sql.NullTime
	err := row.Scan(&e.ID, &e.BatchID, &e.ScriptID, &e.ProfileID, &e.ComputerID,
		&status, &e.Progress, &e.ActionsCompleted, &e.ActionsFailed, &logJSON,
		&e.Error, &started, &completed, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning execution: %w", err)
	}
	e.Status = ExecutionStatus(status)
	if err := json.Unmarshal([]byte(logJSON), &e.Log); err != nil {
		return nil, fmt.Errorf("decoding log: %w", err)
	}
	if started.Valid {
		e.StartedAt = &started.Time
	}
	if completed.Valid {
		e.CompletedAt = &completed.Time
	}
	return e, nil
}

// encodeLog serializes the append-only step log.
func encodeLog(log []json.RawMessage) (string, error) {
	if log == nil {
		return "[]", nil
	}
	data, err := json.Marshal(log)
	if err != nil {
		return "", fmt.Errorf("encoding log: %w", err)
	}
	return string(data), nil
}

// appendLog appends one entry to the serialized step log.
func appendLog(current string, entry json.RawMessage) (string, error) {
	var log []json.RawMessage
	if err := json.Unmarshal([]byte(current), &log); err != nil {
		return "", fmt.Errorf("decoding log: %w", err)
	}
	log = append(log, entry)
	return encodeLog(log)
}
