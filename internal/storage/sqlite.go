package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the reminder table, its source-ref
// index, and the outbound effect queue.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "remindd.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

// AppliedMigrations returns the applied schema versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("querying schema_version: %w", err)
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Reminders ---

const reminderColumns = "id, owner, chat_id, body, trigger_at, status, version, created_at, updated_at"

// Get returns the reminder with the given id, including its source refs.
func (s *Store) Get(ctx context.Context, id string) (Reminder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = ?`, id)
	r, err := scanReminder(row)
	if err == sql.ErrNoRows {
		return Reminder{}, ErrNotFound
	}
	if err != nil {
		return Reminder{}, err
	}
	if r.SourceRefs, err = s.loadRefs(ctx, r.ID); err != nil {
		return Reminder{}, err
	}
	return r, nil
}

// FindByRef returns the reminder that has already consumed the given dedup key.
// Used to make replayed create events resolve to the reminder they created.
func (s *Store) FindByRef(ctx context.Context, ref string) (Reminder, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT reminder_id FROM source_refs WHERE ref = ?`, ref).Scan(&id)
	if err == sql.ErrNoRows {
		return Reminder{}, ErrNotFound
	}
	if err != nil {
		return Reminder{}, err
	}
	return s.Get(ctx, id)
}

// Upsert writes the reminder conditionally on expectedVersion.
//
// expectedVersion == 0 inserts a new row with version 1; a row already present
// under the same id is a conflict. expectedVersion > 0 updates the existing
// row only if its stored version still matches, bumping it to
// expectedVersion+1. Every entry of r.SourceRefs is upserted into the
// source_refs table (append-only, duplicates ignored), and eff, when non-nil,
// is enqueued in the same transaction so a committed transition can never lose
// its effect (outbox style).
//
// Returns the new version, or ErrVersionConflict / ErrNotFound.
func (s *Store) Upsert(ctx context.Context, r Reminder, expectedVersion int64, eff *Effect) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning upsert transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	newVersion := expectedVersion + 1

	var stored int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM reminders WHERE id = ?`, r.ID).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		if expectedVersion != 0 {
			return 0, ErrNotFound
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO reminders (id, owner, chat_id, body, trigger_at, status, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.Owner, r.ChatID, r.Text, r.TriggerAt.UTC().Format(time.RFC3339), r.Status, newVersion, now, now,
		)
		if err != nil {
			return 0, fmt.Errorf("inserting reminder %s: %w", r.ID, err)
		}
	case err != nil:
		return 0, fmt.Errorf("reading version for %s: %w", r.ID, err)
	case stored != expectedVersion:
		return 0, ErrVersionConflict
	default:
		res, err := tx.ExecContext(ctx, `
			UPDATE reminders SET owner = ?, chat_id = ?, body = ?, trigger_at = ?, status = ?, version = ?, updated_at = ?
			WHERE id = ? AND version = ?`,
			r.Owner, r.ChatID, r.Text, r.TriggerAt.UTC().Format(time.RFC3339), r.Status, newVersion, now,
			r.ID, expectedVersion,
		)
		if err != nil {
			return 0, fmt.Errorf("updating reminder %s: %w", r.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		if n != 1 {
			return 0, ErrVersionConflict
		}
	}

	for _, ref := range r.SourceRefs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO source_refs (ref, reminder_id) VALUES (?, ?) ON CONFLICT(ref) DO NOTHING`,
			ref, r.ID,
		); err != nil {
			return 0, fmt.Errorf("recording source ref %q: %w", ref, err)
		}
	}

	if eff != nil {
		maxAttempts := eff.MaxAttempts
		if maxAttempts == 0 {
			maxAttempts = 3
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO effects (id, kind, reminder_id, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
			VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
			eff.ID, eff.Kind, eff.ReminderID, eff.PayloadJSON, maxAttempts, now, now, now,
		); err != nil {
			return 0, fmt.Errorf("enqueueing effect %s: %w", eff.Kind, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing upsert for %s: %w", r.ID, err)
	}
	return newVersion, nil
}

// ListDue returns scheduled reminders whose trigger time is at or before the
// given instant, oldest first.
func (s *Store) ListDue(ctx context.Context, before time.Time) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reminderColumns+` FROM reminders
		WHERE status = ? AND trigger_at <= ?
		ORDER BY trigger_at ASC`,
		StatusScheduled, before.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	return s.collectReminders(ctx, rows)
}

// List returns reminders newest first, optionally filtered by status.
func (s *Store) List(ctx context.Context, status string, limit int) ([]Reminder, error) {
	query := `SELECT ` + reminderColumns + ` FROM reminders`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return s.collectReminders(ctx, rows)
}

func (s *Store) collectReminders(ctx context.Context, rows *sql.Rows) ([]Reminder, error) {
	defer rows.Close()

	var results []Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range results {
		refs, err := s.loadRefs(ctx, results[i].ID)
		if err != nil {
			return nil, err
		}
		results[i].SourceRefs = refs
	}
	return results, nil
}

func (s *Store) loadRefs(ctx context.Context, reminderID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ref FROM source_refs WHERE reminder_id = ? ORDER BY ref`, reminderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(row rowScanner) (Reminder, error) {
	var r Reminder
	var triggerAt, createdAt, updatedAt string
	if err := row.Scan(&r.ID, &r.Owner, &r.ChatID, &r.Text, &triggerAt, &r.Status, &r.Version, &createdAt, &updatedAt); err != nil {
		return Reminder{}, err
	}
	var err error
	if r.TriggerAt, err = time.Parse(time.RFC3339, triggerAt); err != nil {
		return Reminder{}, fmt.Errorf("parsing trigger_at for %s: %w", r.ID, err)
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Reminder{}, fmt.Errorf("parsing created_at for %s: %w", r.ID, err)
	}
	if r.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Reminder{}, fmt.Errorf("parsing updated_at for %s: %w", r.ID, err)
	}
	return r, nil
}

// --- Effects ---

// EnqueueEffect adds an effect to the outbound queue.
func (s *Store) EnqueueEffect(ctx context.Context, e Effect) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !e.RunAfter.IsZero() {
		runAfter = e.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := e.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO effects (id, kind, reminder_id, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		e.ID, e.Kind, e.ReminderID, e.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

// ClaimNextEffect atomically claims the oldest runnable pending effect of the
// given kinds, marking it running. Returns nil if nothing is runnable.
func (s *Store) ClaimNextEffect(ctx context.Context, kinds []string) (*Effect, error) {
	if len(kinds) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	placeholders := strings.Repeat(",?", len(kinds)-1)
	query := `SELECT id, kind, reminder_id, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM effects
		WHERE status = 'pending' AND run_after <= ? AND kind IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]any, 0, len(kinds)+1)
	args = append(args, now)
	for _, k := range kinds {
		args = append(args, k)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var e Effect
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRowContext(ctx, query, args...).Scan(
		&e.ID, &e.Kind, &e.ReminderID, &e.PayloadJSON, &e.Status, &e.Attempts, &e.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next effect: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE effects SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, e.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating effect status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated effect rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	e.Status = "running"
	e.LastError = lastError.String
	if e.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for effect %s: %w", e.ID, err)
	}
	if e.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for effect %s: %w", e.ID, err)
	}
	if e.UpdatedAt, err = time.Parse(time.RFC3339, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for effect %s: %w", e.ID, err)
	}
	return &e, nil
}

// CompleteEffect marks a claimed effect as completed.
func (s *Store) CompleteEffect(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `UPDATE effects SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
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

// FailEffect records a failed attempt. The effect is requeued with exponential
// backoff until max_attempts is reached, then marked failed for good.
func (s *Store) FailEffect(ctx context.Context, id string, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx, `SELECT attempts, max_attempts FROM effects WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.ExecContext(ctx, `UPDATE effects SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.ExecContext(ctx, `UPDATE effects SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}

	if err != nil {
		return err
	}

	return tx.Commit()
}

// CancelPendingSends drops not-yet-claimed send_message effects for a
// reminder. Used when a snooze rolls a fired reminder back to scheduled and
// the corresponding notification should no longer go out.
func (s *Store) CancelPendingSends(ctx context.Context, reminderID string) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		UPDATE effects SET status = 'cancelled', updated_at = ?
		WHERE reminder_id = ? AND kind = ? AND status = 'pending'`,
		now, reminderID, EffectSendMessage,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountEffects returns the number of effects in the given status.
func (s *Store) CountEffects(ctx context.Context, status string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM effects WHERE status = ?`, status).Scan(&n)
	return n, err
}
