package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding cached resources, adherence records,
// and the sync job queue.
type Store struct {
	db  *sql.DB
	now func() time.Time
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
		dsn = filepath.Join(dataDir, "studysync.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// One connection: SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := NewWithDB(db)
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// NewWithDB wraps an already opened database without running migrations.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// SetClock replaces the time source used for job scheduling (for testing).
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
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

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
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

// --- Resources ---

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scanner interface {
	Scan(dest ...any) error
}

const resourceColumns = `type, study_id, identifier, secondary_id, json, status, need_save, last_update`

func scanResource(row scanner) (Resource, error) {
	var r Resource
	var typ, status, lastUpdate string
	var needSave int
	if err := row.Scan(&typ, &r.StudyID, &r.Identifier, &r.SecondaryID, &r.JSON, &status, &needSave, &lastUpdate); err != nil {
		return Resource{}, err
	}
	r.Type = ResourceType(typ)
	r.Status = ResourceStatus(status)
	r.NeedSave = needSave != 0
	var err error
	if r.LastUpdate, err = time.Parse(timeLayout, lastUpdate); err != nil {
		return Resource{}, fmt.Errorf("parsing last_update for %s/%s: %w", typ, r.Identifier, err)
	}
	return r, nil
}

// UpsertResource inserts or replaces r. A stored row with pending local
// changes is only replaced when overwriteDirty is set; otherwise the call is
// a no-op and reports false.
func (s *Store) UpsertResource(ctx context.Context, r Resource, overwriteDirty bool) (bool, error) {
	status := r.Status
	if status == "" {
		status = StatusSuccess
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO resources (`+resourceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(type, study_id, identifier, secondary_id) DO UPDATE SET
			json = excluded.json,
			status = excluded.status,
			need_save = excluded.need_save,
			last_update = excluded.last_update
		WHERE resources.need_save = 0 OR ? = 1`,
		string(r.Type), r.StudyID, r.Identifier, r.SecondaryID, r.JSON, string(status),
		boolInt(r.NeedSave), formatTime(r.LastUpdate), boolInt(overwriteDirty),
	)
	if err != nil {
		return false, fmt.Errorf("upserting resource %s/%s: %w", r.Type, r.Identifier, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking upserted rows: %w", err)
	}
	return n > 0, nil
}

func (s *Store) GetResource(ctx context.Context, key ResourceKey) (Resource, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+resourceColumns+` FROM resources
		WHERE type = ? AND study_id = ? AND identifier = ? AND secondary_id = ?`,
		string(key.Type), key.StudyID, key.Identifier, key.SecondaryID)
	r, err := scanResource(row)
	if err == sql.ErrNoRows {
		return Resource{}, ErrNotFound
	}
	if err != nil {
		return Resource{}, fmt.Errorf("getting resource %s/%s: %w", key.Type, key.Identifier, err)
	}
	return r, nil
}

// ListResources returns every resource of type t in the study scope.
func (s *Store) ListResources(ctx context.Context, t ResourceType, studyID string) ([]Resource, error) {
	return s.queryResources(ctx, `SELECT `+resourceColumns+` FROM resources
		WHERE study_id = ? AND type = ? ORDER BY identifier, secondary_id`, studyID, string(t))
}

// ListDirtyResources returns resources with unsent local changes. An empty
// type matches every type.
func (s *Store) ListDirtyResources(ctx context.Context, t ResourceType, studyID string) ([]Resource, error) {
	if t == "" {
		return s.queryResources(ctx, `SELECT `+resourceColumns+` FROM resources
			WHERE need_save = 1 ORDER BY type, study_id, identifier`)
	}
	return s.queryResources(ctx, `SELECT `+resourceColumns+` FROM resources
		WHERE need_save = 1 AND type = ? AND study_id = ? ORDER BY identifier, secondary_id`, string(t), studyID)
}

func (s *Store) queryResources(ctx context.Context, query string, args ...any) ([]Resource, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying resources: %w", err)
	}
	defer rows.Close()

	var out []Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkResourceSynced records the outcome of an upload. The row is only
// touched if its payload still equals expectedJSON, so an edit made while
// the upload was in flight stays dirty. Reports whether the row matched.
func (s *Store) MarkResourceSynced(ctx context.Context, key ResourceKey, expectedJSON string, status ResourceStatus, needSave bool) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE resources SET status = ?, need_save = ?, last_update = ?
		WHERE type = ? AND study_id = ? AND identifier = ? AND secondary_id = ? AND json = ?`,
		string(status), boolInt(needSave), formatTime(time.Time{}),
		string(key.Type), key.StudyID, key.Identifier, key.SecondaryID, expectedJSON)
	if err != nil {
		return false, fmt.Errorf("marking resource %s/%s synced: %w", key.Type, key.Identifier, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetResourceStatus changes only the status column.
func (s *Store) SetResourceStatus(ctx context.Context, key ResourceKey, status ResourceStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE resources SET status = ?
		WHERE type = ? AND study_id = ? AND identifier = ? AND secondary_id = ?`,
		string(status), string(key.Type), key.StudyID, key.Identifier, key.SecondaryID)
	if err != nil {
		return fmt.Errorf("setting resource status: %w", err)
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

// Clear deletes every cached row and queued job.
func (s *Store) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning clear transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"resources", "adherence_records", "sync_jobs"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}
	return tx.Commit()
}
