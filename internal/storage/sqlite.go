package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store wraps a SQLite database holding the command journal and error log.
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
		dsn = filepath.Join(dataDir, "stmcp.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// One connection: an in-memory database is per-connection, and a
	// single writer avoids "database is locked".
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
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

// migrate applies embedded migrations that are not yet recorded in schema_version.
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
		if err := s.applyMigration(version, string(content)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(version int, content string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(content); err != nil {
		return fmt.Errorf("applying migration %d: %w", version, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("recording migration %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %d: %w", version, err)
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

// AppliedMigrations returns the applied migration versions in ascending order.
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

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return t, nil
}

// --- Command journal ---

// RecordCommand appends e to the journal. Empty ID and CreatedAt are filled in.
func (s *Store) RecordCommand(e CommandEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CommandsJSON == "" {
		e.CommandsJSON = "[]"
	}
	_, err := s.db.Exec(`
		INSERT INTO command_journal (id, created_at, conversation_id, device_id, device_name, commands, status, error, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, formatTime(e.CreatedAt), e.ConversationID, e.DeviceID, e.DeviceName,
		e.CommandsJSON, e.Status, e.Error, e.Source,
	)
	return err
}

const commandColumns = `id, created_at, conversation_id, device_id, device_name, commands, status, error, source`

func scanCommand(sc interface{ Scan(...any) error }) (CommandEntry, error) {
	var e CommandEntry
	var createdAt string
	if err := sc.Scan(&e.ID, &createdAt, &e.ConversationID, &e.DeviceID, &e.DeviceName, &e.CommandsJSON, &e.Status, &e.Error, &e.Source); err != nil {
		return CommandEntry{}, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return CommandEntry{}, err
	}
	e.CreatedAt = t
	return e, nil
}

func (s *Store) GetCommand(id string) (CommandEntry, error) {
	e, err := scanCommand(s.db.QueryRow(`SELECT `+commandColumns+` FROM command_journal WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return CommandEntry{}, ErrNotFound
	}
	return e, err
}

// RecentCommands returns up to limit journal entries, newest first.
func (s *Store) RecentCommands(limit int) ([]CommandEntry, error) {
	rows, err := s.db.Query(`SELECT `+commandColumns+` FROM command_journal
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []CommandEntry
	for rows.Next() {
		e, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

// --- Error log ---

// RecordError appends e to the error log. Empty ID and CreatedAt are filled in.
func (s *Store) RecordError(e ErrorEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.ContextJSON == "" {
		e.ContextJSON = "{}"
	}
	_, err := s.db.Exec(`
		INSERT INTO error_log (id, created_at, kind, message, operation, operation_id, device_id, context)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, formatTime(e.CreatedAt), e.Kind, e.Message, e.Operation, e.OperationID, e.DeviceID, e.ContextJSON,
	)
	return err
}

// RecentErrors returns up to limit error records, newest first.
func (s *Store) RecentErrors(limit int) ([]ErrorEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, created_at, kind, message, operation, operation_id, device_id, context
		FROM error_log ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ErrorEntry
	for rows.Next() {
		var e ErrorEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &createdAt, &e.Kind, &e.Message, &e.Operation, &e.OperationID, &e.DeviceID, &e.ContextJSON); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

// PruneBefore deletes journal and error entries older than cutoff and
// returns how many rows were removed.
func (s *Store) PruneBefore(cutoff time.Time) (int64, error) {
	ts := cutoff.UTC().Format(timeLayout)

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning prune transaction: %w", err)
	}
	defer tx.Rollback()

	var total int64
	for _, table := range []string{"command_journal", "error_log"} {
		res, err := tx.Exec(`DELETE FROM `+table+` WHERE created_at < ?`, ts)
		if err != nil {
			return 0, fmt.Errorf("pruning %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing prune: %w", err)
	}
	return total, nil
}
