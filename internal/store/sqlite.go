// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists API keys and the audit log with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/toolgate/internal/permission"
)

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000Z"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
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

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS api_keys (
			key_id      TEXT PRIMARY KEY,
			owner_id    TEXT NOT NULL,
			key_hash    TEXT NOT NULL UNIQUE,
			permissions TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			revoked_at  TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_api_keys_owner ON api_keys(owner_id);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id    TEXT PRIMARY KEY,
			actor_id    TEXT NOT NULL,
			action      TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id   TEXT NOT NULL,
			outcome     TEXT NOT NULL,
			ts          TEXT NOT NULL,
			detail_json TEXT,

			CHECK (action IN ('create_key', 'revoke_key', 'invoke_tool')),
			CHECK (outcome IN ('ok', 'error'))
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor_id);
		CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_log(target_type, target_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		check  string
		apply  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('api_keys') WHERE name = 'last_used_at'`,
			apply:  `ALTER TABLE api_keys ADD COLUMN last_used_at TEXT`,
			column: "last_used_at",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking column %s: %w", m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding column %s: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if an error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateAPIKey stores a new API key.
// Returns ErrDuplicateKey if the ID or hash is already taken.
func (s *SQLiteStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	query := `
		INSERT INTO api_keys (key_id, owner_id, key_hash, permissions, created_at, last_used_at, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		key.ID,
		key.OwnerID,
		key.KeyHash,
		key.Permissions.String(),
		formatTime(key.CreatedAt),
		formatTimePtr(key.LastUsedAt),
		formatTimePtr(key.RevokedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("inserting api key: %w", err)
	}

	s.logger.Debug("created api key", "id", key.ID, "owner", key.OwnerID, "permissions", key.Permissions.String())
	return nil
}

const apiKeyColumns = `key_id, owner_id, key_hash, permissions, created_at, last_used_at, revoked_at`

// scanAPIKey scans a row into an APIKey.
func scanAPIKey(scanner interface{ Scan(dest ...any) error }) (*APIKey, error) {
	var k APIKey
	var perms, createdAt string
	var lastUsed, revoked *string

	if err := scanner.Scan(&k.ID, &k.OwnerID, &k.KeyHash, &perms, &createdAt, &lastUsed, &revoked); err != nil {
		return nil, err
	}

	var names []string
	if perms != "" {
		names = strings.Split(perms, ",")
	}
	set, err := permission.ParseSet(names)
	if err != nil {
		return nil, fmt.Errorf("parsing permissions of key %s: %w", k.ID, err)
	}
	k.Permissions = set

	if k.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if k.LastUsedAt, err = parseTimePtr(lastUsed); err != nil {
		return nil, fmt.Errorf("parsing last_used_at: %w", err)
	}
	if k.RevokedAt, err = parseTimePtr(revoked); err != nil {
		return nil, fmt.Errorf("parsing revoked_at: %w", err)
	}
	return &k, nil
}

// GetAPIKey retrieves a key by ID.
// Returns ErrNotFound if the key doesn't exist.
func (s *SQLiteStore) GetAPIKey(ctx context.Context, id string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_id = ?`, id)
	k, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying api key: %w", err)
	}
	return k, nil
}

// GetAPIKeyByHash retrieves a key by the hash of its secret.
// Revoked keys are returned; callers decide how to treat them.
func (s *SQLiteStore) GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = ?`, keyHash)
	k, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying api key by hash: %w", err)
	}
	return k, nil
}

// ListAPIKeys returns keys ordered by creation time, oldest first.
func (s *SQLiteStore) ListAPIKeys(ctx context.Context, f KeyFilter) ([]*APIKey, error) {
	query := `
		SELECT ` + apiKeyColumns + `
		FROM api_keys
		WHERE (? IS NULL OR owner_id = ?)
		  AND (? OR revoked_at IS NULL)
		ORDER BY created_at ASC, key_id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, f.OwnerID, f.OwnerID, f.IncludeRevoked)
	if err != nil {
		return nil, fmt.Errorf("querying api keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	keys := []*APIKey{}
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning api key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating api keys: %w", err)
	}
	return keys, nil
}

// RevokeAPIKey marks a key revoked.
// Returns ErrNotFound for unknown keys and ErrAlreadyRevoked if already revoked.
func (s *SQLiteStore) RevokeAPIKey(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = ? WHERE key_id = ? AND revoked_at IS NULL`,
		formatTime(at), id,
	)
	if err != nil {
		return fmt.Errorf("revoking api key: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetAPIKey(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyRevoked
	}

	s.logger.Info("revoked api key", "id", id)
	return nil
}

// TouchAPIKey records the last time a key authenticated successfully.
func (s *SQLiteStore) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = ? WHERE key_id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("touching api key: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Compile-time interface check
var _ Store = (*SQLiteStore)(nil)
