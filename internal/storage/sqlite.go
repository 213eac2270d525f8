package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/your-org/cricket/internal/models"
)

// sqliteTimeLayout is fixed width so lexical order matches time order.
const sqliteTimeLayout = "2006-01-02 15:04:05.000000"

const (
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS detections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	image_path TEXT NOT NULL,
	results TEXT NOT NULL,
	timestamp TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_detections_timestamp ON detections (timestamp DESC, id DESC);
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	email TEXT NOT NULL UNIQUE,
	password TEXT NOT NULL,
	created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// SQLiteStore persists detections and accounts in a local SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := path + "?" + strings.Join([]string{
		"_pragma=journal_mode(WAL)",
		"_pragma=foreign_keys(1)",
		"_pragma=busy_timeout(5000)",
	}, "&")
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &SQLiteStore{db: db, path: path, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	for _, col := range additiveColumns {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", col.table, col.name, col.definition)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			if strings.Contains(err.Error(), "duplicate column name") {
				continue
			}
			return fmt.Errorf("add column %s.%s: %w", col.table, col.name, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// --- Detections ---

func (s *SQLiteStore) SaveDetection(ctx context.Context, imagePath string, results []byte) (int64, error) {
	ts := s.now().UTC().Format(sqliteTimeLayout)
	var res sql.Result
	err := retryOnBusy(ctx, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx,
			`INSERT INTO detections (image_path, results, timestamp) VALUES (?, ?, ?)`,
			imagePath, string(results), ts)
		return execErr
	})
	if err != nil {
		return 0, fmt.Errorf("insert detection: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("detection id: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) ListDetections(ctx context.Context) ([]models.DetectionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, image_path, results, timestamp FROM detections ORDER BY timestamp DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list detections: %w", err)
	}
	defer rows.Close()

	records := []models.DetectionRecord{}
	for rows.Next() {
		var (
			r  models.DetectionRecord
			ts string
		)
		if err := rows.Scan(&r.ID, &r.ImagePath, &r.Results, &ts); err != nil {
			return nil, fmt.Errorf("scan detection: %w", err)
		}
		r.Timestamp = parseSQLiteTime(ts)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate detections: %w", err)
	}
	return records, nil
}

// --- Accounts ---

const accountColumns = `id, name, email, password, created_at, reset_token, reset_token_expiry`

func (s *SQLiteStore) CreateAccount(ctx context.Context, name, email, passwordHash string) (int64, error) {
	ts := s.now().UTC().Format(sqliteTimeLayout)
	var res sql.Result
	err := retryOnBusy(ctx, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx,
			`INSERT INTO users (name, email, password, created_at) VALUES (?, ?, ?, ?)`,
			name, email, passwordHash, ts)
		return execErr
	})
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return 0, ErrDuplicateEmail
		}
		return 0, fmt.Errorf("insert account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("account id: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM users WHERE email = ?`, email)
	a, err := scanSQLiteAccount(row)
	if err != nil {
		return nil, fmt.Errorf("get account by email: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) GetAccountByID(ctx context.Context, id int64) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM users WHERE id = ?`, id)
	a, err := scanSQLiteAccount(row)
	if err != nil {
		return nil, fmt.Errorf("get account by id: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) SetResetToken(ctx context.Context, email, token string, expiryMillis int64) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE users SET reset_token = ?, reset_token_expiry = ? WHERE email = ?`,
			token, expiryMillis, email)
		if err != nil {
			return fmt.Errorf("set reset token: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) FindAccountByResetToken(ctx context.Context, token string, nowMillis int64) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM users WHERE reset_token = ? AND reset_token_expiry > ?`,
		token, nowMillis)
	a, err := scanSQLiteAccount(row)
	if err != nil {
		return nil, fmt.Errorf("find account by reset token: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE users SET password = ?, reset_token = NULL, reset_token_expiry = NULL WHERE id = ?`,
			passwordHash, id)
		if err != nil {
			return fmt.Errorf("update password: %w", err)
		}
		return nil
	})
}

func scanSQLiteAccount(row *sql.Row) (*models.Account, error) {
	var (
		a       models.Account
		created string
		token   sql.NullString
		expiry  sql.NullInt64
	)
	if err := row.Scan(&a.ID, &a.Name, &a.Email, &a.PasswordHash, &created, &token, &expiry); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	a.CreatedAt = parseSQLiteTime(created)
	if token.Valid {
		a.ResetToken = &token.String
	}
	if expiry.Valid {
		a.ResetTokenExpiry = &expiry.Int64
	}
	return &a, nil
}

// parseSQLiteTime accepts the store's own layout and SQLite's CURRENT_TIMESTAMP.
func parseSQLiteTime(v string) time.Time {
	for _, layout := range []string{sqliteTimeLayout, time.DateTime, time.RFC3339Nano} {
		if t, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			return t
		}
	}
	return time.Time{}
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqlite3.SQLITE_BUSY {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}
