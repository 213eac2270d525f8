package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/your-org/cricket/internal/config"
	"github.com/your-org/cricket/internal/models"
)

const (
	pgUniqueViolation = "23505"
	pgDuplicateColumn = "42701"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS detections (
	id BIGSERIAL PRIMARY KEY,
	image_path TEXT NOT NULL,
	results TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_detections_timestamp ON detections (timestamp DESC, id DESC);
CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	email TEXT NOT NULL UNIQUE,
	password TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig) (*PostgresStore, error) {
	return NewPostgresStoreDSN(ctx, cfg.DSN(), cfg.MaxConns)
}

func NewPostgresStoreDSN(ctx context.Context, dsn string, maxConns int) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	for _, col := range additiveColumns {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", col.table, col.name, col.definition)
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			if pgErrorCode(err) == pgDuplicateColumn {
				continue
			}
			return fmt.Errorf("add column %s.%s: %w", col.table, col.name, err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Detections ---

func (s *PostgresStore) SaveDetection(ctx context.Context, imagePath string, results []byte) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO detections (image_path, results) VALUES ($1, $2) RETURNING id`,
		imagePath, string(results),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert detection: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) ListDetections(ctx context.Context) ([]models.DetectionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, image_path, results, timestamp FROM detections ORDER BY timestamp DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list detections: %w", err)
	}
	defer rows.Close()

	records := []models.DetectionRecord{}
	for rows.Next() {
		var r models.DetectionRecord
		if err := rows.Scan(&r.ID, &r.ImagePath, &r.Results, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan detection: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate detections: %w", err)
	}
	return records, nil
}

// --- Accounts ---

func (s *PostgresStore) CreateAccount(ctx context.Context, name, email, passwordHash string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (name, email, password) VALUES ($1, $2, $3) RETURNING id`,
		name, email, passwordHash,
	).Scan(&id)
	if err != nil {
		if pgErrorCode(err) == pgUniqueViolation {
			return 0, ErrDuplicateEmail
		}
		return 0, fmt.Errorf("insert account: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	a, err := scanPGAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM users WHERE email = $1`, email))
	if err != nil {
		return nil, fmt.Errorf("get account by email: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) GetAccountByID(ctx context.Context, id int64) (*models.Account, error) {
	a, err := scanPGAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get account by id: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) SetResetToken(ctx context.Context, email, token string, expiryMillis int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE users SET reset_token = $1, reset_token_expiry = $2 WHERE email = $3`,
		token, expiryMillis, email)
	if err != nil {
		return fmt.Errorf("set reset token: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindAccountByResetToken(ctx context.Context, token string, nowMillis int64) (*models.Account, error) {
	a, err := scanPGAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM users WHERE reset_token = $1 AND reset_token_expiry > $2`,
		token, nowMillis))
	if err != nil {
		return nil, fmt.Errorf("find account by reset token: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE users SET password = $1, reset_token = NULL, reset_token_expiry = NULL WHERE id = $2`,
		passwordHash, id)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func scanPGAccount(row pgx.Row) (*models.Account, error) {
	a := &models.Account{}
	err := row.Scan(&a.ID, &a.Name, &a.Email, &a.PasswordHash, &a.CreatedAt, &a.ResetToken, &a.ResetTokenExpiry)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return a, nil
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
