package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/your-org/cricket/internal/config"
	"github.com/your-org/cricket/internal/models"
)

// ErrDuplicateEmail is returned when an account insert hits the unique
// constraint on users.email.
var ErrDuplicateEmail = errors.New("email already exists")

type DetectionStore interface {
	SaveDetection(ctx context.Context, imagePath string, results []byte) (int64, error)
	ListDetections(ctx context.Context) ([]models.DetectionRecord, error)
}

// AccountStore is the persistence the account service needs. Lookups that
// find nothing return (nil, nil).
type AccountStore interface {
	CreateAccount(ctx context.Context, name, email, passwordHash string) (int64, error)
	GetAccountByEmail(ctx context.Context, email string) (*models.Account, error)
	GetAccountByID(ctx context.Context, id int64) (*models.Account, error)
	SetResetToken(ctx context.Context, email, token string, expiryMillis int64) error
	FindAccountByResetToken(ctx context.Context, token string, nowMillis int64) (*models.Account, error)
	UpdatePassword(ctx context.Context, id int64, passwordHash string) error
}

type Store interface {
	DetectionStore
	AccountStore
	Ping(ctx context.Context) error
	Close() error
}

// Open connects to the configured database and applies the schema.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite, "":
		return NewSQLiteStore(ctx, cfg.Path)
	case config.DriverPostgres:
		return NewPostgresStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// column is an additive schema change applied after the base tables exist.
type column struct {
	table      string
	name       string
	definition string
}

var additiveColumns = []column{
	{table: "users", name: "reset_token", definition: "TEXT"},
	{table: "users", name: "reset_token_expiry", definition: "BIGINT"},
}
