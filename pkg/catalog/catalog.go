// Package catalog is the read side of the KPATH service catalog. The
// search core reads services, tools, capabilities and feedback through
// this package; catalog mutations arrive from the admin surface.
package catalog

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/kpath-enterprise/kpath/pkg/common/config"
	"github.com/kpath-enterprise/kpath/pkg/observability"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("entity not found")

// Repository provides catalog reads and append-only writes over Postgres.
type Repository struct {
	db      *sqlx.DB
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewRepository creates a catalog repository over an existing connection.
func NewRepository(db *sqlx.DB, logger observability.Logger, metrics observability.MetricsClient) *Repository {
	if logger == nil {
		logger = observability.NewLogger("catalog")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Repository{db: db, logger: logger, metrics: metrics}
}

// DB exposes the underlying connection for health checks.
func (r *Repository) DB() *sqlx.DB { return r.db }

// Ping verifies database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Connect opens the catalog database described by cfg.
func Connect(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to catalog database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog database ping failed: %w", err)
	}

	return db, nil
}

//go:embed migrations
var migrationFS embed.FS

// Migrate applies embedded schema migrations.
func Migrate(db *sqlx.DB, logger observability.Logger) error {
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}

	logger.Info("Catalog migrations applied", nil)
	return nil
}
