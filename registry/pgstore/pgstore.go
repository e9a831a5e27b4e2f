// Package pgstore implements voltaic.Store using PostgreSQL via pgx. The
// caller owns the pgxpool.Pool; this package only reads and writes the
// nodes table that Migrate brings up to date through pressly/goose.
package pgstore

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/nevindra/voltaic"
)

// Store implements voltaic.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ voltaic.Store = (*Store)(nil)

// New creates a Store over an existing pool. The caller owns the pool and
// is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate brings the nodes table schema up to date. goose needs a
// database/sql handle, so this opens a short-lived pgx stdlib connection
// scoped to the migration run; all subsequent Store operations still go
// through the pgx pool.
func Migrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	migrationsFS, err := fs.Sub(MigrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrations sub-fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrationsFS)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, node voltaic.NodeDescriptor) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO nodes (key, display_name, predict_url, train_url, health_url, enabled)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO UPDATE SET
			display_name = excluded.display_name,
			predict_url  = excluded.predict_url,
			train_url    = excluded.train_url,
			health_url   = excluded.health_url,
			enabled      = excluded.enabled
	`, node.Key, node.DisplayName, node.PredictURL, node.TrainURL, node.HealthURL, node.Enabled)
	return err
}

func (s *Store) Get(ctx context.Context, key string) (voltaic.NodeDescriptor, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT key, display_name, predict_url, train_url, health_url, enabled FROM nodes WHERE key = $1`, key)
	var n voltaic.NodeDescriptor
	err := row.Scan(&n.Key, &n.DisplayName, &n.PredictURL, &n.TrainURL, &n.HealthURL, &n.Enabled)
	if err == pgx.ErrNoRows {
		return voltaic.NodeDescriptor{}, false, nil
	}
	if err != nil {
		return voltaic.NodeDescriptor{}, false, err
	}
	return n, true, nil
}

func (s *Store) List(ctx context.Context) ([]voltaic.NodeDescriptor, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, display_name, predict_url, train_url, health_url, enabled FROM nodes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []voltaic.NodeDescriptor
	for rows.Next() {
		var n voltaic.NodeDescriptor
		if err := rows.Scan(&n.Key, &n.DisplayName, &n.PredictURL, &n.TrainURL, &n.HealthURL, &n.Enabled); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM nodes WHERE key = $1`, key)
	return err
}
