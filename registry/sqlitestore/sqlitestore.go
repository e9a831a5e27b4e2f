// Package sqlitestore implements voltaic.Store on a local SQLite file
// using the pure-Go modernc.org/sqlite driver, with schema migrations run
// through pressly/goose on open.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/nevindra/voltaic"
)

// Store implements voltaic.Store backed by a SQLite database file.
type Store struct {
	db *sql.DB
}

var _ voltaic.Store = (*Store)(nil)

// Open opens (creating if necessary) a SQLite database at path and brings
// its schema up to date via the embedded migrations. A single shared
// connection is used so concurrent callers serialize through it instead of
// racing independent connections into SQLITE_BUSY.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	migrationsFS, err := fs.Sub(MigrationFS, "migrations")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations sub-fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrationsFS)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Upsert(ctx context.Context, node voltaic.NodeDescriptor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (key, display_name, predict_url, train_url, health_url, enabled)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			display_name = excluded.display_name,
			predict_url  = excluded.predict_url,
			train_url    = excluded.train_url,
			health_url   = excluded.health_url,
			enabled      = excluded.enabled
	`, node.Key, node.DisplayName, node.PredictURL, node.TrainURL, node.HealthURL, boolToInt(node.Enabled))
	return err
}

func (s *Store) Get(ctx context.Context, key string) (voltaic.NodeDescriptor, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT key, display_name, predict_url, train_url, health_url, enabled FROM nodes WHERE key = ?`, key)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return voltaic.NodeDescriptor{}, false, nil
	}
	if err != nil {
		return voltaic.NodeDescriptor{}, false, err
	}
	return n, true, nil
}

func (s *Store) List(ctx context.Context) ([]voltaic.NodeDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, display_name, predict_url, train_url, health_url, enabled FROM nodes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []voltaic.NodeDescriptor
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE key = ?`, key)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (voltaic.NodeDescriptor, error) {
	var n voltaic.NodeDescriptor
	var enabled int
	if err := row.Scan(&n.Key, &n.DisplayName, &n.PredictURL, &n.TrainURL, &n.HealthURL, &enabled); err != nil {
		return voltaic.NodeDescriptor{}, err
	}
	n.Enabled = enabled != 0
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
