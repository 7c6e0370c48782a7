package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v4/stdlib"
	migrate "github.com/rubenv/sql-migrate"
)

const (
	postgresDocumentKey       = "links"
	postgresOperationTimeout  = 5 * time.Second
	postgresMigrationTable    = "whitelist_migrations"
	postgresDriverName        = "pgx"
	postgresMigrationsDialect = "postgres"
)

var postgresMigrations = &migrate.MemoryMigrationSource{
	Migrations: []*migrate.Migration{
		{
			Id: "20240601000000-whitelist-links",
			Up: []string{`
CREATE TABLE IF NOT EXISTS whitelist_links (
    document_key TEXT PRIMARY KEY,
    document     JSONB NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`},
			Down: []string{"DROP TABLE IF EXISTS whitelist_links"},
		},
	},
}

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend stores the registry document as a single JSONB row.
type PostgresBackend struct {
	dsn         string
	documentKey string
	openDB      sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	return &PostgresBackend{
		dsn:         dsn,
		documentKey: postgresDocumentKey,
		openDB:      sql.Open,
	}, nil
}

func (b *PostgresBackend) Load(ctx context.Context) ([]byte, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	var document string
	err := b.db.QueryRowContext(ctx, "SELECT document::text FROM whitelist_links WHERE document_key = $1", b.documentKey).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read links document: %w", err)
	}
	return []byte(document), nil
}

func (b *PostgresBackend) Save(ctx context.Context, data []byte) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := `
INSERT INTO whitelist_links (document_key, document, updated_at)
VALUES ($1, $2::jsonb, now())
ON CONFLICT (document_key)
DO UPDATE SET document = EXCLUDED.document, updated_at = now()`
	if _, err := b.db.ExecContext(ctx, query, b.documentKey, string(data)); err != nil {
		return fmt.Errorf("failed to write links document: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresBackend) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := b.openDB(postgresDriverName, b.dsn)
		if err != nil {
			b.initErr = fmt.Errorf("failed to open postgres: %w", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			b.initErr = fmt.Errorf("failed to ping postgres: %w", err)
			return
		}
		migrations := migrate.MigrationSet{TableName: postgresMigrationTable}
		if _, err := migrations.Exec(db, postgresMigrationsDialect, postgresMigrations, migrate.Up); err != nil {
			_ = db.Close()
			b.initErr = fmt.Errorf("failed to migrate postgres: %w", err)
			return
		}
		b.db = db
	})
	return b.initErr
}
