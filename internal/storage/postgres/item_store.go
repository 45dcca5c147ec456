// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/ingestd/internal/pipeline"
	"github.com/JakeFAU/ingestd/internal/store"
)

const (
	uniqueViolation       = "23505"
	undefinedTable        = "42P01"
	insufficientPrivilege = "42501"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ItemStoreConfig controls the Postgres connection pool used for item rows.
type ItemStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// ItemStore writes item metadata rows into Postgres.
type ItemStore struct {
	pool  execCloser
	table string
}

// NewItemStore creates a Postgres-backed ItemStore using the provided config.
func NewItemStore(ctx context.Context, cfg ItemStoreConfig) (*ItemStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ItemStore{pool: pool, table: table}, nil
}

// NewItemStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewItemStoreWithPool(pool execCloser, table string) (*ItemStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &ItemStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = "ingest_items"
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *ItemStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// StoreItem inserts an item row. A unique violation on id is reported as
// store.ErrAlreadyStored.
func (s *ItemStore) StoreItem(ctx context.Context, record store.ItemRecord) error {
	if s == nil || s.pool == nil {
		return errors.New("item store is not configured")
	}
	if record.ID == "" {
		return errors.New("record id is required")
	}
	metadata := record.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	run_id,
	source,
	item_key,
	content_hash,
	blob_uri,
	content_type,
	size_bytes,
	metadata,
	fetched_at,
	stored_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)`, s.table)

	args := []any{
		record.ID,
		record.RunID,
		record.Source,
		record.Key,
		record.Hash,
		record.BlobURI,
		record.ContentType,
		record.Size,
		metadataJSON,
		record.FetchedAt,
		record.StoredAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case uniqueViolation:
				return fmt.Errorf("insert item %s: %w", record.ID, store.ErrAlreadyStored)
			case undefinedTable, insufficientPrivilege:
				// Retrying the next item cannot succeed either.
				return pipeline.Fatal(fmt.Errorf("insert item: %w", err))
			}
		}
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}
