package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

var _ Store = (*SQLStore)(nil)

// SQLStore keeps values in a general-purpose cache table. It is used when a
// deployment has a database but no Redis. Expired rows are skipped on read
// and removed by Prune, which the caller should run periodically.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: dialect,
	}
}

// EnsureSchema creates the cache table if it doesn't exist yet.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	blobType := "BYTEA"
	if s.dialect == SQLite {
		blobType = "BLOB"
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS cache (
		key TEXT PRIMARY KEY,
		value %s NOT NULL,
		expires_at BIGINT NOT NULL
	)`, blobType)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("Couldn't create cache table: %v", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM cache WHERE key = $1`, key).
		Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("Couldn't get value from cache table: %v", err)
	}
	if expiresAt != 0 && expiresAt < time.Now().UnixMilli() {
		return nil, false, nil
	}
	return value, true, nil
}

func (s *SQLStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt int64
	if ttl != 0 {
		expiresAt = time.Now().Add(ttl).UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache (key, value, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("Couldn't set value in cache table: %v", err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache WHERE key = $1`, key); err != nil {
		return fmt.Errorf("Couldn't delete value from cache table: %v", err)
	}
	return nil
}

// Prune removes expired rows and returns how many were removed.
func (s *SQLStore) Prune(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache WHERE expires_at != 0 AND expires_at < $1`, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("Couldn't prune cache table: %v", err)
	}
	rows, _ := res.RowsAffected()
	return rows, nil
}

// Close is a no-op: the *sql.DB is shared with other components and closed by
// the owner.
func (s *SQLStore) Close() error {
	return nil
}
