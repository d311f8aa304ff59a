package lock

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/doingodswork/streamfusion/pkg/store"
)

var _ Locker = (*SQLLock)(nil)

// SQLLock is the transactional backend: the lock is an insert-if-absent row
// in the distributed_locks table and waiters poll that row for the stored
// result. Expired rows are cleaned up opportunistically at every acquisition.
type SQLLock struct {
	db      *sql.DB
	dialect store.Dialect
	logger  *zap.Logger
}

func NewSQLLock(db *sql.DB, dialect store.Dialect, logger *zap.Logger) *SQLLock {
	return &SQLLock{
		db:      db,
		dialect: dialect,
		logger:  logger,
	}
}

// EnsureSchema creates the distributed_locks table if it doesn't exist yet.
func (l *SQLLock) EnsureSchema(ctx context.Context) error {
	blobType := "BYTEA"
	if l.dialect == store.SQLite {
		blobType = "BLOB"
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS distributed_locks (
		key TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		expires_at BIGINT NOT NULL,
		result %s
	)`, blobType)
	if _, err := l.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("Couldn't create distributed_locks table: %v", err)
	}
	return nil
}

func (l *SQLLock) WithLock(ctx context.Context, key string, producer Producer, opts Options) (Outcome, error) {
	opts = opts.withDefaults()
	zapFieldKey := zap.String("lockKey", key)

	// Opportunistic cleanup of expired locks
	if _, err := l.db.ExecContext(ctx,
		`DELETE FROM distributed_locks WHERE expires_at < $1`, time.Now().UnixMilli()); err != nil {
		l.logger.Error("Couldn't clean up expired locks", zap.Error(err), zapFieldKey)
	}

	owner, err := newOwner()
	if err != nil {
		return Outcome{}, err
	}
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO distributed_locks (key, owner, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO NOTHING`,
		key, owner, time.Now().Add(opts.TTL).UnixMilli())
	if err != nil {
		return Outcome{}, fmt.Errorf("Couldn't acquire lock: %v", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return Outcome{}, fmt.Errorf("Couldn't determine lock acquisition: %v", err)
	}

	if rows == 1 {
		l.logger.Debug("Acquired lock, running producer", zapFieldKey)
		env := runProducer(ctx, producer, opts.TTL)
		envBytes := marshalEnvelope(env)

		// The result is written into the same row that owns the lock. A
		// success stays observable for ResultTTL; a failure only long enough
		// for current waiters to pick it up, so retries aren't blocked.
		resultExpiry := opts.ResultTTL
		if env.Failed {
			resultExpiry = 2 * opts.RetryInterval
		}
		storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := l.db.ExecContext(storeCtx,
			`UPDATE distributed_locks SET result = $1, expires_at = $2 WHERE key = $3 AND owner = $4`,
			envBytes, time.Now().Add(resultExpiry).UnixMilli(), key, owner); err != nil {
			l.logger.Error("Couldn't store lock result", zap.Error(err), zapFieldKey)
		}
		return env.outcome(false)
	}

	// We're a waiter: poll the row for the stored result
	ticker := time.NewTicker(opts.RetryInterval)
	defer ticker.Stop()
	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	for {
		env, state, err := l.pollRow(ctx, key)
		if err != nil {
			return Outcome{}, err
		}
		switch state {
		case rowHasResult:
			return env.outcome(true)
		case rowGone, rowExpired:
			// The producer died before writing a result, or the result row
			// already expired and was cleaned up.
			return Outcome{}, ErrLockTimeout
		}

		select {
		case <-ticker.C:
		case <-timer.C:
			return Outcome{}, ErrLockTimeout
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	}
}

type rowState int

const (
	rowPending rowState = iota
	rowHasResult
	rowGone
	rowExpired
)

func (l *SQLLock) pollRow(ctx context.Context, key string) (envelope, rowState, error) {
	var result []byte
	var expiresAt int64
	err := l.db.QueryRowContext(ctx,
		`SELECT result, expires_at FROM distributed_locks WHERE key = $1`, key).
		Scan(&result, &expiresAt)
	if err == sql.ErrNoRows {
		return envelope{}, rowGone, nil
	} else if err != nil {
		return envelope{}, rowPending, fmt.Errorf("Couldn't poll lock row: %v", err)
	}
	if expiresAt < time.Now().UnixMilli() {
		return envelope{}, rowExpired, nil
	}
	if result != nil {
		var env envelope
		if err := json.Unmarshal(result, &env); err != nil {
			return envelope{}, rowPending, fmt.Errorf("Couldn't decode lock result: %v", err)
		}
		return env, rowHasResult, nil
	}
	return envelope{}, rowPending, nil
}
