package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/go-redis/redis/v8"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	// SQL drivers for the databaseURI backends
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/doingodswork/streamfusion/pkg/lock"
	"github.com/doingodswork/streamfusion/pkg/logadapter"
	"github.com/doingodswork/streamfusion/pkg/store"
	"github.com/doingodswork/streamfusion/pkg/user"
)

// storage bundles the persistence backends picked from the config: Redis
// backs cache and locks when configured, else the database, else the
// embedded BadgerDB with in-process locks. Saved user configs always live in
// the database, independently of what backs the cache.
type storage struct {
	kv     store.Store
	locker lock.Locker
	users  *user.Store

	// sqlStore is non-nil when SQL backs the cache, for pruning.
	sqlStore *store.SQLStore
	db       *sql.DB
	redis    *redis.Client
	badger   *badger.DB
}

func openStorage(ctx context.Context, cfg config, logger *zap.Logger) (*storage, error) {
	s := &storage{}

	if cfg.DatabaseURI != "" {
		driver, dsn, dialect, err := store.ParseDatabaseURI(cfg.DatabaseURI)
		if err != nil {
			return nil, fmt.Errorf("Couldn't parse database URI: %v", err)
		}
		db, err := sql.Open(driver, dsn)
		if err != nil {
			return nil, fmt.Errorf("Couldn't open database: %v", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("Couldn't ping database: %v", err)
		}
		s.db = db

		users, err := user.NewStore(db, dialect, user.DefaultStoreOpts, logger)
		if err != nil {
			return nil, fmt.Errorf("Couldn't create user store: %v", err)
		}
		if err = users.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("Couldn't create users schema: %v", err)
		}
		s.users = users

		// Redis takes precedence for cache and locks when both are set
		if cfg.RedisURI == "" {
			sqlStore := store.NewSQLStore(db, dialect)
			if err = sqlStore.EnsureSchema(ctx); err != nil {
				return nil, fmt.Errorf("Couldn't create cache schema: %v", err)
			}
			s.kv = sqlStore
			s.sqlStore = sqlStore

			sqlLock := lock.NewSQLLock(db, dialect, logger)
			if err = sqlLock.EnsureSchema(ctx); err != nil {
				return nil, fmt.Errorf("Couldn't create locks schema: %v", err)
			}
			s.locker = sqlLock
		}
	}

	if cfg.RedisURI != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURI)
		if err != nil {
			return nil, fmt.Errorf("Couldn't parse Redis URI: %v", err)
		}
		client := redis.NewClient(redisOpts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return nil, fmt.Errorf("Couldn't ping Redis: %v", err)
		}
		s.redis = client
		s.kv = store.NewRedisStore(client, "streamfusion:cache:")
		s.locker = lock.NewRedisLock(client, "streamfusion:lock:", logger)
	}

	if s.kv == nil {
		badgerOpts := badger.DefaultOptions(cfg.StoragePath).
			WithLogger(logadapter.NewBadger2Zap(logger))
		db, err := badger.Open(badgerOpts)
		if err != nil {
			return nil, fmt.Errorf("Couldn't open BadgerDB: %v", err)
		}
		s.badger = db
		s.kv = store.NewBadgerStore(db, "cache:")
		s.locker = lock.NewLocalLock()
	}

	return s, nil
}

// maintain runs periodic upkeep until the context is canceled: expired rows
// leave the SQL cache, inactive users are deleted when pruning is enabled,
// and BadgerDB reclaims value log space.
func (s *storage) maintain(ctx context.Context, cfg config, logger *zap.Logger) {
	ticker := time.NewTicker(cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if s.sqlStore != nil {
			if n, err := s.sqlStore.Prune(ctx); err != nil {
				logger.Error("Couldn't prune cache", zap.Error(err))
			} else if n > 0 {
				logger.Info("Pruned expired cache entries", zap.Int64("count", n))
			}
		}
		if s.users != nil && cfg.PruneMaxDays > 0 {
			maxAge := time.Duration(cfg.PruneMaxDays) * 24 * time.Hour
			if n, err := s.users.Prune(ctx, maxAge); err != nil {
				logger.Error("Couldn't prune users", zap.Error(err))
			} else if n > 0 {
				logger.Info("Pruned inactive users", zap.Int64("count", n))
			}
		}
		if s.badger != nil {
			if err := s.badger.RunValueLogGC(0.5); err != nil && err != badger.ErrNoRewrite {
				logger.Warn("Couldn't run BadgerDB value log GC", zap.Error(err))
			}
		}
	}
}

func (s *storage) close(logger *zap.Logger) {
	var err error
	if s.redis != nil {
		err = multierr.Append(err, s.redis.Close())
	}
	if s.db != nil {
		err = multierr.Append(err, s.db.Close())
	}
	if s.badger != nil {
		err = multierr.Append(err, s.badger.Close())
	}
	if err != nil {
		logger.Error("Couldn't close storage backends", zap.Error(err))
	}
}
