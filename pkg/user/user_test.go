package user

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/doingodswork/streamfusion/pkg/store"
)

func newTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s, err := NewStore(db, store.SQLite, StoreOptions{TouchInterval: time.Hour}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.EnsureSchema(context.Background()))
	return s, db
}

func TestNewStorePreconditions(t *testing.T) {
	_, err := NewStore(nil, store.SQLite, StoreOptions{}, zap.NewNop())
	require.Error(t, err)
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	defer db.Close()
	_, err = NewStore(db, store.SQLite, StoreOptions{}, nil)
	require.Error(t, err)
}

func TestCreateAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	config := []byte(`{"groups":[{"addons":["a"]}]}`)
	id, err := s.Create(ctx, "hunter2", config)
	require.NoError(t, err)
	require.Regexp(t, `^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`, id)

	got, err := s.Authenticate(ctx, id, "hunter2")
	require.NoError(t, err)
	require.Equal(t, config, got)
}

func TestCreateEmptyPassword(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(context.Background(), "", []byte(`{}`))
	require.Error(t, err)
}

func TestAuthenticateUnknownUser(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Authenticate(context.Background(), "11111111-2222-3333-4444-555555555555", "pw")
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestAuthenticateWrongPassword(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	id, err := s.Create(ctx, "hunter2", []byte(`{}`))
	require.NoError(t, err)
	_, err = s.Authenticate(ctx, id, "hunter3")
	require.ErrorIs(t, err, ErrWrongPassword)
}

func TestAuthenticateTamperedConfig(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)

	id, err := s.Create(ctx, "hunter2", []byte(`{"x":1}`))
	require.NoError(t, err)

	var ciphertext []byte
	require.NoError(t, db.QueryRow(`SELECT config_ciphertext FROM users WHERE uuid = $1`, id).Scan(&ciphertext))
	ciphertext[len(ciphertext)-1] ^= 0x01
	_, err = db.Exec(`UPDATE users SET config_ciphertext = $1 WHERE uuid = $2`, ciphertext, id)
	require.NoError(t, err)

	_, err = s.Authenticate(ctx, id, "hunter2")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrWrongPassword)
}

func TestUpdateConfig(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)

	id, err := s.Create(ctx, "hunter2", []byte(`{"v":1}`))
	require.NoError(t, err)
	var saltBefore []byte
	require.NoError(t, db.QueryRow(`SELECT config_salt FROM users WHERE uuid = $1`, id).Scan(&saltBefore))

	// Wrong password leaves the config untouched
	err = s.UpdateConfig(ctx, id, "nope", []byte(`{"v":2}`))
	require.ErrorIs(t, err, ErrWrongPassword)
	got, err := s.Authenticate(ctx, id, "hunter2")
	require.NoError(t, err)
	require.Equal(t, []byte(`{"v":1}`), got)

	require.NoError(t, s.UpdateConfig(ctx, id, "hunter2", []byte(`{"v":2}`)))
	got, err = s.Authenticate(ctx, id, "hunter2")
	require.NoError(t, err)
	require.Equal(t, []byte(`{"v":2}`), got)

	// The salt rotates on every write
	var saltAfter []byte
	require.NoError(t, db.QueryRow(`SELECT config_salt FROM users WHERE uuid = $1`, id).Scan(&saltAfter))
	require.NotEqual(t, saltBefore, saltAfter)
}

func TestTouchAccessedThrottled(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)

	id, err := s.Create(ctx, "hunter2", []byte(`{}`))
	require.NoError(t, err)

	// First authentication updates accessed_at
	_, err = db.Exec(`UPDATE users SET accessed_at = $1 WHERE uuid = $2`, int64(12345), id)
	require.NoError(t, err)
	_, err = s.Authenticate(ctx, id, "hunter2")
	require.NoError(t, err)
	var accessedAt int64
	require.NoError(t, db.QueryRow(`SELECT accessed_at FROM users WHERE uuid = $1`, id).Scan(&accessedAt))
	require.Greater(t, accessedAt, int64(12345))

	// Within the touch interval the row isn't written again
	_, err = db.Exec(`UPDATE users SET accessed_at = $1 WHERE uuid = $2`, int64(12345), id)
	require.NoError(t, err)
	_, err = s.Authenticate(ctx, id, "hunter2")
	require.NoError(t, err)
	require.NoError(t, db.QueryRow(`SELECT accessed_at FROM users WHERE uuid = $1`, id).Scan(&accessedAt))
	require.EqualValues(t, 12345, accessedAt)
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)

	stale, err := s.Create(ctx, "pw1", []byte(`{}`))
	require.NoError(t, err)
	fresh, err := s.Create(ctx, "pw2", []byte(`{}`))
	require.NoError(t, err)

	old := time.Now().Add(-40 * 24 * time.Hour).UnixMilli()
	_, err = db.Exec(`UPDATE users SET accessed_at = $1 WHERE uuid = $2`, old, stale)
	require.NoError(t, err)

	pruned, err := s.Prune(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 1, pruned)

	_, err = s.Authenticate(ctx, stale, "pw1")
	require.ErrorIs(t, err, ErrUserNotFound)
	_, err = s.Authenticate(ctx, fresh, "pw2")
	require.NoError(t, err)
}

func TestPruneRejectsNonPositiveAge(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Prune(context.Background(), 0)
	require.Error(t, err)
}
