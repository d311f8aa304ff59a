// Package user persists per-user addon configurations in SQL. A config is
// stored encrypted under a key derived from the user's password, so the
// database alone can't reveal it. Users are addressed by UUID; the password
// is verified against a bcrypt hash before any decryption is attempted.
package user

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	crand "crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/scrypt"

	"github.com/doingodswork/streamfusion/pkg/store"
)

// scrypt parameters for deriving the config encryption key from the password
// and the per-user salt. Changing them invalidates all stored configs, so
// they're effectively part of the schema.
const (
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32

	saltLen = 16
)

var (
	// ErrUserNotFound is returned when no user exists for the given UUID.
	ErrUserNotFound = errors.New("user not found")
	// ErrWrongPassword is returned when the password doesn't match the stored hash.
	ErrWrongPassword = errors.New("wrong password")
)

type StoreOptions struct {
	// TouchInterval throttles accessed_at updates: a user's row is touched at
	// most once per interval, no matter how many requests they make.
	TouchInterval time.Duration
}

var DefaultStoreOpts = StoreOptions{
	TouchInterval: time.Hour,
}

// Store reads and writes the users table.
type Store struct {
	db      *sql.DB
	dialect store.Dialect
	touches *gocache.Cache
	logger  *zap.Logger
}

func NewStore(db *sql.DB, dialect store.Dialect, opts StoreOptions, logger *zap.Logger) (*Store, error) {
	// Precondition checks
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	if logger == nil {
		return nil, errors.New("logger must not be nil")
	}
	if opts.TouchInterval == 0 {
		opts.TouchInterval = DefaultStoreOpts.TouchInterval
	}
	return &Store{
		db:      db,
		dialect: dialect,
		touches: gocache.New(opts.TouchInterval, 2*opts.TouchInterval),
		logger:  logger,
	}, nil
}

// EnsureSchema creates the users table if it doesn't exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	blobType := "BYTEA"
	if s.dialect == store.SQLite {
		blobType = "BLOB"
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS users (
		uuid TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		config_ciphertext %[1]s NOT NULL,
		config_salt %[1]s NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		accessed_at BIGINT NOT NULL
	)`, blobType)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("Couldn't create users table: %v", err)
	}
	return nil
}

// Create stores a new user with the given password and config and returns the
// generated UUID. The config is sealed under a key derived from the password,
// the password itself is only kept as a bcrypt hash.
func (s *Store) Create(ctx context.Context, password string, config []byte) (string, error) {
	if password == "" {
		return "", errors.New("password must not be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("Couldn't hash password: %v", err)
	}
	salt := make([]byte, saltLen)
	if _, err := crand.Read(salt); err != nil {
		return "", fmt.Errorf("Couldn't create salt: %v", err)
	}
	ciphertext, err := sealConfig(password, salt, config)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (uuid, password_hash, config_ciphertext, config_salt, created_at, updated_at, accessed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, string(hash), ciphertext, salt, now, now, now)
	if err != nil {
		return "", fmt.Errorf("Couldn't insert user: %v", err)
	}
	return id, nil
}

// Authenticate verifies the password for the given UUID and returns the
// decrypted config. It also updates the user's accessed_at, throttled to once
// per TouchInterval, so pruning sees active users as recent.
func (s *Store) Authenticate(ctx context.Context, id, password string) ([]byte, error) {
	var passwordHash string
	var ciphertext, salt []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT password_hash, config_ciphertext, config_salt FROM users WHERE uuid = $1`, id).
		Scan(&passwordHash, &ciphertext, &salt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	} else if err != nil {
		return nil, fmt.Errorf("Couldn't get user: %v", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, ErrWrongPassword
		}
		return nil, fmt.Errorf("Couldn't compare password: %v", err)
	}

	config, err := openConfig(password, salt, ciphertext)
	if err != nil {
		return nil, err
	}
	s.touchAccessed(ctx, id)
	return config, nil
}

// UpdateConfig replaces the stored config after verifying the password. The
// salt is rotated on every write, so the encryption key changes too.
func (s *Store) UpdateConfig(ctx context.Context, id, password string, config []byte) error {
	// Authenticate also proves the user exists and the password is right
	if _, err := s.Authenticate(ctx, id, password); err != nil {
		return err
	}

	salt := make([]byte, saltLen)
	if _, err := crand.Read(salt); err != nil {
		return fmt.Errorf("Couldn't create salt: %v", err)
	}
	ciphertext, err := sealConfig(password, salt, config)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE users SET config_ciphertext = $1, config_salt = $2, updated_at = $3 WHERE uuid = $4`,
		ciphertext, salt, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("Couldn't update user config: %v", err)
	}
	return nil
}

// Prune removes users whose accessed_at is older than maxAge and returns how
// many were removed.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	// Precondition check: a non-positive age would delete every user
	if maxAge <= 0 {
		return 0, errors.New("maxAge must be positive")
	}
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE accessed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("Couldn't prune users table: %v", err)
	}
	rows, _ := res.RowsAffected()
	return rows, nil
}

// touchAccessed updates accessed_at, at most once per TouchInterval per user.
// Failures are logged and swallowed: a stale accessed_at only delays pruning.
func (s *Store) touchAccessed(ctx context.Context, id string) {
	if _, throttled := s.touches.Get(id); throttled {
		return
	}
	s.touches.SetDefault(id, struct{}{})
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET accessed_at = $1 WHERE uuid = $2`, time.Now().UnixMilli(), id)
	if err != nil {
		s.logger.Error("Couldn't update accessed_at", zap.Error(err), zap.String("uuid", id))
	}
}

// sealConfig encrypts the config with AES-GCM under a key derived from the
// password and salt. The nonce is prepended so it doesn't need to be stored
// separately.
func sealConfig(password string, salt, config []byte) ([]byte, error) {
	aead, err := configAEAD(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := crand.Read(nonce); err != nil {
		return nil, fmt.Errorf("Couldn't create nonce: %v", err)
	}
	return aead.Seal(nonce, nonce, config, nil), nil
}

// openConfig is the inverse of sealConfig. A tampered ciphertext fails GCM
// authentication and returns an error.
func openConfig(password string, salt, ciphertext []byte) ([]byte, error) {
	aead, err := configAEAD(password, salt)
	if err != nil {
		return nil, err
	}
	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("config ciphertext shorter than nonce")
	}
	config, err := aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("Couldn't decrypt config: %v", err)
	}
	return config, nil
}

func configAEAD(password string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("Couldn't derive key: %v", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("Couldn't create block cipher: %v", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("Couldn't create AES GCM: %v", err)
	}
	return aead, nil
}
