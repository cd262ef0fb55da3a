package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrCredentialNotFound = errors.New("credential not found")
	ErrCredentialExpired  = errors.New("credential expired")
	ErrInvalidPassword    = errors.New("invalid password")
)

// Store persists Basic Auth credentials for security profiles 1 and 2.
// Passwords are never stored in the clear: each credential gets a random
// salt, and the stored hash is sha256(salt || password). There is no
// bcrypt/scrypt dependency anywhere in the example pack this module was
// grounded on, so a salted stdlib hash is used instead.
type Store struct {
	db *sql.DB
}

// NewStore creates a new auth store with a SQLite backend.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "auth.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS credentials (
		identity TEXT PRIMARY KEY,
		password_hash BLOB NOT NULL,
		salt BLOB NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_used_at DATETIME,
		expires_at DATETIME
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func hashPassword(password string, salt []byte) []byte {
	sum := sha256.Sum256(append(append([]byte{}, salt...), password...))
	return sum[:]
}

// SetCredential creates or replaces the password for identity.
func (s *Store) SetCredential(identity, password string, expiresAt *time.Time) (*Credential, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	hash := hashPassword(password, salt)

	now := time.Now()
	cred := &Credential{
		Identity:     identity,
		PasswordHash: hash,
		Salt:         salt,
		CreatedAt:    now,
		ExpiresAt:    expiresAt,
	}

	_, err := s.db.Exec(
		`INSERT INTO credentials (identity, password_hash, salt, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(identity) DO UPDATE SET password_hash=excluded.password_hash, salt=excluded.salt, expires_at=excluded.expires_at`,
		cred.Identity, cred.PasswordHash, cred.Salt, cred.CreatedAt, cred.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert credential: %w", err)
	}

	return cred, nil
}

// Validate checks an identity/password pair presented via Basic Auth and
// returns the matching Credential on success.
func (s *Store) Validate(identity, password string) (*Credential, error) {
	var cred Credential
	var lastUsedAt, expiresAt sql.NullTime

	err := s.db.QueryRow(
		`SELECT identity, password_hash, salt, created_at, last_used_at, expires_at FROM credentials WHERE identity = ?`,
		identity,
	).Scan(&cred.Identity, &cred.PasswordHash, &cred.Salt, &cred.CreatedAt, &lastUsedAt, &expiresAt)

	if err == sql.ErrNoRows {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query credential: %w", err)
	}

	if lastUsedAt.Valid {
		cred.LastUsedAt = &lastUsedAt.Time
	}
	if expiresAt.Valid {
		cred.ExpiresAt = &expiresAt.Time
	}

	if cred.Expired() {
		return nil, ErrCredentialExpired
	}

	want := hashPassword(password, cred.Salt)
	if subtle.ConstantTimeCompare(want, cred.PasswordHash) != 1 {
		return nil, ErrInvalidPassword
	}

	go s.updateLastUsed(identity)

	return &cred, nil
}

func (s *Store) updateLastUsed(identity string) {
	_, _ = s.db.Exec(`UPDATE credentials SET last_used_at = ? WHERE identity = ?`, time.Now(), identity)
}

// ListCredentials returns every provisioned identity, without password
// material.
func (s *Store) ListCredentials() ([]*Credential, error) {
	rows, err := s.db.Query(
		`SELECT identity, created_at, last_used_at, expires_at FROM credentials ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var creds []*Credential
	for rows.Next() {
		var cred Credential
		var lastUsedAt, expiresAt sql.NullTime

		if err := rows.Scan(&cred.Identity, &cred.CreatedAt, &lastUsedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}

		if lastUsedAt.Valid {
			cred.LastUsedAt = &lastUsedAt.Time
		}
		if expiresAt.Valid {
			cred.ExpiresAt = &expiresAt.Time
		}

		creds = append(creds, &cred)
	}

	return creds, rows.Err()
}

// RevokeCredential removes a provisioned identity.
func (s *Store) RevokeCredential(identity string) error {
	result, err := s.db.Exec(`DELETE FROM credentials WHERE identity = ?`, identity)
	if err != nil {
		return fmt.Errorf("failed to revoke credential: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrCredentialNotFound
	}

	return nil
}

// SeedAccount is an (identity, password) pair loaded at startup, mirroring
// config.SeedAccount without importing internal/config from internal/auth.
type SeedAccount struct {
	Identity string
	Password string
}

// Seed loads a set of (identity, password) pairs from configuration,
// skipping any identity that already has a credential provisioned, so a
// password set through the store's own API is never overwritten.
func (s *Store) Seed(accounts []SeedAccount) error {
	for _, acct := range accounts {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM credentials WHERE identity = ?`, acct.Identity).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("seeding %s: %w", acct.Identity, err)
		}
		if _, err := s.SetCredential(acct.Identity, acct.Password, nil); err != nil {
			return fmt.Errorf("seeding %s: %w", acct.Identity, err)
		}
	}
	return nil
}
