// Package pgstore provides a PostgreSQL backed store.Store, using the pgx
// driver through database/sql and goose for schema migrations.
//
// Unique keys are enforced by unique indexes. Expired tokens are hidden from
// lookups, purged when they would collide with an insert, and removed in bulk
// by Reap, which RunReaper calls periodically.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/icza/emailauth/store"
	"github.com/icza/emailauth/store/pgstore/migrations"
)

// DefaultTokenTTL is the token lifetime used when New is given a non-positive ttl.
const DefaultTokenTTL = 15 * time.Minute

// SQLSTATE of unique_violation.
const uniqueViolation = "23505"

// DBTX is the subset of database/sql used by the repositories.
// Both *sql.DB and *sql.Tx satisfy this interface.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is a PostgreSQL backed store.Store.
// It's safe to use it concurrently from multiple goroutines.
type Store struct {
	db  *sql.DB
	ttl time.Duration

	// now is the time source for expiry.
	now func() time.Time
}

// Open opens a connection pool to the database at dsn and verifies it.
func Open(ctx context.Context, dsn string, ttl time.Duration) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	return New(db, ttl), nil
}

// New creates a Store over an open database.
// This function panics if db is nil.
func New(db *sql.DB, ttl time.Duration) *Store {
	if db == nil {
		panic("db must be provided")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Store{db: db, ttl: ttl, now: time.Now}
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations applies the embedded migrations.
func (s *Store) RunMigrations(ctx context.Context) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	if err := gooseUpContext(ctx, s.db, "."); err != nil {
		return fmt.Errorf("migration error: %w", err)
	}
	return nil
}

func (s *Store) Users() store.Users                         { return &users{s.db} }
func (s *Store) LoginTokens() store.LoginTokens             { return &loginTokens{s.db, s} }
func (s *Store) EmailChangeTokens() store.EmailChangeTokens { return &changeTokens{s.db, s} }

// cutoff returns the creation time at or before which tokens are expired.
func (s *Store) cutoff() time.Time {
	return s.now().Add(-s.ttl)
}

// Reap deletes all expired tokens and returns how many were removed.
func (s *Store) Reap(ctx context.Context) (int64, error) {
	cutoff := s.cutoff()
	var total int64
	for _, query := range []string{
		`DELETE FROM login_tokens WHERE created_at <= $1`,
		`DELETE FROM email_change_tokens WHERE created_at <= $1`,
	} {
		res, err := s.db.ExecContext(ctx, query, cutoff)
		if err != nil {
			return total, fmt.Errorf("db error: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("db error: %w", err)
		}
		total += n
	}
	return total, nil
}

// RunReaper calls Reap every interval until ctx is cancelled.
// Failures are logged to logger, or to slog.Default() if logger is nil.
func (s *Store) RunReaper(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Reap(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "reaping expired tokens failed", "error", err)
				continue
			}
			if n > 0 {
				logger.DebugContext(ctx, "reaped expired tokens", "count", n)
			}
		}
	}
}

func mapErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", store.ErrDuplicate, pgErr.ConstraintName)
	}
	return fmt.Errorf("db error: %w", err)
}

// typeMap decodes the text[] column of users.
var typeMap = pgtype.NewMap()

type users struct{ db DBTX }

const selectUser = `SELECT id, email, nonces, verified, created_at FROM users`

func (r *users) findOne(ctx context.Context, where string, arg any) (*store.User, error) {
	u := &store.User{}
	err := r.db.QueryRowContext(ctx, selectUser+" WHERE "+where, arg).
		Scan(&u.ID, &u.EmailAddress, typeMap.SQLScanner(&u.SessionNonces), &u.Verified, &u.Created)
	if err != nil {
		return nil, mapErr(err)
	}
	return u, nil
}

func (r *users) FindByID(ctx context.Context, id string) (*store.User, error) {
	return r.findOne(ctx, "id = $1", id)
}

func (r *users) FindByEmail(ctx context.Context, email string) (*store.User, error) {
	return r.findOne(ctx, "email = $1", email)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (r *users) Insert(ctx context.Context, u *store.User) error {
	query := `
		INSERT INTO users (id, email, nonces, verified, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	id := uuid.NewString()
	if _, err := r.db.ExecContext(ctx, query, id, u.EmailAddress, nonNil(u.SessionNonces), u.Verified, u.Created); err != nil {
		return mapErr(err)
	}
	u.ID = id
	return nil
}

func (r *users) Save(ctx context.Context, u *store.User) error {
	query := `
		UPDATE users SET email = $2, nonces = $3, verified = $4
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, u.ID, u.EmailAddress, nonNil(u.SessionNonces), u.Verified)
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res)
}

func (r *users) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

type loginTokens struct {
	db DBTX
	s  *Store
}

func (r *loginTokens) FindByEmail(ctx context.Context, email string) (*store.LoginToken, error) {
	query := `
		SELECT id, email, code_hash, nonce_hash, created_at
		FROM login_tokens
		WHERE email = $1 AND created_at > $2
	`
	t := &store.LoginToken{}
	err := r.db.QueryRowContext(ctx, query, email, r.s.cutoff()).
		Scan(&t.ID, &t.EmailAddress, &t.CodeHash, &t.NonceHash, &t.Created)
	if err != nil {
		return nil, mapErr(err)
	}
	return t, nil
}

func (r *loginTokens) Insert(ctx context.Context, t *store.LoginToken) error {
	purge := `
		DELETE FROM login_tokens
		WHERE (email = $1 OR code_hash = $2 OR nonce_hash = $3) AND created_at <= $4
	`
	if _, err := r.db.ExecContext(ctx, purge, t.EmailAddress, t.CodeHash, t.NonceHash, r.s.cutoff()); err != nil {
		return mapErr(err)
	}

	query := `
		INSERT INTO login_tokens (id, email, code_hash, nonce_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	id := uuid.NewString()
	if _, err := r.db.ExecContext(ctx, query, id, t.EmailAddress, t.CodeHash, t.NonceHash, t.Created); err != nil {
		return mapErr(err)
	}
	t.ID = id
	return nil
}

func (r *loginTokens) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM login_tokens WHERE id = $1`, id); err != nil {
		return mapErr(err)
	}
	return nil
}

type changeTokens struct {
	db DBTX
	s  *Store
}

func (r *changeTokens) findOne(ctx context.Context, column, value string) (*store.EmailChangeToken, error) {
	query := `
		SELECT id, email, new_email, slug_hash, authenticated, created_at
		FROM email_change_tokens
		WHERE ` + column + ` = $1 AND NOT authenticated AND created_at > $2
	`
	t := &store.EmailChangeToken{}
	err := r.db.QueryRowContext(ctx, query, value, r.s.cutoff()).
		Scan(&t.ID, &t.EmailAddress, &t.NewEmailAddress, &t.SlugHash, &t.Authenticated, &t.Created)
	if err != nil {
		return nil, mapErr(err)
	}
	return t, nil
}

func (r *changeTokens) FindByEmail(ctx context.Context, email string) (*store.EmailChangeToken, error) {
	return r.findOne(ctx, "email", email)
}

func (r *changeTokens) FindByNewEmail(ctx context.Context, newEmail string) (*store.EmailChangeToken, error) {
	return r.findOne(ctx, "new_email", newEmail)
}

func (r *changeTokens) Insert(ctx context.Context, t *store.EmailChangeToken) error {
	purge := `
		DELETE FROM email_change_tokens
		WHERE (email = $1 OR new_email = $2) AND created_at <= $3
	`
	if _, err := r.db.ExecContext(ctx, purge, t.EmailAddress, t.NewEmailAddress, r.s.cutoff()); err != nil {
		return mapErr(err)
	}

	query := `
		INSERT INTO email_change_tokens (id, email, new_email, slug_hash, authenticated, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	id := uuid.NewString()
	if _, err := r.db.ExecContext(ctx, query, id, t.EmailAddress, t.NewEmailAddress, t.SlugHash, t.Authenticated, t.Created); err != nil {
		return mapErr(err)
	}
	t.ID = id
	return nil
}

func (r *changeTokens) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM email_change_tokens WHERE id = $1`, id); err != nil {
		return mapErr(err)
	}
	return nil
}

func (r *changeTokens) DeleteByEmail(ctx context.Context, email string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM email_change_tokens WHERE email = $1`, email)
	if err != nil {
		return 0, mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}
