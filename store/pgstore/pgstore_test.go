package pgstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icza/emailauth/store"
)

// arrayConverter lets []string arguments through to the mock, the way the
// pgx driver accepts them.
type arrayConverter struct{}

func (arrayConverter) ConvertValue(v any) (driver.Value, error) {
	if s, ok := v.([]string); ok {
		return s, nil
	}
	return driver.DefaultParameterConverter.ConvertValue(v)
}

// stringsArg matches a []string argument.
type stringsArg []string

func (a stringsArg) Match(v driver.Value) bool {
	s, ok := v.([]string)
	return ok && slices.Equal(s, []string(a))
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newStoreWithMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(
		sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp),
		sqlmock.ValueConverterOption(arrayConverter{}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := New(db, time.Minute)
	s.now = func() time.Time { return fixedNow }
	return s, mock
}

func dupErr(constraint string) error {
	return &pgconn.PgError{Code: uniqueViolation, ConstraintName: constraint}
}

func TestNew(t *testing.T) {
	assert.Panics(t, func() { New(nil, 0) })

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db, 0)
	assert.Equal(t, DefaultTokenTTL, s.ttl)

	var _ store.Store = s
}

func TestRunMigrations(t *testing.T) {
	s, _ := newStoreWithMock(t)

	orig := gooseUpContext
	defer func() { gooseUpContext = orig }()

	cases := []struct {
		title  string
		upErr  error
		expErr bool
	}{
		{title: "success"},
		{title: "goose-error", upErr: errors.New("boom"), expErr: true},
	}
	for _, c := range cases {
		gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
			assert.Equal(t, ".", dir, c.title)
			return c.upErr
		}
		err := s.RunMigrations(context.Background())
		if c.expErr {
			assert.ErrorIs(t, err, c.upErr, c.title)
		} else {
			assert.NoError(t, err, c.title)
		}
	}
}

func TestUsersFind(t *testing.T) {
	s, mock := newStoreWithMock(t)
	ctx := context.Background()
	created := fixedNow.Add(-time.Hour)

	q := `(?s)^SELECT id, email, nonces, verified, created_at FROM users WHERE email = \$1$`
	mock.ExpectQuery(q).WithArgs("a@b.hu").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "nonces", "verified", "created_at"}).
			AddRow("u1", "a@b.hu", "{h1,h2}", true, created))

	u, err := s.Users().FindByEmail(ctx, "a@b.hu")
	require.NoError(t, err)
	assert.Equal(t, &store.User{
		ID:            "u1",
		EmailAddress:  "a@b.hu",
		SessionNonces: []string{"h1", "h2"},
		Verified:      true,
		Created:       created,
	}, u)

	mock.ExpectQuery(`(?s)^SELECT .* FROM users WHERE id = \$1$`).WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	_, err = s.Users().FindByID(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUsersInsert(t *testing.T) {
	s, mock := newStoreWithMock(t)
	ctx := context.Background()

	q := `(?s)^\s*INSERT\s+INTO\s+users\b.*VALUES\s*\(\$1,\s*\$2,\s*\$3,\s*\$4,\s*\$5\)\s*$`

	mock.ExpectExec(q).
		WithArgs(sqlmock.AnyArg(), "a@b.hu", stringsArg{}, true, fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	u := &store.User{EmailAddress: "a@b.hu", Verified: true, Created: fixedNow}
	require.NoError(t, s.Users().Insert(ctx, u))
	assert.NotEmpty(t, u.ID)

	mock.ExpectExec(q).
		WithArgs(sqlmock.AnyArg(), "a@b.hu", stringsArg{}, true, fixedNow).
		WillReturnError(dupErr("users_email_key"))
	u2 := &store.User{EmailAddress: "a@b.hu", Verified: true, Created: fixedNow}
	assert.ErrorIs(t, s.Users().Insert(ctx, u2), store.ErrDuplicate)
	assert.Empty(t, u2.ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUsersSave(t *testing.T) {
	s, mock := newStoreWithMock(t)
	ctx := context.Background()

	q := `(?s)^\s*UPDATE\s+users\s+SET\s+email = \$2, nonces = \$3, verified = \$4\s+WHERE id = \$1\s*$`

	cases := []struct {
		title  string
		result driver.Result
		err    error
		expErr error
	}{
		{title: "success", result: sqlmock.NewResult(0, 1)},
		{title: "not-found", result: sqlmock.NewResult(0, 0), expErr: store.ErrNotFound},
		{title: "duplicate", err: dupErr("users_email_key"), expErr: store.ErrDuplicate},
	}
	for _, c := range cases {
		e := mock.ExpectExec(q).WithArgs("u1", "new@b.hu", stringsArg{"h1"}, true)
		if c.err != nil {
			e.WillReturnError(c.err)
		} else {
			e.WillReturnResult(c.result)
		}

		err := s.Users().Save(ctx, &store.User{ID: "u1", EmailAddress: "new@b.hu", SessionNonces: []string{"h1"}, Verified: true})
		if c.expErr != nil {
			assert.ErrorIs(t, err, c.expErr, c.title)
		} else {
			assert.NoError(t, err, c.title)
		}
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUsersDelete(t *testing.T) {
	s, mock := newStoreWithMock(t)

	mock.ExpectExec(`^DELETE FROM users WHERE id = \$1$`).WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, s.Users().Delete(context.Background(), "u1"), store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoginTokens(t *testing.T) {
	s, mock := newStoreWithMock(t)
	ctx := context.Background()
	cutoff := fixedNow.Add(-time.Minute)

	mock.ExpectExec(`(?s)DELETE FROM login_tokens\s+WHERE \(email = \$1 OR code_hash = \$2 OR nonce_hash = \$3\) AND created_at <= \$4`).
		WithArgs("a@b.hu", "ch", "nh", cutoff).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`(?s)INSERT INTO login_tokens`).
		WithArgs(sqlmock.AnyArg(), "a@b.hu", "ch", "nh", fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	tok := &store.LoginToken{EmailAddress: "a@b.hu", CodeHash: "ch", NonceHash: "nh", Created: fixedNow}
	require.NoError(t, s.LoginTokens().Insert(ctx, tok))
	assert.NotEmpty(t, tok.ID)

	mock.ExpectQuery(`(?s)FROM login_tokens\s+WHERE email = \$1 AND created_at > \$2`).
		WithArgs("a@b.hu", cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "code_hash", "nonce_hash", "created_at"}).
			AddRow(tok.ID, "a@b.hu", "ch", "nh", fixedNow))
	got, err := s.LoginTokens().FindByEmail(ctx, "a@b.hu")
	require.NoError(t, err)
	assert.Equal(t, tok, got)

	mock.ExpectQuery(`(?s)FROM login_tokens`).
		WithArgs("x@b.hu", cutoff).
		WillReturnError(sql.ErrNoRows)
	_, err = s.LoginTokens().FindByEmail(ctx, "x@b.hu")
	assert.ErrorIs(t, err, store.ErrNotFound)

	mock.ExpectExec(`^DELETE FROM login_tokens WHERE id = \$1$`).WithArgs(tok.ID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.NoError(t, s.LoginTokens().Delete(ctx, tok.ID))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEmailChangeTokens(t *testing.T) {
	s, mock := newStoreWithMock(t)
	ctx := context.Background()
	cutoff := fixedNow.Add(-time.Minute)

	mock.ExpectExec(`(?s)DELETE FROM email_change_tokens\s+WHERE \(email = \$1 OR new_email = \$2\) AND created_at <= \$3`).
		WithArgs("old@b.hu", "new@b.hu", cutoff).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`(?s)INSERT INTO email_change_tokens`).
		WithArgs(sqlmock.AnyArg(), "old@b.hu", "new@b.hu", "sh", false, fixedNow).
		WillReturnError(dupErr("email_change_tokens_new_email_key"))

	tok := &store.EmailChangeToken{EmailAddress: "old@b.hu", NewEmailAddress: "new@b.hu", SlugHash: "sh", Created: fixedNow}
	assert.ErrorIs(t, s.EmailChangeTokens().Insert(ctx, tok), store.ErrDuplicate)

	mock.ExpectQuery(`(?s)FROM email_change_tokens\s+WHERE new_email = \$1 AND NOT authenticated AND created_at > \$2`).
		WithArgs("new@b.hu", cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "new_email", "slug_hash", "authenticated", "created_at"}).
			AddRow("t1", "other@b.hu", "new@b.hu", "sh2", false, fixedNow))
	got, err := s.EmailChangeTokens().FindByNewEmail(ctx, "new@b.hu")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ID)
	assert.Equal(t, "other@b.hu", got.EmailAddress)

	mock.ExpectExec(`^DELETE FROM email_change_tokens WHERE email = \$1$`).WithArgs("other@b.hu").
		WillReturnResult(sqlmock.NewResult(0, 2))
	n, err := s.EmailChangeTokens().DeleteByEmail(ctx, "other@b.hu")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReap(t *testing.T) {
	s, mock := newStoreWithMock(t)
	cutoff := fixedNow.Add(-time.Minute)

	mock.ExpectExec(`^DELETE FROM login_tokens WHERE created_at <= \$1$`).WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`^DELETE FROM email_change_tokens WHERE created_at <= \$1$`).WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := s.Reap(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)

	mock.ExpectExec(`^DELETE FROM login_tokens`).WithArgs(cutoff).
		WillReturnError(errors.New("db down"))
	_, err = s.Reap(context.Background())
	assert.ErrorContains(t, err, "db down")

	assert.NoError(t, mock.ExpectationsWereMet())
}
