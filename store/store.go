// Package store defines the records persisted by the authenticator and the
// repositories the backends implement.
//
// Three logical collections exist: users, login tokens and email change
// tokens. Backends must enforce the unique keys documented on the record
// types and must treat transient records older than their configured TTL as
// absent: finds never return them and they never block an insert.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no record matches a lookup.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when a write would violate a unique key.
	ErrDuplicate = errors.New("store: duplicate key")
)

// User is a registered user.
type User struct {
	// ID of the user, assigned by the store on insert.
	ID string `bson:"_id"`

	// EmailAddress of the user. Unique among users.
	EmailAddress string `bson:"email"`

	// SessionNonces holds the hashes of the session secrets, one per logged
	// in device, in creation order.
	SessionNonces []string `bson:"nonces"`

	// Verified tells if the user may log in. Users created by a login are verified.
	Verified bool `bson:"verified"`

	// Created is the user creation timestamp.
	Created time.Time `bson:"c"`
}

// LoginToken is a pending login request.
type LoginToken struct {
	ID string `bson:"_id"`

	// EmailAddress the login was requested for. Unique among login tokens.
	EmailAddress string `bson:"email"`

	// CodeHash is the hash of the code sent in email.
	CodeHash string `bson:"codeh"`

	// NonceHash is the hash of the nonce returned to the requesting client.
	NonceHash string `bson:"nonceh"`

	// Created is the TTL anchor.
	Created time.Time `bson:"c"`
}

// EmailChangeToken is a pending request to change a user's email address.
type EmailChangeToken struct {
	ID string `bson:"_id"`

	// EmailAddress is the current address of the requesting user.
	// Unique among email change tokens.
	EmailAddress string `bson:"email"`

	// NewEmailAddress is the requested address. Unique among email change tokens.
	NewEmailAddress string `bson:"newemail"`

	// SlugHash is the hash of the secret sent to the new address.
	SlugHash string `bson:"slugh"`

	// Authenticated is never set by the authenticator: a confirmed change
	// deletes the token. Lookups only consider unauthenticated tokens.
	Authenticated bool `bson:"auth"`

	// Created is the TTL anchor.
	Created time.Time `bson:"c"`
}

// Users is the repository of users.
type Users interface {
	FindByID(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)

	// Insert stores a new user and sets its ID.
	Insert(ctx context.Context, u *User) error

	// Save replaces the email address, session nonces and verified flag of an
	// existing user.
	Save(ctx context.Context, u *User) error

	Delete(ctx context.Context, id string) error
}

// LoginTokens is the repository of login tokens.
type LoginTokens interface {
	FindByEmail(ctx context.Context, email string) (*LoginToken, error)

	// Insert stores a new token and sets its ID.
	Insert(ctx context.Context, t *LoginToken) error

	// Delete removes the token. Deleting a missing token is not an error.
	Delete(ctx context.Context, id string) error
}

// EmailChangeTokens is the repository of email change tokens.
type EmailChangeTokens interface {
	FindByEmail(ctx context.Context, email string) (*EmailChangeToken, error)
	FindByNewEmail(ctx context.Context, newEmail string) (*EmailChangeToken, error)

	// Insert stores a new token and sets its ID.
	Insert(ctx context.Context, t *EmailChangeToken) error

	// Delete removes the token. Deleting a missing token is not an error.
	Delete(ctx context.Context, id string) error

	// DeleteByEmail removes all tokens requested by the given address.
	DeleteByEmail(ctx context.Context, email string) (int64, error)
}

// Store vends the repositories of a backend.
type Store interface {
	Users() Users
	LoginTokens() LoginTokens
	EmailChangeTokens() EmailChangeTokens
}
