// Package memstore is an in-process store.Store.
//
// It enforces the same unique keys as the database backends and expires
// transient records lazily: an expired token is dropped the moment a lookup
// or a colliding insert touches it. It is meant for development and tests.
package memstore

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/icza/emailauth/store"
)

// Store is a memory backed store.Store. It's safe for concurrent use.
type Store struct {
	mu  sync.Mutex
	ttl time.Duration
	now func() time.Time

	users        map[string]*store.User
	loginTokens  map[string]*store.LoginToken
	changeTokens map[string]*store.EmailChangeToken
}

// New creates a new Store whose login and email change tokens live for ttl.
// A non-positive ttl disables expiry.
func New(ttl time.Duration) *Store {
	return &Store{
		ttl:          ttl,
		now:          time.Now,
		users:        map[string]*store.User{},
		loginTokens:  map[string]*store.LoginToken{},
		changeTokens: map[string]*store.EmailChangeToken{},
	}
}

// SetClock replaces the time source used for expiry. Used by tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Users() store.Users                         { return users{s} }
func (s *Store) LoginTokens() store.LoginTokens             { return loginTokens{s} }
func (s *Store) EmailChangeTokens() store.EmailChangeTokens { return changeTokens{s} }

func (s *Store) expired(created time.Time) bool {
	return s.ttl > 0 && !s.now().Before(created.Add(s.ttl))
}

// reap drops expired tokens. Must be called with mu held.
func (s *Store) reap() {
	for id, t := range s.loginTokens {
		if s.expired(t.Created) {
			delete(s.loginTokens, id)
		}
	}
	for id, t := range s.changeTokens {
		if s.expired(t.Created) {
			delete(s.changeTokens, id)
		}
	}
}

func copyUser(u *store.User) *store.User {
	c := *u
	c.SessionNonces = slices.Clone(u.SessionNonces)
	return &c
}

type users struct{ s *Store }

func (r users) FindByID(ctx context.Context, id string) (*store.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	u, ok := r.s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyUser(u), nil
}

func (r users) FindByEmail(ctx context.Context, email string) (*store.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if u := r.byEmail(email); u != nil {
		return copyUser(u), nil
	}
	return nil, store.ErrNotFound
}

func (r users) byEmail(email string) *store.User {
	for _, u := range r.s.users {
		if u.EmailAddress == email {
			return u
		}
	}
	return nil
}

func (r users) Insert(ctx context.Context, u *store.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if r.byEmail(u.EmailAddress) != nil {
		return store.ErrDuplicate
	}
	u.ID = uuid.NewString()
	r.s.users[u.ID] = copyUser(u)
	return nil
}

func (r users) Save(ctx context.Context, u *store.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.users[u.ID]; !ok {
		return store.ErrNotFound
	}
	if other := r.byEmail(u.EmailAddress); other != nil && other.ID != u.ID {
		return store.ErrDuplicate
	}
	r.s.users[u.ID] = copyUser(u)
	return nil
}

func (r users) Delete(ctx context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.users[id]; !ok {
		return store.ErrNotFound
	}
	delete(r.s.users, id)
	return nil
}

type loginTokens struct{ s *Store }

func (r loginTokens) FindByEmail(ctx context.Context, email string) (*store.LoginToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	r.s.reap()
	for _, t := range r.s.loginTokens {
		if t.EmailAddress == email {
			c := *t
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r loginTokens) Insert(ctx context.Context, t *store.LoginToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	r.s.reap()
	for _, other := range r.s.loginTokens {
		if other.EmailAddress == t.EmailAddress ||
			other.CodeHash == t.CodeHash ||
			other.NonceHash == t.NonceHash {
			return store.ErrDuplicate
		}
	}
	t.ID = uuid.NewString()
	c := *t
	r.s.loginTokens[t.ID] = &c
	return nil
}

func (r loginTokens) Delete(ctx context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	delete(r.s.loginTokens, id)
	return nil
}

type changeTokens struct{ s *Store }

func (r changeTokens) find(match func(t *store.EmailChangeToken) bool) (*store.EmailChangeToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	r.s.reap()
	for _, t := range r.s.changeTokens {
		if !t.Authenticated && match(t) {
			c := *t
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r changeTokens) FindByEmail(ctx context.Context, email string) (*store.EmailChangeToken, error) {
	return r.find(func(t *store.EmailChangeToken) bool { return t.EmailAddress == email })
}

func (r changeTokens) FindByNewEmail(ctx context.Context, newEmail string) (*store.EmailChangeToken, error) {
	return r.find(func(t *store.EmailChangeToken) bool { return t.NewEmailAddress == newEmail })
}

func (r changeTokens) Insert(ctx context.Context, t *store.EmailChangeToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	r.s.reap()
	for _, other := range r.s.changeTokens {
		if other.EmailAddress == t.EmailAddress || other.NewEmailAddress == t.NewEmailAddress {
			return store.ErrDuplicate
		}
	}
	t.ID = uuid.NewString()
	c := *t
	r.s.changeTokens[t.ID] = &c
	return nil
}

func (r changeTokens) Delete(ctx context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	delete(r.s.changeTokens, id)
	return nil
}

func (r changeTokens) DeleteByEmail(ctx context.Context, email string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	for id, t := range r.s.changeTokens {
		if t.EmailAddress == email {
			delete(r.s.changeTokens, id)
			n++
		}
	}
	return n, nil
}
