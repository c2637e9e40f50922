package emailauth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/icza/emailauth/store"
)

// Session is an authenticated session.
type Session struct {
	User *store.User

	// ID is the raw session secret carried by the bearer token.
	// It identifies the session to RevokeSession.
	ID string

	// Expires is the expiry of the bearer token.
	Expires time.Time
}

var validMethods = []string{jwt.SigningMethodHS256.Alg()}

func (a *Authenticator) keyFunc(*jwt.Token) (any, error) {
	return a.cfg.SigningKey, nil
}

// CreateSession creates a new session for user: a new session secret is
// generated, its hash is added to the user's session nonces, and a signed
// bearer token carrying the raw secret is returned.
func (a *Authenticator) CreateSession(ctx context.Context, user *store.User) (bearer string, expires time.Time, err error) {
	raw, hash, err := a.codec.GenerateHashed()
	if err != nil {
		return "", time.Time{}, err
	}

	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   user.ID,
		ExpiresAt: jwt.NewNumericDate(now.Add(a.cfg.SessionLifetime)),
		IssuedAt:  jwt.NewNumericDate(now),
		ID:        raw,
	}
	bearer, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.cfg.SigningKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing bearer token: %w", err)
	}

	user.SessionNonces = append(user.SessionNonces, hash)
	if err := a.users.Save(ctx, user); err != nil {
		user.SessionNonces = user.SessionNonces[:len(user.SessionNonces)-1]
		return "", time.Time{}, fmt.Errorf("saving user: %w", err)
	}

	return bearer, claims.ExpiresAt.Time, nil
}

// VerifyBearer verifies a bearer token and returns the session it belongs to.
//
// ErrSessionExpired is returned for a properly signed but expired token, in
// which case its session is removed from the user as a side effect.
// ErrAuthentication is returned for invalid tokens, for unknown or
// unverified users and for revoked sessions.
func (a *Authenticator) VerifyBearer(ctx context.Context, bearer string) (*Session, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(bearer, claims, a.keyFunc,
		jwt.WithValidMethods(validMethods),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			a.removeExpiredSession(ctx, bearer)
			return nil, errSessionExpired
		}
		return nil, errNotLoggedIn
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, errNotLoggedIn
	}

	user, err := a.users.FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errNotLoggedIn
		}
		return nil, fmt.Errorf("looking up user: %w", err)
	}
	if !user.Verified {
		return nil, errNotLoggedIn
	}

	if a.codec.Find(claims.ID, user.SessionNonces) < 0 {
		return nil, errNotLoggedIn
	}

	return &Session{User: user, ID: claims.ID, Expires: claims.ExpiresAt.Time}, nil
}

// removeExpiredSession removes the session of an expired bearer token from
// its user. The claims are decoded by a separate parse that checks the
// signature but not the expiry. Failures are only logged.
func (a *Authenticator) removeExpiredSession(ctx context.Context, bearer string) {
	claims := &jwt.RegisteredClaims{}
	if _, err := jwt.ParseWithClaims(bearer, claims, a.keyFunc,
		jwt.WithValidMethods(validMethods),
		jwt.WithoutClaimsValidation(),
	); err != nil {
		a.log.WarnContext(ctx, "decoding expired bearer token failed", "error", err)
		return
	}
	if claims.Subject == "" || claims.ID == "" {
		return
	}

	user, err := a.users.FindByID(ctx, claims.Subject)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			a.log.ErrorContext(ctx, "looking up user of expired session failed", "error", err)
		}
		return
	}

	i := a.codec.Find(claims.ID, user.SessionNonces)
	if i < 0 {
		return
	}
	user.SessionNonces = slices.Delete(user.SessionNonces, i, i+1)
	if err := a.users.Save(ctx, user); err != nil {
		a.log.ErrorContext(ctx, "removing expired session failed", "user", user.ID, "error", err)
		return
	}
	a.log.InfoContext(ctx, "expired session removed", "user", user.ID)
}

// RevokeSession removes the session with the given ID from user.
// Revoking an unknown session is a no-op.
func (a *Authenticator) RevokeSession(ctx context.Context, user *store.User, sessionID string) error {
	i := a.codec.Find(sessionID, user.SessionNonces)
	if i < 0 {
		return nil
	}
	user.SessionNonces = slices.Delete(user.SessionNonces, i, i+1)
	if err := a.users.Save(ctx, user); err != nil {
		return fmt.Errorf("saving user: %w", err)
	}
	return nil
}

// RevokeAllSessions removes all sessions of user.
func (a *Authenticator) RevokeAllSessions(ctx context.Context, user *store.User) error {
	user.SessionNonces = []string{}
	if err := a.users.Save(ctx, user); err != nil {
		return fmt.Errorf("saving user: %w", err)
	}
	return nil
}

// ParseBearerHeader returns the token of an "Authorization: Bearer <token>"
// header value. ErrAuthentication is returned if there is no token.
func ParseBearerHeader(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", errNotLoggedIn
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errNotLoggedIn
	}
	return token, nil
}
