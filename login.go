package emailauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/icza/emailauth/store"
)

// LoginRequest is the result of a successful RequestLogin.
type LoginRequest struct {
	// EmailAddress is the normalized address the code was sent to.
	EmailAddress string

	// Nonce must be presented to Login along with the emailed code.
	Nonce string

	// Code is the login code. Only set in ModeDevelopment.
	Code string

	// Encoded holds Code and Nonce in the form accepted by DecodeLoginSecret.
	// Only set in ModeDevelopment.
	Encoded string
}

// LoginResult is the result of a successful Login.
type LoginResult struct {
	User *store.User

	// BearerToken authenticates the new session.
	BearerToken string

	// Expires is the expiry of BearerToken.
	Expires time.Time
}

// RequestLogin creates a pending login for the given email address and sends
// the login code to it.
//
// An address with a pending login, or one targeted by a pending email change,
// is rejected with ErrConflict. If the email can't be sent, the pending login
// is removed and ErrTransport is returned.
func (a *Authenticator) RequestLogin(ctx context.Context, emailAddress string) (*LoginRequest, error) {
	email := NormalizeEmail(emailAddress)
	if err := validateEmail(email, "emailAddress"); err != nil {
		return nil, err
	}

	if found, err := exists(a.logins.FindByEmail(ctx, email)); err != nil {
		return nil, fmt.Errorf("looking up login token: %w", err)
	} else if found {
		return nil, errUnavailable
	}
	if found, err := exists(a.changes.FindByNewEmail(ctx, email)); err != nil {
		return nil, fmt.Errorf("looking up email change token: %w", err)
	} else if found {
		return nil, errUnavailable
	}

	code, codeHash, err := a.codec.GenerateHashed()
	if err != nil {
		return nil, err
	}
	nonce, nonceHash, err := a.codec.GenerateHashed()
	if err != nil {
		return nil, err
	}

	token := &store.LoginToken{
		EmailAddress: email,
		CodeHash:     codeHash,
		NonceHash:    nonceHash,
		Created:      a.now(),
	}
	if err := a.logins.Insert(ctx, token); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, errUnavailable
		}
		return nil, fmt.Errorf("saving login token: %w", err)
	}

	params := a.emailParams(email)
	params.Code = code
	if err := a.send(ctx, a.loginEmail, params); err != nil {
		if derr := a.logins.Delete(context.WithoutCancel(ctx), token.ID); derr != nil {
			a.log.ErrorContext(ctx, "removing login token failed", "error", derr)
		}
		return nil, err
	}

	a.log.InfoContext(ctx, "login requested", "email", email)

	lr := &LoginRequest{EmailAddress: email, Nonce: nonce}
	if a.cfg.Mode == ModeDevelopment {
		lr.Code = code
		lr.Encoded = EncodeLoginSecret(code, nonce)
	}
	return lr, nil
}

// Login verifies the code and nonce of the pending login of the given
// address. On success the user is looked up, or created if this is the
// first login with the address, and a new session is created.
//
// In ModeProduction the pending login is consumed by this call regardless
// of the outcome. In ModeDevelopment it is only consumed on success.
func (a *Authenticator) Login(ctx context.Context, emailAddress, code, nonce string) (*LoginResult, error) {
	if code == "" || nonce == "" {
		return nil, errInvalidAuth
	}
	email := NormalizeEmail(emailAddress)

	token, err := a.logins.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &Error{Kind: ErrNotFound, Message: msgInvalidAuth}
		}
		return nil, fmt.Errorf("looking up login token: %w", err)
	}

	valid := a.codec.Verify(code, token.CodeHash) && a.codec.Verify(nonce, token.NonceHash)

	if a.cfg.Mode == ModeProduction {
		if err := a.logins.Delete(ctx, token.ID); err != nil {
			return nil, fmt.Errorf("removing login token: %w", err)
		}
	}

	if !valid {
		a.log.WarnContext(ctx, "invalid login attempt", "email", email)
		return nil, errInvalidAuth
	}

	if a.cfg.Mode == ModeDevelopment {
		if err := a.logins.Delete(ctx, token.ID); err != nil {
			return nil, fmt.Errorf("removing login token: %w", err)
		}
	}

	user, err := a.findOrCreateUser(ctx, email)
	if err != nil {
		return nil, err
	}

	bearer, expires, err := a.CreateSession(ctx, user)
	if err != nil {
		return nil, err
	}

	a.log.InfoContext(ctx, "user logged in", "user", user.ID)

	return &LoginResult{User: user, BearerToken: bearer, Expires: expires}, nil
}

// findOrCreateUser returns the user with the given address, creating one
// if it doesn't exist.
func (a *Authenticator) findOrCreateUser(ctx context.Context, email string) (*store.User, error) {
	user, err := a.users.FindByEmail(ctx, email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up user: %w", err)
	}

	user = &store.User{
		EmailAddress: email,
		Verified:     true,
		Created:      a.now(),
	}
	if err := a.users.Insert(ctx, user); err != nil {
		if !errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("creating user: %w", err)
		}
		// Lost a race with a concurrent login of the same address.
		if user, err = a.users.FindByEmail(ctx, email); err != nil {
			return nil, fmt.Errorf("looking up user: %w", err)
		}
		return user, nil
	}

	a.log.InfoContext(ctx, "user created", "user", user.ID)
	return user, nil
}

type loginSecret struct {
	Code  string `json:"code"`
	Nonce string `json:"nonce"`
}

// EncodeLoginSecret encodes a login code and nonce into a single string:
// the base64 form of a JSON object with "code" and "nonce" fields.
func EncodeLoginSecret(code, nonce string) string {
	data, _ := json.Marshal(loginSecret{Code: code, Nonce: nonce})
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeLoginSecret is the inverse of EncodeLoginSecret.
// Malformed input and missing fields result in ErrAuthentication.
func DecodeLoginSecret(encoded string) (code, nonce string, err error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", errInvalidAuth
	}
	var ls loginSecret
	if err := json.Unmarshal(data, &ls); err != nil {
		return "", "", errInvalidAuth
	}
	if ls.Code == "" || ls.Nonce == "" {
		return "", "", errInvalidAuth
	}
	return ls.Code, ls.Nonce, nil
}

// exists tells if a lookup found a record.
// Errors other than store.ErrNotFound are returned.
func exists[T any](_ T, err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	}
	return false, err
}
