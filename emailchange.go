package emailauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/icza/emailauth/store"
)

// RequestEmailChange creates a pending change of user's email address to
// newEmailAddress. A notice is sent to the current address, and a link with
// the verification secret to the new one.
//
// ErrConflict is returned if the new address belongs to a user, or is
// claimed by a pending login or another pending email change. These checks
// are sequential and not atomic with the insert: only a clash within the
// email change tokens is guaranteed to be caught.
func (a *Authenticator) RequestEmailChange(ctx context.Context, user *store.User, newEmailAddress string) error {
	email := NormalizeEmail(newEmailAddress)
	if err := validateEmail(email, "newEmailAddress"); err != nil {
		return err
	}

	if found, err := exists(a.users.FindByEmail(ctx, email)); err != nil {
		return fmt.Errorf("looking up user: %w", err)
	} else if found {
		return errTaken
	}
	if found, err := exists(a.logins.FindByEmail(ctx, email)); err != nil {
		return fmt.Errorf("looking up login token: %w", err)
	} else if found {
		return errUnavailable
	}
	if found, err := exists(a.changes.FindByNewEmail(ctx, email)); err != nil {
		return fmt.Errorf("looking up email change token: %w", err)
	} else if found {
		return errUnavailable
	}

	slug, slugHash, err := a.codec.GenerateHashed()
	if err != nil {
		return err
	}
	token := &store.EmailChangeToken{
		EmailAddress:    user.EmailAddress,
		NewEmailAddress: email,
		SlugHash:        slugHash,
		Created:         a.now(),
	}
	if err := a.changes.Insert(ctx, token); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return errUnavailable
		}
		return fmt.Errorf("saving email change token: %w", err)
	}

	notice := a.emailParams(user.EmailAddress)
	notice.NewEmail = email
	err = a.send(ctx, a.noticeEmail, notice)
	if err == nil {
		verify := a.emailParams(email)
		verify.NewEmail = email
		verify.VerifyURL = a.verifyURL(slug)
		err = a.send(ctx, a.verifyEmail, verify)
	}
	if err != nil {
		if derr := a.changes.Delete(context.WithoutCancel(ctx), token.ID); derr != nil {
			a.log.ErrorContext(ctx, "removing email change token failed", "error", derr)
		}
		return err
	}

	a.log.InfoContext(ctx, "email change requested", "user", user.ID)
	return nil
}

// ConfirmEmailChange applies the pending email change of user if slug is
// its verification secret.
//
// The user is saved with the new address before the pending change is
// removed. If the removal does not happen (e.g. the process crashes), calling
// this again with the same slug finds the pending change by its new address
// and completes it.
func (a *Authenticator) ConfirmEmailChange(ctx context.Context, user *store.User, slug string) error {
	token, err := a.changes.FindByEmail(ctx, user.EmailAddress)
	if errors.Is(err, store.ErrNotFound) {
		return a.resumeEmailChange(ctx, user, slug)
	}
	if err != nil {
		return fmt.Errorf("looking up email change token: %w", err)
	}

	if !a.codec.Verify(slug, token.SlugHash) {
		return &Error{Kind: ErrAuthentication, Message: msgChangeFailed}
	}

	oldEmail := user.EmailAddress
	user.EmailAddress = token.NewEmailAddress
	if err := a.users.Save(ctx, user); err != nil {
		user.EmailAddress = oldEmail
		if errors.Is(err, store.ErrDuplicate) {
			return errTaken
		}
		return fmt.Errorf("saving user: %w", err)
	}

	a.removeChangeToken(ctx, token)
	a.log.InfoContext(ctx, "email address changed", "user", user.ID)
	return nil
}

// resumeEmailChange completes an email change whose user was already saved
// with the new address but whose token was not removed.
func (a *Authenticator) resumeEmailChange(ctx context.Context, user *store.User, slug string) error {
	token, err := a.changes.FindByNewEmail(ctx, user.EmailAddress)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &Error{Kind: ErrNotFound, Message: msgChangeFailed}
		}
		return fmt.Errorf("looking up email change token: %w", err)
	}
	if !a.codec.Verify(slug, token.SlugHash) {
		return &Error{Kind: ErrAuthentication, Message: msgChangeFailed}
	}

	a.removeChangeToken(ctx, token)
	a.log.InfoContext(ctx, "email change completed", "user", user.ID)
	return nil
}

// removeChangeToken deletes a consumed token. A failure is only logged: the
// change is already applied, and a left-over token expires.
func (a *Authenticator) removeChangeToken(ctx context.Context, token *store.EmailChangeToken) {
	if err := a.changes.Delete(context.WithoutCancel(ctx), token.ID); err != nil {
		a.log.ErrorContext(ctx, "removing email change token failed", "error", err)
	}
}
