package emailauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/icza/emailauth/store"
)

// GetUser returns the user with the given ID.
func (a *Authenticator) GetUser(ctx context.Context, id string) (*store.User, error) {
	user, err := a.users.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &Error{Kind: ErrNotFound, Message: "User not found."}
		}
		return nil, fmt.Errorf("looking up user: %w", err)
	}
	return user, nil
}

// DeleteAccount deletes user along with the email change tokens requested
// from its address. All sessions of the user end with it.
func (a *Authenticator) DeleteAccount(ctx context.Context, user *store.User) error {
	n, err := a.changes.DeleteByEmail(ctx, user.EmailAddress)
	if err != nil {
		return fmt.Errorf("removing email change tokens: %w", err)
	}

	if err := a.users.Delete(ctx, user.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &Error{Kind: ErrNotFound, Message: "User not found."}
		}
		return fmt.Errorf("removing user: %w", err)
	}

	a.log.InfoContext(ctx, "account deleted", "user", user.ID, "changeTokens", n)
	return nil
}
