// Package httpapi exposes the Authenticator over HTTP using echo.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/icza/emailauth"
	"github.com/icza/emailauth/internal/logging"
	"github.com/icza/emailauth/store"
)

// RequestTimeout bounds the work done for a single request.
const RequestTimeout = 10 * time.Second

// Handler serves the authentication endpoints.
type Handler struct {
	auth *emailauth.Authenticator
	log  logging.Logger
}

// NewHandler creates a new Handler.
func NewHandler(auth *emailauth.Authenticator, log logging.Logger) *Handler {
	if auth == nil {
		panic("auth must be provided")
	}
	if log == nil {
		panic("log must be provided")
	}
	return &Handler{auth: auth, log: log}
}

type requestLoginRequest struct {
	EmailAddress string `json:"emailAddress"`
}

type requestLoginResponse struct {
	Message      string `json:"message"`
	EmailAddress string `json:"emailAddress"`
	Nonce        string `json:"nonce"`
	Code         string `json:"code,omitempty"`
	EncodedAuth  string `json:"encodedAuth,omitempty"`
}

type loginRequest struct {
	EmailAddress string `json:"emailAddress"`
	Code         string `json:"code"`
	Nonce        string `json:"nonce"`
	EncodedAuth  string `json:"encodedAuth"`
}

type loginResponse struct {
	Token   string       `json:"token"`
	Expires time.Time    `json:"expires"`
	User    userResponse `json:"user"`
}

type userResponse struct {
	ID           string    `json:"id"`
	EmailAddress string    `json:"emailAddress"`
	Sessions     int       `json:"sessions"`
	Created      time.Time `json:"created"`
}

type deleteRequest struct {
	Consent bool `json:"consent"`
}

type changeEmailRequest struct {
	NewEmailAddress string `json:"newEmailAddress"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func toUserResponse(u *store.User) userResponse {
	return userResponse{
		ID:           u.ID,
		EmailAddress: u.EmailAddress,
		Sessions:     len(u.SessionNonces),
		Created:      u.Created,
	}
}

func (h *Handler) ctx(c echo.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request().Context(), RequestTimeout)
}

// RequestLogin handles POST /api/login-token.
func (h *Handler) RequestLogin(c echo.Context) error {
	var req requestLoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx, cancel := h.ctx(c)
	defer cancel()

	lr, err := h.auth.RequestLogin(ctx, req.EmailAddress)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, requestLoginResponse{
		Message:      "Check your email for the login verification code.",
		EmailAddress: lr.EmailAddress,
		Nonce:        lr.Nonce,
		Code:         lr.Code,
		EncodedAuth:  lr.Encoded,
	})
}

// Login handles POST /api/login-token/authenticate.
// The secret is either given as code and nonce, or as encodedAuth.
func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	code, nonce := req.Code, req.Nonce
	if req.EncodedAuth != "" {
		var err error
		if code, nonce, err = emailauth.DecodeLoginSecret(req.EncodedAuth); err != nil {
			return err
		}
	}

	ctx, cancel := h.ctx(c)
	defer cancel()

	res, err := h.auth.Login(ctx, req.EmailAddress, code, nonce)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, loginResponse{
		Token:   res.BearerToken,
		Expires: res.Expires,
		User:    toUserResponse(res.User),
	})
}

// Me handles GET /api/user.
func (h *Handler) Me(c echo.Context) error {
	return c.JSON(http.StatusOK, toUserResponse(sessionOf(c).User))
}

// Logout handles POST /api/user/logout.
func (h *Handler) Logout(c echo.Context) error {
	s := sessionOf(c)

	ctx, cancel := h.ctx(c)
	defer cancel()

	if err := h.auth.RevokeSession(ctx, s.User, s.ID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, messageResponse{"You are now logged out."})
}

// LogoutAll handles POST /api/user/logout-all.
func (h *Handler) LogoutAll(c echo.Context) error {
	ctx, cancel := h.ctx(c)
	defer cancel()

	if err := h.auth.RevokeAllSessions(ctx, sessionOf(c).User); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, messageResponse{"You are now logged out of all sessions."})
}

// DeleteAccount handles DELETE /api/user.
func (h *Handler) DeleteAccount(c echo.Context) error {
	var req deleteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if !req.Consent {
		return &emailauth.Error{
			Kind:    emailauth.ErrValidation,
			Message: "Account deletion requires explicit consent.",
			Field:   "consent",
		}
	}

	ctx, cancel := h.ctx(c)
	defer cancel()

	if err := h.auth.DeleteAccount(ctx, sessionOf(c).User); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, messageResponse{"Your account has been deleted."})
}

// RequestEmailChange handles POST /api/user/change-email.
func (h *Handler) RequestEmailChange(c echo.Context) error {
	var req changeEmailRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx, cancel := h.ctx(c)
	defer cancel()

	if err := h.auth.RequestEmailChange(ctx, sessionOf(c).User, req.NewEmailAddress); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, messageResponse{"Check your new email inbox for the verification link."})
}

// ConfirmEmailChange handles GET /api/user/verify-change-email?slug=.
func (h *Handler) ConfirmEmailChange(c echo.Context) error {
	slug := c.QueryParam("slug")
	if slug == "" {
		return &emailauth.Error{
			Kind:    emailauth.ErrValidation,
			Message: "Missing verification slug.",
			Field:   "slug",
		}
	}

	ctx, cancel := h.ctx(c)
	defer cancel()

	if err := h.auth.ConfirmEmailChange(ctx, sessionOf(c).User, slug); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, messageResponse{"Your account's email address was changed successfully."})
}

// Health handles GET /healthz.
func Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}
