package httpapi

import (
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/icza/emailauth"
	"github.com/icza/emailauth/internal/logging"
)

const (
	headerRequestID = "X-Request-ID"

	sessionKey = "session"
)

// RequestID tags each request with an ID, taken from the X-Request-ID header
// or generated. The ID is echoed in the response and carried by the request
// context for logging.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get(headerRequestID)
			if id == "" || len(id) > 64 {
				id = uuid.NewString()
			}
			c.Response().Header().Set(headerRequestID, id)

			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))
			return next(c)
		}
	}
}

// AccessLog logs every request after it's served.
func AccessLog(log logging.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				// Let the error handler write the response so its status is logged.
				c.Error(err)
			}
			log.Info(c.Request().Context(), "request",
				"method", c.Request().Method,
				"path", c.Path(),
				"status", c.Response().Status,
				"duration", time.Since(start),
			)
			return nil
		}
	}
}

// RequireSession verifies the bearer token of the request and stores the
// session in the context. Requests without a valid session are rejected.
func RequireSession(auth *emailauth.Authenticator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, err := emailauth.ParseBearerHeader(c.Request().Header.Get(echo.HeaderAuthorization))
			if err != nil {
				return err
			}
			s, err := auth.VerifyBearer(c.Request().Context(), token)
			if err != nil {
				return err
			}
			c.Set(sessionKey, s)
			return next(c)
		}
	}
}

// sessionOf returns the session stored by RequireSession.
func sessionOf(c echo.Context) *emailauth.Session {
	s, _ := c.Get(sessionKey).(*emailauth.Session)
	return s
}
