package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/icza/emailauth"
	"github.com/icza/emailauth/internal/logging"
)

// ErrorBody is the error part of failed responses.
type ErrorBody struct {
	Status  int         `json:"status"`
	Message string      `json:"message"`
	Details [][2]string `json:"details"`
}

// ErrorResponse is the body of failed responses.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

func statusOf(kind error) int {
	switch kind {
	case emailauth.ErrValidation:
		return http.StatusBadRequest
	case emailauth.ErrConflict:
		return http.StatusConflict
	case emailauth.ErrNotFound:
		return http.StatusNotFound
	case emailauth.ErrAuthentication, emailauth.ErrSessionExpired:
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

// NewErrorHandler returns an echo.HTTPErrorHandler writing ErrorResponse
// bodies. Errors other than *emailauth.Error and *echo.HTTPError are logged
// and reported as a generic internal error.
func NewErrorHandler(log logging.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		body := ErrorBody{Details: [][2]string{}}

		var (
			aerr *emailauth.Error
			herr *echo.HTTPError
		)
		switch {
		case errors.As(err, &aerr):
			body.Status = statusOf(aerr.Kind)
			body.Message = aerr.Message
			if aerr.Field != "" {
				body.Details = append(body.Details, [2]string{aerr.Field, aerr.Message})
			}
			if aerr.Kind == emailauth.ErrValidation {
				body.Message = "There were issues validating your input."
			}
		case errors.As(err, &herr):
			body.Status = herr.Code
			body.Message = http.StatusText(herr.Code)
			if msg, ok := herr.Message.(string); ok && msg != "" {
				body.Message = msg
			}
		default:
			log.Error(c.Request().Context(), "request failed",
				"method", c.Request().Method, "path", c.Path(), "error", err)
			body.Status = http.StatusInternalServerError
			body.Message = http.StatusText(http.StatusInternalServerError)
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(body.Status)
		} else {
			werr = c.JSON(body.Status, ErrorResponse{Error: body})
		}
		if werr != nil {
			log.Error(c.Request().Context(), "writing error response failed", "error", werr)
		}
	}
}
