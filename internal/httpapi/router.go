package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// NewServer returns an echo instance with all routes of h registered.
func NewServer(h *Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = NewErrorHandler(h.log)
	e.Use(RequestID(), AccessLog(h.log))

	Register(e, h)
	return e
}

// Register registers the routes of h on e.
func Register(e *echo.Echo, h *Handler) {
	e.GET("/healthz", Health)

	tokens := e.Group("/api/login-token")
	tokens.POST("", h.RequestLogin)
	tokens.POST("/authenticate", h.Login)

	user := e.Group("/api/user", RequireSession(h.auth))
	user.GET("", h.Me)
	user.DELETE("", h.DeleteAccount)
	user.Match([]string{http.MethodGet, http.MethodPost}, "/logout", h.Logout)
	user.Match([]string{http.MethodGet, http.MethodPost}, "/logout-all", h.LogoutAll)
	user.POST("/change-email", h.RequestEmailChange)
	user.GET("/verify-change-email", h.ConfirmEmailChange)
}
