// Package api exposes the history ledger, user settings and the capture
// bridge to the presentation layer over HTTP.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"msgguard/capture"
	"msgguard/history"
	"msgguard/notify"
	"msgguard/settings"
)

// Controller holds the components the handlers act on. Bridge, Escalator and
// Gatherer are optional; their routes answer 503 when missing.
type Controller struct {
	History   *history.Store
	Settings  *settings.Store
	Bridge    *capture.Bridge
	Escalator *notify.Escalator
	Gatherer  prometheus.Gatherer
	Logger    *slog.Logger
}

type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
	CorrelationID string `json:"correlation_id"`
}

// New returns an echo instance with every route registered.
func New(c *Controller) *echo.Echo {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Logger = c.Logger.With("component", "api")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))
	c.Register(e)
	return e
}

func (c *Controller) Register(e *echo.Echo) {
	v1 := e.Group("/api/v1")

	v1.GET("/history", c.ListHistory)
	v1.GET("/history/latest", c.LatestUnresolved)
	v1.GET("/history/:id", c.GetHistoryItem)
	v1.POST("/history/:id/dismiss", c.DismissHistoryItem)
	v1.POST("/history/:id/escalate", c.EscalateHistoryItem)

	v1.GET("/settings", c.GetSettings)
	v1.PUT("/settings", c.PutSettings)

	v1.GET("/bridge/status", c.BridgeStatus)
	v1.POST("/bridge/permission", c.RequestPermission)
	v1.GET("/bridge/endpoint", c.GetEndpoint)
	v1.PUT("/bridge/endpoint", c.PutEndpoint)
	v1.GET("/bridge/targets", c.GetTargets)
	v1.PUT("/bridge/targets", c.PutTargets)
	v1.GET("/bridge/active", c.ActiveNotifications)
	v1.DELETE("/bridge/notifications", c.DismissAllNotifications)
	v1.DELETE("/bridge/notifications/:key", c.DismissNotification)

	if c.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(c.Gatherer, promhttp.HandlerOpts{})))
	}
}

// HandleError logs err and writes an ErrorResponse.
func (c *Controller) HandleError(ctx echo.Context, err error, message string, code int) error {
	resp := ErrorResponse{
		Error:         message,
		Message:       message,
		Code:          code,
		CorrelationID: uuid.NewString()[:8],
	}
	if err != nil {
		resp.Error = err.Error()
	}
	logFn := c.Logger.Warn
	if code >= http.StatusInternalServerError {
		logFn = c.Logger.Error
	}
	logFn("api error",
		"correlation_id", resp.CorrelationID,
		"method", ctx.Request().Method,
		"path", ctx.Path(),
		"status", code,
		"message", message,
		"error", resp.Error)
	return ctx.JSON(code, resp)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, settings.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, notify.ErrNoGuardians):
		return http.StatusConflict
	case errors.Is(err, capture.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, capture.ErrNotListening):
		return http.StatusConflict
	case errors.Is(err, capture.ErrUnsupported):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func (c *Controller) unavailable(ctx echo.Context, what string) error {
	return c.HandleError(ctx, nil, what+" is not available", http.StatusServiceUnavailable)
}
