package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"msgguard/history"
	"msgguard/settings"
)

type historyListResponse struct {
	Items []history.Item `json:"items"`
	Total int            `json:"total"`
}

// ListHistory returns the ledger newest first. The optional limit query
// parameter truncates the listing.
func (c *Controller) ListHistory(ctx echo.Context) error {
	items, err := c.History.List(ctx.Request().Context())
	if err != nil {
		return c.HandleError(ctx, err, "failed to list history", statusFor(err))
	}
	total := len(items)
	if raw := ctx.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return c.HandleError(ctx, err, "limit must be a non-negative integer", http.StatusBadRequest)
		}
		if limit < len(items) {
			items = items[:limit]
		}
	}
	if items == nil {
		items = []history.Item{}
	}
	return ctx.JSON(http.StatusOK, historyListResponse{Items: items, Total: total})
}

func (c *Controller) LatestUnresolved(ctx echo.Context) error {
	item, err := c.History.LatestUnresolved(ctx.Request().Context())
	if err != nil {
		return c.HandleError(ctx, err, "no unresolved alert", statusFor(err))
	}
	return ctx.JSON(http.StatusOK, item)
}

func (c *Controller) GetHistoryItem(ctx echo.Context) error {
	item, err := c.History.Get(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return c.HandleError(ctx, err, "history item not found", statusFor(err))
	}
	return ctx.JSON(http.StatusOK, item)
}

func (c *Controller) DismissHistoryItem(ctx echo.Context) error {
	rctx := ctx.Request().Context()
	id := ctx.Param("id")
	if err := c.History.Dismiss(rctx, id); err != nil {
		return c.HandleError(ctx, err, "failed to dismiss history item", statusFor(err))
	}
	item, err := c.History.Get(rctx, id)
	if err != nil {
		return c.HandleError(ctx, err, "failed to reload history item", statusFor(err))
	}
	return ctx.JSON(http.StatusOK, item)
}

type escalateResponse struct {
	Notified []string `json:"notified"`
	Error    string   `json:"error,omitempty"`
}

// EscalateHistoryItem forwards an item to the guardians. A partial delivery
// answers 207 with the reached guardians and the joined errors.
func (c *Controller) EscalateHistoryItem(ctx echo.Context) error {
	if c.Escalator == nil {
		return c.unavailable(ctx, "escalation")
	}
	rctx := ctx.Request().Context()
	item, err := c.History.Get(rctx, ctx.Param("id"))
	if err != nil {
		return c.HandleError(ctx, err, "history item not found", statusFor(err))
	}
	reached, err := c.Escalator.Escalate(rctx, item)
	if err != nil && len(reached) == 0 {
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			code = http.StatusBadGateway
		}
		return c.HandleError(ctx, err, "failed to notify guardians", code)
	}
	resp := escalateResponse{Notified: reached}
	if err != nil {
		resp.Error = err.Error()
		return ctx.JSON(http.StatusMultiStatus, resp)
	}
	return ctx.JSON(http.StatusOK, resp)
}

func (c *Controller) GetSettings(ctx echo.Context) error {
	st, err := c.Settings.Load(ctx.Request().Context())
	if err != nil {
		return c.HandleError(ctx, err, "failed to load settings", statusFor(err))
	}
	return ctx.JSON(http.StatusOK, st)
}

func (c *Controller) PutSettings(ctx echo.Context) error {
	var in settings.Settings
	if err := ctx.Bind(&in); err != nil {
		return c.HandleError(ctx, err, "invalid settings payload", http.StatusBadRequest)
	}
	st, err := c.Settings.Save(ctx.Request().Context(), in)
	if err != nil {
		return c.HandleError(ctx, err, "failed to save settings", statusFor(err))
	}
	return ctx.JSON(http.StatusOK, st)
}

func (c *Controller) BridgeStatus(ctx echo.Context) error {
	if c.Bridge == nil {
		return c.unavailable(ctx, "notification bridge")
	}
	return ctx.JSON(http.StatusOK, c.Bridge.Status())
}

func (c *Controller) RequestPermission(ctx echo.Context) error {
	if c.Bridge == nil {
		return c.unavailable(ctx, "notification bridge")
	}
	if err := c.Bridge.RequestPermission(ctx.Request().Context()); err != nil {
		return c.HandleError(ctx, err, "failed to request permission", statusFor(err))
	}
	return ctx.JSON(http.StatusAccepted, c.Bridge.Status())
}

type endpointBody struct {
	Endpoint string `json:"endpoint"`
}

func (c *Controller) GetEndpoint(ctx echo.Context) error {
	if c.Bridge == nil {
		return c.unavailable(ctx, "notification bridge")
	}
	return ctx.JSON(http.StatusOK, endpointBody{Endpoint: c.Bridge.APIEndpoint()})
}

func (c *Controller) PutEndpoint(ctx echo.Context) error {
	if c.Bridge == nil {
		return c.unavailable(ctx, "notification bridge")
	}
	var in endpointBody
	if err := ctx.Bind(&in); err != nil {
		return c.HandleError(ctx, err, "invalid endpoint payload", http.StatusBadRequest)
	}
	if err := c.Bridge.SetAPIEndpoint(in.Endpoint); err != nil {
		return c.HandleError(ctx, err, "invalid endpoint", http.StatusBadRequest)
	}
	return ctx.JSON(http.StatusOK, endpointBody{Endpoint: c.Bridge.APIEndpoint()})
}

type targetsBody struct {
	Packages []string `json:"packages"`
}

func (c *Controller) GetTargets(ctx echo.Context) error {
	if c.Bridge == nil {
		return c.unavailable(ctx, "notification bridge")
	}
	return ctx.JSON(http.StatusOK, targetsBody{Packages: nonNil(c.Bridge.TargetPackages())})
}

func (c *Controller) PutTargets(ctx echo.Context) error {
	if c.Bridge == nil {
		return c.unavailable(ctx, "notification bridge")
	}
	var in targetsBody
	if err := ctx.Bind(&in); err != nil {
		return c.HandleError(ctx, err, "invalid targets payload", http.StatusBadRequest)
	}
	pkgs := make([]string, 0, len(in.Packages))
	for _, p := range in.Packages {
		if p = strings.TrimSpace(p); p != "" {
			pkgs = append(pkgs, p)
		}
	}
	c.Bridge.SetTargetPackages(pkgs)
	return ctx.JSON(http.StatusOK, targetsBody{Packages: nonNil(c.Bridge.TargetPackages())})
}

func (c *Controller) ActiveNotifications(ctx echo.Context) error {
	if c.Bridge == nil {
		return c.unavailable(ctx, "notification bridge")
	}
	events, err := c.Bridge.ActiveNotifications(ctx.Request().Context())
	if err != nil {
		return c.HandleError(ctx, err, "failed to read active notifications", statusFor(err))
	}
	if events == nil {
		return ctx.JSON(http.StatusOK, []any{})
	}
	return ctx.JSON(http.StatusOK, events)
}

func (c *Controller) DismissNotification(ctx echo.Context) error {
	if c.Bridge == nil {
		return c.unavailable(ctx, "notification bridge")
	}
	if err := c.Bridge.DismissNotification(ctx.Request().Context(), ctx.Param("key")); err != nil {
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			code = http.StatusBadRequest
		}
		return c.HandleError(ctx, err, "failed to dismiss notification", code)
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (c *Controller) DismissAllNotifications(ctx echo.Context) error {
	if c.Bridge == nil {
		return c.unavailable(ctx, "notification bridge")
	}
	if err := c.Bridge.DismissAllNotifications(ctx.Request().Context()); err != nil {
		return c.HandleError(ctx, err, "failed to dismiss notifications", statusFor(err))
	}
	return ctx.NoContent(http.StatusNoContent)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
