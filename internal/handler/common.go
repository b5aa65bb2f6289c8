// Package handler adapts HTTP requests to the service layer.  Handlers bind
// and parse input, call one service operation and render its result; every
// rule about who may do what lives in the services.
package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bingo-hall/internal/apperr"
	"github.com/iliyamo/bingo-hall/internal/middleware"
	"github.com/iliyamo/bingo-hall/internal/model"
	"github.com/iliyamo/bingo-hall/internal/service"
)

// requestTimeout bounds the storage work done for one request.
const requestTimeout = 5 * time.Second

func reqCtx(c echo.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request().Context(), requestTimeout)
}

// principal returns the authenticated caller set by JWTAuth, or nil on
// public routes.
func principal(c echo.Context) *service.Principal {
	id, ok := c.Get(middleware.CtxUserID).(uint64)
	if !ok || id == 0 {
		return nil
	}
	role, _ := c.Get(middleware.CtxRole).(string)
	name, _ := c.Get(middleware.CtxUsername).(string)
	return &service.Principal{UserID: id, Role: model.Role(role), Username: name}
}

func mustPrincipal(c echo.Context) (*service.Principal, error) {
	p := principal(c)
	if p == nil {
		return nil, apperr.Auth("authentication required")
	}
	return p, nil
}

func parseID(c echo.Context, name string) (uint64, error) {
	n, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || n == 0 {
		return 0, apperr.Validation("invalid %s", name)
	}
	return n, nil
}

func queryUint(c echo.Context, name string) (uint64, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, apperr.Validation("invalid %s", name)
	}
	return n, nil
}

func queryInt(c echo.Context, name string) (int, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.Validation("invalid %s", name)
	}
	return n, nil
}

// queryTime accepts RFC 3339 timestamps or plain dates.  A plain date used
// as an upper bound covers the whole day.
func queryTime(c echo.Context, name string, upper bool) (*time.Time, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, apperr.Validation("invalid %s: use RFC 3339 or YYYY-MM-DD", name)
	}
	if upper {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return apperr.Validation("invalid body")
	}
	return nil
}

// respondError renders err as {"error", "code"} with the status of its kind.
// Internal causes are logged and masked.
func respondError(c echo.Context, err error) error {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal {
		c.Logger().Errorj(map[string]interface{}{
			"event":  "request_failed",
			"method": c.Request().Method,
			"path":   c.Path(),
			"error":  err.Error(),
		})
	}
	return c.JSON(apperr.HTTPStatus(kind), echo.Map{"error": apperr.Message(err), "code": string(kind)})
}

func noContent(c echo.Context) error { return c.NoContent(http.StatusNoContent) }
