package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bingo-hall/internal/apperr"
	"github.com/iliyamo/bingo-hall/internal/game"
	"github.com/iliyamo/bingo-hall/internal/model"
	"github.com/iliyamo/bingo-hall/internal/repository"
	"github.com/iliyamo/bingo-hall/internal/service"
)

// SessionHandler drives the game session lifecycle.
type SessionHandler struct {
	Sessions *service.SessionService
}

func NewSessionHandler(sessions *service.SessionService) *SessionHandler {
	return &SessionHandler{Sessions: sessions}
}

type callReq struct {
	Number *int `json:"number"`
}

type completeReq struct {
	WinningPattern string `json:"winning_pattern"`
}

func (h *SessionHandler) Create(c echo.Context) error {
	p, err := mustPrincipal(c)
	if err != nil {
		return respondError(c, err)
	}
	var in service.CreateSessionInput
	if err := bind(c, &in); err != nil {
		return respondError(c, err)
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	gs, err := h.Sessions.CreateSession(ctx, p, in)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, gs)
}

// List filters by ?company_id=, ?cashier_id=, ?status= and ?limit=.
func (h *SessionHandler) List(c echo.Context) error {
	p, err := mustPrincipal(c)
	if err != nil {
		return respondError(c, err)
	}
	var f repository.SessionFilter
	if f.CompanyID, err = queryUint(c, "company_id"); err != nil {
		return respondError(c, err)
	}
	if f.CashierID, err = queryUint(c, "cashier_id"); err != nil {
		return respondError(c, err)
	}
	if f.Limit, err = queryInt(c, "limit"); err != nil {
		return respondError(c, err)
	}
	if raw := strings.TrimSpace(c.QueryParam("status")); raw != "" {
		if f.Status, err = game.ParseStatus(raw); err != nil {
			return respondError(c, apperr.Validation("%s", err.Error()))
		}
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	out, err := h.Sessions.List(ctx, p, f)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *SessionHandler) Get(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	gs, err := h.Sessions.Get(ctx, id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, gs)
}

type sessionOp func(ctx context.Context, actor *service.Principal, id uint64) (model.GameSession, error)

func (h *SessionHandler) apply(c echo.Context, op sessionOp) error {
	p, err := mustPrincipal(c)
	if err != nil {
		return respondError(c, err)
	}
	id, err := parseID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	gs, err := op(ctx, p, id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, gs)
}

func (h *SessionHandler) Start(c echo.Context) error { return h.apply(c, h.Sessions.Start) }

func (h *SessionHandler) Cancel(c echo.Context) error { return h.apply(c, h.Sessions.Cancel) }

func (h *SessionHandler) Call(c echo.Context) error {
	var req callReq
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	if req.Number == nil {
		return respondError(c, apperr.Validation("number is required"))
	}
	return h.apply(c, func(ctx context.Context, p *service.Principal, id uint64) (model.GameSession, error) {
		return h.Sessions.CallNumber(ctx, p, id, *req.Number)
	})
}

// Complete closes the session and reports the cards that won.
func (h *SessionHandler) Complete(c echo.Context) error {
	p, err := mustPrincipal(c)
	if err != nil {
		return respondError(c, err)
	}
	id, err := parseID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var req completeReq
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	res, err := h.Sessions.Complete(ctx, p, id, req.WinningPattern)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}
