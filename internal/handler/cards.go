package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bingo-hall/internal/service"
)

// CardHandler sells and inspects bingo cards.
type CardHandler struct {
	Cards  *service.CardService
	Ledger *service.LedgerService
}

func NewCardHandler(cards *service.CardService, ledger *service.LedgerService) *CardHandler {
	return &CardHandler{Cards: cards, Ledger: ledger}
}

// Issue sells a card in the session; the buy-in is written with it.
func (h *CardHandler) Issue(c echo.Context) error {
	p, err := mustPrincipal(c)
	if err != nil {
		return respondError(c, err)
	}
	sessionID, err := parseID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var in service.IssueCardInput
	if err := bind(c, &in); err != nil {
		return respondError(c, err)
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	out, err := h.Cards.IssueCard(ctx, p, sessionID, in)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *CardHandler) ListBySession(c echo.Context) error {
	sessionID, err := parseID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	out, err := h.Cards.ListBySession(ctx, sessionID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *CardHandler) Get(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	card, err := h.Cards.Get(ctx, id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, card)
}

// Check evaluates the card against ?pattern= or the session's winning
// pattern.
func (h *CardHandler) Check(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	out, err := h.Cards.CheckCard(ctx, id, c.QueryParam("pattern"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *CardHandler) Stats(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	out, err := h.Ledger.AggregateForCard(ctx, id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}
