package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/iliyamo/bingo-hall/internal/apperr"
	"github.com/iliyamo/bingo-hall/internal/model"
	"github.com/iliyamo/bingo-hall/internal/repository"
	"github.com/iliyamo/bingo-hall/internal/service"
)

// LedgerHandler records money movements and reports on them.
type LedgerHandler struct {
	Ledger *service.LedgerService
}

func NewLedgerHandler(ledger *service.LedgerService) *LedgerHandler {
	return &LedgerHandler{Ledger: ledger}
}

type payoutReq struct {
	Amount *decimal.Decimal `json:"amount"`
	Notes  *string          `json:"notes"`
}

type notesReq struct {
	Notes *string `json:"notes"`
}

func (h *LedgerHandler) Record(c echo.Context) error {
	p, err := mustPrincipal(c)
	if err != nil {
		return respondError(c, err)
	}
	var in service.RecordInput
	if err := bind(c, &in); err != nil {
		return respondError(c, err)
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	t, err := h.Ledger.Record(ctx, p, in)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, t)
}

// List filters by type, session, company, agent, card, user and a
// [from, to] creation window.
func (h *LedgerHandler) List(c echo.Context) error {
	p, err := mustPrincipal(c)
	if err != nil {
		return respondError(c, err)
	}
	var f repository.TransactionFilter
	if raw := strings.TrimSpace(c.QueryParam("type")); raw != "" {
		if f.Type, err = model.ParseTransactionType(raw); err != nil {
			return respondError(c, apperr.Validation("%s", err.Error()))
		}
	}
	for name, dst := range map[string]*uint64{
		"session_id": &f.SessionID,
		"company_id": &f.CompanyID,
		"agent_id":   &f.AgentID,
		"user_id":    &f.UserID,
		"card_id":    &f.CardID,
	} {
		if *dst, err = queryUint(c, name); err != nil {
			return respondError(c, err)
		}
	}
	if f.From, err = queryTime(c, "from", false); err != nil {
		return respondError(c, err)
	}
	if f.To, err = queryTime(c, "to", true); err != nil {
		return respondError(c, err)
	}
	if f.Limit, err = queryInt(c, "limit"); err != nil {
		return respondError(c, err)
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	out, err := h.Ledger.ListTransactions(ctx, p, f)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

// Payout pays a winning card.
func (h *LedgerHandler) Payout(c echo.Context) error {
	p, err := mustPrincipal(c)
	if err != nil {
		return respondError(c, err)
	}
	cardID, err := parseID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var req payoutReq
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	if req.Amount == nil {
		return respondError(c, apperr.Validation("amount is required"))
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	t, err := h.Ledger.PayWinner(ctx, p, cardID, *req.Amount, req.Notes)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, t)
}

// Refund reverses a buy-in of a cancelled session.
func (h *LedgerHandler) Refund(c echo.Context) error {
	p, err := mustPrincipal(c)
	if err != nil {
		return respondError(c, err)
	}
	id, err := parseID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var req notesReq
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	t, err := h.Ledger.Refund(ctx, p, id, req.Notes)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *LedgerHandler) Commission(c echo.Context) error {
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
	t, err := h.Ledger.SettleCommission(ctx, p, id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *LedgerHandler) CompanyStats(c echo.Context) error {
	return h.totals(c, h.Ledger.AggregateForCompany)
}

func (h *LedgerHandler) AgentStats(c echo.Context) error {
	return h.totals(c, h.Ledger.AggregateForAgent)
}

type aggregateFunc = func(ctx context.Context, actor *service.Principal, id uint64, from, to *time.Time) (model.LedgerTotals, error)

func (h *LedgerHandler) totals(c echo.Context, agg aggregateFunc) error {
	p, err := mustPrincipal(c)
	if err != nil {
		return respondError(c, err)
	}
	id, err := parseID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	from, err := queryTime(c, "from", false)
	if err != nil {
		return respondError(c, err)
	}
	to, err := queryTime(c, "to", true)
	if err != nil {
		return respondError(c, err)
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	out, err := agg(ctx, p, id, from, to)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}
