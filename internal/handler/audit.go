package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bingo-hall/internal/service"
)

type AuditHandler struct {
	Audit *service.Auditor
}

func NewAuditHandler(a *service.Auditor) *AuditHandler { return &AuditHandler{Audit: a} }

// List returns the newest entries, ?limit= capped by the repository.
func (h *AuditHandler) List(c echo.Context) error {
	p, err := mustPrincipal(c)
	if err != nil {
		return respondError(c, err)
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		return respondError(c, err)
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	out, err := h.Audit.List(ctx, p, limit)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}
