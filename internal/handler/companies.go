package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bingo-hall/internal/apperr"
	"github.com/iliyamo/bingo-hall/internal/repository"
	"github.com/iliyamo/bingo-hall/internal/service"
)

// CompanyHandler serves companies and cashier assignments.
type CompanyHandler struct {
	Tenants *service.TenantService
}

func NewCompanyHandler(tenants *service.TenantService) *CompanyHandler {
	return &CompanyHandler{Tenants: tenants}
}

type activeReq struct {
	IsActive *bool `json:"is_active"`
}

type assignReq struct {
	CashierID uint64 `json:"cashier_user_id"`
	CompanyID uint64 `json:"company_id"`
}

// directoryEntry is the public projection of an active company.
type directoryEntry struct {
	ID   uint64 `json:"company_id"`
	Name string `json:"name"`
}

func (h *CompanyHandler) Create(c echo.Context) error {
	p, err := mustPrincipal(c)
	if err != nil {
		return respondError(c, err)
	}
	var in service.CompanyInput
	if err := bind(c, &in); err != nil {
		return respondError(c, err)
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	co, err := h.Tenants.RegisterCompany(ctx, p, in)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, co)
}

// List filters by ?agent_id= and ?active=true.
func (h *CompanyHandler) List(c echo.Context) error {
	p, err := mustPrincipal(c)
	if err != nil {
		return respondError(c, err)
	}
	var f repository.CompanyFilter
	if f.AgentID, err = queryUint(c, "agent_id"); err != nil {
		return respondError(c, err)
	}
	f.ActiveOnly = c.QueryParam("active") == "true"
	ctx, cancel := reqCtx(c)
	defer cancel()
	out, err := h.Tenants.ListCompanies(ctx, p, f)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *CompanyHandler) Get(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	co, err := h.Tenants.GetCompany(ctx, id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, co)
}

func (h *CompanyHandler) Directory(c echo.Context) error {
	ctx, cancel := reqCtx(c)
	defer cancel()
	cos, err := h.Tenants.Directory(ctx)
	if err != nil {
		return respondError(c, err)
	}
	out := make([]directoryEntry, 0, len(cos))
	for _, co := range cos {
		out = append(out, directoryEntry{ID: co.ID, Name: co.Name})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *CompanyHandler) SetActive(c echo.Context) error {
	p, err := mustPrincipal(c)
	if err != nil {
		return respondError(c, err)
	}
	id, err := parseID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var req activeReq
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	if req.IsActive == nil {
		return respondError(c, apperr.Validation("is_active is required"))
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	co, err := h.Tenants.SetCompanyActive(ctx, p, id, *req.IsActive)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, co)
}

func (h *CompanyHandler) Assign(c echo.Context) error {
	p, err := mustPrincipal(c)
	if err != nil {
		return respondError(c, err)
	}
	var req assignReq
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	a, err := h.Tenants.AssignCashier(ctx, p, req.CashierID, req.CompanyID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *CompanyHandler) Unassign(c echo.Context) error {
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
	a, err := h.Tenants.DeactivateAssignment(ctx, p, id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *CompanyHandler) Assignments(c echo.Context) error {
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
	out, err := h.Tenants.ListAssignments(ctx, p, id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}
