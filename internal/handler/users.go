package handler

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bingo-hall/internal/apperr"
	"github.com/iliyamo/bingo-hall/internal/model"
	"github.com/iliyamo/bingo-hall/internal/repository"
	"github.com/iliyamo/bingo-hall/internal/service"
)

// UserHandler manages accounts on behalf of an authenticated caller.
type UserHandler struct {
	Identity *service.IdentityService
	Tenants  *service.TenantService
}

func NewUserHandler(identity *service.IdentityService, tenants *service.TenantService) *UserHandler {
	return &UserHandler{Identity: identity, Tenants: tenants}
}

func views(us []model.User) []model.UserView {
	out := make([]model.UserView, 0, len(us))
	for _, u := range us {
		out = append(out, u.View())
	}
	return out
}

func (h *UserHandler) Create(c echo.Context) error {
	p, err := mustPrincipal(c)
	if err != nil {
		return respondError(c, err)
	}
	var in service.RegisterInput
	if err := bind(c, &in); err != nil {
		return respondError(c, err)
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	u, err := h.Identity.Register(ctx, p, in)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, u.View())
}

// List filters by ?role=, ?parent_agent_id= and ?created_by=.
func (h *UserHandler) List(c echo.Context) error {
	p, err := mustPrincipal(c)
	if err != nil {
		return respondError(c, err)
	}
	var f repository.UserFilter
	if r := strings.TrimSpace(c.QueryParam("role")); r != "" {
		role, err := model.ParseRole(r)
		if err != nil {
			return respondError(c, apperr.Validation("%s", err.Error()))
		}
		f.Role = role
	}
	if f.ParentAgentID, err = queryUint(c, "parent_agent_id"); err != nil {
		return respondError(c, err)
	}
	if f.CreatedBy, err = queryUint(c, "created_by"); err != nil {
		return respondError(c, err)
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	us, err := h.Identity.List(ctx, p, f)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, views(us))
}

func (h *UserHandler) Get(c echo.Context) error {
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
	u, err := h.Identity.GetByID(ctx, p, id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, u.View())
}

// Me returns the caller's own record.
func (h *UserHandler) Me(c echo.Context) error {
	p, err := mustPrincipal(c)
	if err != nil {
		return respondError(c, err)
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	u, err := h.Identity.GetByID(ctx, p, p.UserID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, u.View())
}

func (h *UserHandler) Update(c echo.Context) error {
	p, err := mustPrincipal(c)
	if err != nil {
		return respondError(c, err)
	}
	id, err := parseID(c, "id")
	if err != nil {
		return respondError(c, err)
	}
	var in service.UpdateInput
	if err := bind(c, &in); err != nil {
		return respondError(c, err)
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	u, err := h.Identity.Update(ctx, p, id, in)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, u.View())
}

func (h *UserHandler) Deactivate(c echo.Context) error {
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
	if err := h.Identity.Deactivate(ctx, p, id); err != nil {
		return respondError(c, err)
	}
	return noContent(c)
}

func (h *UserHandler) Delete(c echo.Context) error {
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
	if err := h.Identity.Delete(ctx, p, id); err != nil {
		return respondError(c, err)
	}
	return noContent(c)
}

// Assignment returns the cashier's active company assignment.
func (h *UserHandler) Assignment(c echo.Context) error {
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
	// Visibility of the assignment follows visibility of the cashier.
	if _, err := h.Identity.GetByID(ctx, p, id); err != nil {
		return respondError(c, err)
	}
	a, err := h.Tenants.ActiveAssignment(ctx, id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, a)
}
