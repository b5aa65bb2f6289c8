// Package router wires handlers to paths and middleware.
package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bingo-hall/internal/handler"
	"github.com/iliyamo/bingo-hall/internal/middleware"
	"github.com/iliyamo/bingo-hall/internal/model"
)

// Handlers bundles every handler the API exposes.
type Handlers struct {
	Auth      *handler.AuthHandler
	Users     *handler.UserHandler
	Companies *handler.CompanyHandler
	Sessions  *handler.SessionHandler
	Cards     *handler.CardHandler
	Ledger    *handler.LedgerHandler
	Audit     *handler.AuditHandler
	Stream    *handler.StreamHandler
}

// Options carries the middleware built from configuration.  RateLimit and
// Cache may be nil.
type Options struct {
	JWTSecret string
	RateLimit echo.MiddlewareFunc
	Cache     echo.MiddlewareFunc
}

func orPass(m echo.MiddlewareFunc) echo.MiddlewareFunc {
	if m != nil {
		return m
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
}

// Register mounts the public routes and the authenticated /v1 group.
func Register(e *echo.Echo, h Handlers, opts Options) {
	limit := orPass(opts.RateLimit)

	e.GET("/healthz", handler.Health)

	pub := e.Group("/v1/auth", limit)
	pub.POST("/register", h.Auth.Register)
	pub.POST("/login", h.Auth.Login)
	pub.POST("/refresh", h.Auth.Refresh)
	pub.POST("/logout", h.Auth.Logout)

	e.GET("/v1/companies/directory", h.Companies.Directory, limit, orPass(opts.Cache))
	// Viewers are anonymous; the stream only carries what the hall displays.
	e.GET("/v1/sessions/:id/stream", h.Stream.Stream)

	// Rate limiting runs after JWTAuth so per-user strategies see the caller.
	v1 := e.Group("/v1", middleware.JWTAuth(opts.JWTSecret), limit)
	registerTenantRoutes(v1, h)
	registerGameRoutes(v1, h)
}

func registerTenantRoutes(g *echo.Group, h Handlers) {
	admin := middleware.RequireRole(model.RoleAdmin)
	staff := middleware.RequireRole(model.RoleAdmin, model.RoleAgent)

	g.GET("/me", h.Users.Me)
	g.POST("/users", h.Users.Create, staff)
	g.GET("/users", h.Users.List, staff)
	g.GET("/users/:id", h.Users.Get)
	g.PATCH("/users/:id", h.Users.Update)
	g.POST("/users/:id/deactivate", h.Users.Deactivate, admin)
	g.DELETE("/users/:id", h.Users.Delete, admin)
	g.GET("/users/:id/assignment", h.Users.Assignment)

	g.POST("/companies", h.Companies.Create, staff)
	g.GET("/companies", h.Companies.List, staff)
	g.GET("/companies/:id", h.Companies.Get)
	g.PATCH("/companies/:id/active", h.Companies.SetActive, staff)
	g.GET("/companies/:id/assignments", h.Companies.Assignments, staff)
	g.POST("/assignments", h.Companies.Assign, staff)
	g.DELETE("/assignments/:id", h.Companies.Unassign, staff)

	g.GET("/audit", h.Audit.List, admin)
}
