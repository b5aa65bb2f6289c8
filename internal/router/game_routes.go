package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/bingo-hall/internal/middleware"
	"github.com/iliyamo/bingo-hall/internal/model"
)

func registerGameRoutes(g *echo.Group, h Handlers) {
	floor := middleware.RequireRole(model.RoleAdmin, model.RoleCashier)

	g.POST("/sessions", h.Sessions.Create, floor)
	g.GET("/sessions", h.Sessions.List)
	g.GET("/sessions/:id", h.Sessions.Get)
	g.POST("/sessions/:id/start", h.Sessions.Start, floor)
	g.POST("/sessions/:id/call", h.Sessions.Call, floor)
	g.POST("/sessions/:id/complete", h.Sessions.Complete, floor)
	g.POST("/sessions/:id/cancel", h.Sessions.Cancel, floor)
	g.POST("/sessions/:id/commission", h.Ledger.Commission, middleware.RequireRole(model.RoleAdmin))

	g.POST("/sessions/:id/cards", h.Cards.Issue, floor)
	g.GET("/sessions/:id/cards", h.Cards.ListBySession)
	g.GET("/cards/:id", h.Cards.Get)
	g.GET("/cards/:id/check", h.Cards.Check)
	g.GET("/cards/:id/stats", h.Cards.Stats)
	g.POST("/cards/:id/payout", h.Ledger.Payout, floor)

	g.POST("/transactions", h.Ledger.Record, floor)
	g.GET("/transactions", h.Ledger.List)
	g.POST("/transactions/:id/refund", h.Ledger.Refund, floor)
	g.GET("/companies/:id/stats", h.Ledger.CompanyStats)
	g.GET("/agents/:id/stats", h.Ledger.AgentStats)
}
