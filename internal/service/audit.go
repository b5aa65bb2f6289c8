package service

import (
	"context"
	"fmt"
	"time"

	"github.com/labstack/gommon/log"

	"github.com/iliyamo/bingo-hall/internal/apperr"
	"github.com/iliyamo/bingo-hall/internal/model"
	"github.com/iliyamo/bingo-hall/internal/repository"
)

// Auditor writes best-effort audit entries after the primary operation has
// committed.  A failed write is logged and never reaches the caller.
type Auditor struct {
	repo   *repository.AuditRepo
	logger *log.Logger
}

func NewAuditor(repo *repository.AuditRepo, logger *log.Logger) *Auditor {
	return &Auditor{repo: repo, logger: logger}
}

// Record writes one entry attributed to actor (nil for anonymous actions).
func (a *Auditor) Record(ctx context.Context, actor *Principal, format string, args ...any) {
	action := fmt.Sprintf(format, args...)
	// the request may already be finishing; the entry should still land
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if err := a.repo.Create(wctx, actor.id(), action); err != nil {
		werr := apperr.AuditWrite(err)
		a.logger.Warnj(log.JSON{"event": "audit_write_failed", "action": action, "error": werr.Error()})
	}
}

// List returns recent entries.  Admins only.
func (a *Auditor) List(ctx context.Context, actor *Principal, limit int) ([]model.AuditLog, error) {
	if !actor.IsAdmin() {
		return nil, apperr.Forbidden("only admins may read the audit log")
	}
	out, err := a.repo.List(ctx, limit)
	return out, storageErr(err)
}
