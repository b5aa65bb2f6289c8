package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/bingo-hall/internal/apperr"
	"github.com/iliyamo/bingo-hall/internal/model"
	"github.com/iliyamo/bingo-hall/internal/repository"
	"github.com/iliyamo/bingo-hall/internal/utils"
)

const (
	minUsernameLength = 3
	maxUsernameLength = 64
)

// IdentityConfig carries the credential settings.
type IdentityConfig struct {
	JWTSecret      string
	AccessTTLMin   int
	RefreshTTLDays int
	BcryptCost     int
}

// IdentityService manages users, credentials and the admin/agent/cashier
// hierarchy.
type IdentityService struct {
	users  *repository.UserRepo
	tokens *repository.TokenRepo
	audit  *Auditor
	cfg    IdentityConfig
}

func NewIdentityService(users *repository.UserRepo, tokens *repository.TokenRepo, audit *Auditor, cfg IdentityConfig) *IdentityService {
	return &IdentityService{users: users, tokens: tokens, audit: audit, cfg: cfg}
}

// RegisterInput describes a new user.  ParentAgentID is legal only for
// cashiers and CommissionRate only for agents.
type RegisterInput struct {
	Username       string           `json:"username"`
	Password       string           `json:"password"`
	Role           string           `json:"role"`
	ParentAgentID  *uint64          `json:"parent_agent_id"`
	CommissionRate *decimal.Decimal `json:"commission_rate"`
}

// TokenPair is returned by login and refresh.
type TokenPair struct {
	Access  utils.AccessToken  `json:"access_token"`
	Refresh utils.RefreshToken `json:"refresh_token"`
	User    model.UserView     `json:"user"`
}

func normalizeUsername(s string) (string, error) {
	s = strings.TrimSpace(s)
	if n := utf8.RuneCountInString(s); n < minUsernameLength || n > maxUsernameLength {
		return "", apperr.Validation("username must be %d-%d characters", minUsernameLength, maxUsernameLength)
	}
	return s, nil
}

func checkPassword(p string) error {
	if len(p) < utils.MinPasswordLength {
		return apperr.Validation("password must be at least %d characters", utils.MinPasswordLength)
	}
	return nil
}

// Register creates a user.  A nil actor is only accepted while the users
// table is empty and the new user is an admin.  Agents may create cashiers
// under themselves; admins may create anyone.
func (s *IdentityService) Register(ctx context.Context, actor *Principal, in RegisterInput) (model.User, error) {
	username, err := normalizeUsername(in.Username)
	if err != nil {
		return model.User{}, err
	}
	if err := checkPassword(in.Password); err != nil {
		return model.User{}, err
	}
	role, err := model.ParseRole(strings.ToLower(strings.TrimSpace(in.Role)))
	if err != nil {
		return model.User{}, apperr.Validation("%s", err.Error())
	}
	attrs, err := model.NewRoleAttrs(role, in.ParentAgentID, in.CommissionRate)
	if err != nil {
		return model.User{}, apperr.Validation("%s", err.Error())
	}
	switch {
	case actor == nil:
		if role != model.RoleAdmin {
			return model.User{}, apperr.Forbidden("self-registration is only open for the first admin")
		}
	case actor.IsAdmin():
	case actor.is(model.RoleAgent):
		if role != model.RoleCashier || *in.ParentAgentID != actor.UserID {
			return model.User{}, apperr.Forbidden("agents may only create their own cashiers")
		}
	default:
		return model.User{}, apperr.Forbidden("not allowed to create users")
	}

	hash, err := utils.HashPassword(in.Password, s.cfg.BcryptCost)
	if err != nil {
		return model.User{}, apperr.Internal("hash password", err)
	}
	u := model.User{
		Username:     username,
		PasswordHash: hash,
		Attrs:        attrs,
		CreatedBy:    actor.id(),
		IsActive:     true,
	}
	err = repository.WithTx(ctx, s.users.DB(), func(tx *sql.Tx) error {
		if actor == nil {
			n, err := s.users.CountTx(ctx, tx)
			if err != nil {
				return err
			}
			if n > 0 {
				return apperr.Forbidden("registration requires an authenticated admin or agent")
			}
		}
		if c, ok := attrs.(model.CashierAttrs); ok {
			if err := s.checkParentTx(ctx, tx, c.ParentAgentID); err != nil {
				return err
			}
		}
		if err := s.users.CreateTx(ctx, tx, &u); err != nil {
			if errors.Is(err, repository.ErrUsernameExists) {
				return apperr.Validation("username %q already exists", username)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return model.User{}, storageErr(err)
	}
	u, err = s.users.GetByID(ctx, u.ID)
	if err != nil {
		return model.User{}, storageErr(err)
	}
	s.audit.Record(ctx, actor, "registered user %d (%s) as %s", u.ID, u.Username, u.Role())
	return u, nil
}

// checkParentTx verifies that id names an agent.
func (s *IdentityService) checkParentTx(ctx context.Context, tx *sql.Tx, id uint64) error {
	parent, err := s.users.GetByIDTx(ctx, tx, id, false)
	if errors.Is(err, repository.ErrUserNotFound) {
		return apperr.NotFound("parent agent %d not found", id)
	}
	if err != nil {
		return err
	}
	if parent.Role() != model.RoleAgent {
		return apperr.Validation("parent_agent_id %d is not an agent", id)
	}
	return nil
}

// Authenticate checks credentials and issues a token pair.
func (s *IdentityService) Authenticate(ctx context.Context, username, password string) (TokenPair, error) {
	username = strings.TrimSpace(username)
	u, err := s.users.GetByUsername(ctx, username)
	if errors.Is(err, repository.ErrUserNotFound) {
		return TokenPair{}, apperr.NotFound("user %q not found", username)
	}
	if err != nil {
		return TokenPair{}, storageErr(err)
	}
	if !utils.VerifyPassword(u.PasswordHash, password) {
		return TokenPair{}, apperr.Auth("invalid credentials")
	}
	if !u.IsActive {
		return TokenPair{}, apperr.Forbidden("account is inactive")
	}
	pair, err := s.issue(ctx, u)
	if err != nil {
		return TokenPair{}, err
	}
	s.audit.Record(ctx, &Principal{UserID: u.ID, Role: u.Role(), Username: u.Username}, "logged in")
	return pair, nil
}

// Refresh rotates a refresh token.
func (s *IdentityService) Refresh(ctx context.Context, raw string) (TokenPair, error) {
	if strings.TrimSpace(raw) == "" {
		return TokenPair{}, apperr.Validation("refresh_token is required")
	}
	hash := utils.HashRefreshRaw(raw)
	userID, err := s.tokens.ValidateRefresh(ctx, hash)
	if errors.Is(err, repository.ErrRefreshInvalid) {
		return TokenPair{}, apperr.Auth("invalid refresh token")
	}
	if err != nil {
		return TokenPair{}, storageErr(err)
	}
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return TokenPair{}, storageErr(err)
	}
	if !u.IsActive {
		return TokenPair{}, apperr.Forbidden("account is inactive")
	}
	if err := s.tokens.RevokeByHash(ctx, hash); err != nil {
		return TokenPair{}, storageErr(err)
	}
	return s.issue(ctx, u)
}

// Logout revokes a single refresh token.  Unknown tokens are ignored.
func (s *IdentityService) Logout(ctx context.Context, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return apperr.Validation("refresh_token is required")
	}
	return storageErr(s.tokens.RevokeByHash(ctx, utils.HashRefreshRaw(raw)))
}

func (s *IdentityService) issue(ctx context.Context, u model.User) (TokenPair, error) {
	access, err := utils.NewAccessToken(s.cfg.JWTSecret, u.ID, string(u.Role()), u.Username, s.cfg.AccessTTLMin)
	if err != nil {
		return TokenPair{}, apperr.Internal("sign access token", err)
	}
	refresh, err := utils.NewRefreshToken(s.cfg.RefreshTTLDays)
	if err != nil {
		return TokenPair{}, apperr.Internal("create refresh token", err)
	}
	if err := s.tokens.StoreRefresh(ctx, u.ID, utils.HashRefreshRaw(refresh.Raw), refresh.Exp); err != nil {
		return TokenPair{}, storageErr(err)
	}
	return TokenPair{Access: access, Refresh: refresh, User: u.View()}, nil
}

// GetByID returns a user visible to actor: admins see everyone, users see
// themselves and agents see the cashiers they manage or created.
func (s *IdentityService) GetByID(ctx context.Context, actor *Principal, id uint64) (model.User, error) {
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		return model.User{}, storageErr(err)
	}
	if actor.IsAdmin() || actor.UserID == u.ID {
		return u, nil
	}
	if actor.is(model.RoleAgent) {
		if p := u.ParentAgentID(); p != nil && *p == actor.UserID {
			return u, nil
		}
		if u.CreatedBy != nil && *u.CreatedBy == actor.UserID {
			return u, nil
		}
	}
	return model.User{}, apperr.Forbidden("not allowed to view user %d", id)
}

// List returns users.  Agents are limited to their own cashiers.
func (s *IdentityService) List(ctx context.Context, actor *Principal, f repository.UserFilter) ([]model.User, error) {
	switch {
	case actor.IsAdmin():
	case actor.is(model.RoleAgent):
		f.ParentAgentID = actor.UserID
	default:
		return nil, apperr.Forbidden("not allowed to list users")
	}
	out, err := s.users.List(ctx, f)
	return out, storageErr(err)
}

// UpdateInput holds the fields to change; nil fields are left alone.
type UpdateInput struct {
	Username       *string          `json:"username"`
	Password       *string          `json:"password"`
	Role           *string          `json:"role"`
	ParentAgentID  *uint64          `json:"parent_agent_id"`
	CommissionRate *decimal.Decimal `json:"commission_rate"`
	IsActive       *bool            `json:"is_active"`
}

func (in UpdateInput) touchesPrivileged() bool {
	return in.Role != nil || in.ParentAgentID != nil || in.CommissionRate != nil || in.IsActive != nil
}

// Update applies in to user id.  Non-admins may change only their own
// username and password.
func (s *IdentityService) Update(ctx context.Context, actor *Principal, id uint64, in UpdateInput) (model.User, error) {
	if !actor.IsAdmin() {
		if actor == nil || actor.UserID != id {
			return model.User{}, apperr.Forbidden("only admins may modify other users")
		}
		if in.touchesPrivileged() {
			return model.User{}, apperr.Forbidden("only admins may change role, status, parent agent or commission rate")
		}
	}
	if in.IsActive != nil && !*in.IsActive && actor.UserID == id {
		return model.User{}, apperr.Validation("admins cannot deactivate themselves")
	}
	var username, hash string
	if in.Username != nil {
		var err error
		if username, err = normalizeUsername(*in.Username); err != nil {
			return model.User{}, err
		}
	}
	if in.Password != nil {
		if err := checkPassword(*in.Password); err != nil {
			return model.User{}, err
		}
		var err error
		if hash, err = utils.HashPassword(*in.Password, s.cfg.BcryptCost); err != nil {
			return model.User{}, apperr.Internal("hash password", err)
		}
	}

	var u model.User
	err := repository.WithTx(ctx, s.users.DB(), func(tx *sql.Tx) error {
		var err error
		if u, err = s.users.GetByIDTx(ctx, tx, id, true); err != nil {
			return err
		}
		if username != "" {
			u.Username = username
		}
		if hash != "" {
			u.PasswordHash = hash
		}
		if in.IsActive != nil {
			u.IsActive = *in.IsActive
		}
		if in.Role != nil || in.ParentAgentID != nil || in.CommissionRate != nil {
			attrs, err := rebuildAttrs(u, in)
			if err != nil {
				return err
			}
			if c, ok := attrs.(model.CashierAttrs); ok {
				if old := u.ParentAgentID(); old == nil || *old != c.ParentAgentID {
					if err := s.checkParentTx(ctx, tx, c.ParentAgentID); err != nil {
						return err
					}
				}
			}
			u.Attrs = attrs
		}
		return s.users.UpdateTx(ctx, tx, &u)
	})
	if err != nil {
		return model.User{}, storageErr(err)
	}
	if !u.IsActive {
		if err := s.tokens.RevokeAllForUser(ctx, u.ID); err != nil {
			return model.User{}, storageErr(err)
		}
	}
	s.audit.Record(ctx, actor, "updated user %d", u.ID)
	out, err := s.users.GetByID(ctx, u.ID)
	return out, storageErr(err)
}

// rebuildAttrs derives the role variant after an update.  Fields not given
// are carried over when the role stays the same.
func rebuildAttrs(u model.User, in UpdateInput) (model.RoleAttrs, error) {
	role := u.Role()
	if in.Role != nil {
		r, err := model.ParseRole(strings.ToLower(strings.TrimSpace(*in.Role)))
		if err != nil {
			return nil, apperr.Validation("%s", err.Error())
		}
		role = r
	}
	parent, rate := in.ParentAgentID, in.CommissionRate
	if role == u.Role() {
		if parent == nil && role == model.RoleCashier {
			parent = u.ParentAgentID()
		}
		if rate == nil && role == model.RoleAgent {
			rate = u.CommissionRate()
		}
	}
	attrs, err := model.NewRoleAttrs(role, parent, rate)
	if err != nil {
		return nil, apperr.Validation("%s", err.Error())
	}
	return attrs, nil
}

// Deactivate disables a user and revokes their refresh tokens.
func (s *IdentityService) Deactivate(ctx context.Context, actor *Principal, id uint64) error {
	if !actor.IsAdmin() {
		return apperr.Forbidden("only admins may deactivate users")
	}
	if actor.UserID == id {
		return apperr.Validation("admins cannot deactivate themselves")
	}
	if err := s.users.SetActive(ctx, id, false); err != nil {
		return storageErr(err)
	}
	if err := s.tokens.RevokeAllForUser(ctx, id); err != nil {
		return storageErr(err)
	}
	s.audit.Record(ctx, actor, "deactivated user %d", id)
	return nil
}

// Delete removes a user.  Users still referenced by companies, sessions or
// ledger entries cannot be deleted.
func (s *IdentityService) Delete(ctx context.Context, actor *Principal, id uint64) error {
	if !actor.IsAdmin() {
		return apperr.Forbidden("only admins may delete users")
	}
	if actor.UserID == id {
		return apperr.Validation("admins cannot delete themselves")
	}
	if err := s.users.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrReferenced) {
			return apperr.Conflict("user %d still owns companies, sessions or ledger entries", id)
		}
		return storageErr(err)
	}
	s.audit.Record(ctx, actor, "deleted user %d", id)
	return nil
}
