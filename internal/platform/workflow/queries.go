package workflow

import (
	"context"
	"errors"

	"github.com/rxd90/CommandBridge/internal/platform/audit"
	"github.com/rxd90/CommandBridge/internal/platform/rbac"
	"github.com/rxd90/CommandBridge/internal/platform/registry"
)

type AuditQuery struct {
	User   string
	Action string
	Limit  int
	Cursor string
}

// QueryAudit serves one page of the trail. Anyone may read their own history;
// reading by action or the recent feed needs ReviewerLevel; reading another
// user needs AdminLevel. Callers below ReviewerLevel without a filter get
// their own history.
func (e *Engine) QueryAudit(ctx context.Context, caller string, q AuditQuery) (audit.Page, error) {
	roles, err := e.roles(ctx, caller)
	if err != nil {
		return audit.Page{}, err
	}
	level := e.level(roles)
	user := registry.NormalizeEmail(q.User)
	self := registry.NormalizeEmail(caller)

	if user != "" && user != self && level < AdminLevel {
		return audit.Page{}, forbidden("L3 admin access required to view another user's audit history")
	}
	if q.Action != "" && level < ReviewerLevel {
		return audit.Page{}, forbidden("L2+ access required to query by action type")
	}
	if user == "" && q.Action == "" && level < ReviewerLevel {
		user = self
	}

	limit := audit.NormalizeLimit(q.Limit)
	var page audit.Page
	switch {
	case user != "":
		page, err = e.audit.QueryByUser(ctx, user, limit, q.Cursor)
	case q.Action != "":
		page, err = e.audit.QueryByAction(ctx, q.Action, limit, q.Cursor)
	default:
		page, err = e.audit.QueryRecent(ctx, limit, q.Cursor)
	}
	if err != nil {
		return audit.Page{}, internal(internalMessage, err)
	}
	for i := range page.Entries {
		page.Entries[i] = page.Entries[i].Public()
	}
	return page, nil
}

func (e *Engine) Permissions(ctx context.Context, caller string) ([]rbac.ActionPermission, error) {
	roles, err := e.roles(ctx, caller)
	if err != nil {
		return nil, err
	}
	return e.resolver.ListForRole(roles), nil
}

// Me returns the caller's registry profile. Unknown and inactive callers are
// refused.
func (e *Engine) Me(ctx context.Context, caller string) (registry.User, error) {
	u, err := e.users.Get(ctx, caller)
	if errors.Is(err, registry.ErrNotFound) {
		return registry.User{}, forbidden("User not found or inactive")
	}
	if err != nil {
		return registry.User{}, internal(internalMessage, err)
	}
	if !u.Active {
		return registry.User{}, forbidden("User not found or inactive")
	}
	return u, nil
}
