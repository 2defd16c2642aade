package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/rxd90/CommandBridge/internal/platform/audit"
	"github.com/rxd90/CommandBridge/internal/platform/registry"
)

const (
	AdminCreateUser  = "admin-create-user"
	AdminDisableUser = "admin-disable-user"
	AdminEnableUser  = "admin-enable-user"
	AdminSetRole     = "admin-set-role"
)

type NewUser struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
	Team  string `json:"team"`
}

func (e *Engine) requireAdmin(ctx context.Context, caller string) error {
	roles, err := e.roles(ctx, caller)
	if err != nil {
		return err
	}
	if e.level(roles) < AdminLevel {
		return forbidden("L3 admin access required")
	}
	return nil
}

const readOnlyMessage = "User registry is managed by the users file. Edit the file to change users."

// writableUsers refuses admin changes against a file-backed registry before
// any upstream identity call is made; a reload would overwrite them.
func (e *Engine) writableUsers() error {
	if ro, ok := e.users.(interface{ ReadOnly() bool }); ok && ro.ReadOnly() {
		return precondition(readOnlyMessage)
	}
	return nil
}

func userWriteError(err error) *Error {
	if errors.Is(err, registry.ErrReadOnly) {
		return precondition(readOnlyMessage)
	}
	return internal(internalMessage, err)
}

func (e *Engine) invalidRole() *Error {
	roles := e.resolver.Catalog().Roles()
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.Name)
	}
	sort.Strings(names)
	return invalid("Invalid role. Must be one of: " + strings.Join(names, ", "))
}

// adminRecord writes the success record for a completed admin change. The
// change itself has already happened, so a failed write is logged and
// reported but not rolled back.
func (e *Engine) adminRecord(ctx context.Context, caller, action, subject string, extra map[string]string) error {
	rec := &audit.Record{
		User:   caller,
		Action: action,
		Target: subject,
		Result: audit.ResultSuccess,
	}
	if len(extra) > 0 {
		rec.Details = &audit.Details{Extra: extra}
	}
	if _, err := e.record(ctx, rec); err != nil {
		return internal("User updated but the audit record could not be written", err)
	}
	return nil
}

func (e *Engine) ListUsers(ctx context.Context, caller string) ([]registry.User, error) {
	caller = registry.NormalizeEmail(caller)
	if err := e.requireAdmin(ctx, caller); err != nil {
		return nil, err
	}
	users, err := e.users.List(ctx)
	if err != nil {
		return nil, internal(internalMessage, err)
	}
	return users, nil
}

func (e *Engine) CreateUser(ctx context.Context, caller string, in NewUser) (string, error) {
	caller = registry.NormalizeEmail(caller)
	if err := e.requireAdmin(ctx, caller); err != nil {
		return "", err
	}
	if err := e.writableUsers(); err != nil {
		return "", err
	}
	email := registry.NormalizeEmail(in.Email)
	name := strings.TrimSpace(in.Name)
	role := strings.TrimSpace(in.Role)
	team := strings.TrimSpace(in.Team)
	if email == "" || name == "" || role == "" || team == "" {
		return "", invalid("email, name, role, and team are required")
	}
	if !e.resolver.Catalog().ValidRole(role) {
		return "", e.invalidRole()
	}
	if !registry.ValidEmail(email) {
		return "", invalid("Invalid email format")
	}
	if _, err := e.users.Get(ctx, email); err == nil {
		return "", conflict(fmt.Sprintf("User %s already exists", email))
	} else if !errors.Is(err, registry.ErrNotFound) {
		return "", internal(internalMessage, err)
	}

	if e.identity != nil {
		if err := e.identity.CreateUser(ctx, email, name); err != nil {
			if errors.Is(err, ErrIdentityExists) {
				return "", conflict(fmt.Sprintf("User %s already exists in the identity provider", email))
			}
			return "", internal("Failed to create identity provider user", err)
		}
	}
	err := e.users.Create(ctx, registry.User{
		Email: email, Name: name, Role: role, Team: team, Active: true, UpdatedBy: caller,
	})
	if err != nil {
		if e.identity != nil {
			if rbErr := e.identity.DeleteUser(ctx, email); rbErr != nil {
				e.logger.Error("workflow: identity rollback failed",
					slog.String("email", email),
					slog.String("error", rbErr.Error()))
			}
		}
		if errors.Is(err, registry.ErrExists) {
			return "", conflict(fmt.Sprintf("User %s already exists", email))
		}
		if errors.Is(err, registry.ErrReadOnly) {
			return "", precondition(readOnlyMessage)
		}
		return "", internal("Failed to create user record", err)
	}
	if err := e.adminRecord(ctx, caller, AdminCreateUser, email, map[string]string{
		"name": name, "role": role, "team": team,
	}); err != nil {
		return "", err
	}
	if e.identity != nil {
		return fmt.Sprintf("User %s created. A temporary password has been sent to their email address.", email), nil
	}
	return fmt.Sprintf("User %s created.", email), nil
}

func (e *Engine) lookup(ctx context.Context, email string) (registry.User, error) {
	u, err := e.users.Get(ctx, email)
	if errors.Is(err, registry.ErrNotFound) {
		return registry.User{}, notFound("User not found")
	}
	if err != nil {
		return registry.User{}, internal(internalMessage, err)
	}
	return u, nil
}

func (e *Engine) DisableUser(ctx context.Context, caller, email string) (string, error) {
	caller = registry.NormalizeEmail(caller)
	if err := e.requireAdmin(ctx, caller); err != nil {
		return "", err
	}
	if err := e.writableUsers(); err != nil {
		return "", err
	}
	email = registry.NormalizeEmail(email)
	if email == caller {
		return "", invalid("Cannot disable your own account")
	}
	if _, err := e.lookup(ctx, email); err != nil {
		return "", err
	}
	if _, err := e.users.SetActive(ctx, email, false, caller); err != nil {
		return "", userWriteError(err)
	}
	if err := e.adminRecord(ctx, caller, AdminDisableUser, email, nil); err != nil {
		return "", err
	}
	return fmt.Sprintf("User %s disabled", email), nil
}

func (e *Engine) EnableUser(ctx context.Context, caller, email string) (string, error) {
	caller = registry.NormalizeEmail(caller)
	if err := e.requireAdmin(ctx, caller); err != nil {
		return "", err
	}
	if err := e.writableUsers(); err != nil {
		return "", err
	}
	email = registry.NormalizeEmail(email)
	if _, err := e.lookup(ctx, email); err != nil {
		return "", err
	}
	if e.identity != nil {
		// Registry-only users have no upstream account to re-enable.
		if err := e.identity.EnableUser(ctx, email); err != nil {
			e.logger.Warn("workflow: identity enable failed",
				slog.String("email", email),
				slog.String("error", err.Error()))
		}
	}
	if _, err := e.users.SetActive(ctx, email, true, caller); err != nil {
		return "", userWriteError(err)
	}
	if err := e.adminRecord(ctx, caller, AdminEnableUser, email, nil); err != nil {
		return "", err
	}
	return fmt.Sprintf("User %s enabled", email), nil
}

func (e *Engine) SetRole(ctx context.Context, caller, email, role string) (string, error) {
	caller = registry.NormalizeEmail(caller)
	if err := e.requireAdmin(ctx, caller); err != nil {
		return "", err
	}
	if err := e.writableUsers(); err != nil {
		return "", err
	}
	email = registry.NormalizeEmail(email)
	if email == caller {
		return "", invalid("Cannot change your own role")
	}
	role = strings.TrimSpace(role)
	if role == "" {
		return "", invalid("role is required in request body")
	}
	if !e.resolver.Catalog().ValidRole(role) {
		return "", e.invalidRole()
	}
	u, err := e.lookup(ctx, email)
	if err != nil {
		return "", err
	}
	if _, err := e.users.SetRole(ctx, email, role, caller); err != nil {
		return "", userWriteError(err)
	}
	if err := e.adminRecord(ctx, caller, AdminSetRole, email, map[string]string{
		"old_role": u.Role, "new_role": role,
	}); err != nil {
		return "", err
	}
	return fmt.Sprintf("User %s role changed to %s", email, role), nil
}
