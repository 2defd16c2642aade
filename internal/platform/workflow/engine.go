package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/rxd90/CommandBridge/internal/platform/audit"
	"github.com/rxd90/CommandBridge/internal/platform/catalog"
	"github.com/rxd90/CommandBridge/internal/platform/executor"
	"github.com/rxd90/CommandBridge/internal/platform/rbac"
	"github.com/rxd90/CommandBridge/internal/platform/registry"
)

const (
	DefaultTicketPattern = `^(INC|CHG)-[\w-]+$`

	// ReviewerLevel may query by action and read the recent feed.
	ReviewerLevel = 2
	// AdminLevel may read other users' history and administer users.
	AdminLevel = 3

	maxLoggedActionLen = 128
	internalMessage    = "internal error"
)

// ErrIdentityExists is returned by an IdentityProvider when the account is
// already present upstream.
var ErrIdentityExists = errors.New("identity already exists")

type Dispatcher interface {
	Dispatch(ctx context.Context, actionID string, body json.RawMessage) (executor.Result, error)
}

// IdentityProvider mirrors admin user changes into the upstream login system.
type IdentityProvider interface {
	CreateUser(ctx context.Context, email, name string) error
	EnableUser(ctx context.Context, email string) error
	DeleteUser(ctx context.Context, email string) error
}

// Observer receives outcome counts and executor latency.
type Observer interface {
	ObserveAttempt(action string, result audit.Result)
	ObserveExecution(action string, elapsed time.Duration, err error)
	ObserveApprovalConflict(action string)
}

type Config struct {
	Resolver   *rbac.Resolver
	Users      registry.Store
	Audit      audit.Store
	Dispatcher Dispatcher

	Identity      IdentityProvider
	Observer      Observer
	Logger        *slog.Logger
	TicketPattern string
}

// Engine holds no per-request state; the audit store is the only shared
// mutable resource it touches.
type Engine struct {
	resolver   *rbac.Resolver
	users      registry.Store
	audit      audit.Store
	dispatcher Dispatcher
	identity   IdentityProvider
	observer   Observer
	logger     *slog.Logger
	ticket     *regexp.Regexp
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Resolver == nil || cfg.Users == nil || cfg.Audit == nil || cfg.Dispatcher == nil {
		return nil, fmt.Errorf("workflow: resolver, users, audit and dispatcher are required")
	}
	pattern := cfg.TicketPattern
	if pattern == "" {
		pattern = DefaultTicketPattern
	}
	ticket, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("workflow: compile ticket pattern: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		resolver:   cfg.Resolver,
		users:      cfg.Users,
		audit:      cfg.Audit,
		dispatcher: cfg.Dispatcher,
		identity:   cfg.Identity,
		observer:   cfg.Observer,
		logger:     logger,
		ticket:     ticket,
	}, nil
}

func (e *Engine) Catalog() *catalog.Catalog {
	return e.resolver.Catalog()
}

func (e *Engine) roles(ctx context.Context, caller string) ([]string, error) {
	roles, err := registry.RolesFor(ctx, e.users, caller)
	if err != nil {
		e.logger.Error("workflow: role lookup failed",
			slog.String("user", caller),
			slog.String("error", err.Error()))
		return nil, internal(internalMessage, err)
	}
	return roles, nil
}

func (e *Engine) level(roles []string) int {
	return e.resolver.Catalog().MaxLevel(roles)
}

// record appends r and reports the outcome to the observer.
func (e *Engine) record(ctx context.Context, r *audit.Record) (string, error) {
	id, err := e.audit.Append(ctx, r)
	if err != nil {
		e.logger.Error("workflow: audit append failed",
			slog.String("user", r.User),
			slog.String("action", r.Action),
			slog.String("result", string(r.Result)),
			slog.String("error", err.Error()))
		return "", err
	}
	if e.observer != nil {
		e.observer.ObserveAttempt(r.Action, r.Result)
	}
	return id, nil
}

func (e *Engine) dispatch(ctx context.Context, actionID string, body json.RawMessage) (executor.Result, error) {
	start := time.Now()
	res, err := e.dispatcher.Dispatch(ctx, actionID, body)
	if e.observer != nil {
		e.observer.ObserveExecution(actionID, time.Since(start), err)
	}
	return res, err
}

func truncateAction(id string) string {
	if len(id) > maxLoggedActionLen {
		return id[:maxLoggedActionLen]
	}
	return id
}
