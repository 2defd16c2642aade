package rbac

import (
	"github.com/rxd90/CommandBridge/internal/platform/catalog"
)

type Operation string

const (
	OpRun     Operation = "run"
	OpRequest Operation = "request"
	OpApprove Operation = "approve"
)

const (
	ReasonUnknownAction = "unknown action"
	ReasonNoPermission  = "role lacks permission"
)

type Decision struct {
	Allowed       bool
	NeedsApproval bool
	Reason        string
}

// Label is the coarse permission shown to a caller for one action.
type Label string

const (
	LabelRun     Label = "run"
	LabelRequest Label = "request"
	LabelLocked  Label = "locked"
)

type ActionPermission struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Risk        string `json:"risk"`
	Target      string `json:"target"`
	Category    string `json:"category"`
	Runbook     string `json:"runbook"`
	Permission  Label  `json:"permission"`
}

// Resolver answers permission questions against a frozen catalog. It holds no
// mutable state.
type Resolver struct {
	catalog *catalog.Catalog
}

func NewResolver(c *catalog.Catalog) *Resolver {
	return &Resolver{catalog: c}
}

func (r *Resolver) Catalog() *catalog.Catalog {
	return r.catalog
}

// Resolve walks the held roles in order and returns the first allow.
// A run that is only covered by a request grant is allowed with approval.
func (r *Resolver) Resolve(roles []string, actionID string, op Operation) Decision {
	action, ok := r.catalog.Action(actionID)
	if !ok {
		return Decision{Reason: ReasonUnknownAction}
	}
	for _, role := range roles {
		spec, ok := action.Permission(role)
		if !ok {
			continue
		}
		if spec.Unrestricted || grants(spec, op) {
			return Decision{Allowed: true}
		}
		if op == OpRun && spec.Request {
			return Decision{Allowed: true, NeedsApproval: true}
		}
	}
	return Decision{Reason: ReasonNoPermission}
}

func grants(spec catalog.PermissionSpec, op Operation) bool {
	switch op {
	case OpRun:
		return spec.Run
	case OpRequest:
		return spec.Request
	case OpApprove:
		return spec.Approve
	}
	return false
}

// ListForRole labels every catalog action for the held roles. run wins over
// request regardless of role order.
func (r *Resolver) ListForRole(roles []string) []ActionPermission {
	actions := r.catalog.Actions()
	out := make([]ActionPermission, 0, len(actions))
	for _, a := range actions {
		label := LabelLocked
		for _, role := range roles {
			spec, ok := a.Permission(role)
			if !ok {
				continue
			}
			if spec.Unrestricted || spec.Run {
				label = LabelRun
				break
			}
			if spec.Request {
				label = LabelRequest
			}
		}
		out = append(out, ActionPermission{
			ID:          a.ID,
			Name:        a.Name,
			Description: a.Description,
			Risk:        string(a.Risk),
			Target:      a.Target,
			Category:    a.Category,
			Runbook:     a.Runbook,
			Permission:  label,
		})
	}
	return out
}

// CanApproveAny reports whether the held roles may approve at least one action.
func (r *Resolver) CanApproveAny(roles []string) bool {
	for _, id := range r.catalog.ActionIDs() {
		if r.Resolve(roles, id, OpApprove).Allowed {
			return true
		}
	}
	return false
}
