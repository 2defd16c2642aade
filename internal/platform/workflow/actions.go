package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rxd90/CommandBridge/internal/platform/audit"
	"github.com/rxd90/CommandBridge/internal/platform/executor"
	"github.com/rxd90/CommandBridge/internal/platform/rbac"
	"github.com/rxd90/CommandBridge/internal/platform/registry"
)

const StatusPendingApproval = "pending_approval"

type ActionResponse struct {
	Message   string          `json:"message"`
	Status    string          `json:"status,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Result    executor.Result `json:"result,omitempty"`
}

// Pending reports whether the action was deferred for approval.
func (r ActionResponse) Pending() bool {
	return r.Status == StatusPendingApproval
}

type actionRequest struct {
	Action string `json:"action"`
	Ticket string `json:"ticket"`
	Reason string `json:"reason"`
	Target string `json:"target"`
}

func (e *Engine) decodeActionRequest(body json.RawMessage) (actionRequest, error) {
	var req actionRequest
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return req, invalid("Invalid request body")
	}
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return req, invalid("Invalid request body")
	}
	req.Action = strings.TrimSpace(req.Action)
	req.Ticket = strings.TrimSpace(req.Ticket)
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Action == "" || req.Ticket == "" || req.Reason == "" {
		return req, invalid("action, ticket, and reason are required")
	}
	if !e.ticket.MatchString(req.Ticket) {
		return req, invalid("ticket must match format INC-XXXX or CHG-XXXX")
	}
	return req, nil
}

// deny writes the denied record for an attempt. The target is never logged for
// denials so unauthorized callers cannot write arbitrary strings to the trail.
func (e *Engine) deny(ctx context.Context, caller, actionID, ticket string, details *audit.Details, reason string) error {
	if _, err := e.record(ctx, &audit.Record{
		User:    caller,
		Action:  truncateAction(actionID),
		Ticket:  ticket,
		Result:  audit.ResultDenied,
		Details: details,
	}); err != nil {
		return internal(internalMessage, err)
	}
	return forbidden(reason)
}

func (e *Engine) submit(ctx context.Context, caller string, req actionRequest, body json.RawMessage) (string, error) {
	id, err := e.record(ctx, &audit.Record{
		User:   caller,
		Action: req.Action,
		Target: req.Target,
		Ticket: req.Ticket,
		Result: audit.ResultRequested,
		Details: &audit.Details{
			Justification: req.Reason,
			RequestBody:   append(json.RawMessage(nil), body...),
		},
	})
	if err != nil {
		return "", internal(internalMessage, err)
	}
	return id, nil
}

// Execute runs an action directly when the caller's role allows it, and
// defers it as an approval request when the role only grants request.
func (e *Engine) Execute(ctx context.Context, caller string, body json.RawMessage) (ActionResponse, error) {
	caller = registry.NormalizeEmail(caller)
	req, err := e.decodeActionRequest(body)
	if err != nil {
		return ActionResponse{}, err
	}
	roles, err := e.roles(ctx, caller)
	if err != nil {
		return ActionResponse{}, err
	}
	decision := e.resolver.Resolve(roles, req.Action, rbac.OpRun)
	if !decision.Allowed {
		return ActionResponse{}, e.deny(ctx, caller, req.Action, req.Ticket, nil, decision.Reason)
	}
	if decision.NeedsApproval {
		id, err := e.submit(ctx, caller, req, body)
		if err != nil {
			return ActionResponse{}, err
		}
		return ActionResponse{
			Message:   fmt.Sprintf("Action %s requires approval. Request submitted.", req.Action),
			Status:    StatusPendingApproval,
			RequestID: id,
		}, nil
	}

	// From here the outcome is recorded even if the caller goes away; the
	// registry timeout still bounds the executor.
	ctx = context.WithoutCancel(ctx)
	result, execErr := e.dispatch(ctx, req.Action, body)
	rec := &audit.Record{
		User:   caller,
		Action: req.Action,
		Target: req.Target,
		Ticket: req.Ticket,
		Result: audit.ResultSuccess,
	}
	if execErr != nil {
		rec.Result = audit.ResultFailed
		rec.Details = &audit.Details{Error: execErr.Error()}
		e.logger.Warn("workflow: executor failed",
			slog.String("action", req.Action),
			slog.String("user", caller),
			slog.String("error", execErr.Error()))
	}
	if _, err := e.record(ctx, rec); err != nil {
		return ActionResponse{}, internal("Action outcome could not be recorded. Check audit log for details.", err)
	}
	if execErr != nil {
		return ActionResponse{}, internal("Action failed. Check audit log for details.", execErr)
	}
	return ActionResponse{
		Message: fmt.Sprintf("Action %s executed successfully.", req.Action),
		Result:  result,
	}, nil
}

// Request defers any action the caller could run or request.
func (e *Engine) Request(ctx context.Context, caller string, body json.RawMessage) (ActionResponse, error) {
	caller = registry.NormalizeEmail(caller)
	req, err := e.decodeActionRequest(body)
	if err != nil {
		return ActionResponse{}, err
	}
	roles, err := e.roles(ctx, caller)
	if err != nil {
		return ActionResponse{}, err
	}
	decision := e.resolver.Resolve(roles, req.Action, rbac.OpRun)
	if !decision.Allowed {
		return ActionResponse{}, e.deny(ctx, caller, req.Action, req.Ticket, nil, decision.Reason)
	}
	id, err := e.submit(ctx, caller, req, body)
	if err != nil {
		return ActionResponse{}, err
	}
	return ActionResponse{
		Message:   fmt.Sprintf("Approval request submitted for %s. An L2/L3 operator will review.", req.Action),
		Status:    StatusPendingApproval,
		RequestID: id,
	}, nil
}

// Approve replays a requested action on behalf of a second operator. The
// claim on the record decides concurrent approvals; only the winner runs the
// executor.
func (e *Engine) Approve(ctx context.Context, approver, requestID string) (ActionResponse, error) {
	approver = registry.NormalizeEmail(approver)
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ActionResponse{}, invalid("request_id is required")
	}
	rec, err := e.audit.Get(ctx, requestID)
	if errors.Is(err, audit.ErrNotFound) {
		return ActionResponse{}, notFound("Request not found")
	}
	if err != nil {
		return ActionResponse{}, internal(internalMessage, err)
	}
	if rec.Result != audit.ResultRequested {
		return ActionResponse{}, conflict(fmt.Sprintf("Request is already '%s'", rec.Result))
	}

	denial := &audit.Details{ApprovedRequestID: rec.ID}
	if strings.EqualFold(strings.TrimSpace(rec.User), approver) {
		return ActionResponse{}, e.deny(ctx, approver, rec.Action, rec.Ticket, denial, "Cannot approve your own request")
	}
	roles, err := e.roles(ctx, approver)
	if err != nil {
		return ActionResponse{}, err
	}
	if !e.resolver.Resolve(roles, rec.Action, rbac.OpApprove).Allowed {
		return ActionResponse{}, e.deny(ctx, approver, rec.Action, rec.Ticket, denial,
			fmt.Sprintf("Your role cannot approve '%s'", rec.Action))
	}

	body := rec.RequestBody()
	if len(body) == 0 {
		return ActionResponse{}, invalid("No request body stored for this record; cannot replay")
	}
	if !audit.VerifyDigest(rec) {
		e.logger.Error("workflow: stored request failed digest check",
			slog.String("request_id", rec.ID),
			slog.String("action", rec.Action))
		return ActionResponse{}, invalid("Stored request failed integrity check; cannot replay")
	}

	if err := e.audit.Claim(ctx, rec.ID, approver); err != nil {
		if errors.Is(err, audit.ErrConflict) {
			if e.observer != nil {
				e.observer.ObserveApprovalConflict(rec.Action)
			}
			return ActionResponse{}, conflict("Request is already being approved")
		}
		if errors.Is(err, audit.ErrNotFound) {
			return ActionResponse{}, notFound("Request not found")
		}
		return ActionResponse{}, internal(internalMessage, err)
	}

	ctx = context.WithoutCancel(ctx)
	result, execErr := e.dispatch(ctx, rec.Action, body)
	to := audit.ResultApproved
	follow := &audit.Record{
		User:       approver,
		Action:     rec.Action,
		Target:     rec.Target,
		Ticket:     rec.Ticket,
		Result:     audit.ResultSuccess,
		ApprovedBy: approver,
		Details:    &audit.Details{ApprovedRequestID: rec.ID},
	}
	if execErr != nil {
		to = audit.ResultApprovalFailed
		follow.Result = audit.ResultFailed
		follow.Details.Error = execErr.Error()
		e.logger.Warn("workflow: executor failed after approval",
			slog.String("action", rec.Action),
			slog.String("request_id", rec.ID),
			slog.String("approver", approver),
			slog.String("error", execErr.Error()))
	}
	// The claim guarantees this is the only writer for rec.ID. A failed
	// transition gives the claim back so the request can be approved again.
	transErr := e.audit.Transition(ctx, rec.ID, audit.ResultRequested, to, approver)
	if transErr != nil {
		e.logger.Error("workflow: request transition failed",
			slog.String("request_id", rec.ID),
			slog.String("to", string(to)),
			slog.String("error", transErr.Error()))
		if err := e.audit.Release(ctx, rec.ID, approver); err != nil {
			e.logger.Error("workflow: claim release failed",
				slog.String("request_id", rec.ID),
				slog.String("approver", approver),
				slog.String("error", err.Error()))
		}
	}
	if _, err := e.record(ctx, follow); err != nil {
		return ActionResponse{}, internal("Action outcome could not be recorded. Check audit log for details.", err)
	}
	if transErr != nil {
		return ActionResponse{}, internal(internalMessage, transErr)
	}
	if execErr != nil {
		return ActionResponse{}, internal("Action failed after approval. Check audit log for details.", execErr)
	}
	return ActionResponse{
		Message: fmt.Sprintf("Action %s approved and executed.", rec.Action),
		Result:  result,
	}, nil
}

// Pending lists open requests for callers who can approve something. Stored
// request bodies are stripped.
func (e *Engine) Pending(ctx context.Context, caller string, limit int) ([]audit.Record, error) {
	roles, err := e.roles(ctx, caller)
	if err != nil {
		return nil, err
	}
	if !e.resolver.CanApproveAny(roles) {
		return nil, forbidden("L2+ access required to view pending approvals")
	}
	recs, err := e.audit.QueryPending(ctx, limit)
	if err != nil {
		return nil, internal(internalMessage, err)
	}
	out := make([]audit.Record, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Public())
	}
	return out, nil
}
