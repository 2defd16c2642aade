package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rxd90/CommandBridge/internal/platform/audit"
	"github.com/rxd90/CommandBridge/internal/platform/catalog"
	"github.com/rxd90/CommandBridge/internal/platform/clock"
	"github.com/rxd90/CommandBridge/internal/platform/executor"
	"github.com/rxd90/CommandBridge/internal/platform/rbac"
	"github.com/rxd90/CommandBridge/internal/platform/registry"
)

var engineNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

const (
	opsUser      = "l1@example.com"
	opsPeer      = "l1b@example.com"
	engineer     = "l2@example.com"
	engineerPeer = "l2b@example.com"
	admin        = "l3@example.com"
	retired      = "gone@example.com"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	calls  map[string]int
	bodies []json.RawMessage
	delay  time.Duration
	fail   error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, actionID string, body json.RawMessage) (executor.Result, error) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.calls == nil {
		d.calls = make(map[string]int)
	}
	d.calls[actionID]++
	d.bodies = append(d.bodies, append(json.RawMessage(nil), body...))
	if d.fail != nil {
		return nil, d.fail
	}
	return executor.Result{"status": "success", "action": actionID}, nil
}

func (d *recordingDispatcher) count(actionID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[actionID]
}

type countingObserver struct {
	mu        sync.Mutex
	attempts  map[audit.Result]int
	conflicts int
}

func (o *countingObserver) ObserveAttempt(_ string, r audit.Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.attempts == nil {
		o.attempts = make(map[audit.Result]int)
	}
	o.attempts[r]++
}

func (o *countingObserver) ObserveExecution(string, time.Duration, error) {}

func (o *countingObserver) ObserveApprovalConflict(string) {
	o.mu.Lock()
	o.conflicts++
	o.mu.Unlock()
}

type harness struct {
	engine   *Engine
	audit    *audit.InMemoryStore
	users    *registry.InMemoryStore
	dispatch *recordingDispatcher
	observer *countingObserver
}

func seedUsers(clk clock.Clock) *registry.InMemoryStore {
	return registry.NewInMemoryStore(clk,
		registry.User{Email: opsUser, Name: "Ops", Role: "L1-operator", Team: "sre", Active: true},
		registry.User{Email: opsPeer, Name: "Ops Peer", Role: "L1-operator", Team: "sre", Active: true},
		registry.User{Email: engineer, Name: "Eng", Role: "L2-engineer", Team: "platform", Active: true},
		registry.User{Email: engineerPeer, Name: "Eng Peer", Role: "L2-engineer", Team: "platform", Active: true},
		registry.User{Email: admin, Name: "Admin", Role: "L3-admin", Team: "platform", Active: true},
		registry.User{Email: retired, Name: "Gone", Role: "L3-admin", Team: "platform", Active: false},
	)
}

func newHarness(t *testing.T, d Dispatcher) *harness {
	t.Helper()
	c, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog err: %v", err)
	}
	clk := clock.NewFixed(engineNow)
	h := &harness{
		audit:    audit.NewInMemoryStore(clk),
		users:    seedUsers(clk),
		observer: &countingObserver{},
	}
	if d == nil {
		h.dispatch = &recordingDispatcher{}
		d = h.dispatch
	}
	h.engine, err = NewEngine(Config{
		Resolver:   rbac.NewResolver(c),
		Users:      h.users,
		Audit:      h.audit,
		Dispatcher: d,
		Observer:   h.observer,
	})
	if err != nil {
		t.Fatalf("new engine err: %v", err)
	}
	return h
}

func body(action, target string) json.RawMessage {
	return json.RawMessage(`{"action":"` + action + `","target":"` + target + `","ticket":"INC-42","reason":"customer impact"}`)
}

func wantKind(t *testing.T, err error, kind Kind, msg string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error %q, got nil", kind, msg)
	}
	var we *Error
	if !errors.As(err, &we) {
		t.Fatalf("expected workflow error, got %T: %v", err, err)
	}
	if we.Kind != kind || (msg != "" && we.Message != msg) {
		t.Fatalf("expected %s %q, got %s %q", kind, msg, we.Kind, we.Message)
	}
}

func history(t *testing.T, h *harness, user string) []audit.Record {
	t.Helper()
	page, err := h.audit.QueryByUser(context.Background(), user, audit.MaxLimit, "")
	if err != nil {
		t.Fatalf("query history err: %v", err)
	}
	return page.Entries
}

func TestApprovalScenario(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	resp, err := h.engine.Execute(ctx, opsUser, body("maintenance-mode", "www"))
	if err != nil {
		t.Fatalf("execute err: %v", err)
	}
	if !resp.Pending() || resp.RequestID == "" || resp.Message != "Action maintenance-mode requires approval. Request submitted." {
		t.Fatalf("expected pending response, got=%+v", resp)
	}
	if h.dispatch.count("maintenance-mode") != 0 {
		t.Fatalf("deferred action must not execute")
	}

	pending, err := h.engine.Pending(ctx, engineer, 0)
	if err != nil {
		t.Fatalf("pending err: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != resp.RequestID || pending[0].Details == nil ||
		pending[0].Details.Justification != "customer impact" || len(pending[0].RequestBody()) != 0 {
		t.Fatalf("unexpected pending list: %+v", pending)
	}
	if _, err := h.engine.Pending(ctx, opsUser, 0); err == nil {
		t.Fatalf("L1 must not list pending requests")
	}

	_, err = h.engine.Approve(ctx, opsPeer, resp.RequestID)
	wantKind(t, err, KindForbidden, "Your role cannot approve 'maintenance-mode'")

	ok, err := h.engine.Approve(ctx, engineer, resp.RequestID)
	if err != nil {
		t.Fatalf("approve err: %v", err)
	}
	if ok.Message != "Action maintenance-mode approved and executed." || ok.Result["status"] != "success" {
		t.Fatalf("unexpected approve response: %+v", ok)
	}
	rec, err := h.audit.Get(ctx, resp.RequestID)
	if err != nil {
		t.Fatalf("get err: %v", err)
	}
	if rec.Result != audit.ResultApproved || rec.ApprovedBy != engineer {
		t.Fatalf("expected approved record, got=%+v", rec)
	}
	follow := history(t, h, engineer)
	if len(follow) != 1 || follow[0].Result != audit.ResultSuccess || follow[0].ApprovedBy != engineer ||
		follow[0].Details.ApprovedRequestID != resp.RequestID || follow[0].Target != "www" {
		t.Fatalf("unexpected approver record: %+v", follow)
	}

	_, err = h.engine.Approve(ctx, admin, resp.RequestID)
	wantKind(t, err, KindConflict, "Request is already 'approved'")
	if h.dispatch.count("maintenance-mode") != 1 {
		t.Fatalf("executor ran %d times", h.dispatch.count("maintenance-mode"))
	}
}

func TestDirectExecuteWritesOneSuccessRecord(t *testing.T) {
	h := newHarness(t, nil)
	resp, err := h.engine.Execute(context.Background(), opsUser, body("pull-logs", "api"))
	if err != nil {
		t.Fatalf("execute err: %v", err)
	}
	if resp.Pending() || resp.Message != "Action pull-logs executed successfully." {
		t.Fatalf("unexpected response: %+v", resp)
	}
	recs := history(t, h, opsUser)
	if len(recs) != 1 || recs[0].Result != audit.ResultSuccess || recs[0].Target != "api" || recs[0].Ticket != "INC-42" {
		t.Fatalf("unexpected records: %+v", recs)
	}
}

func TestUnknownActionIsDeniedAndRecorded(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.Execute(context.Background(), opsUser, body("launch-missiles", "moon"))
	wantKind(t, err, KindForbidden, rbac.ReasonUnknownAction)
	recs := history(t, h, opsUser)
	if len(recs) != 1 || recs[0].Result != audit.ResultDenied || recs[0].Action != "launch-missiles" || recs[0].Target != "" {
		t.Fatalf("unexpected denial record: %+v", recs)
	}
}

func TestInactiveAndUnknownCallersAreDenied(t *testing.T) {
	h := newHarness(t, nil)
	for _, caller := range []string{retired, "stranger@example.com"} {
		_, err := h.engine.Execute(context.Background(), caller, body("pull-logs", "api"))
		wantKind(t, err, KindForbidden, rbac.ReasonNoPermission)
	}
	if h.dispatch.count("pull-logs") != 0 {
		t.Fatalf("denied callers must not reach the executor")
	}
}

func TestValidationWritesNothing(t *testing.T) {
	h := newHarness(t, nil)
	cases := map[string]struct {
		body json.RawMessage
		msg  string
	}{
		"empty":        {json.RawMessage(``), "Invalid request body"},
		"array":        {json.RawMessage(`[]`), "Invalid request body"},
		"missing":      {json.RawMessage(`{"action":"pull-logs","ticket":"INC-1"}`), "action, ticket, and reason are required"},
		"bad ticket":   {json.RawMessage(`{"action":"pull-logs","ticket":"JIRA-1","reason":"x"}`), "ticket must match format INC-XXXX or CHG-XXXX"},
		"wrong type":   {json.RawMessage(`{"action":7,"ticket":"INC-1","reason":"x"}`), "Invalid request body"},
		"ticket space": {json.RawMessage(`{"action":"pull-logs","ticket":"INC-1 2","reason":"x"}`), "ticket must match format INC-XXXX or CHG-XXXX"},
	}
	for name, tc := range cases {
		_, err := h.engine.Execute(context.Background(), opsUser, tc.body)
		if KindOf(err) != KindInvalid {
			t.Fatalf("%s: expected invalid, got=%v", name, err)
		}
		wantKind(t, err, KindInvalid, tc.msg)
	}
	if recs := history(t, h, opsUser); len(recs) != 0 {
		t.Fatalf("validation failures must not write audit records: %+v", recs)
	}
}

func TestRequestDefersRunnableAction(t *testing.T) {
	h := newHarness(t, nil)
	resp, err := h.engine.Request(context.Background(), engineer, body("pull-logs", "api"))
	if err != nil {
		t.Fatalf("request err: %v", err)
	}
	if !resp.Pending() || h.dispatch.count("pull-logs") != 0 {
		t.Fatalf("expected deferred request: %+v", resp)
	}
	_, err = h.engine.Request(context.Background(), "stranger@example.com", body("pull-logs", "api"))
	wantKind(t, err, KindForbidden, rbac.ReasonNoPermission)
}

func TestSelfApprovalIsForbidden(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	resp, err := h.engine.Request(ctx, engineer, body("drain-traffic", "arn:tg"))
	if err != nil {
		t.Fatalf("request err: %v", err)
	}
	_, err = h.engine.Approve(ctx, strings.ToUpper(engineer), resp.RequestID)
	wantKind(t, err, KindForbidden, "Cannot approve your own request")

	rec, err := h.audit.Get(ctx, resp.RequestID)
	if err != nil || rec.Result != audit.ResultRequested {
		t.Fatalf("self-approval must not transition: %+v err=%v", rec, err)
	}
	recs := history(t, h, engineer)
	if len(recs) != 2 || recs[0].Result != audit.ResultDenied || recs[0].Details.ApprovedRequestID != resp.RequestID {
		t.Fatalf("expected denial record for the approver: %+v", recs)
	}
	if h.dispatch.count("drain-traffic") != 0 {
		t.Fatalf("self-approval must not execute")
	}
}

func TestApproveErrors(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.Approve(context.Background(), engineer, " ")
	wantKind(t, err, KindInvalid, "request_id is required")
	_, err = h.engine.Approve(context.Background(), engineer, "missing")
	wantKind(t, err, KindNotFound, "Request not found")

	if _, err := h.engine.Execute(context.Background(), opsUser, body("pull-logs", "api")); err != nil {
		t.Fatalf("execute err: %v", err)
	}
	recs := history(t, h, opsUser)
	_, err = h.engine.Approve(context.Background(), engineer, recs[0].ID)
	wantKind(t, err, KindConflict, "Request is already 'success'")
}

func TestConcurrentApprovalsExecuteOnce(t *testing.T) {
	d := &recordingDispatcher{delay: 20 * time.Millisecond}
	h := newHarness(t, d)
	ctx := context.Background()
	resp, err := h.engine.Request(ctx, opsUser, body("restart-pods", "web"))
	if err != nil {
		t.Fatalf("request err: %v", err)
	}

	approvers := []string{engineer, engineerPeer, admin}
	const rounds = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes, conflicts := 0, 0
	for i := 0; i < rounds; i++ {
		for _, a := range approvers {
			wg.Add(1)
			go func(approver string) {
				defer wg.Done()
				_, err := h.engine.Approve(ctx, approver, resp.RequestID)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					successes++
				case KindOf(err) == KindConflict:
					conflicts++
				default:
					t.Errorf("unexpected approve error: %v", err)
				}
			}(a)
		}
	}
	wg.Wait()
	if successes != 1 || conflicts != rounds*len(approvers)-1 {
		t.Fatalf("expected exactly one success, got successes=%d conflicts=%d", successes, conflicts)
	}
	if d.count("restart-pods") != 1 {
		t.Fatalf("executor invoked %d times", d.count("restart-pods"))
	}
	rec, err := h.audit.Get(ctx, resp.RequestID)
	if err != nil || rec.Result != audit.ResultApproved {
		t.Fatalf("expected approved record: %+v err=%v", rec, err)
	}
}

func TestReplayIsByteIdentical(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	raw := json.RawMessage("{ \"action\" : \"scale-service\",\n \"target\":\"api\", \"desired_count\": 3,\"ticket\":\"CHG-7\",\"reason\":\"load\\u0021\" }")
	resp, err := h.engine.Request(ctx, opsUser, raw)
	if err != nil {
		t.Fatalf("request err: %v", err)
	}
	if _, err := h.engine.Approve(ctx, engineer, resp.RequestID); err != nil {
		t.Fatalf("approve err: %v", err)
	}
	if len(h.dispatch.bodies) != 1 || string(h.dispatch.bodies[0]) != string(raw) {
		t.Fatalf("replayed body differs:\n got=%s\nwant=%s", h.dispatch.bodies, raw)
	}
}

func TestExecutorFailureAfterApproval(t *testing.T) {
	d := &recordingDispatcher{fail: errors.New("throttled")}
	h := newHarness(t, d)
	ctx := context.Background()
	resp, err := h.engine.Request(ctx, opsUser, body("purge-cache", "sessions"))
	if err != nil {
		t.Fatalf("request err: %v", err)
	}
	_, err = h.engine.Approve(ctx, engineer, resp.RequestID)
	wantKind(t, err, KindInternal, "Action failed after approval. Check audit log for details.")

	rec, _ := h.audit.Get(ctx, resp.RequestID)
	if rec.Result != audit.ResultApprovalFailed {
		t.Fatalf("expected approval_failed, got=%s", rec.Result)
	}
	recs := history(t, h, engineer)
	if len(recs) != 1 || recs[0].Result != audit.ResultFailed || recs[0].Details.Error != "throttled" {
		t.Fatalf("unexpected approver failure record: %+v", recs)
	}
	_, err = h.engine.Approve(ctx, admin, resp.RequestID)
	wantKind(t, err, KindConflict, "Request is already 'approval_failed'")
}

func registryDispatcher(t *testing.T, timeout time.Duration, overrides map[string]executor.Executor) *executor.Registry {
	t.Helper()
	c, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog err: %v", err)
	}
	set := make(map[string]executor.Executor)
	for _, id := range c.ActionIDs() {
		set[id] = executor.Func(func(context.Context, json.RawMessage) (executor.Result, error) {
			return executor.Result{"status": "success"}, nil
		})
	}
	for id, ex := range overrides {
		set[id] = ex
	}
	r, err := executor.NewRegistry(c, set, timeout)
	if err != nil {
		t.Fatalf("registry err: %v", err)
	}
	return r
}

func TestExecutorTimeoutAndPanicTerminalize(t *testing.T) {
	d := registryDispatcher(t, 20*time.Millisecond, map[string]executor.Executor{
		"pull-logs": executor.Func(func(ctx context.Context, _ json.RawMessage) (executor.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
		"flush-token-cache": executor.Func(func(context.Context, json.RawMessage) (executor.Result, error) {
			panic("nil map")
		}),
	})
	h := newHarness(t, d)
	ctx := context.Background()

	_, err := h.engine.Execute(ctx, opsUser, body("pull-logs", "api"))
	wantKind(t, err, KindInternal, "Action failed. Check audit log for details.")
	_, err = h.engine.Execute(ctx, opsUser, body("flush-token-cache", ""))
	wantKind(t, err, KindInternal, "Action failed. Check audit log for details.")

	recs := history(t, h, opsUser)
	if len(recs) != 2 {
		t.Fatalf("expected two failure records, got=%+v", recs)
	}
	for _, r := range recs {
		if r.Result != audit.ResultFailed || r.Details == nil || r.Details.Error == "" {
			t.Fatalf("expected failed record with error, got=%+v", r)
		}
	}
	if !strings.Contains(recs[0].Details.Error+recs[1].Details.Error, "timed out") {
		t.Fatalf("expected a timeout error in the trail: %+v", recs)
	}
}

type tamperingStore struct {
	*audit.InMemoryStore
}

func (s tamperingStore) Get(ctx context.Context, id string) (audit.Record, error) {
	r, err := s.InMemoryStore.Get(ctx, id)
	if err == nil && r.Details != nil {
		r.Details.RequestBody = json.RawMessage(`{"action":"scale-service","desired_count":0}`)
	}
	return r, err
}

func TestTamperedRequestIsNotReplayed(t *testing.T) {
	c, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog err: %v", err)
	}
	clk := clock.NewFixed(engineNow)
	store := tamperingStore{audit.NewInMemoryStore(clk)}
	d := &recordingDispatcher{}
	e, err := NewEngine(Config{Resolver: rbac.NewResolver(c), Users: seedUsers(clk), Audit: store, Dispatcher: d})
	if err != nil {
		t.Fatalf("new engine err: %v", err)
	}
	resp, err := e.Execute(context.Background(), opsUser, body("maintenance-mode", "api"))
	if err != nil || !resp.Pending() {
		t.Fatalf("expected pending request, resp=%+v err=%v", resp, err)
	}
	_, err = e.Approve(context.Background(), engineer, resp.RequestID)
	wantKind(t, err, KindInvalid, "Stored request failed integrity check; cannot replay")
	if d.count("scale-service") != 0 || d.count("maintenance-mode") != 0 {
		t.Fatalf("tampered request must not execute")
	}
}

func TestAuditAccessRules(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	for _, u := range []string{opsUser, engineer, admin} {
		if _, err := h.engine.Execute(ctx, u, body("pull-logs", "api")); err != nil {
			t.Fatalf("seed execute err: %v", err)
		}
	}

	page, err := h.engine.QueryAudit(ctx, opsUser, AuditQuery{})
	if err != nil || len(page.Entries) != 1 || page.Entries[0].User != opsUser {
		t.Fatalf("L1 without filter must see own history: %+v err=%v", page, err)
	}
	if _, err := h.engine.QueryAudit(ctx, opsUser, AuditQuery{User: opsUser}); err != nil {
		t.Fatalf("own history err: %v", err)
	}
	_, err = h.engine.QueryAudit(ctx, opsUser, AuditQuery{Action: "pull-logs"})
	wantKind(t, err, KindForbidden, "L2+ access required to query by action type")
	_, err = h.engine.QueryAudit(ctx, engineer, AuditQuery{User: opsUser})
	wantKind(t, err, KindForbidden, "L3 admin access required to view another user's audit history")

	page, err = h.engine.QueryAudit(ctx, engineer, AuditQuery{})
	if err != nil || len(page.Entries) != 3 {
		t.Fatalf("L2 recent feed: %+v err=%v", page, err)
	}
	page, err = h.engine.QueryAudit(ctx, engineer, AuditQuery{Action: "pull-logs", Limit: 2})
	if err != nil || len(page.Entries) != 2 || page.Cursor == "" {
		t.Fatalf("L2 action query: %+v err=%v", page, err)
	}
	page, err = h.engine.QueryAudit(ctx, admin, AuditQuery{User: strings.ToUpper(opsUser)})
	if err != nil || len(page.Entries) != 1 {
		t.Fatalf("L3 cross-user query: %+v err=%v", page, err)
	}
}

func TestPermissionsAndMe(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	perms, err := h.engine.Permissions(ctx, opsUser)
	if err != nil {
		t.Fatalf("permissions err: %v", err)
	}
	labels := map[string]rbac.Label{}
	for _, p := range perms {
		labels[p.ID] = p.Permission
	}
	if labels["pull-logs"] != rbac.LabelRun || labels["maintenance-mode"] != rbac.LabelRequest {
		t.Fatalf("unexpected L1 labels: %v", labels)
	}
	perms, err = h.engine.Permissions(ctx, "stranger@example.com")
	if err != nil {
		t.Fatalf("permissions err: %v", err)
	}
	for _, p := range perms {
		if p.Permission != rbac.LabelLocked {
			t.Fatalf("unknown caller must see everything locked: %+v", p)
		}
	}

	u, err := h.engine.Me(ctx, engineer)
	if err != nil || u.Role != "L2-engineer" {
		t.Fatalf("unexpected me: %+v err=%v", u, err)
	}
	_, err = h.engine.Me(ctx, retired)
	wantKind(t, err, KindForbidden, "User not found or inactive")
}

func TestErrorStatusMapping(t *testing.T) {
	cases := map[Kind]codes.Code{
		KindInvalid:      codes.InvalidArgument,
		KindForbidden:    codes.PermissionDenied,
		KindNotFound:     codes.NotFound,
		KindConflict:     codes.Aborted,
		KindInternal:     codes.Internal,
		KindPrecondition: codes.FailedPrecondition,
	}
	for kind, code := range cases {
		err := error(&Error{Kind: kind, Message: "m"})
		st, ok := status.FromError(err)
		if !ok || st.Code() != code || st.Message() != "m" {
			t.Fatalf("%s: unexpected status %v", kind, st)
		}
	}
	if KindOf(errors.New("plain")) != KindInternal {
		t.Fatalf("foreign errors must classify as internal")
	}
}
