package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/status"

	"github.com/rxd90/CommandBridge/internal/platform/auth"
	"github.com/rxd90/CommandBridge/internal/platform/workflow"
)

const maxBodyBytes = 64 << 10

type messageBody struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// API serves the action, audit and admin routes over the engine. Handlers
// expect auth.HTTPJWTMiddleware to have placed the caller identity on the
// request context.
type API struct {
	Engine *workflow.Engine
	Logger *slog.Logger
}

func NewAPI(engine *workflow.Engine, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{Engine: engine, Logger: logger}
}

func (a *API) Register(mux *runtime.ServeMux) error {
	routes := []struct {
		method string
		path   string
		h      runtime.HandlerFunc
	}{
		{http.MethodGet, "/me", a.me},
		{http.MethodGet, "/actions/permissions", a.permissions},
		{http.MethodPost, "/actions/execute", a.execute},
		{http.MethodPost, "/actions/request", a.request},
		{http.MethodPost, "/actions/approve", a.approve},
		{http.MethodGet, "/actions/pending", a.pending},
		{http.MethodGet, "/actions/audit", a.audit},
		{http.MethodGet, "/admin/users", a.listUsers},
		{http.MethodPost, "/admin/users", a.createUser},
		{http.MethodPost, "/admin/users/{email}/disable", a.disableUser},
		{http.MethodPost, "/admin/users/{email}/enable", a.enableUser},
		{http.MethodPost, "/admin/users/{email}/role", a.setRole},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.path, rt.h); err != nil {
			return fmt.Errorf("register %s %s: %w", rt.method, rt.path, err)
		}
	}
	return nil
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var we *workflow.Error
	if !errors.As(err, &we) {
		a.Logger.Error("api: unclassified error",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, messageBody{Message: "internal error"})
		return
	}
	if we.Kind == workflow.KindInternal {
		a.Logger.Error("api: request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
	}
	st := status.Convert(we)
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), messageBody{Message: st.Message()})
}

func caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok || id.Email == "" {
		writeJSON(w, http.StatusUnauthorized, messageBody{Message: "Unauthorized"})
		return "", false
	}
	return id.Email, true
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, messageBody{Message: "Invalid request body"})
		return nil, false
	}
	return raw, true
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return n
}

func pathEmail(p map[string]string) string {
	raw := p["email"]
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

func (a *API) me(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	u, err := a.Engine.Me(r.Context(), who)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"email":  u.Email,
		"name":   u.Name,
		"role":   u.Role,
		"team":   u.Team,
		"active": u.Active,
	})
}

func (a *API) permissions(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	perms, err := a.Engine.Permissions(r.Context(), who)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": perms})
}

func (a *API) execute(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	resp, err := a.Engine.Execute(r.Context(), who, raw)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	code := http.StatusOK
	if resp.Pending() {
		code = http.StatusAccepted
	}
	writeJSON(w, code, resp)
}

func (a *API) request(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	resp, err := a.Engine.Request(r.Context(), who, raw)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (a *API) approve(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	var in struct {
		RequestID string `json:"request_id"`
	}
	// A malformed body leaves RequestID empty, which the engine rejects.
	_ = json.Unmarshal(raw, &in)
	resp, err := a.Engine.Approve(r.Context(), who, in.RequestID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) pending(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	recs, err := a.Engine.Pending(r.Context(), who, queryLimit(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": recs})
}

func (a *API) audit(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	page, err := a.Engine.QueryAudit(r.Context(), who, workflow.AuditQuery{
		User:   q.Get("user"),
		Action: q.Get("action"),
		Limit:  queryLimit(r),
		Cursor: q.Get("cursor"),
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) listUsers(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	users, err := a.Engine.ListUsers(r.Context(), who)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (a *API) createUser(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	var in workflow.NewUser
	if err := json.Unmarshal(raw, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, messageBody{Message: "Invalid request body"})
		return
	}
	msg, err := a.Engine.CreateUser(r.Context(), who, in)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, messageBody{Message: msg})
}

func (a *API) disableUser(w http.ResponseWriter, r *http.Request, p map[string]string) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	msg, err := a.Engine.DisableUser(r.Context(), who, pathEmail(p))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageBody{Message: msg})
}

func (a *API) enableUser(w http.ResponseWriter, r *http.Request, p map[string]string) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	msg, err := a.Engine.EnableUser(r.Context(), who, pathEmail(p))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageBody{Message: msg})
}

func (a *API) setRole(w http.ResponseWriter, r *http.Request, p map[string]string) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	raw, ok := readBody(w, r)
	if !ok {
		return
	}
	var in struct {
		Role string `json:"role"`
	}
	_ = json.Unmarshal(raw, &in)
	msg, err := a.Engine.SetRole(r.Context(), who, pathEmail(p), in.Role)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageBody{Message: msg})
}
