package gateway

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/wardenlabs/warden/pkg/api"
	"github.com/wardenlabs/warden/pkg/auth"
	"github.com/wardenlabs/warden/pkg/executor"
)

// handleTasks serves submission and listing. Submission defers its
// permission check to the executor, which knows the permissions each
// task type's handler declared at registration.
func (g *Gateway) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		g.submitTask(w, r)
	case http.MethodGet:
		g.listTasks(w, r)
	default:
		api.WriteMethodNotAllowed(w)
	}
}

func (g *Gateway) submitTask(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(r.Context())
	if !ok {
		api.WriteUnauthorized(w, "missing credentials")
		return
	}
	var req executor.SubmitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		api.WriteBadRequest(w, "invalid request body")
		return
	}
	req.UserID = user.UserID
	req.Role = user.Role
	req.IPAddress = api.ClientIP(r)
	req.UserAgent = r.UserAgent()
	if req.CorrelationID == "" {
		req.CorrelationID = auth.RequestIDFrom(r.Context())
	}

	task, err := g.deps.Exec.Submit(r.Context(), req)
	if err != nil {
		g.writeErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, task)
}

func (g *Gateway) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := executor.Filter{
		Status: executor.Status(q.Get("status")),
		Type:   q.Get("type"),
		UserID: q.Get("userId"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			api.WriteBadRequest(w, "limit must be a non-negative integer")
			return
		}
		f.Limit = limit
	}
	tasks := g.deps.Exec.List(f)
	api.WriteJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

// handleTaskItem serves /api/v1/tasks/{id}, /{id}/cancel and
// /{id}/wait.
func (g *Gateway) handleTaskItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
	segs := strings.Split(rest, "/")

	switch {
	case len(segs) == 1 && segs[0] != "":
		if r.Method != http.MethodGet {
			api.WriteMethodNotAllowed(w)
			return
		}
		task, err := g.deps.Exec.Get(segs[0])
		if err != nil {
			g.writeErr(w, r, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, task)

	case len(segs) == 2 && segs[1] == "cancel":
		if r.Method != http.MethodPost {
			api.WriteMethodNotAllowed(w)
			return
		}
		if err := g.deps.Exec.Cancel(r.Context(), segs[0]); err != nil {
			g.writeErr(w, r, err)
			return
		}
		task, err := g.deps.Exec.Get(segs[0])
		if err != nil {
			g.writeErr(w, r, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, task)

	case len(segs) == 2 && segs[1] == "wait":
		if r.Method != http.MethodGet {
			api.WriteMethodNotAllowed(w)
			return
		}
		// Bounded by the server write timeout; long-polling clients
		// retry when the connection is cut.
		task, err := g.deps.Exec.Wait(r.Context(), segs[0])
		if err != nil {
			g.writeErr(w, r, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, task)

	default:
		api.WriteNotFound(w, "not found")
	}
}

func (g *Gateway) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteMethodNotAllowed(w)
		return
	}
	if g.deps.Metrics == nil {
		api.WriteServiceUnavailable(w, "metrics collector not configured")
		return
	}
	snap, err := g.deps.Metrics.Collect(r.Context())
	if err != nil {
		g.writeErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, snap)
}

func (g *Gateway) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}
	if g.deps.Chain == nil {
		api.WriteServiceUnavailable(w, "audit chain not configured")
		return
	}
	report, err := g.deps.Chain.Verify(r.Context())
	if err != nil {
		g.writeErr(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, report)
}
