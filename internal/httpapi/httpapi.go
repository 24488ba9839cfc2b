// Package httpapi exposes the gateway over REST for the web surface. It
// doubles as the "web" adapter: engine updates land in an in-memory feed
// the client polls.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kolapsis/remotewiz/internal/adapter"
	"github.com/kolapsis/remotewiz/internal/gateway"
	"github.com/kolapsis/remotewiz/internal/store"
)

// AdapterTag identifies tasks created through this surface.
const AdapterTag = "web"

const maxUploadForm = 12 << 20

// Server is the REST surface over the gateway.
type Server struct {
	gw        *gateway.Gateway
	authToken string
	feed      *feed
	mounts    map[string]http.Handler
}

// NewServer builds the REST server. authToken guards everything except
// the health endpoint.
func NewServer(gw *gateway.Gateway, authToken string) *Server {
	return &Server{
		gw:        gw,
		authToken: authToken,
		feed:      newFeed(256),
		mounts:    make(map[string]http.Handler),
	}
}

// Mount registers an extra handler behind the bearer auth middleware, for
// surfaces that share the owner token such as the MCP endpoint. Must be
// called before Router.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.mounts[pattern] = h
}

// SendTaskUpdate implements adapter.Adapter for the web surface.
func (s *Server) SendTaskUpdate(u adapter.Update) error {
	s.feed.add(event{Kind: "task_update", TS: time.Now(), Update: &u})
	return nil
}

// RequestApproval implements adapter.Adapter for the web surface.
func (s *Server) RequestApproval(p adapter.ApprovalPrompt) error {
	s.feed.add(event{Kind: "approval_request", TS: time.Now(), Approval: &p})
	return nil
}

// Router assembles the chi routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(securityHeaders)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(s.authToken))

		r.Post("/api/tasks", s.handleEnqueue)
		r.Get("/api/tasks/{id}", s.handleGetTask)
		r.Post("/api/tasks/{id}/cancel", s.handleCancel)

		r.Post("/api/approvals/{id}", s.handleResolveApproval)

		r.Get("/api/projects", s.handleProjects)
		r.Get("/api/projects/{alias}/tasks", s.handleProjectHistory)
		r.Get("/api/queue", s.handleQueue)
		r.Get("/api/budget", s.handleBudget)
		r.Get("/api/audit", s.handleAudit)

		r.Post("/api/threads/{id}/bind", s.handleBindThread)
		r.Get("/api/threads/{id}/tasks", s.handleThreadHistory)

		r.Post("/api/uploads", s.handleUpload)
		r.Get("/api/uploads/{id}", s.handleGetUpload)
		r.Post("/api/uploads/{id}/consume", s.handleConsumeUpload)

		r.Get("/api/events", s.handleEvents)

		for pattern, h := range s.mounts {
			r.Handle(pattern, h)
		}
	})

	return r
}

type taskResponse struct {
	ID              string `json:"id"`
	Project         string `json:"project"`
	Prompt          string `json:"prompt"`
	ThreadID        string `json:"thread_id"`
	Adapter         string `json:"adapter"`
	ContinueSession bool   `json:"continue_session"`
	Status          string `json:"status"`
	Result          string `json:"result,omitempty"`
	Error           string `json:"error,omitempty"`
	TokensUsed      int    `json:"tokens_used"`
	CreatedAt       string `json:"created_at"`
	StartedAt       string `json:"started_at,omitempty"`
	CompletedAt     string `json:"completed_at,omitempty"`
}

func toTaskResponse(t *store.TaskRecord) taskResponse {
	return taskResponse{
		ID:              t.ID,
		Project:         t.Project,
		Prompt:          t.Prompt,
		ThreadID:        t.ThreadID,
		Adapter:         t.Adapter,
		ContinueSession: t.ContinueSession,
		Status:          string(t.Status),
		Result:          t.Result,
		Error:           t.Error,
		TokensUsed:      t.TokensUsed,
		CreatedAt:       formatTS(t.CreatedAt),
		StartedAt:       formatTS(t.StartedAt),
		CompletedAt:     formatTS(t.CompletedAt),
	}
}

func formatTS(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req gateway.TaskRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	req.Adapter = AdapterTag

	id, err := s.gw.EnqueueTask(req)
	if err != nil {
		switch {
		case errors.Is(err, gateway.ErrUnknownProject):
			writeError(w, http.StatusNotFound, "unknown project")
		case errors.Is(err, gateway.ErrQueueFull):
			writeError(w, http.StatusTooManyRequests, "queue full for project")
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.gw.Task(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(task))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	changed, err := s.gw.CancelTask(chi.URLParam(r, "id"), actorFrom(r))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": changed})
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action string `json:"action"`
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	changed, err := s.gw.ResolveApproval(chi.URLParam(r, "id"), actorFrom(r), req.Action)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "approval not found")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"resolved": changed})
}

func (s *Server) handleProjects(w http.ResponseWriter, _ *http.Request) {
	type projectResponse struct {
		Alias           string `json:"alias"`
		Description     string `json:"description,omitempty"`
		SkipPermissions bool   `json:"skip_permissions"`
		TokenBudget     int    `json:"token_budget"`
		TimeoutSeconds  int    `json:"timeout_seconds"`
	}
	list := s.gw.Projects()
	out := make([]projectResponse, 0, len(list))
	for _, p := range list {
		out = append(out, projectResponse{
			Alias:           p.Alias,
			Description:     p.Description,
			SkipPermissions: p.SkipPermissions,
			TokenBudget:     p.TokenBudget,
			TimeoutSeconds:  int(p.Timeout.Seconds()),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleProjectHistory(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.gw.ProjectHistory(chi.URLParam(r, "alias"), limitFrom(r))
	if err != nil {
		if errors.Is(err, gateway.ErrUnknownProject) {
			writeError(w, http.StatusNotFound, "unknown project")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeTaskList(w, tasks)
}

func (s *Server) handleThreadHistory(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.gw.ThreadHistory(chi.URLParam(r, "id"), limitFrom(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeTaskList(w, tasks)
}

func writeTaskList(w http.ResponseWriter, tasks []store.TaskRecord) {
	out := make([]taskResponse, 0, len(tasks))
	for i := range tasks {
		out = append(out, toTaskResponse(&tasks[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	type queueResponse struct {
		Project       string `json:"project"`
		Queued        int    `json:"queued"`
		Running       int    `json:"running"`
		NeedsApproval int    `json:"needs_approval"`
	}
	counts, err := s.gw.QueueStatus()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "queue status failed")
		return
	}
	out := make([]queueResponse, 0, len(counts))
	for _, c := range counts {
		out = append(out, queueResponse{
			Project:       c.Project,
			Queued:        c.Queued,
			Running:       c.Running,
			NeedsApproval: c.NeedsApproval,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	reports, err := s.gw.BudgetToday(r.URL.Query().Get("project"))
	if err != nil {
		if errors.Is(err, gateway.ErrUnknownProject) {
			writeError(w, http.StatusNotFound, "unknown project")
			return
		}
		writeError(w, http.StatusInternalServerError, "budget lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	type auditResponse struct {
		TS       string          `json:"ts"`
		TaskID   string          `json:"task_id,omitempty"`
		Project  string          `json:"project,omitempty"`
		ThreadID string          `json:"thread_id,omitempty"`
		Actor    string          `json:"actor"`
		Action   string          `json:"action"`
		Detail   json.RawMessage `json:"detail"`
	}
	entries, err := s.gw.Audit(r.URL.Query().Get("project"), limitFrom(r))
	if err != nil {
		if errors.Is(err, gateway.ErrUnknownProject) {
			writeError(w, http.StatusNotFound, "unknown project")
			return
		}
		writeError(w, http.StatusInternalServerError, "audit lookup failed")
		return
	}
	out := make([]auditResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditResponse{
			TS:       formatTS(e.TS),
			TaskID:   e.TaskID,
			Project:  e.Project,
			ThreadID: e.ThreadID,
			Actor:    e.Actor,
			Action:   e.Action,
			Detail:   json.RawMessage(e.Detail),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBindThread(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Project string `json:"project"`
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.gw.BindThread(chi.URLParam(r, "id"), req.Project, AdapterTag, actorFrom(r))
	if err != nil {
		if errors.Is(err, gateway.ErrUnknownProject) {
			writeError(w, http.StatusNotFound, "unknown project")
			return
		}
		writeError(w, http.StatusInternalServerError, "bind failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadForm); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	project := r.FormValue("project")
	scope := r.FormValue("scope")
	if scope == "" {
		scope = "web"
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadForm))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading file failed")
		return
	}

	ref, err := s.gw.SaveUpload(project, scope, header.Filename, header.Header.Get("Content-Type"), data)
	if err != nil {
		if errors.Is(err, gateway.ErrUnknownProject) {
			writeError(w, http.StatusNotFound, "unknown project")
			return
		}
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":            ref.ID,
		"original_name": ref.OriginalName,
	})
}

func (s *Server) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	rec, err := s.gw.ResolveUpload(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "upload not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	// Server paths never leave the API.
	writeJSON(w, http.StatusOK, map[string]string{
		"id":            rec.ID,
		"original_name": rec.OriginalName,
	})
}

func (s *Server) handleConsumeUpload(w http.ResponseWriter, r *http.Request) {
	changed, err := s.gw.ConsumeUpload(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "upload not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "consume failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"consumed": changed})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	since := 0
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an integer")
			return
		}
		since = n
	}
	events, next := s.feed.since(since)
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "next": next})
}

func actorFrom(r *http.Request) string {
	if actor := r.Header.Get("X-Actor"); actor != "" {
		return actor
	}
	return "owner"
}

func limitFrom(r *http.Request) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// securityHeaders sets the baseline response headers on every route.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// bearerAuth validates the static owner token on protected routes.
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				http.Error(w, "server has no auth token configured", http.StatusUnauthorized)
				return
			}
			header := r.Header.Get("Authorization")
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
