// Package gateway is the single entry point the chat surfaces call: it
// validates requests against the configured projects, writes the durable
// state, and delegates run control to the engine. All strings returned to
// adapters are already redacted.
package gateway

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/kolapsis/remotewiz/internal/audit"
	"github.com/kolapsis/remotewiz/internal/config"
	"github.com/kolapsis/remotewiz/internal/engine"
	"github.com/kolapsis/remotewiz/internal/redact"
	"github.com/kolapsis/remotewiz/internal/store"
	"github.com/kolapsis/remotewiz/internal/upload"
)

// ErrUnknownProject rejects references to aliases not in the config.
var ErrUnknownProject = errors.New("unknown project")

// ErrQueueFull mirrors the store sentinel for callers of this package.
var ErrQueueFull = store.ErrQueueFull

// TaskRequest is the enqueue envelope. These are exactly the recognized
// fields; transports reject anything extra at decode time.
type TaskRequest struct {
	Project         string `json:"project"`
	Prompt          string `json:"prompt"`
	ThreadID        string `json:"thread_id"`
	Adapter         string `json:"adapter"`
	ContinueSession bool   `json:"continue_session"`
	ActorID         string `json:"actor_id"`
}

// BudgetReport is today's token consumption for one project.
type BudgetReport struct {
	Project    string `json:"project"`
	TokensUsed int    `json:"tokens_used"`
	Budget     int    `json:"budget"`
}

// Gateway validates and routes adapter calls.
type Gateway struct {
	store    *store.Store
	audit    *audit.Log
	engine   *engine.Engine
	uploads  *upload.Service
	projects map[string]config.Project
	exec     config.ExecutionConfig
}

// New wires a gateway.
func New(s *store.Store, log *audit.Log, eng *engine.Engine, up *upload.Service, projects map[string]config.Project, exec config.ExecutionConfig) *Gateway {
	return &Gateway{
		store:    s,
		audit:    log,
		engine:   eng,
		uploads:  up,
		projects: projects,
		exec:     exec,
	}
}

// EnqueueTask validates and persists a new task. The project may be omitted
// when the thread is bound to one.
func (g *Gateway) EnqueueTask(req TaskRequest) (string, error) {
	if req.Prompt == "" {
		return "", errors.New("prompt is required")
	}
	if req.ThreadID == "" {
		return "", errors.New("thread_id is required")
	}
	if req.Adapter == "" {
		return "", errors.New("adapter is required")
	}

	alias := req.Project
	if alias == "" {
		binding, err := g.store.GetBinding(req.ThreadID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return "", ErrUnknownProject
			}
			return "", fmt.Errorf("looking up thread binding: %w", err)
		}
		alias = binding.Project
	}

	project, ok := g.projects[alias]
	if !ok {
		return "", ErrUnknownProject
	}

	task := &store.TaskRecord{
		ID:              uuid.NewString(),
		Project:         alias,
		ProjectPath:     project.CanonicalPath,
		Prompt:          req.Prompt,
		ThreadID:        req.ThreadID,
		Adapter:         req.Adapter,
		ContinueSession: req.ContinueSession,
	}
	if err := g.store.EnqueueTask(task, g.exec.MaxQueuedPerProject); err != nil {
		return "", err
	}

	g.audit.Record(audit.Entry{
		TaskID:   task.ID,
		Project:  alias,
		ThreadID: req.ThreadID,
		Actor:    req.ActorID,
		Action:   audit.ActionTaskCreated,
		Detail: map[string]any{
			"adapter":          req.Adapter,
			"continue_session": req.ContinueSession,
			"prompt_excerpt":   redact.Redact(excerpt(req.Prompt, 200)),
		},
	})
	return task.ID, nil
}

// BindThread associates a thread with a project.
func (g *Gateway) BindThread(threadID, projectAlias, adapterTag, actorID string) error {
	if _, ok := g.projects[projectAlias]; !ok {
		return ErrUnknownProject
	}
	if err := g.store.BindThread(&store.ThreadBinding{
		ThreadID: threadID,
		Project:  projectAlias,
		Adapter:  adapterTag,
		Creator:  actorID,
	}); err != nil {
		return fmt.Errorf("binding thread: %w", err)
	}
	g.audit.Record(audit.Entry{
		Project:  projectAlias,
		ThreadID: threadID,
		Actor:    actorID,
		Action:   audit.ActionThreadBound,
	})
	return nil
}

// Binding returns the project bound to a thread, or store.ErrNotFound.
func (g *Gateway) Binding(threadID string) (*store.ThreadBinding, error) {
	return g.store.GetBinding(threadID)
}

// CancelTask aborts a task. Returns false when it was already terminal.
func (g *Gateway) CancelTask(taskID, actorID string) (bool, error) {
	return g.engine.Cancel(taskID, actorID)
}

// ResolveApproval approves or denies a pending approval.
func (g *Gateway) ResolveApproval(approvalID, actorID, action string) (bool, error) {
	switch action {
	case "approve", "deny":
	default:
		return false, fmt.Errorf("action must be approve or deny, got %q", action)
	}
	return g.engine.ResolveApproval(approvalID, actorID, action == "approve")
}

// Task returns one task row.
func (g *Gateway) Task(taskID string) (*store.TaskRecord, error) {
	return g.store.GetTask(taskID)
}

// Projects lists the configured projects, sorted by alias.
func (g *Gateway) Projects() []config.Project {
	out := make([]config.Project, 0, len(g.projects))
	for _, p := range g.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out
}

// QueueStatus reports per-project queue occupancy.
func (g *Gateway) QueueStatus() ([]store.QueueCounts, error) {
	return g.store.QueueStatus()
}

// ThreadHistory returns the newest tasks for a thread.
func (g *Gateway) ThreadHistory(threadID string, limit int) ([]store.TaskRecord, error) {
	return g.store.TasksByThread(threadID, normalizeLimit(limit))
}

// ProjectHistory returns the newest tasks for a project.
func (g *Gateway) ProjectHistory(projectAlias string, limit int) ([]store.TaskRecord, error) {
	if _, ok := g.projects[projectAlias]; !ok {
		return nil, ErrUnknownProject
	}
	return g.store.TasksByProject(projectAlias, normalizeLimit(limit))
}

// Audit returns recent audit entries, optionally scoped to a project.
func (g *Gateway) Audit(projectAlias string, limit int) ([]store.AuditEntry, error) {
	limit = normalizeLimit(limit)
	if projectAlias == "" {
		return g.audit.Recent(limit)
	}
	if _, ok := g.projects[projectAlias]; !ok {
		return nil, ErrUnknownProject
	}
	return g.audit.ByProject(projectAlias, limit)
}

// BudgetToday reports tokens consumed since UTC midnight. With an empty
// alias it reports every project.
func (g *Gateway) BudgetToday(projectAlias string) ([]BudgetReport, error) {
	aliases := make([]string, 0, len(g.projects))
	if projectAlias != "" {
		if _, ok := g.projects[projectAlias]; !ok {
			return nil, ErrUnknownProject
		}
		aliases = append(aliases, projectAlias)
	} else {
		for alias := range g.projects {
			aliases = append(aliases, alias)
		}
		sort.Strings(aliases)
	}

	out := make([]BudgetReport, 0, len(aliases))
	for _, alias := range aliases {
		used, err := g.store.TokensUsedToday(alias)
		if err != nil {
			return nil, fmt.Errorf("reading today's tokens for %s: %w", alias, err)
		}
		out = append(out, BudgetReport{
			Project:    alias,
			TokensUsed: used,
			Budget:     g.projects[alias].TokenBudget,
		})
	}
	return out, nil
}

// SaveUpload validates and stores a file for a project, scoped to a thread.
func (g *Gateway) SaveUpload(projectAlias, scope, originalName, mimeType string, data []byte) (*upload.Ref, error) {
	if _, ok := g.projects[projectAlias]; !ok {
		return nil, ErrUnknownProject
	}
	return g.uploads.Save(projectAlias, scope, originalName, mimeType, data)
}

// ResolveUpload returns the stored upload record for a handle.
func (g *Gateway) ResolveUpload(id string) (*store.UploadRecord, error) {
	return g.uploads.Resolve(id)
}

// ConsumeUpload marks an upload as used by a task.
func (g *Gateway) ConsumeUpload(id string) (bool, error) {
	return g.uploads.MarkConsumed(id)
}

// CleanupUploads removes the upload directory for one thread scope.
func (g *Gateway) CleanupUploads(projectAlias, scope string) {
	g.uploads.CleanupScope(projectAlias, scope)
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return 50
	}
	return limit
}

func excerpt(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
