// Package engine is the scheduler: it drains the durable queue under the
// concurrency cap, supervises runs, routes outcomes, and drives the
// approval terminate-and-replay protocol. All state transitions go through
// the store so a restart recovers cleanly.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kolapsis/remotewiz/internal/adapter"
	"github.com/kolapsis/remotewiz/internal/audit"
	"github.com/kolapsis/remotewiz/internal/config"
	"github.com/kolapsis/remotewiz/internal/proc"
	"github.com/kolapsis/remotewiz/internal/redact"
	"github.com/kolapsis/remotewiz/internal/session"
	"github.com/kolapsis/remotewiz/internal/store"
	"github.com/kolapsis/remotewiz/internal/summarize"
	"github.com/kolapsis/remotewiz/internal/supervisor"
)

const defaultTick = 2 * time.Second

// systemTimeoutResolver marks approvals denied by expiry, not by a person.
const systemTimeoutResolver = "system_timeout"

// checkpoint is the blob persisted when a task pauses for approval.
type checkpoint struct {
	OriginalPrompt  string   `json:"original_prompt"`
	ProgressSummary string   `json:"progress_summary"`
	ReplayActions   []string `json:"replay_actions"`
}

// UploadPruner removes expired uploads; wired in by the upload service.
type UploadPruner interface {
	PruneExpired()
}

// Engine schedules tasks against the configured projects.
type Engine struct {
	store      *store.Store
	audit      *audit.Log
	bus        *adapter.Bus
	supervisor *supervisor.Supervisor
	sessions   *session.Service
	summarizer summarize.Summarizer
	projects   map[string]config.Project
	exec       config.ExecutionConfig

	// Uploads is optional; when set the tick loop prunes expired files.
	Uploads UploadPruner

	// Tick overrides the scheduler interval, used by tests.
	Tick time.Duration

	mu       sync.Mutex
	inFlight map[string]context.CancelFunc

	loopCancel context.CancelFunc
	loopDone   chan struct{}
	wg         sync.WaitGroup
}

// New wires an engine from its collaborators.
func New(s *store.Store, log *audit.Log, bus *adapter.Bus, sup *supervisor.Supervisor, sess *session.Service, sum summarize.Summarizer, projects map[string]config.Project, exec config.ExecutionConfig) *Engine {
	if sum == nil {
		sum = summarize.Digest{}
	}
	return &Engine{
		store:      s,
		audit:      log,
		bus:        bus,
		supervisor: sup,
		sessions:   sess,
		summarizer: sum,
		projects:   projects,
		exec:       exec,
		inFlight:   make(map[string]context.CancelFunc),
	}
}

// Start recovers orphans and begins the scheduler loop.
func (e *Engine) Start() {
	e.warnSkipPermissions()
	e.recoverOrphans()

	tick := e.Tick
	if tick <= 0 {
		tick = defaultTick
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.loopCancel = cancel
	e.loopDone = make(chan struct{})

	go func() {
		defer close(e.loopDone)
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.tick(ctx)
			}
		}
	}()

	slog.Info("engine started",
		"max_concurrent", e.exec.MaxConcurrent,
		"projects", len(e.projects))
}

// Stop halts the loop, terminates running subprocesses and waits for the
// in-flight runs to settle.
func (e *Engine) Stop() {
	if e.loopCancel != nil {
		e.loopCancel()
		<-e.loopDone
	}

	e.mu.Lock()
	for _, cancel := range e.inFlight {
		cancel()
	}
	e.mu.Unlock()

	e.wg.Wait()
	slog.Info("engine stopped")
}

func (e *Engine) warnSkipPermissions() {
	for alias, p := range e.projects {
		if !p.SkipPermissions {
			continue
		}
		slog.Warn("project runs without permission prompts",
			"project", alias,
			"reason", p.SkipPermissionsReason)
		e.audit.Record(audit.Entry{
			Project: alias,
			Action:  audit.ActionSkipPermissions,
			Detail:  map[string]any{"reason": p.SkipPermissionsReason},
		})
	}
}

// recoverOrphans handles rows left in running state by a crash. Stored pids
// are killed only after identity verification; a reused pid is never
// signalled.
func (e *Engine) recoverOrphans() {
	orphans, err := e.store.RunningOrphans()
	if err != nil {
		slog.Error("orphan scan failed", "error", err)
		return
	}

	for _, t := range orphans {
		if t.WorkerPID != nil && t.WorkerPIDStart != nil {
			err := proc.VerifiedKill(*t.WorkerPID, *t.WorkerPIDStart)
			if identityErr, ok := err.(*proc.IdentityError); ok {
				slog.Warn("stored pid no longer ours, not signalling",
					"task_id", t.ID,
					"pid", *t.WorkerPID,
					"reason", identityErr.Reason)
				e.audit.Record(audit.Entry{
					TaskID:  t.ID,
					Project: t.Project,
					Action:  audit.ActionZombiePIDReused,
					Detail:  map[string]any{"pid": *t.WorkerPID, "reason": identityErr.Reason},
				})
			} else if err != nil {
				slog.Warn("orphan kill failed", "task_id", t.ID, "pid", *t.WorkerPID, "error", err)
			} else {
				e.audit.Record(audit.Entry{
					TaskID:  t.ID,
					Project: t.Project,
					Action:  audit.ActionProcessKilled,
					Detail:  map[string]any{"pid": *t.WorkerPID, "reason": "orphan recovery"},
				})
			}
		}

		if _, err := e.store.MarkFailed(t.ID, store.ErrCodeWorkerCrashed); err != nil {
			slog.Error("orphan not marked failed", "task_id", t.ID, "error", err)
			continue
		}
		e.audit.Record(audit.Entry{
			TaskID:  t.ID,
			Project: t.Project,
			Action:  audit.ActionOrphanRecovered,
		})
		e.bus.SendTaskUpdate(t.Adapter, adapter.Update{
			TaskID:   t.ID,
			Project:  t.Project,
			ThreadID: t.ThreadID,
			Status:   string(store.StatusFailed),
			ErrCode:  store.ErrCodeWorkerCrashed,
		})
		slog.Info("orphan recovered", "task_id", t.ID, "project", t.Project)
	}
}

func (e *Engine) tick(ctx context.Context) {
	e.expireApprovals()
	e.sessions.Prune()
	if e.Uploads != nil {
		e.Uploads.PruneExpired()
	}
	e.dispatch(ctx)
}

func (e *Engine) expireApprovals() {
	cutoff := time.Now().Add(-e.exec.ApprovalTimeout)
	expired, err := e.store.ExpireApprovals(cutoff, systemTimeoutResolver)
	if err != nil {
		slog.Error("approval expiry sweep failed", "error", err)
		return
	}

	for _, a := range expired {
		task, err := e.store.GetTask(a.TaskID)
		if err != nil {
			slog.Warn("expired approval has no task", "approval_id", a.ID, "task_id", a.TaskID)
			continue
		}
		changed, err := e.store.MarkFailed(task.ID, store.ErrCodeApprovalTimeout)
		if err != nil {
			slog.Error("approval-timeout task not marked failed", "task_id", task.ID, "error", err)
			continue
		}
		if !changed {
			// Already terminal, e.g. cancelled while the decision sat pending.
			continue
		}
		e.audit.Record(audit.Entry{
			TaskID:  task.ID,
			Project: task.Project,
			Action:  audit.ActionApprovalExpired,
			Detail:  map[string]any{"approval_id": a.ID},
		})
		e.bus.SendTaskUpdate(task.Adapter, adapter.Update{
			TaskID:   task.ID,
			Project:  task.Project,
			ThreadID: task.ThreadID,
			Status:   string(store.StatusFailed),
			ErrCode:  store.ErrCodeApprovalTimeout,
		})
		slog.Info("pending approval expired", "task_id", task.ID, "approval_id", a.ID)
	}
}

func (e *Engine) dispatch(ctx context.Context) {
	for e.inFlightCount() < e.exec.MaxConcurrent {
		task, err := e.store.DequeueNext()
		if err != nil {
			slog.Error("dequeue failed", "error", err)
			return
		}
		if task == nil {
			return
		}

		project, ok := e.projects[task.Project]
		if !ok {
			// Config changed between enqueue and dequeue.
			_, _ = e.store.MarkFailed(task.ID, store.ErrCodeUnknownProject)
			e.audit.Record(audit.Entry{
				TaskID:  task.ID,
				Project: task.Project,
				Action:  audit.ActionTaskFailed,
				Detail:  map[string]any{"error": store.ErrCodeUnknownProject},
			})
			continue
		}

		runCtx, cancel := context.WithCancel(ctx)
		e.mu.Lock()
		e.inFlight[task.ID] = cancel
		e.mu.Unlock()

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer func() {
				e.mu.Lock()
				delete(e.inFlight, task.ID)
				e.mu.Unlock()
				cancel()
			}()
			e.runTask(runCtx, task, project)
		}()
	}
}

func (e *Engine) inFlightCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inFlight)
}

func (e *Engine) runTask(ctx context.Context, task *store.TaskRecord, project config.Project) {
	e.audit.Record(audit.Entry{
		TaskID:   task.ID,
		Project:  task.Project,
		ThreadID: task.ThreadID,
		Action:   audit.ActionTaskStarted,
	})
	if project.SkipPermissions {
		e.audit.Record(audit.Entry{
			TaskID:  task.ID,
			Project: task.Project,
			Action:  audit.ActionAutoApproved,
			Detail:  map[string]any{"reason": project.SkipPermissionsReason},
		})
	}

	opts := supervisor.Opts{
		Timeout:     project.Timeout,
		TokenBudget: effectiveBudget(task, project),
	}
	if task.ContinueSession {
		if ref, ok := e.sessions.Lookup(task.ThreadID); ok {
			opts.AllowResume = true
			opts.SessionRef = ref
		}
		opts.FallbackHistory = e.sessions.ThreadHistorySummary(task.ThreadID)
	}

	out := e.supervisor.Run(ctx, task, project, opts)
	e.routeOutcome(task, project, out)
}

func effectiveBudget(task *store.TaskRecord, project config.Project) int {
	if task.TokenBudget != nil && *task.TokenBudget > 0 {
		return *task.TokenBudget
	}
	return project.TokenBudget
}

// routeOutcome applies one run's outcome to the durable state and notifies
// the adapter. A task cancelled mid-run keeps its cancelled state; the
// conditional updates in the store make that race safe.
func (e *Engine) routeOutcome(task *store.TaskRecord, project config.Project, out supervisor.Outcome) {
	if out.SchemaDrift {
		e.audit.Record(audit.Entry{
			TaskID:  task.ID,
			Project: task.Project,
			Action:  audit.ActionSchemaDrift,
			Detail: map[string]any{
				"parse_failures": out.ParseFailures,
				"first_bad_line": redact.Redact(out.FirstBadLine),
			},
		})
	}

	switch out.Code {
	case supervisor.OutcomeDone:
		e.completeTask(task, project, out)

	case supervisor.OutcomeNeedsApproval:
		e.pauseForApproval(task, out)

	case store.ErrCodeCancelled:
		// The cancel path already marked the row and audited.
		slog.Info("run ended by cancellation", "task_id", task.ID)

	default:
		changed, err := e.store.MarkFailed(task.ID, out.Code)
		if err != nil {
			slog.Error("task not marked failed", "task_id", task.ID, "error", err)
			return
		}
		if !changed {
			return
		}
		e.audit.Record(audit.Entry{
			TaskID:   task.ID,
			Project:  task.Project,
			ThreadID: task.ThreadID,
			Action:   audit.ActionTaskFailed,
			Detail: map[string]any{
				"error":     out.Code,
				"exit_code": out.ExitCode,
				"stderr":    redact.Redact(excerpt(out.Stderr, 300)),
			},
		})
		e.bus.SendTaskUpdate(task.Adapter, adapter.Update{
			TaskID:   task.ID,
			Project:  task.Project,
			ThreadID: task.ThreadID,
			Status:   string(store.StatusFailed),
			ErrCode:  out.Code,
			Tokens:   out.TokensUsed,
		})
	}
}

func (e *Engine) completeTask(task *store.TaskRecord, project config.Project, out supervisor.Outcome) {
	summary := e.summarize(task, project, out)

	changed, err := e.store.MarkDone(task.ID, summary, out.TokensUsed)
	if err != nil {
		slog.Error("task not marked done", "task_id", task.ID, "error", err)
		return
	}
	if !changed {
		// Cancelled while we were summarizing.
		slog.Info("completion suppressed, task no longer running", "task_id", task.ID)
		return
	}

	if out.SessionRef != "" {
		e.sessions.Remember(task.ThreadID, task.Project, out.SessionRef)
	}
	if out.ResumeFellBack {
		e.sessions.Forget(task.ThreadID)
	}

	e.audit.Record(audit.Entry{
		TaskID:   task.ID,
		Project:  task.Project,
		ThreadID: task.ThreadID,
		Action:   audit.ActionTaskCompleted,
		Detail: map[string]any{
			"tokens_used":    out.TokensUsed,
			"tool_calls":     len(out.ToolSummaries),
			"replay_actions": len(out.ReplayActions),
		},
	})
	e.bus.SendTaskUpdate(task.Adapter, adapter.Update{
		TaskID:   task.ID,
		Project:  task.Project,
		ThreadID: task.ThreadID,
		Status:   string(store.StatusDone),
		Result:   summary,
		Tokens:   out.TokensUsed,
	})
}

// summarize produces the user-facing result. All summarizer input is
// redacted first; a summarizer failure degrades to the local fallback.
func (e *Engine) summarize(task *store.TaskRecord, project config.Project, out supervisor.Outcome) string {
	in := summarize.Input{
		RawText:       redact.Redact(out.Text),
		ToolSummary:   redactAll(out.ToolSummaries),
		TokensUsed:    out.TokensUsed,
		TokenBudget:   effectiveBudget(task, project),
		ReplayActions: redactAll(out.ReplayActions),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	text, err := e.summarizer.Summarize(ctx, in)
	if err != nil || text == "" {
		if err != nil {
			slog.Warn("summarizer failed, using fallback", "task_id", task.ID, "error", err)
		}
		text = summarize.Fallback(in)
	}
	text = summarize.EnsureReplaySection(text, in.ReplayActions)
	return redact.Redact(text)
}

func (e *Engine) pauseForApproval(task *store.TaskRecord, out supervisor.Outcome) {
	progress := redact.Redact(excerpt(out.Text, 500))
	cp, err := json.Marshal(checkpoint{
		OriginalPrompt:  task.Prompt,
		ProgressSummary: progress,
		ReplayActions:   redactAll(out.ReplayActions),
	})
	if err != nil {
		slog.Error("checkpoint not serializable", "task_id", task.ID, "error", err)
		cp = []byte("{}")
	}

	changed, err := e.store.MarkNeedsApproval(task.ID, string(cp))
	if err != nil {
		slog.Error("task not paused for approval", "task_id", task.ID, "error", err)
		return
	}
	if !changed {
		return
	}

	approval := &store.ApprovalRecord{
		ID:          uuid.NewString(),
		TaskID:      task.ID,
		ActionClass: out.Permission.ActionClass,
		Description: redact.Redact(out.Permission.Description),
		Status:      store.ApprovalPending,
		RequestedAt: time.Now(),
	}
	if err := e.store.CreateApproval(approval); err != nil {
		slog.Error("approval row not created", "task_id", task.ID, "error", err)
		_, _ = e.store.MarkFailed(task.ID, store.ErrCodeCLIError)
		return
	}

	e.audit.Record(audit.Entry{
		TaskID:   task.ID,
		Project:  task.Project,
		ThreadID: task.ThreadID,
		Action:   audit.ActionApprovalRequested,
		Detail: map[string]any{
			"approval_id":  approval.ID,
			"action_class": approval.ActionClass,
			"description":  approval.Description,
		},
	})
	e.bus.RequestApproval(task.Adapter, adapter.ApprovalPrompt{
		ApprovalID:  approval.ID,
		TaskID:      task.ID,
		Project:     task.Project,
		ThreadID:    task.ThreadID,
		ActionClass: approval.ActionClass,
		Description: approval.Description,
		Progress:    progress,
		ExpiresAt:   approval.RequestedAt.Add(e.exec.ApprovalTimeout),
	})
	slog.Info("task paused for approval",
		"task_id", task.ID,
		"approval_id", approval.ID,
		"action_class", approval.ActionClass)
}

// ResolveApproval flips a pending approval and, on approve, spawns the
// replay run. Returns false when the approval was no longer pending.
func (e *Engine) ResolveApproval(approvalID, actor string, approve bool) (bool, error) {
	a, err := e.store.GetApproval(approvalID)
	if err != nil {
		return false, fmt.Errorf("loading approval: %w", err)
	}

	status := store.ApprovalDenied
	if approve {
		status = store.ApprovalApproved
	}
	changed, err := e.store.ResolveApproval(approvalID, status, actor)
	if err != nil {
		return false, fmt.Errorf("resolving approval: %w", err)
	}
	if !changed {
		return false, nil
	}

	task, err := e.store.GetTask(a.TaskID)
	if err != nil {
		return true, fmt.Errorf("loading task for approval: %w", err)
	}

	if !approve {
		if _, err := e.store.MarkFailed(task.ID, store.ErrCodeApprovalDenied); err != nil {
			return true, fmt.Errorf("marking task denied: %w", err)
		}
		e.audit.Record(audit.Entry{
			TaskID:  task.ID,
			Project: task.Project,
			Actor:   actor,
			Action:  audit.ActionApprovalDenied,
			Detail:  map[string]any{"approval_id": approvalID},
		})
		e.bus.SendTaskUpdate(task.Adapter, adapter.Update{
			TaskID:   task.ID,
			Project:  task.Project,
			ThreadID: task.ThreadID,
			Status:   string(store.StatusFailed),
			ErrCode:  store.ErrCodeApprovalDenied,
		})
		return true, nil
	}

	e.audit.Record(audit.Entry{
		TaskID:  task.ID,
		Project: task.Project,
		Actor:   actor,
		Action:  audit.ActionApprovalGranted,
		Detail:  map[string]any{"approval_id": approvalID, "action_class": a.ActionClass},
	})

	resumed, err := e.store.ResumeForReplay(task.ID)
	if err != nil {
		return true, fmt.Errorf("resuming task for replay: %w", err)
	}
	if !resumed {
		// The task left needs_approval while the decision was pending,
		// e.g. a cancel. Nothing may run elevated for it.
		slog.Info("approved task no longer awaiting replay",
			"task_id", task.ID, "approval_id", approvalID)
		return true, nil
	}

	project, ok := e.projects[task.Project]
	if !ok {
		_, _ = e.store.MarkFailed(task.ID, store.ErrCodeUnknownProject)
		return true, nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.inFlight[task.ID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.inFlight, task.ID)
			e.mu.Unlock()
			cancel()
		}()
		e.runReplay(runCtx, task, project, a)
	}()

	return true, nil
}

func (e *Engine) runReplay(ctx context.Context, task *store.TaskRecord, project config.Project, approval *store.ApprovalRecord) {
	var cp checkpoint
	if err := json.Unmarshal([]byte(task.Checkpoint), &cp); err != nil {
		slog.Warn("checkpoint not parseable, replaying from prompt only",
			"task_id", task.ID, "error", err)
		cp = checkpoint{OriginalPrompt: task.Prompt}
	}

	prompt := fmt.Sprintf(
		"[APPROVED ACTION ONLY] The user approved: %s.\nPrevious progress: %s.\nPerform the approved action, then continue the original task: %s",
		approval.Description, cp.ProgressSummary, cp.OriginalPrompt)

	opts := supervisor.Opts{
		Prompt:               prompt,
		ReplayMode:           true,
		ReplayAction:         approval.Description,
		ForceSkipPermissions: true,
		AllowResume:          true,
		Timeout:              e.exec.ReplayTimeout,
		TokenBudget:          effectiveBudget(task, project),
	}
	if ref, ok := e.sessions.Lookup(task.ThreadID); ok {
		opts.SessionRef = ref
	}

	e.audit.Record(audit.Entry{
		TaskID:  task.ID,
		Project: task.Project,
		Action:  audit.ActionTaskReplayed,
		Detail:  map[string]any{"approval_id": approval.ID},
	})

	out := e.supervisor.Run(ctx, task, project, opts)
	// Replay actions recorded before the pause carry over into the final
	// summary alongside whatever the replay itself did.
	out.ReplayActions = append(cp.ReplayActions, out.ReplayActions...)
	e.routeOutcome(task, project, out)
}

// Cancel aborts a task in any non-terminal state and terminates its
// subprocess when one is running.
func (e *Engine) Cancel(taskID, actor string) (bool, error) {
	task, err := e.store.GetTask(taskID)
	if err != nil {
		return false, err
	}

	changed, err := e.store.CancelTask(taskID)
	if err != nil {
		return false, fmt.Errorf("cancelling task: %w", err)
	}
	if !changed {
		return false, nil
	}

	e.mu.Lock()
	cancel, running := e.inFlight[taskID]
	e.mu.Unlock()
	if running {
		cancel()
	}

	e.audit.Record(audit.Entry{
		TaskID:   taskID,
		Project:  task.Project,
		ThreadID: task.ThreadID,
		Actor:    actor,
		Action:   audit.ActionTaskCancelled,
	})
	e.bus.SendTaskUpdate(task.Adapter, adapter.Update{
		TaskID:   taskID,
		Project:  task.Project,
		ThreadID: task.ThreadID,
		Status:   string(store.StatusFailed),
		ErrCode:  store.ErrCodeCancelled,
	})
	return true, nil
}

func redactAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = redact.Redact(s)
	}
	return out
}

func excerpt(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
