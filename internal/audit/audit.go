// Package audit records every state transition into the append-only
// audit_log table. Entries are redacted before they are persisted.
package audit

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/kolapsis/remotewiz/internal/redact"
	"github.com/kolapsis/remotewiz/internal/store"
)

// Action tags written by the engine and supervisor.
const (
	ActionTaskCreated       = "task_created"
	ActionTaskStarted       = "task_started"
	ActionTaskCompleted     = "task_completed"
	ActionTaskFailed        = "task_failed"
	ActionTaskCancelled     = "task_cancelled"
	ActionTaskReplayed      = "task_replayed"
	ActionApprovalRequested = "approval_requested"
	ActionApprovalGranted   = "approval_granted"
	ActionApprovalDenied    = "approval_denied"
	ActionApprovalExpired   = "approval_expired"
	ActionAutoApproved      = "auto_approved"
	ActionSchemaDrift       = "schema_drift"
	ActionSessionResumeFail = "session_resume_failed"
	ActionZombiePIDReused   = "zombie_pid_reused"
	ActionOrphanRecovered   = "orphan_recovered"
	ActionProcessKilled     = "process_killed"
	ActionSkipPermissions   = "skip_permissions_enabled"
	ActionThreadBound       = "thread_bound"
	ActionUploadCreated     = "upload_created"
	ActionUploadRejected    = "upload_rejected"
)

// SystemActor marks entries produced by the engine rather than a person.
const SystemActor = "system"

// Log writes redacted audit entries through the store.
type Log struct {
	store *store.Store
}

// New creates an audit log backed by the given store.
func New(s *store.Store) *Log {
	return &Log{store: s}
}

// Entry is a single audit event before redaction.
type Entry struct {
	TaskID   string
	Project  string
	ThreadID string
	Actor    string
	Action   string
	Detail   map[string]any
}

// Record redacts and persists an entry. Storage failures are logged, never
// returned: an audit failure must not fail the operation being audited.
func (l *Log) Record(e Entry) {
	if e.Actor == "" {
		e.Actor = SystemActor
	}

	detail := "{}"
	if len(e.Detail) > 0 {
		redacted := redact.RedactAny(e.Detail)
		b, err := json.Marshal(redacted)
		if err != nil {
			slog.Warn("audit detail not serializable", "action", e.Action, "error", err)
		} else {
			detail = string(b)
		}
	}

	row := &store.AuditEntry{
		TS:       time.Now(),
		TaskID:   e.TaskID,
		Project:  e.Project,
		ThreadID: e.ThreadID,
		Actor:    redact.Redact(e.Actor),
		Action:   e.Action,
		Detail:   detail,
	}

	if err := l.store.InsertAudit(row); err != nil {
		slog.Error("audit entry not persisted",
			"action", e.Action,
			"task_id", e.TaskID,
			"error", err)
	}
}

// ByTask returns audit rows for one task, oldest first.
func (l *Log) ByTask(taskID string) ([]store.AuditEntry, error) {
	return l.store.AuditByTask(taskID)
}

// ByProject returns the newest audit rows for a project.
func (l *Log) ByProject(project string, limit int) ([]store.AuditEntry, error) {
	return l.store.AuditByProject(project, limit)
}

// Recent returns the newest audit rows across all projects.
func (l *Log) Recent(limit int) ([]store.AuditEntry, error) {
	return l.store.AuditRecent(limit)
}
