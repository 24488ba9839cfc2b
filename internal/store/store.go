// Package store is the single durable source of truth: tasks, sessions,
// approvals, thread bindings, uploads and the append-only audit log all live
// in one SQLite database.
package store

import (
	"errors"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusQueued        TaskStatus = "queued"
	StatusRunning       TaskStatus = "running"
	StatusNeedsApproval TaskStatus = "needs_approval"
	StatusDone          TaskStatus = "done"
	StatusFailed        TaskStatus = "failed"
)

// IsTerminal reports whether the status is final.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Task error codes surfaced to adapters.
const (
	ErrCodeQueueFull       = "queue_full"
	ErrCodeUnknownProject  = "unknown_project"
	ErrCodeSilenceTimeout  = "silence_timeout"
	ErrCodeTimeout         = "timeout"
	ErrCodeBudgetExceeded  = "budget_exceeded"
	ErrCodeApprovalDenied  = "approval_denied"
	ErrCodeApprovalTimeout = "approval_timeout"
	ErrCodeCancelled       = "cancelled_by_user"
	ErrCodeCLIError        = "cli_error"
	ErrCodeWorkerCrashed   = "worker_crashed_recovery"
)

// ErrQueueFull is returned by EnqueueTask when the per-project queue cap is
// reached. ErrNotFound is returned by point lookups for missing rows.
var (
	ErrQueueFull = errors.New("queue full for project")
	ErrNotFound  = errors.New("not found")
)

// TaskRecord is a persisted task row.
type TaskRecord struct {
	ID              string
	Project         string
	ProjectPath     string // snapshot of the canonical path at enqueue time
	Prompt          string
	ThreadID        string
	Adapter         string
	ContinueSession bool
	Status          TaskStatus
	Result          string
	Error           string
	TokensUsed      int
	TokenBudget     *int // per-task override, nil = project default
	WorkerPID       *int
	WorkerPIDStart  *int64 // unix milliseconds, process create time
	Checkpoint      string // opaque blob, set on needs_approval
	CreatedAt       time.Time
	StartedAt       time.Time
	CompletedAt     time.Time
}

// ApprovalStatus is the lifecycle state of an approval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
)

// Action classes for sensitive operations the agent attempted.
const (
	ActionFileDelete      = "file_delete"
	ActionGitPush         = "git_push"
	ActionGitForce        = "git_force"
	ActionDestructiveCmd  = "destructive_cmd"
	ActionExternalRequest = "external_request"
	ActionInstallPackage  = "install_package"
	ActionUnknown         = "unknown"
)

// ApprovalRecord is a persisted approval row.
type ApprovalRecord struct {
	ID          string
	TaskID      string
	ActionClass string
	Description string
	Status      ApprovalStatus
	RequestedAt time.Time
	ResolvedAt  time.Time
	Resolver    string
}

// SessionRecord maps an adapter thread to the last agent session reference.
type SessionRecord struct {
	ThreadID   string
	Project    string
	SessionRef string
	LastUsedAt time.Time
}

// ThreadBinding maps an adapter thread to exactly one project.
type ThreadBinding struct {
	ThreadID  string
	Project   string
	Adapter   string
	Creator   string
	CreatedAt time.Time
}

// AuditEntry is a persisted audit row. Rows are immutable after insert;
// the table enforces this with triggers.
type AuditEntry struct {
	ID       int64
	TS       time.Time
	TaskID   string
	Project  string
	ThreadID string
	Actor    string
	Action   string
	Detail   string // JSON object, redacted before insert
}

// UploadRecord is an opaque handle to a validated uploaded file.
type UploadRecord struct {
	ID           string
	Project      string
	OriginalName string
	ServerPath   string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	ConsumedAt   time.Time
}

// QueueCounts reports per-project queue occupancy.
type QueueCounts struct {
	Project       string
	Queued        int
	Running       int
	NeedsApproval int
}
