// Package supervisor owns the lifecycle of one agent CLI subprocess: spawn
// with a whitelisted environment, fold the stream-json stdout, enforce the
// silence, timeout and token-budget monitors, and classify the exit into an
// Outcome. Anomalies never leave this package as errors; every run ends in
// an Outcome the engine can route.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/kolapsis/remotewiz/internal/audit"
	"github.com/kolapsis/remotewiz/internal/config"
	"github.com/kolapsis/remotewiz/internal/redact"
	"github.com/kolapsis/remotewiz/internal/store"
	"github.com/kolapsis/remotewiz/internal/stream"
)

// Outcome codes. Failure codes reuse the task error codes so the engine can
// write them straight onto the task row.
const (
	OutcomeDone          = "done"
	OutcomeNeedsApproval = "needs_approval"
)

const (
	maxLineBytes     = 10 * 1024 * 1024
	persistEvery     = 2 * time.Second
	termGrace        = 5 * time.Second
	maxStderrCapture = 4096
)

// Opts carries the per-run execution context.
type Opts struct {
	// Prompt overrides the task prompt when non-empty (replay runs and
	// resume-fallback runs use a rewritten prompt).
	Prompt string

	ReplayMode           bool
	ReplayAction         string
	ForceSkipPermissions bool
	AllowResume          bool
	SessionRef           string

	Timeout     time.Duration
	TokenBudget int

	// FallbackHistory is prepended to the prompt when a resume failure
	// forces a fresh session on a continue_session task.
	FallbackHistory string
}

// Outcome is the classified result of one run.
type Outcome struct {
	// Code is OutcomeDone, OutcomeNeedsApproval, or a task error code.
	Code string

	Text          string
	ToolSummaries []string
	ReplayActions []string
	TokensUsed    int
	SessionRef    string

	Permission *stream.PermissionEvent

	// ResumeFellBack is set when --resume failed and the run was retried
	// on a fresh session. The Text already carries the user-facing notice.
	ResumeFellBack bool

	ExitCode      int
	Stderr        string
	ParseFailures int
	SchemaDrift   bool
	FirstBadLine  string
}

// Supervisor spawns and monitors agent subprocesses.
type Supervisor struct {
	ClaudePath     string
	APIKeyEnv      string
	SilenceTimeout time.Duration

	Store *store.Store
	Audit *audit.Log
}

// New builds a supervisor from the execution config.
func New(s *store.Store, log *audit.Log, exec config.ExecutionConfig) *Supervisor {
	return &Supervisor{
		ClaudePath:     exec.ClaudePath,
		APIKeyEnv:      exec.APIKeyEnv,
		SilenceTimeout: exec.SilenceTimeout,
		Store:          s,
		Audit:          log,
	}
}

// Run executes one agent subprocess for the task and classifies the result.
func (s *Supervisor) Run(ctx context.Context, task *store.TaskRecord, project config.Project, opts Opts) Outcome {
	if err := verifyProjectPath(project); err != nil {
		slog.Error("project path precondition failed",
			"task_id", task.ID,
			"project", project.Alias,
			"error", err)
		return Outcome{Code: store.ErrCodeCLIError, Stderr: err.Error()}
	}

	out := s.runOnce(ctx, task, project, opts)

	// A resume failure gets exactly one retry on a fresh session.
	if opts.AllowResume && opts.SessionRef != "" && out.isResumeFailure() {
		s.Audit.Record(audit.Entry{
			TaskID:  task.ID,
			Project: project.Alias,
			Action:  audit.ActionSessionResumeFail,
			Detail: map[string]any{
				"session_ref": opts.SessionRef,
				"excerpt":     redact.Redact(excerpt(out.Text+" "+out.Stderr, 300)),
			},
		})
		slog.Warn("session resume failed, retrying with fresh session",
			"task_id", task.ID,
			"session_ref", opts.SessionRef)

		retry := opts
		retry.AllowResume = false
		retry.SessionRef = ""
		if opts.FallbackHistory != "" {
			retry.Prompt = "Context from recent activity in this thread: " +
				opts.FallbackHistory + "\n\n" + promptFor(task, opts)
		}
		out = s.runOnce(ctx, task, project, retry)
		out.ResumeFellBack = true
		if out.Code == OutcomeDone {
			out.Text = "Note: the previous session could not be resumed; this ran in a fresh session.\n\n" + out.Text
		}
	}

	return out
}

func promptFor(task *store.TaskRecord, opts Opts) string {
	if opts.Prompt != "" {
		return opts.Prompt
	}
	return task.Prompt
}

// runOnce performs a single spawn-monitor-classify cycle.
func (s *Supervisor) runOnce(ctx context.Context, task *store.TaskRecord, project config.Project, opts Opts) Outcome {
	skipPermissions := opts.ForceSkipPermissions || project.SkipPermissions

	args := []string{"--print", "--output-format", "stream-json"}
	if opts.AllowResume && opts.SessionRef != "" {
		args = append(args, "--resume", opts.SessionRef)
	}
	args = append(args, "-p", promptFor(task, opts))
	if skipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}

	cmd := exec.Command(s.ClaudePath, args...)
	cmd.Dir = project.CanonicalPath
	cmd.Env = whitelistEnv(s.APIKeyEnv)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{Code: store.ErrCodeCLIError, Stderr: err.Error()}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Outcome{Code: store.ErrCodeCLIError, Stderr: err.Error()}
	}

	if err := cmd.Start(); err != nil {
		slog.Error("agent spawn failed", "task_id", task.ID, "error", err)
		return Outcome{Code: store.ErrCodeCLIError, Stderr: err.Error()}
	}

	pid := cmd.Process.Pid
	startTS := processStartTS(pid)
	if err := s.Store.SetWorkerPID(task.ID, pid, startTS); err != nil {
		slog.Warn("recording worker pid failed", "task_id", task.ID, "pid", pid, "error", err)
	}
	defer func() {
		if err := s.Store.ClearWorkerPID(task.ID); err != nil {
			slog.Warn("clearing worker pid failed", "task_id", task.ID, "error", err)
		}
	}()

	slog.Info("agent started",
		"task_id", task.ID,
		"project", project.Alias,
		"pid", pid,
		"replay", opts.ReplayMode,
		"resume", opts.AllowResume && opts.SessionRef != "")

	exited := make(chan struct{})
	kl := &killer{
		taskID:  task.ID,
		project: project.Alias,
		proc:    cmd.Process,
		exited:  exited,
		audit:   s.Audit,
	}

	silence := s.SilenceTimeout
	if silence <= 0 {
		silence = 90 * time.Second
	}
	hardTimeout := opts.Timeout
	if hardTimeout <= 0 {
		hardTimeout = 10 * time.Minute
	}
	silenceTimer := time.AfterFunc(silence, func() { kl.kill(store.ErrCodeSilenceTimeout) })
	timeoutTimer := time.AfterFunc(hardTimeout, func() { kl.kill(store.ErrCodeTimeout) })
	defer silenceTimer.Stop()
	defer timeoutTimer.Stop()

	cancelWatch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			kl.kill(store.ErrCodeCancelled)
		case <-cancelWatch:
		}
	}()

	var stderrBuf strings.Builder
	var stderrWG sync.WaitGroup
	stderrWG.Add(1)
	go func() {
		defer stderrWG.Done()
		data, _ := io.ReadAll(io.LimitReader(stderr, maxStderrCapture))
		stderrBuf.Write(data)
	}()

	rec := stream.Record{CaptureReplay: opts.ReplayMode}
	rec = s.readStream(stdout, task, opts, rec, kl, silenceTimer)

	// Wait closes the pipes once the command exits, so stderr must be
	// drained before it is called.
	stderrWG.Wait()

	waitErr := cmd.Wait()
	close(exited)
	close(cancelWatch)

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	out := Outcome{
		Text:          rec.Text(),
		ToolSummaries: rec.ToolSummaries,
		ReplayActions: rec.ReplayActions,
		TokensUsed:    rec.Tokens,
		SessionRef:    rec.SessionID,
		Permission:    rec.PermissionDenied,
		ExitCode:      exitCode,
		Stderr:        stderrBuf.String(),
		ParseFailures: rec.ParseFailures,
		SchemaDrift:   rec.SchemaDrift(),
		FirstBadLine:  rec.FirstBadLine,
	}
	out.Code = classify(out, kl.reason(), skipPermissions)

	slog.Info("agent exited",
		"task_id", task.ID,
		"pid", pid,
		"exit_code", exitCode,
		"outcome", out.Code,
		"tokens", out.TokensUsed)

	return out
}

// readStream folds stdout into the record while driving the silence timer
// and the token-budget monitor.
func (s *Supervisor) readStream(r io.Reader, task *store.TaskRecord, opts Opts, rec stream.Record, k *killer, silenceTimer *time.Timer) stream.Record {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), maxLineBytes)

	rawBytes := 0
	lastPersist := time.Now()
	silence := s.SilenceTimeout
	if silence <= 0 {
		silence = 90 * time.Second
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		silenceTimer.Reset(silence)
		rawBytes += len(line)

		rec = stream.Consume(rec, line)

		// Parsed usage when present, a bytes/4 estimate otherwise.
		tokens := rec.Tokens
		if !rec.TokensSeen {
			tokens = rawBytes / 4
			rec.Tokens = tokens
		}

		if time.Since(lastPersist) >= persistEvery {
			if err := s.Store.UpdateTokens(task.ID, tokens); err != nil {
				slog.Warn("persisting token count failed", "task_id", task.ID, "error", err)
			}
			lastPersist = time.Now()
		}

		if opts.TokenBudget > 0 && tokens > opts.TokenBudget {
			k.kill(store.ErrCodeBudgetExceeded)
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("stream read error", "task_id", task.ID, "error", err)
	}

	if err := s.Store.UpdateTokens(task.ID, rec.Tokens); err != nil {
		slog.Warn("persisting token count failed", "task_id", task.ID, "error", err)
	}
	return rec
}

// classify maps the run evidence to an outcome code, in priority order.
func classify(out Outcome, killReason string, skipPermissions bool) string {
	switch {
	case out.Permission != nil && !skipPermissions:
		return OutcomeNeedsApproval
	case killReason == store.ErrCodeSilenceTimeout:
		return store.ErrCodeSilenceTimeout
	case killReason == store.ErrCodeTimeout:
		return store.ErrCodeTimeout
	case killReason == store.ErrCodeBudgetExceeded:
		return store.ErrCodeBudgetExceeded
	case killReason == store.ErrCodeCancelled:
		return store.ErrCodeCancelled
	case out.ExitCode != 0 && strings.TrimSpace(out.Text) == "":
		return store.ErrCodeCLIError
	default:
		return OutcomeDone
	}
}

// isResumeFailure applies the resume-failure heuristic to a finished run.
func (o Outcome) isResumeFailure() bool {
	if o.ExitCode == 0 {
		return false
	}
	if o.Code != store.ErrCodeCLIError && o.Code != OutcomeDone {
		return false
	}
	t := strings.ToLower(o.Text + " " + o.Stderr)
	subject := strings.Contains(t, "resume") || strings.Contains(t, "session") || strings.Contains(t, "conversation")
	failure := strings.Contains(t, "not found") || strings.Contains(t, "invalid") ||
		strings.Contains(t, "unable to resume") || strings.Contains(t, "does not exist") ||
		strings.Contains(t, "expired")
	return subject && failure
}

// verifyProjectPath re-checks the configured directory right before spawn:
// it must still resolve to the canonical path recorded at config load.
func verifyProjectPath(project config.Project) error {
	resolved, err := filepath.EvalSymlinks(project.Path)
	if err != nil {
		return err
	}
	if resolved != project.CanonicalPath {
		return errors.New("project path no longer resolves to its configured canonical path")
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("project path is not a directory")
	}
	return nil
}

// whitelistEnv builds the child environment: PATH, HOME, NODE_ENV and the
// API key variable pass through, everything else is stripped.
func whitelistEnv(apiKeyEnv string) []string {
	keys := []string{"PATH", "HOME", "NODE_ENV"}
	if apiKeyEnv != "" {
		keys = append(keys, apiKeyEnv)
	}
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return env
}

func processStartTS(pid int) int64 {
	if p, err := process.NewProcess(int32(pid)); err == nil {
		if created, err := p.CreateTime(); err == nil {
			return created
		}
	}
	return time.Now().UnixMilli()
}

func excerpt(s string, max int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// killer terminates the live child at most once and remembers why. The
// process handle belongs to this run, so no stored-pid identity check is
// needed here; SIGTERM escalates to SIGKILL after the grace window.
type killer struct {
	taskID  string
	project string
	proc    *os.Process
	exited  chan struct{}
	audit   *audit.Log

	mu     sync.Mutex
	why    string
	killed bool
}

func (k *killer) kill(reason string) {
	k.mu.Lock()
	if k.killed {
		k.mu.Unlock()
		return
	}
	k.killed = true
	k.why = reason
	k.mu.Unlock()

	slog.Warn("terminating agent", "task_id", k.taskID, "pid", k.proc.Pid, "reason", reason)
	k.audit.Record(audit.Entry{
		TaskID:  k.taskID,
		Project: k.project,
		Action:  audit.ActionProcessKilled,
		Detail:  map[string]any{"pid": k.proc.Pid, "reason": reason},
	})

	_ = k.proc.Signal(syscall.SIGTERM)
	go func() {
		select {
		case <-k.exited:
		case <-time.After(termGrace):
			_ = k.proc.Kill()
		}
	}()
}

func (k *killer) reason() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.why
}
