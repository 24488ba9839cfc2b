package engine

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolapsis/remotewiz/internal/adapter"
	"github.com/kolapsis/remotewiz/internal/audit"
	"github.com/kolapsis/remotewiz/internal/config"
	"github.com/kolapsis/remotewiz/internal/session"
	"github.com/kolapsis/remotewiz/internal/store"
	"github.com/kolapsis/remotewiz/internal/supervisor"
)

type fakeAdapter struct {
	mu        sync.Mutex
	updates   []adapter.Update
	approvals []adapter.ApprovalPrompt
	updateCh  chan adapter.Update
	promptCh  chan adapter.ApprovalPrompt
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		updateCh: make(chan adapter.Update, 32),
		promptCh: make(chan adapter.ApprovalPrompt, 32),
	}
}

func (f *fakeAdapter) SendTaskUpdate(u adapter.Update) error {
	f.mu.Lock()
	f.updates = append(f.updates, u)
	f.mu.Unlock()
	f.updateCh <- u
	return nil
}

func (f *fakeAdapter) RequestApproval(p adapter.ApprovalPrompt) error {
	f.mu.Lock()
	f.approvals = append(f.approvals, p)
	f.mu.Unlock()
	f.promptCh <- p
	return nil
}

type testRig struct {
	engine  *Engine
	store   *store.Store
	audit   *audit.Log
	adapter *fakeAdapter
	project config.Project
}

func writeStub(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func newRig(t *testing.T, stubScript string) *testRig {
	t.Helper()

	dir := t.TempDir()
	canon, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	project := config.Project{
		Alias:         "alpha",
		Path:          dir,
		CanonicalPath: canon,
		TokenBudget:   100_000,
		Timeout:       20 * time.Second,
	}

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	log := audit.New(s)
	bus := adapter.NewBus()
	fa := newFakeAdapter()
	bus.Register("test", fa)

	exec := config.ExecutionConfig{
		MaxConcurrent:       2,
		MaxQueuedPerProject: 5,
		DefaultTokenBudget:  100_000,
		DefaultTimeout:      20 * time.Second,
		SilenceTimeout:      10 * time.Second,
		ApprovalTimeout:     30 * time.Minute,
		ReplayTimeout:       10 * time.Second,
	}
	sup := supervisor.New(s, log, config.ExecutionConfig{
		ClaudePath:     stubScript,
		APIKeyEnv:      "ANTHROPIC_API_KEY",
		SilenceTimeout: exec.SilenceTimeout,
	})

	eng := New(s, log, bus, sup, session.New(s), nil,
		map[string]config.Project{"alpha": project}, exec)
	eng.Tick = 50 * time.Millisecond

	return &testRig{engine: eng, store: s, audit: log, adapter: fa, project: project}
}

func (r *testRig) enqueue(t *testing.T, prompt string) *store.TaskRecord {
	t.Helper()
	task := &store.TaskRecord{
		ID:       uuid.NewString(),
		Project:  "alpha",
		Prompt:   prompt,
		ThreadID: "th-1",
		Adapter:  "test",
	}
	require.NoError(t, r.store.EnqueueTask(task, 5))
	return task
}

func waitStatus(t *testing.T, s *store.Store, id string, want store.TaskStatus) *store.TaskRecord {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		task, err := s.GetTask(id)
		require.NoError(t, err)
		if task.Status == want {
			return task
		}
		time.Sleep(20 * time.Millisecond)
	}
	task, _ := s.GetTask(id)
	t.Fatalf("task %s never reached %s (stuck at %s / %s)", id, want, task.Status, task.Error)
	return nil
}

func hasAction(t *testing.T, log *audit.Log, taskID, action string) bool {
	t.Helper()
	rows, err := log.ByTask(taskID)
	require.NoError(t, err)
	for _, r := range rows {
		if r.Action == action {
			return true
		}
	}
	return false
}

func TestEngine_HappyPath(t *testing.T) {
	stub := writeStub(t, `
echo '{"type":"system","subtype":"init","session_id":"ses_hp"}'
echo '{"role":"assistant","content":"implemented the endpoint"}'
echo '{"usage":{"total_tokens":420}}'
`)
	rig := newRig(t, stub)
	task := rig.enqueue(t, "implement the endpoint")

	rig.engine.Start()
	defer rig.engine.Stop()

	row := waitStatus(t, rig.store, task.ID, store.StatusDone)
	assert.Contains(t, row.Result, "implemented the endpoint")
	assert.Equal(t, 420, row.TokensUsed)

	// Session remembered for the thread.
	ref, ok := session.New(rig.store).Lookup("th-1")
	require.True(t, ok)
	assert.Equal(t, "ses_hp", ref)

	assert.True(t, hasAction(t, rig.audit, task.ID, audit.ActionTaskStarted))
	assert.True(t, hasAction(t, rig.audit, task.ID, audit.ActionTaskCompleted))

	select {
	case u := <-rig.adapter.updateCh:
		assert.Equal(t, string(store.StatusDone), u.Status)
		assert.Contains(t, u.Result, "implemented the endpoint")
	case <-time.After(5 * time.Second):
		t.Fatal("no task update delivered")
	}
}

func TestEngine_SameProjectRunsSequentially(t *testing.T) {
	stub := writeStub(t, `
echo '{"role":"assistant","content":"step finished"}'
sleep 0.3
`)
	rig := newRig(t, stub)
	first := rig.enqueue(t, "first")
	second := rig.enqueue(t, "second")

	rig.engine.Start()
	defer rig.engine.Stop()

	firstRow := waitStatus(t, rig.store, first.ID, store.StatusDone)
	secondRow := waitStatus(t, rig.store, second.ID, store.StatusDone)

	// Mutual exclusion: the second run starts only after the first ends.
	assert.False(t, secondRow.StartedAt.Before(firstRow.CompletedAt),
		"second task started at %s before first completed at %s",
		secondRow.StartedAt, firstRow.CompletedAt)
}

func TestEngine_ApprovalApproveAndReplay(t *testing.T) {
	stub := writeStub(t, `
case "$*" in
  *--dangerously-skip-permissions*)
    echo '{"tool_name":"Bash","input":{"command":"git push origin main"}}'
    echo '{"role":"assistant","content":"pushed and finished"}'
    ;;
  *)
    echo '{"role":"assistant","content":"progress so far"}'
    echo '{"type":"permission_denied","action":"git push","message":"git push needs approval"}'
    ;;
esac
`)
	rig := newRig(t, stub)
	task := rig.enqueue(t, "push the branch")

	rig.engine.Start()
	defer rig.engine.Stop()

	var prompt adapter.ApprovalPrompt
	select {
	case prompt = <-rig.adapter.promptCh:
	case <-time.After(10 * time.Second):
		t.Fatal("no approval prompt delivered")
	}
	assert.Equal(t, "git_push", prompt.ActionClass)

	paused := waitStatus(t, rig.store, task.ID, store.StatusNeedsApproval)
	assert.Contains(t, paused.Checkpoint, "push the branch")
	assert.Contains(t, paused.Checkpoint, "progress so far")

	changed, err := rig.engine.ResolveApproval(prompt.ApprovalID, "owner", true)
	require.NoError(t, err)
	require.True(t, changed)

	row := waitStatus(t, rig.store, task.ID, store.StatusDone)
	assert.Contains(t, row.Result, "Replay actions:")
	assert.Contains(t, row.Result, "git push origin main")

	assert.True(t, hasAction(t, rig.audit, task.ID, audit.ActionApprovalRequested))
	assert.True(t, hasAction(t, rig.audit, task.ID, audit.ActionApprovalGranted))
	assert.True(t, hasAction(t, rig.audit, task.ID, audit.ActionTaskReplayed))
}

func TestEngine_ApprovalDeny(t *testing.T) {
	stub := writeStub(t, `
echo '{"type":"permission_denied","action":"rm -rf build","message":"destructive command"}'
`)
	rig := newRig(t, stub)
	task := rig.enqueue(t, "clean the build dir")

	rig.engine.Start()
	defer rig.engine.Stop()

	var prompt adapter.ApprovalPrompt
	select {
	case prompt = <-rig.adapter.promptCh:
	case <-time.After(10 * time.Second):
		t.Fatal("no approval prompt delivered")
	}

	changed, err := rig.engine.ResolveApproval(prompt.ApprovalID, "owner", false)
	require.NoError(t, err)
	require.True(t, changed)

	row := waitStatus(t, rig.store, task.ID, store.StatusFailed)
	assert.Equal(t, store.ErrCodeApprovalDenied, row.Error)
	assert.True(t, hasAction(t, rig.audit, task.ID, audit.ActionApprovalDenied))

	// Second resolve races against nothing: the row is terminal.
	changed, err = rig.engine.ResolveApproval(prompt.ApprovalID, "owner", true)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestEngine_ApprovalExpiry(t *testing.T) {
	stub := writeStub(t, `
echo '{"type":"permission_denied","action":"git push","message":"needs approval"}'
`)
	rig := newRig(t, stub)
	rig.engine.exec.ApprovalTimeout = 200 * time.Millisecond
	task := rig.enqueue(t, "push it")

	rig.engine.Start()
	defer rig.engine.Stop()

	row := waitStatus(t, rig.store, task.ID, store.StatusFailed)
	assert.Equal(t, store.ErrCodeApprovalTimeout, row.Error)
	assert.True(t, hasAction(t, rig.audit, task.ID, audit.ActionApprovalExpired))

	// No pending approval survives the sweep.
	_, err := rig.store.PendingApprovalByTask(task.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestEngine_ApprovalExpiryAfterCancelStaysQuiet(t *testing.T) {
	stub := writeStub(t, `
echo '{"type":"permission_denied","action":"git push","message":"needs approval"}'
`)
	rig := newRig(t, stub)
	rig.engine.exec.ApprovalTimeout = 500 * time.Millisecond
	task := rig.enqueue(t, "push it")

	rig.engine.Start()
	defer rig.engine.Stop()

	waitStatus(t, rig.store, task.ID, store.StatusNeedsApproval)
	changed, err := rig.engine.Cancel(task.ID, "owner")
	require.NoError(t, err)
	require.True(t, changed)

	select {
	case u := <-rig.adapter.updateCh:
		assert.Equal(t, store.ErrCodeCancelled, u.ErrCode)
	case <-time.After(5 * time.Second):
		t.Fatal("no cancel update delivered")
	}

	// Let the expiry sweep resolve the orphaned approval.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := rig.store.PendingApprovalByTask(task.ID); errors.Is(err, store.ErrNotFound) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	_, err = rig.store.PendingApprovalByTask(task.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	// The cancelled row keeps its error code and the owner hears nothing
	// more about it.
	row, err := rig.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ErrCodeCancelled, row.Error)
	assert.False(t, hasAction(t, rig.audit, task.ID, audit.ActionApprovalExpired))
	select {
	case u := <-rig.adapter.updateCh:
		t.Fatalf("unexpected update for cancelled task: %+v", u)
	default:
	}
}

func TestEngine_ApproveAfterCancelDoesNotReplay(t *testing.T) {
	stub := writeStub(t, `
echo '{"type":"permission_denied","action":"git push","message":"needs approval"}'
`)
	rig := newRig(t, stub)
	task := rig.enqueue(t, "push it")

	rig.engine.Start()
	defer rig.engine.Stop()

	var prompt adapter.ApprovalPrompt
	select {
	case prompt = <-rig.adapter.promptCh:
	case <-time.After(10 * time.Second):
		t.Fatal("no approval prompt delivered")
	}
	waitStatus(t, rig.store, task.ID, store.StatusNeedsApproval)

	changed, err := rig.engine.Cancel(task.ID, "owner")
	require.NoError(t, err)
	require.True(t, changed)

	// The late approve resolves the approval row but must not launch an
	// elevated replay for the dead task.
	changed, err = rig.engine.ResolveApproval(prompt.ApprovalID, "owner", true)
	require.NoError(t, err)
	assert.True(t, changed)

	row, err := rig.store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, row.Status)
	assert.Equal(t, store.ErrCodeCancelled, row.Error)
	assert.False(t, hasAction(t, rig.audit, task.ID, audit.ActionTaskReplayed))
}

func TestEngine_DifferentProjectsRunInParallel(t *testing.T) {
	stub := writeStub(t, `
echo '{"role":"assistant","content":"busy"}'
exec sleep 5
`)
	rig := newRig(t, stub)

	dir := t.TempDir()
	canon, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	rig.engine.projects["beta"] = config.Project{
		Alias:         "beta",
		Path:          dir,
		CanonicalPath: canon,
		TokenBudget:   100_000,
		Timeout:       20 * time.Second,
	}

	alphaFirst := rig.enqueue(t, "alpha work")
	alphaSecond := rig.enqueue(t, "more alpha work")
	betaTask := &store.TaskRecord{
		ID:       uuid.NewString(),
		Project:  "beta",
		Prompt:   "beta work",
		ThreadID: "th-2",
		Adapter:  "test",
	}
	require.NoError(t, rig.store.EnqueueTask(betaTask, 5))

	rig.engine.Start()
	defer rig.engine.Stop()

	// Distinct projects occupy both slots at once.
	waitStatus(t, rig.store, alphaFirst.ID, store.StatusRunning)
	waitStatus(t, rig.store, betaTask.ID, store.StatusRunning)

	// The second alpha task waits on the per-project exclusivity, not on a
	// free slot.
	second, err := rig.store.GetTask(alphaSecond.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, second.Status)
}

func TestEngine_OrphanRecoveryRefusesReusedPID(t *testing.T) {
	stub := writeStub(t, `exit 0`)
	rig := newRig(t, stub)
	task := rig.enqueue(t, "was running before the crash")

	got, err := rig.store.DequeueNext()
	require.NoError(t, err)
	require.NotNil(t, got)
	// The test process pid stands in for a recycled pid: alive, but not
	// the agent binary.
	require.NoError(t, rig.store.SetWorkerPID(task.ID, os.Getpid(), time.Now().UnixMilli()))

	rig.engine.Start()
	defer rig.engine.Stop()

	row := waitStatus(t, rig.store, task.ID, store.StatusFailed)
	assert.Equal(t, store.ErrCodeWorkerCrashed, row.Error)
	assert.True(t, hasAction(t, rig.audit, task.ID, audit.ActionZombiePIDReused))
	assert.True(t, hasAction(t, rig.audit, task.ID, audit.ActionOrphanRecovered))
}

func TestEngine_CancelRunningTask(t *testing.T) {
	stub := writeStub(t, `
echo '{"role":"assistant","content":"working"}'
exec sleep 30
`)
	rig := newRig(t, stub)
	task := rig.enqueue(t, "long haul")

	rig.engine.Start()
	defer rig.engine.Stop()

	waitStatus(t, rig.store, task.ID, store.StatusRunning)

	changed, err := rig.engine.Cancel(task.ID, "owner")
	require.NoError(t, err)
	require.True(t, changed)

	row := waitStatus(t, rig.store, task.ID, store.StatusFailed)
	assert.Equal(t, store.ErrCodeCancelled, row.Error)
	assert.True(t, hasAction(t, rig.audit, task.ID, audit.ActionTaskCancelled))

	// Cancel again: already terminal.
	changed, err = rig.engine.Cancel(task.ID, "owner")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestEngine_SkipPermissionsProjectAuditsOnStartup(t *testing.T) {
	stub := writeStub(t, `exit 0`)
	rig := newRig(t, stub)
	p := rig.project
	p.SkipPermissions = true
	p.SkipPermissionsReason = "trusted sandbox"
	rig.engine.projects["alpha"] = p

	rig.engine.Start()
	defer rig.engine.Stop()

	rows, err := rig.audit.ByProject("alpha", 10)
	require.NoError(t, err)
	var found bool
	for _, r := range rows {
		if r.Action == audit.ActionSkipPermissions {
			found = true
		}
	}
	assert.True(t, found)
}
