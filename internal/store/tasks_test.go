package store

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTask(id, project string) *TaskRecord {
	return &TaskRecord{
		ID:          id,
		Project:     project,
		ProjectPath: "/tmp/" + project,
		Prompt:      "do something",
		ThreadID:    "t1",
		Adapter:     "web",
	}
}

func TestEnqueueTask_RespectsPerProjectCap(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	require.NoError(t, s.EnqueueTask(newTask("a1", "alpha"), 2))
	require.NoError(t, s.EnqueueTask(newTask("a2", "alpha"), 2))

	err := s.EnqueueTask(newTask("a3", "alpha"), 2)
	require.ErrorIs(t, err, ErrQueueFull)

	// The refused enqueue must leave no row behind.
	_, err = s.GetTask("a3")
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := s.PendingCountByProject("alpha")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Another project is unaffected by alpha's cap.
	require.NoError(t, s.EnqueueTask(newTask("b1", "beta"), 2))
}

func TestDequeueNext_FIFOWithinProject(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	first := newTask("a1", "alpha")
	first.CreatedAt = time.Now().Add(-2 * time.Second)
	second := newTask("a2", "alpha")
	second.CreatedAt = time.Now().Add(-1 * time.Second)

	require.NoError(t, s.EnqueueTask(first, 5))
	require.NoError(t, s.EnqueueTask(second, 5))

	got, err := s.DequeueNext()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "a1", got.ID)
	assert.Equal(t, StatusRunning, got.Status)
	assert.False(t, got.StartedAt.IsZero())
}

func TestDequeueNext_ProjectMutualExclusion(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	a1 := newTask("a1", "alpha")
	a1.CreatedAt = time.Now().Add(-3 * time.Second)
	a2 := newTask("a2", "alpha")
	a2.CreatedAt = time.Now().Add(-2 * time.Second)
	b1 := newTask("b1", "beta")
	b1.CreatedAt = time.Now().Add(-1 * time.Second)

	require.NoError(t, s.EnqueueTask(a1, 5))
	require.NoError(t, s.EnqueueTask(a2, 5))
	require.NoError(t, s.EnqueueTask(b1, 5))

	got1, err := s.DequeueNext()
	require.NoError(t, err)
	require.NotNil(t, got1)
	assert.Equal(t, "a1", got1.ID)

	// a2 is blocked by a1; b1 is the only eligible task.
	got2, err := s.DequeueNext()
	require.NoError(t, err)
	require.NotNil(t, got2)
	assert.Equal(t, "b1", got2.ID)

	got3, err := s.DequeueNext()
	require.NoError(t, err)
	assert.Nil(t, got3)

	// Once a1 completes, a2 becomes eligible.
	changed, err := s.MarkDone("a1", "done", 10)
	require.NoError(t, err)
	require.True(t, changed)

	got4, err := s.DequeueNext()
	require.NoError(t, err)
	require.NotNil(t, got4)
	assert.Equal(t, "a2", got4.ID)
}

func TestDequeueNext_NeedsApprovalHoldsProjectLock(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	require.NoError(t, s.EnqueueTask(newTask("a1", "alpha"), 5))

	got, err := s.DequeueNext()
	require.NoError(t, err)
	require.NotNil(t, got)

	changed, err := s.MarkNeedsApproval("a1", `{"original_prompt":"x"}`)
	require.NoError(t, err)
	require.True(t, changed)

	require.NoError(t, s.EnqueueTask(newTask("a2", "alpha"), 5))
	blocked, err := s.DequeueNext()
	require.NoError(t, err)
	assert.Nil(t, blocked, "needs_approval must hold the project lock")
}

func TestCancelTask_FromEachNonTerminalState(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	// queued
	require.NoError(t, s.EnqueueTask(newTask("q1", "p1"), 5))
	ok, err := s.CancelTask("q1")
	require.NoError(t, err)
	assert.True(t, ok)

	// running
	require.NoError(t, s.EnqueueTask(newTask("r1", "p2"), 5))
	_, err = s.DequeueNext()
	require.NoError(t, err)
	ok, err = s.CancelTask("r1")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetTask("r1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, ErrCodeCancelled, got.Error)

	// already terminal: no-op
	ok, err = s.CancelTask("r1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkDone_AfterCancel_DoesNotResurrect(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	require.NoError(t, s.EnqueueTask(newTask("a1", "alpha"), 5))
	_, err := s.DequeueNext()
	require.NoError(t, err)

	ok, err := s.CancelTask("a1")
	require.NoError(t, err)
	require.True(t, ok)

	// The supervisor finishing later must not overwrite the cancellation.
	changed, err := s.MarkDone("a1", "late result", 5)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := s.GetTask("a1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, ErrCodeCancelled, got.Error)
	assert.Empty(t, got.Result)
}

func TestWorkerPID_RoundTripAndClear(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	require.NoError(t, s.EnqueueTask(newTask("a1", "alpha"), 5))
	_, err := s.DequeueNext()
	require.NoError(t, err)

	start := time.Now().UnixMilli()
	require.NoError(t, s.SetWorkerPID("a1", 4242, start))

	got, err := s.GetTask("a1")
	require.NoError(t, err)
	require.NotNil(t, got.WorkerPID)
	require.NotNil(t, got.WorkerPIDStart)
	assert.Equal(t, 4242, *got.WorkerPID)
	assert.Equal(t, start, *got.WorkerPIDStart)

	require.NoError(t, s.ClearWorkerPID("a1"))
	got, err = s.GetTask("a1")
	require.NoError(t, err)
	assert.Nil(t, got.WorkerPID)
	assert.Nil(t, got.WorkerPIDStart)
}

func TestSetWorkerPID_WhenNotRunning_Fails(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	require.NoError(t, s.EnqueueTask(newTask("a1", "alpha"), 5))
	err := s.SetWorkerPID("a1", 4242, time.Now().UnixMilli())
	assert.Error(t, err)
}

func TestRunningOrphans_FindsRunningTasks(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	require.NoError(t, s.EnqueueTask(newTask("a1", "alpha"), 5))
	require.NoError(t, s.EnqueueTask(newTask("b1", "beta"), 5))

	_, err := s.DequeueNext()
	require.NoError(t, err)
	_, err = s.DequeueNext()
	require.NoError(t, err)

	orphans, err := s.RunningOrphans()
	require.NoError(t, err)
	assert.Len(t, orphans, 2)

	ok, err := s.MarkFailed("a1", ErrCodeWorkerCrashed)
	require.NoError(t, err)
	assert.True(t, ok)

	orphans, err = s.RunningOrphans()
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "b1", orphans[0].ID)
}

func TestResumeForReplay_OnlyFromNeedsApproval(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	require.NoError(t, s.EnqueueTask(newTask("a1", "alpha"), 5))
	ok, err := s.ResumeForReplay("a1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.DequeueNext()
	require.NoError(t, err)
	_, err = s.MarkNeedsApproval("a1", "{}")
	require.NoError(t, err)

	ok, err = s.ResumeForReplay("a1")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetTask("a1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, "{}", got.Checkpoint)
}

func TestQueueStatus_CountsPerProject(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.EnqueueTask(newTask(fmt.Sprintf("a%d", i), "alpha"), 5))
	}
	_, err := s.DequeueNext()
	require.NoError(t, err)

	counts, err := s.QueueStatus()
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, "alpha", counts[0].Project)
	assert.Equal(t, 2, counts[0].Queued)
	assert.Equal(t, 1, counts[0].Running)
	assert.Equal(t, 0, counts[0].NeedsApproval)
}

func TestTokenBudgetOverride_RoundTrips(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	budget := 5000
	task := newTask("a1", "alpha")
	task.TokenBudget = &budget
	require.NoError(t, s.EnqueueTask(task, 5))

	got, err := s.GetTask("a1")
	require.NoError(t, err)
	require.NotNil(t, got.TokenBudget)
	assert.Equal(t, 5000, *got.TokenBudget)
}

func TestTasksByThread_NewestFirst(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	older := newTask("a1", "alpha")
	older.CreatedAt = time.Now().Add(-time.Minute)
	newer := newTask("a2", "alpha")
	newer.CreatedAt = time.Now()
	require.NoError(t, s.EnqueueTask(older, 5))
	require.NoError(t, s.EnqueueTask(newer, 5))

	tasks, err := s.TasksByThread("t1", 10)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "a2", tasks[0].ID)
	assert.Equal(t, "a1", tasks[1].ID)
}
