package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLog_AppendOnly(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	e := &AuditEntry{Actor: "system", Action: "task_created", Detail: `{"k":"v"}`}
	require.NoError(t, s.InsertAudit(e))
	require.NotZero(t, e.ID)

	_, err := s.db.Exec("UPDATE audit_log SET action = 'tampered' WHERE id = ?", e.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = s.db.Exec("DELETE FROM audit_log WHERE id = ?", e.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	// Row content is untouched after the rejected mutations.
	rows, err := s.AuditRecent(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "task_created", rows[0].Action)
	assert.Equal(t, `{"k":"v"}`, rows[0].Detail)
}

func TestAuditQueries_OrderAndLimit(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	require.NoError(t, s.EnqueueTask(newTask("a1", "alpha"), 5))
	for _, action := range []string{"task_created", "task_started", "task_completed"} {
		require.NoError(t, s.InsertAudit(&AuditEntry{
			TaskID: "a1", Project: "alpha", Actor: "system", Action: action,
		}))
	}

	byTask, err := s.AuditByTask("a1")
	require.NoError(t, err)
	require.Len(t, byTask, 3)
	assert.Equal(t, "task_created", byTask[0].Action)
	assert.Equal(t, "task_completed", byTask[2].Action)

	byProject, err := s.AuditByProject("alpha", 2)
	require.NoError(t, err)
	require.Len(t, byProject, 2)
	assert.Equal(t, "task_completed", byProject[0].Action)
}

func TestSessions_TTL(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	require.NoError(t, s.UpsertSession("t1", "alpha", "ses_123"))

	got, err := s.GetSession("t1", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "ses_123", got.SessionRef)

	// Backdate the session beyond the TTL.
	_, err = s.db.Exec("UPDATE sessions SET last_used_at = ? WHERE thread_id = ?",
		formatTime(time.Now().Add(-25*time.Hour)), "t1")
	require.NoError(t, err)

	_, err = s.GetSession("t1", 24*time.Hour)
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := s.PruneSessions(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSessions_UpsertReplaces(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	require.NoError(t, s.UpsertSession("t1", "alpha", "ses_old"))
	require.NoError(t, s.UpsertSession("t1", "alpha", "ses_new"))

	got, err := s.GetSession("t1", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "ses_new", got.SessionRef)
}

func TestApprovals_ResolveIsRaceSafe(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	require.NoError(t, s.EnqueueTask(newTask("a1", "alpha"), 5))
	a := &ApprovalRecord{ID: "ap1", TaskID: "a1", ActionClass: ActionGitPush, Description: "git push origin main"}
	require.NoError(t, s.CreateApproval(a))

	ok, err := s.ResolveApproval("ap1", ApprovalApproved, "owner")
	require.NoError(t, err)
	assert.True(t, ok)

	// Second resolve loses the race.
	ok, err = s.ResolveApproval("ap1", ApprovalDenied, "owner")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetApproval("ap1")
	require.NoError(t, err)
	assert.Equal(t, ApprovalApproved, got.Status)
	assert.Equal(t, "owner", got.Resolver)
	assert.False(t, got.ResolvedAt.IsZero())
}

func TestApprovals_Expire(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	require.NoError(t, s.EnqueueTask(newTask("a1", "alpha"), 5))
	require.NoError(t, s.EnqueueTask(newTask("b1", "beta"), 5))

	old := &ApprovalRecord{ID: "ap1", TaskID: "a1", ActionClass: ActionUnknown,
		Description: "old", RequestedAt: time.Now().Add(-time.Hour)}
	fresh := &ApprovalRecord{ID: "ap2", TaskID: "b1", ActionClass: ActionUnknown,
		Description: "fresh"}
	require.NoError(t, s.CreateApproval(old))
	require.NoError(t, s.CreateApproval(fresh))

	expired, err := s.ExpireApprovals(time.Now().Add(-30*time.Minute), "system_timeout")
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "ap1", expired[0].ID)
	assert.Equal(t, "a1", expired[0].TaskID)
	assert.Equal(t, ApprovalDenied, expired[0].Status)
	assert.Equal(t, "system_timeout", expired[0].Resolver)

	got, err := s.GetApproval("ap2")
	require.NoError(t, err)
	assert.Equal(t, ApprovalPending, got.Status)
}

func TestThreadBindings_RoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	require.NoError(t, s.BindThread(&ThreadBinding{
		ThreadID: "t1", Project: "alpha", Adapter: "web", Creator: "owner",
	}))

	got, err := s.GetBinding("t1")
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.Project)

	// Re-binding replaces the mapping.
	require.NoError(t, s.BindThread(&ThreadBinding{
		ThreadID: "t1", Project: "beta", Adapter: "mcp", Creator: "owner",
	}))
	got, err = s.GetBinding("t1")
	require.NoError(t, err)
	assert.Equal(t, "beta", got.Project)

	_, err = s.GetBinding("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUploads_RoundTripAndConsume(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	u := &UploadRecord{
		ID: "u1", Project: "alpha", OriginalName: "shot.png",
		ServerPath: "/data/uploads/alpha/t1/u1.png",
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	require.NoError(t, s.CreateUpload(u))

	got, err := s.GetUpload("u1")
	require.NoError(t, err)
	assert.Equal(t, "shot.png", got.OriginalName)
	assert.True(t, got.ConsumedAt.IsZero())

	ok, err := s.MarkUploadConsumed("u1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkUploadConsumed("u1")
	require.NoError(t, err)
	assert.False(t, ok)

	expired, err := s.ExpiredUploads(time.Now().Add(2 * time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)

	require.NoError(t, s.DeleteUpload("u1"))
	_, err = s.GetUpload("u1")
	assert.ErrorIs(t, err, ErrNotFound)
}
