package mcpadapter

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolapsis/remotewiz/internal/adapter"
	"github.com/kolapsis/remotewiz/internal/audit"
	"github.com/kolapsis/remotewiz/internal/config"
	"github.com/kolapsis/remotewiz/internal/engine"
	"github.com/kolapsis/remotewiz/internal/gateway"
	"github.com/kolapsis/remotewiz/internal/session"
	"github.com/kolapsis/remotewiz/internal/store"
	"github.com/kolapsis/remotewiz/internal/supervisor"
	"github.com/kolapsis/remotewiz/internal/upload"
)

func newTestGateway(t *testing.T) *gateway.Gateway {
	t.Helper()

	dir := t.TempDir()
	canon, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	projects := map[string]config.Project{
		"alpha": {
			Alias:         "alpha",
			Path:          dir,
			CanonicalPath: canon,
			Description:   "main workspace",
			TokenBudget:   100_000,
			Timeout:       10 * time.Minute,
		},
	}

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	log := audit.New(s)
	exec := config.ExecutionConfig{
		MaxConcurrent:       3,
		MaxQueuedPerProject: 5,
		ApprovalTimeout:     30 * time.Minute,
	}
	sup := supervisor.New(s, log, config.ExecutionConfig{ClaudePath: "/bin/true"})
	eng := engine.New(s, log, adapter.NewBus(), sup, session.New(s), nil, projects, exec)
	up, err := upload.New(filepath.Join(t.TempDir(), "uploads"), s, log)
	require.NoError(t, err)

	return gateway.New(s, log, eng, up, projects, exec)
}

func makeReq(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return result.Content[0].(mcp.TextContent).Text
}

func TestRunTask_QueuesTask(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(t)
	handler := runTask(gw)

	result, err := handler(context.Background(), makeReq(map[string]any{
		"prompt":    "fix the login bug",
		"project":   "alpha",
		"thread_id": "th-1",
	}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "queued")
	assert.Contains(t, text, "remotewiz_check")
}

func TestRunTask_WhenMissingPrompt_ReturnsError(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(t)
	handler := runTask(gw)

	result, err := handler(context.Background(), makeReq(map[string]any{
		"thread_id": "th-1",
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "prompt is required")
}

func TestRunTask_WhenUnknownProject_SuggestsListing(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(t)
	handler := runTask(gw)

	result, err := handler(context.Background(), makeReq(map[string]any{
		"prompt":    "p",
		"project":   "ghost",
		"thread_id": "th-1",
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "remotewiz_projects")
}

func TestRunTask_UsesThreadBinding(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(t)

	bind := bindThread(gw)
	result, err := bind(context.Background(), makeReq(map[string]any{
		"thread_id": "th-bound",
		"project":   "alpha",
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "bound")

	run := runTask(gw)
	result, err = run(context.Background(), makeReq(map[string]any{
		"prompt":    "use the binding",
		"thread_id": "th-bound",
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "queued")

	tasks, err := gw.ThreadHistory("th-bound", 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "alpha", tasks[0].Project)
	assert.Equal(t, AdapterTag, tasks[0].Adapter)
}

func TestCheckTask_ShowsQueuedStatus(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(t)

	id, err := gw.EnqueueTask(gateway.TaskRequest{
		Project: "alpha", Prompt: "p", ThreadID: "th-1", Adapter: AdapterTag, ActorID: "owner",
	})
	require.NoError(t, err)

	handler := checkTask(gw)
	result, err := handler(context.Background(), makeReq(map[string]any{
		"task_id": id,
	}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, id)
	assert.Contains(t, text, "queued")
}

func TestCheckTask_WhenNotFound_ReturnsError(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(t)
	handler := checkTask(gw)

	result, err := handler(context.Background(), makeReq(map[string]any{
		"task_id": "nonexist",
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "not found")
}

func TestCancelTask_CancelsQueuedTask(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(t)

	id, err := gw.EnqueueTask(gateway.TaskRequest{
		Project: "alpha", Prompt: "p", ThreadID: "th-1", Adapter: AdapterTag, ActorID: "owner",
	})
	require.NoError(t, err)

	handler := cancelTask(gw)
	result, err := handler(context.Background(), makeReq(map[string]any{
		"task_id": id,
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "cancelled")

	result, err = handler(context.Background(), makeReq(map[string]any{
		"task_id": id,
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "already finished")
}

func TestResolveApproval_WhenNotFound_ReturnsError(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(t)
	handler := resolveApproval(gw)

	result, err := handler(context.Background(), makeReq(map[string]any{
		"approval_id": "nonexist",
		"action":      "approve",
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "not found")
}

func TestListProjects_ShowsBudgetAndDescription(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(t)
	handler := listProjects(gw)

	result, err := handler(context.Background(), makeReq(map[string]any{}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "alpha")
	assert.Contains(t, text, "main workspace")
	assert.Contains(t, text, "100000")
}

func TestQueueStatus_CountsQueuedTasks(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(t)

	_, err := gw.EnqueueTask(gateway.TaskRequest{
		Project: "alpha", Prompt: "p", ThreadID: "th-1", Adapter: AdapterTag, ActorID: "owner",
	})
	require.NoError(t, err)

	handler := queueStatus(gw)
	result, err := handler(context.Background(), makeReq(map[string]any{}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "alpha")
	assert.Contains(t, text, "1 queued")
}

func TestTaskHistory_RequiresThreadOrProject(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(t)
	handler := taskHistory(gw)

	result, err := handler(context.Background(), makeReq(map[string]any{}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "thread_id or project is required")
}

func TestBudgetToday_ReportsUsage(t *testing.T) {
	t.Parallel()
	gw := newTestGateway(t)
	handler := budgetToday(gw)

	result, err := handler(context.Background(), makeReq(map[string]any{
		"project": "alpha",
	}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "alpha")
	assert.Contains(t, text, "100000")
}

// --- Notifier tests ---

type fakeSender struct {
	methods []string
	params  []map[string]any
}

func (f *fakeSender) SendNotificationToAllClients(method string, params map[string]any) {
	f.methods = append(f.methods, method)
	f.params = append(f.params, params)
}

func TestNotifier_TaskUpdateLevels(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	n := NewNotifier(sender)

	require.NoError(t, n.SendTaskUpdate(adapter.Update{
		TaskID: "t1", Project: "alpha", Status: "done", Result: "all green", Tokens: 42,
	}))
	require.NoError(t, n.SendTaskUpdate(adapter.Update{
		TaskID: "t2", Project: "alpha", Status: "failed", ErrCode: "timeout",
	}))

	require.Len(t, sender.methods, 2)
	assert.Equal(t, "notifications/message", sender.methods[0])

	assert.Equal(t, "info", sender.params[0]["level"])
	data := sender.params[0]["data"].(map[string]any)
	assert.Equal(t, "task.done", data["type"])
	assert.Equal(t, "all green", data["message"])
	assert.Equal(t, 42, data["tokens"])

	assert.Equal(t, "error", sender.params[1]["level"])
	data = sender.params[1]["data"].(map[string]any)
	assert.Equal(t, "timeout", data["error_code"])
}

func TestNotifier_ApprovalPromptIsWarning(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	n := NewNotifier(sender)

	require.NoError(t, n.RequestApproval(adapter.ApprovalPrompt{
		ApprovalID:  "ap-1",
		TaskID:      "t1",
		Project:     "alpha",
		ActionClass: "git_push",
		Description: "git push origin main",
		ExpiresAt:   time.Now().Add(30 * time.Minute),
	}))

	require.Len(t, sender.methods, 1)
	assert.Equal(t, "warning", sender.params[0]["level"])
	data := sender.params[0]["data"].(map[string]any)
	assert.Equal(t, "ap-1", data["approval_id"])
	assert.Contains(t, data["message"].(string), "remotewiz_approve")
}
