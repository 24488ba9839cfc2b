package mcpadapter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kolapsis/remotewiz/internal/gateway"
	"github.com/kolapsis/remotewiz/internal/store"
)

func runTask(gw *gateway.Gateway) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		prompt, _ := args["prompt"].(string)
		if prompt == "" {
			return mcp.NewToolResultError("prompt is required"), nil
		}
		threadID, _ := args["thread_id"].(string)
		if threadID == "" {
			return mcp.NewToolResultError("thread_id is required"), nil
		}
		project, _ := args["project"].(string)
		continueSession, _ := args["continue_session"].(bool)

		id, err := gw.EnqueueTask(gateway.TaskRequest{
			Project:         project,
			Prompt:          prompt,
			ThreadID:        threadID,
			Adapter:         AdapterTag,
			ContinueSession: continueSession,
			ActorID:         "owner",
		})
		if err != nil {
			switch {
			case errors.Is(err, gateway.ErrUnknownProject):
				return mcp.NewToolResultError("Unknown project. Use remotewiz_projects to list configured aliases, or remotewiz_bind to bind this thread."), nil
			case errors.Is(err, gateway.ErrQueueFull):
				return mcp.NewToolResultError("The project's queue is full. Wait for a task to finish or cancel one."), nil
			default:
				return mcp.NewToolResultError(fmt.Sprintf("Enqueue failed: %s", err)), nil
			}
		}

		return mcp.NewToolResultText(fmt.Sprintf(
			"Task %s queued. Use remotewiz_check with this ID to follow progress.", id)), nil
	}
}

func checkTask(gw *gateway.Gateway) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, _ := req.GetArguments()["task_id"].(string)
		if taskID == "" {
			return mcp.NewToolResultError("task_id is required"), nil
		}

		task, err := gw.Task(taskID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return mcp.NewToolResultError("Task not found"), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("Lookup failed: %s", err)), nil
		}

		return mcp.NewToolResultText(formatTask(task)), nil
	}
}

func formatTask(t *store.TaskRecord) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Task: %s\n", t.ID)
	fmt.Fprintf(&b, "Project: %s\n", t.Project)
	fmt.Fprintf(&b, "Status: %s\n", t.Status)

	switch t.Status {
	case store.StatusQueued:
		b.WriteString("Waiting for a free slot on the project.\n")
	case store.StatusRunning:
		if t.TokensUsed > 0 {
			fmt.Fprintf(&b, "Tokens so far: %d\n", t.TokensUsed)
		}
	case store.StatusNeedsApproval:
		b.WriteString("Paused: a sensitive action needs approval. Use remotewiz_approve with the approval ID from the prompt.\n")
	case store.StatusDone:
		fmt.Fprintf(&b, "Tokens: %d\n", t.TokensUsed)
		if t.Result != "" {
			fmt.Fprintf(&b, "\n%s\n", t.Result)
		}
	case store.StatusFailed:
		fmt.Fprintf(&b, "Error: %s\n", t.Error)
	}

	return b.String()
}

func cancelTask(gw *gateway.Gateway) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, _ := req.GetArguments()["task_id"].(string)
		if taskID == "" {
			return mcp.NewToolResultError("task_id is required"), nil
		}

		changed, err := gw.CancelTask(taskID, "owner")
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return mcp.NewToolResultError("Task not found"), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("Cancel failed: %s", err)), nil
		}
		if !changed {
			return mcp.NewToolResultText("Task was already finished."), nil
		}
		return mcp.NewToolResultText("Task cancelled."), nil
	}
}

func resolveApproval(gw *gateway.Gateway) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		approvalID, _ := args["approval_id"].(string)
		action, _ := args["action"].(string)
		if approvalID == "" || action == "" {
			return mcp.NewToolResultError("approval_id and action are required"), nil
		}

		changed, err := gw.ResolveApproval(approvalID, "owner", action)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return mcp.NewToolResultError("Approval not found"), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("Resolve failed: %s", err)), nil
		}
		if !changed {
			return mcp.NewToolResultText("Approval was already resolved or expired."), nil
		}
		if action == "approve" {
			return mcp.NewToolResultText("Approved. The task replays the approved action and continues."), nil
		}
		return mcp.NewToolResultText("Denied. The task is marked failed."), nil
	}
}

func bindThread(gw *gateway.Gateway) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		threadID, _ := args["thread_id"].(string)
		project, _ := args["project"].(string)
		if threadID == "" || project == "" {
			return mcp.NewToolResultError("thread_id and project are required"), nil
		}

		if err := gw.BindThread(threadID, project, AdapterTag, "owner"); err != nil {
			if errors.Is(err, gateway.ErrUnknownProject) {
				return mcp.NewToolResultError("Unknown project. Use remotewiz_projects to list configured aliases."), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("Bind failed: %s", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Thread bound to project %s.", project)), nil
	}
}

func listProjects(gw *gateway.Gateway) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projects := gw.Projects()
		if len(projects) == 0 {
			return mcp.NewToolResultText("No projects configured."), nil
		}

		var b strings.Builder
		for _, p := range projects {
			fmt.Fprintf(&b, "- %s", p.Alias)
			if p.Description != "" {
				fmt.Fprintf(&b, ": %s", p.Description)
			}
			fmt.Fprintf(&b, " (budget %d tokens, timeout %s", p.TokenBudget, p.Timeout)
			if p.SkipPermissions {
				b.WriteString(", permissions skipped")
			}
			b.WriteString(")\n")
		}
		return mcp.NewToolResultText(b.String()), nil
	}
}

func queueStatus(gw *gateway.Gateway) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		counts, err := gw.QueueStatus()
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Queue status failed: %s", err)), nil
		}
		if len(counts) == 0 {
			return mcp.NewToolResultText("Queue is empty."), nil
		}

		var b strings.Builder
		for _, c := range counts {
			fmt.Fprintf(&b, "- %s: %d queued, %d running, %d awaiting approval\n",
				c.Project, c.Queued, c.Running, c.NeedsApproval)
		}
		return mcp.NewToolResultText(b.String()), nil
	}
}

func taskHistory(gw *gateway.Gateway) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		threadID, _ := args["thread_id"].(string)
		project, _ := args["project"].(string)
		limit := 10
		if n, ok := args["limit"].(float64); ok && n > 0 {
			limit = int(n)
		}

		var (
			tasks []store.TaskRecord
			err   error
		)
		switch {
		case threadID != "":
			tasks, err = gw.ThreadHistory(threadID, limit)
		case project != "":
			tasks, err = gw.ProjectHistory(project, limit)
		default:
			return mcp.NewToolResultError("thread_id or project is required"), nil
		}
		if err != nil {
			if errors.Is(err, gateway.ErrUnknownProject) {
				return mcp.NewToolResultError("Unknown project"), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("History lookup failed: %s", err)), nil
		}
		if len(tasks) == 0 {
			return mcp.NewToolResultText("No tasks yet."), nil
		}

		var b strings.Builder
		for _, t := range tasks {
			fmt.Fprintf(&b, "- %s [%s] %s", t.ID, t.Status, firstLine(t.Prompt, 80))
			if t.Error != "" {
				fmt.Fprintf(&b, " (error: %s)", t.Error)
			}
			b.WriteString("\n")
		}
		return mcp.NewToolResultText(b.String()), nil
	}
}

func auditTrail(gw *gateway.Gateway) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		project, _ := args["project"].(string)
		limit := 20
		if n, ok := args["limit"].(float64); ok && n > 0 {
			limit = int(n)
		}

		entries, err := gw.Audit(project, limit)
		if err != nil {
			if errors.Is(err, gateway.ErrUnknownProject) {
				return mcp.NewToolResultError("Unknown project"), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("Audit lookup failed: %s", err)), nil
		}
		if len(entries) == 0 {
			return mcp.NewToolResultText("No audit entries yet."), nil
		}

		var b strings.Builder
		for _, e := range entries {
			fmt.Fprintf(&b, "- %s %s", e.TS.UTC().Format("2006-01-02 15:04:05"), e.Action)
			if e.TaskID != "" {
				fmt.Fprintf(&b, " task=%s", e.TaskID)
			}
			if e.Actor != "" && e.Actor != "system" {
				fmt.Fprintf(&b, " by=%s", e.Actor)
			}
			b.WriteString("\n")
		}
		return mcp.NewToolResultText(b.String()), nil
	}
}

func budgetToday(gw *gateway.Gateway) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		project, _ := req.GetArguments()["project"].(string)

		reports, err := gw.BudgetToday(project)
		if err != nil {
			if errors.Is(err, gateway.ErrUnknownProject) {
				return mcp.NewToolResultError("Unknown project"), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("Budget lookup failed: %s", err)), nil
		}

		var b strings.Builder
		for _, r := range reports {
			fmt.Fprintf(&b, "- %s: %d / %d tokens today\n", r.Project, r.TokensUsed, r.Budget)
		}
		if b.Len() == 0 {
			return mcp.NewToolResultText("No projects configured."), nil
		}
		return mcp.NewToolResultText(b.String()), nil
	}
}

func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > max {
		s = s[:max] + "…"
	}
	return s
}
