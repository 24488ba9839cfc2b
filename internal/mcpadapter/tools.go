package mcpadapter

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kolapsis/remotewiz/internal/gateway"
)

func registerTools(s *server.MCPServer, gw *gateway.Gateway) {
	// remotewiz_run: enqueue a task
	s.AddTool(
		mcp.NewTool("remotewiz_run",
			mcp.WithDescription("Run a coding task on a configured project. Returns immediately with a task ID; the task executes asynchronously. Use remotewiz_check to follow it."),
			mcp.WithString("prompt",
				mcp.Required(),
				mcp.Description("The task instructions for the agent"),
			),
			mcp.WithString("project",
				mcp.Description("Project alias from configuration. If omitted, uses the thread's bound project."),
			),
			mcp.WithString("thread_id",
				mcp.Required(),
				mcp.Description("Conversation thread identifier, used for session continuity and history"),
			),
			mcp.WithBoolean("continue_session",
				mcp.Description("Resume the thread's previous agent session when one exists"),
			),
		),
		runTask(gw),
	)

	// remotewiz_check: task status and result
	s.AddTool(
		mcp.NewTool("remotewiz_check",
			mcp.WithDescription("Check the status of a task. Finished tasks include the summary or the failure code."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task ID returned by remotewiz_run"),
			),
		),
		checkTask(gw),
	)

	// remotewiz_cancel: cancel a task
	s.AddTool(
		mcp.NewTool("remotewiz_cancel",
			mcp.WithDescription("Cancel a queued, running or approval-pending task."),
			mcp.WithString("task_id",
				mcp.Required(),
				mcp.Description("The task ID to cancel"),
			),
		),
		cancelTask(gw),
	)

	// remotewiz_approve: resolve a pending approval
	s.AddTool(
		mcp.NewTool("remotewiz_approve",
			mcp.WithDescription("Approve or deny a pending action. Approving replays the task with elevated permissions, scoped to the approved action."),
			mcp.WithString("approval_id",
				mcp.Required(),
				mcp.Description("The approval ID from the approval prompt"),
			),
			mcp.WithString("action",
				mcp.Required(),
				mcp.Description("approve or deny"),
				mcp.Enum("approve", "deny"),
			),
		),
		resolveApproval(gw),
	)

	// remotewiz_bind: bind a thread to a project
	s.AddTool(
		mcp.NewTool("remotewiz_bind",
			mcp.WithDescription("Bind this conversation thread to a project so remotewiz_run can omit the project."),
			mcp.WithString("thread_id",
				mcp.Required(),
				mcp.Description("Conversation thread identifier"),
			),
			mcp.WithString("project",
				mcp.Required(),
				mcp.Description("Project alias from configuration"),
			),
		),
		bindThread(gw),
	)

	// remotewiz_projects: list configured projects
	s.AddTool(
		mcp.NewTool("remotewiz_projects",
			mcp.WithDescription("List configured projects with their budgets and permission mode."),
		),
		listProjects(gw),
	)

	// remotewiz_queue: queue occupancy
	s.AddTool(
		mcp.NewTool("remotewiz_queue",
			mcp.WithDescription("Show per-project queue occupancy: queued, running and approval-pending tasks."),
		),
		queueStatus(gw),
	)

	// remotewiz_history: recent tasks
	s.AddTool(
		mcp.NewTool("remotewiz_history",
			mcp.WithDescription("Show recent tasks for a thread or a project, newest first."),
			mcp.WithString("thread_id",
				mcp.Description("Thread to list tasks for"),
			),
			mcp.WithString("project",
				mcp.Description("Project to list tasks for (used when thread_id is omitted)"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of tasks to return (default: 10)"),
			),
		),
		taskHistory(gw),
	)

	// remotewiz_audit: audit trail
	s.AddTool(
		mcp.NewTool("remotewiz_audit",
			mcp.WithDescription("Show the audit trail, optionally scoped to a project. Newest first."),
			mcp.WithString("project",
				mcp.Description("Project alias to filter by"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of entries to return (default: 20)"),
			),
		),
		auditTrail(gw),
	)

	// remotewiz_budget: today's token usage
	s.AddTool(
		mcp.NewTool("remotewiz_budget",
			mcp.WithDescription("Show tokens used today against each project's budget."),
			mcp.WithString("project",
				mcp.Description("Project alias; omit for all projects"),
			),
		),
		budgetToday(gw),
	)
}
