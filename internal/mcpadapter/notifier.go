package mcpadapter

import (
	"fmt"
	"time"

	"github.com/kolapsis/remotewiz/internal/adapter"
)

// MCPSender abstracts the mcp-go server notification methods.
// Defined consumer-side per Go convention.
type MCPSender interface {
	SendNotificationToAllClients(method string, params map[string]any)
}

// Notifier is the bus adapter for MCP clients. It broadcasts task updates
// and approval prompts as notifications/message; a connected chat client
// surfaces them to the owner.
type Notifier struct {
	sender MCPSender
}

// NewNotifier wraps an MCP server's notification surface as a bus adapter.
func NewNotifier(sender MCPSender) *Notifier {
	return &Notifier{sender: sender}
}

// SendTaskUpdate broadcasts a task status change.
func (n *Notifier) SendTaskUpdate(u adapter.Update) error {
	level := "info"
	if u.Status == "failed" {
		level = "error"
	}

	data := map[string]any{
		"type":    "task." + u.Status,
		"task_id": u.TaskID,
		"project": u.Project,
	}
	if u.Result != "" {
		data["message"] = u.Result
	}
	if u.ErrCode != "" {
		data["error_code"] = u.ErrCode
	}
	if u.Tokens > 0 {
		data["tokens"] = u.Tokens
	}

	n.sender.SendNotificationToAllClients("notifications/message", map[string]any{
		"level":  level,
		"logger": "remotewiz",
		"data":   data,
	})
	return nil
}

// RequestApproval broadcasts an approval prompt. The client answers through
// the remotewiz_approve tool, not through the notification channel.
func (n *Notifier) RequestApproval(p adapter.ApprovalPrompt) error {
	msg := fmt.Sprintf(
		"Task %s wants to perform a sensitive action (%s): %s. Approve or deny with remotewiz_approve, approval ID %s. Expires at %s.",
		p.TaskID, p.ActionClass, p.Description, p.ApprovalID,
		p.ExpiresAt.UTC().Format(time.RFC3339))

	n.sender.SendNotificationToAllClients("notifications/message", map[string]any{
		"level":  "warning",
		"logger": "remotewiz",
		"data": map[string]any{
			"type":        "task.needs_approval",
			"task_id":     p.TaskID,
			"project":     p.Project,
			"approval_id": p.ApprovalID,
			"message":     msg,
		},
	})
	return nil
}
