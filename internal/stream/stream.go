// Package stream consumes the newline-delimited JSON the agent CLI writes
// on stdout. The schema is not contractually stable, so this is a tolerant
// extractor over likely shapes rather than a typed protocol: each line folds
// into a new Record value and malformed lines are counted, not fatal.
package stream

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	maxToolSummaryLen = 160
	maxWarnings       = 20
	maxBadLineLen     = 200
)

// PermissionEvent captures a detected permission denial.
type PermissionEvent struct {
	ActionClass string
	Description string
}

// Record is the progressively updated parse state for one run.
type Record struct {
	assistantParts []string

	ToolSummaries []string
	SessionID     string
	Tokens        int
	TokensSeen    bool

	PermissionDenied *PermissionEvent

	// CaptureReplay marks a replay run: tool activity is additionally
	// recorded so the final summary can list what happened under
	// elevated permissions.
	CaptureReplay bool
	ReplayActions []string

	ParseFailures int
	FirstBadLine  string
	Warnings      []string
}

// Text returns the accumulated assistant text.
func (r Record) Text() string {
	return strings.Join(r.assistantParts, "\n")
}

// SchemaDrift reports whether the run produced parse failures and nothing
// usable, which suggests the agent CLI changed its output format.
func (r Record) SchemaDrift() bool {
	return r.ParseFailures > 0 && len(r.assistantParts) == 0 && len(r.ToolSummaries) == 0
}

// Consume folds one line into the record and returns the updated value.
func Consume(prev Record, line []byte) Record {
	next := prev

	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return next
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		next.ParseFailures++
		if next.FirstBadLine == "" {
			next.FirstBadLine = truncate(trimmed, maxBadLineLen)
		}
		if len(next.Warnings) < maxWarnings {
			next.Warnings = append(next.Warnings, fmt.Sprintf("unparseable line: %s", truncate(trimmed, 80)))
		}
		return next
	}

	if text := extractText(obj); text != "" {
		next.assistantParts = append(next.assistantParts, text)
	}

	for _, summary := range extractToolSummaries(obj) {
		next.ToolSummaries = append(next.ToolSummaries, summary)
		if next.CaptureReplay {
			next.ReplayActions = append(next.ReplayActions, summary)
		}
	}

	if next.SessionID == "" {
		if ref := firstString(obj, "session_id", "conversation_id"); ref != "" {
			next.SessionID = ref
		}
	}

	if usage, ok := obj["usage"].(map[string]any); ok {
		if total, ok := asInt(usage["total_tokens"]); ok {
			next.Tokens = total
			next.TokensSeen = true
		}
	}

	if next.PermissionDenied == nil {
		if ev := detectPermissionDenial(obj); ev != nil {
			next.PermissionDenied = ev
		}
	}

	return next
}

// extractText pulls human-readable assistant text out of the likely shapes.
func extractText(obj map[string]any) string {
	role, _ := obj["role"].(string)
	typ, _ := obj["type"].(string)
	isAssistant := role == "assistant" || strings.HasPrefix(typ, "assistant")

	if result, ok := obj["result"].(string); ok && result != "" {
		return strings.TrimSpace(result)
	}

	var parts []string
	collect := func(v any) {
		switch val := v.(type) {
		case string:
			if s := strings.TrimSpace(val); s != "" {
				parts = append(parts, s)
			}
		case []any:
			for _, item := range val {
				block, ok := item.(map[string]any)
				if !ok {
					continue
				}
				blockType, _ := block["type"].(string)
				if blockType != "" && blockType != "text" {
					continue
				}
				if text, ok := block["text"].(string); ok {
					if s := strings.TrimSpace(text); s != "" {
						parts = append(parts, s)
					}
				}
			}
		}
	}

	if isAssistant {
		collect(obj["text"])
		collect(obj["content"])
		if msg, ok := obj["message"].(map[string]any); ok {
			collect(msg["text"])
			collect(msg["content"])
		}
	} else if typ == "" && role == "" {
		// Bare objects with only text/content still count as output.
		collect(obj["text"])
		collect(obj["content"])
	}

	return strings.Join(parts, "\n")
}

// extractToolSummaries formats tool invocations as "{tool}: {summary}".
func extractToolSummaries(obj map[string]any) []string {
	var out []string

	if name := firstString(obj, "tool_name", "toolName"); name != "" {
		out = append(out, formatToolSummary(name, obj))
	}

	blocks := contentBlocks(obj)
	for _, block := range blocks {
		blockType, _ := block["type"].(string)
		if blockType != "tool_use" {
			continue
		}
		if name, ok := block["name"].(string); ok && name != "" {
			out = append(out, formatToolSummary(name, block))
		}
	}

	return out
}

func contentBlocks(obj map[string]any) []map[string]any {
	var out []map[string]any
	appendBlocks := func(v any) {
		arr, ok := v.([]any)
		if !ok {
			return
		}
		for _, item := range arr {
			if block, ok := item.(map[string]any); ok {
				out = append(out, block)
			}
		}
	}
	appendBlocks(obj["content"])
	if msg, ok := obj["message"].(map[string]any); ok {
		appendBlocks(msg["content"])
	}
	return out
}

func formatToolSummary(name string, obj map[string]any) string {
	detail := ""
	if input, ok := obj["input"].(map[string]any); ok {
		detail = firstString(input, "command", "file_path", "path", "url", "pattern", "description")
	}
	if detail == "" {
		detail = firstString(obj, "description", "summary")
	}

	detail = oneLine(detail)
	if detail == "" {
		return truncate(name, maxToolSummaryLen)
	}
	return truncate(name+": "+detail, maxToolSummaryLen)
}

// permission denial ------------------------------------------------------

// detectPermissionDenial prefers a structured permission event when the
// agent emits one; otherwise it falls back to conservative keyword matching
// over the object's type and text.
func detectPermissionDenial(obj map[string]any) *PermissionEvent {
	typ, _ := obj["type"].(string)
	lowerType := strings.ToLower(typ)

	if strings.Contains(lowerType, "permission") {
		desc := firstString(obj, "description", "message", "text", "result")
		if desc == "" {
			desc = typ
		}
		action := firstString(obj, "action", "action_class", "tool_name")
		class := ClassifyAction(action + " " + desc)
		return &PermissionEvent{ActionClass: class, Description: oneLine(desc)}
	}

	text := strings.ToLower(firstString(obj, "text", "message", "result", "error"))
	if text == "" {
		if t := extractText(obj); t != "" {
			text = strings.ToLower(t)
		}
	}
	if text == "" {
		return nil
	}
	if strings.Contains(text, "permission") && (strings.Contains(text, "denied") || strings.Contains(text, "not allowed")) {
		desc := firstString(obj, "text", "message", "result", "error")
		if desc == "" {
			desc = extractText(obj)
		}
		return &PermissionEvent{
			ActionClass: ClassifyAction(text),
			Description: oneLine(desc),
		}
	}
	return nil
}

// ClassifyAction maps a denial description to an action class by keyword.
// The matching is intentionally conservative; unknown is a safe answer.
func ClassifyAction(text string) string {
	t := strings.ToLower(text)
	switch {
	case strings.Contains(t, "rm -rf") || strings.Contains(t, "drop table"):
		return "destructive_cmd"
	case strings.Contains(t, "git push --force") || strings.Contains(t, "force push") ||
		strings.Contains(t, "reset --hard") || strings.Contains(t, "git reset"):
		return "git_force"
	case strings.Contains(t, "git push"):
		return "git_push"
	case strings.Contains(t, "pip install") || strings.Contains(t, "npm install") ||
		strings.Contains(t, "apt install") || strings.Contains(t, "brew install"):
		return "install_package"
	case strings.Contains(t, "delete") || strings.Contains(t, "rm ") || strings.Contains(t, "unlink"):
		return "file_delete"
	case strings.Contains(t, "http://") || strings.Contains(t, "https://") ||
		strings.Contains(t, "curl") || strings.Contains(t, " api "):
		return "external_request"
	default:
		return "unknown"
	}
}

// helpers ----------------------------------------------------------------

func firstString(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := obj[k].(string); ok {
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.TrimSpace(s)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
