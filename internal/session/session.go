// Package session tracks best-effort agent session references per adapter
// thread. A missing or stale reference never blocks a run; the caller falls
// back to a fresh session.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kolapsis/remotewiz/internal/redact"
	"github.com/kolapsis/remotewiz/internal/store"
)

// TTL after which a session reference is considered stale.
const TTL = 24 * time.Hour

const (
	historyTasks   = 3
	historyLineMax = 160
	historyMax     = 700
)

// Service reads and writes session references through the store.
type Service struct {
	store *store.Store
}

// New creates a session service.
func New(s *store.Store) *Service {
	return &Service{store: s}
}

// Remember upserts the session reference for a thread.
func (s *Service) Remember(threadID, project, sessionRef string) {
	if threadID == "" || sessionRef == "" {
		return
	}
	if err := s.store.UpsertSession(threadID, project, sessionRef); err != nil {
		slog.Warn("session not remembered", "thread_id", threadID, "error", err)
	}
}

// Lookup returns the session reference for a thread if one exists and is
// fresher than the TTL.
func (s *Service) Lookup(threadID string) (string, bool) {
	rec, err := s.store.GetSession(threadID, TTL)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("session lookup failed", "thread_id", threadID, "error", err)
		}
		return "", false
	}
	return rec.SessionRef, true
}

// Forget drops the stored reference for a thread.
func (s *Service) Forget(threadID string) {
	if err := s.store.DeleteSession(threadID); err != nil {
		slog.Warn("session not forgotten", "thread_id", threadID, "error", err)
	}
}

// Prune removes references older than the TTL.
func (s *Service) Prune() {
	n, err := s.store.PruneSessions(TTL)
	if err != nil {
		slog.Warn("session prune failed", "error", err)
		return
	}
	if n > 0 {
		slog.Debug("stale sessions pruned", "count", n)
	}
}

// ThreadHistorySummary compacts the thread's recent terminal tasks into a
// single line suitable for prefixing a fresh-session prompt.
func (s *Service) ThreadHistorySummary(threadID string) string {
	tasks, err := s.store.TasksByThread(threadID, 10)
	if err != nil {
		slog.Warn("thread history lookup failed", "thread_id", threadID, "error", err)
		return ""
	}

	var parts []string
	for _, t := range tasks {
		if !t.Status.IsTerminal() {
			continue
		}
		detail := t.Result
		if detail == "" {
			detail = t.Error
		}
		if detail == "" {
			detail = t.Prompt
		}
		detail = truncate(oneLine(redact.Redact(detail)), historyLineMax)
		parts = append(parts, fmt.Sprintf("%s %s: %s",
			t.CompletedAt.UTC().Format(time.RFC3339), t.Status, detail))
		if len(parts) == historyTasks {
			break
		}
	}

	return truncate(strings.Join(parts, " | "), historyMax)
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
	return s[:max]
}
