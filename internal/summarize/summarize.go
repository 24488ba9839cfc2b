// Package summarize turns a finished run's raw output into the short text
// shown to the user. An external summarizer is an optional collaborator;
// its failure always degrades to a local excerpt, and a replay run's
// actions are always listed explicitly.
package summarize

import (
	"context"
	"fmt"
	"strings"
)

const (
	excerptMax  = 1200
	replayLabel = "Replay actions:"
)

// Input is the pre-redacted material for one summary.
type Input struct {
	RawText       string
	ToolSummary   []string
	TokensUsed    int
	TokenBudget   int
	ReplayActions []string
}

// Summarizer produces a user-facing summary from a run's output.
type Summarizer interface {
	Summarize(ctx context.Context, in Input) (string, error)
}

// Digest is the default local summarizer: a trimmed excerpt of the
// assistant text plus a compact activity footer. It never touches the
// network.
type Digest struct{}

// Summarize implements Summarizer.
func (Digest) Summarize(_ context.Context, in Input) (string, error) {
	return Fallback(in), nil
}

// Fallback builds a summary without any external collaborator. It is also
// the degradation path when a configured summarizer fails.
func Fallback(in Input) string {
	var b strings.Builder

	text := strings.TrimSpace(in.RawText)
	if text == "" {
		text = "(no output captured)"
	}
	b.WriteString(truncate(text, excerptMax))

	if len(in.ToolSummary) > 0 {
		b.WriteString(fmt.Sprintf("\n\nActivity: %d tool call(s)", len(in.ToolSummary)))
	}
	if in.TokenBudget > 0 {
		b.WriteString(fmt.Sprintf("\nTokens: %d / %d", in.TokensUsed, in.TokenBudget))
	} else if in.TokensUsed > 0 {
		b.WriteString(fmt.Sprintf("\nTokens: %d", in.TokensUsed))
	}

	return EnsureReplaySection(b.String(), in.ReplayActions)
}

// EnsureReplaySection guarantees the summary lists what ran under elevated
// permissions. If the summarizer already included a replay section it is
// kept; otherwise one is appended.
func EnsureReplaySection(summary string, replayActions []string) string {
	if len(replayActions) == 0 {
		return summary
	}
	if strings.Contains(summary, replayLabel) {
		return summary
	}
	var b strings.Builder
	b.WriteString(summary)
	b.WriteString("\n\n")
	b.WriteString(replayLabel)
	for _, a := range replayActions {
		b.WriteString("\n- ")
		b.WriteString(a)
	}
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
