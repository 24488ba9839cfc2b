// Package adapter decouples the engine from the chat surfaces. Each surface
// registers under a tag; the engine dispatches updates by the tag stored on
// the task, and a slow or panicking adapter never stalls the engine loop.
package adapter

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Update is a task lifecycle notification for the surface that created it.
type Update struct {
	TaskID   string
	Project  string
	ThreadID string
	Status   string
	Result   string
	ErrCode  string
	Tokens   int
}

// ApprovalPrompt asks the owner to approve or deny a gated action.
type ApprovalPrompt struct {
	ApprovalID  string
	TaskID      string
	Project     string
	ThreadID    string
	ActionClass string
	Description string
	Progress    string
	ExpiresAt   time.Time
}

// Adapter is one registered chat surface.
type Adapter interface {
	SendTaskUpdate(u Update) error
	RequestApproval(p ApprovalPrompt) error
}

// Bus routes engine events to adapters by tag.
type Bus struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under a tag, replacing any previous registration.
func (b *Bus) Register(tag string, a Adapter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adapters[tag] = a
	slog.Info("adapter registered", "tag", tag)
}

// Tags returns the registered adapter tags.
func (b *Bus) Tags() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.adapters))
	for tag := range b.adapters {
		out = append(out, tag)
	}
	return out
}

// SendTaskUpdate delivers an update to the adapter registered under tag.
// Delivery is asynchronous; failures are logged.
func (b *Bus) SendTaskUpdate(tag string, u Update) {
	b.dispatch(tag, "task update", func(a Adapter) error {
		return a.SendTaskUpdate(u)
	})
}

// RequestApproval delivers an approval prompt to the adapter registered
// under tag. Delivery is asynchronous; failures are logged.
func (b *Bus) RequestApproval(tag string, p ApprovalPrompt) {
	b.dispatch(tag, "approval prompt", func(a Adapter) error {
		return a.RequestApproval(p)
	})
}

func (b *Bus) dispatch(tag, kind string, call func(Adapter) error) {
	b.mu.RLock()
	a, ok := b.adapters[tag]
	b.mu.RUnlock()
	if !ok {
		slog.Warn("no adapter for tag", "tag", tag, "kind", kind)
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("adapter panicked", "tag", tag, "kind", kind, "panic", fmt.Sprint(r))
			}
		}()
		if err := call(a); err != nil {
			slog.Warn("adapter delivery failed", "tag", tag, "kind", kind, "error", err)
		}
	}()
}
