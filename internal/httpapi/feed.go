package httpapi

import (
	"sync"
	"time"

	"github.com/kolapsis/remotewiz/internal/adapter"
)

// event is one entry in the polling feed.
type event struct {
	Seq      int                     `json:"seq"`
	Kind     string                  `json:"kind"`
	TS       time.Time               `json:"ts"`
	Update   *adapter.Update         `json:"update,omitempty"`
	Approval *adapter.ApprovalPrompt `json:"approval,omitempty"`
}

// feed is a bounded in-memory ring of engine events for clients that poll.
type feed struct {
	mu     sync.Mutex
	events []event
	next   int
	max    int
}

func newFeed(max int) *feed {
	return &feed{max: max, next: 1}
}

func (f *feed) add(e event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e.Seq = f.next
	f.next++
	f.events = append(f.events, e)
	if len(f.events) > f.max {
		f.events = f.events[len(f.events)-f.max:]
	}
}

// since returns events with Seq > after, plus the cursor for the next poll.
func (f *feed) since(after int) ([]event, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]event, 0)
	for _, e := range f.events {
		if e.Seq > after {
			out = append(out, e)
		}
	}
	return out, f.next - 1
}
