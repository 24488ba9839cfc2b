package adapter

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAdapter struct {
	mu        sync.Mutex
	updates   []Update
	approvals []ApprovalPrompt
	err       error
	panics    bool
	delivered chan struct{}
}

func newRecordingAdapter() *recordingAdapter {
	return &recordingAdapter{delivered: make(chan struct{}, 16)}
}

func (r *recordingAdapter) SendTaskUpdate(u Update) error {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
	r.delivered <- struct{}{}
	if r.panics {
		panic("adapter exploded")
	}
	return r.err
}

func (r *recordingAdapter) RequestApproval(p ApprovalPrompt) error {
	r.mu.Lock()
	r.approvals = append(r.approvals, p)
	r.mu.Unlock()
	r.delivered <- struct{}{}
	return r.err
}

func waitDelivered(t *testing.T, r *recordingAdapter) {
	t.Helper()
	select {
	case <-r.delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("adapter never received the event")
	}
}

func TestBus_RoutesByTag(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	tg := newRecordingAdapter()
	web := newRecordingAdapter()
	bus.Register("mcp", tg)
	bus.Register("web", web)

	bus.SendTaskUpdate("web", Update{TaskID: "a1", Status: "done"})
	waitDelivered(t, web)

	web.mu.Lock()
	defer web.mu.Unlock()
	require.Len(t, web.updates, 1)
	assert.Equal(t, "a1", web.updates[0].TaskID)

	tg.mu.Lock()
	defer tg.mu.Unlock()
	assert.Empty(t, tg.updates)
}

func TestBus_UnknownTagDoesNotBlock(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	done := make(chan struct{})
	go func() {
		bus.SendTaskUpdate("nobody", Update{TaskID: "a1"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch to unknown tag blocked")
	}
}

func TestBus_AdapterErrorIsSwallowed(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	a := newRecordingAdapter()
	a.err = errors.New("network down")
	bus.Register("mcp", a)

	bus.RequestApproval("mcp", ApprovalPrompt{ApprovalID: "ap1"})
	waitDelivered(t, a)

	a.mu.Lock()
	defer a.mu.Unlock()
	require.Len(t, a.approvals, 1)
	assert.Equal(t, "ap1", a.approvals[0].ApprovalID)
}

func TestBus_AdapterPanicIsContained(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	a := newRecordingAdapter()
	a.panics = true
	bus.Register("mcp", a)

	bus.SendTaskUpdate("mcp", Update{TaskID: "a1"})
	waitDelivered(t, a)

	// A second dispatch after the panic must still work.
	a.panics = false
	bus.SendTaskUpdate("mcp", Update{TaskID: "a2"})
	waitDelivered(t, a)
}

func TestBus_Tags(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	bus.Register("mcp", newRecordingAdapter())
	bus.Register("web", newRecordingAdapter())
	assert.ElementsMatch(t, []string{"mcp", "web"}, bus.Tags())
}
