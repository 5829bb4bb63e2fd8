package workflow

import (
	"log/slog"
	"sync"
	"time"
)

// EventType names a workflow lifecycle event.
type EventType string

const (
	EventWorkflowStarted   EventType = "WorkflowStarted"
	EventNodeStarted       EventType = "NodeStarted"
	EventNodeCompleted     EventType = "NodeCompleted"
	EventNodeFailed        EventType = "NodeFailed"
	EventWorkflowCompleted EventType = "WorkflowCompleted"
	EventWorkflowFailed    EventType = "WorkflowFailed"
	EventWorkflowCancelled EventType = "WorkflowCancelled"
)

// Event carries a lifecycle notification. All events carry the workflow id
// and timestamp; node events also carry node id and job id.
type Event struct {
	Type       EventType      `json:"type"`
	WorkflowID string         `json:"workflow_id"`
	Timestamp  time.Time      `json:"timestamp"`
	NodeID     string         `json:"node_id,omitempty"`
	JobID      int64          `json:"job_id,omitempty"`
	Results    map[string]any `json:"results,omitempty"`
	Error      string         `json:"error,omitempty"`
	RetryCount int            `json:"retry_count,omitempty"`
	Reason     string         `json:"reason,omitempty"`

	// Workflow summary counts on WorkflowCompleted.
	TotalNodes      int `json:"total_nodes,omitempty"`
	SuccessfulNodes int `json:"successful_nodes,omitempty"`
	FailedNodes     int `json:"failed_nodes,omitempty"`
}

// EventCallback receives lifecycle events. A broken callback must not
// destabilize orchestration; delivery is decoupled onto a dispatch goroutine
// with panic recovery.
type EventCallback func(Event)

// eventDispatcher serializes event delivery to the callback.
type eventDispatcher struct {
	callback EventCallback
	eventCh  chan Event
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
}

func newEventDispatcher(callback EventCallback) *eventDispatcher {
	d := &eventDispatcher{callback: callback}
	if callback == nil {
		return d
	}
	d.eventCh = make(chan Event, 100)
	d.wg.Add(1)
	go d.dispatchLoop()
	return d
}

func (d *eventDispatcher) dispatchLoop() {
	defer d.wg.Done()
	for e := range d.eventCh {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("workflow: recovered from panic in event callback", "panic", r, "event_type", e.Type)
				}
			}()
			d.callback(e)
		}()
	}
}

// send delivers an event without blocking orchestration. If the consumer
// falls behind, the event is dropped with a warning.
func (d *eventDispatcher) send(e Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.callback == nil || d.closed {
		return
	}
	select {
	case d.eventCh <- e:
	default:
		slog.Warn("workflow: event channel full, dropping event",
			"event_type", e.Type, "workflow_id", e.WorkflowID, "buffer_size", cap(d.eventCh))
	}
}

func (d *eventDispatcher) close() {
	d.mu.Lock()
	if d.callback == nil || d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.eventCh)
	d.wg.Wait()
}
