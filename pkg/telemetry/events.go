package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a lifecycle event emitted by the engine during a run.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// RunID is the associated run ID, if applicable.
	RunID string `json:"run_id,omitempty"`

	// Step is the associated step name, if applicable.
	Step string `json:"step,omitempty"`

	// TaskID is the associated task ID, if applicable.
	TaskID string `json:"task_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for run and task lifecycle events.
const (
	EventTypeRunStarted    = "run.started"
	EventTypeRunCompleted  = "run.completed"
	EventTypeRunFailed     = "run.failed"
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskSucceeded = "task.succeeded"
	EventTypeTaskFailed    = "task.failed"
	EventTypeTaskRetrying  = "task.retrying"
	EventTypeTaskCaught    = "task.caught"
	EventTypeTaskCloned    = "task.cloned"
	EventTypeError         = "error"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher delivers run lifecycle events to in-process subscribers.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Async {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.Async {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishRunStarted publishes a run started event.
func (ep *EventPublisher) PublishRunStarted(runID, flowName string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunStarted,
		Source:  "engine",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s of flow %s started", runID, flowName),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"flow": flowName,
		},
	})
}

// PublishRunCompleted publishes a run completed event.
func (ep *EventPublisher) PublishRunCompleted(runID, status string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeRunCompleted,
		Source:  "engine",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s completed with status: %s", runID, status),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"status":   status,
			"duration": duration.Seconds(),
		},
	})
}

// PublishRunFailed publishes a run failed event.
func (ep *EventPublisher) PublishRunFailed(runID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunFailed,
		Source:  "engine",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s failed: %s", runID, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishTaskStarted publishes a task started event.
func (ep *EventPublisher) PublishTaskStarted(runID, step, taskID string, attempt int) error {
	return ep.Publish(Event{
		Type:    EventTypeTaskStarted,
		Source:  "scheduler",
		RunID:   runID,
		Step:    step,
		TaskID:  taskID,
		Message: fmt.Sprintf("Task %s (step %s) started attempt %d", taskID, step, attempt),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"attempt": attempt,
		},
	})
}

// PublishTaskSucceeded publishes a task succeeded event.
func (ep *EventPublisher) PublishTaskSucceeded(runID, step, taskID string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeTaskSucceeded,
		Source:  "scheduler",
		RunID:   runID,
		Step:    step,
		TaskID:  taskID,
		Message: fmt.Sprintf("Task %s (step %s) succeeded", taskID, step),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"duration": duration.Seconds(),
		},
	})
}

// PublishTaskFailed publishes a task failed event.
func (ep *EventPublisher) PublishTaskFailed(runID, step, taskID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeTaskFailed,
		Source:  "scheduler",
		RunID:   runID,
		Step:    step,
		TaskID:  taskID,
		Message: fmt.Sprintf("Task %s (step %s) failed: %s", taskID, step, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishTaskRetrying publishes a task retry event.
func (ep *EventPublisher) PublishTaskRetrying(runID, step, taskID string, attempt int, backoff time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeTaskRetrying,
		Source:  "scheduler",
		RunID:   runID,
		Step:    step,
		TaskID:  taskID,
		Message: fmt.Sprintf("Task %s (step %s) retrying, next attempt %d", taskID, step, attempt),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"attempt": attempt,
			"backoff": backoff.Seconds(),
		},
	})
}

// PublishTaskCaught publishes an event for a failure absorbed by a catch handler.
func (ep *EventPublisher) PublishTaskCaught(runID, step, taskID, errorKind string) error {
	return ep.Publish(Event{
		Type:    EventTypeTaskCaught,
		Source:  "scheduler",
		RunID:   runID,
		Step:    step,
		TaskID:  taskID,
		Message: fmt.Sprintf("Task %s (step %s) failure caught: %s", taskID, step, errorKind),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"error_kind": errorKind,
		},
	})
}

// PublishTaskCloned publishes an event for a task reused from an origin run.
func (ep *EventPublisher) PublishTaskCloned(runID, step, taskID, originTaskID string) error {
	return ep.Publish(Event{
		Type:    EventTypeTaskCloned,
		Source:  "resume",
		RunID:   runID,
		Step:    step,
		TaskID:  taskID,
		Message: fmt.Sprintf("Task %s (step %s) cloned from %s", taskID, step, originTaskID),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"origin_task_id": originTaskID,
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter receives all events.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents delivers buffered events in order until shutdown.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			// Drain remaining events before shutting down.
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers in subscription order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled || ep.cancel == nil {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}

// FilterByStep creates a filter that only allows events for a specific step.
func FilterByStep(step string) EventFilter {
	return func(event Event) bool {
		return event.Step == step
	}
}
