package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event in the dysonloop system.
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

	// Iteration is the associated iteration number.
	Iteration int `json:"iteration"`

	// Site is the associated impurity site, or -1 if not site-specific.
	Site int `json:"site"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeRunStarted         = "run.started"
	EventTypeRunCompleted       = "run.completed"
	EventTypeRunFailed          = "run.failed"
	EventTypeIterationStarted   = "iteration.started"
	EventTypeIterationCompleted = "iteration.completed"
	EventTypeSolverStarted      = "solver.started"
	EventTypeSolverCompleted    = "solver.completed"
	EventTypeSolverFailed       = "solver.failed"
	EventTypeMuSolved           = "mu.solved"
	EventTypeConvergenceReached = "convergence.reached"
	EventTypeCheckpointWritten  = "checkpoint.written"
	EventTypeStopRequested      = "stop.requested"
	EventTypeError              = "error"
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

// EventPublisher manages event publishing and subscriptions.
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
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	// Start the event processing goroutine
	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	// Start the periodic flush goroutine
	if cfg.FlushInterval > 0 {
		ep.wg.Add(1)
		go ep.periodicFlush()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	// Set ID and timestamp if not already set
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Apply global filters
	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil // Event filtered out
		}
	}
	ep.mu.RUnlock()

	// Send to buffer if async, otherwise process immediately
	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			// Buffer full, drop event or log warning
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	// Synchronous publishing
	ep.deliverEvent(event)
	return nil
}

// PublishRunStarted publishes a run started event.
func (ep *EventPublisher) PublishRunStarted(runID, solver string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunStarted,
		Source:  "engine",
		RunID:   runID,
		Site:    -1,
		Message: fmt.Sprintf("Run %s started with solver %s", runID, solver),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"solver": solver,
		},
	})
}

// PublishRunCompleted publishes a run completed event.
func (ep *EventPublisher) PublishRunCompleted(runID, status string, iterations int, duration time.Duration) error {
	return ep.Publish(Event{
		Type:      EventTypeRunCompleted,
		Source:    "engine",
		RunID:     runID,
		Iteration: iterations,
		Site:      -1,
		Message:   fmt.Sprintf("Run %s completed with status: %s after %d iterations", runID, status, iterations),
		Level:     EventLevelInfo,
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
		Site:    -1,
		Message: fmt.Sprintf("Run %s failed: %s", runID, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishIterationStarted publishes an iteration started event.
func (ep *EventPublisher) PublishIterationStarted(runID string, iteration int) error {
	return ep.Publish(Event{
		Type:      EventTypeIterationStarted,
		Source:    "engine",
		RunID:     runID,
		Iteration: iteration,
		Site:      -1,
		Message:   fmt.Sprintf("Iteration %d started", iteration),
		Level:     EventLevelInfo,
	})
}

// PublishIterationCompleted publishes an iteration completed event with the
// observables of the step.
func (ep *EventPublisher) PublishIterationCompleted(runID string, iteration int, mu, density float64, observables map[string]interface{}) error {
	data := map[string]interface{}{
		"mu":      mu,
		"density": density,
	}
	for k, v := range observables {
		data[k] = v
	}
	return ep.Publish(Event{
		Type:      EventTypeIterationCompleted,
		Source:    "engine",
		RunID:     runID,
		Iteration: iteration,
		Site:      -1,
		Message:   fmt.Sprintf("Iteration %d completed: mu=%.6f n=%.6f", iteration, mu, density),
		Level:     EventLevelInfo,
		Data:      data,
	})
}

// PublishSolverStarted publishes a solver started event.
func (ep *EventPublisher) PublishSolverStarted(runID string, iteration, site int, solver string) error {
	return ep.Publish(Event{
		Type:      EventTypeSolverStarted,
		Source:    "solver",
		RunID:     runID,
		Iteration: iteration,
		Site:      site,
		Message:   fmt.Sprintf("Solver %s started on site %d", solver, site),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"solver": solver,
		},
	})
}

// PublishSolverCompleted publishes a solver completed event.
func (ep *EventPublisher) PublishSolverCompleted(runID string, iteration, site int, solver string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:      EventTypeSolverCompleted,
		Source:    "solver",
		RunID:     runID,
		Iteration: iteration,
		Site:      site,
		Message:   fmt.Sprintf("Solver %s completed on site %d", solver, site),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"solver":   solver,
			"duration": duration.Seconds(),
		},
	})
}

// PublishSolverFailed publishes a solver failed event.
func (ep *EventPublisher) PublishSolverFailed(runID string, iteration, site int, solver, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypeSolverFailed,
		Source:    "solver",
		RunID:     runID,
		Iteration: iteration,
		Site:      site,
		Message:   fmt.Sprintf("Solver %s failed on site %d: %s", solver, site, reason),
		Level:     EventLevelError,
		Data: map[string]interface{}{
			"solver": solver,
			"reason": reason,
		},
	})
}

// PublishMuSolved publishes a chemical potential search event.
func (ep *EventPublisher) PublishMuSolved(runID string, iteration int, mu, density, target float64) error {
	return ep.Publish(Event{
		Type:      EventTypeMuSolved,
		Source:    "lattice",
		RunID:     runID,
		Iteration: iteration,
		Site:      -1,
		Message:   fmt.Sprintf("Chemical potential solved: mu=%.6f for target n=%.6f", mu, target),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"mu":      mu,
			"density": density,
			"target":  target,
		},
	})
}

// PublishConvergenceReached publishes a convergence reached event.
func (ep *EventPublisher) PublishConvergenceReached(runID string, iteration int) error {
	return ep.Publish(Event{
		Type:      EventTypeConvergenceReached,
		Source:    "engine",
		RunID:     runID,
		Iteration: iteration,
		Site:      -1,
		Message:   fmt.Sprintf("Convergence reached at iteration %d", iteration),
		Level:     EventLevelInfo,
	})
}

// PublishCheckpointWritten publishes a checkpoint written event.
func (ep *EventPublisher) PublishCheckpointWritten(runID string, iteration int, duration time.Duration) error {
	return ep.Publish(Event{
		Type:      EventTypeCheckpointWritten,
		Source:    "checkpoint",
		RunID:     runID,
		Iteration: iteration,
		Site:      -1,
		Message:   fmt.Sprintf("Checkpoint written for iteration %d", iteration),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"duration": duration.Seconds(),
		},
	})
}

// PublishStopRequested publishes a stop sentinel event.
func (ep *EventPublisher) PublishStopRequested(runID string, iteration int) error {
	return ep.Publish(Event{
		Type:      EventTypeStopRequested,
		Source:    "engine",
		RunID:     runID,
		Iteration: iteration,
		Site:      -1,
		Message:   fmt.Sprintf("Stop requested, halting after iteration %d", iteration),
		Level:     EventLevelWarning,
	})
}

// Subscribe adds a new event subscriber.
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

// processEvents processes events from the buffer asynchronously.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)

			// Flush batch if it reaches max size
			if len(batch) >= ep.config.MaxBatchSize {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ep.ctx.Done():
			// Flush remaining events before shutting down
			if len(batch) > 0 {
				ep.flushBatch(batch)
			}
			return
		}
	}
}

// periodicFlush flushes events periodically.
func (ep *EventPublisher) periodicFlush() {
	defer ep.wg.Done()

	ticker := time.NewTicker(ep.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Trigger flush by draining buffer
			// This is handled by the processEvents goroutine
		case <-ep.ctx.Done():
			return
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		// Apply subscriber-specific filter
		if entry.filter != nil && !entry.filter(event) {
			continue
		}

		// Call subscriber in a goroutine to avoid blocking
		go entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	// Signal shutdown
	ep.cancel()

	// Wait for processing to complete with timeout
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

// Common event filters.

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

// FilterBySite creates a filter that only allows events for a specific site.
func FilterBySite(site int) EventFilter {
	return func(event Event) bool {
		return event.Site == site
	}
}
