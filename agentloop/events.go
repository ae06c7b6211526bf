package agentloop

import (
	"maps"
	"sync"
	"time"
)

// EventKind identifies the type of session event.
type EventKind string

const (
	EventSessionStart     EventKind = "session_start"
	EventSessionEnd       EventKind = "session_end"
	EventStatusChange     EventKind = "status_change"
	EventTurnStart        EventKind = "turn_start"
	EventAssistantMessage EventKind = "assistant_message"
	EventToolCallStart    EventKind = "tool_call_start"
	EventToolCallEnd      EventKind = "tool_call_end"
	EventSteeringInjected EventKind = "steering_injected"
	EventLoopDetected     EventKind = "loop_detected"
	EventBudgetExceeded   EventKind = "budget_exceeded"
	EventContextTruncated EventKind = "context_truncated"
	EventWarning          EventKind = "warning"
	EventError            EventKind = "error"
)

// SessionEvent is a typed event emitted by the agent loop. The
// tool_call_end event carries the untrimmed sandbox output under "output".
type SessionEvent struct {
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	Turn      int            `json:"turn"`
	Data      map[string]any `json:"data,omitempty"`
}

// DefaultEventBuffer is the channel capacity used when none is configured.
const DefaultEventBuffer = 256

// EventEmitter delivers events over a buffered channel. A full buffer drops
// events rather than stall the session, except session_end, which has a
// slot of its own.
type EventEmitter struct {
	sessionID string
	limit     int

	mu      sync.Mutex
	ch      chan SessionEvent
	dropped map[EventKind]int
	closed  bool
}

// NewEventEmitter creates an emitter holding up to buffer events.
func NewEventEmitter(sessionID string, buffer int) *EventEmitter {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	return &EventEmitter{
		sessionID: sessionID,
		limit:     buffer,
		ch:        make(chan SessionEvent, buffer+1),
		dropped:   map[EventKind]int{},
	}
}

// Emit queues an event. It never blocks.
func (e *EventEmitter) Emit(kind EventKind, turn int, data map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if kind != EventSessionEnd && len(e.ch) >= e.limit {
		e.dropped[kind]++
		return
	}
	select {
	case e.ch <- SessionEvent{Kind: kind, Timestamp: time.Now(), SessionID: e.sessionID, Turn: turn, Data: data}:
	default:
		e.dropped[kind]++
	}
}

// Dropped returns how many events a full buffer cost, by kind.
func (e *EventEmitter) Dropped() map[EventKind]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return maps.Clone(e.dropped)
}

func (e *EventEmitter) Events() <-chan SessionEvent { return e.ch }

// Close ends the event stream. Later calls and emits are no-ops.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
