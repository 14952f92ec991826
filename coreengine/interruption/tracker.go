// Package interruption tracks caller barge-in per call.
//
// Each call has at most one active interrupt. A new barge-in overwrites the
// previous one; the captured utterance is attached afterwards. The tracker
// only asks for agent speech to be paused (a PauseAgentSpeech command on the
// bus); it never touches audio itself.
package interruption

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeeves-cluster-organization/callflow/commbus"
	"github.com/jeeves-cluster-organization/callflow/coreengine/callmap"
	"github.com/jeeves-cluster-organization/callflow/coreengine/observability"
	"github.com/jeeves-cluster-organization/callflow/coreengine/typeutil"
)

// Logger is the logging interface used by the tracker.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// =============================================================================
// Interrupt Types
// =============================================================================

// InterruptType classifies an interrupt.
type InterruptType string

const (
	// TypeBargeIn is the caller speaking over the agent.
	TypeBargeIn InterruptType = "barge-in"
	// TypePause is a deliberate pause request.
	TypePause InterruptType = "pause"
	// TypeClear is a request to discard queued agent speech.
	TypeClear InterruptType = "clear"
)

// Listener event names.
const (
	EventUserInterrupted   = "user.interrupted"
	EventSpeechPaused      = "agent.speech.paused"
	EventInterruptComplete = "user.interrupt.complete"
)

// Metadata keys read by HandleUserStartedSpeaking.
const (
	MetaAgentWasSpeaking = "agentWasSpeaking"
	MetaInterruptType    = "interruptType"
	MetaSource           = "source"
)

// SourceDirect labels interrupts not coming through a vendor adapter.
const SourceDirect = "direct"

// Event is the interrupt state of one call.
type Event struct {
	ID               string         `json:"interrupt_id"`
	CallID           string         `json:"call_id"`
	Timestamp        time.Time      `json:"timestamp"`
	AgentWasSpeaking bool           `json:"agent_was_speaking"`
	UserUtterance    string         `json:"user_utterance,omitempty"`
	InterruptType    InterruptType  `json:"interrupt_type"`
	Source           string         `json:"source"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CapturedAt       *time.Time     `json:"captured_at,omitempty"`
}

// IsCaptured reports whether the interrupting utterance was recorded.
func (e *Event) IsCaptured() bool {
	return e.CapturedAt != nil
}

func (e *Event) clone() *Event {
	c := *e
	if e.Metadata != nil {
		c.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	if e.CapturedAt != nil {
		t := *e.CapturedAt
		c.CapturedAt = &t
	}
	return &c
}

// Listener receives a snapshot of the interrupt an event concerns.
type Listener func(*Event)

// =============================================================================
// Tracker
// =============================================================================

// Option customizes a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithShards sets the lock-stripe count of the call map.
func WithShards(n int) Option {
	return func(t *Tracker) { t.shards = n }
}

// Tracker holds the active interrupt of every call. Safe for concurrent
// use; calls never contend with each other.
//
// Usage:
//
//	tracker := NewTracker(bus, logger)
//	tracker.On(EventSpeechPaused, func(e *Event) { ... })
//
//	tracker.HandleUserStartedSpeaking(ctx, callID, nil)
//	tracker.CaptureUtterance(ctx, callID, "actually, can you call me back")
type Tracker struct {
	bus    commbus.CommBus
	logger Logger
	now    func() time.Time
	shards int

	active *callmap.Map[*Event]

	listeners map[string]Listener
	mu        sync.RWMutex
}

// NewTracker creates a tracker. bus may be nil, in which case the pause
// request reaches listeners only.
func NewTracker(bus commbus.CommBus, logger Logger, opts ...Option) *Tracker {
	t := &Tracker{
		bus:       bus,
		logger:    logger,
		now:       time.Now,
		listeners: make(map[string]Listener),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.active = callmap.New[*Event](t.shards)
	return t
}

// On registers fn for a named event, replacing any previous listener. A nil
// fn removes the listener.
func (t *Tracker) On(event string, fn Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fn == nil {
		delete(t.listeners, event)
		return
	}
	t.listeners[event] = fn
}

func (t *Tracker) emit(event string, e *Event) {
	t.mu.RLock()
	fn := t.listeners[event]
	t.mu.RUnlock()
	if fn != nil {
		fn(e.clone())
	}
}

// HandleUserStartedSpeaking records a new interrupt for callID, replacing
// any previous one, and requests that agent speech pause.
//
// metadata may carry agentWasSpeaking (default true), interruptType
// (default barge-in) and source.
func (t *Tracker) HandleUserStartedSpeaking(ctx context.Context, callID string, metadata map[string]any) *Event {
	e := &Event{
		ID:               "int_" + uuid.New().String()[:16],
		CallID:           callID,
		Timestamp:        t.now().UTC(),
		AgentWasSpeaking: typeutil.SafeBoolDefault(metadata[MetaAgentWasSpeaking], true),
		InterruptType:    InterruptType(typeutil.SafeStringDefault(metadata[MetaInterruptType], string(TypeBargeIn))),
		Source:           typeutil.SafeStringDefault(metadata[MetaSource], SourceDirect),
		Metadata:         metadata,
	}
	// The stored event, the returned snapshot and the published message each
	// own their metadata map.
	t.active.Store(callID, e.clone())
	snapshot := e.clone()

	observability.RecordInterrupt(e.Source)
	observability.SetActiveInterrupts(t.active.Len())
	if t.logger != nil {
		t.logger.Info("user_interrupted",
			"call_id", callID,
			"interrupt_id", e.ID,
			"agent_was_speaking", e.AgentWasSpeaking,
			"source", e.Source,
		)
	}

	t.emit(EventUserInterrupted, snapshot)
	t.publish(ctx, &commbus.UserInterrupted{
		CallID:           callID,
		InterruptID:      e.ID,
		AgentWasSpeaking: e.AgentWasSpeaking,
		InterruptType:    string(e.InterruptType),
		Metadata:         e.clone().Metadata,
	})

	t.pauseAgentSpeech(ctx, snapshot)
	return snapshot
}

// pauseAgentSpeech sends the pause command and notifies listeners. A send
// failure is logged; the interrupt stays recorded.
func (t *Tracker) pauseAgentSpeech(ctx context.Context, e *Event) {
	if t.bus != nil {
		err := t.bus.Send(ctx, &commbus.PauseAgentSpeech{
			CallID:      e.CallID,
			InterruptID: e.ID,
			Reason:      string(e.InterruptType),
		})
		if err != nil && t.logger != nil {
			t.logger.Warn("pause_agent_speech_failed",
				"call_id", e.CallID,
				"interrupt_id", e.ID,
				"error", err.Error(),
			)
		}
	}
	t.emit(EventSpeechPaused, e)
}

func (t *Tracker) publish(ctx context.Context, msg commbus.Message) {
	if t.bus == nil {
		return
	}
	if err := t.bus.Publish(ctx, msg); err != nil && t.logger != nil {
		t.logger.Warn("interrupt_event_publish_failed",
			"type", commbus.GetMessageType(msg),
			"error", err.Error(),
		)
	}
}

// CaptureUtterance attaches text to the active interrupt of callID. It
// returns false, and creates nothing, when no interrupt is active.
func (t *Tracker) CaptureUtterance(ctx context.Context, callID, text string) (*Event, bool) {
	var snapshot *Event
	found := t.active.View(callID, func(e *Event) {
		now := t.now().UTC()
		e.UserUtterance = text
		e.CapturedAt = &now
		snapshot = e.clone()
	})
	if !found {
		return nil, false
	}

	if t.logger != nil {
		t.logger.Debug("interrupt_utterance_captured",
			"call_id", callID,
			"interrupt_id", snapshot.ID,
		)
	}
	t.emit(EventInterruptComplete, snapshot)
	t.publish(ctx, &commbus.InterruptCompleted{
		CallID:        callID,
		InterruptID:   snapshot.ID,
		UserUtterance: text,
	})
	return snapshot, true
}

// HasActive reports whether callID has an interrupt recorded.
func (t *Tracker) HasActive(callID string) bool {
	return t.active.View(callID, func(*Event) {})
}

// Active returns a snapshot of the interrupt for callID.
func (t *Tracker) Active(callID string) (*Event, bool) {
	var snapshot *Event
	found := t.active.View(callID, func(e *Event) { snapshot = e.clone() })
	return snapshot, found
}

// Clear drops the interrupt for callID. It reports whether one existed.
func (t *Tracker) Clear(callID string) bool {
	_, ok := t.active.Delete(callID)
	if ok {
		observability.SetActiveInterrupts(t.active.Len())
		if t.logger != nil {
			t.logger.Debug("interrupt_cleared", "call_id", callID)
		}
	}
	return ok
}

// CleanupStale drops interrupts older than maxAge and returns how many were
// removed.
func (t *Tracker) CleanupStale(maxAge time.Duration) int {
	cutoff := t.now().UTC().Add(-maxAge)
	removed := t.active.Sweep(func(_ string, e *Event) bool {
		return e.Timestamp.Before(cutoff)
	})
	if len(removed) > 0 {
		observability.SetActiveInterrupts(t.active.Len())
		if t.logger != nil {
			t.logger.Debug("stale_interrupts_cleaned", "count", len(removed))
		}
	}
	return len(removed)
}

// Len returns the number of calls with an active interrupt.
func (t *Tracker) Len() int {
	return t.active.Len()
}
