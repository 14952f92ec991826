// Package routing maps a detected intent to a conversational action.
//
// Dispatch never fails. No match, an unregistered action, a detector error
// or a failing handler all degrade to the continue-flow action with
// metadata fallback=true, so a live call always gets a usable result.
package routing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jeeves-cluster-organization/callflow/coreengine/intent"
	"github.com/jeeves-cluster-organization/callflow/coreengine/observability"
	"github.com/jeeves-cluster-organization/callflow/coreengine/recovery"
)

var tracer = otel.Tracer("callflow/routing")

// Logger is the logging interface used by the dispatcher.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// =============================================================================
// Types
// =============================================================================

// Result is what the call orchestrator acts on after an utterance.
type Result struct {
	Action        string         `json:"action"`
	Success       bool           `json:"success"`
	Message       string         `json:"message,omitempty"`
	ShouldEndCall bool           `json:"should_end_call"`
	NextPrompt    string         `json:"next_prompt,omitempty"`
	Metadata      map[string]any `json:"metadata"`
}

// IsFallback reports whether the result came from the fallback path.
func (r *Result) IsFallback() bool {
	fb, _ := r.Metadata[MetaFallback].(bool)
	return fb
}

// Request is one utterance to route.
type Request struct {
	AgentID   string
	CallID    string
	Utterance string
	// Transcript is the conversation so far, if the host keeps one.
	Transcript string
	// CollectedFields are field values already gathered for the call.
	CollectedFields map[string]any
}

// RoutingContext is what a handler sees.
type RoutingContext struct {
	AgentID         string
	CallID          string
	Utterance       string
	Transcript      string
	Match           *intent.MatchResult
	CollectedFields map[string]any
}

// Handler produces the result for one routing action.
type Handler func(ctx context.Context, rc *RoutingContext) (*Result, error)

// Detector resolves an utterance to an intent. *intent.Detector satisfies it.
type Detector interface {
	Detect(ctx context.Context, agentID, utterance string) (*intent.MatchResult, error)
}

// =============================================================================
// Dispatcher
// =============================================================================

// Dispatcher routes utterances to registered action handlers.
// Thread-safe; handlers may be registered while dispatching.
//
// Usage:
//
//	d := NewDispatcher(detector, logger)
//	d.RegisterHandler("book-job", bookJob)
//
//	result := d.Dispatch(ctx, Request{AgentID: agentID, CallID: callID, Utterance: text})
type Dispatcher struct {
	detector Detector
	logger   Logger

	handlers map[string]Handler
	mu       sync.RWMutex
}

// NewDispatcher creates a dispatcher with the standard handlers registered.
func NewDispatcher(detector Detector, logger Logger) *Dispatcher {
	return &Dispatcher{
		detector: detector,
		logger:   logger,
		handlers: StandardHandlers(),
	}
}

// RegisterHandler registers h for action, replacing any existing handler.
func (d *Dispatcher) RegisterHandler(action string, h Handler) error {
	if strings.TrimSpace(action) == "" {
		return errors.New("routing action is required")
	}
	if h == nil {
		return fmt.Errorf("handler for %s is nil", action)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[action] = h

	if d.logger != nil {
		d.logger.Debug("routing_handler_registered", "action", action)
	}
	return nil
}

// HasHandler reports whether action has a registered handler.
func (d *Dispatcher) HasHandler(action string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[action]
	return ok
}

// Actions returns the registered actions, sorted.
func (d *Dispatcher) Actions() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	actions := make([]string, 0, len(d.handlers))
	for a := range d.handlers {
		actions = append(actions, a)
	}
	sort.Strings(actions)
	return actions
}

func (d *Dispatcher) handler(action string) Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handlers[action]
}

// Dispatch detects the intent of req.Utterance and runs its handler.
// The returned result is never nil.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) *Result {
	ctx, span := tracer.Start(ctx, "routing.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("callflow.agent.id", req.AgentID),
		attribute.String("callflow.call.id", req.CallID),
	)

	start := time.Now()
	result := d.dispatch(ctx, req)

	observability.RecordDispatch(result.Action, result.IsFallback(), time.Since(start))
	span.SetAttributes(
		attribute.String("callflow.routing.action", result.Action),
		attribute.Bool("callflow.routing.fallback", result.IsFallback()),
	)
	span.SetStatus(codes.Ok, result.Action)
	return result
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) *Result {
	rc := &RoutingContext{
		AgentID:         req.AgentID,
		CallID:          req.CallID,
		Utterance:       req.Utterance,
		Transcript:      req.Transcript,
		CollectedFields: req.CollectedFields,
	}

	var match *intent.MatchResult
	var err error
	if d.detector != nil {
		match, err = recovery.SafeExecuteWithResult(d.logger, "intent_detection", func() (*intent.MatchResult, error) {
			return d.detector.Detect(ctx, req.AgentID, req.Utterance)
		})
	}
	if err != nil {
		if d.logger != nil {
			d.logger.Warn("intent_detection_failed",
				"agent_id", req.AgentID,
				"call_id", req.CallID,
				"error", err.Error(),
			)
		}
		return d.fallback(ctx, rc, ReasonDetectionError)
	}
	if match == nil {
		return d.fallback(ctx, rc, ReasonNoMatch)
	}

	rc.Match = match
	h := d.handler(match.RoutingAction)
	if h == nil {
		if d.logger != nil {
			d.logger.Warn("routing_no_handler",
				"action", match.RoutingAction,
				"intent", match.IntentName,
				"call_id", req.CallID,
			)
		}
		return d.fallback(ctx, rc, ReasonNoHandler)
	}

	result, err := d.invoke(ctx, match.RoutingAction, h, rc)
	if err != nil {
		observability.RecordHandlerError(match.RoutingAction)
		if d.logger != nil {
			d.logger.Error("routing_handler_failed",
				"action", match.RoutingAction,
				"call_id", req.CallID,
				"error", err.Error(),
			)
		}
		return d.fallback(ctx, rc, ReasonHandlerError)
	}

	result.Metadata[MetaIntentName] = match.IntentName
	result.Metadata[MetaConfidence] = match.Confidence
	result.Metadata[MetaMatchingType] = string(match.MatchingType)
	if d.logger != nil {
		d.logger.Debug("utterance_routed",
			"call_id", req.CallID,
			"intent", match.IntentName,
			"action", result.Action,
		)
	}
	return result
}

// invoke runs h with panic recovery and normalizes its result.
func (d *Dispatcher) invoke(ctx context.Context, action string, h Handler, rc *RoutingContext) (*Result, error) {
	result, err := recovery.SafeExecuteWithResult(d.logger, "routing_handler:"+action, func() (*Result, error) {
		return h(ctx, rc)
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("handler for %s returned no result", action)
	}
	if result.Action == "" {
		result.Action = action
	}
	if result.Metadata == nil {
		result.Metadata = map[string]any{}
	}
	return result, nil
}

// fallback runs continue-flow with a neutral intent. If that handler fails
// too, a static continue-flow result is returned.
func (d *Dispatcher) fallback(ctx context.Context, rc *RoutingContext, reason string) *Result {
	neutral := *rc
	neutral.Match = &intent.MatchResult{
		IntentID:      "fallback",
		IntentName:    "fallback",
		RoutingAction: ActionContinueFlow,
	}

	var result *Result
	if h := d.handler(ActionContinueFlow); h != nil {
		r, err := d.invoke(ctx, ActionContinueFlow, h, &neutral)
		if err == nil {
			result = r
		} else if d.logger != nil {
			d.logger.Error("routing_fallback_failed", "call_id", rc.CallID, "error", err.Error())
		}
	}
	if result == nil {
		result = &Result{Action: ActionContinueFlow, Success: true, Metadata: map[string]any{}}
	}

	result.Action = ActionContinueFlow
	result.Metadata[MetaFallback] = true
	result.Metadata[MetaFallbackReason] = reason
	if d.logger != nil {
		d.logger.Debug("routing_fallback", "call_id", rc.CallID, "reason", reason)
	}
	return result
}
