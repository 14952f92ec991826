package routing

import (
	"context"
	"fmt"
)

// Standard routing actions.
const (
	ActionCallback     = "callback"
	ActionQuote        = "quote"
	ActionContinueFlow = "continue-flow"
	ActionOptOut       = "opt-out"
	ActionTransfer     = "transfer"
	ActionVoicemail    = "voicemail"
	ActionEndCall      = "end-call"
	ActionEscalate     = "escalate"
)

// Metadata keys set on results.
const (
	MetaFallback       = "fallback"
	MetaFallbackReason = "fallbackReason"
	MetaRequiresFields = "requiresFields"
	MetaIntentName     = "intentName"
	MetaConfidence     = "confidence"
	MetaMatchingType   = "matchingType"
)

// Fallback reasons.
const (
	ReasonNoMatch        = "no_match"
	ReasonNoHandler      = "no_handler"
	ReasonDetectionError = "detection_error"
	ReasonHandlerError   = "handler_error"
)

// StandardHandlers returns a fresh copy of the built-in handler set.
//
// Each handler is a pure function of its context. The copy is placeholder
// wording; hosts replace handlers to change what is said.
func StandardHandlers() map[string]Handler {
	return map[string]Handler{
		ActionCallback:     handleCallback,
		ActionQuote:        handleQuote,
		ActionContinueFlow: handleContinueFlow,
		ActionOptOut:       handleOptOut,
		ActionTransfer:     handleTransfer,
		ActionVoicemail:    handleVoicemail,
		ActionEndCall:      handleEndCall,
		ActionEscalate:     handleEscalate,
	}
}

func handleCallback(_ context.Context, rc *RoutingContext) (*Result, error) {
	msg := "I'd be happy to arrange a callback. Could I get your name and the best number to reach you on?"
	if name, ok := rc.CollectedFields["name"].(string); ok && name != "" {
		msg = fmt.Sprintf("Thanks %s, I'd be happy to arrange a callback. What's the best number to reach you on?", name)
	}
	return &Result{
		Action:     ActionCallback,
		Success:    true,
		Message:    msg,
		NextPrompt: "What's the best number to reach you on?",
		Metadata: map[string]any{
			MetaRequiresFields: []string{"name", "phone"},
		},
	}, nil
}

func handleQuote(_ context.Context, rc *RoutingContext) (*Result, error) {
	return &Result{
		Action:     ActionQuote,
		Success:    true,
		Message:    "I can help you with a quote. I'll just need a few details first.",
		NextPrompt: "Could I start with your name?",
		Metadata: map[string]any{
			MetaRequiresFields: []string{"name", "phone", "email"},
		},
	}, nil
}

func handleContinueFlow(_ context.Context, rc *RoutingContext) (*Result, error) {
	return &Result{
		Action:   ActionContinueFlow,
		Success:  true,
		Metadata: map[string]any{},
	}, nil
}

func handleOptOut(_ context.Context, rc *RoutingContext) (*Result, error) {
	return &Result{
		Action:        ActionOptOut,
		Success:       true,
		Message:       "Understood. I've noted that you don't want to be contacted again. Have a good day.",
		ShouldEndCall: true,
		Metadata: map[string]any{
			"optOut": true,
		},
	}, nil
}

func handleTransfer(_ context.Context, rc *RoutingContext) (*Result, error) {
	return &Result{
		Action:  ActionTransfer,
		Success: true,
		Message: "No problem, please hold while I transfer you to a member of the team.",
		Metadata: map[string]any{
			"transferRequested": true,
		},
	}, nil
}

func handleVoicemail(_ context.Context, rc *RoutingContext) (*Result, error) {
	return &Result{
		Action:     ActionVoicemail,
		Success:    true,
		Message:    "Sure, I'll pass your message on.",
		NextPrompt: "Please go ahead and leave your message.",
		Metadata: map[string]any{
			"recordVoicemail": true,
		},
	}, nil
}

func handleEndCall(_ context.Context, rc *RoutingContext) (*Result, error) {
	return &Result{
		Action:        ActionEndCall,
		Success:       true,
		Message:       "Thanks for calling. Goodbye!",
		ShouldEndCall: true,
		Metadata:      map[string]any{},
	}, nil
}

func handleEscalate(_ context.Context, rc *RoutingContext) (*Result, error) {
	return &Result{
		Action:  ActionEscalate,
		Success: true,
		Message: "I understand. I'll escalate this to a manager for you.",
		Metadata: map[string]any{
			"escalated": true,
			"priority":  "high",
		},
	}, nil
}

// =============================================================================
// Descriptions
// =============================================================================

var descriptions = map[string]string{
	ActionCallback:     "Schedule a callback for the caller",
	ActionQuote:        "Collect details and provide a quote",
	ActionContinueFlow: "Continue the standard conversation flow",
	ActionOptOut:       "Record an opt-out and end the call",
	ActionTransfer:     "Transfer the caller to a human agent",
	ActionVoicemail:    "Take a voicemail message",
	ActionEndCall:      "End the call politely",
	ActionEscalate:     "Escalate the call to a manager",
}

// Describe returns a human-readable description of action.
func Describe(action string) string {
	if d, ok := descriptions[action]; ok {
		return d
	}
	return fmt.Sprintf("Custom routing action: %s", action)
}
