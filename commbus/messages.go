// Package commbus provides CommBus Message Definitions.
//
// This module defines all message types carried between the conversation
// engine and the call-orchestration layer. Messages are organized by domain.
//
// Categories:
//   - EVENT: Fire-and-forget, fan-out to subscribers
//   - QUERY: Request-response, single handler
//   - COMMAND: Fire-and-forget, single handler
package commbus

import "time"

// =============================================================================
// MESSAGE CATEGORIES
// =============================================================================

// MessageCategory represents message routing categories.
type MessageCategory string

const (
	// MessageCategoryEvent represents fire-and-forget, fan-out to all subscribers.
	MessageCategoryEvent MessageCategory = "event"
	// MessageCategoryQuery represents request-response, single handler.
	MessageCategoryQuery MessageCategory = "query"
	// MessageCategoryCommand represents fire-and-forget, single handler.
	MessageCategoryCommand MessageCategory = "command"
)

// HealthStatus represents canonical health status values.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusUnknown   HealthStatus = "unknown"
)

// =============================================================================
// CALL LIFECYCLE EVENTS
// =============================================================================

// CallStarted is emitted when a conversation context is initialized.
type CallStarted struct {
	CallID  string `json:"call_id"`
	AgentID string `json:"agent_id"`
}

// Category implements the Message interface.
func (m *CallStarted) Category() string { return string(MessageCategoryEvent) }

// CallEnded is emitted when a call's state is explicitly cleared.
type CallEnded struct {
	CallID      string   `json:"call_id"`
	AgentID     string   `json:"agent_id"`
	RoutingPath []string `json:"routing_path,omitempty"`
}

// Category implements the Message interface.
func (m *CallEnded) Category() string { return string(MessageCategoryEvent) }

// CallContextExpired is emitted when the TTL sweep reaps an abandoned call.
type CallContextExpired struct {
	CallID    string    `json:"call_id"`
	AgentID   string    `json:"agent_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Category implements the Message interface.
func (m *CallContextExpired) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// CONVERSATION EVENTS
// =============================================================================

// IntentRouted is emitted after every dispatched utterance.
// Subscribers: telemetry, transcript audit.
type IntentRouted struct {
	CallID        string  `json:"call_id"`
	AgentID       string  `json:"agent_id"`
	IntentName    string  `json:"intent_name,omitempty"`
	Confidence    float64 `json:"confidence"`
	MatchingType  string  `json:"matching_type,omitempty"`
	Action        string  `json:"action"`
	Fallback      bool    `json:"fallback"`
	ShouldEndCall bool    `json:"should_end_call"`
}

// Category implements the Message interface.
func (m *IntentRouted) Category() string { return string(MessageCategoryEvent) }

// FieldsExtracted is emitted when an utterance fills one or more field slots.
type FieldsExtracted struct {
	CallID     string   `json:"call_id"`
	AgentID    string   `json:"agent_id"`
	FieldNames []string `json:"field_names"`
}

// Category implements the Message interface.
func (m *FieldsExtracted) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// INTERRUPTION EVENTS
// =============================================================================

// UserInterrupted is emitted when the caller starts speaking over the agent.
type UserInterrupted struct {
	CallID           string         `json:"call_id"`
	InterruptID      string         `json:"interrupt_id"`
	AgentWasSpeaking bool           `json:"agent_was_speaking"`
	InterruptType    string         `json:"interrupt_type"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Category implements the Message interface.
func (m *UserInterrupted) Category() string { return string(MessageCategoryEvent) }

// InterruptCompleted is emitted once the interrupting utterance is captured.
type InterruptCompleted struct {
	CallID        string `json:"call_id"`
	InterruptID   string `json:"interrupt_id"`
	UserUtterance string `json:"user_utterance"`
}

// Category implements the Message interface.
func (m *InterruptCompleted) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// SPEECH COMMANDS
// =============================================================================

// PauseAgentSpeech asks the audio layer to stop the agent's current speech.
// The engine only emits the request. A telephony adapter owns the handler.
type PauseAgentSpeech struct {
	CallID      string `json:"call_id"`
	InterruptID string `json:"interrupt_id"`
	Reason      string `json:"reason"`
}

// Category implements the Message interface.
func (m *PauseAgentSpeech) Category() string { return string(MessageCategoryCommand) }

// =============================================================================
// CACHE COMMANDS
// =============================================================================

// InvalidateAgentConfig drops cached agent configuration.
type InvalidateAgentConfig struct {
	AgentID *string `json:"agent_id,omitempty"` // nil = invalidate all
}

// Category implements the Message interface.
func (m *InvalidateAgentConfig) Category() string { return string(MessageCategoryCommand) }

// =============================================================================
// CONFIG QUERIES
// =============================================================================

// GetAgentConfig queries the field schema and intents for an agent.
// Handlers respond with *agentconfig.AgentConfig.
type GetAgentConfig struct {
	AgentID string `json:"agent_id"`
}

// Category implements the Message interface.
func (m *GetAgentConfig) Category() string { return string(MessageCategoryQuery) }

// IsQuery implements the Query interface.
func (m *GetAgentConfig) IsQuery() {}

// GetSettings queries engine settings.
type GetSettings struct {
	Key *string `json:"key,omitempty"` // nil = get all settings
}

// Category implements the Message interface.
func (m *GetSettings) Category() string { return string(MessageCategoryQuery) }

// IsQuery implements the Query interface.
func (m *GetSettings) IsQuery() {}

// SettingsResponse is the response for GetSettings query.
type SettingsResponse struct {
	Values map[string]any `json:"values"`
}

// =============================================================================
// HEALTH CHECK
// =============================================================================

// HealthCheckRequest requests health check from a component.
type HealthCheckRequest struct {
	Component string `json:"component"` // "engine", "contexts", "interrupts"
}

// Category implements the Message interface.
func (m *HealthCheckRequest) Category() string { return string(MessageCategoryQuery) }

// IsQuery implements the Query interface.
func (m *HealthCheckRequest) IsQuery() {}

// HealthCheckResponse is the response for HealthCheckRequest.
type HealthCheckResponse struct {
	Component string         `json:"component"`
	Status    string         `json:"status"` // "healthy", "degraded", "unhealthy"
	Details   map[string]any `json:"details,omitempty"`
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// TypedMessage is an optional interface for messages that can provide their own type name.
// This is useful for dynamically-typed messages like those from gRPC.
type TypedMessage interface {
	Message
	MessageType() string
}

// GetMessageType returns the type name of a message for routing.
func GetMessageType(msg Message) string {
	// First check if the message can provide its own type
	if typed, ok := msg.(TypedMessage); ok {
		return typed.MessageType()
	}

	switch msg.(type) {
	case *CallStarted:
		return "CallStarted"
	case *CallEnded:
		return "CallEnded"
	case *CallContextExpired:
		return "CallContextExpired"
	case *IntentRouted:
		return "IntentRouted"
	case *FieldsExtracted:
		return "FieldsExtracted"
	case *UserInterrupted:
		return "UserInterrupted"
	case *InterruptCompleted:
		return "InterruptCompleted"
	case *PauseAgentSpeech:
		return "PauseAgentSpeech"
	case *InvalidateAgentConfig:
		return "InvalidateAgentConfig"
	case *GetAgentConfig:
		return "GetAgentConfig"
	case *GetSettings:
		return "GetSettings"
	case *HealthCheckRequest:
		return "HealthCheckRequest"
	default:
		return "Unknown"
	}
}
