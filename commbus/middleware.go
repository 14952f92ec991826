package commbus

import (
	"context"
	"log"
	"sync"
	"time"
)

// Logger is the structured logger accepted by LoggingMiddleware.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// CallScoped is implemented by messages that belong to one call.
type CallScoped interface {
	GetCallID() string
}

// GetCallID implements CallScoped.
func (m *CallStarted) GetCallID() string { return m.CallID }

// GetCallID implements CallScoped.
func (m *CallEnded) GetCallID() string { return m.CallID }

// GetCallID implements CallScoped.
func (m *CallContextExpired) GetCallID() string { return m.CallID }

// GetCallID implements CallScoped.
func (m *IntentRouted) GetCallID() string { return m.CallID }

// GetCallID implements CallScoped.
func (m *FieldsExtracted) GetCallID() string { return m.CallID }

// GetCallID implements CallScoped.
func (m *UserInterrupted) GetCallID() string { return m.CallID }

// GetCallID implements CallScoped.
func (m *InterruptCompleted) GetCallID() string { return m.CallID }

// GetCallID implements CallScoped.
func (m *PauseAgentSpeech) GetCallID() string { return m.CallID }

func callIDOf(message Message) string {
	if scoped, ok := message.(CallScoped); ok {
		return scoped.GetCallID()
	}
	return ""
}

// =============================================================================
// LOGGING MIDDLEWARE
// =============================================================================

// LoggingMiddleware logs all message traffic at debug level.
// Without a logger it falls back to the standard log package.
type LoggingMiddleware struct {
	logger Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware.
func NewLoggingMiddleware(logger Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger}
}

// Before logs message receipt.
func (m *LoggingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	msgType := GetMessageType(message)
	if m.logger == nil {
		log.Printf("CommBus: %s %s", message.Category(), msgType)
		return message, nil
	}
	m.logger.Debug("commbus_message",
		"category", message.Category(),
		"type", msgType,
		"call_id", callIDOf(message),
	)
	return message, nil
}

// After logs message completion.
func (m *LoggingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	msgType := GetMessageType(message)
	if m.logger == nil {
		if err != nil {
			log.Printf("CommBus: %s failed: %v", msgType, err)
		}
		return result, nil
	}
	if err != nil {
		m.logger.Warn("commbus_message_failed",
			"type", msgType,
			"call_id", callIDOf(message),
			"error", err.Error(),
		)
	}
	return result, nil
}

// =============================================================================
// CIRCUIT BREAKER MIDDLEWARE
// =============================================================================

// Circuit states.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)

// CircuitBreakerState represents the state for circuit breaker.
type CircuitBreakerState struct {
	Failures    int
	LastFailure time.Time
	State       string
}

// CircuitBreakerMiddleware implements the circuit breaker pattern.
//
// The engine installs one in front of the host's handlers so a failing host
// dependency stops being called on every utterance. Blocked messages fail
// fast with *CircuitOpenError. Failures count consecutively: any success
// while closed resets the count.
type CircuitBreakerMiddleware struct {
	failureThreshold int
	resetTimeout     time.Duration
	excludedTypes    map[string]struct{}
	states           map[string]*CircuitBreakerState
	counts           func(msgType string, err error) bool
	now              func() time.Time
	mu               sync.Mutex
}

// NewCircuitBreakerMiddleware creates a new CircuitBreakerMiddleware.
// A failureThreshold of zero never opens the circuit.
func NewCircuitBreakerMiddleware(failureThreshold int, resetTimeout time.Duration, excludedTypes []string) *CircuitBreakerMiddleware {
	excluded := make(map[string]struct{})
	for _, t := range excludedTypes {
		excluded[t] = struct{}{}
	}

	return &CircuitBreakerMiddleware{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		excludedTypes:    excluded,
		states:           make(map[string]*CircuitBreakerState),
		now:              time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (m *CircuitBreakerMiddleware) WithClock(now func() time.Time) *CircuitBreakerMiddleware {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	return m
}

// WithFailureFilter limits which handler errors count as failures. Errors
// for which counts returns false leave the circuit state unchanged.
func (m *CircuitBreakerMiddleware) WithFailureFilter(counts func(msgType string, err error) bool) *CircuitBreakerMiddleware {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts = counts
	return m
}

// getState gets or creates state for a message type.
func (m *CircuitBreakerMiddleware) getState(msgType string) *CircuitBreakerState {
	if _, exists := m.states[msgType]; !exists {
		m.states[msgType] = &CircuitBreakerState{State: CircuitClosed}
	}
	return m.states[msgType]
}

// Before checks circuit breaker state.
func (m *CircuitBreakerMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	msgType := GetMessageType(message)

	if _, excluded := m.excludedTypes[msgType]; excluded {
		return message, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.getState(msgType)
	if state.State == CircuitOpen {
		if m.now().Sub(state.LastFailure) < m.resetTimeout {
			return nil, NewCircuitOpenError(msgType)
		}
		state.State = CircuitHalfOpen
		log.Printf("Circuit half-open for %s", msgType)
	}

	return message, nil
}

// After updates circuit breaker state based on result.
func (m *CircuitBreakerMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	msgType := GetMessageType(message)

	if _, excluded := m.excludedTypes[msgType]; excluded {
		return result, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.getState(msgType)

	if err == nil {
		state.Failures = 0
		if state.State == CircuitHalfOpen {
			state.State = CircuitClosed
			log.Printf("Circuit closed for %s", msgType)
		}
		return result, nil
	}
	if m.counts != nil && !m.counts(msgType, err) {
		return result, nil
	}

	state.Failures++
	state.LastFailure = m.now()

	switch {
	case state.State == CircuitHalfOpen:
		state.State = CircuitOpen
		log.Printf("Circuit reopened for %s", msgType)
	case m.failureThreshold > 0 && state.Failures >= m.failureThreshold:
		state.State = CircuitOpen
		log.Printf("Circuit opened for %s after %d failures", msgType, state.Failures)
	}

	return result, nil
}

// GetStates returns current circuit states.
func (m *CircuitBreakerMiddleware) GetStates() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make(map[string]string, len(m.states))
	for k, v := range m.states {
		result[k] = v.State
	}
	return result
}

// Reset resets circuit breaker state. A nil msgType resets every type.
func (m *CircuitBreakerMiddleware) Reset(msgType *string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msgType != nil {
		delete(m.states, *msgType)
	} else {
		m.states = make(map[string]*CircuitBreakerState)
	}
}

// Ensure all middleware types implement Middleware interface.
var (
	_ Middleware = (*LoggingMiddleware)(nil)
	_ Middleware = (*CircuitBreakerMiddleware)(nil)
)
