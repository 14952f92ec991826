// Package testutil provides shared test utilities and mocks for integration tests.
//
// All mocks in this package are designed for testing the coreengine components
// in isolation without requiring a telephony host.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/callflow/commbus"
	"github.com/jeeves-cluster-organization/callflow/coreengine/agentconfig"
)

// =============================================================================
// MOCK CONFIG PROVIDER
// =============================================================================

// MockProvider implements agentconfig.Provider for testing.
// Configure agents with WithAgent or force failures with Error.
type MockProvider struct {
	// Agents maps agent IDs to configurations.
	Agents map[string]*agentconfig.AgentConfig

	// Delay simulates a slow configuration backend.
	Delay time.Duration

	// Error causes GetAgentConfig to return this error.
	Error error

	// CallCount tracks the number of GetAgentConfig calls.
	CallCount int

	mu sync.Mutex
}

// NewMockProvider creates a MockProvider serving configs.
func NewMockProvider(configs ...*agentconfig.AgentConfig) *MockProvider {
	m := &MockProvider{Agents: make(map[string]*agentconfig.AgentConfig)}
	for _, c := range configs {
		m.WithAgent(c)
	}
	return m
}

// GetAgentConfig implements agentconfig.Provider.
func (m *MockProvider) GetAgentConfig(ctx context.Context, agentID string) (*agentconfig.AgentConfig, error) {
	m.mu.Lock()
	m.CallCount++
	delay := m.Delay
	err := m.Error
	cfg, ok := m.Agents[agentID]
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, agentconfig.NewAgentNotFoundError(agentID)
	}
	return cfg.Clone(), nil
}

// WithAgent adds or replaces an agent configuration.
func (m *MockProvider) WithAgent(cfg *agentconfig.AgentConfig) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Agents[cfg.AgentID] = cfg
	return m
}

// WithError configures the provider to fail.
func (m *MockProvider) WithError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Error = err
	return m
}

// GetCallCount returns the call count (thread-safe).
func (m *MockProvider) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount
}

// =============================================================================
// AGENT FIXTURES
// =============================================================================

// NewLeadAgent returns a lead-capture agent: required email and phone, an
// optional name, and callback, quote and stop-recording intents.
func NewLeadAgent(agentID string) *agentconfig.AgentConfig {
	return &agentconfig.AgentConfig{
		AgentID: agentID,
		Name:    "Lead capture",
		Fields: []agentconfig.FieldSchema{
			{FieldName: "email", DataType: agentconfig.DataTypeEmail, Required: true, DisplayOrder: 1},
			{FieldName: "phone", DataType: agentconfig.DataTypePhone, Required: true, DisplayOrder: 2},
			{FieldName: "name", DataType: agentconfig.DataTypeText, DisplayOrder: 3, NLPExtractionHints: []string{"my name is", "this is"}},
		},
		Intents: []agentconfig.IntentDefinition{
			{
				Name:          "Stop Recording",
				MatchingType:  agentconfig.MatchingRegex,
				RegexPattern:  "/stop.*recording/i",
				RoutingAction: "opt-out",
				Enabled:       true,
			},
			{
				Name:                "Request Callback",
				MatchingType:        agentconfig.MatchingSemantic,
				SampleUtterances:    []string{"Call me back", "Can someone ring me later"},
				RoutingAction:       "callback",
				Enabled:             true,
				ConfidenceThreshold: 0.7,
			},
			{
				Name:             "Get Quote",
				MatchingType:     agentconfig.MatchingSemantic,
				SampleUtterances: []string{"I want a quote", "How much would it cost"},
				RoutingAction:    "quote",
				Enabled:          true,
			},
		},
	}
}

// =============================================================================
// BUS RECORDER
// =============================================================================

// BusRecorder subscribes to event types on a bus and captures what is
// published.
type BusRecorder struct {
	// Events captures all received events in arrival order.
	Events []commbus.Message

	mu sync.Mutex
}

// NewBusRecorder subscribes a recorder to eventTypes on bus.
func NewBusRecorder(bus commbus.CommBus, eventTypes ...string) *BusRecorder {
	r := &BusRecorder{}
	for _, et := range eventTypes {
		bus.Subscribe(et, r.record)
	}
	return r
}

func (r *BusRecorder) record(_ context.Context, msg commbus.Message) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, msg)
	return nil, nil
}

// GetEvents returns a copy of captured events (thread-safe).
func (r *BusRecorder) GetEvents() []commbus.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := make([]commbus.Message, len(r.Events))
	copy(copied, r.Events)
	return copied
}

// OfType returns captured events with the given message type name.
func (r *BusRecorder) OfType(messageType string) []commbus.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []commbus.Message
	for _, e := range r.Events {
		if commbus.GetMessageType(e) == messageType {
			out = append(out, e)
		}
	}
	return out
}

// Clear removes all captured events.
func (r *BusRecorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = nil
}

// =============================================================================
// MOCK SPEECH SINK
// =============================================================================

// MockSpeechSink handles PauseAgentSpeech commands the way an audio layer
// would, recording each request.
type MockSpeechSink struct {
	// Pauses captures every pause request.
	Pauses []*commbus.PauseAgentSpeech

	// Error causes the handler to return this error.
	Error error

	mu sync.Mutex
}

// NewMockSpeechSink registers a sink as the PauseAgentSpeech handler on bus.
func NewMockSpeechSink(bus commbus.CommBus) (*MockSpeechSink, error) {
	s := &MockSpeechSink{}
	if err := bus.RegisterHandler("PauseAgentSpeech", s.handle); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MockSpeechSink) handle(_ context.Context, msg commbus.Message) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := msg.(*commbus.PauseAgentSpeech); ok {
		s.Pauses = append(s.Pauses, p)
	}
	return nil, s.Error
}

// PausedCalls returns the call IDs of recorded pauses in order.
func (s *MockSpeechSink) PausedCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	calls := make([]string, 0, len(s.Pauses))
	for _, p := range s.Pauses {
		calls = append(calls, p.CallID)
	}
	return calls
}

// =============================================================================
// FAKE CLOCK
// =============================================================================

// FakeClock is a manually advanced time source.
type FakeClock struct {
	now time.Time
	mu  sync.Mutex
}

// NewFakeClock starts a clock at a fixed instant.
func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// =============================================================================
// MOCK LOGGER
// =============================================================================

// MockLogger satisfies every package Logger interface for testing.
type MockLogger struct {
	// Logs captures all log entries.
	Logs []LogEntry

	mu sync.Mutex
}

// LogEntry represents a captured log entry.
type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]any
}

// NewMockLogger creates a MockLogger.
func NewMockLogger() *MockLogger {
	return &MockLogger{
		Logs: make([]LogEntry, 0),
	}
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) {
	m.log("debug", msg, keysAndValues...)
}

func (m *MockLogger) Info(msg string, keysAndValues ...any) {
	m.log("info", msg, keysAndValues...)
}

func (m *MockLogger) Warn(msg string, keysAndValues ...any) {
	m.log("warn", msg, keysAndValues...)
}

func (m *MockLogger) Error(msg string, keysAndValues ...any) {
	m.log("error", msg, keysAndValues...)
}

func (m *MockLogger) log(level, msg string, keysAndValues ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fields := make(map[string]any)
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields[key] = keysAndValues[i+1]
		}
	}

	m.Logs = append(m.Logs, LogEntry{
		Level:   level,
		Message: msg,
		Fields:  fields,
	})
}

// GetLogs returns captured logs (thread-safe).
func (m *MockLogger) GetLogs() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]LogEntry, len(m.Logs))
	copy(copied, m.Logs)
	return copied
}

// HasLog checks if a log message exists at the given level.
func (m *MockLogger) HasLog(level, message string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, log := range m.Logs {
		if log.Level == level && log.Message == message {
			return true
		}
	}
	return false
}

// Clear removes all captured logs.
func (m *MockLogger) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Logs = nil
}
