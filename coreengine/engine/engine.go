// Package engine wires the conversation engine together.
//
// The Engine composes:
//   - intent.Detector (utterance to intent)
//   - routing.Dispatcher (intent to action)
//   - conversation.Store (per-call field slots)
//   - interruption.Tracker (barge-in state)
//   - commbus.CommBus (events to the call-orchestration layer)
//
// It is the entry point a telephony host calls for every turn of a call.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/callflow/commbus"
	"github.com/jeeves-cluster-organization/callflow/coreengine/agentconfig"
	"github.com/jeeves-cluster-organization/callflow/coreengine/config"
	"github.com/jeeves-cluster-organization/callflow/coreengine/conversation"
	"github.com/jeeves-cluster-organization/callflow/coreengine/intent"
	"github.com/jeeves-cluster-organization/callflow/coreengine/interruption"
	"github.com/jeeves-cluster-organization/callflow/coreengine/normalize"
	"github.com/jeeves-cluster-organization/callflow/coreengine/routing"
)

var tracer = otel.Tracer("callflow/engine")

// Logger is the logging interface used by the engine.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Metadata keys the engine adds to routing results.
const (
	MetaMissingRequiredFields = "missingRequiredFields"
	MetaNextField             = "nextField"
	MetaExtractedFields       = "extractedFields"
	MetaFailedAttempts        = "failedAttempts"
)

// Supported vendor names for HandleVendorEvent.
const (
	VendorRetell = "retell"
	VendorTwilio = "twilio"
)

// ErrUnknownVendor is returned by HandleVendorEvent for an unsupported vendor.
var ErrUnknownVendor = errors.New("unknown vendor")

// =============================================================================
// Options
// =============================================================================

// Option configures an Engine.
type Option func(*options)

type options struct {
	now     func() time.Time
	lexicon intent.Lexicon
}

// WithClock sets the time source used by the store and the tracker.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLexicon replaces the phrase-concept lexicon used by intent detection.
func WithLexicon(lex intent.Lexicon) Option {
	return func(o *options) { o.lexicon = lex }
}

// =============================================================================
// Engine
// =============================================================================

// Engine runs the per-utterance control flow for many concurrent calls.
//
// Usage:
//
//	eng, err := engine.NewEngine(provider, nil, config.GetCoreConfig(), logger)
//	defer eng.Shutdown(ctx)
//
//	eng.StartCall(ctx, callID, agentID)
//	result, err := eng.HandleUtterance(ctx, callID, "my email is jo@example.com")
//	if result.ShouldEndCall {
//	    eng.EndCall(ctx, callID)
//	}
type Engine struct {
	cfg    *config.CoreConfig
	logger Logger
	bus    commbus.CommBus

	detector   *intent.Detector
	dispatcher *routing.Dispatcher
	store      *conversation.Store
	tracker    *interruption.Tracker

	startedAt    time.Time
	shutdownOnce sync.Once
}

// NewEngine creates an engine. A nil bus gets a fresh one from NewBus and a
// nil cfg uses config.GetCoreConfig. The engine answers GetSettings and
// HealthCheckRequest queries on the bus.
func NewEngine(provider agentconfig.Provider, bus commbus.CommBus, cfg *config.CoreConfig, logger Logger, opts ...Option) (*Engine, error) {
	if provider == nil {
		return nil, errors.New("agent config provider is required")
	}
	if cfg == nil {
		cfg = config.GetCoreConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	if bus == nil {
		bus = NewBus(cfg, logger)
	}

	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		bus:       bus,
		startedAt: o.now().UTC(),
	}

	e.detector = intent.NewDetector(provider, intentConfig(cfg, o.lexicon), logger)
	e.dispatcher = routing.NewDispatcher(e.detector, logger)
	e.tracker = interruption.NewTracker(bus, logger,
		interruption.WithClock(o.now),
		interruption.WithShards(cfg.StoreShards),
	)
	e.store = conversation.NewStore(provider, storeConfig(cfg), logger,
		conversation.WithClock(o.now),
		conversation.WithExpiryHook(e.onContextExpired),
	)

	if err := e.serveQueries(); err != nil {
		e.store.Close()
		return nil, err
	}

	if logger != nil {
		logger.Info("engine_initialized",
			"locale", cfg.Locale,
			"context_ttl", cfg.ContextTTL().String(),
			"store_shards", cfg.StoreShards,
		)
	}
	return e, nil
}

func intentConfig(cfg *config.CoreConfig, lex intent.Lexicon) intent.Config {
	return intent.Config{
		KeywordMinSimilarity: cfg.KeywordMinSimilarity,
		JaccardMinSimilarity: cfg.JaccardMinSimilarity,
		LongWordBoost:        cfg.LongWordBoost,
		LongWordMinLen:       cfg.LongWordMinLen,
		MinTokenLen:          cfg.MinTokenLen,
		ConceptWeight:        cfg.ConceptWeight,
		Lexicon:              lex,
		DefaultThreshold:     cfg.DefaultConfidenceThreshold,
	}
}

func storeConfig(cfg *config.CoreConfig) conversation.StoreConfig {
	return conversation.StoreConfig{
		TTL:           cfg.ContextTTL(),
		SweepInterval: cfg.SweepInterval(),
		Shards:        cfg.StoreShards,
		Ruleset:       normalize.ForLocale(cfg.Locale),
	}
}

// unbrokenTypes bypass the circuit breaker: pause commands and per-agent
// config lookups are never failed fast.
var unbrokenTypes = []string{"HealthCheckRequest", "PauseAgentSpeech", "GetAgentConfig"}

// NewBus creates an in-memory bus with the engine's standard middleware:
// logging and a per-type circuit breaker. Cancellations by the caller are
// not counted as handler failures.
func NewBus(cfg *config.CoreConfig, logger Logger) *commbus.InMemoryCommBus {
	if cfg == nil {
		cfg = config.GetCoreConfig()
	}
	bus := commbus.NewInMemoryCommBus(cfg.QueryTimeout())
	bus.AddMiddleware(commbus.NewLoggingMiddleware(logger))
	bus.AddMiddleware(commbus.NewCircuitBreakerMiddleware(
		cfg.CircuitBreakerThreshold,
		cfg.CircuitBreakerReset(),
		unbrokenTypes,
	).WithFailureFilter(countsAsBusFailure))
	return bus
}

func countsAsBusFailure(_ string, err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, agentconfig.ErrAgentNotFound)
}

// =============================================================================
// Subsystem Access
// =============================================================================

// Store returns the context store.
func (e *Engine) Store() *conversation.Store {
	return e.store
}

// Tracker returns the interruption tracker.
func (e *Engine) Tracker() *interruption.Tracker {
	return e.tracker
}

// Dispatcher returns the routing dispatcher, for registering custom handlers.
func (e *Engine) Dispatcher() *routing.Dispatcher {
	return e.dispatcher
}

// Detector returns the intent detector.
func (e *Engine) Detector() *intent.Detector {
	return e.detector
}

// Bus returns the message bus.
func (e *Engine) Bus() commbus.CommBus {
	return e.bus
}

// Config returns the engine configuration.
func (e *Engine) Config() *config.CoreConfig {
	return e.cfg
}

// =============================================================================
// Call Lifecycle
// =============================================================================

// StartCall initializes the conversation context of callID for agentID.
// Calling it again for the same call starts over with empty fields.
func (e *Engine) StartCall(ctx context.Context, callID, agentID string) (*conversation.Context, error) {
	if strings.TrimSpace(callID) == "" {
		return nil, errors.New("call id is required")
	}
	c, err := e.store.Initialize(ctx, callID, agentID)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, &commbus.CallStarted{CallID: callID, AgentID: agentID})
	return c, nil
}

// EndCall clears the context and any interrupt of callID. It reports
// whether the call had a context.
func (e *Engine) EndCall(ctx context.Context, callID string) bool {
	snap, err := e.store.Get(callID)
	e.tracker.Clear(callID)
	if err != nil {
		return false
	}
	e.store.Clear(callID)
	e.publish(ctx, &commbus.CallEnded{
		CallID:      callID,
		AgentID:     snap.AgentID,
		RoutingPath: snap.RoutingPath,
	})
	if e.logger != nil {
		e.logger.Info("call_ended",
			"call_id", callID,
			"routing_path", strings.Join(snap.RoutingPath, ","),
			"interrupts", snap.InterruptCount,
		)
	}
	return true
}

// onContextExpired runs for every context reaped by the TTL sweep.
func (e *Engine) onContextExpired(c *conversation.Context) {
	e.tracker.Clear(c.CallID)
	e.publish(context.Background(), &commbus.CallContextExpired{
		CallID:    c.CallID,
		AgentID:   c.AgentID,
		UpdatedAt: c.UpdatedAt,
	})
	if n := e.tracker.CleanupStale(e.cfg.InterruptRetention()); n > 0 && e.logger != nil {
		e.logger.Info("stale_interrupts_cleaned", "count", n)
	}
}

// =============================================================================
// Utterances
// =============================================================================

// HandleUtterance runs one caller turn: it fills field slots from the
// utterance, routes it to an action and records the action in the call's
// routing path. The only error is a missing context; routing itself never
// fails.
//
// Besides the handler's metadata the result carries missingRequiredFields,
// nextField (when one remains) and extractedFields.
func (e *Engine) HandleUtterance(ctx context.Context, callID, utterance string) (*routing.Result, error) {
	ctx, span := tracer.Start(ctx, "engine.handle_utterance",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("callflow.call.id", callID)),
	)
	defer span.End()

	extracted, err := e.store.Update(callID, utterance)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	snap, err := e.store.Get(callID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("callflow.agent.id", snap.AgentID))

	result := e.dispatcher.Dispatch(ctx, routing.Request{
		AgentID:         snap.AgentID,
		CallID:          callID,
		Utterance:       utterance,
		CollectedFields: collectedFields(snap),
	})

	// A context cleared mid-turn leaves nothing to record.
	_ = e.store.AppendRoutingPath(callID, result.Action)

	result.Metadata[MetaMissingRequiredFields] = snap.MissingRequired()
	if next, ok := snap.NextUnfilled(); ok {
		result.Metadata[MetaNextField] = next.FieldName
	}
	if len(extracted) > 0 {
		result.Metadata[MetaExtractedFields] = extracted
	}
	if result.IsFallback() && len(extracted) == 0 {
		if n, err := e.store.IncrementFailedAttempts(callID); err == nil {
			result.Metadata[MetaFailedAttempts] = n
		}
	}

	if len(extracted) > 0 {
		e.publish(ctx, &commbus.FieldsExtracted{CallID: callID, AgentID: snap.AgentID, FieldNames: extracted})
	}
	routed := &commbus.IntentRouted{
		CallID:        callID,
		AgentID:       snap.AgentID,
		Action:        result.Action,
		Fallback:      result.IsFallback(),
		ShouldEndCall: result.ShouldEndCall,
	}
	routed.IntentName, _ = result.Metadata[routing.MetaIntentName].(string)
	routed.Confidence, _ = result.Metadata[routing.MetaConfidence].(float64)
	routed.MatchingType, _ = result.Metadata[routing.MetaMatchingType].(string)
	e.publish(ctx, routed)

	span.SetAttributes(
		attribute.String("callflow.routing.action", result.Action),
		attribute.Int("callflow.fields.extracted", len(extracted)),
	)
	span.SetStatus(codes.Ok, result.Action)
	return result, nil
}

func collectedFields(c *conversation.Context) map[string]any {
	fields := make(map[string]any, len(c.Fields))
	for name, fv := range c.Fields {
		if fv.Filled {
			fields[name] = fv.Value
		}
	}
	return fields
}

// =============================================================================
// Interruptions
// =============================================================================

// UserStartedSpeaking records a barge-in for callID and counts it against
// the call's context, when one exists.
func (e *Engine) UserStartedSpeaking(ctx context.Context, callID string, metadata map[string]any) *interruption.Event {
	ev, _ := e.tracker.Apply(ctx, interruption.Command{
		Kind:     interruption.CommandStartedSpeaking,
		CallID:   callID,
		Metadata: metadata,
	})
	e.countInterrupt(callID)
	return ev
}

func (e *Engine) countInterrupt(callID string) {
	if _, err := e.store.IncrementInterruptCount(callID); err != nil && e.logger != nil {
		e.logger.Debug("interrupt_without_context", "call_id", callID)
	}
}

// CaptureInterrupt attaches text to the active interrupt of callID, if any,
// and then handles it as a normal utterance.
func (e *Engine) CaptureInterrupt(ctx context.Context, callID, text string) (*routing.Result, error) {
	e.tracker.CaptureUtterance(ctx, callID, text)
	return e.HandleUtterance(ctx, callID, text)
}

// =============================================================================
// Vendor Events
// =============================================================================

// VendorOutcome is what HandleVendorEvent did with one payload.
type VendorOutcome struct {
	// Handled is false when the payload carried nothing actionable.
	Handled   bool                 `json:"handled"`
	Command   interruption.Command `json:"command"`
	Interrupt *interruption.Event  `json:"interrupt,omitempty"`
	Result    *routing.Result      `json:"result,omitempty"`
	// Ended is set when the payload ended the call.
	Ended bool `json:"ended"`
}

// HandleVendorEvent translates a decoded vendor message (VendorRetell or
// VendorTwilio) and applies it. callID is used when the payload names none.
func (e *Engine) HandleVendorEvent(ctx context.Context, vendor, callID string, payload map[string]any) (*VendorOutcome, error) {
	var cmd interruption.Command
	var ok bool
	switch strings.ToLower(vendor) {
	case VendorRetell:
		cmd, ok = interruption.TranslateRetellEvent(callID, payload)
	case VendorTwilio:
		cmd, ok = interruption.TranslateTwilioEvent(callID, payload)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownVendor, vendor)
	}
	if !ok {
		return &VendorOutcome{}, nil
	}

	out := &VendorOutcome{Handled: true, Command: cmd}
	switch cmd.Kind {
	case interruption.CommandStartedSpeaking:
		out.Interrupt = e.UserStartedSpeaking(ctx, cmd.CallID, cmd.Metadata)
	case interruption.CommandUtterance:
		if ev, captured := e.tracker.Apply(ctx, cmd); captured {
			out.Interrupt = ev
		}
		result, err := e.HandleUtterance(ctx, cmd.CallID, cmd.Text)
		if err != nil {
			return out, err
		}
		out.Result = result
	case interruption.CommandClear:
		out.Ended = e.EndCall(ctx, cmd.CallID)
	}
	return out, nil
}

// =============================================================================
// Status
// =============================================================================

// GetSystemStatus returns a snapshot of engine state.
func (e *Engine) GetSystemStatus() map[string]any {
	return map[string]any{
		"active_contexts":   e.store.Len(),
		"active_interrupts": e.tracker.Len(),
		"actions":           e.dispatcher.Actions(),
		"locale":            e.cfg.Locale,
		"uptime_seconds":    time.Since(e.startedAt).Seconds(),
	}
}

// Shutdown stops background work. Contexts stay readable. Safe to call more
// than once.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.shutdownOnce.Do(func() {
		e.store.Close()
		if e.logger != nil {
			e.logger.Info("engine_shutdown",
				"active_contexts", e.store.Len(),
				"active_interrupts", e.tracker.Len(),
			)
		}
	})
	return ctx.Err()
}

// =============================================================================
// Bus
// =============================================================================

func (e *Engine) publish(ctx context.Context, msg commbus.Message) {
	if err := e.bus.Publish(ctx, msg); err != nil && e.logger != nil {
		e.logger.Warn("event_publish_failed",
			"type", commbus.GetMessageType(msg),
			"error", err.Error(),
		)
	}
}

func (e *Engine) serveQueries() error {
	if err := e.bus.RegisterHandler("GetSettings", e.handleGetSettings); err != nil {
		return fmt.Errorf("register settings query: %w", err)
	}
	if err := e.bus.RegisterHandler("HealthCheckRequest", e.handleHealthCheck); err != nil {
		return fmt.Errorf("register health query: %w", err)
	}
	return nil
}

func (e *Engine) handleGetSettings(_ context.Context, message commbus.Message) (any, error) {
	q, ok := message.(*commbus.GetSettings)
	if !ok {
		return nil, fmt.Errorf("unexpected message %T", message)
	}
	all := e.cfg.ToMap()
	if q.Key == nil {
		return &commbus.SettingsResponse{Values: all}, nil
	}
	values := map[string]any{}
	if v, ok := all[*q.Key]; ok {
		values[*q.Key] = v
	}
	return &commbus.SettingsResponse{Values: values}, nil
}

func (e *Engine) handleHealthCheck(_ context.Context, message commbus.Message) (any, error) {
	q, ok := message.(*commbus.HealthCheckRequest)
	if !ok {
		return nil, fmt.Errorf("unexpected message %T", message)
	}
	component := q.Component
	if component == "" {
		component = "engine"
	}

	details := map[string]any{}
	switch component {
	case "engine":
		details = e.GetSystemStatus()
	case "contexts":
		details["active"] = e.store.Len()
	case "interrupts":
		details["active"] = e.tracker.Len()
	default:
		return &commbus.HealthCheckResponse{
			Component: component,
			Status:    string(commbus.HealthStatusUnknown),
		}, nil
	}
	return &commbus.HealthCheckResponse{
		Component: component,
		Status:    string(commbus.HealthStatusHealthy),
		Details:   details,
	}, nil
}
