package conversation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/callflow/coreengine/agentconfig"
	"github.com/jeeves-cluster-organization/callflow/coreengine/callmap"
	"github.com/jeeves-cluster-organization/callflow/coreengine/normalize"
	"github.com/jeeves-cluster-organization/callflow/coreengine/observability"
)

// Logger is the logging interface used by the store.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// =============================================================================
// Configuration
// =============================================================================

// StoreConfig configures a Store.
type StoreConfig struct {
	// TTL is how long a context may go without an update before the sweep
	// removes it (default: 1 hour).
	TTL time.Duration
	// SweepInterval is how often the sweep runs (default: 1 minute). A
	// negative value disables the background sweep.
	SweepInterval time.Duration
	// Shards is the lock-stripe count of the call map.
	Shards int
	// Ruleset drives phone and postcode extraction (default: Australia).
	Ruleset *normalize.Ruleset
}

// DefaultStoreConfig returns the default store configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		TTL:           1 * time.Hour,
		SweepInterval: 1 * time.Minute,
		Shards:        callmap.DefaultShards,
		Ruleset:       normalize.Australia,
	}
}

// Option customizes a Store.
type Option func(*Store)

// WithClock replaces time.Now for timestamps and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithExpiryHook registers fn to receive a snapshot of every context the
// sweep removes. Hooks run after the context has left the store.
func WithExpiryHook(fn func(*Context)) Option {
	return func(s *Store) { s.onExpire = append(s.onExpire, fn) }
}

// =============================================================================
// Store
// =============================================================================

// Store holds one Context per active call.
//
// Each call's context is guarded by its own lock, so concurrent work on
// different calls never serializes. The TTL sweep starts on construction and
// stops on Close.
//
// Usage:
//
//	store := NewStore(provider, DefaultStoreConfig(), logger)
//	defer store.Close()
//
//	_, err := store.Initialize(ctx, callID, agentID)
//	extracted, err := store.Update(callID, "my email is a@b.com")
//	missing, err := store.MissingRequiredFields(callID)
type Store struct {
	provider  agentconfig.Provider
	config    StoreConfig
	extractor *Extractor
	logger    Logger
	now       func() time.Time
	onExpire  []func(*Context)

	calls *callmap.Map[*Context]

	stopSweep func()
	closeOnce sync.Once
}

// NewStore creates a store that resolves field schemas through provider and
// starts the background sweep.
func NewStore(provider agentconfig.Provider, config StoreConfig, logger Logger, opts ...Option) *Store {
	def := DefaultStoreConfig()
	if config.TTL <= 0 {
		config.TTL = def.TTL
	}
	if config.SweepInterval == 0 {
		config.SweepInterval = def.SweepInterval
	}
	if config.Ruleset == nil {
		config.Ruleset = def.Ruleset
	}

	s := &Store{
		provider:  provider,
		config:    config,
		extractor: NewExtractor(config.Ruleset),
		logger:    logger,
		now:       time.Now,
		calls:     callmap.New[*Context](config.Shards),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.stopSweep = s.startSweepLoop(config.SweepInterval)
	return s
}

// Extractor returns the store's field extractor.
func (s *Store) Extractor() *Extractor {
	return s.extractor
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

// with runs fn on the live context for callID.
func (s *Store) with(callID string, fn func(c *Context) error) error {
	found, err := s.calls.With(callID, fn)
	if !found {
		return &ContextNotFoundError{CallID: callID}
	}
	return err
}

// mutate is with plus an UpdatedAt bump.
func (s *Store) mutate(callID string, fn func(c *Context) error) error {
	return s.with(callID, func(c *Context) error {
		if err := fn(c); err != nil {
			return err
		}
		c.UpdatedAt = s.timestamp()
		return nil
	})
}

// =============================================================================
// Lifecycle
// =============================================================================

// Initialize creates a fresh context for callID from the agent's current
// field schema, replacing any existing one. It fails when the agent cannot
// be resolved.
func (s *Store) Initialize(ctx context.Context, callID, agentID string, routingPath ...string) (*Context, error) {
	cfg, err := s.provider.GetAgentConfig(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("initialize context for call %s: %w", callID, err)
	}

	c := newContext(callID, agentID, cfg.Fields, routingPath, s.timestamp())
	snapshot := c.Clone()
	s.calls.Store(callID, c)
	observability.SetActiveContexts(s.calls.Len())

	if s.logger != nil {
		s.logger.Info("context_initialized",
			"call_id", callID,
			"agent_id", agentID,
			"fields", len(c.schema),
		)
	}
	return snapshot, nil
}

// Clear removes the context for callID. It reports whether one existed.
func (s *Store) Clear(callID string) bool {
	_, ok := s.calls.Delete(callID)
	if ok {
		observability.SetActiveContexts(s.calls.Len())
		if s.logger != nil {
			s.logger.Debug("context_cleared", "call_id", callID)
		}
	}
	return ok
}

// Len returns the number of live contexts.
func (s *Store) Len() int {
	return s.calls.Len()
}

// Close stops the background sweep. It is safe to call more than once.
// Contexts remain readable after Close.
func (s *Store) Close() {
	s.closeOnce.Do(s.stopSweep)
}

// =============================================================================
// Extraction
// =============================================================================

// Update records utterance as the caller's latest response and extracts a
// value for every field not yet filled in this call. It returns the names of
// newly filled fields in asking order.
//
// FailedAttempts resets to zero when the utterance is non-empty or a field
// was filled.
func (s *Store) Update(callID, utterance string) ([]string, error) {
	var extracted []string
	err := s.mutate(callID, func(c *Context) error {
		now := s.timestamp()
		for _, f := range c.schema {
			if c.Fields[f.FieldName].Filled {
				continue
			}
			e, ok := s.extractor.Extract(f, utterance)
			if !ok {
				continue
			}
			ts := now
			c.Fields[f.FieldName] = FieldValue{
				Value:       e.Value,
				RawValue:    e.Raw,
				SpokenValue: e.Spoken,
				Filled:      true,
				Timestamp:   &ts,
				Source:      SourceUser,
			}
			extracted = append(extracted, f.FieldName)
			observability.RecordFieldExtracted(string(f.DataType))
		}

		c.LastUserResponse = utterance
		if strings.TrimSpace(utterance) != "" || len(extracted) > 0 {
			c.FailedAttempts = 0
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(extracted) > 0 && s.logger != nil {
		s.logger.Debug("fields_extracted", "call_id", callID, "fields", extracted)
	}
	return extracted, nil
}

// SetField writes a value directly, for values supplied by the agent or the
// host system rather than extracted from speech. A spoken form is kept only
// when non-empty.
func (s *Store) SetField(callID, fieldName string, value any, spoken string, source Source) error {
	return s.mutate(callID, func(c *Context) error {
		if _, ok := c.field(fieldName); !ok {
			return &FieldNotFoundError{CallID: callID, FieldName: fieldName}
		}
		ts := s.timestamp()
		c.Fields[fieldName] = FieldValue{
			Value:       value,
			RawValue:    fmt.Sprint(value),
			SpokenValue: spoken,
			Filled:      true,
			Timestamp:   &ts,
			Source:      source,
		}
		return nil
	})
}

// =============================================================================
// Reads
// =============================================================================

// Get returns a snapshot of the context for callID.
func (s *Store) Get(callID string) (*Context, error) {
	var snapshot *Context
	err := s.with(callID, func(c *Context) error {
		snapshot = c.Clone()
		return nil
	})
	return snapshot, err
}

// Field returns one field's current value.
func (s *Store) Field(callID, fieldName string) (FieldValue, error) {
	var out FieldValue
	err := s.with(callID, func(c *Context) error {
		v, ok := c.Fields[fieldName]
		if !ok {
			return &FieldNotFoundError{CallID: callID, FieldName: fieldName}
		}
		out = v
		return nil
	})
	return out, err
}

// IsFilled reports whether fieldName holds a value. Unknown calls and fields
// report false.
func (s *Store) IsFilled(callID, fieldName string) bool {
	v, err := s.Field(callID, fieldName)
	return err == nil && v.Filled
}

// IsConfirmed reports whether the caller accepted fieldName's value.
func (s *Store) IsConfirmed(callID, fieldName string) bool {
	v, err := s.Field(callID, fieldName)
	return err == nil && v.Confirmed
}

// SpokenFormat returns the readback form of fieldName: its spoken value when
// one was recorded, otherwise its value as text.
func (s *Store) SpokenFormat(callID, fieldName string) (string, bool) {
	v, err := s.Field(callID, fieldName)
	if err != nil || !v.Filled {
		return "", false
	}
	return v.Spoken(), true
}

// MissingRequiredFields returns required fields that are still unfilled, in
// asking order.
func (s *Store) MissingRequiredFields(callID string) ([]string, error) {
	var missing []string
	err := s.with(callID, func(c *Context) error {
		missing = c.MissingRequired()
		return nil
	})
	return missing, err
}

// NextUnfilledField returns the unfilled field with the lowest display
// order, ties broken by declaration order. It returns nil once every field is
// filled.
func (s *Store) NextUnfilledField(callID string) (*agentconfig.FieldSchema, error) {
	var next *agentconfig.FieldSchema
	err := s.with(callID, func(c *Context) error {
		if f, ok := c.NextUnfilled(); ok {
			next = &f
		}
		return nil
	})
	return next, err
}

// =============================================================================
// Mutators
// =============================================================================

// ConfirmField marks fieldName as accepted by the caller.
func (s *Store) ConfirmField(callID, fieldName string) error {
	return s.mutate(callID, func(c *Context) error {
		v, ok := c.Fields[fieldName]
		if !ok {
			return &FieldNotFoundError{CallID: callID, FieldName: fieldName}
		}
		v.Confirmed = true
		c.Fields[fieldName] = v
		return nil
	})
}

// IncrementFailedAttempts bumps the consecutive-failure counter and returns
// the new count.
func (s *Store) IncrementFailedAttempts(callID string) (int, error) {
	var n int
	err := s.mutate(callID, func(c *Context) error {
		c.FailedAttempts++
		n = c.FailedAttempts
		return nil
	})
	return n, err
}

// IncrementInterruptCount bumps the barge-in counter and returns the new
// count.
func (s *Store) IncrementInterruptCount(callID string) (int, error) {
	var n int
	err := s.mutate(callID, func(c *Context) error {
		c.InterruptCount++
		n = c.InterruptCount
		return nil
	})
	return n, err
}

// AppendRoutingPath appends routing block names to the audit trail.
func (s *Store) AppendRoutingPath(callID string, blocks ...string) error {
	return s.mutate(callID, func(c *Context) error {
		c.RoutingPath = append(c.RoutingPath, blocks...)
		return nil
	})
}

// SetCurrentStep records the conversation step the call is on.
func (s *Store) SetCurrentStep(callID, step string) error {
	return s.mutate(callID, func(c *Context) error {
		c.CurrentStep = step
		return nil
	})
}

// SetLastQuestion records the last question the agent asked.
func (s *Store) SetLastQuestion(callID, question string) error {
	return s.mutate(callID, func(c *Context) error {
		c.LastQuestion = question
		return nil
	})
}
