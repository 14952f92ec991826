package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/callflow/coreengine/agentconfig"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testLogger struct {
	logs []string
	mu   sync.Mutex
}

func (l *testLogger) Debug(msg string, keysAndValues ...any) { l.add("DEBUG: " + msg) }
func (l *testLogger) Info(msg string, keysAndValues ...any)  { l.add("INFO: " + msg) }
func (l *testLogger) Warn(msg string, keysAndValues ...any)  { l.add("WARN: " + msg) }
func (l *testLogger) Error(msg string, keysAndValues ...any) { l.add("ERROR: " + msg) }

func (l *testLogger) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = append(l.logs, entry)
}

func (l *testLogger) contains(s string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range l.logs {
		if strings.Contains(entry, s) {
			return true
		}
	}
	return false
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func leadAgent() *agentconfig.AgentConfig {
	return &agentconfig.AgentConfig{
		AgentID: "agent-1",
		Fields: []agentconfig.FieldSchema{
			{FieldName: "name", DataType: agentconfig.DataTypeText, DisplayOrder: 3, NLPExtractionHints: []string{"my name is"}},
			{FieldName: "email", DataType: agentconfig.DataTypeEmail, Required: true, DisplayOrder: 1},
			{FieldName: "phone", DataType: agentconfig.DataTypePhone, Required: true, DisplayOrder: 2},
		},
	}
}

// newTestStore returns a store whose background sweep is disabled.
func newTestStore(t *testing.T, opts ...Option) (*Store, *agentconfig.StaticProvider, *testLogger) {
	t.Helper()
	provider, err := agentconfig.NewStaticProvider(leadAgent())
	require.NoError(t, err)

	cfg := DefaultStoreConfig()
	cfg.SweepInterval = -1
	logger := &testLogger{}
	store := NewStore(provider, cfg, logger, opts...)
	t.Cleanup(store.Close)
	return store, provider, logger
}

func initCall(t *testing.T, s *Store, callID string) {
	t.Helper()
	_, err := s.Initialize(context.Background(), callID, "agent-1")
	require.NoError(t, err)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestInitialize(t *testing.T) {
	clock := newFakeClock()
	s, _, logger := newTestStore(t, WithClock(clock.Now))

	c, err := s.Initialize(context.Background(), "call-1", "agent-1", "greeting")
	require.NoError(t, err)

	assert.Equal(t, "call-1", c.CallID)
	assert.Equal(t, "agent-1", c.AgentID)
	assert.Len(t, c.Fields, 3)
	for name, v := range c.Fields {
		assert.False(t, v.Filled, name)
		assert.Nil(t, v.Value, name)
	}
	assert.Equal(t, []string{"greeting"}, c.RoutingPath)
	assert.Zero(t, c.FailedAttempts)
	assert.Zero(t, c.InterruptCount)
	assert.Equal(t, clock.Now(), c.CreatedAt)
	assert.Equal(t, 1, s.Len())
	assert.True(t, logger.contains("context_initialized"))
}

func TestInitialize_UnknownAgent(t *testing.T) {
	s, _, _ := newTestStore(t)

	_, err := s.Initialize(context.Background(), "call-1", "nobody")
	require.Error(t, err)
	assert.True(t, errors.Is(err, agentconfig.ErrAgentNotFound))
	assert.Equal(t, 0, s.Len())
}

func TestInitialize_SchemaFrozenAtStart(t *testing.T) {
	s, provider, _ := newTestStore(t)
	initCall(t, s, "call-1")

	changed := leadAgent()
	changed.Fields = append(changed.Fields, agentconfig.FieldSchema{FieldName: "postcode", DataType: agentconfig.DataTypeText})
	require.NoError(t, provider.Put(changed))

	c, err := s.Get("call-1")
	require.NoError(t, err)
	assert.Len(t, c.Fields, 3)
	assert.NotContains(t, c.Fields, "postcode")

	initCall(t, s, "call-2")
	c, err = s.Get("call-2")
	require.NoError(t, err)
	assert.Contains(t, c.Fields, "postcode")
}

func TestUninitializedContextErrors(t *testing.T) {
	s, _, _ := newTestStore(t)

	_, err := s.Update("missing", "hello")
	assert.True(t, errors.Is(err, ErrContextNotFound))

	var notFound *ContextNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "missing", notFound.CallID)

	_, err = s.Get("missing")
	assert.True(t, errors.Is(err, ErrContextNotFound))
	assert.True(t, errors.Is(s.ConfirmField("missing", "email"), ErrContextNotFound))
	assert.True(t, errors.Is(s.AppendRoutingPath("missing", "x"), ErrContextNotFound))
	_, err = s.IncrementFailedAttempts("missing")
	assert.True(t, errors.Is(err, ErrContextNotFound))
	_, err = s.MissingRequiredFields("missing")
	assert.True(t, errors.Is(err, ErrContextNotFound))

	assert.False(t, s.IsFilled("missing", "email"))
	_, ok := s.SpokenFormat("missing", "email")
	assert.False(t, ok)
}

func TestClear(t *testing.T) {
	s, _, _ := newTestStore(t)
	initCall(t, s, "call-1")

	assert.True(t, s.Clear("call-1"))
	assert.False(t, s.Clear("call-1"))
	_, err := s.Get("call-1")
	assert.True(t, errors.Is(err, ErrContextNotFound))
}

func TestClose_Idempotent(t *testing.T) {
	provider, err := agentconfig.NewStaticProvider(leadAgent())
	require.NoError(t, err)
	s := NewStore(provider, DefaultStoreConfig(), nil)

	s.Close()
	s.Close()

	_, err = s.Initialize(context.Background(), "call-1", "agent-1")
	assert.NoError(t, err)
}

// =============================================================================
// EXTRACTION
// =============================================================================

func TestUpdate_MissingRequiredAfterEmail(t *testing.T) {
	s, _, _ := newTestStore(t)
	initCall(t, s, "call-1")

	extracted, err := s.Update("call-1", "my email is a@b.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"email"}, extracted)

	missing, err := s.MissingRequiredFields("call-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"phone"}, missing)
}

func TestUpdate_CombinedUtterance(t *testing.T) {
	s, _, _ := newTestStore(t)
	initCall(t, s, "call-1")

	extracted, err := s.Update("call-1", "My name is Jane, email jane@example.com and my phone is 0412 345 678")
	require.NoError(t, err)
	assert.Equal(t, []string{"email", "phone", "name"}, extracted)

	c, err := s.Get("call-1")
	require.NoError(t, err)
	assert.Equal(t, "Jane", c.Fields["name"].Value)
	assert.Equal(t, "jane@example.com", c.Fields["email"].Value)

	phone := c.Fields["phone"]
	assert.Equal(t, "zero four one two, three four five, six seven eight", phone.Value)
	assert.Equal(t, "0412345678", phone.RawValue)
	assert.Equal(t, SourceUser, phone.Source)
	require.NotNil(t, phone.Timestamp)

	missing, err := s.MissingRequiredFields("call-1")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestUpdate_Idempotent(t *testing.T) {
	s, _, _ := newTestStore(t)
	initCall(t, s, "call-1")
	utterance := "my email is a@b.com and my name is Sam"

	first, err := s.Update("call-1", utterance)
	require.NoError(t, err)
	before, err := s.Get("call-1")
	require.NoError(t, err)

	second, err := s.Update("call-1", utterance)
	require.NoError(t, err)
	after, err := s.Get("call-1")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"email", "name"}, first)
	assert.Empty(t, second)
	assert.Equal(t, before.Fields, after.Fields)
}

func TestUpdate_FilledFieldsNotOverwritten(t *testing.T) {
	s, _, _ := newTestStore(t)
	initCall(t, s, "call-1")

	_, err := s.Update("call-1", "a@b.com")
	require.NoError(t, err)
	_, err = s.Update("call-1", "actually c@d.com")
	require.NoError(t, err)

	v, err := s.Field("call-1", "email")
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", v.Value)
}

func TestUpdate_FailedAttemptsReset(t *testing.T) {
	s, _, _ := newTestStore(t)
	initCall(t, s, "call-1")

	for i := 1; i <= 3; i++ {
		n, err := s.IncrementFailedAttempts("call-1")
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	_, err := s.Update("call-1", "   ")
	require.NoError(t, err)
	c, _ := s.Get("call-1")
	assert.Equal(t, 3, c.FailedAttempts, "blank utterance does not forgive")

	_, err = s.Update("call-1", "umm let me think")
	require.NoError(t, err)
	c, _ = s.Get("call-1")
	assert.Equal(t, 0, c.FailedAttempts)
	assert.Equal(t, "umm let me think", c.LastUserResponse)
}

func TestSetField(t *testing.T) {
	s, _, _ := newTestStore(t)
	initCall(t, s, "call-1")

	require.NoError(t, s.SetField("call-1", "name", "Alex", "", SourceAgent))
	v, err := s.Field("call-1", "name")
	require.NoError(t, err)
	assert.Equal(t, "Alex", v.Value)
	assert.Equal(t, SourceAgent, v.Source)
	assert.True(t, v.Filled)

	err = s.SetField("call-1", "nope", "x", "", SourceSystem)
	var fieldErr *FieldNotFoundError
	assert.True(t, errors.As(err, &fieldErr))
}

// =============================================================================
// ACCESSORS
// =============================================================================

func TestNextUnfilledField(t *testing.T) {
	s, _, _ := newTestStore(t)
	initCall(t, s, "call-1")

	next, err := s.NextUnfilledField("call-1")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "email", next.FieldName)

	_, err = s.Update("call-1", "a@b.com")
	require.NoError(t, err)
	next, _ = s.NextUnfilledField("call-1")
	require.NotNil(t, next)
	assert.Equal(t, "phone", next.FieldName)

	_, err = s.Update("call-1", "0412 345 678, my name is Kim")
	require.NoError(t, err)
	next, err = s.NextUnfilledField("call-1")
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestNextUnfilledField_TiesByDeclarationOrder(t *testing.T) {
	provider, err := agentconfig.NewStaticProvider(&agentconfig.AgentConfig{
		AgentID: "agent-1",
		Fields: []agentconfig.FieldSchema{
			{FieldName: "b", DisplayOrder: 1},
			{FieldName: "a", DisplayOrder: 1},
			{FieldName: "c", DisplayOrder: 0},
		},
	})
	require.NoError(t, err)
	cfg := DefaultStoreConfig()
	cfg.SweepInterval = -1
	s := NewStore(provider, cfg, nil)
	defer s.Close()
	initCall(t, s, "call-1")

	var order []string
	for {
		next, err := s.NextUnfilledField("call-1")
		require.NoError(t, err)
		if next == nil {
			break
		}
		order = append(order, next.FieldName)
		require.NoError(t, s.SetField("call-1", next.FieldName, "x", "", SourceSystem))
	}
	assert.Equal(t, []string{"c", "b", "a"}, order)
}

func TestConfirmField(t *testing.T) {
	s, _, _ := newTestStore(t)
	initCall(t, s, "call-1")

	_, err := s.Update("call-1", "0412 345 678")
	require.NoError(t, err)
	assert.True(t, s.IsFilled("call-1", "phone"))
	assert.False(t, s.IsConfirmed("call-1", "phone"))

	require.NoError(t, s.ConfirmField("call-1", "phone"))
	assert.True(t, s.IsConfirmed("call-1", "phone"))

	var fieldErr *FieldNotFoundError
	assert.True(t, errors.As(s.ConfirmField("call-1", "fax"), &fieldErr))
}

func TestSpokenFormat(t *testing.T) {
	s, _, _ := newTestStore(t)
	initCall(t, s, "call-1")

	_, ok := s.SpokenFormat("call-1", "phone")
	assert.False(t, ok, "unfilled")

	_, err := s.Update("call-1", "a@b.com 0412 345 678")
	require.NoError(t, err)

	spoken, ok := s.SpokenFormat("call-1", "phone")
	assert.True(t, ok)
	assert.Equal(t, "zero four one two, three four five, six seven eight", spoken)

	spoken, ok = s.SpokenFormat("call-1", "email")
	assert.True(t, ok)
	assert.Equal(t, "a@b.com", spoken)
}

func TestCountersAndPath(t *testing.T) {
	clock := newFakeClock()
	s, _, _ := newTestStore(t, WithClock(clock.Now))
	initCall(t, s, "call-1")

	clock.Advance(time.Minute)
	n, err := s.IncrementInterruptCount("call-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, s.AppendRoutingPath("call-1", "intake", "callback"))
	require.NoError(t, s.SetCurrentStep("call-1", "collect_phone"))
	require.NoError(t, s.SetLastQuestion("call-1", "What's the best number?"))

	c, err := s.Get("call-1")
	require.NoError(t, err)
	assert.Equal(t, 1, c.InterruptCount)
	assert.Equal(t, []string{"intake", "callback"}, c.RoutingPath)
	assert.Equal(t, "collect_phone", c.CurrentStep)
	assert.Equal(t, "What's the best number?", c.LastQuestion)
	assert.Equal(t, clock.Now(), c.UpdatedAt)
	assert.True(t, c.UpdatedAt.After(c.CreatedAt))
}

func TestGet_ReturnsSnapshot(t *testing.T) {
	s, _, _ := newTestStore(t)
	initCall(t, s, "call-1")
	require.NoError(t, s.AppendRoutingPath("call-1", "intake"))

	c, err := s.Get("call-1")
	require.NoError(t, err)
	c.RoutingPath[0] = "tampered"
	c.Fields["email"] = FieldValue{Value: "x", Filled: true}

	fresh, err := s.Get("call-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"intake"}, fresh.RoutingPath)
	assert.False(t, fresh.Fields["email"].Filled)
}

// =============================================================================
// TTL SWEEP
// =============================================================================

func TestSweep_RemovesOnlyStaleContexts(t *testing.T) {
	clock := newFakeClock()
	var expired []string
	var mu sync.Mutex
	s, _, logger := newTestStore(t, WithClock(clock.Now), WithExpiryHook(func(c *Context) {
		mu.Lock()
		defer mu.Unlock()
		expired = append(expired, c.CallID)
	}))

	initCall(t, s, "stale")
	initCall(t, s, "active")

	clock.Advance(40 * time.Minute)
	_, err := s.Update("active", "still here")
	require.NoError(t, err)

	clock.Advance(21 * time.Minute)
	removed := s.Sweep()

	require.Len(t, removed, 1)
	assert.Equal(t, "stale", removed[0].CallID)
	assert.Equal(t, []string{"stale"}, expired)
	assert.True(t, logger.contains("contexts_expired"))

	_, err = s.Get("stale")
	assert.True(t, errors.Is(err, ErrContextNotFound))
	_, err = s.Get("active")
	assert.NoError(t, err)
}

func TestSweep_ExactlyAtTTLSurvives(t *testing.T) {
	clock := newFakeClock()
	s, _, _ := newTestStore(t, WithClock(clock.Now))
	initCall(t, s, "call-1")

	clock.Advance(time.Hour)
	assert.Empty(t, s.Sweep())

	clock.Advance(time.Second)
	assert.Len(t, s.Sweep(), 1)
}

func TestSweepLoop_RunsInBackground(t *testing.T) {
	provider, err := agentconfig.NewStaticProvider(leadAgent())
	require.NoError(t, err)
	clock := newFakeClock()

	cfg := DefaultStoreConfig()
	cfg.SweepInterval = 5 * time.Millisecond
	s := NewStore(provider, cfg, nil, WithClock(clock.Now))
	defer s.Close()

	initCall(t, s, "call-1")
	clock.Advance(2 * time.Hour)

	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSweepLoop_SurvivesPanickingHook(t *testing.T) {
	provider, err := agentconfig.NewStaticProvider(leadAgent())
	require.NoError(t, err)
	clock := newFakeClock()
	logger := &testLogger{}

	cfg := DefaultStoreConfig()
	cfg.SweepInterval = 5 * time.Millisecond
	s := NewStore(provider, cfg, logger, WithClock(clock.Now), WithExpiryHook(func(*Context) {
		panic("hook exploded")
	}))
	defer s.Close()

	initCall(t, s, "call-1")
	clock.Advance(2 * time.Hour)
	assert.Eventually(t, func() bool { return logger.contains("panic_recovered") }, time.Second, 5*time.Millisecond)

	initCall(t, s, "call-2")
	clock.Advance(2 * time.Hour)
	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestConcurrentCalls(t *testing.T) {
	s, _, _ := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			callID := fmt.Sprintf("call-%d", i)
			_, err := s.Initialize(context.Background(), callID, "agent-1")
			assert.NoError(t, err)
			for j := 0; j < 10; j++ {
				_, err := s.Update(callID, fmt.Sprintf("email me at user%d@example.com", i))
				assert.NoError(t, err)
				_, err = s.IncrementInterruptCount(callID)
				assert.NoError(t, err)
			}
			s.Sweep()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, s.Len())
	for i := 0; i < 50; i++ {
		c, err := s.Get(fmt.Sprintf("call-%d", i))
		require.NoError(t, err)
		assert.Equal(t, 10, c.InterruptCount)
		assert.Equal(t, fmt.Sprintf("user%d@example.com", i), c.Fields["email"].Value)
	}
}
