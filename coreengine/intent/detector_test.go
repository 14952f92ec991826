package intent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

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

func (l *testLogger) count(s string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, entry := range l.logs {
		if strings.Contains(entry, s) {
			n++
		}
	}
	return n
}

func newTestDetector(t *testing.T, intents ...agentconfig.IntentDefinition) (*Detector, *testLogger) {
	t.Helper()
	provider, err := agentconfig.NewStaticProvider(&agentconfig.AgentConfig{
		AgentID: "agent-1",
		Intents: intents,
	})
	require.NoError(t, err)

	logger := &testLogger{}
	return NewDetector(provider, DefaultConfig(), logger), logger
}

func semantic(name, action string, threshold float64, samples ...string) agentconfig.IntentDefinition {
	return agentconfig.IntentDefinition{
		Name:                name,
		MatchingType:        agentconfig.MatchingSemantic,
		SampleUtterances:    samples,
		RoutingAction:       action,
		Enabled:             true,
		ConfidenceThreshold: threshold,
	}
}

func regexIntent(name, action, pattern string) agentconfig.IntentDefinition {
	return agentconfig.IntentDefinition{
		Name:          name,
		MatchingType:  agentconfig.MatchingRegex,
		RegexPattern:  pattern,
		RoutingAction: action,
		Enabled:       true,
	}
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestDetect_CallbackParaphrase(t *testing.T) {
	d, _ := newTestDetector(t, semantic("Request Callback", "callback", 0.7, "Call me back"))

	match, err := d.Detect(context.Background(), "agent-1", "I'd like someone to contact me")
	require.NoError(t, err)
	require.NotNil(t, match)

	assert.Equal(t, "Request Callback", match.IntentName)
	assert.Equal(t, "callback", match.RoutingAction)
	assert.Equal(t, agentconfig.MatchingSemantic, match.MatchingType)
	assert.GreaterOrEqual(t, match.Confidence, 0.7)
}

func TestDetect_RegexStopRecording(t *testing.T) {
	d, _ := newTestDetector(t, regexIntent("Stop Recording", "opt-out", "/stop.*recording/i"))

	match, err := d.Detect(context.Background(), "agent-1", "Please stop the recording")
	require.NoError(t, err)
	require.NotNil(t, match)

	assert.Equal(t, 1.0, match.Confidence)
	assert.Equal(t, agentconfig.MatchingRegex, match.MatchingType)
	assert.Equal(t, "opt-out", match.RoutingAction)
}

func TestDetect_DeclarationOrderDecides(t *testing.T) {
	sem := semantic("Stop Recording Phrase", "end-call", 0.7, "please stop the recording")
	re := regexIntent("Stop Recording Pattern", "opt-out", "/stop.*recording/i")
	utterance := "Please stop the recording"

	d, _ := newTestDetector(t, sem, re)
	match, err := d.Detect(context.Background(), "agent-1", utterance)
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, "Stop Recording Phrase", match.IntentName)
	assert.Equal(t, agentconfig.MatchingKeyword, match.MatchingType)

	d, _ = newTestDetector(t, re, sem)
	match, err = d.Detect(context.Background(), "agent-1", utterance)
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, "Stop Recording Pattern", match.IntentName)
	assert.Equal(t, 1.0, match.Confidence)
}

func TestDetect_DisabledIntentNeverMatches(t *testing.T) {
	disabled := regexIntent("Anything", "transfer", ".*")
	disabled.Enabled = false
	exact := semantic("Callback", "callback", 0.7, "call me back")
	exact.Enabled = false

	d, _ := newTestDetector(t, disabled, exact)

	for _, utterance := range []string{"call me back", "anything at all", "Call me back!"} {
		match, err := d.Detect(context.Background(), "agent-1", utterance)
		require.NoError(t, err)
		assert.Nil(t, match, utterance)
	}
}

func TestDetect_EmptyUtterance(t *testing.T) {
	var calls int32
	provider := agentconfig.ProviderFunc(func(ctx context.Context, agentID string) (*agentconfig.AgentConfig, error) {
		atomic.AddInt32(&calls, 1)
		return &agentconfig.AgentConfig{AgentID: agentID}, nil
	})
	d := NewDetector(provider, DefaultConfig(), nil)

	for _, utterance := range []string{"", "   ", "\t\n"} {
		match, err := d.Detect(context.Background(), "agent-1", utterance)
		assert.NoError(t, err)
		assert.Nil(t, match)
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestDetect_ProviderError(t *testing.T) {
	d, _ := newTestDetector(t, semantic("Callback", "callback", 0.7, "call me back"))

	_, err := d.Detect(context.Background(), "unknown-agent", "call me back")
	assert.True(t, errors.Is(err, agentconfig.ErrAgentNotFound))
}

func TestDetect_InvalidRegexSkipped(t *testing.T) {
	d, logger := newTestDetector(t,
		regexIntent("Broken", "transfer", "/(unclosed/i"),
		regexIntent("Working", "voicemail", "voicemail"),
	)

	for i := 0; i < 3; i++ {
		match, err := d.Detect(context.Background(), "agent-1", "go to voicemail")
		require.NoError(t, err)
		require.NotNil(t, match)
		assert.Equal(t, "Working", match.IntentName)
	}
	assert.Equal(t, 1, logger.count("intent_regex_invalid"), "invalid pattern logged once")
}

func TestDetect_NoMatch(t *testing.T) {
	d, _ := newTestDetector(t,
		semantic("Callback", "callback", 0.7, "call me back"),
		regexIntent("Stop", "opt-out", "/stop.*recording/i"),
	)

	match, err := d.Detect(context.Background(), "agent-1", "what colour is the sky")
	require.NoError(t, err)
	assert.Nil(t, match)
}

// =============================================================================
// STAGES
// =============================================================================

func TestMatch_KeywordExact(t *testing.T) {
	d, _ := newTestDetector(t)
	match := d.Match([]agentconfig.IntentDefinition{semantic("Callback", "callback", 0.7, "Call me back")}, "call me back.")

	require.NotNil(t, match)
	assert.Equal(t, agentconfig.MatchingKeyword, match.MatchingType)
	assert.Equal(t, 1.0, match.Confidence)
	assert.Equal(t, "Call me back", match.MatchedSample)
}

func TestMatch_KeywordBelowThresholdFallsThrough(t *testing.T) {
	d, _ := newTestDetector(t)
	// Containment scores 12/23 which clears the 0.5 keyword gate but not the
	// 0.7 intent threshold, so the concept stage decides.
	match := d.Match([]agentconfig.IntentDefinition{semantic("Callback", "callback", 0.7, "call me back")}, "please call me back now")

	require.NotNil(t, match)
	assert.Equal(t, agentconfig.MatchingSemantic, match.MatchingType)
	assert.InDelta(t, 0.85, match.Confidence, 1e-9)
}

func TestMatch_Jaccard(t *testing.T) {
	d, _ := newTestDetector(t)
	match := d.Match([]agentconfig.IntentDefinition{
		semantic("Emergency", "transfer", 0.5, "I need an emergency plumber"),
	}, "emergency plumber needed")

	require.NotNil(t, match)
	assert.Equal(t, agentconfig.MatchingSemantic, match.MatchingType)
	assert.InDelta(t, 0.7, match.Confidence, 1e-9)
}

func TestMatch_DefaultThresholdFromConfig(t *testing.T) {
	intents := []agentconfig.IntentDefinition{semantic("Emergency", "transfer", 0, "I need an emergency plumber")}

	tests := []struct {
		name      string
		threshold float64
		wantMatch bool
	}{
		{"below configured default", 0.75, false},
		{"above configured default", 0.6, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.ConceptWeight = 0
			cfg.DefaultThreshold = tt.threshold
			d := NewDetector(nil, cfg, nil)

			match := d.Match(intents, "emergency plumber needed")
			assert.Equal(t, tt.wantMatch, match != nil)
		})
	}
}

func TestMatch_ConceptStageDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConceptWeight = 0
	d := NewDetector(nil, cfg, nil)

	match := d.Match([]agentconfig.IntentDefinition{semantic("Callback", "callback", 0.7, "Call me back")}, "I'd like someone to contact me")
	assert.Nil(t, match)
}

func TestMatch_ConceptStageRespectsNegation(t *testing.T) {
	d, _ := newTestDetector(t)
	intents := []agentconfig.IntentDefinition{
		semantic("Callback", "callback", 0.7, "Call me back"),
		semantic("Opt Out", "opt-out", 0.7, "stop calling me"),
	}

	tests := []struct {
		utterance  string
		wantAction string
	}{
		{"don't call me back", "opt-out"},
		{"please don't contact me again, remove me from your list", "opt-out"},
		{"no need to ring me back", ""},
		{"never contact me", ""},
		{"ring me back, I'm not interested in anything else", ""},
		{"I'd like someone to contact me", "callback"},
	}

	for _, tt := range tests {
		t.Run(tt.utterance, func(t *testing.T) {
			match := d.Match(intents, tt.utterance)
			if tt.wantAction == "" {
				assert.Nil(t, match)
				return
			}
			require.NotNil(t, match)
			assert.Equal(t, tt.wantAction, match.RoutingAction)
		})
	}
}

func TestMatch_CustomLexicon(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Lexicon = Lexicon{"booking": {"book", "appointment", "schedule"}}
	d := NewDetector(nil, cfg, nil)

	intents := []agentconfig.IntentDefinition{semantic("Book", "book-job", 0.7, "I want to book a job")}
	match := d.Match(intents, "can I get an appointment for Tuesday")

	require.NotNil(t, match)
	assert.Equal(t, "book-job", match.RoutingAction)
}

func TestMatch_RegexAgainstLowercasedUtterance(t *testing.T) {
	d, _ := newTestDetector(t)
	// Explicit flags without i are case-sensitive, but the lowercased
	// utterance is tested as well.
	match := d.Match([]agentconfig.IntentDefinition{regexIntent("Stop", "opt-out", "/stop/g")}, "STOP NOW")
	require.NotNil(t, match)
	assert.Equal(t, "Stop", match.IntentName)
}

func TestMatch_IntentIDDefaultsToName(t *testing.T) {
	d, _ := newTestDetector(t)
	match := d.Match([]agentconfig.IntentDefinition{regexIntent("Voicemail", "voicemail", "voicemail")}, "voicemail please")
	require.NotNil(t, match)
	assert.Equal(t, "Voicemail", match.IntentID)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestDetect_Concurrent(t *testing.T) {
	d, _ := newTestDetector(t,
		regexIntent("Stop", "opt-out", "/stop.*recording/i"),
		semantic("Callback", "callback", 0.7, "call me back"),
	)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			utterance := "call me back"
			if i%2 == 0 {
				utterance = "stop recording"
			}
			match, err := d.Detect(context.Background(), "agent-1", utterance)
			assert.NoError(t, err)
			assert.NotNil(t, match)
		}(i)
	}
	wg.Wait()
}
