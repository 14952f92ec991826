// Package intent detects which configured caller intent an utterance
// expresses.
//
// Intents are scanned in declaration order and the first one that matches
// wins. There is no ranking across intents, so reordering an agent's
// intents changes which one an ambiguous utterance resolves to.
package intent

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jeeves-cluster-organization/callflow/coreengine/agentconfig"
	"github.com/jeeves-cluster-organization/callflow/coreengine/observability"
)

var tracer = otel.Tracer("callflow/intent")

// Logger is the logging interface used by the detector.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Config holds the matching constants. The defaults are empirical and kept
// for behavioural parity.
type Config struct {
	// KeywordMinSimilarity gates the keyword stage.
	KeywordMinSimilarity float64
	// JaccardMinSimilarity gates the token-overlap stage.
	JaccardMinSimilarity float64
	// LongWordBoost is added per shared word of at least LongWordMinLen runes.
	LongWordBoost  float64
	LongWordMinLen int
	// MinTokenLen drops short words before token overlap.
	MinTokenLen int
	// ConceptWeight scales the phrase-concept stage. Zero disables it.
	ConceptWeight float64
	// Lexicon feeds the phrase-concept stage. Nil uses DefaultLexicon.
	Lexicon Lexicon
	// DefaultThreshold applies to intents without their own threshold.
	DefaultThreshold float64
}

// DefaultConfig returns the standard matching constants.
func DefaultConfig() Config {
	return Config{
		KeywordMinSimilarity: 0.5,
		JaccardMinSimilarity: 0.3,
		LongWordBoost:        0.1,
		LongWordMinLen:       5,
		MinTokenLen:          3,
		ConceptWeight:        0.85,
		DefaultThreshold:     agentconfig.DefaultConfidenceThreshold,
	}
}

// MatchResult is the intent an utterance resolved to.
type MatchResult struct {
	IntentID      string                   `json:"intent_id"`
	IntentName    string                   `json:"intent_name"`
	Confidence    float64                  `json:"confidence"`
	MatchingType  agentconfig.MatchingType `json:"matching_type"`
	RoutingAction string                   `json:"routing_action"`
	// MatchedSample is the sample utterance or pattern that matched.
	MatchedSample string `json:"matched_sample,omitempty"`
}

// Detector resolves utterances against an agent's configured intents.
// Safe for concurrent use.
type Detector struct {
	provider agentconfig.Provider
	cfg      Config
	concepts *conceptIndex
	regexes  regexCache
	logger   Logger
}

// NewDetector creates a detector that loads intents through provider.
func NewDetector(provider agentconfig.Provider, cfg Config, logger Logger) *Detector {
	lex := cfg.Lexicon
	if lex == nil {
		lex = DefaultLexicon()
	}
	return &Detector{
		provider: provider,
		cfg:      cfg,
		concepts: newConceptIndex(lex),
		logger:   logger,
	}
}

// Detect returns the first enabled intent of agentID that matches utterance,
// or nil when none does. An empty utterance never matches. Only a failure to
// load the agent's configuration is returned as an error.
func (d *Detector) Detect(ctx context.Context, agentID, utterance string) (*MatchResult, error) {
	if strings.TrimSpace(utterance) == "" {
		return nil, nil
	}

	ctx, span := tracer.Start(ctx, "intent.detect")
	defer span.End()
	span.SetAttributes(attribute.String("callflow.agent.id", agentID))

	start := time.Now()
	cfg, err := d.provider.GetAgentConfig(ctx, agentID)
	if err != nil {
		observability.RecordIntentDetection(agentID, observability.DetectionError, time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	match := d.Match(cfg.Intents, utterance)
	result := observability.DetectionNone
	if match != nil {
		result = string(match.MatchingType)
		span.SetAttributes(
			attribute.String("callflow.intent.name", match.IntentName),
			attribute.String("callflow.intent.matching_type", result),
			attribute.Float64("callflow.intent.confidence", match.Confidence),
		)
	}
	observability.RecordIntentDetection(agentID, result, time.Since(start))
	span.SetStatus(codes.Ok, result)
	return match, nil
}

// Match runs first-match-wins detection over intents without loading config.
func (d *Detector) Match(intents []agentconfig.IntentDefinition, utterance string) *MatchResult {
	if strings.TrimSpace(utterance) == "" {
		return nil
	}

	for i := range intents {
		def := &intents[i]
		if !def.Enabled {
			continue
		}

		var match *MatchResult
		switch def.MatchingType {
		case agentconfig.MatchingRegex:
			match = d.matchRegex(def, utterance)
		default:
			match = d.matchSemantic(def, utterance)
		}
		if match != nil {
			if d.logger != nil {
				d.logger.Debug("intent_matched",
					"intent", def.Name,
					"matching_type", match.MatchingType,
					"confidence", match.Confidence,
				)
			}
			return match
		}
	}
	return nil
}

func (d *Detector) matchRegex(def *agentconfig.IntentDefinition, utterance string) *MatchResult {
	if def.RegexPattern == "" {
		return nil
	}

	compiled, fresh := d.regexes.get(def.RegexPattern)
	if compiled.err != nil {
		if fresh && d.logger != nil {
			d.logger.Warn("intent_regex_invalid",
				"intent", def.Name,
				"pattern", def.RegexPattern,
				"error", compiled.err.Error(),
			)
		}
		return nil
	}

	if !compiled.re.MatchString(utterance) && !compiled.re.MatchString(strings.ToLower(utterance)) {
		return nil
	}
	return newResult(def, 1.0, agentconfig.MatchingRegex, def.RegexPattern)
}

// matchSemantic runs the keyword, token-overlap and phrase-concept stages in
// order. Within a stage the first sample scoring at least both the stage
// gate and the intent's threshold wins.
func (d *Detector) matchSemantic(def *agentconfig.IntentDefinition, utterance string) *MatchResult {
	threshold := def.Threshold()
	if def.ConfidenceThreshold <= 0 && d.cfg.DefaultThreshold > 0 {
		threshold = d.cfg.DefaultThreshold
	}

	for _, sample := range def.SampleUtterances {
		score := KeywordSimilarity(utterance, sample)
		if score >= d.cfg.KeywordMinSimilarity && score >= threshold {
			return newResult(def, score, agentconfig.MatchingKeyword, sample)
		}
	}

	for _, sample := range def.SampleUtterances {
		score := JaccardSimilarity(utterance, sample, d.cfg)
		if score >= d.cfg.JaccardMinSimilarity && score >= threshold {
			return newResult(def, score, agentconfig.MatchingSemantic, sample)
		}
	}

	if d.cfg.ConceptWeight <= 0 {
		return nil
	}
	for _, sample := range def.SampleUtterances {
		score := d.concepts.similarity(utterance, sample, d.cfg.ConceptWeight)
		if score > 0 && score >= threshold {
			return newResult(def, score, agentconfig.MatchingSemantic, sample)
		}
	}
	return nil
}

func newResult(def *agentconfig.IntentDefinition, confidence float64, mt agentconfig.MatchingType, sample string) *MatchResult {
	id := def.ID
	if id == "" {
		id = def.Name
	}
	return &MatchResult{
		IntentID:      id,
		IntentName:    def.Name,
		Confidence:    confidence,
		MatchingType:  mt,
		RoutingAction: def.RoutingAction,
		MatchedSample: sample,
	}
}
