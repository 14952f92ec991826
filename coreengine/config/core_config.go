// Package config holds the conversation engine's tunables: matching
// thresholds, context lifetimes, and store sizing.
//
// Environment parsing does not happen here. The binaries read CALLFLOW_*
// variables, build a map and pass it to CoreConfigFromMap.
package config

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/callflow/coreengine/normalize"
	"github.com/jeeves-cluster-organization/callflow/coreengine/typeutil"
)

// CoreConfig holds engine configuration.
type CoreConfig struct {
	// Intent Matching
	KeywordMinSimilarity       float64 `json:"keyword_min_similarity"`
	JaccardMinSimilarity       float64 `json:"jaccard_min_similarity"`
	LongWordBoost              float64 `json:"long_word_boost"`
	LongWordMinLen             int     `json:"long_word_min_len"`
	MinTokenLen                int     `json:"min_token_len"`
	ConceptWeight              float64 `json:"concept_weight"` // 0 disables the phrase-concept stage
	DefaultConfidenceThreshold float64 `json:"default_confidence_threshold"`

	// Context Lifetime (seconds)
	ContextTTLSeconds         int `json:"context_ttl_seconds"`
	SweepIntervalSeconds      int `json:"sweep_interval_seconds"`
	InterruptRetentionSeconds int `json:"interrupt_retention_seconds"`

	// Store Sizing
	StoreShards int `json:"store_shards"`

	// Agent Configuration
	AgentConfigCacheTTLSeconds int `json:"agent_config_cache_ttl_seconds"` // 0 disables caching

	// Message Bus
	QueryTimeoutMs            int `json:"query_timeout_ms"`
	CircuitBreakerThreshold   int `json:"circuit_breaker_threshold"`
	CircuitBreakerResetSeconds int `json:"circuit_breaker_reset_seconds"`

	// Normalization
	Locale string `json:"locale"`

	// Logging
	LogLevel string `json:"log_level"`
}

// DefaultCoreConfig returns a CoreConfig with default values.
func DefaultCoreConfig() *CoreConfig {
	return &CoreConfig{
		// Intent Matching
		KeywordMinSimilarity:       0.5,
		JaccardMinSimilarity:       0.3,
		LongWordBoost:              0.1,
		LongWordMinLen:             5,
		MinTokenLen:                3,
		ConceptWeight:              0.85,
		DefaultConfidenceThreshold: 0.7,

		// Context Lifetime
		ContextTTLSeconds:         3600,
		SweepIntervalSeconds:      60,
		InterruptRetentionSeconds: 3600,

		// Store Sizing
		StoreShards: 32,

		// Agent Configuration
		AgentConfigCacheTTLSeconds: 30,

		// Message Bus
		QueryTimeoutMs:             5000,
		CircuitBreakerThreshold:    5,
		CircuitBreakerResetSeconds: 30,

		// Normalization
		Locale: "AU",

		// Logging
		LogLevel: "INFO",
	}
}

// CoreConfigFromMap creates CoreConfig from a map, starting from defaults.
// Numbers may be ints or float64s (as decoded from JSON). Unknown keys are
// ignored.
func CoreConfigFromMap(config map[string]any) *CoreConfig {
	c := DefaultCoreConfig()

	floats := map[string]*float64{
		"keyword_min_similarity":       &c.KeywordMinSimilarity,
		"jaccard_min_similarity":       &c.JaccardMinSimilarity,
		"long_word_boost":              &c.LongWordBoost,
		"concept_weight":               &c.ConceptWeight,
		"default_confidence_threshold": &c.DefaultConfidenceThreshold,
	}
	for key, dst := range floats {
		if v, ok := typeutil.SafeFloat64(config[key]); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"long_word_min_len":              &c.LongWordMinLen,
		"min_token_len":                  &c.MinTokenLen,
		"context_ttl_seconds":            &c.ContextTTLSeconds,
		"sweep_interval_seconds":         &c.SweepIntervalSeconds,
		"interrupt_retention_seconds":    &c.InterruptRetentionSeconds,
		"store_shards":                   &c.StoreShards,
		"agent_config_cache_ttl_seconds": &c.AgentConfigCacheTTLSeconds,
		"query_timeout_ms":               &c.QueryTimeoutMs,
		"circuit_breaker_threshold":      &c.CircuitBreakerThreshold,
		"circuit_breaker_reset_seconds":  &c.CircuitBreakerResetSeconds,
	}
	for key, dst := range ints {
		if v, ok := typeutil.SafeInt(config[key]); ok {
			*dst = v
		}
	}

	if v, ok := typeutil.SafeString(config["locale"]); ok {
		c.Locale = v
	}
	if v, ok := typeutil.SafeString(config["log_level"]); ok {
		c.LogLevel = v
	}

	return c
}

// ToMap converts config to a map.
func (c *CoreConfig) ToMap() map[string]any {
	return map[string]any{
		"keyword_min_similarity":         c.KeywordMinSimilarity,
		"jaccard_min_similarity":         c.JaccardMinSimilarity,
		"long_word_boost":                c.LongWordBoost,
		"long_word_min_len":              c.LongWordMinLen,
		"min_token_len":                  c.MinTokenLen,
		"concept_weight":                 c.ConceptWeight,
		"default_confidence_threshold":   c.DefaultConfidenceThreshold,
		"context_ttl_seconds":            c.ContextTTLSeconds,
		"sweep_interval_seconds":         c.SweepIntervalSeconds,
		"interrupt_retention_seconds":    c.InterruptRetentionSeconds,
		"store_shards":                   c.StoreShards,
		"agent_config_cache_ttl_seconds": c.AgentConfigCacheTTLSeconds,
		"query_timeout_ms":               c.QueryTimeoutMs,
		"circuit_breaker_threshold":      c.CircuitBreakerThreshold,
		"circuit_breaker_reset_seconds":  c.CircuitBreakerResetSeconds,
		"locale":                         c.Locale,
		"log_level":                      c.LogLevel,
	}
}

// Validate checks ranges and that the locale has a ruleset.
func (c *CoreConfig) Validate() error {
	var errs []error
	for name, v := range map[string]float64{
		"keyword_min_similarity":       c.KeywordMinSimilarity,
		"jaccard_min_similarity":       c.JaccardMinSimilarity,
		"concept_weight":               c.ConceptWeight,
		"default_confidence_threshold": c.DefaultConfidenceThreshold,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be between 0 and 1, got %v", name, v))
		}
	}
	if c.LongWordBoost < 0 {
		errs = append(errs, fmt.Errorf("long_word_boost must not be negative"))
	}
	if c.ContextTTLSeconds <= 0 {
		errs = append(errs, fmt.Errorf("context_ttl_seconds must be positive"))
	}
	if c.SweepIntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("sweep_interval_seconds must be positive"))
	}
	if c.StoreShards <= 0 {
		errs = append(errs, fmt.Errorf("store_shards must be positive"))
	}
	if c.AgentConfigCacheTTLSeconds < 0 {
		errs = append(errs, fmt.Errorf("agent_config_cache_ttl_seconds must not be negative"))
	}
	if _, ok := normalize.Lookup(c.Locale); !ok {
		errs = append(errs, fmt.Errorf("unsupported locale %q", c.Locale))
	}
	return errors.Join(errs...)
}

// ContextTTL returns ContextTTLSeconds as a duration.
func (c *CoreConfig) ContextTTL() time.Duration {
	return time.Duration(c.ContextTTLSeconds) * time.Second
}

// SweepInterval returns SweepIntervalSeconds as a duration.
func (c *CoreConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// InterruptRetention returns InterruptRetentionSeconds as a duration.
func (c *CoreConfig) InterruptRetention() time.Duration {
	return time.Duration(c.InterruptRetentionSeconds) * time.Second
}

// AgentConfigCacheTTL returns AgentConfigCacheTTLSeconds as a duration.
func (c *CoreConfig) AgentConfigCacheTTL() time.Duration {
	return time.Duration(c.AgentConfigCacheTTLSeconds) * time.Second
}

// QueryTimeout returns QueryTimeoutMs as a duration.
func (c *CoreConfig) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutMs) * time.Millisecond
}

// CircuitBreakerReset returns CircuitBreakerResetSeconds as a duration.
func (c *CoreConfig) CircuitBreakerReset() time.Duration {
	return time.Duration(c.CircuitBreakerResetSeconds) * time.Second
}

// =============================================================================
// GLOBAL CONFIG (set by the binaries at startup)
// =============================================================================

var (
	globalCoreConfig *CoreConfig
	configMu         sync.RWMutex
)

// GetCoreConfig gets the core configuration instance.
// Returns the injected config or defaults.
func GetCoreConfig() *CoreConfig {
	configMu.RLock()
	defer configMu.RUnlock()

	if globalCoreConfig == nil {
		return DefaultCoreConfig()
	}
	return globalCoreConfig
}

// SetCoreConfig sets the core configuration instance.
func SetCoreConfig(config *CoreConfig) {
	configMu.Lock()
	defer configMu.Unlock()

	globalCoreConfig = config
}

// ResetCoreConfig resets core config to nil (useful for testing).
// After reset, GetCoreConfig() will return defaults.
func ResetCoreConfig() {
	configMu.Lock()
	defer configMu.Unlock()

	globalCoreConfig = nil
}
