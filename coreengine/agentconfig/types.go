// Package agentconfig defines the per-agent configuration the conversation
// engine consumes: the field schema to collect and the intents to detect.
//
// Configuration is owned by the host application. The engine only reads it
// through a Provider and never mutates what it receives.
package agentconfig

import (
	"fmt"
	"sort"
)

// DefaultConfidenceThreshold applies to intents that do not set their own.
const DefaultConfidenceThreshold = 0.7

// =============================================================================
// Field Schema
// =============================================================================

// DataType is the type of value a field slot collects.
type DataType string

const (
	DataTypeText    DataType = "text"
	DataTypePhone   DataType = "phone"
	DataTypeEmail   DataType = "email"
	DataTypeNumber  DataType = "number"
	DataTypeChoice  DataType = "choice"
	DataTypeDate    DataType = "date"
	DataTypeBoolean DataType = "boolean"
)

// IsValid returns true for a known data type.
func (d DataType) IsValid() bool {
	switch d {
	case DataTypeText, DataTypePhone, DataTypeEmail, DataTypeNumber,
		DataTypeChoice, DataTypeDate, DataTypeBoolean:
		return true
	default:
		return false
	}
}

// FieldSchema declares one piece of information the agent collects.
type FieldSchema struct {
	FieldName          string   `json:"field_name" yaml:"field_name"`
	DataType           DataType `json:"data_type" yaml:"data_type"`
	Required           bool     `json:"required" yaml:"required"`
	DisplayOrder       int      `json:"display_order" yaml:"display_order"`
	NLPExtractionHints []string `json:"nlp_extraction_hints,omitempty" yaml:"nlp_extraction_hints,omitempty"`
	ChoiceOptions      []string `json:"choice_options,omitempty" yaml:"choice_options,omitempty"`
}

// Validate checks the schema entry and applies defaults.
func (f *FieldSchema) Validate() error {
	if f.FieldName == "" {
		return fmt.Errorf("FieldSchema.FieldName is required")
	}
	if f.DataType == "" {
		f.DataType = DataTypeText
	}
	if !f.DataType.IsValid() {
		return fmt.Errorf("field '%s' has unknown data_type %q", f.FieldName, f.DataType)
	}
	if f.DataType == DataTypeChoice && len(f.ChoiceOptions) == 0 {
		return fmt.Errorf("field '%s' is a choice field with no choice_options", f.FieldName)
	}
	return nil
}

// =============================================================================
// Intent Definitions
// =============================================================================

// MatchingType selects how an intent is matched against an utterance.
type MatchingType string

const (
	// MatchingSemantic compares the utterance against sample utterances.
	MatchingSemantic MatchingType = "semantic"
	// MatchingRegex tests the utterance against a regular expression.
	MatchingRegex MatchingType = "regex"
	// MatchingKeyword is reported on results matched by direct string containment.
	MatchingKeyword MatchingType = "keyword"
)

// IntentDefinition configures one detectable caller intent.
type IntentDefinition struct {
	ID                  string       `json:"id" yaml:"id"`
	Name                string       `json:"name" yaml:"name"`
	MatchingType        MatchingType `json:"matching_type" yaml:"matching_type"`
	SampleUtterances    []string     `json:"sample_utterances,omitempty" yaml:"sample_utterances,omitempty"`
	RegexPattern        string       `json:"regex_pattern,omitempty" yaml:"regex_pattern,omitempty"`
	RoutingAction       string       `json:"routing_action" yaml:"routing_action"`
	Enabled             bool         `json:"enabled" yaml:"enabled"`
	ConfidenceThreshold float64      `json:"confidence_threshold,omitempty" yaml:"confidence_threshold,omitempty"`
}

// Threshold returns the confidence threshold, defaulting when unset.
func (i *IntentDefinition) Threshold() float64 {
	if i.ConfidenceThreshold <= 0 {
		return DefaultConfidenceThreshold
	}
	return i.ConfidenceThreshold
}

// Validate checks the intent definition and applies defaults.
// A malformed regex is not a validation error: the detector skips it at
// match time so one bad pattern never takes an agent offline.
func (i *IntentDefinition) Validate() error {
	if i.Name == "" {
		return fmt.Errorf("IntentDefinition.Name is required")
	}
	if i.ID == "" {
		i.ID = i.Name
	}
	if i.MatchingType == "" {
		i.MatchingType = MatchingSemantic
	}
	switch i.MatchingType {
	case MatchingSemantic:
		if len(i.SampleUtterances) == 0 {
			return fmt.Errorf("semantic intent '%s' has no sample_utterances", i.Name)
		}
	case MatchingRegex:
		if i.RegexPattern == "" {
			return fmt.Errorf("regex intent '%s' has no regex_pattern", i.Name)
		}
	default:
		return fmt.Errorf("intent '%s' has unknown matching_type %q", i.Name, i.MatchingType)
	}
	if i.ConfidenceThreshold < 0 || i.ConfidenceThreshold > 1 {
		return fmt.Errorf("intent '%s' confidence_threshold must be within [0, 1]", i.Name)
	}
	return nil
}

// =============================================================================
// Agent Config
// =============================================================================

// AgentConfig is everything the engine needs to know about one agent.
type AgentConfig struct {
	AgentID string             `json:"agent_id" yaml:"agent_id"`
	Name    string             `json:"name,omitempty" yaml:"name,omitempty"`
	Fields  []FieldSchema      `json:"fields" yaml:"fields"`
	Intents []IntentDefinition `json:"intents" yaml:"intents"`
}

// Validate checks every field and intent and rejects duplicate field names.
func (c *AgentConfig) Validate() error {
	if c.AgentID == "" {
		return fmt.Errorf("AgentConfig.AgentID is required")
	}

	names := make(map[string]bool, len(c.Fields))
	for i := range c.Fields {
		if err := c.Fields[i].Validate(); err != nil {
			return fmt.Errorf("agent '%s': %w", c.AgentID, err)
		}
		if names[c.Fields[i].FieldName] {
			return fmt.Errorf("agent '%s': duplicate field name: %s", c.AgentID, c.Fields[i].FieldName)
		}
		names[c.Fields[i].FieldName] = true
	}

	for i := range c.Intents {
		if err := c.Intents[i].Validate(); err != nil {
			return fmt.Errorf("agent '%s': %w", c.AgentID, err)
		}
	}
	return nil
}

// EnabledIntents returns enabled intents in declaration order.
func (c *AgentConfig) EnabledIntents() []IntentDefinition {
	out := make([]IntentDefinition, 0, len(c.Intents))
	for _, intent := range c.Intents {
		if intent.Enabled {
			out = append(out, intent)
		}
	}
	return out
}

// OrderedFields returns the field schema sorted by DisplayOrder.
// Ties keep declaration order.
func (c *AgentConfig) OrderedFields() []FieldSchema {
	return SortFields(c.Fields)
}

// SortFields returns a copy of fields sorted by DisplayOrder, stable on ties.
func SortFields(fields []FieldSchema) []FieldSchema {
	out := make([]FieldSchema, len(fields))
	copy(out, fields)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DisplayOrder < out[j].DisplayOrder
	})
	return out
}

// Clone returns a deep copy so callers cannot alias provider-owned slices.
func (c *AgentConfig) Clone() *AgentConfig {
	clone := &AgentConfig{
		AgentID: c.AgentID,
		Name:    c.Name,
		Fields:  make([]FieldSchema, len(c.Fields)),
		Intents: make([]IntentDefinition, len(c.Intents)),
	}
	for i, f := range c.Fields {
		f.NLPExtractionHints = cloneStrings(f.NLPExtractionHints)
		f.ChoiceOptions = cloneStrings(f.ChoiceOptions)
		clone.Fields[i] = f
	}
	for i, intent := range c.Intents {
		intent.SampleUtterances = cloneStrings(intent.SampleUtterances)
		clone.Intents[i] = intent
	}
	return clone
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
