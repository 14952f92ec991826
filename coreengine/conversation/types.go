// Package conversation keeps per-call field-slot memory: which fields the
// caller has provided, in what form, and what is still missing.
//
// A Context is owned by the Store. Callers receive deep-copied snapshots and
// mutate state only through Store methods, each of which runs under that
// call's own lock.
package conversation

import (
	"errors"
	"fmt"
	"time"

	"github.com/jeeves-cluster-organization/callflow/coreengine/agentconfig"
)

// =============================================================================
// Field Values
// =============================================================================

// Source records who supplied a field value.
type Source string

const (
	SourceUser   Source = "user"
	SourceAgent  Source = "agent"
	SourceSystem Source = "system"
)

// FieldValue is the runtime state of one field slot.
type FieldValue struct {
	// Value is what downstream readback uses. For phone and postcode fields
	// it is the spoken form; RawValue holds the canonical digits.
	Value       any        `json:"value"`
	RawValue    string     `json:"raw_value,omitempty"`
	SpokenValue string     `json:"spoken_value,omitempty"`
	Filled      bool       `json:"filled"`
	Confirmed   bool       `json:"confirmed"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
	Source      Source     `json:"source,omitempty"`
}

// Spoken returns the readback form: SpokenValue when set, otherwise Value
// formatted as text. Unfilled fields return "".
func (f FieldValue) Spoken() string {
	if !f.Filled {
		return ""
	}
	if f.SpokenValue != "" {
		return f.SpokenValue
	}
	if f.Value == nil {
		return ""
	}
	return fmt.Sprint(f.Value)
}

// =============================================================================
// Context
// =============================================================================

// Context is the conversation state of one active call.
type Context struct {
	CallID           string                `json:"call_id"`
	AgentID          string                `json:"agent_id"`
	Fields           map[string]FieldValue `json:"fields"`
	CurrentStep      string                `json:"current_step,omitempty"`
	LastQuestion     string                `json:"last_question,omitempty"`
	LastUserResponse string                `json:"last_user_response,omitempty"`
	FailedAttempts   int                   `json:"failed_attempts"`
	InterruptCount   int                   `json:"interrupt_count"`
	RoutingPath      []string              `json:"routing_path"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`

	// schema is the agent's field list at initialization, in asking order.
	schema []agentconfig.FieldSchema
}

func newContext(callID, agentID string, fields []agentconfig.FieldSchema, routingPath []string, now time.Time) *Context {
	c := &Context{
		CallID:      callID,
		AgentID:     agentID,
		Fields:      make(map[string]FieldValue, len(fields)),
		RoutingPath: append([]string{}, routingPath...),
		CreatedAt:   now,
		UpdatedAt:   now,
		schema:      agentconfig.SortFields(fields),
	}
	for _, f := range c.schema {
		c.Fields[f.FieldName] = FieldValue{}
	}
	return c
}

// Schema returns the field schema captured at initialization, ordered by
// display order.
func (c *Context) Schema() []agentconfig.FieldSchema {
	out := make([]agentconfig.FieldSchema, len(c.schema))
	copy(out, c.schema)
	return out
}

// Clone returns a deep copy.
func (c *Context) Clone() *Context {
	clone := *c
	clone.Fields = make(map[string]FieldValue, len(c.Fields))
	for k, v := range c.Fields {
		if v.Timestamp != nil {
			ts := *v.Timestamp
			v.Timestamp = &ts
		}
		clone.Fields[k] = v
	}
	clone.RoutingPath = append([]string{}, c.RoutingPath...)
	clone.schema = c.Schema()
	return &clone
}

// MissingRequired returns required fields that are not filled, in asking
// order.
func (c *Context) MissingRequired() []string {
	missing := []string{}
	for _, f := range c.schema {
		if f.Required && !c.Fields[f.FieldName].Filled {
			missing = append(missing, f.FieldName)
		}
	}
	return missing
}

// NextUnfilled returns the first unfilled field in asking order.
func (c *Context) NextUnfilled() (agentconfig.FieldSchema, bool) {
	for _, f := range c.schema {
		if !c.Fields[f.FieldName].Filled {
			return f, true
		}
	}
	return agentconfig.FieldSchema{}, false
}

func (c *Context) field(name string) (agentconfig.FieldSchema, bool) {
	for _, f := range c.schema {
		if f.FieldName == name {
			return f, true
		}
	}
	return agentconfig.FieldSchema{}, false
}

// =============================================================================
// Errors
// =============================================================================

// ErrContextNotFound is matched by ContextNotFoundError through errors.Is.
var ErrContextNotFound = errors.New("conversation context not found")

// ContextNotFoundError is returned when a call has no initialized context.
type ContextNotFoundError struct {
	CallID string
}

func (e *ContextNotFoundError) Error() string {
	return fmt.Sprintf("no conversation context for call %s", e.CallID)
}

// Is reports whether target is ErrContextNotFound.
func (e *ContextNotFoundError) Is(target error) bool {
	return target == ErrContextNotFound
}

// FieldNotFoundError is returned when a field is not declared in the call's
// schema.
type FieldNotFoundError struct {
	CallID    string
	FieldName string
}

func (e *FieldNotFoundError) Error() string {
	return fmt.Sprintf("field %q not declared for call %s", e.FieldName, e.CallID)
}
