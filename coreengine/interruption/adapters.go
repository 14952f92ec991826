package interruption

import (
	"context"
	"strings"

	"github.com/jeeves-cluster-organization/callflow/coreengine/typeutil"
)

// =============================================================================
// Vendor-neutral commands
// =============================================================================

// CommandKind is what a vendor event asks the tracker to do.
type CommandKind string

const (
	CommandStartedSpeaking CommandKind = "started_speaking"
	CommandUtterance       CommandKind = "utterance"
	CommandClear           CommandKind = "clear"
)

// Vendor sources, recorded on the interrupt and in metrics.
const (
	SourceRetell = "retell"
	SourceTwilio = "twilio"
)

// Command is a vendor event translated into tracker terms.
type Command struct {
	Kind     CommandKind    `json:"kind"`
	CallID   string         `json:"call_id"`
	Text     string         `json:"text,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Apply runs cmd against the tracker. It returns the affected interrupt, if
// any.
func (t *Tracker) Apply(ctx context.Context, cmd Command) (*Event, bool) {
	switch cmd.Kind {
	case CommandStartedSpeaking:
		return t.HandleUserStartedSpeaking(ctx, cmd.CallID, cmd.Metadata), true
	case CommandUtterance:
		return t.CaptureUtterance(ctx, cmd.CallID, cmd.Text)
	case CommandClear:
		return nil, t.Clear(cmd.CallID)
	}
	return nil, false
}

// =============================================================================
// Retell
// =============================================================================

// TranslateRetellEvent maps a Retell LLM websocket message to a command.
// callID is used when the payload carries none.
//
//   - interaction_type "update_only" with turntaking "user_turn", or an
//     event "user_start_talking": the caller started speaking.
//   - interaction_type "response_required" or "reminder_required": the
//     latest user line of the transcript is the captured utterance.
//   - event "call_ended": the interrupt is cleared.
func TranslateRetellEvent(callID string, payload map[string]any) (Command, bool) {
	if id, ok := typeutil.SafeString(payload["call_id"]); ok && id != "" {
		callID = id
	}
	interaction := typeutil.SafeStringDefault(payload["interaction_type"], "")
	event := typeutil.SafeStringDefault(payload["event"], "")

	switch {
	case event == "user_start_talking",
		interaction == "update_only" && typeutil.SafeStringDefault(payload["turntaking"], "") == "user_turn":
		return Command{
			Kind:   CommandStartedSpeaking,
			CallID: callID,
			Metadata: map[string]any{
				MetaSource:           SourceRetell,
				MetaAgentWasSpeaking: typeutil.SafeBoolDefault(payload["agent_speaking"], true),
			},
		}, true

	case interaction == "response_required", interaction == "reminder_required":
		text, ok := lastUserLine(typeutil.SafeSliceDefault(payload["transcript"], nil))
		if !ok {
			return Command{}, false
		}
		return Command{Kind: CommandUtterance, CallID: callID, Text: text}, true

	case event == "call_ended":
		return Command{Kind: CommandClear, CallID: callID}, true
	}
	return Command{}, false
}

func lastUserLine(transcript []any) (string, bool) {
	for i := len(transcript) - 1; i >= 0; i-- {
		turn, ok := typeutil.SafeMapStringAny(transcript[i])
		if !ok {
			continue
		}
		if typeutil.SafeStringDefault(turn["role"], "") != "user" {
			continue
		}
		text := strings.TrimSpace(typeutil.SafeStringDefault(turn["content"], ""))
		if text != "" {
			return text, true
		}
	}
	return "", false
}

// =============================================================================
// Twilio
// =============================================================================

// TranslateTwilioEvent maps a Twilio ConversationRelay or Media Streams
// message to a command. callID is used when the payload carries none.
//
//   - type "interrupt": the caller spoke over the agent; the partial
//     utteranceUntilInterrupt is kept as metadata.
//   - type "prompt" with last=true: voicePrompt is the captured utterance.
//   - event "stop": the stream ended and the interrupt is cleared.
func TranslateTwilioEvent(callID string, payload map[string]any) (Command, bool) {
	if id, ok := typeutil.GetNestedString(payload, "start.callSid"); ok && id != "" {
		callID = id
	} else if id, ok := typeutil.SafeString(payload["callSid"]); ok && id != "" {
		callID = id
	}

	msgType := typeutil.SafeStringDefault(payload["type"], "")
	switch {
	case msgType == "interrupt":
		meta := map[string]any{
			MetaSource:           SourceTwilio,
			MetaAgentWasSpeaking: true,
		}
		if partial, ok := typeutil.SafeString(payload["utteranceUntilInterrupt"]); ok {
			meta["utteranceUntilInterrupt"] = partial
		}
		if ms, ok := typeutil.SafeInt(payload["durationUntilInterruptMs"]); ok {
			meta["durationUntilInterruptMs"] = ms
		}
		return Command{Kind: CommandStartedSpeaking, CallID: callID, Metadata: meta}, true

	case msgType == "prompt":
		if !typeutil.SafeBoolDefault(payload["last"], true) {
			return Command{}, false
		}
		text := strings.TrimSpace(typeutil.SafeStringDefault(payload["voicePrompt"], ""))
		if text == "" {
			return Command{}, false
		}
		return Command{Kind: CommandUtterance, CallID: callID, Text: text}, true

	case typeutil.SafeStringDefault(payload["event"], "") == "stop":
		return Command{Kind: CommandClear, CallID: callID}, true
	}
	return Command{}, false
}
