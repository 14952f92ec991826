package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const leadAgent = `
agent_id: lead
fields:
  - field_name: email
    data_type: email
    required: true
    display_order: 1
  - field_name: phone
    data_type: phone
    required: true
    display_order: 2
intents:
  - name: Stop Recording
    matching_type: regex
    regex_pattern: /stop.*recording/i
    routing_action: opt-out
    enabled: true
  - name: Request Callback
    sample_utterances: ["Call me back", "Can someone ring me later"]
    routing_action: callback
    enabled: true
  - name: Get Quote
    sample_utterances: ["I want a quote", "How much would it cost"]
    routing_action: quote
    enabled: true
`

func writeAgent(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// runCLI executes the CLI in-process with the given arguments and input.
func runCLI(t *testing.T, input string, args ...string) (string, string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, strings.NewReader(input), &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

// parseLines decodes one JSON object per output line.
func parseLines(t *testing.T, output string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), "line: %s", line)
		out = append(out, m)
	}
	return out
}

// =============================================================================
// COMMANDS
// =============================================================================

func TestCLI_NoArgsAndUnknown(t *testing.T) {
	_, stderr, code := runCLI(t, "")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Usage: callsim")

	_, stderr, code = runCLI(t, "", "dance")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Unknown command: dance")
}

func TestCLI_Version(t *testing.T) {
	stdout, _, code := runCLI(t, "", "version")
	require.Equal(t, 0, code)
	assert.Equal(t, Version, parseLines(t, stdout)[0]["version"])
}

func TestCLI_Validate(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantValid bool
	}{
		{"valid yaml", leadAgent, true},
		{"valid json", `{"agent_id": "a", "fields": [], "intents": []}`, true},
		{"missing agent id", `fields: []`, false},
		{"unknown key", "agent_id: a\nflavour: mint\n", false},
		{"regex without pattern", "agent_id: a\nintents:\n  - name: x\n    matching_type: regex\n", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout, _, code := runCLI(t, tt.input, "validate")
			require.Equal(t, 0, code)
			out := parseLines(t, stdout)[0]
			assert.Equal(t, tt.wantValid, out["valid"])
		})
	}
}

func TestCLI_Detect(t *testing.T) {
	path := writeAgent(t, t.TempDir(), "lead.yaml", leadAgent)

	stdout, _, code := runCLI(t, `{"utterance": "please stop the recording"}`, "detect", "-config", path)
	require.Equal(t, 0, code)
	match := parseLines(t, stdout)[0]["match"].(map[string]any)
	assert.Equal(t, "opt-out", match["routing_action"])
	assert.Equal(t, "regex", match["matching_type"])

	stdout, _, code = runCLI(t, `{"utterance": "what's the weather"}`, "detect", "-config", path)
	require.Equal(t, 0, code)
	assert.Nil(t, parseLines(t, stdout)[0]["match"])
}

func TestCLI_DetectErrors(t *testing.T) {
	dir := t.TempDir()
	path := writeAgent(t, dir, "lead.yaml", leadAgent)
	writeAgent(t, dir, "other.yaml", strings.Replace(leadAgent, "agent_id: lead", "agent_id: other", 1))

	tests := []struct {
		name     string
		input    string
		args     []string
		wantCode string
	}{
		{"missing config", `{}`, []string{"detect"}, "usage_error"},
		{"bad config path", `{}`, []string{"detect", "-config", filepath.Join(dir, "nope.yaml")}, "config_error"},
		{"ambiguous agent", `{}`, []string{"detect", "-config", dir}, "usage_error"},
		{"unknown agent", `{"utterance": "hi"}`, []string{"detect", "-config", path, "-agent", "ghost"}, "detect_error"},
		{"bad input", `not json`, []string{"detect", "-config", path}, "parse_error"},
		{"bad locale", `{}`, []string{"detect", "-config", path, "-locale", "xx"}, "config_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout, _, code := runCLI(t, tt.input, tt.args...)
			assert.Equal(t, 1, code)
			assert.Equal(t, tt.wantCode, parseLines(t, stdout)[0]["error"])
		})
	}
}

// =============================================================================
// REPLAY
// =============================================================================

func TestCLI_Replay(t *testing.T) {
	dir := t.TempDir()
	writeAgent(t, dir, "lead.yaml", leadAgent)

	script := strings.Join([]string{
		`# lead capture`,
		`{"type": "utterance", "text": "my email is jo@example.com"}`,
		`{"type": "speaking"}`,
		`{"type": "interrupt", "text": "actually I want a quote"}`,
		`{"type": "vendor", "vendor": "twilio", "payload": {"type": "prompt", "voicePrompt": "my number is 0412 345 678"}}`,
		`{"type": "context"}`,
		`{"type": "end"}`,
		`{"type": "utterance", "text": "never reached"}`,
	}, "\n")

	stdout, _, code := runCLI(t, script, "replay", "-config", dir, "-call", "sim-1")
	require.Equal(t, 0, code)

	lines := parseLines(t, stdout)
	require.Len(t, lines, 7)
	for _, line := range lines {
		assert.Equal(t, "sim-1", line["call_id"])
		assert.Empty(t, line["error"])
	}

	assert.Equal(t, "start", lines[0]["type"])

	first := lines[1]["data"].(map[string]any)
	assert.Equal(t, "phone", first["metadata"].(map[string]any)["nextField"])

	quote := lines[3]["data"].(map[string]any)
	assert.Equal(t, "quote", quote["action"])

	vendor := lines[4]["data"].(map[string]any)
	assert.Equal(t, true, vendor["handled"])

	snapshot := lines[5]["data"].(map[string]any)
	fields := snapshot["fields"].(map[string]any)
	assert.Equal(t, true, fields["email"].(map[string]any)["filled"])
	assert.Equal(t, true, fields["phone"].(map[string]any)["filled"])
	assert.Equal(t, float64(1), snapshot["interrupt_count"])

	assert.Equal(t, map[string]any{"ended": true}, lines[6]["data"])
}

func TestCLI_ReplayStopsOnOptOut(t *testing.T) {
	path := writeAgent(t, t.TempDir(), "lead.yaml", leadAgent)

	script := `{"type": "utterance", "text": "stop recording now"}
{"type": "utterance", "text": "I want a quote"}`

	stdout, _, code := runCLI(t, script, "replay", "-config", path)
	require.Equal(t, 0, code)

	lines := parseLines(t, stdout)
	require.Len(t, lines, 2)
	assert.Equal(t, true, lines[1]["data"].(map[string]any)["should_end_call"])

	_, err := uuid.Parse(lines[0]["call_id"].(string))
	assert.NoError(t, err, "generated call ids are UUIDs")
}

func TestCLI_ReplayStepErrors(t *testing.T) {
	path := writeAgent(t, t.TempDir(), "lead.yaml", leadAgent)

	script := `not json
{"type": "dance"}
{"type": "vendor", "vendor": "vonage", "payload": {}}`

	stdout, _, code := runCLI(t, script, "replay", "-config", path)
	require.Equal(t, 0, code)

	lines := parseLines(t, stdout)
	require.Len(t, lines, 4)
	assert.Contains(t, lines[1]["error"], "invalid JSON")
	assert.Contains(t, lines[2]["error"], `unknown step type "dance"`)
	assert.Contains(t, lines[3]["error"], "vonage")
}

func TestCLI_ReplayUnknownAgent(t *testing.T) {
	path := writeAgent(t, t.TempDir(), "lead.yaml", leadAgent)

	stdout, _, code := runCLI(t, "", "replay", "-config", path, "-agent", "ghost")
	assert.Equal(t, 1, code)
	assert.Equal(t, "start_error", parseLines(t, stdout)[0]["error"])
}
