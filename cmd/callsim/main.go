// Package main provides callsim, a CLI that drives the conversation engine
// from JSON on stdin and writes JSON to stdout. It replays scripted calls
// offline so agent configurations can be checked before they go live.
//
// Usage:
//
//	# Replay a scripted call, one JSON step per line
//	callsim replay -config ./agents -agent lead < call.jsonl
//
//	# Detect the intent of one utterance
//	echo '{"utterance": "can you call me back"}' | callsim detect -config ./agents -agent lead
//
//	# Validate an agent document
//	callsim validate < agent.yaml
//
// Replay steps:
//
//	{"type": "utterance", "text": "my email is jo@example.com"}
//	{"type": "speaking"}
//	{"type": "interrupt", "text": "actually I want a quote"}
//	{"type": "vendor", "vendor": "twilio", "payload": {"type": "prompt", "voicePrompt": "hi"}}
//	{"type": "context"}
//	{"type": "end"}
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/jeeves-cluster-organization/callflow/coreengine/agentconfig"
	"github.com/jeeves-cluster-organization/callflow/coreengine/config"
	"github.com/jeeves-cluster-organization/callflow/coreengine/engine"
	"github.com/jeeves-cluster-organization/callflow/coreengine/intent"
)

const (
	cmdReplay   = "replay"
	cmdDetect   = "detect"
	cmdValidate = "validate"
	cmdVersion  = "version"
)

// Version information
const Version = "1.0.0"

// Step types accepted by replay.
const (
	stepUtterance = "utterance"
	stepSpeaking  = "speaking"
	stepInterrupt = "interrupt"
	stepVendor    = "vendor"
	stepContext   = "context"
	stepEnd       = "end"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// run executes one command and returns the process exit code.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 1
	}

	out := &output{w: stdout}
	var err error
	switch args[0] {
	case cmdVersion:
		out.write(map[string]string{"version": Version})
	case cmdValidate:
		err = handleValidate(stdin, out)
	case cmdDetect:
		err = handleDetect(args[1:], stdin, stderr, out)
	case cmdReplay:
		err = handleReplay(args[1:], stdin, stderr, out)
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}

	if err != nil {
		var ce *cliError
		if !errors.As(err, &ce) {
			ce = &cliError{code: "error", err: err}
		}
		out.write(map[string]any{"error": ce.code, "message": ce.err.Error()})
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `Usage: callsim <command> [flags]

Commands:
  replay    Replay JSON-lines call steps from stdin through the engine
  detect    Detect the intent of {"utterance": "..."} read from stdin
  validate  Validate an agent document (YAML or JSON) read from stdin
  version   Print version information

Flags (replay, detect):
  -config   Agent document or directory of documents (required)
  -agent    Agent id (defaults to the only agent loaded)
  -call     Call id for replay (defaults to a random UUID)
  -locale   Normalization locale (AU or US)
  -v        Log engine events to stderr`)
}

// =============================================================================
// Output
// =============================================================================

// cliError is reported on stdout as {"error": code, "message": ...}.
type cliError struct {
	code string
	err  error
}

func (e *cliError) Error() string { return e.code + ": " + e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func fail(code string, err error) error {
	return &cliError{code: code, err: err}
}

type output struct {
	w io.Writer
}

func (o *output) write(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintf(o.w, `{"error":"encode_error","message":%q}`+"\n", err.Error())
		return
	}
	fmt.Fprintln(o.w, string(data))
}

// stderrLogger implements engine.Logger over the standard log package.
type stderrLogger struct {
	l *log.Logger
}

func (s *stderrLogger) Debug(msg string, keysAndValues ...any) {
	s.l.Printf("[DEBUG] %s %v", msg, keysAndValues)
}

func (s *stderrLogger) Info(msg string, keysAndValues ...any) {
	s.l.Printf("[INFO] %s %v", msg, keysAndValues)
}

func (s *stderrLogger) Warn(msg string, keysAndValues ...any) {
	s.l.Printf("[WARN] %s %v", msg, keysAndValues)
}

func (s *stderrLogger) Error(msg string, keysAndValues ...any) {
	s.l.Printf("[ERROR] %s %v", msg, keysAndValues)
}

// =============================================================================
// Agent loading
// =============================================================================

type agentFlags struct {
	configPath string
	agentID    string
	callID     string
	locale     string
	verbose    bool
}

func parseFlags(name string, args []string, stderr io.Writer) (*agentFlags, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)

	f := &agentFlags{}
	fs.StringVar(&f.configPath, "config", "", "agent document or directory")
	fs.StringVar(&f.agentID, "agent", "", "agent id")
	fs.StringVar(&f.callID, "call", "", "call id")
	fs.StringVar(&f.locale, "locale", "", "normalization locale")
	fs.BoolVar(&f.verbose, "v", false, "log engine events to stderr")
	if err := fs.Parse(args); err != nil {
		return nil, fail("usage_error", err)
	}
	if f.configPath == "" {
		return nil, fail("usage_error", errors.New("-config is required"))
	}
	return f, nil
}

// loadProvider serves a single document or every document in a directory.
// When no agent id was given and exactly one agent is loaded, it is used.
func loadProvider(f *agentFlags) (agentconfig.Provider, string, error) {
	info, err := os.Stat(f.configPath)
	if err != nil {
		return nil, "", fail("config_error", err)
	}

	var ids []string
	var provider agentconfig.Provider
	if info.IsDir() {
		fp, err := agentconfig.NewFileProvider(f.configPath)
		if err != nil {
			return nil, "", fail("config_error", err)
		}
		provider, ids = fp, fp.AgentIDs()
	} else {
		cfg, err := agentconfig.LoadFile(f.configPath)
		if err != nil {
			return nil, "", fail("config_error", err)
		}
		sp, err := agentconfig.NewStaticProvider(cfg)
		if err != nil {
			return nil, "", fail("config_error", err)
		}
		provider, ids = sp, []string{cfg.AgentID}
	}

	agentID := f.agentID
	if agentID == "" {
		if len(ids) != 1 {
			return nil, "", fail("usage_error", fmt.Errorf("-agent is required when %d agents are loaded", len(ids)))
		}
		agentID = ids[0]
	}
	return provider, agentID, nil
}

func coreConfig(f *agentFlags) (*config.CoreConfig, error) {
	cfg := config.DefaultCoreConfig()
	if f.locale != "" {
		cfg.Locale = strings.ToUpper(f.locale)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fail("config_error", err)
	}
	return cfg, nil
}

// =============================================================================
// Commands
// =============================================================================

// handleValidate parses and validates one agent document.
func handleValidate(stdin io.Reader, out *output) error {
	data, err := io.ReadAll(stdin)
	if err != nil {
		return fail("read_error", err)
	}
	cfg, err := agentconfig.Parse(data)
	if err != nil {
		out.write(map[string]any{"valid": false, "errors": []string{err.Error()}})
		return nil
	}
	out.write(map[string]any{
		"valid":    true,
		"agent_id": cfg.AgentID,
		"fields":   len(cfg.Fields),
		"intents":  len(cfg.Intents),
	})
	return nil
}

type detectInput struct {
	Utterance string `json:"utterance"`
}

// handleDetect runs intent detection for one utterance.
func handleDetect(args []string, stdin io.Reader, stderr io.Writer, out *output) error {
	f, err := parseFlags(cmdDetect, args, stderr)
	if err != nil {
		return err
	}
	provider, agentID, err := loadProvider(f)
	if err != nil {
		return err
	}

	var in detectInput
	if err := json.NewDecoder(stdin).Decode(&in); err != nil {
		return fail("parse_error", fmt.Errorf("invalid JSON: %w", err))
	}

	cfg, err := coreConfig(f)
	if err != nil {
		return err
	}
	icfg := intent.DefaultConfig()
	icfg.DefaultThreshold = cfg.DefaultConfidenceThreshold

	var logger intent.Logger
	if f.verbose {
		logger = &stderrLogger{l: log.New(stderr, "", log.LstdFlags)}
	}
	match, err := intent.NewDetector(provider, icfg, logger).Detect(context.Background(), agentID, in.Utterance)
	if err != nil {
		return fail("detect_error", err)
	}
	out.write(map[string]any{"agent_id": agentID, "match": match})
	return nil
}

// replayStep is one line of a replay script.
type replayStep struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	Vendor   string         `json:"vendor,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// replayOutput is written once per step.
type replayOutput struct {
	Step   int    `json:"step"`
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// handleReplay starts a call, applies each step in order, and ends the call
// when stdin is exhausted or a step ends it.
func handleReplay(args []string, stdin io.Reader, stderr io.Writer, out *output) error {
	f, err := parseFlags(cmdReplay, args, stderr)
	if err != nil {
		return err
	}
	provider, agentID, err := loadProvider(f)
	if err != nil {
		return err
	}
	cfg, err := coreConfig(f)
	if err != nil {
		return err
	}

	var logger engine.Logger
	if f.verbose {
		logger = &stderrLogger{l: log.New(stderr, "", log.LstdFlags)}
	}
	eng, err := engine.NewEngine(provider, nil, cfg, logger)
	if err != nil {
		return fail("engine_error", err)
	}
	ctx := context.Background()
	defer func() { _ = eng.Shutdown(ctx) }()

	callID := f.callID
	if callID == "" {
		callID = uuid.NewString()
	}
	started, err := eng.StartCall(ctx, callID, agentID)
	if err != nil {
		return fail("start_error", err)
	}
	out.write(replayOutput{Step: 0, Type: "start", CallID: callID, Data: started})

	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	step := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		step++

		var s replayStep
		if err := json.Unmarshal([]byte(line), &s); err != nil {
			out.write(replayOutput{Step: step, CallID: callID, Error: fmt.Sprintf("invalid JSON: %v", err)})
			continue
		}

		data, done, err := applyStep(ctx, eng, callID, s)
		res := replayOutput{Step: step, Type: s.Type, CallID: callID, Data: data}
		if err != nil {
			res.Error = err.Error()
		}
		out.write(res)
		if done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return fail("read_error", err)
	}

	eng.EndCall(ctx, callID)
	return nil
}

// applyStep runs one step. done reports that the call has ended.
func applyStep(ctx context.Context, eng *engine.Engine, callID string, s replayStep) (any, bool, error) {
	switch s.Type {
	case stepUtterance:
		result, err := eng.HandleUtterance(ctx, callID, s.Text)
		if err != nil {
			return nil, false, err
		}
		return result, result.ShouldEndCall, nil
	case stepSpeaking:
		return eng.UserStartedSpeaking(ctx, callID, s.Metadata), false, nil
	case stepInterrupt:
		result, err := eng.CaptureInterrupt(ctx, callID, s.Text)
		if err != nil {
			return nil, false, err
		}
		return result, result.ShouldEndCall, nil
	case stepVendor:
		outcome, err := eng.HandleVendorEvent(ctx, s.Vendor, callID, s.Payload)
		if outcome == nil {
			return nil, false, err
		}
		return outcome, outcome.Ended, err
	case stepContext:
		c, err := eng.Store().Get(callID)
		if err != nil {
			return nil, false, err
		}
		return c, false, nil
	case stepEnd:
		return map[string]bool{"ended": eng.EndCall(ctx, callID)}, true, nil
	default:
		return nil, false, fmt.Errorf("unknown step type %q", s.Type)
	}
}
