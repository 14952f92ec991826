package grpc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jeeves-cluster-organization/callflow/coreengine/config"
	"github.com/jeeves-cluster-organization/callflow/coreengine/engine"
	"github.com/jeeves-cluster-organization/callflow/coreengine/routing"
	"github.com/jeeves-cluster-organization/callflow/coreengine/testutil"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestEngine(t *testing.T, logger *testutil.MockLogger) *engine.Engine {
	t.Helper()
	cfg := config.DefaultCoreConfig()
	cfg.SweepIntervalSeconds = 3600

	bus := engine.NewBus(cfg, logger)
	_, err := testutil.NewMockSpeechSink(bus)
	require.NoError(t, err)

	eng, err := engine.NewEngine(testutil.NewMockProvider(testutil.NewLeadAgent("lead")), bus, cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })
	return eng
}

func createTestServer(t *testing.T) (*ConversationServer, *testutil.MockLogger) {
	t.Helper()
	logger := testutil.NewMockLogger()
	return NewConversationServer(newTestEngine(t, logger), logger), logger
}

func requireCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	st, ok := status.FromError(err)
	require.True(t, ok, "expected gRPC status error, got %v", err)
	assert.Equal(t, code, st.Code())
}

// =============================================================================
// CALL OPERATIONS
// =============================================================================

func TestStartCall(t *testing.T) {
	server, logger := createTestServer(t)
	ctx := context.Background()

	resp, err := server.StartCall(ctx, &StartCallRequest{CallID: "c1", AgentID: "lead"})
	require.NoError(t, err)
	assert.Equal(t, "c1", resp.Context.CallID)
	assert.Len(t, resp.Context.Fields, 3)
	assert.True(t, logger.HasLog("debug", "call_started"))
}

func TestStartCall_Errors(t *testing.T) {
	server, _ := createTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  *StartCallRequest
		code codes.Code
	}{
		{"missing call id", &StartCallRequest{AgentID: "lead"}, codes.InvalidArgument},
		{"missing agent id", &StartCallRequest{CallID: "c1"}, codes.InvalidArgument},
		{"unknown agent", &StartCallRequest{CallID: "c1", AgentID: "ghost"}, codes.NotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := server.StartCall(ctx, tt.req)
			requireCode(t, err, tt.code)
		})
	}
}

func TestHandleUtterance(t *testing.T) {
	server, _ := createTestServer(t)
	ctx := context.Background()

	_, err := server.StartCall(ctx, &StartCallRequest{CallID: "c1", AgentID: "lead"})
	require.NoError(t, err)

	resp, err := server.HandleUtterance(ctx, &UtteranceRequest{CallID: "c1", Utterance: "I want a quote"})
	require.NoError(t, err)
	assert.Equal(t, routing.ActionQuote, resp.Result.Action)

	_, err = server.HandleUtterance(ctx, &UtteranceRequest{CallID: "missing", Utterance: "hi"})
	requireCode(t, err, codes.NotFound)

	_, err = server.HandleUtterance(ctx, &UtteranceRequest{Utterance: "hi"})
	requireCode(t, err, codes.InvalidArgument)
}

func TestInterruptFlow(t *testing.T) {
	server, _ := createTestServer(t)
	ctx := context.Background()

	_, err := server.StartCall(ctx, &StartCallRequest{CallID: "c1", AgentID: "lead"})
	require.NoError(t, err)

	speaking, err := server.UserStartedSpeaking(ctx, &SpeakingRequest{CallID: "c1"})
	require.NoError(t, err)
	require.NotNil(t, speaking.Interrupt)
	assert.Equal(t, "c1", speaking.Interrupt.CallID)

	routed, err := server.CaptureInterrupt(ctx, &UtteranceRequest{CallID: "c1", Utterance: "actually I want a quote"})
	require.NoError(t, err)
	assert.Equal(t, routing.ActionQuote, routed.Result.Action)

	got, err := server.GetContext(ctx, &GetContextRequest{CallID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, 1, got.Context.InterruptCount)
}

func TestHandleVendorEvent(t *testing.T) {
	server, _ := createTestServer(t)
	ctx := context.Background()

	_, err := server.StartCall(ctx, &StartCallRequest{CallID: "CA1", AgentID: "lead"})
	require.NoError(t, err)

	resp, err := server.HandleVendorEvent(ctx, &VendorEventRequest{
		Vendor:  engine.VendorTwilio,
		CallID:  "CA1",
		Payload: map[string]any{"type": "prompt", "voicePrompt": "I want a quote"},
	})
	require.NoError(t, err)
	assert.True(t, resp.Handled)
	assert.Equal(t, "utterance", resp.Kind)
	assert.Equal(t, routing.ActionQuote, resp.Result.Action)

	_, err = server.HandleVendorEvent(ctx, &VendorEventRequest{Vendor: "vonage", Payload: map[string]any{}})
	requireCode(t, err, codes.InvalidArgument)

	_, err = server.HandleVendorEvent(ctx, &VendorEventRequest{Payload: map[string]any{}})
	requireCode(t, err, codes.InvalidArgument)
}

func TestEndCallAndStatus(t *testing.T) {
	server, _ := createTestServer(t)
	ctx := context.Background()

	_, err := server.StartCall(ctx, &StartCallRequest{CallID: "c1", AgentID: "lead"})
	require.NoError(t, err)

	snap, err := server.GetStatus(ctx, &GetStatusRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Status["active_contexts"])

	ended, err := server.EndCall(ctx, &EndCallRequest{CallID: "c1"})
	require.NoError(t, err)
	assert.True(t, ended.Ended)

	ended, err = server.EndCall(ctx, &EndCallRequest{CallID: "c1"})
	require.NoError(t, err)
	assert.False(t, ended.Ended)

	_, err = server.GetContext(ctx, &GetContextRequest{CallID: "c1"})
	requireCode(t, err, codes.NotFound)
}

// =============================================================================
// GRACEFUL SERVER
// =============================================================================

func TestGracefulServer_StartStop(t *testing.T) {
	server, logger := createTestServer(t)
	gs := NewGracefulServer(server, "127.0.0.1:0")

	errCh, err := gs.StartBackground()
	require.NoError(t, err)
	assert.NotEqual(t, "127.0.0.1:0", gs.Address())

	gs.GracefulStop()
	gs.GracefulStop()
	gs.Stop()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.True(t, logger.HasLog("info", "grpc_graceful_stop_completed"))
	assert.False(t, logger.HasLog("warn", "grpc_immediate_stop"))
}

func TestServers_NilLogger(t *testing.T) {
	server := NewConversationServer(newTestEngine(t, testutil.NewMockLogger()), nil)
	gs := NewGracefulServer(server, "127.0.0.1:0")

	errCh, err := gs.StartBackground()
	require.NoError(t, err)

	_, err = server.StartCall(context.Background(), &StartCallRequest{CallID: "c1", AgentID: "lead"})
	require.NoError(t, err)

	gs.GracefulStop()
	gs.Stop()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestGracefulServer_StartHonoursContext(t *testing.T) {
	server, logger := createTestServer(t)
	gs := NewGracefulServer(server, "127.0.0.1:0")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gs.Start(ctx) }()

	require.Eventually(t, func() bool {
		return logger.HasLog("info", "grpc_server_started")
	}, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return")
	}
	assert.True(t, logger.HasLog("info", "grpc_graceful_shutdown_initiated"))
}

func TestGracefulServer_ListenError(t *testing.T) {
	server, _ := createTestServer(t)
	gs := NewGracefulServer(server, "not-an-address")

	_, err := gs.StartBackground()
	assert.Error(t, err)
}
