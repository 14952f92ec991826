// Package grpc exposes the conversation engine as a gRPC sidecar.
// Messages travel as JSON through a registered codec, so hosts in any
// language can call it without generated stubs.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"github.com/jeeves-cluster-organization/callflow/coreengine/engine"
)

// Logger interface for the server.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// loggerOrNop substitutes a discarding logger for nil.
func loggerOrNop(logger Logger) Logger {
	if logger == nil {
		return nopLogger{}
	}
	return logger
}

// ConversationServer implements ConversationService over an engine.
// Thread-safe: the engine serializes per-call state.
type ConversationServer struct {
	engine *engine.Engine
	logger Logger
}

// NewConversationServer creates a server for eng. A nil logger discards.
func NewConversationServer(eng *engine.Engine, logger Logger) *ConversationServer {
	return &ConversationServer{
		engine: eng,
		logger: loggerOrNop(logger),
	}
}

// =============================================================================
// Call Operations
// =============================================================================

// StartCall initializes a call's context.
func (s *ConversationServer) StartCall(ctx context.Context, req *StartCallRequest) (*CallResponse, error) {
	if err := validateRequired(req.CallID, "call_id"); err != nil {
		return nil, err
	}
	if err := validateRequired(req.AgentID, "agent_id"); err != nil {
		return nil, err
	}

	c, err := s.engine.StartCall(ctx, req.CallID, req.AgentID)
	if err != nil {
		return nil, toStatus("start call", err)
	}

	s.logger.Debug("call_started",
		"call_id", req.CallID,
		"agent_id", req.AgentID,
	)
	return &CallResponse{Context: c}, nil
}

// HandleUtterance routes one caller utterance.
func (s *ConversationServer) HandleUtterance(ctx context.Context, req *UtteranceRequest) (*RoutingResponse, error) {
	if err := validateRequired(req.CallID, "call_id"); err != nil {
		return nil, err
	}

	result, err := s.engine.HandleUtterance(ctx, req.CallID, req.Utterance)
	if err != nil {
		return nil, toStatus("handle utterance", err)
	}
	return &RoutingResponse{Result: result}, nil
}

// UserStartedSpeaking records a barge-in.
func (s *ConversationServer) UserStartedSpeaking(ctx context.Context, req *SpeakingRequest) (*InterruptResponse, error) {
	if err := validateRequired(req.CallID, "call_id"); err != nil {
		return nil, err
	}
	return &InterruptResponse{Interrupt: s.engine.UserStartedSpeaking(ctx, req.CallID, req.Metadata)}, nil
}

// CaptureInterrupt records the interrupting utterance and routes it.
func (s *ConversationServer) CaptureInterrupt(ctx context.Context, req *UtteranceRequest) (*RoutingResponse, error) {
	if err := validateRequired(req.CallID, "call_id"); err != nil {
		return nil, err
	}

	result, err := s.engine.CaptureInterrupt(ctx, req.CallID, req.Utterance)
	if err != nil {
		return nil, toStatus("capture interrupt", err)
	}
	return &RoutingResponse{Result: result}, nil
}

// HandleVendorEvent applies one decoded vendor message.
func (s *ConversationServer) HandleVendorEvent(ctx context.Context, req *VendorEventRequest) (*VendorEventResponse, error) {
	if err := validateRequired(req.Vendor, "vendor"); err != nil {
		return nil, err
	}

	resp, err := s.applyVendorEvent(ctx, req)
	if err != nil {
		return nil, toStatus("handle vendor event", err)
	}
	return resp, nil
}

func (s *ConversationServer) applyVendorEvent(ctx context.Context, req *VendorEventRequest) (*VendorEventResponse, error) {
	out, err := s.engine.HandleVendorEvent(ctx, req.Vendor, req.CallID, req.Payload)
	if out == nil {
		return nil, err
	}
	return &VendorEventResponse{
		Handled:   out.Handled,
		Kind:      string(out.Command.Kind),
		CallID:    out.Command.CallID,
		Interrupt: out.Interrupt,
		Result:    out.Result,
		Ended:     out.Ended,
	}, err
}

// EndCall clears a call.
func (s *ConversationServer) EndCall(ctx context.Context, req *EndCallRequest) (*EndCallResponse, error) {
	if err := validateRequired(req.CallID, "call_id"); err != nil {
		return nil, err
	}
	return &EndCallResponse{Ended: s.engine.EndCall(ctx, req.CallID)}, nil
}

// GetContext returns a snapshot of a call's context.
func (s *ConversationServer) GetContext(ctx context.Context, req *GetContextRequest) (*CallResponse, error) {
	if err := validateRequired(req.CallID, "call_id"); err != nil {
		return nil, err
	}

	c, err := s.engine.Store().Get(req.CallID)
	if err != nil {
		return nil, toStatus("get context", err)
	}
	return &CallResponse{Context: c}, nil
}

// GetStatus returns the engine status snapshot.
func (s *ConversationServer) GetStatus(ctx context.Context, req *GetStatusRequest) (*GetStatusResponse, error) {
	return &GetStatusResponse{Status: s.engine.GetSystemStatus()}, nil
}

// =============================================================================
// Vendor Event Stream
// =============================================================================

// VendorEvents applies vendor messages in arrival order until the client
// closes its side. A message that fails is answered with Error set.
func (s *ConversationServer) VendorEvents(stream VendorEventsServer) error {
	ctx := stream.Context()
	for {
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		resp, err := s.applyVendorEvent(ctx, req)
		if resp == nil {
			resp = &VendorEventResponse{}
		}
		if err != nil {
			resp.Error = err.Error()
			s.logger.Warn("vendor_event_failed",
				"vendor", req.Vendor,
				"call_id", req.CallID,
				"error", err.Error(),
			)
		}
		if err := stream.Send(resp); err != nil {
			return err
		}
	}
}

// =============================================================================
// Graceful Server
// =============================================================================

// GracefulServer wraps a gRPC server with graceful shutdown support.
// It listens for context cancellation and shuts down cleanly.
type GracefulServer struct {
	grpcServer *grpc.Server
	logger     Logger
	address    string
	listener   net.Listener
	shutdownMu sync.Mutex
	isShutdown bool
}

// NewGracefulServer creates a server for svc with the standard interceptors
// and OpenTelemetry instrumentation. Extra options are appended.
func NewGracefulServer(svc *ConversationServer, address string, opts ...grpc.ServerOption) *GracefulServer {
	logger := loggerOrNop(svc.logger)
	all := append(ServerOptions(logger), grpc.StatsHandler(otelgrpc.NewServerHandler()))
	all = append(all, opts...)

	grpcServer := grpc.NewServer(all...)
	RegisterConversationServiceServer(grpcServer, svc)

	return &GracefulServer{
		grpcServer: grpcServer,
		logger:     logger,
		address:    address,
	}
}

func (s *GracefulServer) listen() error {
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = lis
	return nil
}

// Start starts the server and blocks until ctx is cancelled.
// When ctx is cancelled, it performs graceful shutdown.
func (s *GracefulServer) Start(ctx context.Context) error {
	errCh, err := s.StartBackground()
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		s.logger.Info("grpc_graceful_shutdown_initiated",
			"reason", ctx.Err().Error(),
		)
		s.GracefulStop()
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

// StartBackground starts the server in a goroutine.
// Returns a channel that receives errors.
func (s *GracefulServer) StartBackground() (<-chan error, error) {
	if err := s.listen(); err != nil {
		return nil, err
	}

	s.logger.Info("grpc_server_started",
		"address", s.Address(),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.grpcServer.Serve(s.listener); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// GracefulStop gracefully stops the server.
// It stops accepting new connections and waits for existing ones to complete.
func (s *GracefulServer) GracefulStop() {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()

	if s.isShutdown {
		return
	}
	s.isShutdown = true

	s.logger.Info("grpc_graceful_stop_started")
	s.grpcServer.GracefulStop()
	s.logger.Info("grpc_graceful_stop_completed")
}

// Stop immediately stops the server.
func (s *GracefulServer) Stop() {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()

	if s.isShutdown {
		return
	}
	s.isShutdown = true

	s.logger.Warn("grpc_immediate_stop")
	s.grpcServer.Stop()
}

// ShutdownWithTimeout performs graceful shutdown with a timeout.
// If shutdown doesn't complete within timeout, it forces an immediate stop.
func (s *GracefulServer) ShutdownWithTimeout(timeout time.Duration) {
	done := make(chan struct{})

	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(timeout):
		s.logger.Warn("grpc_graceful_shutdown_timeout",
			"timeout_ms", timeout.Milliseconds(),
		)
		s.grpcServer.Stop()
	}
}

// Address returns the bound address once listening, else the configured one.
func (s *GracefulServer) Address() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.address
}
