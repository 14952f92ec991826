package grpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/jeeves-cluster-organization/callflow/coreengine/conversation"
	"github.com/jeeves-cluster-organization/callflow/coreengine/interruption"
	"github.com/jeeves-cluster-organization/callflow/coreengine/routing"
)

// ConversationServiceName is the fully qualified gRPC service name.
const ConversationServiceName = "callflow.v1.ConversationService"

// Full method names.
const (
	MethodStartCall           = "/" + ConversationServiceName + "/StartCall"
	MethodHandleUtterance     = "/" + ConversationServiceName + "/HandleUtterance"
	MethodUserStartedSpeaking = "/" + ConversationServiceName + "/UserStartedSpeaking"
	MethodCaptureInterrupt    = "/" + ConversationServiceName + "/CaptureInterrupt"
	MethodHandleVendorEvent   = "/" + ConversationServiceName + "/HandleVendorEvent"
	MethodEndCall             = "/" + ConversationServiceName + "/EndCall"
	MethodGetContext          = "/" + ConversationServiceName + "/GetContext"
	MethodGetStatus           = "/" + ConversationServiceName + "/GetStatus"
	MethodVendorEvents        = "/" + ConversationServiceName + "/VendorEvents"
)

// =============================================================================
// Messages
// =============================================================================

// StartCallRequest starts a call for an agent.
type StartCallRequest struct {
	CallID  string `json:"call_id"`
	AgentID string `json:"agent_id"`
}

// UtteranceRequest carries one caller utterance.
type UtteranceRequest struct {
	CallID    string `json:"call_id"`
	Utterance string `json:"utterance"`
}

// SpeakingRequest reports that the caller started speaking.
type SpeakingRequest struct {
	CallID   string         `json:"call_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// VendorEventRequest carries a decoded Retell or Twilio message.
type VendorEventRequest struct {
	Vendor  string         `json:"vendor"`
	CallID  string         `json:"call_id,omitempty"`
	Payload map[string]any `json:"payload"`
}

// EndCallRequest ends a call.
type EndCallRequest struct {
	CallID string `json:"call_id"`
}

// GetContextRequest reads a call's context.
type GetContextRequest struct {
	CallID string `json:"call_id"`
}

// GetStatusRequest asks for the engine status.
type GetStatusRequest struct{}

// CallResponse returns a call's context.
type CallResponse struct {
	Context *conversation.Context `json:"context"`
}

// RoutingResponse returns the routing result of an utterance.
type RoutingResponse struct {
	Result *routing.Result `json:"result"`
}

// InterruptResponse returns the interrupt state of a call.
type InterruptResponse struct {
	Interrupt *interruption.Event `json:"interrupt"`
}

// VendorEventResponse reports what a vendor message did. On the VendorEvents
// stream a per-message failure is reported in Error and the stream goes on.
type VendorEventResponse struct {
	Handled   bool                `json:"handled"`
	Kind      string              `json:"kind,omitempty"`
	CallID    string              `json:"call_id,omitempty"`
	Interrupt *interruption.Event `json:"interrupt,omitempty"`
	Result    *routing.Result     `json:"result,omitempty"`
	Ended     bool                `json:"ended"`
	Error     string              `json:"error,omitempty"`
}

// EndCallResponse reports whether the call had a context.
type EndCallResponse struct {
	Ended bool `json:"ended"`
}

// GetStatusResponse carries the engine status snapshot.
type GetStatusResponse struct {
	Status map[string]any `json:"status"`
}

// =============================================================================
// Service Definition
// =============================================================================

// ConversationServiceServer is the server API for ConversationService.
type ConversationServiceServer interface {
	StartCall(context.Context, *StartCallRequest) (*CallResponse, error)
	HandleUtterance(context.Context, *UtteranceRequest) (*RoutingResponse, error)
	UserStartedSpeaking(context.Context, *SpeakingRequest) (*InterruptResponse, error)
	CaptureInterrupt(context.Context, *UtteranceRequest) (*RoutingResponse, error)
	HandleVendorEvent(context.Context, *VendorEventRequest) (*VendorEventResponse, error)
	EndCall(context.Context, *EndCallRequest) (*EndCallResponse, error)
	GetContext(context.Context, *GetContextRequest) (*CallResponse, error)
	GetStatus(context.Context, *GetStatusRequest) (*GetStatusResponse, error)
	VendorEvents(VendorEventsServer) error
}

// ConversationServiceDesc describes ConversationService for grpc.Server.
var ConversationServiceDesc = grpc.ServiceDesc{
	ServiceName: ConversationServiceName,
	HandlerType: (*ConversationServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartCall", Handler: unaryHandler(MethodStartCall, ConversationServiceServer.StartCall)},
		{MethodName: "HandleUtterance", Handler: unaryHandler(MethodHandleUtterance, ConversationServiceServer.HandleUtterance)},
		{MethodName: "UserStartedSpeaking", Handler: unaryHandler(MethodUserStartedSpeaking, ConversationServiceServer.UserStartedSpeaking)},
		{MethodName: "CaptureInterrupt", Handler: unaryHandler(MethodCaptureInterrupt, ConversationServiceServer.CaptureInterrupt)},
		{MethodName: "HandleVendorEvent", Handler: unaryHandler(MethodHandleVendorEvent, ConversationServiceServer.HandleVendorEvent)},
		{MethodName: "EndCall", Handler: unaryHandler(MethodEndCall, ConversationServiceServer.EndCall)},
		{MethodName: "GetContext", Handler: unaryHandler(MethodGetContext, ConversationServiceServer.GetContext)},
		{MethodName: "GetStatus", Handler: unaryHandler(MethodGetStatus, ConversationServiceServer.GetStatus)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "VendorEvents",
			Handler:       vendorEventsHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "callflow/v1/conversation",
}

// RegisterConversationServiceServer registers srv on s.
func RegisterConversationServiceServer(s grpc.ServiceRegistrar, srv ConversationServiceServer) {
	s.RegisterService(&ConversationServiceDesc, srv)
}

func unaryHandler[Req, Resp any](
	fullMethod string,
	call func(ConversationServiceServer, context.Context, *Req) (*Resp, error),
) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ConversationServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ConversationServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// VendorEventsServer is the server side of the VendorEvents stream.
type VendorEventsServer interface {
	Send(*VendorEventResponse) error
	Recv() (*VendorEventRequest, error)
	grpc.ServerStream
}

type vendorEventsServer struct {
	grpc.ServerStream
}

func (x *vendorEventsServer) Send(m *VendorEventResponse) error {
	return x.ServerStream.SendMsg(m)
}

func (x *vendorEventsServer) Recv() (*VendorEventRequest, error) {
	m := new(VendorEventRequest)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func vendorEventsHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ConversationServiceServer).VendorEvents(&vendorEventsServer{stream})
}

// =============================================================================
// Client
// =============================================================================

// ConversationClient calls ConversationService using the JSON codec.
type ConversationClient struct {
	cc grpc.ClientConnInterface
}

// NewConversationClient creates a client over cc.
func NewConversationClient(cc grpc.ClientConnInterface) *ConversationClient {
	return &ConversationClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// StartCall calls ConversationService.StartCall.
func (c *ConversationClient) StartCall(ctx context.Context, in *StartCallRequest, opts ...grpc.CallOption) (*CallResponse, error) {
	return invoke[CallResponse](ctx, c.cc, MethodStartCall, in, opts)
}

// HandleUtterance calls ConversationService.HandleUtterance.
func (c *ConversationClient) HandleUtterance(ctx context.Context, in *UtteranceRequest, opts ...grpc.CallOption) (*RoutingResponse, error) {
	return invoke[RoutingResponse](ctx, c.cc, MethodHandleUtterance, in, opts)
}

// UserStartedSpeaking calls ConversationService.UserStartedSpeaking.
func (c *ConversationClient) UserStartedSpeaking(ctx context.Context, in *SpeakingRequest, opts ...grpc.CallOption) (*InterruptResponse, error) {
	return invoke[InterruptResponse](ctx, c.cc, MethodUserStartedSpeaking, in, opts)
}

// CaptureInterrupt calls ConversationService.CaptureInterrupt.
func (c *ConversationClient) CaptureInterrupt(ctx context.Context, in *UtteranceRequest, opts ...grpc.CallOption) (*RoutingResponse, error) {
	return invoke[RoutingResponse](ctx, c.cc, MethodCaptureInterrupt, in, opts)
}

// HandleVendorEvent calls ConversationService.HandleVendorEvent.
func (c *ConversationClient) HandleVendorEvent(ctx context.Context, in *VendorEventRequest, opts ...grpc.CallOption) (*VendorEventResponse, error) {
	return invoke[VendorEventResponse](ctx, c.cc, MethodHandleVendorEvent, in, opts)
}

// EndCall calls ConversationService.EndCall.
func (c *ConversationClient) EndCall(ctx context.Context, in *EndCallRequest, opts ...grpc.CallOption) (*EndCallResponse, error) {
	return invoke[EndCallResponse](ctx, c.cc, MethodEndCall, in, opts)
}

// GetContext calls ConversationService.GetContext.
func (c *ConversationClient) GetContext(ctx context.Context, in *GetContextRequest, opts ...grpc.CallOption) (*CallResponse, error) {
	return invoke[CallResponse](ctx, c.cc, MethodGetContext, in, opts)
}

// GetStatus calls ConversationService.GetStatus.
func (c *ConversationClient) GetStatus(ctx context.Context, in *GetStatusRequest, opts ...grpc.CallOption) (*GetStatusResponse, error) {
	return invoke[GetStatusResponse](ctx, c.cc, MethodGetStatus, in, opts)
}

// VendorEventsClient is the client side of the VendorEvents stream.
type VendorEventsClient interface {
	Send(*VendorEventRequest) error
	Recv() (*VendorEventResponse, error)
	grpc.ClientStream
}

type vendorEventsClient struct {
	grpc.ClientStream
}

func (x *vendorEventsClient) Send(m *VendorEventRequest) error {
	return x.ClientStream.SendMsg(m)
}

func (x *vendorEventsClient) Recv() (*VendorEventResponse, error) {
	m := new(VendorEventResponse)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// VendorEvents opens the bidirectional vendor event stream.
func (c *ConversationClient) VendorEvents(ctx context.Context, opts ...grpc.CallOption) (VendorEventsClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &ConversationServiceDesc.Streams[0], MethodVendorEvents, opts...)
	if err != nil {
		return nil, err
	}
	return &vendorEventsClient{stream}, nil
}
