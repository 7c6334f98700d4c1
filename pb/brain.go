package pb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// ConverseRequest starts (or continues) a conversation turn.
type ConverseRequest struct {
	SessionId string
	UserId    string
	Message   string
}

// ConverseChunk is one element of the Converse response stream. Exactly one
// of Reply, Clarification or Event is set; Final marks the last chunk.
type ConverseChunk struct {
	Reply         *AssistantReply
	Clarification *Clarification
	Event         *PlanEvent
	Final         bool
}

type AssistantReply struct {
	Text             string
	IntentAction     string
	Confidence       float64
	AttestationQuote []byte
	LlmGenerated     bool
}

type Clarification struct {
	Question string
	Options  []string
	Blocking bool
}

type PlanEvent struct {
	EventId   string
	PlanId    string
	StepId    string
	EventType string
	Message   string
	DataJson  []byte
	Timestamp *timestamppb.Timestamp
}

type ApproveStepRequest struct {
	PlanId   string
	StepId   string
	Approved bool
	Approver string
	Comment  string
}

type CancelPlanRequest struct {
	PlanId string
	Reason string
}

type Ack struct {
	Success bool
	Message string
}

type SnapshotRequest struct {
	SessionId string
}

type Turn struct {
	Id           string
	Role         string
	Content      string
	Timestamp    *timestamppb.Timestamp
	IntentAction string
}

type SessionSnapshot struct {
	SessionId      string
	UserId         string
	Turns          []*Turn
	CreatedAt      *timestamppb.Timestamp
	LastActivityAt *timestamppb.Timestamp
	ExpiresAt      *timestamppb.Timestamp
}

// BrainServiceServer is the server contract for the orchestrator surface.
type BrainServiceServer interface {
	Converse(*ConverseRequest, BrainService_ConverseServer) error
	ApproveStep(context.Context, *ApproveStepRequest) (*Ack, error)
	CancelPlan(context.Context, *CancelPlanRequest) (*Ack, error)
	GetSessionSnapshot(context.Context, *SnapshotRequest) (*SessionSnapshot, error)
}

// UnimplementedBrainServiceServer may be embedded for forward compatibility.
type UnimplementedBrainServiceServer struct{}

func (UnimplementedBrainServiceServer) Converse(*ConverseRequest, BrainService_ConverseServer) error {
	return status.Errorf(codes.Unimplemented, "method Converse not implemented")
}

func (UnimplementedBrainServiceServer) ApproveStep(context.Context, *ApproveStepRequest) (*Ack, error) {
	return nil, status.Errorf(codes.Unimplemented, "method ApproveStep not implemented")
}

func (UnimplementedBrainServiceServer) CancelPlan(context.Context, *CancelPlanRequest) (*Ack, error) {
	return nil, status.Errorf(codes.Unimplemented, "method CancelPlan not implemented")
}

func (UnimplementedBrainServiceServer) GetSessionSnapshot(context.Context, *SnapshotRequest) (*SessionSnapshot, error) {
	return nil, status.Errorf(codes.Unimplemented, "method GetSessionSnapshot not implemented")
}

// BrainService_ConverseServer is the server side of the Converse stream.
type BrainService_ConverseServer interface {
	Send(*ConverseChunk) error
	grpc.ServerStream
}

type brainConverseServer struct {
	grpc.ServerStream
}

func (x *brainConverseServer) Send(m *ConverseChunk) error {
	return x.ServerStream.SendMsg(m)
}

// BrainServiceClient mirrors the server contract for Go callers.
type BrainServiceClient interface {
	Converse(ctx context.Context, in *ConverseRequest, opts ...grpc.CallOption) (BrainService_ConverseClient, error)
	ApproveStep(ctx context.Context, in *ApproveStepRequest, opts ...grpc.CallOption) (*Ack, error)
	CancelPlan(ctx context.Context, in *CancelPlanRequest, opts ...grpc.CallOption) (*Ack, error)
	GetSessionSnapshot(ctx context.Context, in *SnapshotRequest, opts ...grpc.CallOption) (*SessionSnapshot, error)
}

type BrainService_ConverseClient interface {
	Recv() (*ConverseChunk, error)
	grpc.ClientStream
}

type brainServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewBrainServiceClient(cc grpc.ClientConnInterface) BrainServiceClient {
	return &brainServiceClient{cc: cc}
}

type brainConverseClient struct {
	grpc.ClientStream
}

func (x *brainConverseClient) Recv() (*ConverseChunk, error) {
	m := new(ConverseChunk)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *brainServiceClient) Converse(ctx context.Context, in *ConverseRequest, opts ...grpc.CallOption) (BrainService_ConverseClient, error) {
	stream, err := c.cc.NewStream(ctx, &BrainServiceDesc.Streams[0], "/brain.v1.BrainService/Converse", opts...)
	if err != nil {
		return nil, err
	}
	x := &brainConverseClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

func (c *brainServiceClient) ApproveStep(ctx context.Context, in *ApproveStepRequest, opts ...grpc.CallOption) (*Ack, error) {
	out := new(Ack)
	if err := c.cc.Invoke(ctx, "/brain.v1.BrainService/ApproveStep", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *brainServiceClient) CancelPlan(ctx context.Context, in *CancelPlanRequest, opts ...grpc.CallOption) (*Ack, error) {
	out := new(Ack)
	if err := c.cc.Invoke(ctx, "/brain.v1.BrainService/CancelPlan", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *brainServiceClient) GetSessionSnapshot(ctx context.Context, in *SnapshotRequest, opts ...grpc.CallOption) (*SessionSnapshot, error) {
	out := new(SessionSnapshot)
	if err := c.cc.Invoke(ctx, "/brain.v1.BrainService/GetSessionSnapshot", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterBrainServiceServer wires an implementation into a gRPC server.
func RegisterBrainServiceServer(s grpc.ServiceRegistrar, srv BrainServiceServer) {
	s.RegisterService(&BrainServiceDesc, srv)
}

func _BrainService_ApproveStep_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ApproveStepRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BrainServiceServer).ApproveStep(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/brain.v1.BrainService/ApproveStep"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BrainServiceServer).ApproveStep(ctx, req.(*ApproveStepRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _BrainService_CancelPlan_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CancelPlanRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BrainServiceServer).CancelPlan(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/brain.v1.BrainService/CancelPlan"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BrainServiceServer).CancelPlan(ctx, req.(*CancelPlanRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _BrainService_GetSessionSnapshot_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SnapshotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BrainServiceServer).GetSessionSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/brain.v1.BrainService/GetSessionSnapshot"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BrainServiceServer).GetSessionSnapshot(ctx, req.(*SnapshotRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _BrainService_Converse_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(ConverseRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(BrainServiceServer).Converse(m, &brainConverseServer{stream})
}

// BrainServiceDesc is the service descriptor for BrainService.
var BrainServiceDesc = grpc.ServiceDesc{
	ServiceName: "brain.v1.BrainService",
	HandlerType: (*BrainServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ApproveStep", Handler: _BrainService_ApproveStep_Handler},
		{MethodName: "CancelPlan", Handler: _BrainService_CancelPlan_Handler},
		{MethodName: "GetSessionSnapshot", Handler: _BrainService_GetSessionSnapshot_Handler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Converse", Handler: _BrainService_Converse_Handler, ServerStreams: true},
	},
	Metadata: "proto/brain.proto",
}
