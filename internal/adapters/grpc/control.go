package grpc

import (
	"context"
	"errors"

	"stockflow/internal/orders"
	"stockflow/internal/saga"

	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified name of the control service.
const ServiceName = "stockflow.saga.v1.Orchestrator"

// ControlMethod is the full method path of the Control RPC.
const ControlMethod = "/" + ServiceName + "/Control"

// ControlRequest drives one saga transition.
type ControlRequest struct {
	SagaID     string           `json:"saga_id"`
	Action     string           `json:"action"`
	Step       string           `json:"step,omitempty"`
	StepResult *saga.StepResult `json:"step_result,omitempty"`
	Error      string           `json:"error,omitempty"`
	Reason     string           `json:"reason,omitempty"`
}

// ControlResponse reports the saga after the transition.
type ControlResponse struct {
	SagaID       string `json:"saga_id"`
	Status       string `json:"status"`
	CurrentStep  string `json:"current_step,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Commander defines the behavior needed by the control adapter.
type Commander interface {
	Handle(ctx context.Context, cmd saga.Command) (saga.Saga, error)
}

// ControlHandler is the server side of the control service.
type ControlHandler interface {
	Control(ctx context.Context, req *ControlRequest) (*ControlResponse, error)
}

// ControlServer adapts a Commander to gRPC.
type ControlServer struct {
	commander Commander
}

// NewControlServer constructs a ControlServer.
func NewControlServer(c Commander) *ControlServer {
	return &ControlServer{commander: c}
}

// Control translates the request into a saga command and maps domain errors
// to gRPC status codes.
func (s *ControlServer) Control(ctx context.Context, req *ControlRequest) (*ControlResponse, error) {
	if req == nil || req.SagaID == "" {
		return nil, status.Error(codes.InvalidArgument, "saga_id is required")
	}
	cmd := saga.Command{
		SagaID: req.SagaID,
		Action: saga.Action(req.Action),
		Step:   saga.StepKind(req.Step),
		Error:  req.Error,
		Reason: req.Reason,
	}
	if req.StepResult != nil {
		cmd.Result = *req.StepResult
	}

	result, err := s.commander.Handle(ctx, cmd)
	if err != nil {
		return nil, mapError(err)
	}
	return &ControlResponse{
		SagaID:       result.ID,
		Status:       string(result.Status),
		CurrentStep:  string(result.CurrentStep),
		ErrorMessage: result.ErrorMessage,
	}, nil
}

func controlHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpcpkg.UnaryServerInterceptor) (any, error) {
	in := new(ControlRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlHandler).Control(ctx, in)
	}
	info := &grpcpkg.UnaryServerInfo{
		Server:     srv,
		FullMethod: ControlMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlHandler).Control(ctx, req.(*ControlRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc describes the control service for registration.
var ServiceDesc = grpcpkg.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlHandler)(nil),
	Methods: []grpcpkg.MethodDesc{
		{MethodName: "Control", Handler: controlHandler},
	},
	Streams:  []grpcpkg.StreamDesc{},
	Metadata: "stockflow/saga/v1/control",
}

// RegisterControlServer registers h with s.
func RegisterControlServer(s grpcpkg.ServiceRegistrar, h ControlHandler) {
	s.RegisterService(&ServiceDesc, h)
}

// ControlClient calls the control service over a client connection.
type ControlClient struct {
	cc grpcpkg.ClientConnInterface
}

// NewControlClient constructs a ControlClient.
func NewControlClient(cc grpcpkg.ClientConnInterface) *ControlClient {
	return &ControlClient{cc: cc}
}

// Control invokes the Control RPC.
func (c *ControlClient) Control(ctx context.Context, req *ControlRequest, opts ...grpcpkg.CallOption) (*ControlResponse, error) {
	out := new(ControlResponse)
	opts = append([]grpcpkg.CallOption{grpcpkg.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, ControlMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func mapError(err error) error {
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	if errors.Is(err, saga.ErrInvalidCommand) || errors.Is(err, saga.ErrUnknownStep) || errors.Is(err, orders.ErrInvalidOrder) {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if errors.Is(err, saga.ErrSagaNotFound) || errors.Is(err, orders.ErrOrderNotFound) {
		return status.Error(codes.NotFound, err.Error())
	}
	if errors.Is(err, saga.ErrSagaBusy) {
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
