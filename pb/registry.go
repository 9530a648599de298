// Package pb holds the hand-rolled gRPC surface shared by the Global
// Controller and the meeting-plane services. Messages travel with the JSON
// codec (codec.go), so no generated code is required.
package pb

import (
	"context"

	"google.golang.org/grpc"
)

// Registry messages

type RegisterMcRequest struct {
	ControllerId         string `json:"controller_id"`
	Region               string `json:"region"`
	GrpcEndpoint         string `json:"grpc_endpoint"`
	WebtransportEndpoint string `json:"webtransport_endpoint,omitempty"`
	MaxMeetings          int32  `json:"max_meetings"`
	MaxParticipants      int32  `json:"max_participants"`
}

type RegisterMcResponse struct {
	ControllerId      string `json:"controller_id"`
	HealthStatus      string `json:"health_status"`
	HeartbeatInterval int32  `json:"heartbeat_interval_seconds"`
}

// McFastHeartbeat is the cheap liveness ping: counters only.
type McFastHeartbeat struct {
	ControllerId        string `json:"controller_id"`
	CurrentMeetings     int32  `json:"current_meetings"`
	CurrentParticipants int32  `json:"current_participants"`
}

// McComprehensiveHeartbeat carries the full health report.
type McComprehensiveHeartbeat struct {
	ControllerId        string  `json:"controller_id"`
	CurrentMeetings     int32   `json:"current_meetings"`
	CurrentParticipants int32   `json:"current_participants"`
	HealthStatus        string  `json:"health_status"`
	CpuPercent          float64 `json:"cpu_percent,omitempty"`
	MemoryPercent       float64 `json:"memory_percent,omitempty"`
}

type HeartbeatAck struct {
	Acknowledged bool   `json:"acknowledged"`
	HealthStatus string `json:"health_status"`
}

type RegisterMhRequest struct {
	HandlerId            string `json:"handler_id"`
	Region               string `json:"region"`
	WebtransportEndpoint string `json:"webtransport_endpoint"`
	GrpcEndpoint         string `json:"grpc_endpoint"`
	MaxStreams           int32  `json:"max_streams"`
}

type RegisterMhResponse struct {
	HandlerId         string `json:"handler_id"`
	HealthStatus      string `json:"health_status"`
	HeartbeatInterval int32  `json:"heartbeat_interval_seconds"`
}

type MhHeartbeat struct {
	HandlerId        string  `json:"handler_id"`
	CurrentStreams   int32   `json:"current_streams"`
	HealthStatus     string  `json:"health_status"`
	CpuPercent       float64 `json:"cpu_percent,omitempty"`
	MemoryPercent    float64 `json:"memory_percent,omitempty"`
	BandwidthPercent float64 `json:"bandwidth_percent,omitempty"`
}

// RegistryServiceServer is implemented by the GC's registry handler.
type RegistryServiceServer interface {
	RegisterMeetingController(context.Context, *RegisterMcRequest) (*RegisterMcResponse, error)
	FastHeartbeat(context.Context, *McFastHeartbeat) (*HeartbeatAck, error)
	ComprehensiveHeartbeat(context.Context, *McComprehensiveHeartbeat) (*HeartbeatAck, error)
	RegisterMediaHandler(context.Context, *RegisterMhRequest) (*RegisterMhResponse, error)
	MediaHandlerHeartbeat(context.Context, *MhHeartbeat) (*HeartbeatAck, error)
}

// UnimplementedRegistryServiceServer gives forward-compatible embedding.
type UnimplementedRegistryServiceServer struct{}

func (UnimplementedRegistryServiceServer) RegisterMeetingController(context.Context, *RegisterMcRequest) (*RegisterMcResponse, error) {
	return nil, nil
}
func (UnimplementedRegistryServiceServer) FastHeartbeat(context.Context, *McFastHeartbeat) (*HeartbeatAck, error) {
	return nil, nil
}
func (UnimplementedRegistryServiceServer) ComprehensiveHeartbeat(context.Context, *McComprehensiveHeartbeat) (*HeartbeatAck, error) {
	return nil, nil
}
func (UnimplementedRegistryServiceServer) RegisterMediaHandler(context.Context, *RegisterMhRequest) (*RegisterMhResponse, error) {
	return nil, nil
}
func (UnimplementedRegistryServiceServer) MediaHandlerHeartbeat(context.Context, *MhHeartbeat) (*HeartbeatAck, error) {
	return nil, nil
}

const RegistryServiceName = "conference.RegistryService"

// RegistryServiceDesc wires the methods onto a grpc.Server.
var RegistryServiceDesc = grpc.ServiceDesc{
	ServiceName: RegistryServiceName,
	HandlerType: (*RegistryServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RegisterMeetingController", Handler: registerMcHandler},
		{MethodName: "FastHeartbeat", Handler: fastHeartbeatHandler},
		{MethodName: "ComprehensiveHeartbeat", Handler: comprehensiveHeartbeatHandler},
		{MethodName: "RegisterMediaHandler", Handler: registerMhHandler},
		{MethodName: "MediaHandlerHeartbeat", Handler: mhHeartbeatHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "conference/registry.proto",
}

// RegisterRegistryServiceServer attaches srv to s.
func RegisterRegistryServiceServer(s grpc.ServiceRegistrar, srv RegistryServiceServer) {
	s.RegisterService(&RegistryServiceDesc, srv)
}

func registerMcHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RegisterMcRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RegistryServiceServer).RegisterMeetingController(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + RegistryServiceName + "/RegisterMeetingController"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RegistryServiceServer).RegisterMeetingController(ctx, req.(*RegisterMcRequest))
	})
}

func fastHeartbeatHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(McFastHeartbeat)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RegistryServiceServer).FastHeartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + RegistryServiceName + "/FastHeartbeat"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RegistryServiceServer).FastHeartbeat(ctx, req.(*McFastHeartbeat))
	})
}

func comprehensiveHeartbeatHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(McComprehensiveHeartbeat)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RegistryServiceServer).ComprehensiveHeartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + RegistryServiceName + "/ComprehensiveHeartbeat"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RegistryServiceServer).ComprehensiveHeartbeat(ctx, req.(*McComprehensiveHeartbeat))
	})
}

func registerMhHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RegisterMhRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RegistryServiceServer).RegisterMediaHandler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + RegistryServiceName + "/RegisterMediaHandler"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RegistryServiceServer).RegisterMediaHandler(ctx, req.(*RegisterMhRequest))
	})
}

func mhHeartbeatHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(MhHeartbeat)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RegistryServiceServer).MediaHandlerHeartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + RegistryServiceName + "/MediaHandlerHeartbeat"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RegistryServiceServer).MediaHandlerHeartbeat(ctx, req.(*MhHeartbeat))
	})
}

// Meeting control (served by MCs, called by the GC)

type AssignMeetingRequest struct {
	MeetingId        string `json:"meeting_id"`
	MeetingCode      string `json:"meeting_code"`
	OrgId            string `json:"org_id"`
	MaxParticipants  int32  `json:"max_participants"`
	HandlerPrimaryId string `json:"handler_primary_id"`
	HandlerBackupId  string `json:"handler_backup_id,omitempty"`
}

type AssignMeetingResponse struct {
	Accepted     bool   `json:"accepted"`
	Reason       string `json:"reason,omitempty"`
	ControllerId string `json:"controller_id"`
}

// MeetingControlClient is the GC's view of an MC.
type MeetingControlClient interface {
	AssignMeetingWithMh(ctx context.Context, in *AssignMeetingRequest, opts ...grpc.CallOption) (*AssignMeetingResponse, error)
}

const meetingControlAssignMethod = "/conference.MeetingControl/AssignMeetingWithMh"

type meetingControlClient struct {
	cc grpc.ClientConnInterface
}

// NewMeetingControlClient wraps a client connection.
func NewMeetingControlClient(cc grpc.ClientConnInterface) MeetingControlClient {
	return &meetingControlClient{cc: cc}
}

func (c *meetingControlClient) AssignMeetingWithMh(ctx context.Context, in *AssignMeetingRequest, opts ...grpc.CallOption) (*AssignMeetingResponse, error) {
	out := new(AssignMeetingResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(JSONCodecName)}, opts...)
	if err := c.cc.Invoke(ctx, meetingControlAssignMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
