// Package registry is the Global Controller's gRPC surface for meeting
// controllers and media handlers: registration, heartbeats, and the
// background staleness sweep.
package registry

import (
	"context"
	"log"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/darktower/conference-control/internal/apperr"
	"github.com/darktower/conference-control/internal/database"
	"github.com/darktower/conference-control/internal/metrics"
	"github.com/darktower/conference-control/pb"
)

// heartbeatInterval is what registering nodes are told to use.
const heartbeatInterval = 10

// Store is the registry's database slice.
type Store interface {
	UpsertMeetingController(ctx context.Context, mc *database.MeetingController) (*database.MeetingController, error)
	HeartbeatMeetingController(ctx context.Context, controllerID string, currentMeetings, currentParticipants int, health string) error
	UpsertMediaHandler(ctx context.Context, mh *database.MediaHandler) (*database.MediaHandler, error)
	HeartbeatMediaHandler(ctx context.Context, handlerID string, currentStreams int, health string, cpu, mem, bw *float64) error
	MarkStaleMCsUnhealthy(ctx context.Context, staleness time.Duration) (int, error)
	MarkStaleMHsUnhealthy(ctx context.Context, staleness time.Duration) (int, error)
	ExpireIdleAssignments(ctx context.Context, inactivityCutoff, retention time.Duration) (int, error)
}

// Service implements pb.RegistryServiceServer.
type Service struct {
	pb.UnimplementedRegistryServiceServer

	store  Store
	met    *metrics.Metrics
	logger *log.Logger
}

// NewService builds the registry. met may be nil.
func NewService(store Store, met *metrics.Metrics) *Service {
	return &Service{
		store:  store,
		met:    met,
		logger: log.New(log.Writer(), "[REGISTRY] ", log.LstdFlags),
	}
}

// RegisterMeetingController upserts the MC row. Re-registration resets the
// node to pending until its first heartbeat proves it healthy.
func (s *Service) RegisterMeetingController(ctx context.Context, req *pb.RegisterMcRequest) (*pb.RegisterMcResponse, error) {
	if req.ControllerId == "" || req.Region == "" || req.GrpcEndpoint == "" {
		return nil, status.Error(codes.InvalidArgument, "controller_id, region and grpc_endpoint are required")
	}
	if req.MaxMeetings <= 0 {
		return nil, status.Error(codes.InvalidArgument, "max_meetings must be positive")
	}

	mc := &database.MeetingController{
		ControllerID:    req.ControllerId,
		Region:          req.Region,
		GRPCEndpoint:    req.GrpcEndpoint,
		MaxMeetings:     int(req.MaxMeetings),
		MaxParticipants: int(req.MaxParticipants),
	}
	if req.WebtransportEndpoint != "" {
		mc.WebTransportEndpoint = &req.WebtransportEndpoint
	}

	saved, err := s.store.UpsertMeetingController(ctx, mc)
	if err != nil {
		return nil, toStatus(err)
	}

	s.logger.Printf("registered mc %s region=%s", saved.ControllerID, saved.Region)
	return &pb.RegisterMcResponse{
		ControllerId:      saved.ControllerID,
		HealthStatus:      saved.HealthStatus,
		HeartbeatInterval: heartbeatInterval,
	}, nil
}

// FastHeartbeat updates counters only; health is implied healthy.
func (s *Service) FastHeartbeat(ctx context.Context, req *pb.McFastHeartbeat) (*pb.HeartbeatAck, error) {
	if req.ControllerId == "" {
		return nil, status.Error(codes.InvalidArgument, "controller_id is required")
	}
	err := s.store.HeartbeatMeetingController(ctx, req.ControllerId,
		int(req.CurrentMeetings), int(req.CurrentParticipants), database.HealthHealthy)
	if err != nil {
		return nil, toStatus(err)
	}
	s.countHeartbeat("mc_fast")
	return &pb.HeartbeatAck{Acknowledged: true, HealthStatus: database.HealthHealthy}, nil
}

// ComprehensiveHeartbeat carries the node's own health verdict.
func (s *Service) ComprehensiveHeartbeat(ctx context.Context, req *pb.McComprehensiveHeartbeat) (*pb.HeartbeatAck, error) {
	if req.ControllerId == "" {
		return nil, status.Error(codes.InvalidArgument, "controller_id is required")
	}
	health := req.HealthStatus
	if !validHealth(health) {
		health = database.HealthHealthy
	}
	err := s.store.HeartbeatMeetingController(ctx, req.ControllerId,
		int(req.CurrentMeetings), int(req.CurrentParticipants), health)
	if err != nil {
		return nil, toStatus(err)
	}
	s.countHeartbeat("mc_comprehensive")
	return &pb.HeartbeatAck{Acknowledged: true, HealthStatus: health}, nil
}

// RegisterMediaHandler mirrors MC registration for MHs.
func (s *Service) RegisterMediaHandler(ctx context.Context, req *pb.RegisterMhRequest) (*pb.RegisterMhResponse, error) {
	if req.HandlerId == "" || req.Region == "" || req.WebtransportEndpoint == "" {
		return nil, status.Error(codes.InvalidArgument, "handler_id, region and webtransport_endpoint are required")
	}
	if req.MaxStreams <= 0 {
		return nil, status.Error(codes.InvalidArgument, "max_streams must be positive")
	}

	saved, err := s.store.UpsertMediaHandler(ctx, &database.MediaHandler{
		HandlerID:            req.HandlerId,
		Region:               req.Region,
		WebTransportEndpoint: req.WebtransportEndpoint,
		GRPCEndpoint:         req.GrpcEndpoint,
		MaxStreams:           int(req.MaxStreams),
	})
	if err != nil {
		return nil, toStatus(err)
	}

	s.logger.Printf("registered mh %s region=%s", saved.HandlerID, saved.Region)
	return &pb.RegisterMhResponse{
		HandlerId:         saved.HandlerID,
		HealthStatus:      saved.HealthStatus,
		HeartbeatInterval: heartbeatInterval,
	}, nil
}

// MediaHandlerHeartbeat updates stream counters and resource readings.
func (s *Service) MediaHandlerHeartbeat(ctx context.Context, req *pb.MhHeartbeat) (*pb.HeartbeatAck, error) {
	if req.HandlerId == "" {
		return nil, status.Error(codes.InvalidArgument, "handler_id is required")
	}
	health := req.HealthStatus
	if !validHealth(health) {
		health = database.HealthHealthy
	}
	err := s.store.HeartbeatMediaHandler(ctx, req.HandlerId, int(req.CurrentStreams), health,
		optionalFloat(req.CpuPercent), optionalFloat(req.MemoryPercent), optionalFloat(req.BandwidthPercent))
	if err != nil {
		return nil, toStatus(err)
	}
	s.countHeartbeat("mh")
	return &pb.HeartbeatAck{Acknowledged: true, HealthStatus: health}, nil
}

func (s *Service) countHeartbeat(kind string) {
	if s.met != nil {
		s.met.RegistryHeartbeats.WithLabelValues(kind).Inc()
	}
}

func validHealth(h string) bool {
	switch h {
	case database.HealthHealthy, database.HealthDegraded, database.HealthUnhealthy, database.HealthDraining:
		return true
	}
	return false
}

func optionalFloat(f float64) *float64 {
	if f == 0 {
		return nil
	}
	return &f
}

// toStatus maps domain errors onto gRPC codes.
func toStatus(err error) error {
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return status.Error(codes.NotFound, "not found")
	case apperr.KindInvalidToken, apperr.KindInvalidCredential:
		return status.Error(codes.Unauthenticated, "invalid token")
	case apperr.KindInsufficientScope:
		return status.Error(codes.PermissionDenied, "insufficient scope")
	case apperr.KindValidation:
		return status.Error(codes.InvalidArgument, apperr.AsError(err).Message)
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
