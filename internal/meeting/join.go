package meeting

import (
	"context"

	"github.com/darktower/conference-control/internal/apperr"
	"github.com/darktower/conference-control/internal/database"
	"github.com/darktower/conference-control/internal/token"
)

// TokenIssuer is the GC's view of the Authentication Controller's internal
// token endpoints.
type TokenIssuer interface {
	MeetingToken(ctx context.Context, req token.MeetingTokenRequest) (*token.TokenResponse, error)
	GuestToken(ctx context.Context, req token.GuestTokenRequest) (*token.GuestTokenResponse, error)
}

// MCAssignment is the client-facing slice of an assignment.
type MCAssignment struct {
	ControllerID         string  `json:"controller_id"`
	GRPCEndpoint         string  `json:"grpc_endpoint,omitempty"`
	WebTransportEndpoint *string `json:"webtransport_endpoint,omitempty"`
	HandlerPrimaryID     string  `json:"handler_primary_id"`
	HandlerBackupID      *string `json:"handler_backup_id,omitempty"`
}

// JoinResponse is the GET /api/v1/meetings/{code} payload.
type JoinResponse struct {
	Meeting      *database.Meeting    `json:"meeting"`
	MCAssignment *MCAssignment        `json:"mc_assignment"`
	JoinToken    *token.TokenResponse `json:"join_token"`
	Capabilities []string             `json:"capabilities"`
}

// Join resolves the meeting, ensures it has an MC assignment, and returns
// a short-lived join token minted by the Authentication Controller.
func (s *Service) Join(ctx context.Context, org *database.Organization, userID, displayName, code string) (*JoinResponse, error) {
	m, err := s.store.GetMeetingByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if m == nil || m.OrgID != org.OrgID {
		return nil, apperr.NotFound("meeting")
	}

	assignment, mc, err := s.ensureAssignment(ctx, m)
	if err != nil {
		return nil, err
	}

	role := "participant"
	caps := []string{"join", "audio", "video", "screenshare"}
	if userID == m.CreatedByUserID {
		role = "host"
		caps = append(caps, "mute_others", "end_meeting", "update_settings")
	}

	joinToken, err := s.ac.MeetingToken(ctx, token.MeetingTokenRequest{
		MeetingID:   m.MeetingID,
		MeetingCode: m.MeetingCode,
		OrgID:       m.OrgID,
		UserID:      userID,
		DisplayName: displayName,
		Role:        role,
	})
	if err != nil {
		return nil, err
	}

	out := &MCAssignment{
		ControllerID:     assignment.ControllerID,
		HandlerPrimaryID: assignment.HandlerPrimaryID,
		HandlerBackupID:  assignment.HandlerBackupID,
	}
	if mc != nil {
		out.GRPCEndpoint = mc.GRPCEndpoint
		out.WebTransportEndpoint = mc.WebTransportEndpoint
	}

	return &JoinResponse{
		Meeting:      m,
		MCAssignment: out,
		JoinToken:    joinToken,
		Capabilities: caps,
	}, nil
}

// GuestJoin issues a guest token for a meeting with guest access enabled.
// The caller is anonymous; rate limiting happens at the route.
func (s *Service) GuestJoin(ctx context.Context, org *database.Organization, code, displayName string) (*token.GuestTokenResponse, error) {
	m, err := s.store.GetMeetingByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if m == nil || m.OrgID != org.OrgID {
		return nil, apperr.NotFound("meeting")
	}
	if !m.Flags.AllowGuests {
		return nil, apperr.New(apperr.KindInsufficientScope, "guest access is not enabled for this meeting")
	}

	guest, err := s.ac.GuestToken(ctx, token.GuestTokenRequest{
		MeetingID:   m.MeetingID,
		MeetingCode: m.MeetingCode,
		OrgID:       m.OrgID,
		DisplayName: displayName,
	})
	if err != nil {
		return nil, err
	}
	if s.met != nil {
		s.met.GuestTokensIssued.Inc()
	}
	return guest, nil
}
