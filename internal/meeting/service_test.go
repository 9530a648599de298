package meeting

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darktower/conference-control/internal/apperr"
	"github.com/darktower/conference-control/internal/database"
	"github.com/darktower/conference-control/internal/token"
	"github.com/darktower/conference-control/pb"
)

type fakeMeetingStore struct {
	mu sync.Mutex

	org         *database.Organization
	meetings    map[string]*database.Meeting // by id
	byCode      map[string]*database.Meeting
	assignments map[string]*database.MeetingAssignment
	mcs         []*database.MeetingController
	mhs         []*database.MediaHandler
	audits      []*database.AuditLogEntry

	codeTakenTimes int // force ErrMeetingCodeTaken for the first N inserts
}

func newFakeMeetingStore(org *database.Organization) *fakeMeetingStore {
	return &fakeMeetingStore{
		org:         org,
		meetings:    make(map[string]*database.Meeting),
		byCode:      make(map[string]*database.Meeting),
		assignments: make(map[string]*database.MeetingAssignment),
	}
}

func (f *fakeMeetingStore) CreateMeetingAtomic(ctx context.Context, m *database.Meeting) (*database.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.codeTakenTimes > 0 {
		f.codeTakenTimes--
		return nil, database.ErrMeetingCodeTaken
	}
	live := 0
	for _, ex := range f.meetings {
		if ex.Status == database.MeetingStatusScheduled || ex.Status == database.MeetingStatusActive {
			live++
		}
	}
	if live >= f.org.MaxConcurrentMeetings {
		return nil, nil
	}
	m.Status = database.MeetingStatusScheduled
	if m.MaxParticipants > f.org.MaxParticipantsPerMeeting {
		m.MaxParticipants = f.org.MaxParticipantsPerMeeting
	}
	f.meetings[m.MeetingID] = m
	f.byCode[m.MeetingCode] = m
	return m, nil
}

func (f *fakeMeetingStore) GetMeetingByCode(ctx context.Context, code string) (*database.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.byCode[code]
	if m == nil || m.Status == database.MeetingStatusEnded || m.Status == database.MeetingStatusCancelled {
		return nil, nil
	}
	return m, nil
}

func (f *fakeMeetingStore) GetMeeting(ctx context.Context, meetingID string) (*database.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.meetings[meetingID], nil
}

func (f *fakeMeetingStore) SetMeetingController(ctx context.Context, meetingID, controllerID, region string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m := f.meetings[meetingID]; m != nil {
		m.MeetingControllerID = &controllerID
		m.MeetingControllerRegion = &region
		m.Status = database.MeetingStatusActive
	}
	return nil
}

func (f *fakeMeetingStore) UpdateMeetingSettings(ctx context.Context, meetingID, displayName string, maxParticipants int, flags database.MeetingFlags) (*database.Meeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.meetings[meetingID]
	if m == nil {
		return nil, nil
	}
	m.DisplayName = displayName
	m.MaxParticipants = maxParticipants
	m.Flags = flags
	return m, nil
}

func (f *fakeMeetingStore) EndMeeting(ctx context.Context, meetingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m := f.meetings[meetingID]; m != nil {
		m.Status = database.MeetingStatusEnded
	}
	return nil
}

func (f *fakeMeetingStore) GetActiveAssignment(ctx context.Context, meetingID string) (*database.MeetingAssignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.assignments[meetingID]
	if a == nil || a.Status != database.AssignmentActive {
		return nil, nil
	}
	return a, nil
}

func (f *fakeMeetingStore) ReserveAssignment(ctx context.Context, a *database.MeetingAssignment) (*database.MeetingAssignment, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing := f.assignments[a.MeetingID]; existing != nil && existing.Status == database.AssignmentActive {
		return existing, false, nil
	}
	a.Status = database.AssignmentActive
	a.CreatedAt = time.Now()
	a.LastActivityAt = a.CreatedAt
	f.assignments[a.MeetingID] = a
	return a, true, nil
}

func (f *fakeMeetingStore) DeactivateAssignment(ctx context.Context, meetingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a := f.assignments[meetingID]; a != nil {
		a.Status = database.AssignmentInactive
	}
	return nil
}

func (f *fakeMeetingStore) TouchAssignment(ctx context.Context, meetingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a := f.assignments[meetingID]; a != nil {
		a.LastActivityAt = time.Now()
	}
	return nil
}

func (f *fakeMeetingStore) SelectCandidateMCs(ctx context.Context, region string, staleness time.Duration, limit int, excluded []string) ([]*database.MeetingController, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*database.MeetingController
	for _, mc := range f.mcs {
		if mc.Region != region || contains(excluded, mc.ControllerID) {
			continue
		}
		out = append(out, mc)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeMeetingStore) SelectCandidateMHs(ctx context.Context, region string, staleness time.Duration, limit int, excluded []string) ([]*database.MediaHandler, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*database.MediaHandler
	for _, mh := range f.mhs {
		if mh.Region != region || contains(excluded, mh.HandlerID) {
			continue
		}
		out = append(out, mh)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeMeetingStore) InsertAuditLog(ctx context.Context, e *database.AuditLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, e)
	return nil
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

type fakePool struct {
	clients map[string]pb.MeetingControlClient
}

func (f *fakePool) ClientFor(endpoint string) (pb.MeetingControlClient, error) {
	if c, ok := f.clients[endpoint]; ok {
		return c, nil
	}
	return &pb.MockMeetingControlClient{}, nil
}

type fakeIssuer struct{}

func (fakeIssuer) MeetingToken(ctx context.Context, req token.MeetingTokenRequest) (*token.TokenResponse, error) {
	return &token.TokenResponse{AccessToken: "join-" + req.UserID, TokenType: "Bearer", ExpiresIn: 900}, nil
}

func (fakeIssuer) GuestToken(ctx context.Context, req token.GuestTokenRequest) (*token.GuestTokenResponse, error) {
	return &token.GuestTokenResponse{
		TokenResponse: token.TokenResponse{AccessToken: "guest-token", TokenType: "Bearer", ExpiresIn: 600},
		GuestID:       "guest-1",
	}, nil
}

func mc(id, region string, load float64) *database.MeetingController {
	return &database.MeetingController{
		ControllerID:    id,
		Region:          region,
		GRPCEndpoint:    id + ":9090",
		MaxMeetings:     100,
		CurrentMeetings: int(load * 100),
		HealthStatus:    database.HealthHealthy,
		LastHeartbeatAt: time.Now(),
	}
}

func mh(id, region string, load float64) *database.MediaHandler {
	return &database.MediaHandler{
		HandlerID:            id,
		Region:               region,
		WebTransportEndpoint: id + ":4433",
		GRPCEndpoint:         id + ":9090",
		MaxStreams:           100,
		CurrentStreams:       int(load * 100),
		HealthStatus:         database.HealthHealthy,
		LastHeartbeatAt:      time.Now(),
	}
}

func newTestService(store *fakeMeetingStore) *Service {
	return New(store, &fakePool{}, fakeIssuer{}, "us-east-1", 30*time.Second, nil)
}

func testMeetingOrg() *database.Organization {
	return &database.Organization{
		OrgID:                     "org-1",
		Subdomain:                 "acme",
		MaxConcurrentMeetings:     3,
		MaxParticipantsPerMeeting: 50,
		IsActive:                  true,
	}
}

func TestCreateMeeting(t *testing.T) {
	org := testMeetingOrg()
	store := newFakeMeetingStore(org)
	svc := newTestService(store)

	m, err := svc.Create(context.Background(), org, "user-1", CreateMeetingRequest{DisplayName: "Standup"})
	require.NoError(t, err)
	assert.Len(t, m.MeetingCode, 12)
	assert.Len(t, m.JoinTokenSecret, 64)
	assert.Equal(t, database.MeetingStatusScheduled, m.Status)
	assert.Equal(t, 50, m.MaxParticipants, "defaults to the org ceiling")

	require.Len(t, store.audits, 1)
	assert.Equal(t, "meeting.create", store.audits[0].Action)
}

func TestCreateMeetingDisplayNameValidation(t *testing.T) {
	org := testMeetingOrg()
	store := newFakeMeetingStore(org)
	svc := newTestService(store)

	// Whitespace-only trims to empty.
	_, err := svc.Create(context.Background(), org, "user-1", CreateMeetingRequest{DisplayName: "   "})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	// Over the column bound fails here as a 400, not in the database.
	long := strings.Repeat("x", 256)
	_, err = svc.Create(context.Background(), org, "user-1", CreateMeetingRequest{DisplayName: long})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Empty(t, store.meetings)

	// Surrounding whitespace is stripped from the stored name.
	m, err := svc.Create(context.Background(), org, "user-1", CreateMeetingRequest{DisplayName: "  Standup  "})
	require.NoError(t, err)
	assert.Equal(t, "Standup", m.DisplayName)

	// 255 exactly is allowed.
	_, err = svc.Create(context.Background(), org, "user-1", CreateMeetingRequest{DisplayName: strings.Repeat("y", 255)})
	require.NoError(t, err)
}

func TestUpdateSettingsDisplayNameValidation(t *testing.T) {
	org := testMeetingOrg()
	store := newFakeMeetingStore(org)
	svc := newTestService(store)

	m, err := svc.Create(context.Background(), org, "host-1", CreateMeetingRequest{DisplayName: "m"})
	require.NoError(t, err)

	blank := " "
	_, err = svc.UpdateSettings(context.Background(), org, "host-1", m.MeetingID, UpdateSettingsRequest{DisplayName: &blank})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	long := strings.Repeat("x", 300)
	_, err = svc.UpdateSettings(context.Background(), org, "host-1", m.MeetingID, UpdateSettingsRequest{DisplayName: &long})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestCreateMeetingAtCapacity(t *testing.T) {
	org := testMeetingOrg()
	store := newFakeMeetingStore(org)
	svc := newTestService(store)

	for i := 0; i < 3; i++ {
		_, err := svc.Create(context.Background(), org, "user-1", CreateMeetingRequest{DisplayName: "m"})
		require.NoError(t, err)
	}

	_, err := svc.Create(context.Background(), org, "user-1", CreateMeetingRequest{DisplayName: "overflow"})
	require.Error(t, err)
	ae := apperr.AsError(err)
	assert.Equal(t, apperr.KindCapacityExceeded, ae.Kind)
	assert.Greater(t, ae.RetryAfterSeconds, 0)
}

func TestCreateMeetingRetriesCodeCollision(t *testing.T) {
	org := testMeetingOrg()
	store := newFakeMeetingStore(org)
	store.codeTakenTimes = 2
	svc := newTestService(store)

	m, err := svc.Create(context.Background(), org, "user-1", CreateMeetingRequest{DisplayName: "m"})
	require.NoError(t, err)
	assert.NotEmpty(t, m.MeetingCode)
}

func TestJoinAssignsAndReuses(t *testing.T) {
	org := testMeetingOrg()
	store := newFakeMeetingStore(org)
	store.mcs = []*database.MeetingController{mc("mc-1", "us-east-1", 0.2)}
	store.mhs = []*database.MediaHandler{mh("mh-1", "us-east-1", 0.1), mh("mh-2", "us-east-1", 0.3)}
	svc := newTestService(store)

	m, err := svc.Create(context.Background(), org, "host-1", CreateMeetingRequest{DisplayName: "m"})
	require.NoError(t, err)

	resp, err := svc.Join(context.Background(), org, "host-1", "Alice", m.MeetingCode)
	require.NoError(t, err)
	assert.Equal(t, "mc-1", resp.MCAssignment.ControllerID)
	assert.NotEmpty(t, resp.MCAssignment.HandlerPrimaryID)
	require.NotNil(t, resp.MCAssignment.HandlerBackupID)
	assert.NotEqual(t, resp.MCAssignment.HandlerPrimaryID, *resp.MCAssignment.HandlerBackupID)
	assert.Contains(t, resp.Capabilities, "end_meeting", "creator joins as host")
	assert.Equal(t, "join-host-1", resp.JoinToken.AccessToken)

	// A second join reuses the active assignment.
	resp2, err := svc.Join(context.Background(), org, "user-2", "Bob", m.MeetingCode)
	require.NoError(t, err)
	assert.Equal(t, resp.MCAssignment.ControllerID, resp2.MCAssignment.ControllerID)
	assert.NotContains(t, resp2.Capabilities, "end_meeting")
}

func TestJoinRetriesAfterRefusal(t *testing.T) {
	org := testMeetingOrg()
	store := newFakeMeetingStore(org)
	store.mcs = []*database.MeetingController{
		mc("mc-refuser", "us-east-1", 0.1),
		mc("mc-acceptor", "us-east-1", 0.1),
	}
	store.mhs = []*database.MediaHandler{mh("mh-1", "us-east-1", 0.1)}

	refuser := &pb.MockMeetingControlClient{
		AssignFunc: func(ctx context.Context, in *pb.AssignMeetingRequest) (*pb.AssignMeetingResponse, error) {
			return &pb.AssignMeetingResponse{Accepted: false, Reason: "at capacity"}, nil
		},
	}
	acceptor := &pb.MockMeetingControlClient{}
	pool := &fakePool{clients: map[string]pb.MeetingControlClient{
		"mc-refuser:9090":  refuser,
		"mc-acceptor:9090": acceptor,
	}}
	svc := New(store, pool, fakeIssuer{}, "us-east-1", 30*time.Second, nil)

	m, err := svc.Create(context.Background(), org, "host-1", CreateMeetingRequest{DisplayName: "m"})
	require.NoError(t, err)

	resp, err := svc.Join(context.Background(), org, "host-1", "Alice", m.MeetingCode)
	require.NoError(t, err)
	assert.Equal(t, "mc-acceptor", resp.MCAssignment.ControllerID)
	assert.Equal(t, 1, acceptor.CallCount())
}

func TestJoinExhaustsRefusingControllers(t *testing.T) {
	org := testMeetingOrg()
	store := newFakeMeetingStore(org)
	store.mcs = []*database.MeetingController{mc("mc-1", "us-east-1", 0.1)}
	store.mhs = []*database.MediaHandler{mh("mh-1", "us-east-1", 0.1)}

	refuser := &pb.MockMeetingControlClient{
		AssignFunc: func(ctx context.Context, in *pb.AssignMeetingRequest) (*pb.AssignMeetingResponse, error) {
			return &pb.AssignMeetingResponse{Accepted: false}, nil
		},
	}
	pool := &fakePool{clients: map[string]pb.MeetingControlClient{"mc-1:9090": refuser}}
	svc := New(store, pool, fakeIssuer{}, "us-east-1", 30*time.Second, nil)

	m, err := svc.Create(context.Background(), org, "host-1", CreateMeetingRequest{DisplayName: "m"})
	require.NoError(t, err)

	_, err = svc.Join(context.Background(), org, "host-1", "Alice", m.MeetingCode)
	require.Error(t, err)
	assert.Equal(t, apperr.KindCapacityExceeded, apperr.KindOf(err))
}

func TestGuestJoin(t *testing.T) {
	org := testMeetingOrg()
	store := newFakeMeetingStore(org)
	svc := newTestService(store)

	m, err := svc.Create(context.Background(), org, "host-1", CreateMeetingRequest{
		DisplayName: "open house",
		Flags:       &database.MeetingFlags{AllowGuests: true},
	})
	require.NoError(t, err)

	guest, err := svc.GuestJoin(context.Background(), org, m.MeetingCode, "Visitor")
	require.NoError(t, err)
	assert.NotEmpty(t, guest.AccessToken)
}

func TestGuestJoinDisallowed(t *testing.T) {
	org := testMeetingOrg()
	store := newFakeMeetingStore(org)
	svc := newTestService(store)

	m, err := svc.Create(context.Background(), org, "host-1", CreateMeetingRequest{DisplayName: "private"})
	require.NoError(t, err)

	_, err = svc.GuestJoin(context.Background(), org, m.MeetingCode, "Visitor")
	require.Error(t, err)
	assert.Equal(t, apperr.KindInsufficientScope, apperr.KindOf(err))
}

func TestUpdateSettingsHostOnly(t *testing.T) {
	org := testMeetingOrg()
	store := newFakeMeetingStore(org)
	svc := newTestService(store)

	m, err := svc.Create(context.Background(), org, "host-1", CreateMeetingRequest{DisplayName: "m"})
	require.NoError(t, err)

	name := "renamed"
	updated, err := svc.UpdateSettings(context.Background(), org, "host-1", m.MeetingID, UpdateSettingsRequest{DisplayName: &name})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.DisplayName)

	_, err = svc.UpdateSettings(context.Background(), org, "someone-else", m.MeetingID, UpdateSettingsRequest{DisplayName: &name})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInsufficientScope, apperr.KindOf(err))
}

func TestWeightedSelectionFavorsLowLoad(t *testing.T) {
	light := mc("mc-light", "us-east-1", 0.1)
	heavy := mc("mc-heavy", "us-east-1", 0.9)

	counts := map[string]int{}
	const picks = 10000
	for i := 0; i < picks; i++ {
		chosen := pickController([]*database.MeetingController{light, heavy})
		counts[chosen.ControllerID]++
	}

	// Weights are 0.9 vs 0.1, so the light MC should win about 9x as often.
	ratio := float64(counts["mc-light"]) / float64(counts["mc-heavy"])
	assert.Greater(t, ratio, 7.0, "light=%d heavy=%d", counts["mc-light"], counts["mc-heavy"])
	assert.Less(t, ratio, 11.5, "light=%d heavy=%d", counts["mc-light"], counts["mc-heavy"])
}

func TestLoadWeightClamps(t *testing.T) {
	assert.InDelta(t, 0.01, loadWeight(1.0), 1e-9)
	assert.InDelta(t, 0.01, loadWeight(2.0), 1e-9)
	assert.InDelta(t, 1.0, loadWeight(0), 1e-9)
	assert.InDelta(t, 1.0, loadWeight(-1), 1e-9)
}
