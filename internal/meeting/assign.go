package meeting

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sort"
	"time"

	"github.com/darktower/conference-control/internal/apperr"
	"github.com/darktower/conference-control/internal/database"
	"github.com/darktower/conference-control/pb"
)

// ControllerPool hands out gRPC clients for MC endpoints.
type ControllerPool interface {
	ClientFor(endpoint string) (pb.MeetingControlClient, error)
}

// ensureAssignment returns the meeting's active assignment, creating one on
// first join. Creation picks an MC and an MH pair by weighted random
// selection, reserves the assignment row, then asks the MC to take the
// meeting; a refusal releases the row and retries with the refuser
// excluded.
func (s *Service) ensureAssignment(ctx context.Context, m *database.Meeting) (*database.MeetingAssignment, *database.MeetingController, error) {
	if existing, err := s.store.GetActiveAssignment(ctx, m.MeetingID); err != nil {
		return nil, nil, err
	} else if existing != nil {
		mc, err := s.controllerByID(ctx, existing.ControllerID)
		if err != nil {
			return nil, nil, err
		}
		if err := s.store.TouchAssignment(ctx, m.MeetingID); err != nil {
			s.logger.Printf("warn: assignment touch for %s failed: %v", m.MeetingID, err)
		}
		return existing, mc, nil
	}

	var excluded []string
	for attempt := 0; attempt < assignRetries; attempt++ {
		mcs, err := s.store.SelectCandidateMCs(ctx, s.region, s.staleness, candidateLimit, excluded)
		if err != nil {
			return nil, nil, err
		}
		if len(mcs) == 0 {
			s.countAssignment("exhausted")
			return nil, nil, apperr.New(apperr.KindCapacityExceeded, "no meeting controllers available")
		}
		mc := pickController(mcs)

		primary, backup, err := s.pickHandlers(ctx)
		if err != nil {
			return nil, nil, err
		}

		reservation := &database.MeetingAssignment{
			MeetingID:        m.MeetingID,
			ControllerID:     mc.ControllerID,
			HandlerPrimaryID: primary.HandlerID,
		}
		if backup != nil {
			reservation.HandlerBackupID = &backup.HandlerID
		}
		assignment, won, err := s.store.ReserveAssignment(ctx, reservation)
		if err != nil {
			return nil, nil, err
		}
		if !won {
			// A concurrent join created the assignment; use theirs.
			mcOther, err := s.controllerByID(ctx, assignment.ControllerID)
			if err != nil {
				return nil, nil, err
			}
			return assignment, mcOther, nil
		}

		accepted, err := s.offerToController(ctx, mc, m, assignment)
		if err != nil || !accepted {
			if err != nil {
				s.logger.Printf("assignment call to %s failed: %v", mc.ControllerID, err)
			}
			if derr := s.store.DeactivateAssignment(ctx, m.MeetingID); derr != nil {
				s.logger.Printf("warn: releasing refused assignment for %s failed: %v", m.MeetingID, derr)
			}
			excluded = append(excluded, mc.ControllerID)
			s.countAssignment("refused")
			if s.met != nil {
				s.met.AssignmentRetries.Inc()
			}
			continue
		}

		if err := s.store.SetMeetingController(ctx, m.MeetingID, mc.ControllerID, mc.Region); err != nil {
			return nil, nil, err
		}
		s.countAssignment("ok")
		s.logger.Printf("assigned meeting %s to mc=%s mh=%s", m.MeetingID, mc.ControllerID, primary.HandlerID)
		return assignment, mc, nil
	}

	s.countAssignment("exhausted")
	return nil, nil, apperr.New(apperr.KindCapacityExceeded, "no meeting controller accepted the meeting")
}

// offerToController makes the bounded AssignMeetingWithMh call.
func (s *Service) offerToController(ctx context.Context, mc *database.MeetingController, m *database.Meeting, a *database.MeetingAssignment) (bool, error) {
	client, err := s.pool.ClientFor(mc.GRPCEndpoint)
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, assignCallDeadline)
	defer cancel()

	req := &pb.AssignMeetingRequest{
		MeetingId:        m.MeetingID,
		MeetingCode:      m.MeetingCode,
		OrgId:            m.OrgID,
		MaxParticipants:  int32(m.MaxParticipants),
		HandlerPrimaryId: a.HandlerPrimaryID,
	}
	if a.HandlerBackupID != nil {
		req.HandlerBackupId = *a.HandlerBackupID
	}

	resp, err := client.AssignMeetingWithMh(ctx, req)
	if err != nil {
		return false, err
	}
	return resp.Accepted, nil
}

// pickHandlers selects a primary and, when available, a backup MH.
func (s *Service) pickHandlers(ctx context.Context) (*database.MediaHandler, *database.MediaHandler, error) {
	mhs, err := s.store.SelectCandidateMHs(ctx, s.region, s.staleness, candidateLimit, nil)
	if err != nil {
		return nil, nil, err
	}
	if len(mhs) == 0 {
		return nil, nil, apperr.New(apperr.KindCapacityExceeded, "no media handlers available")
	}

	primary := pickHandler(mhs)

	rest := mhs[:0:0]
	for _, mh := range mhs {
		if mh.HandlerID != primary.HandlerID {
			rest = append(rest, mh)
		}
	}
	if len(rest) == 0 {
		return primary, nil, nil
	}
	return primary, pickHandler(rest), nil
}

func (s *Service) controllerByID(ctx context.Context, controllerID string) (*database.MeetingController, error) {
	// The candidate query doubles as a point lookup by exhausting the
	// exclusion list; a dedicated query is not worth a second code path.
	mcs, err := s.store.SelectCandidateMCs(ctx, s.region, s.staleness, candidateLimit, nil)
	if err != nil {
		return nil, err
	}
	for _, mc := range mcs {
		if mc.ControllerID == controllerID {
			return mc, nil
		}
	}
	// Assigned controller fell out of the healthy set; the client keeps the
	// endpoint it already has.
	return nil, nil
}

func (s *Service) countAssignment(result string) {
	if s.met != nil {
		s.met.Assignments.WithLabelValues(result).Inc()
	}
}

// weighted is a selectable candidate.
type weighted struct {
	index     int
	weight    float64
	heartbeat time.Time
}

// pickWeighted samples one index with probability weight/Σweights using the
// CSPRNG. Candidates are ordered newest-heartbeat first beforehand, which
// settles exact weight ties in favour of the freshest row.
func pickWeighted(items []weighted) int {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].heartbeat.After(items[j].heartbeat)
	})

	var total float64
	for _, it := range items {
		total += it.weight
	}
	if total <= 0 {
		return items[0].index
	}

	r := randFloat() * total
	for _, it := range items {
		r -= it.weight
		if r < 0 {
			return it.index
		}
	}
	return items[len(items)-1].index
}

func pickController(mcs []*database.MeetingController) *database.MeetingController {
	items := make([]weighted, len(mcs))
	for i, mc := range mcs {
		items[i] = weighted{index: i, weight: loadWeight(mc.LoadRatio()), heartbeat: mc.LastHeartbeatAt}
	}
	return mcs[pickWeighted(items)]
}

func pickHandler(mhs []*database.MediaHandler) *database.MediaHandler {
	items := make([]weighted, len(mhs))
	for i, mh := range mhs {
		items[i] = weighted{index: i, weight: loadWeight(mh.LoadRatio()), heartbeat: mh.LastHeartbeatAt}
	}
	return mhs[pickWeighted(items)]
}

// loadWeight maps a load ratio to a selection weight. A fully loaded node
// keeps a floor weight of 0.01 so it remains selectable as a last resort.
func loadWeight(load float64) float64 {
	if load > 0.99 {
		load = 0.99
	}
	if load < 0 {
		load = 0
	}
	return 1 - load
}

// randFloat returns a uniform value in [0, 1) from crypto/rand.
func randFloat() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is unrecoverable; fall back to the first
		// candidate by returning 0.
		return 0
	}
	// 53 bits of mantissa.
	return float64(binary.BigEndian.Uint64(buf[:])>>11) / float64(1<<53)
}
