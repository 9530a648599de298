package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/darktower/conference-control/internal/apperr"
)

const mcColumns = `controller_id, region, grpc_endpoint,
	webtransport_endpoint, max_meetings, max_participants, current_meetings,
	current_participants, health_status, last_heartbeat_at, registered_at,
	updated_at`

func scanMC(scanner interface {
	Scan(dest ...interface{}) error
}) (*MeetingController, error) {
	var mc MeetingController
	err := scanner.Scan(&mc.ControllerID, &mc.Region, &mc.GRPCEndpoint,
		&mc.WebTransportEndpoint, &mc.MaxMeetings, &mc.MaxParticipants,
		&mc.CurrentMeetings, &mc.CurrentParticipants, &mc.HealthStatus,
		&mc.LastHeartbeatAt, &mc.RegisteredAt, &mc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Database(err)
	}
	return &mc, nil
}

// UpsertMeetingController registers or re-registers an MC. Re-registration
// resets health to pending until the first heartbeat lands.
func (s *Store) UpsertMeetingController(ctx context.Context, mc *MeetingController) (*MeetingController, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO meeting_controllers (controller_id, region, grpc_endpoint,
			webtransport_endpoint, max_meetings, max_participants,
			health_status, last_heartbeat_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', now())
		ON CONFLICT (controller_id) DO UPDATE SET
			region = EXCLUDED.region,
			grpc_endpoint = EXCLUDED.grpc_endpoint,
			webtransport_endpoint = EXCLUDED.webtransport_endpoint,
			max_meetings = EXCLUDED.max_meetings,
			max_participants = EXCLUDED.max_participants,
			health_status = 'pending',
			last_heartbeat_at = now(),
			updated_at = now()
		RETURNING `+mcColumns,
		mc.ControllerID, mc.Region, mc.GRPCEndpoint, mc.WebTransportEndpoint,
		mc.MaxMeetings, mc.MaxParticipants)
	return scanMC(row)
}

// HeartbeatMeetingController updates counters and health and advances
// last_heartbeat_at.
func (s *Store) HeartbeatMeetingController(ctx context.Context, controllerID string, currentMeetings, currentParticipants int, health string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE meeting_controllers
		SET current_meetings = $2,
		    current_participants = $3,
		    health_status = $4,
		    last_heartbeat_at = now(),
		    updated_at = now()
		WHERE controller_id = $1`,
		controllerID, currentMeetings, currentParticipants, health)
	if err != nil {
		return apperr.Database(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Database(err)
	}
	if n == 0 {
		return apperr.NotFound("meeting controller")
	}
	return nil
}

// SelectCandidateMCs returns up to limit healthy, unsaturated, fresh MCs in
// a region, least loaded first. The excluded list drops MCs that refused an
// assignment earlier in the same request.
func (s *Store) SelectCandidateMCs(ctx context.Context, region string, staleness time.Duration, limit int, excluded []string) ([]*MeetingController, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mcColumns+` FROM meeting_controllers
		WHERE region = $1
		  AND health_status IN ('healthy', 'degraded')
		  AND current_meetings < max_meetings
		  AND last_heartbeat_at > now() - make_interval(secs => $2)
		  AND NOT (controller_id = ANY($3))
		ORDER BY current_meetings::float / GREATEST(max_meetings, 1) ASC,
		         last_heartbeat_at DESC
		LIMIT $4`,
		region, staleness.Seconds(), pq.Array(nonNil(excluded)), limit)
	if err != nil {
		return nil, apperr.Database(err)
	}
	defer rows.Close()

	var mcs []*MeetingController
	for rows.Next() {
		mc, err := scanMC(rows)
		if err != nil {
			return nil, err
		}
		mcs = append(mcs, mc)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Database(err)
	}
	return mcs, nil
}

// MarkStaleMCsUnhealthy demotes MCs whose heartbeat is older than the
// threshold. Draining rows are never demoted; already-unhealthy rows are
// left alone. Returns the number of rows demoted.
func (s *Store) MarkStaleMCsUnhealthy(ctx context.Context, staleness time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE meeting_controllers
		SET health_status = 'unhealthy', updated_at = now()
		WHERE last_heartbeat_at <= now() - make_interval(secs => $1)
		  AND health_status NOT IN ('unhealthy', 'draining')`,
		staleness.Seconds())
	if err != nil {
		return 0, apperr.Database(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Database(err)
	}
	return int(n), nil
}

const mhColumns = `handler_id, region, webtransport_endpoint, grpc_endpoint,
	max_streams, current_streams, health_status, cpu_percent, memory_percent,
	bandwidth_percent, last_heartbeat_at, registered_at, updated_at`

func scanMH(scanner interface {
	Scan(dest ...interface{}) error
}) (*MediaHandler, error) {
	var mh MediaHandler
	err := scanner.Scan(&mh.HandlerID, &mh.Region, &mh.WebTransportEndpoint,
		&mh.GRPCEndpoint, &mh.MaxStreams, &mh.CurrentStreams,
		&mh.HealthStatus, &mh.CPUPercent, &mh.MemoryPercent,
		&mh.BandwidthPercent, &mh.LastHeartbeatAt, &mh.RegisteredAt,
		&mh.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Database(err)
	}
	return &mh, nil
}

// UpsertMediaHandler registers or re-registers an MH.
func (s *Store) UpsertMediaHandler(ctx context.Context, mh *MediaHandler) (*MediaHandler, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO media_handlers (handler_id, region, webtransport_endpoint,
			grpc_endpoint, max_streams, health_status, last_heartbeat_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', now())
		ON CONFLICT (handler_id) DO UPDATE SET
			region = EXCLUDED.region,
			webtransport_endpoint = EXCLUDED.webtransport_endpoint,
			grpc_endpoint = EXCLUDED.grpc_endpoint,
			max_streams = EXCLUDED.max_streams,
			health_status = 'pending',
			last_heartbeat_at = now(),
			updated_at = now()
		RETURNING `+mhColumns,
		mh.HandlerID, mh.Region, mh.WebTransportEndpoint, mh.GRPCEndpoint,
		mh.MaxStreams)
	return scanMH(row)
}

// HeartbeatMediaHandler updates stream counters, health, and resource
// percentages.
func (s *Store) HeartbeatMediaHandler(ctx context.Context, handlerID string, currentStreams int, health string, cpu, mem, bw *float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE media_handlers
		SET current_streams = $2,
		    health_status = $3,
		    cpu_percent = $4,
		    memory_percent = $5,
		    bandwidth_percent = $6,
		    last_heartbeat_at = now(),
		    updated_at = now()
		WHERE handler_id = $1`,
		handlerID, currentStreams, health, cpu, mem, bw)
	if err != nil {
		return apperr.Database(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Database(err)
	}
	if n == 0 {
		return apperr.NotFound("media handler")
	}
	return nil
}

// SelectCandidateMHs mirrors SelectCandidateMCs for media handlers.
func (s *Store) SelectCandidateMHs(ctx context.Context, region string, staleness time.Duration, limit int, excluded []string) ([]*MediaHandler, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mhColumns+` FROM media_handlers
		WHERE region = $1
		  AND health_status IN ('healthy', 'degraded')
		  AND current_streams < max_streams
		  AND last_heartbeat_at > now() - make_interval(secs => $2)
		  AND NOT (handler_id = ANY($3))
		ORDER BY current_streams::float / GREATEST(max_streams, 1) ASC,
		         last_heartbeat_at DESC
		LIMIT $4`,
		region, staleness.Seconds(), pq.Array(nonNil(excluded)), limit)
	if err != nil {
		return nil, apperr.Database(err)
	}
	defer rows.Close()

	var mhs []*MediaHandler
	for rows.Next() {
		mh, err := scanMH(rows)
		if err != nil {
			return nil, err
		}
		mhs = append(mhs, mh)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Database(err)
	}
	return mhs, nil
}

// MarkStaleMHsUnhealthy mirrors MarkStaleMCsUnhealthy.
func (s *Store) MarkStaleMHsUnhealthy(ctx context.Context, staleness time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE media_handlers
		SET health_status = 'unhealthy', updated_at = now()
		WHERE last_heartbeat_at <= now() - make_interval(secs => $1)
		  AND health_status NOT IN ('unhealthy', 'draining')`,
		staleness.Seconds())
	if err != nil {
		return 0, apperr.Database(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Database(err)
	}
	return int(n), nil
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
