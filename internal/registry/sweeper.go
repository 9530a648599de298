package registry

import (
	"context"
	"time"
)

const (
	sweepInterval = 5 * time.Second

	// cleanupInterval paces the assignment janitor; each pass expires
	// assignments idle past inactivityCutoff and deletes dead rows past
	// retention.
	cleanupInterval  = time.Minute
	inactivityCutoff = 30 * time.Minute
	retention        = 24 * time.Hour
)

// RunStalenessSweeper demotes MC/MH rows whose heartbeat went quiet.
// Draining nodes are left alone: they are leaving on purpose.
func (s *Service) RunStalenessSweeper(ctx context.Context, staleness time.Duration) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.store.MarkStaleMCsUnhealthy(ctx, staleness); err != nil {
				s.logger.Printf("mc staleness sweep failed: %v", err)
			} else if n > 0 {
				s.logger.Printf("⚠️ marked %d meeting controllers unhealthy", n)
				s.countDemotions("mc", n)
			}
			if n, err := s.store.MarkStaleMHsUnhealthy(ctx, staleness); err != nil {
				s.logger.Printf("mh staleness sweep failed: %v", err)
			} else if n > 0 {
				s.logger.Printf("⚠️ marked %d media handlers unhealthy", n)
				s.countDemotions("mh", n)
			}
		}
	}
}

// RunAssignmentCleanup expires idle assignments and prunes dead rows.
func (s *Service) RunAssignmentCleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.ExpireIdleAssignments(ctx, inactivityCutoff, retention)
			if err != nil {
				s.logger.Printf("assignment cleanup failed: %v", err)
			} else if n > 0 {
				s.logger.Printf("expired %d idle assignments", n)
			}
		}
	}
}

func (s *Service) countDemotions(kind string, n int) {
	if s.met != nil {
		s.met.StaleDemotions.WithLabelValues(kind).Add(float64(n))
	}
}
