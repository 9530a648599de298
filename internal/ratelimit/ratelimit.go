// Package ratelimit provides fixed-quota sliding-window limiters keyed by
// arbitrary strings (IP, IP+org, client_id). The in-memory limiter serves a
// single process; the Redis limiter shares the window across replicas.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter answers whether one more event under key is allowed right now.
// RetryAfter is the suggested wait in seconds when refused.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter int, err error)
}

// SlidingWindow is an in-process limiter: at most limit events per window
// per key.
type SlidingWindow struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	events  map[string][]time.Time
	lastGC  time.Time
	nowFunc func() time.Time
}

// NewSlidingWindow builds an in-memory limiter allowing limit events per
// window.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:   limit,
		window:  window,
		events:  make(map[string][]time.Time),
		nowFunc: time.Now,
	}
}

// Allow records the event and admits it unless the key already has limit
// events inside the window.
func (s *SlidingWindow) Allow(_ context.Context, key string) (bool, int, error) {
	now := s.nowFunc()
	cutoff := now.Add(-s.window)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.maybeGC(now, cutoff)

	kept := s.events[key][:0]
	for _, t := range s.events[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= s.limit {
		s.events[key] = kept
		retry := int(time.Until(kept[0].Add(s.window)).Seconds()) + 1
		if retry < 1 {
			retry = 1
		}
		return false, retry, nil
	}

	s.events[key] = append(kept, now)
	return true, 0, nil
}

// maybeGC drops keys whose every event aged out. Runs at most once per
// window so steady traffic does not pay for it on each call.
func (s *SlidingWindow) maybeGC(now, cutoff time.Time) {
	if now.Sub(s.lastGC) < s.window {
		return
	}
	s.lastGC = now
	for key, times := range s.events {
		live := false
		for _, t := range times {
			if t.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(s.events, key)
		}
	}
}
