package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func newTestBreaker(tripAfter int, cooldown time.Duration) (*Breaker, *time.Time) {
	b := New("test", tripAfter, cooldown)
	now := time.Now()
	b.nowFunc = func() time.Time { return now }
	return b, &now
}

func TestBreakerStaysClosedOnSuccess(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Do(func() error { return nil }))
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Do(func() error { return errBoom }), errBoom)
	}
	assert.Equal(t, StateOpen, b.State())

	err := b.Do(func() error {
		t.Fatal("call ran while open")
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.Do(func() error { return errBoom })
	b.Do(func() error { return errBoom })
	require.NoError(t, b.Do(func() error { return nil }))
	b.Do(func() error { return errBoom })
	b.Do(func() error { return errBoom })

	assert.Equal(t, StateClosed, b.State(), "interleaved success keeps it closed")
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)

	assert.ErrorIs(t, b.Do(func() error { return errBoom }), errBoom)
	assert.Equal(t, StateOpen, b.State())

	*now = now.Add(2 * time.Minute)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Do(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)

	b.Do(func() error { return errBoom })
	*now = now.Add(2 * time.Minute)

	assert.ErrorIs(t, b.Do(func() error { return errBoom }), errBoom)
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Do(func() error { return nil }), ErrOpen)
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)
	b.Do(func() error { return errBoom })
	*now = now.Add(2 * time.Minute)

	started := make(chan struct{})
	release := make(chan struct{})
	go b.Do(func() error {
		close(started)
		<-release
		return nil
	})
	<-started

	// The single probe slot is taken; a second caller fails fast.
	assert.ErrorIs(t, b.Do(func() error { return nil }), ErrOpen)
	close(release)
}
