package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinicalai/internal/config"
)

type fakeDeleter struct {
	mu      sync.Mutex
	cutoffs []time.Time
	n       int64
	err     error
}

func (f *fakeDeleter) DeleteEventsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.n, f.err
}

func (f *fakeDeleter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func TestCleanupExpiredEvents(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	st := &fakeDeleter{n: 4}

	stats := CleanupExpiredEvents(context.Background(), config.AuditConfig{RetentionDays: 30}, st, zerolog.Nop(), now)
	assert.Equal(t, int64(4), stats.EventsDeleted)
	require.Len(t, st.cutoffs, 1)
	assert.Equal(t, time.Date(2026, 9, 14, 12, 0, 0, 0, time.UTC), st.cutoffs[0])
}

func TestCleanupExpiredEvents_Disabled(t *testing.T) {
	st := &fakeDeleter{}
	stats := CleanupExpiredEvents(context.Background(), config.AuditConfig{}, st, zerolog.Nop(), time.Now())
	assert.Zero(t, stats.EventsDeleted)
	assert.Zero(t, st.calls())
}

func TestCleanupExpiredEvents_StoreError(t *testing.T) {
	st := &fakeDeleter{n: 9, err: errors.New("db down")}
	stats := CleanupExpiredEvents(context.Background(), config.AuditConfig{RetentionDays: 1}, st, zerolog.Nop(), time.Now())
	assert.Zero(t, stats.EventsDeleted)
	assert.Equal(t, 1, st.calls())
}

func TestRunner_RunsImmediatelyAndStops(t *testing.T) {
	st := &fakeDeleter{}
	r := NewRunner(config.AuditConfig{RetentionDays: 7, CleanupIntervalMinutes: 60}, st, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return st.calls() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunner_NoRetention(t *testing.T) {
	st := &fakeDeleter{}
	NewRunner(config.AuditConfig{}, st, zerolog.Nop()).Start(context.Background())
	assert.Zero(t, st.calls())
}
