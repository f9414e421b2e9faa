package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSweeper struct {
	mu         sync.Mutex
	releases   atomic.Int32
	stales     atomic.Int32
	timeouts   []time.Duration
	releaseErr error
	block      chan struct{}
}

func (m *mockSweeper) ReleaseWorkers(ctx context.Context) (int, error) {
	m.releases.Add(1)
	if m.block != nil {
		<-m.block
	}
	if m.releaseErr != nil {
		return 0, m.releaseErr
	}
	return 2, nil
}

func (m *mockSweeper) FailStalePending(_ context.Context, timeout time.Duration) (int, error) {
	m.stales.Add(1)
	m.mu.Lock()
	m.timeouts = append(m.timeouts, timeout)
	m.mu.Unlock()
	return 1, nil
}

func TestNewScheduler_InvalidSpec(t *testing.T) {
	_, err := NewScheduler(&mockSweeper{}, "every now and then", time.Minute, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "every now and then")
}

func TestNextRun(t *testing.T) {
	from := time.Date(2026, 3, 1, 10, 7, 30, 0, time.UTC)

	s, err := NewScheduler(&mockSweeper{}, "*/15 * * * *", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC), s.NextRun(from))

	s, err = NewScheduler(&mockSweeper{}, "@every 30s", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, from.Add(30*time.Second), s.NextRun(from))
}

func TestSweep_RunsBothPasses(t *testing.T) {
	sw := &mockSweeper{}
	s, err := NewScheduler(sw, "@every 1h", 5*time.Minute, nil)
	require.NoError(t, err)

	rep := s.Sweep(context.Background())
	assert.Equal(t, SweepReport{Released: 2, Failed: 1}, rep)
	assert.Equal(t, []time.Duration{5 * time.Minute}, sw.timeouts)
}

func TestSweep_StaleDisabled(t *testing.T) {
	sw := &mockSweeper{}
	s, err := NewScheduler(sw, "@every 1h", 0, nil)
	require.NoError(t, err)

	rep := s.Sweep(context.Background())
	assert.Equal(t, 0, rep.Failed)
	assert.Equal(t, int32(0), sw.stales.Load())
}

func TestSweep_ReleaseErrorStillFailsStale(t *testing.T) {
	sw := &mockSweeper{releaseErr: errors.New("store down")}
	s, err := NewScheduler(sw, "@every 1h", time.Minute, nil)
	require.NoError(t, err)

	rep := s.Sweep(context.Background())
	assert.Equal(t, 0, rep.Released)
	assert.Equal(t, 1, rep.Failed)
}

func TestSweep_OverlapIsSkipped(t *testing.T) {
	sw := &mockSweeper{block: make(chan struct{})}
	s, err := NewScheduler(sw, "@every 1h", 0, nil)
	require.NoError(t, err)

	first := make(chan SweepReport)
	go func() { first <- s.Sweep(context.Background()) }()
	require.Eventually(t, func() bool { return sw.releases.Load() == 1 }, time.Second, time.Millisecond)

	assert.True(t, s.Sweep(context.Background()).Skipped)
	close(sw.block)
	assert.False(t, (<-first).Skipped)
}

func TestStartStop(t *testing.T) {
	sw := &mockSweeper{}
	s, err := NewScheduler(sw, "@every 1h", time.Minute, nil)
	require.NoError(t, err)
	// A clock two hours behind makes every activation already due.
	s.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	require.NoError(t, s.Start(context.Background()))
	require.Error(t, s.Start(context.Background()), "double start")

	require.Eventually(t, func() bool { return sw.releases.Load() >= 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())

	after := sw.releases.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, sw.releases.Load())
}

func TestRun_StopsWithContext(t *testing.T) {
	s, err := NewScheduler(&mockSweeper{}, "@every 1h", 0, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
