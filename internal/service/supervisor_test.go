package service_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/privacyscore/scanner/internal/model"
	"github.com/privacyscore/scanner/internal/service"
	"github.com/privacyscore/scanner/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mx  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.now = t
}

// dispatcher moves groups to SCANNING and, when finish is set, straight on
// to FINISH.
type dispatcher struct {
	records *store.Store
	clock   *clock
	finish  bool
	err     error
	calls   atomic.Int32
}

func (d *dispatcher) Dispatch(ctx context.Context, groupID int64) error {
	d.calls.Add(1)
	if d.err != nil {
		return d.err
	}
	if _, err := d.records.MarkScanning(ctx, groupID); err != nil {
		return err
	}
	if d.finish {
		_, err := d.records.FinishGroup(ctx, groupID, d.clock.Now())
		return err
	}
	return nil
}

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type env struct {
	records    *store.Store
	clock      *clock
	dispatcher *dispatcher
	supervisor *service.Supervisor
	listID     int64
}

func newEnv(t *testing.T, cfg service.Config, finish bool) *env {
	t.Helper()
	s, err := store.Open(t.Context(), filepath.Join(t.TempDir(), "scand.db"))
	require.NoError(t, err)
	l, err := s.CreateList(t.Context(), "list", "", false)
	require.NoError(t, err)
	_, err = s.SaveSites(t.Context(), l.ID, []string{"a.example"})
	require.NoError(t, err)

	c := &clock{now: t0}
	d := &dispatcher{records: s, clock: c, finish: finish}
	sup, err := service.NewSupervisor(t.Context(), cfg, s, d, nil)
	require.NoError(t, err)
	sup.WithClock(c.Now)
	t.Cleanup(func() {
		sup.Close(context.Background())
		require.NoError(t, s.Close())
	})
	return &env{records: s, clock: c, dispatcher: d, supervisor: sup, listID: l.ID}
}

func (e *env) lastGroup(t *testing.T) model.ScanGroup {
	t.Helper()
	g, err := e.records.LastGroup(t.Context(), e.listID)
	require.NoError(t, err)
	return g
}

var hourly = service.Config{
	Cooldown: 24 * time.Hour,
	Timeout:  12 * time.Hour,
	Sweep:    service.Timer{Every: time.Hour},
}

func TestSchedule_Twice(t *testing.T) {
	t.Parallel()
	e := newEnv(t, hourly, false)

	var (
		wg        sync.WaitGroup
		scheduled atomic.Int32
	)
	for range 10 {
		wg.Go(func() {
			ok, err := e.supervisor.Schedule(t.Context(), e.listID)
			assert.NoError(t, err)
			if ok {
				scheduled.Add(1)
			}
		})
	}
	wg.Wait()
	e.supervisor.Wait()

	require.Equal(t, int32(1), scheduled.Load())
	require.Equal(t, int32(1), e.dispatcher.calls.Load())
	groups, err := e.records.Groups(t.Context(), e.listID)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, model.StatusScanning, groups[0].Status)
}

func TestSchedule_Cooldown(t *testing.T) {
	t.Parallel()
	e := newEnv(t, hourly, true)

	ok, err := e.supervisor.Schedule(t.Context(), e.listID)
	require.NoError(t, err)
	require.True(t, ok)
	e.supervisor.Wait()
	require.Equal(t, model.StatusFinish, e.lastGroup(t).Status)

	e.clock.Set(t0.Add(time.Hour))
	ok, err = e.supervisor.Schedule(t.Context(), e.listID)
	require.NoError(t, err)
	require.False(t, ok)

	e.clock.Set(t0.Add(25 * time.Hour))
	ok, err = e.supervisor.Schedule(t.Context(), e.listID)
	require.NoError(t, err)
	require.True(t, ok)
	e.supervisor.Wait()
	require.Equal(t, int32(2), e.dispatcher.calls.Load())
}

func TestSchedule_DispatchFailure(t *testing.T) {
	t.Parallel()
	cfg := hourly
	cfg.Cooldown = 0
	e := newEnv(t, cfg, false)
	e.dispatcher.err = errors.New("no sites resolved")

	ok, err := e.supervisor.Schedule(t.Context(), e.listID)
	require.NoError(t, err)
	require.True(t, ok)
	e.supervisor.Wait()

	g := e.lastGroup(t)
	require.Equal(t, model.StatusError, g.Status)
	require.NotNil(t, g.Error)
	require.Equal(t, "no sites resolved", *g.Error)

	// the aborted group no longer blocks the list
	e.clock.Set(t0.Add(time.Second))
	ok, err = e.supervisor.Schedule(t.Context(), e.listID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSchedule_UnknownList(t *testing.T) {
	t.Parallel()
	e := newEnv(t, hourly, false)
	_, err := e.supervisor.Schedule(t.Context(), 4242)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSweep(t *testing.T) {
	t.Parallel()
	e := newEnv(t, hourly, false)

	ok, err := e.supervisor.Schedule(t.Context(), e.listID)
	require.NoError(t, err)
	require.True(t, ok)
	e.supervisor.Wait()

	n, err := e.supervisor.Sweep(t.Context(), t0.Add(time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = e.supervisor.Sweep(t.Context(), t0.Add(13*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	n, err = e.supervisor.Sweep(t.Context(), t0.Add(14*time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)

	g := e.lastGroup(t)
	require.Equal(t, model.StatusError, g.Status)
	require.Equal(t, store.ReasonTimeout, *g.Error)
	require.True(t, t0.Add(13*time.Hour).Equal(*g.End))
}

func TestScheduleAll(t *testing.T) {
	t.Parallel()
	e := newEnv(t, hourly, false)
	_, err := e.records.CreateList(t.Context(), "empty", "", false)
	require.NoError(t, err)

	n, err := e.supervisor.ScheduleAll(t.Context())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	e.supervisor.Wait()

	n, err = e.supervisor.ScheduleAll(t.Context())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDo_PeriodicSweep(t *testing.T) {
	t.Parallel()
	cfg := hourly
	cfg.Sweep = service.Timer{Every: 10 * time.Millisecond}
	e := newEnv(t, cfg, false)

	ok, err := e.supervisor.Schedule(t.Context(), e.listID)
	require.NoError(t, err)
	require.True(t, ok)
	e.supervisor.Wait()
	e.clock.Set(t0.Add(24 * time.Hour))

	ctx, cancel := context.WithCancel(t.Context())
	var wg sync.WaitGroup
	wg.Go(func() {
		assert.NoError(t, e.supervisor.Do(ctx))
	})

	require.Eventually(t, func() bool {
		g, err := e.records.LastGroup(t.Context(), e.listID)
		return err == nil && g.Status == model.StatusError
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	wg.Wait()
}
