package scanner_test

import (
	"context"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/privacyscore/scanner/internal/artifact"
	"github.com/privacyscore/scanner/internal/executor"
	"github.com/privacyscore/scanner/internal/model"
	"github.com/privacyscore/scanner/internal/parallel"
	"github.com/privacyscore/scanner/internal/scanner"
	"github.com/privacyscore/scanner/internal/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingRecords struct {
	*store.Store
	finishes atomic.Int32
}

func (r *countingRecords) FinishGroup(ctx context.Context, groupID int64, now time.Time) (bool, error) {
	r.finishes.Add(1)
	return r.Store.FinishGroup(ctx, groupID, now)
}

type env struct {
	records   *countingRecords
	registry  *executor.Registry
	pool      *parallel.Pool
	artifacts *artifact.Store
}

func newEnv(t *testing.T, workers int) *env {
	t.Helper()
	s, err := store.Open(t.Context(), filepath.Join(t.TempDir(), "scand.db"))
	require.NoError(t, err)
	backend, err := artifact.NewFSBackend(filepath.Join(t.TempDir(), "raw"))
	require.NoError(t, err)
	pool := parallel.NewPool(t.Context(), workers)
	t.Cleanup(func() {
		pool.Close()
		require.NoError(t, backend.Close())
		require.NoError(t, s.Close())
	})
	return &env{
		records:   &countingRecords{Store: s},
		registry:  executor.NewRegistry(),
		pool:      pool,
		artifacts: artifact.New(backend, 16),
	}
}

// group creates a list with sites and a READY group for it.
func (e *env) group(t *testing.T, urls ...string) model.ScanGroup {
	t.Helper()
	l, err := e.records.CreateList(t.Context(), "list", "", false)
	require.NoError(t, err)
	_, err = e.records.SaveSites(t.Context(), l.ID, urls)
	require.NoError(t, err)
	g, ok, err := e.records.CreateGroupIfIdle(t.Context(), l.ID, time.Now(), 0)
	require.NoError(t, err)
	require.True(t, ok)
	return g
}

func (e *env) coordinator(t *testing.T, tests ...string) *scanner.Coordinator {
	t.Helper()
	suites := make([]model.Suite, len(tests))
	for i, name := range tests {
		suites[i] = model.Suite{Test: name}
	}
	c, err := scanner.NewCoordinator(e.records, e.registry, e.pool, e.artifacts, suites)
	require.NoError(t, err)
	return c
}

func (e *env) requireGroup(t *testing.T, groupID int64, status model.GroupStatus) model.ScanGroup {
	t.Helper()
	g, err := e.records.Group(t.Context(), groupID)
	require.NoError(t, err)
	require.Equal(t, status, g.Status)
	return g
}

func TestDispatch(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 2)
	e.registry.Register("echo", executor.TestFunc(func(ctx context.Context, target executor.Target, _ executor.Params, out executor.Outcomes) error {
		if err := out.StoreArtifact(ctx, "body", "text/plain", []byte("a payload longer than sixteen bytes")); err != nil {
			return err
		}
		return out.RecordResult(ctx, map[string]string{"url": target.URL})
	}))
	g := e.group(t, "a.example", "b.example")

	require.NoError(t, e.coordinator(t, "echo").Dispatch(t.Context(), g.ID))
	e.pool.Close()

	got := e.requireGroup(t, g.ID, model.StatusFinish)
	require.NotNil(t, got.End)
	require.Nil(t, got.Error)
	require.Equal(t, int32(1), e.records.finishes.Load())

	scans, err := e.records.Scans(t.Context(), g.ID)
	require.NoError(t, err)
	require.Len(t, scans, 2)
	for _, scan := range scans {
		require.True(t, scan.Success)
		results, err := e.records.Results(t.Context(), scan.ID)
		require.NoError(t, err)
		require.Len(t, results, 1)
		require.JSONEq(t, fmt.Sprintf(`{"url":%q}`, scan.FinalURL), string(results[0].Data))

		raws, err := e.records.RawResults(t.Context(), scan.ID)
		require.NoError(t, err)
		require.Len(t, raws, 1)
		require.False(t, raws[0].Inline)
		data, err := e.artifacts.Get(t.Context(), artifact.RefOf(raws[0]))
		require.NoError(t, err)
		require.Equal(t, "a payload longer than sixteen bytes", string(data))
	}
}

func TestDispatch_PanicStillFinishes(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 2)
	e.registry.Register("flaky", executor.TestFunc(func(ctx context.Context, target executor.Target, _ executor.Params, out executor.Outcomes) error {
		if target.URL == "https://b.example/" {
			panic("unexpected response")
		}
		return out.RecordResult(ctx, true)
	}))
	g := e.group(t, "a.example", "b.example")

	require.NoError(t, e.coordinator(t, "flaky").Dispatch(t.Context(), g.ID))
	e.pool.Close()

	e.requireGroup(t, g.ID, model.StatusFinish)
	scans, err := e.records.Scans(t.Context(), g.ID)
	require.NoError(t, err)
	require.Len(t, scans, 2)
	require.True(t, scans[0].Success)
	require.False(t, scans[1].Success)

	errs, err := e.records.Errors(t.Context(), scans[1].ID)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	require.Equal(t, "flaky", errs[0].Test)
	require.Contains(t, errs[0].Error, "unexpected response")
}

func TestDispatch_FinishesOnce(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 8)
	var runs atomic.Int32
	sleepy := executor.TestFunc(func(context.Context, executor.Target, executor.Params, executor.Outcomes) error {
		time.Sleep(rand.N(5 * time.Millisecond))
		runs.Add(1)
		return nil
	})
	tests := []string{"t1", "t2", "t3"}
	for _, name := range tests {
		e.registry.Register(name, sleepy)
	}
	urls := make([]string, 10)
	for i := range urls {
		urls[i] = fmt.Sprintf("site%d.example", i)
	}
	g := e.group(t, urls...)

	require.NoError(t, e.coordinator(t, tests...).Dispatch(t.Context(), g.ID))
	e.pool.Close()

	require.Equal(t, int32(30), runs.Load())
	require.Equal(t, int32(1), e.records.finishes.Load())
	e.requireGroup(t, g.ID, model.StatusFinish)
}

func TestDispatch_NoSites(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 1)
	e.registry.Register("noop", executor.TestFunc(func(context.Context, executor.Target, executor.Params, executor.Outcomes) error {
		return nil
	}))
	g := e.group(t)

	require.NoError(t, e.coordinator(t, "noop").Dispatch(t.Context(), g.ID))
	e.requireGroup(t, g.ID, model.StatusFinish)
}

func TestDispatch_NotReady(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 1)
	e.registry.Register("noop", executor.TestFunc(func(context.Context, executor.Target, executor.Params, executor.Outcomes) error {
		return nil
	}))
	g := e.group(t, "a.example")
	c := e.coordinator(t, "noop")

	require.NoError(t, c.Dispatch(t.Context(), g.ID))
	err := c.Dispatch(t.Context(), g.ID)
	require.ErrorIs(t, err, scanner.ErrNotReady)
}

func TestDispatch_SweepWins(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 1)
	started := make(chan struct{})
	release := make(chan struct{})
	e.registry.Register("slow", executor.TestFunc(func(context.Context, executor.Target, executor.Params, executor.Outcomes) error {
		close(started)
		<-release
		return nil
	}))
	g := e.group(t, "a.example")

	require.NoError(t, e.coordinator(t, "slow").Dispatch(t.Context(), g.ID))
	<-started

	n, err := e.records.ReapExpired(t.Context(), time.Now().Add(time.Hour), time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	close(release)
	e.pool.Close()

	// the late completion does not overwrite the timeout
	got := e.requireGroup(t, g.ID, model.StatusError)
	require.Equal(t, store.ReasonTimeout, *got.Error)
	require.Equal(t, int32(1), e.records.finishes.Load())
}

func TestNewCoordinator_UnknownTest(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 1)
	_, err := scanner.NewCoordinator(e.records, e.registry, e.pool, e.artifacts, []model.Suite{{Test: "screenshot"}})
	require.ErrorIs(t, err, executor.ErrUnknownTest)
}
