package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/privacyscore/scanner/internal/log"
	"github.com/privacyscore/scanner/internal/model"
)

// Records is the part of the scan record store the supervisor needs.
type Records interface {
	CreateGroupIfIdle(ctx context.Context, listID int64, now time.Time, cooldown time.Duration) (model.ScanGroup, bool, error)
	AbortGroup(ctx context.Context, groupID int64, now time.Time, reason string) (bool, error)
	ReapExpired(ctx context.Context, now time.Time, timeout time.Duration) (int64, error)
	ListIDs(ctx context.Context) ([]int64, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, groupID int64) error
}

// Drainer is closed after the last dispatch has returned, usually a
// parallel.Pool.
type Drainer interface {
	Close()
}

type Supervisor struct {
	ctx        context.Context
	cfg        Config
	records    Records
	dispatcher Dispatcher
	drainer    Drainer
	scheduler  gocron.Scheduler
	locks      keyedMutex
	wg         sync.WaitGroup
	closeOnce  sync.Once
	now        func() time.Time
}

// NewSupervisor creates a supervisor and its periodic jobs. Dispatches
// started by Schedule run with ctx.
func NewSupervisor(ctx context.Context, cfg Config, records Records, dispatcher Dispatcher, drainer Drainer) (*Supervisor, error) {
	s := &Supervisor{
		ctx:        ctx,
		cfg:        cfg,
		records:    records,
		dispatcher: dispatcher,
		drainer:    drainer,
		locks:      keyedMutex{locks: make(map[int64]*keyedLock)},
		now:        time.Now,
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	if err := addJob(ctx, scheduler, "sweep", cfg.Sweep, s.sweepTask); err != nil {
		_ = scheduler.Shutdown()
		return nil, err
	}
	if cfg.Rescan != nil {
		if err := addJob(ctx, scheduler, "rescan", *cfg.Rescan, s.rescanTask); err != nil {
			_ = scheduler.Shutdown()
			return nil, err
		}
	}
	s.scheduler = scheduler
	return s, nil
}

// WithClock replaces the clock used for scheduling and finalizing groups.
// This method exists for a unit testing only.
func (s *Supervisor) WithClock(now func() time.Time) *Supervisor {
	s.now = now
	return s
}

// Schedule starts a new scan group for a list. It returns false, without
// error, when the list's latest group is still in flight or ended less
// than the cooldown ago. Schedule does not wait for the dispatch.
func (s *Supervisor) Schedule(ctx context.Context, listID int64) (bool, error) {
	unlock := s.locks.Lock(listID)
	defer unlock()

	group, ok, err := s.records.CreateGroupIfIdle(ctx, listID, s.now(), s.cfg.Cooldown)
	if err != nil {
		return false, fmt.Errorf("scheduling list %d: %w", listID, err)
	}
	if !ok {
		slog.DebugContext(ctx, "list is busy or in cooldown", "list_id", listID)
		return false, nil
	}
	slog.InfoContext(ctx, "group scheduled", "list_id", listID, "group_id", group.ID)

	s.wg.Go(func() {
		s.dispatch(group)
	})
	return true, nil
}

func (s *Supervisor) dispatch(group model.ScanGroup) {
	ctx := log.ContextAttrs(s.ctx,
		slog.Int64("list_id", group.ListID),
		slog.Int64("group_id", group.ID),
	)
	err := s.dispatcher.Dispatch(ctx, group.ID)
	if err == nil {
		return
	}

	// only a group that never reached SCANNING is aborted here
	aborted, aerr := s.records.AbortGroup(context.WithoutCancel(ctx), group.ID, s.now(), err.Error())
	switch {
	case aerr != nil:
		slog.ErrorContext(ctx, "dispatch failed, aborting group failed", "error", err, "abort_error", aerr)
	case aborted:
		slog.ErrorContext(ctx, "dispatch failed, group aborted", "error", err)
	default:
		slog.ErrorContext(ctx, "dispatch failed, group left to the timeout sweep", "error", err)
	}
}

// Sweep moves every SCANNING group started more than the timeout before
// now to ERROR and returns how many groups it changed.
func (s *Supervisor) Sweep(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.records.ReapExpired(ctx, now, s.cfg.Timeout)
	if err != nil {
		return 0, fmt.Errorf("sweeping expired groups: %w", err)
	}
	if n > 0 {
		slog.WarnContext(ctx, "groups timed out", "count", n, "timeout", s.cfg.Timeout.String())
	}
	return n, nil
}

// ScheduleAll calls Schedule for every list and returns how many groups
// were created.
func (s *Supervisor) ScheduleAll(ctx context.Context) (int, error) {
	ids, err := s.records.ListIDs(ctx)
	if err != nil {
		return 0, err
	}
	var (
		created int
		errs    []error
	)
	for _, id := range ids {
		ok, err := s.Schedule(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			created++
		}
	}
	return created, errors.Join(errs...)
}

func (s *Supervisor) sweepTask() {
	if _, err := s.Sweep(s.ctx, s.now()); err != nil {
		slog.ErrorContext(s.ctx, "sweep failed", "error", err)
	}
}

func (s *Supervisor) rescanTask() {
	n, err := s.ScheduleAll(s.ctx)
	if err != nil {
		slog.ErrorContext(s.ctx, "rescan failed", "error", err)
	}
	slog.InfoContext(s.ctx, "rescan", "scheduled", n)
}

// Do runs the periodic jobs until ctx is canceled. On return every started
// dispatch has finished and the drainer is closed.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor")
	s.scheduler.Start()
	defer s.Close(ctx)

	<-ctx.Done()
	return nil
}

// Close stops the periodic jobs, waits for dispatches and closes the
// drainer. Calls after the first one return immediately.
func (s *Supervisor) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		if err := s.scheduler.Shutdown(); err != nil {
			slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		}
		s.wg.Wait()
		if s.drainer != nil {
			s.drainer.Close()
		}
	})
}

// Wait blocks until every dispatch started so far has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func addJob(ctx context.Context, scheduler gocron.Scheduler, name string, t Timer, task func()) error {
	var job gocron.JobDefinition
	switch {
	case t.Cron != "":
		job = gocron.CronJob(t.Cron, false)
	case t.Every > 0:
		job = gocron.DurationJob(t.Every)
	default:
		return fmt.Errorf("%s: both cron and every are empty", name)
	}
	_, err := scheduler.NewJob(
		job,
		gocron.NewTask(task),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("initializing gocron job %s: %w", name, err)
	}
	slog.DebugContext(ctx, "job registered", "job", name, "cron", t.Cron, "every", t.Every.String())
	return nil
}

// keyedMutex serializes callers per key and forgets keys nobody holds.
type keyedMutex struct {
	mx    sync.Mutex
	locks map[int64]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key int64) (unlock func()) {
	k.mx.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mx.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mx.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mx.Unlock()
	}
}
