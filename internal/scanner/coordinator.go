// Package scanner fans a scan group out into one unit per (site, test) and
// finishes the group once every unit has completed.
package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/privacyscore/scanner/internal/artifact"
	"github.com/privacyscore/scanner/internal/executor"
	"github.com/privacyscore/scanner/internal/log"
	"github.com/privacyscore/scanner/internal/model"
)

var ErrNotReady = errors.New("group is not ready")

// Records is the part of the scan record store the coordinator needs.
type Records interface {
	Group(ctx context.Context, groupID int64) (model.ScanGroup, error)
	Sites(ctx context.Context, listID int64) ([]model.Site, error)
	CreateScans(ctx context.Context, groupID int64, sites []model.Site) ([]model.Scan, error)
	MarkScanning(ctx context.Context, groupID int64) (bool, error)
	FinishGroup(ctx context.Context, groupID int64, now time.Time) (bool, error)
	CompleteScan(ctx context.Context, scanID int64) (bool, error)
	AddResult(ctx context.Context, scanID int64, test string, data json.RawMessage) (model.ScanResult, error)
	AddError(ctx context.Context, scanID int64, test, msg string) error
	AddRaw(ctx context.Context, scanID int64, test, identifier, dataType string, ref artifact.Ref) (model.RawResult, error)
}

// Submitter runs units of work, usually a parallel.Pool.
type Submitter interface {
	Submit(ctx context.Context, task func(context.Context)) error
}

type Coordinator struct {
	records   Records
	registry  *executor.Registry
	pool      Submitter
	artifacts *artifact.Store
	suites    []model.Suite
	now       func() time.Time
}

// NewCoordinator fails when a suite names a test the registry doesn't know.
func NewCoordinator(records Records, registry *executor.Registry, pool Submitter, artifacts *artifact.Store, suites []model.Suite) (*Coordinator, error) {
	if err := registry.Validate(suites); err != nil {
		return nil, err
	}
	return &Coordinator{
		records:   records,
		registry:  registry,
		pool:      pool,
		artifacts: artifacts,
		suites:    suites,
		now:       time.Now,
	}, nil
}

type unit struct {
	scan   model.Scan
	name   string
	test   executor.Test
	params executor.Params
}

// Dispatch starts the scan of a READY group. It creates one scan per site,
// marks the group SCANNING and submits every (site, test) unit. Errors
// returned before the group is SCANNING leave it READY. Once SCANNING the
// group reaches FINISH through the last completed unit, or is left to the
// timeout sweep when units could not be submitted.
func (c *Coordinator) Dispatch(ctx context.Context, groupID int64) error {
	ctx = log.ContextAttrs(ctx, slog.Int64("group_id", groupID))

	group, err := c.records.Group(ctx, groupID)
	if err != nil {
		return err
	}
	if group.Status != model.StatusReady {
		return fmt.Errorf("group %d is %s: %w", groupID, group.Status, ErrNotReady)
	}
	sites, err := c.records.Sites(ctx, group.ListID)
	if err != nil {
		return err
	}

	tests := make([]executor.Test, len(c.suites))
	for i, s := range c.suites {
		tests[i], err = c.registry.Resolve(s.Test)
		if err != nil {
			return err
		}
	}

	scans, err := c.records.CreateScans(ctx, groupID, sites)
	if err != nil {
		return err
	}
	units := make([]unit, 0, len(scans)*len(c.suites))
	for _, scan := range scans {
		for i, s := range c.suites {
			units = append(units, unit{scan: scan, name: s.Test, test: tests[i], params: s.Params})
		}
	}

	ok, err := c.records.MarkScanning(ctx, groupID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("group %d: %w", groupID, ErrNotReady)
	}
	slog.InfoContext(ctx, "scanning", "sites", len(scans), "tests", len(c.suites), "units", len(units))

	// bookkeeping writes must happen even when the dispatching context ends
	bg := context.WithoutCancel(ctx)
	done := NewBarrier(len(units), func() { c.finish(bg, groupID) })
	scanBarriers := make(map[int64]*Barrier, len(scans))
	for _, scan := range scans {
		scanBarriers[scan.ID] = NewBarrier(len(c.suites), func() { c.complete(bg, scan.ID) })
	}

	var errs []error
	for _, u := range units {
		task := c.task(u, scanBarriers[u.scan.ID], done)
		if err := c.pool.Submit(ctx, task); err != nil {
			errs = append(errs, fmt.Errorf("submitting %s for scan %d: %w", u.name, u.scan.ID, err))
		}
	}
	if len(errs) > 0 {
		slog.ErrorContext(ctx, "units were not submitted, group left to the timeout sweep", "lost", len(errs))
	}
	return errors.Join(errs...)
}

func (c *Coordinator) task(u unit, scan, group *Barrier) func(context.Context) {
	return func(ctx context.Context) {
		ctx = log.ContextAttrs(ctx,
			slog.Int64("scan_id", u.scan.ID),
			slog.String("test", u.name),
		)
		defer func() {
			scan.Done()
			group.Done()
		}()

		target := executor.Target{ScanID: u.scan.ID, SiteID: u.scan.SiteID, URL: u.scan.FinalURL}
		out := outcomes{c: c, scanID: u.scan.ID, test: u.name}
		start := time.Now()
		ok := executor.Run(ctx, u.test, target, u.params, out)
		slog.DebugContext(ctx, "test completed", "success", ok, "took", time.Since(start))
	}
}

func (c *Coordinator) complete(ctx context.Context, scanID int64) {
	success, err := c.records.CompleteScan(ctx, scanID)
	if err != nil {
		slog.ErrorContext(ctx, "completing scan failed", "scan_id", scanID, "error", err)
		return
	}
	slog.DebugContext(ctx, "scan completed", "scan_id", scanID, "success", success)
}

func (c *Coordinator) finish(ctx context.Context, groupID int64) {
	ok, err := c.records.FinishGroup(ctx, groupID, c.now())
	switch {
	case err != nil:
		slog.ErrorContext(ctx, "finishing group failed", "error", err)
	case !ok:
		slog.WarnContext(ctx, "group already finalized, finish ignored")
	default:
		slog.InfoContext(ctx, "group finished")
	}
}
