package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/privacyscore/scanner/internal/model"
)

const groupColumns = `id, list_id, start_ns, end_ns, status, error`

// ReasonTimeout is stored as the error of groups reaped by ReapExpired.
const ReasonTimeout = "scan timed out"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroup(row rowScanner) (model.ScanGroup, error) {
	var (
		g      model.ScanGroup
		start  int64
		end    sql.NullInt64
		status int
		reason sql.NullString
	)
	if err := row.Scan(&g.ID, &g.ListID, &start, &end, &status, &reason); err != nil {
		return model.ScanGroup{}, err
	}
	g.Start = fromNanos(start)
	g.End = fromNullNanos(end)
	g.Status = model.GroupStatus(status)
	g.Error = fromNullString(reason)
	return g, nil
}

// CreateGroupIfIdle creates a READY group for the list unless its latest
// group is still in flight or ended less than cooldown before now. The
// check and the insert run in one transaction. The returned bool reports
// whether a group was created.
func (s *Store) CreateGroupIfIdle(ctx context.Context, listID int64, now time.Time, cooldown time.Duration) (model.ScanGroup, bool, error) {
	var (
		group   model.ScanGroup
		created bool
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM scan_lists WHERE id = ?)`, listID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("executing sql query failed: %w", err)
		}
		if !exists {
			return fmt.Errorf("list %d: %w", listID, ErrNotFound)
		}

		var (
			inFlight int
			lastEnd  sql.NullInt64
		)
		err := tx.QueryRowContext(ctx,
			`SELECT
				COUNT(*) FILTER (WHERE end_ns IS NULL AND status IN (?, ?)),
				MAX(end_ns)
			FROM scan_groups WHERE list_id = ?`,
			int(model.StatusReady), int(model.StatusScanning), listID,
		).Scan(&inFlight, &lastEnd)
		if err != nil {
			return fmt.Errorf("executing sql query failed: %w", err)
		}
		if inFlight > 0 {
			return nil
		}
		if lastEnd.Valid && now.Sub(fromNanos(lastEnd.Int64)) < cooldown {
			return nil
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO scan_groups (list_id, start_ns, status) VALUES (?, ?, ?)`,
			listID, toNanos(now), int(model.StatusReady),
		)
		if err != nil {
			return fmt.Errorf("executing sql insert failed: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("fetching group id: %w", err)
		}
		group = model.ScanGroup{
			ID:     id,
			ListID: listID,
			Start:  fromNanos(toNanos(now)),
			Status: model.StatusReady,
		}
		created = true
		return nil
	})
	if err != nil {
		return model.ScanGroup{}, false, err
	}
	return group, created, nil
}

func (s *Store) Group(ctx context.Context, groupID int64) (model.ScanGroup, error) {
	g, err := scanGroup(s.db.QueryRowContext(ctx,
		`SELECT `+groupColumns+` FROM scan_groups WHERE id = ?`, groupID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.ScanGroup{}, fmt.Errorf("group %d: %w", groupID, ErrNotFound)
	case err != nil:
		return model.ScanGroup{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return g, nil
}

// Groups returns the groups of a list, oldest first.
func (s *Store) Groups(ctx context.Context, listID int64) ([]model.ScanGroup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+groupColumns+` FROM scan_groups WHERE list_id = ? ORDER BY start_ns, id`, listID)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var groups []model.ScanGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// LastGroup returns the most recently started group of a list.
func (s *Store) LastGroup(ctx context.Context, listID int64) (model.ScanGroup, error) {
	g, err := scanGroup(s.db.QueryRowContext(ctx,
		`SELECT `+groupColumns+` FROM scan_groups WHERE list_id = ? ORDER BY start_ns DESC, id DESC LIMIT 1`, listID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.ScanGroup{}, fmt.Errorf("list %d has no group: %w", listID, ErrNotFound)
	case err != nil:
		return model.ScanGroup{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return g, nil
}

// MarkScanning moves a READY group to SCANNING.
func (s *Store) MarkScanning(ctx context.Context, groupID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scan_groups SET status = ? WHERE id = ? AND status = ? AND end_ns IS NULL`,
		int(model.StatusScanning), groupID, int(model.StatusReady),
	)
	return affectedOne(res, err)
}

// FinishGroup moves a SCANNING group to FINISH. It returns false, without
// error, when the group is no longer SCANNING.
func (s *Store) FinishGroup(ctx context.Context, groupID int64, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scan_groups SET status = ?, end_ns = ?
		WHERE id = ? AND status = ? AND end_ns IS NULL`,
		int(model.StatusFinish), toNanos(now), groupID, int(model.StatusScanning),
	)
	return affectedOne(res, err)
}

// AbortGroup moves a group which never started scanning to ERROR.
func (s *Store) AbortGroup(ctx context.Context, groupID int64, now time.Time, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scan_groups SET status = ?, end_ns = ?, error = ?
		WHERE id = ? AND status = ? AND end_ns IS NULL`,
		int(model.StatusError), toNanos(now), reason, groupID, int(model.StatusReady),
	)
	return affectedOne(res, err)
}

// ReapExpired moves every SCANNING group started before now-timeout to
// ERROR and returns how many groups changed. Groups already terminal don't
// match, so running it again is a no-op.
func (s *Store) ReapExpired(ctx context.Context, now time.Time, timeout time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scan_groups SET status = ?, end_ns = ?, error = ?
		WHERE status = ? AND end_ns IS NULL AND start_ns < ?`,
		int(model.StatusError), toNanos(now), ReasonTimeout, int(model.StatusScanning), toNanos(now.Add(-timeout)),
	)
	if err != nil {
		return 0, fmt.Errorf("executing sql update failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fetching affected rows failed: %w", err)
	}
	return n, nil
}

func affectedOne(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, fmt.Errorf("executing sql update failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("fetching affected rows failed: %w", err)
	}
	return n == 1, nil
}
