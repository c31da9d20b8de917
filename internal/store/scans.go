package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/privacyscore/scanner/internal/model"
)

// CreateScans creates one scan per site of the group, in site order.
func (s *Store) CreateScans(ctx context.Context, groupID int64, sites []model.Site) ([]model.Scan, error) {
	scans := make([]model.Scan, 0, len(sites))
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO scans (group_id, site_id, final_url) VALUES (?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("preparing insert: %w", err)
		}
		defer func() {
			_ = stmt.Close()
		}()
		for _, site := range sites {
			res, err := stmt.ExecContext(ctx, groupID, site.ID, site.URL)
			if err != nil {
				return fmt.Errorf("inserting scan for site %d: %w", site.ID, err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("fetching scan id: %w", err)
			}
			scans = append(scans, model.Scan{
				ID:       id,
				GroupID:  groupID,
				SiteID:   site.ID,
				FinalURL: site.URL,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return scans, nil
}

// CompleteScan sets the success flag of a scan from its recorded errors
// and returns the flag.
func (s *Store) CompleteScan(ctx context.Context, scanID int64) (bool, error) {
	var success bool
	err := s.db.QueryRowContext(ctx,
		`UPDATE scans
		SET success = NOT EXISTS (SELECT 1 FROM scan_errors WHERE scan_id = scans.id)
		WHERE id = ?
		RETURNING success`, scanID,
	).Scan(&success)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("scan %d: %w", scanID, ErrNotFound)
	case err != nil:
		return false, fmt.Errorf("executing sql update failed: %w", err)
	}
	return success, nil
}

func (s *Store) Scan(ctx context.Context, scanID int64) (model.Scan, error) {
	var sc model.Scan
	err := s.db.QueryRowContext(ctx,
		`SELECT id, group_id, site_id, final_url, success FROM scans WHERE id = ?`, scanID,
	).Scan(&sc.ID, &sc.GroupID, &sc.SiteID, &sc.FinalURL, &sc.Success)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.Scan{}, fmt.Errorf("scan %d: %w", scanID, ErrNotFound)
	case err != nil:
		return model.Scan{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return sc, nil
}

func (s *Store) Scans(ctx context.Context, groupID int64) ([]model.Scan, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, group_id, site_id, final_url, success FROM scans WHERE group_id = ? ORDER BY id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var scans []model.Scan
	for rows.Next() {
		var sc model.Scan
		if err := rows.Scan(&sc.ID, &sc.GroupID, &sc.SiteID, &sc.FinalURL, &sc.Success); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		scans = append(scans, sc)
	}
	return scans, rows.Err()
}
