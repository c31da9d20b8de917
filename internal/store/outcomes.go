package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/privacyscore/scanner/internal/artifact"
	"github.com/privacyscore/scanner/internal/model"
)

// AddResult stores the structured result of a test. data must be valid
// JSON.
func (s *Store) AddResult(ctx context.Context, scanID int64, test string, data json.RawMessage) (model.ScanResult, error) {
	if !json.Valid(data) {
		return model.ScanResult{}, fmt.Errorf("result of %s for scan %d is not valid json", test, scanID)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO scan_results (scan_id, test, data) VALUES (?, ?, ?)`,
		scanID, test, string(data),
	)
	if err != nil {
		return model.ScanResult{}, fmt.Errorf("inserting result: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.ScanResult{}, fmt.Errorf("fetching result id: %w", err)
	}
	return model.ScanResult{ID: id, ScanID: scanID, Test: test, Data: data}, nil
}

// AddError appends an error outcome. An empty test means the error is not
// attributed to a single test.
func (s *Store) AddError(ctx context.Context, scanID int64, test, msg string) error {
	var t sql.NullString
	if test != "" {
		t = sql.NullString{String: test, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scan_errors (scan_id, test, error) VALUES (?, ?, ?)`,
		scanID, t, msg,
	)
	if err != nil {
		return fmt.Errorf("inserting error: %w", err)
	}
	return nil
}

// AddRaw records a raw artifact already placed by the artifact store.
func (s *Store) AddRaw(ctx context.Context, scanID int64, test, identifier, dataType string, ref artifact.Ref) (model.RawResult, error) {
	raw := model.RawResult{
		ScanID:     scanID,
		Test:       test,
		Identifier: identifier,
		DataType:   dataType,
	}
	var (
		fileName sql.NullString
		data     []byte
	)
	switch ref.Tier {
	case artifact.TierInline:
		raw.Inline = true
		data = ref.Data
		if data == nil {
			data = []byte{}
		}
		raw.Data = data
	case artifact.TierReference:
		fileName = sql.NullString{String: ref.Key, Valid: true}
		raw.FileName = ref.Key
	default:
		return model.RawResult{}, fmt.Errorf("unknown artifact tier %d", ref.Tier)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO raw_results (scan_id, test, identifier, data_type, tier, file_name, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		scanID, test, identifier, dataType, ref.Tier.String(), fileName, data,
	)
	if err != nil {
		return model.RawResult{}, fmt.Errorf("inserting raw result: %w", err)
	}
	raw.ID, err = res.LastInsertId()
	if err != nil {
		return model.RawResult{}, fmt.Errorf("fetching raw result id: %w", err)
	}
	return raw, nil
}

func (s *Store) Results(ctx context.Context, scanID int64) ([]model.ScanResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scan_id, test, data FROM scan_results WHERE scan_id = ? ORDER BY id`, scanID)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var results []model.ScanResult
	for rows.Next() {
		var (
			r    model.ScanResult
			data string
		)
		if err := rows.Scan(&r.ID, &r.ScanID, &r.Test, &data); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		r.Data = json.RawMessage(data)
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *Store) Errors(ctx context.Context, scanID int64) ([]model.ScanError, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scan_id, test, error FROM scan_errors WHERE scan_id = ? ORDER BY id`, scanID)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var errs []model.ScanError
	for rows.Next() {
		var (
			e    model.ScanError
			test sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.ScanID, &test, &e.Error); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		e.Test = test.String
		errs = append(errs, e)
	}
	return errs, rows.Err()
}

const rawColumns = `id, scan_id, test, identifier, data_type, tier, file_name, data`

func scanRaw(row rowScanner) (model.RawResult, error) {
	var (
		r        model.RawResult
		tier     string
		fileName sql.NullString
		data     []byte
	)
	if err := row.Scan(&r.ID, &r.ScanID, &r.Test, &r.Identifier, &r.DataType, &tier, &fileName, &data); err != nil {
		return model.RawResult{}, err
	}
	r.Inline = tier == artifact.TierInline.String()
	r.FileName = fileName.String
	if r.Inline {
		if data == nil {
			data = []byte{}
		}
		r.Data = data
	}
	return r, nil
}

func (s *Store) RawResults(ctx context.Context, scanID int64) ([]model.RawResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+rawColumns+` FROM raw_results WHERE scan_id = ? ORDER BY id`, scanID)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var raws []model.RawResult
	for rows.Next() {
		r, err := scanRaw(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		raws = append(raws, r)
	}
	return raws, rows.Err()
}

func (s *Store) RawResult(ctx context.Context, rawID int64) (model.RawResult, error) {
	r, err := scanRaw(s.db.QueryRowContext(ctx,
		`SELECT `+rawColumns+` FROM raw_results WHERE id = ?`, rawID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.RawResult{}, fmt.Errorf("raw result %d: %w", rawID, ErrNotFound)
	case err != nil:
		return model.RawResult{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return r, nil
}

// LatestRaw returns the newest raw artifact with the given identifier
// recorded for a site across all its scans.
func (s *Store) LatestRaw(ctx context.Context, siteID int64, identifier string) (model.RawResult, error) {
	r, err := scanRaw(s.db.QueryRowContext(ctx,
		`SELECT r.id, r.scan_id, r.test, r.identifier, r.data_type, r.tier, r.file_name, r.data
		FROM raw_results r JOIN scans s ON s.id = r.scan_id
		WHERE s.site_id = ? AND r.identifier = ?
		ORDER BY r.id DESC LIMIT 1`, siteID, identifier))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.RawResult{}, fmt.Errorf("no %s for site %d: %w", identifier, siteID, ErrNotFound)
	case err != nil:
		return model.RawResult{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return r, nil
}
