package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/privacyscore/scanner/internal/model"
)

func (s *Store) CreateList(ctx context.Context, name, description string, private bool) (model.ScanList, error) {
	if strings.TrimSpace(name) == "" {
		return model.ScanList{}, errors.New("list name is required")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO scan_lists (name, description, private, created_ns) VALUES (?, ?, ?, ?)`,
		name, description, private, toNanos(now),
	)
	if err != nil {
		return model.ScanList{}, fmt.Errorf("inserting list: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.ScanList{}, fmt.Errorf("fetching list id: %w", err)
	}
	return model.ScanList{
		ID:          id,
		Name:        name,
		Description: description,
		Private:     private,
		Editable:    true,
		CreatedAt:   fromNanos(toNanos(now)),
	}, nil
}

func (s *Store) List(ctx context.Context, listID int64) (model.ScanList, error) {
	var (
		l       model.ScanList
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, private, created_ns,
			NOT EXISTS (SELECT 1 FROM scan_groups WHERE list_id = scan_lists.id)
		FROM scan_lists WHERE id = ?`, listID,
	).Scan(&l.ID, &l.Name, &l.Description, &l.Private, &created, &l.Editable)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.ScanList{}, fmt.Errorf("list %d: %w", listID, ErrNotFound)
	case err != nil:
		return model.ScanList{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	l.CreatedAt = fromNanos(created)
	return l, nil
}

func (s *Store) ListIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM scan_lists ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveSites replaces all sites of a list with urls. It returns
// ErrListLocked once the list has been scheduled for a scan.
func (s *Store) SaveSites(ctx context.Context, listID int64, urls []string) ([]model.Site, error) {
	normalized := make([]string, 0, len(urls))
	seen := make(map[string]struct{}, len(urls))
	for _, raw := range urls {
		u, err := NormalizeURL(raw)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		normalized = append(normalized, u)
	}

	var sites []model.Site
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var exists, scanned bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM scan_lists WHERE id = ?),
				EXISTS (SELECT 1 FROM scan_groups WHERE list_id = ?)`, listID, listID,
		).Scan(&exists, &scanned)
		switch {
		case err != nil:
			return fmt.Errorf("executing sql query failed: %w", err)
		case !exists:
			return fmt.Errorf("list %d: %w", listID, ErrNotFound)
		case scanned:
			return fmt.Errorf("list %d: %w", listID, ErrListLocked)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM sites WHERE list_id = ?`, listID); err != nil {
			return fmt.Errorf("deleting sites: %w", err)
		}
		for _, u := range normalized {
			res, err := tx.ExecContext(ctx, `INSERT INTO sites (list_id, url) VALUES (?, ?)`, listID, u)
			if err != nil {
				return fmt.Errorf("inserting site %s: %w", u, err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("fetching site id: %w", err)
			}
			sites = append(sites, model.Site{ID: id, ListID: listID, URL: u})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sites, nil
}

func (s *Store) Sites(ctx context.Context, listID int64) ([]model.Site, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, list_id, url FROM sites WHERE list_id = ? ORDER BY id`, listID)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	var sites []model.Site
	for rows.Next() {
		var site model.Site
		if err := rows.Scan(&site.ID, &site.ListID, &site.URL); err != nil {
			return nil, err
		}
		sites = append(sites, site)
	}
	return sites, rows.Err()
}

// NormalizeURL lower-cases scheme and host, adds https:// when the scheme
// is missing and drops the fragment.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty site url")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing site url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("site url %q has no host", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}
