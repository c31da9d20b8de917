// Package trace reads JavaScript call records from an OpenWPM crawl
// database.
package trace

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Call is one instrumented JavaScript API access.
type Call struct {
	Symbol    string `json:"symbol"`
	Operation string `json:"operation"`
	ScriptURL string `json:"script_url"`
	FuncName  string `json:"func_name"`
	Arguments string `json:"arguments"`
}

type Store struct {
	db *sql.DB
}

// Open opens the crawl database at path read-only.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro&_pragma=query_only(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening crawl database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening crawl database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Calls returns the calls recorded while visiting siteURL, in recording
// order. The site URL is matched case-insensitively and a trailing slash is
// ignored.
func (s *Store) Calls(ctx context.Context, siteURL string) ([]Call, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			COALESCE(j.symbol, ''),
			COALESCE(j.operation, ''),
			COALESCE(j.script_url, ''),
			COALESCE(j.func_name, ''),
			COALESCE(j.arguments, '')
		FROM javascript j
			JOIN site_visits v ON j.visit_id = v.visit_id
		WHERE rtrim(v.site_url, '/') = rtrim(?, '/') COLLATE NOCASE
		ORDER BY j.id`, siteURL)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var calls []Call
	for rows.Next() {
		var c Call
		if err := rows.Scan(&c.Symbol, &c.Operation, &c.ScriptURL, &c.FuncName, &c.Arguments); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}
