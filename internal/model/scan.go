package model

import (
	"encoding/json"
	"time"
)

// ScanList is a collection of target sites. It stops being editable once
// any ScanGroup references it.
type ScanList struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Private     bool      `json:"isprivate"`
	Editable    bool      `json:"editable"`
	CreatedAt   time.Time `json:"created_at"`
}

// Site is a normalized target URL, unique within its list.
type Site struct {
	ID     int64  `json:"id"`
	ListID int64  `json:"list_id"`
	URL    string `json:"url"`
}

// ScanGroup is one scheduling epoch of a list.
type ScanGroup struct {
	ID     int64       `json:"id"`
	ListID int64       `json:"list_id"`
	Start  time.Time   `json:"start"`
	End    *time.Time  `json:"end"`
	Status GroupStatus `json:"status"`
	Error  *string     `json:"error"`
}

// InFlight reports whether the group has not reached a terminal state yet.
func (g ScanGroup) InFlight() bool {
	return g.End == nil && !g.Status.Terminal()
}

// Scan is the container of one (site, group) execution.
type Scan struct {
	ID       int64  `json:"id"`
	GroupID  int64  `json:"group_id"`
	SiteID   int64  `json:"site_id"`
	FinalURL string `json:"final_url"`
	Success  bool   `json:"success"`
}

// ScanResult is the structured result a test recorded for a scan.
type ScanResult struct {
	ID     int64           `json:"id"`
	ScanID int64           `json:"scan_id"`
	Test   string          `json:"test"`
	Data   json.RawMessage `json:"data"`
}

// ScanError is an error outcome of a test.
type ScanError struct {
	ID     int64  `json:"id"`
	ScanID int64  `json:"scan_id"`
	Test   string `json:"test,omitempty"`
	Error  string `json:"error"`
}

// RawResult describes a raw artifact. Exactly one of Data (inline tier) or
// FileName (reference tier) is meaningful, selected by Inline.
type RawResult struct {
	ID         int64  `json:"id"`
	ScanID     int64  `json:"scan_id"`
	Test       string `json:"test"`
	Identifier string `json:"identifier"`
	DataType   string `json:"data_type"`
	Inline     bool   `json:"in_db"`
	FileName   string `json:"file_name,omitempty"`
	Data       []byte `json:"-"`
}

// Suite is one configured (test identifier, parameters) pair of a scan pass.
type Suite struct {
	Test   string         `json:"test"`
	Params map[string]any `json:"params,omitempty"`
}
