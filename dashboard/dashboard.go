// Package dashboard records session and scan outcomes for the QC database.
// Updates are best effort: a failing dashboard is logged and skipped, never
// allowed to block file-based processing.
package dashboard

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/TIGRLab/datman-sub001/scanid"
)

// Error wraps a record creation or lookup failure.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("dashboard: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// SessionRecord is the dashboard's view of one visit.
type SessionRecord struct {
	Name     string    `json:"name"`
	Source   string    `json:"source"`
	Date     string    `json:"date"`
	Shared   bool      `json:"shared"`
	LastSeen time.Time `json:"last_seen"`
}

// ScanRecord is the dashboard's view of one exported series.
type ScanRecord struct {
	Name        string `json:"name"`
	Series      string `json:"series"`
	Tag         string `json:"tag"`
	Description string `json:"description"`
	// HeaderDiffs lists header fields that deviate from the site's gold
	// standard scan, when known.
	HeaderDiffs []string `json:"header_diffs,omitempty"`
	// Length is the scan length (volumes/timepoints), when known.
	Length string `json:"length,omitempty"`
}

// Dashboard is the QC record sink.
type Dashboard interface {
	// AddSession creates or updates the session record.
	AddSession(ident scanid.Identifier, rec SessionRecord) error
	// AddScan creates or updates one scan record under a session.
	AddScan(ident scanid.Identifier, rec ScanRecord) error
}

// Disabled is the no-op sink used when no dashboard is configured.
type Disabled struct{}

func (Disabled) AddSession(scanid.Identifier, SessionRecord) error { return nil }
func (Disabled) AddScan(scanid.Identifier, ScanRecord) error       { return nil }

// FileDashboard keeps records as one JSON file per session under a root
// folder. It stands in for the QC database in deployments without one.
type FileDashboard struct {
	Root string
}

type sessionFile struct {
	Session SessionRecord         `json:"session"`
	Scans   map[string]ScanRecord `json:"scans"`
}

func (d *FileDashboard) path(ident scanid.Identifier) string {
	return filepath.Join(d.Root, ident.String()+".json")
}

func (d *FileDashboard) load(ident scanid.Identifier) (*sessionFile, error) {
	var sf sessionFile
	raw, err := os.ReadFile(d.path(ident))
	if os.IsNotExist(err) {
		return &sessionFile{Scans: map[string]ScanRecord{}}, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &sf); err != nil {
		return nil, err
	}
	if sf.Scans == nil {
		sf.Scans = map[string]ScanRecord{}
	}
	return &sf, nil
}

func (d *FileDashboard) save(ident scanid.Identifier, sf *sessionFile) error {
	if err := os.MkdirAll(d.Root, 0755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(d.path(ident), append(raw, '\n'), 0644)
}

func (d *FileDashboard) AddSession(ident scanid.Identifier, rec SessionRecord) error {
	sf, err := d.load(ident)
	if err != nil {
		return &Error{Op: "loading session record", Err: err}
	}
	sf.Session = rec
	if err := d.save(ident, sf); err != nil {
		return &Error{Op: "saving session record", Err: err}
	}
	return nil
}

func (d *FileDashboard) AddScan(ident scanid.Identifier, rec ScanRecord) error {
	sf, err := d.load(ident)
	if err != nil {
		return &Error{Op: "loading session record", Err: err}
	}
	sf.Scans[rec.Name] = rec
	if err := d.save(ident, sf); err != nil {
		return &Error{Op: "saving scan record", Err: err}
	}
	return nil
}
