// Package checklist maintains the per-subject CSV manifest tracking
// processing state across runs. The file is created lazily, rows are
// upserted in memory, and every save rewrites the whole file. No locking:
// one writer per study run is assumed.
package checklist

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Row is one subject's record. Stage values are keyed by the header's stage
// columns; Notes holds free text about ambiguity or failure.
type Row struct {
	ID     string
	Stages map[string]string
	Notes  string
}

// Checklist is the in-memory manifest. Header layout is
// id,<stage columns...>,notes.
type Checklist struct {
	path   string
	stages []string
	rows   map[string]*Row
	order  []string
}

// Load reads a manifest, tolerating '#'-prefixed comment lines at the top.
// A missing file yields an empty checklist with the given stage columns;
// an existing file's header wins over the passed stages.
func Load(path string, stages []string) (*Checklist, error) {
	c := &Checklist{
		path:   path,
		stages: append([]string(nil), stages...),
		rows:   map[string]*Row{},
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, err
	}

	var lines []string
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "#") || strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return c, nil
	}

	records, err := csv.NewReader(strings.NewReader(strings.Join(lines, "\n"))).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("checklist %s: %w", path, err)
	}

	header := records[0]
	if len(header) < 2 || header[0] != "id" || header[len(header)-1] != "notes" {
		return nil, fmt.Errorf("checklist %s: header must be id,<stages...>,notes, got %v", path, header)
	}
	c.stages = append([]string(nil), header[1:len(header)-1]...)

	for _, record := range records[1:] {
		if len(record) != len(header) {
			return nil, fmt.Errorf("checklist %s: row %v does not match header", path, record)
		}
		row := &Row{
			ID:     record[0],
			Stages: map[string]string{},
			Notes:  record[len(record)-1],
		}
		for i, stage := range c.stages {
			row.Stages[stage] = record[i+1]
		}
		c.rows[row.ID] = row
		c.order = append(c.order, row.ID)
	}
	return c, nil
}

// Stages returns the stage column names.
func (c *Checklist) Stages() []string {
	return append([]string(nil), c.stages...)
}

// IDs returns the row IDs in file order.
func (c *Checklist) IDs() []string {
	return append([]string(nil), c.order...)
}

// Get returns a copy of one row, or false when the subject has no row yet.
func (c *Checklist) Get(id string) (Row, bool) {
	row, ok := c.rows[id]
	if !ok {
		return Row{}, false
	}
	cp := Row{ID: row.ID, Stages: map[string]string{}, Notes: row.Notes}
	for k, v := range row.Stages {
		cp.Stages[k] = v
	}
	return cp, true
}

// SetStage upserts one stage value for a subject, creating the row if
// needed. Unknown stage columns are an error: the header is the contract.
func (c *Checklist) SetStage(id, stage, value string) error {
	if !c.hasStage(stage) {
		return fmt.Errorf("checklist: unknown stage column %q", stage)
	}
	c.row(id).Stages[stage] = value
	return nil
}

// AppendNote adds a note to a subject's row, separated from existing notes
// with a semicolon, skipping exact duplicates.
func (c *Checklist) AppendNote(id, note string) {
	row := c.row(id)
	if note == "" {
		return
	}
	for _, existing := range strings.Split(row.Notes, "; ") {
		if existing == note {
			return
		}
	}
	if row.Notes == "" {
		row.Notes = note
	} else {
		row.Notes = row.Notes + "; " + note
	}
}

func (c *Checklist) row(id string) *Row {
	if row, ok := c.rows[id]; ok {
		return row
	}
	row := &Row{ID: id, Stages: map[string]string{}}
	c.rows[id] = row
	c.order = append(c.order, id)
	return row
}

func (c *Checklist) hasStage(stage string) bool {
	for _, s := range c.stages {
		if s == stage {
			return true
		}
	}
	return false
}

// Save rewrites the manifest. Rows keep insertion order: loaded rows stay
// in file order, new subjects append in the order they were first seen.
func (c *Checklist) Save() error {
	if dir := filepath.Dir(c.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	f, err := os.Create(c.path)
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	header := append([]string{"id"}, c.stages...)
	header = append(header, "notes")
	if err := w.Write(header); err != nil {
		f.Close()
		return err
	}

	for _, id := range c.order {
		row := c.rows[id]
		record := []string{row.ID}
		for _, stage := range c.stages {
			record = append(record, row.Stages[stage])
		}
		record = append(record, row.Notes)
		if err := w.Write(record); err != nil {
			f.Close()
			return err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
