package xnat

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/TIGRLab/datman-sub001/scanid"
)

// The archive API wraps everything in a nested items/children/data_fields
// convention. Children may be absent entirely for empty sessions.
type document struct {
	Items []node `json:"items"`
}

type node struct {
	Children   []child                `json:"children"`
	DataFields map[string]interface{} `json:"data_fields"`
}

type child struct {
	Field string `json:"field"`
	Items []node `json:"items"`
}

// field returns a data_fields entry as a string, tolerating numeric values.
func (n node) field(key string) string {
	v, ok := n.DataFields[key]
	if !ok {
		return ""
	}
	switch v := v.(type) {
	case string:
		return v
	case float64:
		return strings.TrimSuffix(fmt.Sprintf("%v", v), ".0")
	default:
		return fmt.Sprintf("%v", v)
	}
}

// childItems collects the items of every child entry with the given field.
func (n node) childItems(field string) []node {
	var items []node
	for _, c := range n.Children {
		if c.Field == field {
			items = append(items, c.Items...)
		}
	}
	return items
}

func decodeJSON(r io.Reader, out interface{}) error {
	return json.NewDecoder(r).Decode(out)
}

// Flat listing endpoints wrap rows in a ResultSet envelope.
type resultSet struct {
	ResultSet struct {
		Result []map[string]string `json:"Result"`
	} `json:"ResultSet"`
}

// Experiment is one imaging session as the server reports it.
type Experiment struct {
	Project string
	Subject string
	ID      string // accession number, used in URLs
	Label   string // current label
	Source  string // original label when shared in from another project
	Date    string
	UID     string
	Shared  bool
	Scans   []*Scan
}

// Scan is one series within an experiment. Series numbers are kept as
// strings; some sources prefix split series, which NormalizeSeries already
// handled at parse time.
type Scan struct {
	Series      string
	IsSplit     bool
	Description string
	Type        string
	ImageType   string
	EchoNumbers []string
	UID         string
	Frames      string

	Experiment string // owning experiment label
}

// MultiEcho reports whether the scan acquired more than one echo.
func (s *Scan) MultiEcho() bool {
	return len(s.EchoNumbers) > 1
}

// ListSubjects returns the subject labels of a project.
func (c *Client) ListSubjects(project string) ([]string, error) {
	var rs resultSet
	err := c.getJSON("archive/projects/"+project+"/subjects", &rs)
	if err != nil {
		return nil, &Error{Project: project, Msg: "listing subjects", Err: err}
	}
	var labels []string
	for _, row := range rs.ResultSet.Result {
		labels = append(labels, row["label"])
	}
	return labels, nil
}

// ListExperiments returns the experiment labels under one subject.
func (c *Client) ListExperiments(project, subject string) ([]string, error) {
	var rs resultSet
	err := c.getJSON("archive/projects/"+project+"/subjects/"+subject+"/experiments", &rs)
	if err != nil {
		return nil, &Error{Project: project, Session: subject, Msg: "listing experiments", Err: err}
	}
	var labels []string
	for _, row := range rs.ResultSet.Result {
		labels = append(labels, row["label"])
	}
	return labels, nil
}

// GetExperiment fetches and parses one session. Subjects are stored under
// their repeat-free label and hold one experiment per session repeat, so the
// session is matched by its own label among the subject's experiments. A
// session shared in from another study is listed under its original label and
// matched through its sharing alternate instead.
func (c *Client) GetExperiment(project, subject, session string) (*Experiment, error) {
	labels, err := c.ListExperiments(project, subject)
	if err != nil {
		return nil, err
	}
	if len(labels) == 0 {
		return nil, &Error{Project: project, Session: session, Msg: "no experiments found", Err: errNotFound}
	}
	if len(labels) > 1 {
		c.log.Warn("subject has multiple experiments",
			"project", project, "subject", subject, "experiments", strings.Join(labels, ", "))
	}

	for _, label := range labels {
		if label == session {
			return c.getExperiment(project, subject, label)
		}
	}
	for _, label := range labels {
		exp, err := c.getExperiment(project, subject, label)
		if err != nil {
			return nil, err
		}
		if exp.Label == session {
			return exp, nil
		}
	}
	return nil, &Error{Project: project, Session: session,
		Msg: "experiment not found under subject " + subject, Err: errNotFound}
}

func (c *Client) getExperiment(project, subject, label string) (*Experiment, error) {
	var doc document
	path := "archive/projects/" + project + "/subjects/" + subject + "/experiments/" + label
	if err := c.getJSON(path, &doc); err != nil {
		return nil, &Error{Project: project, Session: label, Msg: "fetching experiment", Err: err}
	}
	if len(doc.Items) == 0 {
		return nil, &Error{Project: project, Session: label, Msg: "experiment record is empty"}
	}

	root := doc.Items[0]
	exp := &Experiment{
		Project: project,
		Subject: subject,
		ID:      root.field("ID"),
		Label:   label,
		Source:  label,
		Date:    root.field("date"),
		UID:     root.field("UID"),
	}

	// A sharing/share node means this session's raw data belongs to another
	// project's subject. The current label is the alternate one naming our
	// subject; the original stays in Source for provenance.
	for _, share := range root.childItems("sharing/share") {
		shared := share.field("label")
		if shared == "" {
			continue
		}
		exp.Shared = true
		if strings.Contains(shared, subject) {
			exp.Label = shared
		}
	}

	for _, item := range root.childItems("scans/scan") {
		scan := parseScan(item, exp.Label)
		if scan.Series == "" {
			c.log.Debug("skipping scan with no series number", "session", exp.Label)
			continue
		}
		exp.Scans = append(exp.Scans, scan)
	}

	return exp, nil
}

func parseScan(item node, experiment string) *Scan {
	series, split := scanid.NormalizeSeries(item.field("ID"))
	return &Scan{
		Series:      series,
		IsSplit:     split,
		Description: item.field("series_description"),
		Type:        item.field("type"),
		ImageType:   item.field("parameters/imageType"),
		EchoNumbers: splitEchoes(item.field("parameters/echoNumbers")),
		UID:         item.field("UID"),
		Frames:      item.field("frames"),
		Experiment:  experiment,
	}
}

// splitEchoes parses the server's echo number list, which uses the DICOM
// backslash multi-value separator.
func splitEchoes(raw string) []string {
	if raw == "" {
		return nil
	}
	var echoes []string
	seen := map[string]bool{}
	for _, e := range strings.FieldsFunc(raw, func(r rune) bool { return r == '\\' || r == ',' }) {
		e = strings.TrimSpace(e)
		if e != "" && !seen[e] {
			seen[e] = true
			echoes = append(echoes, e)
		}
	}
	return echoes
}
