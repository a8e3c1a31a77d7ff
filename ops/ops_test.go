package ops

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/inconshreveable/log15"

	"github.com/TIGRLab/datman-sub001/checklist"
	"github.com/TIGRLab/datman-sub001/config"
	"github.com/TIGRLab/datman-sub001/dashboard"
	"github.com/TIGRLab/datman-sub001/importers"
	"github.com/TIGRLab/datman-sub001/scanid"
	"github.com/TIGRLab/datman-sub001/tagmatch"
	"github.com/TIGRLab/datman-sub001/xnat"
)

func discardLog() log15.Logger {
	log := log15.New()
	log.SetHandler(log15.DiscardHandler())
	return log
}

func newTestClient(t *testing.T, mux *http.ServeMux) *xnat.Client {
	t.Helper()
	mux.HandleFunc("/data/JSESSION", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "token-1")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client, err := xnat.NewClient(srv.URL, xnat.Credentials{User: "u", Pass: "p"},
		xnat.WithRetries(1, time.Millisecond))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client
}

func resultSet(rows ...string) string {
	out := `{"ResultSet":{"Result":[`
	for i, r := range rows {
		if i > 0 {
			out += ","
		}
		out += r
	}
	return out + `]}}`
}

// resourceMux serves an experiment with notes.txt duplicated between MISC and
// NIFTI, extra.txt duplicated between NIFTI and BEHAV with no MISC copy, and
// unique.pdf present only once.
func resourceMux(deleted *[]string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/data/experiments/EXP1/resources", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, resultSet(
			`{"xnat_abstractresource_id":"1","label":"MISC"}`,
			`{"xnat_abstractresource_id":"2","label":"NIFTI"}`,
			`{"xnat_abstractresource_id":"3","label":"BEHAV"}`,
		))
	})
	mux.HandleFunc("/data/experiments/EXP1/resources/1/files", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, resultSet(
			`{"Name":"notes.txt","Size":"10","URI":"/data/x/notes.txt"}`,
			`{"Name":"unique.pdf","Size":"20","URI":"/data/x/unique.pdf"}`,
		))
	})
	mux.HandleFunc("/data/experiments/EXP1/resources/2/files", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, resultSet(
			`{"Name":"notes.txt","Size":"10","URI":"/data/y/notes.txt"}`,
			`{"Name":"extra.txt","Size":"5","URI":"/data/y/extra.txt"}`,
		))
	})
	mux.HandleFunc("/data/experiments/EXP1/resources/2/files/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			http.NotFound(w, r)
			return
		}
		*deleted = append(*deleted, r.URL.Path)
	})
	mux.HandleFunc("/data/experiments/EXP1/resources/3/files", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, resultSet(
			`{"Name":"extra.txt","Size":"5","URI":"/data/z/extra.txt"}`,
		))
	})
	return mux
}

func testExperiment() *xnat.Experiment {
	return &xnat.Experiment{
		Project: "STUDY_ARC",
		Subject: "STUDY_CMH_0001_01",
		ID:      "EXP1",
		Label:   "STUDY_CMH_0001_01_01",
	}
}

func TestPruneExperimentKeepsCanonicalCopy(t *testing.T) {
	var deleted []string
	client := newTestClient(t, resourceMux(&deleted))

	removed, err := pruneExperiment(client, testExperiment(), false, true, discardLog())
	if err != nil {
		t.Fatalf("pruneExperiment() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if len(deleted) != 1 || deleted[0] != "/data/experiments/EXP1/resources/2/files/notes.txt" {
		t.Errorf("deleted = %v, want only the NIFTI copy of notes.txt", deleted)
	}
}

func TestPruneExperimentDryRun(t *testing.T) {
	var deleted []string
	client := newTestClient(t, resourceMux(&deleted))

	removed, err := pruneExperiment(client, testExperiment(), true, true, discardLog())
	if err != nil {
		t.Fatalf("pruneExperiment() error = %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0 in dry run", removed)
	}
	if len(deleted) != 0 {
		t.Errorf("dry run deleted %v", deleted)
	}
}

func TestSessionName(t *testing.T) {
	cases := []struct {
		source string
		want   string
	}{
		{"STUDY_CMH_0001_01_01", "STUDY_CMH_0001_01_01"},
		{"/data/zips/STUDY_CMH_0001_01_01.zip", "STUDY_CMH_0001_01_01"},
		{"STUDY_CMH_0001_01_01.zip", "STUDY_CMH_0001_01_01"},
	}
	for _, c := range cases {
		if got := sessionName(c.source); got != c.want {
			t.Errorf("sessionName(%q) = %q, want %q", c.source, got, c.want)
		}
	}
}

const uploadedExperimentJSON = `{"items":[{
	"data_fields":{"ID":"EXP9","label":"STUDY_CMH_0001_01_01","date":"2021-01-05"},
	"children":[
		{"field":"scans/scan","items":[
			{"data_fields":{"ID":"1","series_description":"T1 MPRAGE","UID":"1.2.3.1"}},
			{"data_fields":{"ID":"2","series_description":"Resting","UID":"1.2.3.2"}}
		]}
	]}]}`

// uploadMux serves one experiment stored, as uploads do, under the subject
// label without the repeat number.
func uploadMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/data/archive/projects/STUDY_ARC/subjects/STUDY_CMH_0001_01/experiments",
		func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, resultSet(`{"label":"STUDY_CMH_0001_01_01"}`))
		})
	mux.HandleFunc("/data/archive/projects/STUDY_ARC/subjects/STUDY_CMH_0001_01/experiments/STUDY_CMH_0001_01_01",
		func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, uploadedExperimentJSON)
		})
	return mux
}

func TestNeedsUploadFindsOwnUpload(t *testing.T) {
	client := newTestClient(t, uploadMux())

	// Same series set as the server copy: nothing to do.
	needed, exp, err := needsUpload(client, "STUDY_ARC", "STUDY_CMH_0001_01",
		"STUDY_CMH_0001_01_01", []string{"1.2.3.1", "1.2.3.2"}, discardLog())
	if err != nil {
		t.Fatalf("needsUpload() error = %v", err)
	}
	if needed {
		t.Error("needsUpload() = true for a session already on the server")
	}
	if exp == nil || exp.Label != "STUDY_CMH_0001_01_01" {
		t.Fatalf("experiment = %+v, want the uploaded session", exp)
	}

	// Local archive gained a series: re-upload, keeping the experiment handle.
	needed, exp, err = needsUpload(client, "STUDY_ARC", "STUDY_CMH_0001_01",
		"STUDY_CMH_0001_01_01", []string{"1.2.3.1", "1.2.3.2", "1.2.3.3"}, discardLog())
	if err != nil {
		t.Fatalf("needsUpload() error = %v", err)
	}
	if !needed || exp == nil {
		t.Errorf("needsUpload() = %v, %v for differing series sets", needed, exp)
	}

	// Unknown subject: first upload.
	needed, exp, err = needsUpload(client, "STUDY_ARC", "STUDY_CMH_0009_01",
		"STUDY_CMH_0009_01_01", []string{"1.2.9.1"}, discardLog())
	if err != nil {
		t.Fatalf("needsUpload() error = %v", err)
	}
	if !needed || exp != nil {
		t.Errorf("needsUpload() = %v, %v for an absent session", needed, exp)
	}
}

func TestDiscoverSessionsListsExperiments(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/data/archive/projects/STUDY/subjects",
		func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, resultSet(
				`{"label":"STUDY_CMH_0001_01"}`,
				`{"label":"STUDY_CMH_0002_01"}`,
			))
		})
	mux.HandleFunc("/data/archive/projects/STUDY/subjects/STUDY_CMH_0001_01/experiments",
		func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, resultSet(
				`{"label":"STUDY_CMH_0001_01_01"}`,
				`{"label":"STUDY_CMH_0001_01_02"}`,
			))
		})
	mux.HandleFunc("/data/archive/projects/STUDY/subjects/STUDY_CMH_0002_01/experiments",
		func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, resultSet(`{"label":"STUDY_CMH_0002_01_01"}`))
		})
	client := newTestClient(t, mux)

	cfg := &config.Config{Study: "STUDY", Sites: map[string]config.Site{"CMH": {}}}
	sessions, err := discoverSessions(cfg, client)
	if err != nil {
		t.Fatalf("discoverSessions() error = %v", err)
	}

	want := []string{"STUDY_CMH_0001_01_01", "STUDY_CMH_0001_01_02", "STUDY_CMH_0002_01_01"}
	if !reflect.DeepEqual(sessions, want) {
		t.Errorf("discoverSessions() = %v, want %v", sessions, want)
	}
	// Discovered labels must round-trip through the session parser, or the
	// extraction loop would silently drop them.
	for _, s := range sessions {
		if _, err := scanid.Parse(s, nil); err != nil {
			t.Errorf("discovered session %q does not parse: %v", s, err)
		}
	}
}

// fakeScan and fakeSession stand in for server or archive data in driver
// tests.
type fakeScan struct {
	series      string
	description string
	frames      string
	names       []string
}

func (s *fakeScan) Series() string        { return s.series }
func (s *fakeScan) Description() string   { return s.description }
func (s *fakeScan) ImageType() string     { return "" }
func (s *fakeScan) EchoNumbers() []string { return nil }
func (s *fakeScan) MultiEcho() bool       { return false }
func (s *fakeScan) UID() string           { return "" }
func (s *fakeScan) Frames() string        { return s.frames }
func (s *fakeScan) Names() []string       { return s.names }
func (s *fakeScan) SetNames(n []string)   { s.names = n }
func (s *fakeScan) DcmDir() string        { return "" }

type fakeSession struct {
	name  string
	scans []importers.SeriesImporter
}

func (s *fakeSession) Name() string                      { return s.name }
func (s *fakeSession) SourceName() string                { return s.name }
func (s *fakeSession) Date() string                      { return "2021-01-05" }
func (s *fakeSession) Scans() []importers.SeriesImporter { return s.scans }
func (s *fakeSession) IsShared() bool                    { return false }
func (s *fakeSession) GetFiles(string) error             { return nil }

func driverTags(t *testing.T) *tagmatch.Config {
	t.Helper()
	tags, err := tagmatch.NewConfig(map[string]interface{}{
		"T1": map[string]interface{}{
			"Pattern": map[string]interface{}{"SeriesDescription": "T1"},
		},
		"FMAP-AP": map[string]interface{}{
			"Pattern": map[string]interface{}{"SeriesDescription": "fieldmap", "ImageType": `ORIGINAL\\PRIMARY\\M`},
		},
		"FMAP-PA": map[string]interface{}{
			"Pattern": map[string]interface{}{"SeriesDescription": "fieldmap", "ImageType": `ORIGINAL\\PRIMARY\\P`},
		},
	})
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}
	return tags
}

func TestAssignScanNamesAmbiguityNote(t *testing.T) {
	tags := driverTags(t)
	ident, _ := scanid.Parse("STUDY_CMH_0001_01_01", nil)
	session := &fakeSession{name: "STUDY_CMH_0001_01_01", scans: []importers.SeriesImporter{
		&fakeScan{series: "2", description: "T1 MPRAGE"},
		// Matches both fieldmap tags and carries no ImageType to settle it.
		&fakeScan{series: "5", description: "gre fieldmap"},
		&fakeScan{series: "9", description: "localizer"},
	}}

	named, notes := assignScanNames(tags, ident, session, discardLog())
	if len(named) != 1 || named[0].scan.Series() != "2" {
		t.Fatalf("named = %+v, want only the T1 scan", named)
	}
	if len(notes) != 1 {
		t.Fatalf("notes = %v, want one ambiguity note", notes)
	}
	for _, tagName := range []string{"FMAP-AP", "FMAP-PA"} {
		if !strings.Contains(notes[0], tagName) {
			t.Errorf("note %q does not name tag %s", notes[0], tagName)
		}
	}
}

func TestRecordSessionPersistsNotesAndScanMetadata(t *testing.T) {
	tags := driverTags(t)
	ident, _ := scanid.Parse("STUDY_CMH_0001_01_01", nil)
	session := &fakeSession{name: "STUDY_CMH_0001_01_01", scans: []importers.SeriesImporter{
		&fakeScan{series: "2", description: "T1 MPRAGE", frames: "184"},
		&fakeScan{series: "5", description: "gre fieldmap"},
	}}

	dir := t.TempDir()
	cfg := &config.Config{Study: "STUDY"}
	list, err := checklist.Load(filepath.Join(dir, "checklist.csv"), checklistStages)
	if err != nil {
		t.Fatal(err)
	}
	dash := &dashboard.FileDashboard{Root: filepath.Join(dir, "dash")}

	named, notes := assignScanNames(tags, ident, session, discardLog())
	recordSession(cfg, list, dash, tags, ident, session, named, notes, discardLog())

	row, ok := list.Get(ident.String())
	if !ok {
		t.Fatal("no checklist row written")
	}
	if row.Stages["extracted"] == "" {
		t.Error("extracted stage not set")
	}
	if !strings.Contains(row.Notes, "matches multiple tags") {
		t.Errorf("Notes = %q, want the ambiguity note recorded", row.Notes)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "dash", ident.String()+".json"))
	if err != nil {
		t.Fatalf("reading dashboard record: %v", err)
	}
	var sf struct {
		Scans map[string]dashboard.ScanRecord `json:"scans"`
	}
	if err := json.Unmarshal(raw, &sf); err != nil {
		t.Fatal(err)
	}
	name := scanid.MakeFilename(ident, "T1", "2", "T1 MPRAGE", "")
	if sf.Scans[name].Length != "184" {
		t.Errorf("Length = %q, want the scan's frame count", sf.Scans[name].Length)
	}
}

func TestRemoteResourceNamesUsesBaseNames(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/data/experiments/EXP1/resources", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, resultSet(`{"xnat_abstractresource_id":"1","label":"MISC"}`))
	})
	mux.HandleFunc("/data/experiments/EXP1/resources/1/files", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, resultSet(
			`{"Name":"behav/notes.txt","Size":"10","URI":"/data/x/notes.txt"}`,
			`{"Name":"scan.log","Size":"5","URI":"/data/x/scan.log"}`,
		))
	})
	client := newTestClient(t, mux)

	present, err := remoteResourceNames(client, testExperiment())
	if err != nil {
		t.Fatalf("remoteResourceNames() error = %v", err)
	}
	// A nested server-side copy still suppresses re-upload of the flat local
	// file.
	if !present["notes.txt"] {
		t.Error("nested remote copy not reduced to its base name")
	}
	if !present["scan.log"] || present["behav/notes.txt"] {
		t.Errorf("present = %v", present)
	}
}

func TestEqualStrings(t *testing.T) {
	if !equalStrings([]string{"a", "b"}, []string{"a", "b"}) {
		t.Error("identical slices reported unequal")
	}
	if equalStrings([]string{"a"}, []string{"a", "b"}) {
		t.Error("different lengths reported equal")
	}
	if equalStrings([]string{"a", "b"}, []string{"a", "c"}) {
		t.Error("different contents reported equal")
	}
}
