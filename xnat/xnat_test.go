package xnat

import (
	"archive/zip"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// newTestClient wires a client against a test server with instant sleeps.
func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL, Credentials{User: "u", Pass: "p"},
		WithRetries(3, time.Millisecond),
		withSleep(func(time.Duration) {}))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client
}

// authMux wraps a mux with the JSESSION endpoint every client needs.
func authMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/data/JSESSION", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "token-1")
	})
	return mux
}

func TestLoadCredentialsFromEnv(t *testing.T) {
	t.Setenv("XNAT_USER", "alice")
	t.Setenv("XNAT_PASS", "hunter2")

	creds, err := LoadCredentials("")
	if err != nil {
		t.Fatalf("LoadCredentials() error = %v", err)
	}
	if creds.User != "alice" || creds.Pass != "hunter2" {
		t.Errorf("LoadCredentials() = %+v", creds)
	}
}

func TestLoadCredentialsFromFile(t *testing.T) {
	t.Setenv("XNAT_USER", "")
	t.Setenv("XNAT_PASS", "")

	path := filepath.Join(t.TempDir(), "creds")
	if err := os.WriteFile(path, []byte("bob\nsecret\n"), 0600); err != nil {
		t.Fatal(err)
	}

	creds, err := LoadCredentials(path)
	if err != nil {
		t.Fatalf("LoadCredentials() error = %v", err)
	}
	if creds.User != "bob" || creds.Pass != "secret" {
		t.Errorf("LoadCredentials() = %+v", creds)
	}

	if _, err := LoadCredentials(""); err == nil {
		t.Error("LoadCredentials with no sources succeeded")
	}
}

func TestRetryOnGatewayTimeout(t *testing.T) {
	attempts := 0
	mux := authMux()
	mux.HandleFunc("/data/archive/projects/STUDY/subjects", func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusGatewayTimeout)
			return
		}
		fmt.Fprint(w, `{"ResultSet":{"Result":[{"label":"STUDY_CMH_0001_01"}]}}`)
	})

	client := newTestClient(t, mux)
	subjects, err := client.ListSubjects("STUDY")
	if err != nil {
		t.Fatalf("ListSubjects() error = %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if len(subjects) != 1 || subjects[0] != "STUDY_CMH_0001_01" {
		t.Errorf("subjects = %v", subjects)
	}
}

func TestRetryGivesUp(t *testing.T) {
	attempts := 0
	mux := authMux()
	mux.HandleFunc("/data/archive/projects/STUDY/subjects", func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadGateway)
	})

	client := newTestClient(t, mux)
	if _, err := client.ListSubjects("STUDY"); err == nil {
		t.Fatal("ListSubjects() succeeded, want error after retries")
	}
	if attempts != 4 { // initial try plus three retries
		t.Errorf("attempts = %d, want 4", attempts)
	}
}

func TestReauthOnExpiredSession(t *testing.T) {
	tokens := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/data/JSESSION", func(w http.ResponseWriter, r *http.Request) {
		tokens++
		fmt.Fprintf(w, "token-%d", tokens)
	})
	mux.HandleFunc("/data/archive/projects/STUDY/subjects", func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Cookie"), "token-2") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"ResultSet":{"Result":[]}}`)
	})

	client := newTestClient(t, mux)
	if _, err := client.ListSubjects("STUDY"); err != nil {
		t.Fatalf("ListSubjects() error = %v", err)
	}
	if tokens != 2 {
		t.Errorf("authenticated %d times, want 2", tokens)
	}
}

const experimentJSON = `{"items":[{
	"data_fields":{"ID":"XNAT_E0001","label":"STUDY_CMH_0001_01_01","date":"2021-03-15","UID":"1.2.840.1"},
	"children":[
		{"field":"scans/scan","items":[
			{"data_fields":{"ID":"2","series_description":"T1 MPRAGE","type":"MPRAGE",
				"parameters/imageType":"ORIGINAL\\PRIMARY\\M\\ND","UID":"1.2.840.1.2","frames":184}},
			{"data_fields":{"ID":103,"series_description":"Ax DTI 60","UID":"1.2.840.1.3"}},
			{"data_fields":{"ID":"5","series_description":"ME GRE","UID":"1.2.840.1.5",
				"parameters/echoNumbers":"1\\2"}}
		]}
	]}]}`

func experimentHandler(t *testing.T) http.Handler {
	mux := authMux()
	mux.HandleFunc("/data/archive/projects/STUDY/subjects/STUDY_CMH_0001_01/experiments",
		func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"ResultSet":{"Result":[{"label":"STUDY_CMH_0001_01_01"}]}}`)
		})
	mux.HandleFunc("/data/archive/projects/STUDY/subjects/STUDY_CMH_0001_01/experiments/STUDY_CMH_0001_01_01",
		func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, experimentJSON)
		})
	return mux
}

func TestGetExperiment(t *testing.T) {
	client := newTestClient(t, experimentHandler(t))

	exp, err := client.GetExperiment("STUDY", "STUDY_CMH_0001_01", "STUDY_CMH_0001_01_01")
	if err != nil {
		t.Fatalf("GetExperiment() error = %v", err)
	}
	if exp.Label != "STUDY_CMH_0001_01_01" || exp.Shared {
		t.Errorf("Label = %q, Shared = %v", exp.Label, exp.Shared)
	}
	if exp.Date != "2021-03-15" {
		t.Errorf("Date = %q", exp.Date)
	}
	if len(exp.Scans) != 3 {
		t.Fatalf("got %d scans, want 3", len(exp.Scans))
	}

	t1 := exp.Scans[0]
	if t1.Series != "2" || t1.Description != "T1 MPRAGE" || t1.ImageType != `ORIGINAL\PRIMARY\M\ND` {
		t.Errorf("t1 scan = %+v", t1)
	}
	if t1.Frames != "184" {
		t.Errorf("Frames = %q, want 184", t1.Frames)
	}

	// Numeric series IDs are tolerated and split prefixes normalized.
	dti := exp.Scans[1]
	if dti.Series != "3" || !dti.IsSplit {
		t.Errorf("split scan = %+v", dti)
	}

	me := exp.Scans[2]
	if !me.MultiEcho() || len(me.EchoNumbers) != 2 {
		t.Errorf("multiecho scan = %+v", me)
	}
}

// A session uploaded under the repeat-free subject label must be found again
// by the same subject and its own session label, with repeat visits picked
// apart by label rather than list position.
func TestGetExperimentRepeatSession(t *testing.T) {
	secondVisit := `{"items":[{
		"data_fields":{"ID":"XNAT_E0005","label":"STUDY_CMH_0001_01_02","date":"2021-09-20"},
		"children":[
			{"field":"scans/scan","items":[
				{"data_fields":{"ID":"2","series_description":"T1 MPRAGE","UID":"1.2.840.2.2"}}
			]}
		]}]}`

	mux := authMux()
	mux.HandleFunc("/data/archive/projects/STUDY/subjects/STUDY_CMH_0001_01/experiments",
		func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"ResultSet":{"Result":[{"label":"STUDY_CMH_0001_01_01"},{"label":"STUDY_CMH_0001_01_02"}]}}`)
		})
	mux.HandleFunc("/data/archive/projects/STUDY/subjects/STUDY_CMH_0001_01/experiments/STUDY_CMH_0001_01_01",
		func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, experimentJSON)
		})
	mux.HandleFunc("/data/archive/projects/STUDY/subjects/STUDY_CMH_0001_01/experiments/STUDY_CMH_0001_01_02",
		func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, secondVisit)
		})

	client := newTestClient(t, mux)
	exp, err := client.GetExperiment("STUDY", "STUDY_CMH_0001_01", "STUDY_CMH_0001_01_02")
	if err != nil {
		t.Fatalf("GetExperiment() error = %v", err)
	}
	if exp.Label != "STUDY_CMH_0001_01_02" {
		t.Errorf("Label = %q, want the requested repeat session", exp.Label)
	}

	if _, err := client.GetExperiment("STUDY", "STUDY_CMH_0001_01", "STUDY_CMH_0001_01_03"); !IsNotFound(err) {
		t.Errorf("missing session error = %v, want not-found", err)
	}
}

const sharedExperimentJSON = `{"items":[{
	"data_fields":{"ID":"XNAT_E0002","label":"OTHER_CMH_0099_01_01","date":"2021-04-01"},
	"children":[
		{"field":"sharing/share","items":[
			{"data_fields":{"label":"STUDY_CMH_0001_01_01","project":"STUDY"}}
		]},
		{"field":"scans/scan","items":[
			{"data_fields":{"ID":"2","series_description":"T1 MPRAGE"}}
		]}
	]}]}`

func TestGetSharedExperiment(t *testing.T) {
	mux := authMux()
	mux.HandleFunc("/data/archive/projects/STUDY/subjects/STUDY_CMH_0001_01/experiments",
		func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"ResultSet":{"Result":[{"label":"OTHER_CMH_0099_01_01"}]}}`)
		})
	mux.HandleFunc("/data/archive/projects/STUDY/subjects/STUDY_CMH_0001_01/experiments/OTHER_CMH_0099_01_01",
		func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, sharedExperimentJSON)
		})

	client := newTestClient(t, mux)
	exp, err := client.GetExperiment("STUDY", "STUDY_CMH_0001_01", "STUDY_CMH_0001_01_01")
	if err != nil {
		t.Fatalf("GetExperiment() error = %v", err)
	}
	if !exp.Shared {
		t.Fatal("Shared = false, want true")
	}
	if exp.Label != "STUDY_CMH_0001_01_01" {
		t.Errorf("Label = %q, want alternate label naming our subject", exp.Label)
	}
	if exp.Source != "OTHER_CMH_0099_01_01" {
		t.Errorf("Source = %q, want original label", exp.Source)
	}
}

func TestGetExperimentEmptySession(t *testing.T) {
	mux := authMux()
	mux.HandleFunc("/data/archive/projects/STUDY/subjects/STUDY_CMH_0002_01/experiments",
		func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"ResultSet":{"Result":[{"label":"STUDY_CMH_0002_01_01"}]}}`)
		})
	mux.HandleFunc("/data/archive/projects/STUDY/subjects/STUDY_CMH_0002_01/experiments/STUDY_CMH_0002_01_01",
		func(w http.ResponseWriter, r *http.Request) {
			// No children key at all: a session with nothing in it yet.
			fmt.Fprint(w, `{"items":[{"data_fields":{"ID":"XNAT_E0003","label":"STUDY_CMH_0002_01_01"}}]}`)
		})

	client := newTestClient(t, mux)
	exp, err := client.GetExperiment("STUDY", "STUDY_CMH_0002_01", "STUDY_CMH_0002_01_01")
	if err != nil {
		t.Fatalf("GetExperiment() error = %v", err)
	}
	if len(exp.Scans) != 0 {
		t.Errorf("got %d scans, want 0", len(exp.Scans))
	}
}

func TestDownloadScanRejectsEmptyArchive(t *testing.T) {
	mux := authMux()
	mux.HandleFunc("/data/archive/projects/STUDY/subjects/SUBJ/experiments/EXP/scans/2/resources/DICOM/files",
		func(w http.ResponseWriter, r *http.Request) {
			// 200 with an empty body: a corrupt download.
		})

	client := newTestClient(t, mux)
	exp := &Experiment{Project: "STUDY", Subject: "SUBJ", Label: "EXP", Source: "EXP"}
	scan := &Scan{Series: "2"}

	dest := filepath.Join(t.TempDir(), "scan.zip")
	if err := client.DownloadScan(exp, scan, dest); err == nil {
		t.Fatal("DownloadScan() succeeded on empty archive")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("partial download left on disk")
	}
}

func TestDownloadScanValidZip(t *testing.T) {
	mux := authMux()
	mux.HandleFunc("/data/archive/projects/STUDY/subjects/SUBJ/experiments/EXP/scans/2/resources/DICOM/files",
		func(w http.ResponseWriter, r *http.Request) {
			zw := zip.NewWriter(w)
			f, _ := zw.Create("EXP/scans/2/file1.dcm")
			f.Write([]byte("dicomdata"))
			zw.Close()
		})

	client := newTestClient(t, mux)
	exp := &Experiment{Project: "STUDY", Subject: "SUBJ", Label: "EXP", Source: "EXP"}
	scan := &Scan{Series: "2"}

	dest := filepath.Join(t.TempDir(), "scan.zip")
	if err := client.DownloadScan(exp, scan, dest); err != nil {
		t.Fatalf("DownloadScan() error = %v", err)
	}
	if err := checkZip(dest); err != nil {
		t.Errorf("checkZip() error = %v", err)
	}
}

func TestListResources(t *testing.T) {
	mux := authMux()
	mux.HandleFunc("/data/experiments/XNAT_E0001/resources", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ResultSet":{"Result":[
			{"xnat_abstractresource_id":"11","label":"MISC"},
			{"xnat_abstractresource_id":"12","label":"MISC_bk"}]}}`)
	})
	mux.HandleFunc("/data/experiments/XNAT_E0001/resources/11/files", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ResultSet":{"Result":[{"Name":"notes/tech.txt","Size":"512","URI":"/data/x"}]}}`)
	})

	client := newTestClient(t, mux)
	exp := &Experiment{Project: "STUDY", ID: "XNAT_E0001", Label: "EXP"}

	groups, err := client.ListResourceGroups(exp)
	if err != nil {
		t.Fatalf("ListResourceGroups() error = %v", err)
	}
	if len(groups) != 2 || groups[0].Label != "MISC" {
		t.Fatalf("groups = %+v", groups)
	}

	files, err := client.ListResourceFiles(exp, groups[0])
	if err != nil {
		t.Fatalf("ListResourceFiles() error = %v", err)
	}
	if len(files) != 1 || files[0].Name != "notes/tech.txt" || files[0].Size != 512 {
		t.Errorf("files = %+v", files)
	}
}
