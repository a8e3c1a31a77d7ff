package importers

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/inconshreveable/log15"

	"github.com/TIGRLab/datman-sub001/scanid"
	"github.com/TIGRLab/datman-sub001/util"
	"github.com/TIGRLab/datman-sub001/xnat"
)

// XNATExperiment adapts one server-side experiment to SessionImporter.
type XNATExperiment struct {
	exp    *xnat.Experiment
	client *xnat.Client
	scans  []SeriesImporter
	log    log15.Logger
}

// XNATScan adapts one server-side scan to SeriesImporter.
type XNATScan struct {
	scan   *xnat.Scan
	names  []string
	dcmDir string
}

func (s *XNATScan) Series() string        { return s.scan.Series }
func (s *XNATScan) Description() string   { return s.scan.Description }
func (s *XNATScan) ImageType() string     { return s.scan.ImageType }
func (s *XNATScan) EchoNumbers() []string { return s.scan.EchoNumbers }
func (s *XNATScan) MultiEcho() bool       { return s.scan.MultiEcho() }
func (s *XNATScan) UID() string           { return s.scan.UID }
func (s *XNATScan) Frames() string        { return s.scan.Frames }
func (s *XNATScan) Names() []string       { return s.names }
func (s *XNATScan) SetNames(n []string)   { s.names = n }
func (s *XNATScan) DcmDir() string        { return s.dcmDir }

// OpenExperiment fetches a session's experiment and wraps it. The subject
// label is the session name without its repeat number, so repeat visits of
// one participant share a subject on the server.
func OpenExperiment(client *xnat.Client, project, session string) (*XNATExperiment, error) {
	subject := session
	if ident, err := scanid.Parse(session, nil); err == nil {
		subject = ident.SubjectID()
	}
	exp, err := client.GetExperiment(project, subject, session)
	if err != nil {
		return nil, err
	}
	return NewXNATExperiment(client, exp), nil
}

// NewXNATExperiment wraps an already-fetched experiment.
func NewXNATExperiment(client *xnat.Client, exp *xnat.Experiment) *XNATExperiment {
	imp := &XNATExperiment{
		exp:    exp,
		client: client,
		log:    util.Log.New("pkg", "importers", "session", exp.Label),
	}
	for _, scan := range exp.Scans {
		imp.scans = append(imp.scans, &XNATScan{scan: scan})
	}
	return imp
}

func (x *XNATExperiment) Name() string            { return x.exp.Label }
func (x *XNATExperiment) SourceName() string      { return x.exp.Source }
func (x *XNATExperiment) Date() string            { return x.exp.Date }
func (x *XNATExperiment) Scans() []SeriesImporter { return x.scans }
func (x *XNATExperiment) IsShared() bool          { return x.exp.Shared }

// Experiment exposes the underlying server record for callers that need
// resource access.
func (x *XNATExperiment) Experiment() *xnat.Experiment { return x.exp }

// GetFiles downloads the whole experiment as one archive, extracts it under
// destDir, and points each scan at its dicom folder.
func (x *XNATExperiment) GetFiles(destDir string) error {
	zipPath := filepath.Join(destDir, x.exp.Label+".zip")
	if err := x.client.DownloadExperiment(x.exp, zipPath); err != nil {
		return err
	}
	defer os.Remove(zipPath)

	extracted := filepath.Join(destDir, "dicoms")
	if err := extractZip(zipPath, extracted); err != nil {
		return err
	}

	for _, scan := range x.scans {
		s := scan.(*XNATScan)
		dir := findSeriesDir(extracted, s.scan.Series)
		if dir == "" {
			x.log.Error("no dicom folder found for series after download", "series", s.scan.Series)
			continue
		}
		s.dcmDir = dir
	}
	return nil
}

// extractZip unpacks an archive below dest, refusing entries that would
// escape it.
func extractZip(zipPath, dest string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		name := filepath.Clean(f.Name)
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			continue
		}
		target := filepath.Join(dest, name)

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}

		src, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.Create(target)
		if err != nil {
			src.Close()
			return err
		}
		_, err = io.Copy(out, src)
		src.Close()
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// findSeriesDir locates the extracted dicom folder for a series number. The
// server lays archives out as {session}/scans/{series}-{description}/..., so
// the series folder is matched by exact name or number-dash prefix.
func findSeriesDir(root, series string) string {
	var found string
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || !info.IsDir() || found != "" {
			return nil
		}
		base := filepath.Base(path)
		if base == series || strings.HasPrefix(base, series+"-") {
			found = path
			return filepath.SkipDir
		}
		return nil
	})
	if found == "" {
		return ""
	}
	// Prefer the innermost folder actually holding files.
	if files := filepath.Join(found, "resources", "DICOM", "files"); isDir(files) {
		return files
	}
	return found
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
