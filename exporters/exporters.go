// Package exporters converts downloaded scan data into the study's requested
// output formats. Each format registers an Exporter; the driver asks the
// registry by format key. Exports are idempotent: outputs that already exist
// are never rebuilt, and failed conversions leave a .err sidecar so later
// runs do not endlessly retry them.
package exporters

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/inconshreveable/log15"

	"github.com/TIGRLab/datman-sub001/scanid"
	"github.com/TIGRLab/datman-sub001/util"
)

// ExportError reports a conversion tool that produced no usable output. The
// tool's output is preserved for the sidecar file.
type ExportError struct {
	Format string
	Name   string
	Output string
	Err    error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export %s/%s failed: %v", e.Format, e.Name, e.Err)
}

func (e *ExportError) Unwrap() error { return e.Err }

// Request carries everything an exporter needs for one series.
type Request struct {
	// Names are the canonical file name stems assigned by tag matching.
	Names []string
	// Echoes maps echo number to name stem for multi-echo series.
	Echoes map[string]string
	// OutputDir is the format's output folder for this session.
	OutputDir string
	DryRun    bool
	Log       log15.Logger

	// Ident and Bids are only consulted by the bids exporter.
	Ident scanid.Identifier
	Bids  []BidsEntry
}

func (r Request) logger() log15.Logger {
	if r.Log != nil {
		return r.Log
	}
	return util.Log.New("pkg", "exporters")
}

// Exporter converts one series into one output format.
type Exporter interface {
	// OutputsExist reports whether every expected output (or its failure
	// sidecar) is already on disk. Cheap; re-evaluated before every use.
	OutputsExist() bool
	// NeedsRawData reports whether the raw dicom download can be skipped.
	NeedsRawData() bool
	// Export performs the conversion. A no-op when outputs exist or in
	// dry-run mode.
	Export(rawDir string) error
}

// Factory builds an exporter for one series request.
type Factory func(req Request) Exporter

var registry = map[string]Factory{}

// Register adds a format to the registry. Called from init.
func Register(format string, f Factory) {
	registry[format] = f
}

// New looks up a format key.
func New(format string, req Request) (Exporter, error) {
	f, ok := registry[format]
	if !ok {
		return nil, fmt.Errorf("exporters: unknown export format %q", format)
	}
	return f(req), nil
}

// Formats lists the registered format keys, sorted.
func Formats() []string {
	var keys []string
	for k := range registry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// sidecarPath is the failure marker written next to where an output would
// have been.
func sidecarPath(outputDir, name string) string {
	return filepath.Join(outputDir, name+".err")
}

// writeSidecar records a tool failure for one output so the next run treats
// it as completed-with-failure.
func writeSidecar(outputDir, name, toolOutput string, log log15.Logger) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		log.Error("cannot create output dir for error sidecar", "dir", outputDir, "err", err)
		return
	}
	path := sidecarPath(outputDir, name)
	if err := os.WriteFile(path, []byte(toolOutput), 0644); err != nil {
		log.Error("cannot write error sidecar", "path", path, "err", err)
		return
	}
	log.Info("recorded conversion failure", "sidecar", path)
}

// done reports whether one expected output stem is settled: either a real
// output with one of the given extensions exists, or its failure sidecar
// does.
func done(outputDir, name string, exts []string) bool {
	for _, ext := range exts {
		if fileExists(filepath.Join(outputDir, name+ext)) {
			return true
		}
	}
	return fileExists(sidecarPath(outputDir, name))
}

func allDone(outputDir string, names []string, exts []string) bool {
	if len(names) == 0 {
		return true
	}
	for _, name := range names {
		if !done(outputDir, name, exts) {
			return false
		}
	}
	return true
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// runTool executes an external converter and returns its combined output.
func runTool(log log15.Logger, bin string, args ...string) (string, error) {
	cmd := exec.Command(bin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s: %w", bin, err)
	}
	log.Debug("ran converter", "cmd", bin+" "+strings.Join(args, " "))
	return string(out), nil
}

// renameToExpected reconciles a converter's work dir against the expected
// name stem: an output written under an unexpected generated name is renamed
// to the canonical one, companions (.json, .bval, .bvec) included. Returns
// whether a primary output landed.
func renameToExpected(workDir, outputDir, name string, exts []string, log log15.Logger) (bool, error) {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return false, err
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return false, err
	}

	landed := false
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		stem, ext := splitExt(entry.Name())
		target := filepath.Join(outputDir, name+ext)
		if stem != name {
			log.Info("renaming converter output to canonical name",
				"from", entry.Name(), "to", name+ext)
		}
		if err := os.Rename(filepath.Join(workDir, entry.Name()), target); err != nil {
			return landed, err
		}
		for _, want := range exts {
			if ext == want {
				landed = true
			}
		}
	}
	return landed, nil
}

// splitExt splits a converter output name into stem and full extension,
// keeping compound extensions like .nii.gz together.
func splitExt(name string) (stem, ext string) {
	for _, known := range []string{".nii.gz", ".nii", ".nrrd", ".nhdr", ".mnc", ".json", ".bval", ".bvec"} {
		if strings.HasSuffix(name, known) {
			return strings.TrimSuffix(name, known), known
		}
	}
	ext = filepath.Ext(name)
	return strings.TrimSuffix(name, ext), ext
}
