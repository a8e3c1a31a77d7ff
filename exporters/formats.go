package exporters

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/inconshreveable/log15"
)

func init() {
	Register("nii", func(req Request) Exporter {
		return &toolExporter{
			Request: req,
			format:  "nii",
			exts:    []string{".nii.gz", ".nii"},
			run:     runDcm2niix,
		}
	})
	Register("nrrd", func(req Request) Exporter {
		return &toolExporter{
			Request: req,
			format:  "nrrd",
			exts:    []string{".nrrd", ".nhdr"},
			run:     runDcm2niixNrrd,
		}
	})
	Register("mnc", func(req Request) Exporter {
		return &toolExporter{
			Request: req,
			format:  "mnc",
			exts:    []string{".mnc"},
			run:     runDcm2mnc,
		}
	})
	Register("dcm", func(req Request) Exporter {
		return &dcmExporter{Request: req}
	})
}

// converter runs one external tool over a dicom dir, writing outputs for the
// given name stem into workDir.
type converter func(log log15.Logger, rawDir, workDir, name string) (string, error)

func runDcm2niix(log log15.Logger, rawDir, workDir, name string) (string, error) {
	return runTool(log, "dcm2niix", "-z", "y", "-b", "y", "-f", name, "-o", workDir, rawDir)
}

func runDcm2niixNrrd(log log15.Logger, rawDir, workDir, name string) (string, error) {
	return runTool(log, "dcm2niix", "-e", "y", "-f", name, "-o", workDir, rawDir)
}

func runDcm2mnc(log log15.Logger, rawDir, workDir, name string) (string, error) {
	return runTool(log, "dcm2mnc", "-fname", name, "-dname", "", rawDir, workDir)
}

// toolExporter is the shared shape of the converter-backed formats.
type toolExporter struct {
	Request
	format string
	exts   []string
	run    converter
}

func (e *toolExporter) OutputsExist() bool {
	return allDone(e.OutputDir, e.Names, e.exts)
}

func (e *toolExporter) NeedsRawData() bool {
	return !e.OutputsExist()
}

func (e *toolExporter) Export(rawDir string) error {
	log := e.logger()
	if e.OutputsExist() {
		log.Debug("outputs already exist, skipping export", "format", e.format)
		return nil
	}
	if e.DryRun {
		log.Info("dry run: would export", "format", e.format, "names", fmt.Sprint(e.Names))
		return nil
	}

	// Multi-echo series are converted echo by echo, each into its own name.
	sources, err := e.sources(rawDir)
	if err != nil {
		return err
	}

	var firstErr error
	for name, src := range sources {
		if done(e.OutputDir, name, e.exts) {
			continue
		}
		if err := e.exportOne(src, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// sources maps each expected name stem to the dicom dir it converts from.
func (e *toolExporter) sources(rawDir string) (map[string]string, error) {
	if len(e.Echoes) == 0 {
		srcs := map[string]string{}
		for _, name := range e.Names {
			srcs[name] = rawDir
		}
		return srcs, nil
	}

	echoDirs, err := SplitEchoes(rawDir)
	if err != nil {
		return nil, fmt.Errorf("splitting multiecho series: %w", err)
	}
	srcs := map[string]string{}
	for echo, name := range e.Echoes {
		dir, ok := echoDirs[echo]
		if !ok {
			e.logger().Error("echo missing from downloaded series", "echo", echo, "name", name)
			continue
		}
		srcs[name] = dir
	}
	return srcs, nil
}

func (e *toolExporter) exportOne(rawDir, name string) error {
	log := e.logger()

	workDir, err := os.MkdirTemp("", "datman-"+e.format+"-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(workDir)

	toolOut, err := e.run(log, rawDir, workDir, name)
	if err != nil {
		writeSidecar(e.OutputDir, name, toolOut, log)
		return &ExportError{Format: e.format, Name: name, Output: toolOut, Err: err}
	}

	landed, err := renameToExpected(workDir, e.OutputDir, name, e.exts, log)
	if err != nil {
		return err
	}
	if !landed {
		// Tool exited zero but produced nothing usable.
		writeSidecar(e.OutputDir, name, toolOut, log)
		return &ExportError{Format: e.format, Name: name, Output: toolOut,
			Err: fmt.Errorf("converter produced no %s output", e.format)}
	}
	log.Info("exported", "format", e.format, "name", name)
	return nil
}

// dcmExporter keeps one representative dicom per series under the canonical
// name, for header checks.
type dcmExporter struct {
	Request
}

func (e *dcmExporter) OutputsExist() bool {
	return allDone(e.OutputDir, e.Names, []string{".dcm"})
}

func (e *dcmExporter) NeedsRawData() bool { return !e.OutputsExist() }

func (e *dcmExporter) Export(rawDir string) error {
	log := e.logger()
	if e.OutputsExist() {
		log.Debug("outputs already exist, skipping export", "format", "dcm")
		return nil
	}
	if e.DryRun {
		log.Info("dry run: would export", "format", "dcm", "names", fmt.Sprint(e.Names))
		return nil
	}

	rep, err := firstFile(rawDir)
	if err != nil {
		return &ExportError{Format: "dcm", Name: e.Names[0], Err: err}
	}

	if err := os.MkdirAll(e.OutputDir, 0755); err != nil {
		return err
	}
	for _, name := range e.Names {
		if done(e.OutputDir, name, []string{".dcm"}) {
			continue
		}
		if err := copyFile(rep, filepath.Join(e.OutputDir, name+".dcm")); err != nil {
			return &ExportError{Format: "dcm", Name: name, Err: err}
		}
		log.Info("exported", "format", "dcm", "name", name)
	}
	return nil
}

// firstFile returns the first regular file below dir.
func firstFile(dir string) (string, error) {
	var found string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && found == "" {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil && err != filepath.SkipAll {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("no files under %s", dir)
	}
	return found, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}
