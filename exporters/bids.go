package exporters

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/TIGRLab/datman-sub001/scanid"
)

func init() {
	Register("bids", func(req Request) Exporter {
		return &BidsExporter{Request: req, Ident: req.Ident, Entries: req.Bids}
	})
}

// BidsEntry is one series' place in the BIDS tree, derived from the tag's
// Bids settings.
type BidsEntry struct {
	// Name is the datman name stem the entry was derived from.
	Name string
	// Class is the BIDS data type folder: anat, func, fmap, dwi.
	Class string
	// Suffix is the BIDS suffix, e.g. T1w, bold, dwi.
	Suffix string
}

// BidsExporter writes the sub-*/ses-*/<class>/ tree for one series.
type BidsExporter struct {
	Request
	Ident   scanid.Identifier
	Entries []BidsEntry
}

func (e *BidsExporter) subDir() string {
	return filepath.Join(e.OutputDir,
		"sub-"+e.Ident.Site+e.Ident.Subject,
		"ses-"+e.Ident.Timepoint)
}

func (e *BidsExporter) targetStem(entry BidsEntry) string {
	base := fmt.Sprintf("sub-%s%s_ses-%s_%s",
		e.Ident.Site, e.Ident.Subject, e.Ident.Timepoint, entry.Suffix)
	return filepath.Join(e.subDir(), entry.Class, base)
}

func (e *BidsExporter) OutputsExist() bool {
	if len(e.Entries) == 0 {
		return true
	}
	if !fileExists(filepath.Join(e.OutputDir, "dataset_description.json")) {
		return false
	}
	for _, entry := range e.Entries {
		dir := filepath.Dir(e.targetStem(entry))
		name := filepath.Base(e.targetStem(entry))
		if !done(dir, name, []string{".nii.gz", ".nii"}) {
			return false
		}
	}
	return true
}

// NeedsRawData mirrors OutputsExist: an entry settled by a failure sidecar
// counts as done, so a conversion that already failed is not retried on
// every run.
func (e *BidsExporter) NeedsRawData() bool {
	if len(e.Entries) == 0 {
		return false
	}
	for _, entry := range e.Entries {
		dir := filepath.Dir(e.targetStem(entry))
		name := filepath.Base(e.targetStem(entry))
		if !done(dir, name, []string{".nii.gz", ".nii"}) {
			return true
		}
	}
	return false
}

func (e *BidsExporter) Export(rawDir string) error {
	log := e.logger()
	if e.OutputsExist() {
		log.Debug("outputs already exist, skipping export", "format", "bids")
		return nil
	}
	if e.DryRun {
		log.Info("dry run: would export", "format", "bids", "session", e.Ident.String())
		return nil
	}

	if err := e.writeDatasetDescription(); err != nil {
		return err
	}

	var firstErr error
	for _, entry := range e.Entries {
		stem := e.targetStem(entry)
		dir := filepath.Dir(stem)
		name := filepath.Base(stem)
		if done(dir, name, []string{".nii.gz", ".nii"}) {
			continue
		}

		workDir, err := os.MkdirTemp("", "datman-bids-")
		if err != nil {
			return err
		}

		toolOut, err := runDcm2niix(log, rawDir, workDir, name)
		if err != nil {
			writeSidecar(dir, name, toolOut, log)
			os.RemoveAll(workDir)
			if firstErr == nil {
				firstErr = &ExportError{Format: "bids", Name: name, Output: toolOut, Err: err}
			}
			continue
		}

		landed, err := renameToExpected(workDir, dir, name, []string{".nii.gz", ".nii"}, log)
		os.RemoveAll(workDir)
		if err != nil {
			return err
		}
		if !landed {
			writeSidecar(dir, name, toolOut, log)
			if firstErr == nil {
				firstErr = &ExportError{Format: "bids", Name: name, Output: toolOut,
					Err: fmt.Errorf("converter produced no nifti output")}
			}
			continue
		}
		log.Info("exported", "format", "bids", "name", name)
	}
	return firstErr
}

// writeDatasetDescription creates the dataset_description.json BIDS requires
// at the tree root, once.
func (e *BidsExporter) writeDatasetDescription() error {
	path := filepath.Join(e.OutputDir, "dataset_description.json")
	if fileExists(path) {
		return nil
	}
	if err := os.MkdirAll(e.OutputDir, 0755); err != nil {
		return err
	}

	desc := map[string]interface{}{
		"Name":        e.Ident.Study,
		"BIDSVersion": "1.8.0",
	}
	raw, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(raw, '\n'), 0644)
}
