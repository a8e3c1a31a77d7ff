package importers

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Acquisition parameters held against a study's gold standard scans.
var comparedTags = map[string]tag.Tag{
	"EchoTime":       {Group: 0x0018, Element: 0x0081},
	"RepetitionTime": {Group: 0x0018, Element: 0x0080},
	"FlipAngle":      {Group: 0x0018, Element: 0x1314},
	"SliceThickness": {Group: 0x0018, Element: 0x0050},
	"PixelSpacing":   {Group: 0x0028, Element: 0x0030},
	"ImageType":      {Group: 0x0008, Element: 0x0008},
}

// ReadAcquisitionHeader pulls the comparable acquisition parameters from one
// dicom file. Fields the file lacks are simply absent from the map.
func ReadAcquisitionHeader(path string) (map[string]string, error) {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return nil, fmt.Errorf("importers: reading header of %s: %w", path, err)
	}
	fields := map[string]string{}
	for name, t := range comparedTags {
		if v := strings.Join(allValues(&ds, t), `\`); v != "" {
			fields[name] = v
		}
	}
	return fields, nil
}

// SeriesAcquisitionHeader reads the acquisition parameters from the first
// dicom file found under a series folder.
func SeriesAcquisitionHeader(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		return ReadAcquisitionHeader(filepath.Join(dir, e.Name()))
	}
	return nil, fmt.Errorf("importers: no files under %s", dir)
}

// HeaderDiff lists the acquisition fields whose values differ between a scan
// and its gold standard, sorted by field name. Equal headers yield nil.
func HeaderDiff(got, want map[string]string) []string {
	var diffs []string
	for name := range comparedTags {
		g, w := got[name], want[name]
		if g != w {
			diffs = append(diffs, fmt.Sprintf("%s: %s (standard %s)", name, orMissing(g), orMissing(w)))
		}
	}
	sort.Strings(diffs)
	return diffs
}

func orMissing(v string) string {
	if v == "" {
		return "missing"
	}
	return v
}
