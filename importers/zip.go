package importers

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/inconshreveable/log15"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/TIGRLab/datman-sub001/scanid"
	"github.com/TIGRLab/datman-sub001/util"
)

// Header tags read from one representative file per series folder. Pixel
// data is never touched.
var (
	tagSeriesNumber      = tag.Tag{Group: 0x0020, Element: 0x0011}
	tagSeriesDescription = tag.Tag{Group: 0x0008, Element: 0x103E}
	tagSeriesInstanceUID = tag.Tag{Group: 0x0020, Element: 0x000E}
	tagStudyInstanceUID  = tag.Tag{Group: 0x0020, Element: 0x000D}
	tagStudyDate         = tag.Tag{Group: 0x0008, Element: 0x0020}
	tagImageType         = tag.Tag{Group: 0x0008, Element: 0x0008}
	tagEchoNumbers       = tag.Tag{Group: 0x0018, Element: 0x0086}
)

// seriesHeader is the metadata pulled from one representative dicom.
type seriesHeader struct {
	dir         string // top-level folder inside the archive
	series      string
	isSplit     bool
	description string
	imageType   string
	echoNumbers []string
	uid         string
	studyUID    string
	date        string
	frames      string
}

// ZipSeries is one series found inside an archive.
type ZipSeries struct {
	hdr    seriesHeader
	names  []string
	dcmDir string
}

func (s *ZipSeries) Series() string        { return s.hdr.series }
func (s *ZipSeries) Description() string   { return s.hdr.description }
func (s *ZipSeries) ImageType() string     { return s.hdr.imageType }
func (s *ZipSeries) EchoNumbers() []string { return s.hdr.echoNumbers }
func (s *ZipSeries) MultiEcho() bool       { return len(s.hdr.echoNumbers) > 1 }
func (s *ZipSeries) UID() string           { return s.hdr.uid }
func (s *ZipSeries) Frames() string        { return s.hdr.frames }
func (s *ZipSeries) Names() []string       { return s.names }
func (s *ZipSeries) SetNames(n []string)   { s.names = n }
func (s *ZipSeries) DcmDir() string        { return s.dcmDir }

// ZipImporter reads session data from a local zip archive without extracting
// it up front: one representative dicom header is read per top-level folder.
type ZipImporter struct {
	path      string
	name      string
	date      string
	studyUID  string
	scans     []SeriesImporter
	resources []string
	log       log15.Logger
}

func (z *ZipImporter) Name() string            { return z.name }
func (z *ZipImporter) SourceName() string      { return z.name }
func (z *ZipImporter) Date() string            { return z.date }
func (z *ZipImporter) Scans() []SeriesImporter { return z.scans }
func (z *ZipImporter) IsShared() bool          { return false }

// StudyUID is the archive's StudyInstanceUID.
func (z *ZipImporter) StudyUID() string { return z.studyUID }

// Resources lists root-level non-dicom files found in the archive.
func (z *ZipImporter) Resources() []string {
	return append([]string(nil), z.resources...)
}

// ExtractResource copies one root-level archive entry to destPath.
func (z *ZipImporter) ExtractResource(name, destPath string) error {
	r, err := zip.OpenReader(z.path)
	if err != nil {
		return fmt.Errorf("importers: opening archive %s: %w", z.path, err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.Name != name {
			continue
		}
		src, err := f.Open()
		if err != nil {
			return err
		}
		defer src.Close()

		out, err := os.Create(destPath)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, src); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	}
	return fmt.Errorf("importers: archive %s has no entry %s", z.path, name)
}

// SeriesUIDs returns the set of series UIDs in the archive.
func (z *ZipImporter) SeriesUIDs() []string {
	var uids []string
	for _, s := range z.scans {
		if s.UID() != "" {
			uids = append(uids, s.UID())
		}
	}
	sort.Strings(uids)
	return uids
}

// OpenZip scans an archive and builds the series list. The session name is
// the archive's base name without extension.
func OpenZip(zipPath string) (*ZipImporter, error) {
	name := strings.TrimSuffix(path.Base(zipPath), ".zip")
	imp := &ZipImporter{
		path: zipPath,
		name: name,
		log:  util.Log.New("pkg", "importers", "archive", zipPath),
	}

	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("importers: opening archive %s: %w", zipPath, err)
	}
	defer r.Close()

	headers, err := imp.readHeaders(&r.Reader)
	if err != nil {
		return nil, err
	}

	for _, hdr := range dropDuplicateSeries(headers, imp.log) {
		if imp.studyUID == "" {
			imp.studyUID = hdr.studyUID
		}
		if imp.date == "" {
			imp.date = hdr.date
		}
		imp.scans = append(imp.scans, &ZipSeries{hdr: hdr})
	}
	return imp, nil
}

// readHeaders reads one representative dicom per top-level directory.
func (z *ZipImporter) readHeaders(r *zip.Reader) ([]seriesHeader, error) {
	reps := map[string]*zip.File{}
	counts := map[string]int{}
	var order []string
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		parts := strings.SplitN(f.Name, "/", 2)
		if len(parts) < 2 {
			// Loose file at the archive root: a non-dicom resource such
			// as a tech note or behavioral log.
			z.resources = append(z.resources, f.Name)
			continue
		}
		top := parts[0]
		counts[top]++
		if _, seen := reps[top]; !seen {
			reps[top] = f
			order = append(order, top)
		}
	}
	if len(reps) == 0 {
		return nil, fmt.Errorf("importers: archive %s holds no series folders", z.path)
	}

	var headers []seriesHeader
	for _, top := range order {
		hdr, err := readSeriesHeader(reps[top])
		if err != nil {
			z.log.Error("skipping unreadable series folder", "folder", top, "err", err)
			continue
		}
		hdr.dir = top
		hdr.frames = fmt.Sprintf("%d", counts[top])
		headers = append(headers, hdr)
	}
	return headers, nil
}

func readSeriesHeader(f *zip.File) (seriesHeader, error) {
	src, err := f.Open()
	if err != nil {
		return seriesHeader{}, err
	}
	defer src.Close()

	ds, err := dicom.Parse(src, int64(f.UncompressedSize64), nil, dicom.SkipPixelData())
	if err != nil {
		return seriesHeader{}, err
	}

	rawSeries := firstValue(&ds, tagSeriesNumber)
	if rawSeries == "" {
		return seriesHeader{}, fmt.Errorf("dicom %s has no series number", f.Name)
	}
	series, split := scanid.NormalizeSeries(rawSeries)

	return seriesHeader{
		series:      series,
		isSplit:     split,
		description: firstValue(&ds, tagSeriesDescription),
		imageType:   strings.Join(allValues(&ds, tagImageType), `\`),
		echoNumbers: allValues(&ds, tagEchoNumbers),
		uid:         firstValue(&ds, tagSeriesInstanceUID),
		studyUID:    firstValue(&ds, tagStudyInstanceUID),
		date:        firstValue(&ds, tagStudyDate),
	}, nil
}

func allValues(ds *dicom.Dataset, t tag.Tag) []string {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return nil
	}
	strs, ok := elem.Value.GetValue().([]string)
	if !ok {
		return nil
	}
	var out []string
	for _, s := range strs {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func firstValue(ds *dicom.Dataset, t tag.Tag) string {
	vals := allValues(ds, t)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// dropDuplicateSeries removes every series whose number appears under more
// than one folder: such series cannot be safely identified, so none of the
// claimants survive.
func dropDuplicateSeries(headers []seriesHeader, log log15.Logger) []seriesHeader {
	counts := map[string]int{}
	for _, hdr := range headers {
		counts[hdr.series]++
	}

	var kept []seriesHeader
	for _, hdr := range headers {
		if counts[hdr.series] > 1 {
			log.Error("dropping series with duplicate number in archive",
				"series", hdr.series, "folder", hdr.dir)
			continue
		}
		kept = append(kept, hdr)
	}
	return kept
}

// GetFiles extracts the whole archive under destDir and points each series
// at its folder.
func (z *ZipImporter) GetFiles(destDir string) error {
	if err := extractZip(z.path, destDir); err != nil {
		return fmt.Errorf("importers: extracting %s: %w", z.path, err)
	}
	for _, scan := range z.scans {
		s := scan.(*ZipSeries)
		s.dcmDir = path.Join(destDir, s.hdr.dir)
	}
	return nil
}
