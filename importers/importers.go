// Package importers abstracts the two places session data comes from: a live
// XNAT connection and a local zip archive. The extraction driver only ever
// sees these interfaces.
package importers

import (
	"fmt"
	"strings"

	"github.com/TIGRLab/datman-sub001/xnat"
)

// SeriesImporter is one scan within a session. Names is empty until the tag
// matcher assigns datman names; a series left with no names is skipped by
// every downstream export step.
type SeriesImporter interface {
	// Series is the series number as an opaque string, already normalized.
	Series() string
	Description() string
	ImageType() string
	EchoNumbers() []string
	MultiEcho() bool
	// UID is the series' global identity, used for completeness checks.
	UID() string
	// Frames is the number of frames (or files) in the series, as reported
	// by the source. Empty when the source cannot tell.
	Frames() string

	Names() []string
	SetNames(names []string)

	// DcmDir is the local folder holding this series' dicom files, empty
	// until the owning session's GetFiles has run.
	DcmDir() string
}

// SessionImporter is one scan visit.
type SessionImporter interface {
	// Name is the session's current label.
	Name() string
	// SourceName is the original label when the session was shared in from
	// another study, equal to Name otherwise.
	SourceName() string
	Date() string
	Scans() []SeriesImporter
	IsShared() bool

	// GetFiles places the session's raw data under destDir and points every
	// scan's DcmDir at its folder.
	GetFiles(destDir string) error
}

// Open constructs a session importer for a source string: a path ending in
// .zip opens the archive, anything else is treated as an XNAT subject label
// to fetch from client.
func Open(source, project string, client *xnat.Client) (SessionImporter, error) {
	if strings.HasSuffix(source, ".zip") {
		return OpenZip(source)
	}
	if client == nil {
		return nil, fmt.Errorf("importers: no xnat client available for subject %s", source)
	}
	return OpenExperiment(client, project, source)
}
