// Package scanid parses and builds the canonical session and file names used
// across every study. Two naming conventions are recognized: the datman form
// STUDY_SITE_SUBJECT_TIMEPOINT_SESSION and the KCNI form
// STUDY_SITE_SUBJECT_TIMEPOINT_SExx_MR.
package scanid

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ParseError reports an identifier string that matches no known convention.
type ParseError struct {
	Input string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid identifier %q: does not match any recognized naming convention", e.Input)
}

// Identifier is the canonical compound key for one scan session. Immutable
// after Parse; safe to use as a map key.
type Identifier struct {
	Study     string
	Site      string
	Subject   string
	Timepoint string
	Session   string
}

// IDMap substitutes alternate study/site codes before matching, for studies
// that share data under a different external project code.
type IDMap struct {
	Study map[string]string `json:"Study"`
	Site  map[string]string `json:"Site"`
}

var (
	datmanRe = regexp.MustCompile(`^(?P<study>[A-Z0-9]+)_` +
		`(?P<site>[A-Z0-9]+)_` +
		`(?P<subject>[A-Za-z0-9]+)_` +
		`(?P<timepoint>[0-9]+)_` +
		`(?P<session>[0-9]+)$`)

	kcniRe = regexp.MustCompile(`^(?P<study>[A-Z0-9]+)_` +
		`(?P<site>[A-Z0-9]+)_` +
		`(?P<subject>[A-Za-z0-9]+)_` +
		`(?P<timepoint>[0-9]+)_` +
		`SE(?P<session>[0-9]+)_MR$`)

	phantomRe = regexp.MustCompile(`^PHA[A-Za-z0-9]*$`)
)

// Parse reads an identifier in either convention. A non-nil idMap translates
// the study and site fields after a KCNI match; datman-form input is returned
// as-is so that Parse(s).String() == s holds for canonical strings.
func Parse(name string, idMap *IDMap) (Identifier, error) {
	if m := datmanRe.FindStringSubmatch(name); m != nil {
		return Identifier{
			Study:     m[1],
			Site:      m[2],
			Subject:   m[3],
			Timepoint: m[4],
			Session:   m[5],
		}, nil
	}

	if m := kcniRe.FindStringSubmatch(name); m != nil {
		ident := Identifier{
			Study:     m[1],
			Site:      m[2],
			Subject:   m[3],
			Timepoint: m[4],
			Session:   m[5],
		}
		if idMap != nil {
			if study, ok := idMap.Study[ident.Study]; ok {
				ident.Study = study
			}
			if site, ok := idMap.Site[ident.Site]; ok {
				ident.Site = site
			}
		}
		return ident, nil
	}

	return Identifier{}, &ParseError{Input: name}
}

// String returns the canonical datman form.
func (i Identifier) String() string {
	return strings.Join([]string{i.Study, i.Site, i.Subject, i.Timepoint, i.Session}, "_")
}

// KCNI returns the KCNI form. A non-nil idMap translates the study and site
// fields back to their external codes (reverse of the mapping Parse applies).
func (i Identifier) KCNI(idMap *IDMap) string {
	study, site := i.Study, i.Site
	if idMap != nil {
		for ext, local := range idMap.Study {
			if local == study {
				study = ext
				break
			}
		}
		for ext, local := range idMap.Site {
			if local == site {
				site = ext
				break
			}
		}
	}
	return fmt.Sprintf("%s_%s_%s_%s_SE%s_MR", study, site, i.Subject, i.Timepoint, i.Session)
}

// SubjectID returns the identifier without the session repeat suffix, the
// form used for subject-level folders and checklist rows.
func (i Identifier) SubjectID() string {
	return strings.Join([]string{i.Study, i.Site, i.Subject, i.Timepoint}, "_")
}

// IsPhantom reports whether the identifier names a phantom session. Only the
// subject field is tested; matching "PHA" anywhere in the full string would
// also exclude real subjects whose codes contain those letters.
func (i Identifier) IsPhantom() bool {
	return phantomRe.MatchString(i.Subject)
}

// IsPhantom reports whether the given session name belongs to a phantom.
// Unparsable names are not phantoms.
func IsPhantom(name string) bool {
	ident, err := Parse(name, nil)
	if err != nil {
		return false
	}
	return ident.IsPhantom()
}

var mangleRe = regexp.MustCompile(`[^A-Za-z0-9.+]+`)

// MangleDescription collapses every run of characters outside [A-Za-z0-9.+]
// into a single dash, so free-text series descriptions are filename safe.
func MangleDescription(descr string) string {
	return mangleRe.ReplaceAllString(strings.TrimSpace(descr), "-")
}

// MakeFilename builds the canonical datman file name
// {ident}_{tag}_{series}_{mangled description}{ext}. The series number is
// zero padded to two digits when numeric; opaque series strings pass through.
func MakeFilename(ident Identifier, tag, series, descr, ext string) string {
	if n, err := strconv.Atoi(series); err == nil {
		series = fmt.Sprintf("%02d", n)
	}
	return fmt.Sprintf("%s_%s_%s_%s%s", ident.String(), tag, series, MangleDescription(descr), ext)
}

// filenameRe anchors on the five identifier fields followed by tag, series
// and the mangled description. The tag may itself contain dashes, so the
// series field is pinned to digits. Descriptions may contain dots, so the
// extension is pinned to the known output suffixes rather than the first
// dot.
var filenameRe = regexp.MustCompile(`^([A-Z0-9]+_[A-Z0-9]+_[A-Za-z0-9]+_[0-9]+_[0-9]+)_` +
	`([A-Za-z0-9-]+?)_([0-9]+)_(.*?)` +
	`((?:\.nii\.gz|\.nii|\.nrrd|\.nhdr|\.mnc|\.dcm|\.json|\.bval|\.bvec|\.err)?)$`)

// ParsedFilename is the result of splitting a datman file name back into its
// parts.
type ParsedFilename struct {
	Ident       Identifier
	Tag         string
	Series      string
	Description string
	Ext         string
}

// ParseFilename is the inverse of MakeFilename.
func ParseFilename(name string) (ParsedFilename, error) {
	m := filenameRe.FindStringSubmatch(name)
	if m == nil {
		return ParsedFilename{}, &ParseError{Input: name}
	}
	ident, err := Parse(m[1], nil)
	if err != nil {
		return ParsedFilename{}, err
	}
	return ParsedFilename{
		Ident:       ident,
		Tag:         m[2],
		Series:      m[3],
		Description: m[4],
		Ext:         m[5],
	}, nil
}

// NormalizeSeries strips the "10" prefix some dicom converters prepend to the
// series number of split multi-part series, e.g. "103" for the second part of
// series 3. The series number is otherwise an opaque string and must be
// compared as one. A bare "10" is series ten, not a split marker.
func NormalizeSeries(raw string) (series string, isSplit bool) {
	raw = strings.TrimSpace(raw)
	if len(raw) > 2 && strings.HasPrefix(raw, "10") {
		stripped := strings.TrimLeft(raw[2:], "0")
		if stripped == "" {
			stripped = "0"
		}
		return stripped, true
	}
	return raw, false
}
