// Package tagmatch assigns study-configured tags to scans by matching series
// metadata against per-site regex patterns, and builds the canonical file
// names for the accepted tags.
package tagmatch

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/inconshreveable/log15"
	"github.com/mitchellh/mapstructure"

	"github.com/TIGRLab/datman-sub001/scanid"
	"github.com/TIGRLab/datman-sub001/util"
)

// Pattern is the raw regex block of one tag's configuration. Entries may be
// a single expression or a list of alternatives.
type Pattern struct {
	SeriesDescription interface{} `mapstructure:"SeriesDescription"`
	ImageType         string      `mapstructure:"ImageType"`
	EchoNumber        string      `mapstructure:"EchoNumber"`
}

// TagSettings is the configuration of one tag.
type TagSettings struct {
	Pattern Pattern                `mapstructure:"Pattern"`
	Count   int                    `mapstructure:"Count"`
	Formats []string               `mapstructure:"Formats"`
	Bids    map[string]interface{} `mapstructure:"Bids"`
}

// tag is a compiled, usable tag configuration.
type tag struct {
	name        string
	description []*regexp.Regexp
	imageType   *regexp.Regexp
	echoNumber  *regexp.Regexp
	count       int
	formats     []string
	bids        map[string]interface{}
}

// Config is the compiled tag set for one site.
type Config struct {
	tags map[string]*tag
	log  log15.Logger
}

// compileInsensitive compiles a pattern for case-insensitive substring search.
func compileInsensitive(expr string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + expr)
}

// NewConfig compiles a site's raw tag settings map, as loaded from the study
// config file. Malformed tags are dropped with an error log rather than
// failing the whole site; the remaining tags stay usable.
func NewConfig(raw map[string]interface{}) (*Config, error) {
	cfg := &Config{
		tags: map[string]*tag{},
		log:  util.Log.New("pkg", "tagmatch"),
	}

	for name, entry := range raw {
		var settings TagSettings
		if err := mapstructure.Decode(entry, &settings); err != nil {
			cfg.log.Error("dropping malformed tag configuration", "tag", name, "err", err)
			continue
		}
		t, err := compileTag(name, settings)
		if err != nil {
			cfg.log.Error("dropping malformed tag configuration", "tag", name, "err", err)
			continue
		}
		cfg.tags[name] = t
	}

	if len(cfg.tags) == 0 {
		return nil, fmt.Errorf("tagmatch: no usable tags configured")
	}
	return cfg, nil
}

// FromSettings compiles an already-decoded settings map.
func FromSettings(settings map[string]TagSettings) (*Config, error) {
	raw := make(map[string]interface{}, len(settings))
	for name, s := range settings {
		raw[name] = map[string]interface{}{
			"Pattern": map[string]interface{}{
				"SeriesDescription": s.Pattern.SeriesDescription,
				"ImageType":         s.Pattern.ImageType,
				"EchoNumber":        s.Pattern.EchoNumber,
			},
			"Count":   s.Count,
			"Formats": s.Formats,
			"Bids":    s.Bids,
		}
	}
	return NewConfig(raw)
}

func compileTag(name string, settings TagSettings) (*tag, error) {
	t := &tag{
		name:    name,
		count:   settings.Count,
		formats: settings.Formats,
		bids:    settings.Bids,
	}

	var exprs []string
	switch v := settings.Pattern.SeriesDescription.(type) {
	case nil:
		return nil, fmt.Errorf("missing Pattern.SeriesDescription")
	case string:
		exprs = []string{v}
	case []string:
		exprs = v
	case []interface{}:
		for _, e := range v {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("Pattern.SeriesDescription entry %v is not a string", e)
			}
			exprs = append(exprs, s)
		}
	default:
		return nil, fmt.Errorf("Pattern.SeriesDescription has unusable type %T", v)
	}

	for _, expr := range exprs {
		re, err := compileInsensitive(expr)
		if err != nil {
			return nil, fmt.Errorf("bad SeriesDescription pattern %q: %w", expr, err)
		}
		t.description = append(t.description, re)
	}

	if settings.Pattern.ImageType != "" {
		re, err := compileInsensitive(settings.Pattern.ImageType)
		if err != nil {
			return nil, fmt.Errorf("bad ImageType pattern: %w", err)
		}
		t.imageType = re
	}
	if settings.Pattern.EchoNumber != "" {
		re, err := regexp.Compile(settings.Pattern.EchoNumber)
		if err != nil {
			return nil, fmt.Errorf("bad EchoNumber pattern: %w", err)
		}
		t.echoNumber = re
	}

	return t, nil
}

// Tags lists the configured tag names, sorted.
func (c *Config) Tags() []string {
	names := make([]string, 0, len(c.tags))
	for name := range c.tags {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Formats returns the export formats configured for a tag.
func (c *Config) Formats(tagName string) []string {
	if t, ok := c.tags[tagName]; ok {
		return t.formats
	}
	return nil
}

// ExpectedCount returns the configured expected number of scans for a tag,
// zero when unset.
func (c *Config) ExpectedCount(tagName string) int {
	if t, ok := c.tags[tagName]; ok {
		return t.count
	}
	return 0
}

// BidsSettings returns a tag's Bids block, nil when the study only uses
// datman naming for it.
func (c *Config) BidsSettings(tagName string) map[string]interface{} {
	if t, ok := c.tags[tagName]; ok {
		return t.bids
	}
	return nil
}

// Match returns the sorted set of tag names whose SeriesDescription pattern
// matches the given description. A search, not a full match, and case
// insensitive.
func (c *Config) Match(description string) []string {
	var matched []string
	for name, t := range c.tags {
		for _, re := range t.description {
			if re.MatchString(description) {
				matched = append(matched, name)
				break
			}
		}
	}
	sort.Strings(matched)
	return matched
}

// Series is the scan metadata the matcher needs. Image type and echo numbers
// are only consulted for disambiguation, so their absence is tolerated until
// actually needed.
type Series struct {
	Description string
	ImageType   string
	EchoNumbers []string
	MultiEcho   bool
}

// Resolve determines which tags apply to a series. The result is empty when
// no pattern matches (logged at debug) or when the match is ambiguous
// (logged at error): ambiguity is never resolved by picking an arbitrary
// winner.
func (c *Config) Resolve(s Series) []string {
	matched := c.Match(s.Description)

	switch {
	case len(matched) == 0:
		c.log.Debug("no export pattern matched", "description", s.Description)
		return nil
	case len(matched) == 1:
		return matched
	case len(matched) == 2 && s.MultiEcho:
		return matched
	}

	// An apparent tie. Fieldmap pairs share a description and are told apart
	// by ImageType.
	resolved, err := c.filterByImageType(matched, s.ImageType)
	if err != nil {
		c.log.Error("multiple export patterns match and ImageType cannot disambiguate",
			"description", s.Description, "tags", strings.Join(matched, ", "), "err", err)
		return nil
	}

	switch {
	case len(resolved) == 1:
		return resolved
	case len(resolved) == 2 && s.MultiEcho:
		return resolved
	}

	c.log.Error("multiple export patterns match",
		"description", s.Description, "tags", strings.Join(matched, ", "))
	return nil
}

// filterByImageType keeps only candidates whose ImageType pattern matches the
// raw DICOM ImageType string. Candidates without an ImageType pattern cannot
// be disambiguated this way, which is an error, not a pass.
func (c *Config) filterByImageType(candidates []string, imageType string) ([]string, error) {
	if imageType == "" {
		return nil, fmt.Errorf("series has no ImageType")
	}

	var resolved []string
	for _, name := range candidates {
		t := c.tags[name]
		if t.imageType == nil {
			continue
		}
		if t.imageType.MatchString(imageType) {
			resolved = append(resolved, name)
		}
	}
	if len(resolved) == 0 {
		return nil, fmt.Errorf("no candidate ImageType pattern matches %q", imageType)
	}
	return resolved, nil
}

// AssignNames resolves a series' tags and returns the canonical file name
// stems, without extension. For a multi-echo series each accepted tag is
// matched to its echo number, one name per distinct echo, deduplicated.
func (c *Config) AssignNames(ident scanid.Identifier, series string, s Series) []string {
	accepted := c.Resolve(s)
	if len(accepted) == 0 {
		return nil
	}

	if !s.MultiEcho || len(accepted) == 1 {
		var names []string
		for _, name := range accepted {
			names = append(names, scanid.MakeFilename(ident, name, series, s.Description, ""))
		}
		return dedupe(names)
	}

	// Multi-echo: pair each tag with the echo its EchoNumber pattern selects.
	var names []string
	for _, tagName := range accepted {
		t := c.tags[tagName]
		echo := matchEcho(t, s.EchoNumbers)
		if echo == "" {
			c.log.Error("multiecho tag matches no echo number",
				"tag", tagName, "echoes", strings.Join(s.EchoNumbers, ","))
			continue
		}
		names = append(names, scanid.MakeFilename(ident, tagName, series, s.Description, ""))
	}
	return dedupe(names)
}

// EchoNames maps each echo number of a multi-echo series to the name stem
// assigned to it. Empty for single-echo series or when nothing matched.
func (c *Config) EchoNames(ident scanid.Identifier, series string, s Series) map[string]string {
	if !s.MultiEcho {
		return nil
	}
	accepted := c.Resolve(s)
	if len(accepted) < 2 {
		return nil
	}

	echoes := map[string]string{}
	for _, tagName := range accepted {
		t := c.tags[tagName]
		echo := matchEcho(t, s.EchoNumbers)
		if echo == "" {
			continue
		}
		if _, taken := echoes[echo]; taken {
			continue
		}
		echoes[echo] = scanid.MakeFilename(ident, tagName, series, s.Description, "")
	}
	return echoes
}

func matchEcho(t *tag, echoes []string) string {
	for _, echo := range echoes {
		if t.echoNumber == nil || t.echoNumber.MatchString(echo) {
			return echo
		}
	}
	return ""
}

func dedupe(names []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}
