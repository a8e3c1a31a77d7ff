// Package config loads datman study configuration files.
//
// A study config is a JSON document naming the study, its XNAT archive
// project, output paths per export format, and per-site export settings
// (tag patterns). Runtime flags such as dry-run live on the same struct
// and are threaded through constructors rather than held in globals.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/mapstructure"

	"github.com/TIGRLab/datman-sub001/scanid"
	"github.com/TIGRLab/datman-sub001/tagmatch"
)

// Site holds the per-acquisition-site settings of a study.
type Site struct {
	// ExportSettings maps tag names to their raw settings block. The
	// block is compiled lazily by Tags so a malformed tag in one site
	// does not prevent loading the study.
	ExportSettings map[string]interface{} `json:"export_settings" mapstructure:"export_settings"`
	// XnatArchive overrides the study-level archive project for sites
	// that upload to their own project.
	XnatArchive string `json:"xnat_archive" mapstructure:"xnat_archive"`
}

// Config is one study's configuration plus the runtime flags for this
// invocation.
type Config struct {
	Study       string            `json:"study" mapstructure:"study"`
	XnatArchive string            `json:"xnat_archive" mapstructure:"xnat_archive"`
	XnatServer  string            `json:"xnat_server" mapstructure:"xnat_server"`
	Paths       map[string]string `json:"paths" mapstructure:"paths"`
	Checklist   string            `json:"checklist" mapstructure:"checklist"`
	Dashboard   string            `json:"dashboard" mapstructure:"dashboard"`
	Standards   string            `json:"standards" mapstructure:"standards"`
	IDMap       *scanid.IDMap     `json:"id_map" mapstructure:"id_map"`
	Sites       map[string]Site   `json:"sites" mapstructure:"sites"`

	// Runtime flags, set from the CLI, never from the file.
	DryRun bool `json:"-" mapstructure:"-"`
	Debug  bool `json:"-" mapstructure:"-"`

	// baseDir anchors relative paths to the config file's directory.
	baseDir string

	tagCache map[string]*tagmatch.Config
}

// Load reads a study config file. Relative paths inside the file resolve
// against the file's own directory.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading study config: %w", err)
	}

	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parsing study config %s: %w", path, err)
	}

	var cfg Config
	if err := mapstructure.Decode(data, &cfg); err != nil {
		return nil, fmt.Errorf("decoding study config %s: %w", path, err)
	}
	if cfg.Study == "" {
		return nil, fmt.Errorf("study config %s: missing \"study\" key", path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	cfg.baseDir = filepath.Dir(abs)
	cfg.tagCache = map[string]*tagmatch.Config{}
	return &cfg, nil
}

// Archive returns the XNAT project holding a site's sessions.
func (c *Config) Archive(site string) string {
	if s, ok := c.Sites[site]; ok && s.XnatArchive != "" {
		return s.XnatArchive
	}
	if c.XnatArchive != "" {
		return c.XnatArchive
	}
	return c.Study
}

// Path resolves the output directory for an export format.
func (c *Config) Path(format string) (string, error) {
	p, ok := c.Paths[format]
	if !ok {
		return "", fmt.Errorf("study %s: no path configured for format %q", c.Study, format)
	}
	return c.resolve(p), nil
}

// ChecklistPath resolves the checklist CSV location, defaulting to
// metadata/checklist.csv beside the config file.
func (c *Config) ChecklistPath() string {
	if c.Checklist != "" {
		return c.resolve(c.Checklist)
	}
	return filepath.Join(c.baseDir, "metadata", "checklist.csv")
}

// DashboardPath resolves the QC record folder, or "" when no dashboard is
// configured.
func (c *Config) DashboardPath() string {
	if c.Dashboard == "" {
		return ""
	}
	return c.resolve(c.Dashboard)
}

// StandardsPath resolves the gold standard dicom folder, defaulting to
// metadata/standards beside the config file. Callers tolerate an absent
// folder, so no existence check happens here.
func (c *Config) StandardsPath() string {
	if c.Standards != "" {
		return c.resolve(c.Standards)
	}
	return filepath.Join(c.baseDir, "metadata", "standards")
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.baseDir, p)
}

// Tags compiles the tag settings for a site. Compiled configs are cached
// per site.
func (c *Config) Tags(site string) (*tagmatch.Config, error) {
	if tags, ok := c.tagCache[site]; ok {
		return tags, nil
	}
	s, ok := c.Sites[site]
	if !ok {
		return nil, fmt.Errorf("study %s: no settings for site %q", c.Study, site)
	}
	tags, err := tagmatch.NewConfig(s.ExportSettings)
	if err != nil {
		return nil, fmt.Errorf("study %s site %s: %w", c.Study, site, err)
	}
	c.tagCache[site] = tags
	return tags, nil
}
