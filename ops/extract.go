package ops

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/inconshreveable/log15"

	"github.com/TIGRLab/datman-sub001/checklist"
	"github.com/TIGRLab/datman-sub001/config"
	"github.com/TIGRLab/datman-sub001/dashboard"
	"github.com/TIGRLab/datman-sub001/exporters"
	"github.com/TIGRLab/datman-sub001/importers"
	"github.com/TIGRLab/datman-sub001/scanid"
	"github.com/TIGRLab/datman-sub001/tagmatch"
	"github.com/TIGRLab/datman-sub001/util"
	"github.com/TIGRLab/datman-sub001/xnat"
)

// checklistStages are the manifest columns the drivers maintain.
var checklistStages = []string{"extracted", "uploaded"}

// Extract runs the extraction pipeline over the given sources: XNAT session
// labels, local zip paths, or (when empty) every session found in the study's
// archive projects. One session failing never stops the rest.
func Extract(cfg *config.Config, client *xnat.Client, sources []string) error {
	log := util.Log.New("cmd", "extract", "study", cfg.Study)

	if len(sources) == 0 {
		var err error
		sources, err = discoverSessions(cfg, client)
		if err != nil {
			return err
		}
		log.Info("discovered sessions from archive", "count", len(sources))
	}

	list, err := checklist.Load(cfg.ChecklistPath(), checklistStages)
	if err != nil {
		return err
	}
	dash := openDashboard(cfg)

	failed := 0
	for _, source := range sources {
		if err := extractSession(cfg, client, list, dash, source); err != nil {
			log.Error("session failed", "session", source, "err", err)
			failed++
		}
	}

	if !cfg.DryRun {
		if err := list.Save(); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d sessions failed", failed, len(sources))
	}
	return nil
}

// discoverSessions lists every experiment under the study's archive
// project(s). Sites sharing the study-level archive are listed once.
func discoverSessions(cfg *config.Config, client *xnat.Client) ([]string, error) {
	if client == nil {
		return nil, fmt.Errorf("no xnat connection; log in or pass sessions explicitly")
	}

	archives := map[string]bool{}
	var order []string
	for site := range cfg.Sites {
		a := cfg.Archive(site)
		if !archives[a] {
			archives[a] = true
			order = append(order, a)
		}
	}
	if len(order) == 0 {
		order = append(order, cfg.Archive(""))
	}

	var sessions []string
	for _, project := range order {
		subjects, err := client.ListSubjects(project)
		if err != nil {
			return nil, err
		}
		for _, subject := range subjects {
			labels, err := client.ListExperiments(project, subject)
			if err != nil {
				return nil, err
			}
			sessions = append(sessions, labels...)
		}
	}
	return sessions, nil
}

func openDashboard(cfg *config.Config) dashboard.Dashboard {
	if root := cfg.DashboardPath(); root != "" {
		return &dashboard.FileDashboard{Root: root}
	}
	return dashboard.Disabled{}
}

// sessionName derives the datman session label from a source string.
func sessionName(source string) string {
	base := filepath.Base(source)
	if filepath.Ext(base) == ".zip" {
		return base[:len(base)-len(".zip")]
	}
	return base
}

func extractSession(cfg *config.Config, client *xnat.Client,
	list *checklist.Checklist, dash dashboard.Dashboard, source string) error {

	name := sessionName(source)
	log := util.Log.New("cmd", "extract", "session", name)

	ident, err := scanid.Parse(name, cfg.IDMap)
	if err != nil {
		log.Warn("skipping session with unparseable name", "err", err)
		return nil
	}
	if ident.IsPhantom() {
		log.Info("skipping phantom session")
		return nil
	}

	tags, err := cfg.Tags(ident.Site)
	if err != nil {
		return err
	}

	session, err := importers.Open(source, cfg.Archive(ident.Site), client)
	if err != nil {
		return err
	}

	named, notes := assignScanNames(tags, ident, session, log)
	exports, err := planExports(cfg, tags, ident, named)
	if err != nil {
		return err
	}

	workDir, err := os.MkdirTemp("", "datman-extract-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(workDir)

	if err := runExports(session, exports, workDir, cfg.DryRun, log); err != nil {
		return err
	}

	if !cfg.DryRun {
		recordSession(cfg, list, dash, tags, ident, session, named, notes, log)
	}
	return nil
}

// namedScan pairs a scan with the echo assignment its names came from.
type namedScan struct {
	scan   importers.SeriesImporter
	echoes map[string]string
}

// assignScanNames names every matchable scan and collects a checklist note
// for each scan rejected because more than one tag claimed it.
func assignScanNames(tags *tagmatch.Config, ident scanid.Identifier,
	session importers.SessionImporter, log log15.Logger) ([]namedScan, []string) {

	var named []namedScan
	var notes []string
	for _, scan := range session.Scans() {
		s := tagmatch.Series{
			Description: scan.Description(),
			ImageType:   scan.ImageType(),
			EchoNumbers: scan.EchoNumbers(),
			MultiEcho:   scan.MultiEcho(),
		}
		names := tags.AssignNames(ident, scan.Series(), s)
		if len(names) == 0 {
			if matched := tags.Match(scan.Description()); len(matched) > 1 {
				log.Warn("series matches multiple tags, not exported",
					"series", scan.Series(), "description", scan.Description(),
					"tags", strings.Join(matched, ", "))
				notes = append(notes, fmt.Sprintf("series %s (%s) matches multiple tags: %s",
					scan.Series(), scan.Description(), strings.Join(matched, ", ")))
			} else {
				log.Info("no tag assigned, series will not be exported",
					"series", scan.Series(), "description", scan.Description())
			}
			continue
		}
		scan.SetNames(names)
		named = append(named, namedScan{
			scan:   scan,
			echoes: tags.EchoNames(ident, scan.Series(), s),
		})
	}
	return named, notes
}

// plannedExport is one (scan, format) conversion ready to run.
type plannedExport struct {
	scan     importers.SeriesImporter
	format   string
	exporter exporters.Exporter
}

// planExports builds an exporter per scan and requested format. Formats come
// from the tag settings of each assigned name; a tag with no formats defaults
// to nifti.
func planExports(cfg *config.Config, tags *tagmatch.Config,
	ident scanid.Identifier, named []namedScan) ([]plannedExport, error) {

	var planned []plannedExport
	for _, ns := range named {
		byFormat := map[string][]string{}
		var bids []exporters.BidsEntry

		for _, name := range ns.scan.Names() {
			pf, err := scanid.ParseFilename(name)
			if err != nil {
				continue
			}
			formats := tags.Formats(pf.Tag)
			if len(formats) == 0 {
				formats = []string{"nii"}
			}
			for _, f := range formats {
				byFormat[f] = append(byFormat[f], name)
			}
			if entry, ok := bidsEntry(tags, pf.Tag, name); ok {
				bids = append(bids, entry)
			}
		}

		for format, names := range byFormat {
			req := exporters.Request{
				Names:  names,
				Echoes: filterEchoes(ns.echoes, names),
				DryRun: cfg.DryRun,
				Log:    util.Log.New("cmd", "extract", "session", ident.String(), "format", format),
				Ident:  ident,
				Bids:   bids,
			}

			root, err := cfg.Path(format)
			if err != nil {
				return nil, err
			}
			if format == "bids" {
				req.OutputDir = root
			} else {
				req.OutputDir = filepath.Join(root, ident.SubjectID())
			}

			exp, err := exporters.New(format, req)
			if err != nil {
				return nil, err
			}
			planned = append(planned, plannedExport{scan: ns.scan, format: format, exporter: exp})
		}
	}
	return planned, nil
}

// bidsEntry derives a bids exporter entry from a tag's Bids settings block.
func bidsEntry(tags *tagmatch.Config, tagName, name string) (exporters.BidsEntry, bool) {
	settings := tags.BidsSettings(tagName)
	if settings == nil {
		return exporters.BidsEntry{}, false
	}
	entry := exporters.BidsEntry{Name: name}
	if v, ok := settings["class"].(string); ok {
		entry.Class = v
	}
	if v, ok := settings["suffix"].(string); ok {
		entry.Suffix = v
	}
	if entry.Class == "" || entry.Suffix == "" {
		return exporters.BidsEntry{}, false
	}
	return entry, true
}

// filterEchoes keeps only the echo assignments whose names this request owns.
func filterEchoes(echoes map[string]string, names []string) map[string]string {
	if len(echoes) == 0 {
		return nil
	}
	want := map[string]bool{}
	for _, n := range names {
		want[n] = true
	}
	out := map[string]string{}
	for echo, name := range echoes {
		if want[name] {
			out[echo] = name
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// runExports downloads raw data only when some planned export still needs it,
// then runs every exporter. The raw data lands under workDir, which the
// caller owns and cleans up.
func runExports(session importers.SessionImporter, planned []plannedExport,
	workDir string, dryRun bool, log log15.Logger) error {

	needRaw := false
	for _, p := range planned {
		if p.exporter.NeedsRawData() {
			needRaw = true
			break
		}
	}

	if needRaw && !dryRun {
		if err := session.GetFiles(workDir); err != nil {
			return err
		}
	} else if needRaw {
		log.Info("dry run: would download raw data", "session", session.Name())
	} else {
		log.Debug("all outputs exist, nothing to download")
	}

	var firstErr error
	for _, p := range planned {
		if p.exporter.NeedsRawData() && p.scan.DcmDir() == "" && !dryRun {
			log.Error("raw data missing for series, skipping export",
				"series", p.scan.Series(), "format", p.format)
			continue
		}
		if err := p.exporter.Export(p.scan.DcmDir()); err != nil {
			log.Error("export failed", "series", p.scan.Series(), "format", p.format, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// recordSession persists the outcome to the checklist and, when configured,
// the QC dashboard. Dashboard failures are logged and skipped.
func recordSession(cfg *config.Config, list *checklist.Checklist, dash dashboard.Dashboard,
	tags *tagmatch.Config, ident scanid.Identifier,
	session importers.SessionImporter, named []namedScan, notes []string, log log15.Logger) {

	id := ident.String()
	if err := list.SetStage(id, "extracted", time.Now().Format("2006-01-02")); err != nil {
		log.Error("cannot update checklist", "err", err)
	}
	for _, note := range notes {
		list.AppendNote(id, note)
	}
	noteTagOverruns(list, tags, id, named)

	if err := dash.AddSession(ident, dashboard.SessionRecord{
		Name:     session.Name(),
		Source:   session.SourceName(),
		Date:     session.Date(),
		Shared:   session.IsShared(),
		LastSeen: time.Now(),
	}); err != nil {
		log.Warn("dashboard session record skipped", "err", err)
	}

	stdDir := cfg.StandardsPath()
	for _, ns := range named {
		for _, name := range ns.scan.Names() {
			pf, err := scanid.ParseFilename(name)
			if err != nil {
				continue
			}
			if err := dash.AddScan(ident, dashboard.ScanRecord{
				Name:        name,
				Series:      ns.scan.Series(),
				Tag:         pf.Tag,
				Description: ns.scan.Description(),
				Length:      ns.scan.Frames(),
				HeaderDiffs: headerDiffs(stdDir, ident.Site, pf.Tag, ns.scan, log),
			}); err != nil {
				log.Warn("dashboard scan record skipped", "name", name, "err", err)
			}
		}
	}
}

// headerDiffs compares a scan's acquisition header against the study's gold
// standard dicom for its tag. Standards live under the standards folder as
// {site}/{tag}.dcm, falling back to {tag}.dcm. Nil when no standard exists
// or raw data was not downloaded this run.
func headerDiffs(stdDir, site, tagName string,
	scan importers.SeriesImporter, log log15.Logger) []string {

	if scan.DcmDir() == "" {
		return nil
	}
	var std string
	for _, candidate := range []string{
		filepath.Join(stdDir, site, tagName+".dcm"),
		filepath.Join(stdDir, tagName+".dcm"),
	} {
		if _, err := os.Stat(candidate); err == nil {
			std = candidate
			break
		}
	}
	if std == "" {
		return nil
	}

	want, err := importers.ReadAcquisitionHeader(std)
	if err != nil {
		log.Warn("cannot read gold standard header", "file", std, "err", err)
		return nil
	}
	got, err := importers.SeriesAcquisitionHeader(scan.DcmDir())
	if err != nil {
		log.Warn("cannot read series header", "dir", scan.DcmDir(), "err", err)
		return nil
	}
	return importers.HeaderDiff(got, want)
}

// noteTagOverruns appends a checklist note when a tag matched more scans than
// the study expects.
func noteTagOverruns(list *checklist.Checklist, tags *tagmatch.Config, id string, named []namedScan) {
	counts := map[string]int{}
	for _, ns := range named {
		for _, name := range ns.scan.Names() {
			if pf, err := scanid.ParseFilename(name); err == nil {
				counts[pf.Tag]++
			}
		}
	}
	for tagName, got := range counts {
		want := tags.ExpectedCount(tagName)
		if want > 0 && got > want {
			list.AppendNote(id, fmt.Sprintf("%d %s scans found, expected %d", got, tagName, want))
		}
	}
}
