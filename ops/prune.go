package ops

import (
	"fmt"
	"sort"

	"github.com/inconshreveable/log15"
	prompt "github.com/segmentio/go-prompt"

	"github.com/TIGRLab/datman-sub001/config"
	"github.com/TIGRLab/datman-sub001/scanid"
	"github.com/TIGRLab/datman-sub001/util"
	"github.com/TIGRLab/datman-sub001/xnat"
)

// canonicalResourceGroup is the default upload bucket. Copies of a file found
// under any other resource group are the duplicates to remove.
const canonicalResourceGroup = "MISC"

// PruneResources removes duplicate resource file copies from the given
// sessions, keeping the copy in the canonical group.
func PruneResources(cfg *config.Config, client *xnat.Client, sessions []string, force bool) error {
	log := util.Log.New("cmd", "prune-resources", "study", cfg.Study)

	if client == nil {
		return fmt.Errorf("no xnat connection; log in first")
	}

	failed := 0
	removed := 0
	for _, name := range sessions {
		ident, err := scanid.Parse(name, cfg.IDMap)
		if err != nil {
			log.Warn("skipping session with unparseable name", "session", name, "err", err)
			continue
		}

		exp, err := client.GetExperiment(cfg.Archive(ident.Site), ident.SubjectID(), name)
		if xnat.IsNotFound(err) {
			log.Warn("session not on server", "session", name)
			continue
		}
		if err != nil {
			log.Error("cannot fetch session", "session", name, "err", err)
			failed++
			continue
		}

		n, err := pruneExperiment(client, exp, cfg.DryRun, force, log.New("session", name))
		if err != nil {
			log.Error("pruning failed", "session", name, "err", err)
			failed++
			continue
		}
		removed += n
	}

	util.Println("Removed", removed, "duplicate resource file(s).")
	if failed > 0 {
		return fmt.Errorf("%d of %d sessions failed", failed, len(sessions))
	}
	return nil
}

// resourceEntry locates one copy of a resource file.
type resourceEntry struct {
	group xnat.ResourceGroup
	file  xnat.ResourceFile
}

// pruneExperiment enforces the at-most-one-canonical-copy rule for one
// session: for every file name present in more than one resource group, the
// copy in the canonical group is kept and the rest deleted. A file with no
// copy, or more than one copy, in the canonical group is left alone with an
// error logged; guessing a survivor risks data loss.
func pruneExperiment(client *xnat.Client, exp *xnat.Experiment,
	dryRun, force bool, log log15.Logger) (int, error) {

	groups, err := client.ListResourceGroups(exp)
	if err != nil {
		return 0, err
	}

	byName := map[string][]resourceEntry{}
	var order []string
	for _, group := range groups {
		files, err := client.ListResourceFiles(exp, group)
		if err != nil {
			return 0, err
		}
		for _, f := range files {
			if _, seen := byName[f.Name]; !seen {
				order = append(order, f.Name)
			}
			byName[f.Name] = append(byName[f.Name], resourceEntry{group: group, file: f})
		}
	}
	sort.Strings(order)

	var doomed []resourceEntry
	for _, name := range order {
		entries := byName[name]
		if len(entries) < 2 {
			continue
		}

		canonical := 0
		for _, e := range entries {
			if e.group.Label == canonicalResourceGroup {
				canonical++
			}
		}
		if canonical != 1 {
			log.Error("cannot decide canonical copy, leaving duplicates in place",
				"file", name, "copies", len(entries), "canonical_copies", canonical)
			continue
		}

		for _, e := range entries {
			if e.group.Label != canonicalResourceGroup {
				doomed = append(doomed, e)
			}
		}
	}

	if len(doomed) == 0 {
		log.Debug("no duplicate resources")
		return 0, nil
	}
	if dryRun {
		for _, e := range doomed {
			log.Info("dry run: would delete duplicate resource",
				"file", e.file.Name, "group", e.group.Label)
		}
		return 0, nil
	}
	if !force {
		util.Println("About to delete", len(doomed), "duplicate resource file(s) from", exp.Label+".")
		if !prompt.Confirm("Continue? (yes/no)") {
			util.Println("Canceled.")
			return 0, nil
		}
	}

	removed := 0
	for _, e := range doomed {
		if err := client.DeleteResourceFile(exp, e.file); err != nil {
			return removed, err
		}
		log.Info("deleted duplicate resource", "file", e.file.Name, "group", e.group.Label)
		removed++
	}
	return removed, nil
}
