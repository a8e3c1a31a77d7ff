package ops

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/inconshreveable/log15"
	prompt "github.com/segmentio/go-prompt"

	"github.com/TIGRLab/datman-sub001/checklist"
	"github.com/TIGRLab/datman-sub001/config"
	"github.com/TIGRLab/datman-sub001/importers"
	"github.com/TIGRLab/datman-sub001/scanid"
	"github.com/TIGRLab/datman-sub001/util"
	"github.com/TIGRLab/datman-sub001/xnat"
)

// Upload pushes local session archives to the study's XNAT archive project.
// Sessions already present with the same series set are skipped; non-dicom
// resource files are pushed individually, then duplicate resources pruned.
func Upload(cfg *config.Config, client *xnat.Client, zips []string, force bool) error {
	log := util.Log.New("cmd", "upload", "study", cfg.Study)

	list, err := checklist.Load(cfg.ChecklistPath(), checklistStages)
	if err != nil {
		return err
	}

	failed := 0
	for _, zipPath := range zips {
		if err := uploadSession(cfg, client, list, zipPath, force); err != nil {
			log.Error("upload failed", "archive", zipPath, "err", err)
			failed++
		}
	}

	if !cfg.DryRun {
		if err := list.Save(); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d archives failed", failed, len(zips))
	}
	return nil
}

func uploadSession(cfg *config.Config, client *xnat.Client,
	list *checklist.Checklist, zipPath string, force bool) error {

	z, err := importers.OpenZip(zipPath)
	if err != nil {
		return err
	}
	log := util.Log.New("cmd", "upload", "session", z.Name())

	ident, err := scanid.Parse(z.Name(), cfg.IDMap)
	if err != nil {
		log.Warn("skipping archive with unparseable name", "err", err)
		return nil
	}
	project := cfg.Archive(ident.Site)
	subject := ident.SubjectID()

	needed, exp, err := needsUpload(client, project, subject, z.Name(), z.SeriesUIDs(), log)
	if err != nil {
		return err
	}

	if needed {
		info, err := os.Stat(zipPath)
		if err != nil {
			return err
		}
		if cfg.DryRun {
			log.Info("dry run: would upload session",
				"project", project, "size", humanize.Bytes(uint64(info.Size())))
		} else {
			if !force {
				util.Println("Uploading", filepath.Base(zipPath),
					"("+humanize.Bytes(uint64(info.Size()))+") to", project+".")
				if !prompt.Confirm("Continue? (yes/no)") {
					util.Println("Canceled.")
					return nil
				}
			}
			if err := client.UploadSession(project, subject, z.Name(), zipPath); err != nil {
				return err
			}
			log.Info("uploaded session", "project", project)
			exp, err = client.GetExperiment(project, subject, z.Name())
			if err != nil {
				return err
			}
		}
	} else {
		log.Info("session already on server with matching series, skipping upload")
	}

	if exp != nil {
		if err := uploadResources(cfg, client, z, exp, log); err != nil {
			return err
		}
		if _, err := pruneExperiment(client, exp, cfg.DryRun, force, log); err != nil {
			return err
		}
	}

	if !cfg.DryRun {
		if err := list.SetStage(ident.String(), "uploaded", time.Now().Format("2006-01-02")); err != nil {
			log.Error("cannot update checklist", "err", err)
		}
	}
	return nil
}

// needsUpload compares the archive's series UID set against the remote
// experiment's scans. The experiment is looked up under the same subject
// label the upload would create it with, so a repeat run finds its own
// earlier upload. The experiment is returned when it exists.
func needsUpload(client *xnat.Client, project, subject, session string,
	localUIDs []string, log log15.Logger) (bool, *xnat.Experiment, error) {

	if client == nil {
		return false, nil, fmt.Errorf("no xnat connection; log in first")
	}

	exp, err := client.GetExperiment(project, subject, session)
	if xnat.IsNotFound(err) {
		return true, nil, nil
	}
	if err != nil {
		return false, nil, err
	}

	var remote []string
	for _, scan := range exp.Scans {
		if scan.UID != "" {
			remote = append(remote, scan.UID)
		}
	}
	sort.Strings(remote)

	if equalStrings(localUIDs, remote) {
		return false, exp, nil
	}
	log.Warn("remote session differs from archive, re-uploading",
		"local_series", len(localUIDs), "remote_series", len(remote))
	return true, exp, nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// uploadResources pushes the archive's root-level non-dicom files into the
// canonical resource group, skipping files the server already has.
func uploadResources(cfg *config.Config, client *xnat.Client,
	z *importers.ZipImporter, exp *xnat.Experiment, log log15.Logger) error {

	resources := z.Resources()
	if len(resources) == 0 {
		return nil
	}

	present, err := remoteResourceNames(client, exp)
	if err != nil {
		return err
	}

	tmpDir, err := os.MkdirTemp("", "datman-resources-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	for _, name := range resources {
		if present[filepath.Base(name)] {
			log.Debug("resource already on server", "file", name)
			continue
		}
		if cfg.DryRun {
			log.Info("dry run: would upload resource", "file", name)
			continue
		}
		local := filepath.Join(tmpDir, filepath.Base(name))
		if err := z.ExtractResource(name, local); err != nil {
			return err
		}
		err := client.UploadResourceFile(exp.Project, exp.Subject, exp.Label,
			canonicalResourceGroup, filepath.Base(name), local)
		if err != nil {
			return err
		}
		log.Info("uploaded resource", "file", name)
	}
	return nil
}

// remoteResourceNames collects the base names of every resource file already
// on the server, across all groups. Server-side names may carry a subfolder
// prefix, so they are reduced to base names before comparison.
func remoteResourceNames(client *xnat.Client, exp *xnat.Experiment) (map[string]bool, error) {
	present := map[string]bool{}
	groups, err := client.ListResourceGroups(exp)
	if err != nil {
		return nil, err
	}
	for _, group := range groups {
		files, err := client.ListResourceFiles(exp, group)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			present[filepath.Base(f.Name)] = true
		}
	}
	return present, nil
}
