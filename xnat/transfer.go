package xnat

import (
	"archive/zip"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"

	"github.com/cheggaaa/pb"
	humanize "github.com/dustin/go-humanize"
)

// stream performs a GET and writes the body to dest, with a progress bar when
// the server reports a length. The destination file is removed on any
// failure so a later existence check cannot mistake it for a good download.
func (c *Client) stream(reqPath string, query url.Values, destPath string, showProgress bool) error {
	req, err := c.Sling.New().Get(reqPath).Request()
	if err != nil {
		return err
	}
	if query != nil {
		req.URL.RawQuery = query.Encode()
	}

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(raw))
	}

	dest, err := os.Create(destPath)
	if err != nil {
		return err
	}

	var src io.Reader = resp.Body
	var bar *pb.ProgressBar
	if showProgress && resp.ContentLength > 0 {
		bar = pb.New64(resp.ContentLength).SetUnits(pb.U_BYTES)
		bar.Start()
		src = bar.NewProxyReader(resp.Body)
	}

	written, err := io.Copy(dest, src)
	if bar != nil {
		bar.Finish()
	}
	if cerr := dest.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(destPath) // silently attempt to remove broken file
		return err
	}

	c.log.Debug("downloaded", "path", destPath, "size", humanize.Bytes(uint64(written)))
	return nil
}

// checkZip verifies a downloaded archive is non-empty and structurally
// valid, deleting it otherwise so the failure is retryable on the next run.
func checkZip(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		os.Remove(path)
		return fmt.Errorf("downloaded archive %s is empty", path)
	}
	r, err := zip.OpenReader(path)
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("downloaded archive %s is not a valid zip: %w", path, err)
	}
	r.Close()
	return nil
}

// DownloadScan fetches one scan's DICOM files as a zip archive.
func (c *Client) DownloadScan(exp *Experiment, scan *Scan, destZip string) error {
	reqPath := "archive/projects/" + exp.Project + "/subjects/" + exp.Subject +
		"/experiments/" + exp.Source + "/scans/" + scan.Series + "/resources/DICOM/files"
	query := url.Values{"format": []string{"zip"}}

	if err := c.stream(reqPath, query, destZip, false); err != nil {
		return &Error{Project: exp.Project, Session: exp.Label,
			Msg: "downloading scan " + scan.Series, Err: err}
	}
	if err := checkZip(destZip); err != nil {
		return &Error{Project: exp.Project, Session: exp.Label,
			Msg: "verifying scan " + scan.Series, Err: err}
	}
	return nil
}

// DownloadExperiment fetches every scan of an experiment as one zip archive.
func (c *Client) DownloadExperiment(exp *Experiment, destZip string) error {
	reqPath := "archive/projects/" + exp.Project + "/subjects/" + exp.Subject +
		"/experiments/" + exp.Source + "/scans/ALL/resources/DICOM/files"
	query := url.Values{"format": []string{"zip"}}

	if err := c.stream(reqPath, query, destZip, true); err != nil {
		return &Error{Project: exp.Project, Session: exp.Label, Msg: "downloading experiment", Err: err}
	}
	if err := checkZip(destZip); err != nil {
		return &Error{Project: exp.Project, Session: exp.Label, Msg: "verifying experiment archive", Err: err}
	}
	return nil
}

// ResourceGroup is one named bucket of non-DICOM files on a session.
type ResourceGroup struct {
	ID    string // xnat_abstractresource_id, used in URLs
	Label string
}

// ResourceFile is one non-DICOM file within a resource group.
type ResourceFile struct {
	Name  string // path under the group folder
	Size  int64
	URI   string
	Group ResourceGroup
}

// ListResourceGroups returns the resource buckets attached to an experiment.
func (c *Client) ListResourceGroups(exp *Experiment) ([]ResourceGroup, error) {
	var rs resultSet
	if err := c.getJSON("experiments/"+exp.ID+"/resources", &rs); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, &Error{Project: exp.Project, Session: exp.Label, Msg: "listing resource groups", Err: err}
	}
	var groups []ResourceGroup
	for _, row := range rs.ResultSet.Result {
		groups = append(groups, ResourceGroup{
			ID:    row["xnat_abstractresource_id"],
			Label: row["label"],
		})
	}
	return groups, nil
}

// ListResourceFiles returns the files inside one resource group.
func (c *Client) ListResourceFiles(exp *Experiment, group ResourceGroup) ([]ResourceFile, error) {
	var rs resultSet
	if err := c.getJSON("experiments/"+exp.ID+"/resources/"+group.ID+"/files", &rs); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, &Error{Project: exp.Project, Session: exp.Label,
			Msg: "listing files of resource group " + group.Label, Err: err}
	}
	var files []ResourceFile
	for _, row := range rs.ResultSet.Result {
		size, _ := strconv.ParseInt(row["Size"], 10, 64)
		files = append(files, ResourceFile{
			Name:  row["Name"],
			Size:  size,
			URI:   row["URI"],
			Group: group,
		})
	}
	return files, nil
}

// DownloadResourceFile fetches one resource file to destPath.
func (c *Client) DownloadResourceFile(exp *Experiment, file ResourceFile, destPath string) error {
	reqPath := "experiments/" + exp.ID + "/resources/" + file.Group.ID + "/files/" + file.Name
	if err := c.stream(reqPath, nil, destPath, false); err != nil {
		return &Error{Project: exp.Project, Session: exp.Label,
			Msg: "downloading resource " + file.Name, Err: err}
	}
	return nil
}

// DeleteResourceFile removes one resource file from the server.
func (c *Client) DeleteResourceFile(exp *Experiment, file ResourceFile) error {
	req, err := c.Sling.New().Delete("experiments/" + exp.ID + "/resources/" + file.Group.ID +
		"/files/" + file.Name).Request()
	if err != nil {
		return err
	}

	resp, err := c.do(req)
	if err != nil {
		return &Error{Project: exp.Project, Session: exp.Label,
			Msg: "deleting resource " + file.Name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		raw, _ := io.ReadAll(resp.Body)
		return &Error{Project: exp.Project, Session: exp.Label,
			Msg: fmt.Sprintf("deleting resource %s: status %d: %s", file.Name, resp.StatusCode, raw)}
	}
	c.log.Info("deleted remote resource", "session", exp.Label, "group", file.Group.Label, "file", file.Name)
	return nil
}

// fileBodyRequest builds a request whose body is a local file, replayable
// across retries via GetBody.
func fileBodyRequest(method, rawURL, localPath, contentType string) (*http.Request, error) {
	open := func() (io.ReadCloser, error) {
		return os.Open(localPath)
	}
	body, err := open()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(method, rawURL, body)
	if err != nil {
		body.Close()
		return nil, err
	}
	req.GetBody = open
	req.Header.Set("Content-Type", contentType)
	if info, err := os.Stat(localPath); err == nil {
		req.ContentLength = info.Size()
	}
	return req, nil
}

// UploadSession pushes a session zip archive through the server's import
// service. The server unpacks the archive and registers the session under
// the given project; existing files with the same content are overwritten.
func (c *Client) UploadSession(project, subject, session, zipPath string) error {
	query := url.Values{}
	query.Set("project", project)
	query.Set("subject", subject)
	query.Set("session", session)
	query.Set("overwrite", "delete")
	query.Set("prearchive", "false")
	query.Set("inbody", "true")
	query.Set("dest", "/archive")
	rawURL := c.server + "/data/services/import?" + query.Encode()

	req, err := fileBodyRequest(http.MethodPost, rawURL, zipPath, "application/zip")
	if err != nil {
		return err
	}

	resp, err := c.do(req)
	if err != nil {
		return &Error{Project: project, Session: session, Msg: "uploading session archive", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return &Error{Project: project, Session: session,
			Msg: fmt.Sprintf("session upload rejected with status %d: %s", resp.StatusCode, raw)}
	}

	if info, err := os.Stat(zipPath); err == nil {
		c.log.Info("uploaded session archive", "session", session, "size", humanize.Bytes(uint64(info.Size())))
	}
	return nil
}

// UploadResourceFile puts one non-DICOM file into a named resource group.
func (c *Client) UploadResourceFile(project, subject, session, group, name, localPath string) error {
	rawURL := c.server + "/data/archive/projects/" + project + "/subjects/" + subject +
		"/experiments/" + session + "/resources/" + group + "/files/" + name + "?inbody=true"

	req, err := fileBodyRequest(http.MethodPut, rawURL, localPath, "application/octet-stream")
	if err != nil {
		return err
	}

	resp, err := c.do(req)
	if err != nil {
		return &Error{Project: project, Session: session,
			Msg: "uploading resource " + name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		return &Error{Project: project, Session: session,
			Msg: fmt.Sprintf("resource upload %s rejected with status %d: %s", name, resp.StatusCode, raw)}
	}
	c.log.Debug("uploaded resource", "session", session, "group", group, "file", path.Base(name))
	return nil
}
