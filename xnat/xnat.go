// Package xnat is a client for the XNAT REST API, covering the subset of the
// archive this tool needs: subject/experiment listing, scan zip downloads,
// session uploads, and resource file management.
package xnat

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dghubble/sling"
	"github.com/inconshreveable/log15"

	"github.com/TIGRLab/datman-sub001/util"
)

// Error wraps any failure talking to or interpreting the server, carrying
// enough context to locate the session involved.
type Error struct {
	Project string
	Session string
	Msg     string
	Err     error
}

func (e *Error) Error() string {
	ctx := e.Project
	if e.Session != "" {
		ctx = ctx + "/" + e.Session
	}
	if e.Err != nil {
		return fmt.Sprintf("xnat: %s: %s: %v", ctx, e.Msg, e.Err)
	}
	return fmt.Sprintf("xnat: %s: %s", ctx, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Credentials for the server. Resolution order: explicit values, the
// XNAT_USER/XNAT_PASS environment variables, then a credentials file whose
// first two lines are username and password.
type Credentials struct {
	User string
	Pass string
}

// LoadCredentials resolves credentials from the environment or a file.
func LoadCredentials(credsFile string) (Credentials, error) {
	user := os.Getenv("XNAT_USER")
	pass := os.Getenv("XNAT_PASS")
	if user != "" && pass != "" {
		return Credentials{User: user, Pass: pass}, nil
	}

	if credsFile == "" {
		return Credentials{}, errors.New("xnat: no credentials: set XNAT_USER/XNAT_PASS or provide a credentials file")
	}

	f, err := os.Open(credsFile)
	if err != nil {
		return Credentials{}, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() && len(lines) < 2 {
		lines = append(lines, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return Credentials{}, err
	}
	if len(lines) < 2 {
		return Credentials{}, fmt.Errorf("xnat: credentials file %s must hold username and password on the first two lines", credsFile)
	}
	return Credentials{User: lines[0], Pass: lines[1]}, nil
}

// Client talks to one XNAT server. All methods retry transient failures a
// bounded number of times with exponential backoff; an expired session (401)
// triggers one re-authentication before the request is retried.
type Client struct {
	Sling *sling.Sling
	Doer  *http.Client

	server  string
	creds   Credentials
	token   string
	Retries int
	Backoff time.Duration

	// sleep is swapped out in tests.
	sleep func(time.Duration)
	log   log15.Logger
}

// Server returns the server address the client was built with.
func (c *Client) Server() string { return c.server }

// Username returns the account the client authenticated as.
func (c *Client) Username() string { return c.creds.User }

// Option configures a Client.
type Option func(*Client)

// Insecure disables TLS certificate verification.
func Insecure() Option {
	return func(c *Client) {
		c.Doer.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.Doer.Timeout = d }
}

// WithRetries overrides the transient-failure retry budget.
func WithRetries(n int, backoff time.Duration) Option {
	return func(c *Client) {
		c.Retries = n
		c.Backoff = backoff
	}
}

func withSleep(f func(time.Duration)) Option {
	return func(c *Client) { c.sleep = f }
}

// NewClient authenticates against the server and returns a ready client.
// server is a bare host or https URL; the /data API root is appended.
func NewClient(server string, creds Credentials, opts ...Option) (*Client, error) {
	if !strings.HasPrefix(server, "http") {
		server = "https://" + server
	}
	server = strings.TrimRight(server, "/")

	c := &Client{
		Doer:    &http.Client{Timeout: 2 * time.Minute},
		server:  server,
		creds:   creds,
		Retries: 3,
		Backoff: 5 * time.Second,
		sleep:   time.Sleep,
		log:     util.Log.New("pkg", "xnat", "server", server),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Sling = sling.New().Base(server + "/").Path("data/").Client(c.Doer)

	if err := c.authenticate(); err != nil {
		return nil, err
	}
	return c, nil
}

// authenticate opens a new server session, replacing any stored token.
func (c *Client) authenticate() error {
	req, err := http.NewRequest(http.MethodPost, c.server+"/data/JSESSION", nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.creds.User, c.creds.Pass)

	resp, err := c.Doer.Do(req)
	if err != nil {
		return &Error{Msg: "authentication request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &Error{Msg: fmt.Sprintf("authentication rejected with status %d", resp.StatusCode)}
	}

	token, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Msg: "reading session token", Err: err}
	}
	c.token = strings.TrimSpace(string(token))
	c.log.Debug("opened xnat session")
	return nil
}

// retryable reports whether a response status indicates a transient server
// problem worth backing off and retrying.
func retryable(status int) bool {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// do sends a request with the session cookie, retrying transient failures.
// Only requests whose body can be replayed via GetBody (or that have none)
// may go through here.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	var lastErr error
	reauthed := false
	backoff := c.Backoff

	for attempt := 0; attempt <= c.Retries; attempt++ {
		if attempt > 0 {
			c.sleep(backoff)
			backoff *= 2
		}

		attemptReq := req.Clone(req.Context())
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			attemptReq.Body = body
		}
		attemptReq.Header.Set("Cookie", "JSESSIONID="+c.token)

		resp, err := c.Doer.Do(attemptReq)
		if err != nil {
			lastErr = err
			c.log.Warn("request failed, will retry", "url", req.URL.Path, "attempt", attempt+1, "err", err)
			continue
		}

		if resp.StatusCode == http.StatusUnauthorized && !reauthed {
			resp.Body.Close()
			reauthed = true
			c.log.Info("session expired, re-authenticating")
			if err := c.authenticate(); err != nil {
				return nil, err
			}
			// Retry the original request once without burning a backoff slot.
			attempt--
			continue
		}

		if retryable(resp.StatusCode) {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("server returned status %d", resp.StatusCode)
			c.log.Warn("transient server error, will retry", "url", req.URL.Path, "status", resp.StatusCode, "attempt", attempt+1)
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("giving up after %d attempts: %w", c.Retries+1, lastErr)
}

// getJSON fetches a JSON document into out.
func (c *Client) getJSON(path string, out interface{}) error {
	req, err := c.Sling.New().Get(path).Request()
	if err != nil {
		return err
	}
	q := req.URL.Query()
	q.Set("format", "json")
	req.URL.RawQuery = q.Encode()

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
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	return decodeJSON(resp.Body, out)
}

var errNotFound = errors.New("not found")

// IsNotFound reports whether err is the server saying a record does not exist,
// as opposed to a real failure.
func IsNotFound(err error) bool {
	return errors.Is(err, errNotFound)
}
