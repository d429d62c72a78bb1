// Package nbi imports change-sets through the bulk configuration REST
// interfaces of the management system.
//
// Two generations are supported. NBI v1 creates a job, PUTs the file to the
// returned file URI and polls the job until it completes. NBI v2 creates a
// job, uploads the file as multipart form data, then runs a validate and an
// execute invocation. Undo jobs are created and downloaded over the same
// REST session.
package nbi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/cmimport/pkg/engine"
)

const (
	loginEndpoint = "/login"

	defaultRequestTimeout = 30 * time.Second
	defaultJobTimeout     = 90 * time.Minute

	maxErrorBody = 4 << 10
)

// Config holds the REST endpoint settings.
type Config struct {
	// BaseURL is the management system URL, e.g. "https://enm.example.com".
	BaseURL string

	// Username and Password open the REST session. Login is skipped when
	// Username is empty.
	Username string
	Password string

	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool

	// RequestTimeout bounds a single HTTP request.
	RequestTimeout time.Duration

	// JobTimeout bounds how long a job may take to reach a final status.
	JobTimeout time.Duration
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Prefix     string
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s returned %d", e.Method, e.URL, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return e.Prefix + msg
}

// Client is an authenticated REST session.
type Client struct {
	baseURL *url.URL
	config  Config
	http    *http.Client
	sleeper engine.Sleeper
	clock   engine.Clock
	logger  zerolog.Logger
}

var _ engine.SessionOpener = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. A cookie jar is added when it has none.
func WithHTTPClient(c *http.Client) Option { return func(cl *Client) { cl.http = c } }

// WithSleeper overrides the sleeper used between polls.
func WithSleeper(s engine.Sleeper) Option { return func(cl *Client) { cl.sleeper = s } }

// WithClock overrides the clock used for job timeouts.
func WithClock(c engine.Clock) Option { return func(cl *Client) { cl.clock = c } }

// WithLogger overrides the client logger.
func WithLogger(l zerolog.Logger) Option { return func(cl *Client) { cl.logger = l } }

// NewClient creates a REST client. It does not log in.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL scheme %q", base.Scheme)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}

	c := &Client{
		baseURL: base,
		config:  cfg,
		sleeper: engine.TimerSleeper{},
		clock:   engine.SystemClock{},
		logger:  log.With().Str("component", "nbi").Str("host", base.Host).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.http == nil {
		c.http = &http.Client{Timeout: cfg.RequestTimeout}
		if cfg.InsecureSkipVerify {
			c.http.Transport = &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // lab deployments use self-signed certificates
			}
		}
	}
	if c.http.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		c.http.Jar = jar
	}
	return c, nil
}

// HTTPClient returns the underlying HTTP client.
func (c *Client) HTTPClient() *http.Client { return c.http }

// Login opens a REST session. The session cookie is kept in the jar.
func (c *Client) Login(ctx context.Context) error {
	if c.config.Username == "" {
		return nil
	}
	form := url.Values{"IDToken1": {c.config.Username}, "IDToken2": {c.config.Password}}
	req, err := c.newRequest(ctx, http.MethodPost, loginEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if err := c.do(req, "Login failed: ", nil); err != nil {
		return err
	}
	c.logger.Debug().Str("user", c.config.Username).Msg("REST session opened")
	return nil
}

// Reopen implements engine.SessionOpener by logging in again.
func (c *Client) Reopen(ctx context.Context) error {
	return c.Login(ctx)
}

// resolve turns an endpoint or absolute URI into a URL on the management system.
func (c *Client) resolve(endpoint string) (string, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	u := *c.baseURL
	u.Path = c.baseURL.Path + ref.Path
	u.RawQuery = ref.RawQuery
	return u.String(), nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	target, err := c.resolve(endpoint)
	if err != nil {
		return nil, err
	}
	return http.NewRequestWithContext(ctx, method, target, body)
}

// doJSON sends an optional JSON body and decodes a JSON response into out.
func (c *Client) doJSON(ctx context.Context, method, endpoint string, in, out interface{}, prefix string) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, prefix, out)
}

// do sends req, maps non-2xx responses to *StatusError and decodes JSON into out.
func (c *Client) do(req *http.Request, prefix string, out interface{}) error {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s%s %s: %w", prefix, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("REST request completed")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Method:     req.Method,
			URL:        req.URL.Path,
			StatusCode: resp.StatusCode,
			Prefix:     prefix,
			Body:       strings.TrimSpace(string(data)),
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%sfailed to decode %s response: %w", prefix, req.URL.Path, err)
	}
	return nil
}

// ID is a remote job id. The REST interfaces send ids as JSON numbers.
type ID string

// UnmarshalJSON accepts a JSON number or string.
func (id *ID) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*id = ID(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("invalid job id %s", b)
	}
	*id = ID(s)
	return nil
}

// MarshalJSON writes numeric ids as JSON numbers.
func (id ID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// createJobRequest is the body creating an import job.
type createJobRequest struct {
	Type            string   `json:"type"`
	FileName        string   `json:"fileName"`
	ConfigName      string   `json:"configName"`
	FileFormat      string   `json:"fileFormat"`
	ExecutionPolicy []string `json:"executionPolicy,omitempty"`
}

func newCreateJobRequest(req *engine.ImportRequest) createJobRequest {
	config := req.ConfigName
	if config == "" {
		config = "Live"
	}
	return createJobRequest{
		Type:       "IMPORT",
		FileName:   req.FileName,
		ConfigName: config,
		FileFormat: string(req.FileFormat),
	}
}

// poll calls check until it reports done, an error, or the job timeout elapses.
func (c *Client) poll(ctx context.Context, jobID string, interval time.Duration, want string,
	check func(ctx context.Context) (status string, done bool, err error)) error {
	deadline := c.clock.Now().Add(c.config.JobTimeout)
	status := ""

	c.logger.Debug().Str("job_id", jobID).Str("want", want).Dur("timeout", c.config.JobTimeout).Msg("Waiting for job")
	for c.clock.Now().Before(deadline) {
		var done bool
		var err error
		status, done, err = check(ctx)
		if err != nil {
			return err
		}
		if done {
			c.logger.Debug().Str("job_id", jobID).Str("status", status).Msg("Job reached final status")
			return nil
		}
		if err := c.sleeper.Sleep(ctx, interval); err != nil {
			return err
		}
	}

	if status == "" {
		status = "no status available"
	}
	return engine.NewTimeoutError(jobID, status, c.config.JobTimeout).WithDetail("want", want)
}
