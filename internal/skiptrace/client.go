// Package skiptrace talks to the skip-trace batch vendor: multipart artifact
// submission and asynchronous job status.
package skiptrace

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/stormlead-cli/internal/faults"
)

// Submission is one artifact upload.
type Submission struct {
	FilePath   string
	WebhookURL string
	ListName   string
}

// SubmitReceipt is what the vendor acknowledged. JobID may be empty: some
// responses carry no correlation id and that is tolerated.
type SubmitReceipt struct {
	JobID      string
	StatusCode int
}

// Job is the state of an asynchronous vendor job.
type Job struct {
	ID      string
	Status  string
	Done    bool
	Payload []byte
}

// Client is the vendor API surface.
type Client interface {
	Submit(ctx context.Context, sub Submission) (*SubmitReceipt, error)
	JobStatus(ctx context.Context, jobID string) (*Job, error)
}

// Option configures the client.
type Option func(*client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) {
		c.http = hc
	}
}

// WithSource overrides the source tag sent in submission options.
func WithSource(tag string) Option {
	return func(c *client) {
		c.source = tag
	}
}

type client struct {
	base   string
	token  string
	apiKey string
	source string
	http   *http.Client
}

// NewClient creates a vendor API client.
func NewClient(base, token, apiKey string, opts ...Option) Client {
	c := &client{
		base:   strings.TrimRight(base, "/"),
		token:  token,
		apiKey: apiKey,
		source: "stormlead-cli",
		http:   &http.Client{Timeout: 2 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// submitOptions is the JSON carried in the "options" form field.
type submitOptions struct {
	Webhook  string `json:"webhook"`
	ListName string `json:"listName,omitempty"`
	Source   string `json:"source"`
}

// Submit uploads the artifact as multipart/form-data: a "file" part with the
// CSV and an "options" part with the JSON-encoded submission options.
func (c *client) Submit(ctx context.Context, sub Submission) (*SubmitReceipt, error) {
	if sub.WebhookURL == "" {
		return nil, &faults.ConfigurationError{Setting: "vendor webhook URL is required for async submission"}
	}
	payload, err := os.ReadFile(sub.FilePath)
	if err != nil {
		return nil, eris.Wrapf(err, "skiptrace: read artifact %s", sub.FilePath)
	}

	optJSON, err := json.Marshal(submitOptions{
		Webhook:  sub.WebhookURL,
		ListName: sub.ListName,
		Source:   c.source,
	})
	if err != nil {
		return nil, eris.Wrap(err, "skiptrace: encode options")
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filepath.Base(sub.FilePath))
	if err != nil {
		return nil, eris.Wrap(err, "skiptrace: create form file")
	}
	if _, err := part.Write(payload); err != nil {
		return nil, eris.Wrap(err, "skiptrace: write form file")
	}
	if err := writer.WriteField("options", string(optJSON)); err != nil {
		return nil, eris.Wrap(err, "skiptrace: write options field")
	}
	if err := writer.Close(); err != nil {
		return nil, eris.Wrap(err, "skiptrace: close multipart writer")
	}

	endpoint := c.base + "/property/skip-trace/async"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return nil, eris.Wrap(err, "skiptrace: build submit request")
	}
	c.setAuth(req)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	body, status, err := c.do(req, endpoint)
	if err != nil {
		return nil, err
	}
	return &SubmitReceipt{JobID: probeJobID(body), StatusCode: status}, nil
}

// JobStatus fetches one job's state.
func (c *client) JobStatus(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, eris.New("skiptrace: job id is required")
	}
	endpoint := c.base + "/property/skip-trace/async/" + url.PathEscape(jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, eris.Wrap(err, "skiptrace: build status request")
	}
	c.setAuth(req)

	body, _, err := c.do(req, endpoint)
	if err != nil {
		return nil, err
	}
	status := probeStatus(body)
	return &Job{
		ID:      jobID,
		Status:  status,
		Done:    TerminalStatus(status),
		Payload: body,
	}, nil
}

func (c *client) setAuth(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
}

// do runs the request and enforces the success/redirect status classes.
func (c *client) do(req *http.Request, endpoint string) ([]byte, int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, eris.Wrapf(err, "skiptrace: request %s", endpoint)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, eris.Wrap(err, "skiptrace: read response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 399 {
		return nil, 0, &faults.VendorHTTPError{
			StatusCode: resp.StatusCode,
			Endpoint:   endpoint,
			Body:       string(body),
		}
	}
	return body, resp.StatusCode, nil
}

// probeJobID pulls a job correlation id out of a response: id, jobId, or
// job_id at the top level, then one level inside a data object.
func probeJobID(body []byte) string {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if id := scalarID(payload); id != "" {
		return id
	}
	if data, ok := payload["data"].(map[string]any); ok {
		return scalarID(data)
	}
	return ""
}

func scalarID(m map[string]any) string {
	for _, k := range []string{"id", "jobId", "job_id"} {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatInt(int64(v), 10)
		}
	}
	return ""
}

// probeStatus pulls the job status out of a response, top level first, then
// one level inside a data object.
func probeStatus(body []byte) string {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if s, ok := payload["status"].(string); ok && s != "" {
		return s
	}
	if data, ok := payload["data"].(map[string]any); ok {
		if s, ok := data["status"].(string); ok {
			return s
		}
	}
	return ""
}

// TerminalStatus reports whether a vendor job status means the job will not
// progress further. The webhook receiver uses the same set.
func TerminalStatus(status string) bool {
	switch strings.ToLower(status) {
	case "complete", "completed", "finished", "failed", "error":
		return true
	}
	return false
}
