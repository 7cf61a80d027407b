package invokeai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"invokectl/internal/config"
	"invokectl/internal/logging"
)

const (
	defaultProbeTimeout    = 3 * time.Second
	defaultRequestTimeout  = 10 * time.Second
	defaultSubmitTimeout   = 60 * time.Second
	defaultPollTimeout     = 10 * time.Second
	defaultDownloadTimeout = 60 * time.Second
	defaultUserAgent       = "invokectl"
	maxErrorBodyBytes      = 64 << 10
)

// HTTPDoer matches http.Client behaviour for dependency injection.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config captures connection settings and the timeout class for each kind of call.
type Config struct {
	BaseURL         string
	ProbeTimeout    time.Duration
	RequestTimeout  time.Duration
	SubmitTimeout   time.Duration
	PollTimeout     time.Duration
	DownloadTimeout time.Duration
	UserAgent       string
}

// Client is the shared transport for every server call.
type Client struct {
	cfg    Config
	http   HTTPDoer
	logger *slog.Logger
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(doer HTTPDoer) Option {
	return func(c *Client) {
		if doer != nil {
			c.http = doer
		}
	}
}

// WithLogger attaches a logger for request tracing at debug level.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logging.NewComponentLogger(logger, "invokeai")
	}
}

// New constructs a client. Zero timeouts fall back to package defaults.
func New(cfg Config, opts ...Option) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	cfg.ProbeTimeout = orDefault(cfg.ProbeTimeout, defaultProbeTimeout)
	cfg.RequestTimeout = orDefault(cfg.RequestTimeout, defaultRequestTimeout)
	cfg.SubmitTimeout = orDefault(cfg.SubmitTimeout, defaultSubmitTimeout)
	cfg.PollTimeout = orDefault(cfg.PollTimeout, defaultPollTimeout)
	cfg.DownloadTimeout = orDefault(cfg.DownloadTimeout, defaultDownloadTimeout)
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = defaultUserAgent
	}
	client := &Client{
		cfg:    cfg,
		http:   &http.Client{},
		logger: logging.NewComponentLogger(nil, "invokeai"),
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// NewFromConfig maps the [invokeai] section onto a client.
func NewFromConfig(cfg *config.Config, opts ...Option) *Client {
	return New(Config{
		BaseURL:         cfg.InvokeAI.BaseURL,
		ProbeTimeout:    config.Seconds(cfg.InvokeAI.ProbeTimeout),
		RequestTimeout:  config.Seconds(cfg.InvokeAI.RequestTimeout),
		SubmitTimeout:   config.Seconds(cfg.InvokeAI.SubmitTimeout),
		PollTimeout:     config.Seconds(cfg.InvokeAI.PollTimeout),
		DownloadTimeout: config.Seconds(cfg.InvokeAI.DownloadTimeout),
	}, opts...)
}

// Config returns the effective client configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// BaseURL returns the normalized server root.
func (c *Client) BaseURL() string {
	return c.cfg.BaseURL
}

// Response is a fully-read server reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Request describes one call against the server.
type Request struct {
	Method  string
	Path    string
	Query   url.Values
	Body    any
	Timeout time.Duration
}

// Do performs the request and reads the whole body. Any HTTP status is returned
// as a Response; only transport failures produce an error, wrapped as
// ConnectionError.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	endpoint := c.URL(req.Path, req.Query)
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("invokeai %s %s: encode body: %w", method, req.Path, err)
		}
		body = bytes.NewReader(encoded)
	}

	timeout := orDefault(req.Timeout, c.cfg.RequestTimeout)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("invokeai %s %s: new request: %w", method, req.Path, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &ConnectionError{Op: method + " " + req.Path, URL: endpoint, Timeout: timeout, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ConnectionError{Op: method + " " + req.Path, URL: endpoint, Timeout: timeout, Err: fmt.Errorf("read body: %w", err)}
	}
	c.logger.Debug("invokeai request",
		logging.String("method", method),
		logging.String("path", req.Path),
		logging.Int("status", resp.StatusCode),
		logging.Duration("latency", time.Since(start)),
	)
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: payload}, nil
}

// GetJSON issues a GET and decodes a 2xx JSON body into out.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, timeout time.Duration, out any) error {
	resp, err := c.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query, Timeout: timeout})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return NewStatusError(http.MethodGet, path, resp)
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return &ProtocolError{Op: "GET " + path, Detail: "decode response: " + err.Error(), Payload: resp.Body}
	}
	return nil
}

// URL joins the base URL, path, and query.
func (c *Client) URL(path string, query url.Values) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	endpoint := c.cfg.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	return endpoint
}

// ImagePath returns the metadata path of a server image.
func ImagePath(name string) string {
	return "/api/v1/images/i/" + url.PathEscape(name)
}

// ImageContentPath returns the full-resolution bytes path of a server image.
func ImageContentPath(name string) string {
	return ImagePath(name) + "/full"
}

// QueueItemPath returns the status path of a queue item.
func QueueItemPath(itemID int64) string {
	return fmt.Sprintf("/api/v1/queue/default/i/%d", itemID)
}

// StatusError reports a non-2xx reply the caller did not expect.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

// NewStatusError captures a truncated body snippet from resp.
func NewStatusError(method, path string, resp *Response) *StatusError {
	body := resp.Body
	if len(body) > maxErrorBodyBytes {
		body = body[:maxErrorBodyBytes]
	}
	return &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("invokeai %s %s: http %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("invokeai %s %s: http %d: %s", e.Method, e.Path, e.StatusCode, summarizeSnippet(e.Body))
}

func summarizeSnippet(body string) string {
	const limit = 512
	body = strings.Join(strings.Fields(body), " ")
	if len(body) <= limit {
		return body
	}
	return body[:limit] + "..."
}

func orDefault(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}
