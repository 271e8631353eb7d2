package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/zotroam/zsync/internal/zotero/schema"
)

// Protocol headers.
const (
	HeaderAPIKey                   = "Zotero-API-Key"
	HeaderAPIVersion               = "Zotero-API-Version"
	HeaderTotalResults             = "Total-Results"
	HeaderLastModifiedVersion      = "Last-Modified-Version"
	HeaderIfUnmodifiedSinceVersion = "If-Unmodified-Since-Version"
	HeaderBackoff                  = "Backoff"
	HeaderRetryAfter               = "Retry-After"
)

// APIVersion is the protocol version requested on every call.
const APIVersion = "3"

// MaxPageSize is the largest page the remote will serve.
const MaxPageSize = 100

// MaxWriteBatch is the largest number of objects accepted by one
// multi-object write.
const MaxWriteBatch = 50

// Config holds client settings.
type Config struct {
	// BaseURL is the API root, without trailing slash.
	BaseURL string

	// PageSize is the limit used for paginated reads (1..MaxPageSize).
	PageSize int

	// Timeout bounds each HTTP request.
	Timeout time.Duration

	// MaxConcurrentWrites bounds the number of per-item sub-requests of a
	// rename that run at once.
	MaxConcurrentWrites int

	// UserAgent is sent with every request.
	UserAgent string
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		BaseURL:             "https://api.zotero.org",
		PageSize:            MaxPageSize,
		Timeout:             30 * time.Second,
		MaxConcurrentWrites: 5,
		UserAgent:           "zsync",
	}
}

// Client talks to the remote library service. It is safe for concurrent use.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *log.Logger
}

// New creates a client.
//
// Zero fields of cfg fall back to DefaultConfig. If httpClient is nil, a
// client with cfg.Timeout is created. If logger is nil, a default logger
// writing to stderr is used.
func New(cfg Config, httpClient *http.Client, logger *log.Logger) *Client {
	def := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PageSize <= 0 || cfg.PageSize > MaxPageSize {
		cfg.PageSize = def.PageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxConcurrentWrites <= 0 {
		cfg.MaxConcurrentWrites = def.MaxConcurrentWrites
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[api] ", log.LstdFlags)
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger}
}

// Config returns the effective client settings.
func (c *Client) Config() Config {
	return c.cfg
}

// endpoint builds the absolute URL of resource (a path relative to the API
// root, optionally carrying its own query string) merged with query.
func (c *Client) endpoint(resource string, query url.Values) (string, error) {
	u, err := url.Parse(c.cfg.BaseURL + "/" + strings.TrimLeft(resource, "/"))
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vs := range query {
		q.Del(k)
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) newRequest(ctx context.Context, method string, cred schema.Credential, resource string, query url.Values, body io.Reader) (*http.Request, error) {
	endpoint, err := c.endpoint(resource, query)
	if err != nil {
		return nil, fmt.Errorf("failed to build URL for %s: %w", resource, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(HeaderAPIVersion, APIVersion)
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if cred != "" {
		req.Header.Set(HeaderAPIKey, string(cred))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do sends req and logs server back-off requests. The caller closes the body.
func (c *Client) do(req *http.Request, library string) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &schema.FetchError{Library: library, URL: req.URL.String(), Err: err}
	}
	if b := resp.Header.Get(HeaderBackoff); b != "" {
		c.logger.Printf("Warning: %s asked clients to back off for %ss", library, b)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		c.logger.Printf("Warning: rate limited on %s (retry after %q)", library, resp.Header.Get(HeaderRetryAfter))
	}
	return resp, nil
}

// statusError turns a non-2xx response into a FetchError carrying the start
// of the body.
func statusError(resp *http.Response, library string) *schema.FetchError {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(snippet))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &schema.FetchError{
		Status:  resp.StatusCode,
		Library: library,
		URL:     resp.Request.URL.String(),
		Err:     fmt.Errorf("%s", msg),
	}
}

// intHeader parses a required integer header.
func intHeader(resp *http.Response, name string) (int, error) {
	raw := resp.Header.Get(name)
	if raw == "" {
		return 0, fmt.Errorf("response is missing the %s header", name)
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s header %q", name, raw)
	}
	return v, nil
}

// versionOf returns the Last-Modified-Version of resp, or 0 when absent.
func versionOf(resp *http.Response) int {
	v, _ := strconv.Atoi(resp.Header.Get(HeaderLastModifiedVersion))
	return v
}

// decodeStrict decodes a JSON body into v, rejecting trailing data.
func decodeStrict(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("unexpected data after JSON value")
	}
	return nil
}

// FetchPermissions returns what cred may access.
func (c *Client) FetchPermissions(ctx context.Context, cred schema.Credential) (*schema.KeyInfo, error) {
	resource := "keys/" + url.PathEscape(string(cred))
	req, err := c.newRequest(ctx, http.MethodGet, cred, resource, nil, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(req, "keys")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, "keys")
	}

	var info schema.KeyInfo
	if err := decodeStrict(resp.Body, &info); err != nil {
		return nil, &schema.FetchError{Status: resp.StatusCode, Library: "keys", URL: req.URL.String(),
			Err: fmt.Errorf("failed to decode key permissions: %w", err)}
	}
	if info.Key == "" {
		info.Key = string(cred)
	}
	return &info, nil
}
