// Package api implements the HTTP client side of the backend contract:
// batched /report submissions, the check-in endpoint and source-tag
// operations. All callers treat HTTP status codes as data, not failures;
// only transport-level problems surface as errors.
package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Push formats accepted by the /report endpoint.
const (
	FormatWavefront = "wavefront"
	FormatHistogram = "histogram"
	FormatTrace     = "trace"
	FormatSpanLogs  = "spanLogs"
)

// HTTPError carries a non-2xx response status. The submission layer switches
// on StatusCode to decide between split, spool and drop.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("server returned HTTP %d", e.StatusCode)
}

// Client talks to a single backend endpoint. The endpoint URL can be swapped
// at runtime (the check-in controller does this when it detects a missing
// /api suffix), so all access goes through the mutex-guarded getter.
type Client struct {
	mtx      sync.RWMutex
	endpoint string
	token    string

	httpClient *http.Client
}

// NewClient builds a Client for the given server URL and API token.
func NewClient(server, token string, timeout time.Duration) *Client {
	return &Client{
		endpoint: strings.TrimSuffix(server, "/"),
		token:    token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Endpoint returns the current server endpoint URL.
func (c *Client) Endpoint() string {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.endpoint
}

// SetEndpoint swaps the server endpoint URL at runtime.
func (c *Client) SetEndpoint(endpoint string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.endpoint = strings.TrimSuffix(endpoint, "/")
}

// Report submits one batch. body is the newline-joined batch in the given
// push format. Returns the HTTP status code; err is non-nil only for
// transport failures.
func (c *Client) Report(ctx context.Context, format string, body []byte) (int, error) {
	u := fmt.Sprintf("%s/v2/wfproxy/report?format=%s", c.Endpoint(), url.QueryEscape(format))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return 0, errors.Wrap(err, "building report request")
	}
	req.Header.Set("Content-Type", "text/plain")
	if format == FormatSpanLogs {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req)
}

// Checkin performs one check-in round trip. metricsJSON is the process
// metrics snapshot document; it may be nil when no fresh snapshot exists.
func (c *Client) Checkin(ctx context.Context, proxyID uuid.UUID, hostname, version string,
	metricsTS int64, metricsJSON []byte, ephemeral bool) (*AgentConfiguration, error) {
	u := fmt.Sprintf("%s/daemon/%s/checkin?hostname=%s&version=%s&currentMillis=%d&ephemeral=%t",
		c.Endpoint(), proxyID, url.QueryEscape(hostname), url.QueryEscape(version),
		metricsTS, ephemeral)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(metricsJSON))
	if err != nil {
		return nil, errors.Wrap(err, "building checkin request")
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		io.Copy(io.Discard, resp.Body)
		return nil, &HTTPError{StatusCode: resp.StatusCode}
	}
	var cfg AgentConfiguration
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, errors.Wrap(err, "decoding agent configuration")
	}
	return &cfg, nil
}

// SetSourceDescription sets or replaces the description of a source.
func (c *Client) SetSourceDescription(ctx context.Context, source, description string) (int, error) {
	return c.sourceRequest(ctx, http.MethodPost, source, "description", []byte(strconv.Quote(description)))
}

// RemoveSourceDescription removes the description of a source.
func (c *Client) RemoveSourceDescription(ctx context.Context, source string) (int, error) {
	return c.sourceRequest(ctx, http.MethodDelete, source, "description", nil)
}

// AppendSourceTag adds a single tag to a source.
func (c *Client) AppendSourceTag(ctx context.Context, source, tag string) (int, error) {
	return c.sourceRequest(ctx, http.MethodPut, source, "tag/"+url.PathEscape(tag), nil)
}

// RemoveSourceTag removes a single tag from a source.
func (c *Client) RemoveSourceTag(ctx context.Context, source, tag string) (int, error) {
	return c.sourceRequest(ctx, http.MethodDelete, source, "tag/"+url.PathEscape(tag), nil)
}

// SetSourceTags replaces the full tag set of a source.
func (c *Client) SetSourceTags(ctx context.Context, source string, tags []string) (int, error) {
	body, err := json.Marshal(tags)
	if err != nil {
		return 0, err
	}
	return c.sourceRequest(ctx, http.MethodPost, source, "tag", body)
}

func (c *Client) sourceRequest(ctx context.Context, method, source, suffix string, body []byte) (int, error) {
	u := fmt.Sprintf("%s/source/%s/%s", c.Endpoint(), url.PathEscape(source), suffix)
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return 0, errors.Wrap(err, "building source tag request")
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) (int, error) {
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (c *Client) authorize(req *http.Request) {
	c.mtx.RLock()
	token := c.token
	c.mtx.RUnlock()
	req.Header.Set("Authorization", "Bearer "+token)
}
