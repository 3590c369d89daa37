// Package upstream forwards a matched request to the route's configured
// upstream (C9, spec.md §4.9). It deliberately wraps the standard
// net/http.Client rather than a REST client library, the way the teacher's
// own outbound clients (pkg/mattermost, pkg/bookowl) hand-roll a timed
// http.Client instead of pulling one in.
package upstream

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// hopByHopHeaders are stripped before forwarding a request and again
// before returning/caching a response (spec.md §4.9).
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade", "Host",
}

// ErrorTag classifies a failed upstream call for the pipeline's status/tag
// contract (spec.md §4.10).
type ErrorTag string

const (
	ErrUpstreamTimeout ErrorTag = "upstream_timeout"
	ErrUpstreamError   ErrorTag = "upstream_error"
)

// Error wraps a failed upstream call with its classification tag.
type Error struct {
	Tag ErrorTag
	Err error
}

func (e *Error) Error() string { return string(e.Tag) + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Request describes a single proxied call.
type Request struct {
	Method              string
	UpstreamBaseURL     string
	UpstreamPathRewrite string
	Path                string
	RawQuery            string
	Headers             http.Header
	Body                io.Reader
	RequestHeadersAdd    map[string]string
	RequestHeadersRemove []string
	Timeout             time.Duration
}

// Response is the upstream's verbatim response, hop-by-hop headers
// stripped.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Client issues proxied requests against upstream services.
type Client struct {
	httpClient *http.Client
}

// New creates an upstream Client with a shared Transport for connection
// pooling across requests. Per-call timeouts are applied via context, not
// the client's own Timeout field, since each route has its own timeout_ms.
func New() *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// BuildURL constructs the upstream URL per spec.md §4.9: base URL with a
// trailing slash trimmed, plus the optional path rewrite, plus the
// post-route path and original query string.
func BuildURL(baseURL, pathRewrite, path, rawQuery string) (string, error) {
	u := strings.TrimRight(baseURL, "/") + pathRewrite + path
	parsed, err := url.Parse(u)
	if err != nil {
		return "", err
	}
	parsed.RawQuery = rawQuery
	return parsed.String(), nil
}

// Do issues req against its upstream, applying header stripping, per-route
// add/remove, and the route's timeout. Failures are classified into
// ErrUpstreamTimeout or ErrUpstreamError (spec.md §4.9).
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	target, err := BuildURL(req.UpstreamBaseURL, req.UpstreamPathRewrite, req.Path, req.RawQuery)
	if err != nil {
		return nil, &Error{Tag: ErrUpstreamError, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, req.Body)
	if err != nil {
		return nil, &Error{Tag: ErrUpstreamError, Err: err}
	}
	httpReq.Header = cloneHeader(req.Headers)
	stripHopByHop(httpReq.Header)
	applyHeaderOverrides(httpReq.Header, req.RequestHeadersRemove, req.RequestHeadersAdd)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyError(err)
	}

	respHeader := resp.Header.Clone()
	stripHopByHop(respHeader)

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    respHeader,
		Body:       body,
	}, nil
}

// classifyError maps a transport-level failure to the upstream_timeout vs
// upstream_error distinction (spec.md §4.9).
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Tag: ErrUpstreamTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Tag: ErrUpstreamTimeout, Err: err}
	}
	return &Error{Tag: ErrUpstreamError, Err: err}
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return make(http.Header)
	}
	return h.Clone()
}

func stripHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// applyHeaderOverrides removes req.RequestHeadersRemove then sets
// req.RequestHeadersAdd, so an add wins over a remove naming the same
// header (spec.md §4.9).
func applyHeaderOverrides(h http.Header, remove []string, add map[string]string) {
	for _, name := range remove {
		h.Del(name)
	}
	for name, value := range add {
		h.Set(name, value)
	}
}
