/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package docloader fetches remote JSON-LD documents (actors, keys, objects) over HTTP,
// refusing non-HTTP(S) URLs and private network targets unless explicitly allowed.
package docloader

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/trustbloc/edge-core/pkg/log"

	"github.com/trustbloc/apfed/pkg/activity"
)

var logger = log.New("apfed-docloader")

var (
	// ErrNotFound is returned when a document can't be fetched, including on cancellation.
	ErrNotFound = errors.New("document not found")
	// ErrForbiddenURL is returned for URLs the loader refuses to fetch.
	ErrForbiddenURL = errors.New("url is not allowed")
)

const (
	acceptHeader = activity.ContentType + `, application/ld+json; profile="https://www.w3.org/ns/activitystreams"` +
		", application/ld+json;q=0.9, application/json;q=0.8"
	defaultTimeout    = 30 * time.Second
	defaultRetries    = 2
	maxDocumentSize   = 10 << 20
	maxRedirects      = 10
	defaultUserAgent  = "apfed"
	retryInitialDelay = 200 * time.Millisecond
)

// RemoteDocument is a fetched document.
type RemoteDocument struct {
	// DocumentURL is the final URL after redirects. Trust decisions are made against it.
	DocumentURL string
	ContextURL  string
	Document    activity.Document
	Raw         []byte
}

// Loader loads the document at a URL.
type Loader interface {
	Load(ctx context.Context, url string) (*RemoteDocument, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, url string) (*RemoteDocument, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context, url string) (*RemoteDocument, error) {
	return f(ctx, url)
}

// RequestSigner signs an outgoing GET request, for servers requiring authorized fetch.
type RequestSigner func(req *http.Request) error

// Client is an HTTP Loader.
type Client struct {
	httpClient   *http.Client
	allowPrivate bool
	userAgent    string
	retries      uint64
	signer       RequestSigner
}

// Option configures the Client.
type Option func(c *Client)

// WithHTTPClient replaces the HTTP client. Private address filtering at dial time is then the
// caller's responsibility; literal IP hosts are still checked.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTLSConfig sets the TLS configuration of the default transport.
func WithTLSConfig(tlsConfig *tls.Config) Option {
	return func(c *Client) {
		if t, ok := c.httpClient.Transport.(*http.Transport); ok {
			t.TLSClientConfig = tlsConfig
		}
	}
}

// WithAllowPrivateAddress allows loopback, private and link-local targets. Meant for tests and
// closed deployments.
func WithAllowPrivateAddress(allow bool) Option {
	return func(c *Client) {
		c.allowPrivate = allow
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(userAgent string) Option {
	return func(c *Client) {
		c.userAgent = userAgent
	}
}

// WithRetries sets how many times a transient failure (network error, 5xx, 429) is retried.
func WithRetries(n uint64) Option {
	return func(c *Client) {
		c.retries = n
	}
}

// WithRequestSigner signs every request, making this an authenticated document loader.
func WithRequestSigner(signer RequestSigner) Option {
	return func(c *Client) {
		c.signer = signer
	}
}

// New returns a new Client.
func New(opts ...Option) *Client {
	c := &Client{userAgent: defaultUserAgent, retries: defaultRetries}

	dialer := &net.Dialer{Timeout: defaultTimeout, Control: func(_, address string, _ syscall.RawConn) error {
		if c.allowPrivate {
			return nil
		}

		host, _, err := net.SplitHostPort(address)
		if err != nil {
			return err
		}

		return checkIP(net.ParseIP(host))
	}}

	c.httpClient = &http.Client{
		Timeout:   defaultTimeout,
		Transport: &http.Transport{DialContext: dialer.DialContext, Proxy: http.ProxyFromEnvironment},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.httpClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}

		return c.ValidateURL(req.URL)
	}

	return c
}

// HTTPClient returns the client used for fetches. Unless WithHTTPClient replaced it, its dialer
// refuses private network targets.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// ValidateURL refuses non-HTTP(S) schemes and, unless private addresses are allowed,
// literal IPs and well-known names that point inside the local network.
func (c *Client) ValidateURL(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrForbiddenURL, u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrForbiddenURL)
	}

	if c.allowPrivate {
		return nil
	}

	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return fmt.Errorf("%w: %s", ErrForbiddenURL, host)
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	return nil
}

func checkIP(ip net.IP) error {
	if ip == nil {
		return fmt.Errorf("%w: unparseable address", ErrForbiddenURL)
	}

	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() || ip.IsMulticast() || ip.IsInterfaceLocalMulticast() {
		return fmt.Errorf("%w: %s is not a public address", ErrForbiddenURL, ip)
	}

	return nil
}

// Load fetches and decodes the JSON document at rawURL. The URL fragment is not sent; the
// caller resolves it against the returned document.
func (c *Client) Load(ctx context.Context, rawURL string) (*RemoteDocument, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrForbiddenURL, err)
	}

	if err = c.ValidateURL(u); err != nil {
		return nil, err
	}

	u.Fragment = ""

	var doc *RemoteDocument

	operation := func() error {
		var errFetch error

		doc, errFetch = c.fetch(ctx, u.String())

		return errFetch
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryInitialDelay

	err = backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, c.retries), ctx))
	if err != nil {
		if errors.Is(err, ErrForbiddenURL) {
			return nil, err
		}

		if !errors.Is(err, ErrNotFound) {
			err = fmt.Errorf("%w: %s", ErrNotFound, err)
		}

		logger.Debugf("failed to load %s: %s", rawURL, err)

		return nil, err
	}

	return doc, nil
}

func (c *Client) fetch(ctx context.Context, endpoint string) (*RemoteDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("User-Agent", c.userAgent)

	if c.signer != nil {
		if err = c.signer(req); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to sign request: %w", err))
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, ErrForbiddenURL) {
			return nil, backoff.Permanent(err)
		}

		return nil, err
	}

	defer closeReadCloser(resp.Body)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, err
	}

	logger.Debugf("sent GET request to %s response status code: %d", endpoint, resp.StatusCode)

	switch {
	case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%s responded with status %d", endpoint, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, backoff.Permanent(fmt.Errorf("%w: %s responded with status %d", ErrNotFound, endpoint,
			resp.StatusCode))
	}

	var document activity.Document

	if err = json.Unmarshal(body, &document); err != nil || document == nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: %s did not return a JSON object", ErrNotFound, endpoint))
	}

	return &RemoteDocument{
		DocumentURL: resp.Request.URL.String(),
		ContextURL:  contextLink(resp.Header),
		Document:    document,
		Raw:         body,
	}, nil
}

// contextLink extracts a JSON-LD context from a Link header, if any.
func contextLink(h http.Header) string {
	for _, link := range h.Values("Link") {
		if !strings.Contains(link, `rel="http://www.w3.org/ns/json-ld#context"`) {
			continue
		}

		start, end := strings.IndexByte(link, '<'), strings.IndexByte(link, '>')
		if start >= 0 && end > start {
			return link[start+1 : end]
		}
	}

	return ""
}

func closeReadCloser(respBody io.ReadCloser) {
	err := respBody.Close()
	if err != nil {
		logger.Errorf("Failed to close response body: %s", err)
	}
}
