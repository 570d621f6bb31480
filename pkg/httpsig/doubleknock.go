/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package httpsig

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/trustbloc/edge-core/pkg/log"
)

var logger = log.New("apfed-httpsig")

const (
	defaultMaxRedirects    = 10
	defaultMaxResponseBody = 1 << 20
)

var (
	// ErrTooManyRedirects is returned when a knock is redirected more than the allowed number of times.
	ErrTooManyRedirects = errors.New("too many redirects")
	// ErrURLRefused is returned when the URL validator rejects a target.
	ErrURLRefused = errors.New("target url refused")
)

// Response is the buffered outcome of a signed request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// URL is the final URL after redirects.
	URL *url.URL
	// Scheme is the signature scheme the response was obtained with.
	Scheme Scheme
}

// OK reports whether the status code is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// DoubleKnocker sends signed requests, retrying once with the other scheme when the peer
// rejects the first.
type DoubleKnocker struct {
	client       *http.Client
	firstKnock   Scheme
	buggyPeers   map[string]struct{}
	maxRedirects int
	now          func() time.Time
	validateURL  func(u *url.URL) error
}

// KnockOption configures a DoubleKnocker.
type KnockOption func(d *DoubleKnocker)

// WithHTTPClient sets the HTTP client. Its redirect policy is replaced; redirects are followed
// by the knocker itself so every hop is re-signed.
func WithHTTPClient(client *http.Client) KnockOption {
	return func(d *DoubleKnocker) {
		c := *client
		d.client = &c
	}
}

// WithFirstKnock sets the scheme tried first. Defaults to RFC 9421.
func WithFirstKnock(scheme Scheme) KnockOption {
	return func(d *DoubleKnocker) {
		d.firstKnock = scheme
	}
}

// WithBuggyPeers lists authorities (host or host:port) whose RFC 9421 support is known to
// answer 5xx instead of 401. A 5xx from them also triggers the second knock.
func WithBuggyPeers(hosts ...string) KnockOption {
	return func(d *DoubleKnocker) {
		for _, h := range hosts {
			d.buggyPeers[strings.ToLower(h)] = struct{}{}
		}
	}
}

// WithMaxRedirects sets how many redirects one knock may follow.
func WithMaxRedirects(n int) KnockOption {
	return func(d *DoubleKnocker) {
		d.maxRedirects = n
	}
}

// WithURLValidator sets a check applied to the target URL and to every redirect target before
// anything is sent. A non-nil error aborts the knock.
func WithURLValidator(validate func(u *url.URL) error) KnockOption {
	return func(d *DoubleKnocker) {
		d.validateURL = validate
	}
}

// WithClock sets the time source used for signature timestamps.
func WithClock(now func() time.Time) KnockOption {
	return func(d *DoubleKnocker) {
		d.now = now
	}
}

// NewDoubleKnocker returns a DoubleKnocker.
func NewDoubleKnocker(opts ...KnockOption) *DoubleKnocker {
	d := &DoubleKnocker{
		client:       &http.Client{Timeout: time.Minute},
		firstKnock:   SchemeRFC9421,
		buggyPeers:   map[string]struct{}{},
		maxRedirects: defaultMaxRedirects,
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(d)
	}

	d.client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return d
}

// DoubleKnock signs and sends req with the first-knock scheme. If the peer answers 400 or 401,
// or 5xx and it is a listed buggy peer, it retries once with the other scheme and returns
// that result. req is not modified; its body buffer is reused for every attempt.
func (d *DoubleKnocker) DoubleKnock(ctx context.Context, req *Request, keyPairs []KeyPair) (*Response, error) {
	first, err := d.knock(ctx, req, keyPairs, d.firstKnock)
	if err != nil {
		return nil, err
	}

	if !d.shouldRetry(req, first) {
		return first, nil
	}

	second := d.firstKnock.Other()

	logger.Debugf("peer %s answered %d to %s signature, retrying with %s",
		req.URL.Host, first.StatusCode, d.firstKnock, second)

	return d.knock(ctx, req, keyPairs, second)
}

func (d *DoubleKnocker) shouldRetry(req *Request, resp *Response) bool {
	switch {
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusUnauthorized:
		return true
	case resp.StatusCode >= http.StatusInternalServerError:
		_, buggy := d.buggyPeers[strings.ToLower(req.URL.Host)]

		return buggy
	default:
		return false
	}
}

func (d *DoubleKnocker) knock(ctx context.Context, original *Request, keyPairs []KeyPair,
	scheme Scheme) (*Response, error) {
	target := original.URL

	for hop := 0; ; hop++ {
		if d.validateURL != nil {
			if err := d.validateURL(target); err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrURLRefused, target, err)
			}
		}

		attempt := original.Clone()
		attempt.URL = target

		if err := Sign(attempt, keyPairs, scheme, d.now()); err != nil {
			return nil, err
		}

		resp, err := d.send(ctx, attempt)
		if err != nil {
			return nil, err
		}

		resp.Scheme = scheme

		location := resp.Header.Get("Location")
		if !isRedirect(resp.StatusCode) || location == "" {
			return resp, nil
		}

		if hop >= d.maxRedirects {
			return nil, fmt.Errorf("%w: %s", ErrTooManyRedirects, original.URL)
		}

		target, err = resolveLocation(original.URL, location)
		if err != nil {
			return nil, err
		}

		logger.Debugf("following redirect from %s to %s", attempt.URL, target)
	}
}

func (d *DoubleKnocker) send(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := req.HTTPRequest(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to %s: %w", req.URL, err)
	}

	defer closeResponseBody(resp.Body)

	body, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", req.URL, err)
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body, URL: req.URL}, nil
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	default:
		return false
	}
}

// resolveLocation resolves a path-only Location against the original request URL,
// never against an intermediate hop.
func resolveLocation(original *url.URL, location string) (*url.URL, error) {
	loc, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("invalid Location %q: %w", location, err)
	}

	return original.ResolveReference(loc), nil
}

func closeResponseBody(body io.Closer) {
	if err := body.Close(); err != nil {
		logger.Warnf("failed to close response body: %s", err)
	}
}
