/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package httpsig signs and verifies HTTP requests with RFC 9421 HTTP Message Signatures and
// draft-cavage-http-signatures-12, and sends signed requests with double-knocking.
package httpsig

import (
	"bytes"
	"crypto"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Scheme identifies an HTTP signature format.
type Scheme string

// Supported HTTP signature schemes.
const (
	SchemeRFC9421 Scheme = "rfc9421"
	SchemeCavage  Scheme = "draft-cavage-http-signatures-12"
)

// Other returns the fallback scheme used for the second knock.
func (s Scheme) Other() Scheme {
	if s == SchemeCavage {
		return SchemeRFC9421
	}

	return SchemeCavage
}

var (
	// ErrNoSignature is returned when a request carries no HTTP signature.
	ErrNoSignature = errors.New("no HTTP signature present")
	// ErrMalformed is returned for signatures that can't be parsed.
	ErrMalformed = errors.New("malformed HTTP signature")
)

// Request is an immutable snapshot of an HTTP request, with its body read exactly once.
// Every signer, verifier and retry works from the same buffer.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// NewRequest builds a Request. The header is cloned.
func NewRequest(method, rawURL string, header http.Header, body []byte) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid request URL: %w", err)
	}

	if header == nil {
		header = http.Header{}
	}

	return &Request{Method: strings.ToUpper(method), URL: u, Header: header.Clone(), Body: body}, nil
}

// Snapshot reads r's body into a Request and replaces r.Body with a reader over the same
// bytes. For server requests, the URL is completed from Host and TLS state.
func Snapshot(r *http.Request) (*Request, error) {
	var body []byte

	if r.Body != nil && r.Body != http.NoBody {
		var err error

		body, err = io.ReadAll(r.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}

		_ = r.Body.Close() //nolint:errcheck

		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	u := *r.URL

	if u.Host == "" {
		u.Host = r.Host
	}

	if u.Scheme == "" {
		u.Scheme = "http"
		if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			u.Scheme = "https"
		}
	}

	header := r.Header.Clone()
	if header.Get("Host") == "" && r.Host != "" {
		header.Set("Host", r.Host)
	}

	return &Request{Method: r.Method, URL: &u, Header: header, Body: body}, nil
}

// Clone returns a copy with its own header map and URL. The body buffer is shared; it is never
// written to.
func (r *Request) Clone() *Request {
	u := *r.URL

	return &Request{Method: r.Method, URL: &u, Header: r.Header.Clone(), Body: r.Body}
}

// HTTPRequest returns a new *http.Request reading from the buffered body.
func (r *Request) HTTPRequest(ctx context.Context) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL.String(), bytes.NewReader(r.Body))
	if err != nil {
		return nil, err
	}

	req.Header = r.Header.Clone()

	if host := r.Header.Get("Host"); host != "" {
		req.Host = host
		req.Header.Del("Host")
	}

	return req, nil
}

// host returns the authority the request is addressed to.
func (r *Request) host() string {
	if h := r.Header.Get("Host"); h != "" {
		return strings.ToLower(h)
	}

	return strings.ToLower(r.URL.Host)
}

// Signature is a parsed HTTP signature.
type Signature interface {
	Scheme() Scheme
	KeyID() string
	// Created returns the signature creation time, if stated.
	Created() (time.Time, bool)
	// Expires returns the signature expiry, if stated.
	Expires() (time.Time, bool)
	// Verify checks the signature, and the body digest it covers, against pub.
	Verify(req *Request, pub crypto.PublicKey) error
	// VerifyWith is Verify with the cryptographic check delegated to verify.
	VerifyWith(req *Request, pub crypto.PublicKey, verify VerifyFunc) error
}

// DetectScheme reports which HTTP signature scheme the headers carry, or "" for none.
// RFC 9421 needs both Signature-Input and Signature; a lone Signature is draft-cavage.
func DetectScheme(h http.Header) Scheme {
	switch {
	case h.Get("Signature-Input") != "" && h.Get("Signature") != "":
		return SchemeRFC9421
	case h.Get("Signature") != "":
		return SchemeCavage
	default:
		return ""
	}
}

// Parse parses the request's HTTP signature. It returns ErrNoSignature if there is none and
// wraps ErrMalformed if it can't be parsed.
func Parse(req *Request) (Signature, error) {
	switch DetectScheme(req.Header) {
	case SchemeRFC9421:
		sig, err := ParseRFC9421(req.Header)
		if err != nil {
			return nil, err
		}

		return sig, nil
	case SchemeCavage:
		sig, err := ParseCavage(req.Header.Get("Signature"))
		if err != nil {
			return nil, err
		}

		return sig, nil
	default:
		return nil, ErrNoSignature
	}
}
