/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package httpsig

import (
	"crypto"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunglas/httpsfv"
)

const rfc9421Label = "sig1"

// RFC9421Signature is one signature parsed from the Signature-Input and Signature fields.
type RFC9421Signature struct {
	label      string
	components []string
	params     *httpsfv.Params
	signature  []byte
}

// ParseRFC9421 parses the first signature whose label appears in both Signature-Input and Signature.
func ParseRFC9421(h http.Header) (*RFC9421Signature, error) {
	inputs, err := httpsfv.UnmarshalDictionary(h.Values("Signature-Input"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid Signature-Input: %s", ErrMalformed, err)
	}

	sigs, err := httpsfv.UnmarshalDictionary(h.Values("Signature"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid Signature: %s", ErrMalformed, err)
	}

	for _, label := range inputs.Names() {
		sigMember, ok := sigs.Get(label)
		if !ok {
			continue
		}

		inputMember, _ := inputs.Get(label)

		return newRFC9421Signature(label, inputMember, sigMember)
	}

	return nil, fmt.Errorf("%w: no signature label matches Signature-Input", ErrMalformed)
}

func newRFC9421Signature(label string, input, sig httpsfv.Member) (*RFC9421Signature, error) {
	list, ok := input.(httpsfv.InnerList)
	if !ok {
		return nil, fmt.Errorf("%w: Signature-Input %s is not an inner list", ErrMalformed, label)
	}

	item, ok := sig.(httpsfv.Item)
	if !ok {
		return nil, fmt.Errorf("%w: Signature %s is not an item", ErrMalformed, label)
	}

	value, ok := item.Value.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: Signature %s is not a byte sequence", ErrMalformed, label)
	}

	s := &RFC9421Signature{label: label, params: list.Params, signature: value}

	for _, c := range list.Items {
		name, ok := c.Value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: component identifier is not a string", ErrMalformed)
		}

		if c.Params != nil && len(c.Params.Names()) > 0 {
			return nil, fmt.Errorf("%w: component parameters on %q are not supported", ErrMalformed, name)
		}

		s.components = append(s.components, strings.ToLower(name))
	}

	if s.KeyID() == "" {
		return nil, fmt.Errorf("%w: keyid parameter is required", ErrMalformed)
	}

	for _, p := range []string{"created", "expires"} {
		if v, ok := s.params.Get(p); ok {
			if _, isInt := v.(int64); !isInt {
				return nil, fmt.Errorf("%w: %s must be an integer", ErrMalformed, p)
			}
		}
	}

	return s, nil
}

// Scheme implements Signature.
func (s *RFC9421Signature) Scheme() Scheme { return SchemeRFC9421 }

// KeyID implements Signature.
func (s *RFC9421Signature) KeyID() string {
	v, _ := s.params.Get("keyid")
	id, _ := v.(string)

	return id
}

// Components returns the covered component identifiers.
func (s *RFC9421Signature) Components() []string { return s.components }

// Created implements Signature.
func (s *RFC9421Signature) Created() (time.Time, bool) {
	return s.timeParam("created")
}

// Expires implements Signature.
func (s *RFC9421Signature) Expires() (time.Time, bool) {
	return s.timeParam("expires")
}

func (s *RFC9421Signature) timeParam(name string) (time.Time, bool) {
	v, ok := s.params.Get(name)
	if !ok {
		return time.Time{}, false
	}

	n, ok := v.(int64)
	if !ok {
		return time.Time{}, false
	}

	return time.Unix(n, 0), true
}

func (s *RFC9421Signature) covers(component string) bool {
	for _, c := range s.components {
		if c == component {
			return true
		}
	}

	return false
}

// Verify checks Content-Digest (required when the body is non-empty) and the signature.
func (s *RFC9421Signature) Verify(req *Request, pub crypto.PublicKey) error {
	return s.VerifyWith(req, pub, VerifyBytes)
}

// VerifyWith is Verify with the cryptographic check delegated to verify.
func (s *RFC9421Signature) VerifyWith(req *Request, pub crypto.PublicKey, verify VerifyFunc) error {
	digest := req.Header.Values("Content-Digest")

	if len(req.Body) > 0 && (!s.covers("content-digest") || len(digest) == 0) {
		return fmt.Errorf("%w: request body is not covered by a signed content digest", ErrMismatch)
	}

	if len(digest) > 0 {
		if err := VerifyContentDigest(digest, req.Body); err != nil {
			return err
		}
	}

	var alg Algorithm

	if v, ok := s.params.Get("alg"); ok {
		name, _ := v.(string)

		switch Algorithm(name) {
		case AlgorithmRSASHA256, AlgorithmEd25519:
			alg = Algorithm(name)
		default:
			return fmt.Errorf("%w: unsupported alg %q", ErrMismatch, name)
		}
	}

	base, err := signatureBase(req, s.label, s.components, s.params)
	if err != nil {
		return err
	}

	return verify(pub, alg, []byte(base), s.signature)
}

func signatureBase(req *Request, label string, components []string, params *httpsfv.Params) (string, error) {
	var b strings.Builder

	list := httpsfv.InnerList{Params: params}

	for _, c := range components {
		value, err := componentValue(req, c)
		if err != nil {
			return "", err
		}

		b.WriteString(strconv.Quote(c))
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteByte('\n')

		list.Items = append(list.Items, httpsfv.NewItem(c))
	}

	sigParams, err := serializeInnerList(label, list)
	if err != nil {
		return "", err
	}

	b.WriteString(`"@signature-params": `)
	b.WriteString(sigParams)

	return b.String(), nil
}

// serializeInnerList serializes list the way it appears as a dictionary member value.
func serializeInnerList(label string, list httpsfv.InnerList) (string, error) {
	dict := httpsfv.NewDictionary()
	dict.Add(label, list)

	value, err := httpsfv.Marshal(dict)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrMalformed, err)
	}

	return strings.TrimPrefix(value, label+"="), nil
}

func componentValue(req *Request, component string) (string, error) {
	switch component {
	case "@method":
		return strings.ToUpper(req.Method), nil
	case "@target-uri":
		u := *req.URL
		u.Fragment = ""

		return u.String(), nil
	case "@authority":
		return req.host(), nil
	case "@scheme":
		return strings.ToLower(req.URL.Scheme), nil
	case "@request-target":
		return req.URL.RequestURI(), nil
	case "@path":
		if p := req.URL.EscapedPath(); p != "" {
			return p, nil
		}

		return "/", nil
	case "@query":
		return "?" + req.URL.RawQuery, nil
	}

	if strings.HasPrefix(component, "@") {
		return "", fmt.Errorf("%w: unsupported derived component %s", ErrMalformed, component)
	}

	values := req.Header.Values(component)
	if len(values) == 0 {
		return "", fmt.Errorf("%w: covered field %s is missing", ErrMismatch, component)
	}

	for i := range values {
		values[i] = strings.TrimSpace(values[i])
	}

	return strings.Join(values, ", "), nil
}

// SignRFC9421 signs req in place, covering @method, @target-uri, @authority and, for
// requests with a body, content-digest.
func SignRFC9421(req *Request, kp KeyPair, now time.Time) error {
	alg, err := kp.Algorithm()
	if err != nil {
		return err
	}

	req.Header.Set("Host", req.URL.Host)

	components := []string{"@method", "@target-uri", "@authority"}

	if len(req.Body) > 0 || req.Method == http.MethodPost {
		req.Header.Set("Content-Digest", ContentDigest(req.Body))

		components = append(components, "content-digest")
	}

	params := httpsfv.NewParams()
	params.Add("created", now.Unix())
	params.Add("keyid", kp.KeyID)
	params.Add("alg", string(alg))

	base, err := signatureBase(req, rfc9421Label, components, params)
	if err != nil {
		return err
	}

	sig, err := SignBytes(kp.PrivateKey, []byte(base))
	if err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	list := httpsfv.InnerList{Params: params}
	for _, c := range components {
		list.Items = append(list.Items, httpsfv.NewItem(c))
	}

	input, err := serializeInnerList(rfc9421Label, list)
	if err != nil {
		return err
	}

	signature := httpsfv.NewDictionary()
	signature.Add(rfc9421Label, httpsfv.NewItem(sig))

	sigValue, err := httpsfv.Marshal(signature)
	if err != nil {
		return fmt.Errorf("failed to serialize signature: %w", err)
	}

	req.Header.Set("Signature-Input", rfc9421Label+"="+input)
	req.Header.Set("Signature", sigValue)

	return nil
}
