/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package httpsig

import (
	"crypto"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const cavageDefaultHeaders = "date"

// CavageSignature is a parsed draft-cavage-http-signatures-12 Signature header.
type CavageSignature struct {
	keyID     string
	algorithm string
	headers   []string
	signature []byte
	created   int64
	expires   int64
}

// ParseCavage parses a draft-cavage Signature header value. The created and expires
// parameters must be unquoted decimal integers.
func ParseCavage(header string) (*CavageSignature, error) {
	params, err := parseCavageParams(header)
	if err != nil {
		return nil, err
	}

	sig := &CavageSignature{}

	for name, p := range params {
		switch name {
		case "keyid":
			sig.keyID = p.value
		case "algorithm":
			sig.algorithm = strings.ToLower(p.value)
		case "headers":
			sig.headers = strings.Fields(strings.ToLower(p.value))
		case "signature":
			sig.signature, err = base64.StdEncoding.DecodeString(p.value)
			if err != nil {
				return nil, fmt.Errorf("%w: signature is not base64: %s", ErrMalformed, err)
			}
		case "created", "expires":
			if p.quoted {
				return nil, fmt.Errorf("%w: %s must be an unquoted integer", ErrMalformed, name)
			}

			n, errParse := strconv.ParseInt(p.value, 10, 64)
			if errParse != nil {
				return nil, fmt.Errorf("%w: %s is not an integer: %s", ErrMalformed, name, errParse)
			}

			if name == "created" {
				sig.created = n
			} else {
				sig.expires = n
			}
		}
	}

	if sig.keyID == "" || len(sig.signature) == 0 {
		return nil, fmt.Errorf("%w: keyId and signature are required", ErrMalformed)
	}

	if len(sig.headers) == 0 {
		sig.headers = []string{cavageDefaultHeaders}
	}

	return sig, nil
}

type cavageParam struct {
	value  string
	quoted bool
}

func parseCavageParams(header string) (map[string]cavageParam, error) {
	params := map[string]cavageParam{}
	rest := strings.TrimSpace(header)

	for rest != "" {
		eq := strings.IndexByte(rest, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("%w: expected name=value in %q", ErrMalformed, rest)
		}

		name := strings.ToLower(strings.TrimSpace(rest[:eq]))
		rest = strings.TrimLeft(rest[eq+1:], " ")

		var p cavageParam

		if strings.HasPrefix(rest, `"`) {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated quoted value for %s", ErrMalformed, name)
			}

			p = cavageParam{value: rest[1 : end+1], quoted: true}
			rest = rest[end+2:]
		} else {
			end := strings.IndexByte(rest, ',')
			if end < 0 {
				end = len(rest)
			}

			p = cavageParam{value: strings.TrimSpace(rest[:end])}
			rest = rest[end:]
		}

		if _, dup := params[name]; dup {
			return nil, fmt.Errorf("%w: duplicate parameter %s", ErrMalformed, name)
		}

		params[name] = p

		rest = strings.TrimSpace(rest)
		if rest == "" {
			break
		}

		if rest[0] != ',' {
			return nil, fmt.Errorf("%w: expected ',' after %s", ErrMalformed, name)
		}

		rest = strings.TrimSpace(rest[1:])
	}

	return params, nil
}

// Scheme implements Signature.
func (s *CavageSignature) Scheme() Scheme { return SchemeCavage }

// KeyID implements Signature.
func (s *CavageSignature) KeyID() string { return s.keyID }

// Headers returns the covered headers, lowercased.
func (s *CavageSignature) Headers() []string { return s.headers }

// Created returns the created parameter, if set.
func (s *CavageSignature) Created() (time.Time, bool) {
	if s.created == 0 {
		return time.Time{}, false
	}

	return time.Unix(s.created, 0), true
}

// Expires returns the expires parameter, if set.
func (s *CavageSignature) Expires() (time.Time, bool) {
	if s.expires == 0 {
		return time.Time{}, false
	}

	return time.Unix(s.expires, 0), true
}

// Verify checks the digest (when the body is non-empty) and the signature.
func (s *CavageSignature) Verify(req *Request, pub crypto.PublicKey) error {
	return s.VerifyWith(req, pub, VerifyBytes)
}

// VerifyWith checks the covered headers and the digest, then calls verify with the signing string.
// Requests with a body must cover (request-target) and host.
func (s *CavageSignature) VerifyWith(req *Request, pub crypto.PublicKey, verify VerifyFunc) error {
	if len(req.Body) > 0 || req.Method == http.MethodPost {
		for _, h := range []string{"(request-target)", "host"} {
			if !s.covers(h) {
				return fmt.Errorf("%w: signature does not cover %s", ErrMismatch, h)
			}
		}
	}

	if err := s.verifyDigest(req); err != nil {
		return err
	}

	alg, err := cavageAlgorithm(s.algorithm)
	if err != nil {
		return err
	}

	base, err := s.signingString(req)
	if err != nil {
		return err
	}

	return verify(pub, alg, []byte(base), s.signature)
}

func (s *CavageSignature) covers(header string) bool {
	for _, h := range s.headers {
		if h == header {
			return true
		}
	}

	return false
}

func (s *CavageSignature) verifyDigest(req *Request) error {
	digest := req.Header.Get("Digest")

	if len(req.Body) > 0 && (!s.covers("digest") || digest == "") {
		return fmt.Errorf("%w: request body is not covered by a signed digest", ErrMismatch)
	}

	if digest == "" {
		return nil
	}

	return VerifyDigest(digest, req.Body)
}

func (s *CavageSignature) signingString(req *Request) (string, error) {
	return cavageSigningString(req, s.headers, s.created, s.expires)
}

func cavageSigningString(req *Request, headers []string, created, expires int64) (string, error) {
	lines := make([]string, 0, len(headers))

	for _, h := range headers {
		var value string

		switch h {
		case "(request-target)":
			value = strings.ToLower(req.Method) + " " + req.URL.RequestURI()
		case "(created)":
			if created == 0 {
				return "", fmt.Errorf("%w: (created) is covered but not set", ErrMalformed)
			}

			value = strconv.FormatInt(created, 10)
		case "(expires)":
			if expires == 0 {
				return "", fmt.Errorf("%w: (expires) is covered but not set", ErrMalformed)
			}

			value = strconv.FormatInt(expires, 10)
		case "host":
			value = req.host()
		default:
			values := req.Header.Values(h)
			if len(values) == 0 {
				return "", fmt.Errorf("%w: covered header %s is missing", ErrMismatch, h)
			}

			for i := range values {
				values[i] = strings.TrimSpace(values[i])
			}

			value = strings.Join(values, ", ")
		}

		lines = append(lines, h+": "+value)
	}

	return strings.Join(lines, "\n"), nil
}

func cavageAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "rsa-sha256":
		return AlgorithmRSASHA256, nil
	case "ed25519":
		return AlgorithmEd25519, nil
	case "hs2019", "":
		// derived from the key
		return "", nil
	default:
		return "", fmt.Errorf("%w: unsupported algorithm %q", ErrMismatch, name)
	}
}

// SignCavage signs req in place with a draft-cavage Signature header covering
// (request-target), host, date and, for requests with a body, digest.
func SignCavage(req *Request, kp KeyPair, now time.Time) error {
	alg, err := kp.Algorithm()
	if err != nil {
		return err
	}

	algorithm := "rsa-sha256"
	if alg == AlgorithmEd25519 {
		algorithm = "hs2019"
	}

	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("Date", now.UTC().Format(http.TimeFormat))

	headers := []string{"(request-target)", "host", "date"}

	if len(req.Body) > 0 || req.Method == http.MethodPost {
		req.Header.Set("Digest", Digest(req.Body))

		headers = append(headers, "digest")
	}

	base, err := cavageSigningString(req, headers, 0, 0)
	if err != nil {
		return err
	}

	sig, err := SignBytes(kp.PrivateKey, []byte(base))
	if err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	req.Header.Del("Signature-Input")
	req.Header.Set("Signature", fmt.Sprintf(`keyId="%s",algorithm="%s",headers="%s",signature="%s"`,
		kp.KeyID, algorithm, strings.Join(headers, " "), base64.StdEncoding.EncodeToString(sig)))

	return nil
}
