/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package httpsig

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strings"

	"github.com/dunglas/httpsfv"
)

// ErrDigestMismatch is returned when a body digest header does not match the body.
var ErrDigestMismatch = errors.New("digest does not match body")

// Digest returns a legacy Digest header value (RFC 3230) for body.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)

	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// VerifyDigest checks a legacy Digest header. At least one supported algorithm must be
// present, and every supported one must match.
func VerifyDigest(header string, body []byte) error {
	checked := 0

	for _, part := range strings.Split(header, ",") {
		alg, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return fmt.Errorf("%w: invalid digest %q", ErrMalformed, part)
		}

		h := newHash(alg)
		if h == nil {
			continue
		}

		expected, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return fmt.Errorf("%w: invalid digest encoding: %s", ErrMalformed, err)
		}

		h.Write(body) //nolint:errcheck

		if !bytes.Equal(h.Sum(nil), expected) {
			return ErrDigestMismatch
		}

		checked++
	}

	if checked == 0 {
		return fmt.Errorf("%w: no supported digest algorithm in %q", ErrMalformed, header)
	}

	return nil
}

// ContentDigest returns a Content-Digest header value (RFC 9530) for body.
func ContentDigest(body []byte) string {
	sum := sha256.Sum256(body)

	dict := httpsfv.NewDictionary()
	dict.Add("sha-256", httpsfv.NewItem(sum[:]))

	value, err := httpsfv.Marshal(dict)
	if err != nil {
		// byte sequences always serialize
		panic(err)
	}

	return value
}

// VerifyContentDigest checks a Content-Digest header the same way VerifyDigest does.
func VerifyContentDigest(header []string, body []byte) error {
	dict, err := httpsfv.UnmarshalDictionary(header)
	if err != nil {
		return fmt.Errorf("%w: invalid Content-Digest: %s", ErrMalformed, err)
	}

	checked := 0

	for _, name := range dict.Names() {
		h := newHash(name)
		if h == nil {
			continue
		}

		member, _ := dict.Get(name)

		item, ok := member.(httpsfv.Item)
		if !ok {
			return fmt.Errorf("%w: Content-Digest %s is not an item", ErrMalformed, name)
		}

		expected, ok := item.Value.([]byte)
		if !ok {
			return fmt.Errorf("%w: Content-Digest %s is not a byte sequence", ErrMalformed, name)
		}

		h.Write(body) //nolint:errcheck

		if !bytes.Equal(h.Sum(nil), expected) {
			return ErrDigestMismatch
		}

		checked++
	}

	if checked == 0 {
		return fmt.Errorf("%w: no supported Content-Digest algorithm", ErrMalformed)
	}

	return nil
}

func newHash(alg string) hash.Hash {
	switch strings.ToLower(alg) {
	case "sha-256":
		return sha256.New()
	case "sha-512":
		return sha512.New()
	default:
		return nil
	}
}
