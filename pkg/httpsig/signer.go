/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package httpsig

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrNoKeyPair is returned when no key pair can sign for the requested scheme.
var ErrNoKeyPair = errors.New("no usable key pair")

// Sign signs req in place with scheme, using the key pair selected from keyPairs.
func Sign(req *Request, keyPairs []KeyPair, scheme Scheme, now time.Time) error {
	kp, err := SelectKeyPair(keyPairs)
	if err != nil {
		return err
	}

	switch scheme {
	case SchemeRFC9421:
		return SignRFC9421(req, kp, now)
	case SchemeCavage:
		return SignCavage(req, kp, now)
	default:
		return fmt.Errorf("unknown signature scheme %q", scheme)
	}
}

// SignHTTPRequest signs an outgoing request without a body, such as an authorized fetch.
func SignHTTPRequest(r *http.Request, keyPairs []KeyPair, scheme Scheme, now time.Time) error {
	req, err := NewRequest(r.Method, r.URL.String(), r.Header, nil)
	if err != nil {
		return err
	}

	if err = Sign(req, keyPairs, scheme, now); err != nil {
		return err
	}

	r.Header = req.Header

	return nil
}

// SelectKeyPair returns the first RSA key pair, since most peers only verify
// rsa-sha256 HTTP signatures, and otherwise the first supported key pair.
func SelectKeyPair(keyPairs []KeyPair) (KeyPair, error) {
	var fallback *KeyPair

	for i := range keyPairs {
		if keyPairs[i].PrivateKey == nil {
			continue
		}

		alg, err := keyPairs[i].Algorithm()
		if err != nil {
			continue
		}

		if alg == AlgorithmRSASHA256 {
			return keyPairs[i], nil
		}

		if fallback == nil {
			fallback = &keyPairs[i]
		}
	}

	if fallback == nil {
		return KeyPair{}, ErrNoKeyPair
	}

	return *fallback, nil
}
