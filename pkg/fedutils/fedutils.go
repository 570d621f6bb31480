/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package fedutils

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/btcsuite/btcutil/base58"
)

var errNotAbsoluteURL = errors.New("not an absolute URL")

type generateRandomBytesFunc func([]byte) (int, error)

// GenerateTaskID generates an opaque task identifier using a cryptographically secure random number generator.
func GenerateTaskID() (string, error) {
	return generateTaskID(rand.Read)
}

func generateTaskID(generateRandomBytes generateRandomBytesFunc) (string, error) {
	randomBytes := make([]byte, 16)

	_, err := generateRandomBytes(randomBytes)
	if err != nil {
		return "", err
	}

	return base58.Encode(randomBytes), nil
}

// CheckIfURI checks if the given string is an absolute URI.
func CheckIfURI(str string) error {
	u, err := url.Parse(str)
	if err != nil {
		return err
	}

	if u.Scheme == "" {
		return fmt.Errorf("%s: %w", str, errNotAbsoluteURL)
	}

	return nil
}

// Origin returns the origin (scheme, host and port) of the given absolute URL in serialized form.
// Default ports are elided so that https://a.example and https://a.example:443 share an origin.
func Origin(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%s: %w", rawURL, errNotAbsoluteURL)
	}

	return OriginOf(u), nil
}

// OriginOf returns the serialized origin of u.
func OriginOf(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()

	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}

	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}

	if port == "" {
		return scheme + "://" + host
	}

	return scheme + "://" + host + ":" + port
}

// SameOrigin reports whether both URLs are absolute and share scheme, host and port.
func SameOrigin(a, b string) bool {
	originA, err := Origin(a)
	if err != nil {
		return false
	}

	originB, err := Origin(b)
	if err != nil {
		return false
	}

	return originA == originB
}

// StripFragment returns rawURL without its fragment, along with the fragment itself.
func StripFragment(rawURL string) (string, string) {
	i := strings.IndexByte(rawURL, '#')
	if i < 0 {
		return rawURL, ""
	}

	return rawURL[:i], rawURL[i+1:]
}
