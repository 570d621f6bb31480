/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package httpsig_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trustbloc/apfed/pkg/httpsig"
)

func TestDigest(t *testing.T) {
	body := []byte(`{"type":"Create"}`)

	require.NoError(t, httpsig.VerifyDigest(httpsig.Digest(body), body))
	require.True(t, errors.Is(httpsig.VerifyDigest(httpsig.Digest(body), []byte("x")), httpsig.ErrDigestMismatch))
	require.True(t, errors.Is(httpsig.VerifyDigest("MD5=abc", body), httpsig.ErrMalformed))
	require.True(t, errors.Is(httpsig.VerifyDigest("SHA-256", body), httpsig.ErrMalformed))
}

func TestContentDigest(t *testing.T) {
	body := []byte(`{"type":"Create"}`)

	header := httpsig.ContentDigest(body)
	require.Regexp(t, `^sha-256=:[A-Za-z0-9+/=]+:$`, header)

	require.NoError(t, httpsig.VerifyContentDigest([]string{header}, body))
	require.True(t, errors.Is(httpsig.VerifyContentDigest([]string{header}, []byte("x")), httpsig.ErrDigestMismatch))
	require.True(t, errors.Is(httpsig.VerifyContentDigest([]string{"md5=:AAAA:"}, body), httpsig.ErrMalformed))
	require.True(t, errors.Is(httpsig.VerifyContentDigest([]string{"sha-256=\"x\""}, body), httpsig.ErrMalformed))
}
