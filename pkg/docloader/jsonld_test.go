/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package docloader

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/piprate/json-gold/ld"
	"github.com/stretchr/testify/require"

	"github.com/trustbloc/apfed/pkg/activity"
)

func TestJSONLDLoader_Preloaded(t *testing.T) {
	l := NewJSONLDLoader(nil)

	for _, u := range []string{SecurityContextV1, IdentityContextV1, DataIntegrityContextV1, MultikeyContextV1,
		activity.ActivityStreamsContext} {
		doc, err := l.LoadDocument(u)
		require.NoError(t, err, u)
		require.Contains(t, doc.Document, "@context")
	}

	_, err := l.LoadDocument("https://a.example/unknown")
	require.Error(t, err)
}

func TestJSONLDLoader_Remote(t *testing.T) {
	var calls int32

	l := NewJSONLDLoader(LoaderFunc(func(_ context.Context, u string) (*RemoteDocument, error) {
		atomic.AddInt32(&calls, 1)

		if u == "https://a.example/missing" {
			return nil, ErrNotFound
		}

		return &RemoteDocument{DocumentURL: u, Document: activity.Document{"@context": map[string]interface{}{}}}, nil
	}), WithContext("https://a.example/inline", []byte(`{"@context":{"x":"https://a.example/x"}}`)),
		WithContext("https://a.example/invalid", []byte(`{`)))

	doc, err := l.LoadDocument("https://a.example/ctx")
	require.NoError(t, err)
	require.Equal(t, "https://a.example/ctx", doc.DocumentURL)

	_, err = l.LoadDocument("https://a.example/ctx")
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))

	_, err = l.LoadDocument("https://a.example/inline")
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))

	_, err = l.LoadDocument("https://a.example/missing")
	require.Error(t, err)

	var ldErr *ld.JsonLdError
	require.True(t, errors.As(err, &ldErr))
	require.Equal(t, ld.LoadingDocumentFailed, ldErr.Code)
}
