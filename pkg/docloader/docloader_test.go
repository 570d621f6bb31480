/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package docloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClient_ValidateURL(t *testing.T) {
	c := New()

	for _, tc := range []struct {
		url     string
		allowed bool
	}{
		{"https://a.example/users/alice", true},
		{"http://a.example:8080/x", true},
		{"https://93.184.216.34/x", true},
		{"ftp://a.example/x", false},
		{"file:///etc/passwd", false},
		{"https:///x", false},
		{"http://localhost/x", false},
		{"http://api.localhost/x", false},
		{"http://127.0.0.1/x", false},
		{"http://10.0.0.8/x", false},
		{"http://192.168.1.1/x", false},
		{"http://169.254.169.254/latest/meta-data", false},
		{"http://[::1]/x", false},
		{"http://0.0.0.0/x", false},
	} {
		u, err := url.Parse(tc.url)
		require.NoError(t, err)

		err = c.ValidateURL(u)
		if tc.allowed {
			require.NoError(t, err, tc.url)
		} else {
			require.True(t, errors.Is(err, ErrForbiddenURL), tc.url)
		}
	}

	u, err := url.Parse("http://127.0.0.1/x")
	require.NoError(t, err)
	require.NoError(t, New(WithAllowPrivateAddress(true)).ValidateURL(u))
}

func TestClient_Load(t *testing.T) {
	var requests int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)

		require.Contains(t, r.Header.Get("Accept"), "application/activity+json")
		require.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		require.Equal(t, "signed", r.Header.Get("Signature"))

		switch r.URL.Path {
		case "/moved":
			http.Redirect(w, r, "/users/alice", http.StatusFound)
		case "/users/alice":
			w.Header().Set("Content-Type", "application/activity+json")
			w.Header().Add("Link", `<https://a.example/ctx>; rel="http://www.w3.org/ns/json-ld#context"`)
			fmt.Fprint(w, `{"id":"https://a.example/users/alice","type":"Person"}`)
		case "/array":
			fmt.Fprint(w, `[1,2]`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(WithAllowPrivateAddress(true), WithUserAgent("test-agent"), WithRetries(0),
		WithRequestSigner(func(req *http.Request) error {
			req.Header.Set("Signature", "signed")

			return nil
		}))

	t.Run("success after redirect", func(t *testing.T) {
		doc, err := c.Load(context.Background(), srv.URL+"/moved#main-key")
		require.NoError(t, err)
		require.Equal(t, srv.URL+"/users/alice", doc.DocumentURL)
		require.Equal(t, "https://a.example/ctx", doc.ContextURL)
		require.Equal(t, "https://a.example/users/alice", doc.Document.ID())
		require.NotEmpty(t, doc.Raw)
	})
	t.Run("not found", func(t *testing.T) {
		_, err := c.Load(context.Background(), srv.URL+"/nope")
		require.True(t, errors.Is(err, ErrNotFound))
	})
	t.Run("not an object", func(t *testing.T) {
		_, err := c.Load(context.Background(), srv.URL+"/array")
		require.True(t, errors.Is(err, ErrNotFound))
	})
	t.Run("private address refused by default", func(t *testing.T) {
		before := atomic.LoadInt32(&requests)

		_, err := New().Load(context.Background(), srv.URL+"/users/alice")
		require.True(t, errors.Is(err, ErrForbiddenURL))
		require.Equal(t, before, atomic.LoadInt32(&requests))
	})
	t.Run("unparseable url", func(t *testing.T) {
		_, err := c.Load(context.Background(), "http://a b/%zz")
		require.True(t, errors.Is(err, ErrForbiddenURL))
	})
}

func TestClient_LoadSignerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request must not be sent")
	}))
	defer srv.Close()

	c := New(WithAllowPrivateAddress(true), WithRequestSigner(func(*http.Request) error {
		return errors.New("no key")
	}))

	_, err := c.Load(context.Background(), srv.URL)
	require.True(t, errors.Is(err, ErrNotFound))
	require.Contains(t, err.Error(), "no key")
}

func TestClient_LoadRetriesTransientFailures(t *testing.T) {
	var requests int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)

			return
		}

		fmt.Fprint(w, `{"id":"x"}`)
	}))
	defer srv.Close()

	doc, err := New(WithAllowPrivateAddress(true), WithRetries(3)).Load(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, "x", doc.Document.ID())
	require.Equal(t, int32(3), atomic.LoadInt32(&requests))
}

func TestClient_LoadCancelled(t *testing.T) {
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := New(WithAllowPrivateAddress(true)).Load(ctx, srv.URL)
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestLoaderFunc(t *testing.T) {
	l := LoaderFunc(func(_ context.Context, u string) (*RemoteDocument, error) {
		return &RemoteDocument{DocumentURL: u}, nil
	})

	doc, err := l.Load(context.Background(), "https://a.example")
	require.NoError(t, err)
	require.Equal(t, "https://a.example", doc.DocumentURL)
}
