/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package docloader

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/piprate/json-gold/ld"

	"github.com/trustbloc/apfed/pkg/activity"
)

//go:embed contexts/*.jsonld
var embeddedContexts embed.FS

// Well-known JSON-LD context URLs served from memory.
const (
	SecurityContextV1      = "https://w3id.org/security/v1"
	IdentityContextV1      = "https://w3id.org/identity/v1"
	DataIntegrityContextV1 = "https://w3id.org/security/data-integrity/v1"
	MultikeyContextV1      = "https://w3id.org/security/multikey/v1"
)

//nolint:gochecknoglobals
var preloadedFiles = map[string]string{
	SecurityContextV1:      "contexts/security-v1.jsonld",
	IdentityContextV1:      "contexts/identity-v1.jsonld",
	DataIntegrityContextV1: "contexts/data-integrity-v1.jsonld",
	MultikeyContextV1:      "contexts/multikey-v1.jsonld",

	activity.ActivityStreamsContext: "contexts/activitystreams.jsonld",
}

const contextLoadTimeout = 10 * time.Second

// JSONLDLoader is an ld.DocumentLoader for json-gold. Well-known security contexts are served
// from memory; anything else goes through the wrapped Loader and is cached.
type JSONLDLoader struct {
	loader Loader
	mutex  sync.RWMutex
	cache  map[string]interface{}
}

// JSONLDOption configures a JSONLDLoader.
type JSONLDOption func(l *JSONLDLoader)

// WithContext preloads a context document under url.
func WithContext(url string, document []byte) JSONLDOption {
	return func(l *JSONLDLoader) {
		var doc interface{}

		if err := json.Unmarshal(document, &doc); err != nil {
			logger.Errorf("ignoring invalid preloaded context %s: %s", url, err)

			return
		}

		l.cache[url] = doc
	}
}

// NewJSONLDLoader returns a JSONLDLoader backed by loader, which may be nil to serve only
// preloaded contexts.
func NewJSONLDLoader(loader Loader, opts ...JSONLDOption) *JSONLDLoader {
	l := &JSONLDLoader{loader: loader, cache: make(map[string]interface{})}

	for url, file := range preloadedFiles {
		raw, err := embeddedContexts.ReadFile(file)
		if err != nil {
			panic(err)
		}

		WithContext(url, raw)(l)
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// LoadDocument implements ld.DocumentLoader.
func (l *JSONLDLoader) LoadDocument(u string) (*ld.RemoteDocument, error) {
	l.mutex.RLock()
	doc, ok := l.cache[u]
	l.mutex.RUnlock()

	if ok {
		return &ld.RemoteDocument{DocumentURL: u, Document: doc}, nil
	}

	if l.loader == nil {
		return nil, ld.NewJsonLdError(ld.LoadingDocumentFailed, fmt.Sprintf("context %s is not preloaded", u))
	}

	ctx, cancel := context.WithTimeout(context.Background(), contextLoadTimeout)
	defer cancel()

	remote, err := l.loader.Load(ctx, u)
	if err != nil {
		return nil, ld.NewJsonLdError(ld.LoadingDocumentFailed, err)
	}

	var generic interface{} = map[string]interface{}(remote.Document)

	l.mutex.Lock()
	l.cache[u] = generic
	l.mutex.Unlock()

	return &ld.RemoteDocument{DocumentURL: remote.DocumentURL, ContextURL: remote.ContextURL, Document: generic}, nil
}
