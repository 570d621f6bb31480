/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package trust

import (
	"context"
	"errors"

	"golang.org/x/sync/singleflight"

	"github.com/trustbloc/apfed/pkg/activity"
	"github.com/trustbloc/apfed/pkg/docloader"
)

const defaultMaxDepth = 4

// hydratedProperties are the properties whose values Hydrate resolves.
//
//nolint:gochecknoglobals
var hydratedProperties = []string{"actor", "attributedTo", "object", "target", "origin", "instrument", "result"}

// Resolver fetches remote objects and applies the cross-origin gate to them and to every
// object embedded in them.
type Resolver struct {
	loader   docloader.Loader
	policy   Policy
	maxDepth int
	group    singleflight.Group
}

// Option configures a Resolver.
type Option func(r *Resolver)

// WithPolicy sets the cross-origin policy. Defaults to PolicyIgnore.
func WithPolicy(policy Policy) Option {
	return func(r *Resolver) {
		r.policy = policy
	}
}

// WithMaxDepth bounds how deep Hydrate follows nested objects.
func WithMaxDepth(depth int) Option {
	return func(r *Resolver) {
		r.maxDepth = depth
	}
}

// NewResolver returns a Resolver fetching through loader.
func NewResolver(loader docloader.Loader, opts ...Option) *Resolver {
	r := &Resolver{loader: loader, policy: PolicyIgnore, maxDepth: defaultMaxDepth}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Policy returns the resolver's cross-origin policy.
func (r *Resolver) Policy() Policy {
	return r.policy
}

// Lookup fetches the object at id. It returns nil without an error when the object can't be
// fetched or declares an id it is not trusted to declare, and a *CrossOriginError for the
// latter under PolicyThrow.
func (r *Resolver) Lookup(ctx context.Context, id string) (activity.Document, error) {
	remote, err := r.lookup(ctx, id)
	if err != nil || remote == nil {
		return nil, err
	}

	return remote.Document.Clone(), nil
}

func (r *Resolver) lookup(ctx context.Context, id string) (*docloader.RemoteDocument, error) {
	v, err, _ := r.group.Do(id, func() (interface{}, error) {
		return r.loader.Load(ctx, id)
	})
	if err != nil {
		if errors.Is(err, docloader.ErrNotFound) {
			return nil, nil
		}

		return nil, err
	}

	remote := v.(*docloader.RemoteDocument) //nolint:forcetypeassert

	trusted, err := Check(remote.Document.ID(), remote.DocumentURL, r.policy)
	if err != nil || !trusted {
		return nil, err
	}

	return remote, nil
}

// Hydrate returns a copy of doc, fetched from documentURL, in which references in the actor,
// attributedTo, object, target, origin, instrument and result properties are replaced by the
// objects they name. Embedded objects are kept only if the gate trusts them against the
// document they came from; otherwise they are fetched again from their own id, and dropped
// if that fails. Each object is visited once and nesting is bounded.
func (r *Resolver) Hydrate(ctx context.Context, doc activity.Document, documentURL string) (activity.Document, error) {
	h := &hydration{resolver: r, visited: map[string]bool{}}

	if id := doc.ID(); id != "" {
		h.visited[id] = true
	}

	out := doc.Clone()

	if err := h.document(ctx, out, documentURL, 0); err != nil {
		return nil, err
	}

	return out, nil
}

type hydration struct {
	resolver *Resolver
	visited  map[string]bool
}

func (h *hydration) document(ctx context.Context, doc activity.Document, documentURL string, depth int) error {
	for _, prop := range hydratedProperties {
		value, ok := doc[prop]
		if !ok {
			continue
		}

		list, isList := value.([]interface{})
		if !isList {
			resolved, err := h.value(ctx, value, documentURL, depth)
			if err != nil {
				return err
			}

			if resolved == nil {
				delete(doc, prop)
			} else {
				doc[prop] = resolved
			}

			continue
		}

		kept := make([]interface{}, 0, len(list))

		for _, item := range list {
			resolved, err := h.value(ctx, item, documentURL, depth)
			if err != nil {
				return err
			}

			if resolved != nil {
				kept = append(kept, resolved)
			}
		}

		if len(kept) == 0 {
			delete(doc, prop)
		} else {
			doc[prop] = kept
		}
	}

	return nil
}

func (h *hydration) value(ctx context.Context, value interface{}, documentURL string, depth int) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return h.reference(ctx, v, depth)
	case map[string]interface{}:
		return h.embedded(ctx, activity.Document(v), documentURL, depth)
	default:
		return value, nil
	}
}

// reference resolves an id. Unresolvable references stay as bare ids.
func (h *hydration) reference(ctx context.Context, id string, depth int) (interface{}, error) {
	if depth >= h.resolver.maxDepth || h.visited[id] {
		return id, nil
	}

	h.visited[id] = true

	remote, err := h.resolver.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	if remote == nil {
		return id, nil
	}

	doc := remote.Document.Clone()

	if err = h.document(ctx, doc, remote.DocumentURL, depth+1); err != nil {
		return nil, err
	}

	return map[string]interface{}(doc), nil
}

func (h *hydration) embedded(ctx context.Context, doc activity.Document, documentURL string,
	depth int) (interface{}, error) {
	id := doc.ID()

	trusted, err := Check(id, documentURL, h.resolver.policy)
	if err != nil {
		return nil, err
	}

	if !trusted {
		resolved, errRef := h.reference(ctx, id, depth)
		if errRef != nil {
			return nil, errRef
		}

		if _, fetched := resolved.(map[string]interface{}); !fetched {
			return nil, nil
		}

		return resolved, nil
	}

	if id != "" {
		h.visited[id] = true
	}

	if depth < h.resolver.maxDepth {
		if err = h.document(ctx, doc, documentURL, depth+1); err != nil {
			return nil, err
		}
	}

	return map[string]interface{}(doc), nil
}
