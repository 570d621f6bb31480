/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package router maps request paths to named routes described by URI templates,
// and builds URIs back from those routes.
package router

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/trustbloc/edge-core/pkg/log"
)

var logger = log.New("apfed-router")

var (
	// ErrAmbiguousRoute is returned when a new route could match a path some existing route matches.
	ErrAmbiguousRoute = errors.New("route is ambiguous with an existing route")
	// ErrDuplicateRoute is returned when a route name is registered twice.
	ErrDuplicateRoute = errors.New("route name is already registered")
	// ErrRouteNotFound is returned by Build for an unknown route name.
	ErrRouteNotFound = errors.New("route not found")
)

// Match is the result of a successful path lookup.
type Match struct {
	Name     string
	Template string
	Values   map[string]string
}

type route struct {
	name     string
	template *Template
}

// Router holds named URI-template routes. Registration is expected during setup; lookups are safe
// for concurrent use.
type Router struct {
	mutex               sync.RWMutex
	routes              []*route
	byName              map[string]*route
	trailingSlashInsens bool
}

// Option configures a Router.
type Option func(r *Router)

// WithTrailingSlashInsensitivity makes "/a" and "/a/" match the same routes.
func WithTrailingSlashInsensitivity() Option {
	return func(r *Router) {
		r.trailingSlashInsens = true
	}
}

// New returns an empty Router.
func New(opts ...Option) *Router {
	r := &Router{byName: make(map[string]*route)}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Register registers a named route. It fails if the template is invalid, if the name is taken,
// or if any path could match both the new route and an existing one.
func (r *Router) Register(name, template string) error {
	t, err := ParseTemplate(template)
	if err != nil {
		return err
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRoute, name)
	}

	for _, existing := range r.routes {
		if overlaps(existing.template, t) || r.overlapsModuloSlash(existing.template, t) {
			return fmt.Errorf("%w: %s (%s) and %s (%s)", ErrAmbiguousRoute,
				name, template, existing.name, existing.template.String())
		}
	}

	rt := &route{name: name, template: t}
	r.routes = append(r.routes, rt)
	r.byName[name] = rt

	logger.Debugf("registered route %s: %s", name, template)

	return nil
}

func (r *Router) overlapsModuloSlash(a, b *Template) bool {
	if !r.trailingSlashInsens {
		return false
	}

	for _, variant := range []string{withSlash(a.raw), withoutSlash(a.raw)} {
		if variant == a.raw {
			continue
		}

		t, err := ParseTemplate(variant)
		if err == nil && overlaps(t, b) {
			return true
		}
	}

	return false
}

// Match matches an escaped request path against the registered routes. The query string,
// if any, must already be stripped.
func (r *Router) Match(path string) (*Match, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	candidates := []string{path}

	if r.trailingSlashInsens && path != "/" {
		if strings.HasSuffix(path, "/") {
			candidates = append(candidates, withoutSlash(path))
		} else {
			candidates = append(candidates, withSlash(path))
		}
	}

	for _, candidate := range candidates {
		for _, rt := range r.routes {
			if values, ok := rt.template.match(candidate); ok {
				return &Match{Name: rt.name, Template: rt.template.String(), Values: values}, true
			}
		}
	}

	return nil, false
}

// MatchRequest matches the request's escaped path.
func (r *Router) MatchRequest(req *http.Request) (*Match, bool) {
	return r.Match(req.URL.EscapedPath())
}

// Build expands the named route with the given values.
func (r *Router) Build(name string, values map[string]string) (string, error) {
	r.mutex.RLock()
	rt, ok := r.byName[name]
	r.mutex.RUnlock()

	if !ok {
		return "", fmt.Errorf("%w: %s", ErrRouteNotFound, name)
	}

	return rt.template.expand(values)
}

// Has reports whether a route with the given name exists.
func (r *Router) Has(name string) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	_, ok := r.byName[name]

	return ok
}

// Template returns the template text of the named route.
func (r *Router) Template(name string) (string, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	rt, ok := r.byName[name]
	if !ok {
		return "", false
	}

	return rt.template.String(), true
}

func withSlash(s string) string {
	if strings.HasSuffix(s, "/") {
		return s
	}

	return s + "/"
}

func withoutSlash(s string) string {
	if len(s) > 1 {
		return strings.TrimSuffix(s, "/")
	}

	return s
}
