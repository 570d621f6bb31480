/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package operation

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/gorilla/mux"
	"github.com/trustbloc/edge-core/pkg/log"

	"github.com/trustbloc/apfed/pkg/activity"
	"github.com/trustbloc/apfed/pkg/httpsig"
	"github.com/trustbloc/apfed/pkg/inbox"
	"github.com/trustbloc/apfed/pkg/internal/common/support"
	"github.com/trustbloc/apfed/pkg/restapi/messages"
	"github.com/trustbloc/apfed/pkg/router"
	"github.com/trustbloc/apfed/pkg/verifier"
)

const (
	logModuleName = "apfed-restapi"

	// ActorRoute is the route name of actor documents.
	ActorRoute = "actor"
	// InboxRoute is the route name of personal inboxes.
	InboxRoute = "inbox"
	// SharedInboxRoute is the route name of the shared inbox.
	SharedInboxRoute = "sharedInbox"

	// IdentifierPathVariable names the actor in actor and inbox templates.
	IdentifierPathVariable = "identifier"

	// DefaultActorPath is the default actor route template.
	DefaultActorPath = "/users/{" + IdentifierPathVariable + "}"
	// DefaultInboxPath is the default personal inbox route template.
	DefaultInboxPath = DefaultActorPath + "/inbox"
	// DefaultSharedInboxPath is the default shared inbox route template.
	DefaultSharedInboxPath = "/inbox"

	// DefaultMaxBodySize is the inbox request body limit used when Config.MaxBodySize is unset.
	DefaultMaxBodySize = 1 << 20
)

var logger = log.New(logModuleName)

// Handler represents an HTTP handler for each controller API endpoint.
type Handler interface {
	Path() string
	Method() string
	Handle() http.HandlerFunc
}

// Authenticator establishes who sent a request.
type Authenticator interface {
	Authenticate(ctx context.Context, req *httpsig.Request) (*activity.Activity, *verifier.Result)
}

// InboxSink receives authenticated activities, processing or queueing them.
type InboxSink interface {
	Accept(ctx context.Context, ic *inbox.Context, act *activity.Activity) error
}

// ActorDispatcher returns the actor with the given identifier, or nil if there is none.
type ActorDispatcher func(ctx context.Context, identifier string) (activity.Document, error)

// ObjectDispatcher returns the object addressed by the route values, or nil if there is none.
type ObjectDispatcher func(ctx context.Context, values map[string]string) (activity.Document, error)

// ObjectRoute serves objects under a route template.
type ObjectRoute struct {
	Name     string
	Path     string
	Dispatch ObjectDispatcher
}

// Config defines configuration for federation operations.
type Config struct {
	// Router must already hold the actor, inbox and shared inbox routes and every object route.
	Router        *router.Router
	Authenticator Authenticator
	Inbox         InboxSink
	Actor         ActorDispatcher
	Objects       []ObjectRoute
	// MaxBodySize limits inbox request bodies, in bytes. Defaults to DefaultMaxBodySize.
	MaxBodySize int64
}

type matchKey struct{}

// Operation defines handler logic for the federation endpoints.
type Operation struct {
	router        *router.Router
	authenticator Authenticator
	inbox         InboxSink
	actor         ActorDispatcher
	objects       map[string]ObjectDispatcher
	handlers      []Handler
	byRoute       map[string]map[string]http.HandlerFunc
	maxBodySize   int64
}

// New returns a new federation operations instance.
func New(config *Config) (*Operation, error) {
	o := &Operation{
		router:        config.Router,
		authenticator: config.Authenticator,
		inbox:         config.Inbox,
		actor:         config.Actor,
		objects:       map[string]ObjectDispatcher{},
		byRoute:       map[string]map[string]http.HandlerFunc{},
		maxBodySize:   config.MaxBodySize,
	}

	if o.maxBodySize <= 0 {
		o.maxBodySize = DefaultMaxBodySize
	}

	for _, name := range []string{InboxRoute, SharedInboxRoute} {
		if !o.router.Has(name) {
			return nil, errors.New("route " + name + " is not registered")
		}
	}

	o.registerHandler(InboxRoute, http.MethodPost, o.inboxHandler)
	o.registerHandler(SharedInboxRoute, http.MethodPost, o.sharedInboxHandler)

	if o.actor != nil && o.router.Has(ActorRoute) {
		o.registerHandler(ActorRoute, http.MethodGet, o.actorHandler)
	}

	for _, route := range config.Objects {
		if !o.router.Has(route.Name) {
			return nil, errors.New("route " + route.Name + " is not registered")
		}

		o.objects[route.Name] = route.Dispatch
		o.registerHandler(route.Name, http.MethodGet, o.objectHandler)
	}

	return o, nil
}

func (o *Operation) registerHandler(name, method string, handle http.HandlerFunc) {
	template, _ := o.router.Template(name)

	o.handlers = append(o.handlers, support.NewHTTPHandler(template, method, handle))

	if o.byRoute[name] == nil {
		o.byRoute[name] = map[string]http.HandlerFunc{}
	}

	o.byRoute[name][method] = handle
}

// GetRESTHandlers gets all controller API handler available for this service.
func (o *Operation) GetRESTHandlers() []Handler {
	return o.handlers
}

// Matches reports whether the request path belongs to a federation route. It can be used as a
// mux.MatcherFunc.
func (o *Operation) Matches(req *http.Request, _ *mux.RouteMatch) bool {
	m, ok := o.router.MatchRequest(req)

	return ok && o.byRoute[m.Name] != nil
}

// ServeHTTP routes the request to the handler registered for its route and method.
func (o *Operation) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	m, ok := o.router.MatchRequest(req)
	if !ok || o.byRoute[m.Name] == nil {
		writeNotFound(rw, req.URL.Path)

		return
	}

	methods := o.byRoute[m.Name]

	method := req.Method
	if method == http.MethodHead {
		method = http.MethodGet
	}

	handle, ok := methods[method]
	if !ok {
		writeMethodNotAllowed(rw, req.Method, allowed(methods))

		return
	}

	handle(rw, req.WithContext(context.WithValue(req.Context(), matchKey{}, m)))
}

// Create Activity swagger:route POST /users/{identifier}/inbox inboxReq
//
// Receives an activity for one actor.
//
// Responses:
//    default: genericError
//        202: emptyRes
func (o *Operation) inboxHandler(rw http.ResponseWriter, req *http.Request) {
	identifier := routeValues(req)[IdentifierPathVariable]

	if o.actor != nil {
		actor, err := o.actor(req.Context(), identifier)
		if err != nil {
			writeActorDispatchFailure(rw, identifier, err)

			return
		}

		if actor == nil {
			writeErrorWithStatus(rw, http.StatusNotFound, messages.ErrActorNotFound)

			return
		}
	}

	o.receive(rw, req, identifier)
}

// Create Activity swagger:route POST /inbox sharedInboxReq
//
// Receives an activity for any number of actors on this server.
//
// Responses:
//    default: genericError
//        202: emptyRes
func (o *Operation) sharedInboxHandler(rw http.ResponseWriter, req *http.Request) {
	o.receive(rw, req, "")
}

func (o *Operation) receive(rw http.ResponseWriter, req *http.Request, recipient string) {
	path := req.URL.Path

	logger.Debugf(messages.InboxReceiveRequest, path)

	if req.Body != nil {
		req.Body = http.MaxBytesReader(rw, req.Body, o.maxBodySize)
	}

	snapshot, err := httpsig.Snapshot(req)
	if err != nil {
		writeInboxRequestReadFailure(rw, path, err)

		return
	}

	act, result := o.authenticator.Authenticate(req.Context(), snapshot)

	switch {
	case result.Status == verifier.Malformed && act == nil:
		writeInvalidActivity(rw, path, errors.New(result.Reason), snapshot.Body)

		return
	case result.Status == verifier.Malformed:
		writeMalformedSignature(rw, path, result.Reason)

		return
	case !result.OK():
		writeUnverifiedSignature(rw, path, result.Reason)

		return
	}

	if act.ID() == "" {
		writeInvalidActivity(rw, path, messages.ErrMissingActivityID, snapshot.Body)

		return
	}

	if act.Type() == "" {
		writeInvalidActivity(rw, path, messages.ErrMissingActivityType, snapshot.Body)

		return
	}

	if err = verifier.CheckOwnership(result, act); err != nil {
		writeActorMismatch(rw, act.ID(), path, result.KeyID, act.Actor())

		return
	}

	ic := &inbox.Context{Recipient: recipient, Sender: result.ActorID, SenderKeyID: result.KeyID}
	if ic.Sender == "" {
		ic.Sender = act.Actor()
	}

	if err = o.inbox.Accept(req.Context(), ic, act); err != nil {
		writeInboxDispatchFailure(rw, act.ID(), path, err)

		return
	}

	writeInboxAccepted(rw, act.ID(), path)
}

// Get Actor swagger:route GET /users/{identifier} actorReq
//
// Returns an actor document.
//
// Responses:
//    default: genericError
//        200: documentRes
func (o *Operation) actorHandler(rw http.ResponseWriter, req *http.Request) {
	identifier := routeValues(req)[IdentifierPathVariable]

	actor, err := o.actor(req.Context(), identifier)
	if err != nil {
		writeActorDispatchFailure(rw, identifier, err)

		return
	}

	if actor == nil {
		writeErrorWithStatus(rw, http.StatusNotFound, messages.ErrActorNotFound)

		return
	}

	writeDocument(rw, ActorRoute, actor)
}

func (o *Operation) objectHandler(rw http.ResponseWriter, req *http.Request) {
	m := routeMatch(req)

	object, err := o.objects[m.Name](req.Context(), m.Values)
	if err != nil {
		writeObjectDispatchFailure(rw, m.Name, err)

		return
	}

	if object == nil {
		writeErrorWithStatus(rw, http.StatusNotFound, messages.ErrObjectNotFound)

		return
	}

	writeDocument(rw, m.Name, object)
}

func routeMatch(req *http.Request) *router.Match {
	if m, ok := req.Context().Value(matchKey{}).(*router.Match); ok {
		return m
	}

	return &router.Match{Values: map[string]string{}}
}

func routeValues(req *http.Request) map[string]string {
	return routeMatch(req).Values
}

func allowed(methods map[string]http.HandlerFunc) string {
	names := make([]string, 0, len(methods)+1)

	for m := range methods {
		names = append(names, m)

		if m == http.MethodGet {
			names = append(names, http.MethodHead)
		}
	}

	sort.Strings(names)

	return strings.Join(names, ", ")
}
