/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package federation wires routing, authentication, inbox dispatch and outbound delivery into
// one ActivityPub server component.
package federation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/trustbloc/edge-core/pkg/log"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/trustbloc/apfed/pkg/activity"
	"github.com/trustbloc/apfed/pkg/delivery"
	"github.com/trustbloc/apfed/pkg/docloader"
	"github.com/trustbloc/apfed/pkg/fedutils"
	"github.com/trustbloc/apfed/pkg/httpsig"
	"github.com/trustbloc/apfed/pkg/inbox"
	"github.com/trustbloc/apfed/pkg/keycache"
	"github.com/trustbloc/apfed/pkg/kvstore"
	"github.com/trustbloc/apfed/pkg/ldsig"
	"github.com/trustbloc/apfed/pkg/mq"
	"github.com/trustbloc/apfed/pkg/restapi"
	"github.com/trustbloc/apfed/pkg/restapi/operation"
	"github.com/trustbloc/apfed/pkg/router"
	"github.com/trustbloc/apfed/pkg/trust"
	"github.com/trustbloc/apfed/pkg/verifier"
)

var logger = log.New("apfed-federation")

var (
	errNoStore = errors.New("a key-value store is required")
	errNoQueue = errors.New("a message queue is required")
)

// Config configures a Federation. Only Origin, Store and Queue are required.
type Config struct {
	// Origin is this server's origin, such as https://example.com.
	Origin string
	Store  kvstore.Store
	// Queue carries outbound fan-out and delivery tasks.
	Queue mq.Queue
	// InboxQueue, when set, receives authenticated inbound activities for asynchronous processing.
	// It may be the same queue as Queue.
	InboxQueue mq.Queue

	// Loader fetches remote documents. Defaults to a docloader.Client.
	Loader              docloader.Loader
	HTTPClient          *http.Client
	AllowPrivateAddress bool
	// InstanceKey signs document fetches for peers requiring authorized fetch.
	InstanceKey *httpsig.KeyPair

	TrustPolicy trust.Policy
	KeyTTL      time.Duration

	SignatureTimeWindow    time.Duration
	SkipSignatureTimeCheck bool

	Idempotency    inbox.Strategy
	IdempotencyKey inbox.KeyFunc
	OnInboxError   inbox.ErrorHandler
	// InboxRetryPolicy applies to queued inbound activities whose listeners fail.
	InboxRetryPolicy delivery.RetryPolicy
	// MaxInboxBodySize limits inbox request bodies, in bytes. Defaults to 1 MiB.
	MaxInboxBodySize int64
	// HydrateInbound resolves references in inbound activities before dispatch, with embedded
	// objects checked against the sender's origin.
	HydrateInbound bool

	FirstKnock                  httpsig.Scheme
	BuggyPeers                  []string
	RetryPolicy                 delivery.RetryPolicy
	OnOutboxError               delivery.ErrorHandler
	Fanout                      delivery.FanoutMode
	FanoutThreshold             int
	PreferSharedInbox           bool
	PermanentFailureStatusCodes []int
	RateLimit                   float64
	RateBurst                   int
	MeterProvider               metric.MeterProvider

	ActorPath                string
	InboxPath                string
	SharedInboxPath          string
	TrailingSlashInsensitive bool
	Actor                    operation.ActorDispatcher
	Objects                  []operation.ObjectRoute
}

// Federation is an ActivityPub server component.
type Federation struct {
	origin     string
	router     *router.Router
	loader     docloader.Loader
	keys       *keycache.Cache
	verifier   *verifier.Verifier
	resolver   *trust.Resolver
	dispatcher *inbox.Dispatcher
	delivery   *delivery.Queue
	inboxQueue *inboxQueue
	outbound   mq.Queue
	controller *restapi.Controller
	hydrate    bool
}

// New returns a Federation for config.
func New(config *Config) (*Federation, error) {
	origin, err := fedutils.Origin(config.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin: %w", err)
	}

	if config.Store == nil {
		return nil, errNoStore
	}

	if config.Queue == nil {
		return nil, errNoQueue
	}

	f := &Federation{origin: origin, outbound: config.Queue, hydrate: config.HydrateInbound}

	if f.router, err = newRouter(config); err != nil {
		return nil, err
	}

	fetcher := newLoader(config)

	f.loader = config.Loader
	if f.loader == nil {
		f.loader = fetcher
	}

	f.keys = keycache.New(config.Store, f.loader, keycacheOptions(config)...)
	f.verifier = verifier.New(f.keys, verifierOptions(config, f.loader)...)
	f.resolver = trust.NewResolver(f.loader, trust.WithPolicy(config.TrustPolicy))
	f.dispatcher = inbox.New(config.Store, dispatcherOptions(config)...)
	f.delivery = delivery.New(config.Queue, deliveryOptions(config, origin, f.resolver, fetcher)...)

	if config.InboxQueue != nil {
		retry := config.InboxRetryPolicy
		if retry == nil {
			retry = delivery.DefaultRetryPolicy()
		}

		f.inboxQueue = &inboxQueue{mq: config.InboxQueue, process: f.process, retry: retry}
	}

	f.controller, err = restapi.New(&operation.Config{
		Router:        f.router,
		Authenticator: f.verifier,
		Inbox:         f,
		Actor:         config.Actor,
		Objects:       config.Objects,
		MaxBodySize:   config.MaxInboxBodySize,
	})
	if err != nil {
		return nil, err
	}

	return f, nil
}

func newRouter(config *Config) (*router.Router, error) {
	var opts []router.Option
	if config.TrailingSlashInsensitive {
		opts = append(opts, router.WithTrailingSlashInsensitivity())
	}

	r := router.New(opts...)

	routes := []struct{ name, path, fallback string }{
		{operation.ActorRoute, config.ActorPath, operation.DefaultActorPath},
		{operation.InboxRoute, config.InboxPath, operation.DefaultInboxPath},
		{operation.SharedInboxRoute, config.SharedInboxPath, operation.DefaultSharedInboxPath},
	}

	for _, rt := range routes {
		path := rt.path
		if path == "" {
			path = rt.fallback
		}

		if err := r.Register(rt.name, path); err != nil {
			return nil, fmt.Errorf("failed to register %s route: %w", rt.name, err)
		}
	}

	for _, o := range config.Objects {
		if err := r.Register(o.Name, o.Path); err != nil {
			return nil, fmt.Errorf("failed to register %s route: %w", o.Name, err)
		}
	}

	return r, nil
}

func newLoader(config *Config) *docloader.Client {
	opts := []docloader.Option{docloader.WithAllowPrivateAddress(config.AllowPrivateAddress)}

	if config.HTTPClient != nil {
		opts = append(opts, docloader.WithHTTPClient(config.HTTPClient))
	}

	if config.InstanceKey != nil {
		keyPairs := []httpsig.KeyPair{*config.InstanceKey}

		opts = append(opts, docloader.WithRequestSigner(func(req *http.Request) error {
			return httpsig.SignHTTPRequest(req, keyPairs, httpsig.SchemeCavage, time.Now())
		}))
	}

	return docloader.New(opts...)
}

func keycacheOptions(config *Config) []keycache.Option {
	var opts []keycache.Option

	if config.KeyTTL > 0 {
		opts = append(opts, keycache.WithTTL(config.KeyTTL))
	}

	return opts
}

func verifierOptions(config *Config, loader docloader.Loader) []verifier.Option {
	opts := []verifier.Option{verifier.WithLDSuite(ldsig.New(docloader.NewJSONLDLoader(loader)))}

	if config.SignatureTimeWindow > 0 {
		opts = append(opts, verifier.WithTimeWindow(config.SignatureTimeWindow))
	}

	if config.SkipSignatureTimeCheck {
		opts = append(opts, verifier.WithoutFreshnessCheck())
	}

	return opts
}

func dispatcherOptions(config *Config) []inbox.Option {
	var opts []inbox.Option

	if config.Idempotency != "" {
		opts = append(opts, inbox.WithStrategy(config.Idempotency))
	}

	if config.IdempotencyKey != nil {
		opts = append(opts, inbox.WithKeyFunc(config.IdempotencyKey))
	}

	if config.OnInboxError != nil {
		opts = append(opts, inbox.WithErrorHandler(config.OnInboxError))
	}

	return opts
}

func deliveryOptions(config *Config, origin string, resolver *trust.Resolver,
	fetcher *docloader.Client) []delivery.Option {
	knockOpts := []httpsig.KnockOption{
		httpsig.WithHTTPClient(fetcher.HTTPClient()),
		httpsig.WithURLValidator(fetcher.ValidateURL),
	}

	if config.FirstKnock != "" {
		knockOpts = append(knockOpts, httpsig.WithFirstKnock(config.FirstKnock))
	}

	if len(config.BuggyPeers) > 0 {
		knockOpts = append(knockOpts, httpsig.WithBuggyPeers(config.BuggyPeers...))
	}

	opts := []delivery.Option{
		delivery.WithDoubleKnocker(httpsig.NewDoubleKnocker(knockOpts...)),
		delivery.WithRecipientResolver(delivery.NewLookupResolver(resolver)),
		delivery.WithExcludedBaseURIs(origin),
		delivery.WithPreferSharedInbox(config.PreferSharedInbox),
		delivery.WithRateLimit(config.RateLimit, config.RateBurst),
	}

	if config.RetryPolicy != nil {
		opts = append(opts, delivery.WithRetryPolicy(config.RetryPolicy))
	}

	if config.OnOutboxError != nil {
		opts = append(opts, delivery.WithErrorHandler(config.OnOutboxError))
	}

	if config.Fanout != "" || config.FanoutThreshold > 0 {
		mode := config.Fanout
		if mode == "" {
			mode = delivery.FanoutAuto
		}

		opts = append(opts, delivery.WithFanout(mode, config.FanoutThreshold))
	}

	if len(config.PermanentFailureStatusCodes) > 0 {
		opts = append(opts, delivery.WithPermanentFailureStatusCodes(config.PermanentFailureStatusCodes...))
	}

	if config.MeterProvider != nil {
		opts = append(opts, delivery.WithMeterProvider(config.MeterProvider))
	}

	return opts
}

// On registers an inbox listener for an activity type, or inbox.Wildcard.
func (f *Federation) On(activityType string, listener inbox.Listener) *Federation {
	f.dispatcher.On(activityType, listener)

	return f
}

// ServeHTTP serves the actor, inbox, shared inbox and object routes.
func (f *Federation) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	f.controller.ServeHTTP(rw, req)
}

// Matches reports whether req addresses one of the federation routes. It can be used as a
// mux.MatcherFunc.
func (f *Federation) Matches(req *http.Request, rm *mux.RouteMatch) bool {
	return f.controller.Matches(req, rm)
}

// Handlers returns the federation endpoints.
func (f *Federation) Handlers() []operation.Handler {
	return f.controller.GetOperations()
}

// Accept processes an authenticated activity, or queues it when an inbox queue is configured.
func (f *Federation) Accept(ctx context.Context, ic *inbox.Context, act *activity.Activity) error {
	if f.inboxQueue != nil {
		return f.inboxQueue.enqueue(ctx, ic, act)
	}

	return f.process(ctx, ic, act)
}

func (f *Federation) process(ctx context.Context, ic *inbox.Context, act *activity.Activity) error {
	if f.hydrate {
		doc, err := f.resolver.Hydrate(ctx, act.Document().Clone(), ic.Sender)
		if err != nil {
			return fmt.Errorf("failed to hydrate activity %s: %w", act.ID(), err)
		}

		if act, err = activity.New(doc); err != nil {
			return err
		}
	}

	return f.dispatcher.Dispatch(ctx, ic, act)
}

// SendActivity queues act for delivery to recipients. It returns once the activity is queued;
// failures surface through the outbox error handler.
func (f *Federation) SendActivity(ctx context.Context, keyPairs []httpsig.KeyPair,
	recipients []delivery.Recipient, act *activity.Activity, opts ...delivery.SendOption) error {
	return f.delivery.Send(ctx, act, keyPairs, recipients, opts...)
}

// StartQueue consumes the outbound queue, and the inbox queue if configured, until ctx is done.
// Tasks in flight when ctx is cancelled complete.
func (f *Federation) StartQueue(ctx context.Context, opts ...mq.ListenOption) error {
	if f.inboxQueue != nil && f.inboxQueue.mq == f.outbound {
		return f.outbound.Listen(ctx, f.handleShared, opts...)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return f.delivery.Listen(gctx, opts...)
	})

	if f.inboxQueue != nil {
		g.Go(func() error {
			return f.inboxQueue.mq.Listen(gctx, f.inboxQueue.handle, opts...)
		})
	}

	return g.Wait()
}

func (f *Federation) handleShared(ctx context.Context, raw []byte) error {
	if isInboxMessage(raw) {
		return f.inboxQueue.handle(ctx, raw)
	}

	return f.delivery.Handle(ctx, raw)
}

// Router returns the route table, for building URIs.
func (f *Federation) Router() *router.Router {
	return f.router
}

// URI builds an absolute URI for the named route.
func (f *Federation) URI(route string, values map[string]string) (string, error) {
	path, err := f.router.Build(route, values)
	if err != nil {
		return "", err
	}

	return f.origin + path, nil
}

// ActorURI returns the id of the actor with the given identifier.
func (f *Federation) ActorURI(identifier string) (string, error) {
	return f.URI(operation.ActorRoute, map[string]string{operation.IdentifierPathVariable: identifier})
}

// InboxURI returns the inbox of the actor with the given identifier, or the shared inbox for "".
func (f *Federation) InboxURI(identifier string) (string, error) {
	if identifier == "" {
		return f.URI(operation.SharedInboxRoute, nil)
	}

	return f.URI(operation.InboxRoute, map[string]string{operation.IdentifierPathVariable: identifier})
}

// LookupObject fetches a remote object, returning nil if it is unavailable or untrusted.
func (f *Federation) LookupObject(ctx context.Context, id string) (activity.Document, error) {
	return f.resolver.Lookup(ctx, id)
}

// LookupHandle resolves a handle such as @alice@example.com to an actor.
func (f *Federation) LookupHandle(ctx context.Context, handle string) (activity.Document, error) {
	return f.resolver.LookupHandle(ctx, handle)
}

// Hydrate resolves references in doc, which was fetched from documentURL.
func (f *Federation) Hydrate(ctx context.Context, doc activity.Document, documentURL string) (activity.Document, error) {
	return f.resolver.Hydrate(ctx, doc, documentURL)
}

// KeyCache returns the public key cache.
func (f *Federation) KeyCache() *keycache.Cache {
	return f.keys
}
