/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package inbox dispatches authenticated activities to listeners, at most once per
// idempotency key.
package inbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/trustbloc/edge-core/pkg/log"

	"github.com/trustbloc/apfed/pkg/activity"
	"github.com/trustbloc/apfed/pkg/fedutils"
	"github.com/trustbloc/apfed/pkg/kvstore"
)

var logger = log.New("apfed-inbox")

const (
	defaultTTL = 24 * time.Hour
	// Wildcard registers a listener for activity types without a listener of their own.
	Wildcard = "*"
)

// Prefix is the store prefix for idempotency markers.
//
//nolint:gochecknoglobals
var Prefix = kvstore.Key{"_apfed", "activityIdempotence"}

// Strategy names a built-in idempotency strategy.
type Strategy string

// Built-in idempotency strategies.
const (
	// PerOrigin deduplicates by sender origin and activity id.
	PerOrigin Strategy = "per-origin"
	// PerInbox deduplicates by sender origin, activity id and receiving inbox. It is the default.
	PerInbox Strategy = "per-inbox"
	// Global deduplicates by activity id.
	Global Strategy = "global"
)

// ParseStrategy parses a strategy name. An empty name is PerInbox.
func ParseStrategy(name string) (Strategy, error) {
	switch s := Strategy(name); s {
	case "":
		return PerInbox, nil
	case PerOrigin, PerInbox, Global:
		return s, nil
	default:
		return "", fmt.Errorf("unknown idempotency strategy %q", name)
	}
}

// Context describes where and from whom an activity arrived.
type Context struct {
	// Recipient is the identifier of the inbox owner, or "" for the shared inbox.
	Recipient string
	// Sender is the actor owning the key the activity was authenticated with.
	Sender string
	// SenderKeyID is the key the activity was authenticated with.
	SenderKeyID string
}

// Shared reports whether the activity arrived at the shared inbox.
func (c *Context) Shared() bool {
	return c.Recipient == ""
}

// Listener handles one activity.
type Listener func(ctx context.Context, ic *Context, act *activity.Activity) error

// KeyFunc computes an idempotency key. Returning false disables deduplication for the activity.
type KeyFunc func(ctx context.Context, ic *Context, act *activity.Activity) (string, bool)

// ErrorHandler is called when a listener fails.
type ErrorHandler func(ctx context.Context, ic *Context, act *activity.Activity, err error)

// Dispatcher holds listeners by activity type.
type Dispatcher struct {
	mutex     sync.RWMutex
	listeners map[string][]Listener
	store     kvstore.Store
	keyFunc   KeyFunc
	ttl       time.Duration
	onError   ErrorHandler
}

// Option configures a Dispatcher.
type Option func(d *Dispatcher)

// WithStrategy selects a built-in idempotency strategy.
func WithStrategy(strategy Strategy) Option {
	return func(d *Dispatcher) {
		d.keyFunc = strategyFunc(strategy)
	}
}

// WithKeyFunc sets a custom idempotency key function.
func WithKeyFunc(fn KeyFunc) Option {
	return func(d *Dispatcher) {
		d.keyFunc = fn
	}
}

// WithTTL sets how long idempotency markers are kept.
func WithTTL(ttl time.Duration) Option {
	return func(d *Dispatcher) {
		d.ttl = ttl
	}
}

// WithErrorHandler sets the handler for listener failures.
func WithErrorHandler(handler ErrorHandler) Option {
	return func(d *Dispatcher) {
		d.onError = handler
	}
}

// New returns a Dispatcher storing idempotency markers in store.
func New(store kvstore.Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		listeners: map[string][]Listener{},
		store:     store,
		keyFunc:   strategyFunc(PerInbox),
		ttl:       defaultTTL,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// On registers a listener for an activity type, or for Wildcard. Listeners for the same type
// run in registration order.
func (d *Dispatcher) On(activityType string, listener Listener) *Dispatcher {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.listeners[activityType] = append(d.listeners[activityType], listener)

	return d
}

// IdempotencyKey returns the activity's idempotency key, or false if it is not deduplicated.
func (d *Dispatcher) IdempotencyKey(ctx context.Context, ic *Context, act *activity.Activity) (string, bool) {
	return d.keyFunc(ctx, ic, act)
}

// Dispatch runs the listeners for act unless its idempotency key was already seen. Duplicates
// are not errors. The activity must already be authenticated.
func (d *Dispatcher) Dispatch(ctx context.Context, ic *Context, act *activity.Activity) error {
	listeners := d.lookup(act)
	if len(listeners) == 0 {
		logger.Infof("ignoring unhandled activity %s of type %s", act.ID(), act.Types())

		return nil
	}

	marker, dedup := d.IdempotencyKey(ctx, ic, act)
	if dedup {
		key := Prefix.Append(marker)

		first, err := kvstore.SetIfAbsent(ctx, d.store, key, []byte(time.Now().UTC().Format(time.RFC3339)),
			kvstore.WithTTL(d.ttl))
		if err != nil {
			return fmt.Errorf("failed to record idempotency key: %w", err)
		}

		if !first {
			logger.Debugf("skipping already processed activity %s", act.ID())

			return nil
		}

		if err = d.invoke(ctx, ic, act, listeners); err != nil {
			// let a redelivery process it again
			if errDelete := d.store.Delete(ctx, key); errDelete != nil {
				logger.Warnf("failed to clear idempotency key for %s: %s", act.ID(), errDelete)
			}

			return err
		}

		return nil
	}

	return d.invoke(ctx, ic, act, listeners)
}

func (d *Dispatcher) invoke(ctx context.Context, ic *Context, act *activity.Activity, listeners []Listener) error {
	for _, listener := range listeners {
		if err := listener(ctx, ic, act); err != nil {
			logger.Errorf("listener failed for activity %s: %s", act.ID(), err)

			if d.onError != nil {
				d.onError(ctx, ic, act, err)
			}

			return fmt.Errorf("listener failed for activity %s: %w", act.ID(), err)
		}
	}

	return nil
}

// lookup returns the listeners for the first of the activity's types that has any,
// falling back to the wildcard listeners.
func (d *Dispatcher) lookup(act *activity.Activity) []Listener {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	for _, t := range act.Types() {
		if l := d.listeners[t]; len(l) > 0 {
			return append([]Listener(nil), l...)
		}
	}

	return append([]Listener(nil), d.listeners[Wildcard]...)
}

func strategyFunc(strategy Strategy) KeyFunc {
	return func(_ context.Context, ic *Context, act *activity.Activity) (string, bool) {
		id := act.ID()
		if id == "" {
			return "", false
		}

		switch strategy {
		case Global:
			return id, true
		case PerOrigin:
			return senderOrigin(ic, act) + "\n" + id, true
		default:
			scope := "sharedInbox"
			if !ic.Shared() {
				scope = "inbox\n" + ic.Recipient
			}

			return strings.Join([]string{senderOrigin(ic, act), id, scope}, "\n"), true
		}
	}
}

func senderOrigin(ic *Context, act *activity.Activity) string {
	for _, candidate := range []string{ic.Sender, act.Actor(), act.ID()} {
		if origin, err := fedutils.Origin(candidate); err == nil {
			return origin
		}
	}

	return ""
}
