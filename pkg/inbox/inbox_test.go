/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package inbox_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trustbloc/apfed/pkg/activity"
	"github.com/trustbloc/apfed/pkg/inbox"
	"github.com/trustbloc/apfed/pkg/kvstore/memkv"
)

const (
	activityID = "https://a.example/activities/1"
	sender     = "https://a.example/users/alice"
	recipientA = "https://b.example/users/a"
)

type recorder struct {
	mutex      sync.Mutex
	recipients []string
}

func (r *recorder) listener(_ context.Context, ic *inbox.Context, _ *activity.Activity) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.recipients = append(r.recipients, ic.Recipient)

	return nil
}

func (r *recorder) calls() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return append([]string(nil), r.recipients...)
}

func newActivity(t *testing.T, activityType string) *activity.Activity {
	t.Helper()

	return newActivityWithID(t, activityType, activityID)
}

func newActivityWithID(t *testing.T, activityType, id string) *activity.Activity {
	t.Helper()

	act, err := activity.New(activity.Document{
		"@context": activity.ActivityStreamsContext,
		"id":       id,
		"type":     activityType,
		"actor":    sender,
		"object":   "https://b.example/users/a",
	})
	require.NoError(t, err)

	return act
}

// deliverTwice delivers the same activity to inbox A and then to the shared inbox.
func deliverTwice(t *testing.T, d *inbox.Dispatcher, act *activity.Activity) {
	t.Helper()

	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, &inbox.Context{Recipient: recipientA, Sender: sender}, act))
	require.NoError(t, d.Dispatch(ctx, &inbox.Context{Sender: sender}, act))
}

func TestDispatch_Idempotency(t *testing.T) {
	t.Run("per-origin deduplicates across inboxes", func(t *testing.T) {
		rec := &recorder{}
		d := inbox.New(memkv.New(), inbox.WithStrategy(inbox.PerOrigin)).On("Create", rec.listener)

		deliverTwice(t, d, newActivity(t, "Create"))

		require.Equal(t, []string{recipientA}, rec.calls())
	})

	t.Run("per-inbox invokes once per inbox", func(t *testing.T) {
		rec := &recorder{}
		d := inbox.New(memkv.New()).On("Create", rec.listener)

		deliverTwice(t, d, newActivity(t, "Create"))

		require.Equal(t, []string{recipientA, ""}, rec.calls())

		deliverTwice(t, d, newActivity(t, "Create"))
		require.Len(t, rec.calls(), 2)
	})

	t.Run("global deduplicates regardless of recipient", func(t *testing.T) {
		rec := &recorder{}
		d := inbox.New(memkv.New(), inbox.WithStrategy(inbox.Global)).On("Create", rec.listener)

		deliverTwice(t, d, newActivity(t, "Create"))

		// relayed by another server
		require.NoError(t, d.Dispatch(context.Background(),
			&inbox.Context{Sender: "https://relay.example/actor"}, newActivity(t, "Create")))

		require.Equal(t, []string{recipientA}, rec.calls())
	})

	t.Run("per-origin keeps senders apart", func(t *testing.T) {
		rec := &recorder{}
		d := inbox.New(memkv.New(), inbox.WithStrategy(inbox.PerOrigin)).On("Create", rec.listener)

		act := newActivity(t, "Create")
		require.NoError(t, d.Dispatch(context.Background(), &inbox.Context{Sender: sender}, act))
		require.NoError(t, d.Dispatch(context.Background(),
			&inbox.Context{Sender: "https://relay.example/actor"}, act))

		require.Len(t, rec.calls(), 2)
	})

	t.Run("custom strategy never deduplicates Follow", func(t *testing.T) {
		rec := &recorder{}
		d := inbox.New(memkv.New(), inbox.WithKeyFunc(
			func(_ context.Context, _ *inbox.Context, act *activity.Activity) (string, bool) {
				if act.Type() == "Follow" {
					return "", false
				}

				return act.ID(), true
			})).
			On("Follow", rec.listener).
			On("Create", rec.listener)

		deliverTwice(t, d, newActivity(t, "Follow"))
		deliverTwice(t, d, newActivity(t, "Follow"))
		require.Len(t, rec.calls(), 4)

		d2 := inbox.New(memkv.New(), inbox.WithKeyFunc(
			func(_ context.Context, _ *inbox.Context, act *activity.Activity) (string, bool) {
				return act.ID(), act.Type() != "Follow"
			})).On("Create", rec.listener)

		deliverTwice(t, d2, newActivity(t, "Create"))
		require.Len(t, rec.calls(), 5)
	})

	t.Run("activities without id are not deduplicated", func(t *testing.T) {
		rec := &recorder{}
		d := inbox.New(memkv.New(), inbox.WithStrategy(inbox.Global)).On("Create", rec.listener)

		act, err := activity.New(activity.Document{"type": "Create", "actor": sender})
		require.NoError(t, err)

		require.NoError(t, d.Dispatch(context.Background(), &inbox.Context{}, act))
		require.NoError(t, d.Dispatch(context.Background(), &inbox.Context{}, act))
		require.Len(t, rec.calls(), 2)
	})
}

func TestIdempotencyKey(t *testing.T) {
	act := newActivity(t, "Create")
	ctx := context.Background()
	inboxCtx := &inbox.Context{Recipient: recipientA, Sender: sender}
	sharedCtx := &inbox.Context{Sender: sender}

	perInbox := inbox.New(memkv.New())

	k1, ok := perInbox.IdempotencyKey(ctx, inboxCtx, act)
	require.True(t, ok)

	k2, ok := perInbox.IdempotencyKey(ctx, sharedCtx, act)
	require.True(t, ok)
	require.NotEqual(t, k1, k2)
	require.Contains(t, k1, "https://a.example")

	global := inbox.New(memkv.New(), inbox.WithStrategy(inbox.Global))

	k1, _ = global.IdempotencyKey(ctx, inboxCtx, act)
	k2, _ = global.IdempotencyKey(ctx, sharedCtx, act)
	require.Equal(t, activityID, k1)
	require.Equal(t, k1, k2)
}

func TestParseStrategy(t *testing.T) {
	s, err := inbox.ParseStrategy("")
	require.NoError(t, err)
	require.Equal(t, inbox.PerInbox, s)

	s, err = inbox.ParseStrategy("global")
	require.NoError(t, err)
	require.Equal(t, inbox.Global, s)

	_, err = inbox.ParseStrategy("per-user")
	require.Error(t, err)
}

func TestDispatch_Listeners(t *testing.T) {
	t.Run("registration order", func(t *testing.T) {
		var order []int

		d := inbox.New(memkv.New()).
			On("Follow", func(context.Context, *inbox.Context, *activity.Activity) error {
				order = append(order, 1)

				return nil
			}).
			On("Follow", func(context.Context, *inbox.Context, *activity.Activity) error {
				order = append(order, 2)

				return nil
			})

		require.NoError(t, d.Dispatch(context.Background(), &inbox.Context{}, newActivity(t, "Follow")))
		require.Equal(t, []int{1, 2}, order)
	})

	t.Run("wildcard fallback", func(t *testing.T) {
		specific, fallback := &recorder{}, &recorder{}

		d := inbox.New(memkv.New()).
			On("Follow", specific.listener).
			On(inbox.Wildcard, fallback.listener)

		require.NoError(t, d.Dispatch(context.Background(), &inbox.Context{},
			newActivityWithID(t, "Follow", "https://a.example/activities/follow")))
		require.NoError(t, d.Dispatch(context.Background(), &inbox.Context{},
			newActivityWithID(t, "Like", "https://a.example/activities/like")))

		require.Len(t, specific.calls(), 1)
		require.Len(t, fallback.calls(), 1)
	})

	t.Run("unhandled type is ignored", func(t *testing.T) {
		d := inbox.New(memkv.New())

		require.NoError(t, d.Dispatch(context.Background(), &inbox.Context{}, newActivity(t, "Like")))
	})

	t.Run("failure reaches error handler and allows a retry", func(t *testing.T) {
		var handled []error

		errListener := errors.New("listener failed")
		fail := true

		d := inbox.New(memkv.New(), inbox.WithErrorHandler(
			func(_ context.Context, _ *inbox.Context, _ *activity.Activity, err error) {
				handled = append(handled, err)
			})).
			On("Create", func(context.Context, *inbox.Context, *activity.Activity) error {
				if fail {
					return errListener
				}

				return nil
			})

		err := d.Dispatch(context.Background(), &inbox.Context{}, newActivity(t, "Create"))
		require.ErrorIs(t, err, errListener)
		require.Equal(t, []error{errListener}, handled)

		fail = false

		require.NoError(t, d.Dispatch(context.Background(), &inbox.Context{}, newActivity(t, "Create")))
		require.Len(t, handled, 1)
	})
}
