/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package delivery

import (
	"context"

	"github.com/trustbloc/apfed/pkg/activity"
	"github.com/trustbloc/apfed/pkg/fedutils"
)

const defaultMaxCollectionPages = 100

// Recipient is an actor able to receive activities.
type Recipient struct {
	ID          string `json:"id,omitempty"`
	Inbox       string `json:"inbox"`
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// RecipientFromActor reads the inbox endpoints of an actor document. It returns false if the
// actor has no inbox.
func RecipientFromActor(actor activity.Document) (Recipient, bool) {
	r := Recipient{ID: actor.ID(), Inbox: firstID(actor["inbox"])}

	if endpoints, ok := actor["endpoints"].(map[string]interface{}); ok {
		r.SharedInbox = firstID(endpoints["sharedInbox"])
	}

	return r, r.Inbox != ""
}

// Inbox is a single delivery target.
type Inbox struct {
	URL string
	// Shared is set when URL is a shared inbox standing in for one or more recipients.
	Shared bool
}

// ExtractInboxes maps recipients to the inboxes to deliver to, in order and without duplicates.
// With preferShared, recipients announcing a shared inbox are delivered through it once.
// Inboxes on an excluded origin are skipped.
func ExtractInboxes(recipients []Recipient, preferShared bool, excluded []string) []Inbox {
	seen := map[string]bool{}

	var inboxes []Inbox

	for _, r := range recipients {
		target := Inbox{URL: r.Inbox}
		if preferShared && r.SharedInbox != "" {
			target = Inbox{URL: r.SharedInbox, Shared: true}
		}

		if target.URL == "" || seen[target.URL] || isExcluded(target.URL, excluded) {
			continue
		}

		seen[target.URL] = true

		inboxes = append(inboxes, target)
	}

	return inboxes
}

func isExcluded(inbox string, excluded []string) bool {
	for _, base := range excluded {
		if fedutils.SameOrigin(inbox, base) {
			return true
		}
	}

	return false
}

// Lookuper fetches a remote document, returning nil for anything that can't be trusted.
type Lookuper interface {
	Lookup(ctx context.Context, id string) (activity.Document, error)
}

// RecipientResolver expands actor and collection ids into recipients.
type RecipientResolver interface {
	ResolveRecipients(ctx context.Context, ids []string) ([]Recipient, error)
}

// LookupResolver resolves recipients by fetching actors and walking collections.
type LookupResolver struct {
	lookup   Lookuper
	maxPages int
}

// NewLookupResolver returns a LookupResolver fetching documents through lookup.
func NewLookupResolver(lookup Lookuper) *LookupResolver {
	return &LookupResolver{lookup: lookup, maxPages: defaultMaxCollectionPages}
}

// ResolveRecipients fetches every id. Actors become recipients; collections contribute their
// members. Unresolvable ids are logged and skipped; only a cancelled context is an error.
func (r *LookupResolver) ResolveRecipients(ctx context.Context, ids []string) ([]Recipient, error) {
	var recipients []Recipient

	for _, id := range ids {
		if id == activity.PublicCollection || id == "as:Public" || id == "Public" {
			continue
		}

		doc, err := r.fetch(ctx, id)
		if err != nil {
			return nil, err
		}

		if doc == nil {
			continue
		}

		if !isCollection(doc) {
			if recipient, ok := RecipientFromActor(doc); ok {
				recipients = append(recipients, recipient)
			} else {
				logger.Warnf("recipient %s has no inbox", id)
			}

			continue
		}

		members, err := r.members(ctx, doc)
		if err != nil {
			return nil, err
		}

		recipients = append(recipients, members...)
	}

	return recipients, nil
}

func (r *LookupResolver) members(ctx context.Context, collection activity.Document) ([]Recipient, error) {
	var recipients []Recipient

	page := collection

	for i := 0; page != nil && i <= r.maxPages; i++ {
		for _, prop := range []string{"orderedItems", "items"} {
			for _, item := range asList(page[prop]) {
				recipient, err := r.member(ctx, item)
				if err != nil {
					return nil, err
				}

				if recipient != nil {
					recipients = append(recipients, *recipient)
				}
			}
		}

		next := page["next"]
		if i == 0 && page["first"] != nil {
			next = page["first"]
		}

		var err error

		if page, err = r.page(ctx, next); err != nil {
			return nil, err
		}
	}

	return recipients, nil
}

func (r *LookupResolver) page(ctx context.Context, ref interface{}) (activity.Document, error) {
	switch v := ref.(type) {
	case map[string]interface{}:
		return v, nil
	case string:
		return r.fetch(ctx, v)
	default:
		return nil, nil
	}
}

func (r *LookupResolver) member(ctx context.Context, item interface{}) (*Recipient, error) {
	var actor activity.Document

	switch v := item.(type) {
	case map[string]interface{}:
		actor = v
		if _, ok := RecipientFromActor(actor); !ok {
			var err error

			if actor, err = r.fetch(ctx, actor.ID()); err != nil {
				return nil, err
			}
		}
	case string:
		var err error

		if actor, err = r.fetch(ctx, v); err != nil {
			return nil, err
		}
	}

	if actor == nil {
		return nil, nil
	}

	recipient, ok := RecipientFromActor(actor)
	if !ok {
		return nil, nil
	}

	return &recipient, nil
}

func (r *LookupResolver) fetch(ctx context.Context, id string) (activity.Document, error) {
	if id == "" {
		return nil, nil
	}

	doc, err := r.lookup.Lookup(ctx, id)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if err != nil {
		logger.Warnf("failed to resolve recipient %s: %s", id, err)

		return nil, nil
	}

	return doc, nil
}

func isCollection(doc activity.Document) bool {
	for _, t := range doc.Types() {
		switch t {
		case "Collection", "OrderedCollection", "CollectionPage", "OrderedCollectionPage":
			return true
		}
	}

	return false
}

func asList(v interface{}) []interface{} {
	switch t := v.(type) {
	case nil:
		return nil
	case []interface{}:
		return t
	default:
		return []interface{}{t}
	}
}

func firstID(v interface{}) string {
	ids := activity.IDs(v)
	if len(ids) == 0 {
		return ""
	}

	return ids[0]
}
