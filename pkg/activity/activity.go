/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package activity gives typed access to the handful of ActivityStreams properties the federation
// core relies on. Documents are otherwise kept as generic JSON.
package activity

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ContentType is the media type of ActivityPub documents.
const ContentType = "application/activity+json"

// LDContentType is the alternative JSON-LD media type accepted for ActivityPub documents.
const LDContentType = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`

// ActivityStreamsContext is the ActivityStreams JSON-LD context URL.
const ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"

// PublicCollection addresses an activity to everyone.
const PublicCollection = "https://www.w3.org/ns/activitystreams#Public"

// ErrMalformed is returned when a body is not a JSON object.
var ErrMalformed = errors.New("malformed activity")

// Document is a decoded JSON-LD document.
type Document map[string]interface{}

// Activity is a received or outgoing activity along with its exact serialized bytes.
type Activity struct {
	doc  Document
	body []byte
}

// Parse decodes body, which must be a JSON object.
func Parse(body []byte) (*Activity, error) {
	var doc Document

	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}

	if doc == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}

	return &Activity{doc: doc, body: body}, nil
}

// New serializes doc into an Activity.
func New(doc Document) (*Activity, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal activity: %w", err)
	}

	return &Activity{doc: doc, body: body}, nil
}

// Document returns the decoded document. Callers must not modify it.
func (a *Activity) Document() Document {
	return a.doc
}

// Bytes returns the serialized form the activity was parsed from or created with.
func (a *Activity) Bytes() []byte {
	return a.body
}

// ID returns the activity id, or "".
func (a *Activity) ID() string {
	return a.doc.ID()
}

// Type returns the first declared type, or "".
func (a *Activity) Type() string {
	types := a.doc.Types()
	if len(types) == 0 {
		return ""
	}

	return types[0]
}

// Types returns all declared types.
func (a *Activity) Types() []string {
	return a.doc.Types()
}

// Actor returns the id of the activity's actor, or "".
func (a *Activity) Actor() string {
	ids := IDs(a.doc["actor"])
	if len(ids) == 0 {
		return ""
	}

	return ids[0]
}

// ObjectIDs returns the ids of the activity's object(s).
func (a *Activity) ObjectIDs() []string {
	return IDs(a.doc["object"])
}

// Recipients returns the ids addressed by to, cc, bto, bcc and audience, deduplicated in order.
func (a *Activity) Recipients() []string {
	seen := map[string]bool{}

	var out []string

	for _, prop := range []string{"to", "bto", "cc", "bcc", "audience"} {
		for _, id := range IDs(a.doc[prop]) {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}

	return out
}

// HasLDSignature reports whether the document carries a Linked Data signature block.
func (a *Activity) HasLDSignature() bool {
	_, ok := a.doc["signature"].(map[string]interface{})

	return ok
}

// HasProof reports whether the document carries an Object Integrity Proof.
func (a *Activity) HasProof() bool {
	switch p := a.doc["proof"].(type) {
	case map[string]interface{}:
		return true
	case []interface{}:
		return len(p) > 0
	default:
		return false
	}
}

// ID returns the document's "id" (or "@id"), or "".
func (d Document) ID() string {
	if id, ok := d["id"].(string); ok {
		return id
	}

	if id, ok := d["@id"].(string); ok {
		return id
	}

	return ""
}

// Types returns the document's "type" (or "@type") values.
func (d Document) Types() []string {
	v, ok := d["type"]
	if !ok {
		v = d["@type"]
	}

	return Strings(v)
}

// Strings returns v as a list of strings, accepting a single string or an array.
func Strings(v interface{}) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []interface{}:
		out := make([]string, 0, len(t))

		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}

		return out
	default:
		return nil
	}
}

// IDs returns the ids referenced by v, which may be a URI, an embedded object or an array of either.
func IDs(v interface{}) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case map[string]interface{}:
		if id := Document(t).ID(); id != "" {
			return []string{id}
		}

		return nil
	case []interface{}:
		var out []string

		for _, item := range t {
			out = append(out, IDs(item)...)
		}

		return out
	default:
		return nil
	}
}

// Clone returns a deep copy of d.
func (d Document) Clone() Document {
	return cloneValue(map[string]interface{}(d)).(map[string]interface{})
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			out[k] = cloneValue(item)
		}

		return out
	case Document:
		return Document(cloneValue(map[string]interface{}(t)).(map[string]interface{}))
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}

		return out
	default:
		return v
	}
}
