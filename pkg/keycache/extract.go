/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package keycache

import (
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/trustbloc/apfed/pkg/activity"
	"github.com/trustbloc/apfed/pkg/fedutils"
	"github.com/trustbloc/apfed/pkg/httpsig"
	"github.com/trustbloc/apfed/pkg/trust"
)

var (
	// ErrKeyNotFound is returned when a document exposes no key matching the key id.
	ErrKeyNotFound = errors.New("no matching key in document")
	// ErrAmbiguousKey is returned when a key id without a fragment could name several keys.
	ErrAmbiguousKey = errors.New("key id matches more than one key")
)

type candidate struct {
	id    string
	owner string
	doc   activity.Document
}

// Extract finds the key named keyID in a document fetched from documentURL. The document is
// either the key itself or an actor exposing keys under publicKey or assertionMethod.
// A key id with a fragment must match a key's id; without a fragment, an actor exposing
// exactly one key yields that key. Keys and owners must share the document's origin.
func Extract(doc activity.Document, keyID, documentURL string) (*Key, error) {
	candidates := collect(doc)
	if len(candidates) == 0 {
		return nil, ErrKeyNotFound
	}

	base, fragment := fedutils.StripFragment(keyID)

	var chosen *candidate

	for i := range candidates {
		if matches(candidates[i].id, keyID, base, fragment) {
			chosen = &candidates[i]
			break
		}
	}

	if chosen == nil {
		if fragment != "" {
			return nil, ErrKeyNotFound
		}

		if len(candidates) > 1 {
			return nil, ErrAmbiguousKey
		}

		chosen = &candidates[0]
	}

	id := chosen.id
	if strings.HasPrefix(id, "#") {
		docBase, _ := fedutils.StripFragment(documentURL)
		id = docBase + id
	}

	for _, id := range []string{id, chosen.owner} {
		if trusted, _ := trust.Check(id, documentURL, trust.PolicyIgnore); !trusted { //nolint:errcheck
			return nil, fmt.Errorf("%s is not on the origin of %s", id, documentURL)
		}
	}

	pub, err := publicKey(chosen.doc)
	if err != nil {
		return nil, err
	}

	return &Key{ID: keyID, Owner: chosen.owner, PublicKey: pub}, nil
}

func matches(id, keyID, base, fragment string) bool {
	if id == keyID {
		return true
	}

	// relative key ids such as "#main-key"
	return fragment != "" && id == "#"+fragment && base != ""
}

func collect(doc activity.Document) []candidate {
	if hasKeyMaterial(doc) {
		owner := firstString(doc["owner"], doc["controller"])

		return []candidate{{id: doc.ID(), owner: owner, doc: doc}}
	}

	var out []candidate

	for _, prop := range []string{"publicKey", "assertionMethod"} {
		for _, v := range asList(doc[prop]) {
			m, ok := v.(map[string]interface{})
			if !ok || !hasKeyMaterial(m) {
				continue
			}

			key := activity.Document(m)
			owner := firstString(key["owner"], key["controller"])

			if owner == "" {
				owner = doc.ID()
			}

			out = append(out, candidate{id: key.ID(), owner: owner, doc: key})
		}
	}

	return out
}

func hasKeyMaterial(m map[string]interface{}) bool {
	for _, prop := range []string{"publicKeyPem", "publicKeyMultibase", "publicKeyJwk"} {
		if _, ok := m[prop]; ok {
			return true
		}
	}

	return false
}

func publicKey(key activity.Document) (crypto.PublicKey, error) {
	if pemKey, ok := key["publicKeyPem"].(string); ok {
		return httpsig.ParsePublicKeyPEM(pemKey)
	}

	if multikey, ok := key["publicKeyMultibase"].(string); ok {
		return httpsig.DecodeMultikey(multikey)
	}

	if jwk, ok := key["publicKeyJwk"].(map[string]interface{}); ok {
		raw, err := json.Marshal(jwk)
		if err != nil {
			return nil, err
		}

		return httpsig.UnmarshalPublicJWK(raw)
	}

	return nil, fmt.Errorf("%w: no usable key material", httpsig.ErrUnsupportedKey)
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

func firstString(values ...interface{}) string {
	for _, v := range values {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}

	return ""
}
