/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package trust

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/trustbloc/apfed/pkg/activity"
	"github.com/trustbloc/apfed/pkg/docloader"
)

// ErrInvalidHandle is returned for handles that are not of the form @user@host.
var ErrInvalidHandle = errors.New("invalid handle")

// ParseHandle splits "@user@host", "user@host" or "acct:user@host".
func ParseHandle(handle string) (user, host string, err error) {
	h := strings.TrimPrefix(strings.TrimPrefix(handle, "acct:"), "@")

	user, host, ok := strings.Cut(h, "@")
	if !ok || user == "" || host == "" || strings.ContainsAny(host, "@/?#") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidHandle, handle)
	}

	return user, strings.ToLower(host), nil
}

// WebFingerURL returns the WebFinger query URL for an account.
func WebFingerURL(user, host string) string {
	return "https://" + host + "/.well-known/webfinger?resource=" + url.QueryEscape("acct:"+user+"@"+host)
}

// LookupHandle resolves a handle through WebFinger and looks up the actor it links to. The gate
// checks the actor's declared id against the URL the actor document was fetched from, not
// against the WebFinger host.
func (r *Resolver) LookupHandle(ctx context.Context, handle string) (activity.Document, error) {
	user, host, err := ParseHandle(handle)
	if err != nil {
		return nil, err
	}

	jrd, err := r.loader.Load(ctx, WebFingerURL(user, host))
	if err != nil {
		if errors.Is(err, docloader.ErrNotFound) {
			return nil, nil
		}

		return nil, err
	}

	href := selfLink(jrd.Document)
	if href == "" {
		logger.Debugf("webfinger response for %s has no ActivityPub self link", handle)

		return nil, nil
	}

	return r.Lookup(ctx, href)
}

func selfLink(jrd activity.Document) string {
	links, _ := jrd["links"].([]interface{})

	for _, l := range links {
		link, ok := l.(map[string]interface{})
		if !ok {
			continue
		}

		rel, _ := link["rel"].(string)
		linkType, _ := link["type"].(string)
		href, _ := link["href"].(string)

		if rel == "self" && href != "" &&
			(linkType == activity.ContentType || strings.HasPrefix(linkType, "application/ld+json")) {
			return href
		}
	}

	return ""
}
