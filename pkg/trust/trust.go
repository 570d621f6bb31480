/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package trust decides whether a fetched document may claim the identity it declares, and
// resolves remote objects and their embedded sub-objects under that rule.
package trust

import (
	"fmt"

	"github.com/trustbloc/edge-core/pkg/log"

	"github.com/trustbloc/apfed/pkg/fedutils"
)

var logger = log.New("apfed-trust")

// Policy selects what happens when a document declares an id on a different origin than the
// URL it was fetched from.
type Policy string

// Cross-origin policies.
const (
	// PolicyIgnore treats the document as not found. It is the default.
	PolicyIgnore Policy = "ignore"
	// PolicyThrow fails the lookup with a CrossOriginError.
	PolicyThrow Policy = "throw"
	// PolicyTrust accepts the declared id as is.
	PolicyTrust Policy = "trust"
)

// ParsePolicy parses a policy name. An empty name is PolicyIgnore.
func ParsePolicy(name string) (Policy, error) {
	switch p := Policy(name); p {
	case "":
		return PolicyIgnore, nil
	case PolicyIgnore, PolicyThrow, PolicyTrust:
		return p, nil
	default:
		return "", fmt.Errorf("unknown cross-origin policy %q", name)
	}
}

// CrossOriginError is returned under PolicyThrow.
type CrossOriginError struct {
	DeclaredID  string
	DocumentURL string
}

func (e *CrossOriginError) Error() string {
	return fmt.Sprintf("cross-origin object: declared id %s does not share the origin of %s",
		e.DeclaredID, e.DocumentURL)
}

// Check reports whether a document fetched from documentURL may declare declaredID.
// An empty declaredID and a same-origin id (scheme, host and port all equal) are trusted under
// every policy. Otherwise PolicyTrust trusts, PolicyThrow returns a *CrossOriginError and
// PolicyIgnore returns false without an error.
func Check(declaredID, documentURL string, policy Policy) (bool, error) {
	if declaredID == "" || fedutils.SameOrigin(declaredID, documentURL) {
		return true, nil
	}

	switch policy {
	case PolicyTrust:
		return true, nil
	case PolicyThrow:
		return false, &CrossOriginError{DeclaredID: declaredID, DocumentURL: documentURL}
	default:
		logger.Warnf("ignoring object %s fetched from different origin %s", declaredID, documentURL)

		return false, nil
	}
}
