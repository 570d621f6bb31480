/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package verifier authenticates inbound requests. It accepts Object Integrity Proofs and Linked
// Data Signatures carried in the activity, and RFC 9421 or draft-cavage HTTP signatures.
package verifier

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/trustbloc/edge-core/pkg/log"

	"github.com/trustbloc/apfed/pkg/activity"
	"github.com/trustbloc/apfed/pkg/fedutils"
	"github.com/trustbloc/apfed/pkg/httpsig"
	"github.com/trustbloc/apfed/pkg/keycache"
	"github.com/trustbloc/apfed/pkg/ldsig"
	"github.com/trustbloc/apfed/pkg/proof"
)

var logger = log.New("apfed-verifier")

const defaultTimeWindow = time.Hour

// Scheme identifies how a request was authenticated.
type Scheme string

// Authentication schemes, in detection order.
const (
	SchemeRFC9421 = Scheme(httpsig.SchemeRFC9421)
	SchemeCavage  = Scheme(httpsig.SchemeCavage)
	SchemeLD      Scheme = "ld-signatures"
	SchemeProof   Scheme = "object-integrity-proof"
)

// Failure reasons.
const (
	ReasonNoSignature    = "no signature present"
	ReasonKeyUnavailable = "key unavailable"
	ReasonMismatch       = "signature mismatch"
	ReasonDigestMismatch = "digest mismatch"
	ReasonStale          = "signature is outside the time window"
	ReasonNoTimestamp    = "signature has no timestamp"
	ReasonUnparsableBody = "request body is not a JSON object"
)

// Status is the verification verdict.
type Status int

// Verification verdicts. Malformed input never fails harder than Unverified does.
const (
	Unverified Status = iota
	Verified
	Malformed
)

func (s Status) String() string {
	switch s {
	case Verified:
		return "verified"
	case Malformed:
		return "malformed"
	default:
		return "unverified"
	}
}

// Result is the outcome of verifying one request or document.
type Result struct {
	Status Status
	Scheme Scheme
	// KeyID is the key the signature claims.
	KeyID string
	// ActorID is the owner of the verified key.
	ActorID string
	Reason  string
}

// OK reports whether the result is Verified.
func (r *Result) OK() bool {
	return r.Status == Verified
}

func (r *Result) String() string {
	if r.Status == Verified {
		return fmt.Sprintf("%s by %s (%s)", r.Status, r.KeyID, r.Scheme)
	}

	return fmt.Sprintf("%s: %s", r.Status, r.Reason)
}

func unverified(scheme Scheme, keyID, reason string) *Result {
	return &Result{Status: Unverified, Scheme: scheme, KeyID: keyID, Reason: reason}
}

func malformed(scheme Scheme, reason string) *Result {
	return &Result{Status: Malformed, Scheme: scheme, Reason: reason}
}

// KeyResolver resolves key ids to public keys. *keycache.Cache implements it.
type KeyResolver interface {
	// Resolve returns nil when the key is unavailable.
	Resolve(ctx context.Context, keyID string) (*keycache.Key, error)
	// Refresh fetches the key again, bypassing the cache.
	Refresh(ctx context.Context, keyID string) (*keycache.Key, error)
}

// Verifier authenticates requests.
type Verifier struct {
	keys        KeyResolver
	ld          *ldsig.Suite
	window      time.Duration
	noFreshness bool
	now         func() time.Time
	verify      httpsig.VerifyFunc
}

// Option configures a Verifier.
type Option func(v *Verifier)

// WithTimeWindow sets how far a signature's timestamp may be from now. Defaults to one hour.
func WithTimeWindow(window time.Duration) Option {
	return func(v *Verifier) {
		v.window = window
	}
}

// WithoutFreshnessCheck disables the timestamp check.
func WithoutFreshnessCheck() Option {
	return func(v *Verifier) {
		v.noFreshness = true
	}
}

// WithLDSuite sets the Linked Data Signature suite, which carries the JSON-LD document loader.
func WithLDSuite(suite *ldsig.Suite) Option {
	return func(v *Verifier) {
		v.ld = suite
	}
}

// WithVerifyFunc replaces the cryptographic signature check used by every scheme.
func WithVerifyFunc(verify httpsig.VerifyFunc) Option {
	return func(v *Verifier) {
		v.verify = verify
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

// New returns a Verifier.
func New(keys KeyResolver, opts ...Option) *Verifier {
	v := &Verifier{keys: keys, window: defaultTimeWindow, now: time.Now, verify: httpsig.VerifyBytes}

	for _, opt := range opts {
		opt(v)
	}

	if v.ld == nil {
		v.ld = ldsig.New(nil)
	}

	return v
}

// DetectScheme returns the first scheme present: RFC 9421, draft-cavage, a Linked Data
// signature block, then an integrity proof. doc may be nil.
func DetectScheme(h http.Header, doc activity.Document) Scheme {
	if s := httpsig.DetectScheme(h); s != "" {
		return Scheme(s)
	}

	if _, ok := doc["signature"].(map[string]interface{}); ok {
		return SchemeLD
	}

	if _, ok := doc["proof"]; ok {
		return SchemeProof
	}

	return ""
}

// Authenticate parses req's body as an activity and verifies it. A verifying integrity proof
// or Linked Data signature is sufficient; HTTP signatures are only checked without one.
// The activity is nil when the body is not a JSON object.
func (v *Verifier) Authenticate(ctx context.Context, req *httpsig.Request) (*activity.Activity, *Result) {
	act, err := activity.Parse(req.Body)
	if err != nil {
		return nil, malformed("", ReasonUnparsableBody)
	}

	doc := act.Document()

	var documentResult *Result

	if act.HasProof() {
		if documentResult = v.VerifyProof(ctx, doc); documentResult.OK() {
			return act, documentResult
		}
	}

	if act.HasLDSignature() {
		if r := v.VerifyLD(ctx, doc); r.OK() || documentResult == nil {
			documentResult = r
		}

		if documentResult.OK() {
			return act, documentResult
		}
	}

	if httpsig.DetectScheme(req.Header) == "" && documentResult != nil {
		logger.Debugf("document signature did not verify: %s", documentResult)

		return act, documentResult
	}

	return act, v.VerifyHTTP(ctx, req)
}

// VerifyHTTP verifies the request's HTTP signature.
func (v *Verifier) VerifyHTTP(ctx context.Context, req *httpsig.Request) *Result {
	sig, err := httpsig.Parse(req)

	switch {
	case errors.Is(err, httpsig.ErrNoSignature):
		return unverified("", "", ReasonNoSignature)
	case err != nil:
		return malformed(Scheme(httpsig.DetectScheme(req.Header)), err.Error())
	}

	scheme := Scheme(sig.Scheme())

	if r := v.checkFreshness(scheme, sig, req.Header); r != nil {
		return r
	}

	return v.verifyWithKey(ctx, scheme, sig.KeyID(), func(pub crypto.PublicKey) error {
		return sig.VerifyWith(req, pub, v.verify)
	})
}

func (v *Verifier) checkFreshness(scheme Scheme, sig httpsig.Signature, h http.Header) *Result {
	if v.noFreshness {
		return nil
	}

	now := v.now()

	if expires, ok := sig.Expires(); ok && now.After(expires) {
		return unverified(scheme, sig.KeyID(), ReasonStale)
	}

	created, ok := sig.Created()
	if !ok {
		date, err := http.ParseTime(h.Get("Date"))
		if err != nil {
			return unverified(scheme, sig.KeyID(), ReasonNoTimestamp)
		}

		created = date
	}

	if created.Before(now.Add(-v.window)) || created.After(now.Add(v.window)) {
		return unverified(scheme, sig.KeyID(), ReasonStale)
	}

	return nil
}

// VerifyLD verifies the document's Linked Data signature.
func (v *Verifier) VerifyLD(ctx context.Context, doc activity.Document) *Result {
	sig, err := ldsig.Extract(doc)

	switch {
	case errors.Is(err, ldsig.ErrNoSignature):
		return unverified(SchemeLD, "", ReasonNoSignature)
	case err != nil:
		return malformed(SchemeLD, err.Error())
	}

	return v.verifyWithKey(ctx, SchemeLD, sig.Creator, func(pub crypto.PublicKey) error {
		return v.ld.VerifyWith(doc, pub, v.verify)
	})
}

// VerifyProof verifies the document's integrity proofs. One verifying proof is enough.
func (v *Verifier) VerifyProof(ctx context.Context, doc activity.Document) *Result {
	proofs, err := proof.Extract(doc)

	switch {
	case errors.Is(err, proof.ErrNoProof):
		return unverified(SchemeProof, "", ReasonNoSignature)
	case err != nil:
		return malformed(SchemeProof, err.Error())
	}

	var last *Result

	for _, p := range proofs {
		p := p

		last = v.verifyWithKey(ctx, SchemeProof, p.VerificationMethod, func(pub crypto.PublicKey) error {
			return proof.VerifyWith(doc, p, pub, v.verify)
		})

		if last.OK() {
			return last
		}
	}

	return last
}

// verifyWithKey resolves keyID and runs check. A mismatch against a cached key triggers one
// fresh fetch, for keys that were rotated.
func (v *Verifier) verifyWithKey(ctx context.Context, scheme Scheme, keyID string,
	check func(pub crypto.PublicKey) error) *Result {
	key, err := v.keys.Resolve(ctx, keyID)
	if err != nil {
		logger.Warnf("failed to resolve key %s: %s", keyID, err)

		return unverified(scheme, keyID, ReasonKeyUnavailable)
	}

	if key == nil {
		return unverified(scheme, keyID, ReasonKeyUnavailable)
	}

	err = check(key.PublicKey)
	if err != nil && key.Cached && isKeyMismatch(err) {
		logger.Debugf("signature by cached key %s did not verify, fetching it again", keyID)

		if fresh, errRefresh := v.keys.Refresh(ctx, keyID); errRefresh == nil && fresh != nil {
			key = fresh
			err = check(key.PublicKey)
		}
	}

	switch {
	case err == nil:
		return &Result{Status: Verified, Scheme: scheme, KeyID: keyID, ActorID: key.Owner}
	case errors.Is(err, httpsig.ErrMalformed), errors.Is(err, proof.ErrMalformed), errors.Is(err, ldsig.ErrMalformed):
		return malformed(scheme, err.Error())
	case errors.Is(err, httpsig.ErrDigestMismatch):
		return unverified(scheme, keyID, ReasonDigestMismatch)
	default:
		logger.Debugf("signature by %s did not verify: %s", keyID, err)

		return unverified(scheme, keyID, ReasonMismatch)
	}
}

func isKeyMismatch(err error) bool {
	return !errors.Is(err, httpsig.ErrMalformed) && !errors.Is(err, httpsig.ErrDigestMismatch)
}

// ErrActorMismatch is returned when the verified signer does not own the activity's actor.
var ErrActorMismatch = errors.New("signer does not own the activity's actor")

// CheckOwnership verifies that a verified result's signer may speak for the activity's actor.
// HTTP signatures must come from the actor itself. Document signatures, which may be relayed,
// must come from the actor or, when the key names no owner, from the actor's origin.
func CheckOwnership(r *Result, act *activity.Activity) error {
	actor := act.Actor()
	if actor == "" || r.ActorID == actor {
		return nil
	}

	if r.ActorID == "" && (r.Scheme == SchemeLD || r.Scheme == SchemeProof) &&
		fedutils.SameOrigin(r.KeyID, actor) {
		return nil
	}

	return fmt.Errorf("%w: %s signed for %s", ErrActorMismatch, r.KeyID, actor)
}
