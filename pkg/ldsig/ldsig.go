/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package ldsig creates and verifies RsaSignature2017 Linked Data Signatures, the
// "signature" block some servers attach to relayed activities.
package ldsig

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/piprate/json-gold/ld"

	"github.com/trustbloc/apfed/pkg/activity"
	"github.com/trustbloc/apfed/pkg/docloader"
	"github.com/trustbloc/apfed/pkg/httpsig"
)

// SignatureType is the only supported Linked Data Signature suite.
const SignatureType = "RsaSignature2017"

var (
	// ErrNoSignature is returned when the document has no signature block.
	ErrNoSignature = errors.New("no linked data signature present")
	// ErrMalformed is returned when the signature block can't be used.
	ErrMalformed = errors.New("malformed linked data signature")
)

// Signature is a parsed signature block.
type Signature struct {
	Type           string
	Creator        string
	Created        time.Time
	SignatureValue []byte
}

// Extract parses the document's signature block.
func Extract(doc activity.Document) (*Signature, error) {
	raw, ok := doc["signature"]
	if !ok {
		return nil, ErrNoSignature
	}

	block, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: signature is not an object", ErrMalformed)
	}

	sig := &Signature{}
	sig.Type, _ = block["type"].(string)
	sig.Creator, _ = block["creator"].(string)

	if sig.Type != SignatureType {
		return nil, fmt.Errorf("%w: unsupported type %q", ErrMalformed, sig.Type)
	}

	if sig.Creator == "" {
		return nil, fmt.Errorf("%w: creator is required", ErrMalformed)
	}

	created, _ := block["created"].(string)

	var err error

	sig.Created, err = time.Parse(time.RFC3339, created)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid created: %s", ErrMalformed, err)
	}

	value, _ := block["signatureValue"].(string)

	sig.SignatureValue, err = base64.StdEncoding.DecodeString(value)
	if err != nil || len(sig.SignatureValue) == 0 {
		return nil, fmt.Errorf("%w: invalid signatureValue", ErrMalformed)
	}

	return sig, nil
}

// Suite canonicalizes documents with URDNA2015 and signs or verifies them.
type Suite struct {
	loader ld.DocumentLoader
}

// New returns a Suite resolving JSON-LD contexts through loader.
func New(loader ld.DocumentLoader) *Suite {
	if loader == nil {
		loader = docloader.NewJSONLDLoader(nil)
	}

	return &Suite{loader: loader}
}

// Verify checks doc's signature block against pub.
func (s *Suite) Verify(doc activity.Document, pub crypto.PublicKey) error {
	return s.VerifyWith(doc, pub, httpsig.VerifyBytes)
}

// VerifyWith is Verify with the cryptographic check delegated to verify.
func (s *Suite) VerifyWith(doc activity.Document, pub crypto.PublicKey, verify httpsig.VerifyFunc) error {
	sig, err := Extract(doc)
	if err != nil {
		return err
	}

	data, err := s.signingInput(doc, sig.Creator, sig.Created)
	if err != nil {
		return err
	}

	return verify(pub, httpsig.AlgorithmRSASHA256, data, sig.SignatureValue)
}

// Sign returns a copy of doc carrying a signature block made with kp, which must be an RSA key.
func (s *Suite) Sign(doc activity.Document, kp httpsig.KeyPair, now time.Time) (activity.Document, error) {
	if _, ok := kp.PrivateKey.Public().(*rsa.PublicKey); !ok {
		return nil, fmt.Errorf("%w: %s requires an RSA key", httpsig.ErrUnsupportedKey, SignatureType)
	}

	created := now.UTC().Truncate(time.Second)

	unsigned := doc.Clone()
	delete(unsigned, "signature")

	data, err := s.signingInput(unsigned, kp.KeyID, created)
	if err != nil {
		return nil, err
	}

	value, err := httpsig.SignBytes(kp.PrivateKey, data)
	if err != nil {
		return nil, fmt.Errorf("failed to sign document: %w", err)
	}

	unsigned["signature"] = map[string]interface{}{
		"type":           SignatureType,
		"creator":        kp.KeyID,
		"created":        created.Format(time.RFC3339),
		"signatureValue": base64.StdEncoding.EncodeToString(value),
	}

	return unsigned, nil
}

// signingInput is hex(sha256(options)) followed by hex(sha256(document)), both canonicalized.
func (s *Suite) signingInput(doc activity.Document, creator string, created time.Time) ([]byte, error) {
	options := map[string]interface{}{
		"@context": docloader.IdentityContextV1,
		"creator":  creator,
		"created":  created.UTC().Format(time.RFC3339),
	}

	optionsHash, err := s.hash(options)
	if err != nil {
		return nil, err
	}

	body := doc.Clone()
	delete(body, "signature")

	docHash, err := s.hash(map[string]interface{}(body))
	if err != nil {
		return nil, err
	}

	return []byte(optionsHash + docHash), nil
}

func (s *Suite) hash(doc map[string]interface{}) (string, error) {
	canonical, err := s.canonicalize(doc)
	if err != nil {
		return "", err
	}

	if canonical == "" {
		return "", fmt.Errorf("%w: document has no linked data content", ErrMalformed)
	}

	sum := sha256.Sum256([]byte(canonical))

	return hex.EncodeToString(sum[:]), nil
}

func (s *Suite) canonicalize(doc map[string]interface{}) (string, error) {
	opts := ld.NewJsonLdOptions("")
	opts.Algorithm = "URDNA2015"
	opts.Format = "application/n-quads"
	opts.ProcessingMode = ld.JsonLd_1_1
	opts.DocumentLoader = s.loader

	normalized, err := ld.NewJsonLdProcessor().Normalize(doc, opts)
	if err != nil {
		return "", fmt.Errorf("%w: canonicalization failed: %s", ErrMalformed, err)
	}

	canonical, ok := normalized.(string)
	if !ok {
		return "", fmt.Errorf("%w: unexpected canonical form %T", ErrMalformed, normalized)
	}

	return canonical, nil
}
