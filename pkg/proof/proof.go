/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package proof creates and verifies Object Integrity Proofs using the
// eddsa-jcs-2022 Data Integrity cryptosuite.
package proof

import (
	"crypto"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/multiformats/go-multibase"

	"github.com/trustbloc/apfed/pkg/activity"
	"github.com/trustbloc/apfed/pkg/httpsig"
)

// Proof type and cryptosuite.
const (
	Type        = "DataIntegrityProof"
	Cryptosuite = "eddsa-jcs-2022"
	// PurposeAssertionMethod is the only proof purpose accepted for activities.
	PurposeAssertionMethod = "assertionMethod"
)

var (
	// ErrNoProof is returned when the document carries no proof.
	ErrNoProof = errors.New("no integrity proof present")
	// ErrMalformed is returned for proofs that can't be used.
	ErrMalformed = errors.New("malformed integrity proof")
)

// Proof is one parsed proof.
type Proof struct {
	VerificationMethod string
	ProofPurpose       string
	Created            time.Time
	Value              []byte

	options map[string]interface{}
}

// Extract returns the document's proofs in document order.
func Extract(doc activity.Document) ([]*Proof, error) {
	raw, ok := doc["proof"]
	if !ok {
		return nil, ErrNoProof
	}

	var blocks []interface{}

	switch v := raw.(type) {
	case map[string]interface{}:
		blocks = []interface{}{v}
	case []interface{}:
		blocks = v
	default:
		return nil, fmt.Errorf("%w: proof is not an object", ErrMalformed)
	}

	if len(blocks) == 0 {
		return nil, ErrNoProof
	}

	proofs := make([]*Proof, 0, len(blocks))

	for _, b := range blocks {
		block, ok := b.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: proof is not an object", ErrMalformed)
		}

		p, err := parse(block)
		if err != nil {
			return nil, err
		}

		proofs = append(proofs, p)
	}

	return proofs, nil
}

func parse(block map[string]interface{}) (*Proof, error) {
	if t, _ := block["type"].(string); t != Type {
		return nil, fmt.Errorf("%w: unsupported type %q", ErrMalformed, t)
	}

	if suite, _ := block["cryptosuite"].(string); suite != Cryptosuite {
		return nil, fmt.Errorf("%w: unsupported cryptosuite %q", ErrMalformed, suite)
	}

	p := &Proof{options: make(map[string]interface{}, len(block))}
	p.VerificationMethod, _ = block["verificationMethod"].(string)
	p.ProofPurpose, _ = block["proofPurpose"].(string)

	if p.VerificationMethod == "" {
		return nil, fmt.Errorf("%w: verificationMethod is required", ErrMalformed)
	}

	if p.ProofPurpose != PurposeAssertionMethod {
		return nil, fmt.Errorf("%w: unsupported proofPurpose %q", ErrMalformed, p.ProofPurpose)
	}

	if created, ok := block["created"].(string); ok {
		t, err := time.Parse(time.RFC3339, created)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid created: %s", ErrMalformed, err)
		}

		p.Created = t
	}

	value, _ := block["proofValue"].(string)

	encoding, decoded, err := multibase.Decode(value)
	if err != nil || encoding != multibase.Base58BTC {
		return nil, fmt.Errorf("%w: proofValue must be base58btc multibase", ErrMalformed)
	}

	p.Value = decoded

	for k, v := range block {
		if k != "proofValue" {
			p.options[k] = v
		}
	}

	return p, nil
}

// Verify checks p against doc, which must be the document p was extracted from.
func Verify(doc activity.Document, p *Proof, pub crypto.PublicKey) error {
	return VerifyWith(doc, p, pub, httpsig.VerifyBytes)
}

// VerifyWith is Verify with the cryptographic check delegated to verify.
func VerifyWith(doc activity.Document, p *Proof, pub crypto.PublicKey, verify httpsig.VerifyFunc) error {
	if _, ok := pub.(ed25519.PublicKey); !ok {
		return fmt.Errorf("%w: %s requires an Ed25519 key", httpsig.ErrUnsupportedKey, Cryptosuite)
	}

	data, err := hashData(doc, p.options)
	if err != nil {
		return err
	}

	return verify(pub, httpsig.AlgorithmEd25519, data, p.Value)
}

// Sign returns a copy of doc with an eddsa-jcs-2022 proof made by kp appended.
func Sign(doc activity.Document, kp httpsig.KeyPair, now time.Time) (activity.Document, error) {
	if _, ok := kp.PrivateKey.Public().(ed25519.PublicKey); !ok {
		return nil, fmt.Errorf("%w: %s requires an Ed25519 key", httpsig.ErrUnsupportedKey, Cryptosuite)
	}

	options := map[string]interface{}{
		"type":               Type,
		"cryptosuite":        Cryptosuite,
		"verificationMethod": kp.KeyID,
		"proofPurpose":       PurposeAssertionMethod,
		"created":            now.UTC().Truncate(time.Second).Format(time.RFC3339),
	}

	data, err := hashData(doc, options)
	if err != nil {
		return nil, err
	}

	sig, err := httpsig.SignBytes(kp.PrivateKey, data)
	if err != nil {
		return nil, fmt.Errorf("failed to sign document: %w", err)
	}

	value, err := multibase.Encode(multibase.Base58BTC, sig)
	if err != nil {
		return nil, err
	}

	block := make(map[string]interface{}, len(options)+1)
	for k, v := range options {
		block[k] = v
	}

	block["proofValue"] = value

	signed := doc.Clone()
	signed["proof"] = block

	return signed, nil
}

// hashData is sha256(jcs(proof options)) followed by sha256(jcs(document without proof)).
func hashData(doc activity.Document, options map[string]interface{}) ([]byte, error) {
	config := make(map[string]interface{}, len(options)+1)
	for k, v := range options {
		config[k] = v
	}

	if ctx, ok := doc["@context"]; ok {
		config["@context"] = ctx
	}

	configHash, err := canonicalHash(config)
	if err != nil {
		return nil, err
	}

	unsecured := doc.Clone()
	delete(unsecured, "proof")

	docHash, err := canonicalHash(unsecured)
	if err != nil {
		return nil, err
	}

	return append(configHash, docHash...), nil
}

func canonicalHash(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}

	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: canonicalization failed: %s", ErrMalformed, err)
	}

	sum := sha256.Sum256(canonical)

	return sum[:], nil
}
