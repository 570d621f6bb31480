/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package proof_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trustbloc/apfed/pkg/activity"
	"github.com/trustbloc/apfed/pkg/docloader"
	"github.com/trustbloc/apfed/pkg/httpsig"
	"github.com/trustbloc/apfed/pkg/proof"
)

func newDocument() activity.Document {
	return activity.Document{
		"@context": []interface{}{activity.ActivityStreamsContext, docloader.DataIntegrityContextV1},
		"id":       "https://remote.example/activities/1",
		"type":     "Create",
		"actor":    "https://remote.example/users/alice",
		"object":   map[string]interface{}{"type": "Note", "content": "hello"},
	}
}

func TestSignVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	kp := httpsig.KeyPair{KeyID: "https://remote.example/users/alice#ed25519-key", PrivateKey: priv}

	signed, err := proof.Sign(newDocument(), kp, time.Now())
	require.NoError(t, err)

	proofs, err := proof.Extract(signed)
	require.NoError(t, err)
	require.Len(t, proofs, 1)
	require.Equal(t, kp.KeyID, proofs[0].VerificationMethod)
	require.Equal(t, proof.PurposeAssertionMethod, proofs[0].ProofPurpose)

	require.NoError(t, proof.Verify(signed, proofs[0], pub))

	t.Run("round trip through JSON", func(t *testing.T) {
		a, err := activity.New(signed)
		require.NoError(t, err)

		parsed, err := activity.Parse(a.Bytes())
		require.NoError(t, err)

		proofs, err := proof.Extract(parsed.Document())
		require.NoError(t, err)
		require.NoError(t, proof.Verify(parsed.Document(), proofs[0], pub))
	})
	t.Run("tampered document", func(t *testing.T) {
		tampered := signed.Clone()
		tampered["actor"] = "https://remote.example/users/mallory"

		require.True(t, errors.Is(proof.Verify(tampered, proofs[0], pub), httpsig.ErrMismatch))
	})
	t.Run("wrong key type", func(t *testing.T) {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)

		require.True(t, errors.Is(proof.Verify(signed, proofs[0], &key.PublicKey), httpsig.ErrUnsupportedKey))

		_, err = proof.Sign(newDocument(), httpsig.KeyPair{KeyID: "k", PrivateKey: key}, time.Now())
		require.True(t, errors.Is(err, httpsig.ErrUnsupportedKey))
	})
}

func TestExtract(t *testing.T) {
	_, err := proof.Extract(newDocument())
	require.True(t, errors.Is(err, proof.ErrNoProof))

	doc := newDocument()
	doc["proof"] = []interface{}{}
	_, err = proof.Extract(doc)
	require.True(t, errors.Is(err, proof.ErrNoProof))

	valid := func() map[string]interface{} {
		return map[string]interface{}{
			"type":               proof.Type,
			"cryptosuite":        proof.Cryptosuite,
			"verificationMethod": "https://remote.example/users/alice#ed25519-key",
			"proofPurpose":       proof.PurposeAssertionMethod,
			"proofValue":         "z3FXQjecWufY46yg5abdVZsXqLhxhueuSoZgNSARiKBk",
		}
	}

	doc["proof"] = valid()
	proofs, err := proof.Extract(doc)
	require.NoError(t, err)
	require.Len(t, proofs, 1)

	for name, mutate := range map[string]func(m map[string]interface{}){
		"type":               func(m map[string]interface{}) { m["type"] = "Ed25519Signature2020" },
		"cryptosuite":        func(m map[string]interface{}) { m["cryptosuite"] = "eddsa-rdfc-2022" },
		"verificationMethod": func(m map[string]interface{}) { delete(m, "verificationMethod") },
		"proofPurpose":       func(m map[string]interface{}) { m["proofPurpose"] = "authentication" },
		"created":            func(m map[string]interface{}) { m["created"] = "now" },
		"proofValue":         func(m map[string]interface{}) { m["proofValue"] = "not-multibase" },
	} {
		block := valid()
		mutate(block)
		doc["proof"] = block

		_, err := proof.Extract(doc)
		require.True(t, errors.Is(err, proof.ErrMalformed), name)
	}

	doc["proof"] = "x"
	_, err = proof.Extract(doc)
	require.True(t, errors.Is(err, proof.ErrMalformed))
}
