/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package httpsig

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/multiformats/go-multibase"
	jose "github.com/square/go-jose"
)

// Algorithm names a signature algorithm, using RFC 9421 registry names.
type Algorithm string

// Supported algorithms.
const (
	AlgorithmRSASHA256 Algorithm = "rsa-v1_5-sha256"
	AlgorithmEd25519   Algorithm = "ed25519"
)

var (
	// ErrUnsupportedKey is returned for key types other than RSA and Ed25519.
	ErrUnsupportedKey = errors.New("unsupported key type")
	// ErrMismatch is returned when a signature does not verify.
	ErrMismatch = errors.New("signature mismatch")
)

// multicodec prefixes (varint-encoded) for Multikey public keys.
var (
	ed25519PubPrefix = []byte{0xed, 0x01}
	rsaPubPrefix     = []byte{0x85, 0x24}
)

// KeyPair is one of an actor's signing keys. PrivateKey may be any crypto.Signer backed by an
// RSA or Ed25519 key, including ones held in an external KMS.
type KeyPair struct {
	KeyID      string
	PrivateKey crypto.Signer
}

// Algorithm returns the key pair's algorithm.
func (k KeyPair) Algorithm() (Algorithm, error) {
	return AlgorithmOf(k.PrivateKey.Public())
}

// AlgorithmOf returns the algorithm for a public key.
func AlgorithmOf(pub crypto.PublicKey) (Algorithm, error) {
	switch pub.(type) {
	case *rsa.PublicKey:
		return AlgorithmRSASHA256, nil
	case ed25519.PublicKey:
		return AlgorithmEd25519, nil
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}
}

// SignBytes signs data with the algorithm matching the key.
func SignBytes(signer crypto.Signer, data []byte) ([]byte, error) {
	alg, err := AlgorithmOf(signer.Public())
	if err != nil {
		return nil, err
	}

	if alg == AlgorithmEd25519 {
		return signer.Sign(rand.Reader, data, crypto.Hash(0))
	}

	digest := sha256.Sum256(data)

	return signer.Sign(rand.Reader, digest[:], crypto.SHA256)
}

// VerifyFunc checks sig over data with pub. VerifyBytes is the default.
type VerifyFunc func(pub crypto.PublicKey, alg Algorithm, data, sig []byte) error

// VerifyBytes checks sig over data. An expected algorithm, if given, must match the key.
func VerifyBytes(pub crypto.PublicKey, alg Algorithm, data, sig []byte) error {
	keyAlg, err := AlgorithmOf(pub)
	if err != nil {
		return err
	}

	if alg != "" && alg != keyAlg {
		return fmt.Errorf("%w: algorithm %s does not match %s key", ErrMismatch, alg, keyAlg)
	}

	switch k := pub.(type) {
	case *rsa.PublicKey:
		digest := sha256.Sum256(data)

		if rsa.VerifyPKCS1v15(k, crypto.SHA256, digest[:], sig) != nil {
			return ErrMismatch
		}
	case ed25519.PublicKey:
		if !ed25519.Verify(k, data, sig) {
			return ErrMismatch
		}
	}

	return nil
}

// ParsePublicKeyPEM parses a PKIX or PKCS#1 PEM public key.
func ParsePublicKeyPEM(data string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	if block.Type == "RSA PUBLIC KEY" {
		return x509.ParsePKCS1PublicKey(block.Bytes)
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	if _, err = AlgorithmOf(pub); err != nil {
		return nil, err
	}

	return pub, nil
}

// EncodePublicKeyPEM encodes a public key as PKIX PEM.
func EncodePublicKeyPEM(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}

	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// DecodeMultikey decodes a publicKeyMultibase value (Ed25519 or RSA).
func DecodeMultikey(value string) (crypto.PublicKey, error) {
	_, decoded, err := multibase.Decode(value)
	if err != nil {
		return nil, fmt.Errorf("failed to decode multibase: %w", err)
	}

	switch {
	case len(decoded) == len(ed25519PubPrefix)+ed25519.PublicKeySize && hasPrefix(decoded, ed25519PubPrefix):
		return ed25519.PublicKey(decoded[len(ed25519PubPrefix):]), nil
	case hasPrefix(decoded, rsaPubPrefix):
		return x509.ParsePKCS1PublicKey(decoded[len(rsaPubPrefix):])
	default:
		return nil, fmt.Errorf("%w: unknown multicodec prefix", ErrUnsupportedKey)
	}
}

// EncodeMultikey encodes a public key as base58btc publicKeyMultibase.
func EncodeMultikey(pub crypto.PublicKey) (string, error) {
	var raw []byte

	switch k := pub.(type) {
	case ed25519.PublicKey:
		raw = append(append(raw, ed25519PubPrefix...), k...)
	case *rsa.PublicKey:
		raw = append(append(raw, rsaPubPrefix...), x509.MarshalPKCS1PublicKey(k)...)
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}

	return multibase.Encode(multibase.Base58BTC, raw)
}

// MarshalPublicJWK serializes a public key as a JWK.
func MarshalPublicJWK(pub crypto.PublicKey, keyID string) ([]byte, error) {
	if _, err := AlgorithmOf(pub); err != nil {
		return nil, err
	}

	return json.Marshal(jose.JSONWebKey{Key: pub, KeyID: keyID})
}

// UnmarshalPublicJWK parses a public JWK.
func UnmarshalPublicJWK(data []byte) (crypto.PublicKey, error) {
	var jwk jose.JSONWebKey

	if err := json.Unmarshal(data, &jwk); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JWK: %w", err)
	}

	if !jwk.IsPublic() {
		return nil, errors.New("JWK is not a public key")
	}

	return normalizeKey(jwk.Key)
}

// MarshalKeyPair serializes a key pair (including the private key) as a JWK. Only in-memory
// RSA and Ed25519 keys can be serialized.
func MarshalKeyPair(kp KeyPair) ([]byte, error) {
	switch kp.PrivateKey.(type) {
	case *rsa.PrivateKey, ed25519.PrivateKey:
	default:
		return nil, fmt.Errorf("%w: %T can't be serialized", ErrUnsupportedKey, kp.PrivateKey)
	}

	return json.Marshal(jose.JSONWebKey{Key: kp.PrivateKey, KeyID: kp.KeyID})
}

// UnmarshalKeyPair is the inverse of MarshalKeyPair.
func UnmarshalKeyPair(data []byte) (KeyPair, error) {
	var jwk jose.JSONWebKey

	if err := json.Unmarshal(data, &jwk); err != nil {
		return KeyPair{}, fmt.Errorf("failed to unmarshal JWK: %w", err)
	}

	switch k := jwk.Key.(type) {
	case *rsa.PrivateKey:
		return KeyPair{KeyID: jwk.KeyID, PrivateKey: k}, nil
	case ed25519.PrivateKey:
		return KeyPair{KeyID: jwk.KeyID, PrivateKey: k}, nil
	default:
		return KeyPair{}, fmt.Errorf("%w: JWK holds %T", ErrUnsupportedKey, jwk.Key)
	}
}

func normalizeKey(key interface{}) (crypto.PublicKey, error) {
	switch k := key.(type) {
	case *rsa.PublicKey:
		return k, nil
	case ed25519.PublicKey:
		return k, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}

	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}

	return true
}
