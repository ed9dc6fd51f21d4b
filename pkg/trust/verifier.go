// Package trust implements the cryptographic primitives of the consent
// protocol: deterministic content hashing of contract terms, Ed25519
// signature verification, and the server-held keyring used to sign PINs.
package trust

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"sort"
	"time"

	"github.com/consentmesh/trustcore/pkg/canonical"
	"github.com/consentmesh/trustcore/pkg/consent"
)

// ContentHash computes the deterministic SHA-256 digest of a contract's
// immutable terms. Sets are sorted before serialization so logically equal
// terms hash identically regardless of construction order.
func ContentHash(terms consent.Terms) (string, error) {
	content := map[string]any{
		"party_a":        terms.PartyA,
		"party_b":        terms.PartyB,
		"data_types":     sortedCopy(terms.DataTypes),
		"actions":        sortedCopy(terms.Actions),
		"purpose":        terms.Purpose,
		"retention_days": nil,
		"expires_at":     nil,
	}
	if terms.RetentionDays != nil {
		content["retention_days"] = *terms.RetentionDays
	}
	if terms.ExpiresAt != nil {
		content["expires_at"] = terms.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	return canonical.Hash(content)
}

// VerifySignature verifies an Ed25519 signature over the UTF-8 bytes of the
// content hash string.
//
// The public key must be a PEM-encoded PKIX Ed25519 key and the signature
// base64-encoded and exactly 64 bytes long. Every failure mode (malformed
// PEM, wrong key type, bad encoding, wrong length, cryptographic mismatch)
// collapses to false. Callers must not be able to distinguish which check
// failed.
func VerifySignature(publicKeyPEM, signatureB64, contentHash string) bool {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return false
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return false
	}

	pub, ok := parsed.(ed25519.PublicKey)
	if !ok || len(pub) != ed25519.PublicKeySize {
		return false
	}

	sig, err := decodeBase64(signatureB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}

	return ed25519.Verify(pub, []byte(contentHash), sig)
}

// decodeBase64 accepts both standard and URL-safe alphabets.
func decodeBase64(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}

func sortedCopy(values []string) []string {
	cp := append([]string(nil), values...)
	sort.Strings(cp)
	return cp
}
