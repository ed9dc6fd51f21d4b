package trust

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// pinKeyInfo is the HKDF info label for the PIN signing key. Changing it
// invalidates every outstanding PIN.
const pinKeyInfo = "trustcore/pin-signing/v1"

// Keyring holds the server-side signing material. The master secret comes
// from configuration and is never persisted; purpose-specific keys are
// derived from it with HKDF-SHA256.
type Keyring struct {
	pinKey []byte
}

// NewKeyring derives the keyring from the configured master secret.
func NewKeyring(masterSecret []byte) (*Keyring, error) {
	if len(masterSecret) == 0 {
		return nil, fmt.Errorf("trust: master secret must not be empty")
	}
	pinKey, err := deriveKey(masterSecret, pinKeyInfo)
	if err != nil {
		return nil, err
	}
	return &Keyring{pinKey: pinKey}, nil
}

func deriveKey(secret []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("trust: key derivation: %w", err)
	}
	return key, nil
}

// SignPin computes the HMAC-SHA256 signature binding a PIN identifier to its
// secret token.
func (k *Keyring) SignPin(pinID, token string) string {
	mac := hmac.New(sha256.New, k.pinKey)
	mac.Write([]byte(pinID + ":" + token))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyPin recomputes the expected signature and compares in constant time.
func (k *Keyring) VerifyPin(pinID, token, signature string) bool {
	expected := k.SignPin(pinID, token)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// NewToken returns a fresh high-entropy PIN token. The raw value is returned
// to the caller exactly once and never stored.
func NewToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("trust: token generation: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// KeyProvider abstracts a party's Ed25519 signing identity. Production
// parties hold their own keys; the in-memory provider backs tests and the
// demo CLI.
type KeyProvider interface {
	Sign(msg []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
}

// MemoryKeyProvider is an in-memory Ed25519 keypair.
type MemoryKeyProvider struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// NewMemoryKeyProvider generates a fresh keypair.
func NewMemoryKeyProvider() (*MemoryKeyProvider, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &MemoryKeyProvider{pub: pub, priv: priv}, nil
}

func (m *MemoryKeyProvider) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(m.priv, msg), nil
}

func (m *MemoryKeyProvider) PublicKey() ed25519.PublicKey {
	return m.pub
}

// PublicKeyPEM renders an Ed25519 public key as a PEM-encoded PKIX block,
// the format VerifySignature accepts.
func PublicKeyPEM(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("trust: marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// SignContentHash signs a contract content hash with the provider's key and
// returns the base64 signature expected by the ledger.
func SignContentHash(p KeyProvider, contentHash string) (string, error) {
	sig, err := p.Sign([]byte(contentHash))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}
