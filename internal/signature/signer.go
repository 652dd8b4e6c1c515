// Package signature implements multi-party card signing: per-role Ed25519
// keys, the signature collector with its anti-replay and role checks, and
// host email-link nonces.
package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/proofmeet/backend/internal/model"
)

// Signer holds one Ed25519 key pair per signer role. Signatures are produced
// over the card hash bytes (hex-decoded), RFC 8032 style.
type Signer struct {
	keys map[model.SignerRole]ed25519.PrivateKey
}

// NewSigner generates fresh key pairs for the three roles. Production
// deployments load persisted keys through NewSignerFromKeys instead.
func NewSigner() (*Signer, error) {
	keys := make(map[model.SignerRole]ed25519.PrivateKey, 3)
	for _, role := range []model.SignerRole{model.RoleParticipant, model.RoleHost, model.RoleSystem} {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate %s key: %w", role, err)
		}
		keys[role] = priv
	}
	return &Signer{keys: keys}, nil
}

// NewSignerFromKeys wraps existing role keys (e.g. loaded from a KMS).
func NewSignerFromKeys(keys map[model.SignerRole]ed25519.PrivateKey) *Signer {
	return &Signer{keys: keys}
}

// Sign signs the card hash with the role's private key and returns the
// signature bytes plus the public-key fingerprint.
func (s *Signer) Sign(role model.SignerRole, cardHash string) (sig []byte, fingerprint string, err error) {
	priv, ok := s.keys[role]
	if !ok {
		return nil, "", fmt.Errorf("no key for role %s", role)
	}
	digest, err := hex.DecodeString(cardHash)
	if err != nil {
		return nil, "", fmt.Errorf("card hash is not hex: %w", err)
	}
	return ed25519.Sign(priv, digest), s.Fingerprint(role), nil
}

// Verify checks a signature against the role's public key.
func (s *Signer) Verify(role model.SignerRole, cardHash string, sig []byte) bool {
	priv, ok := s.keys[role]
	if !ok {
		return false
	}
	digest, err := hex.DecodeString(cardHash)
	if err != nil {
		return false
	}
	return ed25519.Verify(priv.Public().(ed25519.PublicKey), digest, sig)
}

// Fingerprint returns the SHA-256 fingerprint of the role's public key,
// truncated to 16 bytes of hex.
func (s *Signer) Fingerprint(role model.SignerRole) string {
	priv, ok := s.keys[role]
	if !ok {
		return ""
	}
	sum := sha256.Sum256(priv.Public().(ed25519.PublicKey))
	return hex.EncodeToString(sum[:16])
}
